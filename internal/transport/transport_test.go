package transport

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-dev/ksid/internal/router"
	"github.com/ksi-dev/ksid/internal/store"
	"github.com/ksi-dev/ksid/pkg/types"
)

func startTestServer(t *testing.T, dispatcher Dispatcher) string {
	t.Helper()
	return startTestServerWithSubscriber(t, dispatcher, nil)
}

func startTestServerWithSubscriber(t *testing.T, dispatcher Dispatcher, subscriber Subscriber) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	srv := New(socketPath, dispatcher, subscriber)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	require.Eventually(t, func() bool {
		c, err := net.Dial("unix", socketPath)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, time.Second, 5*time.Millisecond)

	return socketPath
}

func dial(t *testing.T, socketPath string) net.Conn {
	t.Helper()
	c, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func sendEvent(t *testing.T, conn net.Conn, name string, data json.RawMessage) {
	t.Helper()
	payload, err := json.Marshal(inboundMessage{Name: name, Data: data})
	require.NoError(t, err)
	require.NoError(t, writeFrame(conn, payload))
}

func recvEvent(t *testing.T, conn net.Conn) types.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := readFrame(conn)
	require.NoError(t, err)
	var ev types.Event
	require.NoError(t, json.Unmarshal(frame, &ev))
	return ev
}

func TestServerDispatchesEventAndStampsClientID(t *testing.T) {
	var gotClientID string
	socketPath := startTestServer(t, func(ctx context.Context, clientID, name string, data json.RawMessage) types.Event {
		gotClientID = clientID
		return types.Event{Name: name + ":result", Data: json.RawMessage(`{"ok":true}`)}
	})

	conn := dial(t, socketPath)
	sendEvent(t, conn, "agent:spawn", json.RawMessage(`{}`))

	ev := recvEvent(t, conn)
	assert.Equal(t, "agent:spawn:result", ev.Name)
	assert.NotEmpty(t, gotClientID)
}

func TestServerRejectsMalformedFrameWithoutClosingConnection(t *testing.T) {
	socketPath := startTestServer(t, func(ctx context.Context, clientID, name string, data json.RawMessage) types.Event {
		return types.Event{Name: name + ":result", Data: json.RawMessage(`{}`)}
	})

	conn := dial(t, socketPath)
	require.NoError(t, writeFrame(conn, []byte("not json")))
	sendEvent(t, conn, "session:start", json.RawMessage(`{}`))

	ev := recvEvent(t, conn)
	assert.Equal(t, "session:start:result", ev.Name)
}

func newTestRouter(t *testing.T) *router.Router {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return router.New(st)
}

// TestSubscribe_DeliversLaterRouterEventsOnTheSameConnection covers the
// wire path monitor:subscribe/observation:subscribe exist for: a client
// subscribes, then later events the router emits (not just the single
// dispatch result) arrive on the same connection's outbound stream.
func TestSubscribe_DeliversLaterRouterEventsOnTheSameConnection(t *testing.T) {
	rt := newTestRouter(t)
	socketPath := startTestServerWithSubscriber(t, func(ctx context.Context, clientID, name string, data json.RawMessage) types.Event {
		return rt.Dispatch(ctx, nil, "", clientID, name, data)
	}, rt)

	conn := dial(t, socketPath)
	params, _ := json.Marshal(subscribeParams{Patterns: []string{"completion:*"}})
	sendEvent(t, conn, "monitor:subscribe", params)

	ack := recvEvent(t, conn)
	require.Equal(t, "monitor:subscribe:result", ack.Name)
	var ackPayload map[string]string
	require.NoError(t, json.Unmarshal(ack.Data, &ackPayload))
	require.NotEmpty(t, ackPayload["subscription_id"])

	rt.EmitChild(nil, types.Event{Name: "completion:progress", Data: json.RawMessage(`{"delta":"hi"}`)})

	ev := recvEvent(t, conn)
	assert.Equal(t, "completion:progress", ev.Name)
}

func TestSubscribe_ScopedSingleAgentFiltersOtherAgents(t *testing.T) {
	rt := newTestRouter(t)
	socketPath := startTestServerWithSubscriber(t, func(ctx context.Context, clientID, name string, data json.RawMessage) types.Event {
		return rt.Dispatch(ctx, nil, "", clientID, name, data)
	}, rt)

	conn := dial(t, socketPath)
	scope := types.SubscriptionScope{Kind: types.ScopeSingleAgent, AgentID: "agent-1"}
	params, _ := json.Marshal(subscribeParams{Patterns: []string{"*"}, Scope: &scope})
	sendEvent(t, conn, "observation:subscribe", params)
	require.Equal(t, "observation:subscribe:result", recvEvent(t, conn).Name)

	rt.EmitChild(&types.Context{AgentID: "agent-2"}, types.Event{Name: "agent:ready", Data: json.RawMessage(`{}`)})
	rt.EmitChild(&types.Context{AgentID: "agent-1"}, types.Event{Name: "agent:ready", Data: json.RawMessage(`{}`)})

	ev := recvEvent(t, conn)
	assert.Equal(t, "agent:ready", ev.Name)
	assert.Equal(t, "agent-1", ev.Context.AgentID)
}

func TestUnsubscribe_StopsFurtherDelivery(t *testing.T) {
	rt := newTestRouter(t)
	socketPath := startTestServerWithSubscriber(t, func(ctx context.Context, clientID, name string, data json.RawMessage) types.Event {
		return rt.Dispatch(ctx, nil, "", clientID, name, data)
	}, rt)

	conn := dial(t, socketPath)
	params, _ := json.Marshal(subscribeParams{Patterns: []string{"monitor:*"}})
	sendEvent(t, conn, "monitor:subscribe", params)
	ack := recvEvent(t, conn)
	var ackPayload map[string]string
	require.NoError(t, json.Unmarshal(ack.Data, &ackPayload))

	unsub, _ := json.Marshal(unsubscribeParams{SubscriptionID: ackPayload["subscription_id"]})
	sendEvent(t, conn, "monitor:unsubscribe", unsub)
	require.Equal(t, "monitor:unsubscribe:result", recvEvent(t, conn).Name)

	rt.EmitChild(nil, types.Event{Name: "monitor:tick", Data: json.RawMessage(`{}`)})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err := readFrame(conn)
	assert.Error(t, err, "expected no further delivery after unsubscribe")
}

func TestSubscribe_FailsNotFoundWithoutASubscriber(t *testing.T) {
	socketPath := startTestServer(t, func(ctx context.Context, clientID, name string, data json.RawMessage) types.Event {
		return types.Event{Name: name + ":result"}
	})

	conn := dial(t, socketPath)
	params, _ := json.Marshal(subscribeParams{Patterns: []string{"*"}})
	sendEvent(t, conn, "monitor:subscribe", params)

	ev := recvEvent(t, conn)
	assert.Equal(t, "error", ev.Name)
	var payload types.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, types.KindNotFound, payload.Kind)
}

func TestServerRepliesBusyWhenInboundQueueOverruns(t *testing.T) {
	release := make(chan struct{})
	socketPath := startTestServer(t, func(ctx context.Context, clientID, name string, data json.RawMessage) types.Event {
		<-release
		return types.Event{Name: name + ":result", Data: json.RawMessage(`{}`)}
	})

	conn := dial(t, socketPath)
	for i := 0; i < defaultInboundBuffer+4; i++ {
		sendEvent(t, conn, "slow:op", json.RawMessage(`{}`))
	}

	sawBusy := false
	for i := 0; i < defaultInboundBuffer+4; i++ {
		ev := recvEvent(t, conn)
		if ev.Name == "busy" {
			sawBusy = true
			break
		}
	}
	close(release)
	assert.True(t, sawBusy, "expected at least one busy reply once the inbound queue overran")
}
