// Package integration drives the literal end-to-end scenarios from
// spec.md's concurrency model section (S1-S5) against the real wiring
// cmd/ksid's serve command assembles: store, router, tracker, agentsvc,
// orchestration, completion, discovery, all sharing one router instance.
package integration

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-dev/ksid/internal/agentsvc"
	"github.com/ksi-dev/ksid/internal/completion"
	"github.com/ksi-dev/ksid/internal/discovery"
	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/internal/orchestration"
	"github.com/ksi-dev/ksid/internal/provider"
	"github.com/ksi-dev/ksid/internal/router"
	"github.com/ksi-dev/ksid/internal/store"
	"github.com/ksi-dev/ksid/internal/tracker"
	"github.com/ksi-dev/ksid/pkg/types"
)

// scriptedProvider answers CreateCompletion from a canned script, one
// entry consumed per call, so a test can drive S1/S2's two-turn
// conversation deterministically.
type scriptedProvider struct {
	id, model string
	replies   []string
	sessions  []string
	calls     int
	block     chan struct{} // if non-nil, CreateCompletion waits on it before replying
}

func (p *scriptedProvider) ID() string   { return p.id }
func (p *scriptedProvider) Name() string { return p.id }
func (p *scriptedProvider) Models() []types.Model {
	return []types.Model{{ID: p.model, ProviderID: p.id}}
}
func (p *scriptedProvider) ChatModel() model.ToolCallingChatModel { return nil }

func (p *scriptedProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	idx := p.calls
	p.calls++
	content := "done"
	if idx < len(p.replies) {
		content = p.replies[idx]
	}
	sid := req.SessionID
	if idx < len(p.sessions) {
		sid = p.sessions[idx]
	}
	reader := schema.StreamReaderFromArray([]*schema.Message{{Role: schema.Assistant, Content: content}})
	return provider.NewCompletionStream(reader, sid), nil
}

// fixedLoader resolves compositions from a fixed map.
type fixedLoader struct {
	comps map[string]*types.Composition
}

func (f *fixedLoader) Resolve(name string) (*types.Composition, error) {
	if c, ok := f.comps[name]; ok {
		return c, nil
	}
	return nil, errs.ErrNotFound
}

type daemon struct {
	router      *router.Router
	tracker     *tracker.Tracker
	agents      *agentsvc.Service
	agentReg    *agentsvc.Registry
	orch        *orchestration.Service
	orchReg     *orchestration.Registry
	completion  *completion.Service
	discovery   *discovery.Service
	providerReg *provider.Registry
}

// newDaemon wires every service the way cmd/ksid's serve command does,
// against an in-memory store and a scripted fake provider instead of a
// real LLM backend.
func newDaemon(t *testing.T, comps map[string]*types.Composition, prov *scriptedProvider) *daemon {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rt := router.New(st)
	tr := tracker.New(st)
	loader := &fixedLoader{comps: comps}

	agentReg := agentsvc.NewRegistry(st)
	agents := agentsvc.New(rt, tr, agentReg, loader, agentsvc.Config{SandboxRoot: t.TempDir()})
	agents.RegisterHandlers()
	t.Cleanup(agents.Stop)

	checker := agentsvc.NewChecker(agentReg)
	rt.SetCapabilityChecker(checker)

	orchReg := orchestration.NewRegistry(st)
	orch := orchestration.New(rt, orchReg, loader)
	orch.RegisterHandlers()
	t.Cleanup(orch.Stop)

	providerReg := provider.NewRegistry(&types.Config{})
	if prov != nil {
		providerReg.Register(prov)
	}

	comp := completion.New(rt, tr, providerReg, st, types.CompletionConfig{
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})
	comp.SetCapabilityChecker(checker)
	comp.RegisterHandlers()
	t.Cleanup(comp.Stop)

	disc := discovery.New(rt)
	disc.RegisterHandlers()

	return &daemon{
		router: rt, tracker: tr,
		agents: agents, agentReg: agentReg,
		orch: orch, orchReg: orchReg,
		completion: comp, discovery: disc,
		providerReg: providerReg,
	}
}

func dispatch(t *testing.T, d *daemon, agentID, name string, params any) types.Event {
	t.Helper()
	data, err := json.Marshal(params)
	require.NoError(t, err)
	return d.router.Dispatch(context.Background(), nil, agentID, "", name, data)
}

func waitFor(t *testing.T, sub *router.Subscription, name string, timeout time.Duration) types.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func greeterComposition() map[string]*types.Composition {
	return map[string]*types.Composition{
		"greeter": {Name: "greeter", Kind: types.CompositionProfile, Capabilities: []string{"spawn_agents"}},
	}
}

func spawnAgent(t *testing.T, d *daemon, component string) string {
	t.Helper()
	result := dispatch(t, d, "", "agent:spawn", agentsvc.SpawnParams{Component: component})
	require.Equal(t, "agent:spawn:result", result.Name, string(result.Data))
	var rec types.AgentRecord
	require.NoError(t, json.Unmarshal(result.Data, &rec))
	return rec.AgentID
}

// S1. New conversation: completion:async on a fresh agent queues, then
// completes, leaving the agent pointed at the returned session.
func TestS1_NewConversation(t *testing.T) {
	prov := &scriptedProvider{id: "fake", model: "m", replies: []string{"Hi there"}, sessions: []string{"sess-1"}}
	d := newDaemon(t, greeterComposition(), prov)
	a1 := spawnAgent(t, d, "greeter")

	sub := d.router.Subscribe([]string{"completion:*"}, 8)
	defer sub.Close()

	result := dispatch(t, d, a1, "completion:async", completion.AsyncParams{
		RequestID: "R", AgentID: a1, Model: "fake/m", Prompt: "Hello",
	})
	require.Equal(t, "completion:async:result", result.Name)
	var ack map[string]string
	require.NoError(t, json.Unmarshal(result.Data, &ack))
	assert.Equal(t, "R", ack["request_id"])
	assert.Equal(t, "queued", ack["status"])

	resultEv := waitFor(t, sub, "completion:result", 2*time.Second)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(resultEv.Data, &payload))
	assert.Equal(t, "R", payload["request_id"])
	assert.Equal(t, "sess-1", payload["session_id"])
	assert.Equal(t, "Hi there", payload["result"])

	req, err := d.tracker.GetRequest("R")
	require.NoError(t, err)
	assert.Equal(t, types.RequestCompleted, req.Status)

	sid, err := d.tracker.GetAgentSession(a1)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sid)
}

// S2. Continue conversation: a second request against the agent's
// current session enters that session's FIFO and replaces the agent's
// current session with whatever the result reports.
func TestS2_ContinueConversation(t *testing.T) {
	prov := &scriptedProvider{
		id: "fake", model: "m",
		replies:  []string{"first", "second"},
		sessions: []string{"sess-1", "sess-2"},
	}
	d := newDaemon(t, greeterComposition(), prov)
	a1 := spawnAgent(t, d, "greeter")

	sub := d.router.Subscribe([]string{"completion:*"}, 8)
	defer sub.Close()

	dispatch(t, d, a1, "completion:async", completion.AsyncParams{
		RequestID: "R1", AgentID: a1, Model: "fake/m", Prompt: "Hello",
	})
	waitFor(t, sub, "completion:result", 2*time.Second)

	dispatch(t, d, a1, "completion:async", completion.AsyncParams{
		RequestID: "R2", AgentID: a1, Model: "fake/m", Prompt: "More", SessionID: "sess-1",
	})
	ev2 := waitFor(t, sub, "completion:result", 2*time.Second)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(ev2.Data, &payload))
	assert.Equal(t, "R2", payload["request_id"])
	assert.Equal(t, "sess-2", payload["session_id"])
	assert.Equal(t, "second", payload["result"])

	sid, err := d.tracker.GetAgentSession(a1)
	require.NoError(t, err)
	assert.Equal(t, "sess-2", sid)
}

// S3. Cancellation: cancelling an active request yields a single
// completion:cancelled event, no completion:result, and leaves the
// request cancelled.
func TestS3_Cancellation(t *testing.T) {
	block := make(chan struct{})
	prov := &scriptedProvider{id: "fake", model: "m", replies: []string{"too late"}, block: block}
	d := newDaemon(t, greeterComposition(), prov)
	a1 := spawnAgent(t, d, "greeter")

	sub := d.router.Subscribe([]string{"completion:*"}, 8)
	defer sub.Close()

	dispatch(t, d, a1, "completion:async", completion.AsyncParams{
		RequestID: "R", AgentID: a1, Model: "fake/m", Prompt: "Hello",
	})

	// Give the worker time to pick up R and start the (blocked) provider
	// call before cancelling.
	time.Sleep(20 * time.Millisecond)

	cancelResult := dispatch(t, d, a1, "completion:cancel", completion.CancelParams{RequestID: "R"})
	require.Equal(t, "completion:cancel:result", cancelResult.Name)

	cancelEv := waitFor(t, sub, "completion:cancelled", 2*time.Second)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(cancelEv.Data, &payload))
	assert.Equal(t, "R", payload["request_id"])

	close(block)

	select {
	case ev := <-sub.Events():
		assert.NotEqual(t, "completion:result", ev.Name, "cancelled request must not also complete")
	case <-time.After(100 * time.Millisecond):
	}

	req, err := d.tracker.GetRequest("R")
	require.NoError(t, err)
	assert.Equal(t, types.RequestCancelled, req.Status)
}

// S4. Orchestrated subtree: starting a fanout pattern spawns two child
// agents owned by one active orchestration.
func TestS4_OrchestratedSubtree(t *testing.T) {
	comps := map[string]*types.Composition{
		"fanout": {
			Name: "fanout", Kind: types.CompositionPattern,
			Body: map[string]any{
				"agents": []map[string]any{
					{"component": "lead"},
					{"component": "worker", "parent": "lead"},
				},
				"event_subscription_level": 1,
				"error_subscription_level": -1,
			},
		},
		"lead":   {Name: "lead", Kind: types.CompositionProfile},
		"worker": {Name: "worker", Kind: types.CompositionProfile},
	}
	d := newDaemon(t, comps, nil)

	result := dispatch(t, d, "", "orchestration:start", orchestration.StartParams{Pattern: "fanout"})
	require.Equal(t, "orchestration:start:result", result.Name)

	var rec types.OrchestrationRecord
	require.NoError(t, json.Unmarshal(result.Data, &rec))
	assert.Equal(t, types.OrchestrationActive, rec.Status)
	assert.Equal(t, 1, rec.EventSubscriptionLevel)

	agentIDs, err := d.orchReg.OwnedAgentIDs(rec.OrchestrationID)
	require.NoError(t, err)
	assert.Len(t, agentIDs, 2)
}

// S5. Capability violation: an agent lacking spawn_agents is rejected
// with permission_denied, and no new agent is created.
func TestS5_CapabilityViolation(t *testing.T) {
	comps := map[string]*types.Composition{
		"bare": {Name: "bare", Kind: types.CompositionProfile}, // no capabilities
		"x":    {Name: "x", Kind: types.CompositionProfile},
	}
	d := newDaemon(t, comps, nil)
	a1 := spawnAgent(t, d, "bare")

	countBefore := len(listAgentIDs(t, d))

	result := dispatch(t, d, a1, "agent:spawn", agentsvc.SpawnParams{Component: "x", ParentAgentID: a1})
	require.Equal(t, "error", result.Name)

	var errPayload types.ErrorPayload
	require.NoError(t, json.Unmarshal(result.Data, &errPayload))
	assert.Equal(t, types.KindPermissionDenied, errPayload.Kind)

	assert.Len(t, listAgentIDs(t, d), countBefore, "no agent should have been created")
}

func listAgentIDs(t *testing.T, d *daemon) []string {
	t.Helper()
	result := dispatch(t, d, "", "agent:list", struct{}{})
	require.Equal(t, "agent:list:result", result.Name)
	var payload struct {
		Agents []types.AgentRecord `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(result.Data, &payload))
	ids := make([]string, len(payload.Agents))
	for i, r := range payload.Agents {
		ids[i] = r.AgentID
	}
	return ids
}
