package agentsvc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/internal/router"
	"github.com/ksi-dev/ksid/internal/store"
	"github.com/ksi-dev/ksid/internal/tracker"
	"github.com/ksi-dev/ksid/pkg/types"
)

// fakeLoader resolves a single fixed composition, standing in for
// internal/composition in these tests.
type fakeLoader struct {
	comp *types.Composition
}

func (f *fakeLoader) Resolve(name string) (*types.Composition, error) {
	if f.comp == nil || f.comp.Name != name {
		return nil, errs.ErrNotFound
	}
	return f.comp, nil
}

func newTestService(t *testing.T, comp *types.Composition) (*Service, *router.Router) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tr := tracker.New(st)
	rt := router.New(st)
	registry := NewRegistry(st)

	svc := New(rt, tr, registry, &fakeLoader{comp: comp}, Config{SandboxRoot: t.TempDir()})
	svc.RegisterHandlers()
	rt.SetCapabilityChecker(NewChecker(registry))
	t.Cleanup(svc.Stop)

	// Stand in for internal/completion: acknowledge completion:async with a
	// fresh request id and let the test itself emit the terminal event.
	rt.Register("completion:async", router.ParamSchema{}, nil, func(ctx context.Context, ev types.Event) (json.RawMessage, error) {
		return json.Marshal(map[string]string{"request_id": "req-" + ev.Context.EventID, "status": "queued"})
	})

	return svc, rt
}

func TestSpawn_CreatesReadyAgentWithComposition(t *testing.T) {
	comp := &types.Composition{Name: "build", Capabilities: []string{"spawn_agents"}}
	svc, rt := newTestService(t, comp)

	data, err := json.Marshal(SpawnParams{Component: "build"})
	require.NoError(t, err)

	result := rt.Dispatch(context.Background(), nil, "", "", "agent:spawn", data)
	require.Equal(t, "agent:spawn:result", result.Name)

	var rec types.AgentRecord
	require.NoError(t, json.Unmarshal(result.Data, &rec))
	assert.Equal(t, types.AgentReady, rec.Status)
	assert.Contains(t, rec.Capabilities, "spawn_agents")
	assert.NotEmpty(t, rec.SandboxPath)

	fromRegistry, err := svc.registry.Get(rec.AgentID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentReady, fromRegistry.Status)
}

func TestSpawn_ChildCannotExceedParentCapabilities(t *testing.T) {
	comp := &types.Composition{Name: "general"}
	svc, rt := newTestService(t, comp)

	parent := &types.AgentRecord{AgentID: "parent-1", Status: types.AgentReady, Capabilities: []string{"orchestrate"}}
	require.NoError(t, svc.registry.Put(parent))

	data, err := json.Marshal(SpawnParams{
		Component:     "general",
		ParentAgentID: "parent-1",
		Capabilities:  []string{"orchestrate", "state_write"},
	})
	require.NoError(t, err)

	result := rt.Dispatch(context.Background(), nil, "", "", "agent:spawn", data)
	var rec types.AgentRecord
	require.NoError(t, json.Unmarshal(result.Data, &rec))

	assert.Contains(t, rec.Capabilities, "orchestrate")
	assert.NotContains(t, rec.Capabilities, "state_write")
}

func TestSendMessage_DispatchesCompletionAndTracksRunning(t *testing.T) {
	comp := &types.Composition{Name: "build"}
	svc, rt := newTestService(t, comp)

	spawnData, err := json.Marshal(SpawnParams{Component: "build"})
	require.NoError(t, err)
	spawnResult := rt.Dispatch(context.Background(), nil, "", "", "agent:spawn", spawnData)
	var rec types.AgentRecord
	require.NoError(t, json.Unmarshal(spawnResult.Data, &rec))

	msgData, err := json.Marshal(SendMessageParams{AgentID: rec.AgentID, Message: "hello"})
	require.NoError(t, err)
	result := rt.Dispatch(context.Background(), nil, "", "", "agent:send_message", msgData)
	require.Equal(t, "agent:send_message:result", result.Name)

	require.Eventually(t, func() bool {
		got, err := svc.registry.Get(rec.AgentID)
		return err == nil && got.Status == types.AgentRunning
	}, time.Second, 5*time.Millisecond)

	svc.mu.Lock()
	var requestID string
	for id, agentID := range svc.requestOf {
		if agentID == rec.AgentID {
			requestID = id
		}
	}
	svc.mu.Unlock()
	require.NotEmpty(t, requestID)

	rt.Emit(types.Event{
		Name: "completion:result",
		Data: marshalOrEmpty(map[string]string{"request_id": requestID}),
	})

	require.Eventually(t, func() bool {
		got, err := svc.registry.Get(rec.AgentID)
		return err == nil && got.Status == types.AgentIdle
	}, time.Second, 5*time.Millisecond)
}

func TestTerminate_RemovesSandboxAndCascades(t *testing.T) {
	comp := &types.Composition{Name: "build", Capabilities: []string{"spawn_agents"}}
	svc, rt := newTestService(t, comp)

	parentData, err := json.Marshal(SpawnParams{Component: "build"})
	require.NoError(t, err)
	parentResult := rt.Dispatch(context.Background(), nil, "", "", "agent:spawn", parentData)
	var parent types.AgentRecord
	require.NoError(t, json.Unmarshal(parentResult.Data, &parent))

	childData, err := json.Marshal(SpawnParams{Component: "build", ParentAgentID: parent.AgentID})
	require.NoError(t, err)
	childResult := rt.Dispatch(context.Background(), nil, "", "", "agent:spawn", childData)
	var child types.AgentRecord
	require.NoError(t, json.Unmarshal(childResult.Data, &child))

	termData, err := json.Marshal(TerminateParams{AgentID: parent.AgentID, Cascade: true})
	require.NoError(t, err)
	result := rt.Dispatch(context.Background(), nil, "", "", "agent:terminate", termData)
	require.Equal(t, "agent:terminate:result", result.Name)

	got, err := svc.registry.Get(parent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentTerminated, got.Status)

	require.Eventually(t, func() bool {
		childRec, err := svc.registry.Get(child.AgentID)
		return err == nil && childRec.Status == types.AgentTerminated
	}, time.Second, 5*time.Millisecond)
}

func TestCapabilityChecker_DeniesMissingCapability(t *testing.T) {
	comp := &types.Composition{Name: "general"}
	svc, _ := newTestService(t, comp)

	rec := &types.AgentRecord{AgentID: "agent-x", Status: types.AgentReady, Capabilities: []string{"state_write"}}
	require.NoError(t, svc.registry.Put(rec))

	checker := NewChecker(svc.registry)
	err := checker.Check("agent-x", []string{"spawn_agents"})
	require.Error(t, err)
	assert.Equal(t, types.KindPermissionDenied, errs.Kind(err))

	require.NoError(t, checker.Check("agent-x", []string{"state_write"}))
}

func TestConfine_RejectsEscape(t *testing.T) {
	root := t.TempDir()

	inside, err := Confine(root, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "notes.txt"), inside)

	_, err = Confine(root, "../outside.txt")
	require.Error(t, err)
	assert.Equal(t, types.KindPermissionDenied, errs.Kind(err))
}
