package discovery

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-dev/ksid/internal/router"
	"github.com/ksi-dev/ksid/internal/store"
	"github.com/ksi-dev/ksid/pkg/types"
)

func newTestRouter(t *testing.T) *router.Router {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return router.New(st)
}

func noopHandler(ctx context.Context, ev types.Event) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func discover(t *testing.T, svc *Service, params DiscoverParams) map[string]any {
	t.Helper()
	data, err := json.Marshal(params)
	require.NoError(t, err)
	result := svc.router.Dispatch(context.Background(), nil, "", "", "system:discover", data)
	require.NotEqual(t, "error", result.Name, string(result.Data))
	var out map[string]any
	require.NoError(t, json.Unmarshal(result.Data, &out))
	return out
}

func TestDiscover_ListsRegisteredHandlers(t *testing.T) {
	rt := newTestRouter(t)
	rt.Register("agent:spawn", router.ParamSchema{"component": "string"}, []string{"spawn_agents"}, noopHandler)
	rt.Register("orchestration:start", router.ParamSchema{}, []string{"orchestrate"}, noopHandler)

	svc := New(rt)
	svc.RegisterHandlers()

	out := discover(t, svc, DiscoverParams{})
	handlers, ok := out["handlers"].([]any)
	require.True(t, ok)
	assert.Len(t, handlers, 4) // agent:spawn, orchestration:start, system:discover, system:help
}

func TestDiscover_FiltersByNamespace(t *testing.T) {
	rt := newTestRouter(t)
	rt.Register("agent:spawn", router.ParamSchema{}, nil, noopHandler)
	rt.Register("orchestration:start", router.ParamSchema{}, nil, noopHandler)

	svc := New(rt)
	svc.RegisterHandlers()

	out := discover(t, svc, DiscoverParams{Namespace: "agent"})
	handlers := out["handlers"].([]any)
	require.Len(t, handlers, 1)
	entry := handlers[0].(map[string]any)
	assert.Equal(t, "agent:spawn", entry["name"])
}

func TestDiscover_LevelZeroOmitsSchema(t *testing.T) {
	rt := newTestRouter(t)
	rt.Register("agent:spawn", router.ParamSchema{"component": "string"}, nil, noopHandler)

	svc := New(rt)
	svc.RegisterHandlers()

	out := discover(t, svc, DiscoverParams{Event: "agent:spawn", Level: 0})
	entry := out["handlers"].([]any)[0].(map[string]any)
	_, hasSchema := entry["schema"]
	assert.False(t, hasSchema)
}

func TestDiscover_LevelOneIncludesSchema(t *testing.T) {
	rt := newTestRouter(t)
	rt.Register("agent:spawn", router.ParamSchema{"component": "string"}, nil, noopHandler)

	svc := New(rt)
	svc.RegisterHandlers()

	out := discover(t, svc, DiscoverParams{Event: "agent:spawn", Level: 1})
	entry := out["handlers"].([]any)[0].(map[string]any)
	schema, ok := entry["schema"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, schema, "component")
}

func TestDiscover_CacheInvalidatesOnReRegistration(t *testing.T) {
	rt := newTestRouter(t)
	rt.Register("agent:spawn", router.ParamSchema{}, nil, noopHandler)

	svc := New(rt)
	svc.RegisterHandlers()

	first := discover(t, svc, DiscoverParams{})
	require.Len(t, first["handlers"].([]any), 3)

	rt.Register("agent:terminate", router.ParamSchema{}, nil, noopHandler)

	second := discover(t, svc, DiscoverParams{})
	assert.Len(t, second["handlers"].([]any), 4, "a new registration must invalidate the cached listing")
}

func TestHelp_ReturnsDetailForKnownEvent(t *testing.T) {
	rt := newTestRouter(t)
	rt.Register("agent:spawn", router.ParamSchema{"component": "string"}, []string{"spawn_agents"}, noopHandler)

	svc := New(rt)
	svc.RegisterHandlers()

	data, err := json.Marshal(HelpParams{Event: "agent:spawn"})
	require.NoError(t, err)
	result := rt.Dispatch(context.Background(), nil, "", "", "system:help", data)
	require.NotEqual(t, "error", result.Name, string(result.Data))

	var out HandlerDetail
	require.NoError(t, json.Unmarshal(result.Data, &out))
	assert.Equal(t, "agent:spawn", out.Name)
	assert.Equal(t, []string{"spawn_agents"}, out.Capabilities)
	assert.Contains(t, out.Schema, "component")
}

func TestHelp_UnknownEventIsNotFound(t *testing.T) {
	rt := newTestRouter(t)
	svc := New(rt)
	svc.RegisterHandlers()

	data, err := json.Marshal(HelpParams{Event: "nonexistent:event"})
	require.NoError(t, err)
	result := rt.Dispatch(context.Background(), nil, "", "", "system:help", data)
	assert.Equal(t, "error", result.Name)
}
