package agentsvc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/internal/store"
	"github.com/ksi-dev/ksid/pkg/types"
)

// Registry is the durable store of agent records, generalizing the
// teacher's internal/agent.Registry from a pure in-memory map into one
// backed by store.Graph's agent entities, with an in-memory cache for hot
// reads (mirroring the teacher's mutex-guarded map access pattern).
type Registry struct {
	store *store.Store

	mu    sync.RWMutex
	cache map[string]*types.AgentRecord
}

// NewRegistry creates a Registry backed by st.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{store: st, cache: make(map[string]*types.AgentRecord)}
}

// Store exposes the backing store.Store for callers that need direct
// access to the graph (e.g. linking parent/child relationships).
func (r *Registry) Store() *store.Store {
	return r.store
}

// Put persists rec and refreshes the cache entry.
func (r *Registry) Put(rec *types.AgentRecord) error {
	props, err := toProperties(rec)
	if err != nil {
		return err
	}
	entity := &types.Entity{
		Type:       types.EntityAgent,
		ID:         rec.AgentID,
		Properties: props,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	if err := r.store.Graph.PutEntity(entity); err != nil {
		return fmt.Errorf("agentsvc: persist agent %s: %w", rec.AgentID, err)
	}

	r.mu.Lock()
	r.cache[rec.AgentID] = rec
	r.mu.Unlock()
	return nil
}

// Get fetches an agent record by id, returning errs.ErrNotFound if absent.
func (r *Registry) Get(agentID string) (*types.AgentRecord, error) {
	r.mu.RLock()
	if rec, ok := r.cache[agentID]; ok {
		r.mu.RUnlock()
		return rec, nil
	}
	r.mu.RUnlock()

	entity, err := r.store.Graph.GetEntity(types.EntityAgent, agentID)
	if err != nil {
		return nil, fmt.Errorf("agentsvc: get agent %s: %w", agentID, err)
	}
	rec, err := fromEntity(entity)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[agentID] = rec
	r.mu.Unlock()
	return rec, nil
}

// List returns every known agent record.
func (r *Registry) List() ([]*types.AgentRecord, error) {
	entities, err := r.store.Graph.ListEntities(types.EntityAgent)
	if err != nil {
		return nil, fmt.Errorf("agentsvc: list agents: %w", err)
	}
	out := make([]*types.AgentRecord, 0, len(entities))
	for _, e := range entities {
		rec, err := fromEntity(e)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Children returns the agents directly parented by agentID via a
// RelParentOf edge.
func (r *Registry) Children(agentID string) ([]*types.AgentRecord, error) {
	rels, err := r.store.Graph.RelationshipsFrom(types.EntityAgent, agentID, types.RelParentOf)
	if err != nil {
		return nil, fmt.Errorf("agentsvc: list children of %s: %w", agentID, err)
	}
	out := make([]*types.AgentRecord, 0, len(rels))
	for _, rel := range rels {
		rec, err := r.Get(rel.ToID)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes an agent record and evicts it from the cache.
func (r *Registry) Delete(agentID string) error {
	if err := r.store.Graph.DeleteEntity(types.EntityAgent, agentID); err != nil {
		return fmt.Errorf("agentsvc: delete agent %s: %w", agentID, err)
	}
	r.mu.Lock()
	delete(r.cache, agentID)
	r.mu.Unlock()
	return nil
}

func toProperties(rec *types.AgentRecord) (map[string]any, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("agentsvc: encode agent record: %w", errs.Wrapped(errs.ErrInternal, err))
	}
	var props map[string]any
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("agentsvc: encode agent record: %w", errs.Wrapped(errs.ErrInternal, err))
	}
	return props, nil
}

func fromEntity(e *types.Entity) (*types.AgentRecord, error) {
	data, err := json.Marshal(e.Properties)
	if err != nil {
		return nil, fmt.Errorf("agentsvc: decode agent record: %w", errs.Wrapped(errs.ErrInternal, err))
	}
	var rec types.AgentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("agentsvc: decode agent record: %w", errs.Wrapped(errs.ErrInternal, err))
	}
	return &rec, nil
}
