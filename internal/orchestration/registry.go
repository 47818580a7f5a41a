package orchestration

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/internal/store"
	"github.com/ksi-dev/ksid/pkg/types"
)

// Registry is the durable store of orchestration records, mirroring
// internal/agentsvc.Registry's store.Graph-plus-cache shape.
type Registry struct {
	store *store.Store

	mu    sync.RWMutex
	cache map[string]*types.OrchestrationRecord
}

// NewRegistry creates a Registry backed by st.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{store: st, cache: make(map[string]*types.OrchestrationRecord)}
}

// Put persists rec and refreshes the cache entry.
func (r *Registry) Put(rec *types.OrchestrationRecord) error {
	props, err := toProperties(rec)
	if err != nil {
		return err
	}
	entity := &types.Entity{
		Type:       types.EntityOrchestration,
		ID:         rec.OrchestrationID,
		Properties: props,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	if err := r.store.Graph.PutEntity(entity); err != nil {
		return fmt.Errorf("orchestration: persist %s: %w", rec.OrchestrationID, err)
	}

	r.mu.Lock()
	r.cache[rec.OrchestrationID] = rec
	r.mu.Unlock()
	return nil
}

// Get fetches an orchestration record, returning errs.ErrNotFound if absent.
func (r *Registry) Get(orchestrationID string) (*types.OrchestrationRecord, error) {
	r.mu.RLock()
	if rec, ok := r.cache[orchestrationID]; ok {
		r.mu.RUnlock()
		return rec, nil
	}
	r.mu.RUnlock()

	entity, err := r.store.Graph.GetEntity(types.EntityOrchestration, orchestrationID)
	if err != nil {
		return nil, fmt.Errorf("orchestration: get %s: %w", orchestrationID, err)
	}
	rec, err := fromEntity(entity)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[orchestrationID] = rec
	r.mu.Unlock()
	return rec, nil
}

// Delete removes an orchestration record and evicts it from the cache.
func (r *Registry) Delete(orchestrationID string) error {
	if err := r.store.Graph.DeleteEntity(types.EntityOrchestration, orchestrationID); err != nil {
		return fmt.Errorf("orchestration: delete %s: %w", orchestrationID, err)
	}
	r.mu.Lock()
	delete(r.cache, orchestrationID)
	r.mu.Unlock()
	return nil
}

// LinkChild records that parentID directly owns a child orchestration
// childID (spec.md §4.7 tree of orchestrations).
func (r *Registry) LinkChild(parentID, childID string) error {
	rel := &types.Relationship{
		FromType: types.EntityOrchestration, FromID: parentID,
		Kind:   types.RelParentOf,
		ToType: types.EntityOrchestration, ToID: childID,
	}
	if err := r.store.Graph.AddRelationship(rel); err != nil {
		return fmt.Errorf("orchestration: link %s -> %s: %w", parentID, childID, err)
	}
	return nil
}

// LinkAgent records that orchestrationID owns agentID (spec.md: "Orchestrations
// exclusively own their child-agent[s]").
func (r *Registry) LinkAgent(orchestrationID, agentID string) error {
	rel := &types.Relationship{
		FromType: types.EntityOrchestration, FromID: orchestrationID,
		Kind:   types.RelOwns,
		ToType: types.EntityAgent, ToID: agentID,
	}
	if err := r.store.Graph.AddRelationship(rel); err != nil {
		return fmt.Errorf("orchestration: own %s -> %s: %w", orchestrationID, agentID, err)
	}
	return nil
}

// ChildOrchestrations returns the orchestrations directly parented by
// orchestrationID.
func (r *Registry) ChildOrchestrations(orchestrationID string) ([]*types.OrchestrationRecord, error) {
	rels, err := r.store.Graph.RelationshipsFrom(types.EntityOrchestration, orchestrationID, types.RelParentOf)
	if err != nil {
		return nil, fmt.Errorf("orchestration: list children of %s: %w", orchestrationID, err)
	}
	out := make([]*types.OrchestrationRecord, 0, len(rels))
	for _, rel := range rels {
		rec, err := r.Get(rel.ToID)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// OwnedAgentIDs returns the ids of agents directly owned by orchestrationID.
func (r *Registry) OwnedAgentIDs(orchestrationID string) ([]string, error) {
	rels, err := r.store.Graph.RelationshipsFrom(types.EntityOrchestration, orchestrationID, types.RelOwns)
	if err != nil {
		return nil, fmt.Errorf("orchestration: list agents of %s: %w", orchestrationID, err)
	}
	out := make([]string, 0, len(rels))
	for _, rel := range rels {
		out = append(out, rel.ToID)
	}
	return out, nil
}

// OwnerOf returns the orchestration that directly owns agentID, or
// errs.ErrNotFound if agentID is not owned by any orchestration.
func (r *Registry) OwnerOf(agentID string) (string, error) {
	rels, err := r.store.Graph.RelationshipsTo(types.EntityAgent, agentID, types.RelOwns)
	if err != nil {
		return "", fmt.Errorf("orchestration: resolve owner of %s: %w", agentID, err)
	}
	if len(rels) == 0 {
		return "", errs.ErrNotFound
	}
	return rels[0].FromID, nil
}

// ParentOf returns the parent orchestration of orchestrationID, or
// errs.ErrNotFound if orchestrationID is a root.
func (r *Registry) ParentOf(orchestrationID string) (string, error) {
	rels, err := r.store.Graph.RelationshipsTo(types.EntityOrchestration, orchestrationID, types.RelParentOf)
	if err != nil {
		return "", fmt.Errorf("orchestration: resolve parent of %s: %w", orchestrationID, err)
	}
	if len(rels) == 0 {
		return "", errs.ErrNotFound
	}
	return rels[0].FromID, nil
}

// InSubtree reports whether agentID is owned by orchestrationID itself or
// by one of its descendant orchestrations, within maxDepth hops of
// ancestry (-1 = unbounded). It walks the same owns/parent_of chain
// bubble.go's deliver uses for hierarchical event delivery, just starting
// from the agent and stopping as soon as orchestrationID is reached,
// rather than walking all the way to the root. Satisfies
// internal/router.ScopeChecker for orchestration_subtree-scoped
// subscriptions.
func (r *Registry) InSubtree(agentID, orchestrationID string, maxDepth int) bool {
	orchID, err := r.OwnerOf(agentID)
	if err != nil {
		return false
	}

	hops := 0
	visited := map[string]bool{}
	for orchID != "" && !visited[orchID] {
		if orchID == orchestrationID {
			return maxDepth < 0 || hops <= maxDepth
		}
		visited[orchID] = true
		parent, err := r.ParentOf(orchID)
		if err != nil {
			return false
		}
		orchID = parent
		hops++
	}
	return false
}

func toProperties(rec *types.OrchestrationRecord) (map[string]any, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("orchestration: encode record: %w", errs.Wrapped(errs.ErrInternal, err))
	}
	var props map[string]any
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("orchestration: encode record: %w", errs.Wrapped(errs.ErrInternal, err))
	}
	return props, nil
}

func fromEntity(e *types.Entity) (*types.OrchestrationRecord, error) {
	data, err := json.Marshal(e.Properties)
	if err != nil {
		return nil, fmt.Errorf("orchestration: decode record: %w", errs.Wrapped(errs.ErrInternal, err))
	}
	var rec types.OrchestrationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("orchestration: decode record: %w", errs.Wrapped(errs.ErrInternal, err))
	}
	return &rec, nil
}
