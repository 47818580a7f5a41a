package composition

import (
	"encoding/json"
	"fmt"

	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/internal/store"
	"github.com/ksi-dev/ksid/pkg/types"
)

// Index persists resolved compositions into store.Graph's composition
// entity bucket so lookups survive a restart and other services (e.g.
// internal/discovery) can list them without holding a reference to the
// Loader itself. Entities are keyed by name, the same O(log n) bbolt
// bucket lookup internal/store already gives every other entity type.
type Index struct {
	loader *Loader
	store  *store.Store
}

// NewIndex creates an Index pairing loader with st.
func NewIndex(loader *Loader, st *store.Store) *Index {
	return &Index{loader: loader, store: st}
}

// Rebuild reloads every component definition from disk, resolves each one,
// and overwrites the store's composition entities to match. This is the
// explicit reload spec.md requires ("Content is immutable at runtime:
// reload is explicit"), exposed as the composition:rebuild_index handler.
func (ix *Index) Rebuild() (int, error) {
	if err := ix.loader.LoadAll(); err != nil {
		return 0, err
	}

	names := ix.loader.Names()
	for _, name := range names {
		comp, err := ix.loader.Resolve(name)
		if err != nil {
			return 0, fmt.Errorf("composition: resolve %s during rebuild: %w", name, err)
		}
		if err := ix.put(comp); err != nil {
			return 0, err
		}
	}
	return len(names), nil
}

func (ix *Index) put(comp *types.Composition) error {
	data, err := json.Marshal(comp)
	if err != nil {
		return fmt.Errorf("composition: encode %s: %w", comp.Name, errs.Wrapped(errs.ErrInternal, err))
	}
	var props map[string]any
	if err := json.Unmarshal(data, &props); err != nil {
		return fmt.Errorf("composition: encode %s: %w", comp.Name, errs.Wrapped(errs.ErrInternal, err))
	}
	entity := &types.Entity{Type: types.EntityComposition, ID: comp.Name, Properties: props}
	if err := ix.store.Graph.PutEntity(entity); err != nil {
		return fmt.Errorf("composition: index %s: %w", comp.Name, err)
	}
	return nil
}

// Get returns the indexed composition named name without touching the
// loader, for read paths that only need the durable, already-resolved form.
func (ix *Index) Get(name string) (*types.Composition, error) {
	entity, err := ix.store.Graph.GetEntity(types.EntityComposition, name)
	if err != nil {
		return nil, fmt.Errorf("composition: get %s: %w", name, err)
	}
	data, err := json.Marshal(entity.Properties)
	if err != nil {
		return nil, errs.Wrapped(errs.ErrInternal, err)
	}
	var comp types.Composition
	if err := json.Unmarshal(data, &comp); err != nil {
		return nil, errs.Wrapped(errs.ErrInternal, err)
	}
	return &comp, nil
}

// List returns every indexed composition.
func (ix *Index) List() ([]*types.Composition, error) {
	entities, err := ix.store.Graph.ListEntities(types.EntityComposition)
	if err != nil {
		return nil, fmt.Errorf("composition: list: %w", err)
	}
	out := make([]*types.Composition, 0, len(entities))
	for _, e := range entities {
		data, err := json.Marshal(e.Properties)
		if err != nil {
			return nil, errs.Wrapped(errs.ErrInternal, err)
		}
		var comp types.Composition
		if err := json.Unmarshal(data, &comp); err != nil {
			return nil, errs.Wrapped(errs.ErrInternal, err)
		}
		out = append(out, &comp)
	}
	return out, nil
}
