package store

import (
	"encoding/json"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/ksi-dev/ksid/pkg/types"
)

const keySep = "\x00"

// Graph is the entity/relationship surface: typed property-bag entities
// connected by directed, typed edges, with BFS traversal over the edges.
type Graph struct {
	db *bolt.DB
}

// PutEntity creates or overwrites an entity, keyed by (Type, ID).
func (g *Graph) PutEntity(e *types.Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return g.db.Update(func(tx *bolt.Tx) error {
		b, err := entityTypeBucket(tx, e.Type)
		if err != nil {
			return err
		}
		return b.Put([]byte(e.ID), data)
	})
}

// GetEntity fetches an entity by type and id. Returns ErrNotFound if absent.
func (g *Graph) GetEntity(entityType, id string) (*types.Entity, error) {
	var e types.Entity
	err := g.db.View(func(tx *bolt.Tx) error {
		entities := tx.Bucket(bucketEntities)
		b := entities.Bucket([]byte(entityType))
		if b == nil {
			return ErrNotFound
		}
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEntities returns every entity of the given type.
func (g *Graph) ListEntities(entityType string) ([]*types.Entity, error) {
	var out []*types.Entity
	err := g.db.View(func(tx *bolt.Tx) error {
		entities := tx.Bucket(bucketEntities)
		b := entities.Bucket([]byte(entityType))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e types.Entity
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
			out = append(out, &e)
			return nil
		})
	})
	return out, err
}

// DeleteEntity removes an entity. It does not cascade to relationships;
// callers that need cascading deletion (e.g. orchestration termination)
// remove edges explicitly first via RemoveRelationship.
func (g *Graph) DeleteEntity(entityType, id string) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		entities := tx.Bucket(bucketEntities)
		b := entities.Bucket([]byte(entityType))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
}

// AddRelationship stores a directed edge and its from/to index entries.
func (g *Graph) AddRelationship(r *types.Relationship) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	primary := relKey(r.FromType, r.FromID, r.Kind, r.ToType, r.ToID)
	fromIdx := relKey(r.FromType, r.FromID, r.Kind, r.ToType, r.ToID)
	toIdx := relKey(r.ToType, r.ToID, r.Kind, r.FromType, r.FromID)

	return g.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRelationships).Put(primary, data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketRelFrom).Put(fromIdx, primary); err != nil {
			return err
		}
		return tx.Bucket(bucketRelTo).Put(toIdx, primary)
	})
}

// RemoveRelationship deletes an edge and its index entries.
func (g *Graph) RemoveRelationship(r *types.Relationship) error {
	primary := relKey(r.FromType, r.FromID, r.Kind, r.ToType, r.ToID)
	fromIdx := relKey(r.FromType, r.FromID, r.Kind, r.ToType, r.ToID)
	toIdx := relKey(r.ToType, r.ToID, r.Kind, r.FromType, r.FromID)

	return g.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRelationships).Delete(primary); err != nil {
			return err
		}
		if err := tx.Bucket(bucketRelFrom).Delete(fromIdx); err != nil {
			return err
		}
		return tx.Bucket(bucketRelTo).Delete(toIdx)
	})
}

// RelationshipsFrom returns every edge whose source is (fromType, fromID),
// optionally filtered to a single kind ("" meaning any kind).
func (g *Graph) RelationshipsFrom(fromType, fromID, kind string) ([]*types.Relationship, error) {
	prefix := []byte(fromType + keySep + fromID + keySep)
	if kind != "" {
		prefix = []byte(fromType + keySep + fromID + keySep + kind + keySep)
	}
	return g.scanIndex(bucketRelFrom, prefix)
}

// RelationshipsTo returns every edge whose target is (toType, toID),
// optionally filtered to a single kind ("" meaning any kind).
func (g *Graph) RelationshipsTo(toType, toID, kind string) ([]*types.Relationship, error) {
	prefix := []byte(toType + keySep + toID + keySep)
	if kind != "" {
		prefix = []byte(toType + keySep + toID + keySep + kind + keySep)
	}
	return g.scanIndex(bucketRelTo, prefix)
}

func (g *Graph) scanIndex(indexBucket []byte, prefix []byte) ([]*types.Relationship, error) {
	var out []*types.Relationship
	err := g.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(indexBucket)
		rels := tx.Bucket(bucketRelationships)
		c := idx.Cursor()
		for k, primaryKey := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, primaryKey = c.Next() {
			data := rels.Get(primaryKey)
			if data == nil {
				continue
			}
			var r types.Relationship
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

func relKey(fromType, fromID, kind, toType, toID string) []byte {
	return []byte(fromType + keySep + fromID + keySep + kind + keySep + toType + keySep + toID)
}

// frontierItem is one pending node in a bounded BFS traversal.
type frontierItem struct {
	Handle types.Handle `json:"handle"`
	Depth  int          `json:"depth"`
}

// TraverseResult is the outcome of one bounded Traverse call.
type TraverseResult struct {
	Handles    []types.Handle `json:"handles"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// Traverse performs a breadth-first walk outward from start following edges
// of the given kind (any kind if empty), visiting at most maxDepth hops and
// returning at most limit handles. When the walk is truncated by limit, the
// returned NextCursor encodes the remaining BFS frontier so the caller can
// resume with another Traverse call passing it back in as cursor.
func (g *Graph) Traverse(start types.Handle, kind string, maxDepth, limit int, cursor string) (*TraverseResult, error) {
	visited := map[types.Handle]bool{}
	var frontier []frontierItem

	if cursor != "" {
		if err := json.Unmarshal([]byte(cursor), &frontier); err != nil {
			return nil, fmt.Errorf("%w: invalid cursor: %v", ErrIO, err)
		}
		for _, f := range frontier {
			visited[f.Handle] = true
		}
	} else {
		frontier = []frontierItem{{Handle: start, Depth: 0}}
		visited[start] = true
	}

	result := &TraverseResult{}

	for len(frontier) > 0 {
		if limit > 0 && len(result.Handles) >= limit {
			encoded, err := json.Marshal(frontier)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrIO, err)
			}
			result.NextCursor = string(encoded)
			return result, nil
		}

		item := frontier[0]
		frontier = frontier[1:]
		result.Handles = append(result.Handles, item.Handle)

		if maxDepth >= 0 && item.Depth >= maxDepth {
			continue
		}

		edges, err := g.RelationshipsFrom(item.Handle.Type, item.Handle.ID, kind)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			next := types.Handle{Type: e.ToType, ID: e.ToID}
			if visited[next] {
				continue
			}
			visited[next] = true
			frontier = append(frontier, frontierItem{Handle: next, Depth: item.Depth + 1})
		}
	}

	return result, nil
}
