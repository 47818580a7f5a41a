// Package store provides the daemon's embedded, transactional durable
// state: a key-value surface, named FIFO queues, and a typed entity/
// relationship graph, all sharing one bbolt database file. Each method runs
// in its own bbolt transaction; no exported API groups calls on different
// surfaces into one transaction.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketKV            = []byte("kv")
	bucketQueues        = []byte("queues")
	bucketEntities      = []byte("entities")
	bucketRelationships = []byte("relationships")
	bucketRelFrom       = []byte("relationships_by_from")
	bucketRelTo         = []byte("relationships_by_to")
	bucketEventLog      = []byte("eventlog")
	bucketIndexes       = []byte("indexes")
)

// Store owns the single bbolt handle behind KV, Queue and Graph.
type Store struct {
	db *bolt.DB

	KV    *KV
	Queue *QueueSet
	Graph *Graph
	Log   *EventLog
}

// Open opens (creating if necessary) the bbolt database at path and
// prepares its top-level buckets.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketKV, bucketQueues, bucketEntities,
			bucketRelationships, bucketRelFrom, bucketRelTo,
			bucketEventLog, bucketIndexes,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	s.KV = &KV{db: db}
	s.Queue = &QueueSet{db: db}
	s.Graph = &Graph{db: db}
	s.Log = &EventLog{db: db}
	return s, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// queueBucket returns (creating if necessary) the sub-bucket for a named
// queue, nested under the top-level "queues" bucket.
func queueBucket(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	queues := tx.Bucket(bucketQueues)
	return queues.CreateBucketIfNotExists([]byte(name))
}

// entityTypeBucket returns (creating if necessary) the sub-bucket for one
// entity type, nested under the top-level "entities" bucket.
func entityTypeBucket(tx *bolt.Tx, entityType string) (*bolt.Bucket, error) {
	entities := tx.Bucket(bucketEntities)
	return entities.CreateBucketIfNotExists([]byte(entityType))
}
