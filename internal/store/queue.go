package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// QueueSet is a collection of named, durable FIFO queues, each backed by its
// own sub-bucket under "queues" keyed by bbolt's monotonic NextSequence so
// Push/Pop preserve insertion order without a separate index.
type QueueSet struct {
	db *bolt.DB
}

// Push appends v to the named queue, creating it if necessary. Returns
// ErrCapacity if the queue already holds maxDepth items (maxDepth <= 0
// means unbounded).
func (q *QueueSet) Push(name string, v any, maxDepth int) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	return q.db.Update(func(tx *bolt.Tx) error {
		b, err := queueBucket(tx, name)
		if err != nil {
			return err
		}
		if maxDepth > 0 && b.Stats().KeyN >= maxDepth {
			return ErrCapacity
		}
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		return b.Put(seqKey(seq), data)
	})
}

// Pop removes and unmarshals the oldest item in the named queue into v.
// Returns ErrNotFound if the queue is empty or does not exist.
func (q *QueueSet) Pop(name string, v any) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		queues := tx.Bucket(bucketQueues)
		b := queues.Bucket([]byte(name))
		if b == nil {
			return ErrNotFound
		}
		c := b.Cursor()
		k, val := c.First()
		if k == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(val, v); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		return b.Delete(k)
	})
}

// Names returns the name of every queue that currently exists (has ever
// had Push called on it), in no particular order. Used at startup to find
// durable work a crashed process never finished draining.
func (q *QueueSet) Names() ([]string, error) {
	var names []string
	err := q.db.View(func(tx *bolt.Tx) error {
		queues := tx.Bucket(bucketQueues)
		return queues.ForEach(func(k, v []byte) error {
			if v == nil { // nested bucket, not a plain key
				names = append(names, string(k))
			}
			return nil
		})
	})
	return names, err
}

// Len returns the number of items currently queued under name.
func (q *QueueSet) Len(name string) (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		queues := tx.Bucket(bucketQueues)
		b := queues.Bucket([]byte(name))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
