package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/ksi-dev/ksid/pkg/types"
)

// EventLog is the durable, append-only record of every dispatched event,
// appended before dispatch completes so a crash never loses an event the
// router has already accepted (spec.md's durability guarantee for C2).
type EventLog struct {
	db *bolt.DB
}

// Append writes ev keyed by bbolt's monotonic sequence number, preserving
// append order.
func (l *EventLog) Append(ev *types.Event) (uint64, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}

	var seq uint64
	err = l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEventLog)
		seq, err = b.NextSequence()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Since returns every event appended with sequence number greater than
// afterSeq, in append order, stopping after limit entries (limit <= 0
// means unbounded).
func (l *EventLog) Since(afterSeq uint64, limit int) ([]*types.Event, error) {
	var out []*types.Event
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEventLog)
		c := b.Cursor()
		for k, v := c.Seek(seqKey(afterSeq + 1)); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
			out = append(out, &ev)
		}
		return nil
	})
	return out, err
}
