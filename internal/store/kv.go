package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// KV is a flat key-value surface backed by the "kv" bucket.
type KV struct {
	db *bolt.DB
}

// Get unmarshals the value stored at key into v. Returns ErrNotFound if the
// key is absent.
func (k *KV) Get(key string, v any) error {
	return k.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKV).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		return nil
	})
}

// Put marshals v and stores it at key, overwriting any existing value.
func (k *KV) Put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), data)
	})
}

// CompareAndSwap stores newValue at key only if the key's current value
// equals the raw bytes of oldValue (nil meaning the key must be absent).
// Returns ErrConflict on mismatch.
func (k *KV) CompareAndSwap(key string, oldValue, newValue any) error {
	var oldData []byte
	var err error
	if oldValue != nil {
		oldData, err = json.Marshal(oldValue)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	newData, err := json.Marshal(newValue)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	return k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		current := b.Get([]byte(key))
		if !bytes.Equal(current, oldData) {
			return ErrConflict
		}
		return b.Put([]byte(key), newData)
	})
}

// Delete removes key. Deleting an absent key is not an error.
func (k *KV) Delete(key string) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
}

// ForEachPrefix calls fn with the raw bytes of every key/value pair whose
// key starts with prefix, in key order, stopping early if fn returns an
// error.
func (k *KV) ForEachPrefix(prefix string, fn func(key string, value []byte) error) error {
	p := []byte(prefix)
	return k.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		for key, val := c.Seek(p); key != nil && bytes.HasPrefix(key, p); key, val = c.Next() {
			if err := fn(string(key), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutBatch writes every key in kvs in one bbolt transaction, so a caller
// that must update several related keys together (e.g. a session record
// and the agent pointer to it) never observes or leaves behind a partial
// write.
func (k *KV) PutBatch(kvs map[string]any) error {
	encoded := make(map[string][]byte, len(kvs))
	for key, v := range kvs {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		encoded[key] = data
	}
	return k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		for key, data := range encoded {
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}
