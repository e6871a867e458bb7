package pending

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/nexusdata/nexusstore/internal/entity"
)

// BoltLog persists the pending-change log to a bbolt file, so unsynced
// local mutations survive a process restart (spec.md §3: "Pending changes
// persist until retried successfully or cancelled"). Grounded on
// go.etcd.io/bbolt, the embedded KV store used by cuemby-warren for its own
// write-ahead state.
type BoltLog[T any] struct {
	db     *bolt.DB
	bucket []byte
	// order tracks insertion order, since bbolt iterates keys
	// lexicographically rather than by insertion time; the change ID
	// (a UUID) carries no temporal ordering on its own.
	orderBucket []byte
}

// OpenBoltLog opens (creating if necessary) a bbolt-backed Log at path,
// using bucket as the change-storage bucket name. Callers typically use one
// bucket per backend instance (e.g. "pending:<backend-name>").
func OpenBoltLog[T any](path, bucket string) (*BoltLog[T], error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("pending: open bbolt log: %w", err)
	}
	l := &BoltLog[T]{db: db, bucket: []byte(bucket), orderBucket: []byte(bucket + ":order")}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(l.bucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(l.orderBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pending: init bbolt buckets: %w", err)
	}
	return l, nil
}

// Close releases the underlying bbolt file handle.
func (l *BoltLog[T]) Close() error { return l.db.Close() }

func (l *BoltLog[T]) Append(c entity.PendingChange[T]) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := tx.Bucket(l.bucket).Put([]byte(c.ID), data); err != nil {
			return err
		}
		ob := tx.Bucket(l.orderBucket)
		seq, err := ob.NextSequence()
		if err != nil {
			return err
		}
		return ob.Put(seqKey(seq), []byte(c.ID))
	})
}

func (l *BoltLog[T]) Replace(c entity.PendingChange[T]) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(l.bucket)
		if b.Get([]byte(c.ID)) == nil {
			return fmt.Errorf("pending: change %s not found", c.ID)
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.ID), data)
	})
}

func (l *BoltLog[T]) Remove(id string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(l.bucket).Delete([]byte(id)); err != nil {
			return err
		}
		ob := tx.Bucket(l.orderBucket)
		c := ob.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(v) == id {
				return ob.Delete(k)
			}
		}
		return nil
	})
}

func (l *BoltLog[T]) List() ([]entity.PendingChange[T], error) {
	var out []entity.PendingChange[T]
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(l.bucket)
		ob := tx.Bucket(l.orderBucket)
		return ob.ForEach(func(_, id []byte) error {
			data := b.Get(id)
			if data == nil {
				return nil // change was removed; order entry cleanup is best-effort
			}
			var c entity.PendingChange[T]
			if err := json.Unmarshal(data, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}
