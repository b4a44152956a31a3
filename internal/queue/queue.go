// Package queue provides the durable client-side storage boundary: the
// offline question queue and small persisted flags, backed by a BoltDB file
// so both survive a restart.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/dokuchat/streamclient/internal/models"
)

// DefaultCap is the default maximum number of queued questions. When the cap
// is exceeded the oldest entries are evicted first, preserving submission
// order for replay.
const DefaultCap = 10

var (
	queueBucket = []byte("offline_queue")
	flagsBucket = []byte("flags")
)

// Queue implements the offline question queue using a BoltDB backend. Keys
// are monotonically increasing sequence numbers, so Bolt's key order is the
// enqueue order.
type Queue struct {
	db  *bolt.DB
	cap int
}

// Entry pairs a persisted queue entry with the storage key used to remove it
// after a successful replay.
type Entry struct {
	Key uint64
	models.QueueEntry
}

// Open creates or opens the queue database at the specified file path. It
// initializes the required buckets and returns an error if the database
// cannot be opened. A capacity of zero or less falls back to DefaultCap.
func Open(path string, capacity int) (Queue, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return Queue{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(queueBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(flagsBucket)
		return err
	})
	if err != nil {
		return Queue{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	if capacity <= 0 {
		capacity = DefaultCap
	}
	return Queue{db: db, cap: capacity}, nil
}

// Close releases the underlying database file.
func (q Queue) Close() error {
	return q.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Enqueue appends an entry to the queue. If the queue would exceed its cap,
// the oldest entries are dropped in the same transaction.
func (q Queue) Enqueue(entry models.QueueEntry) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		if err := b.Put(itob(seq), v); err != nil {
			return err
		}

		count := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		for count > q.cap {
			k, _ := c.First()
			if err := b.Delete(k); err != nil {
				return err
			}
			count--
		}
		return nil
	})
}

// Entries returns all queued entries in enqueue order.
func (q Queue) Entries() ([]Entry, error) {
	var entries []Entry
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		return b.ForEach(func(k, v []byte) error {
			var entry models.QueueEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal entry: %w", err)
			}
			entries = append(entries, Entry{
				Key:        binary.BigEndian.Uint64(k),
				QueueEntry: entry,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Remove deletes the entry with the given key. Removing a key that is no
// longer present is not an error.
func (q Queue) Remove(key uint64) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete(itob(key))
	})
}

// Len returns the number of queued entries.
func (q Queue) Len() (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SetFlag persists a named boolean flag, such as a dismissed notice marker.
func (q Queue) SetFlag(name string, value bool) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(flagsBucket)
		if !value {
			return b.Delete([]byte(name))
		}
		return b.Put([]byte(name), []byte("1"))
	})
}

// Flag reports whether a named flag is set.
func (q Queue) Flag(name string) (bool, error) {
	var set bool
	err := q.db.View(func(tx *bolt.Tx) error {
		set = tx.Bucket(flagsBucket).Get([]byte(name)) != nil
		return nil
	})
	if err != nil {
		return false, err
	}
	return set, nil
}
