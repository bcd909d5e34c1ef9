package eventstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fluxorio/machina/pkg/core"
	"github.com/fluxorio/machina/pkg/model"
)

// BoltStore is a single-file Store on bbolt. Good fit for embedded,
// single-process deployments that need durability without a database server.
//
// Layout:
//
//	events          seq(be64) -> event JSON
//	events_by_id    event id  -> seq(be64)
//	events_by_inst  instanceID|ts(be64)|seq(be64) -> seq(be64)
//	snapshots       instanceID -> snapshot JSON
type BoltStore struct {
	db *bolt.DB
}

var (
	bucketEvents       = []byte("events")
	bucketEventsByID   = []byte("events_by_id")
	bucketEventsByInst = []byte("events_by_inst")
	bucketSnapshots    = []byte("snapshots")
)

// NewBoltStore opens (creating if needed) the store file.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("eventstore: bolt open: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEvents, bucketEventsByID, bucketEventsByInst, bucketSnapshots} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: bolt init: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func instKey(instanceID string, tsNanos int64, seq uint64) []byte {
	key := make([]byte, 0, len(instanceID)+17)
	key = append(key, instanceID...)
	key = append(key, 0)
	key = append(key, be64(uint64(tsNanos))...)
	key = append(key, be64(seq)...)
	return key
}

// Append implements EventStore. bbolt fsyncs on commit, so the event is
// durable before return.
func (s *BoltStore) Append(_ context.Context, event *model.PersistedEvent) error {
	body, err := core.JSONEncode(event)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		seq, err := events.NextSequence()
		if err != nil {
			return err
		}
		if err := events.Put(be64(seq), body); err != nil {
			return err
		}
		if err := tx.Bucket(bucketEventsByID).Put([]byte(event.ID), be64(seq)); err != nil {
			return err
		}
		return tx.Bucket(bucketEventsByInst).
			Put(instKey(event.InstanceID, event.Timestamp.UnixNano(), seq), be64(seq))
	})
	if err != nil {
		return fmt.Errorf("eventstore: bolt append: %w", err)
	}
	return nil
}

// EventsForInstance implements EventStore.
func (s *BoltStore) EventsForInstance(_ context.Context, instanceID string) ([]*model.PersistedEvent, error) {
	var out []*model.PersistedEvent
	prefix := append([]byte(instanceID), 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		c := tx.Bucket(bucketEventsByInst).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			body := events.Get(v)
			if body == nil {
				continue
			}
			var event model.PersistedEvent
			if err := core.JSONDecode(body, &event); err != nil {
				return err
			}
			out = append(out, &event)
		}
		return nil
	})
	return out, err
}

// EventsInRange implements EventStore.
func (s *BoltStore) EventsInRange(_ context.Context, from, to time.Time) ([]*model.PersistedEvent, error) {
	var out []*model.PersistedEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var event model.PersistedEvent
			if err := core.JSONDecode(v, &event); err != nil {
				return err
			}
			if !event.Timestamp.Before(from) && event.Timestamp.Before(to) {
				out = append(out, &event)
			}
		}
		return nil
	})
	return out, err
}

// EventByID implements EventStore.
func (s *BoltStore) EventByID(_ context.Context, id string) (*model.PersistedEvent, error) {
	var event *model.PersistedEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		seq := tx.Bucket(bucketEventsByID).Get([]byte(id))
		if seq == nil {
			return ErrNotFound
		}
		body := tx.Bucket(bucketEvents).Get(seq)
		if body == nil {
			return ErrNotFound
		}
		event = &model.PersistedEvent{}
		return core.JSONDecode(body, event)
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// SaveSnapshot implements SnapshotStore.
func (s *BoltStore) SaveSnapshot(_ context.Context, snapshot *model.InstanceSnapshot) error {
	body, err := core.JSONEncode(snapshot)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(snapshot.Instance.ID), body)
	})
	if err != nil {
		return fmt.Errorf("eventstore: bolt save snapshot: %w", err)
	}
	return nil
}

// Snapshot implements SnapshotStore.
func (s *BoltStore) Snapshot(_ context.Context, instanceID string) (*model.InstanceSnapshot, error) {
	var snap *model.InstanceSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		body := tx.Bucket(bucketSnapshots).Get([]byte(instanceID))
		if body == nil {
			return ErrNotFound
		}
		snap = &model.InstanceSnapshot{}
		return core.JSONDecode(body, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ListInstanceIDs implements SnapshotStore.
func (s *BoltStore) ListInstanceIDs(_ context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}
