package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fluxorio/machina/pkg/core"
	"github.com/fluxorio/machina/pkg/model"
)

// MemoryStore is an in-memory Store for tests and single-process deployments
// without durability requirements.
type MemoryStore struct {
	mu         sync.RWMutex
	events     []*model.PersistedEvent
	byID       map[string]*model.PersistedEvent
	byInstance map[string][]*model.PersistedEvent
	snapshots  map[string]*model.InstanceSnapshot
	stats      Stats
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*model.PersistedEvent),
		byInstance: make(map[string][]*model.PersistedEvent),
		snapshots:  make(map[string]*model.InstanceSnapshot),
	}
}

// Append implements EventStore.
func (s *MemoryStore) Append(_ context.Context, event *model.PersistedEvent) error {
	var stored model.PersistedEvent
	if err := core.JSONRoundTrip(event, &stored); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, &stored)
	s.byID[stored.ID] = &stored
	s.byInstance[stored.InstanceID] = append(s.byInstance[stored.InstanceID], &stored)
	s.stats.AppendedEvents++
	return nil
}

// EventsForInstance implements EventStore.
func (s *MemoryStore) EventsForInstance(_ context.Context, instanceID string) ([]*model.PersistedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.byInstance[instanceID]
	out := make([]*model.PersistedEvent, len(events))
	copy(out, events)
	// Append order already matches arrival; stable sort keeps it for ties.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// EventsInRange implements EventStore.
func (s *MemoryStore) EventsInRange(_ context.Context, from, to time.Time) ([]*model.PersistedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.PersistedEvent
	for _, e := range s.events {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

// EventByID implements EventStore.
func (s *MemoryStore) EventByID(_ context.Context, id string) (*model.PersistedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// SaveSnapshot implements SnapshotStore.
func (s *MemoryStore) SaveSnapshot(_ context.Context, snapshot *model.InstanceSnapshot) error {
	var stored model.InstanceSnapshot
	if err := core.JSONRoundTrip(snapshot, &stored); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[stored.Instance.ID] = &stored
	s.stats.SavedSnapshots++
	return nil
}

// Snapshot implements SnapshotStore.
func (s *MemoryStore) Snapshot(_ context.Context, instanceID string) (*model.InstanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[instanceID]
	if !ok {
		return nil, ErrNotFound
	}
	var out model.InstanceSnapshot
	if err := core.JSONRoundTrip(snap, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListInstanceIDs implements SnapshotStore.
func (s *MemoryStore) ListInstanceIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Stats returns operational counters.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
