// Package eventstore defines the durable persistence contracts of the
// engine: an append-only transition log and a snapshot store.
//
// Contract summary:
// - Append-only: no in-place updates or deletes of persisted events.
// - Append and SaveSnapshot are durable before they return.
// - Per-instance order: EventsForInstance returns events ordered by
//   timestamp, ties broken by append order.
//
// Implementations may be in-memory, SQL-backed or key-value-backed.
package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/fluxorio/machina/pkg/model"
)

// Errors.
var (
	ErrNotFound = errors.New("eventstore: not found")
	ErrClosed   = errors.New("eventstore: store closed")
)

// EventStore is the append-only transition log.
type EventStore interface {
	// Append durably persists one event before returning.
	Append(ctx context.Context, event *model.PersistedEvent) error

	// EventsForInstance returns all events of one instance in order.
	EventsForInstance(ctx context.Context, instanceID string) ([]*model.PersistedEvent, error)

	// EventsInRange returns events with from <= Timestamp < to.
	EventsInRange(ctx context.Context, from, to time.Time) ([]*model.PersistedEvent, error)

	// EventByID returns a single event or ErrNotFound.
	EventByID(ctx context.Context, id string) (*model.PersistedEvent, error)
}

// SnapshotStore persists instance snapshots used as restore bases.
type SnapshotStore interface {
	// SaveSnapshot durably persists the snapshot, replacing any previous
	// snapshot of the same instance.
	SaveSnapshot(ctx context.Context, snapshot *model.InstanceSnapshot) error

	// Snapshot returns the latest snapshot of an instance or ErrNotFound.
	Snapshot(ctx context.Context, instanceID string) (*model.InstanceSnapshot, error)

	// ListInstanceIDs returns the ids of all snapshotted instances.
	ListInstanceIDs(ctx context.Context) ([]string, error)
}

// Store combines both contracts; every bundled implementation satisfies it.
type Store interface {
	EventStore
	SnapshotStore
}

// Stats exposes basic operational counters of a store.
type Stats struct {
	AppendedEvents int64
	SavedSnapshots int64
}
