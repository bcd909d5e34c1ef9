package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxorio/machina/pkg/core"
	"github.com/fluxorio/machina/pkg/model"
)

// PostgresStore is a Store on native pgx. Preferred over the database/sql
// path for federation deployments: pgxpool handles reconnects and the JSONB
// column keeps events queryable in place.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("eventstore: postgres DSN cannot be empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: postgres connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventstore: postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS fsm_events (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			instance_id TEXT NOT NULL,
			ts_nanos BIGINT NOT NULL,
			body JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS fsm_events_instance
			ON fsm_events (instance_id, ts_nanos, seq)`,
		`CREATE TABLE IF NOT EXISTS fsm_snapshots (
			instance_id TEXT PRIMARY KEY,
			body JSONB NOT NULL
		)`,
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("eventstore: postgres schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Append implements EventStore.
func (s *PostgresStore) Append(ctx context.Context, event *model.PersistedEvent) error {
	body, err := core.JSONEncode(event)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		"INSERT INTO fsm_events (id, instance_id, ts_nanos, body) VALUES ($1, $2, $3, $4)",
		event.ID, event.InstanceID, event.Timestamp.UnixNano(), body)
	if err != nil {
		return fmt.Errorf("eventstore: postgres append: %w", err)
	}
	return nil
}

// EventsForInstance implements EventStore.
func (s *PostgresStore) EventsForInstance(ctx context.Context, instanceID string) ([]*model.PersistedEvent, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT body FROM fsm_events WHERE instance_id = $1 ORDER BY ts_nanos, seq", instanceID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: postgres query: %w", err)
	}
	return collectEvents(rows)
}

// EventsInRange implements EventStore.
func (s *PostgresStore) EventsInRange(ctx context.Context, from, to time.Time) ([]*model.PersistedEvent, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT body FROM fsm_events WHERE ts_nanos >= $1 AND ts_nanos < $2 ORDER BY ts_nanos, seq",
		from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("eventstore: postgres query: %w", err)
	}
	return collectEvents(rows)
}

// EventByID implements EventStore.
func (s *PostgresStore) EventByID(ctx context.Context, id string) (*model.PersistedEvent, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, "SELECT body FROM fsm_events WHERE id = $1", id).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("eventstore: postgres query: %w", err)
	}
	var event model.PersistedEvent
	if err := core.JSONDecode(body, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func collectEvents(rows pgx.Rows) ([]*model.PersistedEvent, error) {
	defer rows.Close()
	var out []*model.PersistedEvent
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var event model.PersistedEvent
		if err := core.JSONDecode(body, &event); err != nil {
			return nil, err
		}
		out = append(out, &event)
	}
	return out, rows.Err()
}

// SaveSnapshot implements SnapshotStore.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snapshot *model.InstanceSnapshot) error {
	body, err := core.JSONEncode(snapshot)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO fsm_snapshots (instance_id, body) VALUES ($1, $2)
		 ON CONFLICT (instance_id) DO UPDATE SET body = EXCLUDED.body`,
		snapshot.Instance.ID, body)
	if err != nil {
		return fmt.Errorf("eventstore: postgres save snapshot: %w", err)
	}
	return nil
}

// Snapshot implements SnapshotStore.
func (s *PostgresStore) Snapshot(ctx context.Context, instanceID string) (*model.InstanceSnapshot, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, "SELECT body FROM fsm_snapshots WHERE instance_id = $1", instanceID).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("eventstore: postgres query snapshot: %w", err)
	}
	var snap model.InstanceSnapshot
	if err := core.JSONDecode(body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListInstanceIDs implements SnapshotStore.
func (s *PostgresStore) ListInstanceIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT instance_id FROM fsm_snapshots ORDER BY instance_id")
	if err != nil {
		return nil, fmt.Errorf("eventstore: postgres list snapshots: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
