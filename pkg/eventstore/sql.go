package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fluxorio/machina/pkg/core"
	"github.com/fluxorio/machina/pkg/model"
)

// SQLConfig configures the database/sql backed store. Works with any driver
// that accepts the generated DDL; sqlite3 and postgres are the tested pair.
type SQLConfig struct {
	// DSN is the database connection string.
	DSN string

	// DriverName is the database/sql driver name ("sqlite3", "postgres").
	// The driver must be blank-imported by the embedding binary.
	DriverName string

	// MaxOpenConns caps open connections.
	MaxOpenConns int

	// MaxIdleConns caps idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum reuse time of a connection.
	ConnMaxLifetime time.Duration
}

// DefaultSQLConfig returns pool defaults.
func DefaultSQLConfig(dsn, driverName string) SQLConfig {
	return SQLConfig{
		DSN:             dsn,
		DriverName:      driverName,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// SQLStore is a Store over database/sql. Events and snapshots live in two
// tables; the full record is stored as a JSON body with indexed key columns
// alongside for queries.
type SQLStore struct {
	db          *sql.DB
	placeholder func(n int) string
}

const (
	sqlEventsDDL = `CREATE TABLE IF NOT EXISTS fsm_events (
		seq %s,
		id TEXT NOT NULL UNIQUE,
		instance_id TEXT NOT NULL,
		ts_nanos BIGINT NOT NULL,
		body TEXT NOT NULL
	)`
	sqlEventsIndexDDL = `CREATE INDEX IF NOT EXISTS fsm_events_instance
		ON fsm_events (instance_id, ts_nanos, seq)`
	sqlSnapshotsDDL = `CREATE TABLE IF NOT EXISTS fsm_snapshots (
		instance_id TEXT PRIMARY KEY,
		body TEXT NOT NULL
	)`
)

// NewSQLStore opens the pool, applies fail-fast validation, and ensures the
// schema exists.
func NewSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("eventstore: DSN cannot be empty")
	}
	if cfg.DriverName == "" {
		return nil, fmt.Errorf("eventstore: DriverName cannot be empty")
	}
	if cfg.MaxIdleConns > cfg.MaxOpenConns && cfg.MaxOpenConns > 0 {
		return nil, fmt.Errorf("eventstore: MaxIdleConns cannot exceed MaxOpenConns")
	}

	db, err := sql.Open(cfg.DriverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open %s: %w", cfg.DriverName, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// Fail fast on unreachable databases.
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: ping: %w", err)
	}

	s := &SQLStore{db: db}
	switch cfg.DriverName {
	case "postgres", "pgx":
		s.placeholder = func(n int) string { return fmt.Sprintf("$%d", n) }
	default:
		s.placeholder = func(int) string { return "?" }
	}

	if err := s.ensureSchema(ctx, cfg.DriverName); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context, driver string) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == "postgres" || driver == "pgx" {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	for _, ddl := range []string{fmt.Sprintf(sqlEventsDDL, serial), sqlEventsIndexDDL, sqlSnapshotsDDL} {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("eventstore: schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Append implements EventStore.
func (s *SQLStore) Append(ctx context.Context, event *model.PersistedEvent) error {
	body, err := core.JSONEncode(event)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(
		"INSERT INTO fsm_events (id, instance_id, ts_nanos, body) VALUES (%s, %s, %s, %s)",
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4))
	if _, err := s.db.ExecContext(ctx, query, event.ID, event.InstanceID, event.Timestamp.UnixNano(), string(body)); err != nil {
		return fmt.Errorf("eventstore: append: %w", err)
	}
	return nil
}

// EventsForInstance implements EventStore.
func (s *SQLStore) EventsForInstance(ctx context.Context, instanceID string) ([]*model.PersistedEvent, error) {
	query := fmt.Sprintf(
		"SELECT body FROM fsm_events WHERE instance_id = %s ORDER BY ts_nanos, seq",
		s.placeholder(1))
	return s.queryEvents(ctx, query, instanceID)
}

// EventsInRange implements EventStore.
func (s *SQLStore) EventsInRange(ctx context.Context, from, to time.Time) ([]*model.PersistedEvent, error) {
	query := fmt.Sprintf(
		"SELECT body FROM fsm_events WHERE ts_nanos >= %s AND ts_nanos < %s ORDER BY ts_nanos, seq",
		s.placeholder(1), s.placeholder(2))
	return s.queryEvents(ctx, query, from.UnixNano(), to.UnixNano())
}

// EventByID implements EventStore.
func (s *SQLStore) EventByID(ctx context.Context, id string) (*model.PersistedEvent, error) {
	query := fmt.Sprintf("SELECT body FROM fsm_events WHERE id = %s", s.placeholder(1))
	var body string
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("eventstore: query: %w", err)
	}
	var event model.PersistedEvent
	if err := core.JSONDecode([]byte(body), &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *SQLStore) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*model.PersistedEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query: %w", err)
	}
	defer rows.Close()

	var out []*model.PersistedEvent
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("eventstore: scan: %w", err)
		}
		var event model.PersistedEvent
		if err := core.JSONDecode([]byte(body), &event); err != nil {
			return nil, err
		}
		out = append(out, &event)
	}
	return out, rows.Err()
}

// SaveSnapshot implements SnapshotStore.
func (s *SQLStore) SaveSnapshot(ctx context.Context, snapshot *model.InstanceSnapshot) error {
	body, err := core.JSONEncode(snapshot)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO fsm_snapshots (instance_id, body) VALUES (%s, %s)
		ON CONFLICT (instance_id) DO UPDATE SET body = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3))
	if _, err := s.db.ExecContext(ctx, query, snapshot.Instance.ID, string(body), string(body)); err != nil {
		return fmt.Errorf("eventstore: save snapshot: %w", err)
	}
	return nil
}

// Snapshot implements SnapshotStore.
func (s *SQLStore) Snapshot(ctx context.Context, instanceID string) (*model.InstanceSnapshot, error) {
	query := fmt.Sprintf("SELECT body FROM fsm_snapshots WHERE instance_id = %s", s.placeholder(1))
	var body string
	if err := s.db.QueryRowContext(ctx, query, instanceID).Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("eventstore: query snapshot: %w", err)
	}
	var snap model.InstanceSnapshot
	if err := core.JSONDecode([]byte(body), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListInstanceIDs implements SnapshotStore.
func (s *SQLStore) ListInstanceIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT instance_id FROM fsm_snapshots ORDER BY instance_id")
	if err != nil {
		return nil, fmt.Errorf("eventstore: list snapshots: %w", err)
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
