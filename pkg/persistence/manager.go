// Package persistence bridges runtimes and the event store: it appends
// transition events, drives the snapshot cadence and rebuilds instances
// after a restart.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fluxorio/machina/pkg/core"
	"github.com/fluxorio/machina/pkg/eventstore"
	"github.com/fluxorio/machina/pkg/model"
	obs "github.com/fluxorio/machina/pkg/observability/prometheus"
	"github.com/fluxorio/machina/pkg/runtime"
)

// DefaultSnapshotInterval is the per-instance transition count between
// snapshots. Terminal states always snapshot immediately.
const DefaultSnapshotInterval = 50

// Manager implements runtime.Persistence on top of an event store.
type Manager struct {
	store    eventstore.Store
	logger   core.Logger
	metrics  *obs.Metrics
	interval int64

	mu     sync.Mutex
	counts map[string]int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(logger core.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(metrics *obs.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithSnapshotInterval overrides the snapshot cadence. Zero or negative
// disables interval snapshots; terminal snapshots still happen.
func WithSnapshotInterval(n int64) Option {
	return func(m *Manager) { m.interval = n }
}

// NewManager creates a persistence manager over the given store.
func NewManager(store eventstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		logger:   core.NewDefaultLogger(),
		interval: DefaultSnapshotInterval,
		counts:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordCreation appends the creation event and takes the instance's base
// snapshot, so a restore always has full instance metadata even when no
// later snapshot exists.
func (m *Manager) RecordCreation(ctx context.Context, event *model.PersistedEvent, inst *model.FSMInstance) error {
	if err := m.store.Append(ctx, event); err != nil {
		return fmt.Errorf("persistence: append creation: %w", err)
	}
	if m.metrics != nil {
		m.metrics.PersistedEventsTotal.Inc()
	}

	m.mu.Lock()
	m.counts[inst.ID] = 0
	m.mu.Unlock()

	return m.saveSnapshot(ctx, inst, event.ID, 0)
}

// RecordTransition appends the event and snapshots when the cadence or a
// terminal state demands it.
func (m *Manager) RecordTransition(ctx context.Context, event *model.PersistedEvent, inst *model.FSMInstance, terminal bool) error {
	if err := m.store.Append(ctx, event); err != nil {
		return fmt.Errorf("persistence: append transition: %w", err)
	}
	if m.metrics != nil {
		m.metrics.PersistedEventsTotal.Inc()
	}

	m.mu.Lock()
	m.counts[inst.ID]++
	count := m.counts[inst.ID]
	m.mu.Unlock()

	if terminal || (m.interval > 0 && count%m.interval == 0) {
		// Snapshot failures do not fail the transition: the event log alone
		// can rebuild the instance.
		if err := m.saveSnapshot(ctx, inst, event.ID, count); err != nil {
			m.logger.Errorf("snapshot for %s failed: %v", inst.ID, err)
		}
	}
	return nil
}

// RecordSnapshot writes an unscheduled snapshot of the instance.
func (m *Manager) RecordSnapshot(ctx context.Context, inst *model.FSMInstance) error {
	m.mu.Lock()
	count := m.counts[inst.ID]
	m.mu.Unlock()
	return m.saveSnapshot(ctx, inst, "", count)
}

func (m *Manager) saveSnapshot(ctx context.Context, inst *model.FSMInstance, lastEventID string, count int64) error {
	snap := &model.InstanceSnapshot{
		Instance:        inst,
		LastEventID:     lastEventID,
		TransitionCount: count,
		TakenAt:         time.Now(),
	}
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("persistence: save snapshot: %w", err)
	}
	if m.metrics != nil {
		m.metrics.SnapshotsTotal.Inc()
	}
	return nil
}

// RestoreResult summarizes one restore pass.
type RestoreResult struct {
	Restored      int
	Replayed      int
	Skipped       int
	Failed        int
	TimersSynced  int
	TimersExpired int
}

// Restore rebuilds the runtime's instances from snapshots plus event replay
// and re-synchronizes timeout timers. Replay is pure: hooks, cascades and
// broker traffic do not re-fire; each event's recorded post-transition
// context is applied verbatim.
func (m *Manager) Restore(ctx context.Context, rt *runtime.Runtime) (*RestoreResult, error) {
	componentName := rt.Component().Name
	ids, err := m.store.ListInstanceIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("persistence: list instances: %w", err)
	}

	result := &RestoreResult{}
	for _, id := range ids {
		snap, err := m.store.Snapshot(ctx, id)
		if err != nil {
			if errors.Is(err, eventstore.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("persistence: snapshot %s: %w", id, err)
		}
		if snap.Instance == nil || snap.Instance.ComponentName != componentName {
			continue
		}

		inst := snap.Instance.Clone()
		events, err := m.store.EventsForInstance(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("persistence: events for %s: %w", id, err)
		}
		pending := eventsAfter(events, snap.LastEventID, snap.TakenAt)

		finalStatus := projectStatus(rt, inst, pending)
		if finalStatus != model.StatusActive && !inst.IsEntryPoint {
			result.Skipped++
			continue
		}

		if err := rt.InstallRestoredInstance(inst); err != nil {
			m.logger.Errorf("restore of %s failed: %v", id, err)
			result.Failed++
			continue
		}
		for _, ev := range pending {
			rt.ApplyRestoredEvent(inst, ev)
			result.Replayed++
		}

		m.mu.Lock()
		m.counts[id] = snap.TransitionCount + int64(len(pending))
		m.mu.Unlock()
		result.Restored++
	}

	result.TimersSynced, result.TimersExpired = rt.ResyncTimeouts(time.Now())
	m.logger.Infof("restored %d instances for %s (%d replayed events, %d skipped, %d failed, timers %d synced / %d expired)",
		result.Restored, componentName, result.Replayed, result.Skipped, result.Failed, result.TimersSynced, result.TimersExpired)
	return result, nil
}

// eventsAfter cuts the replay tail: everything past the snapshot's last
// covered event, falling back to the snapshot timestamp when the id is
// missing from the log.
func eventsAfter(events []*model.PersistedEvent, lastEventID string, takenAt time.Time) []*model.PersistedEvent {
	if lastEventID != "" {
		for i, ev := range events {
			if ev.ID == lastEventID {
				return events[i+1:]
			}
		}
	}
	var out []*model.PersistedEvent
	for _, ev := range events {
		if ev.Timestamp.After(takenAt) {
			out = append(out, ev)
		}
	}
	return out
}

// projectStatus computes the status the instance ends at after replay,
// without mutating anything.
func projectStatus(rt *runtime.Runtime, inst *model.FSMInstance, pending []*model.PersistedEvent) model.InstanceStatus {
	status := inst.Status
	machine, ok := rt.Component().Machine(inst.MachineName)
	if !ok {
		return status
	}
	// The terminal snapshot is written before the runtime flips the status
	// flag, so the snapshotted state decides too.
	if st, ok := machine.State(inst.CurrentState); ok {
		switch st.EffectiveKind() {
		case model.StateError:
			status = model.StatusError
		case model.StateFinal:
			status = model.StatusCompleted
		}
	}
	for _, ev := range pending {
		if ev.StateAfter == runtime.ErrorStateSentinel {
			return model.StatusError
		}
		if st, ok := machine.State(ev.StateAfter); ok {
			switch st.EffectiveKind() {
			case model.StateError:
				status = model.StatusError
			case model.StateFinal:
				status = model.StatusCompleted
			}
		}
	}
	return status
}
