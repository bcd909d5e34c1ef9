// Package runtime executes the instances of one component: transition
// selection, guard evaluation, hook invocation with deferred event queueing,
// timeout timers, auto-deallocation and lifecycle emission.
//
// Concurrency model: a single dispatch goroutine per runtime serializes all
// mutations. Transitions run against a working copy of the instance and are
// committed under the write lock, so readers cloning under the read lock
// never observe a half-applied transition. External calls enqueue tasks and
// receive a Result future.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/machina/pkg/core"
	"github.com/fluxorio/machina/pkg/model"
	obs "github.com/fluxorio/machina/pkg/observability/prometheus"
	"github.com/fluxorio/machina/pkg/timerwheel"
)

// ErrorStateSentinel is the state-after recorded when a hook failure moves
// an instance to error status without a declared error state.
const ErrorStateSentinel = "__error__"

// Persistence is the slice of the persistence manager the runtime calls
// into. Append durability is required before the runtime emits state_change.
type Persistence interface {
	// RecordCreation persists the creation event of a new instance.
	RecordCreation(ctx context.Context, event *model.PersistedEvent, inst *model.FSMInstance) error

	// RecordTransition persists one transition; terminal requests an
	// immediate snapshot regardless of cadence.
	RecordTransition(ctx context.Context, event *model.PersistedEvent, inst *model.FSMInstance, terminal bool) error

	// RecordSnapshot writes a snapshot of the instance as-is.
	RecordSnapshot(ctx context.Context, inst *model.FSMInstance) error
}

// Router is the slice of the component registry the runtime calls into for
// cross-component traffic.
type Router interface {
	RouteCascade(ctx context.Context, source *model.FSMInstance, rule *model.CascadingRule, payload map[string]interface{}) error
	CreateInstanceInComponent(ctx context.Context, componentName, machineName string, context map[string]interface{}, parent *ParentRef) (string, error)
	SendEventToInstance(ctx context.Context, componentName, instanceID string, event *model.Event) error
	BroadcastToComponent(ctx context.Context, componentName, machineName, stateFilter string, event *model.Event) (int, error)
	BroadcastMatched(ctx context.Context, componentName, machineName, stateFilter string, event *model.Event, rules []model.MatchingRule) (int, error)
}

// ParentRef identifies the parent of a child instance.
type ParentRef struct {
	InstanceID string
	Machine    string
	Component  string
}

// Stats are per-runtime operational counters.
type Stats struct {
	Transitions        int64
	IgnoredEvents      int64
	HookFailures       int64
	QueueHighWatermark int
}

// Runtime owns one component's instances.
type Runtime struct {
	component *model.Component
	logger    core.Logger
	tracer    trace.Tracer
	metrics   *obs.Metrics
	wheel     *timerwheel.Wheel
	ownWheel  bool
	persist   Persistence
	router    Router
	baseCtx   context.Context

	mu             sync.RWMutex
	instances      map[string]*model.FSMInstance
	byMachine      map[string]map[string]*model.FSMInstance
	byMachineState map[string]map[string]*model.FSMInstance
	timers         map[string]map[*model.Transition]*timerwheel.Timer
	hooks          map[string]Hook
	expressions    map[string]Expression
	listeners      []Listener
	stats          Stats

	tasks    chan *task
	deferred []func()

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

type task struct {
	run    func() error
	result *Result
}

// Result is the completion future of an asynchronous runtime operation.
type Result struct {
	once sync.Once
	err  error
	done chan struct{}
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

func (r *Result) complete(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed when the operation finished.
func (r *Result) Done() <-chan struct{} { return r.done }

// Await blocks until completion or ctx cancellation.
func (r *Result) Await(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the outcome; valid after Done is closed.
func (r *Result) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets a custom logger.
func WithLogger(logger core.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithPersistence wires the persistence manager.
func WithPersistence(p Persistence) Option {
	return func(r *Runtime) { r.persist = p }
}

// WithRouter wires the component registry.
func WithRouter(router Router) Option {
	return func(r *Runtime) { r.router = router }
}

// WithTimerWheel shares an external timer wheel between runtimes.
func WithTimerWheel(w *timerwheel.Wheel) Option {
	return func(r *Runtime) {
		r.wheel = w
		r.ownWheel = false
	}
}

// WithTracer enables a span per executed transition.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runtime) { r.tracer = t }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *obs.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// New creates a runtime for a validated component.
func New(component *model.Component, opts ...Option) (*Runtime, error) {
	if err := component.Validate(); err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	r := &Runtime{
		component:      component,
		logger:         core.NewDefaultLogger(),
		baseCtx:        context.Background(),
		instances:      make(map[string]*model.FSMInstance),
		byMachine:      make(map[string]map[string]*model.FSMInstance),
		byMachineState: make(map[string]map[string]*model.FSMInstance),
		timers:         make(map[string]map[*model.Transition]*timerwheel.Timer),
		hooks:          make(map[string]Hook),
		expressions:    make(map[string]Expression),
		tasks:          make(chan *task, 1024),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		ownWheel:       true,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.wheel == nil {
		r.wheel = timerwheel.New(timerwheel.Config{})
	}
	return r, nil
}

// Component returns the component model.
func (r *Runtime) Component() *model.Component { return r.component }

// SetRouter wires the registry after construction (registration order).
func (r *Runtime) SetRouter(router Router) { r.router = router }

// Start launches the dispatch loop and creates the entry-point instance if
// the component designates an entry machine.
func (r *Runtime) Start(ctx context.Context) error {
	r.startOnce.Do(func() {
		go r.dispatch()
	})

	if r.component.EntryMachine != "" {
		_, res := r.CreateInstance(r.component.EntryMachine, nil, nil)
		if err := res.Await(ctx); err != nil {
			return fmt.Errorf("runtime: entry instance: %w", err)
		}
	}
	return nil
}

// Stop halts the dispatch loop. Pending tasks are completed with an error.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
		if r.ownWheel {
			r.wheel.Stop()
		}
	})
}

func (r *Runtime) dispatch() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			// Drain with failure so callers never hang.
			for {
				select {
				case t := <-r.tasks:
					t.result.complete(newError(ErrorCodeStopped, "", "runtime stopped"))
				default:
					return
				}
			}
		case t := <-r.tasks:
			err := t.run()
			r.drainDeferred()
			t.result.complete(err)
		}
	}
}

// defer_ appends an operation to the deferred queue drained after the
// current transition completes.
func (r *Runtime) defer_(op func()) {
	r.deferred = append(r.deferred, op)
	n := len(r.deferred)
	r.mu.Lock()
	if n > r.stats.QueueHighWatermark {
		r.stats.QueueHighWatermark = n
	}
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.EventQueueDepth.WithLabelValues(r.component.Name).Set(float64(len(r.deferred)))
	}
}

func (r *Runtime) drainDeferred() {
	for len(r.deferred) > 0 {
		op := r.deferred[0]
		r.deferred = r.deferred[1:]
		op()
	}
	if r.metrics != nil {
		r.metrics.EventQueueDepth.WithLabelValues(r.component.Name).Set(0)
	}
}

// submit queues work onto the dispatch loop.
func (r *Runtime) submit(run func() error) *Result {
	res := newResult()
	t := &task{run: run, result: res}
	select {
	case r.tasks <- t:
	case <-r.stopCh:
		res.complete(newError(ErrorCodeStopped, "", "runtime stopped"))
	}
	return res
}

// CreateInstance materializes a new instance of machineName in its initial
// state. The id is assigned up front so callers can hold it before the
// Result settles; the Result's error reports unknown machines.
func (r *Runtime) CreateInstance(machineName string, contextData map[string]interface{}, parent *ParentRef) (string, *Result) {
	id := uuid.New().String()
	return id, r.submit(func() error {
		_, err := r.createLocked(id, machineName, contextData, parent)
		return err
	})
}

// CreateInstanceSync is CreateInstance plus a blocking wait, returning the
// instance id.
func (r *Runtime) CreateInstanceSync(ctx context.Context, machineName string, contextData map[string]interface{}, parent *ParentRef) (string, error) {
	id, res := r.CreateInstance(machineName, contextData, parent)
	if err := res.Await(ctx); err != nil {
		return "", err
	}
	return id, nil
}

// SendEvent routes an event to an instance. The Result completes once the
// transition (and everything it deferred) has been fully processed.
// Unknown-event and guard rejections are silent no-ops, not errors.
func (r *Runtime) SendEvent(instanceID string, event *model.Event) *Result {
	return r.submit(func() error {
		return r.deliver(instanceID, event, "")
	})
}

// BroadcastEvent routes event to every instance of machineName (optionally
// filtered by current state) whose best-matching transition's matching
// rules accept the event. Completes with the receiver count.
func (r *Runtime) BroadcastEvent(machineName, stateFilter string, event *model.Event) (*Result, *int) {
	count := new(int)
	res := r.submit(func() error {
		*count = r.broadcastLocked(machineName, stateFilter, event, nil)
		return nil
	})
	return res, count
}

// BroadcastMatched routes event using externally supplied matching rules
// (cross-component cascades with target events).
func (r *Runtime) BroadcastMatched(machineName, stateFilter string, event *model.Event, rules []model.MatchingRule) (*Result, *int) {
	count := new(int)
	res := r.submit(func() error {
		*count = r.broadcastLocked(machineName, stateFilter, event, rules)
		return nil
	})
	return res, count
}

// DisposeInstance cancels timers, removes the instance and writes a terminal
// snapshot. No-op if the instance is unknown.
func (r *Runtime) DisposeInstance(instanceID string) *Result {
	return r.submit(func() error {
		r.disposeLocked(instanceID)
		return nil
	})
}

// GetInstance returns a detached copy of an instance.
func (r *Runtime) GetInstance(instanceID string) (*model.FSMInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return nil, newError(ErrorCodeUnknownInstance, instanceID, "instance not found")
	}
	return inst.Clone(), nil
}

// HasInstance reports whether the id is owned by this runtime.
func (r *Runtime) HasInstance(instanceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.instances[instanceID]
	return ok
}

// ListInstances returns detached copies, optionally filtered by machine and
// current state.
func (r *Runtime) ListInstances(machineName, stateFilter string) []*model.FSMInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.FSMInstance
	for _, inst := range r.instances {
		if machineName != "" && inst.MachineName != machineName {
			continue
		}
		if stateFilter != "" && inst.CurrentState != stateFilter {
			continue
		}
		out = append(out, inst.Clone())
	}
	return out
}

// GetAvailableTransitions enumerates transitions out of the instance's
// current state whose guards pass against a nil payload. Best-effort, for
// UI surfaces.
func (r *Runtime) GetAvailableTransitions(instanceID string) ([]*model.Transition, error) {
	r.mu.RLock()
	inst, ok := r.instances[instanceID]
	var snapshot *model.FSMInstance
	if ok {
		snapshot = inst.Clone()
	}
	r.mu.RUnlock()
	if !ok {
		return nil, newError(ErrorCodeUnknownInstance, instanceID, "instance not found")
	}
	machine, _ := r.component.Machine(snapshot.MachineName)
	state, ok := machine.State(snapshot.CurrentState)
	if !ok {
		return nil, nil
	}

	probe := &model.Event{Type: "", Timestamp: time.Now()}
	var out []*model.Transition
	for _, t := range state.Transitions {
		if r.guardsPass(t, snapshot, probe) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Stats returns a copy of the runtime counters.
func (r *Runtime) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// createLocked runs on the dispatch goroutine.
func (r *Runtime) createLocked(id, machineName string, contextData map[string]interface{}, parent *ParentRef) (*model.FSMInstance, error) {
	machine, ok := r.component.Machine(machineName)
	if !ok {
		return nil, newError(ErrorCodeUnknownMachine, "", fmt.Sprintf("machine %q not found in component %s", machineName, r.component.Name))
	}

	now := time.Now()
	inst := &model.FSMInstance{
		ID:            id,
		ComponentName: r.component.Name,
		MachineName:   machineName,
		CurrentState:  machine.InitialState,
		Context:       contextData,
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        model.StatusActive,
	}
	if inst.Context == nil {
		inst.Context = make(map[string]interface{})
	}
	if parent != nil {
		inst.ParentInstanceID = parent.InstanceID
		inst.ParentMachine = parent.Machine
		inst.ParentComponent = parent.Component
	}

	// The first instance of the designated entry machine is the entry
	// point; it is exempt from auto-deallocation.
	if r.component.EntryMachine == machineName && !r.entryPointExists(machineName) {
		inst.IsEntryPoint = true
	}

	if r.persist != nil {
		event := r.persistedEvent(inst, model.Event{Type: "__create__", Timestamp: now}, "", machine.InitialState)
		if err := r.persist.RecordCreation(r.baseCtx, event, inst.Clone()); err != nil {
			return nil, &RuntimeError{
				Code: ErrorCodePersistenceFailed, InstanceID: id,
				Message: "creation persistence failed", Timestamp: time.Now(), Cause: err,
			}
		}
	}

	r.armStateTimers(inst)
	if r.metrics != nil {
		r.metrics.InstancesActive.WithLabelValues(r.component.Name, machineName).Inc()
	}

	// The initial entry hook runs before indexing: the instance becomes
	// visible to readers only once its creation-time mutations are done.
	state, _ := machine.State(machine.InitialState)
	if state != nil && state.EntryHook != "" {
		createEvent := &model.Event{Type: "__create__", Timestamp: now}
		if err := r.runHook(state.EntryHook, inst, createEvent); err != nil {
			r.failInstance(inst, inst, createEvent, state.EntryHook, err)
			r.indexInstance(inst)
			return inst, nil
		}
	}
	r.indexInstance(inst)
	r.notify(NotifyInstanceCreated, InstanceData{Instance: inst.Clone()})
	return inst, nil
}

func (r *Runtime) entryPointExists(machineName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range r.byMachine[machineName] {
		if inst.IsEntryPoint {
			return true
		}
	}
	return false
}

func (r *Runtime) indexInstance(inst *model.FSMInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.ID] = inst
	if r.byMachine[inst.MachineName] == nil {
		r.byMachine[inst.MachineName] = make(map[string]*model.FSMInstance)
	}
	r.byMachine[inst.MachineName][inst.ID] = inst
	key := stateKey(inst.MachineName, inst.CurrentState)
	if r.byMachineState[key] == nil {
		r.byMachineState[key] = make(map[string]*model.FSMInstance)
	}
	r.byMachineState[key][inst.ID] = inst
}

func (r *Runtime) unindexInstance(inst *model.FSMInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, inst.ID)
	delete(r.byMachine[inst.MachineName], inst.ID)
	delete(r.byMachineState[stateKey(inst.MachineName, inst.CurrentState)], inst.ID)
}

// reindexState moves the instance between machine+state buckets.
func (r *Runtime) reindexState(inst *model.FSMInstance, oldState string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byMachineState[stateKey(inst.MachineName, oldState)], inst.ID)
	key := stateKey(inst.MachineName, inst.CurrentState)
	if r.byMachineState[key] == nil {
		r.byMachineState[key] = make(map[string]*model.FSMInstance)
	}
	r.byMachineState[key][inst.ID] = inst
}

func stateKey(machine, state string) string {
	return machine + "\x00" + state
}

func (r *Runtime) disposeLocked(instanceID string) {
	r.mu.RLock()
	inst, ok := r.instances[instanceID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	r.cancelInstanceTimers(instanceID)
	r.unindexInstance(inst)

	if r.persist != nil {
		if err := r.persist.RecordSnapshot(r.baseCtx, inst.Clone()); err != nil {
			r.logger.Errorf("terminal snapshot for %s failed: %v", instanceID, err)
		}
	}
	if r.metrics != nil {
		r.metrics.InstancesActive.WithLabelValues(r.component.Name, inst.MachineName).Dec()
	}
	r.notify(NotifyInstanceDisposed, InstanceData{Instance: inst.Clone()})
}

// InstallRestoredInstance inserts a recovered instance without running
// hooks, timers or persistence. Used by the persistence manager's restore.
func (r *Runtime) InstallRestoredInstance(inst *model.FSMInstance) error {
	machine, ok := r.component.Machine(inst.MachineName)
	if !ok {
		return newError(ErrorCodeUnknownMachine, inst.ID, fmt.Sprintf("machine %q not found", inst.MachineName))
	}
	if _, ok := machine.State(inst.CurrentState); !ok && inst.CurrentState != ErrorStateSentinel {
		return newError(ErrorCodeInvalidState, inst.ID, fmt.Sprintf("state %q not declared", inst.CurrentState))
	}
	r.indexInstance(inst)
	if r.metrics != nil && inst.Status == model.StatusActive {
		r.metrics.InstancesActive.WithLabelValues(r.component.Name, inst.MachineName).Inc()
	}
	return nil
}

// ApplyRestoredEvent applies a persisted event as a pure state transition:
// no hooks, no cascades, no timers.
func (r *Runtime) ApplyRestoredEvent(inst *model.FSMInstance, ev *model.PersistedEvent) {
	old := inst.CurrentState
	inst.CurrentState = ev.StateAfter
	if ev.ContextAfter != nil {
		inst.Context = ev.ContextAfter
	}
	inst.UpdatedAt = ev.Timestamp
	machine, _ := r.component.Machine(inst.MachineName)
	if machine != nil {
		if st, ok := machine.State(ev.StateAfter); ok && st.EffectiveKind().IsTerminal() {
			if st.EffectiveKind() == model.StateError {
				inst.Status = model.StatusError
			} else {
				inst.Status = model.StatusCompleted
			}
		}
	}
	if ev.StateAfter == ErrorStateSentinel {
		inst.CurrentState = old
		inst.Status = model.StatusError
	}
	r.reindexState(inst, old)
}

// ResyncTimeouts re-arms timers after a restore: already-elapsed timeouts
// fire immediately (through the normal dispatch queue), the rest are armed
// for the remainder. Returns (synced, expired).
func (r *Runtime) ResyncTimeouts(now time.Time) (int, int) {
	r.mu.RLock()
	instances := make([]*model.FSMInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst.Clone())
	}
	r.mu.RUnlock()

	synced, expired := 0, 0
	for _, inst := range instances {
		if inst.Status != model.StatusActive {
			continue
		}
		machine, _ := r.component.Machine(inst.MachineName)
		if machine == nil {
			continue
		}
		state, ok := machine.State(inst.CurrentState)
		if !ok {
			continue
		}
		elapsed := now.Sub(inst.UpdatedAt)
		for _, t := range state.TimeoutTransitions() {
			timeout := time.Duration(t.TimeoutMs) * time.Millisecond
			if elapsed >= timeout {
				expired++
				id := inst.ID
				eventType := t.Event
				r.submit(func() error {
					return r.deliver(id, &model.Event{Type: eventType, Timestamp: time.Now()}, "")
				})
			} else {
				r.armTimer(inst, t, timeout-elapsed)
				synced++
			}
		}
	}
	return synced, expired
}
