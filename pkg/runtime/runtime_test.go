package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fluxorio/machina/pkg/core"
	"github.com/fluxorio/machina/pkg/model"
	"github.com/fluxorio/machina/pkg/timerwheel"
)

func orderComponent() *model.Component {
	return model.NewComponent("order-processing").
		Machine("Order").
		Initial("pending").
		State("pending").Entry().
		On("submit", "submitted").GuardKeys("orderId").Hook("recordOrder").Done().
		Done().
		State("submitted").
		On("fill", "partially_filled").
		GuardCompare(model.GuardSourceEvent, "qty", model.OpLess, "{{remainingQty}}").
		Hook("applyFill").Done().
		On("fill", "filled").
		GuardCompare(model.GuardSourceEvent, "qty", model.OpGreaterEqual, "{{remainingQty}}").
		Hook("applyFill").Done().
		On("cancel", "cancelled").Done().
		Done().
		State("partially_filled").
		On("fill", "partially_filled").
		GuardCompare(model.GuardSourceEvent, "qty", model.OpLess, "{{remainingQty}}").
		Hook("applyFill").Done().
		On("fill", "filled").
		GuardCompare(model.GuardSourceEvent, "qty", model.OpGreaterEqual, "{{remainingQty}}").
		Hook("applyFill").Done().
		On("cancel", "cancelled").Done().
		Done().
		State("filled").Final().Done().
		State("cancelled").Final().Done().
		Done().
		MustBuild()
}

func registerOrderHooks(r *Runtime) {
	r.RegisterHook("recordOrder", func(_ context.Context, inst *model.FSMInstance, event *model.Event, _ Sender) error {
		inst.Context["orderId"] = event.Payload["orderId"]
		qty, _ := event.Payload["qty"].(float64)
		inst.Context["remainingQty"] = qty
		inst.Context["executedQty"] = float64(0)
		return nil
	})
	r.RegisterHook("applyFill", func(_ context.Context, inst *model.FSMInstance, event *model.Event, _ Sender) error {
		qty, _ := event.Payload["qty"].(float64)
		remaining, _ := inst.Context["remainingQty"].(float64)
		executed, _ := inst.Context["executedQty"].(float64)
		if qty > remaining {
			qty = remaining
		}
		inst.Context["remainingQty"] = remaining - qty
		inst.Context["executedQty"] = executed + qty
		return nil
	})
}

func newTestRuntime(t *testing.T, component *model.Component, opts ...Option) *Runtime {
	t.Helper()
	opts = append([]Option{WithLogger(core.NopLogger{})}, opts...)
	r, err := New(component, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(r.Stop)
	return r
}

func mustSend(t *testing.T, r *Runtime, id string, event *model.Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.SendEvent(id, event).Await(ctx); err != nil {
		t.Fatalf("SendEvent(%s, %s): %v", id, event.Type, err)
	}
}

func stateOf(t *testing.T, r *Runtime, id string) string {
	t.Helper()
	inst, err := r.GetInstance(id)
	if err != nil {
		t.Fatalf("GetInstance(%s): %v", id, err)
	}
	return inst.CurrentState
}

func TestOrderLifecycle(t *testing.T) {
	r := newTestRuntime(t, orderComponent())
	registerOrderHooks(r)

	id, err := r.CreateInstanceSync(context.Background(), "Order", nil, nil)
	if err != nil {
		t.Fatalf("CreateInstanceSync: %v", err)
	}
	if got := stateOf(t, r, id); got != "pending" {
		t.Fatalf("initial state = %q, want pending", got)
	}

	mustSend(t, r, id, &model.Event{Type: "submit", Payload: map[string]interface{}{"orderId": "ord-1", "qty": float64(1000)}})
	if got := stateOf(t, r, id); got != "submitted" {
		t.Fatalf("after submit state = %q, want submitted", got)
	}

	mustSend(t, r, id, &model.Event{Type: "fill", Payload: map[string]interface{}{"qty": float64(300)}})
	if got := stateOf(t, r, id); got != "partially_filled" {
		t.Fatalf("after partial fill state = %q, want partially_filled", got)
	}
	inst, _ := r.GetInstance(id)
	if inst.Context["executedQty"] != float64(300) || inst.Context["remainingQty"] != float64(700) {
		t.Fatalf("context after partial fill = %v", inst.Context)
	}

	mustSend(t, r, id, &model.Event{Type: "fill", Payload: map[string]interface{}{"qty": float64(700)}})
	// Terminal non-entry-point instances are deallocated.
	if _, err := r.GetInstance(id); !IsCode(err, ErrorCodeUnknownInstance) {
		t.Fatalf("filled order should be disposed, got err=%v", err)
	}
}

func TestUnknownEventIsIgnored(t *testing.T) {
	r := newTestRuntime(t, orderComponent())
	registerOrderHooks(r)

	id, _ := r.CreateInstanceSync(context.Background(), "Order", nil, nil)
	mustSend(t, r, id, &model.Event{Type: "nonsense"})
	if got := stateOf(t, r, id); got != "pending" {
		t.Fatalf("state after unknown event = %q, want pending", got)
	}
	if stats := r.Stats(); stats.IgnoredEvents != 1 {
		t.Fatalf("IgnoredEvents = %d, want 1", stats.IgnoredEvents)
	}
}

func TestGuardRejectionIsSilent(t *testing.T) {
	r := newTestRuntime(t, orderComponent())
	registerOrderHooks(r)

	id, _ := r.CreateInstanceSync(context.Background(), "Order", nil, nil)
	// Missing the required orderId key.
	mustSend(t, r, id, &model.Event{Type: "submit", Payload: map[string]interface{}{"qty": float64(10)}})
	if got := stateOf(t, r, id); got != "pending" {
		t.Fatalf("state after rejected submit = %q, want pending", got)
	}
}

func TestSendToUnknownInstance(t *testing.T) {
	r := newTestRuntime(t, orderComponent())
	err := r.SendEvent("missing", &model.Event{Type: "submit"}).Await(context.Background())
	if !IsCode(err, ErrorCodeUnknownInstance) {
		t.Fatalf("err = %v, want UNKNOWN_INSTANCE", err)
	}
}

func TestMatchingRulesRouteBroadcast(t *testing.T) {
	component := model.NewComponent("quotes").
		Machine("Quote").
		Initial("quoting").
		State("quoting").
		On("price_update", "quoting").
		Match("symbol", "symbol").
		Hook("applyPrice").Done().
		Done().
		Done().
		MustBuild()

	r := newTestRuntime(t, component)
	r.RegisterHook("applyPrice", func(_ context.Context, inst *model.FSMInstance, event *model.Event, _ Sender) error {
		inst.Context["lastPrice"] = event.Payload["price"]
		return nil
	})

	eurID, _ := r.CreateInstanceSync(context.Background(), "Quote", map[string]interface{}{"symbol": "EURUSD"}, nil)
	gbpID, _ := r.CreateInstanceSync(context.Background(), "Quote", map[string]interface{}{"symbol": "GBPUSD"}, nil)

	res, count := r.BroadcastEvent("Quote", "", &model.Event{
		Type:    "price_update",
		Payload: map[string]interface{}{"symbol": "EURUSD", "price": 1.0842},
	})
	if err := res.Await(context.Background()); err != nil {
		t.Fatalf("BroadcastEvent: %v", err)
	}
	if *count != 1 {
		t.Fatalf("broadcast receiver count = %d, want 1", *count)
	}

	eur, _ := r.GetInstance(eurID)
	if eur.Context["lastPrice"] != 1.0842 {
		t.Fatalf("EURUSD lastPrice = %v, want 1.0842", eur.Context["lastPrice"])
	}
	gbp, _ := r.GetInstance(gbpID)
	if _, ok := gbp.Context["lastPrice"]; ok {
		t.Fatalf("GBPUSD must not receive the EURUSD update, context = %v", gbp.Context)
	}
}

func TestTimeoutTransitionFires(t *testing.T) {
	component := model.NewComponent("sessions").
		Machine("Session").
		Initial("open").
		State("open").
		Timeout("expire", "expired", 40).Done().
		On("keepalive", "open").Done().
		Done().
		State("expired").Final().Done().
		Done().
		MustBuild()

	wheel := timerwheel.New(timerwheel.Config{Tick: 5 * time.Millisecond, Slots: 64})
	defer wheel.Stop()
	r := newTestRuntime(t, component, WithTimerWheel(wheel))

	var mu sync.Mutex
	disposed := make(map[string]bool)
	r.Subscribe(func(n Notification) {
		if n.Type == NotifyInstanceDisposed {
			mu.Lock()
			disposed[n.Data.(InstanceData).Instance.ID] = true
			mu.Unlock()
		}
	})

	id, _ := r.CreateInstanceSync(context.Background(), "Session", nil, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := disposed[id]
		mu.Unlock()
		if done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session did not expire")
}

func TestSelfLoopTimerReset(t *testing.T) {
	component := model.NewComponent("sessions").
		Machine("Session").
		Initial("open").
		State("open").
		Timeout("expire", "expired", 60).Done().
		On("keepalive", "open").Done().
		Done().
		State("expired").Final().Done().
		Done().
		MustBuild()

	wheel := timerwheel.New(timerwheel.Config{Tick: 5 * time.Millisecond, Slots: 64})
	defer wheel.Stop()
	r := newTestRuntime(t, component, WithTimerWheel(wheel))

	id, _ := r.CreateInstanceSync(context.Background(), "Session", nil, nil)

	// Keepalives faster than the timeout keep the session open.
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		mustSend(t, r, id, &model.Event{Type: "keepalive"})
	}
	if got := stateOf(t, r, id); got != "open" {
		t.Fatalf("session expired despite keepalives, state = %q", got)
	}
}

func TestSelfLoopNoResetKeepsDeadline(t *testing.T) {
	component := model.NewComponent("sessions").
		Machine("Session").
		Initial("open").
		State("open").
		Timeout("expire", "expired", 80).NoReset().Done().
		On("tick", "open").Done().
		Done().
		State("expired").Final().Done().
		Done().
		MustBuild()

	wheel := timerwheel.New(timerwheel.Config{Tick: 5 * time.Millisecond, Slots: 64})
	defer wheel.Stop()
	r := newTestRuntime(t, component, WithTimerWheel(wheel))

	id, _ := r.CreateInstanceSync(context.Background(), "Session", nil, nil)

	// Ticks do not rearm the timeout; the original deadline holds.
	for i := 0; i < 6; i++ {
		time.Sleep(30 * time.Millisecond)
		r.SendEvent(id, &model.Event{Type: "tick"}).Await(context.Background())
	}
	if r.HasInstance(id) {
		t.Fatalf("session should have expired on the original deadline")
	}
}

func TestInternalTransitionSkipsHooks(t *testing.T) {
	component := model.NewComponent("counters").
		Machine("Counter").
		Initial("counting").
		State("counting").
		OnEntry("onEnter").
		OnExit("onExit").
		On("bump", "counting").Internal().Hook("bump").Done().
		Done().
		Done().
		MustBuild()

	r := newTestRuntime(t, component)
	var entries, exits, bumps int
	r.RegisterHook("onEnter", func(_ context.Context, _ *model.FSMInstance, _ *model.Event, _ Sender) error {
		entries++
		return nil
	})
	r.RegisterHook("onExit", func(_ context.Context, _ *model.FSMInstance, _ *model.Event, _ Sender) error {
		exits++
		return nil
	})
	r.RegisterHook("bump", func(_ context.Context, inst *model.FSMInstance, _ *model.Event, _ Sender) error {
		n, _ := inst.Context["n"].(float64)
		inst.Context["n"] = n + 1
		bumps++
		return nil
	})

	id, _ := r.CreateInstanceSync(context.Background(), "Counter", nil, nil)
	mustSend(t, r, id, &model.Event{Type: "bump"})
	mustSend(t, r, id, &model.Event{Type: "bump"})

	if entries != 1 {
		t.Errorf("entry hook ran %d times, want 1 (creation only)", entries)
	}
	if exits != 0 {
		t.Errorf("exit hook ran %d times, want 0", exits)
	}
	if bumps != 2 {
		t.Errorf("triggered hook ran %d times, want 2", bumps)
	}
	inst, _ := r.GetInstance(id)
	if inst.Context["n"] != float64(2) {
		t.Errorf("n = %v, want 2", inst.Context["n"])
	}
}

func TestDeferredSendsRunAfterTransition(t *testing.T) {
	component := model.NewComponent("chains").
		Machine("Chain").
		Initial("a").
		State("a").On("go", "b").Hook("kick").Done().Done().
		State("b").On("next", "c").Done().Done().
		State("c").Final().Done().
		Done().
		MustBuild()

	r := newTestRuntime(t, component)
	r.RegisterHook("kick", func(_ context.Context, inst *model.FSMInstance, _ *model.Event, s Sender) error {
		// Queued, not delivered inline: the instance is still mid-transition.
		s.SendToSelf(&model.Event{Type: "next"})
		if inst.CurrentState != "a" {
			return fmt.Errorf("hook observed state %q", inst.CurrentState)
		}
		return nil
	})

	var mu sync.Mutex
	var order []string
	r.Subscribe(func(n Notification) {
		if n.Type == NotifyStateChange {
			d := n.Data.(StateChangeData)
			mu.Lock()
			order = append(order, d.PreviousState+">"+d.NewState)
			mu.Unlock()
		}
	})

	id, _ := r.CreateInstanceSync(context.Background(), "Chain", nil, nil)
	mustSend(t, r, id, &model.Event{Type: "go"})

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "a>b" || order[1] != "b>c" {
		t.Fatalf("state change order = %v, want [a>b b>c]", order)
	}
}

func TestAutoTransition(t *testing.T) {
	component := model.NewComponent("pipelines").
		Machine("Pipeline").
		Initial("loading").
		State("loading").On("loaded", "validating").Hook("store").Done().Done().
		State("validating").
		On("", "ready").Kind(model.TransitionAuto).
		GuardCompare(model.GuardSourceContext, "records", model.OpGreater, float64(0)).Done().
		On("", "empty").Kind(model.TransitionAuto).Done().
		Done().
		State("ready").Final().Done().
		State("empty").Final().Done().
		Done().
		MustBuild()

	r := newTestRuntime(t, component)
	r.RegisterHook("store", func(_ context.Context, inst *model.FSMInstance, event *model.Event, _ Sender) error {
		inst.Context["records"] = event.Payload["records"]
		return nil
	})

	var mu sync.Mutex
	finals := make(map[string]string)
	r.Subscribe(func(n Notification) {
		if n.Type == NotifyInstanceDisposed {
			inst := n.Data.(InstanceData).Instance
			mu.Lock()
			finals[inst.ID] = inst.CurrentState
			mu.Unlock()
		}
	})

	full, _ := r.CreateInstanceSync(context.Background(), "Pipeline", nil, nil)
	mustSend(t, r, full, &model.Event{Type: "loaded", Payload: map[string]interface{}{"records": float64(12)}})

	none, _ := r.CreateInstanceSync(context.Background(), "Pipeline", nil, nil)
	mustSend(t, r, none, &model.Event{Type: "loaded", Payload: map[string]interface{}{"records": float64(0)}})

	mu.Lock()
	defer mu.Unlock()
	if finals[full] != "ready" {
		t.Errorf("full pipeline ended in %q, want ready", finals[full])
	}
	if finals[none] != "empty" {
		t.Errorf("empty pipeline ended in %q, want empty", finals[none])
	}
}

func TestHookFailureFreezesInstance(t *testing.T) {
	component := model.NewComponent("jobs").
		Machine("Job").
		Initial("queued").
		State("queued").On("run", "running").Hook("boom").Done().Done().
		State("running").Done().
		Done().
		MustBuild()

	r := newTestRuntime(t, component)
	r.RegisterHook("boom", func(_ context.Context, _ *model.FSMInstance, _ *model.Event, _ Sender) error {
		return errors.New("downstream unavailable")
	})

	var errNotified bool
	r.Subscribe(func(n Notification) {
		if n.Type == NotifyInstanceError {
			errNotified = true
		}
	})

	id, _ := r.CreateInstanceSync(context.Background(), "Job", nil, nil)
	err := r.SendEvent(id, &model.Event{Type: "run"}).Await(context.Background())
	if !IsCode(err, ErrorCodeHookFailed) {
		t.Fatalf("err = %v, want HOOK_FAILED", err)
	}

	inst, getErr := r.GetInstance(id)
	if getErr != nil {
		t.Fatalf("GetInstance: %v", getErr)
	}
	if inst.Status != model.StatusError {
		t.Errorf("status = %q, want error", inst.Status)
	}
	if inst.CurrentState != "queued" {
		t.Errorf("state = %q, want queued (hook failed before assignment)", inst.CurrentState)
	}
	if !errNotified {
		t.Errorf("no instance_error notification emitted")
	}

	// Frozen instances reject further events.
	err = r.SendEvent(id, &model.Event{Type: "run"}).Await(context.Background())
	if !IsCode(err, ErrorCodeInvalidState) {
		t.Fatalf("err on frozen instance = %v, want INVALID_STATE", err)
	}
	if got := stateOf(t, r, id); got != "queued" {
		t.Errorf("frozen instance moved to %q", got)
	}
}

func TestCreationEntryHookFailureFreezes(t *testing.T) {
	component := model.NewComponent("jobs").
		Machine("Job").
		Initial("queued").
		State("queued").OnEntry("prime").On("run", "running").Done().Done().
		State("running").Done().
		Done().
		MustBuild()

	r := newTestRuntime(t, component)
	r.RegisterHook("prime", func(_ context.Context, _ *model.FSMInstance, _ *model.Event, _ Sender) error {
		return errors.New("warmup failed")
	})

	id, err := r.CreateInstanceSync(context.Background(), "Job", nil, nil)
	if err != nil {
		t.Fatalf("CreateInstanceSync: %v", err)
	}

	// The instance exists but is frozen: entry hook failure at creation
	// leaves it resident in error status.
	inst, getErr := r.GetInstance(id)
	if getErr != nil {
		t.Fatalf("GetInstance: %v", getErr)
	}
	if inst.Status != model.StatusError {
		t.Errorf("status = %q, want error", inst.Status)
	}
	if inst.CurrentState != "queued" {
		t.Errorf("state = %q, want queued", inst.CurrentState)
	}

	err = r.SendEvent(id, &model.Event{Type: "run"}).Await(context.Background())
	if !IsCode(err, ErrorCodeInvalidState) {
		t.Fatalf("err = %v, want INVALID_STATE", err)
	}
}

type failingPersistence struct {
	mu       sync.Mutex
	failNext bool
	events   []*model.PersistedEvent
}

func (p *failingPersistence) RecordCreation(_ context.Context, event *model.PersistedEvent, _ *model.FSMInstance) error {
	return p.record(event)
}

func (p *failingPersistence) RecordTransition(_ context.Context, event *model.PersistedEvent, _ *model.FSMInstance, _ bool) error {
	return p.record(event)
}

func (p *failingPersistence) RecordSnapshot(_ context.Context, _ *model.FSMInstance) error {
	return nil
}

func (p *failingPersistence) record(event *model.PersistedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return errors.New("store unavailable")
	}
	p.events = append(p.events, event)
	return nil
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	store := &failingPersistence{}
	r := newTestRuntime(t, orderComponent(), WithPersistence(store))
	registerOrderHooks(r)

	id, _ := r.CreateInstanceSync(context.Background(), "Order", nil, nil)
	mustSend(t, r, id, &model.Event{Type: "submit", Payload: map[string]interface{}{"orderId": "ord-2", "qty": float64(500)}})

	store.mu.Lock()
	store.failNext = true
	store.mu.Unlock()

	err := r.SendEvent(id, &model.Event{Type: "fill", Payload: map[string]interface{}{"qty": float64(100)}}).Await(context.Background())
	if !IsCode(err, ErrorCodePersistenceFailed) {
		t.Fatalf("err = %v, want PERSISTENCE_FAILED", err)
	}

	inst, _ := r.GetInstance(id)
	if inst.CurrentState != "submitted" {
		t.Errorf("state = %q, want submitted (rolled back)", inst.CurrentState)
	}
	if inst.Context["executedQty"] != float64(0) {
		t.Errorf("executedQty = %v, want 0 (context rolled back)", inst.Context["executedQty"])
	}

	// The instance stays live: the same event succeeds on retry.
	mustSend(t, r, id, &model.Event{Type: "fill", Payload: map[string]interface{}{"qty": float64(100)}})
	inst, _ = r.GetInstance(id)
	if inst.CurrentState != "partially_filled" || inst.Context["executedQty"] != float64(100) {
		t.Errorf("retry did not apply: state=%q context=%v", inst.CurrentState, inst.Context)
	}
}

func TestPersistedEventsCarryContext(t *testing.T) {
	store := &failingPersistence{}
	r := newTestRuntime(t, orderComponent(), WithPersistence(store))
	registerOrderHooks(r)

	id, _ := r.CreateInstanceSync(context.Background(), "Order", nil, nil)
	mustSend(t, r, id, &model.Event{Type: "submit", Payload: map[string]interface{}{"orderId": "ord-3", "qty": float64(1000)}})
	mustSend(t, r, id, &model.Event{Type: "fill", Payload: map[string]interface{}{"qty": float64(300)}})

	store.mu.Lock()
	defer store.mu.Unlock()
	last := store.events[len(store.events)-1]
	if last.StateBefore != "submitted" || last.StateAfter != "partially_filled" {
		t.Fatalf("last event %s -> %s", last.StateBefore, last.StateAfter)
	}
	if last.ContextAfter["executedQty"] != float64(300) {
		t.Fatalf("ContextAfter.executedQty = %v, want 300", last.ContextAfter["executedQty"])
	}
}

func TestEntryPointSurvivesTerminalState(t *testing.T) {
	component := model.NewComponent("controllers").
		EntryMachine("Controller").
		Machine("Controller").
		Initial("running").
		State("running").On("shutdown", "stopped").Done().Done().
		State("stopped").Final().Done().
		Done().
		MustBuild()

	r := newTestRuntime(t, component)

	instances := r.ListInstances("Controller", "")
	if len(instances) != 1 {
		t.Fatalf("entry instances = %d, want 1", len(instances))
	}
	id := instances[0].ID
	if !instances[0].IsEntryPoint {
		t.Fatalf("entry instance not flagged")
	}

	mustSend(t, r, id, &model.Event{Type: "shutdown"})
	inst, err := r.GetInstance(id)
	if err != nil {
		t.Fatalf("entry point was disposed: %v", err)
	}
	if inst.Status != model.StatusCompleted || inst.CurrentState != "stopped" {
		t.Fatalf("entry point status=%q state=%q", inst.Status, inst.CurrentState)
	}
}

func TestInterMachineSpawn(t *testing.T) {
	component := model.NewComponent("trading").
		Machine("Order").
		Initial("pending").
		State("pending").
		On("route", "routed").
		Kind(model.TransitionInterMachine).
		Target("", "Execution").
		MapContext(map[string]string{"orderId": "orderId", "venue": "{{venue}}"}).Done().
		Done().
		State("routed").Done().
		Done().
		Machine("Execution").
		Initial("working").
		State("working").Done().
		Done().
		MustBuild()

	r := newTestRuntime(t, component)
	id, _ := r.CreateInstanceSync(context.Background(), "Order",
		map[string]interface{}{"orderId": "ord-9", "venue": "XNAS"}, nil)
	mustSend(t, r, id, &model.Event{Type: "route"})

	execs := r.ListInstances("Execution", "")
	if len(execs) != 1 {
		t.Fatalf("execution instances = %d, want 1", len(execs))
	}
	child := execs[0]
	if child.Context["orderId"] != "ord-9" || child.Context["venue"] != "XNAS" {
		t.Errorf("child context = %v", child.Context)
	}
	if child.ParentInstanceID != id || child.ParentMachine != "Order" {
		t.Errorf("child parent ref = %s/%s", child.ParentInstanceID, child.ParentMachine)
	}
}

func TestParentNotification(t *testing.T) {
	component := model.NewComponent("trading").
		Machine("Order").
		Initial("working").
		State("working").
		On("child_update", "working").Internal().Hook("noteChild").Done().
		Done().
		Done().
		Machine("Execution").
		Initial("working").
		NotifyParentOnStateChange("child_update").
		State("working").On("fill", "done").Done().Done().
		State("done").Final().Done().
		Done().
		MustBuild()

	r := newTestRuntime(t, component)
	var mu sync.Mutex
	var childStates []string
	r.RegisterHook("noteChild", func(_ context.Context, _ *model.FSMInstance, event *model.Event, _ Sender) error {
		mu.Lock()
		childStates = append(childStates, event.Payload["childState"].(string))
		mu.Unlock()
		return nil
	})

	parentID, _ := r.CreateInstanceSync(context.Background(), "Order", nil, nil)
	childID, _ := r.CreateInstanceSync(context.Background(), "Execution", nil,
		&ParentRef{InstanceID: parentID, Machine: "Order", Component: "trading"})

	mustSend(t, r, childID, &model.Event{Type: "fill"})

	mu.Lock()
	defer mu.Unlock()
	if len(childStates) != 1 || childStates[0] != "done" {
		t.Fatalf("parent saw child states %v, want [done]", childStates)
	}
}

func TestCascadingRules(t *testing.T) {
	component := model.NewComponent("market").
		Machine("Instrument").
		Initial("trading").
		State("trading").On("halt", "halted").Done().Done().
		State("halted").
		Cascade(&model.CascadingRule{
			TargetMachine: "Order",
			TargetState:   "working",
			Event:         "instrument_halted",
			Payload:       map[string]interface{}{"symbol": "{{symbol}}"},
		}).
		Done().
		Done().
		Machine("Order").
		Initial("working").
		State("working").
		On("instrument_halted", "suspended").Match("symbol", "symbol").Done().
		Done().
		State("suspended").Done().
		Done().
		MustBuild()

	r := newTestRuntime(t, component)

	inst, _ := r.CreateInstanceSync(context.Background(), "Instrument", map[string]interface{}{"symbol": "AAPL"}, nil)
	matching, _ := r.CreateInstanceSync(context.Background(), "Order", map[string]interface{}{"symbol": "AAPL"}, nil)
	other, _ := r.CreateInstanceSync(context.Background(), "Order", map[string]interface{}{"symbol": "MSFT"}, nil)

	mustSend(t, r, inst, &model.Event{Type: "halt"})

	if got := stateOf(t, r, matching); got != "suspended" {
		t.Errorf("AAPL order state = %q, want suspended", got)
	}
	if got := stateOf(t, r, other); got != "working" {
		t.Errorf("MSFT order state = %q, want working", got)
	}
}

func TestRestoreAndResync(t *testing.T) {
	wheel := timerwheel.New(timerwheel.Config{Tick: 5 * time.Millisecond, Slots: 64})
	defer wheel.Stop()

	component := model.NewComponent("sessions").
		Machine("Session").
		Initial("open").
		State("open").
		Timeout("expire", "expired", 50).Done().
		Done().
		State("expired").Final().Done().
		Done().
		MustBuild()

	r := newTestRuntime(t, component, WithTimerWheel(wheel))

	now := time.Now()
	stale := &model.FSMInstance{
		ID: "stale", ComponentName: "sessions", MachineName: "Session",
		CurrentState: "open", Context: map[string]interface{}{},
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
		Status: model.StatusActive,
	}
	fresh := &model.FSMInstance{
		ID: "fresh", ComponentName: "sessions", MachineName: "Session",
		CurrentState: "open", Context: map[string]interface{}{},
		CreatedAt: now, UpdatedAt: now,
		Status: model.StatusActive,
	}
	if err := r.InstallRestoredInstance(stale); err != nil {
		t.Fatalf("InstallRestoredInstance: %v", err)
	}
	if err := r.InstallRestoredInstance(fresh); err != nil {
		t.Fatalf("InstallRestoredInstance: %v", err)
	}

	synced, expired := r.ResyncTimeouts(now)
	if synced != 1 || expired != 1 {
		t.Fatalf("ResyncTimeouts = (%d, %d), want (1, 1)", synced, expired)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !r.HasInstance("stale") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if r.HasInstance("stale") {
		t.Fatalf("stale session not expired after resync")
	}
}

func TestApplyRestoredEventReplaysContext(t *testing.T) {
	r := newTestRuntime(t, orderComponent())

	inst := &model.FSMInstance{
		ID: "replay-1", ComponentName: "order-processing", MachineName: "Order",
		CurrentState: "pending", Context: map[string]interface{}{},
		Status: model.StatusActive,
	}
	if err := r.InstallRestoredInstance(inst); err != nil {
		t.Fatalf("InstallRestoredInstance: %v", err)
	}

	r.ApplyRestoredEvent(inst, &model.PersistedEvent{
		StateBefore: "pending", StateAfter: "submitted",
		ContextAfter: map[string]interface{}{"remainingQty": float64(1000), "executedQty": float64(0)},
		Timestamp:    time.Now(),
	})
	r.ApplyRestoredEvent(inst, &model.PersistedEvent{
		StateBefore: "submitted", StateAfter: "partially_filled",
		ContextAfter: map[string]interface{}{"remainingQty": float64(300), "executedQty": float64(700)},
		Timestamp:    time.Now(),
	})

	got, _ := r.GetInstance("replay-1")
	if got.CurrentState != "partially_filled" {
		t.Errorf("state = %q, want partially_filled", got.CurrentState)
	}
	if got.Context["executedQty"] != float64(700) {
		t.Errorf("executedQty = %v, want 700", got.Context["executedQty"])
	}
	if got.Status != model.StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
}

func TestDisambiguation(t *testing.T) {
	component := model.NewComponent("routing").
		Machine("Router").
		Initial("idle").
		State("idle").
		On("packet", "fast").Disambiguate("isUrgent").Done().
		On("packet", "slow").Done().
		Done().
		State("fast").Done().
		State("slow").Done().
		Done().
		MustBuild()

	r := newTestRuntime(t, component)
	r.RegisterExpression("isUrgent", func(_ map[string]interface{}, event *model.Event, _ map[string]interface{}) bool {
		urgent, _ := event.Payload["urgent"].(bool)
		return urgent
	})

	a, _ := r.CreateInstanceSync(context.Background(), "Router", nil, nil)
	mustSend(t, r, a, &model.Event{Type: "packet", Payload: map[string]interface{}{"urgent": true}})
	if got := stateOf(t, r, a); got != "fast" {
		t.Errorf("urgent packet routed to %q, want fast", got)
	}

	b, _ := r.CreateInstanceSync(context.Background(), "Router", nil, nil)
	mustSend(t, r, b, &model.Event{Type: "packet", Payload: map[string]interface{}{"urgent": false}})
	if got := stateOf(t, r, b); got != "slow" {
		t.Errorf("routine packet routed to %q, want slow", got)
	}
}

// Run with -race: readers clone instances while the dispatch goroutine
// commits context mutations.
func TestConcurrentReadsDuringTransitions(t *testing.T) {
	component := model.NewComponent("counters").
		Machine("Counter").
		Initial("counting").
		State("counting").
		On("bump", "counting").Internal().Hook("bump").Done().
		Done().
		Done().
		MustBuild()

	r := newTestRuntime(t, component)
	r.RegisterHook("bump", func(_ context.Context, inst *model.FSMInstance, _ *model.Event, _ Sender) error {
		n, _ := inst.Context["n"].(float64)
		inst.Context["n"] = n + 1
		inst.Context["nested"] = map[string]interface{}{"n": n + 1}
		return nil
	})

	id, _ := r.CreateInstanceSync(context.Background(), "Counter", nil, nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if inst, err := r.GetInstance(id); err == nil {
				_ = inst.Context["n"]
			}
			for _, inst := range r.ListInstances("Counter", "counting") {
				_ = inst.Context["nested"]
			}
			r.GetAvailableTransitions(id)
		}
	}()

	for i := 0; i < 200; i++ {
		mustSend(t, r, id, &model.Event{Type: "bump"})
	}
	close(stop)
	wg.Wait()

	inst, _ := r.GetInstance(id)
	if inst.Context["n"] != float64(200) {
		t.Fatalf("n = %v, want 200", inst.Context["n"])
	}
}

func TestDerivedEventRoutesToMatchedTargets(t *testing.T) {
	component := model.NewComponent("risk").
		Machine("Monitor").
		Initial("monitoring").
		State("monitoring").
		On("breach", "alerted").
		Kind(model.TransitionInterMachine).
		Target("", "Order").
		TargetEvent("risk_halt").
		MapContext(map[string]string{"symbol": "{{symbol}}"}).
		Match("symbol", "symbol").Done().
		Done().
		State("alerted").Done().
		Done().
		Machine("Order").
		Initial("working").
		State("working").
		On("risk_halt", "suspended").Match("symbol", "symbol").Done().
		Done().
		State("suspended").Done().
		Done().
		MustBuild()

	r := newTestRuntime(t, component)

	monitor, _ := r.CreateInstanceSync(context.Background(), "Monitor", map[string]interface{}{"symbol": "AAPL"}, nil)
	matching, _ := r.CreateInstanceSync(context.Background(), "Order", map[string]interface{}{"symbol": "AAPL"}, nil)
	other, _ := r.CreateInstanceSync(context.Background(), "Order", map[string]interface{}{"symbol": "MSFT"}, nil)

	// The trigger carries no symbol; the rules match the derived event
	// against each target instance, not the trigger against the source.
	mustSend(t, r, monitor, &model.Event{Type: "breach"})

	if got := stateOf(t, r, monitor); got != "alerted" {
		t.Fatalf("monitor state = %q, want alerted", got)
	}
	if got := stateOf(t, r, matching); got != "suspended" {
		t.Errorf("AAPL order state = %q, want suspended", got)
	}
	if got := stateOf(t, r, other); got != "working" {
		t.Errorf("MSFT order state = %q, want working", got)
	}
}
