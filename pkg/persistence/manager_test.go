package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/fluxorio/machina/pkg/core"
	"github.com/fluxorio/machina/pkg/eventstore"
	"github.com/fluxorio/machina/pkg/model"
	"github.com/fluxorio/machina/pkg/runtime"
	"github.com/fluxorio/machina/pkg/timerwheel"
)

func orderComponent() *model.Component {
	return model.NewComponent("order-processing").
		Machine("Order").
		Initial("pending").
		State("pending").
		On("submit", "submitted").Hook("recordOrder").Done().
		Done().
		State("submitted").
		On("fill", "partially_filled").
		GuardCompare(model.GuardSourceEvent, "qty", model.OpLess, "{{remainingQty}}").
		Hook("applyFill").Done().
		On("fill", "filled").Hook("applyFill").Done().
		Done().
		State("partially_filled").
		On("fill", "partially_filled").
		GuardCompare(model.GuardSourceEvent, "qty", model.OpLess, "{{remainingQty}}").
		Hook("applyFill").Done().
		On("fill", "filled").Hook("applyFill").Done().
		Done().
		State("filled").Final().Done().
		Done().
		MustBuild()
}

func registerOrderHooks(rt *runtime.Runtime) {
	rt.RegisterHook("recordOrder", func(_ context.Context, inst *model.FSMInstance, event *model.Event, _ runtime.Sender) error {
		qty, _ := event.Payload["qty"].(float64)
		inst.Context["remainingQty"] = qty
		inst.Context["executedQty"] = float64(0)
		return nil
	})
	rt.RegisterHook("applyFill", func(_ context.Context, inst *model.FSMInstance, event *model.Event, _ runtime.Sender) error {
		qty, _ := event.Payload["qty"].(float64)
		remaining, _ := inst.Context["remainingQty"].(float64)
		executed, _ := inst.Context["executedQty"].(float64)
		inst.Context["remainingQty"] = remaining - qty
		inst.Context["executedQty"] = executed + qty
		return nil
	})
}

func startRuntime(t *testing.T, component *model.Component, opts ...runtime.Option) *runtime.Runtime {
	t.Helper()
	opts = append([]runtime.Option{runtime.WithLogger(core.NopLogger{})}, opts...)
	rt, err := runtime.New(component, opts...)
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(rt.Stop)
	return rt
}

func TestRestoreRebuildsInstanceFromLog(t *testing.T) {
	store := eventstore.NewMemoryStore()
	ctx := context.Background()

	// First life: order progresses to a partial fill, then the process dies.
	mgr := NewManager(store, WithLogger(core.NopLogger{}))
	rt := startRuntime(t, orderComponent(), runtime.WithPersistence(mgr))
	registerOrderHooks(rt)

	id, err := rt.CreateInstanceSync(ctx, "Order", map[string]interface{}{"orderId": "ord-1"}, nil)
	if err != nil {
		t.Fatalf("CreateInstanceSync: %v", err)
	}
	send := func(event *model.Event) {
		t.Helper()
		if err := rt.SendEvent(id, event).Await(ctx); err != nil {
			t.Fatalf("SendEvent: %v", err)
		}
	}
	send(&model.Event{Type: "submit", Payload: map[string]interface{}{"qty": float64(1000)}})
	send(&model.Event{Type: "fill", Payload: map[string]interface{}{"qty": float64(300)}})
	send(&model.Event{Type: "fill", Payload: map[string]interface{}{"qty": float64(400)}})
	rt.Stop()

	// Second life: fresh runtime, no hooks registered. Replay must not need
	// them.
	mgr2 := NewManager(store, WithLogger(core.NopLogger{}))
	rt2 := startRuntime(t, orderComponent(), runtime.WithPersistence(mgr2))

	result, err := mgr2.Restore(ctx, rt2)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.Restored != 1 {
		t.Fatalf("Restored = %d, want 1", result.Restored)
	}

	inst, err := rt2.GetInstance(id)
	if err != nil {
		t.Fatalf("GetInstance after restore: %v", err)
	}
	if inst.CurrentState != "partially_filled" {
		t.Errorf("state = %q, want partially_filled", inst.CurrentState)
	}
	if inst.Context["executedQty"] != float64(700) {
		t.Errorf("executedQty = %v, want 700", inst.Context["executedQty"])
	}
	if inst.Context["remainingQty"] != float64(300) {
		t.Errorf("remainingQty = %v, want 300", inst.Context["remainingQty"])
	}
	if inst.Status != model.StatusActive {
		t.Errorf("status = %q, want active", inst.Status)
	}
}

func TestRestoreSkipsCompletedInstances(t *testing.T) {
	store := eventstore.NewMemoryStore()
	ctx := context.Background()

	mgr := NewManager(store, WithLogger(core.NopLogger{}))
	rt := startRuntime(t, orderComponent(), runtime.WithPersistence(mgr))
	registerOrderHooks(rt)

	id, _ := rt.CreateInstanceSync(ctx, "Order", nil, nil)
	rt.SendEvent(id, &model.Event{Type: "submit", Payload: map[string]interface{}{"qty": float64(100)}}).Await(ctx)
	rt.SendEvent(id, &model.Event{Type: "fill", Payload: map[string]interface{}{"qty": float64(100)}}).Await(ctx)
	rt.Stop()

	mgr2 := NewManager(store, WithLogger(core.NopLogger{}))
	rt2 := startRuntime(t, orderComponent(), runtime.WithPersistence(mgr2))
	result, err := mgr2.Restore(ctx, rt2)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.Restored != 0 || result.Skipped != 1 {
		t.Fatalf("result = %+v, want 0 restored / 1 skipped", result)
	}
	if rt2.HasInstance(id) {
		t.Fatalf("completed instance resurrected")
	}
}

func TestRestoreResyncsTimers(t *testing.T) {
	store := eventstore.NewMemoryStore()
	ctx := context.Background()

	component := model.NewComponent("sessions").
		Machine("Session").
		Initial("open").
		State("open").Timeout("expire", "expired", 60_000).Done().Done().
		State("expired").Final().Done().
		Done().
		MustBuild()

	mgr := NewManager(store, WithLogger(core.NopLogger{}))
	rt := startRuntime(t, component, runtime.WithPersistence(mgr))
	if _, err := rt.CreateInstanceSync(ctx, "Session", nil, nil); err != nil {
		t.Fatalf("CreateInstanceSync: %v", err)
	}
	rt.Stop()

	wheel := timerwheel.New(timerwheel.Config{Tick: 10 * time.Millisecond, Slots: 64})
	defer wheel.Stop()
	mgr2 := NewManager(store, WithLogger(core.NopLogger{}))
	rt2 := startRuntime(t, component, runtime.WithPersistence(mgr2), runtime.WithTimerWheel(wheel))

	result, err := mgr2.Restore(ctx, rt2)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.TimersSynced != 1 || result.TimersExpired != 0 {
		t.Fatalf("timers = %d synced / %d expired, want 1 / 0", result.TimersSynced, result.TimersExpired)
	}
}

func TestSnapshotCadence(t *testing.T) {
	store := eventstore.NewMemoryStore()
	ctx := context.Background()

	component := model.NewComponent("counters").
		Machine("Counter").
		Initial("counting").
		State("counting").On("bump", "counting").Done().Done().
		Done().
		MustBuild()

	mgr := NewManager(store, WithLogger(core.NopLogger{}), WithSnapshotInterval(3))
	rt := startRuntime(t, component, runtime.WithPersistence(mgr))

	id, _ := rt.CreateInstanceSync(ctx, "Counter", nil, nil)
	for i := 0; i < 4; i++ {
		if err := rt.SendEvent(id, &model.Event{Type: "bump"}).Await(ctx); err != nil {
			t.Fatalf("SendEvent: %v", err)
		}
	}

	snap, err := store.Snapshot(ctx, id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	// Base snapshot at creation, refreshed at the third transition.
	if snap.TransitionCount != 3 {
		t.Fatalf("snapshot TransitionCount = %d, want 3", snap.TransitionCount)
	}
	events, _ := store.EventsForInstance(ctx, id)
	if len(events) != 5 {
		t.Fatalf("event count = %d, want 5 (creation + 4 bumps)", len(events))
	}
}
