package runtime

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/machina/pkg/model"
	"github.com/fluxorio/machina/pkg/timerwheel"
)

// deliver routes one event to one instance. Runs on the dispatch goroutine.
// Unknown event types and guard rejections are silent no-ops.
func (r *Runtime) deliver(instanceID string, event *model.Event, causationID string) error {
	_, err := r.deliverTo(instanceID, event, causationID, nil)
	return err
}

func (r *Runtime) deliverTo(instanceID string, event *model.Event, causationID string, externalRules []model.MatchingRule) (bool, error) {
	r.mu.RLock()
	inst, ok := r.instances[instanceID]
	r.mu.RUnlock()
	if !ok {
		return false, newError(ErrorCodeUnknownInstance, instanceID, fmt.Sprintf("no instance %s in component %s", instanceID, r.component.Name))
	}
	if inst.Status != model.StatusActive {
		return false, newError(ErrorCodeInvalidState, instanceID, fmt.Sprintf("instance is %s, not active", inst.Status))
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	machine, _ := r.component.Machine(inst.MachineName)
	state, ok := machine.State(inst.CurrentState)
	if !ok {
		return false, newError(ErrorCodeInvalidState, instanceID, fmt.Sprintf("instance in undeclared state %q", inst.CurrentState))
	}

	if len(externalRules) > 0 && !r.rulesPass(externalRules, inst, event) {
		return false, nil
	}

	t := r.selectTransition(state, inst, event)
	if t == nil {
		r.mu.Lock()
		r.stats.IgnoredEvents++
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.EventsIgnoredTotal.WithLabelValues(r.component.Name, inst.MachineName).Inc()
		}
		r.logger.Debugf("instance %s ignored event %q in state %q", instanceID, event.Type, inst.CurrentState)
		return false, nil
	}

	return true, r.execute(inst, machine, t, event, causationID)
}

// selectTransition walks the state's transitions in declaration order and
// returns the first whose event name, matching rules and guards all accept.
// When more than one candidate remains, a declared disambiguation expression
// decides; without one the first candidate wins.
func (r *Runtime) selectTransition(state *model.State, inst *model.FSMInstance, event *model.Event) *model.Transition {
	var candidates []*model.Transition
	for _, t := range state.Transitions {
		if t.EffectiveKind() == model.TransitionAuto {
			continue
		}
		if t.Event != event.Type {
			continue
		}
		if !r.sourceRulesPass(t, inst, event) {
			continue
		}
		if !r.guardsPass(t, inst, event) {
			continue
		}
		candidates = append(candidates, t)
	}

	switch len(candidates) {
	case 0:
		return nil
	case 1:
		return candidates[0]
	}
	for _, t := range candidates {
		if t.Disambiguation == "" {
			continue
		}
		expr, ok := r.expression(t.Disambiguation)
		if !ok {
			r.logger.Warnf("disambiguation expression %q not registered", t.Disambiguation)
			continue
		}
		if expr(inst.Context, event, inst.PublicMember) {
			return t
		}
	}
	for _, t := range candidates {
		if t.Disambiguation == "" {
			return t
		}
	}
	return candidates[0]
}

// sourceRulesPass gates transition selection on matching rules. Transitions
// that derive a target event carry rules addressed to the target instances,
// matched there against the derived event; they never gate the trigger.
func (r *Runtime) sourceRulesPass(t *model.Transition, inst *model.FSMInstance, event *model.Event) bool {
	kind := t.EffectiveKind()
	if (kind == model.TransitionInterMachine || kind == model.TransitionCrossComponent) && t.TargetEvent != "" {
		return true
	}
	return r.rulesPass(t.MatchingRules, inst, event)
}

// rulesPass evaluates matching rules: every rule must resolve on both sides
// and compare true. Unresolved paths never match.
func (r *Runtime) rulesPass(rules []model.MatchingRule, inst *model.FSMInstance, event *model.Event) bool {
	for _, rule := range rules {
		left, ok := model.ResolvePath(event.Payload, rule.EventPath)
		if !ok {
			return false
		}
		right, ok := model.ResolvePath(inst.Context, rule.InstancePath)
		if !ok {
			return false
		}
		match, err := model.Compare(rule.Op(), left, right)
		if err != nil || !match {
			return false
		}
	}
	return true
}

func (r *Runtime) guardsPass(t *model.Transition, inst *model.FSMInstance, event *model.Event) bool {
	for _, g := range t.Guards {
		if !r.guardPasses(g, inst, event) {
			return false
		}
	}
	return true
}

func (r *Runtime) guardPasses(g *model.Guard, inst *model.FSMInstance, event *model.Event) bool {
	switch g.Kind {
	case model.GuardRequiredKeys:
		for _, key := range g.RequiredKeys {
			if _, ok := model.ResolvePath(event.Payload, key); !ok {
				return false
			}
		}
		return true

	case model.GuardCompare:
		var left interface{}
		var ok bool
		if g.Source == model.GuardSourceContext {
			left, ok = model.ResolvePath(inst.Context, g.Path)
		} else {
			left, ok = model.ResolvePath(event.Payload, g.Path)
		}
		if !ok {
			return false
		}
		right := g.Value
		if s, isStr := right.(string); isStr {
			if path, isRef := model.IsTemplateRef(s); isRef {
				if right, ok = model.ResolvePath(inst.Context, path); !ok {
					return false
				}
			}
		}
		match, err := model.Compare(g.Operator, left, right)
		if err != nil {
			r.logger.Warnf("compare guard on %q: %v", g.Path, err)
			return false
		}
		return match

	case model.GuardExpression:
		expr, ok := r.expression(g.Expression)
		if !ok {
			r.logger.Warnf("guard expression %q not registered", g.Expression)
			return false
		}
		return expr(inst.Context, event, inst.PublicMember)
	}
	return false
}

// execute runs the full transition pipeline on the dispatch goroutine:
// exit hook, triggered hook, state assignment, entry hook, cascading rules,
// timer rearm, parent notification, inter-machine dispatch, persistence and
// finally lifecycle emission. Hooks run against a working copy of the
// instance; the shared copy is committed under the write lock only after the
// store accepted the transition, so readers never observe a half-applied
// transition and persistence failure needs no state rollback.
func (r *Runtime) execute(inst *model.FSMInstance, machine *model.StateMachine, t *model.Transition, event *model.Event, causationID string) error {
	var span trace.Span
	if r.tracer != nil {
		_, span = r.tracer.Start(r.baseCtx, "fsm.transition",
			trace.WithAttributes(
				attribute.String("fsm.component", r.component.Name),
				attribute.String("fsm.machine", inst.MachineName),
				attribute.String("fsm.instance_id", inst.ID),
				attribute.String("fsm.event", event.Type),
				attribute.String("fsm.from", t.From),
				attribute.String("fsm.to", t.To),
			))
		defer span.End()
	}

	kind := t.EffectiveKind()
	internal := kind == model.TransitionInternal
	selfLoop := t.IsSelfLoop()

	work := inst.Clone()
	oldState := work.CurrentState
	fromState, _ := machine.State(oldState)

	// Exit hook. Internal transitions never leave the state.
	if !internal && fromState != nil && fromState.ExitHook != "" {
		if err := r.runHook(fromState.ExitHook, work, event); err != nil {
			return r.failInstance(inst, work, event, fromState.ExitHook, err)
		}
	}

	if t.TriggeredHook != "" {
		if err := r.runHook(t.TriggeredHook, work, event); err != nil {
			return r.failInstance(inst, work, event, t.TriggeredHook, err)
		}
	}

	if !internal {
		work.CurrentState = t.To
	}
	work.UpdatedAt = time.Now()

	newState, _ := machine.State(work.CurrentState)

	// Entry hook and cascading rules fire only on genuine state entry:
	// internal transitions and self-loops re-enter nothing.
	if !internal && !selfLoop {
		if newState != nil && newState.EntryHook != "" {
			if err := r.runHook(newState.EntryHook, work, event); err != nil {
				return r.failInstance(inst, work, event, newState.EntryHook, err)
			}
		}
		if newState != nil {
			r.queueCascades(work, newState)
		}
	}

	// Timer discipline: a self-loop rearms each timeout per its own
	// resetOnTransition flag; everything else swaps to the current state's
	// full timeout set.
	if selfLoop {
		r.rearmSelfLoopTimers(work)
	} else {
		r.cancelInstanceTimers(work.ID)
		r.armStateTimers(work)
	}

	r.queueParentNotify(work, t, oldState)
	r.queueInterMachine(work, t, event)

	terminal := newState != nil && newState.EffectiveKind().IsTerminal()

	// Durability before visibility: no state_change leaves the runtime for a
	// transition the store has not accepted.
	persisted := r.persistedEvent(work, *event, oldState, work.CurrentState)
	persisted.CausationID = causationID
	if r.persist != nil {
		if err := r.persist.RecordTransition(r.baseCtx, persisted, work.Clone(), terminal); err != nil {
			r.cancelInstanceTimers(inst.ID)
			r.armStateTimers(inst)
			r.logger.Errorf("transition persistence for %s failed, rolled back to %q: %v", inst.ID, oldState, err)
			if r.metrics != nil {
				r.metrics.TransitionsTotal.WithLabelValues(r.component.Name, inst.MachineName, "persistence_failed").Inc()
			}
			r.notify(NotifyInstanceError, ErrorData{
				InstanceID:  inst.ID,
				MachineName: inst.MachineName,
				State:       oldState,
				Event:       event.Type,
				Error:       err.Error(),
			})
			return &RuntimeError{
				Code: ErrorCodePersistenceFailed, InstanceID: inst.ID, State: oldState,
				Event: event.Type, Message: "transition not persisted", Timestamp: time.Now(), Cause: err,
			}
		}
	}

	r.commit(inst, work)

	r.mu.Lock()
	r.stats.Transitions++
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.TransitionsTotal.WithLabelValues(r.component.Name, inst.MachineName, "ok").Inc()
	}

	r.notify(NotifyStateChange, StateChangeData{
		InstanceID:    inst.ID,
		MachineName:   inst.MachineName,
		PreviousState: oldState,
		NewState:      inst.CurrentState,
		Event:         *event,
		EventID:       persisted.ID,
		Timestamp:     persisted.Timestamp,
		Instance:      inst.Clone(),
	})

	if terminal {
		r.finishInstance(inst, newState)
		return nil
	}

	// Auto transitions out of the new state are re-evaluated after the
	// deferred queue settles, so hook-sent events observe the new state first.
	if !internal && r.hasAutoTransitions(newState) {
		id := inst.ID
		r.defer_(func() { r.evaluateAuto(id) })
	}
	return nil
}

// commit publishes the worked-on copy onto the shared instance. Every write
// to an indexed instance happens under the write lock; readers clone under
// the read lock.
func (r *Runtime) commit(inst, work *model.FSMInstance) {
	r.mu.Lock()
	oldState := inst.CurrentState
	inst.CurrentState = work.CurrentState
	inst.Context = work.Context
	inst.UpdatedAt = work.UpdatedAt
	inst.Status = work.Status
	if oldState != inst.CurrentState {
		delete(r.byMachineState[stateKey(inst.MachineName, oldState)], inst.ID)
		key := stateKey(inst.MachineName, inst.CurrentState)
		if r.byMachineState[key] == nil {
			r.byMachineState[key] = make(map[string]*model.FSMInstance)
		}
		r.byMachineState[key][inst.ID] = inst
	}
	r.mu.Unlock()
}

// failInstance handles a hook failure: the instance freezes in the working
// copy's state with error status, timers stop, and the failure is persisted
// with the error sentinel so replay reproduces the frozen status.
func (r *Runtime) failInstance(inst, work *model.FSMInstance, event *model.Event, hookName string, hookErr error) error {
	r.logger.Errorf("hook %q on instance %s failed: %v", hookName, inst.ID, hookErr)
	r.mu.Lock()
	r.stats.HookFailures++
	r.mu.Unlock()

	r.setStatus(work, model.StatusError)
	work.UpdatedAt = time.Now()
	if work != inst {
		r.commit(inst, work)
	}
	r.cancelInstanceTimers(inst.ID)

	if r.persist != nil {
		persisted := r.persistedEvent(inst, *event, inst.CurrentState, ErrorStateSentinel)
		if err := r.persist.RecordTransition(r.baseCtx, persisted, inst.Clone(), true); err != nil {
			r.logger.Errorf("error-state persistence for %s failed: %v", inst.ID, err)
		}
	}
	if r.metrics != nil {
		r.metrics.TransitionsTotal.WithLabelValues(r.component.Name, inst.MachineName, "hook_failed").Inc()
	}
	r.notify(NotifyInstanceError, ErrorData{
		InstanceID:  inst.ID,
		MachineName: inst.MachineName,
		State:       inst.CurrentState,
		Event:       event.Type,
		Error:       hookErr.Error(),
	})
	return &RuntimeError{
		Code: ErrorCodeHookFailed, InstanceID: inst.ID, State: inst.CurrentState,
		Event: event.Type, Message: fmt.Sprintf("hook %q failed", hookName),
		Timestamp: time.Now(), Cause: hookErr,
	}
}

// finishInstance applies terminal-state bookkeeping. Entry points stay
// resident; everything else is deallocated.
func (r *Runtime) finishInstance(inst *model.FSMInstance, state *model.State) {
	if state.EffectiveKind() == model.StateError {
		r.setStatus(inst, model.StatusError)
	} else {
		r.setStatus(inst, model.StatusCompleted)
	}
	r.cancelInstanceTimers(inst.ID)

	if inst.IsEntryPoint {
		return
	}
	r.unindexInstance(inst)
	r.notify(NotifyInstanceDisposed, InstanceData{Instance: inst.Clone()})
}

// setStatus transitions lifecycle status, keeping the active gauge in step.
// The write happens under the lock: the instance may be indexed and visible
// to readers.
func (r *Runtime) setStatus(inst *model.FSMInstance, status model.InstanceStatus) {
	if inst.Status == status {
		return
	}
	if inst.Status == model.StatusActive && r.metrics != nil {
		r.metrics.InstancesActive.WithLabelValues(r.component.Name, inst.MachineName).Dec()
	}
	r.mu.Lock()
	inst.Status = status
	r.mu.Unlock()
}

func (r *Runtime) runHook(name string, inst *model.FSMInstance, event *model.Event) (err error) {
	hook, ok := r.hook(name)
	if !ok {
		return fmt.Errorf("hook %q not registered", name)
	}

	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.HookDuration.WithLabelValues(r.component.Name, name).Observe(time.Since(start).Seconds())
		}
		if rec := recover(); rec != nil {
			err = fmt.Errorf("hook %q panicked: %v", name, rec)
		}
	}()
	return hook(r.baseCtx, inst, event, &sender{runtime: r, instance: inst})
}

func (r *Runtime) hasAutoTransitions(state *model.State) bool {
	if state == nil {
		return false
	}
	for _, t := range state.Transitions {
		if t.EffectiveKind() == model.TransitionAuto {
			return true
		}
	}
	return false
}

// evaluateAuto fires the first auto transition of the instance's current
// state whose guards pass. Runs from the deferred queue.
func (r *Runtime) evaluateAuto(instanceID string) {
	r.mu.RLock()
	inst, ok := r.instances[instanceID]
	r.mu.RUnlock()
	if !ok || inst.Status != model.StatusActive {
		return
	}
	machine, _ := r.component.Machine(inst.MachineName)
	state, ok := machine.State(inst.CurrentState)
	if !ok {
		return
	}

	probe := &model.Event{Type: "", Timestamp: time.Now()}
	for _, t := range state.Transitions {
		if t.EffectiveKind() != model.TransitionAuto {
			continue
		}
		if !r.guardsPass(t, inst, probe) {
			continue
		}
		if err := r.execute(inst, machine, t, probe, ""); err != nil {
			r.logger.Errorf("auto transition from %q on %s failed: %v", state.Name, instanceID, err)
		}
		return
	}
}

// queueCascades enqueues the entered state's cascading rules. Payload
// templates expand against the source context at enqueue time.
func (r *Runtime) queueCascades(inst *model.FSMInstance, state *model.State) {
	for _, rule := range state.CascadingRules {
		rule := rule
		payload := model.ExpandPayload(rule.Payload, inst.Context)
		source := inst.Clone()
		r.defer_(func() {
			event := &model.Event{Type: rule.Event, Payload: payload, Timestamp: time.Now()}
			if rule.TargetComponent == "" || rule.TargetComponent == r.component.Name {
				r.broadcastLocked(rule.TargetMachine, rule.TargetState, event, nil)
				return
			}
			if r.router == nil {
				r.logger.Warnf("cascade to component %s dropped: no router configured", rule.TargetComponent)
				return
			}
			if err := r.router.RouteCascade(r.baseCtx, source, rule, payload); err != nil {
				r.logger.Errorf("cascade %s -> %s/%s failed: %v", source.ID, rule.TargetComponent, rule.TargetMachine, err)
				r.notify(NotifyCascadeFailed, CascadeFailedData{
					SourceInstanceID: source.ID,
					TargetComponent:  rule.TargetComponent,
					TargetMachine:    rule.TargetMachine,
					Event:            rule.Event,
					Error:            err.Error(),
				})
			}
		})
	}
}

// queueParentNotify enqueues parent notifications: the machine-level parent
// link fires on every state change, a transition-level notifyParent fires
// for this transition only.
func (r *Runtime) queueParentNotify(inst *model.FSMInstance, t *model.Transition, previousState string) {
	if inst.ParentInstanceID == "" {
		return
	}
	machine, _ := r.component.Machine(inst.MachineName)

	if machine != nil && machine.ParentLink != nil && machine.ParentLink.OnStateChange != "" && inst.CurrentState != previousState {
		link := machine.ParentLink
		r.queueParentEvent(inst, link.OnStateChange, link.StateIncluded(), link.IncludeContext)
	}
	if t.NotifyParent != nil {
		n := t.NotifyParent
		r.queueParentEvent(inst, n.Event, n.StateIncluded(), n.IncludeContext)
	}
}

func (r *Runtime) queueParentEvent(inst *model.FSMInstance, eventType string, includeState, includeContext bool) {
	payload := map[string]interface{}{
		"childInstanceId": inst.ID,
		"childMachine":    inst.MachineName,
	}
	if includeState {
		payload["childState"] = inst.CurrentState
	}
	if includeContext {
		payload["childContext"] = inst.Clone().Context
	}
	parentID := inst.ParentInstanceID
	parentComponent := inst.ParentComponent
	r.defer_(func() {
		event := &model.Event{Type: eventType, Payload: payload, Timestamp: time.Now()}
		if parentComponent == "" || parentComponent == r.component.Name {
			if err := r.deliver(parentID, event, ""); err != nil {
				r.logger.Warnf("parent notification to %s dropped: %v", parentID, err)
			}
			return
		}
		if r.router == nil {
			r.logger.Warnf("parent notification to component %s dropped: no router configured", parentComponent)
			return
		}
		if err := r.router.SendEventToInstance(r.baseCtx, parentComponent, parentID, event); err != nil {
			r.logger.Errorf("parent notification to %s/%s failed: %v", parentComponent, parentID, err)
		}
	})
}

// queueInterMachine enqueues the side effect of inter_machine and
// cross_component transitions: with a target event the derived event routes
// to matched instances, without one a fresh child instance is created from
// the context mapping.
func (r *Runtime) queueInterMachine(inst *model.FSMInstance, t *model.Transition, trigger *model.Event) {
	kind := t.EffectiveKind()
	if kind != model.TransitionInterMachine && kind != model.TransitionCrossComponent {
		return
	}

	derived := r.mapContext(inst, t, trigger)
	source := inst.Clone()

	switch {
	case kind == model.TransitionInterMachine && t.TargetEvent == "":
		parent := &ParentRef{InstanceID: source.ID, Machine: source.MachineName, Component: source.ComponentName}
		r.defer_(func() {
			if _, err := r.createLocked(uuid.New().String(), t.TargetMachine, derived, parent); err != nil {
				r.logger.Errorf("inter-machine spawn of %s failed: %v", t.TargetMachine, err)
			}
		})

	case kind == model.TransitionInterMachine:
		r.defer_(func() {
			event := &model.Event{Type: t.TargetEvent, Payload: derived, Timestamp: time.Now()}
			r.broadcastLocked(t.TargetMachine, "", event, t.MatchingRules)
		})

	case t.TargetEvent == "":
		parent := &ParentRef{InstanceID: source.ID, Machine: source.MachineName, Component: source.ComponentName}
		r.defer_(func() {
			if r.router == nil {
				r.logger.Warnf("cross-component spawn in %s dropped: no router configured", t.TargetComponent)
				return
			}
			if _, err := r.router.CreateInstanceInComponent(r.baseCtx, t.TargetComponent, t.TargetMachine, derived, parent); err != nil {
				r.logger.Errorf("cross-component spawn in %s failed: %v", t.TargetComponent, err)
				r.notify(NotifyCascadeFailed, CascadeFailedData{
					SourceInstanceID: source.ID,
					TargetComponent:  t.TargetComponent,
					TargetMachine:    t.TargetMachine,
					Error:            err.Error(),
				})
			}
		})

	default:
		r.defer_(func() {
			event := &model.Event{Type: t.TargetEvent, Payload: derived, Timestamp: time.Now()}
			if r.router == nil {
				r.logger.Warnf("cross-component event to %s dropped: no router configured", t.TargetComponent)
				return
			}
			if _, err := r.router.BroadcastMatched(r.baseCtx, t.TargetComponent, t.TargetMachine, "", event, t.MatchingRules); err != nil {
				r.logger.Errorf("cross-component event to %s failed: %v", t.TargetComponent, err)
				r.notify(NotifyCascadeFailed, CascadeFailedData{
					SourceInstanceID: source.ID,
					TargetComponent:  t.TargetComponent,
					TargetMachine:    t.TargetMachine,
					Event:            t.TargetEvent,
					Error:            err.Error(),
				})
			}
		})
	}
}

// mapContext builds the derived payload or child context of an inter-machine
// transition. Mapping values are paths into the source context, or literal
// strings with {{path}} expansion. Without a mapping the trigger payload
// passes through.
func (r *Runtime) mapContext(inst *model.FSMInstance, t *model.Transition, trigger *model.Event) map[string]interface{} {
	if len(t.ContextMapping) == 0 {
		if trigger.Payload == nil {
			return map[string]interface{}{}
		}
		return model.ExpandPayload(trigger.Payload, inst.Context)
	}
	out := make(map[string]interface{}, len(t.ContextMapping))
	for key, ref := range t.ContextMapping {
		if path, ok := model.IsTemplateRef(ref); ok {
			v, _ := model.ResolvePath(inst.Context, path)
			out[key] = v
			continue
		}
		if v, ok := model.ResolvePath(inst.Context, ref); ok {
			out[key] = v
			continue
		}
		out[key] = model.ExpandString(ref, inst.Context)
	}
	return out
}

// broadcastLocked fans an event out to every active instance of machineName,
// optionally narrowed by current state and external matching rules. Returns
// the count of instances that executed a transition.
func (r *Runtime) broadcastLocked(machineName, stateFilter string, event *model.Event, rules []model.MatchingRule) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byMachine[machineName]))
	for id, inst := range r.byMachine[machineName] {
		if stateFilter != "" && inst.CurrentState != stateFilter {
			continue
		}
		if inst.Status != model.StatusActive {
			continue
		}
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	count := 0
	for _, id := range ids {
		eventCopy := &model.Event{Type: event.Type, Payload: event.Payload, Timestamp: event.Timestamp}
		handled, err := r.deliverTo(id, eventCopy, "", rules)
		if err != nil {
			r.logger.Warnf("broadcast %q to %s failed: %v", event.Type, id, err)
			continue
		}
		if handled {
			count++
		}
	}
	return count
}

func (r *Runtime) persistedEvent(inst *model.FSMInstance, event model.Event, before, after string) *model.PersistedEvent {
	return &model.PersistedEvent{
		ID:            uuid.New().String(),
		InstanceID:    inst.ID,
		MachineName:   inst.MachineName,
		ComponentName: inst.ComponentName,
		Event:         event,
		StateBefore:   before,
		StateAfter:    after,
		Timestamp:     time.Now(),
		ContextAfter:  inst.Clone().Context,
	}
}

// armStateTimers arms one timer per timeout transition declared on the
// instance's current state.
func (r *Runtime) armStateTimers(inst *model.FSMInstance) {
	machine, _ := r.component.Machine(inst.MachineName)
	if machine == nil {
		return
	}
	state, ok := machine.State(inst.CurrentState)
	if !ok {
		return
	}
	for _, t := range state.TimeoutTransitions() {
		r.armTimer(inst, t, time.Duration(t.TimeoutMs)*time.Millisecond)
	}
}

func (r *Runtime) armTimer(inst *model.FSMInstance, t *model.Transition, delay time.Duration) {
	id := inst.ID
	eventType := t.Event
	timer := r.wheel.Schedule(delay, func() {
		r.mu.Lock()
		if m := r.timers[id]; m != nil {
			delete(m, t)
		}
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.TimersPending.Dec()
		}
		r.submit(func() error {
			return r.deliver(id, &model.Event{Type: eventType, Timestamp: time.Now()}, "")
		})
	})

	r.mu.Lock()
	if r.timers[id] == nil {
		r.timers[id] = make(map[*model.Transition]*timerwheel.Timer)
	}
	r.timers[id][t] = timer
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.TimersPending.Inc()
	}
}

// rearmSelfLoopTimers rearms the current state's timeout timers after a
// self-loop. Each timeout carries its own resetOnTransition flag: resetting
// timers start over, the rest keep their original deadline.
func (r *Runtime) rearmSelfLoopTimers(inst *model.FSMInstance) {
	machine, _ := r.component.Machine(inst.MachineName)
	if machine == nil {
		return
	}
	state, ok := machine.State(inst.CurrentState)
	if !ok {
		return
	}
	for _, t := range state.TimeoutTransitions() {
		if !t.ResetsTimers() {
			continue
		}
		r.cancelTimer(inst.ID, t)
		r.armTimer(inst, t, time.Duration(t.TimeoutMs)*time.Millisecond)
	}
}

// cancelTimer cancels a single armed timeout transition, if armed.
func (r *Runtime) cancelTimer(instanceID string, t *model.Transition) {
	r.mu.Lock()
	timer := r.timers[instanceID][t]
	if timer != nil {
		delete(r.timers[instanceID], t)
	}
	r.mu.Unlock()
	if timer == nil {
		return
	}
	timer.Cancel()
	if r.metrics != nil {
		r.metrics.TimersPending.Dec()
	}
}

func (r *Runtime) cancelInstanceTimers(instanceID string) {
	r.mu.Lock()
	timers := r.timers[instanceID]
	delete(r.timers, instanceID)
	r.mu.Unlock()

	for _, timer := range timers {
		timer.Cancel()
		if r.metrics != nil {
			r.metrics.TimersPending.Dec()
		}
	}
}
