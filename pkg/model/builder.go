package model

import "fmt"

// ComponentBuilder provides a fluent API for authoring components in code.
// The declarative document parser produces the same model; the builder exists
// for tests, examples and embedders.
type ComponentBuilder struct {
	component *Component
	err       error
}

// MachineBuilder builds a single state machine.
type MachineBuilder struct {
	parent  *ComponentBuilder
	machine *StateMachine
}

// StateBuilder builds a single state.
type StateBuilder struct {
	parent *MachineBuilder
	state  *State
}

// TransitionBuilder builds a single transition.
type TransitionBuilder struct {
	parent     *StateBuilder
	transition *Transition
}

// NewComponent creates a component builder.
func NewComponent(name string) *ComponentBuilder {
	return &ComponentBuilder{
		component: &Component{
			Name:     name,
			Machines: make(map[string]*StateMachine),
		},
	}
}

// Version sets the component version.
func (b *ComponentBuilder) Version(v string) *ComponentBuilder {
	b.component.Version = v
	return b
}

// EntryMachine designates the machine whose entry-point instance is created
// on component start.
func (b *ComponentBuilder) EntryMachine(name string) *ComponentBuilder {
	b.component.EntryMachine = name
	return b
}

// Machine adds a state machine.
func (b *ComponentBuilder) Machine(name string) *MachineBuilder {
	m := &StateMachine{
		Name:   name,
		States: make(map[string]*State),
	}
	b.component.Machines[name] = m
	return &MachineBuilder{parent: b, machine: m}
}

// Build validates and returns the component.
func (b *ComponentBuilder) Build() (*Component, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.component.Validate(); err != nil {
		return nil, fmt.Errorf("invalid component: %w", err)
	}
	return b.component, nil
}

// MustBuild builds and panics on error. For tests and examples.
func (b *ComponentBuilder) MustBuild() *Component {
	c, err := b.Build()
	if err != nil {
		panic(err)
	}
	return c
}

// Initial sets the machine's initial state name.
func (mb *MachineBuilder) Initial(state string) *MachineBuilder {
	mb.machine.InitialState = state
	return mb
}

// PublicMember tags the machine's public member type.
func (mb *MachineBuilder) PublicMember(typ string) *MachineBuilder {
	mb.machine.PublicMemberType = typ
	return mb
}

// NotifyParentOnStateChange wires the machine-level parent link.
func (mb *MachineBuilder) NotifyParentOnStateChange(event string) *MachineBuilder {
	if mb.machine.ParentLink == nil {
		mb.machine.ParentLink = &ParentLink{}
	}
	mb.machine.ParentLink.OnStateChange = event
	return mb
}

// State adds a state.
func (mb *MachineBuilder) State(name string) *StateBuilder {
	s := &State{Name: name}
	mb.machine.States[name] = s
	return &StateBuilder{parent: mb, state: s}
}

// Done returns to the component builder.
func (mb *MachineBuilder) Done() *ComponentBuilder {
	return mb.parent
}

// Kind sets the state kind.
func (sb *StateBuilder) Kind(kind StateKind) *StateBuilder {
	sb.state.Kind = kind
	return sb
}

// Entry marks this as the entry state.
func (sb *StateBuilder) Entry() *StateBuilder { return sb.Kind(StateEntry) }

// Final marks this as a final state.
func (sb *StateBuilder) Final() *StateBuilder { return sb.Kind(StateFinal) }

// Error marks this as an error state.
func (sb *StateBuilder) Error() *StateBuilder { return sb.Kind(StateError) }

// OnEntry names the entry hook.
func (sb *StateBuilder) OnEntry(hook string) *StateBuilder {
	sb.state.EntryHook = hook
	return sb
}

// OnExit names the exit hook.
func (sb *StateBuilder) OnExit(hook string) *StateBuilder {
	sb.state.ExitHook = hook
	return sb
}

// Cascade attaches a cascading rule to the state.
func (sb *StateBuilder) Cascade(rule *CascadingRule) *StateBuilder {
	sb.state.CascadingRules = append(sb.state.CascadingRules, rule)
	return sb
}

// On adds a regular transition triggered by event.
func (sb *StateBuilder) On(event, to string) *TransitionBuilder {
	t := &Transition{From: sb.state.Name, To: to, Event: event}
	sb.state.Transitions = append(sb.state.Transitions, t)
	return &TransitionBuilder{parent: sb, transition: t}
}

// Timeout adds a timeout transition.
func (sb *StateBuilder) Timeout(event, to string, timeoutMs int64) *TransitionBuilder {
	t := &Transition{
		From:      sb.state.Name,
		To:        to,
		Event:     event,
		Kind:      TransitionTimeout,
		TimeoutMs: timeoutMs,
	}
	sb.state.Transitions = append(sb.state.Transitions, t)
	return &TransitionBuilder{parent: sb, transition: t}
}

// Done returns to the machine builder.
func (sb *StateBuilder) Done() *MachineBuilder {
	return sb.parent
}

// Kind overrides the transition kind.
func (tb *TransitionBuilder) Kind(kind TransitionKind) *TransitionBuilder {
	tb.transition.Kind = kind
	return tb
}

// Internal marks the transition internal (no exit/entry, no timer reset).
func (tb *TransitionBuilder) Internal() *TransitionBuilder {
	return tb.Kind(TransitionInternal)
}

// Guard appends a guard.
func (tb *TransitionBuilder) Guard(g *Guard) *TransitionBuilder {
	tb.transition.Guards = append(tb.transition.Guards, g)
	return tb
}

// GuardCompare appends a compare guard.
func (tb *TransitionBuilder) GuardCompare(source GuardSource, path string, op Operator, value interface{}) *TransitionBuilder {
	return tb.Guard(&Guard{Kind: GuardCompare, Source: source, Path: path, Operator: op, Value: value})
}

// GuardKeys appends a required-keys guard.
func (tb *TransitionBuilder) GuardKeys(keys ...string) *TransitionBuilder {
	return tb.Guard(&Guard{Kind: GuardRequiredKeys, RequiredKeys: keys})
}

// GuardExpr appends a named expression guard.
func (tb *TransitionBuilder) GuardExpr(name string) *TransitionBuilder {
	return tb.Guard(&Guard{Kind: GuardExpression, Expression: name})
}

// Match appends a matching rule.
func (tb *TransitionBuilder) Match(eventPath, instancePath string) *TransitionBuilder {
	tb.transition.MatchingRules = append(tb.transition.MatchingRules,
		MatchingRule{EventPath: eventPath, InstancePath: instancePath})
	return tb
}

// Disambiguate names the disambiguation expression.
func (tb *TransitionBuilder) Disambiguate(name string) *TransitionBuilder {
	tb.transition.Disambiguation = name
	return tb
}

// Hook names the triggered hook.
func (tb *TransitionBuilder) Hook(name string) *TransitionBuilder {
	tb.transition.TriggeredHook = name
	return tb
}

// NoReset keeps already-armed timeout timers on self-loops.
func (tb *TransitionBuilder) NoReset() *TransitionBuilder {
	f := false
	tb.transition.ResetOnTransition = &f
	return tb
}

// Target configures the inter-machine / cross-component target.
func (tb *TransitionBuilder) Target(component, machine string) *TransitionBuilder {
	tb.transition.TargetComponent = component
	tb.transition.TargetMachine = machine
	return tb
}

// TargetEvent sets the event dispatched into the target component.
func (tb *TransitionBuilder) TargetEvent(event string) *TransitionBuilder {
	tb.transition.TargetEvent = event
	return tb
}

// MapContext forwards only the mapped context keys (with rename) on
// inter-machine creation.
func (tb *TransitionBuilder) MapContext(mapping map[string]string) *TransitionBuilder {
	tb.transition.ContextMapping = mapping
	return tb
}

// NotifyParent emits event to the parent after this transition.
func (tb *TransitionBuilder) NotifyParent(event string) *TransitionBuilder {
	tb.transition.NotifyParent = &ParentNotify{Event: event}
	return tb
}

// Done returns to the state builder.
func (tb *TransitionBuilder) Done() *StateBuilder {
	return tb.parent
}
