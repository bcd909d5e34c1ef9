// Package model holds the in-memory representation of a declarative
// component: state machines, states, transitions, guards, matching rules and
// cascading rules. The document parser produces this model; the runtime
// executes it. The model is immutable after Validate.
package model

import "fmt"

// StateKind classifies a state.
type StateKind string

const (
	StateEntry   StateKind = "entry"
	StateRegular StateKind = "regular"
	StateFinal   StateKind = "final"
	StateError   StateKind = "error"
)

// IsTerminal reports whether entering a state of this kind ends the instance.
func (k StateKind) IsTerminal() bool {
	return k == StateFinal || k == StateError
}

// TransitionKind classifies a transition.
type TransitionKind string

const (
	TransitionRegular        TransitionKind = "regular"
	TransitionTriggerable    TransitionKind = "triggerable"
	TransitionInternal       TransitionKind = "internal"
	TransitionTimeout        TransitionKind = "timeout"
	TransitionAuto           TransitionKind = "auto"
	TransitionInterMachine   TransitionKind = "inter_machine"
	TransitionCrossComponent TransitionKind = "cross_component"
)

// Component is a named, versioned bundle of state machines.
type Component struct {
	Name         string                   `json:"name" yaml:"name"`
	Version      string                   `json:"version,omitempty" yaml:"version,omitempty"`
	EntryMachine string                   `json:"entryMachine,omitempty" yaml:"entryMachine,omitempty"`
	Machines     map[string]*StateMachine `json:"machines" yaml:"machines"`
}

// Machine returns a machine by name.
func (c *Component) Machine(name string) (*StateMachine, bool) {
	m, ok := c.Machines[name]
	return m, ok
}

// MachineNames lists the declared machine names.
func (c *Component) MachineNames() []string {
	names := make([]string, 0, len(c.Machines))
	for name := range c.Machines {
		names = append(names, name)
	}
	return names
}

// StateMachine is a named FSM schema: states, transitions, initial state.
type StateMachine struct {
	Name             string                 `json:"name" yaml:"name"`
	InitialState     string                 `json:"initialState" yaml:"initialState"`
	PublicMemberType string                 `json:"publicMemberType,omitempty" yaml:"publicMemberType,omitempty"`
	ParentLink       *ParentLink            `json:"parentLink,omitempty" yaml:"parentLink,omitempty"`
	ContextSchema    map[string]interface{} `json:"contextSchema,omitempty" yaml:"contextSchema,omitempty"`
	States           map[string]*State      `json:"states" yaml:"states"`
}

// State returns a state by name.
func (m *StateMachine) State(name string) (*State, bool) {
	s, ok := m.States[name]
	return s, ok
}

// ParentLink declares the notification policy towards a parent instance.
type ParentLink struct {
	// OnStateChange names the event sent to the parent on every state change
	// of this machine's instances. Empty disables the link.
	OnStateChange  string `json:"onStateChange,omitempty" yaml:"onStateChange,omitempty"`
	IncludeState   *bool  `json:"includeState,omitempty" yaml:"includeState,omitempty"`
	IncludeContext bool   `json:"includeContext,omitempty" yaml:"includeContext,omitempty"`
}

// StateIncluded reports whether the child state goes into the notification
// payload. Default true.
func (p *ParentLink) StateIncluded() bool {
	return p.IncludeState == nil || *p.IncludeState
}

// State is a single machine state.
type State struct {
	Name           string           `json:"name" yaml:"name"`
	Kind           StateKind        `json:"kind,omitempty" yaml:"kind,omitempty"`
	EntryHook      string           `json:"entryHook,omitempty" yaml:"entryHook,omitempty"`
	ExitHook       string           `json:"exitHook,omitempty" yaml:"exitHook,omitempty"`
	Transitions    []*Transition    `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	CascadingRules []*CascadingRule `json:"cascadingRules,omitempty" yaml:"cascadingRules,omitempty"`
}

// EffectiveKind normalizes an unset kind to regular.
func (s *State) EffectiveKind() StateKind {
	if s.Kind == "" {
		return StateRegular
	}
	return s.Kind
}

// TimeoutTransitions returns the timeout transitions declared on this state.
func (s *State) TimeoutTransitions() []*Transition {
	var out []*Transition
	for _, t := range s.Transitions {
		if t.Kind == TransitionTimeout {
			out = append(out, t)
		}
	}
	return out
}

// Transition connects two states on an event.
type Transition struct {
	From  string         `json:"from" yaml:"from"`
	To    string         `json:"to" yaml:"to"`
	Event string         `json:"event" yaml:"event"`
	Kind  TransitionKind `json:"kind,omitempty" yaml:"kind,omitempty"`

	Guards         []*Guard       `json:"guards,omitempty" yaml:"guards,omitempty"`
	MatchingRules  []MatchingRule `json:"matchingRules,omitempty" yaml:"matchingRules,omitempty"`
	// Disambiguation names a registered expression evaluated against
	// (context, event, publicMember) when several candidates remain.
	Disambiguation string `json:"disambiguation,omitempty" yaml:"disambiguation,omitempty"`
	TriggeredHook  string `json:"triggeredHook,omitempty" yaml:"triggeredHook,omitempty"`

	// Timeout kind only.
	TimeoutMs         int64 `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	ResetOnTransition *bool `json:"resetOnTransition,omitempty" yaml:"resetOnTransition,omitempty"`

	// Inter-machine / cross-component kinds only.
	TargetMachine   string            `json:"targetMachine,omitempty" yaml:"targetMachine,omitempty"`
	TargetComponent string            `json:"targetComponent,omitempty" yaml:"targetComponent,omitempty"`
	TargetEvent     string            `json:"targetEvent,omitempty" yaml:"targetEvent,omitempty"`
	ContextMapping  map[string]string `json:"contextMapping,omitempty" yaml:"contextMapping,omitempty"`

	NotifyParent *ParentNotify `json:"notifyParent,omitempty" yaml:"notifyParent,omitempty"`
}

// EffectiveKind normalizes an unset kind to regular.
func (t *Transition) EffectiveKind() TransitionKind {
	if t.Kind == "" {
		return TransitionRegular
	}
	return t.Kind
}

// IsSelfLoop reports whether from and to name the same state. Internal
// transitions are not self-loops even when the names coincide.
func (t *Transition) IsSelfLoop() bool {
	return t.From == t.To && t.EffectiveKind() != TransitionInternal
}

// ResetsTimers reports the timeout rearm policy on self-loops. Default true.
func (t *Transition) ResetsTimers() bool {
	return t.ResetOnTransition == nil || *t.ResetOnTransition
}

// ParentNotify configures a per-transition notification to the parent.
type ParentNotify struct {
	Event          string `json:"event" yaml:"event"`
	IncludeState   *bool  `json:"includeState,omitempty" yaml:"includeState,omitempty"`
	IncludeContext bool   `json:"includeContext,omitempty" yaml:"includeContext,omitempty"`
}

// StateIncluded reports whether the new state goes into the payload. Default true.
func (n *ParentNotify) StateIncluded() bool {
	return n.IncludeState == nil || *n.IncludeState
}

// GuardKind selects the guard variant.
type GuardKind string

const (
	GuardRequiredKeys GuardKind = "required_keys"
	GuardCompare      GuardKind = "compare"
	GuardExpression   GuardKind = "expression"
)

// GuardSource selects the tree a compare guard reads its left value from.
type GuardSource string

const (
	GuardSourceEvent   GuardSource = "event"
	GuardSourceContext GuardSource = "context"
)

// Guard is one of: required-keys-present, a typed comparison on the event
// payload or instance context, or a named expression registered on the
// runtime.
type Guard struct {
	Kind GuardKind `json:"kind" yaml:"kind"`

	// required_keys variant: keys that must be present in the event payload.
	RequiredKeys []string `json:"requiredKeys,omitempty" yaml:"requiredKeys,omitempty"`

	// compare variant. Value may be a literal or a "{{path}}" reference
	// resolved against the instance context.
	Source   GuardSource `json:"source,omitempty" yaml:"source,omitempty"`
	Path     string      `json:"path,omitempty" yaml:"path,omitempty"`
	Operator Operator    `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`

	// expression variant: name of a registered expression.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// MatchingRule routes an incoming event to instances whose context satisfies
// (eventPath op instancePath) for every rule. Operator defaults to equals.
type MatchingRule struct {
	EventPath    string   `json:"eventPath" yaml:"eventPath"`
	InstancePath string   `json:"instancePath" yaml:"instancePath"`
	Operator     Operator `json:"operator,omitempty" yaml:"operator,omitempty"`
}

// Op normalizes an unset operator to equality.
func (r MatchingRule) Op() Operator {
	if r.Operator == "" {
		return OpEqual
	}
	return r.Operator
}

// CascadingRule declares a side-effect on state entry: dispatch a derived
// event to instances of a target machine, locally or in another component.
type CascadingRule struct {
	TargetMachine   string                 `json:"targetMachine" yaml:"targetMachine"`
	TargetComponent string                 `json:"targetComponent,omitempty" yaml:"targetComponent,omitempty"`
	TargetState     string                 `json:"targetState,omitempty" yaml:"targetState,omitempty"`
	Event           string                 `json:"event" yaml:"event"`
	// Payload is a template: string values may embed {{path}} references
	// resolved against the source instance context.
	Payload map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Validate checks structural consistency of a component model. The document
// parser validates before handing the model over; the engine re-checks
// defensively because it also accepts models built in code.
func (c *Component) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("component name is required")
	}
	if len(c.Machines) == 0 {
		return fmt.Errorf("component %s declares no machines", c.Name)
	}
	if c.EntryMachine != "" {
		if _, ok := c.Machines[c.EntryMachine]; !ok {
			return fmt.Errorf("entry machine %q not declared in component %s", c.EntryMachine, c.Name)
		}
	}
	for name, m := range c.Machines {
		if m.Name == "" {
			m.Name = name
		}
		if err := m.validate(); err != nil {
			return fmt.Errorf("machine %s: %w", name, err)
		}
	}
	return nil
}

func (m *StateMachine) validate() error {
	if m.InitialState == "" {
		return fmt.Errorf("initial state is required")
	}
	if len(m.States) == 0 {
		return fmt.Errorf("at least one state is required")
	}
	if _, ok := m.States[m.InitialState]; !ok {
		return fmt.Errorf("initial state %q not found in states", m.InitialState)
	}

	entryCount := 0
	for name, s := range m.States {
		if s.Name == "" {
			s.Name = name
		}
		if s.EffectiveKind() == StateEntry {
			entryCount++
		}
		for _, t := range s.Transitions {
			if t.From == "" {
				t.From = name
			}
			if t.From != name {
				return fmt.Errorf("transition in state %q declares from=%q", name, t.From)
			}
			if err := m.validateTransition(name, t); err != nil {
				return err
			}
		}
	}
	if entryCount > 1 {
		return fmt.Errorf("more than one entry state declared")
	}
	return nil
}

func (m *StateMachine) validateTransition(state string, t *Transition) error {
	kind := t.EffectiveKind()

	switch kind {
	case TransitionInterMachine, TransitionCrossComponent:
		if t.TargetMachine == "" {
			return fmt.Errorf("state %q: %s transition requires targetMachine", state, kind)
		}
		if kind == TransitionCrossComponent && t.TargetEvent != "" && len(t.MatchingRules) == 0 {
			return fmt.Errorf("state %q: cross_component transition with targetEvent requires matching rules", state)
		}
	case TransitionTimeout:
		if t.TimeoutMs < 0 {
			return fmt.Errorf("state %q: negative timeoutMs", state)
		}
	}

	if t.To == "" {
		return fmt.Errorf("state %q: transition target is required (event %q)", state, t.Event)
	}
	if _, ok := m.States[t.To]; !ok {
		return fmt.Errorf("state %q: transition target %q not found", state, t.To)
	}
	if t.Event == "" && kind != TransitionAuto {
		return fmt.Errorf("state %q: transition event is required", state)
	}

	for _, g := range t.Guards {
		if err := g.validate(); err != nil {
			return fmt.Errorf("state %q event %q: %w", state, t.Event, err)
		}
	}
	for _, r := range t.MatchingRules {
		if r.EventPath == "" || r.InstancePath == "" {
			return fmt.Errorf("state %q event %q: matching rule requires eventPath and instancePath", state, t.Event)
		}
	}
	return nil
}

func (g *Guard) validate() error {
	switch g.Kind {
	case GuardRequiredKeys:
		if len(g.RequiredKeys) == 0 {
			return fmt.Errorf("required_keys guard lists no keys")
		}
	case GuardCompare:
		if g.Path == "" {
			return fmt.Errorf("compare guard requires a path")
		}
		if !g.Operator.Valid() {
			return fmt.Errorf("compare guard has unknown operator %q", g.Operator)
		}
	case GuardExpression:
		if g.Expression == "" {
			return fmt.Errorf("expression guard names no expression")
		}
	default:
		return fmt.Errorf("unknown guard kind %q", g.Kind)
	}
	return nil
}
