package model

import "time"

// InstanceStatus is the lifecycle status of an FSM instance.
type InstanceStatus string

const (
	StatusActive    InstanceStatus = "active"
	StatusCompleted InstanceStatus = "completed"
	StatusError     InstanceStatus = "error"
)

// Event is an external or synthesized event routed to instances.
type Event struct {
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
}

// FSMInstance is the runtime embodiment of one state machine.
type FSMInstance struct {
	ID            string                 `json:"id"`
	ComponentName string                 `json:"componentName"`
	MachineName   string                 `json:"machineName"`
	CurrentState  string                 `json:"currentState"`
	Context       map[string]interface{} `json:"context,omitempty"`
	PublicMember  map[string]interface{} `json:"publicMember,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
	Status        InstanceStatus         `json:"status"`
	IsEntryPoint  bool                   `json:"isEntryPoint"`

	ParentInstanceID string `json:"parentInstanceId,omitempty"`
	ParentMachine    string `json:"parentMachineName,omitempty"`
	ParentComponent  string `json:"parentComponentName,omitempty"`
}

// Clone returns a deep copy of the instance. Stores and broker envelopes work
// on clones so concurrent readers never observe a mid-transition instance.
func (i *FSMInstance) Clone() *FSMInstance {
	if i == nil {
		return nil
	}
	out := *i
	out.Context = cloneTree(i.Context)
	out.PublicMember = cloneTree(i.PublicMember)
	return &out
}

func cloneTree(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneTree(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// PersistedEvent is one durable record in the transition log, ordered per
// instance by timestamp then append order.
type PersistedEvent struct {
	ID            string    `json:"id"`
	InstanceID    string    `json:"instanceId"`
	MachineName   string    `json:"machineName"`
	ComponentName string    `json:"componentName"`
	Event         Event     `json:"event"`
	StateBefore   string    `json:"stateBefore"`
	StateAfter    string    `json:"stateAfter"`
	Timestamp     time.Time `json:"timestamp"`

	// ContextAfter captures the instance context post-transition so that
	// replay stays deterministic without re-running hooks.
	ContextAfter map[string]interface{} `json:"contextAfter,omitempty"`

	// Optional causality references.
	CausationID   string `json:"causationId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// InstanceSnapshot is a restore base: the full instance plus the id of the
// last event it covers and the running transition count at snapshot time.
type InstanceSnapshot struct {
	Instance        *FSMInstance `json:"instance"`
	LastEventID     string       `json:"lastEventId,omitempty"`
	TransitionCount int64        `json:"transitionCount"`
	TakenAt         time.Time    `json:"takenAt"`
}
