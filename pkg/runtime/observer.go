package runtime

import (
	"time"

	"github.com/fluxorio/machina/pkg/model"
)

// NotificationType names a lifecycle event emitted by the runtime.
type NotificationType string

const (
	NotifyInstanceCreated  NotificationType = "instance_created"
	NotifyStateChange      NotificationType = "state_change"
	NotifyInstanceDisposed NotificationType = "instance_disposed"
	NotifyInstanceError    NotificationType = "instance_error"
	NotifyCascadeFailed    NotificationType = "cross_component_cascade_failed"
)

// Notification is one lifecycle event. Data is one of the payload structs
// below, keyed by Type.
type Notification struct {
	Type          NotificationType `json:"type"`
	ComponentName string           `json:"componentName"`
	Data          interface{}      `json:"data"`
	Timestamp     time.Time        `json:"timestamp"`
}

// StateChangeData is the payload of a state_change notification.
type StateChangeData struct {
	InstanceID    string             `json:"instanceId"`
	MachineName   string             `json:"machineName"`
	PreviousState string             `json:"previousState"`
	NewState      string             `json:"newState"`
	Event         model.Event        `json:"event"`
	EventID       string             `json:"eventId"`
	Timestamp     time.Time          `json:"timestamp"`
	Instance      *model.FSMInstance `json:"instance"`
}

// InstanceData is the payload of instance_created / instance_disposed.
type InstanceData struct {
	Instance *model.FSMInstance `json:"instance"`
}

// ErrorData is the payload of instance_error.
type ErrorData struct {
	InstanceID  string `json:"instanceId"`
	MachineName string `json:"machineName,omitempty"`
	State       string `json:"state,omitempty"`
	Event       string `json:"event,omitempty"`
	Error       string `json:"error"`
}

// CascadeFailedData is the payload of cross_component_cascade_failed.
type CascadeFailedData struct {
	SourceInstanceID string `json:"sourceInstanceId"`
	TargetComponent  string `json:"targetComponent,omitempty"`
	TargetMachine    string `json:"targetMachine"`
	Event            string `json:"event"`
	Error            string `json:"error"`
}

// Listener consumes lifecycle notifications. Listeners are invoked
// synchronously on the dispatch goroutine, in persistence order; slow
// consumers must hand off to their own queue.
type Listener func(Notification)

// Subscribe adds a lifecycle listener.
func (r *Runtime) Subscribe(listener Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *Runtime) notify(typ NotificationType, data interface{}) {
	r.mu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	n := Notification{
		Type:          typ,
		ComponentName: r.component.Name,
		Data:          data,
		Timestamp:     time.Now(),
	}
	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Errorf("lifecycle listener panicked: %v", rec)
				}
			}()
			l(n)
		}()
	}
}
