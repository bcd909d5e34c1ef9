package runtime

import (
	"github.com/google/uuid"

	"github.com/fluxorio/machina/pkg/model"
)

// Sender is the capability object passed to hooks. Every operation enqueues
// onto the deferred queue and executes after the current transition fully
// completes; nothing runs synchronously inside the hook.
type Sender interface {
	// SendToSelf enqueues an event to the hook's own instance.
	SendToSelf(event *model.Event)

	// SendTo enqueues an event to another instance of the same runtime.
	SendTo(instanceID string, event *model.Event)

	// Broadcast enqueues a property-matched broadcast. component empty means
	// this runtime's component; stateFilter empty means all states.
	Broadcast(machineName string, event *model.Event, stateFilter, componentName string)

	// CreateInstance enqueues creation of a new instance and returns the id
	// the instance will carry once created.
	CreateInstance(machineName string, context map[string]interface{}) string

	// SendToComponent enqueues an event to an instance of another component.
	SendToComponent(componentName, instanceID string, event *model.Event)
}

// sender binds the Sender capability to one instance and runtime.
type sender struct {
	runtime  *Runtime
	instance *model.FSMInstance
}

func (s *sender) SendToSelf(event *model.Event) {
	id := s.instance.ID
	s.runtime.defer_(func() {
		s.runtime.deliver(id, event, "")
	})
}

func (s *sender) SendTo(instanceID string, event *model.Event) {
	s.runtime.defer_(func() {
		s.runtime.deliver(instanceID, event, "")
	})
}

func (s *sender) Broadcast(machineName string, event *model.Event, stateFilter, componentName string) {
	rt := s.runtime
	s.runtime.defer_(func() {
		if componentName == "" || componentName == rt.component.Name {
			rt.broadcastLocked(machineName, stateFilter, event, nil)
			return
		}
		if rt.router == nil {
			rt.logger.Warnf("broadcast to component %s dropped: no router configured", componentName)
			return
		}
		if _, err := rt.router.BroadcastToComponent(rt.baseCtx, componentName, machineName, stateFilter, event); err != nil {
			rt.logger.Errorf("broadcast to component %s failed: %v", componentName, err)
		}
	})
}

func (s *sender) CreateInstance(machineName string, context map[string]interface{}) string {
	id := uuid.New().String()
	rt := s.runtime
	parent := &ParentRef{
		InstanceID: s.instance.ID,
		Machine:    s.instance.MachineName,
		Component:  s.instance.ComponentName,
	}
	s.runtime.defer_(func() {
		if _, err := rt.createLocked(id, machineName, context, parent); err != nil {
			rt.logger.Errorf("deferred createInstance %s failed: %v", machineName, err)
		}
	})
	return id
}

func (s *sender) SendToComponent(componentName, instanceID string, event *model.Event) {
	rt := s.runtime
	s.runtime.defer_(func() {
		if componentName == rt.component.Name {
			rt.deliver(instanceID, event, "")
			return
		}
		if rt.router == nil {
			rt.logger.Warnf("sendToComponent %s dropped: no router configured", componentName)
			return
		}
		if err := rt.router.SendEventToInstance(rt.baseCtx, componentName, instanceID, event); err != nil {
			rt.logger.Errorf("sendToComponent %s/%s failed: %v", componentName, instanceID, err)
		}
	})
}
