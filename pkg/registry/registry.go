// Package registry tracks the components of a deployment and routes
// cross-component traffic: local components in-process, everything else
// over the message broker.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxorio/machina/pkg/broker"
	"github.com/fluxorio/machina/pkg/core"
	"github.com/fluxorio/machina/pkg/model"
	"github.com/fluxorio/machina/pkg/runtime"
)

// ComponentRegistry resolves component names to runtimes. Local runtimes are
// preferred; a configured broker handles components hosted elsewhere.
type ComponentRegistry struct {
	logger core.Logger
	broker broker.MessageBroker

	mu       sync.RWMutex
	runtimes map[string]*runtime.Runtime
}

// Option configures a ComponentRegistry.
type Option func(*ComponentRegistry)

// WithLogger sets a custom logger.
func WithLogger(logger core.Logger) Option {
	return func(r *ComponentRegistry) { r.logger = logger }
}

// WithBroker enables remote routing over the given broker.
func WithBroker(b broker.MessageBroker) Option {
	return func(r *ComponentRegistry) { r.broker = b }
}

// New creates an empty registry.
func New(opts ...Option) *ComponentRegistry {
	r := &ComponentRegistry{
		logger:   core.NewDefaultLogger(),
		runtimes: make(map[string]*runtime.Runtime),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a local runtime and wires it back to this registry as its
// router.
func (r *ComponentRegistry) Register(rt *runtime.Runtime) error {
	name := rt.Component().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runtimes[name]; exists {
		return fmt.Errorf("registry: component %q already registered", name)
	}
	r.runtimes[name] = rt
	rt.SetRouter(r)
	return nil
}

// Unregister removes a local runtime. The runtime keeps running.
func (r *ComponentRegistry) Unregister(componentName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runtimes, componentName)
}

// Get returns a registered local runtime.
func (r *ComponentRegistry) Get(componentName string) (*runtime.Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[componentName]
	return rt, ok
}

// Components lists the locally registered component names.
func (r *ComponentRegistry) Components() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, name)
	}
	return names
}

// FindInstance scans local runtimes for an instance id. Used by surfaces
// that address instances without naming their component.
func (r *ComponentRegistry) FindInstance(instanceID string) (*runtime.Runtime, *model.FSMInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.runtimes {
		if inst, err := rt.GetInstance(instanceID); err == nil {
			return rt, inst, true
		}
	}
	return nil, nil, false
}

// RouteCascade delivers a cascading-rule event into the target component:
// locally as a state-filtered broadcast, remotely as a broker command. Local
// delivery does not wait for the target: the caller runs on the source
// runtime's dispatch goroutine, and two components cascading into each other
// would wedge both dispatchers if either side blocked on the peer.
func (r *ComponentRegistry) RouteCascade(ctx context.Context, source *model.FSMInstance, rule *model.CascadingRule, payload map[string]interface{}) error {
	event := &model.Event{Type: rule.Event, Payload: payload, Timestamp: time.Now()}
	if rt, ok := r.Get(rule.TargetComponent); ok {
		res, _ := rt.BroadcastEvent(rule.TargetMachine, rule.TargetState, event)
		r.drain(res, func(err error) {
			r.logger.Warnf("cascade %s into %s failed: %v", rule.Event, rule.TargetComponent, err)
		})
		return nil
	}
	return r.publishCommand(broker.ChannelBroadcast, rule.TargetComponent, &broker.Command{
		ComponentName: rule.TargetComponent,
		MachineName:   rule.TargetMachine,
		CurrentState:  rule.TargetState,
		Event:         commandEvent(event),
		SenderID:      source.ComponentName,
		Timestamp:     time.Now().UnixMilli(),
	})
}

// CreateInstanceInComponent spawns an instance in another component. Local
// spawns return the pre-assigned id without waiting on the target runtime;
// remote spawns are fire-and-forget with an empty id, the remote runtime
// assigns its own.
func (r *ComponentRegistry) CreateInstanceInComponent(ctx context.Context, componentName, machineName string, contextData map[string]interface{}, parent *runtime.ParentRef) (string, error) {
	if rt, ok := r.Get(componentName); ok {
		id, res := rt.CreateInstance(machineName, contextData, parent)
		r.drain(res, func(err error) {
			r.logger.Warnf("spawn of %s in %s failed: %v", machineName, componentName, err)
		})
		return id, nil
	}
	cmd := &broker.Command{
		ComponentName: componentName,
		MachineName:   machineName,
		Context:       contextData,
		Timestamp:     time.Now().UnixMilli(),
	}
	if parent != nil {
		cmd.SenderID = parent.Component
		cmd.Parent = map[string]string{
			"instanceId": parent.InstanceID,
			"machine":    parent.Machine,
			"component":  parent.Component,
		}
	}
	return "", r.publishCommand(broker.ChannelCreateInstance, componentName, cmd)
}

// SendEventToInstance routes an event to a specific instance of another
// component. Local delivery does not block on the target runtime.
func (r *ComponentRegistry) SendEventToInstance(ctx context.Context, componentName, instanceID string, event *model.Event) error {
	if rt, ok := r.Get(componentName); ok {
		r.drain(rt.SendEvent(instanceID, event), func(err error) {
			r.logger.Warnf("event %s to %s/%s failed: %v", event.Type, componentName, instanceID, err)
		})
		return nil
	}
	return r.publishCommand(broker.ChannelTriggerEvent, componentName, &broker.Command{
		ComponentName: componentName,
		InstanceID:    instanceID,
		Event:         commandEvent(event),
		Timestamp:     time.Now().UnixMilli(),
	})
}

// BroadcastToComponent fans an event out to instances of a machine in
// another component. Delivery is best-effort and asynchronous; the receiver
// count settles on the target runtime and is reported as zero here.
func (r *ComponentRegistry) BroadcastToComponent(ctx context.Context, componentName, machineName, stateFilter string, event *model.Event) (int, error) {
	if rt, ok := r.Get(componentName); ok {
		res, _ := rt.BroadcastEvent(machineName, stateFilter, event)
		r.drain(res, func(err error) {
			r.logger.Warnf("broadcast %s into %s failed: %v", event.Type, componentName, err)
		})
		return 0, nil
	}
	err := r.publishCommand(broker.ChannelBroadcast, componentName, &broker.Command{
		ComponentName: componentName,
		MachineName:   machineName,
		CurrentState:  stateFilter,
		Event:         commandEvent(event),
		Timestamp:     time.Now().UnixMilli(),
	})
	return 0, err
}

// BroadcastMatched is BroadcastToComponent with per-instance matching rules
// evaluated on the receiving side.
func (r *ComponentRegistry) BroadcastMatched(ctx context.Context, componentName, machineName, stateFilter string, event *model.Event, rules []model.MatchingRule) (int, error) {
	if rt, ok := r.Get(componentName); ok {
		res, _ := rt.BroadcastMatched(machineName, stateFilter, event, rules)
		r.drain(res, func(err error) {
			r.logger.Warnf("matched broadcast %s into %s failed: %v", event.Type, componentName, err)
		})
		return 0, nil
	}
	// Matching rules travel as filters against the event payload; the
	// receiving runtime re-applies its transitions' own rules anyway.
	err := r.publishCommand(broker.ChannelBroadcast, componentName, &broker.Command{
		ComponentName: componentName,
		MachineName:   machineName,
		CurrentState:  stateFilter,
		Event:         commandEvent(event),
		Timestamp:     time.Now().UnixMilli(),
	})
	return 0, err
}

// drain watches a Result off the caller's goroutine and reports failures.
func (r *ComponentRegistry) drain(res *runtime.Result, onErr func(error)) {
	go func() {
		<-res.Done()
		if err := res.Err(); err != nil {
			onErr(err)
		}
	}()
}

func (r *ComponentRegistry) publishCommand(channel, componentName string, cmd *broker.Command) error {
	if r.broker == nil {
		return &runtime.RuntimeError{
			Code:      runtime.ErrorCodeUnknownComponent,
			Message:   fmt.Sprintf("component %q is not local and no broker is configured", componentName),
			Timestamp: time.Now(),
		}
	}
	if err := r.broker.Publish(broker.ComponentChannel(channel, componentName), cmd); err != nil {
		return &runtime.RuntimeError{
			Code:      runtime.ErrorCodeBrokerUnavailable,
			Message:   fmt.Sprintf("publish to %s failed", channel),
			Timestamp: time.Now(),
			Cause:     err,
		}
	}
	return nil
}

func commandEvent(event *model.Event) map[string]interface{} {
	out := map[string]interface{}{"type": event.Type}
	if event.Payload != nil {
		out["payload"] = event.Payload
	}
	return out
}
