// Package broadcast connects one runtime to the message broker: it announces
// the runtime, publishes lifecycle events, answers queries and executes
// externally issued commands.
package broadcast

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxorio/machina/pkg/broker"
	"github.com/fluxorio/machina/pkg/core"
	"github.com/fluxorio/machina/pkg/model"
	obs "github.com/fluxorio/machina/pkg/observability/prometheus"
	"github.com/fluxorio/machina/pkg/runtime"
)

// DefaultHeartbeatInterval is the announce heartbeat period.
const DefaultHeartbeatInterval = 5 * time.Second

// DefaultBufferCap bounds the offline event buffer. The oldest entries are
// dropped when the broker stays unreachable.
const DefaultBufferCap = 1000

// Broadcaster is the broker bridge of one runtime. All lifecycle events the
// runtime emits are mirrored onto fsm:events:* channels; commands arriving
// on fsm:commands:* execute against the runtime.
type Broadcaster struct {
	rt      *runtime.Runtime
	broker  broker.MessageBroker
	logger  core.Logger
	metrics *obs.Metrics

	id        string
	heartbeat time.Duration
	bufferCap int

	mu     sync.Mutex
	buffer []bufferedPublish
	subs   []broker.Subscription

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type bufferedPublish struct {
	channel string
	body    interface{}
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets a custom logger.
func WithLogger(logger core.Logger) Option {
	return func(b *Broadcaster) { b.logger = logger }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *obs.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// WithHeartbeatInterval overrides the heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(b *Broadcaster) { b.heartbeat = d }
}

// WithBufferCap overrides the offline buffer capacity.
func WithBufferCap(n int) Option {
	return func(b *Broadcaster) { b.bufferCap = n }
}

// New creates a broadcaster for the runtime over the broker.
func New(rt *runtime.Runtime, mb broker.MessageBroker, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		rt:        rt,
		broker:    mb,
		logger:    core.NewDefaultLogger(),
		id:        uuid.New().String(),
		heartbeat: DefaultHeartbeatInterval,
		bufferCap: DefaultBufferCap,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ID returns the broadcaster's runtime id used for self-message filtering.
func (b *Broadcaster) ID() string { return b.id }

// Start announces the runtime, wires command and query subscriptions and
// begins mirroring lifecycle events.
func (b *Broadcaster) Start() error {
	component := b.rt.Component().Name

	subscriptions := map[string]broker.Handler{
		broker.ComponentChannel(broker.ChannelTriggerEvent, component):   b.handleTriggerEvent,
		broker.ComponentChannel(broker.ChannelCreateInstance, component): b.handleCreateInstance,
		broker.ComponentChannel(broker.ChannelBroadcast, component):      b.handleBroadcast,
		broker.ComponentChannel(broker.ChannelQueryInstances, component): b.handleQuery,
		broker.ChannelExternalCommands:                                   b.handleExternalCommand,
		broker.ChannelExternalBroadcasts:                                 b.handleBroadcast,
	}
	for channel, handler := range subscriptions {
		sub, err := b.broker.Subscribe(channel, handler)
		if err != nil {
			b.teardown()
			return fmt.Errorf("broadcast: subscribe %s: %w", channel, err)
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
	}

	b.rt.Subscribe(b.onNotification)

	b.publish(broker.ChannelAnnounce, &broker.Announce{
		RuntimeID:     b.id,
		ComponentName: component,
		Machines:      b.rt.Component().MachineNames(),
		Timestamp:     time.Now().UnixMilli(),
	})

	b.wg.Add(1)
	go b.heartbeatLoop()
	return nil
}

// Stop publishes the shutdown notice and releases all subscriptions.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.publish(broker.ChannelShutdown, &broker.Announce{
			RuntimeID:     b.id,
			ComponentName: b.rt.Component().Name,
			Timestamp:     time.Now().UnixMilli(),
		})
		close(b.stopCh)
		b.wg.Wait()
		b.teardown()
	})
}

func (b *Broadcaster) teardown() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warnf("unsubscribe failed: %v", err)
		}
	}
}

func (b *Broadcaster) heartbeatLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.publish(broker.ChannelHeartbeat, &broker.Announce{
				RuntimeID:     b.id,
				ComponentName: b.rt.Component().Name,
				Timestamp:     time.Now().UnixMilli(),
			})
			b.flushBuffer()
		}
	}
}

// onNotification mirrors runtime lifecycle events onto the broker.
func (b *Broadcaster) onNotification(n runtime.Notification) {
	var channel string
	switch n.Type {
	case runtime.NotifyStateChange:
		channel = broker.ChannelStateChange
	case runtime.NotifyInstanceCreated:
		channel = broker.ChannelInstanceCreated
	case runtime.NotifyInstanceDisposed:
		channel = broker.ChannelInstanceDisposed
	case runtime.NotifyInstanceError:
		channel = broker.ChannelInstanceError
	case runtime.NotifyCascadeFailed:
		channel = broker.ChannelCascade
	default:
		return
	}
	b.publish(channel, &broker.Envelope{
		Type:          string(n.Type),
		ComponentName: n.ComponentName,
		SenderID:      b.id,
		Data:          n.Data,
		Timestamp:     n.Timestamp.UnixMilli(),
	})
}

// publish sends now or buffers on failure, dropping the oldest entries past
// capacity.
func (b *Broadcaster) publish(channel string, body interface{}) {
	err := b.broker.Publish(channel, body)
	if b.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		b.metrics.BrokerPublishTotal.WithLabelValues(channel, result).Inc()
	}
	if err == nil {
		return
	}
	b.logger.Warnf("publish on %s failed, buffering: %v", channel, err)

	b.mu.Lock()
	b.buffer = append(b.buffer, bufferedPublish{channel: channel, body: body})
	if len(b.buffer) > b.bufferCap {
		b.buffer = b.buffer[len(b.buffer)-b.bufferCap:]
	}
	if b.metrics != nil {
		b.metrics.BroadcasterBufferLen.Set(float64(len(b.buffer)))
	}
	b.mu.Unlock()
}

func (b *Broadcaster) flushBuffer() {
	b.mu.Lock()
	pending := b.buffer
	b.buffer = nil
	b.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	for i, p := range pending {
		if err := b.broker.Publish(p.channel, p.body); err != nil {
			b.mu.Lock()
			b.buffer = append(pending[i:], b.buffer...)
			if len(b.buffer) > b.bufferCap {
				b.buffer = b.buffer[len(b.buffer)-b.bufferCap:]
			}
			if b.metrics != nil {
				b.metrics.BroadcasterBufferLen.Set(float64(len(b.buffer)))
			}
			b.mu.Unlock()
			return
		}
	}
	if b.metrics != nil {
		b.metrics.BroadcasterBufferLen.Set(0)
	}
}

func (b *Broadcaster) decodeCommand(data []byte) (*broker.Command, bool) {
	var cmd broker.Command
	if err := core.JSONDecode(data, &cmd); err != nil {
		b.logger.Warnf("malformed command dropped: %v", err)
		return nil, false
	}
	if cmd.SenderID == b.id {
		return nil, false
	}
	return &cmd, true
}

func commandEvent(cmd *broker.Command) *model.Event {
	event := &model.Event{Timestamp: time.Now()}
	if t, ok := cmd.Event["type"].(string); ok {
		event.Type = t
	}
	if p, ok := cmd.Event["payload"].(map[string]interface{}); ok {
		event.Payload = p
	}
	return event
}

func (b *Broadcaster) handleTriggerEvent(data []byte) {
	cmd, ok := b.decodeCommand(data)
	if !ok {
		return
	}
	res := b.rt.SendEvent(cmd.InstanceID, commandEvent(cmd))
	go func() {
		<-res.Done()
		if err := res.Err(); err != nil {
			b.logger.Warnf("trigger_event on %s failed: %v", cmd.InstanceID, err)
			b.publishCommandError("trigger_event", cmd.InstanceID, "", err)
		}
	}()
}

func (b *Broadcaster) handleCreateInstance(data []byte) {
	cmd, ok := b.decodeCommand(data)
	if !ok {
		return
	}
	var parent *runtime.ParentRef
	if cmd.Parent != nil {
		parent = &runtime.ParentRef{
			InstanceID: cmd.Parent["instanceId"],
			Machine:    cmd.Parent["machine"],
			Component:  cmd.Parent["component"],
		}
	}
	id, res := b.rt.CreateInstance(cmd.MachineName, cmd.Context, parent)
	go func() {
		<-res.Done()
		if err := res.Err(); err != nil {
			b.logger.Warnf("create_instance %s failed: %v", cmd.MachineName, err)
			b.publishCommandError("create_instance", id, cmd.MachineName, err)
		}
	}()
}

// publishCommandError reports a failed broker command on the instance-error
// channel, so the issuing side learns about failures it cannot await.
func (b *Broadcaster) publishCommandError(command, instanceID, machineName string, err error) {
	data := map[string]interface{}{
		"command": command,
		"error":   err.Error(),
	}
	if instanceID != "" {
		data["instanceId"] = instanceID
	}
	if machineName != "" {
		data["machine"] = machineName
	}
	b.publish(broker.ChannelInstanceError, &broker.Envelope{
		Type:          "command_failed",
		ComponentName: b.rt.Component().Name,
		SenderID:      b.id,
		Data:          data,
		Timestamp:     time.Now().UnixMilli(),
	})
}

// handleBroadcast serves both component-scoped broadcast commands and the
// external broadcast channel. External senders may attach context filters.
func (b *Broadcaster) handleBroadcast(data []byte) {
	cmd, ok := b.decodeCommand(data)
	if !ok {
		return
	}
	if cmd.ComponentName != "" && cmd.ComponentName != b.rt.Component().Name {
		return
	}
	event := commandEvent(cmd)

	if len(cmd.Filters) == 0 {
		res, _ := b.rt.BroadcastEvent(cmd.MachineName, cmd.CurrentState, event)
		go func() { <-res.Done() }()
		return
	}

	for _, inst := range b.rt.ListInstances(cmd.MachineName, cmd.CurrentState) {
		if !filtersPass(cmd.Filters, inst.Context) {
			continue
		}
		eventCopy := &model.Event{Type: event.Type, Payload: event.Payload, Timestamp: event.Timestamp}
		res := b.rt.SendEvent(inst.ID, eventCopy)
		go func() { <-res.Done() }()
	}
}

func filtersPass(filters []broker.Filter, context map[string]interface{}) bool {
	for _, f := range filters {
		left, ok := model.ResolvePath(context, f.Path)
		if !ok {
			return false
		}
		op := model.Operator(f.Operator)
		if f.Operator == "" {
			op = model.OpEqual
		}
		match, err := model.Compare(op, left, f.Value)
		if err != nil || !match {
			return false
		}
	}
	return true
}

// queryReply is the document sent back on a query's reply channel.
type queryReply struct {
	RequestID string               `json:"requestId"`
	SenderID  string               `json:"senderId"`
	Component string               `json:"componentName"`
	Instances []*model.FSMInstance `json:"instances"`
	Timestamp int64                `json:"timestamp"`
}

func (b *Broadcaster) handleQuery(data []byte) {
	var query struct {
		broker.Query
		ReplyChannel string `json:"replyChannel"`
	}
	if err := core.JSONDecode(data, &query); err != nil {
		b.logger.Warnf("malformed query dropped: %v", err)
		return
	}
	if query.SenderID == b.id || query.ReplyChannel == "" {
		return
	}

	var instances []*model.FSMInstance
	if query.InstanceID != "" {
		if inst, err := b.rt.GetInstance(query.InstanceID); err == nil {
			instances = append(instances, inst)
		}
	} else {
		instances = b.rt.ListInstances(query.MachineName, "")
	}

	if err := b.broker.Reply(query.ReplyChannel, &queryReply{
		RequestID: query.RequestID,
		SenderID:  b.id,
		Component: b.rt.Component().Name,
		Instances: instances,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		b.logger.Warnf("query reply failed: %v", err)
	}
}

// handleExternalCommand dispatches external-surface commands addressed to
// this component. The command's machine/instance fields select the action.
func (b *Broadcaster) handleExternalCommand(data []byte) {
	cmd, ok := b.decodeCommand(data)
	if !ok {
		return
	}
	if cmd.ComponentName != b.rt.Component().Name {
		return
	}
	switch {
	case cmd.InstanceID != "":
		b.handleTriggerEvent(data)
	case cmd.Event != nil:
		b.handleBroadcast(data)
	case cmd.MachineName != "":
		b.handleCreateInstance(data)
	}
}
