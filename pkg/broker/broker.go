// Package broker abstracts the message fabric used by federated
// deployments: publish/subscribe over named channels with at-least-once
// delivery and request/response correlation. Implementations map channels to
// NATS subjects or dispatch in memory.
package broker

import (
	"errors"
	"time"
)

// Well-known channel names.
const (
	ChannelAnnounce  = "fsm:registry:announce"
	ChannelHeartbeat = "fsm:registry:heartbeat"
	ChannelShutdown  = "fsm:registry:shutdown"

	ChannelStateChange      = "fsm:events:state_change"
	ChannelInstanceCreated  = "fsm:events:instance_created"
	ChannelInstanceDisposed = "fsm:events:instance_disposed"
	ChannelInstanceError    = "fsm:events:instance_error"
	ChannelCascade          = "fsm:events:cross_component_cascade"

	ChannelTriggerEvent   = "fsm:commands:trigger_event"
	ChannelCreateInstance = "fsm:commands:create_instance"
	ChannelBroadcast      = "fsm:commands:broadcast"

	ChannelQueryInstances = "fsm:query:instances"
	ChannelQueryResponse  = "fsm:query:response"

	// External API channels (opt-in surface for non-engine producers).
	ChannelExternalCommands   = "xcomponent:external:commands"
	ChannelExternalBroadcasts = "xcomponent:external:broadcasts"
)

// ComponentChannel scopes a channel to one component so that command
// subscriptions do not receive traffic for unrelated components.
func ComponentChannel(channel, componentName string) string {
	return channel + ":" + componentName
}

// Errors.
var (
	ErrClosed  = errors.New("broker: closed")
	ErrTimeout = errors.New("broker: request timeout")
)

// Handler consumes one raw message. Bodies are self-describing JSON
// documents carrying a sender id and a timestamp; handlers must be
// idempotent because delivery is at-least-once.
type Handler func(data []byte)

// Subscription is an active channel subscription.
type Subscription interface {
	// Unsubscribe stops delivery. Idempotent.
	Unsubscribe() error
}

// MessageBroker is the engine's messaging contract.
//
// Semantics:
// - At-least-once delivery.
// - Publish is non-blocking with respect to subscriber handlers.
// - Per-channel FIFO for command channels (implementations that cannot
//   guarantee it must partition by instance id).
// - No self-filtering: subscribers see their own publishes and must filter
//   by sender id.
type MessageBroker interface {
	// Publish sends body (JSON-encoded if not already []byte) on channel.
	Publish(channel string, body interface{}) error

	// Subscribe registers handler for channel.
	Subscribe(channel string, handler Handler) (Subscription, error)

	// Request publishes on channel and waits for the correlated reply. The
	// receiving handler sees a replyChannel field spliced into the body and
	// answers through Reply.
	Request(channel string, body interface{}, timeout time.Duration) ([]byte, error)

	// Reply answers a Request, addressing the replyChannel captured by the
	// handler.
	Reply(replyChannel string, body interface{}) error

	// Close tears the broker connection down.
	Close() error
}

// Envelope is the lifecycle event document published on fsm:events:*.
type Envelope struct {
	Type          string      `json:"type"`
	ComponentName string      `json:"componentName"`
	SenderID      string      `json:"senderId,omitempty"`
	Data          interface{} `json:"data"`
	Timestamp     int64       `json:"timestamp"`
}

// Command is the document published on fsm:commands:*.
type Command struct {
	ComponentName string                   `json:"componentName"`
	InstanceID    string                   `json:"instanceId,omitempty"`
	MachineName   string                   `json:"machineName,omitempty"`
	CurrentState  string                   `json:"currentState,omitempty"`
	Filters       []Filter                 `json:"filters,omitempty"`
	Event         map[string]interface{}   `json:"event,omitempty"`
	Context       map[string]interface{}   `json:"context,omitempty"`
	Parent        map[string]string        `json:"parent,omitempty"`
	RequestID     string                   `json:"requestId,omitempty"`
	SenderID      string                   `json:"senderId"`
	Timestamp     int64                    `json:"timestamp"`
}

// Filter is an external broadcast filter clause.
type Filter struct {
	Path     string      `json:"path"`
	Operator string      `json:"operator,omitempty"`
	Value    interface{} `json:"value"`
}

// Query asks a broadcaster for its instances.
type Query struct {
	ComponentName string `json:"componentName"`
	MachineName   string `json:"machineName,omitempty"`
	InstanceID    string `json:"instanceId,omitempty"`
	RequestID     string `json:"requestId"`
	SenderID      string `json:"senderId"`
	Timestamp     int64  `json:"timestamp"`
}

// Announce is published when a broadcaster connects.
type Announce struct {
	RuntimeID     string   `json:"runtimeId"`
	ComponentName string   `json:"componentName"`
	Machines      []string `json:"machines"`
	Host          string   `json:"host,omitempty"`
	Port          int      `json:"port,omitempty"`
	Timestamp     int64    `json:"timestamp"`
}
