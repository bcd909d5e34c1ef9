package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS-backed broker.
type NATSConfig struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string

	// Prefix is prepended to all subjects. Default: "machina".
	Prefix string

	// Name is an optional NATS connection name.
	Name string

	// RequestTimeout is the default timeout used by Request when timeout==0.
	RequestTimeout time.Duration
}

// NATSBroker maps channels to NATS subjects.
//
// Subject mapping: <prefix>.<channel with ':' replaced by '.'>. NATS
// delivers per subscription in publish order, which satisfies the
// per-channel FIFO requirement for command channels.
type NATSBroker struct {
	nc             *nats.Conn
	prefix         string
	requestTimeout time.Duration
}

// NewNATSBroker connects to NATS.
func NewNATSBroker(cfg NATSConfig) (*NATSBroker, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "machina"
	}
	reqTimeout := cfg.RequestTimeout
	if reqTimeout <= 0 {
		reqTimeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("broker: nats connect: %w", err)
	}

	return &NATSBroker{
		nc:             nc,
		prefix:         prefix,
		requestTimeout: reqTimeout,
	}, nil
}

func (b *NATSBroker) subject(channel string) string {
	return b.prefix + "." + strings.ReplaceAll(channel, ":", ".")
}

// Publish implements MessageBroker.
func (b *NATSBroker) Publish(channel string, body interface{}) error {
	data, err := encodeBody(body)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.subject(channel), data); err != nil {
		return fmt.Errorf("broker: nats publish: %w", err)
	}
	return nil
}

// Subscribe implements MessageBroker.
func (b *NATSBroker) Subscribe(channel string, handler Handler) (Subscription, error) {
	sub, err := b.nc.Subscribe(b.subject(channel), func(msg *nats.Msg) {
		if msg.Reply != "" {
			// Requests carry their reply inbox; expose it the same way the
			// memory broker does.
			handler(injectReply(msg.Data, msg.Reply))
			return
		}
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("broker: nats subscribe: %w", err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Request implements MessageBroker via the NATS request/reply inbox.
func (b *NATSBroker) Request(channel string, body interface{}, timeout time.Duration) ([]byte, error) {
	data, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = b.requestTimeout
	}
	msg, err := b.nc.Request(b.subject(channel), data, timeout)
	if err != nil {
		if err == nats.ErrTimeout {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("broker: nats request: %w", err)
	}
	return msg.Data, nil
}

// Reply publishes a response to a raw reply subject captured by injectReply.
func (b *NATSBroker) Reply(replySubject string, body interface{}) error {
	data, err := encodeBody(body)
	if err != nil {
		return err
	}
	return b.nc.Publish(replySubject, data)
}

// Close implements MessageBroker.
func (b *NATSBroker) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

// injectReply splices a replyChannel field into a JSON object body so the
// handler protocol matches the memory broker.
func injectReply(data []byte, reply string) []byte {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return data
	}
	inner := strings.TrimSuffix(trimmed, "}")
	sep := ","
	if strings.TrimSpace(strings.TrimPrefix(inner, "{")) == "" {
		sep = ""
	}
	return []byte(inner + sep + `"replyChannel":` + fmt.Sprintf("%q", reply) + "}")
}
