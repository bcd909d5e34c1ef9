package broker

import (
	"sync"
	"time"

	"github.com/fluxorio/machina/pkg/core"
)

// MemoryBroker dispatches in-process. Per-channel FIFO is guaranteed by one
// delivery goroutine per channel; delivery to subscribers is synchronous
// within that goroutine, so command order per channel is preserved.
type MemoryBroker struct {
	mu       sync.RWMutex
	channels map[string]*memoryChannel
	closed   bool
}

type memoryChannel struct {
	mu      sync.RWMutex
	subs    map[int]Handler
	nextSub int
	queue   chan []byte
	done    chan struct{}
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{channels: make(map[string]*memoryChannel)}
}

func (b *MemoryBroker) channel(name string) (*memoryChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch, ok := b.channels[name]
	if !ok {
		ch = &memoryChannel{
			subs:  make(map[int]Handler),
			queue: make(chan []byte, 1024),
			done:  make(chan struct{}),
		}
		b.channels[name] = ch
		go ch.run()
	}
	return ch, nil
}

func (ch *memoryChannel) run() {
	for {
		select {
		case <-ch.done:
			return
		case data := <-ch.queue:
			ch.mu.RLock()
			handlers := make([]Handler, 0, len(ch.subs))
			for _, h := range ch.subs {
				handlers = append(handlers, h)
			}
			ch.mu.RUnlock()
			for _, h := range handlers {
				h(data)
			}
		}
	}
}

// Publish implements MessageBroker.
func (b *MemoryBroker) Publish(channel string, body interface{}) error {
	data, err := encodeBody(body)
	if err != nil {
		return err
	}
	ch, err := b.channel(channel)
	if err != nil {
		return err
	}
	select {
	case ch.queue <- data:
		return nil
	case <-ch.done:
		return ErrClosed
	}
}

// Subscribe implements MessageBroker.
func (b *MemoryBroker) Subscribe(channel string, handler Handler) (Subscription, error) {
	ch, err := b.channel(channel)
	if err != nil {
		return nil, err
	}
	ch.mu.Lock()
	id := ch.nextSub
	ch.nextSub++
	ch.subs[id] = handler
	ch.mu.Unlock()
	return &memorySubscription{ch: ch, id: id}, nil
}

// Request implements MessageBroker using an ephemeral reply channel keyed by
// request id, mirroring the NATS inbox pattern.
func (b *MemoryBroker) Request(channel string, body interface{}, timeout time.Duration) ([]byte, error) {
	replyChannel := channel + ":reply:" + core.GenerateRequestID()

	replyCh := make(chan []byte, 1)
	sub, err := b.Subscribe(replyChannel, func(data []byte) {
		select {
		case replyCh <- data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	req := map[string]interface{}{"replyChannel": replyChannel}
	if data, err := encodeBody(body); err == nil {
		var decoded map[string]interface{}
		if core.JSONDecode(data, &decoded) == nil {
			for k, v := range decoded {
				req[k] = v
			}
		}
	}
	if err := b.Publish(channel, req); err != nil {
		return nil, err
	}

	select {
	case data := <-replyCh:
		return data, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// Reply publishes a response to a Request made through this broker.
func (b *MemoryBroker) Reply(replyChannel string, body interface{}) error {
	return b.Publish(replyChannel, body)
}

// Close implements MessageBroker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.channels {
		close(ch.done)
	}
	return nil
}

type memorySubscription struct {
	ch   *memoryChannel
	id   int
	once sync.Once
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.ch.mu.Lock()
		delete(s.ch.subs, s.id)
		s.ch.mu.Unlock()
	})
	return nil
}

func encodeBody(body interface{}) ([]byte, error) {
	if data, ok := body.([]byte); ok {
		return data, nil
	}
	return core.JSONEncode(body)
}
