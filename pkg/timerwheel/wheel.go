// Package timerwheel implements a hashed timing wheel: O(1) schedule and
// cancel with coarse tick precision. Timeout transitions tolerate
// hundreds-of-milliseconds granularity, so a small wheel beats one goroutine
// or heap entry per pending timeout.
package timerwheel

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTick is the wheel advance interval.
	DefaultTick = 100 * time.Millisecond
	// DefaultSlots is the number of buckets.
	DefaultSlots = 512
)

// Timer is a handle for a scheduled callback.
type Timer struct {
	wheel     *Wheel
	slot      int
	elem      *list.Element
	rounds    int
	callback  func()
	cancelled int32
	// Deadline is the monotonic-clock expiration target.
	Deadline time.Time
}

// Cancel removes the timer. Safe to call multiple times and after firing.
func (t *Timer) Cancel() {
	if t == nil || !atomic.CompareAndSwapInt32(&t.cancelled, 0, 1) {
		return
	}
	t.wheel.remove(t)
}

// Wheel is a hashed timing wheel. Callbacks fire on the wheel's own
// goroutine; callers that need serialization must re-queue into their own
// dispatcher.
type Wheel struct {
	tick    time.Duration
	slots   []*list.List
	cursor  int
	mu      sync.Mutex
	pending int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Config configures a wheel. Zero values pick defaults.
type Config struct {
	Tick  time.Duration
	Slots int
}

// New creates and starts a timing wheel.
func New(cfg Config) *Wheel {
	tick := cfg.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	slots := cfg.Slots
	if slots <= 0 {
		slots = DefaultSlots
	}

	w := &Wheel{
		tick:   tick,
		slots:  make([]*list.List, slots),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for i := range w.slots {
		w.slots[i] = list.New()
	}

	go w.run()
	return w
}

// Schedule registers callback to fire after delay. A non-positive delay
// fires on the next tick, never re-entrantly within the caller.
func (w *Wheel) Schedule(delay time.Duration, callback func()) *Timer {
	if delay < 0 {
		delay = 0
	}

	ticks := int(delay / w.tick)
	// A zero-delay timer still waits for the next tick.
	if ticks == 0 {
		ticks = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	slot := (w.cursor + ticks) % len(w.slots)
	t := &Timer{
		wheel:    w,
		slot:     slot,
		rounds:   ticks / len(w.slots),
		callback: callback,
		Deadline: time.Now().Add(delay),
	}
	t.elem = w.slots[slot].PushBack(t)
	atomic.AddInt64(&w.pending, 1)
	return t
}

// Pending returns the number of timers currently armed.
func (w *Wheel) Pending() int64 {
	return atomic.LoadInt64(&w.pending)
}

// Stop halts the wheel. Armed timers never fire afterwards.
func (w *Wheel) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		<-w.doneCh
	})
}

func (w *Wheel) run() {
	defer close(w.doneCh)

	// time.Ticker rides the monotonic clock, so wall-clock jumps do not
	// disturb pending expirations.
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.advance()
		}
	}
}

func (w *Wheel) advance() {
	w.mu.Lock()
	w.cursor = (w.cursor + 1) % len(w.slots)
	bucket := w.slots[w.cursor]

	var due []*Timer
	for e := bucket.Front(); e != nil; {
		next := e.Next()
		t := e.Value.(*Timer)
		if t.rounds > 0 {
			t.rounds--
		} else {
			bucket.Remove(e)
			t.elem = nil
			atomic.AddInt64(&w.pending, -1)
			due = append(due, t)
		}
		e = next
	}
	w.mu.Unlock()

	for _, t := range due {
		if atomic.CompareAndSwapInt32(&t.cancelled, 0, 1) {
			t.callback()
		}
	}
}

func (w *Wheel) remove(t *Timer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// advance clears elem under the same lock, so a non-nil elem means the
	// timer is still parked in its bucket.
	if t.elem != nil {
		w.slots[t.slot].Remove(t.elem)
		t.elem = nil
		atomic.AddInt64(&w.pending, -1)
	}
}
