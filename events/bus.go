package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event names emitted by the resilience components.
const (
	RetryAttempt = "retry.attempt"
	RetrySuccess = "retry.success"
	RetryRetried = "retry.retried"
	RetryFailure = "retry.failure"

	BreakerStateChange = "breaker.state_change"
	BreakerRejected    = "breaker.rejected"
	BreakerSuccess     = "breaker.success"
	BreakerFailure     = "breaker.failure"

	DLQItemAdded   = "dlq.item_added"
	DLQItemRetried = "dlq.item_retried"
)

// Event is a single telemetry event. Measurements hold numeric values
// (counts, durations in milliseconds), Metadata holds string labels such
// as the dependency or breaker name.
type Event struct {
	Name         string
	Measurements map[string]float64
	Metadata     map[string]string
	Timestamp    time.Time
}

// Publisher is the write side of the bus. Components that emit events
// accept this interface so a nil bus can be swapped in for tests.
type Publisher interface {
	Publish(event Event)
}

// Subscription receives events from a Bus until cancelled.
type Subscription struct {
	ch     chan Event
	cancel func()
}

// Events returns the subscription's event channel. The channel is closed
// when the subscription is cancelled or the bus is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel removes the subscription from the bus.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Bus is an in-process publish/subscribe event bus. Publishing never
// blocks: a subscriber whose buffer is full misses the event and a drop
// counter is incremented instead.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	closed  bool
	dropped atomic.Int64
	bufSize int
	logger  *slog.Logger
}

// BusOption configures the bus.
type BusOption func(*Bus)

// WithBufferSize sets the per-subscriber channel buffer size.
func WithBufferSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// WithBusLogger sets the logger used for drop warnings.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates a new event bus.
func NewBus(options ...BusOption) *Bus {
	b := &Bus{
		subs:    make(map[int]*Subscription),
		bufSize: 256,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Publish delivers the event to every current subscriber. The timestamp
// is filled in if the caller left it zero.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber buffer full",
				"event", event.Name,
			)
		}
	}
}

// Subscribe registers a new subscriber and returns its subscription.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &Subscription{
		ch: make(chan Event, b.bufSize),
	}
	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}

	if b.closed {
		close(sub.ch)
		return sub
	}

	b.subs[id] = sub
	return sub
}

// Dropped returns the number of events discarded because a subscriber
// could not keep up.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close cancels all subscriptions. Publish becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Drain consumes events from the subscription until the context is done
// or the subscription is cancelled, invoking fn for each event.
func Drain(ctx context.Context, sub *Subscription, fn func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			fn(event)
		}
	}
}
