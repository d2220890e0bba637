package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/resilience-go/events"
)

// fakeClock steps through time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func failing(ctx context.Context) error { return errors.New("dependency down") }
func succeeding(ctx context.Context) error { return nil }

func TestCircuitBreaker(t *testing.T) {
	t.Run("starts closed and executes operations", func(t *testing.T) {
		cb := New("payments")
		executed := false

		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			executed = true
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, executed)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("opens after consecutive failures reach the threshold", func(t *testing.T) {
		cb := New("payments", WithFailureThreshold(5), WithClock(newFakeClock()))

		for i := 0; i < 5; i++ {
			assert.Error(t, cb.Execute(context.Background(), failing))
		}
		assert.Equal(t, StateOpen, cb.State())

		// The 6th call must be rejected without invoking the operation.
		invoked := false
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			invoked = true
			return nil
		})

		require.Error(t, err)
		assert.False(t, invoked)
		assert.True(t, Rejected(err))

		var rerr *RejectedError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "payments", rerr.Breaker)
		assert.Equal(t, StateOpen, rerr.State)
	})

	t.Run("success in closed state resets the failure counter", func(t *testing.T) {
		cb := New("payments", WithFailureThreshold(3))

		cb.Execute(context.Background(), failing)
		cb.Execute(context.Background(), failing)
		cb.Execute(context.Background(), succeeding)
		cb.Execute(context.Background(), failing)
		cb.Execute(context.Background(), failing)

		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("allows a trial call after the open duration", func(t *testing.T) {
		clock := newFakeClock()
		cb := New("payments",
			WithFailureThreshold(1),
			WithOpenDuration(30*time.Second),
			WithClock(clock),
		)

		cb.Execute(context.Background(), failing)
		assert.Equal(t, StateOpen, cb.State())

		// Still rejected just before the duration elapses.
		clock.Advance(29 * time.Second)
		assert.True(t, Rejected(cb.Execute(context.Background(), succeeding)))

		clock.Advance(2 * time.Second)
		executed := false
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			executed = true
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, executed)
		assert.Equal(t, StateHalfOpen, cb.State())
	})

	t.Run("single failure in half-open reopens the circuit", func(t *testing.T) {
		clock := newFakeClock()
		cb := New("payments",
			WithFailureThreshold(1),
			WithOpenDuration(time.Second),
			WithClock(clock),
		)

		cb.Execute(context.Background(), failing)
		clock.Advance(2 * time.Second)

		assert.Error(t, cb.Execute(context.Background(), failing))
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("closes after enough consecutive half-open successes", func(t *testing.T) {
		clock := newFakeClock()
		cb := New("payments",
			WithFailureThreshold(1),
			WithOpenDuration(time.Second),
			WithHalfOpenSuccesses(3),
			WithHalfOpenRequests(3),
			WithClock(clock),
		)

		cb.Execute(context.Background(), failing)
		clock.Advance(2 * time.Second)

		for i := 0; i < 3; i++ {
			assert.NoError(t, cb.Execute(context.Background(), succeeding))
		}
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("limits trial calls in half-open", func(t *testing.T) {
		clock := newFakeClock()
		cb := New("payments",
			WithFailureThreshold(1),
			WithOpenDuration(time.Second),
			WithHalfOpenSuccesses(5),
			WithHalfOpenRequests(2),
			WithClock(clock),
		)

		cb.Execute(context.Background(), failing)
		clock.Advance(2 * time.Second)

		assert.NoError(t, cb.Execute(context.Background(), succeeding))
		assert.NoError(t, cb.Execute(context.Background(), succeeding))

		err := cb.Execute(context.Background(), succeeding)
		assert.True(t, Rejected(err))
	})

	t.Run("panic in the operation counts as a failure", func(t *testing.T) {
		cb := New("payments", WithFailureThreshold(1))

		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			panic("dependency blew up")
		})

		assert.Error(t, err)
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("reset returns an open breaker to closed", func(t *testing.T) {
		cb := New("payments", WithFailureThreshold(1))

		cb.Execute(context.Background(), failing)
		assert.Equal(t, StateOpen, cb.State())

		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())

		failures, successes := cb.Counts()
		assert.Zero(t, failures)
		assert.Zero(t, successes)
	})

	t.Run("cancelled context is returned without recording", func(t *testing.T) {
		cb := New("payments", WithFailureThreshold(1))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := cb.Execute(ctx, succeeding)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateClosed, cb.State())
	})
}

func TestCircuitBreakerEvents(t *testing.T) {
	collect := func(sub *events.Subscription, until string) []events.Event {
		var got []events.Event
		timeout := time.After(time.Second)
		for {
			select {
			case event := <-sub.Events():
				got = append(got, event)
				if event.Name == until {
					return got
				}
			case <-timeout:
				return got
			}
		}
	}

	t.Run("emits state_change with from and to", func(t *testing.T) {
		bus := events.NewBus()
		sub := bus.Subscribe()
		cb := New("search", WithFailureThreshold(1), WithBus(bus))

		cb.Execute(context.Background(), failing)

		got := collect(sub, events.BreakerStateChange)
		require.NotEmpty(t, got)

		last := got[len(got)-1]
		assert.Equal(t, events.BreakerStateChange, last.Name)
		assert.Equal(t, "search", last.Metadata["breaker"])
		assert.Equal(t, "closed", last.Metadata["from"])
		assert.Equal(t, "open", last.Metadata["to"])
	})

	t.Run("emits rejected for fast-failed calls", func(t *testing.T) {
		bus := events.NewBus()
		cb := New("search", WithFailureThreshold(1), WithBus(bus))

		cb.Execute(context.Background(), failing)

		sub := bus.Subscribe()
		cb.Execute(context.Background(), succeeding)

		got := collect(sub, events.BreakerRejected)
		require.NotEmpty(t, got)
		assert.Equal(t, events.BreakerRejected, got[len(got)-1].Name)
	})

	t.Run("emits success and failure with durations", func(t *testing.T) {
		bus := events.NewBus()
		sub := bus.Subscribe()
		cb := New("search", WithBus(bus))

		cb.Execute(context.Background(), succeeding)

		got := collect(sub, events.BreakerSuccess)
		require.NotEmpty(t, got)

		last := got[len(got)-1]
		assert.Contains(t, last.Measurements, "duration_ms")
	})
}
