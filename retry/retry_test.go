package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/resilience-go/events"
)

// fastPolicy keeps test retries in the low-millisecond range.
func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
		RetryOn:       RetryOnAll(),
	}
}

func TestDo(t *testing.T) {
	t.Run("returns nil on first success", func(t *testing.T) {
		var calls int32

		err := Do(context.Background(), func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		}, fastPolicy(3))

		assert.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("succeeds after k failures with k+1 invocations", func(t *testing.T) {
		var calls int32

		err := Do(context.Background(), func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) <= 2 {
				return errors.New("transient")
			}
			return nil
		}, fastPolicy(3))

		assert.NoError(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("always failing makes max_retries+1 invocations", func(t *testing.T) {
		var calls int32
		final := errors.New("still broken")

		err := Do(context.Background(), func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return final
		}, fastPolicy(3))

		require.Error(t, err)
		assert.Equal(t, int32(4), atomic.LoadInt32(&calls))

		var rerr *Error
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, 4, rerr.Attempts)
		assert.ErrorIs(t, err, final)
	})

	t.Run("zero max retries means exactly one attempt", func(t *testing.T) {
		var calls int32

		err := Do(context.Background(), func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("nope")
		}, fastPolicy(0))

		assert.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("non-matching error kind is not retried", func(t *testing.T) {
		policy := fastPolicy(5)
		policy.RetryOn = RetryOnKinds(KindTransient)

		var calls int32
		err := Do(context.Background(), func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return Permanent(errors.New("bad request"))
		}, policy)

		assert.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("panic is captured as an error", func(t *testing.T) {
		err := Do(context.Background(), func(ctx context.Context) error {
			panic("boom")
		}, fastPolicy(1))

		require.Error(t, err)
		var perr *PanicError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "boom", perr.Value)
	})

	t.Run("invalid policy is rejected before any attempt", func(t *testing.T) {
		policy := fastPolicy(3)
		policy.MaxRetries = -1

		var calls int32
		err := Do(context.Background(), func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		}, policy)

		assert.ErrorIs(t, err, ErrInvalidPolicy)
		assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	})

	t.Run("cancellation interrupts the retry sleep", func(t *testing.T) {
		policy := fastPolicy(3)
		policy.InitialDelay = 10 * time.Second
		policy.MaxDelay = 10 * time.Second

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)

		go func() {
			done <- Do(ctx, func(ctx context.Context) error {
				return errors.New("fail")
			}, policy)
		}()

		time.Sleep(10 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("retry sleep was not interrupted by cancellation")
		}
	})

	t.Run("invokes OnRetry and OnFailure observers", func(t *testing.T) {
		var retries []int
		var failures int
		var finalAttempts int

		policy := fastPolicy(2)
		policy.OnRetry = func(attempt int, err error, delay time.Duration) {
			retries = append(retries, attempt)
			assert.Greater(t, delay, time.Duration(0))
		}
		policy.OnFailure = func(err error, attempts int) {
			failures++
			finalAttempts = attempts
		}

		err := Do(context.Background(), func(ctx context.Context) error {
			return errors.New("fail")
		}, policy)

		assert.Error(t, err)
		assert.Equal(t, []int{1, 2}, retries)
		assert.Equal(t, 1, failures)
		assert.Equal(t, 3, finalAttempts)
	})
}

func TestExecutorEvents(t *testing.T) {
	t.Run("publishes attempt, retry and failure events", func(t *testing.T) {
		bus := events.NewBus()
		sub := bus.Subscribe()
		exec := NewExecutor(WithBus(bus))

		err := exec.Do(context.Background(), "flaky-api", func(ctx context.Context) error {
			return errors.New("fail")
		}, fastPolicy(1))
		assert.Error(t, err)

		counts := map[string]int{}
		timeout := time.After(time.Second)
	loop:
		for {
			select {
			case event := <-sub.Events():
				counts[event.Name]++
				assert.Equal(t, "flaky-api", event.Metadata["operation"])
				if counts[events.RetryFailure] > 0 {
					break loop
				}
			case <-timeout:
				t.Fatal("timed out waiting for failure event")
			}
		}

		assert.Equal(t, 2, counts[events.RetryAttempt])
		assert.Equal(t, 1, counts[events.RetryRetried])
		assert.Equal(t, 1, counts[events.RetryFailure])
	})

	t.Run("publishes success with attempt count", func(t *testing.T) {
		bus := events.NewBus()
		sub := bus.Subscribe()
		exec := NewExecutor(WithBus(bus))

		err := exec.Do(context.Background(), "api", func(ctx context.Context) error {
			return nil
		}, fastPolicy(3))
		require.NoError(t, err)

		timeout := time.After(time.Second)
		for {
			select {
			case event := <-sub.Events():
				if event.Name == events.RetrySuccess {
					assert.Equal(t, float64(1), event.Measurements["attempts"])
					return
				}
			case <-timeout:
				t.Fatal("timed out waiting for success event")
			}
		}
	})
}

type recordingSink struct {
	failures []Failure
}

func (s *recordingSink) AddFailure(f Failure) {
	s.failures = append(s.failures, f)
}

func TestDoWithDLQ(t *testing.T) {
	t.Run("permanent failure produces exactly one dead letter", func(t *testing.T) {
		sink := &recordingSink{}
		exec := NewExecutor()

		err := exec.DoWithDLQ(context.Background(), "doomed", func(ctx context.Context) error {
			return errors.New("fatal")
		}, sink, fastPolicy(2))

		require.Error(t, err)
		require.Len(t, sink.failures, 1)
		assert.Equal(t, "doomed", sink.failures[0].Name)
		assert.Equal(t, 3, sink.failures[0].Attempts)
		assert.NotNil(t, sink.failures[0].Operation)
	})

	t.Run("success adds nothing", func(t *testing.T) {
		sink := &recordingSink{}
		exec := NewExecutor()

		err := exec.DoWithDLQ(context.Background(), "fine", func(ctx context.Context) error {
			return nil
		}, sink, fastPolicy(2))

		assert.NoError(t, err)
		assert.Empty(t, sink.failures)
	})

	t.Run("caller OnFailure runs before dead-lettering", func(t *testing.T) {
		sink := &recordingSink{}
		exec := NewExecutor()

		var observed bool
		policy := fastPolicy(0)
		policy.OnFailure = func(err error, attempts int) {
			observed = true
			assert.Empty(t, sink.failures)
		}

		err := exec.DoWithDLQ(context.Background(), "doomed", func(ctx context.Context) error {
			return errors.New("fatal")
		}, sink, policy)

		assert.Error(t, err)
		assert.True(t, observed)
		assert.Len(t, sink.failures, 1)
	})
}

func TestValue(t *testing.T) {
	t.Run("returns the operation result", func(t *testing.T) {
		exec := NewExecutor()
		var calls int32

		result, err := Value(context.Background(), exec, "lookup", func(ctx context.Context) (string, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return "", errors.New("transient")
			}
			return "payload", nil
		}, fastPolicy(2))

		assert.NoError(t, err)
		assert.Equal(t, "payload", result)
	})

	t.Run("returns zero value on failure", func(t *testing.T) {
		exec := NewExecutor()

		result, err := Value(context.Background(), exec, "lookup", func(ctx context.Context) (int, error) {
			return 42, errors.New("fail")
		}, fastPolicy(0))

		assert.Error(t, err)
		assert.Equal(t, 0, result)
	})
}
