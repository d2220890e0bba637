package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/resilience-go/events"
)

// Operation is a caller-supplied fallible thunk. Implementations should
// honor ctx cancellation but are not required to; the executor checks the
// context between attempts either way.
type Operation func(ctx context.Context) error

// Failure describes a permanently failed operation as handed to a dead
// letter sink: the operation itself (so it can be replayed later), the
// final error, and how many attempts were made.
type Failure struct {
	Name      string
	Operation Operation
	Err       error
	Attempts  int
}

// DeadLetter is the sink for permanently failed operations. Implemented
// by dlq.Queue.
type DeadLetter interface {
	AddFailure(f Failure)
}

// Executor drives retried operations and publishes telemetry events.
// The zero value works with no telemetry and the default logger.
type Executor struct {
	bus    events.Publisher
	logger *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBus sets the event bus for telemetry events.
func WithBus(bus events.Publisher) ExecutorOption {
	return func(e *Executor) {
		e.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor.
func NewExecutor(options ...ExecutorOption) *Executor {
	e := &Executor{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(e)
	}

	return e
}

// Do executes op under the given policy, retrying transient failures with
// exponential backoff. It returns nil on the first success, a validation
// error if the policy is malformed, ctx.Err() if the context is cancelled
// while waiting, and otherwise a *Error wrapping the operation's final
// error. A panic inside op is captured as a *PanicError and treated like
// any other returned error.
func (e *Executor) Do(ctx context.Context, name string, op Operation, policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	start := time.Now()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		e.publish(events.RetryAttempt, name, map[string]float64{"attempt": float64(attempt)}, nil)

		err := invoke(ctx, op)
		if err == nil {
			e.publish(events.RetrySuccess, name, map[string]float64{
				"attempts":    float64(attempt + 1),
				"duration_ms": float64(time.Since(start).Milliseconds()),
			}, nil)
			return nil
		}

		if attempt < policy.MaxRetries && policy.RetryOn.Matches(err) {
			delay := policy.Delay(attempt)

			e.publish(events.RetryRetried, name, map[string]float64{
				"attempt":  float64(attempt + 1),
				"delay_ms": float64(delay.Milliseconds()),
			}, map[string]string{"kind": ErrorKind(err)})

			e.logger.Debug("operation failed, retrying",
				"operation", name,
				"attempt", attempt+1,
				"delay", delay,
				"error", err,
			)

			if policy.OnRetry != nil {
				policy.OnRetry(attempt+1, err, delay)
			}

			if werr := wait(ctx, delay); werr != nil {
				return werr
			}
			continue
		}

		attempts := attempt + 1
		e.publish(events.RetryFailure, name, map[string]float64{
			"attempts": float64(attempts),
		}, map[string]string{"kind": ErrorKind(err)})

		e.logger.Warn("operation failed permanently",
			"operation", name,
			"attempts", attempts,
			"error", err,
		)

		if policy.OnFailure != nil {
			policy.OnFailure(err, attempts)
		}

		return &Error{
			Op:       name,
			Attempts: attempts,
			Duration: time.Since(start),
			LastErr:  err,
		}
	}
}

// DoWithDLQ is Do with an OnFailure hook that appends the failed
// operation to the dead letter sink. Exactly one entry is added per
// permanent failure; a caller-supplied OnFailure still runs first.
func (e *Executor) DoWithDLQ(ctx context.Context, name string, op Operation, dl DeadLetter, policy Policy) error {
	caller := policy.OnFailure
	policy.OnFailure = func(err error, attempts int) {
		if caller != nil {
			caller(err, attempts)
		}
		dl.AddFailure(Failure{
			Name:      name,
			Operation: op,
			Err:       err,
			Attempts:  attempts,
		})
	}
	return e.Do(ctx, name, op, policy)
}

func (e *Executor) publish(name, op string, measurements map[string]float64, metadata map[string]string) {
	if e.bus == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["operation"] = op
	e.bus.Publish(events.Event{
		Name:         name,
		Measurements: measurements,
		Metadata:     metadata,
	})
}

// Do executes op under policy without telemetry.
func Do(ctx context.Context, op Operation, policy Policy) error {
	return NewExecutor().Do(ctx, "operation", op, policy)
}

// Value executes fn through the executor and returns its result along
// with any final error.
func Value[T any](ctx context.Context, e *Executor, name string, fn func(ctx context.Context) (T, error), policy Policy) (T, error) {
	var result T
	err := e.Do(ctx, name, func(ctx context.Context) error {
		var opErr error
		result, opErr = fn(ctx)
		return opErr
	}, policy)
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// invoke runs op, converting a panic into a *PanicError so a faulting
// operation can never crash the caller.
func invoke(ctx context.Context, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return op(ctx)
}

// wait sleeps for delay or until the context is cancelled, whichever
// comes first. The timer is released either way.
func wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
