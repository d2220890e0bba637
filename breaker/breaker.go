package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/resilience-go/events"
	"github.com/glimte/resilience-go/retry"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Default thresholds, applied when no option overrides them.
const (
	DefaultFailureThreshold  = 5
	DefaultOpenDuration      = 30 * time.Second
	DefaultHalfOpenSuccesses = 3
	DefaultHalfOpenRequests  = 3
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CircuitBreaker guards calls to one named dependency. State is owned by
// the breaker and every transition happens under its lock, so concurrent
// callers through the same breaker never observe lost updates.
type CircuitBreaker struct {
	name   string
	bus    events.Publisher
	logger *slog.Logger
	clock  Clock

	failureThreshold  int
	openDuration      time.Duration
	halfOpenSuccesses int
	halfOpenRequests  int

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	currentHalfOpen int
	lastTransition  time.Time
}

// Option configures a circuit breaker.
type Option func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit.
func WithFailureThreshold(n int) Option {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.failureThreshold = n
		}
	}
}

// WithOpenDuration sets how long the circuit stays open before allowing
// a trial call.
func WithOpenDuration(d time.Duration) Option {
	return func(cb *CircuitBreaker) {
		if d > 0 {
			cb.openDuration = d
		}
	}
}

// WithHalfOpenSuccesses sets the consecutive successes in half-open
// required to close the circuit.
func WithHalfOpenSuccesses(n int) Option {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.halfOpenSuccesses = n
		}
	}
}

// WithHalfOpenRequests sets the number of concurrent trial calls admitted
// in half-open state.
func WithHalfOpenRequests(n int) Option {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.halfOpenRequests = n
		}
	}
}

// WithBus sets the event bus for telemetry events.
func WithBus(bus events.Publisher) Option {
	return func(cb *CircuitBreaker) {
		cb.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithClock sets the clock. Tests use this to step through the open
// duration without sleeping.
func WithClock(clock Clock) Option {
	return func(cb *CircuitBreaker) {
		cb.clock = clock
	}
}

// New creates a circuit breaker for the named dependency, starting closed.
func New(name string, options ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:              name,
		logger:            slog.Default(),
		clock:             realClock{},
		failureThreshold:  DefaultFailureThreshold,
		openDuration:      DefaultOpenDuration,
		halfOpenSuccesses: DefaultHalfOpenSuccesses,
		halfOpenRequests:  DefaultHalfOpenRequests,
		state:             StateClosed,
	}

	for _, opt := range options {
		opt(cb)
	}

	cb.lastTransition = cb.clock.Now()
	return cb
}

// Name returns the dependency name this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs op through the breaker. When the circuit is open the
// operation is not invoked and a *RejectedError is returned; callers can
// distinguish "not attempted" from "attempted and failed" with Rejected.
// A panic inside op counts as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, op retry.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := cb.admit(); err != nil {
		cb.publish(events.BreakerRejected, nil, nil)
		return err
	}

	start := cb.clock.Now()
	err := safeCall(ctx, op)
	elapsed := cb.clock.Now().Sub(start)

	cb.record(err)

	result := events.BreakerSuccess
	if err != nil {
		result = events.BreakerFailure
	}
	cb.publish(result, map[string]float64{
		"duration_ms": float64(elapsed.Milliseconds()),
	}, nil)

	return err
}

// State returns the current state, applying the open->half-open timeout
// if it has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Counts returns the consecutive failure and half-open success counters.
func (cb *CircuitBreaker) Counts() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.successes
}

// Reset forces the breaker back to closed with all counters cleared.
// Supervised restarts use this: a restarted breaker fails toward
// availability, not safety.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed, "reset")
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		return nil

	case StateOpen:
		return cb.rejectedError()

	case StateHalfOpen:
		if cb.currentHalfOpen >= cb.halfOpenRequests {
			return cb.rejectedError()
		}
		cb.currentHalfOpen++
		return nil
	}

	return cb.rejectedError()
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++

		switch cb.currentState() {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transition(StateOpen, "failure threshold reached")
			}
		case StateHalfOpen:
			cb.transition(StateOpen, "failure during trial")
		}
		return
	}

	switch cb.currentState() {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.halfOpenSuccesses {
			cb.transition(StateClosed, "trial successes reached")
		}
	}
}

// currentState lazily applies the open->half-open transition once the
// open duration has elapsed. Callers must hold cb.mu.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.clock.Now().Sub(cb.lastTransition) >= cb.openDuration {
		cb.transition(StateHalfOpen, "open duration elapsed")
	}
	return cb.state
}

// transition moves to a new state, resets counters and emits a
// state_change event. Callers must hold cb.mu.
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.currentHalfOpen = 0
	cb.lastTransition = cb.clock.Now()

	if from == to {
		return
	}

	cb.logger.Info("circuit breaker state change",
		"breaker", cb.name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)

	cb.publish(events.BreakerStateChange, nil, map[string]string{
		"from":   from.String(),
		"to":     to.String(),
		"reason": reason,
	})
}

func (cb *CircuitBreaker) rejectedError() error {
	return &RejectedError{
		Breaker:   cb.name,
		State:     cb.state,
		RetryAt:   cb.lastTransition.Add(cb.openDuration),
		Threshold: cb.failureThreshold,
	}
}

func (cb *CircuitBreaker) publish(name string, measurements map[string]float64, metadata map[string]string) {
	if cb.bus == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["breaker"] = cb.name
	cb.bus.Publish(events.Event{
		Name:         name,
		Measurements: measurements,
		Metadata:     metadata,
	})
}

// safeCall runs op, converting a panic into an error so a faulting
// dependency call still counts as an ordinary failure.
func safeCall(ctx context.Context, op retry.Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &retry.PanicError{Value: r}
		}
	}()
	return op(ctx)
}
