package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryOn selects which error kinds are eligible for retry.
type RetryOn struct {
	all   bool
	kinds map[string]struct{}
}

// RetryOnAll retries every error kind.
func RetryOnAll() RetryOn {
	return RetryOn{all: true}
}

// RetryOnKinds retries only errors whose kind is in the given set.
func RetryOnKinds(kinds ...string) RetryOn {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return RetryOn{kinds: set}
}

// Matches reports whether the error is eligible for retry under this
// selector. Error kinds are resolved via ErrorKind.
func (r RetryOn) Matches(err error) bool {
	if r.all {
		return true
	}
	_, ok := r.kinds[ErrorKind(err)]
	return ok
}

// Kinded is implemented by errors that classify themselves into a kind.
type Kinded interface {
	Kind() string
}

// ErrorKind returns the kind of an error. Errors implementing Kinded
// report their own kind; everything else is KindUnknown.
func ErrorKind(err error) string {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// Well-known error kinds.
const (
	KindUnknown   = "unknown"
	KindTransient = "transient"
	KindPermanent = "permanent"
	KindPanic     = "panic"
)

// OnRetryFunc is invoked before each retry sleep with the upcoming
// attempt number (1-based), the error that triggered the retry, and the
// computed delay.
type OnRetryFunc func(attempt int, err error, delay time.Duration)

// OnFailureFunc is invoked once when retries are exhausted or the error
// is not retryable, with the final error and the total attempts made.
type OnFailureFunc func(err error, attempts int)

// Policy controls the retry schedule for a single call. The zero value is
// not valid; use DefaultPolicy or construct one explicitly and Validate it.
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
	RetryOn       RetryOn

	OnRetry   OnRetryFunc
	OnFailure OnFailureFunc
}

// DefaultPolicy returns a policy with 3 retries, 100ms initial delay
// doubling up to 10s, jitter enabled, retrying all error kinds.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
		RetryOn:       RetryOnAll(),
	}
}

// Validate checks the policy for configuration errors. Policies are
// validated once at call time so a bad configuration fails fast instead
// of surfacing mid-retry.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: MaxRetries must be >= 0, got %d", ErrInvalidPolicy, p.MaxRetries)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("%w: InitialDelay must be >= 0, got %v", ErrInvalidPolicy, p.InitialDelay)
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("%w: MaxDelay %v is less than InitialDelay %v", ErrInvalidPolicy, p.MaxDelay, p.InitialDelay)
	}
	if p.BackoffFactor < 1 {
		return fmt.Errorf("%w: BackoffFactor must be >= 1, got %g", ErrInvalidPolicy, p.BackoffFactor)
	}
	return nil
}

// Delay computes the sleep before retry number attempt+1. The exponential
// delay is clamped to MaxDelay before jitter perturbs it by up to ±25%.
func (p Policy) Delay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt))

	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		delay += delay * 0.25 * (2*rand.Float64() - 1)
	}

	return time.Duration(delay)
}
