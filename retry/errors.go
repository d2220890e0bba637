package retry

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidPolicy indicates a policy that fails validation.
	ErrInvalidPolicy = errors.New("retry: invalid policy")
)

// Error is returned when an operation has exhausted its retries or hit a
// non-retryable error. It wraps the last error the operation returned.
type Error struct {
	Op       string
	Attempts int
	Duration time.Duration
	LastErr  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retry: %s failed after %d attempt(s) over %v: %v",
		e.Op, e.Attempts, e.Duration.Round(time.Millisecond), e.LastErr)
}

func (e *Error) Unwrap() error {
	return e.LastErr
}

// PanicError normalizes a panic raised by a caller-supplied operation
// into an ordinary error value.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("retry: operation panicked: %v", e.Value)
}

// Kind classifies panics for RetryOn matching.
func (e *PanicError) Kind() string {
	return KindPanic
}

// TransientError marks an error as transient so kind-based policies can
// select it for retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Kind implements Kinded.
func (e *TransientError) Kind() string {
	return KindTransient
}

// PermanentError marks an error as permanent, excluding it from retry
// under kind-based policies.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Kind implements Kinded.
func (e *PermanentError) Kind() string {
	return KindPermanent
}

// Transient wraps err as a transient error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a permanent error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
