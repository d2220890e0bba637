package breaker

import (
	"errors"
	"fmt"
	"time"
)

// RejectedError is returned when a call is fast-failed without invoking
// the operation because the circuit is open (or the half-open trial quota
// is exhausted). It is a distinct error kind so callers can tell "not
// attempted" from "attempted and failed".
type RejectedError struct {
	Breaker   string
	State     State
	RetryAt   time.Time
	Threshold int
}

func (e *RejectedError) Error() string {
	switch e.State {
	case StateOpen:
		return fmt.Sprintf("breaker %q open: call rejected, retry after %s",
			e.Breaker, e.RetryAt.Format(time.RFC3339))
	case StateHalfOpen:
		return fmt.Sprintf("breaker %q half-open: trial quota exhausted", e.Breaker)
	default:
		return fmt.Sprintf("breaker %q: call rejected in state %s", e.Breaker, e.State)
	}
}

// Kind classifies rejections for retry policies; rejected calls are not
// transient dependency errors.
func (e *RejectedError) Kind() string {
	return "circuit-rejected"
}

// Rejected reports whether err is a circuit breaker rejection.
func Rejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
