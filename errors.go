package resilience

import "errors"

var (
	// ErrAlreadyStarted indicates Start was called on a running supervisor.
	ErrAlreadyStarted = errors.New("resilience: supervisor is already started")
	// ErrNotStarted indicates Stop was called on a stopped supervisor.
	ErrNotStarted = errors.New("resilience: supervisor is not started")
)
