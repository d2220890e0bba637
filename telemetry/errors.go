package telemetry

import "errors"

var (
	// ErrAlreadyRunning indicates Start was called on a running reporter.
	ErrAlreadyRunning = errors.New("telemetry: reporter is already running")
	// ErrNotRunning indicates Stop was called on a stopped reporter.
	ErrNotRunning = errors.New("telemetry: reporter is not running")
)
