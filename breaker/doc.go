// Package breaker implements a per-dependency circuit breaker.
//
// Each breaker is a closed/open/half-open state machine guarding one
// named dependency. Consecutive failures in closed state open the
// circuit; while open, calls are rejected without invoking the operation;
// after the configured open duration the next call runs as a trial in
// half-open state, where a single failure reopens the circuit and enough
// consecutive successes close it again.
//
// Thresholds are configured per breaker via options. State changes,
// rejections and call results are published as events for the telemetry
// reporter.
package breaker
