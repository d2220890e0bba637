// Package resilience protects calls to unreliable external dependencies
// from cascading failure.
//
// Four cooperating services make up the layer: a retrying executor with
// exponential backoff and jitter (package retry), a per-dependency
// circuit breaker (package breaker), a dead letter queue for permanently
// failed work (package dlq), and a telemetry reporter that turns the raw
// failure, retry and rejection event stream into periodic operational
// reports (package telemetry). The Supervisor in this package wires them
// together and owns the dynamic group of named circuit breakers.
//
// Callers hand the layer an opaque fallible operation and receive back a
// result, a typed rejection, or a record that the operation was queued
// for manual recovery. Nothing a supplied operation does, including
// panicking, can crash the layer.
package resilience
