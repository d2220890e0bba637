// Package telemetry aggregates the resilience event stream into periodic
// operational reports.
//
// The reporter subscribes to the event bus, keeps windowed counters per
// event category and dependency name together with a bounded rolling
// sample of response times, and on each interval logs a structured
// summary and resets the window. Counters are windowed, not cumulative;
// the optional Prometheus exporter covers the cumulative view.
package telemetry
