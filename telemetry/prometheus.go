package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/glimte/resilience-go/events"
)

// Exporter receives every event the reporter consumes. Exporter state is
// cumulative, unlike the reporter's windowed counters.
type Exporter interface {
	Observe(event events.Event)
}

// PromExporter mirrors the event stream into Prometheus metrics so the
// windowed operational report and long-term scraping coexist.
type PromExporter struct {
	retryAttempts    *prometheus.CounterVec
	retryFailures    *prometheus.CounterVec
	breakerCalls     *prometheus.CounterVec
	breakerRejected  *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	callLatency      *prometheus.HistogramVec
	dlqAdded         prometheus.Counter
	dlqRetried       prometheus.Counter
}

// NewPromExporter registers the resilience metrics on the given
// registerer (use prometheus.DefaultRegisterer for the default registry).
func NewPromExporter(reg prometheus.Registerer) *PromExporter {
	factory := promauto.With(reg)

	return &PromExporter{
		retryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_retry_attempts_total",
				Help: "Total retry attempts per operation",
			},
			[]string{"operation"},
		),
		retryFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_retry_failures_total",
				Help: "Total permanently failed operations",
			},
			[]string{"operation"},
		),
		breakerCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_breaker_calls_total",
				Help: "Total calls through circuit breakers",
			},
			[]string{"breaker", "result"},
		),
		breakerRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_breaker_rejected_total",
				Help: "Total calls rejected by open circuit breakers",
			},
			[]string{"breaker"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resilience_breaker_open",
				Help: "1 when the breaker is open, 0 otherwise",
			},
			[]string{"breaker"},
		),
		callLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "resilience_call_duration_seconds",
				Help:    "Dependency call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"breaker"},
		),
		dlqAdded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "resilience_dlq_added_total",
				Help: "Total entries added to the dead letter queue",
			},
		),
		dlqRetried: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "resilience_dlq_retried_total",
				Help: "Total dead letters successfully replayed",
			},
		),
	}
}

// Observe implements Exporter.
func (e *PromExporter) Observe(event events.Event) {
	switch event.Name {
	case events.RetryAttempt:
		e.retryAttempts.WithLabelValues(event.Metadata["operation"]).Inc()
	case events.RetryFailure:
		e.retryFailures.WithLabelValues(event.Metadata["operation"]).Inc()

	case events.BreakerSuccess:
		name := event.Metadata["breaker"]
		e.breakerCalls.WithLabelValues(name, "success").Inc()
		e.callLatency.WithLabelValues(name).Observe(event.Measurements["duration_ms"] / 1000)
	case events.BreakerFailure:
		name := event.Metadata["breaker"]
		e.breakerCalls.WithLabelValues(name, "failure").Inc()
		e.callLatency.WithLabelValues(name).Observe(event.Measurements["duration_ms"] / 1000)
	case events.BreakerRejected:
		e.breakerRejected.WithLabelValues(event.Metadata["breaker"]).Inc()
	case events.BreakerStateChange:
		open := 0.0
		if event.Metadata["to"] == "open" {
			open = 1.0
		}
		e.breakerState.WithLabelValues(event.Metadata["breaker"]).Set(open)

	case events.DLQItemAdded:
		e.dlqAdded.Inc()
	case events.DLQItemRetried:
		e.dlqRetried.Inc()
	}
}
