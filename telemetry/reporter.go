package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/resilience-go/events"
)

// maxSamples bounds the rolling response-time window per dependency.
const maxSamples = 100

// Reporter consumes the resilience event stream and aggregates it into
// windowed counters. On every interval it logs a structured summary and
// resets the window; Snapshot exposes the same numbers on demand. The
// aggregate lags the true state by at most one interval, which is
// accepted: the reporter observes, it does not arbitrate.
type Reporter struct {
	bus      *events.Bus
	logger   *slog.Logger
	interval time.Duration
	dlqSize  func() int
	exporter Exporter

	mu            sync.Mutex
	window        *window
	breakerStates map[string]string

	sub     *events.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// window holds the counters that reset on each flush.
type window struct {
	startedAt time.Time

	breakers map[string]*BreakerStats
	retries  map[string]*RetryStats
	calls    map[string]*CallStats

	dlqAdded   int64
	dlqRetried int64
}

func newWindow() *window {
	return &window{
		startedAt: time.Now(),
		breakers:  make(map[string]*BreakerStats),
		retries:   make(map[string]*RetryStats),
		calls:     make(map[string]*CallStats),
	}
}

// BreakerStats are the per-breaker counters for one window.
type BreakerStats struct {
	Transitions int64 `json:"transitions"`
	Rejected    int64 `json:"rejected"`
	Successes   int64 `json:"successes"`
	Failures    int64 `json:"failures"`
}

// RetryStats are the per-operation retry counters for one window.
type RetryStats struct {
	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
	Retries   int64 `json:"retries"`
	Failures  int64 `json:"failures"`
}

// CallStats track call volume and a bounded rolling sample of response
// times for one dependency.
type CallStats struct {
	Count   int64 `json:"count"`
	Errors  int64 `json:"errors"`
	samples []float64
}

// ResponseTimes summarizes the rolling sample of one dependency.
type ResponseTimes struct {
	Count int64   `json:"count"`
	MinMs float64 `json:"min_ms"`
	MaxMs float64 `json:"max_ms"`
	AvgMs float64 `json:"avg_ms"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
}

// Report is one flushed (or snapshotted) telemetry window.
type Report struct {
	WindowStart   time.Time                `json:"window_start"`
	WindowEnd     time.Time                `json:"window_end"`
	TotalCalls    int64                    `json:"total_calls"`
	ErrorCalls    int64                    `json:"error_calls"`
	ErrorRate     float64                  `json:"error_rate"`
	OpenBreakers  int                      `json:"open_breakers"`
	DLQSize       int                      `json:"dlq_size"`
	DLQAdded      int64                    `json:"dlq_added"`
	DLQRetried    int64                    `json:"dlq_retried"`
	Breakers      map[string]BreakerStats  `json:"breakers,omitempty"`
	Retries       map[string]RetryStats    `json:"retries,omitempty"`
	ResponseTimes map[string]ResponseTimes `json:"response_times,omitempty"`
}

// ReporterOption configures the reporter.
type ReporterOption func(*Reporter)

// WithInterval sets the reporting interval. Default 30s.
func WithInterval(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ReporterOption {
	return func(r *Reporter) {
		r.logger = logger
	}
}

// WithDLQSize provides the current dead letter queue depth for reports.
func WithDLQSize(fn func() int) ReporterOption {
	return func(r *Reporter) {
		r.dlqSize = fn
	}
}

// WithExporter attaches an exporter that receives every event in
// addition to the windowed aggregation, e.g. the Prometheus exporter.
func WithExporter(e Exporter) ReporterOption {
	return func(r *Reporter) {
		r.exporter = e
	}
}

// NewReporter creates a reporter attached to the bus. Call Start to begin
// consuming.
func NewReporter(bus *events.Bus, options ...ReporterOption) *Reporter {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Reporter{
		bus:           bus,
		logger:        slog.Default(),
		interval:      30 * time.Second,
		window:        newWindow(),
		breakerStates: make(map[string]string),
		ctx:           ctx,
		cancel:        cancel,
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Start subscribes to the bus and begins the aggregation and flush loops.
func (r *Reporter) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyRunning
	}
	r.running = true
	r.sub = r.bus.Subscribe()

	r.wg.Add(1)
	go r.loop()

	r.logger.Info("telemetry reporter started", "interval", r.interval)
	return nil
}

// Stop cancels the subscription and waits for the loop to exit. A final
// report is flushed so a shutdown never silently discards a window.
func (r *Reporter) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.running = false
	r.mu.Unlock()

	r.sub.Cancel()
	r.cancel()
	r.wg.Wait()
	r.flush()
	return nil
}

// Snapshot returns the current window without resetting it.
func (r *Reporter) Snapshot() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buildReport()
}

func (r *Reporter) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case event, ok := <-r.sub.Events():
			if !ok {
				return
			}
			r.consume(event)
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Reporter) consume(event events.Event) {
	if r.exporter != nil {
		r.exporter.Observe(event)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch event.Name {
	case events.RetryAttempt:
		r.retryStats(event).Attempts++
	case events.RetrySuccess:
		stats := r.retryStats(event)
		stats.Successes++
		r.recordCall(event.Metadata["operation"], event.Measurements["duration_ms"], false)
	case events.RetryRetried:
		r.retryStats(event).Retries++
	case events.RetryFailure:
		stats := r.retryStats(event)
		stats.Failures++
		r.recordCallError(event.Metadata["operation"])

	case events.BreakerStateChange:
		name := event.Metadata["breaker"]
		r.breakerStats(name).Transitions++
		r.breakerStates[name] = event.Metadata["to"]
	case events.BreakerRejected:
		r.breakerStats(event.Metadata["breaker"]).Rejected++
	case events.BreakerSuccess:
		name := event.Metadata["breaker"]
		r.breakerStats(name).Successes++
		r.recordCall(name, event.Measurements["duration_ms"], false)
	case events.BreakerFailure:
		name := event.Metadata["breaker"]
		r.breakerStats(name).Failures++
		r.recordCall(name, event.Measurements["duration_ms"], true)

	case events.DLQItemAdded:
		r.window.dlqAdded++
	case events.DLQItemRetried:
		r.window.dlqRetried++
	}
}

func (r *Reporter) retryStats(event events.Event) *RetryStats {
	name := event.Metadata["operation"]
	stats, ok := r.window.retries[name]
	if !ok {
		stats = &RetryStats{}
		r.window.retries[name] = stats
	}
	return stats
}

func (r *Reporter) breakerStats(name string) *BreakerStats {
	stats, ok := r.window.breakers[name]
	if !ok {
		stats = &BreakerStats{}
		r.window.breakers[name] = stats
	}
	return stats
}

func (r *Reporter) callStats(name string) *CallStats {
	stats, ok := r.window.calls[name]
	if !ok {
		stats = &CallStats{samples: make([]float64, 0, maxSamples)}
		r.window.calls[name] = stats
	}
	return stats
}

func (r *Reporter) recordCall(name string, durationMs float64, failed bool) {
	stats := r.callStats(name)
	stats.Count++
	if failed {
		stats.Errors++
	}

	if len(stats.samples) >= maxSamples {
		stats.samples = stats.samples[1:]
	}
	stats.samples = append(stats.samples, durationMs)
}

func (r *Reporter) recordCallError(name string) {
	stats := r.callStats(name)
	stats.Count++
	stats.Errors++
}

// flush logs the report for the closing window and opens a fresh one.
func (r *Reporter) flush() {
	r.mu.Lock()
	report := r.buildReport()
	r.window = newWindow()
	r.mu.Unlock()

	r.logger.Info("resilience telemetry report",
		"window_start", report.WindowStart,
		"total_calls", report.TotalCalls,
		"error_calls", report.ErrorCalls,
		"error_rate", report.ErrorRate,
		"open_breakers", report.OpenBreakers,
		"dlq_size", report.DLQSize,
		"dlq_added", report.DLQAdded,
		"dlq_retried", report.DLQRetried,
	)
}

// buildReport derives the report from the current window. Callers must
// hold r.mu.
func (r *Reporter) buildReport() Report {
	report := Report{
		WindowStart:   r.window.startedAt,
		WindowEnd:     time.Now(),
		Breakers:      make(map[string]BreakerStats, len(r.window.breakers)),
		Retries:       make(map[string]RetryStats, len(r.window.retries)),
		ResponseTimes: make(map[string]ResponseTimes, len(r.window.calls)),
	}

	for name, stats := range r.window.breakers {
		report.Breakers[name] = *stats
	}
	for name, stats := range r.window.retries {
		report.Retries[name] = *stats
	}
	for name, stats := range r.window.calls {
		report.TotalCalls += stats.Count
		report.ErrorCalls += stats.Errors
		report.ResponseTimes[name] = summarize(stats)
	}

	if report.TotalCalls > 0 {
		report.ErrorRate = float64(report.ErrorCalls) / float64(report.TotalCalls)
	}

	for _, state := range r.breakerStates {
		if state == "open" {
			report.OpenBreakers++
		}
	}

	report.DLQAdded = r.window.dlqAdded
	report.DLQRetried = r.window.dlqRetried
	if r.dlqSize != nil {
		report.DLQSize = r.dlqSize()
	}

	return report
}

func summarize(stats *CallStats) ResponseTimes {
	rt := ResponseTimes{Count: stats.Count}
	if len(stats.samples) == 0 {
		return rt
	}

	sorted := make([]float64, len(stats.samples))
	copy(sorted, stats.samples)
	sortFloats(sorted)

	var total float64
	for _, s := range sorted {
		total += s
	}

	rt.MinMs = sorted[0]
	rt.MaxMs = sorted[len(sorted)-1]
	rt.AvgMs = total / float64(len(sorted))
	rt.P50Ms = percentile(sorted, 0.50)
	rt.P95Ms = percentile(sorted, 0.95)
	return rt
}

// sortFloats is an insertion sort; the sample window is small by design.
func sortFloats(samples []float64) {
	for i := 1; i < len(samples); i++ {
		key := samples[i]
		j := i - 1
		for j >= 0 && samples[j] > key {
			samples[j+1] = samples[j]
			j--
		}
		samples[j+1] = key
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}
