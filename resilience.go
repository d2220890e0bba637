package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/resilience-go/breaker"
	"github.com/glimte/resilience-go/dlq"
	"github.com/glimte/resilience-go/events"
	"github.com/glimte/resilience-go/retry"
	"github.com/glimte/resilience-go/telemetry"
)

// Supervisor wires the resilience components into one process tree: the
// event bus, the dead letter queue and the telemetry reporter as static
// children, and circuit breakers as a dynamic group created on demand,
// one per dependency name. The name->breaker map lives here, not in any
// package-level registry.
type Supervisor struct {
	logger   *slog.Logger
	bus      *events.Bus
	queue    *dlq.Queue
	reporter *telemetry.Reporter
	exec     *retry.Executor
	clock    breaker.Clock

	mu       sync.Mutex
	circuits map[string]*breaker.CircuitBreaker
	started  bool
}

type supervisorConfig struct {
	logger         *slog.Logger
	reportInterval time.Duration
	busBuffer      int
	forwarder      dlq.Forwarder
	store          dlq.Store
	exporter       telemetry.Exporter
	clock          breaker.Clock
}

// SupervisorOption configures the supervisor.
type SupervisorOption func(*supervisorConfig)

// WithLogger sets the logger shared by all children.
func WithLogger(logger *slog.Logger) SupervisorOption {
	return func(c *supervisorConfig) {
		c.logger = logger
	}
}

// WithReportInterval sets the telemetry reporting interval.
func WithReportInterval(d time.Duration) SupervisorOption {
	return func(c *supervisorConfig) {
		c.reportInterval = d
	}
}

// WithBusBuffer sets the event bus subscriber buffer size.
func WithBusBuffer(n int) SupervisorOption {
	return func(c *supervisorConfig) {
		c.busBuffer = n
	}
}

// WithDLQForwarder mirrors dead letters to an external forwarder such as
// dlq.AMQPForwarder.
func WithDLQForwarder(f dlq.Forwarder) SupervisorOption {
	return func(c *supervisorConfig) {
		c.forwarder = f
	}
}

// WithDLQStore sets the dead letter store.
func WithDLQStore(s dlq.Store) SupervisorOption {
	return func(c *supervisorConfig) {
		c.store = s
	}
}

// WithExporter attaches a telemetry exporter, e.g. telemetry.PromExporter.
func WithExporter(e telemetry.Exporter) SupervisorOption {
	return func(c *supervisorConfig) {
		c.exporter = e
	}
}

// WithClock sets the clock used by circuit breakers. Tests use this.
func WithClock(clock breaker.Clock) SupervisorOption {
	return func(c *supervisorConfig) {
		c.clock = clock
	}
}

// NewSupervisor creates the process tree. Call Start to begin reporting.
func NewSupervisor(options ...SupervisorOption) *Supervisor {
	cfg := &supervisorConfig{
		logger:         slog.Default(),
		reportInterval: 30 * time.Second,
	}

	for _, opt := range options {
		opt(cfg)
	}

	busOpts := []events.BusOption{events.WithBusLogger(cfg.logger)}
	if cfg.busBuffer > 0 {
		busOpts = append(busOpts, events.WithBufferSize(cfg.busBuffer))
	}
	bus := events.NewBus(busOpts...)

	exec := retry.NewExecutor(
		retry.WithBus(bus),
		retry.WithLogger(cfg.logger),
	)

	queueOpts := []dlq.QueueOption{
		dlq.WithBus(bus),
		dlq.WithLogger(cfg.logger),
		dlq.WithExecutor(exec),
	}
	if cfg.store != nil {
		queueOpts = append(queueOpts, dlq.WithStore(cfg.store))
	}
	if cfg.forwarder != nil {
		queueOpts = append(queueOpts, dlq.WithForwarder(cfg.forwarder))
	}
	queue := dlq.NewQueue(queueOpts...)

	reporterOpts := []telemetry.ReporterOption{
		telemetry.WithLogger(cfg.logger),
		telemetry.WithInterval(cfg.reportInterval),
		telemetry.WithDLQSize(func() int {
			return queue.Size(context.Background())
		}),
	}
	if cfg.exporter != nil {
		reporterOpts = append(reporterOpts, telemetry.WithExporter(cfg.exporter))
	}

	s := &Supervisor{
		logger:   cfg.logger,
		bus:      bus,
		queue:    queue,
		reporter: telemetry.NewReporter(bus, reporterOpts...),
		exec:     exec,
		circuits: make(map[string]*breaker.CircuitBreaker),
	}
	s.clock = cfg.clock
	return s
}

// Start starts the static children.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if err := s.reporter.Start(); err != nil {
		return err
	}
	s.started = true

	s.logger.Info("resilience supervisor started")
	return nil
}

// Stop stops the reporter, drains the dead letter queue's append
// goroutine and closes the bus.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}
	s.started = false

	err := s.reporter.Stop()
	s.queue.Close()
	s.bus.Close()

	s.logger.Info("resilience supervisor stopped")
	return err
}

// Circuit returns the breaker for name, creating it on first use.
// Idempotent per name: options are applied only on creation, later calls
// return the existing breaker unchanged.
func (s *Supervisor) Circuit(name string, options ...breaker.Option) *breaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.circuits[name]; ok {
		return cb
	}

	opts := []breaker.Option{
		breaker.WithBus(s.bus),
		breaker.WithLogger(s.logger),
	}
	if s.clock != nil {
		opts = append(opts, breaker.WithClock(s.clock))
	}
	opts = append(opts, options...)

	cb := breaker.New(name, opts...)
	s.circuits[name] = cb
	return cb
}

// RestartCircuit models a supervised restart of one breaker: accumulated
// counters are lost and the breaker reopens in closed state, trading
// safety for availability.
func (s *Supervisor) RestartCircuit(name string) bool {
	s.mu.Lock()
	cb, ok := s.circuits[name]
	s.mu.Unlock()

	if !ok {
		return false
	}

	cb.Reset()
	s.logger.Info("circuit breaker restarted", "breaker", name)
	return true
}

// CallThrough executes op through the named breaker, creating the breaker
// with defaults if needed.
func (s *Supervisor) CallThrough(ctx context.Context, name string, op retry.Operation) error {
	return s.Circuit(name).Execute(ctx, op)
}

// WithRetry executes op under policy through the supervisor's executor.
func (s *Supervisor) WithRetry(ctx context.Context, name string, op retry.Operation, policy retry.Policy) error {
	return s.exec.Do(ctx, name, op, policy)
}

// WithRetryAndDLQ is WithRetry plus dead-lettering of the permanently
// failed operation.
func (s *Supervisor) WithRetryAndDLQ(ctx context.Context, name string, op retry.Operation, policy retry.Policy) error {
	return s.exec.DoWithDLQ(ctx, name, op, s.queue, policy)
}

// DLQ returns the dead letter queue.
func (s *Supervisor) DLQ() *dlq.Queue {
	return s.queue
}

// Bus returns the event bus, for callers that want to observe the raw
// event stream.
func (s *Supervisor) Bus() *events.Bus {
	return s.bus
}

// Snapshot returns the telemetry window as of now without resetting it.
func (s *Supervisor) Snapshot() telemetry.Report {
	return s.reporter.Snapshot()
}
