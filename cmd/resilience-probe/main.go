package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	resilience "github.com/glimte/resilience-go"
	"github.com/glimte/resilience-go/breaker"
	"github.com/glimte/resilience-go/dlq"
	"github.com/glimte/resilience-go/retry"
	"github.com/glimte/resilience-go/telemetry"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath string
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:   "resilience-probe",
		Short: "Probe external dependencies through the resilience layer",
		Long: `resilience-probe periodically calls configured dependencies through
retry policies and circuit breakers, exposes Prometheus metrics, and
reports windowed telemetry. Permanently failing probes are dead-lettered
and can be inspected over HTTP.`,
		Version: fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, debug)
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string, debug bool) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if debug || cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
	slog.SetDefault(logger)

	reportInterval, err := parseDuration(cfg.ReportInterval, 30*time.Second)
	if err != nil {
		return fmt.Errorf("invalid report_interval: %w", err)
	}

	opts := []resilience.SupervisorOption{
		resilience.WithLogger(logger),
		resilience.WithReportInterval(reportInterval),
		resilience.WithExporter(telemetry.NewPromExporter(prometheus.DefaultRegisterer)),
	}

	var amqpConn *amqp.Connection
	if cfg.AMQP.URL != "" {
		amqpConn, err = amqp.Dial(cfg.AMQP.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		defer amqpConn.Close()

		fwdOpts := []dlq.AMQPForwarderOption{}
		if cfg.AMQP.Exchange != "" {
			fwdOpts = append(fwdOpts, dlq.WithExchange(cfg.AMQP.Exchange))
		}
		forwarder, err := dlq.NewAMQPForwarder(amqpConn, fwdOpts...)
		if err != nil {
			return fmt.Errorf("failed to create dead-letter forwarder: %w", err)
		}
		defer forwarder.Close()

		opts = append(opts, resilience.WithDLQForwarder(forwarder))
	}

	sup := resilience.NewSupervisor(opts...)
	if err := sup.Start(); err != nil {
		return err
	}
	defer sup.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, pc := range cfg.Probes {
		probe, err := newProbe(pc, sup, logger)
		if err != nil {
			return fmt.Errorf("probe %q: %w", pc.Name, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			probe.run(ctx)
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sup.Snapshot())
	})
	mux.HandleFunc("/dlq", func(w http.ResponseWriter, r *http.Request) {
		entries, err := sup.DLQ().List(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entries)
	})

	server := &http.Server{Addr: cfg.Listen, Handler: mux}
	go func() {
		logger.Info("serving metrics", "addr", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	wg.Wait()
	return nil
}

// probe periodically calls one dependency through its breaker and retry
// policy.
type probe struct {
	name       string
	url        string
	interval   time.Duration
	timeout    time.Duration
	policy     retry.Policy
	deadLetter bool
	sup        *resilience.Supervisor
	client     *http.Client
	logger     *slog.Logger
}

func newProbe(cfg ProbeConfig, sup *resilience.Supervisor, logger *slog.Logger) (*probe, error) {
	interval, err := parseDuration(cfg.Interval, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid interval: %w", err)
	}
	timeout, err := parseDuration(cfg.Timeout, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout: %w", err)
	}

	policy := retry.DefaultPolicy()
	if cfg.Retry.MaxRetries > 0 {
		policy.MaxRetries = cfg.Retry.MaxRetries
	}
	if policy.InitialDelay, err = parseDuration(cfg.Retry.InitialDelay, policy.InitialDelay); err != nil {
		return nil, fmt.Errorf("invalid initial_delay: %w", err)
	}
	if policy.MaxDelay, err = parseDuration(cfg.Retry.MaxDelay, policy.MaxDelay); err != nil {
		return nil, fmt.Errorf("invalid max_delay: %w", err)
	}
	if cfg.Retry.BackoffFactor >= 1 {
		policy.BackoffFactor = cfg.Retry.BackoffFactor
	}
	if cfg.Retry.Jitter != nil {
		policy.Jitter = *cfg.Retry.Jitter
	}

	breakerOpts := []breaker.Option{}
	if cfg.Breaker.FailureThreshold > 0 {
		breakerOpts = append(breakerOpts, breaker.WithFailureThreshold(cfg.Breaker.FailureThreshold))
	}
	if cfg.Breaker.OpenDuration != "" {
		d, err := parseDuration(cfg.Breaker.OpenDuration, breaker.DefaultOpenDuration)
		if err != nil {
			return nil, fmt.Errorf("invalid open_duration: %w", err)
		}
		breakerOpts = append(breakerOpts, breaker.WithOpenDuration(d))
	}
	if cfg.Breaker.HalfOpenSuccesses > 0 {
		breakerOpts = append(breakerOpts, breaker.WithHalfOpenSuccesses(cfg.Breaker.HalfOpenSuccesses))
	}
	sup.Circuit(cfg.Name, breakerOpts...)

	return &probe{
		name:       cfg.Name,
		url:        cfg.URL,
		interval:   interval,
		timeout:    timeout,
		policy:     policy,
		deadLetter: cfg.Retry.DeadLetter,
		sup:        sup,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

func (p *probe) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fire(ctx)
		}
	}
}

func (p *probe) fire(ctx context.Context) {
	op := func(ctx context.Context) error {
		return p.sup.CallThrough(ctx, p.name, p.check)
	}

	var err error
	if p.deadLetter {
		err = p.sup.WithRetryAndDLQ(ctx, p.name, op, p.policy)
	} else {
		err = p.sup.WithRetry(ctx, p.name, op, p.policy)
	}

	if err != nil && ctx.Err() == nil {
		p.logger.Debug("probe failed", "probe", p.name, "error", err)
	}
}

func (p *probe) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return retry.Permanent(err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return retry.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return retry.Transient(fmt.Errorf("probe %s: status %d", p.name, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return retry.Permanent(fmt.Errorf("probe %s: status %d", p.name, resp.StatusCode))
	}
	return nil
}
