package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the probe runner configuration. Durations are YAML strings
// in time.ParseDuration syntax ("250ms", "30s").
type Config struct {
	Listen         string        `yaml:"listen"`
	ReportInterval string        `yaml:"report_interval"`
	Logging        LoggingConfig `yaml:"logging"`
	AMQP           AMQPConfig    `yaml:"amqp"`
	Probes         []ProbeConfig `yaml:"probes"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// AMQPConfig enables dead-letter mirroring to RabbitMQ when URL is set.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// ProbeConfig describes one probed dependency.
type ProbeConfig struct {
	Name     string        `yaml:"name"`
	URL      string        `yaml:"url"`
	Interval string        `yaml:"interval"`
	Timeout  string        `yaml:"timeout"`
	Retry    RetryConfig   `yaml:"retry"`
	Breaker  BreakerConfig `yaml:"breaker"`
}

// RetryConfig maps onto retry.Policy.
type RetryConfig struct {
	MaxRetries    int     `yaml:"max_retries"`
	InitialDelay  string  `yaml:"initial_delay"`
	MaxDelay      string  `yaml:"max_delay"`
	BackoffFactor float64 `yaml:"backoff_factor"`
	Jitter        *bool   `yaml:"jitter"`
	DeadLetter    bool    `yaml:"dead_letter"`
}

// BreakerConfig maps onto breaker options.
type BreakerConfig struct {
	FailureThreshold  int    `yaml:"failure_threshold"`
	OpenDuration      string `yaml:"open_duration"`
	HalfOpenSuccesses int    `yaml:"half_open_successes"`
}

// LoadConfig reads the YAML config, expanding environment variables in
// the file content before parsing.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Listen == "" {
		cfg.Listen = ":9090"
	}
	if cfg.ReportInterval == "" {
		cfg.ReportInterval = "30s"
	}
	for i := range cfg.Probes {
		if cfg.Probes[i].Interval == "" {
			cfg.Probes[i].Interval = "10s"
		}
		if cfg.Probes[i].Timeout == "" {
			cfg.Probes[i].Timeout = "5s"
		}
	}

	return &cfg, nil
}

// parseDuration parses s, returning fallback when s is empty.
func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}
