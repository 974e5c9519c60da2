// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads engine settings from the environment and placement
// definitions from a JSON file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

var ErrInvalid = errors.New("invalid configuration")

// Config holds every MEDIATION_* setting
type Config struct {
	AppID      string `env:"MEDIATION_APP_ID"`
	AuctionURL string `env:"MEDIATION_AUCTION_URL"  envDefault:"http://localhost:8090/v1/auction"`
	APIKey     string `env:"MEDIATION_API_KEY"`
	LogLevel   string `env:"MEDIATION_LOG_LEVEL"    envDefault:"info"`

	RetryMax  int           `env:"MEDIATION_RETRY_MAX"  envDefault:"1"`
	RetryBase time.Duration `env:"MEDIATION_RETRY_BASE" envDefault:"100ms"`

	BreakerThreshold int           `env:"MEDIATION_BREAKER_THRESHOLD" envDefault:"3"`
	BreakerWindow    time.Duration `env:"MEDIATION_BREAKER_WINDOW"    envDefault:"30s"`
	BreakerCooldown  time.Duration `env:"MEDIATION_BREAKER_COOLDOWN"  envDefault:"15s"`

	RefreshInterval time.Duration `env:"MEDIATION_REFRESH_INTERVAL"`
	CacheMaxTTL     time.Duration `env:"MEDIATION_CACHE_MAX_TTL" envDefault:"60m"`
	CacheMinTTL     time.Duration `env:"MEDIATION_CACHE_MIN_TTL" envDefault:"30s"`

	TelemetryCapacity      int           `env:"MEDIATION_TELEMETRY_CAPACITY"       envDefault:"200"`
	TelemetrySampleRate    float64       `env:"MEDIATION_TELEMETRY_SAMPLE_RATE"    envDefault:"1.0"`
	TelemetryFlushInterval time.Duration `env:"MEDIATION_TELEMETRY_FLUSH_INTERVAL" envDefault:"30s"`
	TelemetrySinkURL       string        `env:"MEDIATION_TELEMETRY_SINK_URL"`
	TelemetryStreamURL     string        `env:"MEDIATION_TELEMETRY_STREAM_URL"`
	DebugCapacity          int           `env:"MEDIATION_DEBUG_CAPACITY"           envDefault:"100"`

	Pipelined     bool          `env:"MEDIATION_PIPELINED"`
	HedgeDelay    time.Duration `env:"MEDIATION_HEDGE_DELAY"`
	SourceTimeout time.Duration `env:"MEDIATION_SOURCE_TIMEOUT" envDefault:"3s"`

	KillSwitch         bool     `env:"MEDIATION_KILL_SWITCH"`
	DisabledPlacements []string `env:"MEDIATION_DISABLED_PLACEMENTS" envSeparator:","`
	DisabledAdapters   []string `env:"MEDIATION_DISABLED_ADAPTERS"   envSeparator:","`
	PlacementsFile     string   `env:"MEDIATION_PLACEMENTS_FILE"`

	OTLPEndpoint     string  `env:"MEDIATION_OTLP_ENDPOINT"`
	TraceSampleRatio float64 `env:"MEDIATION_TRACE_SAMPLE_RATIO" envDefault:"1.0"`

	DiagnosticsAddr string `env:"MEDIATION_DIAGNOSTICS_ADDR" envDefault:":8080"`
}

// Load parses the environment and validates the result
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every out-of-range setting at once
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.AuctionURL == "" {
		bad("auction url is required")
	}
	if c.RetryMax < 0 {
		bad("retry max %d is negative", c.RetryMax)
	}
	if c.BreakerThreshold < 1 {
		bad("breaker threshold %d must be at least 1", c.BreakerThreshold)
	}
	if c.BreakerWindow <= 0 || c.BreakerCooldown <= 0 {
		bad("breaker window and cooldown must be positive")
	}
	if c.CacheMinTTL > c.CacheMaxTTL {
		bad("cache min ttl %s exceeds max ttl %s", c.CacheMinTTL, c.CacheMaxTTL)
	}
	if c.TelemetrySampleRate < 0 || c.TelemetrySampleRate > 1 {
		bad("telemetry sample rate %v outside [0, 1]", c.TelemetrySampleRate)
	}
	if c.TelemetryCapacity < 1 {
		bad("telemetry capacity %d must be at least 1", c.TelemetryCapacity)
	}
	if c.DebugCapacity < 0 {
		bad("debug capacity %d is negative", c.DebugCapacity)
	}
	if c.SourceTimeout <= 0 {
		bad("source timeout must be positive")
	}
	if c.HedgeDelay < 0 {
		bad("hedge delay is negative")
	}
	return errors.Join(errs...)
}
