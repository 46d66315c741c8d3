// Package config provides configuration loading and validation for the
// oracle-aggregator daemon.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/StrathCole/oracle-aggregator/pkg/server/aggregator"
	"github.com/StrathCole/oracle-aggregator/pkg/server/breaker"
	"github.com/StrathCole/oracle-aggregator/pkg/server/cache"
	"github.com/StrathCole/oracle-aggregator/pkg/server/oracle"
	"github.com/StrathCole/oracle-aggregator/pkg/server/retry"
)

// Default returns a configuration with every optional field set.
func Default() *Config {
	agg := oracle.DefaultAggregationConfig()
	br := breaker.DefaultConfig()
	ca := cache.DefaultConfig()
	rt := retry.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			HTTP:           HTTPConfig{Addr: ":8080"},
			WebSocket:      WSConfig{Enabled: true},
			PollInterval:   Duration(10 * time.Second),
			RequestTimeout: Duration(10 * time.Second),
		},
		Aggregation: AggregationConfig{
			Strategy:               aggregator.ModeMedian,
			TimeWindow:             Duration(aggregator.DefaultTimeWindow),
			MinSources:             agg.MinSources,
			MaxDeviationPercent:    agg.MaxDeviationPercent,
			MaxStaleness:           Duration(agg.MaxStaleness),
			EnableOutlierDetection: agg.EnableOutlierDetection,
			OutlierThreshold:       agg.OutlierThreshold,
			OutlierMethod:          string(agg.OutlierMethod),
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: br.FailureThreshold,
			ResetTimeout:     Duration(br.ResetTimeout),
			HalfOpenMaxCalls: br.HalfOpenMaxCalls,
		},
		Cache: CacheConfig{
			TTL:     Duration(ca.TTL),
			MaxSize: ca.MaxSize,
		},
		Retry: RetryConfig{
			MaxAttempts:       rt.MaxAttempts,
			InitialDelay:      Duration(rt.InitialDelay),
			MaxDelay:          Duration(rt.MaxDelay),
			BackoffMultiplier: rt.BackoffMultiplier,
			AttemptTimeout:    Duration(rt.AttemptTimeout),
		},
		Metrics: MetricsConfig{Path: "/metrics"},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// Load loads configuration from a YAML file. A .env file next to it (or in
// the working directory) is loaded first, then ${VAR} references in the YAML
// are expanded. Keys absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	// Validate and sanitize path
	cleanPath := filepath.Clean(path)
	absPath, err := filepath.Abs(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(absPath), ".env"), ".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath) // #nosec G304 -- Path sanitized with filepath.Clean and filepath.Abs
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML over the defaults after expanding environment variables.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// loadDotEnv loads the first .env file found. Variables already set in the
// environment win.
func loadDotEnv(paths ...string) error {
	for _, p := range paths {
		err := godotenv.Load(p)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// applyDefaults fills values derived from other settings.
func applyDefaults(cfg *Config) {
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9091"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Server.HTTP.Addr == "" {
		cfg.Server.HTTP.Addr = ":8080"
	}
	cfg.Aggregation.Strategy = strings.ToLower(strings.TrimSpace(cfg.Aggregation.Strategy))
	cfg.Aggregation.OutlierMethod = strings.ToLower(strings.TrimSpace(cfg.Aggregation.OutlierMethod))
}

// EnabledSources returns the enabled source entries in file order.
func (c *Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}
