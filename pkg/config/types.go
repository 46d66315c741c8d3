package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/StrathCole/oracle-aggregator/pkg/server/breaker"
	"github.com/StrathCole/oracle-aggregator/pkg/server/cache"
	"github.com/StrathCole/oracle-aggregator/pkg/server/oracle"
	"github.com/StrathCole/oracle-aggregator/pkg/server/outlier"
	"github.com/StrathCole/oracle-aggregator/pkg/server/retry"
)

// Config is the root configuration structure
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Aggregation    AggregationConfig    `yaml:"aggregation"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Cache          CacheConfig          `yaml:"cache"`
	Retry          RetryConfig          `yaml:"retry"`
	Sources        []SourceConfig       `yaml:"sources"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// ServerConfig configures the API server and the price poller
type ServerConfig struct {
	HTTP           HTTPConfig `yaml:"http"`
	WebSocket      WSConfig   `yaml:"websocket"`
	Symbols        []string   `yaml:"symbols"`         // Symbols polled and served by default
	PollInterval   Duration   `yaml:"poll_interval"`   // 0 disables polling
	RequestTimeout Duration   `yaml:"request_timeout"` // Per API request
}

// HTTPConfig configures the HTTP server
type HTTPConfig struct {
	Addr string    `yaml:"addr"`
	TLS  TLSConfig `yaml:"tls"`
}

// WSConfig configures the /ws price stream
type WSConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TLSConfig holds TLS certificate configuration
type TLSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
}

// AggregationConfig configures the aggregation pipeline
type AggregationConfig struct {
	Strategy               string   `yaml:"strategy"`    // median, mean, weighted, twap
	TimeWindow             Duration `yaml:"time_window"` // twap only
	MinSources             int      `yaml:"min_sources"`
	MaxDeviationPercent    float64  `yaml:"max_deviation_percent"`
	MaxStaleness           Duration `yaml:"max_staleness"`
	EnableOutlierDetection bool     `yaml:"enable_outlier_detection"`
	OutlierThreshold       float64  `yaml:"outlier_threshold"`
	OutlierMethod          string   `yaml:"outlier_method"`
	FetchTimeout           Duration `yaml:"fetch_timeout"` // Per source, retries included
}

// CircuitBreakerConfig configures the per-source breakers
type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
	HalfOpenMaxCalls int      `yaml:"half_open_max_calls"`
}

// CacheConfig configures the price cache
type CacheConfig struct {
	TTL     Duration `yaml:"ttl"`
	MaxSize int      `yaml:"max_size"`
}

// RetryConfig configures per-source fetch retries
type RetryConfig struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	InitialDelay      Duration `yaml:"initial_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	AttemptTimeout    Duration `yaml:"attempt_timeout"`
}

// SourceConfig configures a price source
type SourceConfig struct {
	Type    string                 `yaml:"type"`
	Name    string                 `yaml:"name"`
	Enabled bool                   `yaml:"enabled"`
	Weight  float64                `yaml:"weight"` // 0 means 1
	Config  map[string]interface{} `yaml:"config"`
}

// MetricsConfig configures Prometheus metrics
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Duration is a wrapper around time.Duration for YAML parsing
type Duration time.Duration

// UnmarshalYAML accepts "1m30s" style strings. Plain integers are read as
// milliseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ms int64
	if value.Tag == "!!int" {
		if err := value.Decode(&ms); err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	td, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	*d = Duration(td)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ToDuration converts Duration to time.Duration
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}

// ToOracle returns the aggregation settings for the oracle.
func (c AggregationConfig) ToOracle() oracle.AggregationConfig {
	return oracle.AggregationConfig{
		MinSources:             c.MinSources,
		MaxDeviationPercent:    c.MaxDeviationPercent,
		MaxStaleness:           c.MaxStaleness.ToDuration(),
		EnableOutlierDetection: c.EnableOutlierDetection,
		OutlierThreshold:       c.OutlierThreshold,
		OutlierMethod:          outlier.Method(c.OutlierMethod),
	}
}

// ToBreaker returns the breaker settings.
func (c CircuitBreakerConfig) ToBreaker() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     c.ResetTimeout.ToDuration(),
		HalfOpenMaxCalls: c.HalfOpenMaxCalls,
	}
}

// ToCache returns the cache settings.
func (c CacheConfig) ToCache() cache.Config {
	return cache.Config{
		TTL:     c.TTL.ToDuration(),
		MaxSize: c.MaxSize,
	}
}

// ToRetry returns the retry settings.
func (c RetryConfig) ToRetry() retry.Config {
	return retry.Config{
		MaxAttempts:       c.MaxAttempts,
		InitialDelay:      c.InitialDelay.ToDuration(),
		MaxDelay:          c.MaxDelay.ToDuration(),
		BackoffMultiplier: c.BackoffMultiplier,
		AttemptTimeout:    c.AttemptTimeout.ToDuration(),
	}
}
