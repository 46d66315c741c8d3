package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/StrathCole/oracle-aggregator/pkg/server/aggregator"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

// Validate checks configuration for errors
func Validate(cfg *Config) error {
	if err := validateServerConfig(&cfg.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validateAggregationConfig(&cfg.Aggregation); err != nil {
		return fmt.Errorf("aggregation config: %w", err)
	}
	if err := cfg.CircuitBreaker.ToBreaker().Validate(); err != nil {
		return fmt.Errorf("%w: circuit_breaker: %w", ErrInvalidSection, err)
	}
	if err := cfg.Cache.ToCache().Validate(); err != nil {
		return fmt.Errorf("%w: cache: %w", ErrInvalidSection, err)
	}
	if err := cfg.Retry.ToRetry().Validate(); err != nil {
		return fmt.Errorf("%w: retry: %w", ErrInvalidSection, err)
	}

	if len(cfg.Sources) == 0 {
		return ErrNoSourcesConfigured
	}
	seen := make(map[string]struct{}, len(cfg.Sources))
	for i, source := range cfg.Sources {
		if err := validateSourceConfig(&source); err != nil {
			return fmt.Errorf("source %d (%s.%s): %w", i, source.Type, source.Name, err)
		}
		if _, dup := seen[source.Name]; dup {
			return fmt.Errorf("source %d: %w: %s", i, ErrDuplicateSourceName, source.Name)
		}
		seen[source.Name] = struct{}{}
	}
	if len(cfg.EnabledSources()) == 0 {
		return ErrNoSourcesEnabled
	}

	if err := validateLoggingConfig(&cfg.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

func validateServerConfig(cfg *ServerConfig) error {
	if cfg.HTTP.Addr == "" {
		return ErrHTTPAddrRequired
	}

	if cfg.HTTP.TLS.Enabled {
		if cfg.HTTP.TLS.Cert == "" || cfg.HTTP.TLS.Key == "" {
			return ErrTLSConfigIncomplete
		}
		if _, err := os.Stat(cfg.HTTP.TLS.Cert); err != nil {
			return fmt.Errorf("%w: %s", ErrTLSCertNotFound, cfg.HTTP.TLS.Cert)
		}
		if _, err := os.Stat(cfg.HTTP.TLS.Key); err != nil {
			return fmt.Errorf("%w: %s", ErrTLSKeyNotFound, cfg.HTTP.TLS.Key)
		}
	}

	if cfg.PollInterval < 0 {
		return fmt.Errorf("%w: poll_interval", ErrNegativeInterval)
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("%w: request_timeout", ErrNegativeInterval)
	}

	for i, symbol := range cfg.Symbols {
		if err := sources.ValidateSymbolFormat(symbol); err != nil {
			return fmt.Errorf("%w: symbols[%d] %q: %w", ErrInvalidSymbol, i, symbol, err)
		}
	}

	return nil
}

func validateAggregationConfig(cfg *AggregationConfig) error {
	if _, err := aggregator.New(cfg.Strategy, aggregator.Options{TimeWindow: cfg.TimeWindow.ToDuration()}); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidStrategy, cfg.Strategy, err)
	}
	if cfg.FetchTimeout < 0 {
		return fmt.Errorf("%w: fetch_timeout", ErrNegativeInterval)
	}
	if err := cfg.ToOracle().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSection, err)
	}
	return nil
}

func validateSourceConfig(cfg *SourceConfig) error {
	if strings.TrimSpace(cfg.Type) == "" {
		return ErrSourceTypeRequired
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return ErrSourceNameRequired
	}
	if cfg.Weight < 0 || math.IsNaN(cfg.Weight) || math.IsInf(cfg.Weight, 0) {
		return fmt.Errorf("%w: %v", ErrSourceWeightMustBeNonNegative, cfg.Weight)
	}
	return nil
}

func validateLoggingConfig(cfg *LoggingConfig) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, l := range validLevels {
		if strings.ToLower(cfg.Level) == l {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("%w: %s (must be one of: %s)", ErrInvalidLogLevel, cfg.Level, strings.Join(validLevels, ", "))
	}

	format := strings.ToLower(cfg.Format)
	if format != "json" && format != "text" {
		return fmt.Errorf("%w: %s (must be 'json' or 'text')", ErrInvalidLogFormat, cfg.Format)
	}

	return nil
}
