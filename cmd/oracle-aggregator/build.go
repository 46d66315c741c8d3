package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/StrathCole/oracle-aggregator/pkg/config"
	"github.com/StrathCole/oracle-aggregator/pkg/logging"
	"github.com/StrathCole/oracle-aggregator/pkg/server/aggregator"
	"github.com/StrathCole/oracle-aggregator/pkg/server/oracle"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

var errNoSources = errors.New("no sources available")

// service is the wired aggregator plus the sources that hold resources.
type service struct {
	Oracle  *oracle.Aggregator
	closers []io.Closer
	logger  *logging.Logger
}

// Close releases every source that holds a connection.
func (s *service) Close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Warn("Failed to close source", "error", err)
		}
	}
}

func buildOracle(cfg *config.Config, logger *logging.Logger) (*service, error) {
	strategy, err := aggregator.New(cfg.Aggregation.Strategy, aggregator.Options{
		Logger:     logger.With("component", "aggregator"),
		TimeWindow: cfg.Aggregation.TimeWindow.ToDuration(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregation strategy: %w", err)
	}

	agg, err := oracle.New(
		oracle.WithLogger(logger.With("component", "oracle")),
		oracle.WithConfig(cfg.Aggregation.ToOracle()),
		oracle.WithBreakerConfig(cfg.CircuitBreaker.ToBreaker()),
		oracle.WithCacheConfig(cfg.Cache.ToCache()),
		oracle.WithRetryConfig(cfg.Retry.ToRetry()),
		oracle.WithFetchTimeout(cfg.Aggregation.FetchTimeout.ToDuration()),
		oracle.WithStrategy(strategy),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oracle: %w", err)
	}
	logger.Info("Created aggregator", "strategy", strategy.Name())

	svc := &service{Oracle: agg, logger: logger}
	for _, sourceCfg := range cfg.EnabledSources() {
		logger.Info("Initializing source", "type", sourceCfg.Type, "name", sourceCfg.Name, "weight", sourceCfg.Weight)

		// Pass a copy so the loaded config is not mutated
		srcConfig := make(map[string]interface{}, len(sourceCfg.Config)+1)
		for k, v := range sourceCfg.Config {
			srcConfig[k] = v
		}
		srcConfig["logger"] = logger.With("source", sourceCfg.Name)

		source, err := sources.Create(sourceCfg.Type, sourceCfg.Name, srcConfig)
		if err != nil {
			logger.Warn("Failed to create source", "type", sourceCfg.Type, "name", sourceCfg.Name, "error", err)
			continue
		}
		if c, ok := source.(io.Closer); ok {
			svc.closers = append(svc.closers, c)
		}

		if err := agg.AddSource(source, sourceCfg.Weight); err != nil {
			logger.Warn("Failed to register source", "name", sourceCfg.Name, "error", err)
			continue
		}
		logger.Info("Source registered", "source", sourceCfg.Name, "symbols", source.SourceInfo().SupportedSymbols)
	}

	if len(agg.GetSources()) == 0 {
		svc.Close()
		return nil, errNoSources
	}
	return svc, nil
}
