// Package mock provides a configurable in-memory price source for tests,
// demos and local development.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/StrathCole/oracle-aggregator/pkg/logging"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

const (
	// SourceType is the registry key for this source.
	SourceType = "mock"
	version    = "1.0.0"
)

// Source serves configured base prices with optional jitter, latency and
// random failures. Failures surface as 503 status errors so they are retried
// like real transport faults.
type Source struct {
	*sources.BaseSource

	mu          sync.Mutex
	prices      map[string]float64
	jitter      float64 // fraction of the base price, e.g. 0.001 = ±0.1%
	failureRate float64 // probability in [0,1] that a fetch fails
	latency     time.Duration
	failing     bool
	unhealthy   bool
	rng         *rand.Rand
	now         func() time.Time
}

// Ensure Source implements sources.Source interface.
var _ sources.Source = (*Source)(nil)

// Options configures a Source built in code.
type Options struct {
	Jitter      float64
	FailureRate float64
	Latency     time.Duration
	Seed        int64
	Now         func() time.Time
}

func init() {
	sources.Register(SourceType, New)
}

// New builds a mock source from a registry config map:
//
//	prices: {"BTC/USD": 65000, "ETH/USD": 3100}
//	jitter: 0.001
//	failure_rate: 0.05
//	latency: 50ms
//	unhealthy: false
func New(name string, config map[string]interface{}) (sources.Source, error) {
	prices, err := sources.ParsePriceMap(config, "prices")
	if err != nil {
		return nil, err
	}

	latency, err := sources.GetDuration(config, "latency", 0)
	if err != nil {
		return nil, err
	}

	opts := Options{
		Jitter:      sources.GetFloat(config, "jitter", 0),
		FailureRate: sources.GetFloat(config, "failure_rate", 0),
		Latency:     latency,
		Seed:        int64(sources.GetFloat(config, "seed", float64(time.Now().UnixNano()))),
	}
	if opts.Jitter < 0 || opts.Jitter >= 1 {
		return nil, fmt.Errorf("%w: jitter must be in [0,1), got %v", sources.ErrInvalidConfig, opts.Jitter)
	}
	if opts.FailureRate < 0 || opts.FailureRate > 1 {
		return nil, fmt.Errorf("%w: failure_rate must be in [0,1], got %v", sources.ErrInvalidConfig, opts.FailureRate)
	}

	s := NewSource(name, prices, sources.GetLoggerFromConfig(config), opts)
	s.unhealthy = sources.GetBool(config, "unhealthy", false)
	return s, nil
}

// NewSource creates a mock source quoting the given prices.
func NewSource(name string, prices map[string]float64, logger *logging.Logger, opts Options) *Source {
	symbols := make([]string, 0, len(prices))
	normalized := make(map[string]float64, len(prices))
	for symbol, price := range prices {
		symbol = sources.NormalizeSymbol(symbol)
		symbols = append(symbols, symbol)
		normalized[symbol] = price
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Source{
		BaseSource:  sources.NewBaseSource(name, "Mock price source", version, symbols, logger),
		prices:      normalized,
		jitter:      opts.Jitter,
		failureRate: opts.FailureRate,
		latency:     opts.Latency,
		rng:         rand.New(rand.NewSource(opts.Seed)),
		now:         now,
	}
}

// GetPrice returns the base price for symbol, perturbed by jitter.
func (s *Source) GetPrice(ctx context.Context, symbol string) (sources.Price, error) {
	symbol = sources.NormalizeSymbol(symbol)

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return sources.Price{}, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failing || (s.failureRate > 0 && s.rng.Float64() < s.failureRate) {
		s.SetHealthy(false)
		return sources.Price{}, &sources.StatusError{Code: http.StatusServiceUnavailable, Body: "simulated failure"}
	}

	base, ok := s.prices[symbol]
	if !ok {
		return sources.Price{}, fmt.Errorf("%w: %s", sources.ErrUnsupportedSymbol, symbol)
	}

	price := base
	if s.jitter > 0 {
		price = base * (1 + (s.rng.Float64()*2-1)*s.jitter)
	}

	now := s.now()
	s.SetHealthy(true)
	s.SetLastUpdate(now)

	return sources.Price{
		Symbol:    symbol,
		Price:     price,
		Timestamp: now,
		Source:    s.Name(),
	}, nil
}

// GetPrices fetches each symbol in turn; failed symbols are omitted.
func (s *Source) GetPrices(ctx context.Context, symbols []string) ([]sources.Price, error) {
	return sources.CollectPrices(ctx, symbols, s.GetPrice, s.Logger())
}

// IsHealthy is false while the source is forced unhealthy or failing.
func (s *Source) IsHealthy(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unhealthy {
		return false, nil
	}
	if s.failing {
		return false, sources.ErrSourceNotHealthy
	}
	return true, nil
}

// SetPrice sets the base price for symbol.
func (s *Source) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[sources.NormalizeSymbol(symbol)] = price
}

// SetFailing makes every fetch fail until cleared.
func (s *Source) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

// SetUnhealthy forces the health check result.
func (s *Source) SetUnhealthy(unhealthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unhealthy = unhealthy
}
