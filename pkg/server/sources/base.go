package sources

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/StrathCole/oracle-aggregator/pkg/logging"
)

// BaseSource provides common functionality for price sources: identity,
// supported symbols, health and last-update bookkeeping.
type BaseSource struct {
	name        string
	description string
	version     string
	symbols     map[string]struct{}
	lastUpdate  time.Time
	updateMu    sync.RWMutex
	healthy     bool
	healthMu    sync.RWMutex
	logger      *logging.Logger
}

// NewBaseSource creates a new base source. An empty symbol list means the
// source accepts any symbol.
func NewBaseSource(name, description, version string, symbols []string, logger *logging.Logger) *BaseSource {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}

	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[NormalizeSymbol(s)] = struct{}{}
	}

	return &BaseSource{
		name:        name,
		description: description,
		version:     version,
		symbols:     set,
		healthy:     true,
		logger:      logger.With("source", name),
	}
}

// Name returns the source name
func (b *BaseSource) Name() string {
	return b.name
}

// SourceInfo returns identity information and the last update time
func (b *BaseSource) SourceInfo() SourceInfo {
	symbols := make([]string, 0, len(b.symbols))
	for s := range b.symbols {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	return SourceInfo{
		Name:             b.name,
		Description:      b.description,
		Version:          b.version,
		SupportedSymbols: symbols,
		LastUpdate:       b.LastUpdate(),
	}
}

// Supports reports whether the source quotes the symbol.
func (b *BaseSource) Supports(symbol string) bool {
	if len(b.symbols) == 0 {
		return true
	}
	_, ok := b.symbols[NormalizeSymbol(symbol)]
	return ok
}

// Healthy returns the last recorded health status
func (b *BaseSource) Healthy() bool {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.healthy
}

// SetHealthy sets the health status
func (b *BaseSource) SetHealthy(healthy bool) {
	b.healthMu.Lock()
	defer b.healthMu.Unlock()
	b.healthy = healthy
}

// LastUpdate returns the time of the last successful price update
func (b *BaseSource) LastUpdate() time.Time {
	b.updateMu.RLock()
	defer b.updateMu.RUnlock()
	return b.lastUpdate
}

// SetLastUpdate sets the last update time
func (b *BaseSource) SetLastUpdate(t time.Time) {
	b.updateMu.Lock()
	defer b.updateMu.Unlock()
	b.lastUpdate = t
}

// Logger returns the logger
func (b *BaseSource) Logger() *logging.Logger {
	return b.logger
}

// CollectPrices implements GetPrices on top of a single-symbol fetch. Symbols
// that fail are logged and skipped; an error is returned only if none succeed.
func CollectPrices(ctx context.Context, symbols []string, get func(context.Context, string) (Price, error), logger *logging.Logger) ([]Price, error) {
	prices := make([]Price, 0, len(symbols))
	var lastErr error

	for _, symbol := range symbols {
		p, err := get(ctx, symbol)
		if err != nil {
			logger.Debug("Failed to fetch price", "symbol", symbol, "error", err)
			lastErr = err
			continue
		}
		prices = append(prices, p)
	}

	if len(prices) == 0 && len(symbols) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoPricesAvailable, lastErr)
	}

	return prices, nil
}
