// Package poller refreshes aggregated prices on a fixed interval so that
// streaming clients receive updates without issuing requests.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/StrathCole/oracle-aggregator/pkg/logging"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

// PriceGetter is implemented by the aggregator.
type PriceGetter interface {
	GetAggregatedPrice(ctx context.Context, symbol string) (sources.AggregatedPrice, error)
}

// Poller aggregates every configured symbol once per interval.
type Poller struct {
	getter   PriceGetter
	symbols  []string
	interval time.Duration
	timeout  time.Duration
	logger   *logging.Logger
}

// New creates a poller. A zero timeout bounds each round by interval.
func New(getter PriceGetter, symbols []string, interval, timeout time.Duration, logger *logging.Logger) *Poller {
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Poller{
		getter:   getter,
		symbols:  symbols,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Run polls immediately and then on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if len(p.symbols) == 0 || p.interval <= 0 {
		p.logger.Info("Price poller disabled")
		return
	}

	p.logger.Info("Starting price poller", "symbols", len(p.symbols), "interval", p.interval.String())
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info("Price poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one round. Symbols are aggregated independently so one failing
// symbol does not hold back the others. It returns the number of symbols
// that produced a price.
func (p *Poller) Poll(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, symbol := range p.symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			price, err := p.getter.GetAggregatedPrice(ctx, symbol)
			if err != nil {
				p.logger.Warn("Failed to aggregate price", "symbol", symbol, "error", err)
				return
			}
			p.logger.Debug("Aggregated price",
				"symbol", price.Symbol,
				"price", price.Price,
				"confidence", price.Confidence,
				"sources", len(price.SourcesUsed))
			mu.Lock()
			ok++
			mu.Unlock()
		}(symbol)
	}
	wg.Wait()
	return ok
}
