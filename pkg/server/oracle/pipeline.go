package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/StrathCole/oracle-aggregator/pkg/metrics"
	"github.com/StrathCole/oracle-aggregator/pkg/server/outlier"
	"github.com/StrathCole/oracle-aggregator/pkg/server/retry"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
	"github.com/StrathCole/oracle-aggregator/pkg/server/validator"
)

const (
	stageValidation = "validation"
	stageFiltering  = "filtering"
)

// GetAggregatedPrice returns one price for symbol built from every registered
// source. A fresh cached aggregate short-circuits the pipeline. Otherwise all
// sources are queried concurrently and the call waits for every one of them
// to settle before validating, filtering and aggregating.
//
// Per-source failures never surface here. The only error is a quorum
// shortfall with no cached aggregate to fall back to.
//
// OutliersFiltered names every source excluded after validation, whether it
// was beyond MaxDeviationPercent of the median or flagged by the outlier
// detector. Both kinds lower Confidence.
func (a *Aggregator) GetAggregatedPrice(ctx context.Context, symbol string) (sources.AggregatedPrice, error) {
	symbol = sources.NormalizeSymbol(symbol)
	if symbol == "" {
		return sources.AggregatedPrice{}, fmt.Errorf("%w: empty symbol", sources.ErrInvalidSymbol)
	}

	cfg, strategy, entries := a.snapshot()
	now := a.now()

	if cached, ok := a.cache.GetAggregated(symbol); ok && now.Sub(cached.Timestamp) < cfg.MaxStaleness {
		return cloneAggregated(cached), nil
	}

	collected := a.collect(ctx, symbol, entries, cfg.MaxStaleness)

	valid, invalid := validator.Partition(collected, cfg.MaxStaleness, now)
	for _, p := range invalid {
		a.logger.Debug("Discarding invalid price",
			"symbol", symbol,
			"source", p.Source,
			"price", p.Price,
			"timestamp", p.Timestamp)
	}

	if !validator.HasMinimumSources(valid, cfg.MinSources) {
		err := fmt.Errorf("%w for %s: %d valid of %d required", ErrInsufficientSources,
			symbol, validator.DistinctSources(valid), cfg.MinSources)
		return a.fallbackAggregate(symbol, stageValidation, err)
	}

	excluded := make(map[string]struct{})
	survivors := valid

	if cfg.MaxDeviationPercent > 0 {
		kept, dropped := validator.FilterByDeviation(survivors, cfg.MaxDeviationPercent)
		for _, p := range dropped {
			excluded[p.Source] = struct{}{}
			metrics.RecordDeviationRejection(symbol)
			a.logger.Debug("Rejecting price beyond deviation bound",
				"symbol", symbol,
				"source", p.Source,
				"price", p.Price,
				"max_deviation_percent", cfg.MaxDeviationPercent)
		}
		survivors = kept
	}

	if cfg.EnableOutlierDetection {
		res := outlier.FilterOutliers(survivors, cfg.OutlierMethod, cfg.OutlierThreshold)
		for _, name := range res.Sources {
			excluded[name] = struct{}{}
			metrics.RecordOutlierRejection(symbol)
		}
		if len(res.Sources) > 0 {
			a.logger.Debug("Filtered outliers",
				"symbol", symbol,
				"method", string(cfg.OutlierMethod),
				"sources", res.Sources)
		}
		survivors = res.Filtered
	}

	if len(excluded) > 0 {
		a.publish(Event{Type: EventOutliersFiltered, Symbol: symbol, Sources: sortedKeys(excluded)})
	}

	if !validator.HasMinimumSources(survivors, cfg.MinSources) {
		err := fmt.Errorf("%w for %s: %d remaining of %d required, %d excluded", ErrInsufficientAfterFiltering,
			symbol, validator.DistinctSources(survivors), cfg.MinSources, len(excluded))
		return a.fallbackAggregate(symbol, stageFiltering, err)
	}

	weights := make(map[string]float64, len(entries))
	for _, e := range entries {
		weights[e.name] = e.getWeight()
	}

	price, err := strategy.Aggregate(survivors, weights)
	if err != nil {
		return sources.AggregatedPrice{}, fmt.Errorf("aggregate %s with %s: %w", symbol, strategy.Name(), err)
	}

	used := make(map[string]struct{}, len(survivors))
	for _, p := range survivors {
		used[p.Source] = struct{}{}
	}
	for name := range used {
		delete(excluded, name)
	}

	result := sources.AggregatedPrice{
		Symbol:           symbol,
		Price:            price,
		Timestamp:        now,
		SourcesUsed:      sortedKeys(used),
		OutliersFiltered: sortedKeys(excluded),
		SourceCount:      len(used),
	}
	result.Confidence = confidence(result.SourceCount, len(result.OutliersFiltered))

	a.cache.SetAggregated(symbol, result)

	a.logger.Debug("Aggregated price",
		"symbol", symbol,
		"price", price,
		"strategy", strategy.Name(),
		"sources", result.SourceCount,
		"outliers", len(result.OutliersFiltered),
		"confidence", result.Confidence)

	out := cloneAggregated(result)
	a.publish(Event{Type: EventPriceAggregated, Symbol: symbol, Price: &out})
	return cloneAggregated(result), nil
}

// GetAggregatedPrices aggregates every symbol concurrently. The batch fails
// with the first error observed; siblings are not cancelled and their results
// are discarded.
func (a *Aggregator) GetAggregatedPrices(ctx context.Context, symbols []string) ([]sources.AggregatedPrice, error) {
	type outcome struct {
		idx   int
		price sources.AggregatedPrice
		err   error
	}

	results := make(chan outcome, len(symbols))
	for i, symbol := range symbols {
		go func(i int, symbol string) {
			p, err := a.GetAggregatedPrice(ctx, symbol)
			results <- outcome{idx: i, price: p, err: err}
		}(i, symbol)
	}

	out := make([]sources.AggregatedPrice, len(symbols))
	for range symbols {
		res := <-results
		if res.err != nil {
			return nil, res.err
		}
		out[res.idx] = res.price
	}
	return out, nil
}

// collect queries every source concurrently and returns what each produced.
// A source contributes at most one price.
func (a *Aggregator) collect(ctx context.Context, symbol string, entries []*sourceEntry, maxStaleness time.Duration) []sources.Price {
	results := make([]sources.Price, len(entries))
	found := make([]bool, len(entries))

	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, e *sourceEntry) {
			defer wg.Done()
			results[i], found[i] = a.fetchFromSource(ctx, e, symbol, maxStaleness)
		}(i, e)
	}
	wg.Wait()

	out := make([]sources.Price, 0, len(entries))
	for i := range results {
		if found[i] {
			out = append(out, results[i])
		}
	}
	return out
}

// fetchFromSource serves a still-fresh raw cache entry, or asks the breaker
// and performs a retrying fetch. A blocked or failed source falls back to its
// last cached price regardless of age.
func (a *Aggregator) fetchFromSource(ctx context.Context, e *sourceEntry, symbol string, maxStaleness time.Duration) (sources.Price, bool) {
	if p, ok := a.cache.GetPrice(symbol, e.name); ok && a.now().Sub(p.Timestamp) < maxStaleness {
		return p, true
	}

	if !e.breaker.Allow() {
		a.logger.Debug("Circuit open, skipping source", "source", e.name, "symbol", symbol)
		metrics.RecordSourceFetch(e.name, "circuit_open", 0)
		return a.fallbackPrice(symbol, e.name)
	}

	fetchCtx := ctx
	if a.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, a.fetchTimeout)
		defer cancel()
	}

	start := time.Now()
	p, err := retry.Do(fetchCtx, a.retryCfg, func(ctx context.Context) (sources.Price, error) {
		return e.source.GetPrice(ctx, symbol)
	})
	duration := time.Since(start)

	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrSourceFetchFailure, e.name, err)
		e.breaker.RecordFailure()
		e.recordOutcome(false, a.now())
		metrics.RecordSourceFetch(e.name, "error", duration)
		if errors.Is(err, context.Canceled) {
			a.logger.Debug("Source fetch cancelled", "source", e.name, "symbol", symbol)
		} else {
			a.logger.Warn("Source fetch failed", "source", e.name, "symbol", symbol, "error", err)
		}
		a.publish(Event{Type: EventSourceFailed, Symbol: symbol, Source: e.name, Err: err})
		return a.fallbackPrice(symbol, e.name)
	}

	p.Source = e.name
	if a.registered(e) {
		a.cache.SetPrice(symbol, e.name, p)
	}
	e.breaker.RecordSuccess()
	e.recordOutcome(true, a.now())
	metrics.RecordSourceFetch(e.name, "success", duration)
	return p, true
}

func (a *Aggregator) fallbackPrice(symbol, source string) (sources.Price, bool) {
	p, storedAt, ok := a.cache.PeekPrice(symbol, source)
	if !ok {
		return sources.Price{}, false
	}
	a.logger.Debug("Using cached price for unavailable source",
		"source", source,
		"symbol", symbol,
		"cached_at", storedAt)
	a.publish(Event{Type: EventStaleFallback, Symbol: symbol, Source: source})
	return p, true
}

// fallbackAggregate returns the last cached aggregate for symbol, however
// old, or cause if there is none.
func (a *Aggregator) fallbackAggregate(symbol, stage string, cause error) (sources.AggregatedPrice, error) {
	cached, _, ok := a.cache.PeekAggregated(symbol)
	if !ok {
		metrics.RecordInsufficientSources(symbol, stage, "error")
		a.logger.Warn("Insufficient sources", "symbol", symbol, "stage", stage, "error", cause)
		return sources.AggregatedPrice{}, cause
	}

	metrics.RecordInsufficientSources(symbol, stage, "stale_cache")
	a.logger.Warn("Insufficient sources, serving cached aggregate",
		"symbol", symbol,
		"stage", stage,
		"cached_at", cached.Timestamp,
		"error", cause)
	stale := cloneAggregated(cached)
	a.publish(Event{Type: EventStaleFallback, Symbol: symbol, Err: cause, Price: &stale})
	return cloneAggregated(cached), nil
}

// confidence is used/(used+excluded). excluded counts deviation rejections as
// well as statistical outliers; invalid, stale and failed sources are not
// counted.
func confidence(used, excluded int) float64 {
	total := used + excluded
	if total < 1 {
		total = 1
	}
	return float64(used) / float64(total)
}

func cloneAggregated(p sources.AggregatedPrice) sources.AggregatedPrice {
	used := make([]string, len(p.SourcesUsed))
	copy(used, p.SourcesUsed)
	filtered := make([]string, len(p.OutliersFiltered))
	copy(filtered, p.OutliersFiltered)
	p.SourcesUsed = used
	p.OutliersFiltered = filtered
	return p
}
