// Package oracle orchestrates concurrent fetching, validation, filtering and
// aggregation of prices from many registered sources.
package oracle

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/StrathCole/oracle-aggregator/pkg/logging"
	"github.com/StrathCole/oracle-aggregator/pkg/metrics"
	"github.com/StrathCole/oracle-aggregator/pkg/server/aggregator"
	"github.com/StrathCole/oracle-aggregator/pkg/server/breaker"
	"github.com/StrathCole/oracle-aggregator/pkg/server/cache"
	"github.com/StrathCole/oracle-aggregator/pkg/server/retry"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

// Aggregator owns the source registry, per-source circuit breakers, the
// active strategy and the price cache.
type Aggregator struct {
	logger       *logging.Logger
	now          func() time.Time
	cache        *cache.Cache
	cacheCfg     cache.Config
	breakerCfg   breaker.Config
	retryCfg     retry.Config
	fetchTimeout time.Duration

	mu       sync.RWMutex
	cfg      AggregationConfig
	strategy aggregator.Strategy
	arena    []*sourceEntry // registration order; ids are positions
	index    map[string]int

	subMu       sync.RWMutex
	subscribers map[int]chan<- Event
	nextSubID   int
}

// Option configures an Aggregator.
type Option func(*Aggregator)

func WithLogger(logger *logging.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

// WithClock overrides the time source used for staleness, breakers and the cache.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func WithConfig(cfg AggregationConfig) Option {
	return func(a *Aggregator) { a.cfg = cfg }
}

func WithBreakerConfig(cfg breaker.Config) Option {
	return func(a *Aggregator) { a.breakerCfg = cfg }
}

func WithCacheConfig(cfg cache.Config) Option {
	return func(a *Aggregator) { a.cacheCfg = cfg }
}

func WithRetryConfig(cfg retry.Config) Option {
	return func(a *Aggregator) { a.retryCfg = cfg }
}

// WithFetchTimeout bounds the total time spent on one source per aggregation,
// retries included. Zero disables the bound.
func WithFetchTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.fetchTimeout = d }
}

func WithStrategy(s aggregator.Strategy) Option {
	return func(a *Aggregator) { a.strategy = s }
}

// New creates an aggregator. All configuration is validated up front.
func New(opts ...Option) (*Aggregator, error) {
	a := &Aggregator{
		logger:      logging.NewNoopLogger(),
		now:         time.Now,
		cacheCfg:    cache.DefaultConfig(),
		breakerCfg:  breaker.DefaultConfig(),
		retryCfg:    retry.DefaultConfig(),
		cfg:         DefaultAggregationConfig(),
		index:       make(map[string]int),
		subscribers: make(map[int]chan<- Event),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	if err := a.breakerCfg.Validate(); err != nil {
		return nil, err
	}
	if err := a.cacheCfg.Validate(); err != nil {
		return nil, err
	}
	if err := a.retryCfg.Validate(); err != nil {
		return nil, err
	}
	if a.fetchTimeout < 0 {
		return nil, fmt.Errorf("%w: fetch timeout must be >= 0", sources.ErrInvalidConfiguration)
	}

	if a.strategy == nil {
		a.strategy = aggregator.NewMedianStrategy(a.logger)
	}
	a.cache = cache.New(a.cacheCfg, cache.WithClock(a.now))
	a.logger = a.logger.With("component", "oracle")
	return a, nil
}

// AddSource registers src under its SourceInfo name. A zero weight means 1.0.
func (a *Aggregator) AddSource(src sources.Source, weight float64) error {
	if src == nil {
		return fmt.Errorf("%w: nil source", sources.ErrInvalidConfiguration)
	}
	name := src.SourceInfo().Name
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: source name is empty", sources.ErrInvalidConfiguration)
	}
	if weight == 0 {
		weight = 1.0
	}
	if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return fmt.Errorf("%w: weight for %s must be > 0, got %v", sources.ErrInvalidConfiguration, name, weight)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.index[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, name)
	}

	entry := &sourceEntry{
		id:      len(a.arena),
		name:    name,
		source:  src,
		weight:  weight,
		healthy: true,
	}
	entry.breaker = breaker.New(a.breakerCfg,
		breaker.WithClock(a.now),
		breaker.WithTransitionHook(a.transitionHook(entry)),
	)

	a.arena = append(a.arena, entry)
	a.index[name] = entry.id

	metrics.RecordCircuitState(name, float64(breaker.StateClosed))
	metrics.RecordSourceHealth(name, true)
	a.logger.Info("Registered source", "source", name, "weight", weight)
	return nil
}

// RemoveSource drops the source and its weight, health and breaker records,
// along with its raw cache entries and metric series. A source registered
// later under the same name starts clean. Removing an unknown name is a no-op.
func (a *Aggregator) RemoveSource(name string) {
	a.mu.Lock()
	id, ok := a.index[name]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.index, name)
	a.arena = slices.Delete(a.arena, id, id+1)
	for i := id; i < len(a.arena); i++ {
		a.arena[i].id = i
		a.index[a.arena[i].name] = i
	}
	a.mu.Unlock()

	dropped := a.cache.InvalidateSource(name)
	metrics.DeleteSource(name)
	a.logger.Info("Removed source", "source", name, "cached_prices_dropped", dropped)
}

// SetWeight changes a registered source's weight.
func (a *Aggregator) SetWeight(name string, weight float64) error {
	if !(weight > 0) || math.IsInf(weight, 0) {
		return fmt.Errorf("%w: weight for %s must be > 0, got %v", sources.ErrInvalidConfiguration, name, weight)
	}

	a.mu.RLock()
	entry := a.lookupLocked(name)
	a.mu.RUnlock()
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, name)
	}

	entry.mu.Lock()
	entry.weight = weight
	entry.mu.Unlock()
	return nil
}

// SetStrategy swaps the active strategy for subsequent aggregations.
func (a *Aggregator) SetStrategy(s aggregator.Strategy) {
	if s == nil {
		return
	}
	a.mu.Lock()
	a.strategy = s
	a.mu.Unlock()
	a.logger.Info("Aggregation strategy changed", "strategy", s.Name())
}

func (a *Aggregator) GetStrategy() aggregator.Strategy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.strategy
}

// GetSources returns a snapshot of every registered source in registration order.
func (a *Aggregator) GetSources() []PriceSource {
	entries := a.liveEntries()
	out := make([]PriceSource, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// GetSourceHealth probes every source concurrently. A failing or panicking
// probe yields false for that source only.
func (a *Aggregator) GetSourceHealth(ctx context.Context) map[string]bool {
	entries := a.liveEntries()
	results := make([]bool, len(entries))

	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, e *sourceEntry) {
			defer wg.Done()
			results[i] = a.probe(ctx, e)
		}(i, e)
	}
	wg.Wait()

	out := make(map[string]bool, len(entries))
	for i, e := range entries {
		out[e.name] = results[i]
	}
	return out
}

func (a *Aggregator) probe(ctx context.Context, e *sourceEntry) (healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Health check panicked", "source", e.name, "panic", fmt.Sprint(r))
			healthy = false
		}
		e.recordOutcome(healthy, a.now())
		if a.registered(e) {
			metrics.RecordSourceHealth(e.name, healthy)
		}
	}()

	ok, err := e.source.IsHealthy(ctx)
	if err != nil {
		a.logger.Warn("Health check failed", "source", e.name, "error", err)
		return false
	}
	return ok
}

// UpdateConfig merges update over the current configuration. An invalid
// result is rejected and the current configuration is kept.
func (a *Aggregator) UpdateConfig(update AggregationConfigUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	merged := Merge(a.cfg, update)
	if err := merged.Validate(); err != nil {
		return err
	}
	a.cfg = merged
	a.logger.Info("Aggregation config updated",
		"min_sources", merged.MinSources,
		"max_deviation_percent", merged.MaxDeviationPercent,
		"max_staleness", merged.MaxStaleness.String(),
		"outlier_detection", merged.EnableOutlierDetection)
	return nil
}

func (a *Aggregator) GetConfig() AggregationConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// ClearCache empties both the raw and aggregated price caches.
func (a *Aggregator) ClearCache() {
	a.cache.Clear()
}

func (a *Aggregator) CacheStats() cache.Stats {
	return a.cache.Stats()
}

func (a *Aggregator) lookupLocked(name string) *sourceEntry {
	id, ok := a.index[name]
	if !ok {
		return nil
	}
	return a.arena[id]
}

// registered reports whether e is still the live entry for its name. Work
// finishing after RemoveSource must not write back cache or metrics.
func (a *Aggregator) registered(e *sourceEntry) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lookupLocked(e.name) == e
}

func (a *Aggregator) liveEntries() []*sourceEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.arena)
}

// snapshot captures everything one aggregation needs under a single read lock.
func (a *Aggregator) snapshot() (AggregationConfig, aggregator.Strategy, []*sourceEntry) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg, a.strategy, slices.Clone(a.arena)
}

func (a *Aggregator) transitionHook(e *sourceEntry) breaker.TransitionFunc {
	name := e.name
	return func(from, to breaker.State) {
		if !a.registered(e) {
			return
		}
		metrics.RecordCircuitState(name, float64(to))
		metrics.RecordCircuitTransition(name, to.String())

		var evType EventType
		switch to {
		case breaker.StateOpen:
			evType = EventCircuitOpened
			a.logger.Warn("Circuit opened", "source", name, "from", from.String())
		case breaker.StateHalfOpen:
			evType = EventCircuitHalfOpen
			a.logger.Info("Circuit half-open, probing source", "source", name)
		case breaker.StateClosed:
			evType = EventCircuitClosed
			a.logger.Info("Circuit closed", "source", name)
		}
		a.publish(Event{Type: evType, Source: name})
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
