package oracle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-aggregator/pkg/server/aggregator"
	"github.com/StrathCole/oracle-aggregator/pkg/server/breaker"
	"github.com/StrathCole/oracle-aggregator/pkg/server/cache"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

var errBoom = errors.New("boom")

func TestGetAggregatedPrice_Basic(t *testing.T) {
	clock := newFakeClock()
	a := newTestAggregator(t, clock)
	addStubs(t, a, clock, 100, 101, 102)

	got, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)

	assert.Equal(t, "BTC/USD", got.Symbol)
	assert.Equal(t, 101.0, got.Price)
	assert.Equal(t, []string{"a", "b", "c"}, got.SourcesUsed)
	assert.Empty(t, got.OutliersFiltered)
	assert.Equal(t, 3, got.SourceCount)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, clock.Now(), got.Timestamp)
}

func TestGetAggregatedPrice_NormalizesSymbol(t *testing.T) {
	clock := newFakeClock()
	a := newTestAggregator(t, clock)
	addStubs(t, a, clock, 100)

	got, err := a.GetAggregatedPrice(context.Background(), " btc/usdt ")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USD", got.Symbol)

	_, err = a.GetAggregatedPrice(context.Background(), "  ")
	assert.ErrorIs(t, err, sources.ErrInvalidSymbol)
}

func TestGetAggregatedPrice_MinimumSources(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultAggregationConfig()
	cfg.MinSources = 2
	a := newTestAggregator(t, clock, WithConfig(cfg))

	stubs := addStubs(t, a, clock, 100, 101)
	stubs[1].setErr(errBoom)

	_, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientSources)
	assert.NotErrorIs(t, err, ErrInsufficientAfterFiltering)
}

func TestGetAggregatedPrice_InvalidPricesDiscarded(t *testing.T) {
	clock := newFakeClock()
	a := newTestAggregator(t, clock)
	addStubs(t, a, clock, 100, 0, -5)

	got, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.SourcesUsed)
	assert.Equal(t, 100.0, got.Price)
}

func TestGetAggregatedPrice_DeviationFiltering(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultAggregationConfig()
	cfg.MaxDeviationPercent = 10
	cfg.EnableOutlierDetection = false
	a := newTestAggregator(t, clock, WithConfig(cfg))
	addStubs(t, a, clock, 100, 101, 202)

	got, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, got.SourcesUsed)
	assert.Equal(t, []string{"c"}, got.OutliersFiltered)
	assert.Equal(t, 100.5, got.Price)
	assert.InDelta(t, 2.0/3.0, got.Confidence, 1e-9)
}

func TestGetAggregatedPrice_OutlierExclusion(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		clock := newFakeClock()
		a := newTestAggregator(t, clock)
		addStubs(t, a, clock, 100, 101, 102, 10000)

		got, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
		require.NoError(t, err)

		assert.Equal(t, []string{"d"}, got.OutliersFiltered)
		assert.NotContains(t, got.SourcesUsed, "d")
		assert.Equal(t, 3, got.SourceCount)
		assert.Equal(t, 101.0, got.Price)
		assert.InDelta(t, 0.75, got.Confidence, 1e-9)
	})

	t.Run("z-score only", func(t *testing.T) {
		clock := newFakeClock()
		cfg := DefaultAggregationConfig()
		cfg.MaxDeviationPercent = 0
		cfg.OutlierThreshold = 1.5
		a := newTestAggregator(t, clock, WithConfig(cfg))
		addStubs(t, a, clock, 100, 101, 102, 10000)

		got, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
		require.NoError(t, err)
		assert.Equal(t, []string{"d"}, got.OutliersFiltered)
		assert.Equal(t, []string{"a", "b", "c"}, got.SourcesUsed)
	})

	t.Run("iqr", func(t *testing.T) {
		clock := newFakeClock()
		cfg := DefaultAggregationConfig()
		cfg.MaxDeviationPercent = 0
		cfg.OutlierMethod = "iqr"
		a := newTestAggregator(t, clock, WithConfig(cfg))
		addStubs(t, a, clock, 100, 101, 102, 103, 104, 500)

		got, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
		require.NoError(t, err)
		assert.Equal(t, []string{"f"}, got.OutliersFiltered)
	})
}

func TestGetAggregatedPrice_InsufficientAfterFiltering(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultAggregationConfig()
	cfg.MinSources = 2
	a := newTestAggregator(t, clock, WithConfig(cfg))
	addStubs(t, a, clock, 100, 200)

	_, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientAfterFiltering)
	assert.ErrorIs(t, err, ErrInsufficientSources)
}

func TestGetAggregatedPrice_WeightedStrategy(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultAggregationConfig()
	cfg.MaxDeviationPercent = 0
	a := newTestAggregator(t, clock, WithConfig(cfg))

	require.NoError(t, a.AddSource(newStubSource("a", clock, 100), 3))
	require.NoError(t, a.AddSource(newStubSource("b", clock, 200), 1))

	weighted, err := aggregator.New(aggregator.ModeWeighted, aggregator.Options{})
	require.NoError(t, err)
	a.SetStrategy(weighted)
	assert.Equal(t, aggregator.ModeWeighted, a.GetStrategy().Name())

	got, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.InDelta(t, 125.0, got.Price, 1e-9)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestGetAggregatedPrice_IdempotentCacheHit(t *testing.T) {
	clock := newFakeClock()
	a := newTestAggregator(t, clock)
	stubs := addStubs(t, a, clock, 100, 101, 102)

	first, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	second, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	for _, s := range stubs {
		assert.Equal(t, 1, s.callCount())
	}

	// mutating a returned value must not leak into the cache
	second.SourcesUsed[0] = "mutated"
	third, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestGetAggregatedPrice_StaleAggregateFallback(t *testing.T) {
	clock := newFakeClock()
	a := newTestAggregator(t, clock)
	stubs := addStubs(t, a, clock, 100)

	events := make(chan Event, 64)
	a.Subscribe(events)

	first, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)
	drainEvents(events)

	stubs[0].setErr(errBoom)
	clock.Advance(61 * time.Second)

	second, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	types := eventTypes(drainEvents(events))
	assert.Contains(t, types, EventSourceFailed)
	assert.Contains(t, types, EventStaleFallback)
	assert.NotContains(t, types, EventPriceAggregated)
}

func TestGetAggregatedPrice_NoFallbackWithoutCache(t *testing.T) {
	clock := newFakeClock()
	a := newTestAggregator(t, clock)
	stubs := addStubs(t, a, clock, 100)
	stubs[0].setErr(errBoom)

	_, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	assert.ErrorIs(t, err, ErrInsufficientSources)
}

func TestGetAggregatedPrice_NoSources(t *testing.T) {
	clock := newFakeClock()
	a := newTestAggregator(t, clock)

	_, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	assert.ErrorIs(t, err, ErrInsufficientSources)
}

func TestGetAggregatedPrice_BlockedSourceUsesCachedPrice(t *testing.T) {
	clock := newFakeClock()
	a := newTestAggregator(t, clock,
		WithCacheConfig(cache.Config{TTL: 5 * time.Second, MaxSize: 100}),
		WithBreakerConfig(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute, HalfOpenMaxCalls: 1}),
	)
	stubs := addStubs(t, a, clock, 100)

	_, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)

	stubs[0].setErr(errBoom)
	clock.Advance(10 * time.Second)

	got, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.Price)
	assert.Equal(t, []string{"a"}, got.SourcesUsed)
	assert.Equal(t, 2, stubs[0].callCount())
	assert.Equal(t, "OPEN", a.GetSources()[0].CircuitState)

	clock.Advance(10 * time.Second)
	got, err = a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.Price)
	assert.Equal(t, 2, stubs[0].callCount(), "open circuit must not call the source")
}

func TestGetAggregatedPrice_CircuitBreakerLifecycle(t *testing.T) {
	clock := newFakeClock()
	a := newTestAggregator(t, clock,
		WithBreakerConfig(breaker.Config{FailureThreshold: 2, ResetTimeout: 30 * time.Second, HalfOpenMaxCalls: 1}),
	)

	good := newStubSource("good", clock, 100)
	bad := newStubSource("bad", clock, 100)
	require.NoError(t, a.AddSource(good, 1))
	require.NoError(t, a.AddSource(bad, 1))
	bad.setErr(errBoom)

	events := make(chan Event, 256)
	a.Subscribe(events)

	aggregate := func() sources.AggregatedPrice {
		t.Helper()
		a.ClearCache()
		got, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
		require.NoError(t, err)
		return got
	}
	badState := func() PriceSource {
		for _, s := range a.GetSources() {
			if s.Name == "bad" {
				return s
			}
		}
		t.Fatal("bad source not registered")
		return PriceSource{}
	}

	aggregate()
	assert.Equal(t, "CLOSED", badState().CircuitState)
	assert.Equal(t, 1, badState().FailureCount)

	aggregate()
	assert.Equal(t, "OPEN", badState().CircuitState)
	assert.False(t, badState().IsHealthy)

	got := aggregate()
	assert.Equal(t, 2, bad.callCount())
	assert.Equal(t, []string{"good"}, got.SourcesUsed)

	// recovery: one success from half-open closes the circuit
	clock.Advance(30 * time.Second)
	bad.setErr(nil)
	got = aggregate()
	assert.Equal(t, []string{"bad", "good"}, got.SourcesUsed)
	assert.Equal(t, "CLOSED", badState().CircuitState)
	assert.Equal(t, 0, badState().FailureCount)
	assert.True(t, badState().IsHealthy)

	// a failure while half-open reopens immediately
	bad.setErr(errBoom)
	aggregate()
	aggregate()
	require.Equal(t, "OPEN", badState().CircuitState)
	clock.Advance(30 * time.Second)
	aggregate()
	assert.Equal(t, "OPEN", badState().CircuitState)
	assert.Equal(t, 6, bad.callCount())

	var circuit []EventType
	for _, ev := range drainEvents(events) {
		switch ev.Type {
		case EventCircuitOpened, EventCircuitHalfOpen, EventCircuitClosed:
			assert.Equal(t, "bad", ev.Source)
			assert.NotEmpty(t, ev.ID)
			circuit = append(circuit, ev.Type)
		}
	}
	assert.Equal(t, []EventType{
		EventCircuitOpened,
		EventCircuitHalfOpen,
		EventCircuitClosed,
		EventCircuitOpened,
		EventCircuitHalfOpen,
		EventCircuitOpened,
	}, circuit)
}

type flakySource struct {
	*stubSource
	mu       sync.Mutex
	failures int
}

func (f *flakySource) GetPrice(ctx context.Context, symbol string) (sources.Price, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return sources.Price{}, &sources.StatusError{Code: 503}
	}
	f.mu.Unlock()
	return f.stubSource.GetPrice(ctx, symbol)
}

func TestGetAggregatedPrice_RetriesTransientFailures(t *testing.T) {
	clock := newFakeClock()
	cfg := fastRetry()
	cfg.MaxAttempts = 3
	a := newTestAggregator(t, clock, WithRetryConfig(cfg))

	src := &flakySource{stubSource: newStubSource("flaky", clock, 100), failures: 2}
	require.NoError(t, a.AddSource(src, 1))

	got, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, []string{"flaky"}, got.SourcesUsed)
	assert.Equal(t, "CLOSED", a.GetSources()[0].CircuitState)
	assert.Equal(t, 0, a.GetSources()[0].FailureCount)
}

type slowSource struct {
	*stubSource
}

func (s *slowSource) GetPrice(ctx context.Context, _ string) (sources.Price, error) {
	<-ctx.Done()
	return sources.Price{}, ctx.Err()
}

func TestGetAggregatedPrice_FetchTimeout(t *testing.T) {
	clock := newFakeClock()
	a := newTestAggregator(t, clock, WithFetchTimeout(20*time.Millisecond))

	require.NoError(t, a.AddSource(newStubSource("fast", clock, 100), 1))
	require.NoError(t, a.AddSource(&slowSource{stubSource: newStubSource("slow", clock, 100)}, 1))

	got, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, []string{"fast"}, got.SourcesUsed)
}

func TestGetAggregatedPrices(t *testing.T) {
	clock := newFakeClock()
	a := newTestAggregator(t, clock)
	stubs := addStubs(t, a, clock, 100, 101)
	for _, s := range stubs {
		s.prices["ETH/USD"] = 2000
	}

	got, err := a.GetAggregatedPrices(context.Background(), []string{"ETH/USD", "BTC/USD"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ETH/USD", got[0].Symbol)
	assert.Equal(t, 2000.0, got[0].Price)
	assert.Equal(t, "BTC/USD", got[1].Symbol)
	assert.Equal(t, 100.5, got[1].Price)

	// one unsupported symbol fails the whole batch
	_, err = a.GetAggregatedPrices(context.Background(), []string{"BTC/USD", "DOGE/USD"})
	assert.ErrorIs(t, err, ErrInsufficientSources)

	got, err = a.GetAggregatedPrices(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetAggregatedPrice_PublishesAggregatedEvent(t *testing.T) {
	clock := newFakeClock()
	a := newTestAggregator(t, clock)
	addStubs(t, a, clock, 100)

	events := make(chan Event, 8)
	unsubscribe := a.Subscribe(events)

	got, err := a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)

	evs := drainEvents(events)
	require.Len(t, evs, 1)
	assert.Equal(t, EventPriceAggregated, evs[0].Type)
	require.NotNil(t, evs[0].Price)
	assert.Equal(t, got, *evs[0].Price)

	unsubscribe()
	a.ClearCache()
	_, err = a.GetAggregatedPrice(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Empty(t, drainEvents(events))
}

func TestAggregator_FullSubscriberDoesNotBlock(t *testing.T) {
	clock := newFakeClock()
	a := newTestAggregator(t, clock)
	addStubs(t, a, clock, 100)

	events := make(chan Event) // unbuffered and never read
	a.Subscribe(events)

	done := make(chan struct{})
	go func() {
		_, _ = a.GetAggregatedPrice(context.Background(), "BTC/USD")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("aggregation blocked on a full subscriber")
	}
}
