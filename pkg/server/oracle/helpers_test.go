package oracle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-aggregator/pkg/logging"
	"github.com/StrathCole/oracle-aggregator/pkg/server/retry"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// stubSource reports a fixed price per symbol, stamped with the fake clock.
type stubSource struct {
	name  string
	clock *fakeClock

	mu     sync.Mutex
	prices map[string]float64
	err    error
	calls  int
}

func newStubSource(name string, clock *fakeClock, price float64) *stubSource {
	return &stubSource{
		name:   name,
		clock:  clock,
		prices: map[string]float64{"BTC/USD": price},
	}
}

func (s *stubSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubSource) GetPrice(_ context.Context, symbol string) (sources.Price, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return sources.Price{}, s.err
	}
	v, ok := s.prices[symbol]
	if !ok {
		return sources.Price{}, fmt.Errorf("%w: %s", sources.ErrUnsupportedSymbol, symbol)
	}
	return sources.Price{Symbol: symbol, Price: v, Timestamp: s.clock.Now(), Source: s.name}, nil
}

func (s *stubSource) GetPrices(ctx context.Context, symbols []string) ([]sources.Price, error) {
	return sources.CollectPrices(ctx, symbols, s.GetPrice, logging.NewNoopLogger())
}

func (s *stubSource) SourceInfo() sources.SourceInfo {
	return sources.SourceInfo{Name: s.name, Description: "stub", Version: "test"}
}

func (s *stubSource) IsHealthy(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err == nil, nil
}

// MockSource mocks the Source interface.
type MockSource struct {
	mock.Mock
}

func (m *MockSource) GetPrice(ctx context.Context, symbol string) (sources.Price, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(sources.Price), args.Error(1)
}

func (m *MockSource) GetPrices(ctx context.Context, symbols []string) ([]sources.Price, error) {
	args := m.Called(ctx, symbols)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]sources.Price), args.Error(1)
}

func (m *MockSource) SourceInfo() sources.SourceInfo {
	args := m.Called()
	return args.Get(0).(sources.SourceInfo)
}

func (m *MockSource) IsHealthy(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts:       1,
		InitialDelay:      time.Millisecond,
		MaxDelay:          time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func newTestAggregator(t *testing.T, clock *fakeClock, opts ...Option) *Aggregator {
	t.Helper()
	base := []Option{WithClock(clock.Now), WithRetryConfig(fastRetry())}
	a, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return a
}

func addStubs(t *testing.T, a *Aggregator, clock *fakeClock, values ...float64) []*stubSource {
	t.Helper()
	out := make([]*stubSource, len(values))
	for i, v := range values {
		out[i] = newStubSource(string(rune('a'+i)), clock, v)
		require.NoError(t, a.AddSource(out[i], 1))
	}
	return out
}

func drainEvents(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}
