package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-aggregator/pkg/logging"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

type fakeGetter struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func newFakeGetter(fail ...string) *fakeGetter {
	g := &fakeGetter{calls: make(map[string]int), fail: make(map[string]bool)}
	for _, s := range fail {
		g.fail[s] = true
	}
	return g
}

func (g *fakeGetter) GetAggregatedPrice(_ context.Context, symbol string) (sources.AggregatedPrice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[symbol]++
	if g.fail[symbol] {
		return sources.AggregatedPrice{}, errors.New("boom")
	}
	return sources.AggregatedPrice{Symbol: symbol, Price: 1}, nil
}

func (g *fakeGetter) count(symbol string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[symbol]
}

func TestPoll_IndependentSymbols(t *testing.T) {
	g := newFakeGetter("ETH/USD")
	p := New(g, []string{"BTC/USD", "ETH/USD", "LUNC/USD"}, time.Second, 0, logging.NewNoopLogger())

	assert.Equal(t, 2, p.Poll(context.Background()))
	assert.Equal(t, 1, g.count("BTC/USD"))
	assert.Equal(t, 1, g.count("ETH/USD"))
	assert.Equal(t, 1, g.count("LUNC/USD"))
}

func TestRun_PollsUntilCancelled(t *testing.T) {
	g := newFakeGetter()
	p := New(g, []string{"BTC/USD"}, 10*time.Millisecond, 0, logging.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return g.count("BTC/USD") >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestRun_DisabledWithoutSymbols(t *testing.T) {
	p := New(newFakeGetter(), nil, time.Millisecond, 0, logging.NewNoopLogger())
	// returns immediately
	p.Run(context.Background())
}
