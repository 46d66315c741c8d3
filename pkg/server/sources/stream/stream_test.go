package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-aggregator/pkg/logging"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

// streamServer sends one price_update per connection, with the price taken
// from prices[connection index], then optionally drops the connection.
func streamServer(t *testing.T, prices []string, drop bool, subscriptions chan<- subscribeMessage) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if subscriptions != nil {
			var sub subscribeMessage
			if err := conn.ReadJSON(&sub); err == nil {
				subscriptions <- sub
			}
		}

		idx := int(conns.Add(1)) - 1
		if idx >= len(prices) {
			idx = len(prices) - 1
		}
		msg := `{"type":"price_update","timestamp":"2024-01-01T00:00:00Z","prices":[` +
			`{"symbol":"BTC/USD","price":"` + prices[idx] + `","timestamp":"2024-01-01T00:00:00Z"},` +
			`{"symbol":"DOGE/USD","price":"0.1"}]}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}

		if drop {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestSource(url string, symbols []string) *Source {
	client := NewClient(ClientConfig{
		URL:           url,
		ReconnectWait: 10 * time.Millisecond,
		Logger:        logging.NewNoopLogger(),
	})
	return NewSource("stream", symbols, client)
}

func TestSource_ReceivesPrices(t *testing.T) {
	subs := make(chan subscribeMessage, 1)
	srv := streamServer(t, []string{"65000.5"}, false, subs)
	defer srv.Close()

	s := newTestSource(wsURL(srv), []string{"BTC/USD"})
	s.Start()
	defer s.Close()

	select {
	case sub := <-subs:
		assert.Equal(t, subscribeMessage{Type: "subscribe", Symbols: []string{"BTC/USD"}}, sub)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}

	require.Eventually(t, func() bool {
		_, err := s.GetPrice(context.Background(), "BTC/USD")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	p, err := s.GetPrice(context.Background(), "btc/usdt")
	require.NoError(t, err)
	assert.Equal(t, 65000.5, p.Price)
	assert.Equal(t, "stream", p.Source)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), p.Timestamp.UTC())

	healthy, err := s.IsHealthy(context.Background())
	require.NoError(t, err)
	assert.True(t, healthy)

	// not subscribed
	_, err = s.GetPrice(context.Background(), "DOGE/USD")
	assert.ErrorIs(t, err, sources.ErrUnsupportedSymbol)
}

func TestSource_Reconnects(t *testing.T) {
	srv := streamServer(t, []string{"100", "200"}, true, nil)
	defer srv.Close()

	s := newTestSource(wsURL(srv), nil)
	s.Start()
	defer s.Close()

	require.Eventually(t, func() bool {
		p, err := s.GetPrice(context.Background(), "BTC/USD")
		return err == nil && p.Price == 200
	}, 3*time.Second, 10*time.Millisecond)

	// unfiltered source keeps every streamed symbol
	_, err := s.GetPrice(context.Background(), "DOGE/USD")
	assert.NoError(t, err)
}

func TestSource_NotConnected(t *testing.T) {
	s := newTestSource("ws://127.0.0.1:1/ws", nil)

	_, err := s.GetPrice(context.Background(), "BTC/USD")
	assert.ErrorIs(t, err, ErrNotConnected)

	healthy, err := s.IsHealthy(context.Background())
	assert.False(t, healthy)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSource_CloseStopsClient(t *testing.T) {
	srv := streamServer(t, []string{"100"}, false, nil)
	defer srv.Close()

	s := newTestSource(wsURL(srv), nil)
	s.Start()

	require.Eventually(t, func() bool {
		ok, _ := s.IsHealthy(context.Background())
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close())
	ok, _ := s.IsHealthy(context.Background())
	assert.False(t, ok)
}

func TestHandleMessage_IgnoresGarbage(t *testing.T) {
	s := newTestSource("ws://unused", nil)

	s.handleMessage([]byte(`not json`))
	s.handleMessage([]byte(`{"type":"pong"}`))
	s.handleMessage([]byte(`{"type":"price_update","prices":[{"symbol":"ETH/USDT","price":3100}]}`))

	s.mu.RLock()
	defer s.mu.RUnlock()
	require.Len(t, s.prices, 1)
	assert.Equal(t, 3100.0, s.prices["ETH/USD"].Price)
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New("stream", map[string]interface{}{})
	assert.ErrorIs(t, err, sources.ErrInvalidConfig)
}
