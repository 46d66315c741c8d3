package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
	"github.com/StrathCole/oracle-aggregator/pkg/version"
)

const (
	// SourceType is the registry key for this source.
	SourceType = "stream"

	messagePriceUpdate = "price_update"
)

// priceUpdate is the subset of the streaming API message this source reads.
type priceUpdate struct {
	Type   string `json:"type"`
	Prices []struct {
		Symbol    string          `json:"symbol"`
		Price     decimal.Decimal `json:"price"`
		Timestamp time.Time       `json:"timestamp"`
	} `json:"prices"`
}

type subscribeMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// Source keeps the latest streamed price per symbol. It is healthy while its
// WebSocket connection is up.
type Source struct {
	*sources.BaseSource

	client *Client
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	prices map[string]sources.Price
	now    func() time.Time
}

// Ensure Source implements sources.Source interface.
var _ sources.Source = (*Source)(nil)

func init() {
	sources.Register(SourceType, New)
}

// New builds a stream source and starts its connection loop:
//
//	url: ws://other-aggregator:8080/ws
//	symbols: ["BTC/USD"]        # subscribed on connect; empty means all
//	reconnect_wait: 1s
//	max_reconnect_wait: 60s
//	ping_interval: 30s
func New(name string, config map[string]interface{}) (sources.Source, error) {
	url := sources.GetString(config, "url", "")
	if url == "" {
		return nil, fmt.Errorf("%w: stream source %s requires url", sources.ErrInvalidConfig, name)
	}

	reconnectWait, err := sources.GetDuration(config, "reconnect_wait", time.Second)
	if err != nil {
		return nil, err
	}
	maxReconnectWait, err := sources.GetDuration(config, "max_reconnect_wait", 60*time.Second)
	if err != nil {
		return nil, err
	}
	pingInterval, err := sources.GetDuration(config, "ping_interval", 30*time.Second)
	if err != nil {
		return nil, err
	}

	symbols := sources.GetStringSlice(config, "symbols")
	logger := sources.GetLoggerFromConfig(config)

	headers := http.Header{}
	headers.Set("User-Agent", version.AgentString())

	client := NewClient(ClientConfig{
		URL:              url,
		ReconnectWait:    reconnectWait,
		MaxReconnectWait: maxReconnectWait,
		PingInterval:     pingInterval,
		Headers:          headers,
		Logger:           logger.With("source", name),
	})

	s := NewSource(name, symbols, client)
	s.Start()
	return s, nil
}

// NewSource wires a source to client without starting it.
func NewSource(name string, symbols []string, client *Client) *Source {
	s := &Source{
		BaseSource: sources.NewBaseSource(name, "WebSocket price stream", version.Version, symbols, client.logger),
		client:     client,
		prices:     make(map[string]sources.Price),
		now:        time.Now,
	}

	subscribe := s.SourceInfo().SupportedSymbols
	client.SetHandlers(s.handleMessage, func(c *Client) error {
		if len(subscribe) == 0 {
			return nil
		}
		return c.SendJSON(subscribeMessage{Type: "subscribe", Symbols: subscribe})
	})
	return s
}

// Start runs the connection loop in the background until Close.
func (s *Source) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.client.Run(ctx)
	}()
}

// Close stops the connection loop and waits for it to exit.
func (s *Source) Close() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	return nil
}

// GetPrice returns the latest streamed price for symbol.
func (s *Source) GetPrice(_ context.Context, symbol string) (sources.Price, error) {
	symbol = sources.NormalizeSymbol(symbol)
	if !s.Supports(symbol) {
		return sources.Price{}, fmt.Errorf("%w: %s", sources.ErrUnsupportedSymbol, symbol)
	}

	s.mu.RLock()
	p, ok := s.prices[symbol]
	s.mu.RUnlock()

	if !ok {
		if !s.client.IsConnected() {
			return sources.Price{}, fmt.Errorf("%w: %s", ErrNotConnected, s.Name())
		}
		return sources.Price{}, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return p, nil
}

func (s *Source) GetPrices(ctx context.Context, symbols []string) ([]sources.Price, error) {
	return sources.CollectPrices(ctx, symbols, s.GetPrice, s.Logger())
}

// IsHealthy reports whether the stream is connected.
func (s *Source) IsHealthy(context.Context) (bool, error) {
	if !s.client.IsConnected() {
		return false, ErrNotConnected
	}
	return true, nil
}

func (s *Source) handleMessage(data []byte) {
	var msg priceUpdate
	if err := json.Unmarshal(data, &msg); err != nil {
		s.Logger().Debug("Ignoring malformed stream message", "error", err)
		return
	}
	if msg.Type != messagePriceUpdate {
		return
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range msg.Prices {
		symbol := sources.NormalizeSymbol(u.Symbol)
		if symbol == "" || !s.Supports(symbol) {
			continue
		}
		ts := u.Timestamp
		if ts.IsZero() {
			ts = now
		}
		f, _ := u.Price.Float64()
		s.prices[symbol] = sources.Price{
			Symbol:    symbol,
			Price:     f,
			Timestamp: ts,
			Source:    s.Name(),
			Metadata:  map[string]string{"raw_price": u.Price.String()},
		}
	}
	s.SetLastUpdate(now)
}
