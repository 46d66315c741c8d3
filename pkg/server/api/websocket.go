package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/StrathCole/oracle-aggregator/pkg/logging"
	"github.com/StrathCole/oracle-aggregator/pkg/server/oracle"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// EventSource is implemented by the aggregator.
type EventSource interface {
	Subscribe(ch chan<- oracle.Event) (unsubscribe func())
}

// WebSocketServer streams aggregated prices to connected clients.
type WebSocketServer struct {
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*WebSocketClient]bool

	updates chan sources.AggregatedPrice
	now     func() time.Time
}

// WebSocketClient represents a connected WebSocket client.
type WebSocketClient struct {
	conn            *websocket.Conn
	send            chan []byte
	server          *WebSocketServer
	subscribedAll   bool
	subscribedPairs map[string]bool
	mu              sync.RWMutex
}

// WebSocketMessage represents a client message.
type WebSocketMessage struct {
	Type    string   `json:"type"`    // "subscribe", "unsubscribe", "ping"
	Symbols []string `json:"symbols"` // List of symbols to subscribe to
}

// PriceUpdateMessage is sent to clients.
type PriceUpdateMessage struct {
	Type      string      `json:"type"`      // "price_update"
	Timestamp string      `json:"timestamp"` // ISO 8601 timestamp
	Prices    []PriceData `json:"prices"`
}

// PriceData represents a single aggregated price point.
type PriceData struct {
	Symbol      string   `json:"symbol"`
	Price       string   `json:"price"`
	Timestamp   string   `json:"timestamp"`
	Confidence  float64  `json:"confidence"`
	SourcesUsed []string `json:"sources_used,omitempty"`
}

// NewWebSocketServer creates a new WebSocket server.
func NewWebSocketServer(logger *logging.Logger) *WebSocketServer {
	return &WebSocketServer{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		clients: make(map[*WebSocketClient]bool),
		updates: make(chan sources.AggregatedPrice, 100),
		now:     time.Now,
	}
}

// Run forwards aggregated prices from events to clients until ctx is done.
func (s *WebSocketServer) Run(ctx context.Context, events EventSource) {
	ch := make(chan oracle.Event, 100)
	unsubscribe := events.Subscribe(ch)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case ev := <-ch:
			if ev.Type == oracle.EventPriceAggregated && ev.Price != nil {
				s.broadcast(*ev.Price)
			}
		case p := <-s.updates:
			s.broadcast(p)
		}
	}
}

// SendUpdate queues p for broadcast, dropping it if the queue stays full.
func (s *WebSocketServer) SendUpdate(p sources.AggregatedPrice) {
	select {
	case s.updates <- p:
	case <-time.After(100 * time.Millisecond):
		s.logger.Warn("Update channel full, dropping price update", "symbol", p.Symbol)
	}
}

// ClientCount returns the number of connected clients.
func (s *WebSocketServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// HandleWebSocket upgrades the request and serves the client.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := &WebSocketClient{
		conn:            conn,
		send:            make(chan []byte, sendBufferSize),
		server:          s,
		subscribedAll:   true, // Subscribe to all by default
		subscribedPairs: make(map[string]bool),
	}

	s.registerClient(client)

	go client.writePump()
	go client.readPump()

	s.logger.Info("New WebSocket client connected", "remote", conn.RemoteAddr().String())
}

func (s *WebSocketServer) registerClient(client *WebSocketClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client] = true
}

func (s *WebSocketServer) unregisterClient(client *WebSocketClient) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.send)
	}
}

func (s *WebSocketServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		delete(s.clients, client)
		close(client.send)
	}
}

func (s *WebSocketServer) broadcast(p sources.AggregatedPrice) {
	message := PriceUpdateMessage{
		Type:      "price_update",
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Prices: []PriceData{{
			Symbol:      p.Symbol,
			Price:       formatPrice(p.Price),
			Timestamp:   p.Timestamp.UTC().Format(time.RFC3339Nano),
			Confidence:  p.Confidence,
			SourcesUsed: p.SourcesUsed,
		}},
	}

	data, err := json.Marshal(message)
	if err != nil {
		s.logger.Error("Failed to marshal price update", "error", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for client := range s.clients {
		if !client.shouldReceive(p.Symbol) {
			continue
		}
		select {
		case client.send <- data:
		default:
			s.logger.Warn("Client send buffer full, skipping update", "symbol", p.Symbol)
		}
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.server.logger.Debug("Failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.server.unregisterClient(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("WebSocket error", "error", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *WebSocketClient) handleMessage(data []byte) {
	var msg WebSocketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.server.logger.Warn("Invalid client message", "error", err)
		return
	}

	switch msg.Type {
	case "subscribe":
		c.subscribe(msg.Symbols)
	case "unsubscribe":
		c.unsubscribe(msg.Symbols)
	case "ping":
		c.sendPong()
	default:
		c.server.logger.Warn("Unknown message type", "type", msg.Type)
	}
}

// subscribe with no symbols or "*" subscribes to everything.
func (c *WebSocketClient) subscribe(symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(symbols) == 0 || (len(symbols) == 1 && symbols[0] == "*") {
		c.subscribedAll = true
		c.subscribedPairs = make(map[string]bool)
	} else {
		c.subscribedAll = false
		for _, symbol := range symbols {
			c.subscribedPairs[sources.NormalizeSymbol(symbol)] = true
		}
	}

	c.server.logger.Debug("Client subscribed", "symbols", symbols)
}

func (c *WebSocketClient) unsubscribe(symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(symbols) == 0 || (len(symbols) == 1 && symbols[0] == "*") {
		c.subscribedAll = false
		c.subscribedPairs = make(map[string]bool)
	} else {
		for _, symbol := range symbols {
			delete(c.subscribedPairs, sources.NormalizeSymbol(symbol))
		}
	}

	c.server.logger.Debug("Client unsubscribed", "symbols", symbols)
}

func (c *WebSocketClient) shouldReceive(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribedAll || c.subscribedPairs[symbol]
}

func (c *WebSocketClient) sendPong() {
	data, _ := json.Marshal(map[string]string{"type": "pong"})
	// send is closed under the server lock on unregister
	c.server.mu.RLock()
	defer c.server.mu.RUnlock()
	if !c.server.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
