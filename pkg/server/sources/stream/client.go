package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/StrathCole/oracle-aggregator/pkg/logging"
	"github.com/StrathCole/oracle-aggregator/pkg/server/retry"
)

// ClientConfig holds WebSocket client configuration.
type ClientConfig struct {
	URL              string
	ReconnectWait    time.Duration
	MaxReconnectWait time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	Headers          http.Header
	Logger           *logging.Logger
}

// Client is a WebSocket client that reconnects with exponential backoff
// until its context is cancelled.
type Client struct {
	url       string
	headers   http.Header
	backoff   retry.Config
	pingEvery time.Duration
	pongWait  time.Duration
	writeWait time.Duration
	logger    *logging.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	stateMu   sync.RWMutex
	connected bool

	onMessage func([]byte)
	onConnect func(*Client) error
}

// NewClient creates a client. Zero durations get defaults.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = time.Second
	}
	if cfg.MaxReconnectWait == 0 {
		cfg.MaxReconnectWait = 60 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait == 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait == 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNoopLogger()
	}

	return &Client{
		url:     cfg.URL,
		headers: cfg.Headers,
		backoff: retry.Config{
			InitialDelay:      cfg.ReconnectWait,
			MaxDelay:          cfg.MaxReconnectWait,
			BackoffMultiplier: 2,
		},
		pingEvery: cfg.PingInterval,
		pongWait:  cfg.PongWait,
		writeWait: cfg.WriteWait,
		logger:    cfg.Logger,
	}
}

// SetHandlers sets the message handler and an optional hook run after every
// successful (re)connect, e.g. to send a subscription.
func (c *Client) SetHandlers(onMessage func([]byte), onConnect func(*Client) error) {
	c.onMessage = onMessage
	c.onConnect = onConnect
}

// Run connects and reads until ctx is cancelled, reconnecting on failure.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		err := c.connect(ctx)
		if err == nil {
			attempt = 0
			c.readLoop(ctx)
		} else if ctx.Err() == nil {
			c.logger.Warn("WebSocket connection failed", "url", c.url, "error", err)
		}

		if ctx.Err() != nil {
			c.logger.Info("WebSocket client shutting down", "url", c.url)
			return
		}

		wait := c.backoff.Delay(attempt)
		attempt++
		c.logger.Debug("Reconnecting WebSocket", "url", c.url, "wait", wait.String(), "attempt", attempt)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.url, c.headers)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.setConnected(true)

	if c.onConnect != nil {
		if err := c.onConnect(c); err != nil {
			c.closeConn()
			return err
		}
	}

	c.logger.Info("WebSocket connected", "url", c.url)
	return nil
}

// readLoop blocks until the connection fails or ctx is cancelled.
func (c *Client) readLoop(ctx context.Context) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return
	}

	done := make(chan struct{})
	defer func() {
		close(done)
		c.closeConn()
	}()

	go func() {
		select {
		case <-ctx.Done():
			c.closeConn()
		case <-done:
		}
	}()
	go c.pingLoop(done)

	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", "url", c.url, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))

		if c.onMessage != nil {
			c.onMessage(message)
		}
	}
}

func (c *Client) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			if conn == nil {
				c.connMu.Unlock()
				return
			}
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
			c.connMu.Unlock()

			if err != nil {
				c.logger.Debug("WebSocket ping failed", "url", c.url, "error", err)
				return
			}
		}
	}
}

// SendJSON writes v as a JSON text message.
func (c *Client) SendJSON(v interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteJSON(v)
}

// IsConnected returns the connection status.
func (c *Client) IsConnected() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.connected
}

func (c *Client) setConnected(connected bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.connected = connected
}

func (c *Client) closeConn() {
	c.setConnected(false)

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	if err := c.conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("WebSocket close failed", "url", c.url, "error", err)
	}
	c.conn = nil
}
