// Package api provides HTTP and WebSocket API endpoints for the aggregator.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/StrathCole/oracle-aggregator/pkg/logging"
	"github.com/StrathCole/oracle-aggregator/pkg/metrics"
	"github.com/StrathCole/oracle-aggregator/pkg/server/cache"
	"github.com/StrathCole/oracle-aggregator/pkg/server/oracle"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

// Oracle is the part of the aggregator the API serves.
type Oracle interface {
	GetAggregatedPrice(ctx context.Context, symbol string) (sources.AggregatedPrice, error)
	GetAggregatedPrices(ctx context.Context, symbols []string) ([]sources.AggregatedPrice, error)
	GetSources() []oracle.PriceSource
	GetSourceHealth(ctx context.Context) map[string]bool
	GetConfig() oracle.AggregationConfig
	ClearCache()
	CacheStats() cache.Stats
}

// PriceResponse is the JSON form of an aggregated price. Prices are decimal
// strings so clients never see float formatting artefacts.
type PriceResponse struct {
	Symbol           string   `json:"symbol"`
	Price            string   `json:"price"`
	Timestamp        string   `json:"timestamp"`
	Confidence       float64  `json:"confidence"`
	SourcesUsed      []string `json:"sources_used"`
	OutliersFiltered []string `json:"outliers_filtered"`
	SourceCount      int      `json:"source_count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server represents the HTTP API server.
type Server struct {
	addr           string
	oracle         Oracle
	symbols        []string
	requestTimeout time.Duration
	logger         *logging.Logger
	server         *http.Server
	wsServer       *WebSocketServer // Optional WebSocket server mounted at /ws
	tlsCert        string
	tlsKey         string
}

// NewServer creates a new HTTP API server. symbols is the default set served
// by /v1/prices when the request names none.
func NewServer(addr string, o Oracle, symbols []string, requestTimeout time.Duration, logger *logging.Logger) *Server {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &Server{
		addr:           addr,
		oracle:         o,
		symbols:        symbols,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// SetWebSocketServer mounts ws at /ws on this server.
func (s *Server) SetWebSocketServer(ws *WebSocketServer) {
	s.wsServer = ws
}

// SetTLS serves HTTPS with the given certificate and key files.
func (s *Server) SetTLS(certFile, keyFile string) {
	s.tlsCert = certFile
	s.tlsKey = keyFile
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/prices", s.handlePrices)
	mux.HandleFunc("GET /v1/prices/{symbol...}", s.handlePrice)
	mux.HandleFunc("GET /latest", s.handlePrices) // Compatibility with price feeders
	mux.HandleFunc("GET /v1/sources", s.handleSources)
	mux.HandleFunc("GET /v1/sources/health", s.handleSourceHealth)
	mux.HandleFunc("GET /v1/config", s.handleConfig)
	mux.HandleFunc("GET /v1/cache", s.handleCacheStats)
	mux.HandleFunc("DELETE /v1/cache", s.handleClearCache)
	if s.wsServer != nil {
		mux.HandleFunc("GET /ws", s.wsServer.HandleWebSocket)
	}
	return instrument(mux)
}

// newHTTPServer builds the listener config. net/http's own error output is
// routed through the structured logger.
func (s *Server) newHTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          log.New(s.logger.ZerologLogger(), "", 0),
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = s.newHTTPServer()

	var err error
	if s.tlsCert != "" {
		s.logger.Info("Starting HTTPS server", "addr", s.addr)
		err = s.server.ListenAndServeTLS(s.tlsCert, s.tlsKey)
	} else {
		s.logger.Info("Starting HTTP server", "addr", s.addr)
		err = s.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		s.logger.Info("Stopping HTTP server")
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handlePrices serves /v1/prices?symbols=A/B,C/D and /latest. The batch
// fails as a whole if any symbol cannot be aggregated.
func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	symbols := s.symbols
	if q := r.URL.Query().Get("symbols"); q != "" {
		symbols = splitSymbols(q)
	}
	if len(symbols) == 0 {
		s.sendError(w, http.StatusBadRequest, "no symbols requested")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	prices, err := s.oracle.GetAggregatedPrices(ctx, symbols)
	if err != nil {
		s.logger.Warn("Failed to aggregate prices", "symbols", strings.Join(symbols, ","), "error", err)
		s.sendError(w, statusFor(err), err.Error())
		return
	}

	resp := make([]PriceResponse, 0, len(prices))
	for _, p := range prices {
		resp = append(resp, toPriceResponse(p))
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	price, err := s.oracle.GetAggregatedPrice(ctx, symbol)
	if err != nil {
		s.logger.Warn("Failed to aggregate price", "symbol", symbol, "error", err)
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, toPriceResponse(price))
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, s.oracle.GetSources())
}

func (s *Server) handleSourceHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	s.sendJSON(w, http.StatusOK, s.oracle.GetSourceHealth(ctx))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, s.oracle.GetConfig())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, s.oracle.CacheStats())
}

func (s *Server) handleClearCache(w http.ResponseWriter, _ *http.Request) {
	s.oracle.ClearCache()
	s.logger.Info("Cache cleared via API")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	s.sendJSON(w, status, errorResponse{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sources.ErrInvalidSymbol):
		return http.StatusBadRequest
	case errors.Is(err, oracle.ErrInsufficientSources):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func toPriceResponse(p sources.AggregatedPrice) PriceResponse {
	return PriceResponse{
		Symbol:           p.Symbol,
		Price:            formatPrice(p.Price),
		Timestamp:        p.Timestamp.UTC().Format(time.RFC3339Nano),
		Confidence:       p.Confidence,
		SourcesUsed:      nonNil(p.SourcesUsed),
		OutliersFiltered: nonNil(p.OutliersFiltered),
		SourceCount:      p.SourceCount,
	}
}

func formatPrice(f float64) string {
	return decimal.NewFromFloat(f).String()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func splitSymbols(q string) []string {
	parts := strings.Split(q, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errHijackUnsupported
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

var errHijackUnsupported = errors.New("response writer does not support hijacking")

func instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordHTTPRequest(endpoint, strconv.Itoa(rec.status), time.Since(start))
	})
}
