package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-aggregator/pkg/logging"
	"github.com/StrathCole/oracle-aggregator/pkg/server/cache"
	"github.com/StrathCole/oracle-aggregator/pkg/server/oracle"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources/mock"
)

func newTestOracle(t *testing.T, prices ...float64) *oracle.Aggregator {
	t.Helper()
	agg, err := oracle.New(oracle.WithLogger(logging.NewNoopLogger()))
	require.NoError(t, err)

	for i, p := range prices {
		name := string(rune('a' + i))
		src := mock.NewSource(name, map[string]float64{"BTC/USD": p, "ETH/USD": p / 20}, logging.NewNoopLogger(), mock.Options{})
		require.NoError(t, agg.AddSource(src, 1))
	}
	return agg
}

func newTestServer(t *testing.T, o Oracle) *httptest.Server {
	t.Helper()
	s := NewServer(":0", o, []string{"BTC/USD", "ETH/USD"}, time.Second, logging.NewNoopLogger())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, newTestOracle(t))

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetPrice(t *testing.T) {
	srv := newTestServer(t, newTestOracle(t, 100, 101, 102))

	var got PriceResponse
	status := getJSON(t, srv.URL+"/v1/prices/btc/usdt", &got)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, "BTC/USD", got.Symbol)
	assert.Equal(t, "101", got.Price)
	assert.Equal(t, []string{"a", "b", "c"}, got.SourcesUsed)
	assert.Equal(t, []string{}, got.OutliersFiltered)
	assert.Equal(t, 3, got.SourceCount)
	assert.InDelta(t, 1.0, got.Confidence, 1e-9)
}

func TestGetPrice_Errors(t *testing.T) {
	t.Run("no sources", func(t *testing.T) {
		srv := newTestServer(t, newTestOracle(t))

		var body errorResponse
		status := getJSON(t, srv.URL+"/v1/prices/BTC/USD", &body)
		assert.Equal(t, http.StatusServiceUnavailable, status)
		assert.Contains(t, body.Error, "insufficient")
	})

	t.Run("unsupported symbol", func(t *testing.T) {
		srv := newTestServer(t, newTestOracle(t, 100))

		status := getJSON(t, srv.URL+"/v1/prices/DOGE/USD", nil)
		assert.Equal(t, http.StatusServiceUnavailable, status)
	})
}

func TestGetPrices(t *testing.T) {
	srv := newTestServer(t, newTestOracle(t, 100, 100))

	var got []PriceResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/prices", &got))
	require.Len(t, got, 2)
	assert.Equal(t, "BTC/USD", got[0].Symbol)
	assert.Equal(t, "ETH/USD", got[1].Symbol)
	assert.Equal(t, "5", got[1].Price)

	got = nil
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/latest?symbols=ETH/USD", &got))
	require.Len(t, got, 1)
	assert.Equal(t, "ETH/USD", got[0].Symbol)

	// one bad symbol fails the batch
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/v1/prices?symbols=BTC/USD,DOGE/USD", nil))
}

func TestGetPrices_NoSymbols(t *testing.T) {
	s := NewServer(":0", newTestOracle(t, 100), nil, time.Second, logging.NewNoopLogger())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/v1/prices", nil))
}

func TestSourcesAndHealth(t *testing.T) {
	agg := newTestOracle(t, 100, 101)
	srv := newTestServer(t, agg)

	var list []oracle.PriceSource
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/sources", &list))
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, "CLOSED", list[0].CircuitState)

	var health map[string]bool
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/sources/health", &health))
	assert.Equal(t, map[string]bool{"a": true, "b": true}, health)
}

func TestConfigEndpoint(t *testing.T) {
	srv := newTestServer(t, newTestOracle(t, 100))

	var got map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/config", &got))
	assert.Contains(t, got, "min_sources")
}

func TestCacheEndpoints(t *testing.T) {
	agg := newTestOracle(t, 100)
	srv := newTestServer(t, agg)

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/prices/BTC/USD", nil))

	var stats cache.Stats
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/cache", &stats))
	assert.Equal(t, 1, stats.AggregatedCount)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/cache", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, agg.CacheStats().TotalSize)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, newTestOracle(t, 100))

	resp, err := http.Post(srv.URL+"/v1/sources", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_ErrorLogIsStructured(t *testing.T) {
	var buf bytes.Buffer
	s := NewServer(":0", newTestOracle(t, 100), nil, time.Second, logging.New(zerolog.New(&buf)))

	s.newHTTPServer().ErrorLog.Print("http: TLS handshake error from 10.0.0.1")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "http: TLS handshake error from 10.0.0.1", entry["message"])
}
