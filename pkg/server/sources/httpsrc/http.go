// Package httpsrc implements a generic HTTP JSON price source. The endpoint,
// the JSON path of the price and optional headers are all configuration.
package httpsrc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
	"github.com/StrathCole/oracle-aggregator/pkg/version"
)

const (
	// SourceType is the registry key for this source.
	SourceType = "http"

	defaultTimeout    = 10 * time.Second
	defaultPriceField = "price"
	maxBodyBytes      = 1 << 20
	maxErrorBody      = 256
)

// Source fetches one price per request from a JSON HTTP endpoint.
//
// The URL template may contain {symbol} (BTC/USD), {pair} (BTCUSD), {base}
// and {quote}. Prices are read from PriceField, a dot path such as
// "data.0.last", and may be JSON numbers or strings.
type Source struct {
	*sources.BaseSource

	urlTemplate    string
	priceField     string
	timestampField string
	healthURL      string
	headers        http.Header
	lowercase      bool
	client         *http.Client
	now            func() time.Time
}

// Ensure Source implements sources.Source interface.
var _ sources.Source = (*Source)(nil)

func init() {
	sources.Register(SourceType, New)
}

// New builds an HTTP source from a registry config map:
//
//	url: https://api.example.com/ticker?symbol={pair}
//	price_field: data.last
//	timestamp_field: data.time   # optional; unix seconds, unix millis or RFC3339
//	health_url: https://api.example.com/ping
//	headers: {"X-API-Key": "${EXAMPLE_KEY}"}
//	symbols: ["BTC/USD"]
//	lowercase: false
//	timeout: 5s
func New(name string, config map[string]interface{}) (sources.Source, error) {
	urlTemplate := sources.GetString(config, "url", "")
	if urlTemplate == "" {
		return nil, fmt.Errorf("%w: http source %s requires url", sources.ErrInvalidConfig, name)
	}

	timeout, err := sources.GetDuration(config, "timeout", defaultTimeout)
	if err != nil {
		return nil, err
	}

	headers := make(http.Header)
	if raw, ok := config["headers"].(map[string]interface{}); ok {
		for k, v := range raw {
			headers.Set(k, fmt.Sprint(v))
		}
	}
	if headers.Get("User-Agent") == "" {
		headers.Set("User-Agent", version.AgentString())
	}

	return &Source{
		BaseSource: sources.NewBaseSource(name,
			sources.GetString(config, "description", "HTTP JSON price source"),
			version.Version,
			sources.GetStringSlice(config, "symbols"),
			sources.GetLoggerFromConfig(config)),
		urlTemplate:    urlTemplate,
		priceField:     sources.GetString(config, "price_field", defaultPriceField),
		timestampField: sources.GetString(config, "timestamp_field", ""),
		healthURL:      sources.GetString(config, "health_url", ""),
		headers:        headers,
		lowercase:      sources.GetBool(config, "lowercase", false),
		client:         &http.Client{Timeout: timeout},
		now:            time.Now,
	}, nil
}

// GetPrice requests the configured endpoint for symbol. Non-2xx responses are
// returned as *sources.StatusError.
func (s *Source) GetPrice(ctx context.Context, symbol string) (sources.Price, error) {
	symbol = sources.NormalizeSymbol(symbol)
	if !s.Supports(symbol) {
		return sources.Price{}, fmt.Errorf("%w: %s", sources.ErrUnsupportedSymbol, symbol)
	}

	url, err := s.buildURL(symbol)
	if err != nil {
		return sources.Price{}, err
	}

	body, err := s.get(ctx, url)
	if err != nil {
		s.SetHealthy(false)
		return sources.Price{}, err
	}

	price, ts, err := s.parse(body)
	if err != nil {
		s.SetHealthy(false)
		return sources.Price{}, fmt.Errorf("%s: %w", symbol, err)
	}

	s.SetHealthy(true)
	s.SetLastUpdate(s.now())

	f, _ := price.Float64()
	return sources.Price{
		Symbol:    symbol,
		Price:     f,
		Timestamp: ts,
		Source:    s.Name(),
		Metadata:  map[string]string{"raw_price": price.String()},
	}, nil
}

func (s *Source) GetPrices(ctx context.Context, symbols []string) ([]sources.Price, error) {
	return sources.CollectPrices(ctx, symbols, s.GetPrice, s.Logger())
}

// IsHealthy probes health_url when configured, otherwise reports whether the
// last fetch succeeded.
func (s *Source) IsHealthy(ctx context.Context) (bool, error) {
	if s.healthURL == "" {
		return s.Healthy(), nil
	}
	if _, err := s.get(ctx, s.healthURL); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Source) buildURL(symbol string) (string, error) {
	base, quote, err := sources.SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	if s.lowercase {
		symbol = strings.ToLower(symbol)
		base = strings.ToLower(base)
		quote = strings.ToLower(quote)
	}

	r := strings.NewReplacer(
		"{symbol}", symbol,
		"{pair}", base+quote,
		"{base}", base,
		"{quote}", quote,
	)
	return r.Replace(s.urlTemplate), nil
}

func (s *Source) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = s.headers.Clone()
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &sources.StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	return body, nil
}

func (s *Source) parse(body []byte) (decimal.Decimal, time.Time, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("%w: %w", sources.ErrInvalidResponse, err)
	}

	raw, err := lookup(doc, s.priceField)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	price, err := toDecimal(raw)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("%w: %s: %w", sources.ErrInvalidResponse, s.priceField, err)
	}

	ts := s.now()
	if s.timestampField != "" {
		rawTS, err := lookup(doc, s.timestampField)
		if err != nil {
			return decimal.Zero, time.Time{}, err
		}
		ts, err = toTime(rawTS)
		if err != nil {
			return decimal.Zero, time.Time{}, fmt.Errorf("%w: %s: %w", sources.ErrInvalidResponse, s.timestampField, err)
		}
	}

	return price, ts, nil
}

// lookup walks a dot path through decoded JSON. Numeric segments index arrays.
func lookup(doc interface{}, path string) (interface{}, error) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[part]
			if !ok {
				return nil, fmt.Errorf("%w: missing field %q", sources.ErrInvalidResponse, path)
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("%w: bad index %q in %q", sources.ErrInvalidResponse, part, path)
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("%w: cannot descend into %q", sources.ErrInvalidResponse, path)
		}
	}
	return cur, nil
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(n))
	default:
		return decimal.Zero, fmt.Errorf("unexpected type %T", v)
	}
}

// toTime accepts unix seconds, unix milliseconds or RFC3339 strings.
func toTime(v interface{}) (time.Time, error) {
	var d decimal.Decimal
	switch n := v.(type) {
	case json.Number:
		var err error
		if d, err = decimal.NewFromString(n.String()); err != nil {
			return time.Time{}, err
		}
	case string:
		if t, err := time.Parse(time.RFC3339Nano, n); err == nil {
			return t, nil
		}
		var err error
		if d, err = decimal.NewFromString(n); err != nil {
			return time.Time{}, fmt.Errorf("unrecognized timestamp %q", n)
		}
	default:
		return time.Time{}, fmt.Errorf("unexpected type %T", v)
	}

	// values past year 2286 in seconds are treated as milliseconds
	if d.GreaterThan(decimal.NewFromInt(1e10)) {
		return time.UnixMilli(d.IntPart()), nil
	}
	sec := d.IntPart()
	nsec := d.Sub(decimal.NewFromInt(sec)).Mul(decimal.NewFromInt(1e9)).IntPart()
	return time.Unix(sec, nsec), nil
}
