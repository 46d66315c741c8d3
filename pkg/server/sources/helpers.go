package sources

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/StrathCole/oracle-aggregator/pkg/logging"
)

// GetLoggerFromConfig extracts logger from config map or returns a default noop logger.
// Sources should use this to get the logger passed from main.go.
func GetLoggerFromConfig(config map[string]interface{}) *logging.Logger {
	if loggerInterface, ok := config["logger"]; ok {
		if logger, ok := loggerInterface.(*logging.Logger); ok {
			return logger
		}
	}

	return logging.NewNoopLogger()
}

// GetString returns config[key] as a string, or def.
func GetString(config map[string]interface{}, key, def string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// GetBool returns config[key] as a bool, or def.
func GetBool(config map[string]interface{}, key string, def bool) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}
	return def
}

// GetFloat returns config[key] as a float64, or def. YAML decodes integers as
// int, so all numeric kinds are accepted.
func GetFloat(config map[string]interface{}, key string, def float64) float64 {
	if f, ok := toFloat(config[key]); ok {
		return f
	}
	return def
}

// GetDuration parses config[key] as a duration string ("250ms", "5s").
// Bare numbers are read as milliseconds.
func GetDuration(config map[string]interface{}, key string, def time.Duration) (time.Duration, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return def, nil
	}
	if s, ok := raw.(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
		}
		return d, nil
	}
	if f, ok := toFloat(raw); ok {
		return time.Duration(f * float64(time.Millisecond)), nil
	}
	return 0, fmt.Errorf("%w: %s is %T", ErrInvalidConfig, key, raw)
}

// GetStringSlice returns config[key] as a string slice.
func GetStringSlice(config map[string]interface{}, key string) []string {
	switch v := config[key].(type) {
	case []string:
		return v
	case []interface{}:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	}
	return nil
}

// ParsePriceMap extracts a symbol -> price map from config[key].
// Expected format: prices: { "BTC/USD": 65000, "ETH/USD": "3100.5" }.
func ParsePriceMap(config map[string]interface{}, key string) (map[string]float64, error) {
	raw, ok := config[key]
	if !ok {
		return nil, fmt.Errorf("%w: '%s' key", ErrInvalidConfig, key)
	}

	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a map of symbol to price", ErrInvalidConfig, key)
	}

	prices := make(map[string]float64, len(m))
	for symbol, v := range m {
		if err := ValidateSymbolFormat(symbol); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s price is %T", ErrInvalidConfig, symbol, v)
		}
		prices[NormalizeSymbol(symbol)] = f
	}

	if len(prices) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalidConfig, key)
	}

	return prices, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// ValidateSymbolFormat checks if a symbol is in valid BASE/QUOTE format
// Valid formats:
//   - "BTC/USD", "BTC/USDT" (crypto pairs)
//   - "EUR/USD" (fiat pairs)
//
// Invalid formats:
//   - "BTC" (no quote currency)
//   - "BTCUSDT" (no separator)
//   - "" (empty).
func ValidateSymbolFormat(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("%w", ErrInvalidSymbolFormat)
	}

	parts := strings.Split(symbol, "/")
	if len(parts) != 2 {
		return fmt.Errorf("%w: %s", ErrInvalidSymbolFormat, symbol)
	}

	base := strings.TrimSpace(parts[0])
	quote := strings.TrimSpace(parts[1])

	if base == "" {
		return fmt.Errorf("%w: %s", ErrEmptyBaseCurrency, symbol)
	}
	if quote == "" {
		return fmt.Errorf("%w: %s", ErrEmptyQuoteCurrency, symbol)
	}

	return nil
}
