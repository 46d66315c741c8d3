package sources

import (
	"strings"
)

// Stablecoin aliases - all considered equivalent to USD
var stablecoinAliases = map[string]string{
	"USDT": "USD",
	"USDC": "USD",
	"BUSD": "USD",
	"DAI":  "USD",
	"TUSD": "USD",
	"USDD": "USD",
	"USDP": "USD",
}

// Base currency aliases
var baseCurrencyAliases = map[string]string{
	"WBTC":  "BTC",
	"WETH":  "ETH",
	"STETH": "ETH",
}

// NormalizeSymbol converts a trading pair symbol to its canonical form
// Examples:
//   - BTC/USDT -> BTC/USD
//   - eth/usdc -> ETH/USD
//   - WBTC/USD -> BTC/USD
//   - LUNC/EUR -> LUNC/EUR (no change)
//
// Symbols without a single '/' separator are upper-cased and trimmed only.
func NormalizeSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 {
		return strings.ToUpper(symbol)
	}

	base := strings.ToUpper(strings.TrimSpace(parts[0]))
	quote := strings.ToUpper(strings.TrimSpace(parts[1]))

	if normalized, ok := baseCurrencyAliases[base]; ok {
		base = normalized
	}
	if normalized, ok := stablecoinAliases[quote]; ok {
		quote = normalized
	}

	return base + "/" + quote
}

// SplitSymbol returns the base and quote of a BASE/QUOTE symbol.
func SplitSymbol(symbol string) (base, quote string, err error) {
	if err := ValidateSymbolFormat(symbol); err != nil {
		return "", "", err
	}
	parts := strings.Split(symbol, "/")
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}
