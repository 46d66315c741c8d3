// Package validator holds the pure sanity, freshness, quorum and deviation
// checks applied to prices before they are aggregated.
package validator

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
	"github.com/StrathCole/oracle-aggregator/pkg/server/stats"
)

var hundred = decimal.NewFromInt(100)

// IsValid reports whether a price is numerically sane and fresh. A price is
// rejected if its value is not finite or <= 0, its symbol is empty, its
// timestamp is unset, or it is older than maxStaleness at now.
func IsValid(p sources.Price, maxStaleness time.Duration, now time.Time) bool {
	if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) || p.Price <= 0 {
		return false
	}
	if p.Symbol == "" {
		return false
	}
	if p.Timestamp.IsZero() {
		return false
	}
	return now.Sub(p.Timestamp) <= maxStaleness
}

// Partition splits prices into valid and invalid according to IsValid.
func Partition(prices []sources.Price, maxStaleness time.Duration, now time.Time) (valid, invalid []sources.Price) {
	valid = make([]sources.Price, 0, len(prices))
	for _, p := range prices {
		if IsValid(p, maxStaleness, now) {
			valid = append(valid, p)
		} else {
			invalid = append(invalid, p)
		}
	}
	return valid, invalid
}

// DistinctSources returns the number of distinct source names in prices.
func DistinctSources(prices []sources.Price) int {
	seen := make(map[string]struct{}, len(prices))
	for _, p := range prices {
		seen[p.Source] = struct{}{}
	}
	return len(seen)
}

// HasMinimumSources requires at least n prices from at least n distinct
// sources. Duplicate reports from one source never satisfy the quorum.
func HasMinimumSources(prices []sources.Price, n int) bool {
	return len(prices) >= n && DistinctSources(prices) >= n
}

// MaxDeviationPercent returns (max-min)/mean*100 over the price values, or 0
// when there is at most one price or the mean is 0.
func MaxDeviationPercent(prices []sources.Price) float64 {
	if len(prices) <= 1 {
		return 0
	}
	values := Decimals(prices)
	mean := stats.Mean(values)
	if mean.IsZero() {
		return 0
	}
	lo, hi := stats.MinMax(values)
	return hi.Sub(lo).Div(mean).Mul(hundred).InexactFloat64()
}

// FilterByDeviation drops every price whose absolute percentage distance from
// the median of the set exceeds thresholdPercent. The median is the reference
// so a single extreme value cannot move the filter's center. An infinite
// threshold keeps everything.
func FilterByDeviation(prices []sources.Price, thresholdPercent float64) (kept, dropped []sources.Price) {
	if len(prices) == 0 {
		return nil, nil
	}
	if math.IsInf(thresholdPercent, 1) {
		return append([]sources.Price(nil), prices...), nil
	}
	values := Decimals(prices)
	median := stats.Median(values)
	if median.IsZero() {
		return append([]sources.Price(nil), prices...), nil
	}

	threshold := decimal.NewFromFloat(thresholdPercent)
	kept = make([]sources.Price, 0, len(prices))
	for i, p := range prices {
		deviation := values[i].Sub(median).Abs().Div(median.Abs()).Mul(hundred)
		if deviation.GreaterThan(threshold) {
			dropped = append(dropped, p)
			continue
		}
		kept = append(kept, p)
	}
	return kept, dropped
}

// Decimals converts the price values to decimals. Non-finite values, which
// IsValid rejects, become zero.
func Decimals(prices []sources.Price) []decimal.Decimal {
	values := make([]decimal.Decimal, len(prices))
	for i, p := range prices {
		if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) {
			values[i] = decimal.Zero
			continue
		}
		values[i] = decimal.NewFromFloat(p.Price)
	}
	return values
}
