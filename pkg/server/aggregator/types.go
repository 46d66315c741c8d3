// Package aggregator provides price aggregation strategies.
package aggregator

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

// decimalPrices converts the price values for exact summation.
func decimalPrices(prices []sources.Price) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(prices))
	for i, p := range prices {
		if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) {
			return nil, fmt.Errorf("%w: %v from %s", ErrNonFinitePrice, p.Price, p.Source)
		}
		out[i] = decimal.NewFromFloat(p.Price)
	}
	return out, nil
}

// sourceWeights returns one weight per price. Missing, negative or non-finite
// weights count as 1.0. If the present sources' weights sum to zero every
// price weighs 1.0, which is equal weighting.
func sourceWeights(prices []sources.Price, weights map[string]float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(prices))
	total := decimal.Zero
	for i, p := range prices {
		w := decimal.NewFromInt(1)
		if v, ok := weights[p.Source]; ok && v >= 0 && !math.IsInf(v, 0) {
			w = decimal.NewFromFloat(v)
		}
		out[i] = w
		total = total.Add(w)
	}

	if !total.IsPositive() {
		for i := range out {
			out[i] = decimal.NewFromInt(1)
		}
	}
	return out
}

// weightedMean returns Σ(value·weight)/Σweight, or false if the weights sum to
// zero.
func weightedMean(values, weights []decimal.Decimal) (decimal.Decimal, bool) {
	numerator := decimal.Zero
	denominator := decimal.Zero
	for i, v := range values {
		numerator = numerator.Add(v.Mul(weights[i]))
		denominator = denominator.Add(weights[i])
	}
	if !denominator.IsPositive() {
		return decimal.Zero, false
	}
	return numerator.Div(denominator), true
}
