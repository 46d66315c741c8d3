// Package stats holds the small set of descriptive statistics shared by the
// validator, the outlier detector and the aggregation strategies. Values are
// decimals so sums and ratios of prices carry no binary rounding.
package stats

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// FromFloats converts finite float values to decimals.
func FromFloats(data []float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(data))
	for i, v := range data {
		out[i] = decimal.NewFromFloat(v)
	}
	return out
}

// Sum returns the sum of data, or zero for an empty slice.
func Sum(data []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range data {
		sum = sum.Add(v)
	}
	return sum
}

// Mean returns the arithmetic mean, or zero for an empty slice.
func Mean(data []decimal.Decimal) decimal.Decimal {
	if len(data) == 0 {
		return decimal.Zero
	}
	return Sum(data).Div(decimal.NewFromInt(int64(len(data))))
}

// MeanStd computes mean and population standard deviation (N denominator).
// The variance is exact; only the square root is taken in float64.
func MeanStd(data []decimal.Decimal) (decimal.Decimal, float64) {
	if len(data) == 0 {
		return decimal.Zero, 0
	}
	mean := Mean(data)
	if len(data) == 1 {
		return mean, 0
	}

	varianceSum := decimal.Zero
	for _, v := range data {
		d := v.Sub(mean)
		varianceSum = varianceSum.Add(d.Mul(d))
	}
	variance := varianceSum.Div(decimal.NewFromInt(int64(len(data))))
	return mean, math.Sqrt(variance.InexactFloat64())
}

// Sorted returns an ascending copy of data.
func Sorted(data []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(data))
	copy(out, data)
	sort.Slice(out, func(i, j int) bool {
		return out[i].LessThan(out[j])
	})
	return out
}

// Median returns the median of data; even lengths average the two central
// values. Returns zero for an empty slice.
func Median(data []decimal.Decimal) decimal.Decimal {
	if len(data) == 0 {
		return decimal.Zero
	}
	return medianOfSorted(Sorted(data))
}

func medianOfSorted(sorted []decimal.Decimal) decimal.Decimal {
	n := len(sorted)
	if n == 0 {
		return decimal.Zero
	}
	if n%2 == 0 {
		return sorted[n/2-1].Add(sorted[n/2]).Div(two)
	}
	return sorted[n/2]
}

// Quartiles returns Q1 and Q3 using the exclusive median-of-halves method:
// for odd lengths the median element belongs to neither half.
func Quartiles(data []decimal.Decimal) (q1, q3 decimal.Decimal) {
	sorted := Sorted(data)
	n := len(sorted)
	if n < 2 {
		if n == 1 {
			return sorted[0], sorted[0]
		}
		return decimal.Zero, decimal.Zero
	}

	half := n / 2
	lower := sorted[:half]
	upper := sorted[half:]
	if n%2 == 1 {
		upper = sorted[half+1:]
	}

	return medianOfSorted(lower), medianOfSorted(upper)
}

// MinMax returns the smallest and largest values, or zeros for an empty slice.
func MinMax(data []decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if len(data) == 0 {
		return decimal.Zero, decimal.Zero
	}
	lo, hi := data[0], data[0]
	for _, v := range data[1:] {
		if v.LessThan(lo) {
			lo = v
		}
		if v.GreaterThan(hi) {
			hi = v
		}
	}
	return lo, hi
}
