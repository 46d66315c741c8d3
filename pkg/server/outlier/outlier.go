// Package outlier detects statistically anomalous members of a price set.
package outlier

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
	"github.com/StrathCole/oracle-aggregator/pkg/server/stats"
	"github.com/StrathCole/oracle-aggregator/pkg/server/validator"
)

// Method selects the detection algorithm.
type Method string

const (
	// MethodZScore flags prices more than threshold standard deviations from the mean.
	MethodZScore Method = "zscore"
	// MethodIQR flags prices outside the Tukey fences [Q1-1.5·IQR, Q3+1.5·IQR].
	MethodIQR Method = "iqr"

	// DefaultThreshold is the default z-score threshold.
	DefaultThreshold = 2.0

	minZScoreSamples = 3
	minIQRSamples    = 4
)

var iqrFence = decimal.NewFromFloat(1.5)

// ParseMethod converts a config string into a Method. Empty means z-score.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToLower(s)) {
	case "", MethodZScore:
		return MethodZScore, nil
	case MethodIQR:
		return MethodIQR, nil
	default:
		return "", fmt.Errorf("%w: unknown outlier method %q (supported: zscore, iqr)", sources.ErrInvalidConfiguration, s)
	}
}

// Result is the outcome of FilterOutliers.
type Result struct {
	Filtered []sources.Price
	Outliers []sources.Price
	// Sources lists the excluded source names, in first-seen order.
	Sources []string
}

// DetectZScore returns the prices whose |price-mean|/stddev exceeds threshold.
// Fewer than three samples, or zero spread, yields no outliers.
func DetectZScore(prices []sources.Price, threshold float64) []sources.Price {
	if len(prices) < minZScoreSamples {
		return nil
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	values := validator.Decimals(prices)
	mean, std := stats.MeanStd(values)
	if std == 0 {
		return nil
	}

	var out []sources.Price
	for i, p := range prices {
		if values[i].Sub(mean).Abs().InexactFloat64()/std > threshold {
			out = append(out, p)
		}
	}
	return out
}

// DetectIQR returns the prices outside [Q1-1.5·IQR, Q3+1.5·IQR]. Fewer than
// four samples yields no outliers.
func DetectIQR(prices []sources.Price) []sources.Price {
	if len(prices) < minIQRSamples {
		return nil
	}

	values := validator.Decimals(prices)
	q1, q3 := stats.Quartiles(values)
	spread := q3.Sub(q1).Mul(iqrFence)
	lower := q1.Sub(spread)
	upper := q3.Add(spread)

	var out []sources.Price
	for i, p := range prices {
		if values[i].LessThan(lower) || values[i].GreaterThan(upper) {
			out = append(out, p)
		}
	}
	return out
}

// Detect dispatches to the selected method. threshold only applies to z-score.
func Detect(prices []sources.Price, method Method, threshold float64) []sources.Price {
	if strings.EqualFold(string(method), string(MethodIQR)) {
		return DetectIQR(prices)
	}
	return DetectZScore(prices, threshold)
}

// FilterOutliers removes every price whose source was flagged. Exclusion is by
// source name, so a source with several disagreeing samples is dropped whole.
func FilterOutliers(prices []sources.Price, method Method, threshold float64) Result {
	detected := Detect(prices, method, threshold)
	if len(detected) == 0 {
		return Result{Filtered: prices}
	}

	flagged := make(map[string]struct{}, len(detected))
	var names []string
	for _, p := range detected {
		if _, ok := flagged[p.Source]; ok {
			continue
		}
		flagged[p.Source] = struct{}{}
		names = append(names, p.Source)
	}

	res := Result{
		Filtered: make([]sources.Price, 0, len(prices)),
		Sources:  names,
	}
	for _, p := range prices {
		if _, ok := flagged[p.Source]; ok {
			res.Outliers = append(res.Outliers, p)
			continue
		}
		res.Filtered = append(res.Filtered, p)
	}
	return res
}
