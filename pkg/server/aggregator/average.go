package aggregator

import (
	"fmt"
	"time"

	"github.com/StrathCole/oracle-aggregator/pkg/logging"
	"github.com/StrathCole/oracle-aggregator/pkg/metrics"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
	"github.com/StrathCole/oracle-aggregator/pkg/server/stats"
)

// MeanStrategy aggregates prices using the simple arithmetic mean.
type MeanStrategy struct {
	logger *logging.Logger
}

// Ensure MeanStrategy implements Strategy interface.
var _ Strategy = (*MeanStrategy)(nil)

// NewMeanStrategy creates a new mean strategy.
func NewMeanStrategy(logger *logging.Logger) *MeanStrategy {
	return &MeanStrategy{logger: logger}
}

func (s *MeanStrategy) Name() string { return ModeMean }

// Aggregate computes the arithmetic mean. Weights are ignored.
func (s *MeanStrategy) Aggregate(prices []sources.Price, _ map[string]float64) (float64, error) {
	start := time.Now()
	defer func() {
		metrics.RecordAggregation(ModeMean, time.Since(start))
	}()

	if len(prices) == 0 {
		return 0, fmt.Errorf("%w: mean", ErrEmptyAggregationInput)
	}
	if len(prices) == 1 {
		return prices[0].Price, nil
	}

	values, err := decimalPrices(prices)
	if err != nil {
		return 0, err
	}
	return stats.Mean(values).InexactFloat64(), nil
}

// WeightedAverageStrategy aggregates prices using per-source weights.
type WeightedAverageStrategy struct {
	logger *logging.Logger
}

// Ensure WeightedAverageStrategy implements Strategy interface.
var _ Strategy = (*WeightedAverageStrategy)(nil)

// NewWeightedAverageStrategy creates a new weighted average strategy.
func NewWeightedAverageStrategy(logger *logging.Logger) *WeightedAverageStrategy {
	return &WeightedAverageStrategy{logger: logger}
}

func (s *WeightedAverageStrategy) Name() string { return ModeWeighted }

// Aggregate returns Σ(price × weight) / Σweight. Weights are normalized over
// the sources present in prices, not the full registry.
func (s *WeightedAverageStrategy) Aggregate(prices []sources.Price, weights map[string]float64) (float64, error) {
	start := time.Now()
	defer func() {
		metrics.RecordAggregation(ModeWeighted, time.Since(start))
	}()

	if len(prices) == 0 {
		return 0, fmt.Errorf("%w: weighted average", ErrEmptyAggregationInput)
	}
	if len(prices) == 1 {
		return prices[0].Price, nil
	}

	values, err := decimalPrices(prices)
	if err != nil {
		return 0, err
	}

	// sourceWeights never sums to zero
	avg, _ := weightedMean(values, sourceWeights(prices, weights))
	s.logger.Debug("Computed weighted average", "samples", len(prices), "price", avg.String())
	return avg.InexactFloat64(), nil
}
