package aggregator

import (
	"fmt"
	"time"

	"github.com/StrathCole/oracle-aggregator/pkg/logging"
	"github.com/StrathCole/oracle-aggregator/pkg/metrics"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
	"github.com/StrathCole/oracle-aggregator/pkg/server/stats"
)

// MedianStrategy aggregates prices using the median.
type MedianStrategy struct {
	logger *logging.Logger
}

// Ensure MedianStrategy implements Strategy interface.
var _ Strategy = (*MedianStrategy)(nil)

// NewMedianStrategy creates a new median strategy.
func NewMedianStrategy(logger *logging.Logger) *MedianStrategy {
	return &MedianStrategy{logger: logger}
}

func (s *MedianStrategy) Name() string { return ModeMedian }

// Aggregate returns the middle value, or the mean of the two middle values
// for an even count. Weights are ignored.
func (s *MedianStrategy) Aggregate(prices []sources.Price, _ map[string]float64) (float64, error) {
	start := time.Now()
	defer func() {
		metrics.RecordAggregation(ModeMedian, time.Since(start))
	}()

	if len(prices) == 0 {
		return 0, fmt.Errorf("%w: median", ErrEmptyAggregationInput)
	}
	if len(prices) == 1 {
		return prices[0].Price, nil
	}

	values, err := decimalPrices(prices)
	if err != nil {
		return 0, err
	}

	median := stats.Median(values)
	s.logger.Debug("Computed median", "samples", len(prices), "price", median.String())
	return median.InexactFloat64(), nil
}
