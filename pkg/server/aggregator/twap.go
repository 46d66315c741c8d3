package aggregator

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/StrathCole/oracle-aggregator/pkg/logging"
	"github.com/StrathCole/oracle-aggregator/pkg/metrics"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
	"github.com/StrathCole/oracle-aggregator/pkg/server/stats"
)

// TWAPStrategy implements a time-weighted average price.
// Time weight = 1 - age/window, so a fresh price weighs 1.0 and a price at the
// edge of the window weighs 0. Prices outside the window are excluded.
type TWAPStrategy struct {
	logger *logging.Logger
	window time.Duration
	now    func() time.Time
}

// Ensure TWAPStrategy implements Strategy interface.
var _ Strategy = (*TWAPStrategy)(nil)

// NewTWAPStrategy creates a TWAP strategy. A non-positive window uses DefaultTimeWindow.
func NewTWAPStrategy(logger *logging.Logger, window time.Duration) *TWAPStrategy {
	if window <= 0 {
		window = DefaultTimeWindow
	}
	return &TWAPStrategy{
		logger: logger,
		window: window,
		now:    time.Now,
	}
}

func (s *TWAPStrategy) Name() string { return ModeTWAP }

// Window returns the configured time window.
func (s *TWAPStrategy) Window() time.Duration {
	return s.window
}

// Aggregate combines time weight and normalized source weight per price.
// If every price is outside the window it falls back to the plain mean.
func (s *TWAPStrategy) Aggregate(prices []sources.Price, weights map[string]float64) (float64, error) {
	start := time.Now()
	defer func() {
		metrics.RecordAggregation(ModeTWAP, time.Since(start))
	}()

	if len(prices) == 0 {
		return 0, fmt.Errorf("%w: twap", ErrEmptyAggregationInput)
	}
	if len(prices) == 1 {
		return prices[0].Price, nil
	}

	values, err := decimalPrices(prices)
	if err != nil {
		return 0, err
	}

	now := s.now()
	combined := sourceWeights(prices, weights)
	for i, p := range prices {
		combined[i] = combined[i].Mul(s.timeWeight(now.Sub(p.Timestamp)))
	}

	twap, ok := weightedMean(values, combined)
	if !ok {
		s.logger.Debug("All prices outside TWAP window, using mean",
			"samples", len(prices),
			"window", s.window.String())
		return stats.Mean(values).InexactFloat64(), nil
	}

	return twap.InexactFloat64(), nil
}

// timeWeight decays linearly from 1 at age 0 to 0 at the window edge.
func (s *TWAPStrategy) timeWeight(age time.Duration) decimal.Decimal {
	if age < 0 {
		age = 0
	}
	if age >= s.window {
		return decimal.Zero
	}
	remaining := decimal.NewFromInt(int64(s.window - age))
	return remaining.Div(decimal.NewFromInt(int64(s.window)))
}
