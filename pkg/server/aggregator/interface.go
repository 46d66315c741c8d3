// Package aggregator provides price aggregation strategies.
package aggregator

import (
	"fmt"
	"strings"
	"time"

	"github.com/StrathCole/oracle-aggregator/pkg/logging"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

const (
	// ModeMedian takes the middle value and ignores weights.
	ModeMedian = "median"
	// ModeMean takes the arithmetic mean and ignores weights.
	ModeMean = "mean"
	// ModeWeighted averages with per-source weights normalized over the present sources.
	ModeWeighted = "weighted"
	// ModeTWAP weights recent prices higher with a linear decay over a time window.
	ModeTWAP = "twap"

	// DefaultTimeWindow is the TWAP window when none is configured.
	DefaultTimeWindow = 5 * time.Minute
)

// Strategy collapses a set of valid prices into one value.
type Strategy interface {
	Name() string
	// Aggregate fails with ErrEmptyAggregationInput when prices is empty.
	// weights maps source names to weights; missing sources default to 1.0.
	Aggregate(prices []sources.Price, weights map[string]float64) (float64, error)
}

// Options tunes strategies built by New.
type Options struct {
	Logger     *logging.Logger
	TimeWindow time.Duration    // TWAP only
	Now        func() time.Time // TWAP only
}

// New creates a strategy for the given mode.
func New(mode string, opts Options) (Strategy, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNoopLogger()
	}

	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeMedian, "":
		return NewMedianStrategy(logger), nil
	case ModeMean, "average":
		return NewMeanStrategy(logger), nil
	case ModeWeighted, "weighted_average":
		return NewWeightedAverageStrategy(logger), nil
	case ModeTWAP:
		s := NewTWAPStrategy(logger, opts.TimeWindow)
		if opts.Now != nil {
			s.now = opts.Now
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %s (supported: median, mean, weighted, twap)", ErrUnknownMode, mode)
	}
}
