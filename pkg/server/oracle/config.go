package oracle

import (
	"fmt"
	"math"
	"time"

	"github.com/StrathCole/oracle-aggregator/pkg/server/outlier"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

// AggregationConfig controls validation and filtering for every aggregation.
type AggregationConfig struct {
	MinSources             int            `yaml:"min_sources" json:"min_sources"`
	MaxDeviationPercent    float64        `yaml:"max_deviation_percent" json:"max_deviation_percent"`
	MaxStaleness           time.Duration  `yaml:"max_staleness" json:"max_staleness"`
	EnableOutlierDetection bool           `yaml:"enable_outlier_detection" json:"enable_outlier_detection"`
	OutlierThreshold       float64        `yaml:"outlier_threshold" json:"outlier_threshold"`
	OutlierMethod          outlier.Method `yaml:"outlier_method" json:"outlier_method"`
}

// DefaultAggregationConfig returns the documented defaults.
func DefaultAggregationConfig() AggregationConfig {
	return AggregationConfig{
		MinSources:             1,
		MaxDeviationPercent:    10,
		MaxStaleness:           60 * time.Second,
		EnableOutlierDetection: true,
		OutlierThreshold:       outlier.DefaultThreshold,
		OutlierMethod:          outlier.MethodZScore,
	}
}

// Validate rejects values that would make the pipeline misbehave.
func (c AggregationConfig) Validate() error {
	switch {
	case c.MinSources < 1:
		return fmt.Errorf("%w: min_sources must be >= 1, got %d", sources.ErrInvalidConfiguration, c.MinSources)
	case c.MaxDeviationPercent < 0 || math.IsNaN(c.MaxDeviationPercent):
		return fmt.Errorf("%w: max_deviation_percent must be >= 0, got %v", sources.ErrInvalidConfiguration, c.MaxDeviationPercent)
	case c.MaxStaleness < 0:
		return fmt.Errorf("%w: max_staleness must be >= 0, got %s", sources.ErrInvalidConfiguration, c.MaxStaleness)
	case !(c.OutlierThreshold > 0):
		return fmt.Errorf("%w: outlier_threshold must be > 0, got %v", sources.ErrInvalidConfiguration, c.OutlierThreshold)
	}
	if _, err := outlier.ParseMethod(string(c.OutlierMethod)); err != nil {
		return err
	}
	return nil
}

// AggregationConfigUpdate is a partial update; nil fields keep the current value.
type AggregationConfigUpdate struct {
	MinSources             *int            `json:"min_sources,omitempty"`
	MaxDeviationPercent    *float64        `json:"max_deviation_percent,omitempty"`
	MaxStaleness           *time.Duration  `json:"max_staleness,omitempty"`
	EnableOutlierDetection *bool           `json:"enable_outlier_detection,omitempty"`
	OutlierThreshold       *float64        `json:"outlier_threshold,omitempty"`
	OutlierMethod          *outlier.Method `json:"outlier_method,omitempty"`
}

// Merge applies update over base and returns the result. Neither input is modified.
func Merge(base AggregationConfig, update AggregationConfigUpdate) AggregationConfig {
	out := base
	if update.MinSources != nil {
		out.MinSources = *update.MinSources
	}
	if update.MaxDeviationPercent != nil {
		out.MaxDeviationPercent = *update.MaxDeviationPercent
	}
	if update.MaxStaleness != nil {
		out.MaxStaleness = *update.MaxStaleness
	}
	if update.EnableOutlierDetection != nil {
		out.EnableOutlierDetection = *update.EnableOutlierDetection
	}
	if update.OutlierThreshold != nil {
		out.OutlierThreshold = *update.OutlierThreshold
	}
	if update.OutlierMethod != nil {
		out.OutlierMethod = *update.OutlierMethod
	}
	return out
}
