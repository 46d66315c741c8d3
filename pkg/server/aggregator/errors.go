// Package aggregator provides price aggregation strategies.
package aggregator

import "errors"

var (
	// ErrEmptyAggregationInput indicates a strategy was asked to aggregate zero prices.
	ErrEmptyAggregationInput = errors.New("empty aggregation input")
	// ErrUnknownMode indicates that the aggregation mode is unknown.
	ErrUnknownMode = errors.New("unknown aggregation mode")
	// ErrNonFinitePrice indicates a NaN or infinite price reached a strategy.
	ErrNonFinitePrice = errors.New("non-finite price")
)
