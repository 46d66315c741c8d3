package oracle

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateSource indicates a source name is already registered.
	ErrDuplicateSource = errors.New("source already registered")
	// ErrInsufficientSources indicates fewer than the minimum number of distinct valid sources.
	ErrInsufficientSources = errors.New("insufficient sources")
	// ErrInsufficientAfterFiltering indicates the quorum was lost to deviation or
	// outlier filtering. It matches ErrInsufficientSources with errors.Is.
	ErrInsufficientAfterFiltering = fmt.Errorf("%w after filtering", ErrInsufficientSources)
	// ErrSourceNotFound indicates no source is registered under the name.
	ErrSourceNotFound = errors.New("source not registered")
	// ErrSourceFetchFailure indicates a single source failed after exhausting retries.
	ErrSourceFetchFailure = errors.New("source fetch failed")
)
