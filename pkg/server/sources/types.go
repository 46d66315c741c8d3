package sources

import (
	"context"
	"time"
)

// Price is a single observation reported by a source for a symbol.
// Values are immutable once created.
type Price struct {
	Symbol    string            `json:"symbol"`
	Price     float64           `json:"price"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AggregatedPrice is the single authoritative value produced for a symbol,
// together with the provenance of which sources contributed or were excluded.
type AggregatedPrice struct {
	Symbol           string    `json:"symbol"`
	Price            float64   `json:"price"`
	Timestamp        time.Time `json:"timestamp"`
	Confidence       float64   `json:"confidence"`
	SourcesUsed      []string  `json:"sources_used"`
	OutliersFiltered []string  `json:"outliers_filtered"`
	SourceCount      int       `json:"source_count"`
}

// SourceInfo describes a source.
type SourceInfo struct {
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	Version          string    `json:"version"`
	SupportedSymbols []string  `json:"supported_symbols"`
	LastUpdate       time.Time `json:"last_update"` // zero until the first successful update
}

// Source defines the interface that all price sources must implement.
// The aggregator never inspects the concrete type behind it.
type Source interface {
	// GetPrice fetches the current price for a single symbol
	GetPrice(ctx context.Context, symbol string) (Price, error)

	// GetPrices fetches prices for several symbols; symbols that fail are omitted
	GetPrices(ctx context.Context, symbols []string) ([]Price, error)

	// SourceInfo returns static information about the source
	SourceInfo() SourceInfo

	// IsHealthy probes the source; an error counts as unhealthy
	IsHealthy(ctx context.Context) (bool, error)
}

// SourceFactory is a function that creates a new Source instance
type SourceFactory func(name string, config map[string]interface{}) (Source, error)
