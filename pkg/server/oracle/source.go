package oracle

import (
	"sync"
	"time"

	"github.com/StrathCole/oracle-aggregator/pkg/server/breaker"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

// PriceSource is a snapshot of a registered source.
type PriceSource struct {
	Name         string    `json:"name"`
	Weight       float64   `json:"weight"`
	IsHealthy    bool      `json:"is_healthy"`
	LastChecked  time.Time `json:"last_checked"`
	LastUpdate   time.Time `json:"last_update"`
	FailureCount int       `json:"failure_count"`
	CircuitState string    `json:"circuit_state"`
}

// sourceEntry is the per-source record. Entries live in the aggregator's
// arena at position id; each guards its own mutable fields.
type sourceEntry struct {
	id      int
	name    string
	source  sources.Source
	breaker *breaker.Breaker

	mu          sync.Mutex
	weight      float64
	healthy     bool
	lastChecked time.Time
}

func (e *sourceEntry) recordOutcome(healthy bool, at time.Time) {
	e.mu.Lock()
	e.healthy = healthy
	e.lastChecked = at
	e.mu.Unlock()
}

func (e *sourceEntry) getWeight() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.weight
}

func (e *sourceEntry) snapshot() PriceSource {
	b := e.breaker.Snapshot()
	info := e.source.SourceInfo()

	e.mu.Lock()
	defer e.mu.Unlock()
	return PriceSource{
		Name:         e.name,
		Weight:       e.weight,
		IsHealthy:    e.healthy,
		LastChecked:  e.lastChecked,
		LastUpdate:   info.LastUpdate,
		FailureCount: b.Failures,
		CircuitState: b.StateName,
	}
}
