// Package cache holds raw and aggregated prices with TTL expiry and a shared
// LRU size bound.
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/StrathCole/oracle-aggregator/pkg/metrics"
	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

const (
	namespacePrice      = "price"
	namespaceAggregated = "aggregated"
)

// Config controls entry lifetime and capacity.
type Config struct {
	TTL     time.Duration `yaml:"ttl" json:"ttl"`
	MaxSize int           `yaml:"max_size" json:"max_size"`
}

// DefaultConfig returns a 60s TTL and 1000 entries.
func DefaultConfig() Config {
	return Config{TTL: 60 * time.Second, MaxSize: 1000}
}

func (c Config) Validate() error {
	if c.TTL < 0 {
		return fmt.Errorf("%w: cache ttl must be >= 0", sources.ErrInvalidConfiguration)
	}
	if c.MaxSize < 1 {
		return fmt.Errorf("%w: cache max_size must be >= 1", sources.ErrInvalidConfiguration)
	}
	return nil
}

// Stats is a read-only view of cache occupancy.
type Stats struct {
	PriceCount      int `json:"price_count"`
	AggregatedCount int `json:"aggregated_count"`
	TotalSize       int `json:"total_size"`
}

type priceKey struct {
	symbol string
	source string
}

type entry struct {
	namespace  string
	priceKey   priceKey
	symbol     string
	price      sources.Price
	aggregated sources.AggregatedPrice
	storedAt   time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	cfg        Config
	now        func() time.Time
	lru        *list.List
	prices     map[priceKey]*list.Element
	aggregated map[string]*list.Element
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(cfg Config, opts ...Option) *Cache {
	if cfg.MaxSize < 1 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	c := &Cache{
		cfg:        cfg,
		now:        time.Now,
		lru:        list.New(),
		prices:     make(map[priceKey]*list.Element),
		aggregated: make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetPrice stores a raw price under (symbol, source).
func (c *Cache) SetPrice(symbol, source string, p sources.Price) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := priceKey{symbol: symbol, source: source}
	if el, ok := c.prices[key]; ok {
		e := el.Value.(*entry)
		e.price = p
		e.storedAt = c.now()
		c.lru.MoveToFront(el)
		return
	}

	el := c.lru.PushFront(&entry{namespace: namespacePrice, priceKey: key, price: p, storedAt: c.now()})
	c.prices[key] = el
	c.evictLocked()
}

// GetPrice returns the raw price if present and within TTL.
func (c *Cache) GetPrice(symbol, source string) (sources.Price, bool) {
	p, storedAt, ok := c.PeekPrice(symbol, source)
	hit := ok && !c.expired(storedAt)
	metrics.RecordCacheLookup(namespacePrice, hit)
	if !hit {
		return sources.Price{}, false
	}
	return p, true
}

// PeekPrice returns the raw price regardless of TTL along with when it was
// stored. It is used for fallback when a source cannot be queried.
func (c *Cache) PeekPrice(symbol, source string) (sources.Price, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.prices[priceKey{symbol: symbol, source: source}]
	if !ok {
		return sources.Price{}, time.Time{}, false
	}
	c.lru.MoveToFront(el)
	e := el.Value.(*entry)
	return e.price, e.storedAt, true
}

// SetAggregated stores an aggregated result for symbol.
func (c *Cache) SetAggregated(symbol string, p sources.AggregatedPrice) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.aggregated[symbol]; ok {
		e := el.Value.(*entry)
		e.aggregated = p
		e.storedAt = c.now()
		c.lru.MoveToFront(el)
		return
	}

	el := c.lru.PushFront(&entry{namespace: namespaceAggregated, symbol: symbol, aggregated: p, storedAt: c.now()})
	c.aggregated[symbol] = el
	c.evictLocked()
}

// GetAggregated returns the aggregated price if present and within TTL.
func (c *Cache) GetAggregated(symbol string) (sources.AggregatedPrice, bool) {
	p, storedAt, ok := c.PeekAggregated(symbol)
	hit := ok && !c.expired(storedAt)
	metrics.RecordCacheLookup(namespaceAggregated, hit)
	if !hit {
		return sources.AggregatedPrice{}, false
	}
	return p, true
}

// PeekAggregated returns the aggregated price regardless of TTL.
func (c *Cache) PeekAggregated(symbol string) (sources.AggregatedPrice, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.aggregated[symbol]
	if !ok {
		return sources.AggregatedPrice{}, time.Time{}, false
	}
	c.lru.MoveToFront(el)
	e := el.Value.(*entry)
	return e.aggregated, e.storedAt, true
}

// Invalidate removes the raw entry for (symbol, source). With an empty source
// it removes every raw entry for symbol and its aggregated entry.
func (c *Cache) Invalidate(symbol, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if source != "" {
		if el, ok := c.prices[priceKey{symbol: symbol, source: source}]; ok {
			c.removeLocked(el)
		}
		return
	}

	for key, el := range c.prices {
		if key.symbol == symbol {
			c.removeLocked(el)
		}
	}
	if el, ok := c.aggregated[symbol]; ok {
		c.removeLocked(el)
	}
}

// InvalidateSource removes every raw entry reported by source and returns how
// many were dropped. Aggregates are left alone.
func (c *Cache) InvalidateSource(source string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, el := range c.prices {
		if key.source == source {
			c.removeLocked(el)
			removed++
		}
	}
	return removed
}

// Clear empties both namespaces.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Init()
	c.prices = make(map[priceKey]*list.Element)
	c.aggregated = make(map[string]*list.Element)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		PriceCount:      len(c.prices),
		AggregatedCount: len(c.aggregated),
		TotalSize:       c.lru.Len(),
	}
}

func (c *Cache) expired(storedAt time.Time) bool {
	return c.now().Sub(storedAt) >= c.cfg.TTL
}

// evictLocked drops expired entries from the cold end first, then the least
// recently used entries until the combined size fits.
func (c *Cache) evictLocked() {
	if c.lru.Len() <= c.cfg.MaxSize {
		return
	}

	now := c.now()
	for el := c.lru.Back(); el != nil && c.lru.Len() > c.cfg.MaxSize; {
		prev := el.Prev()
		if now.Sub(el.Value.(*entry).storedAt) >= c.cfg.TTL {
			c.removeLocked(el)
			metrics.RecordCacheEviction()
		}
		el = prev
	}

	for c.lru.Len() > c.cfg.MaxSize {
		c.removeLocked(c.lru.Back())
		metrics.RecordCacheEviction()
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	switch e.namespace {
	case namespacePrice:
		delete(c.prices, e.priceKey)
	case namespaceAggregated:
		delete(c.aggregated, e.symbol)
	}
	c.lru.Remove(el)
}
