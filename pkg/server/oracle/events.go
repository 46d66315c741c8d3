package oracle

import (
	"time"

	"github.com/google/uuid"

	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

// EventType tags an Event.
type EventType string

const (
	EventSourceFailed     EventType = "source_failed"
	EventCircuitOpened    EventType = "circuit_opened"
	EventCircuitHalfOpen  EventType = "circuit_half_open"
	EventCircuitClosed    EventType = "circuit_closed"
	EventOutliersFiltered EventType = "outliers_filtered"
	EventStaleFallback    EventType = "stale_fallback"
	EventPriceAggregated  EventType = "price_aggregated"
)

// Event is a notification emitted by the aggregator. Fields not relevant to
// the event type are left zero.
type Event struct {
	ID      string
	Type    EventType
	Time    time.Time
	Symbol  string
	Source  string
	Sources []string
	Err     error
	Price   *sources.AggregatedPrice
}

// Subscribe registers ch to receive events. Delivery never blocks: if ch is
// full the event is dropped. The returned function removes the subscription.
func (a *Aggregator) Subscribe(ch chan<- Event) (unsubscribe func()) {
	a.subMu.Lock()
	id := a.nextSubID
	a.nextSubID++
	a.subscribers[id] = ch
	a.subMu.Unlock()

	return func() {
		a.subMu.Lock()
		delete(a.subscribers, id)
		a.subMu.Unlock()
	}
}

func (a *Aggregator) publish(ev Event) {
	a.subMu.RLock()
	defer a.subMu.RUnlock()

	if len(a.subscribers) == 0 {
		return
	}

	ev.ID = uuid.NewString()
	if ev.Time.IsZero() {
		ev.Time = a.now()
	}

	for _, ch := range a.subscribers {
		select {
		case ch <- ev:
		default:
			a.logger.Warn("Dropping event, subscriber channel full", "type", string(ev.Type))
		}
	}
}
