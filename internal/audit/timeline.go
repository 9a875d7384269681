package audit

import (
	"sync"
	"time"

	"marketron/internal/engine"
)

type Direction string

const (
	ClientToVenue Direction = "client-to-marketron"
	VenueToClient Direction = "marketron-to-client"
)

const DefaultCapacity = 10000

// DirectionOf classifies an engine event for the timeline.
func DirectionOf(t engine.EventType) Direction {
	if t.Inbound() {
		return ClientToVenue
	}
	return VenueToClient
}

// Entry is one line of the order audit timeline.
type Entry struct {
	Sequence  uint64           `json:"sequence"`
	EventID   string           `json:"eventId"`
	Type      engine.EventType `json:"type"`
	Direction Direction        `json:"direction"`
	OrderID   string           `json:"orderId,omitempty"`
	Symbol    string           `json:"symbol,omitempty"`
	Data      any              `json:"data,omitempty"`
	Timestamp time.Time        `json:"timestamp"`

	orderIDs []string
}

// Payload returns the object an event carries: order, trade or warning.
func Payload(ev engine.Event) any {
	switch {
	case ev.Trade != nil:
		return ev.Trade
	case ev.Warning != nil:
		return ev.Warning
	case ev.Order != nil:
		return ev.Order
	case ev.Reason != "":
		return map[string]string{"reason": ev.Reason}
	case ev.Price.Valid:
		return map[string]string{"price": ev.Price.Decimal.String()}
	}
	return nil
}

// Timeline is an in-memory engine.Sink holding the most recent entries.
// A state reset clears it.
type Timeline struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	seq      uint64
}

func NewTimeline(capacity int) *Timeline {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Timeline{capacity: capacity}
}

func (t *Timeline) Handle(ev engine.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.Type == engine.EventStateReset {
		t.entries = nil
		return
	}
	if ev.Type == engine.EventPriceUpdated {
		return
	}

	t.seq++
	e := Entry{
		Sequence:  t.seq,
		EventID:   ev.ID,
		Type:      ev.Type,
		Direction: DirectionOf(ev.Type),
		OrderID:   ev.OrderID(),
		Symbol:    ev.Symbol,
		Data:      Payload(ev),
		Timestamp: ev.Timestamp,
	}
	if ev.Trade != nil {
		e.orderIDs = []string{ev.Trade.BuyOrderID, ev.Trade.SellOrderID}
	} else if e.OrderID != "" {
		e.orderIDs = []string{e.OrderID}
	}

	if len(t.entries) == t.capacity {
		copy(t.entries, t.entries[1:])
		t.entries = t.entries[:len(t.entries)-1]
	}
	t.entries = append(t.entries, e)
}

// Entries returns the most recent limit entries, oldest first.
// limit <= 0 returns all of them.
func (t *Timeline) Entries(limit int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	src := t.entries
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	return append([]Entry{}, src...)
}

// ForOrder returns every entry that concerns orderID, including trades it
// took part in.
func (t *Timeline) ForOrder(orderID string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := []Entry{}
	for _, e := range t.entries {
		for _, id := range e.orderIDs {
			if id == orderID {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}
