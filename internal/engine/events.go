package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"marketron/internal/models"
)

type EventType string

const (
	EventOrderSubmitted EventType = "order.submitted"
	EventOrderAccepted  EventType = "order.accepted"
	EventOrderRejected  EventType = "order.rejected"
	EventOrderCancelled EventType = "order.cancelled"
	EventPriceWarning   EventType = "order.price_warning"
	EventStopTriggered  EventType = "order.stop_triggered"
	EventTradeExecuted  EventType = "trade.executed"
	EventPriceUpdated   EventType = "price.updated"
	EventStateReset     EventType = "state.reset"
)

// Inbound reports whether the event records something the client sent.
func (t EventType) Inbound() bool {
	return t == EventOrderSubmitted
}

// PriceWarning flags a limit price far from the reference price.
// It never blocks acceptance.
type PriceWarning struct {
	OrderID   string          `json:"orderId"`
	Symbol    string          `json:"symbol"`
	Side      models.Side     `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Reference decimal.Decimal `json:"referencePrice"`
	Deviation decimal.Decimal `json:"deviation"`
	Message   string          `json:"message"`
}

// Event is a copy of one engine transition. Sinks may keep it.
type Event struct {
	ID        string              `json:"eventId"`
	Sequence  uint64              `json:"sequence"`
	Type      EventType           `json:"type"`
	Symbol    string              `json:"symbol,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
	Order     *models.Order       `json:"order,omitempty"`
	Trade     *models.Trade       `json:"trade,omitempty"`
	Warning   *PriceWarning       `json:"warning,omitempty"`
	Price     decimal.NullDecimal `json:"price"`
	Reason    string              `json:"reason,omitempty"`
}

// RoutingKey is the topic used by the message bus publishers.
func (e Event) RoutingKey() string {
	if e.Symbol == "" {
		return string(e.Type)
	}
	return string(e.Type) + "." + e.Symbol
}

// OrderID returns the id of the order the event concerns, if any.
func (e Event) OrderID() string {
	switch {
	case e.Order != nil:
		return e.Order.ID
	case e.Warning != nil:
		return e.Warning.OrderID
	}
	return ""
}

// Sink receives engine events synchronously, in order, from inside the
// matching actor. Implementations must not block or call back into the engine.
type Sink interface {
	Handle(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Handle(e Event) { f(e) }
