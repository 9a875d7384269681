package engine

import (
	"github.com/shopspring/decimal"

	"marketron/internal/models"
)

// OrderWrapper wraps a domain Order with its book sequence number.
// The sequence is the time-priority tie-break among equal prices; it is
// assigned on insertion so wall-clock skew can never reorder a level.
type OrderWrapper struct {
	*models.Order
	seq uint64
}

func NewOrderWrapper(o *models.Order, seq uint64) *OrderWrapper {
	return &OrderWrapper{Order: o, seq: seq}
}

// Remaining returns the unfilled quantity of the order.
func (o *OrderWrapper) Remaining() decimal.Decimal {
	return o.Quantity
}

func (o *OrderWrapper) Seq() uint64 { return o.seq }
