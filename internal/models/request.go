package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderRequest is the inbound shape of a submission.
type OrderRequest struct {
	Symbol    string           `json:"symbol"`
	OrderType OrderType        `json:"orderType"`
	Side      Side             `json:"side"`
	Quantity  decimal.Decimal  `json:"quantity"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	StopPrice *decimal.Decimal `json:"stopPrice,omitempty"`
	Routing   Routing          `json:"routing"`
	IsCombo   bool             `json:"isCombo,omitempty"`
	Legs      []OrderLeg       `json:"legs,omitempty"`
}

// Normalize upper-cases enum and symbol fields so clients may send either case.
func (r *OrderRequest) Normalize() {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.OrderType = OrderType(strings.ToUpper(string(r.OrderType)))
	r.Side = Side(strings.ToUpper(string(r.Side)))
	for i := range r.Legs {
		r.Legs[i].Symbol = strings.ToUpper(strings.TrimSpace(r.Legs[i].Symbol))
		r.Legs[i].Side = Side(strings.ToUpper(string(r.Legs[i].Side)))
	}
	if r.IsCombo && r.Symbol == "" && len(r.Legs) > 0 {
		r.Symbol = r.Legs[0].Symbol
	}
}

func (r *OrderRequest) Validate(u *Universe) error {
	if !r.OrderType.IsValid() {
		return NewValidationError("orderType", "orderType must be one of MARKET, LIMIT, STOP, STOP_LIMIT")
	}
	if !r.Side.IsValid() {
		return NewValidationError("side", "side must be BUY or SELL")
	}
	if !r.Quantity.IsPositive() {
		return NewValidationError("quantity", "quantity must be greater than 0")
	}
	if !u.Contains(r.Symbol) {
		return NewValidationError("symbol", fmt.Sprintf("unknown symbol %q", r.Symbol))
	}
	if r.OrderType.RequiresPrice() && (r.Price == nil || !r.Price.IsPositive()) {
		return NewValidationError("price", "price is required for "+string(r.OrderType)+" orders")
	}
	if r.OrderType.RequiresStopPrice() && (r.StopPrice == nil || !r.StopPrice.IsPositive()) {
		return NewValidationError("stopPrice", "stopPrice is required for "+string(r.OrderType)+" orders")
	}
	if !r.IsCombo {
		if len(r.Legs) > 0 {
			return NewValidationError("legs", "legs are only allowed on combo orders")
		}
		return nil
	}

	if len(r.Legs) == 0 {
		return NewValidationError("legs", "combo order requires at least one leg")
	}
	for i, leg := range r.Legs {
		field := fmt.Sprintf("legs[%d]", i)
		if !u.Contains(leg.Symbol) {
			return NewValidationError(field+".symbol", fmt.Sprintf("unknown symbol %q", leg.Symbol))
		}
		if leg.Ratio <= 0 {
			return NewValidationError(field+".ratio", "ratio must be greater than 0")
		}
		if !leg.Side.IsValid() {
			return NewValidationError(field+".side", "side must be BUY or SELL")
		}
	}
	return nil
}

// NewOrder validates the request against the universe and builds the matching
// order variant. Combo requests keep their legs for DecomposeCombo.
func NewOrder(r OrderRequest, u *Universe, now time.Time) (*Order, error) {
	r.Normalize()
	if err := r.Validate(u); err != nil {
		return nil, err
	}

	spec := OrderSpec{
		Symbol:    r.Symbol,
		Side:      r.Side,
		Quantity:  r.Quantity,
		Routing:   r.Routing,
		Timestamp: now,
	}

	var (
		o   *Order
		err error
	)
	switch r.OrderType {
	case Market:
		o, err = NewMarketOrder(spec)
	case Limit:
		o, err = NewLimitOrder(spec, *r.Price)
	case Stop:
		o, err = NewStopOrder(spec, *r.StopPrice)
	case StopLimit:
		o, err = NewStopLimitOrder(spec, *r.Price, *r.StopPrice)
	}
	if err != nil {
		return nil, err
	}

	if r.IsCombo {
		o.IsCombo = true
		o.Legs = append([]OrderLeg(nil), r.Legs...)
	}
	return o, nil
}
