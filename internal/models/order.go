package models

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderType string

const (
	Market    OrderType = "MARKET"
	Limit     OrderType = "LIMIT"
	Stop      OrderType = "STOP"
	StopLimit OrderType = "STOP_LIMIT"
)

func (t OrderType) IsValid() bool {
	return t == Market || t == Limit || t == Stop || t == StopLimit
}

// RequiresPrice reports whether the type carries a limit price from submission.
func (t OrderType) RequiresPrice() bool {
	return t == Limit || t == StopLimit
}

func (t OrderType) RequiresStopPrice() bool {
	return t == Stop || t == StopLimit
}

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) IsValid() bool {
	return s == Buy || s == Sell
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type Status string

const (
	New             Status = "NEW"
	PartiallyFilled Status = "PARTIALLY_FILLED"
	Filled          Status = "FILLED"
	Cancelled       Status = "CANCELLED"
)

func (st Status) IsValid() bool {
	return st == New || st == PartiallyFilled || st == Filled || st == Cancelled
}

// DefaultTargetCompID is stamped on orders that arrive without a routing target.
const DefaultTargetCompID = "MARKETRON"

// Routing is pass-through session metadata. Matching never reads it.
type Routing struct {
	SenderCompID  string `json:"senderCompId,omitempty"`
	SenderSubID   string `json:"senderSubId,omitempty"`
	TargetCompID  string `json:"targetCompId,omitempty"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
}

// NewClientOrderID returns an id of the form ORD<unix-ms><4 digits>.
func NewClientOrderID(now time.Time) string {
	return fmt.Sprintf("ORD%d%04d", now.UnixMilli(), rand.Intn(10000))
}

type OrderLeg struct {
	Symbol string `json:"symbol"`
	Ratio  int    `json:"ratio"`
	Side   Side   `json:"side"`
}

type Order struct {
	ID               string              `json:"orderId"`
	Symbol           string              `json:"symbol"`
	Type             OrderType           `json:"orderType"`
	Side             Side                `json:"side"`
	Quantity         decimal.Decimal     `json:"quantity"`
	OriginalQuantity decimal.Decimal     `json:"originalQuantity"`
	Price            decimal.NullDecimal `json:"price"`
	StopPrice        decimal.NullDecimal `json:"stopPrice"`
	Timestamp        time.Time           `json:"timestamp"`
	Status           Status              `json:"status"`
	Routing          Routing             `json:"routing"`
	IsCombo          bool                `json:"isCombo,omitempty"`
	Legs             []OrderLeg          `json:"legs,omitempty"`
}

// OrderSpec holds the fields every order variant shares.
type OrderSpec struct {
	Symbol    string
	Side      Side
	Quantity  decimal.Decimal
	Routing   Routing
	Timestamp time.Time
}

func (s OrderSpec) build(t OrderType) (*Order, error) {
	if s.Symbol == "" {
		return nil, NewValidationError("symbol", "symbol is required")
	}
	if !s.Side.IsValid() {
		return nil, NewValidationError("side", "side must be BUY or SELL")
	}
	if !s.Quantity.IsPositive() {
		return nil, NewValidationError("quantity", "quantity must be greater than 0")
	}
	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	routing := s.Routing
	if routing.TargetCompID == "" {
		routing.TargetCompID = DefaultTargetCompID
	}
	if routing.ClientOrderID == "" {
		routing.ClientOrderID = NewClientOrderID(ts)
	}
	return &Order{
		ID:               uuid.NewString(),
		Symbol:           s.Symbol,
		Type:             t,
		Side:             s.Side,
		Quantity:         s.Quantity,
		OriginalQuantity: s.Quantity,
		Timestamp:        ts,
		Status:           New,
		Routing:          routing,
	}, nil
}

// NewMarketOrder creates an unpriced order. The price is resolved on acceptance.
func NewMarketOrder(s OrderSpec) (*Order, error) {
	return s.build(Market)
}

func NewLimitOrder(s OrderSpec, price decimal.Decimal) (*Order, error) {
	if !price.IsPositive() {
		return nil, NewValidationError("price", "price must be greater than 0")
	}
	o, err := s.build(Limit)
	if err != nil {
		return nil, err
	}
	o.Price = decimal.NewNullDecimal(price)
	return o, nil
}

func NewStopOrder(s OrderSpec, stopPrice decimal.Decimal) (*Order, error) {
	if !stopPrice.IsPositive() {
		return nil, NewValidationError("stopPrice", "stop price must be greater than 0")
	}
	o, err := s.build(Stop)
	if err != nil {
		return nil, err
	}
	o.StopPrice = decimal.NewNullDecimal(stopPrice)
	return o, nil
}

func NewStopLimitOrder(s OrderSpec, price, stopPrice decimal.Decimal) (*Order, error) {
	if !price.IsPositive() {
		return nil, NewValidationError("price", "price must be greater than 0")
	}
	if !stopPrice.IsPositive() {
		return nil, NewValidationError("stopPrice", "stop price must be greater than 0")
	}
	o, err := s.build(StopLimit)
	if err != nil {
		return nil, err
	}
	o.Price = decimal.NewNullDecimal(price)
	o.StopPrice = decimal.NewNullDecimal(stopPrice)
	return o, nil
}

// LimitPrice returns the order price, or zero for an unpriced order.
func (o *Order) LimitPrice() decimal.Decimal {
	if !o.Price.Valid {
		return decimal.Zero
	}
	return o.Price.Decimal
}

func (o *Order) FilledQuantity() decimal.Decimal {
	return o.OriginalQuantity.Sub(o.Quantity)
}

// Fill reduces the remaining quantity and derives the status from it.
func (o *Order) Fill(qty decimal.Decimal) {
	o.Quantity = o.Quantity.Sub(qty)
	if o.Quantity.Sign() <= 0 {
		o.Quantity = decimal.Zero
		o.Status = Filled
		return
	}
	o.Status = PartiallyFilled
}

func (o *Order) IsStop() bool {
	return o.Type.RequiresStopPrice()
}

// Clone returns a deep copy safe to hand outside the engine.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.Legs != nil {
		c.Legs = append([]OrderLeg(nil), o.Legs...)
	}
	return &c
}

// Validate checks an order that is resting in, or being restored into, a book.
func (o *Order) Validate() error {
	if o.ID == "" {
		return errors.New("orderId is required")
	}
	if o.Symbol == "" {
		return errors.New("symbol is required")
	}
	if !o.Type.IsValid() {
		return fmt.Errorf("invalid order type %q", o.Type)
	}
	if !o.Side.IsValid() {
		return fmt.Errorf("invalid side %q", o.Side)
	}
	if !o.Quantity.IsPositive() {
		return errors.New("quantity must be greater than 0")
	}
	if o.OriginalQuantity.LessThan(o.Quantity) {
		return errors.New("quantity cannot exceed original quantity")
	}
	if o.Type.RequiresPrice() && (!o.Price.Valid || !o.Price.Decimal.IsPositive()) {
		return errors.New("price is required for limit orders")
	}
	if o.Type.RequiresStopPrice() && (!o.StopPrice.Valid || !o.StopPrice.Decimal.IsPositive()) {
		return errors.New("stop price is required for stop orders")
	}
	if !o.Status.IsValid() {
		return fmt.Errorf("invalid status %q", o.Status)
	}
	if o.IsCombo || len(o.Legs) > 0 {
		return errors.New("combo orders never rest")
	}
	return nil
}

// DecomposeCombo expands a combo order into one plain order per leg.
// Leg quantity is parent quantity times ratio; price, stop price and routing
// are inherited and the client order id becomes <parent>_<leg symbol>.
// OrderLeg has no legs of its own so the result is always one level deep.
func DecomposeCombo(parent *Order) ([]*Order, error) {
	if !parent.IsCombo {
		return []*Order{parent}, nil
	}
	if len(parent.Legs) == 0 {
		return nil, NewValidationError("legs", "combo order requires at least one leg")
	}

	legs := make([]*Order, 0, len(parent.Legs))
	for i, leg := range parent.Legs {
		if leg.Ratio <= 0 {
			return nil, NewValidationError(fmt.Sprintf("legs[%d].ratio", i), "ratio must be greater than 0")
		}
		routing := parent.Routing
		routing.ClientOrderID = parent.Routing.ClientOrderID + "_" + leg.Symbol

		o := &Order{
			ID:        uuid.NewString(),
			Symbol:    leg.Symbol,
			Type:      parent.Type,
			Side:      leg.Side,
			Quantity:  parent.Quantity.Mul(decimal.NewFromInt(int64(leg.Ratio))),
			Price:     parent.Price,
			StopPrice: parent.StopPrice,
			Timestamp: parent.Timestamp,
			Status:    New,
			Routing:   routing,
		}
		o.OriginalQuantity = o.Quantity
		legs = append(legs, o)
	}
	return legs, nil
}
