package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is immutable once emitted. BuyOrder and SellOrder hold the
// originating orders as they were before the fill.
type Trade struct {
	ID          string          `json:"tradeId"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Timestamp   time.Time       `json:"timestamp"`
	BuyOrderID  string          `json:"buyOrderId"`
	SellOrderID string          `json:"sellOrderId"`
	BuyOrder    *Order          `json:"buyOrder,omitempty"`
	SellOrder   *Order          `json:"sellOrder,omitempty"`
}

func (t *Trade) Validate() error {
	if t.Symbol == "" {
		return errors.New("symbol is required")
	}
	if t.BuyOrderID == "" {
		return errors.New("buyOrderId is required")
	}
	if t.SellOrderID == "" {
		return errors.New("sellOrderId is required")
	}
	if t.BuyOrderID == t.SellOrderID {
		return errors.New("buyOrderId and sellOrderId must be different")
	}
	if !t.Price.IsPositive() {
		return errors.New("price must be greater than 0")
	}
	if !t.Quantity.IsPositive() {
		return errors.New("quantity must be greater than 0")
	}
	if t.BuyOrder != nil && t.BuyOrder.Symbol != t.Symbol {
		return errors.New("buy order symbol does not match trade symbol")
	}
	if t.SellOrder != nil && t.SellOrder.Symbol != t.Symbol {
		return errors.New("sell order symbol does not match trade symbol")
	}
	return nil
}

func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

func (t Trade) Clone() Trade {
	t.BuyOrder = t.BuyOrder.Clone()
	t.SellOrder = t.SellOrder.Clone()
	return t
}
