package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PricePoint struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceRecord is the reference price state of one symbol.
type PriceRecord struct {
	Price         decimal.Decimal `json:"price"`
	PreviousPrice decimal.Decimal `json:"previousPrice"`
	Change        decimal.Decimal `json:"change"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	History       []PricePoint    `json:"history"`
}

// Clone copies the record. History is never nil in the copy.
func (r PriceRecord) Clone() PriceRecord {
	h := make([]PricePoint, len(r.History))
	copy(h, r.History)
	r.History = h
	return r
}

type PriceState map[string]PriceRecord

func (p PriceState) Clone() PriceState {
	out := make(PriceState, len(p))
	for k, v := range p {
		out[k] = v.Clone()
	}
	return out
}

// BookState lists resting orders in priority order, symbols in universe order.
type BookState struct {
	Bids []*Order `json:"bids"`
	Asks []*Order `json:"asks"`
}

// State is everything the engine needs to resume after a restart.
type State struct {
	OrderBook  BookState  `json:"orderBook"`
	Trades     []Trade    `json:"trades"`
	PriceState PriceState `json:"priceState"`
	Stops      []*Order   `json:"stops"`
}

func EmptyState() State {
	return State{
		OrderBook:  BookState{Bids: []*Order{}, Asks: []*Order{}},
		Trades:     []Trade{},
		PriceState: PriceState{},
		Stops:      []*Order{},
	}
}

func (s State) IsEmpty() bool {
	return len(s.OrderBook.Bids) == 0 && len(s.OrderBook.Asks) == 0 &&
		len(s.Trades) == 0 && len(s.PriceState) == 0 && len(s.Stops) == 0
}
