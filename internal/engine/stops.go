package engine

import (
	"github.com/shopspring/decimal"

	"marketron/internal/models"
)

// StopBook parks STOP and STOP_LIMIT orders until the reference price
// crosses their stop price.
type StopBook struct {
	pending map[string][]*models.Order
	count   int
}

func NewStopBook() *StopBook {
	return &StopBook{pending: make(map[string][]*models.Order)}
}

func (s *StopBook) Add(o *models.Order) {
	s.pending[o.Symbol] = append(s.pending[o.Symbol], o)
	s.count++
}

// Triggered reports whether a reference price activates the stop.
// BUY stops fire at or above the stop price, SELL stops at or below.
func Triggered(o *models.Order, ref decimal.Decimal) bool {
	if !o.StopPrice.Valid {
		return false
	}
	if o.Side == models.Buy {
		return ref.GreaterThanOrEqual(o.StopPrice.Decimal)
	}
	return ref.LessThanOrEqual(o.StopPrice.Decimal)
}

// Trigger removes and returns, in arrival order, the stops of symbol that
// fire at ref.
func (s *StopBook) Trigger(symbol string, ref decimal.Decimal) []*models.Order {
	orders := s.pending[symbol]
	if len(orders) == 0 {
		return nil
	}

	var fired []*models.Order
	kept := orders[:0]
	for _, o := range orders {
		if Triggered(o, ref) {
			fired = append(fired, o)
			continue
		}
		kept = append(kept, o)
	}
	for i := len(kept); i < len(orders); i++ {
		orders[i] = nil
	}
	if len(kept) == 0 {
		delete(s.pending, symbol)
	} else {
		s.pending[symbol] = kept
	}
	s.count -= len(fired)
	return fired
}

func (s *StopBook) Remove(orderID string) (*models.Order, bool) {
	for symbol, orders := range s.pending {
		for i, o := range orders {
			if o.ID != orderID {
				continue
			}
			s.pending[symbol] = append(orders[:i], orders[i+1:]...)
			if len(s.pending[symbol]) == 0 {
				delete(s.pending, symbol)
			}
			s.count--
			return o, true
		}
	}
	return nil, false
}

func (s *StopBook) Get(orderID string) *models.Order {
	for _, orders := range s.pending {
		for _, o := range orders {
			if o.ID == orderID {
				return o
			}
		}
	}
	return nil
}

// List returns copies of pending stops, symbols in universe order.
func (s *StopBook) List(universe *models.Universe) []*models.Order {
	out := make([]*models.Order, 0, s.count)
	for _, symbol := range universe.Codes() {
		for _, o := range s.pending[symbol] {
			out = append(out, o.Clone())
		}
	}
	return out
}

func (s *StopBook) Len() int { return s.count }
