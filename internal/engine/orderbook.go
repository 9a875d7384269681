package engine

import (
	"container/heap"

	"github.com/shopspring/decimal"

	"marketron/internal/models"
)

// OrderBook holds the resting orders of one symbol. It is not safe for
// concurrent use; the Engine serializes every call.
type OrderBook struct {
	symbol     string
	buyHeap    *OrderHeap
	sellHeap   *OrderHeap
	ordersByID map[string]*OrderItem
}

// OrderBookLevel aggregates the resting quantity at one price.
type OrderBookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Orders int             `json:"orders"`
}

func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		symbol:     symbol,
		buyHeap:    NewBuyHeap(),
		sellHeap:   NewSellHeap(),
		ordersByID: make(map[string]*OrderItem),
	}
}

func (ob *OrderBook) Symbol() string { return ob.symbol }

// Insert rests a priced order on its side. Matching is a separate step.
func (ob *OrderBook) Insert(order *OrderWrapper) {
	item := &OrderItem{order: order}
	ob.ordersByID[order.ID] = item
	heap.Push(ob.side(order.Side), item)
}

func (ob *OrderBook) side(s models.Side) *OrderHeap {
	if s == models.Buy {
		return ob.buyHeap
	}
	return ob.sellHeap
}

// Remove takes an order out of the book by id.
func (ob *OrderBook) Remove(orderID string) (*OrderWrapper, bool) {
	item, ok := ob.ordersByID[orderID]
	if !ok {
		return nil, false
	}
	heap.Remove(ob.side(item.order.Side), item.index)
	delete(ob.ordersByID, orderID)
	return item.order, true
}

// popTop removes the top order of a side after it has been filled.
func (ob *OrderBook) popTop(h *OrderHeap) {
	item := heap.Pop(h).(*OrderItem)
	delete(ob.ordersByID, item.order.ID)
}

func (ob *OrderBook) GetOrder(orderID string) *OrderWrapper {
	item, ok := ob.ordersByID[orderID]
	if !ok {
		return nil
	}
	return item.order
}

func (ob *OrderBook) BestBid() *OrderWrapper { return ob.buyHeap.Peek() }

func (ob *OrderBook) BestAsk() *OrderWrapper { return ob.sellHeap.Peek() }

// BestOpposing returns the top of the side a new order of side s would hit.
func (ob *OrderBook) BestOpposing(s models.Side) *OrderWrapper {
	return ob.side(s.Opposite()).Peek()
}

// Bids returns copies of the resting bids, best first.
func (ob *OrderBook) Bids() []*models.Order { return cloneAll(ob.buyHeap.Sorted()) }

// Asks returns copies of the resting asks, best first.
func (ob *OrderBook) Asks() []*models.Order { return cloneAll(ob.sellHeap.Sorted()) }

func cloneAll(ws []*OrderWrapper) []*models.Order {
	out := make([]*models.Order, len(ws))
	for i, w := range ws {
		out[i] = w.Clone()
	}
	return out
}

// Depth aggregates up to levels price levels per side.
func (ob *OrderBook) Depth(levels int) (bids, asks []OrderBookLevel) {
	return aggregate(ob.buyHeap.Sorted(), levels), aggregate(ob.sellHeap.Sorted(), levels)
}

func aggregate(orders []*OrderWrapper, levels int) []OrderBookLevel {
	out := make([]OrderBookLevel, 0, levels)
	for _, o := range orders {
		p := o.LimitPrice()
		if n := len(out); n > 0 && out[n-1].Price.Equal(p) {
			out[n-1].Volume = out[n-1].Volume.Add(o.Remaining())
			out[n-1].Orders++
			continue
		}
		if len(out) == levels {
			break
		}
		out = append(out, OrderBookLevel{Price: p, Volume: o.Remaining(), Orders: 1})
	}
	return out
}

// Crossed reports whether the book is not quiescent.
func (ob *OrderBook) Crossed() bool {
	bid, ask := ob.BestBid(), ob.BestAsk()
	return bid != nil && ask != nil && bid.LimitPrice().GreaterThanOrEqual(ask.LimitPrice())
}

func (ob *OrderBook) GetOrderCount() int { return len(ob.ordersByID) }

func (ob *OrderBook) BidCount() int { return ob.buyHeap.Len() }

func (ob *OrderBook) AskCount() int { return ob.sellHeap.Len() }
