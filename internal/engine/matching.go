package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketron/internal/models"
)

// Match pairs the top bid with the top ask until the book is quiescent.
// Every match executes at the ask price for the smaller remaining quantity;
// filled orders leave the book. Trades are returned in execution order.
func (ob *OrderBook) Match(now time.Time) []models.Trade {
	var trades []models.Trade
	for ob.buyHeap.Len() > 0 && ob.sellHeap.Len() > 0 {
		bestBuy := ob.buyHeap.Peek()
		bestSell := ob.sellHeap.Peek()

		if bestBuy.LimitPrice().LessThan(bestSell.LimitPrice()) {
			break
		}

		trades = append(trades, ob.executeTrade(bestBuy, bestSell, now))

		if bestBuy.Remaining().IsZero() {
			ob.popTop(ob.buyHeap)
		}
		if bestSell.Remaining().IsZero() {
			ob.popTop(ob.sellHeap)
		}
	}
	return trades
}

func (ob *OrderBook) executeTrade(buy, sell *OrderWrapper, now time.Time) models.Trade {
	qty := decimal.Min(buy.Remaining(), sell.Remaining())

	trade := models.Trade{
		ID:          uuid.NewString(),
		Symbol:      ob.symbol,
		Price:       sell.LimitPrice(),
		Quantity:    qty,
		Timestamp:   now,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyOrder:    buy.Clone(),
		SellOrder:   sell.Clone(),
	}

	buy.Fill(qty)
	sell.Fill(qty)
	return trade
}
