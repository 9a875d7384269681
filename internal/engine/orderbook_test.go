package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketron/internal/models"
)

var testSeq uint64

// Helper to create a resting test order
func createTestOrder(id string, side models.Side, price, quantity string) *OrderWrapper {
	testSeq++
	q := decimal.RequireFromString(quantity)
	return NewOrderWrapper(&models.Order{
		ID:               id,
		Symbol:           "AAPL",
		Type:             models.Limit,
		Side:             side,
		Price:            decimal.NewNullDecimal(decimal.RequireFromString(price)),
		Quantity:         q,
		OriginalQuantity: q,
		Status:           models.New,
		Timestamp:        time.Now(),
	}, testSeq)
}

func TestOrderBook_InsertSingleBuy(t *testing.T) {
	ob := NewOrderBook("AAPL")
	ob.Insert(createTestOrder("b1", models.Buy, "100", "1"))

	if ob.GetOrderCount() != 1 {
		t.Errorf("Expected 1 order in book, got %d", ob.GetOrderCount())
	}
	if ob.BidCount() != 1 || ob.AskCount() != 0 {
		t.Errorf("Expected 1 bid and 0 asks, got %d/%d", ob.BidCount(), ob.AskCount())
	}
}

func TestOrderBook_MatchOrders(t *testing.T) {
	ob := NewOrderBook("AAPL")

	sell := createTestOrder("s1", models.Sell, "100", "1")
	buy := createTestOrder("b1", models.Buy, "100", "1")
	ob.Insert(sell)
	ob.Insert(buy)

	trades := ob.Match(time.Now())

	if len(trades) != 1 {
		t.Fatalf("Expected 1 trade, got %d", len(trades))
	}
	if sell.Status != models.Filled || buy.Status != models.Filled {
		t.Errorf("Expected both orders filled, got %s/%s", buy.Status, sell.Status)
	}
	if ob.GetOrderCount() != 0 {
		t.Errorf("Expected 0 orders in book, got %d", ob.GetOrderCount())
	}
}

func TestOrderBook_ExecutesAtAskPrice(t *testing.T) {
	ob := NewOrderBook("AAPL")
	ob.Insert(createTestOrder("b1", models.Buy, "105", "2"))
	ob.Insert(createTestOrder("s1", models.Sell, "100", "2"))

	trades := ob.Match(time.Now())

	if len(trades) != 1 {
		t.Fatalf("Expected 1 trade, got %d", len(trades))
	}
	if !trades[0].Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected execution at ask 100, got %s", trades[0].Price)
	}
}

func TestOrderBook_PartialFill(t *testing.T) {
	ob := NewOrderBook("AAPL")

	sell := createTestOrder("s1", models.Sell, "100", "10")
	buy := createTestOrder("b1", models.Buy, "100", "4")
	ob.Insert(sell)
	ob.Insert(buy)
	ob.Match(time.Now())

	if sell.Status != models.PartiallyFilled {
		t.Errorf("Expected sell order partially filled, got %s", sell.Status)
	}
	if !sell.Remaining().Equal(decimal.NewFromInt(6)) {
		t.Errorf("Expected remaining 6, got %s", sell.Remaining())
	}
	if ob.BestAsk() != sell {
		t.Errorf("Expected partially filled sell to stay on top")
	}
}

func TestOrderBook_NoMatch(t *testing.T) {
	ob := NewOrderBook("AAPL")
	ob.Insert(createTestOrder("b1", models.Buy, "99", "1"))
	ob.Insert(createTestOrder("s1", models.Sell, "100", "1"))

	if trades := ob.Match(time.Now()); len(trades) != 0 {
		t.Errorf("Expected no trades, got %d", len(trades))
	}
	if ob.Crossed() {
		t.Errorf("Expected quiescent book")
	}
}

func TestOrderBook_TimePriorityAtSamePrice(t *testing.T) {
	ob := NewOrderBook("AAPL")
	first := createTestOrder("s1", models.Sell, "100", "1")
	second := createTestOrder("s2", models.Sell, "100", "1")
	ob.Insert(first)
	ob.Insert(second)
	ob.Insert(createTestOrder("b1", models.Buy, "100", "1"))

	trades := ob.Match(time.Now())

	if len(trades) != 1 || trades[0].SellOrderID != "s1" {
		t.Fatalf("Expected the earlier ask to fill first, got %+v", trades)
	}
	if ob.BestAsk() != second {
		t.Errorf("Expected s2 to remain on top")
	}
}

func TestOrderBook_Remove(t *testing.T) {
	ob := NewOrderBook("AAPL")
	ob.Insert(createTestOrder("b1", models.Buy, "100", "1"))
	ob.Insert(createTestOrder("b2", models.Buy, "101", "1"))
	ob.Insert(createTestOrder("b3", models.Buy, "99", "1"))

	if _, ok := ob.Remove("b2"); !ok {
		t.Fatalf("Expected b2 to be removed")
	}
	if _, ok := ob.Remove("b2"); ok {
		t.Errorf("Expected second removal to fail")
	}
	if best := ob.BestBid(); best == nil || best.ID != "b1" {
		t.Errorf("Expected b1 as best bid after removal")
	}
}

func TestOrderBook_SortedViews(t *testing.T) {
	ob := NewOrderBook("AAPL")
	ob.Insert(createTestOrder("b1", models.Buy, "100", "1"))
	ob.Insert(createTestOrder("b2", models.Buy, "102", "1"))
	ob.Insert(createTestOrder("b3", models.Buy, "100", "1"))
	ob.Insert(createTestOrder("s1", models.Sell, "105", "1"))
	ob.Insert(createTestOrder("s2", models.Sell, "103", "1"))

	bids := ob.Bids()
	want := []string{"b2", "b1", "b3"}
	for i, id := range want {
		if bids[i].ID != id {
			t.Errorf("bids[%d]: expected %s, got %s", i, id, bids[i].ID)
		}
	}
	asks := ob.Asks()
	if asks[0].ID != "s2" || asks[1].ID != "s1" {
		t.Errorf("Expected asks ascending, got %s,%s", asks[0].ID, asks[1].ID)
	}

	// views are copies
	bids[0].Quantity = decimal.NewFromInt(99)
	if ob.BestBid().Remaining().Equal(decimal.NewFromInt(99)) {
		t.Errorf("Expected view mutation not to reach the book")
	}
}

func TestOrderBook_GetDepth(t *testing.T) {
	ob := NewOrderBook("AAPL")
	ob.Insert(createTestOrder("b1", models.Buy, "100", "1"))
	ob.Insert(createTestOrder("b2", models.Buy, "100", "2"))
	ob.Insert(createTestOrder("b3", models.Buy, "99", "1"))
	ob.Insert(createTestOrder("b4", models.Buy, "98", "1"))

	bids, asks := ob.Depth(2)

	if len(bids) != 2 {
		t.Fatalf("Expected 2 bid levels, got %d", len(bids))
	}
	if !bids[0].Volume.Equal(decimal.NewFromInt(3)) || bids[0].Orders != 2 {
		t.Errorf("Expected level 100 to aggregate 3 over 2 orders, got %s/%d", bids[0].Volume, bids[0].Orders)
	}
	if len(asks) != 0 {
		t.Errorf("Expected no ask levels, got %d", len(asks))
	}
}
