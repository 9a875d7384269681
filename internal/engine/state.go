package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"marketron/internal/models"
)

// State returns a deep copy of the engine state in snapshot layout.
func (e *Engine) State() models.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() models.State {
	s := models.EmptyState()
	for _, ob := range e.books.Books() {
		s.OrderBook.Bids = append(s.OrderBook.Bids, ob.Bids()...)
		s.OrderBook.Asks = append(s.OrderBook.Asks, ob.Asks()...)
	}
	for _, t := range e.trades {
		s.Trades = append(s.Trades, t.Clone())
	}
	if ps, ok := e.oracle.(PriceStateStore); ok {
		s.PriceState = ps.State()
	}
	s.Stops = e.stops.List(e.universe)
	return s
}

// Restore replaces the engine state. Bids and asks are re-inserted in list
// order so time priority within a price level survives. Nothing is applied
// unless the whole state is valid and every restored book is quiescent.
func (e *Engine) Restore(s models.State) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	books := NewOrderBookManager(e.universe)
	orders := make(map[string]*models.Order)
	var seq uint64

	insert := func(list []*models.Order, side models.Side) error {
		for i, src := range list {
			if err := e.restorable(src, side, orders); err != nil {
				return fmt.Errorf("%s[%d]: %w", sideKey(side), i, err)
			}
			o := src.Clone()
			book, _ := books.GetOrderBook(o.Symbol)
			seq++
			book.Insert(NewOrderWrapper(o, seq))
			orders[o.ID] = o
		}
		return nil
	}
	if err := insert(s.OrderBook.Bids, models.Buy); err != nil {
		return err
	}
	if err := insert(s.OrderBook.Asks, models.Sell); err != nil {
		return err
	}
	for _, ob := range books.Books() {
		if ob.Crossed() {
			return fmt.Errorf("book %s is crossed", ob.Symbol())
		}
	}

	stops := NewStopBook()
	for i, src := range s.Stops {
		if src == nil || !src.IsStop() {
			return fmt.Errorf("stops[%d]: not a stop order", i)
		}
		if err := e.checkOrder(src, orders); err != nil {
			return fmt.Errorf("stops[%d]: %w", i, err)
		}
		o := src.Clone()
		stops.Add(o)
		orders[o.ID] = o
	}

	trades := make([]models.Trade, 0, len(s.Trades))
	for i, t := range s.Trades {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("trades[%d]: %w", i, err)
		}
		if !e.universe.Contains(t.Symbol) {
			return fmt.Errorf("trades[%d]: unknown symbol %q", i, t.Symbol)
		}
		trades = append(trades, t.Clone())
	}

	if ps, ok := e.oracle.(PriceStateStore); ok {
		if err := ps.Restore(s.PriceState); err != nil {
			return fmt.Errorf("priceState: %w", err)
		}
	}

	e.books = books
	e.stops = stops
	e.trades = trades
	e.orders = orders
	e.seq = seq
	return nil
}

func sideKey(s models.Side) string {
	if s == models.Buy {
		return "bids"
	}
	return "asks"
}

func (e *Engine) restorable(o *models.Order, side models.Side, seen map[string]*models.Order) error {
	if o == nil {
		return fmt.Errorf("null order")
	}
	if o.Side != side {
		return fmt.Errorf("order %s has side %s", o.ID, o.Side)
	}
	if o.IsStop() {
		return fmt.Errorf("order %s: untriggered stop in book", o.ID)
	}
	if !o.Price.Valid || !o.Price.Decimal.IsPositive() {
		return fmt.Errorf("order %s has no price", o.ID)
	}
	return e.checkOrder(o, seen)
}

func (e *Engine) checkOrder(o *models.Order, seen map[string]*models.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if !e.universe.Contains(o.Symbol) {
		return fmt.Errorf("unknown symbol %q", o.Symbol)
	}
	if _, dup := seen[o.ID]; dup {
		return fmt.Errorf("duplicate order id %s", o.ID)
	}
	return nil
}

// BookView is a side-effect-free copy of one symbol's book.
type BookView struct {
	Symbol    string              `json:"symbol"`
	Bids      []*models.Order     `json:"bids"`
	Asks      []*models.Order     `json:"asks"`
	BidLevels []OrderBookLevel    `json:"bidLevels"`
	AskLevels []OrderBookLevel    `json:"askLevels"`
	BestBid   decimal.NullDecimal `json:"bestBid"`
	BestAsk   decimal.NullDecimal `json:"bestAsk"`
	Spread    decimal.NullDecimal `json:"spread"`
}

func (e *Engine) Book(symbol string, levels int) (*BookView, error) {
	if !e.universe.Contains(symbol) {
		return nil, models.NewValidationError("symbol", fmt.Sprintf("unknown symbol %q", symbol))
	}
	if levels <= 0 {
		levels = 10
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	view := &BookView{
		Symbol:    symbol,
		Bids:      []*models.Order{},
		Asks:      []*models.Order{},
		BidLevels: []OrderBookLevel{},
		AskLevels: []OrderBookLevel{},
	}
	ob := e.books.Peek(symbol)
	if ob == nil {
		return view, nil
	}
	view.Bids = ob.Bids()
	view.Asks = ob.Asks()
	view.BidLevels, view.AskLevels = ob.Depth(levels)
	if bid := ob.BestBid(); bid != nil {
		view.BestBid = decimal.NewNullDecimal(bid.LimitPrice())
	}
	if ask := ob.BestAsk(); ask != nil {
		view.BestAsk = decimal.NewNullDecimal(ask.LimitPrice())
	}
	if view.BestBid.Valid && view.BestAsk.Valid {
		view.Spread = decimal.NewNullDecimal(view.BestAsk.Decimal.Sub(view.BestBid.Decimal))
	}
	return view, nil
}

type Ticker struct {
	Symbol     string              `json:"symbol"`
	BestBid    decimal.NullDecimal `json:"bestBid"`
	BestAsk    decimal.NullDecimal `json:"bestAsk"`
	LastPrice  decimal.NullDecimal `json:"lastPrice"`
	Reference  decimal.NullDecimal `json:"referencePrice"`
	Volume     decimal.Decimal     `json:"volume"`
	TradeCount int                 `json:"tradeCount"`
}

func (e *Engine) Ticker(symbol string) (*Ticker, error) {
	view, err := e.Book(symbol, 1)
	if err != nil {
		return nil, err
	}

	t := &Ticker{Symbol: symbol, BestBid: view.BestBid, BestAsk: view.BestAsk, Volume: decimal.Zero}
	if ref, ok := e.referencePrice(symbol); ok {
		t.Reference = decimal.NewNullDecimal(ref)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tr := range e.trades {
		if tr.Symbol != symbol {
			continue
		}
		t.LastPrice = decimal.NewNullDecimal(tr.Price)
		t.Volume = t.Volume.Add(tr.Quantity)
		t.TradeCount++
	}
	return t, nil
}

// Trades returns up to limit most recent trades in execution order.
// An empty symbol matches every symbol; limit <= 0 means no limit.
func (e *Engine) Trades(symbol string, limit int) []models.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []models.Trade
	for i := len(e.trades) - 1; i >= 0; i-- {
		t := e.trades[i]
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		out = append(out, t.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []models.Trade{}
	}
	return out
}

// Order looks up any order accepted since the last reset or restore.
func (e *Engine) Order(orderID string) (*models.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

func (e *Engine) Stops() []*models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops.List(e.universe)
}

type Stats struct {
	Books      int `json:"books"`
	Bids       int `json:"bids"`
	Asks       int `json:"asks"`
	Stops      int `json:"stops"`
	Trades     int `json:"trades"`
	EventsSent int `json:"eventsSent"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		Books:      e.books.GetOrderBookCount(),
		Stops:      e.stops.Len(),
		Trades:     len(e.trades),
		EventsSent: int(e.eventSeq),
	}
	for _, ob := range e.books.Books() {
		s.Bids += ob.BidCount()
		s.Asks += ob.AskCount()
	}
	return s
}
