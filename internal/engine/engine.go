package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketron/internal/models"
)

var ErrOrderNotFound = errors.New("order not found")

// PriceOracle supplies the reference price of a symbol.
type PriceOracle interface {
	CurrentPrice(symbol string) (decimal.Decimal, bool)
}

// PriceStateStore is implemented by oracles whose state is persisted and
// reset together with the book. Restore and Reset must not notify listeners.
type PriceStateStore interface {
	State() models.PriceState
	Restore(models.PriceState) error
	Reset()
}

// Snapshotter durably writes the full engine state.
type Snapshotter interface {
	Snapshot(ctx context.Context, state models.State) error
}

// DefaultWarningThreshold is the relative distance from the reference price
// beyond which a limit price is flagged.
var DefaultWarningThreshold = decimal.NewFromFloat(0.20)

type Config struct {
	Universe         *models.Universe
	Oracle           PriceOracle
	Logger           *zap.SugaredLogger
	WarningThreshold decimal.Decimal
	Clock            func() time.Time
}

// Acceptance is the result of a submission or of a stop trigger pass.
// Orders reflect their state after matching.
type Acceptance struct {
	ComboID       string           `json:"comboId,omitempty"`
	Orders        []*models.Order  `json:"orders"`
	Trades        []models.Trade   `json:"trades"`
	Warnings      []PriceWarning   `json:"warnings,omitempty"`
	Rejected      []*models.Order  `json:"rejected,omitempty"`
	Persisted     bool             `json:"persisted"`
	SnapshotError string           `json:"snapshotError,omitempty"`
	live          []*models.Order
}

func (a *Acceptance) finalize() {
	a.Orders = make([]*models.Order, len(a.live))
	for i, o := range a.live {
		a.Orders[i] = o.Clone()
	}
	if a.Trades == nil {
		a.Trades = []models.Trade{}
	}
}

// Engine is the single matching actor. One mutex serializes submissions,
// stop triggers, cancels, resets and restores; queries return copies.
type Engine struct {
	mu sync.Mutex

	universe    *models.Universe
	books       *OrderBookManager
	stops       *StopBook
	trades      []models.Trade
	orders      map[string]*models.Order
	oracle      PriceOracle
	sinks       []Sink
	snapshotter Snapshotter
	logger      *zap.SugaredLogger
	clock       func() time.Time
	threshold   decimal.Decimal

	seq      uint64
	eventSeq uint64
}

func New(cfg Config) *Engine {
	if cfg.Universe == nil {
		cfg.Universe = models.DefaultUniverse()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if !cfg.WarningThreshold.IsPositive() {
		cfg.WarningThreshold = DefaultWarningThreshold
	}
	return &Engine{
		universe:  cfg.Universe,
		books:     NewOrderBookManager(cfg.Universe),
		stops:     NewStopBook(),
		orders:    make(map[string]*models.Order),
		oracle:    cfg.Oracle,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		threshold: cfg.WarningThreshold,
	}
}

func (e *Engine) Universe() *models.Universe { return e.universe }

func (e *Engine) AddSink(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

func (e *Engine) SetSnapshotter(s Snapshotter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshotter = s
}

// Submit validates, prices, inserts and matches an order request. A combo is
// decomposed first and every leg then goes through the same path. Market legs
// are priced up front so a combo is either accepted whole or rejected whole.
func (e *Engine) Submit(ctx context.Context, req models.OrderRequest) (*Acceptance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	parent, err := models.NewOrder(req, e.universe, now)
	if err != nil {
		return nil, err
	}
	e.emit(Event{Type: EventOrderSubmitted, Symbol: parent.Symbol, Order: parent.Clone()})

	orders, err := models.DecomposeCombo(parent)
	if err != nil {
		e.reject(parent, err)
		return nil, err
	}

	if err := e.prePrice(orders); err != nil {
		e.reject(parent, err)
		return nil, err
	}

	acc := &Acceptance{}
	if parent.IsCombo {
		acc.ComboID = parent.ID
	}
	for _, o := range orders {
		if err = e.accept(o, now, acc); err != nil {
			break
		}
	}

	e.persistInto(ctx, acc)
	acc.finalize()
	if err != nil {
		return acc, err
	}
	return acc, nil
}

// prePrice checks that every market order of a submission can be priced.
// Once an earlier order of the same submission rests in a symbol's book, the
// opposing side seen now may be gone by the time a later market order is
// placed, so such an order needs an oracle reference price.
func (e *Engine) prePrice(orders []*models.Order) error {
	touched := make(map[string]bool, len(orders))
	for _, o := range orders {
		if o.Type == models.Market {
			if touched[o.Symbol] {
				if _, ok := e.referencePrice(o.Symbol); !ok {
					return &models.NoReferencePriceError{Symbol: o.Symbol}
				}
			} else if _, err := e.marketPrice(o); err != nil {
				return err
			}
		}
		if !o.IsStop() {
			touched[o.Symbol] = true
		}
	}
	return nil
}

func (e *Engine) accept(o *models.Order, now time.Time, acc *Acceptance) error {
	if !o.IsStop() {
		return e.place(o, now, acc, false)
	}

	e.checkPrice(o, acc)
	e.stops.Add(o)
	e.orders[o.ID] = o
	acc.live = append(acc.live, o)
	e.emit(Event{Type: EventOrderAccepted, Symbol: o.Symbol, Order: o.Clone(), Reason: "pending stop"})
	e.logger.Debugw("⏸️ Stop order parked", "order_id", o.ID, "symbol", o.Symbol, "stop_price", o.StopPrice.Decimal)
	return nil
}

// place prices a non-stop order, rests it in its book and matches to fixpoint.
// A triggered stop was already checked and accepted when it was parked, so it
// skips the price check and the acceptance event.
func (e *Engine) place(o *models.Order, now time.Time, acc *Acceptance, triggered bool) error {
	book, ok := e.books.GetOrderBook(o.Symbol)
	if !ok {
		err := models.NewValidationError("symbol", fmt.Sprintf("unknown symbol %q", o.Symbol))
		e.reject(o, err)
		return err
	}

	if o.Type == models.Market {
		price, err := e.marketPrice(o)
		if err != nil {
			e.reject(o, err)
			acc.Rejected = append(acc.Rejected, o.Clone())
			return err
		}
		o.Price = decimal.NewNullDecimal(price)
	} else if !triggered {
		e.checkPrice(o, acc)
	}

	e.seq++
	book.Insert(NewOrderWrapper(o, e.seq))
	e.orders[o.ID] = o
	acc.live = append(acc.live, o)
	if !triggered {
		e.emit(Event{Type: EventOrderAccepted, Symbol: o.Symbol, Order: o.Clone(), Price: o.Price})
	}

	trades := book.Match(now)
	for _, t := range trades {
		e.trades = append(e.trades, t)
		tc := t.Clone()
		e.emit(Event{Type: EventTradeExecuted, Symbol: t.Symbol, Trade: &tc, Price: decimal.NewNullDecimal(t.Price)})
	}
	acc.Trades = append(acc.Trades, trades...)

	if len(trades) > 0 {
		e.logger.Infow("🤝 Orders matched", "symbol", o.Symbol, "order_id", o.ID, "trades", len(trades))
	}
	return nil
}

// marketPrice resolves a market order's price: the opposing best of the same
// symbol, else the oracle reference price.
func (e *Engine) marketPrice(o *models.Order) (decimal.Decimal, error) {
	if book := e.books.Peek(o.Symbol); book != nil {
		if best := book.BestOpposing(o.Side); best != nil {
			return best.LimitPrice(), nil
		}
	}
	if ref, ok := e.referencePrice(o.Symbol); ok {
		return ref, nil
	}
	return decimal.Zero, &models.NoReferencePriceError{Symbol: o.Symbol}
}

func (e *Engine) referencePrice(symbol string) (decimal.Decimal, bool) {
	if e.oracle == nil {
		return decimal.Zero, false
	}
	ref, ok := e.oracle.CurrentPrice(symbol)
	if !ok || !ref.IsPositive() {
		return decimal.Zero, false
	}
	return ref, true
}

// checkPrice flags a BUY priced above reference*(1+threshold) or a SELL
// priced below reference*(1-threshold).
func (e *Engine) checkPrice(o *models.Order, acc *Acceptance) {
	if !o.Type.RequiresPrice() {
		return
	}
	ref, ok := e.referencePrice(o.Symbol)
	if !ok {
		return
	}

	price := o.LimitPrice()
	one := decimal.NewFromInt(1)
	pct := e.threshold.Mul(decimal.NewFromInt(100)).StringFixed(0)

	var msg string
	switch {
	case o.Side == models.Buy && price.GreaterThan(ref.Mul(one.Add(e.threshold))):
		msg = fmt.Sprintf("BUY price %s is more than %s%% above reference %s", price, pct, ref)
	case o.Side == models.Sell && price.LessThan(ref.Mul(one.Sub(e.threshold))):
		msg = fmt.Sprintf("SELL price %s is more than %s%% below reference %s", price, pct, ref)
	default:
		return
	}

	w := PriceWarning{
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Price:     price,
		Reference: ref,
		Deviation: price.Sub(ref).Div(ref).Round(4),
		Message:   msg,
	}
	acc.Warnings = append(acc.Warnings, w)
	e.emit(Event{Type: EventPriceWarning, Symbol: o.Symbol, Warning: &w, Price: decimal.NewNullDecimal(price)})
	e.logger.Warnw("⚠️ Limit price far from reference", "order_id", o.ID, "symbol", o.Symbol, "price", price, "reference", ref)
}

func (e *Engine) reject(o *models.Order, err error) {
	e.emit(Event{Type: EventOrderRejected, Symbol: o.Symbol, Order: o.Clone(), Reason: err.Error()})
	e.logger.Infow("🚫 Order rejected", "order_id", o.ID, "symbol", o.Symbol, "reason", err)
}

// OnPriceUpdate is called after the reference price of symbol changed. It
// fires the stops the new price crosses: STOP becomes MARKET, STOP_LIMIT
// becomes LIMIT, and each goes through normal placement.
func (e *Engine) OnPriceUpdate(ctx context.Context, symbol string, price decimal.Decimal) *Acceptance {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	e.emit(Event{Type: EventPriceUpdated, Symbol: symbol, Price: decimal.NewNullDecimal(price)})

	acc := &Acceptance{}
	for _, o := range e.stops.Trigger(symbol, price) {
		if o.Type == models.StopLimit {
			o.Type = models.Limit
		} else {
			o.Type = models.Market
		}
		e.emit(Event{Type: EventStopTriggered, Symbol: symbol, Order: o.Clone(), Price: decimal.NewNullDecimal(price)})
		e.logger.Infow("🎯 Stop triggered", "order_id", o.ID, "symbol", symbol, "reference", price, "type", o.Type)

		if err := e.place(o, now, acc, true); err != nil {
			o.Status = models.Cancelled
			delete(e.orders, o.ID)
		}
	}

	e.persistInto(ctx, acc)
	acc.finalize()
	return acc
}

// Cancel removes a resting order or a pending stop.
func (e *Engine) Cancel(ctx context.Context, orderID string) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var o *models.Order
	if book, w := e.books.FindOrder(orderID); w != nil {
		book.Remove(orderID)
		o = w.Order
	} else if stop, ok := e.stops.Remove(orderID); ok {
		o = stop
	} else {
		return nil, ErrOrderNotFound
	}

	o.Status = models.Cancelled
	e.emit(Event{Type: EventOrderCancelled, Symbol: o.Symbol, Order: o.Clone()})
	if err := e.persist(ctx); err != nil {
		e.logger.Errorw("💾 Snapshot after cancel failed", "error", err)
	}
	return o.Clone(), nil
}

// Reset wipes the book, pending stops, trade history and price state.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetLocked()
	e.emit(Event{Type: EventStateReset, Reason: "full reset"})
	e.logger.Infow("🧹 Engine state reset")
	return e.persist(ctx)
}

func (e *Engine) resetLocked() {
	e.books.Reset()
	e.stops = NewStopBook()
	e.trades = nil
	e.orders = make(map[string]*models.Order)
	e.seq = 0
	if ps, ok := e.oracle.(PriceStateStore); ok {
		ps.Reset()
	}
}

// Snapshot writes the current state through the configured snapshotter.
func (e *Engine) Snapshot(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.persist(ctx)
}

func (e *Engine) persist(ctx context.Context) error {
	if e.snapshotter == nil {
		return nil
	}
	return e.snapshotter.Snapshot(context.WithoutCancel(ctx), e.stateLocked())
}

func (e *Engine) persistInto(ctx context.Context, acc *Acceptance) {
	if e.snapshotter == nil {
		return
	}
	if err := e.persist(ctx); err != nil {
		acc.SnapshotError = err.Error()
		e.logger.Errorw("💾 Snapshot failed", "error", err)
		return
	}
	acc.Persisted = true
}

func (e *Engine) emit(ev Event) {
	e.eventSeq++
	ev.Sequence = e.eventSeq
	ev.ID = uuid.NewString()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock()
	}
	for _, s := range e.sinks {
		s.Handle(ev)
	}
}
