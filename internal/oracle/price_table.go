package oracle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketron/internal/models"
)

var (
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrInvalidPrice  = errors.New("price must be greater than 0")
)

// DefaultHistoryWindow bounds how much price history is kept per symbol.
const DefaultHistoryWindow = 15 * time.Minute

// Listener is notified after a price update, outside the table lock.
type Listener func(symbol string, rec models.PriceRecord)

// PriceTable holds the reference price of every symbol. All reads copy under
// a single read lock so a caller never sees a half-applied update.
type PriceTable struct {
	mu        sync.RWMutex
	universe  *models.Universe
	records   map[string]models.PriceRecord
	window    time.Duration
	clock     func() time.Time
	listeners []Listener
}

func NewPriceTable(universe *models.Universe, window time.Duration) *PriceTable {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &PriceTable{
		universe: universe,
		records:  make(map[string]models.PriceRecord),
		window:   window,
		clock:    time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (p *PriceTable) WithClock(clock func() time.Time) *PriceTable {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
	return p
}

// Seed sets every symbol with a configured initial price that has no
// price yet. Listeners are not notified.
func (p *PriceTable) Seed() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	n := 0
	for _, s := range p.universe.Symbols() {
		if !s.InitialPrice.IsPositive() {
			continue
		}
		if _, ok := p.records[s.Code]; ok {
			continue
		}
		p.records[s.Code] = models.PriceRecord{
			Price:         s.InitialPrice,
			PreviousPrice: s.InitialPrice,
			Change:        decimal.Zero,
			UpdatedAt:     now,
			History:       []models.PricePoint{{Price: s.InitialPrice, Timestamp: now}},
		}
		n++
	}
	return n
}

func (p *PriceTable) OnUpdate(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

func (p *PriceTable) CurrentPrice(symbol string) (decimal.Decimal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[symbol]
	if !ok {
		return decimal.Zero, false
	}
	return rec.Price, true
}

func (p *PriceTable) Quote(symbol string) (models.PriceRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[symbol]
	if !ok {
		return models.PriceRecord{}, false
	}
	return rec.Clone(), true
}

// Update records a new reference price and trims history older than the
// window. Listeners run after the lock is released.
func (p *PriceTable) Update(symbol string, price decimal.Decimal) (models.PriceRecord, error) {
	if !p.universe.Contains(symbol) {
		return models.PriceRecord{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if !price.IsPositive() {
		return models.PriceRecord{}, ErrInvalidPrice
	}

	p.mu.Lock()
	now := p.clock()
	rec, existed := p.records[symbol]
	prev := rec.Price
	if !existed {
		prev = price
	}
	rec.PreviousPrice = prev
	rec.Price = price
	rec.Change = price.Sub(prev)
	rec.UpdatedAt = now
	rec.History = trim(append(rec.History, models.PricePoint{Price: price, Timestamp: now}), now.Add(-p.window))
	p.records[symbol] = rec

	out := rec.Clone()
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.Unlock()

	for _, l := range listeners {
		l(symbol, out.Clone())
	}
	return out, nil
}

func trim(history []models.PricePoint, cutoff time.Time) []models.PricePoint {
	i := 0
	for i < len(history) && history[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return history
	}
	return append([]models.PricePoint(nil), history[i:]...)
}

func (p *PriceTable) History(symbol string) []models.PricePoint {
	rec, ok := p.Quote(symbol)
	if !ok {
		return []models.PricePoint{}
	}
	return rec.History
}

// State returns a copy of every price record.
func (p *PriceTable) State() models.PriceState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(models.PriceState, len(p.records))
	for k, v := range p.records {
		out[k] = v.Clone()
	}
	return out
}

// Restore replaces all records. Nothing changes unless every record is valid.
func (p *PriceTable) Restore(state models.PriceState) error {
	records := make(map[string]models.PriceRecord, len(state))
	for symbol, rec := range state {
		if !p.universe.Contains(symbol) {
			return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
		}
		if !rec.Price.IsPositive() {
			return fmt.Errorf("%s: %w", symbol, ErrInvalidPrice)
		}
		for i, pt := range rec.History {
			if !pt.Price.IsPositive() {
				return fmt.Errorf("%s history[%d]: %w", symbol, i, ErrInvalidPrice)
			}
		}
		records[symbol] = rec.Clone()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = records
	return nil
}

func (p *PriceTable) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = make(map[string]models.PriceRecord)
}
