package engine

import (
	"sync"

	"marketron/internal/models"
)

// OrderBookManager owns one order book per symbol of the universe.
// Books are created lazily on first use. Because books are keyed by symbol a
// bid can only ever meet an ask of the same symbol.
type OrderBookManager struct {
	universe *models.Universe

	// Map of symbol -> order book
	books map[string]*OrderBook

	// Mutex for protecting the books map
	mu sync.RWMutex
}

func NewOrderBookManager(universe *models.Universe) *OrderBookManager {
	return &OrderBookManager{
		universe: universe,
		books:    make(map[string]*OrderBook),
	}
}

// GetOrderBook returns the order book for a symbol, creating one if needed.
// Symbols outside the universe have no book.
func (m *OrderBookManager) GetOrderBook(symbol string) (*OrderBook, bool) {
	m.mu.RLock()
	ob, exists := m.books[symbol]
	m.mu.RUnlock()

	if exists {
		return ob, true
	}
	if !m.universe.Contains(symbol) {
		return nil, false
	}

	// Create new order book (double-check locking)
	m.mu.Lock()
	defer m.mu.Unlock()

	if ob, exists = m.books[symbol]; exists {
		return ob, true
	}

	ob = NewOrderBook(symbol)
	m.books[symbol] = ob
	return ob, true
}

// Peek returns an existing book without creating one.
func (m *OrderBookManager) Peek(symbol string) *OrderBook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.books[symbol]
}

// FindOrder searches every book for a resting order.
func (m *OrderBookManager) FindOrder(orderID string) (*OrderBook, *OrderWrapper) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ob := range m.books {
		if o := ob.GetOrder(orderID); o != nil {
			return ob, o
		}
	}
	return nil, nil
}

// Books returns the existing books in universe order.
func (m *OrderBookManager) Books() []*OrderBook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*OrderBook, 0, len(m.books))
	for _, symbol := range m.universe.Codes() {
		if ob, ok := m.books[symbol]; ok {
			out = append(out, ob)
		}
	}
	return out
}

// ListSymbols returns the symbols with an order book.
func (m *OrderBookManager) ListSymbols() []string {
	books := m.Books()
	out := make([]string, len(books))
	for i, ob := range books {
		out[i] = ob.Symbol()
	}
	return out
}

func (m *OrderBookManager) GetOrderBookCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.books)
}

// TotalOrders counts resting orders across all books.
func (m *OrderBookManager) TotalOrders() int {
	total := 0
	for _, ob := range m.Books() {
		total += ob.GetOrderCount()
	}
	return total
}

// Reset drops every book.
func (m *OrderBookManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books = make(map[string]*OrderBook)
}
