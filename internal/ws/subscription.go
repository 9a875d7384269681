package ws

import (
	"sort"
	"sync"
	"time"
)

// SubscriptionManager tracks which symbols each client follows.
// Both directions are indexed so fan-out by symbol and cleanup by client
// are map lookups.
type SubscriptionManager struct {
	// client ID -> set of symbols
	clientSubscriptions map[string]map[string]bool

	// symbol -> set of client IDs
	symbolSubscriptions map[string]map[string]bool

	mu sync.RWMutex
}

func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		clientSubscriptions: make(map[string]map[string]bool),
		symbolSubscriptions: make(map[string]map[string]bool),
	}
}

// Subscribe adds a subscription and reports whether it is new.
func (s *SubscriptionManager) Subscribe(clientID, symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clientSubscriptions[clientID] == nil {
		s.clientSubscriptions[clientID] = make(map[string]bool)
	}
	if s.clientSubscriptions[clientID][symbol] {
		return false
	}
	s.clientSubscriptions[clientID][symbol] = true

	if s.symbolSubscriptions[symbol] == nil {
		s.symbolSubscriptions[symbol] = make(map[string]bool)
	}
	s.symbolSubscriptions[symbol][clientID] = true
	return true
}

func (s *SubscriptionManager) Unsubscribe(clientID, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if symbols, ok := s.clientSubscriptions[clientID]; ok {
		delete(symbols, symbol)
		if len(symbols) == 0 {
			delete(s.clientSubscriptions, clientID)
		}
	}
	if clients, ok := s.symbolSubscriptions[symbol]; ok {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(s.symbolSubscriptions, symbol)
		}
	}
}

// UnsubscribeAll removes all subscriptions for a client.
func (s *SubscriptionManager) UnsubscribeAll(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for symbol := range s.clientSubscriptions[clientID] {
		if clients, ok := s.symbolSubscriptions[symbol]; ok {
			delete(clients, clientID)
			if len(clients) == 0 {
				delete(s.symbolSubscriptions, symbol)
			}
		}
	}
	delete(s.clientSubscriptions, clientID)
}

// Symbols returns the sorted symbols a client follows.
func (s *SubscriptionManager) Symbols(clientID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.clientSubscriptions[clientID]))
	for symbol := range s.clientSubscriptions[clientID] {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func (s *SubscriptionManager) Clients(symbol string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.symbolSubscriptions[symbol]))
	for id := range s.symbolSubscriptions[symbol] {
		out = append(out, id)
	}
	return out
}

func (s *SubscriptionManager) IsSubscribed(clientID, symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientSubscriptions[clientID][symbol]
}

// Counts returns subscriber counts per symbol.
func (s *SubscriptionManager) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.symbolSubscriptions))
	for symbol, clients := range s.symbolSubscriptions {
		out[symbol] = len(clients)
	}
	return out
}

// ClientMessage is a subscription request from a client:
//
//	{"action":"subscribe","symbols":["AAPL","MSFT"]}
//	{"action":"unsubscribe","symbols":["AAPL"]}
type ClientMessage struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

type MessageType string

const (
	MessageSnapshot        MessageType = "snapshot"
	MessageEvent           MessageType = "event"
	MessageHeartbeat       MessageType = "heartbeat"
	MessageError           MessageType = "error"
	MessageSubscriptionAck MessageType = "subscription_ack"
)

// Message is the envelope for everything the server pushes.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Symbol    string      `json:"symbol,omitempty"`
	Sequence  uint64      `json:"sequence,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

type SubscriptionAck struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
	Active  []string `json:"active"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newMessage(t MessageType, symbol string, data interface{}) *Message {
	return &Message{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Symbol:    symbol,
		Data:      data,
	}
}

func newErrorMessage(code, message string) *Message {
	return newMessage(MessageError, "", ErrorData{Code: code, Message: message})
}
