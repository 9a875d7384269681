package ws

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"marketron/internal/engine"
	"marketron/internal/metrics"
	"marketron/internal/models"
)

// Source provides the book and trade data sent in snapshots.
type Source interface {
	Universe() *models.Universe
	Book(symbol string, levels int) (*engine.BookView, error)
	Trades(symbol string, limit int) []models.Trade
}

// BookSnapshot is the payload of a snapshot message.
type BookSnapshot struct {
	Book   *engine.BookView `json:"book"`
	Trades []models.Trade   `json:"trades"`
}

type HubConfig struct {
	HeartbeatInterval time.Duration // Heartbeat interval (default: 30s)
	SnapshotLevels    int           // Price levels in a snapshot (default: 20)
	RecentTradesLimit int           // Recent trades in a snapshot (default: 50)
	EventBuffer       int           // Engine events waiting for fan-out (default: 1024)
}

func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		HeartbeatInterval: 30 * time.Second,
		SnapshotLevels:    20,
		RecentTradesLimit: 50,
		EventBuffer:       1024,
	}
}

// Hub pushes engine events to WebSocket clients subscribed to the event's
// symbol. It is an engine.Sink: Handle only enqueues, Run does the fan-out.
type Hub struct {
	source  Source
	config  *HubConfig
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	clients       map[string]*Client
	subscriptions *SubscriptionManager

	register   chan *Client
	unregister chan *Client
	events     chan engine.Event

	heartbeatSeq uint64
	dropped      atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex
}

func NewHub(source Source, cfg *HubConfig, m *metrics.Metrics, logger *zap.SugaredLogger) *Hub {
	def := DefaultHubConfig()
	if cfg == nil {
		cfg = def
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.SnapshotLevels <= 0 {
		cfg.SnapshotLevels = def.SnapshotLevels
	}
	if cfg.RecentTradesLimit <= 0 {
		cfg.RecentTradesLimit = def.RecentTradesLimit
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		source:        source,
		config:        cfg,
		logger:        logger,
		metrics:       m,
		clients:       make(map[string]*Client),
		subscriptions: NewSubscriptionManager(),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		events:        make(chan engine.Event, cfg.EventBuffer),
		stop:          make(chan struct{}),
	}
}

// Handle implements engine.Sink. A full buffer drops the event.
func (h *Hub) Handle(ev engine.Event) {
	select {
	case h.events <- ev:
	default:
		h.dropped.Add(1)
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			h.logger.Info("📡 WebSocket hub stopped")
			return

		case <-ticker.C:
			h.heartbeatSeq++
			msg := newMessage(MessageHeartbeat, "", nil)
			msg.Sequence = h.heartbeatSeq
			h.sendAll(msg)

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.WSConnections.Inc()
			}
			h.logger.Infow("📱 WS client registered", "client", client.id, "symbols", client.initial)
			h.subscribe(client, client.initial)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
				if h.metrics != nil {
					h.metrics.WSConnections.Dec()
				}
			}
			h.mu.Unlock()
			h.subscriptions.UnsubscribeAll(client.id)
			h.logger.Infow("📱 WS client unregistered", "client", client.id)

		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

// Stop gracefully stops the hub.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Register hands client to the run loop. It reports false once the hub has
// stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.stop:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stop:
	}
}

func (h *Hub) fanOut(ev engine.Event) {
	msg := newMessage(MessageEvent, ev.Symbol, ev)
	msg.Sequence = ev.Sequence

	// Events without a symbol (state.reset) concern every client.
	if ev.Symbol == "" {
		h.sendAll(msg)
		return
	}

	data := h.encode(msg)
	if data == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range h.subscriptions.Clients(ev.Symbol) {
		if client, ok := h.clients[id]; ok {
			h.deliver(client, MessageEvent, data)
		}
	}
}

func (h *Hub) sendAll(msg *Message) {
	data := h.encode(msg)
	if data == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		h.deliver(client, msg.Type, data)
	}
}

// subscribe validates symbols, records the subscriptions and sends the
// ack followed by a snapshot per newly followed symbol.
func (h *Hub) subscribe(client *Client, symbols []string) {
	var added []string
	for _, raw := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if !h.source.Universe().Contains(symbol) {
			h.send(client, newErrorMessage("UNKNOWN_SYMBOL", "unknown symbol: "+raw))
			continue
		}
		if h.subscriptions.Subscribe(client.id, symbol) {
			added = append(added, symbol)
		}
	}

	h.send(client, newMessage(MessageSubscriptionAck, "", SubscriptionAck{
		Action:  "subscribe",
		Symbols: added,
		Active:  h.subscriptions.Symbols(client.id),
	}))
	for _, symbol := range added {
		if snap := h.Snapshot(symbol); snap != nil {
			h.send(client, newMessage(MessageSnapshot, symbol, snap))
		}
	}
}

func (h *Hub) unsubscribe(client *Client, symbols []string) {
	removed := make([]string, 0, len(symbols))
	for _, raw := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		h.subscriptions.Unsubscribe(client.id, symbol)
		removed = append(removed, symbol)
	}
	h.send(client, newMessage(MessageSubscriptionAck, "", SubscriptionAck{
		Action:  "unsubscribe",
		Symbols: removed,
		Active:  h.subscriptions.Symbols(client.id),
	}))
}

// Snapshot returns the current book and recent trades for a symbol.
func (h *Hub) Snapshot(symbol string) *BookSnapshot {
	book, err := h.source.Book(symbol, h.config.SnapshotLevels)
	if err != nil {
		return nil
	}
	return &BookSnapshot{
		Book:   book,
		Trades: h.source.Trades(symbol, h.config.RecentTradesLimit),
	}
}

func (h *Hub) send(client *Client, msg *Message) {
	if data := h.encode(msg); data != nil {
		h.deliver(client, msg.Type, data)
	}
}

func (h *Hub) deliver(client *Client, t MessageType, data []byte) {
	select {
	case client.send <- data:
		if h.metrics != nil {
			h.metrics.RecordWSSent(string(t))
		}
	default:
		h.logger.Warnw("⚠️ WS client send buffer full, skipping", "client", client.id, "type", t)
	}
}

func (h *Hub) encode(msg *Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorw("⚠️ Failed to marshal WS message", "type", msg.Type, "error", err)
		return nil
	}
	return data
}

type HubStats struct {
	Clients       int            `json:"clients"`
	Subscriptions map[string]int `json:"subscriptions"`
	Dropped       int64          `json:"droppedEvents"`
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return HubStats{
		Clients:       n,
		Subscriptions: h.subscriptions.Counts(),
		Dropped:       h.dropped.Load(),
	}
}

func (h *Hub) Subscriptions() *SubscriptionManager {
	return h.subscriptions
}
