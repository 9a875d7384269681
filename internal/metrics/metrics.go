package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketron/internal/engine"
	"marketron/internal/resilience"
)

// Metrics holds all application metrics. Everything is registered on the
// registry passed to New so tests can build as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Engine metrics
	OrdersSubmitted *prometheus.CounterVec
	OrdersAccepted  *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	StopsTriggered  *prometheus.CounterVec
	PriceWarnings   *prometheus.CounterVec
	PriceUpdates    *prometheus.CounterVec
	StateResets     prometheus.Counter

	// Trade metrics
	TradesTotal *prometheus.CounterVec
	TradeVolume *prometheus.CounterVec
	TradeValue  *prometheus.CounterVec

	// Persistence metrics
	SnapshotsTotal   *prometheus.CounterVec
	SnapshotDuration *prometheus.HistogramVec
	Corruptions      *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec

	// WebSocket metrics
	WSConnections  prometheus.Gauge
	WSMessagesSent *prometheus.CounterVec
}

// New registers every metric, plus the Go runtime and process collectors,
// on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		OrdersSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orders_submitted_total",
				Help: "Orders received by the engine",
			},
			[]string{"symbol", "order_type"},
		),
		OrdersAccepted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orders_accepted_total",
				Help: "Orders accepted into a book",
			},
			[]string{"symbol"},
		),
		OrdersRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orders_rejected_total",
				Help: "Orders rejected by the engine",
			},
			[]string{"symbol"},
		),
		OrdersCancelled: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orders_cancelled_total",
				Help: "Orders cancelled",
			},
			[]string{"symbol"},
		),
		StopsTriggered: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stops_triggered_total",
				Help: "Stop orders activated by a reference price move",
			},
			[]string{"symbol"},
		),
		PriceWarnings: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_warnings_total",
				Help: "Limit orders priced far from the reference price",
			},
			[]string{"symbol"},
		),
		PriceUpdates: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reference_price_updates_total",
				Help: "Reference price updates applied",
			},
			[]string{"symbol"},
		),
		StateResets: f.NewCounter(
			prometheus.CounterOpts{
				Name: "engine_state_resets_total",
				Help: "Times the engine state was reset to empty",
			},
		),

		TradesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trades_total",
				Help: "Total number of trades executed",
			},
			[]string{"symbol"},
		),
		TradeVolume: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trade_volume_total",
				Help: "Total traded quantity by symbol",
			},
			[]string{"symbol"},
		),
		TradeValue: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trade_value_total",
				Help: "Total traded notional by symbol",
			},
			[]string{"symbol"},
		),

		SnapshotsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapshots_total",
				Help: "Snapshot writes by backend and result",
			},
			[]string{"backend", "result"},
		),
		SnapshotDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "snapshot_duration_seconds",
				Help:    "Snapshot write latency in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"backend"},
		),
		Corruptions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapshot_corruptions_total",
				Help: "Persisted snapshots discarded as corrupted",
			},
			[]string{"backend"},
		),
		BreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"name"},
		),

		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "ws_connections_active",
				Help: "Current number of active WebSocket connections",
			},
		),
		WSMessagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_messages_sent_total",
				Help: "Total number of WebSocket messages sent",
			},
			[]string{"type"},
		),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Handle implements engine.Sink.
func (m *Metrics) Handle(ev engine.Event) {
	switch ev.Type {
	case engine.EventOrderSubmitted:
		orderType := ""
		if ev.Order != nil {
			orderType = string(ev.Order.Type)
		}
		m.OrdersSubmitted.WithLabelValues(ev.Symbol, orderType).Inc()
	case engine.EventOrderAccepted:
		m.OrdersAccepted.WithLabelValues(ev.Symbol).Inc()
	case engine.EventOrderRejected:
		m.OrdersRejected.WithLabelValues(ev.Symbol).Inc()
	case engine.EventOrderCancelled:
		m.OrdersCancelled.WithLabelValues(ev.Symbol).Inc()
	case engine.EventStopTriggered:
		m.StopsTriggered.WithLabelValues(ev.Symbol).Inc()
	case engine.EventPriceWarning:
		m.PriceWarnings.WithLabelValues(ev.Symbol).Inc()
	case engine.EventPriceUpdated:
		m.PriceUpdates.WithLabelValues(ev.Symbol).Inc()
	case engine.EventStateReset:
		m.StateResets.Inc()
	case engine.EventTradeExecuted:
		if ev.Trade == nil {
			return
		}
		m.TradesTotal.WithLabelValues(ev.Symbol).Inc()
		m.TradeVolume.WithLabelValues(ev.Symbol).Add(ev.Trade.Quantity.InexactFloat64())
		m.TradeValue.WithLabelValues(ev.Symbol).Add(ev.Trade.Notional().InexactFloat64())
	}
}

// ObserveSnapshot implements persistence.Observer.
func (m *Metrics) ObserveSnapshot(backend string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SnapshotsTotal.WithLabelValues(backend, result).Inc()
	m.SnapshotDuration.WithLabelValues(backend).Observe(took.Seconds())
}

// ObserveCorruption implements persistence.Observer.
func (m *Metrics) ObserveCorruption(backend string) {
	m.Corruptions.WithLabelValues(backend).Inc()
}

// TrackBreaker mirrors a circuit breaker's state into the gauge.
func (m *Metrics) TrackBreaker(cb *resilience.CircuitBreaker) {
	m.BreakerState.WithLabelValues(cb.Name()).Set(float64(cb.State()))
	cb.OnStateChange(func(name string, _, to resilience.CircuitState) {
		m.BreakerState.WithLabelValues(name).Set(float64(to))
	})
}

// BookSource reports resting order counts.
type BookSource interface {
	Stats() engine.Stats
}

// TrackBooks exposes resting bid, ask and stop counts, sampled at scrape
// time.
func (m *Metrics) TrackBooks(src BookSource) {
	f := promauto.With(m.registry)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "orderbook_resting_orders",
		Help:        "Resting orders across all books",
		ConstLabels: prometheus.Labels{"side": "BUY"},
	}, func() float64 { return float64(src.Stats().Bids) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "orderbook_resting_orders",
		Help:        "Resting orders across all books",
		ConstLabels: prometheus.Labels{"side": "SELL"},
	}, func() float64 { return float64(src.Stats().Asks) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "orderbook_pending_stops",
		Help: "Stop orders waiting for their trigger",
	}, func() float64 { return float64(src.Stats().Stops) })
}

func (m *Metrics) RecordWSSent(msgType string) {
	m.WSMessagesSent.WithLabelValues(msgType).Inc()
}

// GinMiddleware records request count, latency and in-flight requests,
// labelled by route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
