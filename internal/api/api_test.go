package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketron/internal/audit"
	"marketron/internal/engine"
	"marketron/internal/metrics"
	"marketron/internal/middleware"
	"marketron/internal/models"
	"marketron/internal/oracle"
)

type testServer struct {
	router *gin.Engine
	engine *engine.Engine
	prices *oracle.PriceTable
}

// setupTestRouter wires the HTTP surface to a real engine and price table.
// No database, cache or broker is involved.
func setupTestRouter(t *testing.T, seed bool, deps Dependencies) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	prices := oracle.NewPriceTable(models.DefaultUniverse(), oracle.DefaultHistoryWindow)
	if seed {
		prices.Seed()
	}
	eng := engine.New(engine.Config{Oracle: prices})
	prices.OnUpdate(func(symbol string, rec models.PriceRecord) {
		eng.OnPriceUpdate(context.Background(), symbol, rec.Price)
	})

	timeline := audit.NewTimeline(0)
	eng.AddSink(timeline)

	deps.Engine = eng
	deps.Prices = prices
	deps.Timeline = timeline
	router := gin.New()
	RegisterRoutes(router, deps)

	return &testServer{router: router, engine: eng, prices: prices}
}

func (s *testServer) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func limitOrder(symbol, side, qty, price string) map[string]any {
	return map[string]any{
		"symbol":    symbol,
		"orderType": "LIMIT",
		"side":      side,
		"quantity":  qty,
		"price":     price,
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestSubmitOrder_RestsAndShowsInBook(t *testing.T) {
	s := setupTestRouter(t, true, Dependencies{})

	w := s.do(t, http.MethodPost, "/api/orders", limitOrder("aapl", "buy", "10", "149.50"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	acc := decode[engine.Acceptance](t, w)
	require.Len(t, acc.Orders, 1)
	assert.Equal(t, "AAPL", acc.Orders[0].Symbol)
	assert.Equal(t, models.New, acc.Orders[0].Status)
	assert.Empty(t, acc.Trades)

	w = s.do(t, http.MethodGet, "/api/books/AAPL?levels=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	book := decode[engine.BookView](t, w)
	require.Len(t, book.Bids, 1)
	assert.True(t, book.BestBid.Valid)
	assert.True(t, decimal.RequireFromString("149.50").Equal(book.BestBid.Decimal))
	assert.False(t, book.BestAsk.Valid)
}

func TestSubmitOrder_CrossingTradesAtAsk(t *testing.T) {
	s := setupTestRouter(t, true, Dependencies{})

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/orders", limitOrder("MSFT", "SELL", "5", "300")).Code)
	w := s.do(t, http.MethodPost, "/api/orders", limitOrder("MSFT", "BUY", "3", "305"))
	require.Equal(t, http.StatusCreated, w.Code)

	acc := decode[engine.Acceptance](t, w)
	require.Len(t, acc.Trades, 1)
	assert.True(t, decimal.NewFromInt(300).Equal(acc.Trades[0].Price))
	assert.True(t, decimal.NewFromInt(3).Equal(acc.Trades[0].Quantity))

	w = s.do(t, http.MethodGet, "/api/trades?symbol=msft&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	trades := decode[struct {
		Trades []models.Trade `json:"trades"`
		Count  int            `json:"count"`
	}](t, w)
	assert.Equal(t, 1, trades.Count)

	w = s.do(t, http.MethodGet, "/api/books/MSFT/ticker", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ticker := decode[engine.Ticker](t, w)
	assert.Equal(t, 1, ticker.TradeCount)
	assert.True(t, ticker.LastPrice.Valid)
	assert.True(t, decimal.NewFromInt(300).Equal(ticker.LastPrice.Decimal))
}

func TestSubmitOrder_Validation(t *testing.T) {
	s := setupTestRouter(t, true, Dependencies{})

	tests := []struct {
		name     string
		body     any
		wantCode ErrorCode
	}{
		{name: "malformed_json", body: `{"symbol":`, wantCode: ErrCodeInvalidRequest},
		{name: "unknown_symbol", body: limitOrder("XYZ", "BUY", "1", "10"), wantCode: ErrCodeInvalidSymbol},
		{name: "zero_quantity", body: limitOrder("AAPL", "BUY", "0", "10"), wantCode: ErrCodeInvalidRequest},
		{name: "bad_side", body: limitOrder("AAPL", "HOLD", "1", "10"), wantCode: ErrCodeInvalidRequest},
		{
			name:     "limit_without_price",
			body:     map[string]any{"symbol": "AAPL", "orderType": "LIMIT", "side": "BUY", "quantity": "1"},
			wantCode: ErrCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/orders", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decode[ErrorResponse](t, w)
			assert.Equal(t, string(tt.wantCode), resp.Code)
		})
	}

	assert.Equal(t, 0, s.engine.Stats().Bids)
}

func TestSubmitOrder_MarketWithoutReference(t *testing.T) {
	s := setupTestRouter(t, false, Dependencies{})

	w := s.do(t, http.MethodPost, "/api/orders", map[string]any{
		"symbol": "TSLA", "orderType": "MARKET", "side": "BUY", "quantity": "1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, string(ErrCodeNoReferencePrice), resp.Code)
	assert.Equal(t, "TSLA", resp.Details["symbol"])
}

func TestSubmitOrder_Combo(t *testing.T) {
	s := setupTestRouter(t, true, Dependencies{})

	w := s.do(t, http.MethodPost, "/api/orders", map[string]any{
		"orderType": "LIMIT",
		"side":      "BUY",
		"quantity":  "2",
		"price":     "100",
		"isCombo":   true,
		"routing":   map[string]string{"clientOrderId": "SPREAD1"},
		"legs": []map[string]any{
			{"symbol": "AAPL", "ratio": 1, "side": "BUY"},
			{"symbol": "AMD", "ratio": 2, "side": "SELL"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	acc := decode[engine.Acceptance](t, w)
	assert.NotEmpty(t, acc.ComboID)
	require.Len(t, acc.Orders, 2)
	assert.Equal(t, "SPREAD1_AAPL", acc.Orders[0].Routing.ClientOrderID)
	assert.Equal(t, "SPREAD1_AMD", acc.Orders[1].Routing.ClientOrderID)
	assert.True(t, decimal.NewFromInt(4).Equal(acc.Orders[1].Quantity))
}

func TestCancelAndGetOrder(t *testing.T) {
	s := setupTestRouter(t, true, Dependencies{})

	w := s.do(t, http.MethodPost, "/api/orders", limitOrder("NVDA", "SELL", "1", "460"))
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[engine.Acceptance](t, w).Orders[0].ID

	w = s.do(t, http.MethodGet, "/api/orders/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, decode[models.Order](t, w).ID)

	w = s.do(t, http.MethodDelete, "/api/orders/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.Cancelled, decode[models.Order](t, w).Status)
	assert.Equal(t, 0, s.engine.Stats().Asks)

	w = s.do(t, http.MethodDelete, "/api/orders/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(ErrCodeNotFound), decode[ErrorResponse](t, w).Code)

	w = s.do(t, http.MethodGet, "/api/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdatePrice_TriggersStop(t *testing.T) {
	s := setupTestRouter(t, true, Dependencies{})

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/orders", limitOrder("AAPL", "BUY", "5", "139")).Code)
	w := s.do(t, http.MethodPost, "/api/orders", map[string]any{
		"symbol": "AAPL", "orderType": "STOP", "side": "SELL", "quantity": "5", "stopPrice": "140",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	stopID := decode[engine.Acceptance](t, w).Orders[0].ID
	assert.Len(t, s.engine.Stops(), 1)

	w = s.do(t, http.MethodPut, "/api/prices/aapl", map[string]string{"price": "139.5"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Empty(t, s.engine.Stops())
	order, ok := s.engine.Order(stopID)
	require.True(t, ok)
	assert.Equal(t, models.Filled, order.Status)
	assert.Equal(t, models.Market, order.Type)

	trades := s.engine.Trades("AAPL", 0)
	require.Len(t, trades, 1)
	assert.True(t, decimal.NewFromInt(139).Equal(trades[0].Price))

	w = s.do(t, http.MethodGet, "/api/prices/AAPL", nil)
	require.Equal(t, http.StatusOK, w.Code)
	quote := decode[struct {
		Quote models.PriceRecord `json:"quote"`
	}](t, w)
	assert.True(t, decimal.RequireFromString("139.5").Equal(quote.Quote.Price))
	assert.NotEmpty(t, quote.Quote.History)
}

func TestUpdatePrice_Errors(t *testing.T) {
	s := setupTestRouter(t, true, Dependencies{})

	w := s.do(t, http.MethodPut, "/api/prices/XYZ", map[string]string{"price": "10"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(ErrCodeInvalidSymbol), decode[ErrorResponse](t, w).Code)

	w = s.do(t, http.MethodPut, "/api/prices/AAPL", map[string]string{"price": "-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(ErrCodeInvalidRequest), decode[ErrorResponse](t, w).Code)
}

func TestListSymbolsAndPrices(t *testing.T) {
	s := setupTestRouter(t, true, Dependencies{})

	w := s.do(t, http.MethodGet, "/api/symbols", nil)
	require.Equal(t, http.StatusOK, w.Code)
	symbols := decode[struct {
		Symbols []SymbolInfo `json:"symbols"`
		Count   int          `json:"count"`
	}](t, w)
	assert.Equal(t, models.DefaultUniverse().Len(), symbols.Count)
	for _, sym := range symbols.Symbols {
		assert.True(t, sym.ReferencePrice.Valid, sym.Code)
	}

	w = s.do(t, http.MethodGet, "/api/prices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	prices := decode[struct {
		Prices []PriceQuote `json:"prices"`
	}](t, w)
	assert.Len(t, prices.Prices, models.DefaultUniverse().Len())

	w = s.do(t, http.MethodGet, "/api/books/XYZ", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(ErrCodeInvalidSymbol), decode[ErrorResponse](t, w).Code)
}

func TestGetAudit(t *testing.T) {
	s := setupTestRouter(t, true, Dependencies{})

	w := s.do(t, http.MethodPost, "/api/orders", limitOrder("AMD", "BUY", "1", "120"))
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[engine.Acceptance](t, w).Orders[0].ID
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/orders", limitOrder("AMD", "SELL", "1", "120")).Code)

	w = s.do(t, http.MethodGet, "/api/audit?orderId="+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[struct {
		Entries []audit.Entry `json:"entries"`
	}](t, w).Entries

	var types []engine.EventType
	for _, e := range entries {
		types = append(types, e.Type)
	}
	assert.Equal(t, []engine.EventType{
		engine.EventOrderSubmitted,
		engine.EventOrderAccepted,
		engine.EventTradeExecuted,
	}, types)

	w = s.do(t, http.MethodGet, "/api/audit?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[struct {
		Entries []audit.Entry `json:"entries"`
	}](t, w).Entries, 2)
}

func TestAdmin_ResetAndStats(t *testing.T) {
	s := setupTestRouter(t, true, Dependencies{
		Stats: map[string]StatsFunc{"custom": func() any { return map[string]int{"n": 1} }},
	})

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/orders", limitOrder("META", "BUY", "1", "330")).Code)

	w := s.do(t, http.MethodGet, "/admin/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[struct {
		Engine     engine.Stats   `json:"engine"`
		Components map[string]any `json:"components"`
	}](t, w)
	assert.Equal(t, 1, stats.Engine.Bids)
	assert.Contains(t, stats.Components, "custom")

	w = s.do(t, http.MethodPost, "/admin/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, s.engine.Stats().Bids)
	_, ok := s.prices.CurrentPrice("META")
	assert.False(t, ok)

	w = s.do(t, http.MethodPost, "/admin/snapshot", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdmin_HealthReportsDegradedDependency(t *testing.T) {
	s := setupTestRouter(t, true, Dependencies{
		HealthChecks: []HealthCheck{
			{Name: "redis", Check: func(context.Context) error { return nil }},
			{Name: "postgres", Check: func(context.Context) error { return errors.New("connection refused") }},
		},
	})

	w := s.do(t, http.MethodGet, "/admin/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "healthy", resp.Services["redis"])
	assert.Contains(t, resp.Services["postgres"], "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	s := setupTestRouter(t, true, Dependencies{Metrics: m})
	s.engine.AddSink(m)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/orders", limitOrder("AAPL", "BUY", "1", "150")).Code)

	w := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
	assert.Contains(t, w.Body.String(), "orders_accepted_total")
}

func TestAuth_RoutingFromClaims(t *testing.T) {
	auth := middleware.NewAuthMiddleware(middleware.DefaultAuthConfig("test-secret"))
	s := setupTestRouter(t, true, Dependencies{Auth: auth})

	w := s.do(t, http.MethodPost, "/api/orders", limitOrder("AAPL", "BUY", "1", "150"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/books/AAPL", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	token, err := auth.GenerateToken("FIRM1", "DESK7", "")
	require.NoError(t, err)
	w = s.do(t, http.MethodPost, "/api/orders", limitOrder("AAPL", "BUY", "1", "150"), "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusCreated, w.Code)
	order := decode[engine.Acceptance](t, w).Orders[0]
	assert.Equal(t, "FIRM1", order.Routing.SenderCompID)
	assert.Equal(t, "DESK7", order.Routing.SenderSubID)

	w = s.do(t, http.MethodPost, "/admin/reset", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin, err := auth.GenerateToken("OPS", "", middleware.RoleAdmin)
	require.NoError(t, err)
	w = s.do(t, http.MethodPost, "/admin/reset", nil, "Authorization", "Bearer "+admin)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestParseIntOrDefault(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 10},
		{"abc", 10},
		{"0", 10},
		{"-3", 10},
		{"25", 25},
		{"500", 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseIntOrDefault(tt.in, 10, 100), tt.in)
	}
}
