package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketron/internal/audit"
	"marketron/internal/engine"
	"marketron/internal/middleware"
	"marketron/internal/models"
	"marketron/internal/oracle"
)

const (
	defaultBookLevels = 10
	maxBookLevels     = 100
	defaultTradeLimit = 100
	maxTradeLimit     = 1000
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

type Handler struct {
	engine   *engine.Engine
	prices   *oracle.PriceTable
	timeline *audit.Timeline
	logger   *zap.SugaredLogger
}

func NewHandler(eng *engine.Engine, prices *oracle.PriceTable, timeline *audit.Timeline, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{
		engine:   eng,
		prices:   prices,
		timeline: timeline,
		logger:   logger,
	}
}

// SubmitOrder accepts a single or combo order. Sender routing defaults to
// the authenticated session when the body leaves it empty.
func (h *Handler) SubmitOrder(c *gin.Context) {
	var req models.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	if claims, ok := middleware.GetClaims(c); ok {
		if req.Routing.SenderCompID == "" {
			req.Routing.SenderCompID = claims.SenderCompID
		}
		if req.Routing.SenderSubID == "" {
			req.Routing.SenderSubID = claims.SenderSubID
		}
	}

	acc, err := h.engine.Submit(c.Request.Context(), req)
	if err != nil {
		h.logger.Infow("⚠️ Order rejected",
			"symbol", req.Symbol, "type", req.OrderType, "side", req.Side,
			"request_id", middleware.GetRequestID(c), "error", err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, acc)
}

func (h *Handler) CancelOrder(c *gin.Context) {
	order, err := h.engine.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) GetOrder(c *gin.Context) {
	order, ok := h.engine.Order(c.Param("id"))
	if !ok {
		AbortWithError(c, http.StatusNotFound, ErrCodeNotFound, "order not found")
		return
	}
	c.JSON(http.StatusOK, order)
}

// SymbolInfo is one entry of the tradable universe with its current quote.
type SymbolInfo struct {
	Code           string              `json:"code"`
	Name           string              `json:"name"`
	InitialPrice   decimal.Decimal     `json:"initialPrice"`
	ReferencePrice decimal.NullDecimal `json:"referencePrice"`
}

func (h *Handler) ListSymbols(c *gin.Context) {
	symbols := h.engine.Universe().Symbols()
	out := make([]SymbolInfo, 0, len(symbols))
	for _, s := range symbols {
		info := SymbolInfo{Code: s.Code, Name: s.Name, InitialPrice: s.InitialPrice}
		if price, ok := h.prices.CurrentPrice(s.Code); ok {
			info.ReferencePrice = decimal.NewNullDecimal(price)
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{
		"symbols": out,
		"count":   len(out),
	})
}

func (h *Handler) GetBook(c *gin.Context) {
	levels := parseIntOrDefault(c.Query("levels"), defaultBookLevels, maxBookLevels)
	view, err := h.engine.Book(symbolParam(c), levels)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) GetTicker(c *gin.Context) {
	ticker, err := h.engine.Ticker(symbolParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticker)
}

// GetTrades lists executed trades, oldest first. ?symbol= narrows the list.
func (h *Handler) GetTrades(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	if symbol != "" && !h.engine.Universe().Contains(symbol) {
		AbortWithErrorDetails(c, http.StatusBadRequest, ErrCodeInvalidSymbol, "unknown symbol",
			map[string]string{"symbol": symbol})
		return
	}
	limit := parseIntOrDefault(c.Query("limit"), defaultTradeLimit, maxTradeLimit)
	trades := h.engine.Trades(symbol, limit)
	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// PriceQuote is a reference price without its history.
type PriceQuote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	PreviousPrice decimal.Decimal `json:"previousPrice"`
	Change        decimal.Decimal `json:"change"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (h *Handler) ListPrices(c *gin.Context) {
	codes := h.engine.Universe().Codes()
	out := make([]PriceQuote, 0, len(codes))
	for _, code := range codes {
		rec, ok := h.prices.Quote(code)
		if !ok {
			continue
		}
		out = append(out, PriceQuote{
			Symbol:        code,
			Price:         rec.Price,
			PreviousPrice: rec.PreviousPrice,
			Change:        rec.Change,
			UpdatedAt:     rec.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"prices": out,
		"count":  len(out),
	})
}

func (h *Handler) GetPrice(c *gin.Context) {
	symbol := symbolParam(c)
	if !h.engine.Universe().Contains(symbol) {
		respondError(c, oracle.ErrUnknownSymbol)
		return
	}
	rec, ok := h.prices.Quote(symbol)
	if !ok {
		AbortWithErrorDetails(c, http.StatusNotFound, ErrCodeNotFound, "no reference price",
			map[string]string{"symbol": symbol})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"quote":  rec,
	})
}

type UpdatePriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// UpdatePrice moves the reference price. Stop orders on the symbol are
// evaluated by the engine's price listener.
func (h *Handler) UpdatePrice(c *gin.Context) {
	var req UpdatePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	symbol := symbolParam(c)
	rec, err := h.prices.Update(symbol, req.Price)
	if err != nil {
		respondError(c, err)
		return
	}

	h.logger.Infow("💹 Reference price updated", "symbol", symbol, "price", rec.Price.String(),
		"request_id", middleware.GetRequestID(c))
	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"quote":  rec,
	})
}

// GetAudit returns the event timeline, optionally for one order.
func (h *Handler) GetAudit(c *gin.Context) {
	if h.timeline == nil {
		AbortWithError(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "audit timeline not enabled")
		return
	}

	var entries []audit.Entry
	if id := c.Query("orderId"); id != "" {
		entries = h.timeline.ForOrder(id)
	} else {
		entries = h.timeline.Entries(parseIntOrDefault(c.Query("limit"), defaultAuditLimit, maxAuditLimit))
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

func symbolParam(c *gin.Context) string {
	return strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
}
