package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"marketron/internal/audit"
	"marketron/internal/engine"
	"marketron/internal/metrics"
	"marketron/internal/middleware"
	"marketron/internal/oracle"
	"marketron/internal/ws"
)

// Dependencies are the components the HTTP surface is built on. Engine and
// Prices are required; everything else may be nil.
type Dependencies struct {
	Engine       *engine.Engine
	Prices       *oracle.PriceTable
	Timeline     *audit.Timeline
	Hub          *ws.Hub
	Metrics      *metrics.Metrics
	TradeCache   TradeCacheCleaner
	Auth         *middleware.AuthMiddleware
	RateLimit    *middleware.RateLimiter
	Origins      []string
	HealthChecks []HealthCheck
	Stats        map[string]StatsFunc
	Logger       *zap.SugaredLogger
}

func RegisterRoutes(r *gin.Engine, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	r.Use(middleware.RecoveryMiddleware(logger))
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.LoggingMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.GinMiddleware())
	}
	if len(deps.Origins) > 0 {
		r.Use(middleware.CORS(deps.Origins))
	}
	if deps.Auth != nil {
		r.Use(deps.Auth.GinMiddleware())
	}
	if deps.RateLimit != nil {
		r.Use(deps.RateLimit.GinMiddleware())
	}

	h := NewHandler(deps.Engine, deps.Prices, deps.Timeline, logger)
	adminHandler := NewAdminHandler(deps.Engine, deps.TradeCache, deps.Metrics, logger)
	for _, p := range deps.HealthChecks {
		adminHandler.AddHealthCheck(p)
	}
	for name, fn := range deps.Stats {
		adminHandler.AddStats(name, fn)
	}
	adminHandler.RegisterRoutes(r)

	api := r.Group("/api")
	{
		api.GET("/symbols", h.ListSymbols)
		api.GET("/books/:symbol", h.GetBook)
		api.GET("/books/:symbol/ticker", h.GetTicker)
		api.GET("/trades", h.GetTrades)
		api.GET("/prices", h.ListPrices)
		api.GET("/prices/:symbol", h.GetPrice)
		api.PUT("/prices/:symbol", h.UpdatePrice)

		api.POST("/orders", h.SubmitOrder)
		api.GET("/orders/:id", h.GetOrder)
		api.DELETE("/orders/:id", h.CancelOrder)
		api.GET("/audit", h.GetAudit)
	}

	if deps.Hub != nil {
		wsHandler := ws.NewHandler(deps.Hub)
		r.GET("/ws", wsHandler.HandleUpgrade)
		r.GET("/ws/:symbol", wsHandler.HandleUpgrade)
		r.GET("/ws/stats", wsHandler.HandleStats)
	}
}
