package api

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"marketron/internal/engine"
	"marketron/internal/metrics"
	"marketron/internal/middleware"
)

// HealthCheck checks one dependency for the health endpoint.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// StatsFunc reports the runtime statistics of one component.
type StatsFunc func() any

// TradeCacheCleaner drops cached recent trades for the given symbols.
type TradeCacheCleaner interface {
	ClearRecentTrades(ctx context.Context, symbols []string) error
}

// AdminHandler provides admin API endpoints.
type AdminHandler struct {
	engine  *engine.Engine
	cache   TradeCacheCleaner
	metrics *metrics.Metrics
	checks  []HealthCheck
	stats   map[string]StatsFunc
	logger  *zap.SugaredLogger
	started time.Time
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(eng *engine.Engine, cache TradeCacheCleaner, m *metrics.Metrics, logger *zap.SugaredLogger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AdminHandler{
		engine:  eng,
		cache:   cache,
		metrics: m,
		stats:   make(map[string]StatsFunc),
		logger:  logger,
		started: time.Now(),
	}
}

func (h *AdminHandler) AddHealthCheck(c HealthCheck) {
	h.checks = append(h.checks, c)
}

func (h *AdminHandler) AddStats(name string, fn StatsFunc) {
	h.stats[name] = fn
}

// RegisterRoutes registers admin routes. Mutating routes require the admin
// role when authentication is enabled.
func (h *AdminHandler) RegisterRoutes(r *gin.Engine) {
	admin := r.Group("/admin")
	{
		admin.GET("/health", h.Health)

		restricted := admin.Group("")
		restricted.Use(middleware.RequireRole(middleware.RoleAdmin))
		{
			restricted.GET("/stats", h.Stats)
			restricted.POST("/reset", h.Reset)
			restricted.POST("/snapshot", h.Snapshot)
		}
	}

	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Services  map[string]string `json:"services"`
	System    SystemInfo        `json:"system"`
}

// SystemInfo contains system information.
type SystemInfo struct {
	GoVersion  string  `json:"goVersion"`
	GoRoutines int     `json:"goroutines"`
	MemoryMB   float64 `json:"memoryMb"`
}

// Health reports "healthy" when every check passes and "degraded" otherwise.
// The engine itself has no external dependency, so the status code stays 200.
func (h *AdminHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	services := map[string]string{"engine": "healthy"}
	for _, p := range h.checks {
		if err := p.Check(ctx); err != nil {
			services[p.Name] = "unhealthy: " + err.Error()
			status = "degraded"
			continue
		}
		services[p.Name] = "healthy"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Services:  services,
		System: SystemInfo{
			GoVersion:  runtime.Version(),
			GoRoutines: runtime.NumGoroutine(),
			MemoryMB:   float64(getMemoryUsage()) / 1024 / 1024,
		},
	})
}

// Stats returns engine counters plus every registered component's stats.
func (h *AdminHandler) Stats(c *gin.Context) {
	components := make(map[string]any, len(h.stats))
	names := make([]string, 0, len(h.stats))
	for name := range h.stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		components[name] = h.stats[name]()
	}

	c.JSON(http.StatusOK, gin.H{
		"engine":     h.engine.Stats(),
		"components": components,
		"uptime":     time.Since(h.started).Round(time.Second).String(),
	})
}

// Reset wipes the book, stops, trades and prices, then persists the empty
// state. A failed snapshot does not undo the reset.
func (h *AdminHandler) Reset(c *gin.Context) {
	ctx := c.Request.Context()
	h.logger.Warnw("🧹 Full reset requested", "request_id", middleware.GetRequestID(c))

	resp := gin.H{"reset": true, "persisted": true}
	if err := h.engine.Reset(ctx); err != nil {
		resp["persisted"] = false
		resp["snapshotError"] = err.Error()
	}
	if h.cache != nil {
		if err := h.cache.ClearRecentTrades(ctx, h.engine.Universe().Codes()); err != nil {
			h.logger.Warnw("⚠️ Failed to clear trade cache", "error", err)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AdminHandler) Snapshot(c *gin.Context) {
	if err := h.engine.Snapshot(c.Request.Context()); err != nil {
		AbortWithError(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"persisted": true, "timestamp": time.Now().UTC()})
}

// getMemoryUsage returns current memory usage in bytes.
func getMemoryUsage() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}
