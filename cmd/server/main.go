package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketron/internal/api"
	"marketron/internal/audit"
	"marketron/internal/cache"
	"marketron/internal/config"
	"marketron/internal/engine"
	"marketron/internal/logging"
	"marketron/internal/messaging"
	"marketron/internal/metrics"
	"marketron/internal/middleware"
	"marketron/internal/models"
	"marketron/internal/oracle"
	"marketron/internal/persistence"
	"marketron/internal/resilience"
	"marketron/internal/store"
	"marketron/internal/ws"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatalw("❌ Invalid configuration", "error", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatalw("❌ Server stopped", "error", err)
	}
}

// closers run in reverse registration order on shutdown.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	var shutdown closers
	defer shutdown.run()

	universe, err := models.UniverseFromCodes(cfg.Symbols)
	if err != nil {
		return fmt.Errorf("symbol universe: %w", err)
	}

	appMetrics := metrics.New()
	breakers := resilience.NewCircuitBreakerManager()
	stats := map[string]api.StatsFunc{
		"breakers": func() any { return breakers.Metrics() },
	}
	var checks []api.HealthCheck

	prices := oracle.NewPriceTable(universe, cfg.PriceHistoryWindow)
	eng := engine.New(engine.Config{
		Universe:         universe,
		Oracle:           prices,
		Logger:           logger,
		WarningThreshold: decimal.NewFromFloat(cfg.PriceWarningThreshold),
	})
	appMetrics.TrackBooks(eng)

	// Redis: snapshot backend and recent-trade cache
	var redisCache *cache.RedisCache
	redisCache, err = cache.NewRedisCache(cfg, logger)
	if err != nil {
		logger.Warnw("⚠️ Redis cache not available", "error", err)
		redisCache = nil
	} else {
		logger.Infow("✅ Redis cache connected", "addr", cfg.RedisAddr)
		shutdown.add(func() { _ = redisCache.Close() })
		checks = append(checks, api.HealthCheck{Name: "redis", Check: redisCache.Ping})
	}

	// PostgreSQL: schema, symbol catalogue, event journal, snapshot backend
	var postgresStore *store.PostgresStore
	postgresStore, err = store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		logger.Warnw("⚠️ PostgreSQL store not available", "error", err)
		postgresStore = nil
	} else {
		logger.Infow("✅ PostgreSQL store connected")
		shutdown.add(func() { _ = postgresStore.Close() })
		checks = append(checks, api.HealthCheck{Name: "postgres", Check: postgresStore.Ping})
		preparePostgres(postgresStore, universe, logger)
	}

	// Snapshots
	blobs := openSnapshotStore(cfg, redisCache, postgresStore, logger, &shutdown)
	sealer, err := persistence.NewSealer(cfg.SnapshotSecret)
	if err != nil {
		return err
	}
	snapshotBreaker := resilience.NewCircuitBreaker("snapshot-"+blobs.Name(), nil)
	breakers.Register(snapshotBreaker)
	appMetrics.TrackBreaker(snapshotBreaker)

	gateway, err := persistence.NewGateway(persistence.GatewayConfig{
		Store:   blobs,
		Sealer:  sealer,
		Key:     cfg.SnapshotKey,
		Breaker: snapshotBreaker,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	gateway.SetObserver(appMetrics)
	checks = append(checks, api.HealthCheck{Name: "snapshots", Check: func(context.Context) error {
		if snapshotBreaker.State() == resilience.CircuitOpen {
			return errors.New("circuit open")
		}
		return nil
	}})

	recovery := persistence.NewRecoveryManager(gateway, eng, &persistence.RecoveryConfig{
		SnapshotInterval: cfg.AutoSnapshotInterval,
		RecoveryTimeout:  60 * time.Second,
	}, logger)
	eng.SetSnapshotter(gateway)
	result, err := recovery.Recover(context.Background())
	if err != nil {
		return fmt.Errorf("recover snapshot: %w", err)
	}
	if result.SnapshotUsed {
		logger.Infow("✅ Recovered from snapshot",
			"orders", result.OrdersLoaded, "stops", result.StopsLoaded,
			"trades", result.TradesLoaded, "took", result.RecoveryTime)
	}
	if cfg.SeedPrices {
		if n := prices.Seed(); n > 0 {
			logger.Infow("🌱 Seeded reference prices", "symbols", n)
		}
	}
	recovery.StartAutoSnapshot()
	shutdown.add(func() {
		recovery.Stop()
		if err := eng.Snapshot(context.Background()); err != nil {
			logger.Warnw("⚠️ Final snapshot failed", "error", err)
		}
	})
	stats["snapshot"] = func() any { return recovery.Status() }

	// Reference price changes drive stop triggers
	prices.OnUpdate(func(symbol string, rec models.PriceRecord) {
		eng.OnPriceUpdate(context.Background(), symbol, rec.Price)
	})

	// Event sinks
	timeline := audit.NewTimeline(audit.DefaultCapacity)
	eng.AddSink(timeline)
	eng.AddSink(appMetrics)
	stats["timeline"] = func() any { return gin.H{"entries": timeline.Len()} }

	wsHub := ws.NewHub(eng, ws.DefaultHubConfig(), appMetrics, logger)
	go wsHub.Run()
	eng.AddSink(wsHub)
	shutdown.add(wsHub.Stop)
	stats["websocket"] = func() any { return wsHub.Stats() }
	logger.Infow("✅ WebSocket hub started")

	if redisCache != nil {
		eng.AddSink(redisCache)
	}

	startEventBus(cfg, eng, prices, postgresStore, stats, logger, &shutdown)

	// HTTP
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	var auth *middleware.AuthMiddleware
	if cfg.AuthEnabled {
		auth = middleware.NewAuthMiddleware(middleware.DefaultAuthConfig(cfg.JWTSecret))
		logger.Infow("🔐 JWT authentication enabled")
	}
	rateCfg := middleware.DefaultRateLimitConfig()
	rateCfg.RequestsPerSecond = cfg.RateLimitRPS
	rateCfg.Burst = cfg.RateLimitBurst

	deps := api.Dependencies{
		Engine:       eng,
		Prices:       prices,
		Timeline:     timeline,
		Hub:          wsHub,
		Metrics:      appMetrics,
		Auth:         auth,
		RateLimit:    middleware.NewRateLimiter(rateCfg),
		Origins:      cfg.CORSOrigins,
		HealthChecks: checks,
		Stats:        stats,
		Logger:       logger,
	}
	if redisCache != nil {
		deps.TradeCache = redisCache
	}
	api.RegisterRoutes(router, deps)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("🚀 Marketron running", "addr", cfg.Addr(), "symbols", universe.Codes())
		logger.Infow("📱 WebSocket endpoint", "url", "ws://"+cfg.Addr()+"/ws/{symbol}")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Infow("🛑 Shutting down...")
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warnw("⚠️ HTTP shutdown", "error", err)
	}
	return nil
}

// preparePostgres migrates the schema and records the symbol universe.
func preparePostgres(pg *store.PostgresStore, universe *models.Universe, logger *zap.SugaredLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	migrations, err := store.EmbeddedMigrations()
	if err != nil {
		logger.Warnw("⚠️ Failed to load migrations", "error", err)
		return
	}
	if err := store.NewMigrator(pg.GetDB(), logger).Run(ctx, migrations); err != nil {
		logger.Warnw("⚠️ Failed to run migrations", "error", err)
		return
	}

	seeded, err := store.NewSymbolStore(pg.GetDB()).SeedSymbols(ctx, universe.Symbols())
	switch {
	case err != nil:
		logger.Warnw("⚠️ Failed to seed symbols", "error", err)
	case seeded > 0:
		logger.Infow("✅ Seeded symbols", "count", seeded)
	default:
		logger.Infow("✅ Symbols already exist")
	}
}

// openSnapshotStore returns the configured backend, or an in-memory store
// when that backend is unreachable.
func openSnapshotStore(cfg *config.Config, redisCache *cache.RedisCache, pg *store.PostgresStore, logger *zap.SugaredLogger, shutdown *closers) persistence.BlobStore {
	switch cfg.SnapshotBackend {
	case "redis":
		if redisCache != nil {
			return redisCache
		}
	case "postgres":
		if pg != nil {
			return store.NewSnapshotStore(pg.GetDB())
		}
	case "pebble":
		ps, err := persistence.NewPebbleStore(cfg.PebbleDir)
		if err == nil {
			shutdown.add(func() { _ = ps.Close() })
			logger.Infow("✅ Pebble snapshot store opened", "dir", cfg.PebbleDir)
			return ps
		}
		logger.Warnw("⚠️ Pebble store not available", "error", err)
	case "memory":
		return persistence.NewMemoryStore()
	}
	logger.Warnw("⚠️ Snapshot backend unavailable, snapshots kept in memory only", "backend", cfg.SnapshotBackend)
	return persistence.NewMemoryStore()
}

// startEventBus connects the engine to the configured broker, the audit
// journal and the market data feed. Every piece is optional.
func startEventBus(cfg *config.Config, eng *engine.Engine, prices *oracle.PriceTable, pg *store.PostgresStore, stats map[string]api.StatsFunc, logger *zap.SugaredLogger, shutdown *closers) {
	switch cfg.EventBroker {
	case "kafka":
		sink := messaging.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		eng.AddSink(sink)
		shutdown.add(func() { _ = sink.Close() })
		stats["kafka"] = func() any { return sink.Stats() }
		logger.Infow("✅ Kafka event sink started", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
		return
	case "none":
		logger.Infow("⚠️ Event bus disabled")
		return
	}

	publisher, err := messaging.NewPublisher(cfg.RabbitMQURL, cfg.EventsExchange, logger)
	if err != nil {
		logger.Warnw("⚠️ RabbitMQ publisher not available", "error", err)
		return
	}
	logger.Infow("✅ RabbitMQ publisher connected", "exchange", cfg.EventsExchange)
	eng.AddSink(publisher)
	shutdown.add(publisher.Close)
	stats["publisher"] = func() any { return publisher.Stats() }

	feed, err := oracle.NewMarketDataConsumer(cfg.RabbitMQURL, prices, logger)
	if err != nil {
		logger.Warnw("⚠️ Market data consumer not available", "error", err)
	} else if err := feed.Start(cfg.EventsExchange, cfg.MarketDataQueue); err != nil {
		logger.Warnw("⚠️ Failed to start market data consumer", "error", err)
	} else {
		logger.Infow("✅ Market data consumer started", "queue", cfg.MarketDataQueue)
		shutdown.add(feed.Stop)
	}

	if pg == nil {
		logger.Warnw("⚠️ Audit journal disabled (PostgreSQL required)")
		return
	}

	dlx := cfg.EventsExchange + ".dlx"
	dlq, err := messaging.NewDLQHandler(cfg.RabbitMQURL, dlx, logger)
	if err != nil {
		logger.Warnw("⚠️ DLQ handler not available", "error", err)
	} else if err := dlq.Start(); err != nil {
		logger.Warnw("⚠️ Failed to start DLQ handler", "error", err)
	} else {
		shutdown.add(dlq.Stop)
		stats["deadLetters"] = func() any {
			return gin.H{"total": dlq.Total(), "recent": dlq.Recent()}
		}
	}

	dedup := store.NewDedupStore(pg.GetDB(), nil, logger)
	shutdown.add(dedup.Stop)
	stats["dedup"] = func() any {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s, err := dedup.GetStats(ctx)
		if err != nil {
			return gin.H{"error": err.Error()}
		}
		return s
	}

	consumer, err := messaging.NewAuditConsumer(cfg.RabbitMQURL, store.NewJournal(pg, dedup), cfg.AuditWorkers, logger)
	if err != nil {
		logger.Warnw("⚠️ Audit consumer not available", "error", err)
		return
	}
	if err := consumer.Start(cfg.EventsExchange); err != nil {
		logger.Warnw("⚠️ Failed to start audit consumer", "error", err)
		return
	}
	logger.Infow("✅ Audit consumer started", "workers", cfg.AuditWorkers)
	shutdown.add(consumer.Stop)
}
