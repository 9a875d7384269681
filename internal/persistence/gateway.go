package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketron/internal/models"
	"marketron/internal/resilience"
)

const DefaultSnapshotKey = "marketron_data"

// Observer receives snapshot outcomes, typically for metrics.
type Observer interface {
	ObserveSnapshot(backend string, took time.Duration, err error)
	ObserveCorruption(backend string)
}

type GatewayConfig struct {
	Store   BlobStore
	Sealer  *Sealer
	Key     string
	Retry   *resilience.RetryConfig
	Breaker *resilience.CircuitBreaker
	Logger  *zap.SugaredLogger
	Clock   func() time.Time
}

// Gateway writes and reads the sealed engine snapshot.
type Gateway struct {
	store    BlobStore
	sealer   *Sealer
	key      string
	retry    *resilience.RetryPolicy
	breaker  *resilience.CircuitBreaker
	logger   *zap.SugaredLogger
	clock    func() time.Time
	observer Observer

	mu        sync.Mutex
	lastSaved time.Time
	lastError string
	saves     int64
	failures  int64
	discards  int64
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Store == nil {
		return nil, errors.New("persistence: store is required")
	}
	if cfg.Sealer == nil {
		return nil, errors.New("persistence: sealer is required")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultSnapshotKey
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker("snapshot-"+cfg.Store.Name(), nil)
	}
	return &Gateway{
		store:   cfg.Store,
		sealer:  cfg.Sealer,
		key:     cfg.Key,
		retry:   resilience.NewRetryPolicy(cfg.Retry),
		breaker: cfg.Breaker,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
	}, nil
}

func (g *Gateway) SetObserver(o Observer) { g.observer = o }

func (g *Gateway) Breaker() *resilience.CircuitBreaker { return g.breaker }

// Snapshot encodes, seals and writes the state.
func (g *Gateway) Snapshot(ctx context.Context, state models.State) error {
	start := g.clock()
	err := g.write(ctx, state, start)
	g.record(start, err)
	if err != nil {
		return fmt.Errorf("snapshot to %s: %w", g.store.Name(), err)
	}
	return nil
}

func (g *Gateway) write(ctx context.Context, state models.State, now time.Time) error {
	plain, err := Encode(state, now)
	if err != nil {
		return err
	}
	blob, err := g.sealer.Seal(plain, []byte(g.key))
	if err != nil {
		return err
	}
	return g.retry.Do(ctx, func(ctx context.Context) error {
		return g.breaker.Execute(ctx, func(ctx context.Context) error {
			return g.store.Save(ctx, g.key, blob)
		})
	})
}

func (g *Gateway) record(start time.Time, err error) {
	took := g.clock().Sub(start)

	g.mu.Lock()
	if err != nil {
		g.failures++
		g.lastError = err.Error()
	} else {
		g.saves++
		g.lastSaved = start
		g.lastError = ""
	}
	g.mu.Unlock()

	if g.observer != nil {
		g.observer.ObserveSnapshot(g.store.Name(), took, err)
	}
	if err != nil {
		g.logger.Warnw("⚠️ Snapshot write failed", "backend", g.store.Name(), "error", err)
		return
	}
	g.logger.Debugw("💾 Snapshot persisted", "backend", g.store.Name(), "took", took)
}

// Restore loads the persisted state. It returns (nil, nil) when nothing is
// stored. A blob that fails authentication, decoding or structural
// validation is deleted and reported as *models.CorruptedStateError.
func (g *Gateway) Restore(ctx context.Context) (*models.State, error) {
	var (
		blob     []byte
		notFound bool
	)
	err := g.retry.Do(ctx, func(ctx context.Context) error {
		return g.breaker.Execute(ctx, func(ctx context.Context) error {
			b, err := g.store.Load(ctx, g.key)
			if errors.Is(err, ErrNotFound) {
				notFound = true
				return nil
			}
			blob = b
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load from %s: %w", g.store.Name(), err)
	}
	if notFound {
		g.logger.Infow("📖 No snapshot found", "backend", g.store.Name())
		return nil, nil
	}

	plain, err := g.sealer.Open(blob, []byte(g.key))
	if err != nil {
		return nil, g.corrupted(ctx, "authentication failed", err)
	}
	state, err := Decode(plain)
	if err != nil {
		return nil, g.corrupted(ctx, "invalid structure", err)
	}
	g.logger.Infow("📖 Snapshot loaded", "backend", g.store.Name(),
		"bids", len(state.OrderBook.Bids), "asks", len(state.OrderBook.Asks), "trades", len(state.Trades))
	return &state, nil
}

// Discard deletes the persisted snapshot.
func (g *Gateway) Discard(ctx context.Context) error {
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.store.Delete(ctx, g.key)
	})
	if err != nil {
		return fmt.Errorf("discard from %s: %w", g.store.Name(), err)
	}
	g.mu.Lock()
	g.discards++
	g.mu.Unlock()
	return nil
}

// Corrupted discards the snapshot and wraps cause. Callers use it when a
// decoded state fails a later semantic check.
func (g *Gateway) Corrupted(ctx context.Context, reason string, cause error) error {
	return g.corrupted(ctx, reason, cause)
}

func (g *Gateway) corrupted(ctx context.Context, reason string, cause error) error {
	g.logger.Warnw("🧹 Discarding corrupted snapshot", "backend", g.store.Name(), "reason", reason, "error", cause)
	if g.observer != nil {
		g.observer.ObserveCorruption(g.store.Name())
	}
	if err := g.Discard(ctx); err != nil {
		g.logger.Errorw("⚠️ Failed to discard corrupted snapshot", "error", err)
	}
	return &models.CorruptedStateError{Reason: reason, Cause: cause}
}

type GatewayStatus struct {
	Backend   string                           `json:"backend"`
	Key       string                           `json:"key"`
	LastSaved *time.Time                       `json:"lastSaved,omitempty"`
	LastError string                           `json:"lastError,omitempty"`
	Saves     int64                            `json:"saves"`
	Failures  int64                            `json:"failures"`
	Discards  int64                            `json:"discards"`
	Breaker   resilience.CircuitBreakerMetrics `json:"breaker"`
}

func (g *Gateway) Status() GatewayStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := GatewayStatus{
		Backend:   g.store.Name(),
		Key:       g.key,
		LastError: g.lastError,
		Saves:     g.saves,
		Failures:  g.failures,
		Discards:  g.discards,
		Breaker:   g.breaker.Metrics(),
	}
	if !g.lastSaved.IsZero() {
		t := g.lastSaved
		st.LastSaved = &t
	}
	return st
}
