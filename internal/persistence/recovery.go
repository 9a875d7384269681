package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketron/internal/models"
)

// Engine is the part of the matching engine recovery drives.
type Engine interface {
	Restore(models.State) error
	Reset(ctx context.Context) error
	Snapshot(ctx context.Context) error
}

// RecoveryConfig holds configuration for warm start and periodic backups.
type RecoveryConfig struct {
	SnapshotInterval time.Duration // How often to write a backup snapshot; 0 disables
	RecoveryTimeout  time.Duration // Timeout for the recovery read
}

func DefaultRecoveryConfig() *RecoveryConfig {
	return &RecoveryConfig{
		SnapshotInterval: 30 * time.Second,
		RecoveryTimeout:  60 * time.Second,
	}
}

// RecoveryResult contains the result of a recovery operation.
type RecoveryResult struct {
	SnapshotUsed bool          `json:"snapshotUsed"`
	Corrupted    bool          `json:"corrupted"`
	Reason       string        `json:"reason,omitempty"`
	OrdersLoaded int           `json:"ordersLoaded"`
	StopsLoaded  int           `json:"stopsLoaded"`
	TradesLoaded int           `json:"tradesLoaded"`
	PricesLoaded int           `json:"pricesLoaded"`
	RecoveryTime time.Duration `json:"recoveryTime"`
}

// RecoveryManager handles warm start and automatic backups.
type RecoveryManager struct {
	gateway *Gateway
	engine  Engine
	config  *RecoveryConfig
	logger  *zap.SugaredLogger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRecoveryManager(gateway *Gateway, engine Engine, config *RecoveryConfig, logger *zap.SugaredLogger) *RecoveryManager {
	if config == nil {
		config = DefaultRecoveryConfig()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RecoveryManager{
		gateway: gateway,
		engine:  engine,
		config:  config,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Recover loads the persisted state into the engine. A corrupted snapshot,
// or one the engine refuses, leaves the engine empty and persists that empty
// state. Storage I/O errors are returned and the engine is left untouched.
func (r *RecoveryManager) Recover(ctx context.Context) (*RecoveryResult, error) {
	start := time.Now()
	result := &RecoveryResult{}

	if r.config.RecoveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.RecoveryTimeout)
		defer cancel()
	}

	state, err := r.gateway.Restore(ctx)
	var corrupted *models.CorruptedStateError
	switch {
	case errors.As(err, &corrupted):
		return r.reinitialize(ctx, result, corrupted, start)
	case err != nil:
		return result, err
	case state == nil:
		r.logger.Infow("📖 No snapshot found, starting with empty order book")
		result.RecoveryTime = time.Since(start)
		return result, nil
	}

	if err := r.engine.Restore(*state); err != nil {
		cerr := r.gateway.Corrupted(ctx, "invalid state", err)
		errors.As(cerr, &corrupted)
		return r.reinitialize(ctx, result, corrupted, start)
	}

	result.SnapshotUsed = true
	result.OrdersLoaded = len(state.OrderBook.Bids) + len(state.OrderBook.Asks)
	result.StopsLoaded = len(state.Stops)
	result.TradesLoaded = len(state.Trades)
	result.PricesLoaded = len(state.PriceState)
	result.RecoveryTime = time.Since(start)

	r.logger.Infow("📖 Recovery complete",
		"orders", result.OrdersLoaded, "stops", result.StopsLoaded,
		"trades", result.TradesLoaded, "prices", result.PricesLoaded, "took", result.RecoveryTime)
	return result, nil
}

func (r *RecoveryManager) reinitialize(ctx context.Context, result *RecoveryResult, cause *models.CorruptedStateError, start time.Time) (*RecoveryResult, error) {
	result.Corrupted = true
	if cause != nil {
		result.Reason = cause.Error()
	}
	if err := r.engine.Reset(ctx); err != nil {
		r.logger.Warnw("⚠️ Failed to persist empty state after discarding snapshot", "error", err)
	}
	result.RecoveryTime = time.Since(start)
	r.logger.Warnw("🧹 Snapshot discarded, starting with empty state", "reason", result.Reason)
	return result, nil
}

// StartAutoSnapshot writes a backup snapshot every SnapshotInterval until Stop.
func (r *RecoveryManager) StartAutoSnapshot() {
	if r.config.SnapshotInterval <= 0 {
		r.logger.Infow("⚠️ Auto snapshot disabled")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.config.SnapshotInterval)
		defer ticker.Stop()

		r.logger.Infow("📸 Auto snapshot started", "interval", r.config.SnapshotInterval)
		for {
			select {
			case <-r.done:
				r.logger.Infow("📸 Auto snapshot stopped")
				return
			case <-ticker.C:
				if err := r.engine.Snapshot(context.Background()); err != nil {
					r.logger.Warnw("⚠️ Failed to create snapshot", "error", err)
				}
			}
		}
	}()
}

// Stop ends the automatic snapshot loop and waits for it to exit.
func (r *RecoveryManager) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *RecoveryManager) Status() map[string]interface{} {
	return map[string]interface{}{
		"enabled":           true,
		"snapshot_interval": r.config.SnapshotInterval.String(),
		"gateway":           r.gateway.Status(),
	}
}
