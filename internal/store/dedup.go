package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DedupStore remembers which bus messages have been journaled so
// redeliveries are applied once.
type DedupStore struct {
	db          *sql.DB
	ttl         time.Duration
	logger      *zap.SugaredLogger
	cleanupDone chan struct{}
	stopOnce    sync.Once
}

type DedupConfig struct {
	MessageTTL      time.Duration // How long to keep message records
	CleanupInterval time.Duration // How often to run cleanup
}

func DefaultDedupConfig() *DedupConfig {
	return &DedupConfig{
		MessageTTL:      7 * 24 * time.Hour,
		CleanupInterval: 1 * time.Hour,
	}
}

func NewDedupStore(db *sql.DB, config *DedupConfig, logger *zap.SugaredLogger) *DedupStore {
	if config == nil {
		config = DefaultDedupConfig()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	store := &DedupStore{
		db:          db,
		ttl:         config.MessageTTL,
		logger:      logger,
		cleanupDone: make(chan struct{}),
	}

	go store.startCleanup(config.CleanupInterval)

	return store
}

func (s *DedupStore) Stop() {
	s.stopOnce.Do(func() { close(s.cleanupDone) })
}

func (s *DedupStore) startCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupDone:
			s.logger.Infow("🧹 DedupStore cleanup stopped")
			return
		case <-ticker.C:
			count, err := s.CleanupExpired(context.Background())
			if err != nil {
				s.logger.Warnw("⚠️ Failed to cleanup expired messages", "error", err)
			} else if count > 0 {
				s.logger.Infow("🧹 Cleaned up expired message records", "count", count)
			}
		}
	}
}

// MarkProcessedWithTx records messageID inside tx. It reports false when the
// message was already recorded.
func (s *DedupStore) MarkProcessedWithTx(ctx context.Context, tx *sql.Tx, messageID, eventType string) (bool, error) {
	query := `
		INSERT INTO processed_messages (message_id, event_type, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO NOTHING
	`
	res, err := tx.ExecContext(ctx, query, messageID, eventType, time.Now().Add(s.ttl))
	if err != nil {
		return false, fmt.Errorf("failed to mark message as processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *DedupStore) CleanupExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM processed_messages WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired messages: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(count), nil
}

func (s *DedupStore) GetStats(ctx context.Context) (*DedupStats, error) {
	stats := &DedupStats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processed_messages
	`).Scan(&stats.TotalCount)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) as count
		FROM processed_messages
		GROUP BY event_type
		ORDER BY event_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var eventType string
		var count int
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, err
		}
		stats.ByEventType = append(stats.ByEventType, EventTypeCount{
			EventType: eventType,
			Count:     count,
		})
	}

	return stats, rows.Err()
}

type DedupStats struct {
	TotalCount  int              `json:"total_count"`
	ByEventType []EventTypeCount `json:"by_event_type"`
}

type EventTypeCount struct {
	EventType string `json:"event_type"`
	Count     int    `json:"count"`
}
