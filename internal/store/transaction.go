package store

import (
	"context"
	"database/sql"
	"fmt"

	"marketron/internal/models"
)

type TxFunc func(ctx context.Context, tx *sql.Tx) error

func (s *PostgresStore) WithTransaction(ctx context.Context, fn TxFunc) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %v, rollback failed: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (s *PostgresStore) SaveEventTx(ctx context.Context, tx *sql.Tx, rec *EventRecord) error {
	return saveEvent(ctx, tx, rec)
}

func (s *PostgresStore) SaveTradeTx(ctx context.Context, tx *sql.Tx, t *models.Trade) error {
	return saveTrade(ctx, tx, t)
}

// Journal durably records bus events. Each event id is written at most once.
type Journal struct {
	store *PostgresStore
	dedup *DedupStore
}

func NewJournal(store *PostgresStore, dedup *DedupStore) *Journal {
	return &Journal{store: store, dedup: dedup}
}

// Record writes an event, its trade if any, and the processed-message
// marker in one transaction. An event already recorded is skipped and
// reported as not written.
func (j *Journal) Record(ctx context.Context, rec *EventRecord, trade *models.Trade) (bool, error) {
	written := false
	err := j.store.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		fresh, err := j.dedup.MarkProcessedWithTx(ctx, tx, rec.EventID, rec.Type)
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}

		if err := j.store.SaveEventTx(ctx, tx, rec); err != nil {
			return fmt.Errorf("failed to save event: %w", err)
		}
		if trade != nil {
			if err := j.store.SaveTradeTx(ctx, tx, trade); err != nil {
				return fmt.Errorf("failed to save trade: %w", err)
			}
		}
		written = true
		return nil
	})
	return written, err
}
