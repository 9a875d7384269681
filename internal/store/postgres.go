package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"marketron/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresStore{db: db}, nil
}

// EventRecord is one journaled engine event.
type EventRecord struct {
	EventID    string          `json:"eventId"`
	Sequence   uint64          `json:"sequence"`
	Type       string          `json:"type"`
	Direction  string          `json:"direction"`
	OrderID    string          `json:"orderId,omitempty"`
	Symbol     string          `json:"symbol,omitempty"`
	Payload    json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"timestamp"`
}

func (s *PostgresStore) SaveEvent(ctx context.Context, rec *EventRecord) error {
	return saveEvent(ctx, s.db, rec)
}

func (s *PostgresStore) SaveTrade(ctx context.Context, t *models.Trade) error {
	return saveTrade(ctx, s.db, t)
}

// ListOrderEvents returns the journal of one order in sequence order.
func (s *PostgresStore) ListOrderEvents(ctx context.Context, orderID string) ([]EventRecord, error) {
	query := `
		SELECT event_id, sequence, event_type, direction, COALESCE(order_id, ''), COALESCE(symbol, ''), payload, occurred_at
		FROM order_events
		WHERE order_id = $1
		ORDER BY occurred_at, sequence
	`
	rows, err := s.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var payload []byte
		if err := rows.Scan(&rec.EventID, &rec.Sequence, &rec.Type, &rec.Direction, &rec.OrderID, &rec.Symbol, &payload, &rec.OccurredAt); err != nil {
			return nil, err
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecentTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT trade_id, symbol, price, quantity, buy_order_id, sell_order_id, executed_at
		FROM trades
		WHERE symbol = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Price, &t.Quantity, &t.BuyOrderID, &t.SellOrderID, &t.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetDB() *sql.DB {
	return s.db
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveEvent(ctx context.Context, db execer, rec *EventRecord) error {
	query := `
		INSERT INTO order_events (event_id, sequence, event_type, direction, order_id, symbol, payload, occurred_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err := db.ExecContext(ctx, query,
		rec.EventID,
		int64(rec.Sequence),
		rec.Type,
		rec.Direction,
		rec.OrderID,
		rec.Symbol,
		[]byte(rec.Payload),
		rec.OccurredAt,
	)
	return err
}

func saveTrade(ctx context.Context, db execer, t *models.Trade) error {
	query := `
		INSERT INTO trades (trade_id, symbol, price, quantity, buy_order_id, sell_order_id, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (trade_id) DO NOTHING
	`
	_, err := db.ExecContext(ctx, query,
		t.ID,
		t.Symbol,
		t.Price,
		t.Quantity,
		t.BuyOrderID,
		t.SellOrderID,
		t.Timestamp,
	)
	return err
}
