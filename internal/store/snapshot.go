package store

import (
	"context"
	"database/sql"
	"errors"

	"marketron/internal/persistence"
)

// SnapshotStore keeps sealed snapshot blobs in the snapshots table.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) Name() string { return "postgres" }

func (s *SnapshotStore) Load(ctx context.Context, key string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM snapshots WHERE key = $1`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	return blob, err
}

func (s *SnapshotStore) Save(ctx context.Context, key string, blob []byte) error {
	query := `
		INSERT INTO snapshots (key, blob, saved_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET blob = EXCLUDED.blob, saved_at = EXCLUDED.saved_at
	`
	_, err := s.db.ExecContext(ctx, query, key, blob)
	return err
}

func (s *SnapshotStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE key = $1`, key)
	return err
}
