package store

import (
	"context"
	"database/sql"
	"fmt"

	"marketron/internal/models"
)

type SymbolStore struct {
	db *sql.DB
}

func NewSymbolStore(db *sql.DB) *SymbolStore {
	return &SymbolStore{db: db}
}

func (s *SymbolStore) Create(ctx context.Context, sym *models.Symbol) error {
	if err := sym.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO symbols (code, name, initial_price, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, sym.Code, sym.Name, sym.InitialPrice, sym.IsActive)
	return err
}

func (s *SymbolStore) Get(ctx context.Context, code string) (*models.Symbol, error) {
	query := `SELECT code, name, initial_price, is_active, created_at FROM symbols WHERE code = $1`
	var sym models.Symbol
	err := s.db.QueryRowContext(ctx, query, code).Scan(&sym.Code, &sym.Name, &sym.InitialPrice, &sym.IsActive, &sym.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sym, nil
}

func (s *SymbolStore) List(ctx context.Context) ([]models.Symbol, error) {
	query := `SELECT code, name, initial_price, is_active, created_at FROM symbols WHERE is_active ORDER BY code`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []models.Symbol
	for rows.Next() {
		var sym models.Symbol
		if err := rows.Scan(&sym.Code, &sym.Name, &sym.InitialPrice, &sym.IsActive, &sym.CreatedAt); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

func (s *SymbolStore) Exists(ctx context.Context, code string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM symbols WHERE code = $1)`
	var exists bool
	err := s.db.QueryRowContext(ctx, query, code).Scan(&exists)
	return exists, err
}

// SeedSymbols inserts every symbol not already present and returns how many
// were added.
func (s *SymbolStore) SeedSymbols(ctx context.Context, defaults []models.Symbol) (int, error) {
	seeded := 0
	for i := range defaults {
		sym := defaults[i]
		exists, err := s.Exists(ctx, sym.Code)
		if err != nil {
			return seeded, fmt.Errorf("checking symbol %s: %w", sym.Code, err)
		}
		if exists {
			continue
		}
		if err := s.Create(ctx, &sym); err != nil {
			return seeded, fmt.Errorf("creating symbol %s: %w", sym.Code, err)
		}
		seeded++
	}
	return seeded, nil
}
