package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

type Migration struct {
	Version int
	Name    string
	SQL     string
}

type Migrator struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func NewMigrator(db *sql.DB, logger *zap.SugaredLogger) *Migrator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Migrator{db: db, logger: logger}
}

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

func (m *Migrator) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

// LoadMigrations reads NNN_name.sql files from fsys, sorted by version.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	var migrations []Migration

	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".sql") {
			return nil
		}

		content, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", p, err)
		}

		m, err := parseMigrationName(path.Base(p))
		if err != nil {
			return err
		}
		m.SQL = string(content)
		migrations = append(migrations, m)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version == migrations[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d", migrations[i].Version)
		}
	}
	return migrations, nil
}

func parseMigrationName(baseName string) (Migration, error) {
	var version int
	if _, err := fmt.Sscanf(baseName, "%d_", &version); err != nil {
		return Migration{}, fmt.Errorf("invalid migration file name format: %s (expected: NNN_name.sql)", baseName)
	}

	name := strings.TrimSuffix(baseName, ".sql")
	if idx := strings.Index(name, "_"); idx > 0 {
		name = name[idx+1:]
	}
	return Migration{Version: version, Name: name}, nil
}

// EmbeddedMigrations returns the schema shipped with the binary.
func EmbeddedMigrations() ([]Migration, error) {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		return nil, err
	}
	return LoadMigrations(sub)
}

func (m *Migrator) Run(ctx context.Context, migrations []Migration) error {
	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}

		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d_%s: %w", migration.Version, migration.Name, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, name)
			VALUES ($1, $2)
			ON CONFLICT (version) DO NOTHING
		`, migration.Version, migration.Name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to mark migration as applied: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration: %w", err)
		}
		m.logger.Infow("✅ Migration applied", "version", migration.Version, "name", migration.Name)
	}

	return nil
}

// Migrate applies the embedded schema, or the files in dir when dir is set.
func (m *Migrator) Migrate(ctx context.Context, dir string) error {
	var (
		migrations []Migration
		err        error
	)
	if dir == "" {
		migrations, err = EmbeddedMigrations()
	} else {
		migrations, err = LoadMigrations(os.DirFS(dir))
	}
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	return m.Run(ctx, migrations)
}
