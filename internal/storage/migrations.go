package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// runMigrations applies all pending goose migrations for the given dialect.
// dialect is "sqlite3" or "postgres"; the matching embedded directory is used.
func runMigrations(ctx context.Context, db *sql.DB, dialect goose.Dialect) error {
	var dir string
	switch dialect {
	case goose.DialectSQLite3:
		dir = "migrations/sqlite"
	case goose.DialectPostgres:
		dir = "migrations/postgres"
	default:
		return fmt.Errorf("unsupported migration dialect: %s", dialect)
	}

	sub, err := fs.Sub(migrationFS, dir)
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	provider, err := goose.NewProvider(dialect, db, sub)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
