// Package migrations embeds the schema for every supported dialect and applies
// it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/mickamy/grievance/internal/sqlutil"
)

//go:embed postgres/*.sql sqlite/*.sql mysql/*.sql
var embedded embed.FS

// Provider returns a goose provider over the migrations of dialect.
func Provider(db *sql.DB, dialect sqlutil.Dialect) (*goose.Provider, error) {
	var gd goose.Dialect
	switch dialect {
	case sqlutil.Postgres:
		gd = goose.DialectPostgres
	case sqlutil.MySQL:
		gd = goose.DialectMySQL
	case sqlutil.SQLite:
		gd = goose.DialectSQLite3
	default:
		return nil, fmt.Errorf("migrations: unsupported dialect %q", dialect)
	}
	fsys, err := fs.Sub(embedded, string(dialect))
	if err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	provider, err := goose.NewProvider(gd, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("migrations: new provider: %w", err)
	}
	return provider, nil
}

// Up applies every pending migration and returns the number applied.
func Up(ctx context.Context, db *sql.DB, dialect sqlutil.Dialect) (int, error) {
	provider, err := Provider(db, dialect)
	if err != nil {
		return 0, err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("migrations: up: %w", err)
	}
	return len(results), nil
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, db *sql.DB, dialect sqlutil.Dialect) error {
	provider, err := Provider(db, dialect)
	if err != nil {
		return err
	}
	if _, err := provider.Down(ctx); err != nil {
		return fmt.Errorf("migrations: down: %w", err)
	}
	return nil
}

// Version reports the current schema version.
func Version(ctx context.Context, db *sql.DB, dialect sqlutil.Dialect) (int64, error) {
	provider, err := Provider(db, dialect)
	if err != nil {
		return 0, err
	}
	return provider.GetDBVersion(ctx)
}
