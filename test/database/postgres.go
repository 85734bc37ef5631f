package database

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mickamy/grievance/internal/sqlutil"
	"github.com/mickamy/grievance/migrations"
)

// OpenPostgres connects to POSTGRES_DSN, migrates it and empties the tables.
// The test is skipped when the variable is unset.
func OpenPostgres(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if _, err := migrations.Up(ctx, db, sqlutil.Postgres); err != nil {
		t.Fatalf("migrate postgres: %v", err)
	}
	truncate(t, ctx, db)
	return db
}
