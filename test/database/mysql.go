package database

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/mickamy/grievance/internal/sqlutil"
	"github.com/mickamy/grievance/migrations"
)

// OpenMySQL connects to MYSQL_DSN (which must carry parseTime=true&loc=UTC),
// migrates it and empties the tables. The test is skipped when unset.
func OpenMySQL(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		t.Skip("MYSQL_DSN not set")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("open mysql: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping mysql: %v", err)
	}
	if _, err := migrations.Up(ctx, db, sqlutil.MySQL); err != nil {
		t.Fatalf("migrate mysql: %v", err)
	}
	truncate(t, ctx, db)
	return db
}
