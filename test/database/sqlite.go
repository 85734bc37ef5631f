package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mickamy/grievance/internal/sqlutil"
	"github.com/mickamy/grievance/migrations"
)

var sqliteSeq atomic.Int64

// OpenSQLite returns a private in-memory SQLite DB with all migrations applied.
// The pool is pinned to one connection so every query sees the same database.
func OpenSQLite(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:grievance_%d_%d?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite",
		time.Now().UnixNano(), sqliteSeq.Add(1))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping sqlite: %v", err)
	}
	if _, err := migrations.Up(ctx, db, sqlutil.SQLite); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return db
}
