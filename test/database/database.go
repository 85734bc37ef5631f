// Package database opens migrated databases for tests.
package database

import (
	"context"
	"database/sql"
	"testing"
)

// tables in foreign-key order, children first.
var tables = []string{"complaint_upvotes", "complaints", "resolvers", "incharges", "outbox_events"}

func truncate(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()
	for _, table := range tables {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}
