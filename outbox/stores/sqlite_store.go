package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mickamy/grievance/internal/sqlutil"
	"github.com/mickamy/grievance/outbox"
)

// SQLiteStore implements outbox.Store for SQLite databases. SQLite serialises
// writers, so the claim needs no row locks.
type SQLiteStore struct {
	base
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteTable overrides the default table name ("outbox_events").
func WithSQLiteTable(name string) SQLiteOption {
	return func(s *SQLiteStore) {
		if name != "" {
			s.table = name
		}
	}
}

// WithSQLiteNow overrides the clock used for insert, lease and cancel timestamps.
func WithSQLiteNow(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLiteStore creates a Store backed by SQLite.
func NewSQLiteStore(db *sql.DB, opts ...SQLiteOption) *SQLiteStore {
	store := &SQLiteStore{base: base{
		db:      db,
		dialect: sqlutil.SQLite,
		table:   defaultTable,
		now:     time.Now,
	}}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Add inserts a pending row within the caller's transaction.
func (s *SQLiteStore) Add(ctx context.Context, exec outbox.Executor, ev outbox.Event) (outbox.Envelope, error) {
	env, args, err := s.insertArgs(ev, false)
	if err != nil {
		return outbox.Envelope{}, err
	}
	query := s.q("INSERT INTO {table} " + insertColumns + " RETURNING id")
	if err := exec.QueryRowContext(ctx, query, args...).Scan(&env.ID); err != nil {
		return outbox.Envelope{}, fmt.Errorf("outbox: insert %s for %s: %w", env.Type, env.SubjectID, err)
	}
	return env, nil
}

// Claim leases up to limit rows for the given worker.
func (s *SQLiteStore) Claim(ctx context.Context, workerID string, limit int, leaseTTL time.Duration) ([]outbox.Envelope, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("outbox: batch size must be positive")
	}
	now := s.clock()
	leaseUntil := now.Add(leaseTTL)
	query := s.q(`
WITH candidates AS (
    SELECT o.id FROM {table} o` + claimFilter + `
    LIMIT ?
)
UPDATE {table}
SET status = 'sending',
    claimed_by = ?,
    claimed_at = ?,
    available_at = ?
WHERE id IN (SELECT id FROM candidates)
RETURNING ` + envelopeColumns + `;`)

	rows, err := s.db.QueryContext(ctx, query, now, now, limit, workerID, now, leaseUntil)
	if err != nil {
		return nil, err
	}
	envelopes, err := collectEnvelopes(rows)
	if err != nil {
		return nil, err
	}
	sortByDue(envelopes)
	return envelopes, nil
}
