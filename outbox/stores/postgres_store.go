package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mickamy/grievance/internal/sqlutil"
	"github.com/mickamy/grievance/outbox"
)

// PostgresStore claims with a CTE locked FOR UPDATE SKIP LOCKED, so several
// relays can share one table.
type PostgresStore struct {
	base
}

type PostgresOption func(*PostgresStore)

func WithPostgresTable(table string) PostgresOption {
	return func(s *PostgresStore) {
		if table != "" {
			s.table = table
		}
	}
}

func WithPostgresNow(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	store := &PostgresStore{base: base{
		db:      db,
		dialect: sqlutil.Postgres,
		table:   defaultTable,
		now:     time.Now,
	}}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *PostgresStore) Add(ctx context.Context, exec outbox.Executor, ev outbox.Event) (outbox.Envelope, error) {
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

func (s *PostgresStore) Claim(ctx context.Context, workerID string, limit int, leaseTTL time.Duration) ([]outbox.Envelope, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("outbox: batch size must be positive")
	}
	now := s.clock()
	leaseUntil := now.Add(leaseTTL)
	query := s.q(`
WITH candidates AS (
    SELECT o.id FROM {table} o` + claimFilter + `
    LIMIT ?
    FOR UPDATE OF o SKIP LOCKED
)
UPDATE {table} AS u
SET status = 'sending',
    claimed_by = ?,
    claimed_at = ?,
    available_at = ?
FROM candidates
WHERE u.id = candidates.id
RETURNING u.id, u.subject_id, u.event_type, u.payload, u.status, u.retry_count, u.process_after, u.created_at, u.last_error;
`)

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
