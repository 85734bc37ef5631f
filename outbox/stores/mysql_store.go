package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mickamy/grievance/internal/sqlutil"
	"github.com/mickamy/grievance/outbox"
)

// MySQLStore needs MySQL 8 for SKIP LOCKED. MySQL has no partial indexes, so
// the one-pending-guard rule rests on the scheduler cancelling before it writes.
type MySQLStore struct {
	base
}

type MySQLOption func(*MySQLStore)

func WithMySQLTable(table string) MySQLOption {
	return func(s *MySQLStore) {
		if table != "" {
			s.table = table
		}
	}
}

func WithMySQLNow(now func() time.Time) MySQLOption {
	return func(s *MySQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMySQLStore(db *sql.DB, opts ...MySQLOption) *MySQLStore {
	store := &MySQLStore{base: base{
		db:      db,
		dialect: sqlutil.MySQL,
		table:   defaultTable,
		now:     time.Now,
	}}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *MySQLStore) Add(ctx context.Context, exec outbox.Executor, ev outbox.Event) (outbox.Envelope, error) {
	// JSON columns reject binary-collated parameters, so the payload goes as text.
	env, args, err := s.insertArgs(ev, true)
	if err != nil {
		return outbox.Envelope{}, err
	}
	res, err := exec.ExecContext(ctx, s.q("INSERT INTO {table} "+insertColumns), args...)
	if err != nil {
		return outbox.Envelope{}, fmt.Errorf("outbox: insert %s for %s: %w", env.Type, env.SubjectID, err)
	}
	if env.ID, err = res.LastInsertId(); err != nil {
		return outbox.Envelope{}, err
	}
	return env, nil
}

func (s *MySQLStore) Claim(ctx context.Context, workerID string, limit int, leaseTTL time.Duration) ([]outbox.Envelope, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("outbox: batch size must be positive")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := s.clock()
	ids, err := s.selectCandidateIDs(ctx, tx, now, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	if err := s.markSending(ctx, tx, ids, workerID, now, now.Add(leaseTTL)); err != nil {
		return nil, err
	}

	envelopes, err := s.fetchEnvelopes(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	sortByDue(envelopes)
	return envelopes, nil
}

func (s *MySQLStore) selectCandidateIDs(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]int64, error) {
	query := s.q(`
SELECT o.id FROM {table} o` + claimFilter + `
LIMIT ?
FOR UPDATE SKIP LOCKED`)
	rows, err := tx.QueryContext(ctx, query, now, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *MySQLStore) markSending(ctx context.Context, tx *sql.Tx, ids []int64, workerID string, claimedAt, leaseUntil time.Time) error {
	query := s.q(`
UPDATE {table}
SET status = 'sending',
    claimed_by = ?,
    claimed_at = ?,
    available_at = ?
WHERE id IN (` + sqlutil.Placeholders(len(ids)) + `)`)
	args := []any{workerID, claimedAt, leaseUntil}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (s *MySQLStore) fetchEnvelopes(ctx context.Context, tx *sql.Tx, ids []int64) ([]outbox.Envelope, error) {
	query := s.q(`
SELECT ` + envelopeColumns + `
FROM {table}
WHERE id IN (` + sqlutil.Placeholders(len(ids)) + `)`)

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEnvelopes(rows)
}
