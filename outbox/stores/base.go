// Package stores implements outbox.Store for Postgres, MySQL and SQLite.
package stores

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mickamy/grievance/events"
	"github.com/mickamy/grievance/internal/sqlutil"
	"github.com/mickamy/grievance/outbox"
)

const defaultTable = "outbox_events"

// envelopeColumns is the projection every read uses, in scanEnvelope order.
const envelopeColumns = "id, subject_id, event_type, payload, status, retry_count, process_after, created_at, last_error"

// base holds the statements that only differ in placeholder syntax.
type base struct {
	db      *sql.DB
	dialect sqlutil.Dialect
	table   string
	now     func() time.Time
}

func (b *base) clock() time.Time { return b.now().UTC() }

func (b *base) tableIdent() string { return b.dialect.Quote(b.table) }

func (b *base) q(query string) string {
	return b.dialect.Rebind(strings.ReplaceAll(query, "{table}", b.tableIdent()))
}

// insertArgs validates ev and returns the values for the insert columns
// (subject_id, event_type, payload, status, retry_count, process_after, available_at, created_at).
func (b *base) insertArgs(ev outbox.Event, jsonAsText bool) (outbox.Envelope, []any, error) {
	payload, err := ev.MarshalPayload()
	if err != nil {
		return outbox.Envelope{}, nil, err
	}
	now := b.clock()
	due := ev.Due(now)
	env := outbox.Envelope{
		SubjectID:    ev.SubjectID,
		Type:         ev.Type(),
		Payload:      payload,
		Status:       outbox.StatusPending,
		ProcessAfter: due,
		CreatedAt:    now,
	}
	var body any = payload
	if jsonAsText {
		body = string(payload)
	}
	return env, []any{ev.SubjectID, string(ev.Type()), body, string(outbox.StatusPending), 0, due, due, now}, nil
}

const insertColumns = "(subject_id, event_type, payload, status, retry_count, process_after, available_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)"

// Cancel marks pending guards as processed. Rows already claimed are left to
// the relay, which makes a concurrent publish and cancel resolve to one outcome.
func (b *base) Cancel(ctx context.Context, exec outbox.Executor, subjectID string, typ events.Type) (int64, error) {
	now := b.clock()
	res, err := exec.ExecContext(ctx, b.q(`
UPDATE {table}
SET status = 'processed',
    processed_at = ?,
    cancelled_at = ?,
    claimed_by = NULL,
    claimed_at = NULL
WHERE subject_id = ?
  AND event_type = ?
  AND status IN ('pending','retry')`), now, now, subjectID, string(typ))
	if err != nil {
		return 0, fmt.Errorf("outbox: cancel %s for %s: %w", typ, subjectID, err)
	}
	return res.RowsAffected()
}

func (b *base) MarkProcessed(ctx context.Context, id int64, processedAt time.Time) error {
	_, err := b.db.ExecContext(ctx, b.q(`
UPDATE {table}
SET status = 'processed',
    processed_at = ?,
    claimed_by = NULL,
    claimed_at = NULL
WHERE id = ?
  AND status IN ('pending','retry','sending')`), processedAt.UTC(), id)
	return err
}

func (b *base) Retry(ctx context.Context, id int64, retryCount int, nextRetry time.Time, reason string) error {
	_, err := b.db.ExecContext(ctx, b.q(`
UPDATE {table}
SET status = 'retry',
    retry_count = ?,
    available_at = ?,
    last_error = ?,
    claimed_by = NULL,
    claimed_at = NULL
WHERE id = ?
  AND status = 'sending'`), retryCount, nextRetry.UTC(), reason, id)
	return err
}

func (b *base) Fail(ctx context.Context, id int64, retryCount int, reason string) error {
	_, err := b.db.ExecContext(ctx, b.q(`
UPDATE {table}
SET status = 'failed',
    retry_count = ?,
    last_error = ?,
    claimed_by = NULL,
    claimed_at = NULL
WHERE id = ?
  AND status = 'sending'`), retryCount, reason, id)
	return err
}

func (b *base) ListFailed(ctx context.Context, limit int) ([]outbox.Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, b.q(`
SELECT `+envelopeColumns+`
FROM {table}
WHERE status = 'failed'
ORDER BY id DESC
LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	return collectEnvelopes(rows)
}

func (b *base) Requeue(ctx context.Context, id int64, at time.Time) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var subjectID, eventType string
	err = tx.QueryRowContext(ctx, b.q(`
SELECT subject_id, event_type
FROM {table}
WHERE id = ?
  AND status = 'failed'`+b.dialect.ForUpdate()), id).Scan(&subjectID, &eventType)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: failed event %d", outbox.ErrNotFound, id)
	}
	if err != nil {
		return err
	}

	guard := events.Type(eventType).Scheduled()
	if guard {
		if err = b.checkNotSuperseded(ctx, tx, id, subjectID, eventType); err != nil {
			return err
		}
	}

	if _, err = tx.ExecContext(ctx, b.q(`
UPDATE {table}
SET status = 'pending',
    retry_count = 0,
    available_at = ?,
    claimed_by = NULL,
    claimed_at = NULL
WHERE id = ?
  AND status = 'failed'`), at.UTC(), id); err != nil {
		if !guard {
			return err
		}
		// A guard scheduled after the check above trips the pending-guard
		// index. The tx must be released before reading through the pool.
		_ = tx.Rollback()
		if serr := b.checkNotSuperseded(ctx, b.db, id, subjectID, eventType); serr != nil {
			return serr
		}
		return err
	}
	return tx.Commit()
}

// checkNotSuperseded returns ErrSuperseded when another pending or retrying
// guard of the same subject and type exists besides the failed row id.
func (b *base) checkNotSuperseded(ctx context.Context, exec outbox.Executor, id int64, subjectID, eventType string) error {
	var newer int64
	err := exec.QueryRowContext(ctx, b.q(`
SELECT COUNT(*)
FROM {table}
WHERE subject_id = ?
  AND event_type = ?
  AND status IN ('pending','retry')
  AND id <> ?`), subjectID, eventType, id).Scan(&newer)
	if err != nil {
		return err
	}
	if newer > 0 {
		return fmt.Errorf("%w: %s for %s already waits, failed event %d", outbox.ErrSuperseded, eventType, subjectID, id)
	}
	return nil
}

// claimFilter selects due rows whose subject has no earlier row that is
// in flight, waiting on a retry, or due ahead of it. The result holds at most
// one row per subject.
const claimFilter = `
WHERE o.status IN ('pending','retry','sending')
  AND o.available_at <= ?
  AND NOT EXISTS (
    SELECT 1 FROM {table} p
    WHERE p.subject_id = o.subject_id
      AND p.id < o.id
      AND (p.status IN ('retry','sending') OR (p.status = 'pending' AND p.available_at <= ?))
  )
ORDER BY o.process_after, o.id`

func collectEnvelopes(rows *sql.Rows) ([]outbox.Envelope, error) {
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var envelopes []outbox.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return envelopes, nil
}

func scanEnvelope(rows *sql.Rows) (outbox.Envelope, error) {
	var (
		env          outbox.Envelope
		eventType    string
		status       string
		payload      []byte
		processAfter time.Time
		createdAt    time.Time
		lastError    sql.NullString
	)
	if err := rows.Scan(&env.ID, &env.SubjectID, &eventType, &payload, &status, &env.RetryCount,
		&processAfter, &createdAt, &lastError); err != nil {
		return outbox.Envelope{}, err
	}
	env.Type = events.Type(eventType)
	env.Status = outbox.Status(status)
	env.Payload = bytes.Clone(payload)
	env.ProcessAfter = processAfter.UTC()
	env.CreatedAt = createdAt.UTC()
	env.LastError = lastError.String
	return env, nil
}

// sortByDue restores claim order for drivers whose UPDATE ... RETURNING does
// not preserve it.
func sortByDue(envelopes []outbox.Envelope) {
	sort.SliceStable(envelopes, func(i, j int) bool {
		a, b := envelopes[i], envelopes[j]
		if !a.ProcessAfter.Equal(b.ProcessAfter) {
			return a.ProcessAfter.Before(b.ProcessAfter)
		}
		return a.ID < b.ID
	})
}
