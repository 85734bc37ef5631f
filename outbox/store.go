package outbox

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mickamy/grievance/events"
)

// ErrNotFound is returned by Requeue when no failed row has the given id.
var ErrNotFound = errors.New("outbox: event not found")

// ErrSuperseded is returned by Requeue when a failed guard has been replaced
// by a newer pending guard for the same subject and type.
var ErrSuperseded = errors.New("outbox: guard superseded")

// Executor is the minimal surface needed from *sql.Tx or *sql.DB.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Writer is the transactional side of the outbox used by domain code.
type Writer interface {
	// Add inserts a pending row using the caller's transaction.
	Add(ctx context.Context, exec Executor, ev Event) (Envelope, error)
	// Cancel marks every pending row for (subjectID, typ) as processed without
	// publishing it. It returns the number of rows cancelled; zero is not an error.
	Cancel(ctx context.Context, exec Executor, subjectID string, typ events.Type) (int64, error)
}

// Store encapsulates DB operations used by the writer, the relay and operators.
type Store interface {
	Writer
	// Claim selects due rows and leases them to a worker, at most one per subject.
	Claim(ctx context.Context, workerID string, limit int, leaseTTL time.Duration) ([]Envelope, error)
	// MarkProcessed marks a row as published. Re-marking a terminal row is a no-op.
	MarkProcessed(ctx context.Context, id int64, processedAt time.Time) error
	// Retry releases the row to be retried later after incrementing the attempt counter.
	Retry(ctx context.Context, id int64, retryCount int, nextRetry time.Time, reason string) error
	// Fail flags the row as permanently failed so operators can inspect it.
	Fail(ctx context.Context, id int64, retryCount int, reason string) error
	// ListFailed returns failed rows, newest first.
	ListFailed(ctx context.Context, limit int) ([]Envelope, error)
	// Requeue moves a failed row back to pending with a fresh retry budget. It
	// returns ErrNotFound unless the row exists and is failed, and
	// ErrSuperseded for a guard that a newer waiting guard replaces.
	Requeue(ctx context.Context, id int64, at time.Time) error
}
