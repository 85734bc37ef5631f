package stores_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mickamy/grievance/events"
	"github.com/mickamy/grievance/outbox"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, now func() time.Time) (outbox.Store, *sql.DB)

func ref(id string) events.ComplaintRef {
	return events.ComplaintRef{ComplaintID: id, ComplainerID: "user-1", Access: events.AccessPrivate, Title: "water leak"}
}

func upvoted(id string, n int) outbox.Event {
	return outbox.Event{SubjectID: id, Payload: events.Upvoted{ComplaintRef: ref(id), IsAssignedTo: "inc-1", Upvotes: n}}
}

func escalationDue(id string, at time.Time) outbox.Event {
	return outbox.Event{
		SubjectID:    id,
		Payload:      events.EscalationDue{ComplaintID: id, Title: "water leak", InchargeID: "inc-1", LocationID: 1, Rank: 3},
		ProcessAfter: at,
	}
}

func add(t *testing.T, store outbox.Store, db *sql.DB, evs ...outbox.Event) []outbox.Envelope {
	t.Helper()
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer func() { _ = tx.Rollback() }()
	out := make([]outbox.Envelope, 0, len(evs))
	for _, ev := range evs {
		env, err := store.Add(ctx, tx, ev)
		if err != nil {
			t.Fatalf("Add error: %v", err)
		}
		out = append(out, env)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return out
}

func claimIDs(t *testing.T, store outbox.Store, worker string, limit int) []int64 {
	t.Helper()
	envs, err := store.Claim(context.Background(), worker, limit, time.Minute)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	ids := make([]int64, len(envs))
	for i, env := range envs {
		ids[i] = env.ID
	}
	return ids
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func runStoreContract(t *testing.T, factory storeFactory) {
	t.Run("lifecycle", func(t *testing.T) {
		c := newClock()
		store, db := factory(t, c.Now)
		ctx := context.Background()

		added := add(t, store, db, upvoted("c-1", 1))
		if added[0].ID == 0 {
			t.Fatal("Add must return the row id")
		}

		envs, err := store.Claim(ctx, "worker-1", 5, time.Minute)
		if err != nil {
			t.Fatalf("Claim error: %v", err)
		}
		if len(envs) != 1 {
			t.Fatalf("expected 1 envelope, got %d", len(envs))
		}
		env := envs[0]
		if env.ID != added[0].ID || env.SubjectID != "c-1" || env.Type != events.TypeUpvoted {
			t.Fatalf("claimed envelope = %+v", env)
		}
		payload, err := env.Decode()
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if got := payload.(*events.Upvoted); got.Upvotes != 1 || got.ComplaintID != "c-1" {
			t.Fatalf("payload mismatch: %+v", got)
		}

		if err := store.Retry(ctx, env.ID, 1, c.Now().Add(time.Minute), "boom"); err != nil {
			t.Fatalf("Retry error: %v", err)
		}
		if ids := claimIDs(t, store, "worker-1", 5); len(ids) != 0 {
			t.Fatalf("retry must wait for backoff, claimed %v", ids)
		}
		c.Advance(time.Minute)
		envs, err = store.Claim(ctx, "worker-1", 5, time.Minute)
		if err != nil || len(envs) != 1 || envs[0].RetryCount != 1 {
			t.Fatalf("Claim after backoff = %+v, %v", envs, err)
		}
		if err := store.Fail(ctx, env.ID, 2, "still boom"); err != nil {
			t.Fatalf("Fail error: %v", err)
		}

		failed, err := store.ListFailed(ctx, 10)
		if err != nil {
			t.Fatalf("ListFailed error: %v", err)
		}
		if len(failed) != 1 || failed[0].Status != outbox.StatusFailed || failed[0].LastError != "still boom" || failed[0].RetryCount != 2 {
			t.Fatalf("ListFailed = %+v", failed)
		}

		if err := store.Requeue(ctx, env.ID, c.Now()); err != nil {
			t.Fatalf("Requeue error: %v", err)
		}
		envs, err = store.Claim(ctx, "worker-1", 5, time.Minute)
		if err != nil || len(envs) != 1 || envs[0].RetryCount != 0 {
			t.Fatalf("Claim after requeue = %+v, %v", envs, err)
		}
		if err := store.MarkProcessed(ctx, env.ID, c.Now()); err != nil {
			t.Fatalf("MarkProcessed error: %v", err)
		}
		// Re-marking a processed row is a no-op.
		if err := store.MarkProcessed(ctx, env.ID, c.Now()); err != nil {
			t.Fatalf("second MarkProcessed error: %v", err)
		}
		if err := store.Requeue(ctx, env.ID, c.Now()); !errors.Is(err, outbox.ErrNotFound) {
			t.Fatalf("Requeue(processed) error = %v, want %v", err, outbox.ErrNotFound)
		}
		if ids := claimIDs(t, store, "worker-1", 5); len(ids) != 0 {
			t.Fatalf("processed row claimed again: %v", ids)
		}
	})

	t.Run("requeue of a superseded guard", func(t *testing.T) {
		c := newClock()
		store, db := factory(t, c.Now)
		ctx := context.Background()

		stale := add(t, store, db, escalationDue("c-9", c.Now()))[0]
		if ids := claimIDs(t, store, "worker-1", 5); !equalIDs(ids, []int64{stale.ID}) {
			t.Fatalf("Claim = %v, want [%d]", ids, stale.ID)
		}
		if err := store.Fail(ctx, stale.ID, 5, "broker down"); err != nil {
			t.Fatalf("Fail error: %v", err)
		}
		fresh := add(t, store, db, escalationDue("c-9", c.Now().Add(time.Hour)))[0]

		err := store.Requeue(ctx, stale.ID, c.Now())
		if !errors.Is(err, outbox.ErrSuperseded) {
			t.Fatalf("Requeue(superseded) error = %v, want %v", err, outbox.ErrSuperseded)
		}
		failed, err := store.ListFailed(ctx, 10)
		if err != nil || len(failed) != 1 || failed[0].ID != stale.ID {
			t.Fatalf("ListFailed after refused requeue = %+v, %v", failed, err)
		}

		if n, err := store.Cancel(ctx, db, "c-9", events.TypeEscalationDue); err != nil || n != 1 {
			t.Fatalf("Cancel(fresh %d) = %d, %v", fresh.ID, n, err)
		}
		if err := store.Requeue(ctx, stale.ID, c.Now()); err != nil {
			t.Fatalf("Requeue once the newer guard is gone: %v", err)
		}
		if ids := claimIDs(t, store, "worker-1", 5); !equalIDs(ids, []int64{stale.ID}) {
			t.Fatalf("Claim after requeue = %v, want [%d]", ids, stale.ID)
		}
	})

	t.Run("claim empty", func(t *testing.T) {
		store, _ := factory(t, time.Now)
		if ids := claimIDs(t, store, "worker", 10); len(ids) != 0 {
			t.Fatalf("expected 0 envelopes, got %d", len(ids))
		}
		if _, err := store.Claim(context.Background(), "worker", 0, time.Minute); err == nil {
			t.Fatal("expected error for non-positive batch size")
		}
	})

	t.Run("one row per subject in insertion order", func(t *testing.T) {
		c := newClock()
		store, db := factory(t, c.Now)
		ctx := context.Background()

		added := add(t, store, db, upvoted("c-1", 1), upvoted("c-2", 1), upvoted("c-1", 2))

		first := claimIDs(t, store, "worker-1", 10)
		if !equalIDs(first, []int64{added[0].ID, added[1].ID}) {
			t.Fatalf("first claim = %v, want %v", first, []int64{added[0].ID, added[1].ID})
		}
		// c-1's second row waits while the first is in flight.
		if ids := claimIDs(t, store, "worker-2", 10); len(ids) != 0 {
			t.Fatalf("claimed behind in-flight row: %v", ids)
		}
		// A retry keeps blocking the subject even after the lease is released.
		if err := store.Retry(ctx, added[0].ID, 1, c.Now().Add(time.Second), "boom"); err != nil {
			t.Fatalf("Retry error: %v", err)
		}
		if err := store.MarkProcessed(ctx, added[1].ID, c.Now()); err != nil {
			t.Fatalf("MarkProcessed error: %v", err)
		}
		if ids := claimIDs(t, store, "worker-2", 10); len(ids) != 0 {
			t.Fatalf("claimed behind retrying row: %v", ids)
		}
		c.Advance(time.Second)
		if ids := claimIDs(t, store, "worker-2", 10); !equalIDs(ids, []int64{added[0].ID}) {
			t.Fatalf("claim after backoff = %v, want %v", ids, []int64{added[0].ID})
		}
		if err := store.MarkProcessed(ctx, added[0].ID, c.Now()); err != nil {
			t.Fatalf("MarkProcessed error: %v", err)
		}
		if ids := claimIDs(t, store, "worker-2", 10); !equalIDs(ids, []int64{added[2].ID}) {
			t.Fatalf("claim after first processed = %v, want %v", ids, []int64{added[2].ID})
		}
	})

	t.Run("deferred rows wait and do not block later rows", func(t *testing.T) {
		c := newClock()
		store, db := factory(t, c.Now)

		added := add(t, store, db, escalationDue("c-1", c.Now().Add(2*time.Minute)), upvoted("c-1", 1))
		if ids := claimIDs(t, store, "worker", 10); !equalIDs(ids, []int64{added[1].ID}) {
			t.Fatalf("claim = %v, want only the immediate row %d", ids, added[1].ID)
		}
		if err := store.MarkProcessed(context.Background(), added[1].ID, c.Now()); err != nil {
			t.Fatalf("MarkProcessed error: %v", err)
		}
		c.Advance(2*time.Minute - time.Millisecond)
		if ids := claimIDs(t, store, "worker", 10); len(ids) != 0 {
			t.Fatalf("claimed before due: %v", ids)
		}
		c.Advance(time.Millisecond)
		if ids := claimIDs(t, store, "worker", 10); !equalIDs(ids, []int64{added[0].ID}) {
			t.Fatalf("claim at due = %v, want %v", ids, []int64{added[0].ID})
		}
	})

	t.Run("claim orders by due time", func(t *testing.T) {
		c := newClock()
		store, db := factory(t, c.Now)

		added := add(t, store, db,
			escalationDue("c-1", c.Now().Add(time.Minute)),
			escalationDue("c-2", c.Now().Add(30*time.Second)),
		)
		c.Advance(time.Minute)
		if ids := claimIDs(t, store, "worker", 10); !equalIDs(ids, []int64{added[1].ID, added[0].ID}) {
			t.Fatalf("claim = %v, want oldest due first", ids)
		}
	})

	t.Run("cancel before claim", func(t *testing.T) {
		c := newClock()
		store, db := factory(t, c.Now)
		ctx := context.Background()

		add(t, store, db, escalationDue("c-1", c.Now().Add(2*time.Minute)))
		c.Advance(30 * time.Second)
		n, err := store.Cancel(ctx, db, "c-1", events.TypeEscalationDue)
		if err != nil || n != 1 {
			t.Fatalf("Cancel() = %d, %v; want 1, nil", n, err)
		}
		c.Advance(5 * time.Minute)
		if ids := claimIDs(t, store, "worker", 10); len(ids) != 0 {
			t.Fatalf("cancelled guard claimed: %v", ids)
		}
		// Nothing left to cancel: zero rows, no error.
		if n, err := store.Cancel(ctx, db, "c-1", events.TypeEscalationDue); err != nil || n != 0 {
			t.Fatalf("second Cancel() = %d, %v; want 0, nil", n, err)
		}
	})

	t.Run("cancel after claim is a no-op", func(t *testing.T) {
		c := newClock()
		store, db := factory(t, c.Now)
		ctx := context.Background()

		added := add(t, store, db, escalationDue("c-1", c.Now()))
		if ids := claimIDs(t, store, "worker", 10); !equalIDs(ids, []int64{added[0].ID}) {
			t.Fatalf("claim = %v", ids)
		}
		n, err := store.Cancel(ctx, db, "c-1", events.TypeEscalationDue)
		if err != nil || n != 0 {
			t.Fatalf("Cancel() = %d, %v; want 0, nil", n, err)
		}
		if err := store.MarkProcessed(ctx, added[0].ID, c.Now()); err != nil {
			t.Fatalf("MarkProcessed error: %v", err)
		}
	})

	t.Run("expired lease is reclaimed", func(t *testing.T) {
		c := newClock()
		store, db := factory(t, c.Now)

		added := add(t, store, db, upvoted("c-1", 1))
		if ids := claimIDs(t, store, "worker-initial", 1); len(ids) != 1 {
			t.Fatalf("expected 1 envelope on first claim, got %d", len(ids))
		}
		if ids := claimIDs(t, store, "worker-other", 1); len(ids) != 0 {
			t.Fatalf("lease not honoured: %v", ids)
		}
		c.Advance(time.Minute)
		if ids := claimIDs(t, store, "worker-reclaim", 1); !equalIDs(ids, []int64{added[0].ID}) {
			t.Fatalf("reclaim = %v, want %v", ids, []int64{added[0].ID})
		}
	})

	t.Run("invalid event rejected", func(t *testing.T) {
		store, db := factory(t, time.Now)
		_, err := store.Add(context.Background(), db, outbox.Event{SubjectID: "c-1"})
		if !errors.Is(err, outbox.ErrInvalidEvent) {
			t.Fatalf("Add() error = %v, want %v", err, outbox.ErrInvalidEvent)
		}
	})

	t.Run("rolled back add leaves no row", func(t *testing.T) {
		store, db := factory(t, time.Now)
		ctx := context.Background()
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}
		if _, err := store.Add(ctx, tx, upvoted("c-1", 1)); err != nil {
			t.Fatalf("Add error: %v", err)
		}
		if err := tx.Rollback(); err != nil {
			t.Fatalf("rollback: %v", err)
		}
		if ids := claimIDs(t, store, "worker", 10); len(ids) != 0 {
			t.Fatalf("rolled back row claimed: %v", ids)
		}
	})
}

// runPendingGuardIndex covers the partial unique index present on Postgres and SQLite.
func runPendingGuardIndex(t *testing.T, factory storeFactory) {
	c := newClock()
	store, db := factory(t, c.Now)
	ctx := context.Background()

	add(t, store, db, escalationDue("c-1", c.Now().Add(time.Minute)))
	if _, err := store.Add(ctx, db, escalationDue("c-1", c.Now().Add(2*time.Minute))); err == nil {
		t.Fatal("second pending guard for the same complaint must be rejected")
	}
	if _, err := store.Cancel(ctx, db, "c-1", events.TypeEscalationDue); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	add(t, store, db, escalationDue("c-1", c.Now().Add(2*time.Minute)))
}
