package complaint_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mickamy/grievance/complaint"
	"github.com/mickamy/grievance/escalation"
	"github.com/mickamy/grievance/events"
	"github.com/mickamy/grievance/internal/sqlutil"
	"github.com/mickamy/grievance/outbox"
	"github.com/mickamy/grievance/outbox/stores"
	"github.com/mickamy/grievance/test/database"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

type fixture struct {
	db    *sql.DB
	clock *clock
	store *stores.SQLiteStore
	repo  *complaint.Repository
	svc   *complaint.Service
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	wrap func(outbox.Writer) outbox.Writer
}

func withWriter(wrap func(outbox.Writer) outbox.Writer) fixtureOption {
	return func(c *fixtureConfig) { c.wrap = wrap }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	var cfg fixtureConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	db := database.OpenSQLite(t)
	clk := &clock{now: t0}
	store := stores.NewSQLiteStore(db, stores.WithSQLiteNow(clk.Now))
	var writer outbox.Writer = store
	if cfg.wrap != nil {
		writer = cfg.wrap(store)
	}
	repo := complaint.NewRepository(db, sqlutil.SQLite)
	var seq int
	svc := complaint.NewService(repo, writer, escalation.NewScheduler(writer),
		complaint.WithNow(clk.Now),
		complaint.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("c-%d", seq)
		}),
	)

	ctx := context.Background()
	for _, in := range []complaint.Incharge{
		{ID: "inc-1", Name: "Warden", LocationID: 1, Rank: 1},
		{ID: "inc-2", Name: "Deputy Warden", LocationID: 1, Rank: 2},
		{ID: "inc-3", Name: "Floor Supervisor", LocationID: 1, Rank: 3},
		{ID: "inc-9", Name: "Registrar", LocationID: 2, Rank: 1},
	} {
		if err := repo.AddIncharge(ctx, in); err != nil {
			t.Fatalf("AddIncharge: %v", err)
		}
	}
	for _, res := range []complaint.Resolver{
		{ID: "res-1", Name: "Plumber", LocationID: 1},
		{ID: "res-2", Name: "Clerk", LocationID: 2},
	} {
		if err := repo.AddResolver(ctx, res); err != nil {
			t.Fatalf("AddResolver: %v", err)
		}
	}
	return &fixture{db: db, clock: clk, store: store, repo: repo, svc: svc}
}

func (f *fixture) create(t *testing.T, access events.Access) complaint.Complaint {
	t.Helper()
	c, err := f.svc.Create(context.Background(), complaint.CreateInput{
		ComplainerID: "user-1",
		Title:        "Leaking tap in block B",
		Description:  "The tap on the second floor has been leaking for a week.",
		Access:       access,
		LocationID:   1,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return c
}

type outboxRow struct {
	id           int64
	eventType    events.Type
	status       outbox.Status
	processAfter time.Time
}

func (f *fixture) outboxRows(t *testing.T, subjectID string) []outboxRow {
	t.Helper()
	rows, err := f.db.QueryContext(context.Background(),
		`SELECT id, event_type, status, process_after FROM outbox_events WHERE subject_id = ? ORDER BY id`, subjectID)
	if err != nil {
		t.Fatalf("query outbox: %v", err)
	}
	defer rows.Close()
	var out []outboxRow
	for rows.Next() {
		var (
			r         outboxRow
			eventType string
			status    string
		)
		if err := rows.Scan(&r.id, &eventType, &status, &r.processAfter); err != nil {
			t.Fatalf("scan outbox: %v", err)
		}
		r.eventType, r.status, r.processAfter = events.Type(eventType), outbox.Status(status), r.processAfter.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate outbox: %v", err)
	}
	return out
}

func (f *fixture) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	if err := f.db.QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}

func (f *fixture) pendingGuards(t *testing.T, subjectID string, typ events.Type) []outboxRow {
	t.Helper()
	var out []outboxRow
	for _, r := range f.outboxRows(t, subjectID) {
		if r.eventType == typ && r.status == outbox.StatusPending {
			out = append(out, r)
		}
	}
	return out
}

// failingWriter fails Add for one event type.
type failingWriter struct {
	outbox.Writer
	failOn events.Type
}

var errWriterDown = fmt.Errorf("outbox unavailable")

func (w failingWriter) Add(ctx context.Context, exec outbox.Executor, ev outbox.Event) (outbox.Envelope, error) {
	if ev.Type() == w.failOn {
		return outbox.Envelope{}, errWriterDown
	}
	return w.Writer.Add(ctx, exec, ev)
}
