package complaint_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mickamy/grievance/broker"
	"github.com/mickamy/grievance/complaint"
	"github.com/mickamy/grievance/escalation"
	"github.com/mickamy/grievance/events"
	"github.com/mickamy/grievance/outbox"
)

type collector struct {
	mu    sync.Mutex
	items []events.Notification
}

func collect(t *testing.T, ctx context.Context, sub broker.Subscriber, topic string) *collector {
	t.Helper()
	ch, err := sub.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("Subscribe(%s) error = %v", topic, err)
	}
	c := &collector{}
	go func() {
		for msg := range ch {
			var n events.Notification
			if err := json.Unmarshal(msg.Payload, &n); err != nil {
				continue
			}
			c.mu.Lock()
			c.items = append(c.items, n)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) snapshot() []events.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Notification(nil), c.items...)
}

func (c *collector) waitLen(t *testing.T, n int) []events.Notification {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("received %d notifications, want %d", len(c.snapshot()), n)
	return nil
}

type outcomeSpy struct {
	ch chan escalation.Outcome
}

func (s outcomeSpy) OnOutcome(_ context.Context, _ events.Type, outcome escalation.Outcome) {
	s.ch <- outcome
}

func waitOutcome(t *testing.T, ch <-chan escalation.Outcome, want escalation.Outcome) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("outcome = %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for outcome %s", want)
	}
}

func (f *fixture) relay(b broker.Publisher) *outbox.Relay {
	return outbox.NewRelay(f.store, outbox.NewBrokerSender(b, nil), outbox.Options{
		BatchSize: 10,
		WorkerID:  "test-relay",
		Now:       f.clock.Now,
	})
}

func runOnce(t *testing.T, r *outbox.Relay, want int) {
	t.Helper()
	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n != want {
		t.Fatalf("RunOnce() claimed %d rows, want %d", n, want)
	}
}

func TestEscalationDuePublishedOnceAfterWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b := broker.NewInProcess(nil, 0)
	t.Cleanup(func() { _ = b.Close() })
	due := collect(t, ctx, b, events.EscalationDueTopic)
	relay := f.relay(b)

	c := f.create(t, events.AccessPrivate)
	runOnce(t, relay, 1) // complaint_created

	f.clock.Set(t0.Add(2*time.Minute - time.Second))
	runOnce(t, relay, 0)
	if got := due.snapshot(); len(got) != 0 {
		t.Fatalf("escalation_due published before the window: %+v", got)
	}

	f.clock.Set(t0.Add(2 * time.Minute))
	runOnce(t, relay, 1)
	got := due.waitLen(t, 1)
	if got[0].Type != events.TypeEscalationDue || got[0].SubjectID != c.ID {
		t.Fatalf("notification = %+v", got[0])
	}
	payload, err := got[0].Payload()
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}
	if p := payload.(*events.EscalationDue); p.InchargeID != "inc-3" || p.Rank != 3 {
		t.Fatalf("payload = %+v", p)
	}

	f.clock.Set(t0.Add(10 * time.Minute))
	runOnce(t, relay, 0)
	if got := due.snapshot(); len(got) != 1 {
		t.Fatalf("escalation_due published %d times, want once", len(got))
	}
}

func TestDelegationCancelsEscalationDue(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b := broker.NewInProcess(nil, 0)
	t.Cleanup(func() { _ = b.Close() })
	due := collect(t, ctx, b, events.EscalationDueTopic)
	resolver := collect(t, ctx, b, events.Topic(events.RoleResolver, "res-1"))
	relay := f.relay(b)

	c := f.create(t, events.AccessPrivate)
	runOnce(t, relay, 1)

	f.clock.Set(t0.Add(30 * time.Second))
	if _, err := f.svc.Delegate(context.Background(), c.ID, "inc-3", "res-1"); err != nil {
		t.Fatalf("Delegate() error = %v", err)
	}
	runOnce(t, relay, 1) // complaint_delegated
	if got := resolver.waitLen(t, 1); got[0].Type != events.TypeDelegated {
		t.Fatalf("resolver notification = %+v", got[0])
	}

	f.clock.Set(t0.Add(5 * time.Minute))
	runOnce(t, relay, 0)
	if got := due.snapshot(); len(got) != 0 {
		t.Fatalf("cancelled escalation_due was published: %+v", got)
	}
}

func TestCancelAfterClaimIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, events.AccessPrivate)

	f.clock.Set(t0.Add(2 * time.Minute))
	// Drain the created row, then claim the guard without publishing it yet.
	if _, err := f.store.Claim(ctx, "w1", 10, time.Minute); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	rows := f.outboxRows(t, c.ID)
	if err := f.store.MarkProcessed(ctx, rows[0].id, f.clock.Now()); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	claimed, err := f.store.Claim(ctx, "w1", 10, time.Minute)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(claimed) != 1 || claimed[0].Type != events.TypeEscalationDue {
		t.Fatalf("claimed = %+v, want the escalation guard", claimed)
	}

	if _, err := f.svc.Delegate(ctx, c.ID, "inc-3", "res-1"); err != nil {
		t.Fatalf("Delegate() after claim error = %v", err)
	}
	for _, r := range f.outboxRows(t, c.ID) {
		if r.id == claimed[0].ID && r.status != outbox.StatusSending {
			t.Fatalf("claimed guard status = %s, want %s", r.status, outbox.StatusSending)
		}
	}
	err = f.svc.AutoEscalate(ctx, events.EscalationDue{ComplaintID: c.ID, Title: c.Title, InchargeID: "inc-3", LocationID: 1, Rank: 3})
	if !errors.Is(err, escalation.ErrStale) {
		t.Fatalf("AutoEscalate() after delegation error = %v, want %v", err, escalation.ErrStale)
	}
}

func TestEscalationLoopThroughConsumer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b := broker.NewInProcess(nil, 0)
	t.Cleanup(func() { _ = b.Close() })

	outcomes := make(chan escalation.Outcome, 8)
	consumer, err := escalation.NewConsumer(b, f.svc, escalation.ConsumerOptions{Hooks: outcomeSpy{ch: outcomes}})
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}
	if err := consumer.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	go func() { _ = consumer.Run(ctx) }()
	relay := f.relay(b)

	c := f.create(t, events.AccessPrivate)
	runOnce(t, relay, 1)

	// inc-3 does nothing for two minutes.
	f.clock.Set(t0.Add(2 * time.Minute))
	runOnce(t, relay, 1)
	waitOutcome(t, outcomes, escalation.OutcomeApplied)
	got, err := f.svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AssignedTo != "inc-2" || got.Rank != 2 || got.Status != complaint.StatusAssigned {
		t.Fatalf("after first escalation = %+v", got)
	}
	guards := f.pendingGuards(t, c.ID, events.TypeEscalationDue)
	if len(guards) != 1 || !guards[0].processAfter.Equal(t0.Add(4*time.Minute)) {
		t.Fatalf("re-armed guards = %+v, want one due at T0+4m", guards)
	}

	// inc-2 does nothing either.
	f.clock.Set(t0.Add(4 * time.Minute))
	runOnce(t, relay, 1) // complaint_escalated
	runOnce(t, relay, 1) // escalation_due for inc-2
	waitOutcome(t, outcomes, escalation.OutcomeApplied)

	// inc-1 is the top of the location.
	f.clock.Set(t0.Add(6 * time.Minute))
	runOnce(t, relay, 1)
	runOnce(t, relay, 1)
	waitOutcome(t, outcomes, escalation.OutcomeNoTarget)

	got, err = f.svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AssignedTo != "inc-1" || got.Rank != 1 {
		t.Fatalf("final assignment = %+v, want inc-1 at rank 1", got)
	}
}

func TestClosureLoopThroughConsumer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b := broker.NewInProcess(nil, 0)
	t.Cleanup(func() { _ = b.Close() })

	outcomes := make(chan escalation.Outcome, 4)
	consumer, err := escalation.NewConsumer(b, f.svc, escalation.ConsumerOptions{Hooks: outcomeSpy{ch: outcomes}})
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}
	if err := consumer.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	go func() { _ = consumer.Run(ctx) }()
	relay := f.relay(b)

	c := f.create(t, events.AccessPublic)
	runOnce(t, relay, 1)
	f.clock.Set(t0.Add(time.Minute))
	if _, err := f.svc.Resolve(ctx, c.ID, "inc-3"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	runOnce(t, relay, 1) // complaint_resolved

	f.clock.Set(t0.Add(3 * time.Minute))
	runOnce(t, relay, 1) // closure_due
	waitOutcome(t, outcomes, escalation.OutcomeApplied)

	got, err := f.svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != complaint.StatusClosed {
		t.Fatalf("status = %s, want %s", got.Status, complaint.StatusClosed)
	}
	if guards := f.pendingGuards(t, c.ID, events.TypeEscalationDue); len(guards) != 0 {
		t.Fatalf("escalation guards left after close: %+v", guards)
	}
}

// flakyEscalator fails the first fails auto escalations.
type flakyEscalator struct {
	*complaint.Service
	mu    sync.Mutex
	fails int
}

var errLockTimeout = errors.New("lock wait timeout")

func (h *flakyEscalator) AutoEscalate(ctx context.Context, due events.EscalationDue) error {
	h.mu.Lock()
	if h.fails > 0 {
		h.fails--
		h.mu.Unlock()
		return errLockTimeout
	}
	h.mu.Unlock()
	return h.Service.AutoEscalate(ctx, due)
}

func TestExhaustedGuardIsRearmed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b := broker.NewInProcess(nil, 0)
	t.Cleanup(func() { _ = b.Close() })

	outcomes := make(chan escalation.Outcome, 4)
	handler := &flakyEscalator{Service: f.svc, fails: 3}
	consumer, err := escalation.NewConsumer(b, handler, escalation.ConsumerOptions{
		Attempts:   3,
		Backoff:    func(int) time.Duration { return time.Millisecond },
		RearmDelay: time.Minute,
		Hooks:      outcomeSpy{ch: outcomes},
	})
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}
	if err := consumer.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	go func() { _ = consumer.Run(ctx) }()
	relay := f.relay(b)

	c := f.create(t, events.AccessPrivate)
	runOnce(t, relay, 1)

	f.clock.Set(t0.Add(2 * time.Minute))
	runOnce(t, relay, 1)
	waitOutcome(t, outcomes, escalation.OutcomeRearmed)

	guards := f.pendingGuards(t, c.ID, events.TypeEscalationDue)
	if len(guards) != 1 || !guards[0].processAfter.Equal(t0.Add(3*time.Minute)) {
		t.Fatalf("guards after exhausted attempts = %+v, want one due at T0+3m", guards)
	}

	f.clock.Set(t0.Add(3 * time.Minute))
	runOnce(t, relay, 1)
	waitOutcome(t, outcomes, escalation.OutcomeApplied)
	got, err := f.svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AssignedTo != "inc-2" || got.Rank != 2 {
		t.Fatalf("assignment = %s rank %d, want inc-2 rank 2", got.AssignedTo, got.Rank)
	}
}
