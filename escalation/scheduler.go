// Package escalation keeps the time guards of a complaint: an escalation_due
// row written at assignment and a closure_due row written at resolution. A
// guard is cancelled in the same transaction as the action that preempts it.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mickamy/grievance/events"
	"github.com/mickamy/grievance/outbox"
)

var (
	// ErrNoTarget reports that no in-charge ranks above the current assignee at
	// the complaint's location.
	ErrNoTarget = errors.New("escalation: no escalation target")
	// ErrStale reports that the complaint left the guarded state before the
	// guard fired, so there is nothing to do.
	ErrStale = errors.New("escalation: guard no longer applies")
)

const (
	DefaultEscalationWindow = 2 * time.Minute
	DefaultClosureWindow    = 2 * time.Minute
)

// Scheduler writes and cancels guards through an outbox.Writer.
type Scheduler struct {
	writer           outbox.Writer
	escalationWindow time.Duration
	closureWindow    time.Duration
}

type Option func(*Scheduler)

// WithEscalationWindow sets how long an assignee may sit on a complaint.
func WithEscalationWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.escalationWindow = d
		}
	}
}

// WithClosureWindow sets how long a resolved complaint stays open for feedback.
func WithClosureWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.closureWindow = d
		}
	}
}

func NewScheduler(writer outbox.Writer, opts ...Option) *Scheduler {
	s := &Scheduler{
		writer:           writer,
		escalationWindow: DefaultEscalationWindow,
		closureWindow:    DefaultClosureWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) EscalationWindow() time.Duration { return s.escalationWindow }

func (s *Scheduler) ClosureWindow() time.Duration { return s.closureWindow }

// ScheduleEscalation replaces any pending escalation guard of the complaint
// with one due at assignedAt plus the escalation window.
func (s *Scheduler) ScheduleEscalation(ctx context.Context, exec outbox.Executor, due events.EscalationDue, assignedAt time.Time) (outbox.Envelope, error) {
	return s.schedule(ctx, exec, due.ComplaintID, due, assignedAt.Add(s.escalationWindow))
}

// CancelEscalation marks the pending escalation guard processed. It returns
// the number of rows cancelled; zero means the guard already fired or never existed.
func (s *Scheduler) CancelEscalation(ctx context.Context, exec outbox.Executor, complaintID string) (int64, error) {
	return s.writer.Cancel(ctx, exec, complaintID, events.TypeEscalationDue)
}

// ScheduleClosure replaces any pending closure guard with one due at
// resolvedAt plus the closure window.
func (s *Scheduler) ScheduleClosure(ctx context.Context, exec outbox.Executor, due events.ClosureDue, resolvedAt time.Time) (outbox.Envelope, error) {
	return s.schedule(ctx, exec, due.ComplaintID, due, resolvedAt.Add(s.closureWindow))
}

func (s *Scheduler) CancelClosure(ctx context.Context, exec outbox.Executor, complaintID string) (int64, error) {
	return s.writer.Cancel(ctx, exec, complaintID, events.TypeClosureDue)
}

// Rearm writes payload again as the guard of complaintID, due at at. It is
// used when a fired guard could not be applied, so the step is retried
// instead of lost. payload must be of a scheduled type.
func (s *Scheduler) Rearm(ctx context.Context, exec outbox.Executor, complaintID string, payload events.Payload, at time.Time) (outbox.Envelope, error) {
	return s.schedule(ctx, exec, complaintID, payload, at)
}

// schedule cancels before it writes so two pending guards never coexist.
func (s *Scheduler) schedule(ctx context.Context, exec outbox.Executor, subjectID string, payload events.Payload, at time.Time) (outbox.Envelope, error) {
	if !payload.EventType().Scheduled() {
		return outbox.Envelope{}, fmt.Errorf("%w: %s is not a scheduled type", outbox.ErrInvalidEvent, payload.EventType())
	}
	if subjectID == "" {
		return outbox.Envelope{}, fmt.Errorf("%w: complaint id is required", outbox.ErrInvalidEvent)
	}
	if _, err := s.writer.Cancel(ctx, exec, subjectID, payload.EventType()); err != nil {
		return outbox.Envelope{}, err
	}
	return s.writer.Add(ctx, exec, outbox.Event{
		SubjectID:    subjectID,
		Payload:      payload,
		ProcessAfter: at.UTC(),
	})
}
