// Package complaint runs the complaint lifecycle. Each operation is one
// transaction that mutates the complaint and records its events in the
// outbox, so state and notifications commit or abort together.
package complaint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/mickamy/grievance/escalation"
	"github.com/mickamy/grievance/events"
	"github.com/mickamy/grievance/outbox"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Service struct {
	repo      *Repository
	outbox    outbox.Writer
	scheduler *escalation.Scheduler
	now       func() time.Time
	newID     func() string
	logger    outbox.Logger
}

type Option func(*Service)

func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func WithLogger(logger outbox.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(repo *Repository, writer outbox.Writer, scheduler *escalation.Scheduler, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		outbox:    writer,
		scheduler: scheduler,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    nopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC() }

func (s *Service) record(ctx context.Context, tx *sql.Tx, subjectID string, payload events.Payload) error {
	_, err := s.outbox.Add(ctx, tx, outbox.Event{SubjectID: subjectID, Payload: payload})
	return err
}

func (s *Service) Get(ctx context.Context, id string) (Complaint, error) {
	return s.repo.Get(ctx, id)
}

// Create files a complaint, assigns it to the least senior in-charge at its
// location and arms the escalation guard.
func (s *Service) Create(ctx context.Context, in CreateInput) (Complaint, error) {
	if err := validate.Struct(in); err != nil {
		return Complaint{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	now := s.clock()
	c := Complaint{
		ID:              s.newID(),
		Title:           in.Title,
		Description:     in.Description,
		ComplainerID:    in.ComplainerID,
		Access:          in.Access,
		PostAsAnonymous: in.PostAsAnonymous,
		LocationID:      in.LocationID,
		Status:          StatusAssigned,
		CreatedAt:       now,
		UpdatedAt:       now,
		AssignedAt:      &now,
	}
	err := s.repo.InTx(ctx, func(tx *sql.Tx) error {
		incharge, err := s.repo.juniorIncharge(ctx, tx, in.LocationID)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: location %d", ErrNoIncharge, in.LocationID)
		}
		if err != nil {
			return err
		}
		c.AssignedTo, c.Rank = incharge.ID, incharge.Rank
		if err := s.repo.insert(ctx, tx, c); err != nil {
			return err
		}
		if err := s.record(ctx, tx, c.ID, events.Created{
			ComplaintRef: c.Ref(),
			LocationID:   c.LocationID,
			IsAssignedTo: c.AssignedTo,
			CreatedAt:    now,
		}); err != nil {
			return err
		}
		_, err = s.scheduler.ScheduleEscalation(ctx, tx, c.escalationDue(), now)
		return err
	})
	if err != nil {
		return Complaint{}, err
	}
	return c, nil
}

// Update edits a complaint. Only the complainant may do so, and only while
// the assignee has not acted on it.
func (s *Service) Update(ctx context.Context, in UpdateInput) (Complaint, error) {
	if err := validate.Struct(in); err != nil {
		return Complaint{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return s.mutate(ctx, in.ComplaintID, func(tx *sql.Tx, c *Complaint, now time.Time) error {
		if c.ComplainerID != in.UserID {
			return fmt.Errorf("%w: only the complainant may edit", ErrNotAllowed)
		}
		if c.Status != StatusAssigned || c.ActionTaken {
			return fmt.Errorf("%w: complaint %s can no longer be edited", ErrConflict, c.ID)
		}
		if in.Title != nil {
			c.Title = *in.Title
		}
		if in.Description != nil {
			c.Description = *in.Description
		}
		if in.Access != nil {
			c.Access = *in.Access
		}
		return s.record(ctx, tx, c.ID, events.Updated{
			ComplaintRef: c.Ref(),
			IsAssignedTo: c.AssignedTo,
			UpdatedAt:    now,
		})
	})
}

// Delete withdraws a complaint before it is resolved and disarms its guard.
func (s *Service) Delete(ctx context.Context, complaintID, userID string) error {
	_, err := s.mutate(ctx, complaintID, func(tx *sql.Tx, c *Complaint, now time.Time) error {
		if c.ComplainerID != userID {
			return fmt.Errorf("%w: only the complainant may delete", ErrNotAllowed)
		}
		switch c.Status {
		case StatusResolved, StatusClosed, StatusDeleted:
			return fmt.Errorf("%w: complaint %s is %s", ErrConflict, c.ID, c.Status)
		}
		c.Status = StatusDeleted
		c.DeletedAt = &now
		if _, err := s.scheduler.CancelEscalation(ctx, tx, c.ID); err != nil {
			return err
		}
		return s.record(ctx, tx, c.ID, events.Deleted{
			ComplaintRef: c.Ref(),
			IsAssignedTo: c.AssignedTo,
			DeletedAt:    now,
		})
	})
	return err
}

// Upvote toggles the user's upvote and returns whether it is now set together
// with the new total.
func (s *Service) Upvote(ctx context.Context, complaintID, userID string) (bool, int, error) {
	if complaintID == "" || userID == "" {
		return false, 0, fmt.Errorf("%w: complaint and user are required", ErrValidation)
	}
	var (
		upvoted bool
		total   int
	)
	err := s.repo.InTx(ctx, func(tx *sql.Tx) error {
		c, err := s.repo.lock(ctx, tx, complaintID)
		if err != nil {
			return err
		}
		if c.Status.Terminal() {
			return fmt.Errorf("%w: complaint %s is %s", ErrConflict, c.ID, c.Status)
		}
		upvoted, total, err = s.repo.toggleUpvote(ctx, tx, c.ID, userID, s.clock())
		if err != nil {
			return err
		}
		return s.record(ctx, tx, c.ID, events.Upvoted{
			ComplaintRef: c.Ref(),
			IsAssignedTo: c.AssignedTo,
			Upvotes:      total,
		})
	})
	if err != nil {
		return false, 0, err
	}
	return upvoted, total, nil
}

// Delegate hands an assigned complaint to a resolver at the same location.
func (s *Service) Delegate(ctx context.Context, complaintID, inchargeID, resolverID string) (Complaint, error) {
	if resolverID == "" {
		return Complaint{}, fmt.Errorf("%w: resolver is required", ErrValidation)
	}
	return s.mutate(ctx, complaintID, func(tx *sql.Tx, c *Complaint, now time.Time) error {
		if err := requireAssignee(*c, inchargeID); err != nil {
			return err
		}
		resolver, err := s.repo.resolver(ctx, tx, resolverID)
		if err != nil {
			return err
		}
		if resolver.LocationID != c.LocationID {
			return fmt.Errorf("%w: resolver %s works at another location", ErrConflict, resolverID)
		}
		c.Status = StatusDelegated
		c.DelegatedTo = resolver.ID
		c.ActionTaken = true
		if _, err := s.scheduler.CancelEscalation(ctx, tx, c.ID); err != nil {
			return err
		}
		return s.record(ctx, tx, c.ID, events.Delegated{
			ComplaintRef: c.Ref(),
			IsAssignedTo: c.AssignedTo,
			DelegatedTo:  resolver.ID,
			DelegatedAt:  now,
		})
	})
}

// Escalate lets the assignee pass the complaint to the next senior in-charge.
func (s *Service) Escalate(ctx context.Context, complaintID, inchargeID string) (Complaint, error) {
	return s.mutate(ctx, complaintID, func(tx *sql.Tx, c *Complaint, now time.Time) error {
		if err := requireAssignee(*c, inchargeID); err != nil {
			return err
		}
		return s.escalate(ctx, tx, c, now, false)
	})
}

// AutoEscalate runs when an escalation guard fires. It only acts when the
// complaint is still assigned to the in-charge and rank the guard was armed for.
func (s *Service) AutoEscalate(ctx context.Context, due events.EscalationDue) error {
	_, err := s.mutate(ctx, due.ComplaintID, func(tx *sql.Tx, c *Complaint, now time.Time) error {
		if err := escalationApplies(*c, due); err != nil {
			return err
		}
		return s.escalate(ctx, tx, c, now, true)
	})
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrStaleGuard, err)
	}
	return err
}

// escalate reassigns c to the in-charge one rank above and re-arms the guard
// from the new assignment.
func (s *Service) escalate(ctx context.Context, tx *sql.Tx, c *Complaint, now time.Time, automatic bool) error {
	target, err := s.repo.inchargeAt(ctx, tx, c.LocationID, c.Rank-1)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: complaint %s at rank %d", ErrNoEscalationTarget, c.ID, c.Rank)
	}
	if err != nil {
		return err
	}
	previous := c.AssignedTo
	c.AssignedTo, c.Rank = target.ID, target.Rank
	c.AssignedAt = &now
	if err := s.record(ctx, tx, c.ID, events.Escalated{
		ComplaintRef:     c.Ref(),
		PreviousAssignee: previous,
		IsAssignedTo:     c.AssignedTo,
		LocationID:       c.LocationID,
		Rank:             c.Rank,
		Automatic:        automatic,
		EscalatedAt:      now,
	}); err != nil {
		return err
	}
	if _, err := s.scheduler.ScheduleEscalation(ctx, tx, c.escalationDue(), now); err != nil {
		return err
	}
	s.logger.Info(ctx, "complaint %s escalated from %s to %s (rank %d, automatic=%t)", c.ID, previous, c.AssignedTo, c.Rank, automatic)
	return nil
}

// Resolve closes the work on a complaint. The assignee resolves an assigned
// complaint; the resolver resolves a delegated one. A closure guard is armed
// so the complaint closes after the feedback window.
func (s *Service) Resolve(ctx context.Context, complaintID, userID string) (Complaint, error) {
	return s.mutate(ctx, complaintID, func(tx *sql.Tx, c *Complaint, now time.Time) error {
		switch {
		case c.Status == StatusAssigned && c.AssignedTo == userID:
		case c.Status == StatusDelegated && c.DelegatedTo == userID:
		case c.Status == StatusAssigned || c.Status == StatusDelegated:
			return fmt.Errorf("%w: %s may not resolve complaint %s", ErrNotAllowed, userID, c.ID)
		default:
			return fmt.Errorf("%w: complaint %s is %s", ErrConflict, c.ID, c.Status)
		}
		c.Status = StatusResolved
		c.ResolvedBy = userID
		c.ResolvedAt = &now
		c.ActionTaken = true
		if _, err := s.scheduler.CancelEscalation(ctx, tx, c.ID); err != nil {
			return err
		}
		if err := s.record(ctx, tx, c.ID, events.Resolved{
			ComplaintRef: c.Ref(),
			IsAssignedTo: c.AssignedTo,
			ResolvedBy:   userID,
			ResolvedAt:   now,
		}); err != nil {
			return err
		}
		_, err := s.scheduler.ScheduleClosure(ctx, tx, events.ClosureDue{
			ComplaintRef: c.Ref(),
			IsAssignedTo: c.AssignedTo,
		}, now)
		return err
	})
}

// AutoClose runs when a closure guard fires.
func (s *Service) AutoClose(ctx context.Context, due events.ClosureDue) error {
	_, err := s.mutate(ctx, due.ComplaintID, func(tx *sql.Tx, c *Complaint, now time.Time) error {
		if err := closureApplies(*c); err != nil {
			return err
		}
		c.Status = StatusClosed
		c.ClosedAt = &now
		return s.record(ctx, tx, c.ID, events.Closed{
			ComplaintRef: c.Ref(),
			IsAssignedTo: c.AssignedTo,
			ClosedAt:     now,
		})
	})
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrStaleGuard, err)
	}
	return err
}

// Rearm writes a fired guard back, due after delay, when applying it kept
// failing. A guard that no longer matches the complaint is not written and
// ErrStaleGuard is returned.
func (s *Service) Rearm(ctx context.Context, guard events.Payload, delay time.Duration) error {
	var (
		id    string
		check func(Complaint) error
	)
	switch g := guard.(type) {
	case events.EscalationDue:
		id = g.ComplaintID
		check = func(c Complaint) error { return escalationApplies(c, g) }
	case events.ClosureDue:
		id = g.ComplaintID
		check = closureApplies
	default:
		return fmt.Errorf("%w: %T is not a guard", ErrValidation, guard)
	}
	if id == "" {
		return fmt.Errorf("%w: complaint id is required", ErrValidation)
	}
	err := s.repo.InTx(ctx, func(tx *sql.Tx) error {
		c, err := s.repo.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := check(c); err != nil {
			return err
		}
		at := s.clock().Add(delay)
		if _, err := s.scheduler.Rearm(ctx, tx, id, guard, at); err != nil {
			return err
		}
		s.logger.Warn(ctx, "complaint %s %s guard re-armed for %s", id, guard.EventType(), at.Format(time.RFC3339))
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrStaleGuard, err)
	}
	return err
}

// escalationApplies reports whether due still describes the complaint's
// current assignment.
func escalationApplies(c Complaint, due events.EscalationDue) error {
	if c.Status != StatusAssigned || c.AssignedTo != due.InchargeID || c.Rank != due.Rank {
		return fmt.Errorf("%w: complaint %s is %s with %s", ErrStaleGuard, c.ID, c.Status, c.AssignedTo)
	}
	return nil
}

func closureApplies(c Complaint) error {
	if c.Status != StatusResolved {
		return fmt.Errorf("%w: complaint %s is %s", ErrStaleGuard, c.ID, c.Status)
	}
	return nil
}

// mutate locks the complaint, applies fn and saves the result, all in one
// transaction. fn sees the locked row and records its events through tx.
func (s *Service) mutate(ctx context.Context, id string, fn func(tx *sql.Tx, c *Complaint, now time.Time) error) (Complaint, error) {
	if id == "" {
		return Complaint{}, fmt.Errorf("%w: complaint id is required", ErrValidation)
	}
	var out Complaint
	err := s.repo.InTx(ctx, func(tx *sql.Tx) error {
		prev, err := s.repo.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.clock()
		next := prev
		if err := fn(tx, &next, now); err != nil {
			return err
		}
		next.UpdatedAt = now
		if err := s.repo.save(ctx, tx, next, prev); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return Complaint{}, err
	}
	return out, nil
}

func requireAssignee(c Complaint, inchargeID string) error {
	if c.Status != StatusAssigned {
		return fmt.Errorf("%w: complaint %s is %s", ErrConflict, c.ID, c.Status)
	}
	if c.AssignedTo != inchargeID {
		return fmt.Errorf("%w: %s is not the assignee of %s", ErrNotAllowed, inchargeID, c.ID)
	}
	return nil
}

type nopLogger struct{}

func (nopLogger) Info(context.Context, string, ...any)  {}
func (nopLogger) Warn(context.Context, string, ...any)  {}
func (nopLogger) Error(context.Context, string, ...any) {}
