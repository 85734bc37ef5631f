package complaint

import (
	"errors"
	"fmt"

	"github.com/mickamy/grievance/escalation"
)

var (
	// ErrValidation is returned for malformed input, before any mutation.
	ErrValidation = errors.New("complaint: validation failed")
	// ErrNotFound is returned when a complaint, in-charge or resolver does not exist.
	ErrNotFound = errors.New("complaint: not found")
	// ErrConflict is returned when the complaint is not in a state that allows the action.
	ErrConflict = errors.New("complaint: conflict")
	// ErrNotAllowed is returned when the acting user does not own the step.
	ErrNotAllowed = errors.New("complaint: action not allowed for user")

	// ErrNoIncharge is returned by Create when the location has nobody to assign.
	ErrNoIncharge = fmt.Errorf("%w: no in-charge at location", ErrConflict)
	// ErrNoEscalationTarget is returned when no in-charge ranks above the assignee.
	ErrNoEscalationTarget = fmt.Errorf("%w: %w", ErrConflict, escalation.ErrNoTarget)
	// ErrStaleGuard is returned when a fired guard no longer matches the complaint.
	ErrStaleGuard = fmt.Errorf("%w: %w", ErrConflict, escalation.ErrStale)
)
