package complaint

import (
	"time"

	"github.com/mickamy/grievance/events"
)

// Status is the lifecycle state of a complaint. Escalation keeps a complaint
// ASSIGNED and changes the assignee and rank.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAssigned  Status = "ASSIGNED"
	StatusDelegated Status = "DELEGATED"
	StatusResolved  Status = "RESOLVED"
	StatusClosed    Status = "CLOSED"
	StatusDeleted   Status = "DELETED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusDeleted
}

type Complaint struct {
	ID              string
	Title           string
	Description     string
	ComplainerID    string
	Access          events.Access
	PostAsAnonymous bool
	LocationID      int64
	Status          Status
	// AssignedTo is the in-charge currently responsible; Rank is theirs.
	AssignedTo  string
	Rank        int
	ActionTaken bool
	DelegatedTo string
	ResolvedBy  string
	Upvotes     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	AssignedAt  *time.Time
	ResolvedAt  *time.Time
	ClosedAt    *time.Time
	DeletedAt   *time.Time
}

// Ref is the routing header every complaint event carries.
func (c Complaint) Ref() events.ComplaintRef {
	return events.ComplaintRef{
		ComplaintID:  c.ID,
		ComplainerID: c.ComplainerID,
		Access:       c.Access,
		Title:        c.Title,
	}
}

func (c Complaint) escalationDue() events.EscalationDue {
	return events.EscalationDue{
		ComplaintID: c.ID,
		Title:       c.Title,
		InchargeID:  c.AssignedTo,
		LocationID:  c.LocationID,
		Rank:        c.Rank,
	}
}

// Incharge handles complaints at one location. Rank 1 is the most senior.
type Incharge struct {
	ID         string `validate:"required"`
	Name       string `validate:"required"`
	LocationID int64  `validate:"gt=0"`
	Rank       int    `validate:"gte=1"`
}

// Resolver carries out delegated work at a location.
type Resolver struct {
	ID         string `validate:"required"`
	Name       string `validate:"required"`
	LocationID int64  `validate:"gt=0"`
}

type CreateInput struct {
	ComplainerID    string        `validate:"required"`
	Title           string        `validate:"required,min=3"`
	Description     string        `validate:"required,min=3"`
	Access          events.Access `validate:"oneof=PUBLIC PRIVATE"`
	PostAsAnonymous bool
	LocationID      int64 `validate:"gt=0"`
}

// UpdateInput changes the fields that are set.
type UpdateInput struct {
	ComplaintID string         `validate:"required"`
	UserID      string         `validate:"required"`
	Title       *string        `validate:"omitnil,min=3"`
	Description *string        `validate:"omitnil,min=3"`
	Access      *events.Access `validate:"omitnil,oneof=PUBLIC PRIVATE"`
}
