package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is implemented by every event variant. The set is closed: only the
// types in this file satisfy it.
type Payload interface {
	EventType() Type
	// Topics lists the broker topics the event is delivered to.
	Topics() []string
	isPayload()
}

// ComplaintRef carries the fields every complaint-facing event needs for routing.
type ComplaintRef struct {
	ComplaintID  string `json:"complaintId" validate:"required"`
	ComplainerID string `json:"complainerId" validate:"required"`
	Access       Access `json:"access" validate:"oneof=PUBLIC PRIVATE"`
	Title        string `json:"title" validate:"required"`
}

func (r ComplaintRef) audience(t *topicSet) {
	t.add(Topic(RoleComplainant, r.ComplainerID))
	if r.Access == AccessPublic {
		t.add(PublicTopic)
	}
}

type Created struct {
	ComplaintRef
	LocationID   int64     `json:"locationId" validate:"gt=0"`
	IsAssignedTo string    `json:"isAssignedTo" validate:"required"`
	CreatedAt    time.Time `json:"createdAt" validate:"required"`
}

type Updated struct {
	ComplaintRef
	IsAssignedTo string    `json:"isAssignedTo" validate:"required"`
	UpdatedAt    time.Time `json:"updatedAt" validate:"required"`
}

type Upvoted struct {
	ComplaintRef
	IsAssignedTo string `json:"isAssignedTo" validate:"required"`
	Upvotes      int    `json:"upvotes" validate:"gte=0"`
}

type Deleted struct {
	ComplaintRef
	IsAssignedTo string    `json:"isAssignedTo" validate:"required"`
	DeletedAt    time.Time `json:"deletedAt" validate:"required"`
}

type Delegated struct {
	ComplaintRef
	IsAssignedTo string    `json:"isAssignedTo" validate:"required"`
	DelegatedTo  string    `json:"delegatedTo" validate:"required"`
	DelegatedAt  time.Time `json:"delegatedAt" validate:"required"`
}

// Escalated reports a reassignment to the next-higher rank. Automatic is set
// when the reassignment was triggered by an expired escalation guard.
type Escalated struct {
	ComplaintRef
	PreviousAssignee string    `json:"previousAssignee" validate:"required"`
	IsAssignedTo     string    `json:"isAssignedTo" validate:"required,nefield=PreviousAssignee"`
	LocationID       int64     `json:"locationId" validate:"gt=0"`
	Rank             int       `json:"rank" validate:"gte=1"`
	Automatic        bool      `json:"automatic"`
	EscalatedAt      time.Time `json:"escalatedAt" validate:"required"`
}

// EscalationDue is the guard written at assignment time. It is the message
// received by the escalation timer consumer.
type EscalationDue struct {
	ComplaintID string `json:"complaintId" validate:"required"`
	Title       string `json:"title" validate:"required"`
	InchargeID  string `json:"inchargeId" validate:"required"`
	LocationID  int64  `json:"locationId" validate:"gt=0"`
	Rank        int    `json:"rank" validate:"gte=1"`
}

type Resolved struct {
	ComplaintRef
	IsAssignedTo string    `json:"isAssignedTo" validate:"required"`
	ResolvedBy   string    `json:"resolvedBy" validate:"required"`
	ResolvedAt   time.Time `json:"resolvedAt" validate:"required"`
}

// ClosureDue closes a resolved complaint once its feedback window elapses.
type ClosureDue struct {
	ComplaintRef
	IsAssignedTo string `json:"isAssignedTo" validate:"required"`
}

type Closed struct {
	ComplaintRef
	IsAssignedTo string    `json:"isAssignedTo" validate:"required"`
	ClosedAt     time.Time `json:"closedAt" validate:"required"`
}

func (Created) EventType() Type       { return TypeCreated }
func (Updated) EventType() Type       { return TypeUpdated }
func (Upvoted) EventType() Type       { return TypeUpvoted }
func (Deleted) EventType() Type       { return TypeDeleted }
func (Delegated) EventType() Type     { return TypeDelegated }
func (Escalated) EventType() Type     { return TypeEscalated }
func (EscalationDue) EventType() Type { return TypeEscalationDue }
func (Resolved) EventType() Type      { return TypeResolved }
func (ClosureDue) EventType() Type    { return TypeClosureDue }
func (Closed) EventType() Type        { return TypeClosed }

func (Created) isPayload()       {}
func (Updated) isPayload()       {}
func (Upvoted) isPayload()       {}
func (Deleted) isPayload()       {}
func (Delegated) isPayload()     {}
func (Escalated) isPayload()     {}
func (EscalationDue) isPayload() {}
func (Resolved) isPayload()      {}
func (ClosureDue) isPayload()    {}
func (Closed) isPayload()        {}

// Decode unmarshals raw into the payload variant selected by t.
func Decode(t Type, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case TypeCreated:
		p = &Created{}
	case TypeUpdated:
		p = &Updated{}
	case TypeUpvoted:
		p = &Upvoted{}
	case TypeDeleted:
		p = &Deleted{}
	case TypeDelegated:
		p = &Delegated{}
	case TypeEscalated:
		p = &Escalated{}
	case TypeEscalationDue:
		p = &EscalationDue{}
	case TypeResolved:
		p = &Resolved{}
	case TypeClosureDue:
		p = &ClosureDue{}
	case TypeClosed:
		p = &Closed{}
	default:
		return nil, fmt.Errorf("events: unknown event type %q", t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("events: decode %s: %w", t, err)
	}
	return p, nil
}
