// Package events defines the closed set of complaint lifecycle events, their
// payload variants and the topics each event is routed to.
package events

// Type tags a lifecycle event and selects its payload variant.
type Type string

const (
	TypeCreated       Type = "complaint_created"
	TypeUpdated       Type = "complaint_updated"
	TypeUpvoted       Type = "complaint_upvoted"
	TypeDeleted       Type = "complaint_deleted"
	TypeDelegated     Type = "complaint_delegated"
	TypeEscalated     Type = "complaint_escalated"
	TypeEscalationDue Type = "complaint_escalation_due"
	TypeResolved      Type = "complaint_resolved"
	TypeClosureDue    Type = "complaint_closure_due"
	TypeClosed        Type = "complaint_closed"
)

var knownTypes = map[Type]struct{}{
	TypeCreated:       {},
	TypeUpdated:       {},
	TypeUpvoted:       {},
	TypeDeleted:       {},
	TypeDelegated:     {},
	TypeEscalated:     {},
	TypeEscalationDue: {},
	TypeResolved:      {},
	TypeClosureDue:    {},
	TypeClosed:        {},
}

// Valid reports whether t belongs to the closed set of event types.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Scheduled reports whether t is a deferred guard event. At most one pending
// row may exist per subject for a scheduled type.
func (t Type) Scheduled() bool {
	return t == TypeEscalationDue || t == TypeClosureDue
}

func (t Type) String() string { return string(t) }

// Role is the audience class a connection subscribes as.
type Role string

const (
	RoleComplainant   Role = "USER"
	RoleIssueIncharge Role = "ISSUE_INCHARGE"
	RoleResolver      Role = "RESOLVER"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleComplainant, RoleIssueIncharge, RoleResolver:
		return true
	}
	return false
}

// Access is the visibility of a complaint.
type Access string

const (
	AccessPublic  Access = "PUBLIC"
	AccessPrivate Access = "PRIVATE"
)
