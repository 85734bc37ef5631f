// Package outbox provides the transactional outbox: events recorded inside the
// caller's database transaction and relayed to a broker at least once.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mickamy/grievance/events"
)

// ErrInvalidEvent is returned when an event fails validation before insert.
var ErrInvalidEvent = errors.New("outbox: invalid event")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Event is a lifecycle event queued inside a DB transaction.
type Event struct {
	// SubjectID identifies the entity the event concerns (complaint id).
	SubjectID string
	// Payload is the typed variant; its EventType tags the row.
	Payload events.Payload
	// ProcessAfter is the earliest publish time. Zero means immediately.
	ProcessAfter time.Time
}

// Type returns the event type carried by the payload.
func (e Event) Type() events.Type {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// validate ensures the minimal contract for inserting an outbox row.
func (e Event) validate() error {
	if e.SubjectID == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidEvent)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: payload is required", ErrInvalidEvent)
	}
	if !e.Type().Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type())
	}
	if err := validate.Struct(e.Payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEvent, e.Type(), err)
	}
	return nil
}

// MarshalPayload validates the event and turns the payload into JSON for storage.
func (e Event) MarshalPayload() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: failed to marshal payload: %w", err)
	}
	return payload, nil
}

// Due resolves ProcessAfter against now, normalised to UTC.
func (e Event) Due(now time.Time) time.Time {
	if e.ProcessAfter.IsZero() {
		return now.UTC()
	}
	return e.ProcessAfter.UTC()
}

// Status is the stored lifecycle of an outbox row. Pending, Retry and Sending
// are all "not yet published"; Processed and Failed are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetry     Status = "retry"
	StatusSending   Status = "sending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Envelope represents a row read back from the store.
type Envelope struct {
	// ID is the primary key of the outbox row.
	ID int64
	// SubjectID is the entity the event concerns.
	SubjectID string
	// Type tags the payload variant.
	Type events.Type
	// Payload is the raw JSON stored in the outbox.
	Payload json.RawMessage
	// Status is only populated by listing calls.
	Status Status
	// RetryCount tracks how many attempts have been made (before this lease).
	RetryCount int
	// ProcessAfter is the earliest publish time recorded at write time.
	ProcessAfter time.Time
	// CreatedAt records when the row was inserted.
	CreatedAt time.Time
	// LastError holds the last publish error, if any.
	LastError string
}

// Decode unmarshals the payload into its typed variant.
func (e Envelope) Decode() (events.Payload, error) {
	return events.Decode(e.Type, e.Payload)
}

// Notification converts the envelope into the outbound wire shape.
func (e Envelope) Notification() events.Notification {
	return events.Notification{
		ID:        e.ID,
		Type:      e.Type,
		SubjectID: e.SubjectID,
		Data:      e.Payload,
	}
}
