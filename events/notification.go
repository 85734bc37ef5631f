package events

import "encoding/json"

// Notification is the outbound wire shape shared by the broker and every
// client connection: {"id", "type", "subjectId", "data"}. Consumers dedupe by ID.
type Notification struct {
	ID        int64           `json:"id"`
	Type      Type            `json:"type"`
	SubjectID string          `json:"subjectId"`
	Data      json.RawMessage `json:"data"`
}

// Payload decodes Data into the variant selected by Type.
func (n Notification) Payload() (Payload, error) {
	return Decode(n.Type, n.Data)
}
