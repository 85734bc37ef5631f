// Package realtime delivers broker notifications to live websocket clients.
// A Registry maps connections to topics and subscribes to the broker lazily;
// each Session owns one connection and its bounded outbound queue.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mickamy/grievance/events"
)

var (
	ErrUnknownRole  = errors.New("realtime: unknown role")
	ErrUnknownTopic = errors.New("realtime: topic cannot be subscribed")
)

// Method is a control message verb sent by clients.
type Method string

const (
	MethodSubscribe   Method = "SUBSCRIBE"
	MethodUnsubscribe Method = "UNSUBSCRIBE"
)

func (m Method) Known() bool {
	return m == MethodSubscribe || m == MethodUnsubscribe
}

// ControlMessage is the only inbound frame: {"method": ..., "params": [topic, ...]}.
type ControlMessage struct {
	Method Method   `json:"method"`
	Params []string `json:"params"`
}

func ParseControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("realtime: malformed control message: %w", err)
	}
	return msg, nil
}

// Derive resolves a client topic hint into a concrete topic.
//
// An empty hint is the caller's own topic. A bare key is scoped to the
// caller's role, so an in-charge sending "inc-3" joins "ISSUE_INCHARGE:inc-3".
// Fully qualified topics must name a client role or the public feed; the
// SYSTEM topics are reserved for the timer consumer.
func Derive(role events.Role, userID, hint string) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	hint = strings.TrimSpace(hint)
	switch {
	case hint == "":
		if userID == "" {
			return "", fmt.Errorf("%w: no user for own topic", ErrUnknownTopic)
		}
		return events.Topic(role, userID), nil
	case hint == events.PublicTopic:
		return hint, nil
	case !strings.Contains(hint, ":"):
		return events.Topic(role, hint), nil
	}
	r, key, ok := events.SplitTopic(hint)
	if !ok || !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTopic, hint)
	}
	return events.Topic(r, key), nil
}
