package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/multierr"

	"github.com/mickamy/grievance/broker"
	"github.com/mickamy/grievance/events"
)

// Router maps a row to the broker topics it is published on.
type Router func(env Envelope) ([]string, error)

// RouteByType derives topics from the event type and payload.
func RouteByType(env Envelope) ([]string, error) {
	return events.Route(env.Type, env.Payload)
}

// BrokerSender publishes rows as events.Notification bodies on every routed topic.
type BrokerSender struct {
	publisher broker.Publisher
	route     Router
}

// NewBrokerSender returns a Sender; a nil route uses RouteByType.
func NewBrokerSender(publisher broker.Publisher, route Router) *BrokerSender {
	if route == nil {
		route = RouteByType
	}
	return &BrokerSender{publisher: publisher, route: route}
}

// Send publishes to all topics and fails if any publish fails. A partial
// failure is retried as a whole; subscribers dedupe by id.
func (s *BrokerSender) Send(ctx context.Context, env Envelope) error {
	topics, err := s.route(env)
	if err != nil {
		return fmt.Errorf("outbox: route event %d: %w", env.ID, err)
	}
	body, err := json.Marshal(env.Notification())
	if err != nil {
		return fmt.Errorf("outbox: encode event %d: %w", env.ID, err)
	}
	msg := broker.Message{
		UUID:    strconv.FormatInt(env.ID, 10),
		Payload: body,
		Metadata: map[string]string{
			"event_type": string(env.Type),
			"subject_id": env.SubjectID,
		},
	}
	var errs error
	for _, topic := range topics {
		if err := s.publisher.Publish(ctx, topic, msg); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
