package broker

import (
	"context"

	"go.uber.org/multierr"
)

// Mirror publishes to a primary broker and, for the selected topics, also to
// a secondary publisher such as an SQS queue read by an external consumer.
type Mirror struct {
	Broker
	secondary Publisher
	topics    map[string]struct{}
}

// NewMirror returns a Broker that copies messages on topics to secondary.
// With no topics every message is mirrored.
func NewMirror(primary Broker, secondary Publisher, topics ...string) *Mirror {
	m := &Mirror{Broker: primary, secondary: secondary, topics: make(map[string]struct{}, len(topics))}
	for _, t := range topics {
		m.topics[t] = struct{}{}
	}
	return m
}

func (m *Mirror) Publish(ctx context.Context, topic string, msg Message) error {
	err := m.Broker.Publish(ctx, topic, msg)
	if m.mirrored(topic) {
		err = multierr.Append(err, m.secondary.Publish(ctx, topic, msg))
	}
	return err
}

func (m *Mirror) mirrored(topic string) bool {
	if len(m.topics) == 0 {
		return true
	}
	_, ok := m.topics[topic]
	return ok
}
