// Package broker is the topic-addressed message bus between the outbox relay
// and live subscribers. Brokers do not persist: a message published while no
// subscriber is attached is dropped. Durability lives in the outbox.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker: closed")

// Message is an opaque payload with routing metadata.
type Message struct {
	// UUID identifies the message; the relay uses the outbox row id.
	UUID string
	// Payload is the serialized body. The broker enforces no schema.
	Payload []byte
	// Metadata carries string headers such as the event type.
	Metadata map[string]string
}

// Publisher delivers a message to every current subscriber of topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

// Subscriber returns messages published to topic after Subscribe returns.
// The channel is closed when ctx is cancelled or the broker is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
}

// Broker is both sides of the bus.
type Broker interface {
	Publisher
	Subscriber
	Close() error
}
