package broker

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/google/uuid"
)

// NewAMQP builds a fan-out broker on RabbitMQ. Every process gets its own
// queue per topic, so each subscriber sees every message. An empty
// queueSuffix is replaced by a random instance id.
func NewAMQP(uri, queueSuffix string, logger watermill.LoggerAdapter) (*Watermill, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	cfg := amqpConfig(uri, queueSuffix)
	pub, err := amqp.NewPublisher(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("broker: amqp publisher: %w", err)
	}
	sub, err := amqp.NewSubscriber(cfg, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("broker: amqp subscriber: %w", err)
	}
	return NewWatermill(pub, sub), nil
}

// amqpConfig names queues "<topic>_<suffix>". Queues are deleted with their
// last consumer so a released topic does not keep buffering.
func amqpConfig(uri, queueSuffix string) amqp.Config {
	if queueSuffix == "" {
		queueSuffix = uuid.NewString()[:8]
	}
	cfg := amqp.NewNonDurablePubSubConfig(uri, amqp.GenerateQueueNameTopicNameWithSuffix(queueSuffix))
	cfg.Queue.AutoDelete = true
	return cfg
}
