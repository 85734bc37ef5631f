package broker

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/multierr"
)

// Watermill adapts a Watermill publisher/subscriber pair to Broker.
type Watermill struct {
	pub message.Publisher
	sub message.Subscriber
}

// NewWatermill wraps any Watermill transport.
func NewWatermill(pub message.Publisher, sub message.Subscriber) *Watermill {
	return &Watermill{pub: pub, sub: sub}
}

// NewInProcess returns a non-persistent gochannel broker. Publish blocks until
// every subscriber acknowledged, which keeps per-topic order as long as no
// publish is abandoned on its context.
func NewInProcess(logger watermill.LoggerAdapter, buffer int64) *Watermill {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            buffer,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	return NewWatermill(ch, ch)
}

func (w *Watermill) Publish(ctx context.Context, topic string, msg Message) error {
	uuid := msg.UUID
	if uuid == "" {
		uuid = watermill.NewUUID()
	}
	wm := message.NewMessage(uuid, msg.Payload)
	for k, v := range msg.Metadata {
		wm.Metadata.Set(k, v)
	}
	wm.SetContext(ctx)
	// gochannel blocks until every subscriber acked and never looks at ctx.
	// A publish abandoned here may still be delivered later, either before or
	// after a retry of the same row or a later row of the same subject. So
	// per-subject order is not kept in that case; consumers dedupe by id and
	// check the complaint state rather than trusting arrival order.
	done := make(chan error, 1)
	go func() { done <- w.pub.Publish(topic, wm) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("broker: publish to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broker: publish to %s: %w", topic, ctx.Err())
	}
}

func (w *Watermill) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	in, err := w.sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("broker: subscribe to %s: %w", topic, err)
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		for wm := range in {
			msg := Message{
				UUID:     wm.UUID,
				Payload:  wm.Payload,
				Metadata: make(map[string]string, len(wm.Metadata)),
			}
			for k, v := range wm.Metadata {
				msg.Metadata[k] = v
			}
			select {
			case out <- msg:
				wm.Ack()
			case <-ctx.Done():
				wm.Nack()
				return
			}
		}
	}()
	return out, nil
}

func (w *Watermill) Close() error {
	var err error
	err = multierr.Append(err, w.pub.Close())
	if any(w.sub) != any(w.pub) {
		err = multierr.Append(err, w.sub.Close())
	}
	return err
}
