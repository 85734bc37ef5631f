package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis implements Broker over Redis PUBLISH/SUBSCRIBE. Like the in-process
// broker it is fire-and-forget: offline subscribers miss messages.
type Redis struct {
	client redis.UniversalClient

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// redisFrame is the on-wire JSON body of a Redis message.
type redisFrame struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  json.RawMessage   `json:"payload"`
}

// NewRedis wraps an existing client. The caller keeps ownership of client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, subs: make(map[*redis.PubSub]struct{})}
}

func (r *Redis) Publish(ctx context.Context, topic string, msg Message) error {
	body, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, topic, body).Err(); err != nil {
		return fmt.Errorf("broker: redis publish to %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	ps := r.client.Subscribe(ctx, topic)
	// Wait for the subscription confirmation so messages published after
	// Subscribe returns are never missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("broker: redis subscribe to %s: %w", topic, err)
	}

	r.mu.Lock()
	r.subs[ps] = struct{}{}
	r.mu.Unlock()

	out := make(chan Message)
	go func() {
		defer close(out)
		defer r.release(ps)
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				msg, err := decodeFrame([]byte(m.Payload))
				if err != nil {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) release(ps *redis.PubSub) {
	r.mu.Lock()
	delete(r.subs, ps)
	r.mu.Unlock()
	_ = ps.Close()
}

// Close terminates every open subscription. The client itself is not closed.
func (r *Redis) Close() error {
	r.mu.Lock()
	r.closed = true
	subs := make([]*redis.PubSub, 0, len(r.subs))
	for ps := range r.subs {
		subs = append(subs, ps)
	}
	r.mu.Unlock()
	for _, ps := range subs {
		_ = ps.Close()
	}
	return nil
}

func encodeFrame(msg Message) ([]byte, error) {
	payload := json.RawMessage(msg.Payload)
	if !json.Valid(payload) {
		// Opaque payloads are carried as a JSON string.
		quoted, err := json.Marshal(string(msg.Payload))
		if err != nil {
			return nil, fmt.Errorf("broker: encode payload: %w", err)
		}
		payload = quoted
	}
	body, err := json.Marshal(redisFrame{UUID: msg.UUID, Metadata: msg.Metadata, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("broker: encode frame: %w", err)
	}
	return body, nil
}

func decodeFrame(body []byte) (Message, error) {
	var f redisFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return Message{}, fmt.Errorf("broker: decode frame: %w", err)
	}
	return Message{UUID: f.UUID, Metadata: f.Metadata, Payload: []byte(f.Payload)}, nil
}
