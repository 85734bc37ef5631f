package realtime

import (
	"context"
	"slices"
	"sync"

	"github.com/mickamy/grievance/broker"
	"github.com/mickamy/grievance/outbox"
)

// Receiver is a registry member. Deliver must not block.
type Receiver interface {
	ID() string
	Deliver(payload []byte)
}

// topicEntry has its own lock so fanout never waits on Registry.mu, which is
// held across broker subscribes.
type topicEntry struct {
	mu      sync.RWMutex
	members map[string]Receiver
	cancel  context.CancelFunc
}

func (e *topicEntry) add(rcv Receiver) {
	e.mu.Lock()
	e.members[rcv.ID()] = rcv
	e.mu.Unlock()
}

// remove reports whether the topic is now empty.
func (e *topicEntry) remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.members, id)
	return len(e.members) == 0
}

func (e *topicEntry) deliver(payload []byte) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, rcv := range e.members {
		rcv.Deliver(payload)
	}
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Topics   int
	Sessions int
}

// Registry owns the topic to receiver mapping and its mirror, receiver to
// topics. A topic is subscribed on the broker when its first receiver joins
// and released when the last one leaves.
type Registry struct {
	sub    broker.Subscriber
	logger outbox.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	topics   map[string]*topicEntry
	sessions map[string]map[string]struct{}
	closed   bool
}

type RegistryOption func(*Registry)

func WithRegistryLogger(logger outbox.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRegistry(sub broker.Subscriber, opts ...RegistryOption) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		sub:      sub,
		logger:   nopLogger{},
		ctx:      ctx,
		cancel:   cancel,
		topics:   make(map[string]*topicEntry),
		sessions: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe adds rcv to topic. Subscribing twice is a no-op.
func (r *Registry) Subscribe(rcv Receiver, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return broker.ErrClosed
	}
	entry, ok := r.topics[topic]
	if !ok {
		ctx, cancel := context.WithCancel(r.ctx)
		ch, err := r.sub.Subscribe(ctx, topic)
		if err != nil {
			cancel()
			return err
		}
		entry = &topicEntry{members: make(map[string]Receiver), cancel: cancel}
		r.topics[topic] = entry
		go r.fanout(topic, entry, ch)
		r.logger.Info(ctx, "realtime: subscribed to %s", topic)
	}
	entry.add(rcv)

	joined, ok := r.sessions[rcv.ID()]
	if !ok {
		joined = make(map[string]struct{})
		r.sessions[rcv.ID()] = joined
	}
	joined[topic] = struct{}{}
	return nil
}

// Unsubscribe removes id from topic. Unknown pairs are ignored. Once it
// returns, id receives nothing further from topic.
func (r *Registry) Unsubscribe(id, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leave(id, topic)
}

// Drop removes id from every topic it joined and reports how many there were.
func (r *Registry) Drop(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	joined := r.sessions[id]
	n := len(joined)
	for topic := range joined {
		r.leave(id, topic)
	}
	return n
}

// Topics lists the topics id has joined, sorted.
func (r *Registry) Topics(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions[id]))
	for topic := range r.sessions[id] {
		out = append(out, topic)
	}
	slices.Sort(out)
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Topics: len(r.topics), Sessions: len(r.sessions)}
}

// Close releases every broker subscription. Later subscribes fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for topic, entry := range r.topics {
		entry.cancel()
		delete(r.topics, topic)
	}
	clear(r.sessions)
	r.cancel()
	return nil
}

// leave must be called with mu held.
func (r *Registry) leave(id, topic string) {
	if joined, ok := r.sessions[id]; ok {
		delete(joined, topic)
		if len(joined) == 0 {
			delete(r.sessions, id)
		}
	}
	entry, ok := r.topics[topic]
	if !ok {
		return
	}
	if entry.remove(id) {
		entry.cancel()
		delete(r.topics, topic)
		r.logger.Info(r.ctx, "realtime: released %s", topic)
	}
}

func (r *Registry) fanout(topic string, entry *topicEntry, ch <-chan broker.Message) {
	for msg := range ch {
		entry.deliver(msg.Payload)
	}
	r.logger.Info(r.ctx, "realtime: stream for %s ended", topic)
}

type nopLogger struct{}

func (nopLogger) Info(context.Context, string, ...any)  {}
func (nopLogger) Warn(context.Context, string, ...any)  {}
func (nopLogger) Error(context.Context, string, ...any) {}
