package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/mickamy/grievance/events"
	"github.com/mickamy/grievance/outbox"
)

// ErrSessionClosed is returned by Emit after Close.
var ErrSessionClosed = errors.New("realtime: session closed")

// Conn is the part of *websocket.Conn a Session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// SessionOptions tune per-connection delivery.
type SessionOptions struct {
	// QueueSize bounds undelivered frames; when full the oldest is dropped.
	QueueSize int
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	Logger       outbox.Logger
	// OnDrop is called for every frame evicted from a full queue.
	OnDrop func()
}

func (o *SessionOptions) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
	if o.OnDrop == nil {
		o.OnDrop = func() {}
	}
}

// Session is one client connection. It implements Receiver.
type Session struct {
	id       string
	role     events.Role
	userID   string
	conn     Conn
	registry *Registry
	opts     SessionOptions

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	notify chan struct{}

	dropped   atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

func NewSession(conn Conn, registry *Registry, role events.Role, userID string, opts SessionOptions) *Session {
	opts.setDefaults()
	return &Session{
		id:       uuid.NewString(),
		role:     role,
		userID:   userID,
		conn:     conn,
		registry: registry,
		opts:     opts,
		queue:    make([][]byte, 0, opts.QueueSize),
		notify:   make(chan struct{}, 1),
	}
}

func (s *Session) ID() string { return s.id }

// Dropped is the number of frames evicted under back-pressure.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// Deliver queues payload for writing, evicting the oldest frame when full.
func (s *Session) Deliver(payload []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) == s.opts.QueueSize {
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.dropped.Add(1)
		s.opts.OnDrop()
	}
	s.queue = append(s.queue, payload)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Emit serializes n and queues it.
func (s *Session) Emit(n events.Notification) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	s.Deliver(data)
	return nil
}

// Subscribe joins the topic derived from hint.
func (s *Session) Subscribe(hint string) (string, error) {
	topic, err := Derive(s.role, s.userID, hint)
	if err != nil {
		return "", err
	}
	return topic, s.registry.Subscribe(s, topic)
}

// Handle applies one inbound control frame. Malformed frames and unknown
// methods are logged and ignored.
func (s *Session) Handle(ctx context.Context, data []byte) {
	msg, err := ParseControl(data)
	if err != nil {
		s.opts.Logger.Warn(ctx, "session %s: %v", s.id, err)
		return
	}
	switch msg.Method {
	case MethodSubscribe:
		for _, hint := range msg.Params {
			if _, err := s.Subscribe(hint); err != nil {
				s.opts.Logger.Warn(ctx, "session %s: subscribe %q: %v", s.id, hint, err)
			}
		}
	case MethodUnsubscribe:
		for _, hint := range msg.Params {
			topic, err := Derive(s.role, s.userID, hint)
			if err != nil {
				continue
			}
			s.registry.Unsubscribe(s.id, topic)
		}
	default:
		s.opts.Logger.Info(ctx, "session %s: ignoring method %q", s.id, msg.Method)
		return
	}
	s.opts.Logger.Info(ctx, "session %s %s, now on %v", s.id, msg.Method, s.registry.Topics(s.id))
}

// Run reads control frames and writes queued frames until the connection
// fails or ctx is done, then closes the session.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.writeLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		// Unblocks ReadMessage.
		_ = s.conn.Close()
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.Handle(ctx, data)
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.notify:
		}
		for _, frame := range s.drain() {
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
				return err
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		}
	}
}

func (s *Session) drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.queue
	s.queue = make([][]byte, 0, s.opts.QueueSize)
	return frames
}

// Close leaves every topic and then closes the connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		n := s.registry.Drop(s.id)
		s.opts.Logger.Info(context.Background(), "session %s closed, left %d topics, dropped %d frames", s.id, n, s.Dropped())
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
