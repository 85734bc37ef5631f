package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mickamy/grievance/broker"
	"github.com/mickamy/grievance/events"
	"github.com/mickamy/grievance/outbox"
)

// Handler runs the domain transaction a fired guard asks for. Implementations
// return ErrStale when the complaint moved on and ErrNoTarget when nobody
// ranks above the assignee. Rearm writes the guard again, due after delay,
// when it could not be applied; it returns ErrStale if the guard no longer
// applies.
type Handler interface {
	AutoEscalate(ctx context.Context, due events.EscalationDue) error
	AutoClose(ctx context.Context, due events.ClosureDue) error
	Rearm(ctx context.Context, guard events.Payload, delay time.Duration) error
}

// Outcome classifies how a due notification was handled.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeStale     Outcome = "stale"
	OutcomeNoTarget  Outcome = "no_target"
	OutcomeRearmed   Outcome = "rearmed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeError     Outcome = "error"
)

// Hooks observe consumer outcomes, typically to export metrics.
type Hooks interface {
	OnOutcome(ctx context.Context, typ events.Type, outcome Outcome)
}

// ConsumerOptions tune the due-event consumer.
type ConsumerOptions struct {
	// DedupeSize bounds the set of recently handled event ids.
	DedupeSize int
	// Attempts is how many times a handler error other than ErrStale or
	// ErrNoTarget is tried before giving up.
	Attempts int
	// Backoff spaces the attempts.
	Backoff outbox.Backoff
	// RearmDelay is how far out a guard is written again after its attempts
	// are exhausted.
	RearmDelay time.Duration
	Logger     outbox.Logger
	Hooks      Hooks
}

func (o *ConsumerOptions) setDefaults() {
	if o.DedupeSize <= 0 {
		o.DedupeSize = 4096
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.Backoff == nil {
		o.Backoff = outbox.Exponential(200*time.Millisecond, 2, 2*time.Second)
	}
	if o.RearmDelay <= 0 {
		o.RearmDelay = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
	if o.Hooks == nil {
		o.Hooks = nopHooks{}
	}
}

// Consumer receives escalation_due and closure_due notifications and hands them
// to a Handler. Delivery is at least once, so handled ids are remembered and
// duplicates skipped.
type Consumer struct {
	sub     broker.Subscriber
	handler Handler
	opts    ConsumerOptions
	seen    *lru.Cache[int64, struct{}]

	escalations <-chan broker.Message
	closures    <-chan broker.Message
}

func NewConsumer(sub broker.Subscriber, handler Handler, opts ConsumerOptions) (*Consumer, error) {
	opts.setDefaults()
	seen, err := lru.New[int64, struct{}](opts.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("escalation: dedupe cache: %w", err)
	}
	return &Consumer{sub: sub, handler: handler, opts: opts, seen: seen}, nil
}

// Subscribe attaches to the due topics. The broker drops messages published
// before this returns, so call it before starting the relay.
func (c *Consumer) Subscribe(ctx context.Context) error {
	var err error
	if c.escalations, err = c.sub.Subscribe(ctx, events.EscalationDueTopic); err != nil {
		return err
	}
	if c.closures, err = c.sub.Subscribe(ctx, events.ClosureDueTopic); err != nil {
		return err
	}
	return nil
}

// Run handles notifications until ctx is cancelled. It subscribes first if
// Subscribe has not been called.
func (c *Consumer) Run(ctx context.Context) error {
	if c.escalations == nil || c.closures == nil {
		if err := c.Subscribe(ctx); err != nil {
			return err
		}
	}
	c.opts.Logger.Info(ctx, "escalation consumer started")
	escalations, closures := c.escalations, c.closures
	for escalations != nil || closures != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-escalations:
			if !ok {
				escalations = nil
				continue
			}
			c.Handle(ctx, msg)
		case msg, ok := <-closures:
			if !ok {
				closures = nil
				continue
			}
			c.Handle(ctx, msg)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return broker.ErrClosed
}

// Handle processes one broker message and reports its outcome.
func (c *Consumer) Handle(ctx context.Context, msg broker.Message) Outcome {
	var n events.Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		c.opts.Logger.Error(ctx, "escalation: malformed notification %s: %v", msg.UUID, err)
		c.opts.Hooks.OnOutcome(ctx, "", OutcomeInvalid)
		return OutcomeInvalid
	}
	if c.seen.Contains(n.ID) {
		c.opts.Hooks.OnOutcome(ctx, n.Type, OutcomeDuplicate)
		return OutcomeDuplicate
	}
	outcome := c.dispatch(ctx, n)
	if outcome != OutcomeError {
		c.seen.Add(n.ID, struct{}{})
	}
	c.opts.Hooks.OnOutcome(ctx, n.Type, outcome)
	return outcome
}

func (c *Consumer) dispatch(ctx context.Context, n events.Notification) Outcome {
	payload, err := n.Payload()
	if err != nil {
		c.opts.Logger.Error(ctx, "escalation: decode event %d: %v", n.ID, err)
		return OutcomeInvalid
	}
	var (
		run   func(context.Context) error
		guard events.Payload
	)
	switch p := payload.(type) {
	case *events.EscalationDue:
		guard = *p
		run = func(ctx context.Context) error { return c.handler.AutoEscalate(ctx, *p) }
	case *events.ClosureDue:
		guard = *p
		run = func(ctx context.Context) error { return c.handler.AutoClose(ctx, *p) }
	default:
		c.opts.Logger.Warn(ctx, "escalation: ignoring event %d of type %s", n.ID, n.Type)
		return OutcomeInvalid
	}

	for attempt := 1; ; attempt++ {
		err := run(ctx)
		switch {
		case err == nil:
			c.opts.Logger.Info(ctx, "escalation: %s for complaint %s applied (event %d)", n.Type, n.SubjectID, n.ID)
			return OutcomeApplied
		case errors.Is(err, ErrStale):
			c.opts.Logger.Info(ctx, "escalation: %s for complaint %s is stale (event %d)", n.Type, n.SubjectID, n.ID)
			return OutcomeStale
		case errors.Is(err, ErrNoTarget):
			c.opts.Logger.Warn(ctx, "escalation: complaint %s has no escalation target (event %d): %v", n.SubjectID, n.ID, err)
			return OutcomeNoTarget
		case attempt >= c.opts.Attempts || ctx.Err() != nil:
			return c.rearm(ctx, n, guard, attempt, err)
		}
		delay := c.opts.Backoff(attempt)
		c.opts.Logger.Warn(ctx, "escalation: %s for complaint %s attempt %d failed, retrying in %s: %v", n.Type, n.SubjectID, attempt, delay, err)
		select {
		case <-ctx.Done():
			return c.rearm(ctx, n, guard, attempt, err)
		case <-time.After(delay):
		}
	}
}

// rearm runs detached from ctx so a guard interrupted by shutdown is still
// written back.
func (c *Consumer) rearm(ctx context.Context, n events.Notification, guard events.Payload, attempts int, cause error) Outcome {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rearmTimeout)
	defer cancel()
	err := c.handler.Rearm(rctx, guard, c.opts.RearmDelay)
	switch {
	case err == nil:
		c.opts.Logger.Warn(ctx, "escalation: %s for complaint %s failed after %d attempts, re-armed in %s: %v",
			n.Type, n.SubjectID, attempts, c.opts.RearmDelay, cause)
		return OutcomeRearmed
	case errors.Is(err, ErrStale):
		c.opts.Logger.Info(ctx, "escalation: %s for complaint %s became stale while failing (event %d)", n.Type, n.SubjectID, n.ID)
		return OutcomeStale
	}
	c.opts.Logger.Error(ctx, "escalation: %s for complaint %s failed after %d attempts and was not re-armed: %v (rearm: %v)",
		n.Type, n.SubjectID, attempts, cause, err)
	return OutcomeError
}

const rearmTimeout = 5 * time.Second

type nopLogger struct{}

func (nopLogger) Info(context.Context, string, ...any)  {}
func (nopLogger) Warn(context.Context, string, ...any)  {}
func (nopLogger) Error(context.Context, string, ...any) {}

type nopHooks struct{}

func (nopHooks) OnOutcome(context.Context, events.Type, Outcome) {}
