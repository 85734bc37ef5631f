package outbox

import (
	"context"
	"time"
)

// Sender dispatches an outbox row to the actual transport.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// Logger captures Relay logs; implementors can wrap slog/zap/zerolog.
type Logger interface {
	Info(ctx context.Context, format string, v ...any)
	Warn(ctx context.Context, format string, v ...any)
	Error(ctx context.Context, format string, v ...any)
}

// Hooks observe relay activity, typically to export metrics.
type Hooks interface {
	OnClaim(ctx context.Context, batchSize int, claimed int)
	OnSendSuccess(ctx context.Context, env Envelope)
	OnSendFailure(ctx context.Context, env Envelope, err error)
	OnRetry(ctx context.Context, env Envelope, attempt int, delay time.Duration)
	OnFail(ctx context.Context, env Envelope, attempt int, err error)
	OnStoreError(ctx context.Context, op string, id int64, err error)
	OnCycle(ctx context.Context, d time.Duration)
}

// Backoff returns the wait duration before the given attempt.
type Backoff func(attempt int) time.Duration

// Exponential creates a capped exponential backoff function.
func Exponential(base time.Duration, factor float64, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return base
		}
		d := float64(base)
		for i := 1; i < attempt; i++ {
			d *= factor
			if time.Duration(d) >= max {
				return max
			}
		}
		delay := time.Duration(d)
		if delay > max {
			return max
		}
		if delay < base {
			return base
		}
		return delay
	}
}

// Options configure Relay behaviour and tuning knobs for workers.
type Options struct {
	// BatchSize caps how many rows the relay claims per cycle.
	BatchSize int
	// LeaseTTL defines how long a claimed row stays owned before it can be reclaimed.
	LeaseTTL time.Duration
	// MaxAttempts is the number of total send tries before marking a row failed.
	MaxAttempts int
	// PollInterval is the sleep duration between claim cycles when no work exists.
	PollInterval time.Duration
	// DrainTimeout bounds how long an in-flight batch may keep sending after shutdown.
	DrainTimeout time.Duration
	// Backoff computes the retry delay based on attempt count.
	Backoff Backoff
	// Logger emits relay activity.
	Logger Logger
	// Hooks receive per-cycle and per-row callbacks.
	Hooks Hooks
	// WorkerID identifies this relay instance in the database.
	WorkerID string
	// Now supplies the current time; override for tests or custom time sources.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 10 * time.Second
	}
	if o.Backoff == nil {
		o.Backoff = Exponential(500*time.Millisecond, 2.0, 30*time.Second)
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	if o.Hooks == nil {
		o.Hooks = noopHooks{}
	}
	if o.WorkerID == "" {
		o.WorkerID = defaultWorkerID()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Relay is the outbox processor: it claims due rows from the store and
// publishes them through a Sender, retrying with backoff until MaxAttempts.
type Relay struct {
	store  Store
	sender Sender
	opts   Options
}

// NewRelay wires a Store and Sender with the provided options.
func NewRelay(store Store, sender Sender, opts Options) *Relay {
	opts.setDefaults()
	return &Relay{
		store:  store,
		sender: sender,
		opts:   opts,
	}
}

// WorkerID returns the identifier used when claiming rows.
func (r *Relay) WorkerID() string { return r.opts.WorkerID }

// Run processes rows until the context is cancelled. A batch that was already
// claimed when ctx is cancelled is still delivered, bounded by DrainTimeout.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	r.opts.Logger.Info(ctx, "relay %s started", r.opts.WorkerID)
	for {
		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.opts.Logger.Error(ctx, "relay error: %v", err)
		}
		if ctx.Err() != nil {
			r.opts.Logger.Info(context.WithoutCancel(ctx), "relay %s stopped", r.opts.WorkerID)
			return ctx.Err()
		}
		if n == r.opts.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			r.opts.Logger.Info(context.WithoutCancel(ctx), "relay %s stopped", r.opts.WorkerID)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims at most BatchSize rows and attempts delivery of each. It
// returns the number of rows claimed.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	start := r.opts.Now()
	defer func() {
		r.opts.Hooks.OnCycle(ctx, r.opts.Now().Sub(start))
	}()

	envelopes, err := r.store.Claim(ctx, r.opts.WorkerID, r.opts.BatchSize, r.opts.LeaseTTL)
	if err != nil {
		r.opts.Hooks.OnStoreError(ctx, "claim", 0, err)
		return 0, err
	}
	r.opts.Hooks.OnClaim(ctx, r.opts.BatchSize, len(envelopes))
	if len(envelopes) == 0 {
		return 0, nil
	}

	drainCtx, release := r.drainContext(ctx)
	defer release()
	for _, env := range envelopes {
		r.deliver(drainCtx, env)
	}
	return len(envelopes), nil
}

// drainContext detaches delivery from ctx cancellation and only cancels it
// DrainTimeout after ctx is done.
func (r *Relay) drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	drainCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.AfterFunc(r.opts.DrainTimeout, cancel)
		context.AfterFunc(drainCtx, func() { timer.Stop() })
	})
	return drainCtx, func() {
		stop()
		cancel()
	}
}

func (r *Relay) deliver(ctx context.Context, env Envelope) {
	if err := r.sender.Send(ctx, env); err != nil {
		r.opts.Hooks.OnSendFailure(ctx, env, err)
		r.handleFailure(ctx, env, err)
		return
	}
	r.opts.Hooks.OnSendSuccess(ctx, env)
	if err := r.store.MarkProcessed(ctx, env.ID, r.opts.Now().UTC()); err != nil {
		// The lease expires and the row is published again.
		r.opts.Hooks.OnStoreError(ctx, "mark_processed", env.ID, err)
		r.opts.Logger.Error(ctx, "mark processed failed id=%d: %v", env.ID, err)
	}
}

// handleFailure decides whether to retry or fail a row permanently.
func (r *Relay) handleFailure(ctx context.Context, env Envelope, sendErr error) {
	attempt := env.RetryCount + 1
	if attempt >= r.opts.MaxAttempts {
		if err := r.store.Fail(ctx, env.ID, attempt, sendErr.Error()); err != nil {
			r.opts.Hooks.OnStoreError(ctx, "fail", env.ID, err)
			r.opts.Logger.Error(ctx, "mark failed id=%d: %v (original err: %v)", env.ID, err, sendErr)
			return
		}
		r.opts.Hooks.OnFail(ctx, env, attempt, sendErr)
		r.opts.Logger.Warn(ctx, "event %d (%s subject=%s) failed permanently after %d attempts: %v",
			env.ID, env.Type, env.SubjectID, attempt, sendErr)
		return
	}
	delay := r.opts.Backoff(attempt)
	nextRetry := r.opts.Now().UTC().Add(delay)
	if err := r.store.Retry(ctx, env.ID, attempt, nextRetry, sendErr.Error()); err != nil {
		r.opts.Hooks.OnStoreError(ctx, "retry", env.ID, err)
		r.opts.Logger.Error(ctx, "mark retry failed id=%d: %v (original err: %v)", env.ID, err, sendErr)
		return
	}
	r.opts.Hooks.OnRetry(ctx, env, attempt, delay)
	r.opts.Logger.Warn(ctx, "event %d scheduled for retry #%d in %s: %v", env.ID, attempt, delay, sendErr)
}

// noopLogger discards all relay logs.
type noopLogger struct{}

func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

type noopHooks struct{}

func (noopHooks) OnClaim(context.Context, int, int)                     {}
func (noopHooks) OnSendSuccess(context.Context, Envelope)               {}
func (noopHooks) OnSendFailure(context.Context, Envelope, error)        {}
func (noopHooks) OnRetry(context.Context, Envelope, int, time.Duration) {}
func (noopHooks) OnFail(context.Context, Envelope, int, error)          {}
func (noopHooks) OnStoreError(context.Context, string, int64, error)    {}
func (noopHooks) OnCycle(context.Context, time.Duration)                {}
