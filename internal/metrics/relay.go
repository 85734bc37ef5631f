// Package metrics exports Prometheus collectors for the relay, the due-event
// consumer and realtime delivery.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mickamy/grievance/outbox"
)

// RelayHooks implements outbox.Hooks.
type RelayHooks struct {
	requested   prometheus.Counter
	claimed     prometheus.Counter
	sent        *prometheus.CounterVec
	sendFailed  *prometheus.CounterVec
	retries     *prometheus.CounterVec
	failures    *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	cycle       prometheus.Histogram
}

var _ outbox.Hooks = (*RelayHooks)(nil)

func NewRelayHooks(reg prometheus.Registerer) *RelayHooks {
	h := &RelayHooks{
		requested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_claim_requested_total",
			Help: "Rows requested by claim cycles.",
		}),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_claimed_total",
			Help: "Rows claimed for delivery.",
		}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_sent_total",
			Help: "Events published to the broker.",
		}, []string{"event_type"}),
		sendFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_send_failures_total",
			Help: "Failed publish attempts.",
		}, []string{"event_type"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_retries_total",
			Help: "Events scheduled for another attempt.",
		}, []string{"event_type"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_failed_total",
			Help: "Events marked failed after the retry ceiling.",
		}, []string{"event_type"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_store_errors_total",
			Help: "Store errors by operation.",
		}, []string{"op"}),
		cycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_cycle_duration_seconds",
			Help:    "Duration of relay claim cycles.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(h.requested, h.claimed, h.sent, h.sendFailed, h.retries, h.failures, h.storeErrors, h.cycle)
	}
	return h
}

func (h *RelayHooks) OnClaim(_ context.Context, batchSize int, claimed int) {
	h.requested.Add(float64(batchSize))
	h.claimed.Add(float64(claimed))
}

func (h *RelayHooks) OnSendSuccess(_ context.Context, env outbox.Envelope) {
	h.sent.WithLabelValues(label(string(env.Type))).Inc()
}

func (h *RelayHooks) OnSendFailure(_ context.Context, env outbox.Envelope, _ error) {
	h.sendFailed.WithLabelValues(label(string(env.Type))).Inc()
}

func (h *RelayHooks) OnRetry(_ context.Context, env outbox.Envelope, _ int, _ time.Duration) {
	h.retries.WithLabelValues(label(string(env.Type))).Inc()
}

func (h *RelayHooks) OnFail(_ context.Context, env outbox.Envelope, _ int, _ error) {
	h.failures.WithLabelValues(label(string(env.Type))).Inc()
}

func (h *RelayHooks) OnStoreError(_ context.Context, op string, _ int64, _ error) {
	h.storeErrors.WithLabelValues(label(op)).Inc()
}

func (h *RelayHooks) OnCycle(_ context.Context, d time.Duration) {
	h.cycle.Observe(d.Seconds())
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
