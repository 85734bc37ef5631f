package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mickamy/grievance/escalation"
	"github.com/mickamy/grievance/events"
)

// EscalationHooks implements escalation.Hooks.
type EscalationHooks struct {
	outcomes *prometheus.CounterVec
}

var _ escalation.Hooks = (*EscalationHooks)(nil)

func NewEscalationHooks(reg prometheus.Registerer) *EscalationHooks {
	h := &EscalationHooks{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalation_due_events_total",
			Help: "Due notifications handled by the consumer, by outcome.",
		}, []string{"event_type", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(h.outcomes)
	}
	return h
}

func (h *EscalationHooks) OnOutcome(_ context.Context, typ events.Type, outcome escalation.Outcome) {
	h.outcomes.WithLabelValues(label(string(typ)), string(outcome)).Inc()
}
