package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mickamy/grievance/realtime"
)

// Realtime exports registry and session gauges. OnDrop is meant for
// realtime.SessionOptions.
type Realtime struct {
	dropped prometheus.Counter
}

func NewRealtime(reg prometheus.Registerer, registry *realtime.Registry, handler *realtime.Handler) *Realtime {
	r := &Realtime{
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_dropped_frames_total",
			Help: "Frames evicted from full session queues.",
		}),
	}
	if reg == nil {
		return r
	}
	reg.MustRegister(r.dropped)
	if registry != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "realtime_topics",
				Help: "Topics with at least one subscriber.",
			}, func() float64 { return float64(registry.Stats().Topics) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "realtime_subscribed_sessions",
				Help: "Sessions holding at least one topic.",
			}, func() float64 { return float64(registry.Stats().Sessions) }),
		)
	}
	if handler != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "realtime_open_sessions",
			Help: "Open websocket sessions.",
		}, func() float64 { return float64(handler.Active()) }))
	}
	return r
}

func (r *Realtime) OnDrop() {
	r.dropped.Inc()
}
