package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus instruments for the session subsystem.
type Metrics struct {
	Operations    *prometheus.CounterVec
	ReuseDetected prometheus.Counter
}

// NewMetrics builds and registers session metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "halo",
			Subsystem: "session",
			Name:      "operations_total",
			Help:      "Session credential operations by op and result.",
		}, []string{"op", "result"}),
		ReuseDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "halo",
			Subsystem: "session",
			Name:      "reuse_detected_total",
			Help:      "Rotated refresh tokens presented again (theft signal).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.ReuseDetected)
	}
	return m
}
