package handlers

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CollectMetrics counts what the collect endpoints accept and turn away.
type CollectMetrics struct {
	received   *prometheus.CounterVec
	duplicates prometheus.Counter
	rejected   prometheus.Counter
}

func NewCollectMetrics(registry prometheus.Registerer) *CollectMetrics {
	m := &CollectMetrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cncvn_collector_events_received_total",
			Help: "Analytics events stored, by type",
		}, []string{"type"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cncvn_collector_events_duplicate_total",
			Help: "Redelivered analytics events skipped by dedupe",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cncvn_collector_events_rejected_total",
			Help: "Malformed analytics envelopes",
		}),
	}
	if registry != nil {
		registry.MustRegister(m.received, m.duplicates, m.rejected)
	}
	return m
}

func (m *CollectMetrics) stored(kind string) {
	if m != nil {
		m.received.WithLabelValues(kind).Inc()
	}
}

func (m *CollectMetrics) duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *CollectMetrics) reject() {
	if m != nil {
		m.rejected.Inc()
	}
}
