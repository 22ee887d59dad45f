package tracker

import (
	"github.com/prometheus/client_golang/prometheus"

	"cncvn/api/models"
)

// Metrics holds the tracker's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	EventsEnqueued  *prometheus.CounterVec
	EventsDelivered *prometheus.CounterVec
	SendFailures    *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	StorageFallback prometheus.Counter
}

// NewMetrics creates the collectors and registers them on registry when it
// is not nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cncvn_tracker_events_enqueued_total",
				Help: "Analytics events accepted into the delivery queue",
			},
			[]string{"type"},
		),
		EventsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cncvn_tracker_events_delivered_total",
				Help: "Analytics events acknowledged by the collector",
			},
			[]string{"type"},
		),
		SendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cncvn_tracker_send_failures_total",
				Help: "Failed delivery attempts",
			},
			[]string{"type"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cncvn_tracker_events_dropped_total",
				Help: "Analytics events discarded without delivery",
			},
			[]string{"reason"},
		),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cncvn_tracker_queue_depth",
			Help: "Events currently waiting for delivery",
		}),
		StorageFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cncvn_tracker_storage_fallback_total",
			Help: "Page loads that fell back to in-memory identity",
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.EventsEnqueued,
			m.EventsDelivered,
			m.SendFailures,
			m.EventsDropped,
			m.QueueDepth,
			m.StorageFallback,
		)
	}
	return m
}

func (m *Metrics) enqueued(kind models.EventType) {
	if m != nil {
		m.EventsEnqueued.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) delivered(kind models.EventType) {
	if m != nil {
		m.EventsDelivered.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) failed(kind models.EventType) {
	if m != nil {
		m.SendFailures.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) depth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) storageFallback() {
	if m != nil {
		m.StorageFallback.Inc()
	}
}
