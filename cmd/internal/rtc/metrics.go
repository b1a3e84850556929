package rtc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the coordinator's instrumentation.
// A nil *Metrics is valid and turns every observation into a no-op, so tests
// can construct coordinators without touching a registry.
type Metrics struct {
	connections prometheus.Gauge
	connects    prometheus.Counter
	disconnects prometheus.Counter

	eventsDelivered *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
}

// NewMetrics builds and registers coordinator metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_rtc_connections",
			Help: "Currently registered realtime connections.",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_rtc_connects_total",
			Help: "Completed connect sequences.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_rtc_disconnects_total",
			Help: "Completed disconnect sequences.",
		}),
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rtc_events_delivered_total",
			Help: "Events enqueued to a live connection, by envelope type.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rtc_events_dropped_total",
			Help: "Events dropped on enqueue (backpressure or closing), by envelope type.",
		}, []string{"type"}),
	}

	reg.MustRegister(m.connections, m.connects, m.disconnects, m.eventsDelivered, m.eventsDropped)
	return m
}

func (m *Metrics) connOpened(live int) {
	if m == nil {
		return
	}
	m.connects.Inc()
	m.connections.Set(float64(live))
}

func (m *Metrics) connClosed(live int) {
	if m == nil {
		return
	}
	m.disconnects.Inc()
	m.connections.Set(float64(live))
}

func (m *Metrics) delivered(eventType string) {
	if m == nil {
		return
	}
	m.eventsDelivered.WithLabelValues(eventType).Inc()
}

func (m *Metrics) dropped(eventType string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(eventType).Inc()
}
