// Package metrics exposes the Prometheus instruments of the realtime core.
// All methods are safe on a nil *Realtime so components can run without metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "relay"

// Send and queue outcomes used as label values.
const (
	OutcomeDelivered  = "delivered"
	OutcomeFailed     = "failed"
	OutcomeAcked      = "acked"
	OutcomeDeadLetter = "dead_letter"
	OutcomeUnrouted   = "unrouted"
)

// Realtime holds connection registry and queue worker metrics.
type Realtime struct {
	ActiveConnections   prometheus.Gauge
	RejectedConnections prometheus.Counter
	Sends               *prometheus.CounterVec
	QueueMessages       *prometheus.CounterVec
	HandleDuration      *prometheus.HistogramVec
}

// NewRealtime creates and registers the realtime metrics on the given registry.
func NewRealtime(reg prometheus.Registerer) *Realtime {
	m := &Realtime{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of live websocket connections held by the registry.",
		}),
		RejectedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "rejected_connections_total",
			Help:      "Connections refused because the registry was full.",
		}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "sends_total",
			Help:      "Per-connection sends by outcome.",
		}, []string{"outcome"}),
		QueueMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "messages_total",
			Help:      "Consumed queue messages by queue and outcome.",
		}, []string{"queue", "outcome"}),
		HandleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "handle_duration_seconds",
			Help:      "Handler execution time in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"handler"}),
	}

	reg.MustRegister(m.ActiveConnections, m.RejectedConnections, m.Sends, m.QueueMessages, m.HandleDuration)
	return m
}

func (m *Realtime) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(n))
}

func (m *Realtime) ConnectionRejected() {
	if m == nil {
		return
	}
	m.RejectedConnections.Inc()
}

func (m *Realtime) SendResult(delivered bool) {
	if m == nil {
		return
	}
	outcome := OutcomeDelivered
	if !delivered {
		outcome = OutcomeFailed
	}
	m.Sends.WithLabelValues(outcome).Inc()
}

func (m *Realtime) QueueMessage(queue, outcome string) {
	if m == nil {
		return
	}
	m.QueueMessages.WithLabelValues(queue, outcome).Inc()
}

func (m *Realtime) ObserveHandle(handler string, seconds float64) {
	if m == nil {
		return
	}
	m.HandleDuration.WithLabelValues(handler).Observe(seconds)
}
