package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetalerts"

// Metrics owns a private registry so tests and multiple instances never
// collide on the global default registerer. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	samples       prometheus.Counter
	ingestDropped *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	broadcasts    *prometheus.CounterVec
	deliveryFails *prometheus.CounterVec
	throttled     prometheus.Counter
	subscribers   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_processed_total",
			Help:      "Telemetry samples run through rule evaluation.",
		}),
		ingestDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_dropped_total",
			Help:      "Samples dropped because a queue was full.",
		}, []string{"stage"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed alert store operations.",
		}, []string{"op"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_transitions_total",
			Help:      "Alert events classified by the notification state machine.",
		}, []string{"transition"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Visual notifications emitted, by transition.",
		}, []string{"transition"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_events_total",
			Help:      "Events handed to subscribers, by event type.",
		}, []string{"type"}),
		deliveryFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Per-subscriber delivery failures.",
		}, []string{"reason"}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_relay_throttled_total",
			Help:      "Telemetry updates dropped by per-vehicle spacing.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Connected realtime subscribers.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.samples, m.ingestDropped, m.storeErrors, m.transitions,
		m.notifications, m.broadcasts, m.deliveryFails, m.throttled, m.subscribers,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// MustRegister adds component-owned collectors such as the engine statistics.
func (m *Metrics) MustRegister(cs ...prometheus.Collector) {
	if m == nil {
		return
	}
	m.registry.MustRegister(cs...)
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SampleProcessed() {
	if m == nil {
		return
	}
	m.samples.Inc()
}

func (m *Metrics) IngestDropped(stage string) {
	if m == nil {
		return
	}
	m.ingestDropped.WithLabelValues(stage).Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) Transition(transition string, notified bool) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(transition).Inc()
	if notified {
		m.notifications.WithLabelValues(transition).Inc()
	}
}

func (m *Metrics) Broadcast(eventType string, recipients int) {
	if m == nil || recipients <= 0 {
		return
	}
	m.broadcasts.WithLabelValues(eventType).Add(float64(recipients))
}

func (m *Metrics) DeliveryFailure(reason string) {
	if m == nil {
		return
	}
	m.deliveryFails.WithLabelValues(reason).Inc()
}

func (m *Metrics) TelemetryThrottled() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}
