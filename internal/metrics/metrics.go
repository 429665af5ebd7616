package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/push-delivery/internal/breaker"
	"github.com/notifyhub/push-delivery/internal/domain"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	NotificationsCreated     *prometheus.CounterVec
	NotificationsDelivered   *prometheus.CounterVec
	NotificationsFailed      *prometheus.CounterVec
	NotificationsRescheduled *prometheus.CounterVec
	DeliveryLatency          *prometheus.HistogramVec
	NotificationsLeased      prometheus.Counter
	EventsConsumed           *prometheus.CounterVec
	InvalidTokens            prometheus.Counter

	QueueLag         prometheus.Gauge
	OutboxPending    prometheus.Gauge
	OutboxDead       prometheus.Gauge
	NotificationsBy  *prometheus.GaugeVec
	CircuitState     *prometheus.GaugeVec
	DBConnsAcquired  prometheus.Gauge
	DBConnsIdle      prometheus.Gauge
	HeapInUseBytes   prometheus.Gauge
	GoroutineCount   prometheus.Gauge
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NotificationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Notifications materialized from events, by category.",
		}, []string{"category"}),

		NotificationsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Per-device deliveries acknowledged by a gateway.",
		}, []string{"platform"}),

		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Per-device delivery failures, by platform.",
		}, []string{"platform"}),

		NotificationsRescheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_rescheduled_total",
			Help: "Deliveries pushed to a later slot (quiet hours, open circuit, retry).",
		}, []string{"reason"}),

		DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delivery_latency_ms",
			Help:    "Latency from lease to gateway ack, in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"platform"}),

		NotificationsLeased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_leased_total",
			Help: "Notifications claimed by delivery workers.",
		}),

		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Broker deliveries handled, by outcome (ack, requeue, drop).",
		}, []string{"outcome"}),

		InvalidTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "device_tokens_invalid_total",
			Help: "Device tokens deactivated after hard gateway errors.",
		}),

		QueueLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_lag_seconds",
			Help: "Age of the oldest pending notification.",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_total",
			Help: "Staged outbox rows awaiting publication.",
		}),
		OutboxDead: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_dead_total",
			Help: "Outbox rows that exhausted their publish retries.",
		}),
		NotificationsBy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notifications_by_status",
			Help: "Stored notifications, by lifecycle status.",
		}, []string{"status"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Breaker state per gateway: 0 closed, 1 half-open, 2 open.",
		}, []string{"gateway"}),
		DBConnsAcquired: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_conns_acquired",
			Help: "Connections currently checked out of the pgx pool.",
		}),
		DBConnsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_conns_idle",
			Help: "Idle connections in the pgx pool.",
		}),
		HeapInUseBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heap_inuse_bytes",
			Help: "Bytes of in-use heap as reported by the runtime.",
		}),
		GoroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "goroutine_count",
			Help: "Live goroutines.",
		}),
	}

	reg.MustRegister(
		m.NotificationsCreated,
		m.NotificationsDelivered,
		m.NotificationsFailed,
		m.NotificationsRescheduled,
		m.DeliveryLatency,
		m.NotificationsLeased,
		m.EventsConsumed,
		m.InvalidTokens,
		m.QueueLag,
		m.OutboxPending,
		m.OutboxDead,
		m.NotificationsBy,
		m.CircuitState,
		m.DBConnsAcquired,
		m.DBConnsIdle,
		m.HeapInUseBytes,
		m.GoroutineCount,
	)

	return m
}

// WorkerHooks returns the metric callback functions expected by
// worker.MetricHooks. Centralises the prometheus observation calls so the
// worker package stays free of metrics imports.
func (m *Metrics) WorkerHooks() (
	onLeased func(count int),
	onDelivered func(platform domain.Platform, latency time.Duration),
	onFailed func(platform domain.Platform),
	onRescheduled func(reason string),
) {
	onLeased = func(count int) {
		m.NotificationsLeased.Add(float64(count))
	}
	onDelivered = func(p domain.Platform, latency time.Duration) {
		m.NotificationsDelivered.WithLabelValues(string(p)).Inc()
		m.DeliveryLatency.WithLabelValues(string(p)).Observe(float64(latency.Milliseconds()))
	}
	onFailed = func(p domain.Platform) {
		m.NotificationsFailed.WithLabelValues(string(p)).Inc()
	}
	onRescheduled = func(reason string) {
		m.NotificationsRescheduled.WithLabelValues(reason).Inc()
	}
	return
}

// BreakerHook adapts the state-transition callback to the circuit gauge.
func (m *Metrics) BreakerHook() func(name string, from, to breaker.State) {
	return func(name string, _, to breaker.State) {
		var v float64
		switch to {
		case breaker.HalfOpen:
			v = 1
		case breaker.Open:
			v = 2
		}
		m.CircuitState.WithLabelValues(name).Set(v)
	}
}
