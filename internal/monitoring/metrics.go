package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the push delivery services
type Metrics struct {
	CyclesTotal            *prometheus.CounterVec
	CycleDuration          prometheus.Histogram
	CycleRowsTotal         *prometheus.CounterVec
	DispatchOutcomes       *prometheus.CounterVec
	ChannelDuration        *prometheus.HistogramVec
	StaleDeviceAttempts    *prometheus.CounterVec
	CredentialsInvalidated *prometheus.CounterVec
	CleanupDeleted         prometheus.Counter
	PendingExpired         prometheus.Counter
	NotificationsEnqueued  *prometheus.CounterVec
	RequestDuration        *prometheus.HistogramVec
	ActiveConnections      prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics creates all metrics and registers them with reg. Passing
// prometheus.DefaultRegisterer matches the process-wide /metrics endpoint.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_processor_cycles_total",
				Help: "Total number of processing cycles by result",
			},
			[]string{"result"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "push_processor_cycle_duration_seconds",
				Help:    "Time taken by one processing cycle",
				Buckets: prometheus.DefBuckets,
			},
		),
		CycleRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_processor_rows_total",
				Help: "Rows handled by processing cycles by aggregate class",
			},
			[]string{"class"},
		),
		DispatchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_dispatch_outcomes_total",
				Help: "Dispatch outcomes by channel",
			},
			[]string{"channel", "outcome"},
		),
		ChannelDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "push_channel_send_duration_seconds",
				Help:    "Time taken by channels to send notifications",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		StaleDeviceAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_stale_device_attempts_total",
				Help: "Attempts made to devices whose last_seen is older than the freshness window",
			},
			[]string{"channel", "outcome"},
		),
		CredentialsInvalidated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_credentials_invalidated_total",
				Help: "Device credentials cleared after a permanent channel failure",
			},
			[]string{"channel"},
		),
		CleanupDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "push_cleanup_deleted_total",
				Help: "Failed notifications removed by the retention sweep",
			},
		),
		PendingExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "push_pending_expired_total",
				Help: "Pending notifications failed by the retention sweep",
			},
		),
		NotificationsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_notifications_enqueued_total",
				Help: "Notifications accepted or suppressed at enqueue",
			},
			[]string{"result"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "push_api_request_duration_seconds",
				Help:    "Time taken to serve API requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "push_api_active_connections",
				Help: "Number of in-flight API requests",
			},
		),
	}

	reg.MustRegister(
		metrics.CyclesTotal,
		metrics.CycleDuration,
		metrics.CycleRowsTotal,
		metrics.DispatchOutcomes,
		metrics.ChannelDuration,
		metrics.StaleDeviceAttempts,
		metrics.CredentialsInvalidated,
		metrics.CleanupDeleted,
		metrics.PendingExpired,
		metrics.NotificationsEnqueued,
		metrics.RequestDuration,
		metrics.ActiveConnections,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		metrics.gatherer = g
	} else {
		metrics.gatherer = prometheus.DefaultGatherer
	}

	return metrics
}

// RecordCycle records a finished cycle and its row counts
func (m *Metrics) RecordCycle(result string, duration float64, processed, sent, failed, skipped int) {
	m.CyclesTotal.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(duration)
	m.CycleRowsTotal.WithLabelValues("processed").Add(float64(processed))
	m.CycleRowsTotal.WithLabelValues("sent").Add(float64(sent))
	m.CycleRowsTotal.WithLabelValues("failed").Add(float64(failed))
	m.CycleRowsTotal.WithLabelValues("skipped").Add(float64(skipped))
}

// RecordCycleSkipped records a cycle refused because another one was running
func (m *Metrics) RecordCycleSkipped() {
	m.CyclesTotal.WithLabelValues("in_progress").Inc()
}

// RecordDispatch records one dispatch outcome
func (m *Metrics) RecordDispatch(channel, outcome string, duration float64, stale bool) {
	m.DispatchOutcomes.WithLabelValues(channel, outcome).Inc()
	if duration > 0 {
		m.ChannelDuration.WithLabelValues(channel).Observe(duration)
	}
	if stale {
		m.StaleDeviceAttempts.WithLabelValues(channel, outcome).Inc()
	}
}

// RecordCredentialInvalidated records a cleared credential
func (m *Metrics) RecordCredentialInvalidated(channel string) {
	m.CredentialsInvalidated.WithLabelValues(channel).Inc()
}

// RecordCleanup records rows deleted by the retention sweep
func (m *Metrics) RecordCleanup(deleted int64) {
	m.CleanupDeleted.Add(float64(deleted))
}

// RecordExpired records pending rows expired by the retention sweep
func (m *Metrics) RecordExpired(expired int64) {
	m.PendingExpired.Add(float64(expired))
}

// RecordEnqueue records an enqueue decision
func (m *Metrics) RecordEnqueue(result string) {
	m.NotificationsEnqueued.WithLabelValues(result).Inc()
}

// RecordProcessingDuration records API processing duration
func (m *Metrics) RecordProcessingDuration(operation string, duration float64) {
	m.RequestDuration.WithLabelValues(operation).Observe(duration)
}

// IncrementActiveConnections increments active connections
func (m *Metrics) IncrementActiveConnections() {
	m.ActiveConnections.Inc()
}

// DecrementActiveConnections decrements active connections
func (m *Metrics) DecrementActiveConnections() {
	m.ActiveConnections.Dec()
}

// Handler returns the Prometheus metrics HTTP handler for the registry the
// metrics were registered with
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
