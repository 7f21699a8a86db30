package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// All Record* methods are nil-safe so callers can pass a nil *Metrics
// when metrics are disabled.
type Metrics struct {
	// Escrow state machine metrics
	transitionsTotal    *prometheus.CounterVec
	verifyAttemptsTotal *prometheus.CounterVec
	codesIssuedTotal    prometheus.Counter
	intentsTotal        *prometheus.CounterVec

	// Chain RPC metrics
	chainCallsTotal   *prometheus.CounterVec
	chainCallDuration *prometheus.HistogramVec

	// Database metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// Notification metrics
	notificationsTotal    *prometheus.CounterVec
	notifyPublishDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Escrow state machine metrics
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_transitions_total",
				Help: "Total number of status transition attempts by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		verifyAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_verify_attempts_total",
				Help: "Total number of claim code verification attempts by outcome",
			},
			[]string{"outcome"},
		),
		codesIssuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "escrow_codes_issued_total",
				Help: "Total number of claim codes minted",
			},
		),
		intentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_scheduled_intents_total",
				Help: "Total number of scheduled intent operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),

		// Chain RPC metrics
		chainCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_calls_total",
				Help: "Total number of ledger client calls by method and status",
			},
			[]string{"method", "status"},
		),
		chainCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_call_duration_seconds",
				Help:    "Duration of ledger client calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),

		// Database metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		// Notification metrics
		notificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_published_total",
				Help: "Total number of notification events published",
			},
			[]string{"kind", "status"},
		),
		notifyPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notification_publish_duration_seconds",
				Help:    "Duration of notification publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"kind"},
		),
	}
}

// Escrow metric helpers

// RecordTransition records a status transition attempt. Outcome is one of
// "applied", "invalid", "already_transitioned", "code_mismatch",
// "upstream_failed", "not_found", "forbidden", "error".
func (m *Metrics) RecordTransition(operation, outcome string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordVerifyAttempt records a claim code verification attempt.
func (m *Metrics) RecordVerifyAttempt(outcome string) {
	if m == nil {
		return
	}
	m.verifyAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordCodeIssued records a minted claim code.
func (m *Metrics) RecordCodeIssued() {
	if m == nil {
		return
	}
	m.codesIssuedTotal.Inc()
}

// RecordIntentOperation records a scheduled intent operation
// (schedule, activate, cancel) with its outcome.
func (m *Metrics) RecordIntentOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.intentsTotal.WithLabelValues(operation, outcome).Inc()
}

// Chain metric helpers

// RecordChainCall records a ledger client call with duration.
func (m *Metrics) RecordChainCall(method, status string, duration float64) {
	if m == nil {
		return
	}
	m.chainCallsTotal.WithLabelValues(method, status).Inc()
	m.chainCallDuration.WithLabelValues(method).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// Notification metric helpers

// RecordNotification records a notification publish operation.
func (m *Metrics) RecordNotification(kind, status string, duration float64) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(kind, status).Inc()
	m.notifyPublishDuration.WithLabelValues(kind).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
