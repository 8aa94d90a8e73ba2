package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector handles Prometheus metrics collection
type MetricsCollector struct {
	serviceName string
	gatherer    prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Consent metrics
	accessRequestsTotal *prometheus.CounterVec
	otpVerifications    *prometheus.CounterVec
	accessChecksTotal   *prometheus.CounterVec
	securityDenials     *prometheus.CounterVec
	grantsIssued        *prometheus.CounterVec
	grantsRevoked       prometheus.Counter
	auditEventsTotal    *prometheus.CounterVec
	fraudSignals        *prometheus.CounterVec
	dependencyFailures  *prometheus.CounterVec
	requestsExpired     prometheus.Counter
	operationDuration   *prometheus.HistogramVec
}

// NewMetricsCollector creates a collector whose metrics are registered on reg.
// A nil reg registers on the process-wide default registry.
func NewMetricsCollector(serviceName string, reg prometheus.Registerer) *MetricsCollector {
	gatherer := prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &MetricsCollector{
		serviceName: serviceName,
		gatherer:    gatherer,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code", "service"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint", "service"},
		),
		accessRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consent_access_requests_total",
				Help: "Access request lifecycle transitions",
			},
			[]string{"status", "service"},
		),
		otpVerifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consent_otp_verifications_total",
				Help: "One-time code verification outcomes",
			},
			[]string{"result", "service"},
		),
		accessChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consent_access_checks_total",
				Help: "Enforcement decisions at the data boundary",
			},
			[]string{"scope", "decision", "service"},
		),
		securityDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consent_security_denials_total",
				Help: "Security relevant denials by error kind",
			},
			[]string{"kind", "service"},
		),
		grantsIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consent_grants_issued_total",
				Help: "Access grants issued",
			},
			[]string{"created_by", "whitelist", "service"},
		),
		grantsRevoked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "consent_grants_revoked_total",
				Help:        "Access grants revoked",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
		auditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_events_total",
				Help: "Total number of audit events",
			},
			[]string{"event_type", "success", "service"},
		),
		fraudSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consent_fraud_evaluations_total",
				Help: "Fraud evaluations that raised a signal, by severity",
			},
			[]string{"action", "severity", "service"},
		),
		dependencyFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consent_dependency_failures_total",
				Help: "Failures of external dependencies after retries",
			},
			[]string{"dependency", "service"},
		),
		requestsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "consent_requests_expired_total",
				Help:        "Pending requests marked expired",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "consent_operation_duration_seconds",
				Help:    "Duration of consent engine operations",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation", "service"},
		),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.accessRequestsTotal,
		m.otpVerifications,
		m.accessChecksTotal,
		m.securityDenials,
		m.grantsIssued,
		m.grantsRevoked,
		m.auditEventsTotal,
		m.fraudSignals,
		m.dependencyFailures,
		m.requestsExpired,
		m.operationDuration,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode, m.serviceName).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint, m.serviceName).Observe(duration.Seconds())
}

// RecordAccessRequest counts a request entering the given status
func (m *MetricsCollector) RecordAccessRequest(status string) {
	m.accessRequestsTotal.WithLabelValues(status, m.serviceName).Inc()
	if status == "expired" {
		m.requestsExpired.Inc()
	}
}

// RecordOTPVerification records the outcome of a code verification
func (m *MetricsCollector) RecordOTPVerification(result string) {
	m.otpVerifications.WithLabelValues(result, m.serviceName).Inc()
}

// RecordAccessCheck records an enforcement decision
func (m *MetricsCollector) RecordAccessCheck(scope, decision string) {
	m.accessChecksTotal.WithLabelValues(scope, decision, m.serviceName).Inc()
}

// RecordSecurityDenial records a security relevant denial
func (m *MetricsCollector) RecordSecurityDenial(kind string) {
	m.securityDenials.WithLabelValues(kind, m.serviceName).Inc()
}

// RecordGrantIssued records a newly minted grant
func (m *MetricsCollector) RecordGrantIssued(createdBy string, whitelist bool) {
	m.grantsIssued.WithLabelValues(createdBy, strconv.FormatBool(whitelist), m.serviceName).Inc()
}

// RecordGrantRevoked records a revocation
func (m *MetricsCollector) RecordGrantRevoked() {
	m.grantsRevoked.Inc()
}

// RecordAuditEvent records audit event metrics
func (m *MetricsCollector) RecordAuditEvent(eventType string, success bool) {
	m.auditEventsTotal.WithLabelValues(eventType, strconv.FormatBool(success), m.serviceName).Inc()
}

// RecordFraudSignal records a fraud evaluation that raised at least one signal
func (m *MetricsCollector) RecordFraudSignal(action, severity string) {
	m.fraudSignals.WithLabelValues(action, severity, m.serviceName).Inc()
}

// RecordDependencyFailure records an external dependency that stayed unavailable
func (m *MetricsCollector) RecordDependencyFailure(dependency string) {
	m.dependencyFailures.WithLabelValues(dependency, m.serviceName).Inc()
}

// ObserveOperation records how long an engine operation took
func (m *MetricsCollector) ObserveOperation(operation string, duration time.Duration) {
	m.operationDuration.WithLabelValues(operation, m.serviceName).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

