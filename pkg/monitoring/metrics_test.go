package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *MetricsCollector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetricsCollector_Records(t *testing.T) {
	m := NewMetricsCollector("consent", prometheus.NewRegistry())

	m.RecordAccessRequest("pending")
	m.RecordAccessRequest("expired")
	m.RecordOTPVerification("invalid_code")
	m.RecordAccessCheck("read_records", "allowed")
	m.RecordSecurityDenial("rate_limited")
	m.RecordGrantIssued("patient", false)
	m.RecordGrantRevoked()
	m.RecordAuditEvent("share", true)
	m.RecordFraudSignal("request", "high")
	m.RecordDependencyFailure("counter_store")
	m.ObserveOperation("create_request", 20*time.Millisecond)
	m.RecordHTTPRequest(http.MethodPost, "/api/v1/consent/access-requests", "201", 5*time.Millisecond)

	body := scrape(t, m)
	for _, line := range []string{
		`consent_access_requests_total{service="consent",status="pending"} 1`,
		`consent_requests_expired_total{service="consent"} 1`,
		`consent_otp_verifications_total{result="invalid_code",service="consent"} 1`,
		`consent_security_denials_total{kind="rate_limited",service="consent"} 1`,
		`consent_grants_issued_total{created_by="patient",service="consent",whitelist="false"} 1`,
		`audit_events_total{event_type="share",service="consent",success="true"} 1`,
		`consent_dependency_failures_total{dependency="counter_store",service="consent"} 1`,
		`http_requests_total{endpoint="/api/v1/consent/access-requests",method="POST",service="consent",status_code="201"} 1`,
	} {
		assert.Contains(t, body, line)
	}
}

func TestMetricsCollector_SeparateRegistries(t *testing.T) {
	a := NewMetricsCollector("a", prometheus.NewRegistry())
	b := NewMetricsCollector("b", prometheus.NewRegistry())

	a.RecordGrantRevoked()
	assert.Contains(t, scrape(t, a), `consent_grants_revoked_total{service="a"} 1`)
	assert.NotContains(t, scrape(t, b), `consent_grants_revoked_total{service="b"} 1`)
}
