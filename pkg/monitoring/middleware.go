package monitoring

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RequestLogger is the logging surface the monitoring middleware needs
type RequestLogger interface {
	HTTPRequest(ctx context.Context, method, path, userAgent, clientIP string, statusCode int, duration int64, details map[string]interface{})
}

// ContextEnricher attaches the request id to a context so downstream log
// entries carry it
type ContextEnricher func(ctx context.Context, requestID string) context.Context

// MonitoringMiddleware combines metrics, tracing, and logging
type MonitoringMiddleware struct {
	metrics   *MetricsCollector
	tracing   *TracingManager
	logger    RequestLogger
	enrich    ContextEnricher
	routeName func(*http.Request) string
}

// NewMonitoringMiddleware creates a new monitoring middleware
func NewMonitoringMiddleware(metrics *MetricsCollector, tracing *TracingManager, logger RequestLogger, enrich ContextEnricher) *MonitoringMiddleware {
	return &MonitoringMiddleware{
		metrics: metrics,
		tracing: tracing,
		logger:  logger,
		enrich:  enrich,
	}
}

// WithRouteName sets the function resolving the route template used as the
// metrics endpoint label
func (mm *MonitoringMiddleware) WithRouteName(fn func(*http.Request) string) *MonitoringMiddleware {
	mm.routeName = fn
	return mm
}

// HTTPMiddleware assigns a request id, traces, measures and logs every request
func (mm *MonitoringMiddleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := r.Context()
		if mm.enrich != nil {
			ctx = mm.enrich(ctx, requestID)
		}
		ctx = mm.tracing.ExtractTraceContext(ctx, r.Header)

		ctx, span := mm.tracing.StartHTTPSpan(ctx, r.Method, r.URL.Path)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.user_agent", r.UserAgent()),
			attribute.String("http.remote_addr", r.RemoteAddr),
			attribute.String("request.id", requestID),
		)

		wrapper := &monitoringResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapper.Header().Set("X-Request-ID", requestID)
		mm.tracing.InjectTraceContext(ctx, wrapper.Header())

		next.ServeHTTP(wrapper, r.WithContext(ctx))

		duration := time.Since(start)
		endpoint := r.URL.Path
		if mm.routeName != nil {
			if name := mm.routeName(r); name != "" {
				endpoint = name
			}
		}
		if mm.metrics != nil {
			mm.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(wrapper.statusCode), duration)
		}

		span.SetAttributes(
			attribute.Int("http.status_code", wrapper.statusCode),
			attribute.Int64("http.response_size", wrapper.bytesWritten),
		)
		if wrapper.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(wrapper.statusCode))
		}

		if mm.logger != nil {
			mm.logger.HTTPRequest(ctx, r.Method, endpoint, r.UserAgent(), r.RemoteAddr,
				wrapper.statusCode, duration.Milliseconds(), map[string]interface{}{
					"request_id":    requestID,
					"bytes_written": wrapper.bytesWritten,
					"trace_id":      mm.tracing.TraceIDFromContext(ctx),
				})
		}
	})
}

// monitoringResponseWriter wraps http.ResponseWriter to capture metrics
type monitoringResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (mrw *monitoringResponseWriter) WriteHeader(code int) {
	mrw.statusCode = code
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *monitoringResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.bytesWritten += int64(n)
	return n, err
}
