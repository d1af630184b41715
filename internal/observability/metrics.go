package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	operationDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets          = []float64{100, 1024, 10240, 102400, 1048576}
	cascadeHopBuckets        = []float64{0, 1, 2, 4, 8, 16, 32, 64}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	InstancesCreatedTotal    *prometheus.CounterVec
	TransitionsTotal         *prometheus.CounterVec
	CompletionsTotal         *prometheus.CounterVec
	OperationDuration        *prometheus.HistogramVec
	CascadeHops              *prometheus.HistogramVec
	CascadeLimitTotal        *prometheus.CounterVec
	ConflictsTotal           *prometheus.CounterVec
	NotificationFailureTotal prometheus.Counter

	// Recovery metrics
	RecoveryRunsTotal      *prometheus.CounterVec
	RecoveredInstanceTotal *prometheus.CounterVec

	// Cache metrics
	DirectoryCacheHitsTotal   prometheus.Counter
	DirectoryCacheMissesTotal prometheus.Counter
	IdempotentReplaysTotal    prometheus.Counter

	// Definition metrics
	TemplateRegistrationsTotal *prometheus.CounterVec
	TemplatesLoaded            prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "officeflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "officeflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "officeflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		InstancesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_instances_created_total",
			Help: "Total number of workflow instances created.",
		}, []string{"template_id"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_transitions_total",
			Help: "Total number of committed workflow log actions.",
		}, []string{"template_id", "action", "origin"}),
		CompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_completions_total",
			Help: "Total number of instances reaching a terminal status.",
		}, []string{"template_id", "final_status"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "officeflow_operation_duration_seconds",
			Help:    "Engine operation duration in seconds.",
			Buckets: operationDurationBuckets,
		}, []string{"operation", "status"}),
		CascadeHops: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "officeflow_cascade_hops",
			Help:    "Automatic hops taken by one cascade.",
			Buckets: cascadeHopBuckets,
		}, []string{"template_id"}),
		CascadeLimitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_cascade_limit_total",
			Help: "Total number of cascades stopped by the hop bound.",
		}, []string{"template_id"}),
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts.",
		}, []string{"operation"}),
		NotificationFailureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "officeflow_notification_failures_total",
			Help: "Total number of failed event notifications.",
		}),

		// Recovery
		RecoveryRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_recovery_runs_total",
			Help: "Total number of recovery passes.",
		}, []string{"status"}),
		RecoveredInstanceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_recovered_instances_total",
			Help: "Instances handled by recovery, by outcome.",
		}, []string{"outcome"}),

		// Cache
		DirectoryCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "officeflow_directory_cache_hits_total",
			Help: "Total user directory cache hits.",
		}),
		DirectoryCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "officeflow_directory_cache_misses_total",
			Help: "Total user directory cache misses.",
		}),
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "officeflow_idempotent_replays_total",
			Help: "Total requests answered from the idempotency store.",
		}),

		// Definitions
		TemplateRegistrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_template_registrations_total",
			Help: "Total template registrations.",
		}, []string{"status"}),
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "officeflow_templates_loaded",
			Help: "Number of registered templates.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.InstancesCreatedTotal,
		m.TransitionsTotal,
		m.CompletionsTotal,
		m.OperationDuration,
		m.CascadeHops,
		m.CascadeLimitTotal,
		m.ConflictsTotal,
		m.NotificationFailureTotal,
		// Recovery
		m.RecoveryRunsTotal,
		m.RecoveredInstanceTotal,
		// Cache
		m.DirectoryCacheHitsTotal,
		m.DirectoryCacheMissesTotal,
		m.IdempotentReplaysTotal,
		// Definitions
		m.TemplateRegistrationsTotal,
		m.TemplatesLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordInstanceCreated records a new instance.
func (m *Metrics) RecordInstanceCreated(templateID string) {
	m.InstancesCreatedTotal.WithLabelValues(templateID).Inc()
}

// RecordTransition records one committed log action.
func (m *Metrics) RecordTransition(templateID, action, origin string) {
	m.TransitionsTotal.WithLabelValues(templateID, action, origin).Inc()
}

// RecordCompletion records an instance reaching a terminal status.
func (m *Metrics) RecordCompletion(templateID, finalStatus string) {
	m.CompletionsTotal.WithLabelValues(templateID, finalStatus).Inc()
}

// RecordOperation records the duration and outcome of an engine operation.
func (m *Metrics) RecordOperation(operation, status string, duration time.Duration) {
	m.OperationDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// RecordCascade records the number of automatic hops one cascade took.
func (m *Metrics) RecordCascade(templateID string, hops int) {
	m.CascadeHops.WithLabelValues(templateID).Observe(float64(hops))
}

// RecordCascadeLimit records a cascade stopped by the hop bound.
func (m *Metrics) RecordCascadeLimit(templateID string) {
	m.CascadeLimitTotal.WithLabelValues(templateID).Inc()
}

// RecordConflict records an optimistic concurrency conflict.
func (m *Metrics) RecordConflict(operation string) {
	m.ConflictsTotal.WithLabelValues(operation).Inc()
}

// RecordNotificationFailure records a failed notification.
func (m *Metrics) RecordNotificationFailure() {
	m.NotificationFailureTotal.Inc()
}

// RecordRecoveryRun records a recovery pass and its per-instance outcomes.
func (m *Metrics) RecordRecoveryRun(status string, repaired, unrecovered int) {
	m.RecoveryRunsTotal.WithLabelValues(status).Inc()
	m.RecoveredInstanceTotal.WithLabelValues("repaired").Add(float64(repaired))
	m.RecoveredInstanceTotal.WithLabelValues("unrecovered").Add(float64(unrecovered))
}

// RecordDirectoryCacheHit records a directory cache hit.
func (m *Metrics) RecordDirectoryCacheHit() {
	m.DirectoryCacheHitsTotal.Inc()
}

// RecordDirectoryCacheMiss records a directory cache miss.
func (m *Metrics) RecordDirectoryCacheMiss() {
	m.DirectoryCacheMissesTotal.Inc()
}

// RecordIdempotentReplay records a response served from the idempotency store.
func (m *Metrics) RecordIdempotentReplay() {
	m.IdempotentReplaysTotal.Inc()
}

// RecordTemplateRegistration records a template registration.
func (m *Metrics) RecordTemplateRegistration(status string) {
	m.TemplateRegistrationsTotal.WithLabelValues(status).Inc()
}

// SetTemplatesLoaded sets the number of registered templates.
func (m *Metrics) SetTemplatesLoaded(count float64) {
	m.TemplatesLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
