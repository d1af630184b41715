package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"officeflow_http_requests_total",
		"officeflow_http_request_duration_seconds",
		"officeflow_http_request_size_bytes",
		"officeflow_http_response_size_bytes",
		"officeflow_instances_created_total",
		"officeflow_transitions_total",
		"officeflow_completions_total",
		"officeflow_operation_duration_seconds",
		"officeflow_cascade_hops",
		"officeflow_cascade_limit_total",
		"officeflow_conflicts_total",
		"officeflow_notification_failures_total",
		"officeflow_recovery_runs_total",
		"officeflow_recovered_instances_total",
		"officeflow_directory_cache_hits_total",
		"officeflow_directory_cache_misses_total",
		"officeflow_idempotent_replays_total",
		"officeflow_template_registrations_total",
		"officeflow_templates_loaded",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordInstanceCreated("expense")
	m.RecordTransition("expense", "submit", "request")
	m.RecordCompletion("expense", "completed")
	m.RecordOperation("decide", "ok", time.Millisecond)
	m.RecordCascade("expense", 2)
	m.RecordCascadeLimit("expense")
	m.RecordConflict("decide")
	m.RecordNotificationFailure()
	m.RecordRecoveryRun("ok", 1, 0)
	m.RecordDirectoryCacheHit()
	m.RecordDirectoryCacheMiss()
	m.RecordIdempotentReplay()
	m.RecordTemplateRegistration("success")
	m.SetTemplatesLoaded(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/api/instances/{id}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/api/instances/{id}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/api/instances/{id}/decisions", 409, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/instances/{id}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/instances/{id}/decisions", "409"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordWorkflowLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordInstanceCreated("leave")
	if v := testutil.ToFloat64(m.InstancesCreatedTotal.WithLabelValues("leave")); v != 1 {
		t.Errorf("created = %v, want 1", v)
	}

	m.RecordTransition("leave", "approve", "request")
	m.RecordTransition("leave", "approve", "recovery")
	if v := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("leave", "approve", "request")); v != 1 {
		t.Errorf("request approvals = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("leave", "approve", "recovery")); v != 1 {
		t.Errorf("recovery approvals = %v, want 1", v)
	}

	m.RecordCompletion("leave", "rejected")
	if v := testutil.ToFloat64(m.CompletionsTotal.WithLabelValues("leave", "rejected")); v != 1 {
		t.Errorf("completions = %v, want 1", v)
	}
}

func TestRecordCascade(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCascade("loop", 64)
	m.RecordCascadeLimit("loop")

	if count := testutil.CollectAndCount(m.CascadeHops); count == 0 {
		t.Error("expected cascade hop histogram to have observations")
	}
	if v := testutil.ToFloat64(m.CascadeLimitTotal.WithLabelValues("loop")); v != 1 {
		t.Errorf("cascade limit = %v, want 1", v)
	}
}

func TestRecordConflict(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordConflict("decide")
	m.RecordConflict("decide")
	if v := testutil.ToFloat64(m.ConflictsTotal.WithLabelValues("decide")); v != 2 {
		t.Errorf("conflicts = %v, want 2", v)
	}
}

func TestRecordRecoveryRun(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRecoveryRun("ok", 3, 1)
	m.RecordRecoveryRun("ok", 0, 1)

	if v := testutil.ToFloat64(m.RecoveryRunsTotal.WithLabelValues("ok")); v != 2 {
		t.Errorf("runs = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.RecoveredInstanceTotal.WithLabelValues("repaired")); v != 3 {
		t.Errorf("repaired = %v, want 3", v)
	}
	if v := testutil.ToFloat64(m.RecoveredInstanceTotal.WithLabelValues("unrecovered")); v != 2 {
		t.Errorf("unrecovered = %v, want 2", v)
	}
}

func TestRecordDirectoryCache(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordDirectoryCacheHit()
	m.RecordDirectoryCacheHit()
	m.RecordDirectoryCacheMiss()

	if hits := testutil.ToFloat64(m.DirectoryCacheHitsTotal); hits != 2 {
		t.Errorf("cache hits = %v, want 2", hits)
	}
	if misses := testutil.ToFloat64(m.DirectoryCacheMissesTotal); misses != 1 {
		t.Errorf("cache misses = %v, want 1", misses)
	}
}

func TestSetTemplatesLoaded(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetTemplatesLoaded(5)
	if val := testutil.ToFloat64(m.TemplatesLoaded); val != 5 {
		t.Errorf("templates loaded = %v, want 5", val)
	}
	m.SetTemplatesLoaded(10)
	if val := testutil.ToFloat64(m.TemplatesLoaded); val != 10 {
		t.Errorf("templates loaded = %v, want 10", val)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/instances/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/instances/{id}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_mountedRoute(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/tasks", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/api/instances/{id}/submit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/instances/x/submit", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/instances/{id}/submit", "400"))
	if val != 1 {
		t.Errorf("400 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandlerFor_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordInstanceCreated("expense")

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "officeflow_instances_created_total") {
		t.Error("metrics response should contain officeflow_instances_created_total")
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":      httpDurationBuckets,
		"operation": operationDurationBuckets,
		"body":      bodySizeBuckets,
		"cascade":   cascadeHopBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
