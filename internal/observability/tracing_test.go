package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/model"
)

// installTracer routes every span to an in-memory exporter for the test.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func attrs(kvs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func onlySpan(t *testing.T, exporter *tracetest.InMemoryExporter) tracetest.SpanStub {
	t.Helper()
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	return spans[0]
}

// --- InitTracing ---

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{"disabled", config.TracingConfig{Enabled: false, Exporter: "bogus"}, false},
		{"stdout", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, false},
		{"unknown exporter", config.TracingConfig{Enabled: true, Exporter: "zipkin"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracing(context.Background(), tt.cfg, "officeflow", "test")
			if (err != nil) != tt.wantErr {
				t.Fatalf("InitTracing() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if err := shutdown(context.Background()); err != nil {
					t.Errorf("shutdown() = %v", err)
				}
			}
		})
	}
}

// --- Operations ---

func TestStartOperation_namesSpanAfterOperation(t *testing.T) {
	exporter := installTracer(t)

	_, span := StartOperation(context.Background(), "decide",
		AttrInstanceID.String("inst-1"),
		AttrStepID.String("review"),
	)
	EndOperation(span, nil)

	s := onlySpan(t, exporter)
	if s.Name != "workflow.decide" {
		t.Errorf("span name = %q, want workflow.decide", s.Name)
	}
	a := attrs(s.Attributes)
	if a["officeflow.instance_id"].AsString() != "inst-1" || a["officeflow.step_id"].AsString() != "review" {
		t.Errorf("attributes = %v", s.Attributes)
	}
	if s.Status.Code != codes.Unset {
		t.Errorf("status = %v, want unset", s.Status.Code)
	}
}

func TestEndOperation_outcomes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus codes.Code
		wantCode   string
		wantEvent  string
	}{
		{"precondition is a rejection", model.NewPreconditionError("instance is not running"), codes.Unset, model.ErrPrecondition, "workflow.rejected"},
		{"lost race is a rejection", model.NewConflictError("version changed"), codes.Unset, model.ErrConflict, "workflow.rejected"},
		{"forbidden is a rejection", model.NewForbiddenError("not an approver"), codes.Unset, model.ErrForbidden, "workflow.rejected"},
		{"cascade limit fails", model.NewCascadeLimitError(5), codes.Error, model.ErrCascadeLimit, "exception"},
		{"store failure fails", errors.New("connection reset"), codes.Error, "", "exception"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := installTracer(t)
			_, span := StartOperation(context.Background(), "submit")
			EndOperation(span, tt.err)

			s := onlySpan(t, exporter)
			if s.Status.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", s.Status.Code, tt.wantStatus)
			}
			if got := attrs(s.Attributes)["officeflow.error_code"].AsString(); got != tt.wantCode {
				t.Errorf("error_code = %q, want %q", got, tt.wantCode)
			}
			if len(s.Events) != 1 || s.Events[0].Name != tt.wantEvent {
				t.Errorf("events = %v, want one %s", s.Events, tt.wantEvent)
			}
		})
	}
}

func TestRecordHop_addsEventToActiveSpan(t *testing.T) {
	exporter := installTracer(t)

	ctx, span := StartOperation(context.Background(), "cascade", AttrInstanceID.String("inst-1"))
	RecordHop(ctx, model.LogActionAuto, "notify", "archive", model.OriginRequest, 4)
	RecordHop(ctx, model.LogActionAuto, "archive", model.InstanceStatusCompleted, model.OriginRequest, 5)
	span.SetAttributes(AttrHops.Int(2))
	EndOperation(span, nil)

	s := onlySpan(t, exporter)
	if len(s.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(s.Events))
	}
	first := attrs(s.Events[0].Attributes)
	if s.Events[0].Name != HopEvent {
		t.Errorf("event name = %q, want %q", s.Events[0].Name, HopEvent)
	}
	if first["officeflow.from_step"].AsString() != "notify" || first["officeflow.to_step"].AsString() != "archive" {
		t.Errorf("first hop = %v", s.Events[0].Attributes)
	}
	if first["officeflow.version"].AsInt64() != 4 || first["officeflow.origin"].AsString() != model.OriginRequest {
		t.Errorf("first hop = %v", s.Events[0].Attributes)
	}
	if to := attrs(s.Events[1].Attributes)["officeflow.to_step"].AsString(); to != model.InstanceStatusCompleted {
		t.Errorf("last hop to = %q, want completed", to)
	}
	if hops := attrs(s.Attributes)["officeflow.cascade_hops"].AsInt64(); hops != 2 {
		t.Errorf("cascade_hops = %d, want 2", hops)
	}
}

func TestRecordHop_withoutSpan(t *testing.T) {
	installTracer(t)
	RecordHop(context.Background(), model.LogActionSubmit, "", "review", model.OriginRequest, 2)
}

func TestTraceIDFromContext(t *testing.T) {
	installTracer(t)
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext(no span) = %q", got)
	}

	ctx, span := StartOperation(context.Background(), "recover")
	defer span.End()
	if got := TraceIDFromContext(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("TraceIDFromContext() = %q", got)
	}
	if got := SpanIDFromContext(ctx); got != span.SpanContext().SpanID().String() {
		t.Errorf("SpanIDFromContext() = %q", got)
	}
}

// --- Sampling ---

func samplingParams(name string) sdktrace.SamplingParameters {
	// The highest trace id falls outside every ratio below 1.
	var tid trace.TraceID
	for i := range tid {
		tid[i] = 0xff
	}
	return sdktrace.SamplingParameters{ParentContext: context.Background(), TraceID: tid, Name: name}
}

func TestNewSampler_recoveryAlwaysSampled(t *testing.T) {
	sampler := newSampler(config.TracingConfig{SamplingRate: 0.01, AlwaysSampleRecovery: true})

	tests := []struct {
		span string
		want sdktrace.SamplingDecision
	}{
		{"workflow.recover", sdktrace.RecordAndSample},
		{"workflow.recover_instance", sdktrace.RecordAndSample},
		{"workflow.submit", sdktrace.Drop},
		{"POST /api/instances", sdktrace.Drop},
	}
	for _, tt := range tests {
		if got := sampler.ShouldSample(samplingParams(tt.span)).Decision; got != tt.want {
			t.Errorf("%s: decision = %v, want %v", tt.span, got, tt.want)
		}
	}
}

func TestNewSampler_ratio(t *testing.T) {
	if got := newSampler(config.TracingConfig{SamplingRate: 0.01}).ShouldSample(samplingParams("workflow.recover")).Decision; got != sdktrace.Drop {
		t.Errorf("recovery without override = %v, want drop", got)
	}
	if got := newSampler(config.TracingConfig{SamplingRate: 3}).ShouldSample(samplingParams("workflow.submit")).Decision; got != sdktrace.RecordAndSample {
		t.Errorf("rate above 1 = %v, want sample", got)
	}
}

// --- HTTP ---

func TestTracingMiddleware_namesSpanAfterRoute(t *testing.T) {
	exporter := installTracer(t)

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Post("/api/instances/{instanceId}/steps/{stepId}/decision", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/instances/inst-9/steps/review/decision", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	s := onlySpan(t, exporter)
	if want := "POST /api/instances/{instanceId}/steps/{stepId}/decision"; s.Name != want {
		t.Errorf("span name = %q, want %q", s.Name, want)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want server", s.SpanKind)
	}
	a := attrs(s.Attributes)
	if a["officeflow.instance_id"].AsString() != "inst-9" || a["officeflow.step_id"].AsString() != "review" {
		t.Errorf("attributes = %v", s.Attributes)
	}
	if a["http.response.status_code"].AsInt64() != http.StatusConflict {
		t.Errorf("status code = %v", a["http.response.status_code"])
	}
	if s.Status.Code == codes.Error {
		t.Error("a 409 should not mark the span failed")
	}
}

func TestTracingMiddleware_serverErrorAndPropagation(t *testing.T) {
	exporter := installTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	parent := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	req := httptest.NewRequest(http.MethodPost, "/api/admin/recover", nil)
	req.Header.Set("traceparent", parent)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	s := onlySpan(t, exporter)
	if s.Status.Code != codes.Error {
		t.Errorf("status = %v, want error", s.Status.Code)
	}
	if got := s.SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s, want the inbound one", got)
	}
	if s.Parent.SpanID().String() != "00f067aa0ba902b7" {
		t.Errorf("parent span = %s", s.Parent.SpanID())
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("response should carry a traceparent header")
	}
}
