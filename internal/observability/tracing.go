package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/model"
)

const tracerName = "github.com/pitabwire/officeflow"

// Span name prefix shared by every engine operation.
const operationPrefix = "workflow."

// HopEvent is the span event added for every committed hop.
const HopEvent = "workflow.hop"

// Attribute keys for engine spans and hop events.
var (
	AttrInstanceID = attribute.Key("officeflow.instance_id")
	AttrTemplateID = attribute.Key("officeflow.template_id")
	AttrStepID     = attribute.Key("officeflow.step_id")
	AttrActorID    = attribute.Key("officeflow.actor_id")
	AttrAction     = attribute.Key("officeflow.action")
	AttrOrigin     = attribute.Key("officeflow.origin")
	AttrHops       = attribute.Key("officeflow.cascade_hops")
	AttrFromStep   = attribute.Key("officeflow.from_step")
	AttrToStep     = attribute.Key("officeflow.to_step")
	AttrStatus     = attribute.Key("officeflow.status")
	AttrVersion    = attribute.Key("officeflow.version")
	AttrErrorCode  = attribute.Key("officeflow.error_code")
)

// InitTracing installs the global tracer provider and W3C propagators. The
// returned function flushes and stops the provider.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newSampler samples root spans at the configured ratio (default 10%) and
// follows the parent decision otherwise. With AlwaysSampleRecovery, recovery
// spans are kept whatever the ratio.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := cfg.SamplingRate
	switch {
	case rate <= 0:
		rate = 0.1
	case rate > 1:
		rate = 1
	}

	base := sdktrace.TraceIDRatioBased(rate)
	if rate == 1 {
		base = sdktrace.AlwaysSample()
	}
	sampler := sdktrace.ParentBased(base)
	if cfg.AlwaysSampleRecovery {
		return recoverySampler{delegate: sampler}
	}
	return sampler
}

// recoverySampler keeps every span of a recovery pass.
type recoverySampler struct {
	delegate sdktrace.Sampler
}

func (s recoverySampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if strings.HasPrefix(p.Name, operationPrefix+"recover") {
		return sdktrace.SamplingResult{
			Decision:   sdktrace.RecordAndSample,
			Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
		}
	}
	return s.delegate.ShouldSample(p)
}

func (s recoverySampler) Description() string {
	return "RecoverySampler{" + s.delegate.Description() + "}"
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartOperation starts the span of an engine operation. The span is named
// "workflow.<op>".
func StartOperation(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, operationPrefix+op, trace.WithAttributes(attrs...))
}

// EndOperation ends span with the outcome of the operation. Errors a caller
// caused (not found, precondition, forbidden, conflict) are tagged with their
// code but leave the span status unset; anything else marks it failed.
func EndOperation(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}
	code := model.CodeOf(err)
	if code != "" {
		span.SetAttributes(AttrErrorCode.String(code))
	}
	switch code {
	case model.ErrNotFound, model.ErrPrecondition, model.ErrForbidden, model.ErrConflict,
		model.ErrBadRequest, model.ErrUnauthorized:
		span.AddEvent("workflow.rejected", trace.WithAttributes(AttrErrorCode.String(code)))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordHop adds a hop event to the span in ctx. to is the step the instance
// now rests on, or its terminal status.
func RecordHop(ctx context.Context, action, from, to, origin string, version int) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(HopEvent, trace.WithAttributes(
		AttrAction.String(action),
		AttrFromStep.String(from),
		AttrToStep.String(to),
		AttrOrigin.String(origin),
		AttrVersion.Int(version),
	))
}

// TraceIDFromContext returns the trace id of the active span, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanIDFromContext returns the span id of the active span, or "".
func SpanIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// TracingMiddleware starts a server span per request, continuing an inbound
// traceparent. Once routing is done the span is renamed after the route
// pattern and tagged with the instance and step it addressed.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))
		sw := &tracingStatusWriter{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(sw, r)

		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(semconv.HTTPRoute(pattern))
			}
			if id := rc.URLParam("instanceId"); id != "" {
				span.SetAttributes(AttrInstanceID.String(id))
			}
			if step := rc.URLParam("stepId"); step != "" {
				span.SetAttributes(AttrStepID.String(step))
			}
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

type tracingStatusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *tracingStatusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingStatusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
