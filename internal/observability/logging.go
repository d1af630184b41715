package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/model"
)

type loggerKey struct{}

// Redacted replaces masked values in logged instance data.
const Redacted = "[REDACTED]"

// NewLogger builds the service's JSON logger on stdout. An unknown level
// falls back to info.
//
// Level conventions:
//   - error: store or stream failures, panics, 5xx responses
//   - warn:  rejected transitions, version conflicts, unrecovered instances
//   - info:  committed hops, recovery summaries, template registration
//   - debug: condition evaluation, cache traffic, request payloads
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	zc.OutputPaths = []string{"stdout"}
	return zc.Build()
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

func loggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger (or fallback) tagged with the
// actor, correlation id and trace id of the request in ctx.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := loggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("actor_id", rctx.ActorID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.Username != "" {
		fields = append(fields, zap.String("username", rctx.Username))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// OperationLogger returns the logger for work on one instance. Outside a
// request (recovery passes, background loops) it still carries the origin
// and the trace id of the active span so log lines join their trace.
func OperationLogger(ctx context.Context, fallback *zap.Logger, instanceID, origin string) *zap.Logger {
	logger := RequestLogger(ctx, fallback)
	var fields []zap.Field
	if instanceID != "" {
		fields = append(fields, zap.String("instance_id", instanceID))
	}
	if origin != "" {
		fields = append(fields, zap.String("origin", origin))
	}
	if rctx := model.RequestContextFrom(ctx); rctx == nil || rctx.TraceID == "" {
		if id := TraceIDFromContext(ctx); id != "" {
			fields = append(fields, zap.String("trace_id", id))
		}
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// credentialKeys are always masked in logged instance data.
var credentialKeys = []string{
	"password", "secret", "token", "access_token", "refresh_token",
	"api_key", "authorization", "iban", "card_number", "ssn", "pin",
}

// RedactData returns a copy of instance data with credential keys and the
// extra keys masked. Keys match case-insensitively at any depth, including
// inside arrays. The input is never modified.
func RedactData(data map[string]any, extra []string) map[string]any {
	if data == nil {
		return nil
	}
	masked := make(map[string]bool, len(credentialKeys)+len(extra))
	for _, k := range credentialKeys {
		masked[k] = true
	}
	for _, k := range extra {
		masked[strings.ToLower(k)] = true
	}
	return redactMap(data, masked)
}

func redactMap(m map[string]any, masked map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if masked[strings.ToLower(k)] {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v, masked)
	}
	return out
}

func redactValue(v any, masked map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, masked)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item, masked)
		}
		return out
	default:
		return v
	}
}
