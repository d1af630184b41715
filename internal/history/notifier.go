package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/model"
)

// Notifier receives every committed log entry. Delivery is fire-and-forget:
// callers log a returned error and carry on.
type Notifier interface {
	Notify(ctx context.Context, entry model.LogEntry) error
}

// LogNotifier writes each entry to a zap logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs at info level.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the entry.
func (n *LogNotifier) Notify(_ context.Context, e model.LogEntry) error {
	fields := []zap.Field{
		zap.String("instance_id", e.InstanceID),
		zap.String("action", e.Action),
		zap.String("origin", e.Origin),
		zap.Time("at", e.CreatedAt),
	}
	if e.ActorID != nil {
		fields = append(fields, zap.String("actor_id", *e.ActorID))
	}
	if e.StepID != nil {
		fields = append(fields, zap.String("step_id", *e.StepID))
	}
	if e.Message != "" {
		fields = append(fields, zap.String("message", e.Message))
	}
	n.logger.Info("workflow event", fields...)
	return nil
}

// RedisNotifier appends each entry to a Redis stream.
type RedisNotifier struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisNotifier creates a notifier writing to stream, trimmed
// approximately to maxLen entries when maxLen > 0.
func NewRedisNotifier(client redis.Cmdable, stream string, maxLen int64) *RedisNotifier {
	return &RedisNotifier{client: client, stream: stream, maxLen: maxLen}
}

// Notify XADDs the entry.
func (n *RedisNotifier) Notify(ctx context.Context, e model.LogEntry) error {
	values := map[string]any{
		"id":          e.ID,
		"instance_id": e.InstanceID,
		"action":      e.Action,
		"origin":      e.Origin,
		"message":     e.Message,
		"created_at":  e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
	}
	if e.ActorID != nil {
		values["actor_id"] = *e.ActorID
	}
	if e.StepID != nil {
		values["step_id"] = *e.StepID
	}

	args := &redis.XAddArgs{Stream: n.stream, Values: values}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}
	if err := n.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %q: %w", n.stream, err)
	}
	return nil
}

// Notifiers fans an entry out to every notifier and joins their errors.
type Notifiers []Notifier

// Notify delivers e to every notifier.
func (ns Notifiers) Notify(ctx context.Context, e model.LogEntry) error {
	var errs []error
	for _, n := range ns {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
