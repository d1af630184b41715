// Package history builds audit log entries, projects them into display
// timelines, and forwards them to notification sinks.
package history

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/officeflow/internal/identity"
	"github.com/pitabwire/officeflow/model"
)

// SystemActor is the display name used for entries without an actor.
const SystemActor = "system"

// RecoveredPrefix is prepended to messages of entries written by recovery.
const RecoveredPrefix = "recovered: "

// NewEntry builds a log entry with a fresh id. A nil actorID marks a system
// or automatic action.
func NewEntry(instanceID string, actorID *string, action string, stepID *string, message, origin string, at time.Time) model.LogEntry {
	if origin == "" {
		origin = model.OriginRequest
	}
	if origin == model.OriginRecovery {
		message = RecoveredPrefix + message
	}
	return model.LogEntry{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		ActorID:    actorID,
		Action:     action,
		StepID:     stepID,
		Message:    message,
		Origin:     origin,
		CreatedAt:  at,
	}
}

// Timeline orders entries by time and resolves actor display names. Entries
// with equal timestamps keep their append order.
func Timeline(ctx context.Context, entries []model.LogEntry, dir identity.Directory) ([]model.HistoryEntry, error) {
	sorted := make([]model.LogEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	names := make(map[string]string)
	out := make([]model.HistoryEntry, 0, len(sorted))
	for _, e := range sorted {
		name := SystemActor
		if e.ActorID != nil {
			id := *e.ActorID
			cached, ok := names[id]
			if !ok {
				cached = id
				u, err := dir.GetUser(ctx, id)
				switch {
				case err == nil:
					cached = u.DisplayName()
				case !model.IsCode(err, model.ErrNotFound):
					return nil, err
				}
				names[id] = cached
			}
			name = cached
		}
		out = append(out, model.HistoryEntry{
			ID:        e.ID,
			ActorID:   e.ActorID,
			Username:  name,
			Action:    e.Action,
			StepID:    e.StepID,
			Message:   e.Message,
			Origin:    e.Origin,
			CreatedAt: e.CreatedAt,
		})
	}
	return out, nil
}
