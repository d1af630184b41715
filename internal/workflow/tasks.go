package workflow

import (
	"context"
	"sort"

	"github.com/pitabwire/officeflow/internal/definition"
	"github.com/pitabwire/officeflow/model"
)

// UnknownUser is shown as the creator name when the creator is no longer in
// the directory.
const UnknownUser = "unknown user"

// PendingTasks returns the running instances whose current approval step
// actorID may decide, most recently updated first. Admins see every running
// instance. page is 1-based; the total counts all matching tasks.
func (e *Engine) PendingTasks(ctx context.Context, actorID string, page, perPage int) (tasks []model.Task, total int, err error) {
	ctx, done := e.observe(ctx, "tasks")
	defer done(&err)

	isAdmin, err := e.authz.IsAdmin(ctx, actorID)
	if err != nil {
		return nil, 0, err
	}

	running, _, err := e.store.ListInstances(ctx, InstanceFilters{Status: model.InstanceStatusRunning})
	if err != nil {
		return nil, 0, err
	}

	creators := make(map[string]string)
	matched := make([]model.Task, 0, len(running))
	for _, inst := range running {
		tmpl, err := e.templateFor(inst)
		if err != nil {
			return nil, 0, err
		}
		step, err := definition.GetStep(tmpl, inst.CurrentStepID())
		if err != nil {
			return nil, 0, err
		}

		if !isAdmin {
			if step.Type != model.StepTypeApproval {
				continue
			}
			ok, err := e.authz.CanAct(ctx, inst, step, actorID)
			if err != nil {
				return nil, 0, err
			}
			if !ok {
				continue
			}
		}

		name, ok := creators[inst.CreatedBy]
		if !ok {
			name = e.creatorName(ctx, inst.CreatedBy)
			creators[inst.CreatedBy] = name
		}
		matched = append(matched, model.Task{
			InstanceID:   inst.ID,
			Title:        inst.Title,
			TemplateName: tmpl.Name,
			CreatorName:  name,
			CurrentStep:  step.ID,
			CreatedAt:    inst.CreatedAt,
			UpdatedAt:    inst.UpdatedAt,
		})
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].InstanceID < matched[j].InstanceID
	})

	total = len(matched)
	return paginate(matched, page, perPage), total, nil
}

func (e *Engine) creatorName(ctx context.Context, userID string) string {
	u, err := e.dir.GetUser(ctx, userID)
	if err != nil {
		return UnknownUser
	}
	return u.DisplayName()
}

func paginate[T any](items []T, page, perPage int) []T {
	if perPage <= 0 {
		return items
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * perPage
	if start >= len(items) {
		return []T{}
	}
	end := start + perPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
