// Package authz decides whether an actor may act on a workflow instance.
package authz

import (
	"context"
	"fmt"

	"github.com/pitabwire/officeflow/internal/identity"
	"github.com/pitabwire/officeflow/model"
)

// Resolver evaluates submit, cancel and decision rights against the user
// directory.
type Resolver struct {
	dir identity.Directory
}

// NewResolver creates a Resolver backed by dir.
func NewResolver(dir identity.Directory) *Resolver {
	return &Resolver{dir: dir}
}

// CanSubmit reports whether actorID may submit inst: its creator or an admin.
func (r *Resolver) CanSubmit(ctx context.Context, inst model.Instance, actorID string) (bool, error) {
	return r.creatorOrAdmin(ctx, inst, actorID)
}

// CanCancel reports whether actorID may cancel inst: its creator or an admin.
func (r *Resolver) CanCancel(ctx context.Context, inst model.Instance, actorID string) (bool, error) {
	return r.creatorOrAdmin(ctx, inst, actorID)
}

// CanTrigger reports whether actorID may manually trigger an auto step of
// inst: its creator or an admin.
func (r *Resolver) CanTrigger(ctx context.Context, inst model.Instance, actorID string) (bool, error) {
	return r.creatorOrAdmin(ctx, inst, actorID)
}

// CanAct reports whether actorID may decide step, which must be the current
// step of a running inst. Creatorship alone grants nothing here.
func (r *Resolver) CanAct(ctx context.Context, inst model.Instance, step model.Step, actorID string) (bool, error) {
	if inst.Status != model.InstanceStatusRunning || inst.CurrentStep == nil || *inst.CurrentStep != step.ID {
		return false, nil
	}

	actor, ok, err := r.lookup(ctx, actorID)
	if err != nil || !ok {
		return false, err
	}
	if actor.IsAdmin {
		return true, nil
	}

	rule := step.Approvers
	for _, id := range rule.Users {
		if id == actor.ID {
			return true, nil
		}
	}
	if actor.HasAnyRole(rule.Roles...) {
		return true, nil
	}

	if rule.DepartmentManager && actor.IsManager() && actor.Department != "" {
		creator, ok, err := r.lookup(ctx, inst.CreatedBy)
		if err != nil || !ok {
			return false, err
		}
		if creator.Department == actor.Department {
			return true, nil
		}
	}
	return false, nil
}

// IsAdmin reports whether actorID is a global administrator.
func (r *Resolver) IsAdmin(ctx context.Context, actorID string) (bool, error) {
	actor, ok, err := r.lookup(ctx, actorID)
	if err != nil || !ok {
		return false, err
	}
	return actor.IsAdmin, nil
}

func (r *Resolver) creatorOrAdmin(ctx context.Context, inst model.Instance, actorID string) (bool, error) {
	if actorID != "" && actorID == inst.CreatedBy {
		return true, nil
	}
	return r.IsAdmin(ctx, actorID)
}

// lookup treats an unknown actor as a denial rather than an error.
func (r *Resolver) lookup(ctx context.Context, userID string) (model.User, bool, error) {
	if userID == "" {
		return model.User{}, false, nil
	}
	u, err := r.dir.GetUser(ctx, userID)
	if model.IsCode(err, model.ErrNotFound) {
		return model.User{}, false, nil
	}
	if err != nil {
		return model.User{}, false, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	return u, true, nil
}
