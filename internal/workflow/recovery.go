package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/definition"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/model"
)

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Scanned     int `json:"scanned"`
	Repaired    int `json:"repaired"`
	Unrecovered int `json:"unrecovered"`
}

// Recover finishes work interrupted between a committed decision and the
// hops that should have followed it. For every running instance it either
// replays a recorded decision whose hop never committed, or resumes a
// cascade parked on an auto step. Cascades that would exceed the hop limit
// are reported unrecovered and left untouched. Running it again on a
// healthy store repairs nothing.
func (e *Engine) Recover(ctx context.Context) (report RecoveryReport, err error) {
	ctx, done := e.observe(ctx, "recover")
	defer done(&err)

	logger := observability.OperationLogger(ctx, e.logger, "", model.OriginRecovery)
	defer func() {
		if e.metrics == nil {
			return
		}
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.metrics.RecordRecoveryRun(status, report.Repaired, report.Unrecovered)
	}()

	running, _, err := e.store.ListInstances(ctx, InstanceFilters{Status: model.InstanceStatusRunning})
	if err != nil {
		return report, err
	}

	for _, inst := range running {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		repaired, err := e.recoverInstance(ctx, inst)
		switch {
		case model.IsCode(err, model.ErrConflict):
			// Another writer moved the instance on; nothing left to do.
			logger.Debug("instance changed during recovery", zap.String("instance_id", inst.ID))
		case err != nil:
			report.Unrecovered++
			logger.Warn("instance not recovered",
				zap.String("instance_id", inst.ID),
				zap.String("current_step", inst.CurrentStepID()),
				zap.Error(err),
			)
		case repaired:
			report.Repaired++
			logger.Info("instance recovered",
				zap.String("instance_id", inst.ID),
				zap.String("status", inst.Status),
			)
		}
	}

	logger.Info("recovery pass finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("repaired", report.Repaired),
		zap.Int("unrecovered", report.Unrecovered),
	)
	return report, nil
}

func (e *Engine) recoverInstance(ctx context.Context, inst model.Instance) (bool, error) {
	ctx, span := observability.StartOperation(ctx, "recover_instance",
		observability.AttrInstanceID.String(inst.ID),
		observability.AttrOrigin.String(model.OriginRecovery),
	)
	var err error
	defer func() { observability.EndOperation(span, err) }()

	tmpl, err := e.templateFor(inst)
	if err != nil {
		return false, err
	}
	step, err := definition.GetStep(tmpl, inst.CurrentStepID())
	if err != nil {
		return false, err
	}

	switch step.Type {
	case model.StepTypeApproval:
		// Only a decision taken on the current version is unapplied; older
		// ones were consumed by the hop that bumped the version.
		var a *model.Approval
		a, err = e.store.LatestApproval(ctx, inst.ID, step.ID)
		if err != nil || a == nil || a.InstanceVersion != inst.Version {
			return false, err
		}
		err = e.applyDecision(ctx, tmpl, &inst, step, *a, model.OriginRecovery)
		return err == nil, err

	case model.StepTypeAuto:
		var hops int
		hops, err = e.dryRunCascade(tmpl, inst)
		if err != nil {
			return false, err
		}
		if hops > e.maxHops {
			err = model.NewCascadeLimitError(e.maxHops)
			return false, err
		}
		err = e.cascade(ctx, tmpl, &inst, model.OriginRecovery)
		return err == nil, err
	}

	err = model.NewDefinitionError(fmt.Sprintf("step %q has unknown type %q", step.ID, step.Type))
	return false, err
}

// dryRunCascade walks the cascade from inst's current step without writing
// anything and returns the number of hops it would take, or maxHops+1 when
// it would not settle within the limit.
func (e *Engine) dryRunCascade(tmpl model.Template, inst model.Instance) (int, error) {
	stepID := inst.CurrentStepID()
	for hops := 0; hops <= e.maxHops; hops++ {
		step, err := definition.GetStep(tmpl, stepID)
		if err != nil {
			return 0, err
		}
		if step.Type != model.StepTypeAuto {
			return hops, nil
		}
		next, err := definition.NextStep(tmpl, stepID, inst.Data)
		if err != nil {
			return 0, err
		}
		if next == nil {
			return hops + 1, nil
		}
		stepID = next.ID
	}
	return e.maxHops + 1, nil
}
