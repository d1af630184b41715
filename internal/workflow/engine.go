// Package workflow runs template instances through their state machine:
// submission, decisions, bounded automatic cascades, cancellation and
// crash recovery.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/authz"
	"github.com/pitabwire/officeflow/internal/definition"
	"github.com/pitabwire/officeflow/internal/history"
	"github.com/pitabwire/officeflow/internal/identity"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/model"
)

// DefaultMaxCascadeHops bounds an automatic cascade when no limit is
// configured.
const DefaultMaxCascadeHops = 64

// Engine manages the lifecycle of workflow instances.
type Engine struct {
	registry *definition.Registry
	store    WorkflowStore
	dir      identity.Directory
	authz    *authz.Resolver
	notifier history.Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
	maxHops  int
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics records engine metrics on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNotifier forwards every committed log entry to n.
func WithNotifier(n history.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMaxCascadeHops bounds automatic cascades. Values below 1 are ignored.
func WithMaxCascadeHops(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxHops = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new workflow engine.
func NewEngine(registry *definition.Registry, store WorkflowStore, dir identity.Directory, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		store:    store,
		dir:      dir,
		authz:    authz.NewResolver(dir),
		logger:   zap.NewNop(),
		maxHops:  DefaultMaxCascadeHops,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateInstance creates a pending instance of the latest version of
// templateID.
func (e *Engine) CreateInstance(ctx context.Context, templateID, title string, data map[string]any, creatorID string) (inst model.Instance, err error) {
	ctx, done := e.observe(ctx, "create", observability.AttrTemplateID.String(templateID), observability.AttrActorID.String(creatorID))
	defer done(&err)

	// 1. Validate input.
	title = strings.TrimSpace(title)
	if title == "" {
		return model.Instance{}, model.NewBadRequestError("title is required")
	}
	if creatorID == "" {
		return model.Instance{}, model.NewBadRequestError("creator is required")
	}

	// 2. Resolve the template. New instances always pin the latest version.
	tmpl, err := e.registry.GetTemplate(templateID)
	if err != nil {
		return model.Instance{}, err
	}
	if !tmpl.Active {
		return model.Instance{}, model.NewPreconditionError(
			fmt.Sprintf("template %q is not active", templateID),
		)
	}

	// 3. Build and persist the instance with its creation entry.
	now := e.now()
	inst = model.Instance{
		ID:              uuid.New().String(),
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		Title:           title,
		Data:            copyData(data),
		Status:          model.InstanceStatusPending,
		CreatedBy:       creatorID,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	entry := history.NewEntry(inst.ID, model.StringPtr(creatorID), model.LogActionCreate, nil,
		fmt.Sprintf("created %q from %s", title, tmpl.Name), model.OriginRequest, now)

	if err := e.store.CreateInstance(ctx, inst, entry); err != nil {
		return model.Instance{}, err
	}

	if e.metrics != nil {
		e.metrics.RecordInstanceCreated(tmpl.ID)
	}
	e.publish(ctx, inst.TemplateID, entry)
	observability.RequestLogger(ctx, e.logger).Info("workflow instance created",
		zap.String("instance_id", inst.ID),
		zap.String("template_id", tmpl.ID),
		zap.Int("template_version", tmpl.Version),
	)
	return inst, nil
}

// Submit moves a pending instance onto its first step and cascades through
// any automatic steps that follow.
func (e *Engine) Submit(ctx context.Context, instanceID, actorID string) (inst model.Instance, err error) {
	ctx, done := e.observe(ctx, "submit", observability.AttrInstanceID.String(instanceID), observability.AttrActorID.String(actorID))
	defer done(&err)

	// 1. Load instance and verify status.
	inst, err = e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.Instance{}, err
	}
	if inst.Status != model.InstanceStatusPending {
		return inst, model.NewPreconditionError(
			fmt.Sprintf("workflow instance %q is %s, only pending instances can be submitted", instanceID, inst.Status),
		)
	}

	// 2. Only the creator or an admin may submit.
	ok, err := e.authz.CanSubmit(ctx, inst, actorID)
	if err != nil {
		return inst, err
	}
	if !ok {
		return inst, model.NewForbiddenError(
			fmt.Sprintf("user %q may not submit workflow instance %q", actorID, instanceID),
		)
	}

	// 3. Enter the first step.
	tmpl, err := e.templateFor(inst)
	if err != nil {
		return inst, err
	}
	first, err := definition.FirstStep(tmpl)
	if err != nil {
		return inst, err
	}

	prev := inst.Version
	inst.Status = model.InstanceStatusRunning
	inst.CurrentStep = model.StringPtr(first.ID)
	entry := history.NewEntry(inst.ID, model.StringPtr(actorID), model.LogActionSubmit, model.StringPtr(first.ID),
		fmt.Sprintf("submitted to %s", first.DisplayName()), model.OriginRequest, e.now())
	if err := e.commit(ctx, prev, &inst, entry); err != nil {
		return inst, err
	}

	// 4. Cascade if the first step is automatic.
	if err := e.cascade(ctx, tmpl, &inst, model.OriginRequest); err != nil {
		return inst, err
	}
	return inst, nil
}

// Decide records an approve or reject decision on the current approval step
// and applies it.
func (e *Engine) Decide(ctx context.Context, instanceID, stepID, actorID, action, comment string) (inst model.Instance, err error) {
	ctx, done := e.observe(ctx, "decide",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrStepID.String(stepID),
		observability.AttrActorID.String(actorID),
		observability.AttrAction.String(action),
	)
	defer done(&err)

	if action != model.DecisionApprove && action != model.DecisionReject {
		return model.Instance{}, model.NewBadRequestError(
			fmt.Sprintf("action must be %q or %q", model.DecisionApprove, model.DecisionReject),
		)
	}

	// 1. Load instance and verify state.
	inst, err = e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.Instance{}, err
	}
	if inst.Status != model.InstanceStatusRunning {
		return inst, model.NewPreconditionError(
			fmt.Sprintf("workflow instance %q is %s, not running", instanceID, inst.Status),
		)
	}
	if inst.CurrentStepID() != stepID {
		return inst, model.NewPreconditionError(
			fmt.Sprintf("step %q is not the current step of workflow instance %q", stepID, instanceID),
		)
	}

	// 2. Resolve the step and check its type.
	tmpl, err := e.templateFor(inst)
	if err != nil {
		return inst, err
	}
	step, err := definition.GetStep(tmpl, stepID)
	if err != nil {
		return inst, err
	}
	if step.Type != model.StepTypeApproval {
		return inst, model.NewPreconditionError(
			fmt.Sprintf("step %q is %s, not an approval step", stepID, step.Type),
		)
	}

	// 3. Authorize.
	ok, err := e.authz.CanAct(ctx, inst, step, actorID)
	if err != nil {
		return inst, err
	}
	if !ok {
		return inst, model.NewForbiddenError(
			fmt.Sprintf("user %q may not decide step %q", actorID, stepID),
		)
	}

	// 4. Record the decision against the version it was taken on.
	approval := model.Approval{
		ID:              uuid.New().String(),
		InstanceID:      inst.ID,
		StepID:          step.ID,
		ActorID:         actorID,
		Action:          action,
		Comment:         comment,
		InstanceVersion: inst.Version,
		CreatedAt:       e.now(),
	}
	if err := e.store.RecordApproval(ctx, approval); err != nil {
		return inst, err
	}

	// 5. Apply it.
	if err := e.applyDecision(ctx, tmpl, &inst, step, approval, model.OriginRequest); err != nil {
		return inst, err
	}
	return inst, nil
}

// Auto manually resolves the current auto step of a running instance, then
// cascades through any automatic steps that follow.
func (e *Engine) Auto(ctx context.Context, instanceID, stepID, actorID string) (inst model.Instance, err error) {
	ctx, done := e.observe(ctx, "auto",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrStepID.String(stepID),
		observability.AttrActorID.String(actorID),
	)
	defer done(&err)

	inst, err = e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.Instance{}, err
	}
	if inst.Status != model.InstanceStatusRunning {
		return inst, model.NewPreconditionError(
			fmt.Sprintf("workflow instance %q is %s, not running", instanceID, inst.Status),
		)
	}
	if inst.CurrentStepID() != stepID {
		return inst, model.NewPreconditionError(
			fmt.Sprintf("step %q is not the current step of workflow instance %q", stepID, instanceID),
		)
	}

	tmpl, err := e.templateFor(inst)
	if err != nil {
		return inst, err
	}
	step, err := definition.GetStep(tmpl, stepID)
	if err != nil {
		return inst, err
	}
	if step.Type != model.StepTypeAuto {
		return inst, model.NewPreconditionError(
			fmt.Sprintf("step %q is %s, not an auto step", stepID, step.Type),
		)
	}

	ok, err := e.authz.CanTrigger(ctx, inst, actorID)
	if err != nil {
		return inst, err
	}
	if !ok {
		return inst, model.NewForbiddenError(
			fmt.Sprintf("user %q may not trigger step %q", actorID, stepID),
		)
	}

	if err := e.advance(ctx, tmpl, &inst, step, model.StringPtr(actorID), model.LogActionAuto,
		fmt.Sprintf("resolved %s", step.DisplayName()), model.OriginRequest); err != nil {
		return inst, err
	}
	if err := e.cascade(ctx, tmpl, &inst, model.OriginRequest); err != nil {
		return inst, err
	}
	return inst, nil
}

// Cancel terminates a pending or running instance.
func (e *Engine) Cancel(ctx context.Context, instanceID, actorID, reason string) (inst model.Instance, err error) {
	ctx, done := e.observe(ctx, "cancel", observability.AttrInstanceID.String(instanceID), observability.AttrActorID.String(actorID))
	defer done(&err)

	inst, err = e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.Instance{}, err
	}
	if inst.Status != model.InstanceStatusPending && inst.Status != model.InstanceStatusRunning {
		return inst, model.NewPreconditionError(
			fmt.Sprintf("workflow instance %q is %s and cannot be cancelled", instanceID, inst.Status),
		)
	}

	ok, err := e.authz.CanCancel(ctx, inst, actorID)
	if err != nil {
		return inst, err
	}
	if !ok {
		return inst, model.NewForbiddenError(
			fmt.Sprintf("user %q may not cancel workflow instance %q", actorID, instanceID),
		)
	}

	if reason == "" {
		reason = "cancelled"
	}
	prev := inst.Version
	prevStep := inst.CurrentStep
	inst.Status = model.InstanceStatusCancelled
	inst.CurrentStep = nil
	entry := history.NewEntry(inst.ID, model.StringPtr(actorID), model.LogActionCancel, prevStep,
		reason, model.OriginRequest, e.now())
	if err := e.commit(ctx, prev, &inst, entry); err != nil {
		return inst, err
	}
	return inst, nil
}

// Get returns an instance by ID.
func (e *Engine) Get(ctx context.Context, instanceID string) (model.Instance, error) {
	return e.store.GetInstance(ctx, instanceID)
}

// ListInstances returns instances matching filters and the total count.
func (e *Engine) ListInstances(ctx context.Context, filters InstanceFilters) ([]model.Instance, int, error) {
	return e.store.ListInstances(ctx, filters)
}

// Approvals returns the decisions recorded for an instance.
func (e *Engine) Approvals(ctx context.Context, instanceID string) ([]model.Approval, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListApprovals(ctx, instanceID)
}

// History returns the display timeline of an instance.
func (e *Engine) History(ctx context.Context, instanceID string) ([]model.HistoryEntry, error) {
	entries, err := e.store.GetLogs(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return history.Timeline(ctx, entries, e.dir)
}

// applyDecision commits the hop for a recorded approval.
func (e *Engine) applyDecision(ctx context.Context, tmpl model.Template, inst *model.Instance, step model.Step, a model.Approval, origin string) error {
	message := fmt.Sprintf("%s %s", a.Action, step.DisplayName())
	if a.Comment != "" {
		message += ": " + a.Comment
	}

	if a.Action == model.DecisionReject {
		prev := inst.Version
		inst.Status = model.InstanceStatusRejected
		inst.CurrentStep = nil
		entry := history.NewEntry(inst.ID, model.StringPtr(a.ActorID), model.LogActionReject, model.StringPtr(step.ID),
			message, origin, e.now())
		return e.commit(ctx, prev, inst, entry)
	}

	if err := e.advance(ctx, tmpl, inst, step, model.StringPtr(a.ActorID), model.LogActionApprove, message, origin); err != nil {
		return err
	}
	return e.cascade(ctx, tmpl, inst, origin)
}

// advance leaves step by its first matching transition: it either moves the
// instance to the next step or completes it. One hop, one commit.
func (e *Engine) advance(ctx context.Context, tmpl model.Template, inst *model.Instance, step model.Step, actorID *string, action, message, origin string) error {
	next, err := definition.NextStep(tmpl, step.ID, inst.Data)
	if err != nil {
		return err
	}

	now := e.now()
	prev := inst.Version
	entries := []model.LogEntry{
		history.NewEntry(inst.ID, actorID, action, model.StringPtr(step.ID), message, origin, now),
	}

	if next == nil {
		inst.Status = model.InstanceStatusCompleted
		inst.CurrentStep = nil
		inst.CompletedAt = &now
		entries = append(entries, history.NewEntry(inst.ID, nil, model.LogActionComplete, nil,
			"workflow completed", origin, now))
	} else {
		inst.CurrentStep = model.StringPtr(next.ID)
	}
	return e.commit(ctx, prev, inst, entries...)
}

// cascade resolves consecutive auto steps, one committed hop each, until the
// instance rests on an approval step or terminates. It fails with a cascade
// limit error after maxHops hops; hops already taken stay committed.
func (e *Engine) cascade(ctx context.Context, tmpl model.Template, inst *model.Instance, origin string) (err error) {
	ctx, span := observability.StartOperation(ctx, "cascade",
		observability.AttrInstanceID.String(inst.ID),
		observability.AttrTemplateID.String(inst.TemplateID),
		observability.AttrOrigin.String(origin),
	)
	hops := 0
	defer func() {
		span.SetAttributes(observability.AttrHops.Int(hops))
		observability.EndOperation(span, err)
		if e.metrics != nil {
			e.metrics.RecordCascade(inst.TemplateID, hops)
		}
	}()

	for inst.Status == model.InstanceStatusRunning {
		step, err := definition.GetStep(tmpl, inst.CurrentStepID())
		if err != nil {
			return err
		}
		if step.Type != model.StepTypeAuto {
			return nil
		}
		if hops >= e.maxHops {
			if e.metrics != nil {
				e.metrics.RecordCascadeLimit(inst.TemplateID)
			}
			observability.OperationLogger(ctx, e.logger, inst.ID, origin).Warn("cascade limit reached",
				zap.String("template_id", inst.TemplateID),
				zap.String("step_id", step.ID),
				zap.Int("max_hops", e.maxHops),
			)
			return model.NewCascadeLimitError(e.maxHops)
		}
		if err := e.advance(ctx, tmpl, inst, step, nil, model.LogActionAuto,
			fmt.Sprintf("auto %s", step.DisplayName()), origin); err != nil {
			return err
		}
		hops++
	}
	return nil
}

// commit persists one hop: the instance moves from version prev to prev+1
// and entries are appended atomically.
func (e *Engine) commit(ctx context.Context, prev int, inst *model.Instance, entries ...model.LogEntry) error {
	inst.Version = prev + 1
	inst.UpdatedAt = e.now()
	if err := e.store.CommitHop(ctx, prev, *inst, entries); err != nil {
		inst.Version = prev
		return err
	}

	for _, entry := range entries {
		e.publish(ctx, inst.TemplateID, entry)
	}
	if model.IsTerminalStatus(inst.Status) && e.metrics != nil {
		e.metrics.RecordCompletion(inst.TemplateID, inst.Status)
	}

	var action, from, origin string
	if len(entries) > 0 {
		action, origin = entries[0].Action, entries[0].Origin
		if entries[0].StepID != nil && action != model.LogActionSubmit {
			from = *entries[0].StepID
		}
	}
	to := inst.CurrentStepID()
	if to == "" {
		to = inst.Status
	}
	observability.RecordHop(ctx, action, from, to, origin, inst.Version)
	observability.OperationLogger(ctx, e.logger, inst.ID, origin).Info("workflow transition",
		zap.String("action", action),
		zap.String("from_step", from),
		zap.String("status", inst.Status),
		zap.String("current_step", inst.CurrentStepID()),
		zap.Int("version", inst.Version),
	)
	return nil
}

// publish forwards a committed entry to the notifier. Delivery failures are
// logged and never fail the transition.
func (e *Engine) publish(ctx context.Context, templateID string, entry model.LogEntry) {
	if e.metrics != nil {
		e.metrics.RecordTransition(templateID, entry.Action, entry.Origin)
	}
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, entry); err != nil {
		if e.metrics != nil {
			e.metrics.RecordNotificationFailure()
		}
		observability.OperationLogger(ctx, e.logger, entry.InstanceID, entry.Origin).Warn("notification failed",
			zap.String("action", entry.Action),
			zap.Error(err),
		)
	}
}

// templateFor returns the template version an instance was created from.
func (e *Engine) templateFor(inst model.Instance) (model.Template, error) {
	tmpl, err := e.registry.GetTemplateVersion(inst.TemplateID, inst.TemplateVersion)
	if model.IsCode(err, model.ErrNotFound) {
		return model.Template{}, model.NewDefinitionError(
			fmt.Sprintf("template %q version %d of workflow instance %q is not registered", inst.TemplateID, inst.TemplateVersion, inst.ID),
		)
	}
	return tmpl, err
}

// observe starts a span for an engine operation and returns a function that
// ends it and records the outcome.
func (e *Engine) observe(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := observability.StartOperation(ctx, op, attrs...)
	return ctx, func(errp *error) {
		err := *errp
		observability.EndOperation(span, err)
		if e.metrics == nil {
			return
		}
		status := "ok"
		if err != nil {
			status = strings.ToLower(model.CodeOf(err))
			if status == "" {
				status = "error"
			}
		}
		e.metrics.RecordOperation(op, status, time.Since(start))
		if model.IsCode(err, model.ErrConflict) {
			e.metrics.RecordConflict(op)
		}
	}
}

func copyData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
