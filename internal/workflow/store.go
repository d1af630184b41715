package workflow

import (
	"context"

	"github.com/pitabwire/officeflow/model"
)

// WorkflowStore persists instances, approvals and the audit log.
//
// Every state change goes through CommitHop, which applies one hop of the
// state machine atomically: the instance update is guarded by its Version
// and the hop's log entries are appended in the same transaction.
type WorkflowStore interface {
	// CreateInstance persists a new instance together with its creation
	// log entry.
	CreateInstance(ctx context.Context, inst model.Instance, entry model.LogEntry) error

	// GetInstance retrieves an instance by ID. Returns NOT_FOUND if absent.
	GetInstance(ctx context.Context, instanceID string) (model.Instance, error)

	// ListInstances returns instances matching filters ordered by creation
	// time, newest first, and the total number of matches.
	ListInstances(ctx context.Context, filters InstanceFilters) ([]model.Instance, int, error)

	// CommitHop stores inst if the stored version equals expectedVersion and
	// appends entries. inst.Version must be expectedVersion+1. Returns
	// CONFLICT if the stored version has moved on.
	CommitHop(ctx context.Context, expectedVersion int, inst model.Instance, entries []model.LogEntry) error

	// RecordApproval stores a decision taken against the instance at
	// approval.InstanceVersion. Returns CONFLICT if the instance is no longer
	// at that version, is not running on approval.StepID, or a decision was
	// already recorded for that version.
	RecordApproval(ctx context.Context, approval model.Approval) error

	// LatestApproval returns the most recent approval for the given step of
	// an instance, or nil if there is none.
	LatestApproval(ctx context.Context, instanceID, stepID string) (*model.Approval, error)

	// ListApprovals returns every approval of an instance in creation order.
	ListApprovals(ctx context.Context, instanceID string) ([]model.Approval, error)

	// GetLogs returns every log entry of an instance in append order.
	GetLogs(ctx context.Context, instanceID string) ([]model.LogEntry, error)
}

// InstanceFilters are optional filters for listing instances.
type InstanceFilters struct {
	TemplateID string
	Status     string
	CreatedBy  string
	Limit      int
	Offset     int
}
