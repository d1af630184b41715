package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/officeflow/model"
)

// MemoryWorkflowStore is an in-memory WorkflowStore for tests and
// single-node development.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	instances map[string]model.Instance   // key: instance ID
	approvals map[string][]model.Approval // key: instance ID
	logs      map[string][]model.LogEntry // key: instance ID
}

// NewMemoryWorkflowStore creates a new in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		instances: make(map[string]model.Instance),
		approvals: make(map[string][]model.Approval),
		logs:      make(map[string][]model.LogEntry),
	}
}

// CreateInstance persists a new instance and its creation entry.
func (s *MemoryWorkflowStore) CreateInstance(_ context.Context, inst model.Instance, entry model.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}

	s.instances[inst.ID] = cloneInstance(inst)
	s.logs[inst.ID] = append(s.logs[inst.ID], entry)
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *MemoryWorkflowStore) GetInstance(_ context.Context, instanceID string) (model.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.Instance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return cloneInstance(inst), nil
}

// ListInstances returns matching instances, newest first.
func (s *MemoryWorkflowStore) ListInstances(_ context.Context, filters InstanceFilters) ([]model.Instance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Instance
	for _, inst := range s.instances {
		if filters.TemplateID != "" && inst.TemplateID != filters.TemplateID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		if filters.CreatedBy != "" && inst.CreatedBy != filters.CreatedBy {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	total := len(result)

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.Instance{}, total, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, total, nil
}

// CommitHop applies one hop with optimistic locking.
func (s *MemoryWorkflowStore) CommitHop(_ context.Context, expectedVersion int, inst model.Instance, entries []model.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}
	if existing.Version != expectedVersion {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, expectedVersion, existing.Version),
		)
	}

	s.instances[inst.ID] = cloneInstance(inst)
	s.logs[inst.ID] = append(s.logs[inst.ID], entries...)
	return nil
}

// RecordApproval stores a decision if the instance is still at the version
// the decision was taken against.
func (s *MemoryWorkflowStore) RecordApproval(_ context.Context, a model.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.instances[a.InstanceID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", a.InstanceID),
		)
	}
	if inst.Version != a.InstanceVersion || inst.Status != model.InstanceStatusRunning || inst.CurrentStepID() != a.StepID {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q changed before the decision was recorded", a.InstanceID),
		)
	}
	for _, prev := range s.approvals[a.InstanceID] {
		if prev.InstanceVersion == a.InstanceVersion {
			return model.NewConflictError(
				fmt.Sprintf("a decision was already recorded for workflow instance %q at version %d", a.InstanceID, a.InstanceVersion),
			)
		}
	}

	s.approvals[a.InstanceID] = append(s.approvals[a.InstanceID], a)
	return nil
}

// LatestApproval returns the last approval recorded for a step.
func (s *MemoryWorkflowStore) LatestApproval(_ context.Context, instanceID, stepID string) (*model.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.approvals[instanceID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].StepID == stepID {
			a := list[i]
			return &a, nil
		}
	}
	return nil, nil
}

// ListApprovals returns a copy of the approvals of an instance.
func (s *MemoryWorkflowStore) ListApprovals(_ context.Context, instanceID string) ([]model.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.approvals[instanceID]
	result := make([]model.Approval, len(list))
	copy(result, list)
	return result, nil
}

// GetLogs returns a copy of the log entries of an instance.
func (s *MemoryWorkflowStore) GetLogs(_ context.Context, instanceID string) ([]model.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.instances[instanceID]; !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	list := s.logs[instanceID]
	result := make([]model.LogEntry, len(list))
	copy(result, list)
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryWorkflowStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryWorkflowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// cloneInstance copies the pointer and map fields so callers cannot mutate
// stored state.
func cloneInstance(inst model.Instance) model.Instance {
	if inst.CurrentStep != nil {
		step := *inst.CurrentStep
		inst.CurrentStep = &step
	}
	if inst.CompletedAt != nil {
		at := *inst.CompletedAt
		inst.CompletedAt = &at
	}
	if inst.Data != nil {
		data := make(map[string]any, len(inst.Data))
		for k, v := range inst.Data {
			data[k] = v
		}
		inst.Data = data
	}
	return inst
}
