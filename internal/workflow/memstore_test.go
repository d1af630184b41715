package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/officeflow/model"
)

func testInstance(templateID, creatorID string, createdAt time.Time) model.Instance {
	return model.Instance{
		ID:              uuid.New().String(),
		TemplateID:      templateID,
		TemplateVersion: 1,
		Title:           "Offsite budget",
		Data:            map[string]any{"amount": float64(250)},
		Status:          model.InstanceStatusPending,
		CreatedBy:       creatorID,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
		Version:         1,
	}
}

func testEntry(inst model.Instance, action string, step *string) model.LogEntry {
	return model.LogEntry{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		ActorID:    model.StringPtr(inst.CreatedBy),
		Action:     action,
		StepID:     step,
		Origin:     model.OriginRequest,
		CreatedAt:  inst.UpdatedAt,
	}
}

// running moves inst onto stepID in the store at version 2.
func running(t *testing.T, store WorkflowStore, inst model.Instance, stepID string) model.Instance {
	t.Helper()
	inst.Status = model.InstanceStatusRunning
	inst.CurrentStep = model.StringPtr(stepID)
	inst.Version = 2
	err := store.CommitHop(context.Background(), 1, inst, []model.LogEntry{testEntry(inst, model.LogActionSubmit, inst.CurrentStep)})
	if err != nil {
		t.Fatalf("CommitHop() error = %v", err)
	}
	return inst
}

// testStoreContract exercises behaviour every WorkflowStore must share.
func testStoreContract(t *testing.T, store WorkflowStore) {
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	// --- Create / Get ---

	t.Run("Create and Get", func(t *testing.T) {
		inst := testInstance("expense", "1", base)
		if err := store.CreateInstance(ctx, inst, testEntry(inst, model.LogActionCreate, nil)); err != nil {
			t.Fatalf("CreateInstance() error = %v", err)
		}

		got, err := store.GetInstance(ctx, inst.ID)
		if err != nil {
			t.Fatalf("GetInstance() error = %v", err)
		}
		if got.Title != inst.Title || got.Status != model.InstanceStatusPending || got.Version != 1 {
			t.Errorf("GetInstance() = %+v", got)
		}
		if got.Data["amount"] != float64(250) {
			t.Errorf("Data = %v", got.Data)
		}
		if got.CurrentStep != nil {
			t.Error("pending instance should have no current step")
		}

		err = store.CreateInstance(ctx, inst, testEntry(inst, model.LogActionCreate, nil))
		if !model.IsCode(err, model.ErrConflict) {
			t.Errorf("duplicate CreateInstance() error = %v, want CONFLICT", err)
		}
	})

	t.Run("Get not found", func(t *testing.T) {
		_, err := store.GetInstance(ctx, "nonexistent")
		if !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("GetInstance() error = %v, want NOT_FOUND", err)
		}
		_, err = store.GetLogs(ctx, "nonexistent")
		if !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("GetLogs() error = %v, want NOT_FOUND", err)
		}
	})

	// --- CommitHop ---

	t.Run("CommitHop bumps version and appends logs", func(t *testing.T) {
		inst := testInstance("expense", "1", base.Add(time.Minute))
		store.CreateInstance(ctx, inst, testEntry(inst, model.LogActionCreate, nil))
		inst = running(t, store, inst, "review")

		got, _ := store.GetInstance(ctx, inst.ID)
		if got.Version != 2 || got.CurrentStepID() != "review" {
			t.Errorf("after hop: version = %d step = %q", got.Version, got.CurrentStepID())
		}

		logs, err := store.GetLogs(ctx, inst.ID)
		if err != nil {
			t.Fatalf("GetLogs() error = %v", err)
		}
		if len(logs) != 2 || logs[0].Action != model.LogActionCreate || logs[1].Action != model.LogActionSubmit {
			t.Errorf("logs = %v, want create then submit", actions(logs))
		}
	})

	t.Run("CommitHop stale version conflicts", func(t *testing.T) {
		inst := testInstance("expense", "1", base.Add(2*time.Minute))
		store.CreateInstance(ctx, inst, testEntry(inst, model.LogActionCreate, nil))
		inst = running(t, store, inst, "review")

		stale := inst
		stale.Status = model.InstanceStatusCancelled
		stale.CurrentStep = nil
		stale.Version = 2
		err := store.CommitHop(ctx, 1, stale, []model.LogEntry{testEntry(inst, model.LogActionCancel, nil)})
		if !model.IsCode(err, model.ErrConflict) {
			t.Fatalf("CommitHop() error = %v, want CONFLICT", err)
		}

		logs, _ := store.GetLogs(ctx, inst.ID)
		if len(logs) != 2 {
			t.Errorf("logs = %d, want 2 (rejected hop must not append)", len(logs))
		}
	})

	t.Run("CommitHop terminal state", func(t *testing.T) {
		inst := testInstance("expense", "1", base.Add(3*time.Minute))
		store.CreateInstance(ctx, inst, testEntry(inst, model.LogActionCreate, nil))
		inst = running(t, store, inst, "review")

		done := base.Add(time.Hour)
		inst.Status = model.InstanceStatusCompleted
		inst.CurrentStep = nil
		inst.CompletedAt = &done
		inst.Version = 3
		if err := store.CommitHop(ctx, 2, inst, []model.LogEntry{
			testEntry(inst, model.LogActionApprove, model.StringPtr("review")),
			testEntry(inst, model.LogActionComplete, nil),
		}); err != nil {
			t.Fatalf("CommitHop() error = %v", err)
		}

		got, _ := store.GetInstance(ctx, inst.ID)
		if got.Status != model.InstanceStatusCompleted || got.CurrentStep != nil {
			t.Errorf("status = %q step = %v", got.Status, got.CurrentStep)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
			t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, done)
		}
	})

	// --- Approvals ---

	t.Run("RecordApproval guards version and step", func(t *testing.T) {
		inst := testInstance("expense", "1", base.Add(4*time.Minute))
		store.CreateInstance(ctx, inst, testEntry(inst, model.LogActionCreate, nil))

		approval := model.Approval{
			ID: uuid.New().String(), InstanceID: inst.ID, StepID: "review",
			ActorID: "5", Action: model.DecisionApprove, InstanceVersion: 1, CreatedAt: base,
		}
		if err := store.RecordApproval(ctx, approval); !model.IsCode(err, model.ErrConflict) {
			t.Errorf("RecordApproval() on pending error = %v, want CONFLICT", err)
		}

		inst = running(t, store, inst, "review")
		approval.InstanceVersion = 2

		wrongStep := approval
		wrongStep.ID = uuid.New().String()
		wrongStep.StepID = "finance"
		if err := store.RecordApproval(ctx, wrongStep); !model.IsCode(err, model.ErrConflict) {
			t.Errorf("RecordApproval() wrong step error = %v, want CONFLICT", err)
		}

		if err := store.RecordApproval(ctx, approval); err != nil {
			t.Fatalf("RecordApproval() error = %v", err)
		}

		second := approval
		second.ID = uuid.New().String()
		second.ActorID = "2"
		if err := store.RecordApproval(ctx, second); !model.IsCode(err, model.ErrConflict) {
			t.Errorf("second RecordApproval() error = %v, want CONFLICT", err)
		}

		latest, err := store.LatestApproval(ctx, inst.ID, "review")
		if err != nil {
			t.Fatalf("LatestApproval() error = %v", err)
		}
		if latest == nil || latest.ID != approval.ID || latest.InstanceVersion != 2 {
			t.Errorf("LatestApproval() = %+v, want %s", latest, approval.ID)
		}

		none, err := store.LatestApproval(ctx, inst.ID, "finance")
		if err != nil || none != nil {
			t.Errorf("LatestApproval(finance) = %v, %v, want nil", none, err)
		}

		list, _ := store.ListApprovals(ctx, inst.ID)
		if len(list) != 1 {
			t.Errorf("ListApprovals() = %d, want 1", len(list))
		}
	})

	// --- List ---

	t.Run("ListInstances filters and paginates", func(t *testing.T) {
		created := make([]model.Instance, 0, 3)
		for i := range 3 {
			inst := testInstance("leave", fmt.Sprintf("creator-%d", i%2), base.Add(time.Duration(10+i)*time.Minute))
			store.CreateInstance(ctx, inst, testEntry(inst, model.LogActionCreate, nil))
			created = append(created, inst)
		}

		list, total, err := store.ListInstances(ctx, InstanceFilters{TemplateID: "leave"})
		if err != nil {
			t.Fatalf("ListInstances() error = %v", err)
		}
		if total != 3 || len(list) != 3 {
			t.Fatalf("total = %d len = %d, want 3", total, len(list))
		}
		if list[0].ID != created[2].ID {
			t.Errorf("first = %s, want newest %s", list[0].ID, created[2].ID)
		}

		page, total, _ := store.ListInstances(ctx, InstanceFilters{TemplateID: "leave", Limit: 2, Offset: 2})
		if total != 3 || len(page) != 1 || page[0].ID != created[0].ID {
			t.Errorf("page = %d items (total %d), want oldest only", len(page), total)
		}

		mine, total, _ := store.ListInstances(ctx, InstanceFilters{TemplateID: "leave", CreatedBy: "creator-0"})
		if total != 2 || len(mine) != 2 {
			t.Errorf("creator filter = %d, want 2", total)
		}

		empty, total, _ := store.ListInstances(ctx, InstanceFilters{TemplateID: "leave", Offset: 10})
		if total != 3 || len(empty) != 0 {
			t.Errorf("offset past end = %d items (total %d)", len(empty), total)
		}
	})
}

func TestMemoryWorkflowStore(t *testing.T) {
	testStoreContract(t, NewMemoryWorkflowStore())
}

func TestMemoryWorkflowStore_isolation(t *testing.T) {
	store := NewMemoryWorkflowStore()
	ctx := context.Background()
	inst := testInstance("expense", "1", time.Now().UTC())
	store.CreateInstance(ctx, inst, testEntry(inst, model.LogActionCreate, nil))

	got, _ := store.GetInstance(ctx, inst.ID)
	got.Data["amount"] = float64(1)
	got.Title = "mutated"

	again, _ := store.GetInstance(ctx, inst.ID)
	if again.Data["amount"] != float64(250) || again.Title != inst.Title {
		t.Error("mutating a returned instance should not change the store")
	}
}

func TestMemoryWorkflowStore_concurrentCommit(t *testing.T) {
	store := NewMemoryWorkflowStore()
	ctx := context.Background()
	inst := testInstance("expense", "1", time.Now().UTC())
	store.CreateInstance(ctx, inst, testEntry(inst, model.LogActionCreate, nil))

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := inst
			next.Version = 2
			next.Status = model.InstanceStatusRunning
			next.CurrentStep = model.StringPtr("review")
			if err := store.CommitHop(ctx, 1, next, nil); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful commits = %d, want 1", successes)
	}
}

func TestMemoryWorkflowStore_HealthCheck(t *testing.T) {
	if err := NewMemoryWorkflowStore().HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v", err)
	}
}
