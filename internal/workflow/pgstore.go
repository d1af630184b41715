package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/officeflow/model"
)

const workflowSchema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
	id               TEXT PRIMARY KEY,
	template_id      TEXT NOT NULL,
	template_version INT NOT NULL,
	title            TEXT NOT NULL,
	data             JSONB,
	current_step     TEXT,
	status           TEXT NOT NULL,
	created_by       TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	version          INT NOT NULL
);

CREATE INDEX IF NOT EXISTS workflow_instances_status_idx ON workflow_instances (status);

CREATE TABLE IF NOT EXISTS workflow_approvals (
	id               TEXT PRIMARY KEY,
	instance_id      TEXT NOT NULL REFERENCES workflow_instances(id),
	step_id          TEXT NOT NULL,
	actor_id         TEXT NOT NULL,
	action           TEXT NOT NULL,
	comment          TEXT NOT NULL DEFAULT '',
	instance_version INT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (instance_id, instance_version)
);

CREATE TABLE IF NOT EXISTS workflow_logs (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	instance_id TEXT NOT NULL REFERENCES workflow_instances(id),
	actor_id    TEXT,
	action      TEXT NOT NULL,
	step_id     TEXT,
	message     TEXT NOT NULL DEFAULT '',
	origin      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS workflow_logs_instance_idx ON workflow_logs (instance_id, seq);`

const instanceColumns = `id, template_id, template_version, title, data, current_step, status,
	created_by, created_at, updated_at, completed_at, version`

// PgWorkflowStore is a PostgreSQL-backed WorkflowStore using pgx/v5.
type PgWorkflowStore struct {
	pool *pgxpool.Pool
}

// NewPgWorkflowStore creates a new PostgreSQL workflow store.
func NewPgWorkflowStore(pool *pgxpool.Pool) *PgWorkflowStore {
	return &PgWorkflowStore{pool: pool}
}

// Migrate creates the workflow tables if they do not exist.
func (s *PgWorkflowStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, workflowSchema); err != nil {
		return fmt.Errorf("migrate workflow schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgWorkflowStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateInstance inserts a new instance and its creation entry.
func (s *PgWorkflowStore) CreateInstance(ctx context.Context, inst model.Instance, entry model.LogEntry) error {
	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inst.ID, inst.TemplateID, inst.TemplateVersion, inst.Title, dataJSON, inst.CurrentStep, inst.Status,
		inst.CreatedBy, inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt, inst.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
		}
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	if err := insertLogs(ctx, tx, []model.LogEntry{entry}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetInstance retrieves an instance by ID.
func (s *PgWorkflowStore) GetInstance(ctx context.Context, instanceID string) (model.Instance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, instanceID)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Instance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.Instance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns matching instances, newest first.
func (s *PgWorkflowStore) ListInstances(ctx context.Context, filters InstanceFilters) ([]model.Instance, int, error) {
	where := " WHERE 1=1"
	var args []any
	argIdx := 1

	if filters.TemplateID != "" {
		where += fmt.Sprintf(" AND template_id = $%d", argIdx)
		args = append(args, filters.TemplateID)
		argIdx++
	}
	if filters.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.CreatedBy != "" {
		where += fmt.Sprintf(" AND created_by = $%d", argIdx)
		args = append(args, filters.CreatedBy)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM workflow_instances`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflow instances: %w", err)
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances` + where + ` ORDER BY created_at DESC, id ASC`
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	instances := []model.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, total, rows.Err()
}

// CommitHop applies one hop with optimistic locking.
func (s *PgWorkflowStore) CommitHop(ctx context.Context, expectedVersion int, inst model.Instance, entries []model.LogEntry) error {
	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE workflow_instances SET
			data = $1,
			current_step = $2,
			status = $3,
			updated_at = $4,
			completed_at = $5,
			version = $6
		WHERE id = $7 AND version = $8`,
		dataJSON, inst.CurrentStep, inst.Status, inst.UpdatedAt, inst.CompletedAt, inst.Version,
		inst.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, expectedVersion),
		)
	}
	if err := insertLogs(ctx, tx, entries); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RecordApproval inserts the approval only while the instance is still
// running on the decided step at the decided version.
func (s *PgWorkflowStore) RecordApproval(ctx context.Context, a model.Approval) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_approvals (id, instance_id, step_id, actor_id, action, comment, instance_version, created_at)
		SELECT $1, i.id, $3, $4, $5, $6, $7, $8
		FROM workflow_instances i
		WHERE i.id = $2 AND i.version = $7 AND i.status = 'running' AND i.current_step = $3`,
		a.ID, a.InstanceID, a.StepID, a.ActorID, a.Action, a.Comment, a.InstanceVersion, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewConflictError(
				fmt.Sprintf("a decision was already recorded for workflow instance %q at version %d", a.InstanceID, a.InstanceVersion),
			)
		}
		return fmt.Errorf("insert approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q changed before the decision was recorded", a.InstanceID),
		)
	}
	return nil
}

// LatestApproval returns the last approval recorded for a step.
func (s *PgWorkflowStore) LatestApproval(ctx context.Context, instanceID, stepID string) (*model.Approval, error) {
	var a model.Approval
	err := s.pool.QueryRow(ctx, `
		SELECT id, instance_id, step_id, actor_id, action, comment, instance_version, created_at
		FROM workflow_approvals
		WHERE instance_id = $1 AND step_id = $2
		ORDER BY instance_version DESC
		LIMIT 1`,
		instanceID, stepID,
	).Scan(&a.ID, &a.InstanceID, &a.StepID, &a.ActorID, &a.Action, &a.Comment, &a.InstanceVersion, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest approval: %w", err)
	}
	return &a, nil
}

// ListApprovals returns the approvals of an instance in version order.
func (s *PgWorkflowStore) ListApprovals(ctx context.Context, instanceID string) ([]model.Approval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, step_id, actor_id, action, comment, instance_version, created_at
		FROM workflow_approvals
		WHERE instance_id = $1
		ORDER BY instance_version ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	approvals := []model.Approval{}
	for rows.Next() {
		var a model.Approval
		if err := rows.Scan(&a.ID, &a.InstanceID, &a.StepID, &a.ActorID, &a.Action, &a.Comment, &a.InstanceVersion, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// GetLogs returns the log entries of an instance in append order.
func (s *PgWorkflowStore) GetLogs(ctx context.Context, instanceID string) ([]model.LogEntry, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, actor_id, action, step_id, message, origin, created_at
		FROM workflow_logs
		WHERE instance_id = $1
		ORDER BY seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow logs: %w", err)
	}
	defer rows.Close()

	entries := []model.LogEntry{}
	for rows.Next() {
		var e model.LogEntry
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.ActorID, &e.Action, &e.StepID, &e.Message, &e.Origin, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertLogs(ctx context.Context, tx pgx.Tx, entries []model.LogEntry) error {
	for _, e := range entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_logs (id, instance_id, actor_id, action, step_id, message, origin, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.InstanceID, e.ActorID, e.Action, e.StepID, e.Message, e.Origin, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert workflow log: %w", err)
		}
	}
	return nil
}

func scanInstance(row pgx.Row) (model.Instance, error) {
	var inst model.Instance
	var dataJSON []byte
	err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.TemplateVersion, &inst.Title, &dataJSON, &inst.CurrentStep, &inst.Status,
		&inst.CreatedBy, &inst.CreatedAt, &inst.UpdatedAt, &inst.CompletedAt, &inst.Version,
	)
	if err != nil {
		return model.Instance{}, err
	}
	if len(dataJSON) > 0 && string(dataJSON) != "null" {
		if err := json.Unmarshal(dataJSON, &inst.Data); err != nil {
			return model.Instance{}, fmt.Errorf("unmarshal data: %w", err)
		}
	}
	return inst, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
