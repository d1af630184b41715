package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/officeflow/model"
)

const templateSchema = `
CREATE TABLE IF NOT EXISTS workflow_templates (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	active      BOOLEAN NOT NULL DEFAULT FALSE,
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_template_versions (
	template_id TEXT NOT NULL REFERENCES workflow_templates(id),
	version     INT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	steps       JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (template_id, version)
);`

// PgTemplateStore is a PostgreSQL-backed TemplateStore using pgx/v5.
type PgTemplateStore struct {
	pool *pgxpool.Pool
}

// NewPgTemplateStore creates a new PostgreSQL template store.
func NewPgTemplateStore(pool *pgxpool.Pool) *PgTemplateStore {
	return &PgTemplateStore{pool: pool}
}

// Migrate creates the template tables if they do not exist.
func (s *PgTemplateStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, templateSchema); err != nil {
		return fmt.Errorf("migrate template schema: %w", err)
	}
	return nil
}

// SaveVersion upserts the template header and inserts the version row in one
// transaction.
func (s *PgTemplateStore) SaveVersion(ctx context.Context, tmpl model.Template) error {
	stepsJSON, err := json.Marshal(tmpl.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_templates (id, name, active, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			updated_at = EXCLUDED.updated_at`,
		tmpl.ID, tmpl.Name, tmpl.Active, tmpl.CreatedBy, tmpl.CreatedAt, tmpl.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewConflictError(fmt.Sprintf("template name %q already exists", tmpl.Name))
		}
		return fmt.Errorf("upsert template: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_template_versions (template_id, version, name, description, steps, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tmpl.ID, tmpl.Version, tmpl.Name, tmpl.Description, stepsJSON, tmpl.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewConflictError(
				fmt.Sprintf("template %q version %d already exists", tmpl.ID, tmpl.Version),
			)
		}
		return fmt.Errorf("insert template version: %w", err)
	}

	return tx.Commit(ctx)
}

// SetActive updates the activation flag of a template.
func (s *PgTemplateStore) SetActive(ctx context.Context, templateID string, active bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_templates SET active = $1, updated_at = $2 WHERE id = $3`,
		active, at, templateID,
	)
	if err != nil {
		return fmt.Errorf("update template activation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("template %q not found", templateID))
	}
	return nil
}

// LoadAll returns every stored version ordered by template and version.
func (s *PgTemplateStore) LoadAll(ctx context.Context) ([]model.Template, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.template_id, v.version, v.name, v.description, v.steps,
		       t.active, t.created_by, t.created_at, v.created_at
		FROM workflow_template_versions v
		JOIN workflow_templates t ON t.id = v.template_id
		ORDER BY v.template_id, v.version`)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var out []model.Template
	for rows.Next() {
		var t model.Template
		var stepsJSON []byte
		if err := rows.Scan(
			&t.ID, &t.Version, &t.Name, &t.Description, &stepsJSON,
			&t.Active, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		if err := json.Unmarshal(stepsJSON, &t.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps of %s@%d: %w", t.ID, t.Version, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
