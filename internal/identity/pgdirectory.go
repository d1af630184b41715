package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/officeflow/model"
)

const directorySchema = `
CREATE TABLE IF NOT EXISTS users (
	id          TEXT PRIMARY KEY,
	username    TEXT NOT NULL UNIQUE,
	full_name   TEXT NOT NULL DEFAULT '',
	is_admin    BOOLEAN NOT NULL DEFAULT FALSE,
	department  TEXT NOT NULL DEFAULT '',
	position    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS user_roles (
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role_id TEXT NOT NULL,
	PRIMARY KEY (user_id, role_id)
);`

// PgDirectory reads users and their role memberships from PostgreSQL.
type PgDirectory struct {
	pool *pgxpool.Pool
}

// NewPgDirectory creates a new PostgreSQL-backed directory.
func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

// Migrate creates the user tables if they do not exist.
func (d *PgDirectory) Migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, directorySchema); err != nil {
		return fmt.Errorf("migrate directory schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (d *PgDirectory) HealthCheck(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// GetUser returns the user with the given id and its role ids.
func (d *PgDirectory) GetUser(ctx context.Context, userID string) (model.User, error) {
	var u model.User
	err := d.pool.QueryRow(ctx, `
		SELECT u.id, u.username, u.full_name, u.is_admin, u.department, u.position,
		       COALESCE(array_agg(r.role_id ORDER BY r.role_id) FILTER (WHERE r.role_id IS NOT NULL), '{}')
		FROM users u
		LEFT JOIN user_roles r ON r.user_id = u.id
		WHERE u.id = $1
		GROUP BY u.id`,
		userID,
	).Scan(&u.ID, &u.Username, &u.FullName, &u.IsAdmin, &u.Department, &u.Position, &u.RoleIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, model.NewNotFoundError(fmt.Sprintf("user %q not found", userID))
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// PutUser upserts a user and replaces its role memberships.
func (d *PgDirectory) PutUser(ctx context.Context, u model.User) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO users (id, username, full_name, is_admin, department, position)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			full_name = EXCLUDED.full_name,
			is_admin = EXCLUDED.is_admin,
			department = EXCLUDED.department,
			position = EXCLUDED.position`,
		u.ID, u.Username, u.FullName, u.IsAdmin, u.Department, u.Position,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1`, u.ID); err != nil {
		return fmt.Errorf("clear user roles: %w", err)
	}
	for _, role := range u.RoleIDs {
		if _, err := tx.Exec(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)`, u.ID, role); err != nil {
			return fmt.Errorf("insert user role: %w", err)
		}
	}
	return tx.Commit(ctx)
}
