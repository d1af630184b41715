// Package identity provides the user directory the workflow engine consults
// for authorization and display names, and the static role policy that maps
// roles to registry permissions.
package identity

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/officeflow/model"
)

// Directory looks up users by id.
type Directory interface {
	// GetUser returns NOT_FOUND when the user does not exist.
	GetUser(ctx context.Context, userID string) (model.User, error)
}

// MemoryDirectory is an in-memory Directory for tests and single-node setups.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]model.User
}

// NewMemoryDirectory creates a directory seeded with users.
func NewMemoryDirectory(users ...model.User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]model.User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// LoadMemoryDirectory reads a YAML file with a top-level "users" list.
func LoadMemoryDirectory(path string) (*MemoryDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: reading users file %s: %w", path, err)
	}
	var f struct {
		Users []model.User `yaml:"users"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("identity: parsing users file %s: %w", path, err)
	}
	return NewMemoryDirectory(f.Users...), nil
}

// Put inserts or replaces a user.
func (d *MemoryDirectory) Put(u model.User) {
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

// GetUser returns the user with the given id.
func (d *MemoryDirectory) GetUser(_ context.Context, userID string) (model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return model.User{}, model.NewNotFoundError(fmt.Sprintf("user %q not found", userID))
	}
	u.RoleIDs = append([]string(nil), u.RoleIDs...)
	return u, nil
}

// HealthCheck always succeeds; the directory lives in process memory.
func (d *MemoryDirectory) HealthCheck(context.Context) error {
	return nil
}
