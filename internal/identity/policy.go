package identity

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/officeflow/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticPolicy resolves permissions from a YAML file mapping role ids to
// permission names. Administrators are granted every permission.
type StaticPolicy struct {
	path  string
	mu    sync.RWMutex
	roles map[string][]model.Permission
}

// NewStaticPolicy loads the policy file at path.
func NewStaticPolicy(path string) (*StaticPolicy, error) {
	p := &StaticPolicy{path: path}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewStaticPolicyFromMap builds a policy from an in-memory mapping.
func NewStaticPolicyFromMap(roles map[string][]string) (*StaticPolicy, error) {
	parsed, err := parseRoles(roles)
	if err != nil {
		return nil, err
	}
	return &StaticPolicy{roles: parsed}, nil
}

// Resolve returns the union of permissions for the roles in rctx.
func (p *StaticPolicy) Resolve(rctx *model.RequestContext) (model.PermissionSet, error) {
	set := make(model.PermissionSet)
	if rctx.IsAdmin {
		set[model.Wildcard] = true
		return set, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, role := range rctx.Roles {
		for _, perm := range p.roles[role] {
			set[perm] = true
		}
	}
	return set, nil
}

// Sync reloads the policy file from disk. Unknown permission names are
// rejected.
func (p *StaticPolicy) Sync() error {
	if p.path == "" {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("identity: reading policy file %s: %w", p.path, err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("identity: parsing policy file %s: %w", p.path, err)
	}
	parsed, err := parseRoles(f.Roles)
	if err != nil {
		return fmt.Errorf("identity: policy file %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.roles = parsed
	p.mu.Unlock()
	return nil
}

func parseRoles(roles map[string][]string) (map[string][]model.Permission, error) {
	out := make(map[string][]model.Permission, len(roles))
	for role, names := range roles {
		perms := make([]model.Permission, 0, len(names))
		for _, name := range names {
			if model.Permission(name) == model.Wildcard {
				perms = append(perms, model.Wildcard)
				continue
			}
			perm, err := model.ParsePermission(name)
			if err != nil {
				return nil, fmt.Errorf("role %q: %w", role, err)
			}
			perms = append(perms, perm)
		}
		out[role] = perms
	}
	return out, nil
}
