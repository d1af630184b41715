package model

import (
	"fmt"
	"sort"
)

// Permission is an identifier from the fixed permission registry.
type Permission string

// Permission registry. New permissions must be added here and to
// AllPermissions.
const (
	PermUserView   Permission = "user_view"
	PermUserCreate Permission = "user_create"
	PermUserEdit   Permission = "user_edit"
	PermUserDelete Permission = "user_delete"

	PermRoleView   Permission = "role_view"
	PermRoleCreate Permission = "role_create"
	PermRoleEdit   Permission = "role_edit"
	PermRoleDelete Permission = "role_delete"

	PermWorkflowView   Permission = "workflow_view"
	PermWorkflowCreate Permission = "workflow_create"
	PermWorkflowEdit   Permission = "workflow_edit"
	PermWorkflowDelete Permission = "workflow_delete"

	PermInstanceCreate Permission = "workflow_instance_create"
	PermInstanceView   Permission = "workflow_instance_view"
	PermInstanceCancel Permission = "workflow_instance_cancel"
	PermApproval       Permission = "workflow_approval"

	PermFileUpload   Permission = "file_upload"
	PermFileDownload Permission = "file_download"
	PermFileDelete   Permission = "file_delete"
	PermFileSign     Permission = "file_sign"

	PermSystemSettings Permission = "system_settings"
	PermSystemLogs     Permission = "system_logs"
	PermSystemBackup   Permission = "system_backup"
)

var allPermissions = []Permission{
	PermUserView, PermUserCreate, PermUserEdit, PermUserDelete,
	PermRoleView, PermRoleCreate, PermRoleEdit, PermRoleDelete,
	PermWorkflowView, PermWorkflowCreate, PermWorkflowEdit, PermWorkflowDelete,
	PermInstanceCreate, PermInstanceView, PermInstanceCancel, PermApproval,
	PermFileUpload, PermFileDownload, PermFileDelete, PermFileSign,
	PermSystemSettings, PermSystemLogs, PermSystemBackup,
}

var permissionIndex = func() map[Permission]struct{} {
	m := make(map[Permission]struct{}, len(allPermissions))
	for _, p := range allPermissions {
		m[p] = struct{}{}
	}
	return m
}()

// AllPermissions returns a copy of the registry in declaration order.
func AllPermissions() []Permission {
	out := make([]Permission, len(allPermissions))
	copy(out, allPermissions)
	return out
}

// Valid reports whether p is in the registry.
func (p Permission) Valid() bool {
	_, ok := permissionIndex[p]
	return ok
}

// ParsePermission converts s to a registered Permission.
func ParsePermission(s string) (Permission, error) {
	p := Permission(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown permission %q", s)
	}
	return p, nil
}

// PermissionSet is the set of permissions granted to a user. The wildcard
// entry "*" grants every permission.
type PermissionSet map[Permission]bool

// Wildcard grants every registered permission.
const Wildcard Permission = "*"

// Has returns true if the set contains p or the wildcard.
func (ps PermissionSet) Has(p Permission) bool {
	return ps[p] || ps[Wildcard]
}

// HasAll returns true if the set contains every given permission.
func (ps PermissionSet) HasAll(perms ...Permission) bool {
	for _, p := range perms {
		if !ps.Has(p) {
			return false
		}
	}
	return true
}

// HasAny returns true if the set contains at least one given permission.
func (ps PermissionSet) HasAny(perms ...Permission) bool {
	for _, p := range perms {
		if ps.Has(p) {
			return true
		}
	}
	return false
}

// Sorted returns the granted permissions in lexical order.
func (ps PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(ps))
	for p, ok := range ps {
		if ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PermissionResolver resolves the permission set for an authenticated actor.
type PermissionResolver interface {
	Resolve(rctx *RequestContext) (PermissionSet, error)
}
