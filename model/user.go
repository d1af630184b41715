package model

import "strings"

// User is the identity projection the engine needs from the directory.
type User struct {
	ID         string   `json:"id"          yaml:"id"`
	Username   string   `json:"username"    yaml:"username"`
	FullName   string   `json:"full_name"   yaml:"full_name"`
	IsAdmin    bool     `json:"is_admin"    yaml:"is_admin"`
	Department string   `json:"department"  yaml:"department"`
	Position   string   `json:"position"    yaml:"position"`
	RoleIDs    []string `json:"role_ids"    yaml:"role_ids"`
}

// IsManager reports whether the user's position marks them as a manager.
func (u User) IsManager() bool {
	return strings.Contains(strings.ToLower(u.Position), "manager")
}

// HasAnyRole reports whether the user holds at least one of roles.
func (u User) HasAnyRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range u.RoleIDs {
			if have == want {
				return true
			}
		}
	}
	return false
}

// DisplayName returns the user's full name, falling back to username and id.
func (u User) DisplayName() string {
	switch {
	case u.FullName != "":
		return u.FullName
	case u.Username != "":
		return u.Username
	}
	return u.ID
}
