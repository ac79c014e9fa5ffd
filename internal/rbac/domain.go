package rbac

import (
	"encoding/json"
	"sort"
	"time"
)

// Role represents a named permission grouping.
type Role struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Color        string    `json:"color"`
	IsSystemRole bool      `json:"is_system_role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Permission represents an atomic capability persisted alongside the
// catalog definition.
type Permission struct {
	ID          int64    `json:"id"`
	Resource    Resource `json:"resource"`
	Action      Action   `json:"action"`
	Description string   `json:"description"`
}

// Key returns the canonical key of the permission.
func (p Permission) Key() PermissionKey {
	return Key(p.Resource, p.Action)
}

// UserRole links a user to a role.
type UserRole struct {
	UserID     int64     `json:"user_id"`
	RoleID     int64     `json:"role_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// RemoveResult reports the outcome of a role removal. FallbackApplied is a
// successful outcome, not an error: the removed role was the user's last one
// and the platform default was installed in its place.
type RemoveResult struct {
	FallbackApplied bool   `json:"fallback_applied"`
	Message         string `json:"message,omitempty"`
	Roles           []Role `json:"roles"`
}

// PermissionSet is the resolved set of permission keys for a user.
type PermissionSet map[PermissionKey]struct{}

// NewPermissionSet builds a set from keys.
func NewPermissionSet(keys ...PermissionKey) PermissionSet {
	set := make(PermissionSet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// Has reports membership of the pair in the set.
func (s PermissionSet) Has(resource Resource, action Action) bool {
	_, ok := s[Key(resource, action)]
	return ok
}

// HasKey reports membership of the raw key in the set.
func (s PermissionSet) HasKey(key PermissionKey) bool {
	_, ok := s[key]
	return ok
}

// Keys returns the sorted key list. Resolution itself carries no ordering
// guarantee; sorting here only keeps serialized forms stable.
func (s PermissionSet) Keys() []PermissionKey {
	keys := make([]PermissionKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// MarshalJSON serializes the set as a sorted array of keys.
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Keys())
}

// UnmarshalJSON restores the set from an array of keys.
func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var keys []PermissionKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	*s = NewPermissionSet(keys...)
	return nil
}
