package rbac

import (
	"fmt"
	"strings"
)

// Resource identifies a protected area of the console.
type Resource string

// Action identifies an operation on a resource.
type Action string

// PermissionKey is the canonical "resource:action" string form of a pair.
type PermissionKey string

const (
	ResourceJobs         Resource = "jobs"
	ResourceApplications Resource = "applications"
	ResourceTalentPool   Resource = "talent_pool"
	ResourceUsers        Resource = "users"
	ResourceRoles        Resource = "roles"
	ResourceAuditLogs    Resource = "audit_logs"
	ResourceSecurity     Resource = "security"
	ResourceDigests      Resource = "digests"
	ResourceSettings     Resource = "settings"
)

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
	ActionExport Action = "export"
	ActionAssign Action = "assign"
)

// Key returns the canonical key for a (resource, action) pair.
func Key(resource Resource, action Action) PermissionKey {
	return PermissionKey(string(resource) + ":" + string(action))
}

// Split returns the components of the key. ok is false for malformed keys.
func (k PermissionKey) Split() (Resource, Action, bool) {
	resource, action, found := strings.Cut(string(k), ":")
	if !found || resource == "" || action == "" {
		return "", "", false
	}
	return Resource(resource), Action(action), true
}

// PermissionDef is a compile-time catalog entry.
type PermissionDef struct {
	Resource    Resource
	Action      Action
	Description string
}

// Key returns the canonical key of the definition.
func (d PermissionDef) Key() PermissionKey {
	return Key(d.Resource, d.Action)
}

// catalog is the closed universe of checkable capabilities. Grants referencing
// pairs outside this list are rejected with UnknownPermissionError.
var catalog = []PermissionDef{
	{ResourceJobs, ActionView, "View job postings"},
	{ResourceJobs, ActionCreate, "Create job postings"},
	{ResourceJobs, ActionEdit, "Edit job postings"},
	{ResourceJobs, ActionDelete, "Delete job postings"},
	{ResourceJobs, ActionExport, "Export job postings"},

	{ResourceApplications, ActionView, "View applications"},
	{ResourceApplications, ActionCreate, "Create applications"},
	{ResourceApplications, ActionEdit, "Edit applications"},
	{ResourceApplications, ActionDelete, "Delete applications"},
	{ResourceApplications, ActionExport, "Export applications"},

	{ResourceTalentPool, ActionView, "View the talent pool"},
	{ResourceTalentPool, ActionEdit, "Manage talent pool entries"},
	{ResourceTalentPool, ActionExport, "Export the talent pool"},

	{ResourceUsers, ActionView, "View user accounts"},
	{ResourceUsers, ActionCreate, "Create user accounts"},
	{ResourceUsers, ActionEdit, "Edit user accounts"},
	{ResourceUsers, ActionDelete, "Delete user accounts"},
	{ResourceUsers, ActionAssign, "Assign roles to users"},

	{ResourceRoles, ActionView, "View roles and permissions"},
	{ResourceRoles, ActionCreate, "Create roles"},
	{ResourceRoles, ActionEdit, "Edit roles"},
	{ResourceRoles, ActionDelete, "Delete roles"},

	{ResourceAuditLogs, ActionView, "View audit logs"},
	{ResourceAuditLogs, ActionExport, "Export audit logs"},

	{ResourceSecurity, ActionView, "View security events"},

	{ResourceDigests, ActionView, "View activity digests"},

	{ResourceSettings, ActionView, "View workspace settings"},
	{ResourceSettings, ActionEdit, "Edit workspace settings"},
}

var catalogIndex = buildCatalogIndex()

func buildCatalogIndex() map[PermissionKey]PermissionDef {
	idx := make(map[PermissionKey]PermissionDef, len(catalog))
	for _, def := range catalog {
		key := def.Key()
		if _, dup := idx[key]; dup {
			panic(fmt.Sprintf("rbac: duplicate catalog entry %q", key))
		}
		idx[key] = def
	}
	return idx
}

// AllPermissions returns the full catalog in declaration order.
func AllPermissions() []PermissionDef {
	defs := make([]PermissionDef, len(catalog))
	copy(defs, catalog)
	return defs
}

// IsValid reports whether the pair is part of the catalog.
func IsValid(resource Resource, action Action) bool {
	_, ok := catalogIndex[Key(resource, action)]
	return ok
}

// ParseKey resolves a raw "resource:action" string against the catalog.
func ParseKey(raw string) (PermissionDef, error) {
	resource, action, ok := PermissionKey(raw).Split()
	if !ok {
		return PermissionDef{}, &UnknownPermissionError{Key: raw}
	}
	def, ok := catalogIndex[Key(resource, action)]
	if !ok {
		return PermissionDef{}, &UnknownPermissionError{Key: raw}
	}
	return def, nil
}
