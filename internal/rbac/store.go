package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"
)

// assignmentRemover routes cascade removals through the assignment protocol
// so the no-lockout invariant is checked per affected user.
type assignmentRemover interface {
	RemoveRole(ctx context.Context, actorID, userID, roleID int64) (RemoveResult, error)
}

// StoreConfig groups the role store dependencies.
type StoreConfig struct {
	Repo Repository
	// Assignments handles cascade removals. Required for DeleteRole with
	// cascade; nil disables cascading.
	Assignments assignmentRemover
	Audit       AuditSink
	Stamps      StampStore
	// FallbackRole names the role installed when a user loses their last
	// assignment. The store refuses to delete it. Defaults to
	// DefaultFallbackRole.
	FallbackRole string
	// FreezeSystemGrants extends system-role protection to permission
	// grants. Deployment policy; identity protection is unconditional.
	FreezeSystemGrants bool
	Logger             *slog.Logger
}

// Store owns Role, Permission and RolePermission rows.
type Store struct {
	repo         Repository
	assignments  assignmentRemover
	audit        AuditSink
	stamps       StampStore
	fallbackRole string
	freezeGrants bool
	logger       *slog.Logger
}

// NewStore constructs the role store.
func NewStore(cfg StoreConfig) *Store {
	fallback := cfg.FallbackRole
	if fallback == "" {
		fallback = DefaultFallbackRole
	}
	return &Store{
		repo:         cfg.Repo,
		assignments:  cfg.Assignments,
		audit:        cfg.Audit,
		stamps:       cfg.Stamps,
		fallbackRole: fallback,
		freezeGrants: cfg.FreezeSystemGrants,
		logger:       cfg.Logger,
	}
}

// CreateRoleInput carries the fields for a new role.
type CreateRoleInput struct {
	Name           string
	Description    string
	Color          string
	PermissionKeys []string
}

// UpdateRolePatch carries optional role edits; nil fields are untouched.
type UpdateRolePatch struct {
	Name           *string
	Description    *string
	Color          *string
	IsActive       *bool
	PermissionKeys *[]string
}

var nameFolder = cases.Fold()

func foldEqual(a, b string) bool {
	return nameFolder.String(a) == nameFolder.String(b)
}

// CreateRole inserts a new role with the given grants. Role names are unique
// under Unicode case folding.
func (s *Store) CreateRole(ctx context.Context, actorID int64, input CreateRoleInput) (Role, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Role{}, errors.New("rbac: role name required")
	}

	if existing, err := s.repo.GetRoleByName(ctx, name); err == nil {
		return Role{}, &DuplicateNameError{Name: existing.Name}
	} else if !errors.Is(err, ErrRoleNotFound) {
		return Role{}, err
	}

	grants, err := parseGrants(input.PermissionKeys)
	if err != nil {
		return Role{}, err
	}

	role, err := s.repo.CreateRole(ctx, Role{
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Color:       strings.TrimSpace(input.Color),
		IsActive:    true,
	}, grants)
	if err != nil {
		if errors.Is(err, errRoleNameTaken) {
			return Role{}, &DuplicateNameError{Name: name}
		}
		return Role{}, err
	}

	s.record(ctx, actorID, AuditActionCreate, role, map[string]any{
		"name":        role.Name,
		"permissions": input.PermissionKeys,
	})
	return role, nil
}

// UpdateRole applies a patch. System roles reject renames and deactivation;
// grant edits on system roles are additionally rejected when the deployment
// freezes them.
func (s *Store) UpdateRole(ctx context.Context, actorID, roleID int64, patch UpdateRolePatch) (Role, error) {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}

	if role.IsSystemRole {
		if patch.Name != nil && !foldEqual(*patch.Name, role.Name) {
			return Role{}, &SystemRoleProtectedError{Role: role.Name, Op: "renamed"}
		}
		if patch.IsActive != nil && !*patch.IsActive {
			return Role{}, &SystemRoleProtectedError{Role: role.Name, Op: "deactivated"}
		}
		if patch.PermissionKeys != nil && s.freezeGrants {
			return Role{}, &SystemRoleProtectedError{Role: role.Name, Op: "regranted"}
		}
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return Role{}, errors.New("rbac: role name required")
		}
		if !foldEqual(name, role.Name) {
			if existing, err := s.repo.GetRoleByName(ctx, name); err == nil {
				return Role{}, &DuplicateNameError{Name: existing.Name}
			} else if !errors.Is(err, ErrRoleNotFound) {
				return Role{}, err
			}
		}
		role.Name = name
	}
	if patch.Description != nil {
		role.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Color != nil {
		role.Color = strings.TrimSpace(*patch.Color)
	}
	if patch.IsActive != nil {
		role.IsActive = *patch.IsActive
	}

	// Validate the grant keys before persisting anything so a rejected
	// patch leaves the role untouched. The row edit and the grant swap
	// then commit as one transaction.
	var grants []PermissionDef
	if patch.PermissionKeys != nil {
		var err error
		grants, err = parseGrants(*patch.PermissionKeys)
		if err != nil {
			return Role{}, err
		}
	}

	updated, err := s.repo.UpdateRole(ctx, role, grants)
	if err != nil {
		if errors.Is(err, errRoleNameTaken) {
			return Role{}, &DuplicateNameError{Name: role.Name}
		}
		return Role{}, err
	}

	// Grant and activation edits change what the role's holders can do, so
	// their cached snapshots must go stale.
	if patch.PermissionKeys != nil || patch.IsActive != nil {
		s.touchMembers(ctx, roleID)
	}

	s.record(ctx, actorID, AuditActionUpdate, updated, map[string]any{"name": updated.Name})
	return updated, nil
}

// DeleteRole removes a role. System roles are never deletable. A role still
// held by users is rejected with RoleInUseError unless cascade is requested,
// in which case each holder is detached through the assignment service so
// last-role fallbacks apply per user.
func (s *Store) DeleteRole(ctx context.Context, actorID, roleID int64, cascade bool) error {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystemRole {
		return &SystemRoleProtectedError{Role: role.Name, Op: "deleted"}
	}
	// Deleting the fallback role would strand exactly the users the
	// cascade routes through it.
	if foldEqual(role.Name, s.fallbackRole) {
		return &FallbackRoleProtectedError{Role: role.Name}
	}

	count, err := s.repo.CountAssignments(ctx, roleID)
	if err != nil {
		return err
	}
	if count > 0 {
		if !cascade {
			return &RoleInUseError{Role: role.Name, Users: count}
		}
		if s.assignments == nil {
			return errors.New("rbac: cascade delete requires the assignment service")
		}
		members, err := s.repo.ListRoleMembers(ctx, roleID)
		if err != nil {
			return err
		}
		for _, userID := range members {
			if _, err := s.assignments.RemoveRole(ctx, actorID, userID, roleID); err != nil {
				return fmt.Errorf("rbac: cascade remove from user %d: %w", userID, err)
			}
		}
	}

	if err := s.repo.DeleteRole(ctx, roleID); err != nil {
		return err
	}

	s.record(ctx, actorID, AuditActionDelete, role, map[string]any{
		"name":     role.Name,
		"cascade":  cascade,
		"detached": count,
	})
	return nil
}

// GetRole fetches a role by ID.
func (s *Store) GetRole(ctx context.Context, roleID int64) (Role, error) {
	return s.repo.GetRole(ctx, roleID)
}

// ListRoles returns all roles in creation order.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// RolePermissions returns a role's granted permissions.
func (s *Store) RolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	return s.repo.ListRolePermissions(ctx, roleID)
}

// SyncCatalog mirrors the compile-time catalog into the permissions table.
// Run at startup; grants reference catalog rows by (resource, action).
func (s *Store) SyncCatalog(ctx context.Context) error {
	return s.repo.SyncCatalog(ctx, AllPermissions())
}

func parseGrants(keys []string) ([]PermissionDef, error) {
	grants := make([]PermissionDef, 0, len(keys))
	seen := make(map[PermissionKey]struct{}, len(keys))
	for _, raw := range keys {
		def, err := ParseKey(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[def.Key()]; dup {
			continue
		}
		seen[def.Key()] = struct{}{}
		grants = append(grants, def)
	}
	return grants, nil
}

func (s *Store) touchMembers(ctx context.Context, roleID int64) {
	if s.stamps == nil {
		return
	}
	members, err := s.repo.ListRoleMembers(ctx, roleID)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("list role members for stamp refresh", slog.Int64("role_id", roleID), slog.Any("error", err))
		}
		return
	}
	for _, userID := range members {
		if err := s.stamps.Touch(ctx, userID); err != nil && s.logger != nil {
			s.logger.Warn("touch permission stamp", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}
}

func (s *Store) record(ctx context.Context, actorID int64, action string, role Role, detail map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditEntry{
		ActorID:  actorID,
		Category: AuditCategoryUser,
		Action:   action,
		Entity:   "roles",
		EntityID: fmt.Sprintf("%d", role.ID),
		Detail:   detail,
	})
}
