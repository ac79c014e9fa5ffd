package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Audit categories and actions emitted by this package.
const (
	AuditCategoryAuth = "AUTH"
	AuditCategoryUser = "USER"

	AuditActionCreate = "CREATE"
	AuditActionUpdate = "UPDATE"
	AuditActionDelete = "DELETE"
)

// AuditEntry describes a role mutation for the audit trail.
type AuditEntry struct {
	ActorID  int64
	Category string
	Action   string
	Entity   string
	EntityID string
	Detail   map[string]any
}

// AuditSink receives audit entries. Appends are fire-and-forget; a failing
// sink must never fail the mutation it describes.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry)
}

// StampStore marks a user's resolved permissions as changed so cached
// session snapshots can detect staleness.
type StampStore interface {
	Touch(ctx context.Context, userID int64) error
}

// DirectoryUser is the slice of a platform user this package needs.
type DirectoryUser struct {
	ID       int64
	Email    string
	Name     string
	IsActive bool
}

// UserDirectory looks up accounts owned by the user management subsystem.
// Implementations return ErrUserNotFound for unknown IDs.
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (DirectoryUser, error)
}

// DefaultFallbackRole is assumed when no fallback role is configured.
const DefaultFallbackRole = "Member"

// ServiceConfig groups the assignment service dependencies.
type ServiceConfig struct {
	Repo         Repository
	Directory    UserDirectory
	Audit        AuditSink
	Stamps       StampStore
	FallbackRole string
	Logger       *slog.Logger
}

// Service owns user-role assignment. It is the only writer of user_roles,
// which is what keeps the no-lockout invariant enforceable: every removal
// funnels through the fallback protocol below.
type Service struct {
	repo         Repository
	directory    UserDirectory
	audit        AuditSink
	stamps       StampStore
	fallbackRole string
	logger       *slog.Logger
}

// NewService constructs the assignment service.
func NewService(cfg ServiceConfig) *Service {
	fallback := cfg.FallbackRole
	if fallback == "" {
		fallback = DefaultFallbackRole
	}
	return &Service{
		repo:         cfg.Repo,
		directory:    cfg.Directory,
		audit:        cfg.Audit,
		stamps:       cfg.Stamps,
		fallbackRole: fallback,
		logger:       cfg.Logger,
	}
}

// AssignRole grants roleID to userID and returns the user's updated role
// list. Assigning a role the user already holds changes nothing and returns
// DuplicateAssignmentError naming the role.
func (s *Service) AssignRole(ctx context.Context, actorID, userID, roleID int64) ([]Role, error) {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if !role.IsActive {
		return nil, ErrRoleNotFound
	}

	user, err := s.directory.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}

	before, err := s.repo.ListUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, held := range before {
		if held.ID == roleID {
			return nil, &DuplicateAssignmentError{Role: role.Name}
		}
	}

	if err := s.repo.InsertAssignment(ctx, userID, roleID); err != nil {
		// The primary key closes the race between the check above and the
		// insert when two admins assign the same role concurrently.
		if errors.Is(err, errAssignmentExists) {
			return nil, &DuplicateAssignmentError{Role: role.Name}
		}
		return nil, err
	}

	after, err := s.repo.ListUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, userID)
	s.record(ctx, AuditEntry{
		ActorID:  actorID,
		Category: AuditCategoryAuth,
		Action:   AuditActionUpdate,
		Entity:   "user_roles",
		EntityID: fmt.Sprintf("%d", userID),
		Detail: map[string]any{
			"assigned":     role.Name,
			"roles_before": roleNames(before),
			"roles_after":  roleNames(after),
		},
	})
	return after, nil
}

// RemoveRole revokes roleID from userID. When the role is the user's last
// one, the configured fallback role is installed within the same
// transaction, so no observer ever sees an active user with zero roles.
func (s *Service) RemoveRole(ctx context.Context, actorID, userID, roleID int64) (RemoveResult, error) {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		// A role that no longer exists cannot be assigned to anyone.
		if errors.Is(err, ErrRoleNotFound) {
			return RemoveResult{}, ErrAssignmentNotFound
		}
		return RemoveResult{}, err
	}

	before, err := s.repo.ListUserRoles(ctx, userID)
	if err != nil {
		return RemoveResult{}, err
	}

	var (
		fallback        Role
		fallbackApplied bool
	)
	err = s.repo.WithUserLock(ctx, userID, func(tx AssignmentTx) error {
		rows, err := tx.Assignments(ctx)
		if err != nil {
			return err
		}
		held := false
		for _, row := range rows {
			if row.RoleID == roleID {
				held = true
				break
			}
		}
		if !held {
			return ErrAssignmentNotFound
		}

		if len(rows) > 1 {
			return tx.Delete(ctx, roleID)
		}

		// Last role: resolve the fallback before touching the row so a
		// misconfiguration rolls back with the assignment intact.
		fb, err := s.resolveFallback(ctx)
		if err != nil {
			return err
		}
		if err := tx.Delete(ctx, roleID); err != nil {
			return err
		}
		// When the removed role is the fallback itself, this re-installs
		// it; access is preserved either way.
		if err := tx.Insert(ctx, fb.ID); err != nil {
			return err
		}
		fallback = fb
		fallbackApplied = true
		return nil
	})
	if err != nil {
		return RemoveResult{}, err
	}

	after, err := s.repo.ListUserRoles(ctx, userID)
	if err != nil {
		return RemoveResult{}, err
	}

	result := RemoveResult{FallbackApplied: fallbackApplied, Roles: after}
	if fallbackApplied {
		result.Message = fmt.Sprintf("%s removed; %s assigned automatically to preserve system access", role.Name, fallback.Name)
	}

	detail := map[string]any{
		"removed":          role.Name,
		"fallback_applied": fallbackApplied,
		"roles_before":     roleNames(before),
		"roles_after":      roleNames(after),
	}
	if fallbackApplied {
		detail["fallback_role"] = fallback.Name
	}

	s.invalidate(ctx, userID)
	s.record(ctx, AuditEntry{
		ActorID:  actorID,
		Category: AuditCategoryAuth,
		Action:   AuditActionUpdate,
		Entity:   "user_roles",
		EntityID: fmt.Sprintf("%d", userID),
		Detail:   detail,
	})
	return result, nil
}

// UserRoles is the assignment read path: the user's roles in assignment
// order.
func (s *Service) UserRoles(ctx context.Context, userID int64) ([]Role, error) {
	if _, err := s.directory.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.repo.ListUserRoles(ctx, userID)
}

// PrimaryRole returns the user's earliest-assigned role, or nil when the
// user holds none.
func (s *Service) PrimaryRole(ctx context.Context, userID int64) (*Role, error) {
	roles, err := s.UserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, nil
	}
	primary := roles[0]
	return &primary, nil
}

func (s *Service) resolveFallback(ctx context.Context) (Role, error) {
	fb, err := s.repo.GetRoleByName(ctx, s.fallbackRole)
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			return Role{}, &FallbackRoleMisconfiguredError{Name: s.fallbackRole, Reason: "role does not exist"}
		}
		return Role{}, err
	}
	if !fb.IsActive {
		return Role{}, &FallbackRoleMisconfiguredError{Name: s.fallbackRole, Reason: "role is inactive"}
	}
	if fb.IsSystemRole {
		return Role{}, &FallbackRoleMisconfiguredError{Name: s.fallbackRole, Reason: "role is a system role"}
	}
	return fb, nil
}

func (s *Service) invalidate(ctx context.Context, userID int64) {
	if s.stamps == nil {
		return
	}
	if err := s.stamps.Touch(ctx, userID); err != nil && s.logger != nil {
		s.logger.Warn("touch permission stamp", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, entry AuditEntry) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, entry)
}

func roleNames(roles []Role) []string {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, role.Name)
	}
	return names
}
