package rbac

import (
	"errors"
	"fmt"
)

// Validation errors surfaced verbatim to the caller.
var (
	// ErrRoleNotFound indicates the role does not exist or is inactive.
	ErrRoleNotFound = errors.New("rbac: role not found")
	// ErrUserNotFound indicates the user does not exist.
	ErrUserNotFound = errors.New("rbac: user not found")
	// ErrUserInactive indicates the user account is deactivated.
	ErrUserInactive = errors.New("rbac: user is inactive")
	// ErrAssignmentNotFound indicates the user does not hold the role.
	ErrAssignmentNotFound = errors.New("rbac: assignment not found")
)

// DuplicateAssignmentError rejects assigning a role the user already holds.
type DuplicateAssignmentError struct {
	Role string
}

func (e *DuplicateAssignmentError) Error() string {
	return fmt.Sprintf("rbac: user already has role %q", e.Role)
}

// DuplicateNameError rejects creating a role whose name is taken.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("rbac: role %q already exists", e.Name)
}

// SystemRoleProtectedError rejects mutations that would delete a system role
// or strip its system identity.
type SystemRoleProtectedError struct {
	Role string
	Op   string
}

func (e *SystemRoleProtectedError) Error() string {
	return fmt.Sprintf("rbac: system role %q cannot be %s", e.Role, e.Op)
}

// FallbackRoleProtectedError rejects deleting the configured fallback role,
// the safety net for last-role removals.
type FallbackRoleProtectedError struct {
	Role string
}

func (e *FallbackRoleProtectedError) Error() string {
	return fmt.Sprintf("rbac: role %q is the configured fallback and cannot be deleted", e.Role)
}

// RoleInUseError rejects deleting a role that users still hold.
type RoleInUseError struct {
	Role  string
	Users int
}

func (e *RoleInUseError) Error() string {
	return fmt.Sprintf("rbac: role %q is assigned to %d user(s)", e.Role, e.Users)
}

// UnknownPermissionError rejects grants referencing pairs outside the catalog.
type UnknownPermissionError struct {
	Key string
}

func (e *UnknownPermissionError) Error() string {
	return fmt.Sprintf("rbac: unknown permission %q", e.Key)
}

// FallbackRoleMisconfiguredError is raised when the configured fallback role
// cannot preserve access for a user losing their last role. The removal is
// rolled back; the user is never left role-less.
type FallbackRoleMisconfiguredError struct {
	Name   string
	Reason string
}

func (e *FallbackRoleMisconfiguredError) Error() string {
	return fmt.Sprintf("rbac: fallback role %q misconfigured: %s", e.Name, e.Reason)
}

// TransientError wraps infrastructure failures that are safe to retry. No
// partial effects are observable when one is returned.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("rbac: transient store error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
