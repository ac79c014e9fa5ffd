package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenhr/lumenhr/internal/platform/db"
)

// errAssignmentExists signals a unique violation on user_roles. The service
// layer translates it into DuplicateAssignmentError with the role name.
var errAssignmentExists = errors.New("rbac: assignment exists")

// errRoleNameTaken signals a unique violation on roles.name.
var errRoleNameTaken = errors.New("rbac: role name taken")

// Repository is the persistence port for roles, grants and user-role
// assignments. The assignment service is the only writer of user_roles.
type Repository interface {
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, role Role, grants []PermissionDef) (Role, error)
	// UpdateRole persists the role row and, when grants is non-nil, swaps
	// the grant set in the same transaction.
	UpdateRole(ctx context.Context, role Role, grants []PermissionDef) (Role, error)
	DeleteRole(ctx context.Context, roleID int64) error
	ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	SyncCatalog(ctx context.Context, defs []PermissionDef) error

	ListUserRoles(ctx context.Context, userID int64) ([]Role, error)
	ListUserAssignments(ctx context.Context, userID int64) ([]UserRole, error)
	HasAssignment(ctx context.Context, userID, roleID int64) (bool, error)
	InsertAssignment(ctx context.Context, userID, roleID int64) error
	CountAssignments(ctx context.Context, roleID int64) (int, error)
	ListRoleMembers(ctx context.Context, roleID int64) ([]int64, error)
	UserPermissionKeys(ctx context.Context, userID int64) ([]PermissionKey, error)

	// WithUserLock runs fn inside a serializable transaction holding row
	// locks on the user's user_roles rows, so concurrent removals against
	// the same user serialize instead of both observing a stale count.
	WithUserLock(ctx context.Context, userID int64, fn func(tx AssignmentTx) error) error
}

// AssignmentTx exposes assignment mutations scoped to a single locked user.
type AssignmentTx interface {
	Assignments(ctx context.Context) ([]UserRole, error)
	Delete(ctx context.Context, roleID int64) error
	Insert(ctx context.Context, roleID int64) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const roleColumns = `id, name, description, color, is_system_role, is_active, created_at, updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.Color, &role.IsSystemRole, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}

// GetRole fetches a role by ID.
func (r *PGRepository) GetRole(ctx context.Context, id int64) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrRoleNotFound
		}
		return Role{}, mapStoreErr(err)
	}
	return role, nil
}

// GetRoleByName fetches a role by case-insensitive name.
func (r *PGRepository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE lower(name) = lower($1)`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrRoleNotFound
		}
		return Role{}, mapStoreErr(err)
	}
	return role, nil
}

// ListRoles returns all roles in creation order.
func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY id`)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()
	return collectRoles(rows)
}

func collectRoles(rows pgx.Rows) ([]Role, error) {
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr(err)
	}
	return roles, nil
}

// CreateRole inserts the role and its permission grants atomically.
func (r *PGRepository) CreateRole(ctx context.Context, role Role, grants []PermissionDef) (Role, error) {
	var created Role
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		created, err = scanRole(tx.QueryRow(ctx,
			`INSERT INTO roles (name, description, color, is_system_role, is_active)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING `+roleColumns,
			role.Name, role.Description, role.Color, role.IsSystemRole, role.IsActive))
		if err != nil {
			if isUniqueViolation(err) {
				return errRoleNameTaken
			}
			return err
		}
		return attachGrants(ctx, tx, created.ID, grants)
	})
	if err != nil {
		if errors.Is(err, errRoleNameTaken) {
			return Role{}, err
		}
		return Role{}, mapStoreErr(err)
	}
	return created, nil
}

// UpdateRole persists name, description, color and active flag, swapping the
// grant set in the same transaction when grants is non-nil.
func (r *PGRepository) UpdateRole(ctx context.Context, role Role, grants []PermissionDef) (Role, error) {
	var updated Role
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		updated, err = scanRole(tx.QueryRow(ctx,
			`UPDATE roles SET name = $2, description = $3, color = $4, is_active = $5, updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+roleColumns,
			role.ID, role.Name, role.Description, role.Color, role.IsActive))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrRoleNotFound
			}
			if isUniqueViolation(err) {
				return errRoleNameTaken
			}
			return err
		}
		if grants == nil {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, role.ID); err != nil {
			return err
		}
		return attachGrants(ctx, tx, role.ID, grants)
	})
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) || errors.Is(err, errRoleNameTaken) {
			return Role{}, err
		}
		return Role{}, mapStoreErr(err)
	}
	return updated, nil
}

func attachGrants(ctx context.Context, tx pgx.Tx, roleID int64, grants []PermissionDef) error {
	for _, def := range grants {
		if _, err := tx.Exec(ctx,
			`INSERT INTO role_permissions (role_id, permission_id)
			 SELECT $1, id FROM permissions WHERE resource = $2 AND action = $3
			 ON CONFLICT DO NOTHING`,
			roleID, def.Resource, def.Action); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRole removes the role and its grant rows.
func (r *PGRepository) DeleteRole(ctx context.Context, roleID int64) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrRoleNotFound
		}
		return nil
	})
	if errors.Is(err, ErrRoleNotFound) {
		return err
	}
	return mapStoreErr(err)
}

// ListRolePermissions returns the role's granted permissions.
func (r *PGRepository) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.resource, p.action, p.description
		 FROM role_permissions rp
		 JOIN permissions p ON p.id = rp.permission_id
		 WHERE rp.role_id = $1
		 ORDER BY p.id`, roleID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// ListPermissions returns every persisted permission.
func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, resource, action, description FROM permissions ORDER BY id`)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func collectPermissions(rows pgx.Rows) ([]Permission, error) {
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr(err)
	}
	return perms, nil
}

// SyncCatalog upserts the compile-time catalog into the permissions table so
// grant joins always have a row to reference.
func (r *PGRepository) SyncCatalog(ctx context.Context, defs []PermissionDef) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, def := range defs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO permissions (resource, action, description)
				 VALUES ($1, $2, $3)
				 ON CONFLICT (resource, action) DO UPDATE SET description = EXCLUDED.description`,
				def.Resource, def.Action, def.Description); err != nil {
				return err
			}
		}
		return nil
	})
	return mapStoreErr(err)
}

// ListUserRoles returns the user's roles ordered by assignment time.
func (r *PGRepository) ListUserRoles(ctx context.Context, userID int64) ([]Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT r.id, r.name, r.description, r.color, r.is_system_role, r.is_active, r.created_at, r.updated_at
		 FROM user_roles ur
		 JOIN roles r ON r.id = ur.role_id
		 WHERE ur.user_id = $1
		 ORDER BY ur.assigned_at, r.id`, userID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()
	return collectRoles(rows)
}

// ListUserAssignments returns the raw assignment rows ordered by time.
func (r *PGRepository) ListUserAssignments(ctx context.Context, userID int64) ([]UserRole, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, role_id, assigned_at FROM user_roles WHERE user_id = $1 ORDER BY assigned_at, role_id`, userID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func collectAssignments(rows pgx.Rows) ([]UserRole, error) {
	var assignments []UserRole
	for rows.Next() {
		var ur UserRole
		if err := rows.Scan(&ur.UserID, &ur.RoleID, &ur.AssignedAt); err != nil {
			return nil, err
		}
		assignments = append(assignments, ur)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr(err)
	}
	return assignments, nil
}

// HasAssignment reports whether the (user, role) pair exists.
func (r *PGRepository) HasAssignment(ctx context.Context, userID, roleID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role_id = $2)`, userID, roleID).Scan(&exists)
	if err != nil {
		return false, mapStoreErr(err)
	}
	return exists, nil
}

// InsertAssignment adds the (user, role) pair. The primary key backstops the
// duplicate check under concurrent assigns.
func (r *PGRepository) InsertAssignment(ctx context.Context, userID, roleID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_roles (user_id, role_id, assigned_at) VALUES ($1, $2, NOW())`, userID, roleID)
	if err != nil {
		if isUniqueViolation(err) {
			return errAssignmentExists
		}
		return mapStoreErr(err)
	}
	return nil
}

// CountAssignments returns how many users hold the role.
func (r *PGRepository) CountAssignments(ctx context.Context, roleID int64) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM user_roles WHERE role_id = $1`, roleID).Scan(&count); err != nil {
		return 0, mapStoreErr(err)
	}
	return count, nil
}

// ListRoleMembers returns the IDs of users holding the role.
func (r *PGRepository) ListRoleMembers(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id FROM user_roles WHERE role_id = $1 ORDER BY user_id`, roleID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr(err)
	}
	return ids, nil
}

// UserPermissionKeys returns the deduplicated permission keys across all of
// the user's active roles. Deactivated roles stay assigned but stop granting.
func (r *PGRepository) UserPermissionKeys(ctx context.Context, userID int64) ([]PermissionKey, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT p.resource || ':' || p.action
		 FROM user_roles ur
		 JOIN roles r ON r.id = ur.role_id AND r.is_active
		 JOIN role_permissions rp ON rp.role_id = ur.role_id
		 JOIN permissions p ON p.id = rp.permission_id
		 WHERE ur.user_id = $1`, userID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()
	var keys []PermissionKey
	for rows.Next() {
		var key PermissionKey
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr(err)
	}
	return keys, nil
}

// WithUserLock serializes assignment mutations for one user. Locks are held
// on that user's rows only; mutations against different users never contend.
func (r *PGRepository) WithUserLock(ctx context.Context, userID int64, fn func(tx AssignmentTx) error) error {
	err := db.WithSerializableTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT role_id FROM user_roles WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
			return err
		}
		return fn(&pgAssignmentTx{tx: tx, userID: userID})
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAssignmentNotFound) || errors.Is(err, errAssignmentExists) {
		return err
	}
	var fbErr *FallbackRoleMisconfiguredError
	if errors.As(err, &fbErr) {
		return err
	}
	return mapStoreErr(err)
}

type pgAssignmentTx struct {
	tx     pgx.Tx
	userID int64
}

func (t *pgAssignmentTx) Assignments(ctx context.Context) ([]UserRole, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT user_id, role_id, assigned_at FROM user_roles WHERE user_id = $1 ORDER BY assigned_at, role_id`, t.userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func (t *pgAssignmentTx) Delete(ctx context.Context, roleID int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, t.userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAssignmentNotFound
	}
	return nil
}

func (t *pgAssignmentTx) Insert(ctx context.Context, roleID int64) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO user_roles (user_id, role_id, assigned_at) VALUES ($1, $2, NOW())`, t.userID, roleID)
	if err != nil && isUniqueViolation(err) {
		return errAssignmentExists
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapStoreErr wraps retryable infrastructure failures in TransientError.
// Covered: serialization failures, deadlocks, lock timeouts and cancelled
// contexts. The transaction boundaries guarantee no partial effects remain.
func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Err: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014":
			return &TransientError{Err: err}
		}
	}
	return err
}

var _ Repository = (*PGRepository)(nil)
