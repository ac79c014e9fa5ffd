package rbac

import (
	"context"
	"sync"
	"time"

	_ "github.com/lumenhr/lumenhr/testing"
)

// memoryRepo is an in-memory Repository with the same locking and rollback
// behavior the PostgreSQL implementation provides: WithUserLock serializes
// mutations per user and restores the user's rows when the closure fails.
type memoryRepo struct {
	mu         sync.Mutex
	nextRoleID int64
	roles      map[int64]Role
	grants     map[int64][]PermissionDef
	rows       map[int64][]UserRole

	userMu sync.Mutex
	locks  map[int64]*sync.Mutex
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		roles:  make(map[int64]Role),
		grants: make(map[int64][]PermissionDef),
		rows:   make(map[int64][]UserRole),
		locks:  make(map[int64]*sync.Mutex),
	}
}

func (m *memoryRepo) addRole(role Role, grants ...PermissionDef) Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	if role.ID == 0 {
		m.nextRoleID++
		role.ID = m.nextRoleID
	} else if role.ID > m.nextRoleID {
		m.nextRoleID = role.ID
	}
	now := time.Now()
	role.CreatedAt = now
	role.UpdatedAt = now
	m.roles[role.ID] = role
	m.grants[role.ID] = grants
	return role
}

func (m *memoryRepo) assign(userID, roleID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[userID] = append(m.rows[userID], UserRole{UserID: userID, RoleID: roleID, AssignedAt: time.Now()})
}

func (m *memoryRepo) GetRole(_ context.Context, id int64) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[id]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	return role, nil
}

func (m *memoryRepo) GetRoleByName(_ context.Context, name string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, role := range m.roles {
		if foldEqual(role.Name, name) {
			return role, nil
		}
	}
	return Role{}, ErrRoleNotFound
}

func (m *memoryRepo) ListRoles(_ context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roles := make([]Role, 0, len(m.roles))
	for id := int64(1); id <= m.nextRoleID; id++ {
		if role, ok := m.roles[id]; ok {
			roles = append(roles, role)
		}
	}
	return roles, nil
}

func (m *memoryRepo) CreateRole(_ context.Context, role Role, grants []PermissionDef) (Role, error) {
	m.mu.Lock()
	for _, existing := range m.roles {
		if foldEqual(existing.Name, role.Name) {
			m.mu.Unlock()
			return Role{}, errRoleNameTaken
		}
	}
	m.mu.Unlock()
	return m.addRole(role, grants...), nil
}

func (m *memoryRepo) UpdateRole(_ context.Context, role Role, grants []PermissionDef) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.roles[role.ID]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	for id, existing := range m.roles {
		if id != role.ID && foldEqual(existing.Name, role.Name) {
			return Role{}, errRoleNameTaken
		}
	}
	current.Name = role.Name
	current.Description = role.Description
	current.Color = role.Color
	current.IsActive = role.IsActive
	current.UpdatedAt = time.Now()
	m.roles[role.ID] = current
	if grants != nil {
		m.grants[role.ID] = grants
	}
	return current, nil
}

func (m *memoryRepo) DeleteRole(_ context.Context, roleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return ErrRoleNotFound
	}
	delete(m.roles, roleID)
	delete(m.grants, roleID)
	return nil
}

func (m *memoryRepo) ListRolePermissions(_ context.Context, roleID int64) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var perms []Permission
	for i, def := range m.grants[roleID] {
		perms = append(perms, Permission{ID: int64(i + 1), Resource: def.Resource, Action: def.Action, Description: def.Description})
	}
	return perms, nil
}

func (m *memoryRepo) ListPermissions(_ context.Context) ([]Permission, error) {
	defs := AllPermissions()
	perms := make([]Permission, 0, len(defs))
	for i, def := range defs {
		perms = append(perms, Permission{ID: int64(i + 1), Resource: def.Resource, Action: def.Action, Description: def.Description})
	}
	return perms, nil
}

func (m *memoryRepo) SyncCatalog(context.Context, []PermissionDef) error {
	return nil
}

func (m *memoryRepo) ListUserRoles(_ context.Context, userID int64) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var roles []Role
	for _, row := range m.rows[userID] {
		if role, ok := m.roles[row.RoleID]; ok {
			roles = append(roles, role)
		}
	}
	return roles, nil
}

func (m *memoryRepo) ListUserAssignments(_ context.Context, userID int64) ([]UserRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UserRole(nil), m.rows[userID]...), nil
}

func (m *memoryRepo) HasAssignment(_ context.Context, userID, roleID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows[userID] {
		if row.RoleID == roleID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepo) InsertAssignment(_ context.Context, userID, roleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows[userID] {
		if row.RoleID == roleID {
			return errAssignmentExists
		}
	}
	m.rows[userID] = append(m.rows[userID], UserRole{UserID: userID, RoleID: roleID, AssignedAt: time.Now()})
	return nil
}

func (m *memoryRepo) CountAssignments(_ context.Context, roleID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, rows := range m.rows {
		for _, row := range rows {
			if row.RoleID == roleID {
				count++
			}
		}
	}
	return count, nil
}

func (m *memoryRepo) ListRoleMembers(_ context.Context, roleID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for userID, rows := range m.rows {
		for _, row := range rows {
			if row.RoleID == roleID {
				ids = append(ids, userID)
				break
			}
		}
	}
	return ids, nil
}

func (m *memoryRepo) UserPermissionKeys(_ context.Context, userID int64) ([]PermissionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[PermissionKey]struct{})
	var keys []PermissionKey
	for _, row := range m.rows[userID] {
		if role, ok := m.roles[row.RoleID]; !ok || !role.IsActive {
			continue
		}
		for _, def := range m.grants[row.RoleID] {
			key := def.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *memoryRepo) WithUserLock(_ context.Context, userID int64, fn func(tx AssignmentTx) error) error {
	m.userMu.Lock()
	lock, ok := m.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[userID] = lock
	}
	m.userMu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	backup := append([]UserRole(nil), m.rows[userID]...)
	m.mu.Unlock()

	if err := fn(&memAssignmentTx{repo: m, userID: userID}); err != nil {
		m.mu.Lock()
		m.rows[userID] = backup
		m.mu.Unlock()
		return err
	}
	return nil
}

type memAssignmentTx struct {
	repo   *memoryRepo
	userID int64
}

func (t *memAssignmentTx) Assignments(ctx context.Context) ([]UserRole, error) {
	return t.repo.ListUserAssignments(ctx, t.userID)
}

func (t *memAssignmentTx) Delete(_ context.Context, roleID int64) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	rows := t.repo.rows[t.userID]
	for i, row := range rows {
		if row.RoleID == roleID {
			t.repo.rows[t.userID] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return ErrAssignmentNotFound
}

func (t *memAssignmentTx) Insert(ctx context.Context, roleID int64) error {
	return t.repo.InsertAssignment(ctx, t.userID, roleID)
}

var _ Repository = (*memoryRepo)(nil)

// memoryDirectory is a fixed user directory.
type memoryDirectory struct {
	users map[int64]DirectoryUser
}

func newMemoryDirectory(users ...DirectoryUser) *memoryDirectory {
	d := &memoryDirectory{users: make(map[int64]DirectoryUser, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *memoryDirectory) GetUser(_ context.Context, id int64) (DirectoryUser, error) {
	u, ok := d.users[id]
	if !ok {
		return DirectoryUser{}, ErrUserNotFound
	}
	return u, nil
}

// recordingSink captures audit entries.
type recordingSink struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (s *recordingSink) Record(_ context.Context, entry AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *recordingSink) all() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.entries...)
}

// recordingStamps counts stamp touches per user.
type recordingStamps struct {
	mu      sync.Mutex
	touched map[int64]int
}

func newRecordingStamps() *recordingStamps {
	return &recordingStamps{touched: make(map[int64]int)}
}

func (s *recordingStamps) Touch(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[userID]++
	return nil
}

func (s *recordingStamps) count(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched[userID]
}
