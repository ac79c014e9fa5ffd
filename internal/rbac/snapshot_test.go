package rbac

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/lumenhr/lumenhr/internal/shared"
)

type snapshotFixture struct {
	repo    *memoryRepo
	service *Service
	stamps  *Stamps
	cache   *SnapshotCache

	editor Role
}

func newSnapshotFixture(t *testing.T) *snapshotFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newMemoryRepo()
	dir := newMemoryDirectory(DirectoryUser{ID: 1, IsActive: true})
	stamps := NewStamps(client)
	service := NewService(ServiceConfig{Repo: repo, Directory: dir, Stamps: stamps, FallbackRole: "Member"})
	resolver := NewResolver(repo, dir)

	f := &snapshotFixture{
		repo:    repo,
		service: service,
		stamps:  stamps,
		cache:   NewSnapshotCache(resolver, service, stamps),
	}
	f.editor = repo.addRole(Role{Name: "Editor", IsActive: true},
		PermissionDef{Resource: ResourceJobs, Action: ActionEdit},
	)
	repo.addRole(Role{Name: "Member", IsActive: true})
	return f
}

func TestStamps(t *testing.T) {
	f := newSnapshotFixture(t)
	ctx := context.Background()

	changed, err := f.stamps.ChangedAt(ctx, 1)
	require.NoError(t, err)
	require.True(t, changed.IsZero())

	require.NoError(t, f.stamps.Touch(ctx, 1))
	changed, err = f.stamps.ChangedAt(ctx, 1)
	require.NoError(t, err)
	require.False(t, changed.IsZero())
	require.WithinDuration(t, time.Now(), changed, time.Minute)
}

func TestSnapshotBuild(t *testing.T) {
	f := newSnapshotFixture(t)
	ctx := context.Background()
	f.repo.assign(1, f.editor.ID)

	snap, err := f.cache.Build(ctx, 1)
	require.NoError(t, err)
	require.True(t, snap.Has(ResourceJobs, ActionEdit))
	require.NotNil(t, snap.PrimaryRole)
	require.Equal(t, "Editor", snap.PrimaryRole.Name)
	require.False(t, snap.LastUpdated.IsZero())
}

func TestSnapshotFresh(t *testing.T) {
	f := newSnapshotFixture(t)
	ctx := context.Background()
	f.repo.assign(1, f.editor.ID)

	snap, err := f.cache.Build(ctx, 1)
	require.NoError(t, err)

	// Nil snapshot always resolves live.
	rebuilt, err := f.cache.Fresh(ctx, 1, nil)
	require.NoError(t, err)
	require.NotNil(t, rebuilt)

	// Unchanged stamp keeps the cached snapshot.
	same, err := f.cache.Fresh(ctx, 1, snap)
	require.NoError(t, err)
	require.Same(t, snap, same)

	// A mutation bumps the stamp and the next check picks up the change.
	_, err = f.service.AssignRole(ctx, 99, 1, mustRole(t, f.repo, "Member").ID)
	require.NoError(t, err)

	refreshed, err := f.cache.Fresh(ctx, 1, snap)
	require.NoError(t, err)
	require.NotSame(t, snap, refreshed)
	require.True(t, refreshed.LastUpdated.After(snap.LastUpdated) || refreshed.LastUpdated.Equal(snap.LastUpdated))
}

func mustRole(t *testing.T, repo *memoryRepo, name string) Role {
	t.Helper()
	role, err := repo.GetRoleByName(context.Background(), name)
	require.NoError(t, err)
	return role
}

func TestSnapshotSessionRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	manager := shared.NewSessionManager(client, "lumenhr_session", "secret", time.Hour, false)
	sess, err := manager.Load(context.Background(), httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)

	require.Nil(t, SnapshotFromSession(sess))
	require.Nil(t, SnapshotFromSession(nil))

	snap := &Snapshot{
		Permissions: NewPermissionSet("jobs:view", "jobs:edit"),
		PrimaryRole: &Role{ID: 7, Name: "Editor"},
		LastUpdated: time.Now().Truncate(time.Second),
	}
	StoreSnapshot(sess, snap)

	restored := SnapshotFromSession(sess)
	require.NotNil(t, restored)
	require.True(t, restored.Has(ResourceJobs, ActionView))
	require.True(t, restored.Has(ResourceJobs, ActionEdit))
	require.False(t, restored.Has(ResourceJobs, ActionDelete))
	require.Equal(t, "Editor", restored.PrimaryRole.Name)
}

func TestSnapshotSessionGarbage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	manager := shared.NewSessionManager(client, "lumenhr_session", "secret", time.Hour, false)
	sess, err := manager.Load(context.Background(), httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)

	sess.Set(sessionSnapshotKey, "{not json")
	require.Nil(t, SnapshotFromSession(sess))
}
