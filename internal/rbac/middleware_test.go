package rbac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/lumenhr/lumenhr/internal/shared"
)

type gateFixture struct {
	repo    *memoryRepo
	cache   *SnapshotCache
	manager *shared.SessionManager
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newMemoryRepo()
	dir := newMemoryDirectory(DirectoryUser{ID: 1, IsActive: true})
	stamps := NewStamps(client)
	service := NewService(ServiceConfig{Repo: repo, Directory: dir, Stamps: stamps, FallbackRole: "Member"})
	resolver := NewResolver(repo, dir)

	return &gateFixture{
		repo:    repo,
		cache:   NewSnapshotCache(resolver, service, stamps),
		manager: shared.NewSessionManager(client, "lumenhr_session", "secret", time.Hour, false),
	}
}

func (f *gateFixture) request(t *testing.T, userID string) *http.Request {
	t.Helper()
	req := httptest.NewRequest("GET", "/jobs", nil)
	sess, err := f.manager.Load(context.Background(), req)
	require.NoError(t, err)
	if userID != "" {
		sess.SetUser(userID)
	}
	return req.WithContext(shared.ContextWithSession(req.Context(), sess))
}

func serveGate(mw func(http.Handler) http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	called := false
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)
	if rec.Code == http.StatusNoContent && !called {
		panic("handler marked success without being called")
	}
	return rec
}

func TestRequireAnyAllows(t *testing.T) {
	f := newGateFixture(t)
	role := f.repo.addRole(Role{Name: "Viewer", IsActive: true},
		PermissionDef{Resource: ResourceJobs, Action: ActionView},
	)
	f.repo.assign(1, role.ID)

	gate := Middleware{Cache: f.cache}
	mw := gate.RequireAny(Key(ResourceJobs, ActionView), Key(ResourceJobs, ActionEdit))

	rec := serveGate(mw, f.request(t, "1"))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequireAllDenies(t *testing.T) {
	f := newGateFixture(t)
	role := f.repo.addRole(Role{Name: "Viewer", IsActive: true},
		PermissionDef{Resource: ResourceJobs, Action: ActionView},
	)
	f.repo.assign(1, role.ID)

	gate := Middleware{Cache: f.cache}
	mw := gate.RequireAll(Key(ResourceJobs, ActionView), Key(ResourceJobs, ActionEdit))

	rec := serveGate(mw, f.request(t, "1"))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGateAnonymousDenied(t *testing.T) {
	f := newGateFixture(t)
	gate := Middleware{Cache: f.cache}
	mw := gate.RequireAny(Key(ResourceJobs, ActionView))

	rec := serveGate(mw, f.request(t, ""))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGateUnknownUserErrors(t *testing.T) {
	f := newGateFixture(t)
	gate := Middleware{Cache: f.cache}
	mw := gate.RequireAny(Key(ResourceJobs, ActionView))

	rec := serveGate(mw, f.request(t, "404"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGateStoresSnapshotInSession(t *testing.T) {
	f := newGateFixture(t)
	role := f.repo.addRole(Role{Name: "Viewer", IsActive: true},
		PermissionDef{Resource: ResourceJobs, Action: ActionView},
	)
	f.repo.assign(1, role.ID)

	gate := Middleware{Cache: f.cache}
	mw := gate.RequireAny(Key(ResourceJobs, ActionView))

	req := f.request(t, "1")
	rec := serveGate(mw, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	sess := shared.SessionFromContext(req.Context())
	snap := SnapshotFromSession(sess)
	require.NotNil(t, snap)
	require.True(t, snap.Has(ResourceJobs, ActionView))
}

func TestGateNoKeysPassesThrough(t *testing.T) {
	f := newGateFixture(t)
	gate := Middleware{Cache: f.cache}
	rec := serveGate(gate.RequireAny(), f.request(t, ""))
	require.Equal(t, http.StatusNoContent, rec.Code)
}
