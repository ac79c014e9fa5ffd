package rbac

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/lumenhr/lumenhr/internal/observability"
	"github.com/lumenhr/lumenhr/internal/shared"
)

// Middleware is the permission gate input boundary: it feeds resolved
// permission sets into allow/deny decisions for HTTP handlers. Checks read
// the session snapshot first and fall back to a live resolve.
type Middleware struct {
	Cache   *SnapshotCache
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// RequireAny ensures the current user holds at least one of the keys.
func (m Middleware) RequireAny(keys ...PermissionKey) func(http.Handler) http.Handler {
	return m.gate(keys, func(set PermissionSet, required []PermissionKey) bool {
		for _, key := range required {
			if set.HasKey(key) {
				return true
			}
		}
		return len(required) == 0
	})
}

// RequireAll ensures the current user holds every key.
func (m Middleware) RequireAll(keys ...PermissionKey) func(http.Handler) http.Handler {
	return m.gate(keys, func(set PermissionSet, required []PermissionKey) bool {
		for _, key := range required {
			if !set.HasKey(key) {
				return false
			}
		}
		return true
	})
}

func (m Middleware) gate(keys []PermissionKey, allow func(PermissionSet, []PermissionKey) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(keys) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := m.currentUserID(r)
			if !ok {
				m.decision("denied")
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			sess := shared.SessionFromContext(r.Context())
			snap, err := m.Cache.Fresh(r.Context(), userID, SnapshotFromSession(sess))
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("permission gate", slog.Int64("user_id", userID), slog.Any("error", err))
				}
				m.decision("error")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			StoreSnapshot(sess, snap)

			if allow(snap.Permissions, keys) {
				m.decision("allowed")
				next.ServeHTTP(w, r)
				return
			}
			m.decision("denied")
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

func (m Middleware) currentUserID(r *http.Request) (int64, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return 0, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("permission gate parse user id", slog.String("value", raw))
		}
		return 0, false
	}
	return id, true
}

func (m Middleware) decision(outcome string) {
	if m.Metrics != nil {
		m.Metrics.AuthzDecision(outcome)
	}
}
