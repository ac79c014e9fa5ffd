package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lumenhr/lumenhr/internal/shared"
)

// Snapshot is a session-scoped copy of a user's resolved permissions. It is
// pure cache: disposable at any time and never the source of truth.
// Staleness is pull-based; a role mutation bumps the user's stamp and the
// next check rebuilds the snapshot instead of pushing into live sessions.
type Snapshot struct {
	Permissions PermissionSet `json:"permissions"`
	PrimaryRole *Role         `json:"primary_role,omitempty"`
	LastUpdated time.Time     `json:"last_updated"`
}

// Has reports membership of the pair in the snapshot.
func (s *Snapshot) Has(resource Resource, action Action) bool {
	return s != nil && s.Permissions.Has(resource, action)
}

// Stamps records per-user "permissions changed at" markers in Redis.
type Stamps struct {
	client *redis.Client
}

// NewStamps constructs a stamp store.
func NewStamps(client *redis.Client) *Stamps {
	return &Stamps{client: client}
}

func stampKey(userID int64) string {
	return "rbac:changed:" + strconv.FormatInt(userID, 10)
}

// Touch marks the user's resolved permissions as changed now.
func (s *Stamps) Touch(ctx context.Context, userID int64) error {
	return s.client.Set(ctx, stampKey(userID), time.Now().UnixNano(), 0).Err()
}

// ChangedAt returns when the user's permissions last changed, or the zero
// time when no mutation has been recorded.
func (s *Stamps) ChangedAt(ctx context.Context, userID int64) (time.Time, error) {
	raw, err := s.client.Get(ctx, stampKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos), nil
}

var _ StampStore = (*Stamps)(nil)

// SnapshotCache builds and refreshes session permission snapshots.
type SnapshotCache struct {
	resolver *Resolver
	service  *Service
	stamps   *Stamps
}

// NewSnapshotCache constructs a SnapshotCache.
func NewSnapshotCache(resolver *Resolver, service *Service, stamps *Stamps) *SnapshotCache {
	return &SnapshotCache{resolver: resolver, service: service, stamps: stamps}
}

// Build resolves the user live and returns a fresh snapshot.
func (c *SnapshotCache) Build(ctx context.Context, userID int64) (*Snapshot, error) {
	perms, err := c.resolver.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	primary, err := c.service.PrimaryRole(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Permissions: perms,
		PrimaryRole: primary,
		LastUpdated: time.Now(),
	}, nil
}

// Fresh returns snap if it is still current, otherwise a rebuilt snapshot.
// A nil snapshot always falls back to a live resolve. A revoked permission
// stays effective in a cached snapshot until the next stamp comparison.
func (c *SnapshotCache) Fresh(ctx context.Context, userID int64, snap *Snapshot) (*Snapshot, error) {
	if snap == nil || c.stamps == nil {
		return c.Build(ctx, userID)
	}
	changed, err := c.stamps.ChangedAt(ctx, userID)
	if err != nil {
		// An unreadable stamp is treated as stale rather than trusted.
		return c.Build(ctx, userID)
	}
	if changed.After(snap.LastUpdated) {
		return c.Build(ctx, userID)
	}
	return snap, nil
}

const sessionSnapshotKey = "perm_snapshot"

// SnapshotFromSession decodes the snapshot embedded in the session, or nil
// when absent or undecodable.
func SnapshotFromSession(sess *shared.Session) *Snapshot {
	if sess == nil {
		return nil
	}
	raw := sess.Get(sessionSnapshotKey)
	if raw == "" {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil
	}
	return &snap
}

// StoreSnapshot embeds the snapshot in the session.
func StoreSnapshot(sess *shared.Session, snap *Snapshot) {
	if sess == nil || snap == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	sess.Set(sessionSnapshotKey, string(data))
}
