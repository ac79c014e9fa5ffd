package rbac

import (
	"context"
	"strconv"

	"golang.org/x/sync/singleflight"
)

// Resolver computes a user's effective permission set: the union of keys
// granted by every role the user currently holds. It keeps no durable state;
// concurrent resolutions for the same user are coalesced.
type Resolver struct {
	repo      Repository
	directory UserDirectory
	group     singleflight.Group
}

// NewResolver constructs a Resolver.
func NewResolver(repo Repository, directory UserDirectory) *Resolver {
	return &Resolver{repo: repo, directory: directory}
}

// Resolve returns the deduplicated permission keys for the user. The only
// domain error it raises is ErrUserNotFound; policy errors belong to the
// mutation path.
func (r *Resolver) Resolve(ctx context.Context, userID int64) (PermissionSet, error) {
	if _, err := r.directory.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	resultChan := r.group.DoChan(strconv.FormatInt(userID, 10), func() (any, error) {
		keys, err := r.repo.UserPermissionKeys(ctx, userID)
		if err != nil {
			return nil, err
		}
		return NewPermissionSet(keys...), nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(PermissionSet), nil
	}
}

// HasPermission reports whether the user's resolved set contains the pair.
func (r *Resolver) HasPermission(ctx context.Context, userID int64, resource Resource, action Action) (bool, error) {
	set, err := r.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.Has(resource, action), nil
}
