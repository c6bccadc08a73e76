package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/aegis-iam/aegis-iam/internal/tenant"
)

// PermissionSet is a deduplicated set of permission codes.
type PermissionSet map[string]struct{}

// Has reports whether the code is in the set.
func (s PermissionSet) Has(code string) bool {
	_, ok := s[code]
	return ok
}

// Codes returns the set contents as a slice, order unspecified.
func (s PermissionSet) Codes() []string {
	codes := make([]string, 0, len(s))
	for code := range s {
		codes = append(codes, code)
	}
	return codes
}

// ResolverStore is the read surface the resolver needs.
type ResolverStore interface {
	ActiveRolesForUser(ctx context.Context, scope tenant.Scope, userID string) ([]Role, error)
	PermissionCodesForRoles(ctx context.Context, scope tenant.Scope, roleIDs []int64) ([]string, error)
}

// AccessProfile is the resolved RBAC view of one (user, tenant) pair.
type AccessProfile struct {
	RoleCodes   []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Resolver computes effective permission sets. Resolution is a pure read
// and safe to run on every authorization check; an optional redis cache
// keyed by (tenant, user) absorbs hot callers and is invalidated by
// role/assignment mutation events.
type Resolver struct {
	store  ResolverStore
	cache  *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewResolver constructs a resolver. The cache client may be nil, in which
// case every call reads through to the store.
func NewResolver(store ResolverStore, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{store: store, cache: cache, ttl: ttl, logger: logger}
}

// ResolvePermissions returns the effective permission codes for the user
// within the tenant. Absence of assignments yields an empty set, not an
// error.
func (r *Resolver) ResolvePermissions(ctx context.Context, scope tenant.Scope, userID string) (PermissionSet, error) {
	profile, err := r.ResolveAccess(ctx, scope, userID)
	if err != nil {
		return nil, err
	}
	set := make(PermissionSet, len(profile.Permissions))
	for _, code := range profile.Permissions {
		set[code] = struct{}{}
	}
	return set, nil
}

// ResolveAccess returns role codes and permission codes in one pass.
// Concurrent resolutions of the same key are collapsed.
func (r *Resolver) ResolveAccess(ctx context.Context, scope tenant.Scope, userID string) (AccessProfile, error) {
	key := cacheKey(scope, userID)
	if cached, ok := r.fromCache(ctx, key); ok {
		return cached, nil
	}
	result, err, _ := r.group.Do(key, func() (any, error) {
		profile, err := r.resolve(ctx, scope, userID)
		if err != nil {
			return AccessProfile{}, err
		}
		r.toCache(ctx, key, profile)
		return profile, nil
	})
	if err != nil {
		return AccessProfile{}, err
	}
	return result.(AccessProfile), nil
}

// Invalidate drops the cached profile for one (tenant, user) pair. Driven
// by role and assignment mutation events.
func (r *Resolver) Invalidate(ctx context.Context, scope tenant.Scope, userID string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Del(ctx, cacheKey(scope, userID)).Err()
}

// InvalidateTenant drops every cached profile for the tenant. Used when a
// role or grant mutation may affect many users at once.
func (r *Resolver) InvalidateTenant(ctx context.Context, scope tenant.Scope) error {
	if r.cache == nil {
		return nil
	}
	pattern := fmt.Sprintf("authz:access:%s:*", scope)
	iter := r.cache.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := r.cache.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *Resolver) resolve(ctx context.Context, scope tenant.Scope, userID string) (AccessProfile, error) {
	roles, err := r.store.ActiveRolesForUser(ctx, scope, userID)
	if err != nil {
		return AccessProfile{}, err
	}
	profile := AccessProfile{RoleCodes: []string{}, Permissions: []string{}}
	if len(roles) == 0 {
		return profile, nil
	}
	roleIDs := make([]int64, 0, len(roles))
	for _, role := range roles {
		roleIDs = append(roleIDs, role.ID)
		profile.RoleCodes = append(profile.RoleCodes, role.Code)
	}
	codes, err := r.store.PermissionCodesForRoles(ctx, scope, roleIDs)
	if err != nil {
		return AccessProfile{}, err
	}
	profile.Permissions = append(profile.Permissions, codes...)
	return profile, nil
}

func (r *Resolver) fromCache(ctx context.Context, key string) (AccessProfile, bool) {
	if r.cache == nil {
		return AccessProfile{}, false
	}
	raw, err := r.cache.Get(ctx, key).Bytes()
	if err != nil {
		return AccessProfile{}, false
	}
	var profile AccessProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		if r.logger != nil {
			r.logger.Warn("authz: drop corrupt cache entry", slog.String("key", key), slog.Any("error", err))
		}
		_ = r.cache.Del(ctx, key).Err()
		return AccessProfile{}, false
	}
	return profile, true
}

func (r *Resolver) toCache(ctx context.Context, key string, profile AccessProfile) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, raw, r.ttl).Err(); err != nil && r.logger != nil {
		r.logger.Warn("authz: cache write", slog.String("key", key), slog.Any("error", err))
	}
}

func cacheKey(scope tenant.Scope, userID string) string {
	return fmt.Sprintf("authz:access:%s:%s", scope, userID)
}
