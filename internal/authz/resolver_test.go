package authz

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aegis-iam/aegis-iam/internal/tenant"
)

// countingStore serves per-tenant fixtures and counts store reads.
type countingStore struct {
	byTenant map[uuid.UUID][]Role
	perms    map[int64][]string
	reads    int
}

func (s *countingStore) ActiveRolesForUser(ctx context.Context, scope tenant.Scope, userID string) ([]Role, error) {
	s.reads++
	return s.byTenant[scope.ID()], nil
}

func (s *countingStore) PermissionCodesForRoles(ctx context.Context, scope tenant.Scope, roleIDs []int64) ([]string, error) {
	var codes []string
	for _, id := range roleIDs {
		codes = append(codes, s.perms[id]...)
	}
	return codes, nil
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestResolveWithoutAssignments(t *testing.T) {
	store := &countingStore{byTenant: map[uuid.UUID][]Role{}}
	resolver := NewResolver(store, nil, time.Minute, nil)

	set, err := resolver.ResolvePermissions(context.Background(), testScope(t), "u-1")
	require.NoError(t, err)
	require.Empty(t, set.Codes())
	require.False(t, set.Has("orders:read"))
}

func TestResolveCachesProfile(t *testing.T) {
	scope := testScope(t)
	store := &countingStore{
		byTenant: map[uuid.UUID][]Role{
			scope.ID(): {{ID: 1, Code: "sales"}, {ID: 2, Code: "auditor"}},
		},
		perms: map[int64][]string{1: {"orders:read"}, 2: {"reports:read"}},
	}
	resolver := NewResolver(store, testRedis(t), time.Minute, nil)

	for i := 0; i < 3; i++ {
		set, err := resolver.ResolvePermissions(context.Background(), scope, "u-1")
		require.NoError(t, err)
		require.True(t, set.Has("orders:read"))
		require.True(t, set.Has("reports:read"))
	}
	require.Equal(t, 1, store.reads, "second and third calls must be cache hits")

	profile, err := resolver.ResolveAccess(context.Background(), scope, "u-1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"sales", "auditor"}, profile.RoleCodes)
}

func TestInvalidateForcesReload(t *testing.T) {
	scope := testScope(t)
	store := &countingStore{
		byTenant: map[uuid.UUID][]Role{scope.ID(): {{ID: 1, Code: "sales"}}},
		perms:    map[int64][]string{1: {"orders:read"}},
	}
	resolver := NewResolver(store, testRedis(t), time.Minute, nil)
	ctx := context.Background()

	_, err := resolver.ResolvePermissions(ctx, scope, "u-1")
	require.NoError(t, err)
	require.NoError(t, resolver.Invalidate(ctx, scope, "u-1"))

	_, err = resolver.ResolvePermissions(ctx, scope, "u-1")
	require.NoError(t, err)
	require.Equal(t, 2, store.reads)
}

func TestInvalidateTenantIsScoped(t *testing.T) {
	scopeA := testScope(t)
	scopeB := testScope(t)
	store := &countingStore{
		byTenant: map[uuid.UUID][]Role{
			scopeA.ID(): {{ID: 1, Code: "sales"}},
			scopeB.ID(): {{ID: 2, Code: "ops"}},
		},
		perms: map[int64][]string{1: {"orders:read"}, 2: {"stock:read"}},
	}
	resolver := NewResolver(store, testRedis(t), time.Minute, nil)
	ctx := context.Background()

	_, err := resolver.ResolvePermissions(ctx, scopeA, "u-1")
	require.NoError(t, err)
	_, err = resolver.ResolvePermissions(ctx, scopeB, "u-1")
	require.NoError(t, err)
	require.Equal(t, 2, store.reads)

	require.NoError(t, resolver.InvalidateTenant(ctx, scopeA))

	// Tenant A reloads, tenant B still cached.
	_, err = resolver.ResolvePermissions(ctx, scopeA, "u-1")
	require.NoError(t, err)
	_, err = resolver.ResolvePermissions(ctx, scopeB, "u-1")
	require.NoError(t, err)
	require.Equal(t, 3, store.reads)
}

func TestTenantIsolation(t *testing.T) {
	// The same user id resolves independently per tenant.
	scopeA := testScope(t)
	scopeB := testScope(t)
	store := &countingStore{
		byTenant: map[uuid.UUID][]Role{
			scopeA.ID(): {{ID: 1, Code: "admin"}},
		},
		perms: map[int64][]string{1: {"orders:delete"}},
	}
	resolver := NewResolver(store, testRedis(t), time.Minute, nil)
	ctx := context.Background()

	setA, err := resolver.ResolvePermissions(ctx, scopeA, "u-1")
	require.NoError(t, err)
	require.True(t, setA.Has("orders:delete"))

	setB, err := resolver.ResolvePermissions(ctx, scopeB, "u-1")
	require.NoError(t, err)
	require.False(t, setB.Has("orders:delete"))
}

func TestCorruptCacheEntryIsDropped(t *testing.T) {
	scope := testScope(t)
	store := &countingStore{
		byTenant: map[uuid.UUID][]Role{scope.ID(): {{ID: 1, Code: "sales"}}},
		perms:    map[int64][]string{1: {"orders:read"}},
	}
	client := testRedis(t)
	resolver := NewResolver(store, client, time.Minute, nil)
	ctx := context.Background()

	key := cacheKey(scope, "u-1")
	require.NoError(t, client.Set(ctx, key, "{corrupt", time.Minute).Err())

	set, err := resolver.ResolvePermissions(ctx, scope, "u-1")
	require.NoError(t, err)
	require.True(t, set.Has("orders:read"))
	require.Equal(t, 1, store.reads)
}
