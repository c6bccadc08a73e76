package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aegis-iam/aegis-iam/internal/tenant"
)

type fakeResolverStore struct {
	roles    []Role
	perms    []string
	rolesErr error
	permsErr error
}

func (f *fakeResolverStore) ActiveRolesForUser(ctx context.Context, scope tenant.Scope, userID string) ([]Role, error) {
	if f.rolesErr != nil {
		return nil, f.rolesErr
	}
	return f.roles, nil
}

func (f *fakeResolverStore) PermissionCodesForRoles(ctx context.Context, scope tenant.Scope, roleIDs []int64) ([]string, error) {
	if f.permsErr != nil {
		return nil, f.permsErr
	}
	return f.perms, nil
}

type countingObserver struct {
	allow int
	deny  int
}

func (c *countingObserver) ObserveDecision(effect string) {
	if effect == string(EffectAllow) {
		c.allow++
	} else {
		c.deny++
	}
}

func newTestEngine(policies []*Policy, store *fakeResolverStore, observer DecisionObserver) *Engine {
	matcher := NewMatcher(&fakePolicyStore{policies: policies})
	resolver := NewResolver(store, nil, 0, nil)
	return NewEngine(matcher, resolver, observer, nil)
}

func allowAllRequest(tenantID uuid.UUID) Request {
	return Request{
		TenantID: tenantID,
		Subject:  Subject{UserID: "u-1", Roles: []string{"sales"}},
		Resource: "orders",
		Action:   "read",
	}
}

func TestAuthorizeDenyOverridesInTopTier(t *testing.T) {
	tenantID := uuid.New()
	allow := testPolicy(t, "allow-orders", EffectAllow, 100,
		[]string{"role:sales"}, []string{"orders:**"}, []string{"read"}, "")
	deny := testPolicy(t, "freeze", EffectDeny, 100,
		[]string{"**"}, []string{"orders:**"}, []string{"**"}, "")
	lower := testPolicy(t, "legacy-allow", EffectAllow, 10,
		[]string{"**"}, []string{"**"}, []string{"**"}, "")

	engine := newTestEngine([]*Policy{allow, deny, lower}, &fakeResolverStore{}, nil)
	decision, err := engine.Authorize(context.Background(), allowAllRequest(tenantID))
	require.NoError(t, err)
	require.Equal(t, EffectDeny, decision.Effect)
	require.False(t, decision.Allowed())
	// Every considered policy lands in the audit trail.
	require.ElementsMatch(t, []uuid.UUID{allow.ID, deny.ID, lower.ID}, decision.MatchedPolicyIDs)
	require.Contains(t, decision.Reason, "freeze")
}

func TestAuthorizeTopTierAllowBeatsLowerDeny(t *testing.T) {
	tenantID := uuid.New()
	allow := testPolicy(t, "override", EffectAllow, 100,
		[]string{"role:sales"}, []string{"orders:**"}, []string{"read"}, "")
	deny := testPolicy(t, "blanket-deny", EffectDeny, 10,
		[]string{"**"}, []string{"**"}, []string{"**"}, "")

	engine := newTestEngine([]*Policy{allow, deny}, &fakeResolverStore{}, nil)
	decision, err := engine.Authorize(context.Background(), allowAllRequest(tenantID))
	require.NoError(t, err)
	require.Equal(t, EffectAllow, decision.Effect)
	require.Contains(t, decision.Reason, "override")
}

func TestAuthorizeRBACFallback(t *testing.T) {
	tenantID := uuid.New()
	store := &fakeResolverStore{
		roles: []Role{{ID: 1, Code: "sales", IsActive: true}},
		perms: []string{"orders:read"},
	}

	engine := newTestEngine(nil, store, nil)
	decision, err := engine.Authorize(context.Background(), allowAllRequest(tenantID))
	require.NoError(t, err)
	require.Equal(t, EffectAllow, decision.Effect)
	require.True(t, decision.RBACPermissionHit)
	require.Empty(t, decision.MatchedPolicyIDs)
}

func TestAuthorizeDefaultDeny(t *testing.T) {
	tenantID := uuid.New()
	engine := newTestEngine(nil, &fakeResolverStore{}, nil)

	decision, err := engine.Authorize(context.Background(), allowAllRequest(tenantID))
	require.NoError(t, err)
	require.Equal(t, EffectDeny, decision.Effect)
	require.False(t, decision.RBACPermissionHit)
	require.Equal(t, "default deny: no matching rule", decision.Reason)
}

func TestAuthorizePolicyBeatsRBAC(t *testing.T) {
	// A matching DENY policy wins even when RBAC would grant the
	// permission: RBAC is only consulted when no policy matches.
	tenantID := uuid.New()
	deny := testPolicy(t, "lockout", EffectDeny, 1,
		[]string{"user:u-1"}, []string{"orders:**"}, []string{"**"}, "")
	store := &fakeResolverStore{
		roles: []Role{{ID: 1, Code: "sales", IsActive: true}},
		perms: []string{"orders:read"},
	}

	engine := newTestEngine([]*Policy{deny}, store, nil)
	decision, err := engine.Authorize(context.Background(), allowAllRequest(tenantID))
	require.NoError(t, err)
	require.Equal(t, EffectDeny, decision.Effect)
}

func TestAuthorizeResolvesRolesWhenAbsent(t *testing.T) {
	tenantID := uuid.New()
	policy := testPolicy(t, "by-role", EffectAllow, 1,
		[]string{"role:auditor"}, []string{"reports:**"}, []string{"read"}, "")
	store := &fakeResolverStore{
		roles: []Role{{ID: 7, Code: "auditor", IsActive: true}},
	}

	engine := newTestEngine([]*Policy{policy}, store, nil)
	decision, err := engine.Authorize(context.Background(), Request{
		TenantID: tenantID,
		Subject:  Subject{UserID: "u-9"}, // roles nil, resolved from store
		Resource: "reports:q3",
		Action:   "read",
	})
	require.NoError(t, err)
	require.Equal(t, EffectAllow, decision.Effect)
}

func TestAuthorizeFailsClosed(t *testing.T) {
	tenantID := uuid.New()
	store := &fakeResolverStore{rolesErr: errors.New("pool exhausted")}

	engine := newTestEngine(nil, store, nil)
	decision, err := engine.Authorize(context.Background(), Request{
		TenantID: tenantID,
		Subject:  Subject{UserID: "u-1"},
		Resource: "orders:1",
		Action:   "read",
	})
	require.Error(t, err)
	require.Equal(t, EffectDeny, decision.Effect)
}

func TestAuthorizeInvalidTenant(t *testing.T) {
	engine := newTestEngine(nil, &fakeResolverStore{}, nil)
	decision, err := engine.Authorize(context.Background(), Request{
		TenantID: uuid.Nil,
		Subject:  Subject{UserID: "u-1"},
		Resource: "orders:1",
		Action:   "read",
	})
	require.Error(t, err)
	require.Equal(t, EffectDeny, decision.Effect)
}

func TestAuthorizeObservesEveryDecision(t *testing.T) {
	tenantID := uuid.New()
	observer := &countingObserver{}
	store := &fakeResolverStore{perms: []string{"orders:read"}, roles: []Role{{ID: 1, Code: "sales"}}}

	engine := newTestEngine(nil, store, observer)
	_, err := engine.Authorize(context.Background(), allowAllRequest(tenantID))
	require.NoError(t, err)

	denied := allowAllRequest(tenantID)
	denied.Action = "delete"
	_, err = engine.Authorize(context.Background(), denied)
	require.NoError(t, err)

	require.Equal(t, 1, observer.allow)
	require.Equal(t, 1, observer.deny)
}
