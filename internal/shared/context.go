package shared

import "context"

// Principal identifies the authenticated actor as resolved by the identity
// collaborator. The core never validates credentials; it trusts the
// gateway-supplied identity.
type Principal struct {
	UserID string
	Claims map[string]any
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}
