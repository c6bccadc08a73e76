package authz

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/aegis-iam/aegis-iam/internal/tenant"
)

// DecisionObserver receives the effect of every completed decision.
// Satisfied by the observability metrics.
type DecisionObserver interface {
	ObserveDecision(effect string)
}

// Engine combines policy matching and RBAC resolution into one verdict.
//
// Combination rule: matched policies at the highest matched priority form
// the top tier; any DENY there wins, otherwise the tier's ALLOW wins, and
// lower tiers are ignored. Only when no policy matches does RBAC decide,
// defaulting to deny. Explicit highest-priority administrative intent
// beats implicit role grants; at equal priority, deny beats allow.
type Engine struct {
	matcher  *Matcher
	resolver *Resolver
	observer DecisionObserver
	logger   *slog.Logger
}

// NewEngine constructs the decision engine. The observer may be nil.
func NewEngine(matcher *Matcher, resolver *Resolver, observer DecisionObserver, logger *slog.Logger) *Engine {
	return &Engine{matcher: matcher, resolver: resolver, observer: observer, logger: logger}
}

// Authorize produces the decision for one request. Infrastructure errors
// fail closed: the returned decision is DENY and the error is reported,
// never an implicit ALLOW.
func (e *Engine) Authorize(ctx context.Context, req Request) (Decision, error) {
	scope, err := tenant.NewScope(req.TenantID)
	if err != nil {
		return e.observed(Decision{Effect: EffectDeny, Reason: "deny: invalid tenant"}), err
	}

	// Subject role codes are needed for role:* subject patterns. When the
	// caller did not supply pre-resolved roles, resolve them here.
	if req.Subject.Roles == nil && req.Subject.UserID != "" {
		profile, err := e.resolver.ResolveAccess(ctx, scope, req.Subject.UserID)
		if err != nil {
			return e.observed(Decision{Effect: EffectDeny, Reason: "deny: role resolution failed"}), err
		}
		req.Subject.Roles = profile.RoleCodes
	}

	matches, err := e.matcher.FindMatchingPolicies(ctx, scope, req)
	if err != nil {
		return e.observed(Decision{Effect: EffectDeny, Reason: "deny: policy evaluation failed"}), err
	}

	if len(matches) > 0 {
		return e.observed(decideFromMatches(matches)), nil
	}

	// No policy matched: fall back to RBAC on resource:action.
	set, err := e.resolver.ResolvePermissions(ctx, scope, req.Subject.UserID)
	if err != nil {
		return e.observed(Decision{Effect: EffectDeny, Reason: "deny: permission resolution failed"}), err
	}
	code := req.PermissionCode()
	if set.Has(code) {
		return e.observed(Decision{
			Effect:            EffectAllow,
			RBACPermissionHit: true,
			Reason:            fmt.Sprintf("allowed by role permission %s", code),
		}), nil
	}
	return e.observed(Decision{
		Effect:            EffectDeny,
		RBACPermissionHit: false,
		Reason:            "default deny: no matching rule",
	}), nil
}

// decideFromMatches applies deny-overrides within the top priority tier.
// Every considered policy id lands in the audit trail, not only the tier
// that decided.
func decideFromMatches(matches []PolicyMatch) Decision {
	ids := make([]uuid.UUID, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.Policy.ID)
	}

	top := matches[0].Policy.Priority
	var allow *PolicyMatch
	for i := range matches {
		m := &matches[i]
		if m.Policy.Priority != top {
			break
		}
		if m.Effect == EffectDeny {
			return Decision{
				Effect:           EffectDeny,
				MatchedPolicyIDs: ids,
				Reason:           fmt.Sprintf("denied by policy %s at priority %d", m.Policy.Name, top),
			}
		}
		if allow == nil {
			allow = m
		}
	}
	return Decision{
		Effect:           EffectAllow,
		MatchedPolicyIDs: ids,
		Reason:           fmt.Sprintf("allowed by policy %s at priority %d", allow.Policy.Name, top),
	}
}

func (e *Engine) observed(d Decision) Decision {
	if e.observer != nil {
		e.observer.ObserveDecision(string(d.Effect))
	}
	return d
}
