package authz

import (
	"context"

	"github.com/aegis-iam/aegis-iam/internal/tenant"
)

// MatcherStore is the read surface the policy matcher needs. Policies must
// arrive already ordered by priority descending, created_at ascending, id
// ascending, so repeated evaluation of identical inputs is reproducible.
type MatcherStore interface {
	ActivePolicies(ctx context.Context, scope tenant.Scope) ([]*Policy, error)
}

// Matcher determines which policies apply to an authorization request.
type Matcher struct {
	store MatcherStore
}

// NewMatcher constructs a matcher.
func NewMatcher(store MatcherStore) *Matcher {
	return &Matcher{store: store}
}

// FindMatchingPolicies returns the applicable policies in evaluation
// order, each tagged with its effect. A policy applies when at least one
// subject pattern, one resource pattern and one action pattern match, and
// its condition (if any) holds against the request context.
func (m *Matcher) FindMatchingPolicies(ctx context.Context, scope tenant.Scope, req Request) ([]PolicyMatch, error) {
	policies, err := m.store.ActivePolicies(ctx, scope)
	if err != nil {
		return nil, err
	}
	var matches []PolicyMatch
	for _, policy := range policies {
		if !matchesSubject(policy.Subjects, req.Subject) {
			continue
		}
		if !anyPatternMatches(policy.Resources, req.Resource) {
			continue
		}
		if !anyPatternMatches(policy.Actions, req.Action) {
			continue
		}
		if policy.Condition != nil && !policy.Condition.Eval(req.Context) {
			continue
		}
		matches = append(matches, PolicyMatch{Policy: policy, Effect: policy.Effect})
	}
	return matches, nil
}
