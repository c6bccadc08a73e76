package authz

import (
	"time"

	"github.com/google/uuid"
)

// Effect is the outcome a policy or decision carries.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

// Permission is a global capability identified by its code in
// resource:action form. Identity is immutable once created; deactivation
// removes it from matching without deleting history.
type Permission struct {
	ID        int64
	Code      string
	Resource  string
	Action    string
	Module    string
	IsActive  bool
	CreatedAt time.Time
}

// Role groups permissions within one tenant. System roles are seeded and
// never deletable.
type Role struct {
	ID        int64
	TenantID  uuid.UUID
	Code      string
	Name      string
	IsSystem  bool
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RolePermission joins a role to a permission, unique per pair.
type RolePermission struct {
	RoleID       int64
	PermissionID int64
	CreatedAt    time.Time
}

// UserRoleAssignment links an external user identifier to a role within a
// tenant. The user id is a weak reference owned by the identity service;
// no referential integrity is assumed.
type UserRoleAssignment struct {
	ID        int64
	TenantID  uuid.UUID
	UserID    string
	RoleID    int64
	CreatedAt time.Time
}

// Policy is a tenant-scoped ABAC rule. Pattern lists and the condition are
// parsed once at load time, not per request.
type Policy struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Name      string
	Effect    Effect
	Subjects  []Pattern
	Resources []Pattern
	Actions   []Pattern
	Condition Condition
	Priority  int
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subject describes the requester: the external user id, the role codes
// resolved for the tenant, and arbitrary claims from the identity
// collaborator.
type Subject struct {
	UserID string
	Roles  []string
	Claims map[string]any
}

// Request is one authorization question. It is transient and never
// persisted.
type Request struct {
	TenantID uuid.UUID
	Subject  Subject
	Resource string
	Action   string
	Context  map[string]any
}

// PermissionCode returns the resource:action code the request asks for.
func (r Request) PermissionCode() string {
	return r.Resource + ":" + r.Action
}

// PolicyMatch is one policy that applies to a request, in evaluation
// order.
type PolicyMatch struct {
	Policy *Policy
	Effect Effect
}

// Decision is the verdict for one request, with its audit trail.
type Decision struct {
	Effect            Effect
	MatchedPolicyIDs  []uuid.UUID
	RBACPermissionHit bool
	Reason            string
}

// Allowed reports whether the decision permits the request.
func (d Decision) Allowed() bool {
	return d.Effect == EffectAllow
}
