// Package outbox implements reliable event publication for access-control
// mutations. An event row is written in the same transaction as the
// mutation it describes; a background publisher later claims and delivers
// unpublished rows at-least-once, preserving per-aggregate order.
package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Aggregate types for access-control entities.
const (
	AggregateRole       = "role"
	AggregatePermission = "permission"
	AggregatePolicy     = "policy"
	AggregateGrant      = "role_permission"
	AggregateAssignment = "user_role"
)

// Event types emitted by the admin service.
const (
	EventRoleCreated       = "role.created"
	EventRoleUpdated       = "role.updated"
	EventRoleDeleted       = "role.deleted"
	EventPermissionCreated = "permission.created"
	EventPermissionUpdated = "permission.updated"
	EventPolicyCreated     = "policy.created"
	EventPolicyUpdated     = "policy.updated"
	EventPolicyDeleted     = "policy.deleted"
	EventPermissionGranted = "role_permission.granted"
	EventPermissionRevoked = "role_permission.revoked"
	EventRoleAssigned      = "user_role.assigned"
	EventRoleUnassigned    = "user_role.unassigned"
)

// Event is one outbox row. Created atomically with the business mutation
// it describes; only the publisher mutates it afterwards, and it is never
// deleted by the core.
type Event struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	RetryCount    int
	LastError     string
}

// AggregateKey identifies the ordering domain of the event: events sharing
// a key are delivered in created_at order.
func (e Event) AggregateKey() string {
	return e.AggregateType + ":" + e.AggregateID
}
