package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegis-iam/aegis-iam/internal/outbox"
	"github.com/aegis-iam/aegis-iam/internal/platform/db"
	"github.com/aegis-iam/aegis-iam/internal/shared"
	"github.com/aegis-iam/aegis-iam/internal/tenant"
)

// OutboxAppender writes one event within the mutation's transaction.
type OutboxAppender interface {
	Append(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, payload []byte) (uuid.UUID, error)
}

// IdentityDirectory is the slice of the identity collaborator the service
// consumes: lazy existence checks for weak user references.
type IdentityDirectory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// CacheInvalidator schedules permission-cache invalidation after a commit.
// Satisfied by the jobs client; nil disables scheduling (the cache TTL
// still bounds staleness).
type CacheInvalidator interface {
	EnqueueInvalidation(ctx context.Context, tenantID uuid.UUID, userID string) error
}

// Service performs administrative mutations on access-control entities.
// Every mutation writes its outbox event in the same transaction, so a
// committed change is always eventually observed downstream.
type Service struct {
	pool        *pgxpool.Pool
	repo        *Repository
	outbox      OutboxAppender
	directory   IdentityDirectory
	invalidator CacheInvalidator
	logger      *slog.Logger
}

// NewService constructs the admin service.
func NewService(pool *pgxpool.Pool, repo *Repository, ob OutboxAppender, directory IdentityDirectory, invalidator CacheInvalidator, logger *slog.Logger) *Service {
	return &Service{pool: pool, repo: repo, outbox: ob, directory: directory, invalidator: invalidator, logger: logger}
}

// CreateRoleInput carries a new role definition.
type CreateRoleInput struct {
	Code     string
	Name     string
	IsSystem bool
}

// CreateRole inserts a role and emits role.created.
func (s *Service) CreateRole(ctx context.Context, scope tenant.Scope, input CreateRoleInput) (Role, error) {
	code := strings.TrimSpace(input.Code)
	name := strings.TrimSpace(input.Name)
	if code == "" || name == "" {
		return Role{}, errors.New("authz: role code and name required")
	}
	var role Role
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		role, err = s.repo.InsertRole(ctx, tx, scope, code, name, input.IsSystem)
		if err != nil {
			return err
		}
		return s.appendRoleEvent(ctx, tx, scope, role, outbox.EventRoleCreated)
	})
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

// UpdateRoleInput carries mutable role fields.
type UpdateRoleInput struct {
	Name     string
	IsActive bool
}

// UpdateRole renames or toggles a role and emits role.updated.
func (s *Service) UpdateRole(ctx context.Context, scope tenant.Scope, id int64, input UpdateRoleInput) (Role, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Role{}, errors.New("authz: role name required")
	}
	var role Role
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		role, err = s.repo.UpdateRole(ctx, tx, scope, id, name, input.IsActive)
		if err != nil {
			return err
		}
		return s.appendRoleEvent(ctx, tx, scope, role, outbox.EventRoleUpdated)
	})
	if err != nil {
		return Role{}, err
	}
	s.invalidateTenant(ctx, scope)
	return role, nil
}

// DeleteRole removes a non-system role and emits role.deleted.
func (s *Service) DeleteRole(ctx context.Context, scope tenant.Scope, id int64) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.repo.DeleteRole(ctx, tx, scope, id); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"tenant_id": scope.String(), "role_id": id})
		_, err := s.outbox.Append(ctx, tx, outbox.AggregateRole, roleAggregateID(scope, id), outbox.EventRoleDeleted, payload)
		return err
	})
	if err != nil {
		return err
	}
	s.invalidateTenant(ctx, scope)
	return nil
}

// CreatePermissionInput carries a new global permission.
type CreatePermissionInput struct {
	Resource string
	Action   string
	Module   string
}

// CreatePermission inserts a permission with its canonical
// resource:action code and emits permission.created.
func (s *Service) CreatePermission(ctx context.Context, input CreatePermissionInput) (Permission, error) {
	resource := strings.TrimSpace(input.Resource)
	action := strings.TrimSpace(input.Action)
	if resource == "" || action == "" {
		return Permission{}, errors.New("authz: permission resource and action required")
	}
	code := resource + ":" + action
	var perm Permission
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		perm, err = s.repo.InsertPermission(ctx, tx, code, resource, action, strings.TrimSpace(input.Module))
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"code": perm.Code, "module": perm.Module})
		_, err = s.outbox.Append(ctx, tx, outbox.AggregatePermission, perm.Code, outbox.EventPermissionCreated, payload)
		return err
	})
	if err != nil {
		return Permission{}, err
	}
	return perm, nil
}

// SetPermissionActive toggles a permission and emits permission.updated.
// Deactivation excludes the permission from matching without deleting
// history.
func (s *Service) SetPermissionActive(ctx context.Context, code string, active bool) error {
	perms, err := s.repo.ListPermissions(ctx)
	if err != nil {
		return err
	}
	var target *Permission
	for i := range perms {
		if perms[i].Code == code {
			target = &perms[i]
			break
		}
	}
	if target == nil {
		return shared.ErrNotFound
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.repo.SetPermissionActive(ctx, tx, target.ID, active); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"code": code, "is_active": active})
		_, err := s.outbox.Append(ctx, tx, outbox.AggregatePermission, code, outbox.EventPermissionUpdated, payload)
		return err
	})
}

// GrantPermission attaches a permission to a role and emits
// role_permission.granted.
func (s *Service) GrantPermission(ctx context.Context, scope tenant.Scope, roleID, permissionID int64) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.repo.GrantPermission(ctx, tx, scope, roleID, permissionID); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"tenant_id": scope.String(), "role_id": roleID, "permission_id": permissionID})
		_, err := s.outbox.Append(ctx, tx, outbox.AggregateGrant, roleAggregateID(scope, roleID), outbox.EventPermissionGranted, payload)
		return err
	})
	if err != nil {
		return err
	}
	s.invalidateTenant(ctx, scope)
	return nil
}

// RevokePermission detaches a permission from a role and emits
// role_permission.revoked.
func (s *Service) RevokePermission(ctx context.Context, scope tenant.Scope, roleID, permissionID int64) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.repo.RevokePermission(ctx, tx, scope, roleID, permissionID); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"tenant_id": scope.String(), "role_id": roleID, "permission_id": permissionID})
		_, err := s.outbox.Append(ctx, tx, outbox.AggregateGrant, roleAggregateID(scope, roleID), outbox.EventPermissionRevoked, payload)
		return err
	})
	if err != nil {
		return err
	}
	s.invalidateTenant(ctx, scope)
	return nil
}

// AssignRole links an external user to a role and emits
// user_role.assigned. The user id is validated lazily against the identity
// directory; a directory outage surfaces as ErrStorageUnavailable rather
// than silently accepting the reference.
func (s *Service) AssignRole(ctx context.Context, scope tenant.Scope, userID string, roleID int64) (UserRoleAssignment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UserRoleAssignment{}, errors.New("authz: user id required")
	}
	if s.directory != nil {
		exists, err := s.directory.UserExists(ctx, userID)
		if err != nil {
			return UserRoleAssignment{}, err
		}
		if !exists {
			return UserRoleAssignment{}, fmt.Errorf("%w: user %s", shared.ErrNotFound, userID)
		}
	}
	var assignment UserRoleAssignment
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		assignment, err = s.repo.InsertAssignment(ctx, tx, scope, userID, roleID)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"tenant_id": scope.String(), "user_id": userID, "role_id": roleID})
		_, err = s.outbox.Append(ctx, tx, outbox.AggregateAssignment, assignmentAggregateID(scope, userID), outbox.EventRoleAssigned, payload)
		return err
	})
	if err != nil {
		return UserRoleAssignment{}, err
	}
	s.invalidateUser(ctx, scope, userID)
	return assignment, nil
}

// UnassignRole removes a user-role link and emits user_role.unassigned.
func (s *Service) UnassignRole(ctx context.Context, scope tenant.Scope, userID string, roleID int64) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.repo.DeleteAssignment(ctx, tx, scope, userID, roleID); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"tenant_id": scope.String(), "user_id": userID, "role_id": roleID})
		_, err := s.outbox.Append(ctx, tx, outbox.AggregateAssignment, assignmentAggregateID(scope, userID), outbox.EventRoleUnassigned, payload)
		return err
	})
	if err != nil {
		return err
	}
	s.invalidateUser(ctx, scope, userID)
	return nil
}

// PolicyInput carries an authored policy. Patterns and the condition are
// validated by parsing before anything is stored.
type PolicyInput struct {
	Name      string
	Effect    Effect
	Subjects  []string
	Resources []string
	Actions   []string
	Condition json.RawMessage
	Priority  int
	IsActive  bool
}

func (in PolicyInput) validate() (PolicyRecord, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return PolicyRecord{}, errors.New("authz: policy name required")
	}
	if in.Effect != EffectAllow && in.Effect != EffectDeny {
		return PolicyRecord{}, fmt.Errorf("authz: invalid effect %q", in.Effect)
	}
	if len(in.Subjects) == 0 || len(in.Resources) == 0 || len(in.Actions) == 0 {
		return PolicyRecord{}, errors.New("authz: policy needs subjects, resources and actions")
	}
	for _, group := range [][]string{in.Subjects, in.Resources, in.Actions} {
		if _, err := parsePatterns(group); err != nil {
			return PolicyRecord{}, err
		}
	}
	if _, err := ParseCondition(in.Condition); err != nil {
		return PolicyRecord{}, err
	}
	return PolicyRecord{
		Name:      name,
		Effect:    in.Effect,
		Subjects:  in.Subjects,
		Resources: in.Resources,
		Actions:   in.Actions,
		Condition: in.Condition,
		Priority:  in.Priority,
	}, nil
}

// CreatePolicy inserts a policy and emits policy.created.
func (s *Service) CreatePolicy(ctx context.Context, scope tenant.Scope, input PolicyInput) (*Policy, error) {
	record, err := input.validate()
	if err != nil {
		return nil, err
	}
	var policy *Policy
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		policy, err = s.repo.InsertPolicy(ctx, tx, scope, record)
		if err != nil {
			return err
		}
		return s.appendPolicyEvent(ctx, tx, scope, policy, outbox.EventPolicyCreated)
	})
	if err != nil {
		return nil, err
	}
	return policy, nil
}

// UpdatePolicy replaces a policy's definition and emits policy.updated.
func (s *Service) UpdatePolicy(ctx context.Context, scope tenant.Scope, id uuid.UUID, input PolicyInput) (*Policy, error) {
	record, err := input.validate()
	if err != nil {
		return nil, err
	}
	var policy *Policy
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		policy, err = s.repo.UpdatePolicy(ctx, tx, scope, id, record, input.IsActive)
		if err != nil {
			return err
		}
		return s.appendPolicyEvent(ctx, tx, scope, policy, outbox.EventPolicyUpdated)
	})
	if err != nil {
		return nil, err
	}
	return policy, nil
}

// DeletePolicy removes a policy and emits policy.deleted.
func (s *Service) DeletePolicy(ctx context.Context, scope tenant.Scope, id uuid.UUID) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.repo.DeletePolicy(ctx, tx, scope, id); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"tenant_id": scope.String(), "policy_id": id.String()})
		_, err := s.outbox.Append(ctx, tx, outbox.AggregatePolicy, id.String(), outbox.EventPolicyDeleted, payload)
		return err
	})
}

// ListRoles, ListPermissions, ListPolicies, GetRole and GetPolicy are
// administrative reads passed through to the repository.

func (s *Service) ListRoles(ctx context.Context, scope tenant.Scope) ([]Role, error) {
	return s.repo.ListRoles(ctx, scope)
}

func (s *Service) GetRole(ctx context.Context, scope tenant.Scope, id int64) (Role, error) {
	return s.repo.GetRole(ctx, scope, id)
}

func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

func (s *Service) ListPolicies(ctx context.Context, scope tenant.Scope) ([]*Policy, error) {
	return s.repo.ListPolicies(ctx, scope)
}

func (s *Service) GetPolicy(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*Policy, error) {
	return s.repo.GetPolicy(ctx, scope, id)
}

func (s *Service) appendRoleEvent(ctx context.Context, tx pgx.Tx, scope tenant.Scope, role Role, eventType string) error {
	payload, err := json.Marshal(map[string]any{
		"tenant_id": scope.String(),
		"role_id":   role.ID,
		"code":      role.Code,
		"name":      role.Name,
		"is_active": role.IsActive,
	})
	if err != nil {
		return err
	}
	_, err = s.outbox.Append(ctx, tx, outbox.AggregateRole, roleAggregateID(scope, role.ID), eventType, payload)
	return err
}

func (s *Service) appendPolicyEvent(ctx context.Context, tx pgx.Tx, scope tenant.Scope, policy *Policy, eventType string) error {
	payload, err := json.Marshal(map[string]any{
		"tenant_id": scope.String(),
		"policy_id": policy.ID.String(),
		"name":      policy.Name,
		"effect":    string(policy.Effect),
		"priority":  policy.Priority,
		"is_active": policy.IsActive,
	})
	if err != nil {
		return err
	}
	_, err = s.outbox.Append(ctx, tx, outbox.AggregatePolicy, policy.ID.String(), eventType, payload)
	return err
}

// invalidateUser schedules a cache drop for one (tenant, user) pair after
// a committed mutation. Best effort: the cache TTL bounds staleness if
// scheduling fails.
func (s *Service) invalidateUser(ctx context.Context, scope tenant.Scope, userID string) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.EnqueueInvalidation(ctx, scope.ID(), userID); err != nil && s.logger != nil {
		s.logger.Warn("authz: enqueue invalidation", slog.String("user_id", userID), slog.Any("error", err))
	}
}

func (s *Service) invalidateTenant(ctx context.Context, scope tenant.Scope) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.EnqueueInvalidation(ctx, scope.ID(), ""); err != nil && s.logger != nil {
		s.logger.Warn("authz: enqueue tenant invalidation", slog.Any("error", err))
	}
}

func roleAggregateID(scope tenant.Scope, roleID int64) string {
	return fmt.Sprintf("%s/%d", scope, roleID)
}

func assignmentAggregateID(scope tenant.Scope, userID string) string {
	return fmt.Sprintf("%s/%s", scope, userID)
}
