package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegis-iam/aegis-iam/internal/shared"
	"github.com/aegis-iam/aegis-iam/internal/tenant"
)

// Repository provides PostgreSQL backed persistence for access-control
// entities. Every method that touches a tenant-scoped table takes a
// tenant.Scope; there is no way to run an unscoped query against roles,
// policies or assignments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ActiveRolesForUser returns the active roles assigned to the user within
// the tenant. Users with no assignments yield an empty slice.
func (r *Repository) ActiveRolesForUser(ctx context.Context, scope tenant.Scope, userID string) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT ro.id, ro.tenant_id, ro.code, ro.name, ro.is_system, ro.is_active, ro.created_at, ro.updated_at
		FROM user_roles ur
		JOIN roles ro ON ro.id = ur.role_id AND ro.tenant_id = ur.tenant_id
		WHERE ur.tenant_id = $1 AND ur.user_id = $2 AND ro.is_active
		ORDER BY ro.id`,
		scope.ID(), userID)
	if err != nil {
		return nil, shared.ClassifyPgError(err)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows, scope)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.ClassifyPgError(err)
	}
	return roles, nil
}

// PermissionCodesForRoles returns the deduplicated active permission codes
// granted by the given roles. The join re-checks the tenant on the role
// side so a foreign role id grants nothing.
func (r *Repository) PermissionCodesForRoles(ctx context.Context, scope tenant.Scope, roleIDs []int64) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT p.code
		FROM role_permissions rp
		JOIN roles ro ON ro.id = rp.role_id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE ro.tenant_id = $1 AND rp.role_id = ANY($2) AND p.is_active
		ORDER BY p.code`,
		scope.ID(), roleIDs)
	if err != nil {
		return nil, shared.ClassifyPgError(err)
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.ClassifyPgError(err)
	}
	return codes, nil
}

// ActivePolicies returns the tenant's active policies in deterministic
// evaluation order: priority descending, then created_at ascending, then
// id ascending.
func (r *Repository) ActivePolicies(ctx context.Context, scope tenant.Scope) ([]*Policy, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, name, effect, subjects, resources, actions, condition, priority, is_active, created_at, updated_at
		FROM policies
		WHERE tenant_id = $1 AND is_active
		ORDER BY priority DESC, created_at ASC, id ASC`,
		scope.ID())
	if err != nil {
		return nil, shared.ClassifyPgError(err)
	}
	defer rows.Close()
	var policies []*Policy
	for rows.Next() {
		policy, err := scanPolicy(rows, scope)
		if err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.ClassifyPgError(err)
	}
	return policies, nil
}

// GetRole fetches one role by id within the tenant.
func (r *Repository) GetRole(ctx context.Context, scope tenant.Scope, id int64) (Role, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, code, name, is_system, is_active, created_at, updated_at
		FROM roles WHERE tenant_id = $1 AND id = $2`,
		scope.ID(), id)
	role, err := scanRole(row, scope)
	if err != nil {
		return Role{}, shared.ClassifyPgError(err)
	}
	return role, nil
}

// ListRoles returns the tenant's roles ordered by code.
func (r *Repository) ListRoles(ctx context.Context, scope tenant.Scope) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, code, name, is_system, is_active, created_at, updated_at
		FROM roles WHERE tenant_id = $1 ORDER BY code`,
		scope.ID())
	if err != nil {
		return nil, shared.ClassifyPgError(err)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows, scope)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.ClassifyPgError(err)
	}
	return roles, nil
}

// ListPermissions returns all permissions. Permissions are global, so no
// scope applies.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, code, resource, action, module, is_active, created_at
		FROM permissions ORDER BY code`)
	if err != nil {
		return nil, shared.ClassifyPgError(err)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		var createdAt pgtype.Timestamptz
		if err := rows.Scan(&p.ID, &p.Code, &p.Resource, &p.Action, &p.Module, &p.IsActive, &createdAt); err != nil {
			return nil, err
		}
		if createdAt.Valid {
			p.CreatedAt = createdAt.Time
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.ClassifyPgError(err)
	}
	return perms, nil
}

// GetPolicy fetches one policy by id within the tenant.
func (r *Repository) GetPolicy(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*Policy, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, effect, subjects, resources, actions, condition, priority, is_active, created_at, updated_at
		FROM policies WHERE tenant_id = $1 AND id = $2`,
		scope.ID(), id)
	policy, err := scanPolicy(row, scope)
	if err != nil {
		return nil, shared.ClassifyPgError(err)
	}
	return policy, nil
}

// ListPolicies returns the tenant's policies in evaluation order,
// including inactive ones for administrative listings.
func (r *Repository) ListPolicies(ctx context.Context, scope tenant.Scope) ([]*Policy, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, name, effect, subjects, resources, actions, condition, priority, is_active, created_at, updated_at
		FROM policies WHERE tenant_id = $1
		ORDER BY priority DESC, created_at ASC, id ASC`,
		scope.ID())
	if err != nil {
		return nil, shared.ClassifyPgError(err)
	}
	defer rows.Close()
	var policies []*Policy
	for rows.Next() {
		policy, err := scanPolicy(rows, scope)
		if err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.ClassifyPgError(err)
	}
	return policies, nil
}

// InsertRole creates a role within the transaction.
func (r *Repository) InsertRole(ctx context.Context, tx pgx.Tx, scope tenant.Scope, code, name string, isSystem bool) (Role, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO roles (tenant_id, code, name, is_system, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING id, tenant_id, code, name, is_system, is_active, created_at, updated_at`,
		scope.ID(), code, name, isSystem)
	role, err := scanRole(row, scope)
	if err != nil {
		return Role{}, shared.ClassifyPgError(err)
	}
	return role, nil
}

// UpdateRole renames or toggles a role within the transaction.
func (r *Repository) UpdateRole(ctx context.Context, tx pgx.Tx, scope tenant.Scope, id int64, name string, isActive bool) (Role, error) {
	row := tx.QueryRow(ctx, `
		UPDATE roles SET name = $3, is_active = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING id, tenant_id, code, name, is_system, is_active, created_at, updated_at`,
		scope.ID(), id, name, isActive)
	role, err := scanRole(row, scope)
	if err != nil {
		return Role{}, shared.ClassifyPgError(err)
	}
	return role, nil
}

// DeleteRole removes a non-system role. Role permissions and assignments
// cascade at the schema level.
func (r *Repository) DeleteRole(ctx context.Context, tx pgx.Tx, scope tenant.Scope, id int64) error {
	tag, err := tx.Exec(ctx, `
		DELETE FROM roles WHERE tenant_id = $1 AND id = $2 AND NOT is_system`,
		scope.ID(), id)
	if err != nil {
		return shared.ClassifyPgError(err)
	}
	if tag.RowsAffected() == 0 {
		var isSystem bool
		err := tx.QueryRow(ctx, `SELECT is_system FROM roles WHERE tenant_id = $1 AND id = $2`, scope.ID(), id).Scan(&isSystem)
		if errors.Is(err, pgx.ErrNoRows) {
			return shared.ErrNotFound
		}
		if err != nil {
			return shared.ClassifyPgError(err)
		}
		if isSystem {
			return shared.ErrSystemRole
		}
		return shared.ErrNotFound
	}
	return nil
}

// InsertPermission creates a global permission within the transaction.
func (r *Repository) InsertPermission(ctx context.Context, tx pgx.Tx, code, resource, action, module string) (Permission, error) {
	var p Permission
	var createdAt pgtype.Timestamptz
	err := tx.QueryRow(ctx, `
		INSERT INTO permissions (code, resource, action, module, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING id, code, resource, action, module, is_active, created_at`,
		code, resource, action, module).
		Scan(&p.ID, &p.Code, &p.Resource, &p.Action, &p.Module, &p.IsActive, &createdAt)
	if err != nil {
		return Permission{}, shared.ClassifyPgError(err)
	}
	if createdAt.Valid {
		p.CreatedAt = createdAt.Time
	}
	return p, nil
}

// SetPermissionActive toggles a permission without deleting history.
func (r *Repository) SetPermissionActive(ctx context.Context, tx pgx.Tx, id int64, active bool) error {
	tag, err := tx.Exec(ctx, `UPDATE permissions SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return shared.ClassifyPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// GrantPermission attaches a permission to a role within the transaction.
func (r *Repository) GrantPermission(ctx context.Context, tx pgx.Tx, scope tenant.Scope, roleID, permissionID int64) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id)
		SELECT ro.id, $3 FROM roles ro WHERE ro.tenant_id = $1 AND ro.id = $2
		ON CONFLICT (role_id, permission_id) DO NOTHING`,
		scope.ID(), roleID, permissionID)
	if err != nil {
		return shared.ClassifyPgError(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE tenant_id = $1 AND id = $2)`, scope.ID(), roleID).Scan(&exists); err != nil {
			return shared.ClassifyPgError(err)
		}
		if !exists {
			return shared.ErrNotFound
		}
	}
	return nil
}

// RevokePermission detaches a permission from a role within the
// transaction.
func (r *Repository) RevokePermission(ctx context.Context, tx pgx.Tx, scope tenant.Scope, roleID, permissionID int64) error {
	tag, err := tx.Exec(ctx, `
		DELETE FROM role_permissions rp
		USING roles ro
		WHERE rp.role_id = ro.id AND ro.tenant_id = $1 AND rp.role_id = $2 AND rp.permission_id = $3`,
		scope.ID(), roleID, permissionID)
	if err != nil {
		return shared.ClassifyPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// InsertAssignment links an external user to a role within the
// transaction.
func (r *Repository) InsertAssignment(ctx context.Context, tx pgx.Tx, scope tenant.Scope, userID string, roleID int64) (UserRoleAssignment, error) {
	var a UserRoleAssignment
	var tenantID uuid.UUID
	var createdAt pgtype.Timestamptz
	err := tx.QueryRow(ctx, `
		INSERT INTO user_roles (tenant_id, user_id, role_id)
		SELECT $1, $2, ro.id FROM roles ro WHERE ro.tenant_id = $1 AND ro.id = $3
		RETURNING id, tenant_id, user_id, role_id, created_at`,
		scope.ID(), userID, roleID).
		Scan(&a.ID, &tenantID, &a.UserID, &a.RoleID, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UserRoleAssignment{}, shared.ErrNotFound
		}
		return UserRoleAssignment{}, shared.ClassifyPgError(err)
	}
	if tenantID != scope.ID() {
		return UserRoleAssignment{}, fmt.Errorf("%w: assignment row for %s", shared.ErrTenantMismatch, tenantID)
	}
	a.TenantID = tenantID
	if createdAt.Valid {
		a.CreatedAt = createdAt.Time
	}
	return a, nil
}

// DeleteAssignment removes a user-role link within the transaction.
func (r *Repository) DeleteAssignment(ctx context.Context, tx pgx.Tx, scope tenant.Scope, userID string, roleID int64) error {
	tag, err := tx.Exec(ctx, `
		DELETE FROM user_roles WHERE tenant_id = $1 AND user_id = $2 AND role_id = $3`,
		scope.ID(), userID, roleID)
	if err != nil {
		return shared.ClassifyPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// InsertPolicy creates a policy within the transaction. Pattern lists are
// stored as text arrays and the condition as its raw JSON document.
func (r *Repository) InsertPolicy(ctx context.Context, tx pgx.Tx, scope tenant.Scope, input PolicyRecord) (*Policy, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO policies (id, tenant_id, name, effect, subjects, resources, actions, condition, priority, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
		RETURNING id, tenant_id, name, effect, subjects, resources, actions, condition, priority, is_active, created_at, updated_at`,
		uuid.New(), scope.ID(), input.Name, string(input.Effect),
		input.Subjects, input.Resources, input.Actions, conditionParam(input.Condition), input.Priority)
	policy, err := scanPolicy(row, scope)
	if err != nil {
		return nil, shared.ClassifyPgError(err)
	}
	return policy, nil
}

// UpdatePolicy replaces the mutable fields of a policy within the
// transaction.
func (r *Repository) UpdatePolicy(ctx context.Context, tx pgx.Tx, scope tenant.Scope, id uuid.UUID, input PolicyRecord, isActive bool) (*Policy, error) {
	row := tx.QueryRow(ctx, `
		UPDATE policies
		SET name = $3, effect = $4, subjects = $5, resources = $6, actions = $7,
		    condition = $8, priority = $9, is_active = $10, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING id, tenant_id, name, effect, subjects, resources, actions, condition, priority, is_active, created_at, updated_at`,
		scope.ID(), id, input.Name, string(input.Effect),
		input.Subjects, input.Resources, input.Actions, conditionParam(input.Condition), input.Priority, isActive)
	policy, err := scanPolicy(row, scope)
	if err != nil {
		return nil, shared.ClassifyPgError(err)
	}
	return policy, nil
}

// DeletePolicy removes a policy within the transaction.
func (r *Repository) DeletePolicy(ctx context.Context, tx pgx.Tx, scope tenant.Scope, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, `DELETE FROM policies WHERE tenant_id = $1 AND id = $2`, scope.ID(), id)
	if err != nil {
		return shared.ClassifyPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// PolicyRecord carries the storable form of a policy: pattern texts plus
// the raw condition document. Validation happens in the service before a
// record reaches the repository.
type PolicyRecord struct {
	Name      string
	Effect    Effect
	Subjects  []string
	Resources []string
	Actions   []string
	Condition []byte
	Priority  int
}

func conditionParam(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// scanRole maps one roles row and re-checks its tenant. A row with a
// foreign tenant means the query lost its filter, which is a programming
// error surfaced loudly, never corrected.
func scanRole(row pgx.Row, scope tenant.Scope) (Role, error) {
	var role Role
	var createdAt, updatedAt pgtype.Timestamptz
	if err := row.Scan(&role.ID, &role.TenantID, &role.Code, &role.Name, &role.IsSystem, &role.IsActive, &createdAt, &updatedAt); err != nil {
		return Role{}, err
	}
	if role.TenantID != scope.ID() {
		return Role{}, fmt.Errorf("%w: role %d belongs to %s", shared.ErrTenantMismatch, role.ID, role.TenantID)
	}
	if createdAt.Valid {
		role.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		role.UpdatedAt = updatedAt.Time
	}
	return role, nil
}

// scanPolicy maps one policies row, parsing patterns and condition once.
func scanPolicy(row pgx.Row, scope tenant.Scope) (*Policy, error) {
	var (
		policy                       Policy
		effect                       string
		subjects, resources, actions []string
		condition                    []byte
		createdAt, updatedAt         pgtype.Timestamptz
	)
	if err := row.Scan(&policy.ID, &policy.TenantID, &policy.Name, &effect,
		&subjects, &resources, &actions, &condition,
		&policy.Priority, &policy.IsActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if policy.TenantID != scope.ID() {
		return nil, fmt.Errorf("%w: policy %s belongs to %s", shared.ErrTenantMismatch, policy.ID, policy.TenantID)
	}
	policy.Effect = Effect(effect)
	var err error
	if policy.Subjects, err = parsePatterns(subjects); err != nil {
		return nil, fmt.Errorf("authz: policy %s subjects: %w", policy.ID, err)
	}
	if policy.Resources, err = parsePatterns(resources); err != nil {
		return nil, fmt.Errorf("authz: policy %s resources: %w", policy.ID, err)
	}
	if policy.Actions, err = parsePatterns(actions); err != nil {
		return nil, fmt.Errorf("authz: policy %s actions: %w", policy.ID, err)
	}
	if policy.Condition, err = ParseCondition(condition); err != nil {
		return nil, fmt.Errorf("authz: policy %s: %w", policy.ID, err)
	}
	if createdAt.Valid {
		policy.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		policy.UpdatedAt = updatedAt.Time
	}
	return &policy, nil
}

func parsePatterns(raw []string) ([]Pattern, error) {
	patterns := make([]Pattern, 0, len(raw))
	for _, text := range raw {
		p, err := ParsePattern(text)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}
