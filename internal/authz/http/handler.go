// Package authzhttp adapts the authorization core to HTTP. It parses and
// validates requests, delegates to the engine, resolver and admin service,
// and maps error kinds onto status codes. No decision logic lives here.
package authzhttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aegis-iam/aegis-iam/internal/authz"
	"github.com/aegis-iam/aegis-iam/internal/shared"
	"github.com/aegis-iam/aegis-iam/internal/tenant"
)

// Handler wires the authorization endpoints.
type Handler struct {
	logger    *slog.Logger
	engine    *authz.Engine
	resolver  *authz.Resolver
	service   *authz.Service
	validator *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, engine *authz.Engine, resolver *authz.Resolver, service *authz.Service) *Handler {
	return &Handler{
		logger:    logger,
		engine:    engine,
		resolver:  resolver,
		service:   service,
		validator: validator.New(),
	}
}

// MountRoutes attaches the authorization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/authorize", h.authorize)
	r.Get("/permissions", h.listPermissions)
	r.Post("/permissions", h.createPermission)
	r.Patch("/permissions/{code}", h.updatePermission)

	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Get("/users/{userID}/permissions", h.effectivePermissions)

		r.Get("/roles", h.listRoles)
		r.Post("/roles", h.createRole)
		r.Get("/roles/{roleID}", h.getRole)
		r.Put("/roles/{roleID}", h.updateRole)
		r.Delete("/roles/{roleID}", h.deleteRole)
		r.Post("/roles/{roleID}/permissions", h.grantPermission)
		r.Delete("/roles/{roleID}/permissions/{permissionID}", h.revokePermission)
		r.Post("/roles/{roleID}/assignments", h.assignRole)
		r.Delete("/roles/{roleID}/assignments/{userID}", h.unassignRole)

		r.Get("/policies", h.listPolicies)
		r.Post("/policies", h.createPolicy)
		r.Get("/policies/{policyID}", h.getPolicy)
		r.Put("/policies/{policyID}", h.updatePolicy)
		r.Delete("/policies/{policyID}", h.deletePolicy)
	})
}

type authorizeRequest struct {
	TenantID string         `json:"tenant_id" validate:"required,uuid"`
	Subject  subjectPayload `json:"subject" validate:"required"`
	Resource string         `json:"resource" validate:"required"`
	Action   string         `json:"action" validate:"required"`
	Context  map[string]any `json:"context"`
}

type subjectPayload struct {
	UserID string         `json:"user_id" validate:"required"`
	Roles  []string       `json:"roles"`
	Claims map[string]any `json:"claims"`
}

type decisionResponse struct {
	Effect            string   `json:"effect"`
	MatchedPolicyIDs  []string `json:"matched_policy_ids"`
	RBACPermissionHit bool     `json:"rbac_permission_hit"`
	Reason            string   `json:"reason"`
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	var payload authorizeRequest
	if !h.decode(w, r, &payload) {
		return
	}
	tenantID, err := uuid.Parse(payload.TenantID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid tenant_id")
		return
	}
	req := authz.Request{
		TenantID: tenantID,
		Subject: authz.Subject{
			UserID: payload.Subject.UserID,
			Roles:  payload.Subject.Roles,
			Claims: payload.Subject.Claims,
		},
		Resource: payload.Resource,
		Action:   payload.Action,
		Context:  payload.Context,
	}
	decision, err := h.engine.Authorize(r.Context(), req)
	if err != nil {
		// Fail closed: the decision is already DENY; report the
		// infrastructure failure alongside it.
		h.logger.Error("authorize", slog.Any("error", err))
		h.writeJSON(w, http.StatusServiceUnavailable, toDecisionResponse(decision))
		return
	}
	h.writeJSON(w, http.StatusOK, toDecisionResponse(decision))
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	set, err := h.resolver.ResolvePermissions(r.Context(), scope, userID)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"permissions": set.Codes()})
}

type createRoleRequest struct {
	Code     string `json:"code" validate:"required,max=100"`
	Name     string `json:"name" validate:"required,max=200"`
	IsSystem bool   `json:"is_system"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var payload createRoleRequest
	if !h.decode(w, r, &payload) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), scope, authz.CreateRoleInput{
		Code:     payload.Code,
		Name:     payload.Name,
		IsSystem: payload.IsSystem,
	})
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, role)
}

type updateRoleRequest struct {
	Name     string `json:"name" validate:"required,max=200"`
	IsActive bool   `json:"is_active"`
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := h.int64Param(w, r, "roleID")
	if !ok {
		return
	}
	var payload updateRoleRequest
	if !h.decode(w, r, &payload) {
		return
	}
	role, err := h.service.UpdateRole(r.Context(), scope, id, authz.UpdateRoleInput{
		Name:     payload.Name,
		IsActive: payload.IsActive,
	})
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := h.int64Param(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), scope, id); err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := h.int64Param(w, r, "roleID")
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), scope, id)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, role)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	roles, err := h.service.ListRoles(r.Context(), scope)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

type createPermissionRequest struct {
	Resource string `json:"resource" validate:"required,max=100"`
	Action   string `json:"action" validate:"required,max=100"`
	Module   string `json:"module" validate:"max=100"`
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var payload createPermissionRequest
	if !h.decode(w, r, &payload) {
		return
	}
	perm, err := h.service.CreatePermission(r.Context(), authz.CreatePermissionInput{
		Resource: payload.Resource,
		Action:   payload.Action,
		Module:   payload.Module,
	})
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, perm)
}

type updatePermissionRequest struct {
	IsActive bool `json:"is_active"`
}

func (h *Handler) updatePermission(w http.ResponseWriter, r *http.Request) {
	var payload updatePermissionRequest
	if !h.decode(w, r, &payload) {
		return
	}
	if err := h.service.SetPermissionActive(r.Context(), chi.URLParam(r, "code"), payload.IsActive); err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

type grantPermissionRequest struct {
	PermissionID int64 `json:"permission_id" validate:"required"`
}

func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	roleID, ok := h.int64Param(w, r, "roleID")
	if !ok {
		return
	}
	var payload grantPermissionRequest
	if !h.decode(w, r, &payload) {
		return
	}
	if err := h.service.GrantPermission(r.Context(), scope, roleID, payload.PermissionID); err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokePermission(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	roleID, ok := h.int64Param(w, r, "roleID")
	if !ok {
		return
	}
	permissionID, ok := h.int64Param(w, r, "permissionID")
	if !ok {
		return
	}
	if err := h.service.RevokePermission(r.Context(), scope, roleID, permissionID); err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRoleRequest struct {
	UserID string `json:"user_id" validate:"required,max=200"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	roleID, ok := h.int64Param(w, r, "roleID")
	if !ok {
		return
	}
	var payload assignRoleRequest
	if !h.decode(w, r, &payload) {
		return
	}
	assignment, err := h.service.AssignRole(r.Context(), scope, payload.UserID, roleID)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, assignment)
}

func (h *Handler) unassignRole(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	roleID, ok := h.int64Param(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.UnassignRole(r.Context(), scope, chi.URLParam(r, "userID"), roleID); err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type policyRequest struct {
	Name      string          `json:"name" validate:"required,max=200"`
	Effect    string          `json:"effect" validate:"required,oneof=ALLOW DENY"`
	Subjects  []string        `json:"subjects" validate:"required,min=1"`
	Resources []string        `json:"resources" validate:"required,min=1"`
	Actions   []string        `json:"actions" validate:"required,min=1"`
	Condition json.RawMessage `json:"condition"`
	Priority  int             `json:"priority"`
	IsActive  bool            `json:"is_active"`
}

func (p policyRequest) toInput() authz.PolicyInput {
	return authz.PolicyInput{
		Name:      p.Name,
		Effect:    authz.Effect(p.Effect),
		Subjects:  p.Subjects,
		Resources: p.Resources,
		Actions:   p.Actions,
		Condition: p.Condition,
		Priority:  p.Priority,
		IsActive:  p.IsActive,
	}
}

func (h *Handler) createPolicy(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var payload policyRequest
	if !h.decode(w, r, &payload) {
		return
	}
	policy, err := h.service.CreatePolicy(r.Context(), scope, payload.toInput())
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, policy)
}

func (h *Handler) updatePolicy(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, "policyID")
	if !ok {
		return
	}
	var payload policyRequest
	if !h.decode(w, r, &payload) {
		return
	}
	policy, err := h.service.UpdatePolicy(r.Context(), scope, id, payload.toInput())
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, policy)
}

func (h *Handler) deletePolicy(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, "policyID")
	if !ok {
		return
	}
	if err := h.service.DeletePolicy(r.Context(), scope, id); err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getPolicy(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, "policyID")
	if !ok {
		return
	}
	policy, err := h.service.GetPolicy(r.Context(), scope, id)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, policy)
}

func (h *Handler) listPolicies(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	policies, err := h.service.ListPolicies(r.Context(), scope)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (tenant.Scope, bool) {
	scope, err := tenant.ParseScope(chi.URLParam(r, "tenantID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid tenant id")
		return tenant.Scope{}, false
	}
	return scope, true
}

func (h *Handler) int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	value, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return value, true
}

func (h *Handler) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	value, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return value, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, payload any) bool {
	if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validator.Struct(payload); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *Handler) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, shared.ErrConstraintViolation):
		h.writeError(w, http.StatusConflict, "conflict")
	case errors.Is(err, shared.ErrSystemRole):
		h.writeError(w, http.StatusConflict, "system role is protected")
	case errors.Is(err, shared.ErrStorageUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	case errors.Is(err, tenant.ErrInvalidTenant):
		h.writeError(w, http.StatusBadRequest, "invalid tenant id")
	default:
		h.logger.Error("authz handler", slog.Any("error", err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response", slog.Any("error", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func toDecisionResponse(d authz.Decision) decisionResponse {
	ids := make([]string, 0, len(d.MatchedPolicyIDs))
	for _, id := range d.MatchedPolicyIDs {
		ids = append(ids, id.String())
	}
	return decisionResponse{
		Effect:            string(d.Effect),
		MatchedPolicyIDs:  ids,
		RBACPermissionHit: d.RBACPermissionHit,
		Reason:            d.Reason,
	}
}
