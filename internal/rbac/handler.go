package rbac

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/menuauthz/internal/audit"
	"github.com/odyssey-erp/menuauthz/internal/platform/httpx"
	"github.com/odyssey-erp/menuauthz/internal/shared"
)

// Permission keys guarding the administration endpoints.
const (
	PermRolesRead   = shared.PermRolesRead
	PermRolesWrite  = shared.PermRolesWrite
	PermRolesAssign = shared.PermRolesAssign
)

// Invalidator is notified after every successful mutation so cached menus can be dropped.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// Auditor records administrative changes.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Handler exposes role and assignment administration over JSON.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	rbac        Middleware
	invalidator Invalidator
	auditor     Auditor
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac Middleware, invalidator Invalidator) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, invalidator: invalidator}
}

// WithAuditor makes every successful mutation leave an audit entry.
func (h *Handler) WithAuditor(a Auditor) *Handler {
	h.auditor = a
	return h
}

// MountRoutes registers role routes under /roles.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(PermRolesRead, PermRolesWrite))
		r.Get("/", h.listRoles)
		r.Get("/{roleID}", h.getRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(PermRolesWrite))
		r.Post("/", h.createRole)
		r.Patch("/{roleID}", h.updateRole)
		r.Post("/{roleID}/deactivate", h.deactivateRole)
	})
}

// MountUserRoutes registers assignment routes under /users.
func (h *Handler) MountUserRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(PermRolesRead, PermRolesAssign))
		r.Get("/{userID}/roles", h.listAssignments)
		r.Get("/{userID}/permissions", h.userPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(PermRolesAssign))
		r.Post("/{userID}/roles", h.assignRole)
		r.Delete("/{userID}/roles/{roleID}", h.revokeRole)
	})
}

// MyPermissions returns the effective permission ids of the calling principal.
func (h *Handler) MyPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	h.writePermissions(w, r, userID)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	if roles == nil {
		roles = []Role{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.service.GetRole(r.Context(), chi.URLParam(r, "roleID"))
	if err != nil {
		h.fail(w, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var in CreateRoleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.CreateRole(r.Context(), in)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	h.bump(r.Context())
	h.record(r.Context(), audit.ActionRoleCreate, "role", role.ID, nil)
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	var in UpdateRoleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.UpdateRole(r.Context(), chi.URLParam(r, "roleID"), in)
	if err != nil {
		h.fail(w, "update role", err)
		return
	}
	h.bump(r.Context())
	h.record(r.Context(), audit.ActionRoleUpdate, "role", role.ID, nil)
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deactivateRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.service.DeactivateRole(r.Context(), chi.URLParam(r, "roleID"))
	if err != nil {
		h.fail(w, "deactivate role", err)
		return
	}
	h.bump(r.Context())
	h.record(r.Context(), audit.ActionRoleDeactivate, "role", role.ID, nil)
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := h.service.ListAssignments(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, "list assignments", err)
		return
	}
	if assignments == nil {
		assignments = []Assignment{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": assignments})
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	var in AssignRoleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.UserID = chi.URLParam(r, "userID")
	if actor, ok := shared.PrincipalFromContext(r.Context()); ok && in.AssignedBy == "" {
		in.AssignedBy = actor
	}
	assignment, err := h.service.AssignRole(r.Context(), in)
	if err != nil {
		h.fail(w, "assign role", err)
		return
	}
	h.bump(r.Context())
	h.record(r.Context(), audit.ActionAssignmentGrant, "assignment", assignment.ID, assignmentDetail(assignment))
	httpx.JSON(w, http.StatusCreated, assignment)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	assignment, err := h.service.RevokeRole(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "roleID"))
	if err != nil {
		h.fail(w, "revoke role", err)
		return
	}
	h.bump(r.Context())
	h.record(r.Context(), audit.ActionAssignmentRevoke, "assignment", assignment.ID, assignmentDetail(assignment))
	httpx.JSON(w, http.StatusOK, assignment)
}

func (h *Handler) userPermissions(w http.ResponseWriter, r *http.Request) {
	h.writePermissions(w, r, chi.URLParam(r, "userID"))
}

func (h *Handler) writePermissions(w http.ResponseWriter, r *http.Request, userID string) {
	ids, err := h.service.ResolvePermissions(r.Context(), userID)
	if err != nil {
		h.fail(w, "resolve permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"userId": userID, "permissions": ids})
}

func (h *Handler) bump(ctx context.Context) {
	if h.invalidator == nil {
		return
	}
	if err := h.invalidator.Bump(ctx); err != nil {
		h.logger.Warn("menu cache bump", slog.Any("error", err))
	}
}

func (h *Handler) record(ctx context.Context, action, entity, entityID string, detail map[string]string) {
	if h.auditor == nil {
		return
	}
	actor, _ := shared.PrincipalFromContext(ctx)
	entry := audit.Entry{Actor: actor, Action: action, Entity: entity, EntityID: entityID, Detail: detail}
	if err := h.auditor.Record(ctx, entry); err != nil {
		h.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func assignmentDetail(a Assignment) map[string]string {
	return map[string]string{"userId": a.UserID, "roleId": a.RoleID}
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if shared.UserSafeMessage(err) == "internal error" {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
