package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lumenhr/lumenhr/internal/platform/httpx"
)

// Handler exposes the role and assignment admin API.
type Handler struct {
	logger   *slog.Logger
	store    *Store
	service  *Service
	resolver *Resolver
	gate     Middleware
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, store *Store, service *Service, resolver *Resolver, gate Middleware) *Handler {
	return &Handler{
		logger:   logger,
		store:    store,
		service:  service,
		resolver: resolver,
		gate:     gate,
		validate: validator.New(),
	}
}

// MountRoutes registers the admin API routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/roles", func(r chi.Router) {
		r.With(h.gate.RequireAny(Key(ResourceRoles, ActionView))).Get("/", h.listRoles)
		r.With(h.gate.RequireAll(Key(ResourceRoles, ActionCreate))).Post("/", h.createRole)
		r.With(h.gate.RequireAny(Key(ResourceRoles, ActionView))).Get("/{roleID}", h.getRole)
		r.With(h.gate.RequireAll(Key(ResourceRoles, ActionEdit))).Patch("/{roleID}", h.updateRole)
		r.With(h.gate.RequireAll(Key(ResourceRoles, ActionDelete))).Delete("/{roleID}", h.deleteRole)
	})

	r.With(h.gate.RequireAny(Key(ResourceRoles, ActionView))).Get("/permissions", h.listPermissions)

	r.Route("/users/{userID}", func(r chi.Router) {
		r.With(h.gate.RequireAny(Key(ResourceUsers, ActionView))).Get("/roles", h.listUserRoles)
		r.With(h.gate.RequireAll(Key(ResourceUsers, ActionAssign))).Post("/roles", h.assignRole)
		r.With(h.gate.RequireAll(Key(ResourceUsers, ActionAssign))).Delete("/roles/{roleID}", h.removeRole)
		r.With(h.gate.RequireAny(Key(ResourceUsers, ActionView))).Get("/permissions", h.resolvePermissions)
		r.With(h.gate.RequireAny(Key(ResourceUsers, ActionView))).Get("/primary-role", h.primaryRole)
	})
}

type createRoleRequest struct {
	Name        string   `json:"name" validate:"required,max=64"`
	Description string   `json:"description" validate:"max=255"`
	Color       string   `json:"color" validate:"omitempty,hexcolor"`
	Permissions []string `json:"permissions" validate:"dive,required"`
}

type updateRoleRequest struct {
	Name        *string   `json:"name" validate:"omitempty,min=1,max=64"`
	Description *string   `json:"description" validate:"omitempty,max=255"`
	Color       *string   `json:"color" validate:"omitempty,hexcolor"`
	IsActive    *bool     `json:"is_active"`
	Permissions *[]string `json:"permissions" validate:"omitempty,dive,required"`
}

type assignRoleRequest struct {
	RoleID int64 `json:"role_id" validate:"required"`
}

type removeRoleResponse struct {
	Success         bool   `json:"success"`
	FallbackApplied bool   `json:"fallback_applied"`
	Message         string `json:"message,omitempty"`
	Roles           []Role `json:"roles"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.store.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actorID, _ := h.gate.currentUserID(r)
	role, err := h.store.CreateRole(r.Context(), actorID, CreateRoleInput{
		Name:           req.Name,
		Description:    req.Description,
		Color:          req.Color,
		PermissionKeys: req.Permissions,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	role, err := h.store.GetRole(r.Context(), roleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	perms, err := h.store.RolePermissions(r.Context(), roleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role": role, "permissions": perms})
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req updateRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actorID, _ := h.gate.currentUserID(r)
	role, err := h.store.UpdateRole(r.Context(), actorID, roleID, UpdateRolePatch{
		Name:           req.Name,
		Description:    req.Description,
		Color:          req.Color,
		IsActive:       req.IsActive,
		PermissionKeys: req.Permissions,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	cascade := r.URL.Query().Get("cascade") == "true"
	actorID, _ := h.gate.currentUserID(r)
	if err := h.store.DeleteRole(r.Context(), actorID, roleID, cascade); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	defs := AllPermissions()
	type permissionView struct {
		Resource    Resource      `json:"resource"`
		Action      Action        `json:"action"`
		Key         PermissionKey `json:"key"`
		Description string        `json:"description"`
	}
	views := make([]permissionView, 0, len(defs))
	for _, def := range defs {
		views = append(views, permissionView{
			Resource:    def.Resource,
			Action:      def.Action,
			Key:         def.Key(),
			Description: def.Description,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": views})
}

func (h *Handler) listUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	roles, err := h.service.UserRoles(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actorID, _ := h.gate.currentUserID(r)
	roles, err := h.service.AssignRole(r.Context(), actorID, userID, req.RoleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	actorID, _ := h.gate.currentUserID(r)
	result, err := h.service.RemoveRole(r.Context(), actorID, userID, roleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, removeRoleResponse{
		Success:         true,
		FallbackApplied: result.FallbackApplied,
		Message:         result.Message,
		Roles:           result.Roles,
	})
}

func (h *Handler) resolvePermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	set, err := h.resolver.Resolve(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": set})
}

func (h *Handler) primaryRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	role, err := h.service.PrimaryRole(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"primary_role": role})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Path", "invalid "+name)
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var (
		dupAssign *DuplicateAssignmentError
		dupName   *DuplicateNameError
		sysRole   *SystemRoleProtectedError
		fbRole    *FallbackRoleProtectedError
		inUse     *RoleInUseError
		unknown   *UnknownPermissionError
		fallback  *FallbackRoleMisconfiguredError
	)
	switch {
	case errors.Is(err, ErrRoleNotFound), errors.Is(err, ErrUserNotFound), errors.Is(err, ErrAssignmentNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrUserInactive):
		httpx.Problem(w, http.StatusConflict, "User Inactive", err.Error())
	case errors.As(err, &dupAssign), errors.As(err, &dupName), errors.As(err, &sysRole), errors.As(err, &fbRole), errors.As(err, &inUse):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.As(err, &unknown):
		httpx.Problem(w, http.StatusBadRequest, "Unknown Permission", err.Error())
	case IsTransient(err):
		httpx.Problem(w, http.StatusServiceUnavailable, "Temporarily Unavailable", "the request can be retried")
	case errors.As(err, &fallback):
		if h.logger != nil {
			h.logger.Error("fallback role misconfigured", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Misconfiguration", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error("rbac handler", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
