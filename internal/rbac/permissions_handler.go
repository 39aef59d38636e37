package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/communityfund/ngo-portal/internal/platform/httpx"
	"github.com/communityfund/ngo-portal/internal/shared"
	"github.com/communityfund/ngo-portal/internal/view"
)

// PermissionsHandler exposes the role/permission table and access checks.
type PermissionsHandler struct {
	logger    *slog.Logger
	templates *view.Engine
	csrf      *shared.CSRFManager
	guard     *Guard
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, templates *view.Engine, csrf *shared.CSRFManager, guard *Guard) *PermissionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionsHandler{logger: logger, templates: templates, csrf: csrf, guard: guard}
}

// MountRoutes registers the permission matrix page.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequirePermission(PermUsersView))
		r.Get("/", h.listPermissions)
	})
}

// MountAPI registers JSON access checks.
func (h *PermissionsHandler) MountAPI(r chi.Router) {
	r.Get("/access", h.checkAccess)
}

// MatrixRow is one permission with its default grant per role.
type MatrixRow struct {
	Permission Permission
	Granted    map[Role]bool
}

// Matrix renders the static table as rows, in catalogue order.
func Matrix() []MatrixRow {
	rows := make([]MatrixRow, 0, len(catalogue))
	for _, perm := range catalogue {
		row := MatrixRow{Permission: perm, Granted: make(map[Role]bool, len(allRoles))}
		for _, role := range allRoles {
			row.Granted[role] = PermissionsFor(role).Has(perm)
		}
		rows = append(rows, row)
	}
	return rows
}

func (h *PermissionsHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/permissions/list.html", map[string]any{"Roles": Roles(), "Rows": Matrix()}, http.StatusOK)
}

type accessResponse struct {
	State      State      `json:"state"`
	Redirect   string     `json:"redirect,omitempty"`
	Role       Role       `json:"required_role,omitempty"`
	Permission Permission `json:"required_permission,omitempty"`
}

// checkAccess answers what the guard would do for the given requirement.
func (h *PermissionsHandler) checkAccess(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := Requirement{FallbackPath: h.guard.loginPath()}
	if raw := q.Get("role"); raw != "" {
		role, ok := ParseRole(raw)
		if !ok {
			httpx.RespondError(w, httpx.ErrValidation)
			return
		}
		req.Role = role
	}
	if raw := q.Get("permission"); raw != "" {
		perm, ok := ParsePermission(raw)
		if !ok {
			httpx.RespondError(w, httpx.ErrValidation)
			return
		}
		req.Permission = perm
	}
	decision := Evaluate(h.guard.Current(r), req)
	httpx.JSON(w, http.StatusOK, accessResponse{
		State:      decision.State,
		Redirect:   decision.Redirect,
		Role:       decision.Role,
		Permission: decision.Permission,
	})
}

func (h *PermissionsHandler) render(w http.ResponseWriter, r *http.Request, template string, data map[string]any, status int) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrf.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{Title: "Permissions", CSRFToken: csrfToken, Flash: flash, CurrentPath: r.URL.Path, Data: data}
	if err := h.templates.RenderStatus(w, status, template, viewData); err != nil {
		h.logger.Error("render template", slog.Any("error", err))
	}
}

// CheckAccessForTest exposes the access check handler for tests.
func (h *PermissionsHandler) CheckAccessForTest(w http.ResponseWriter, r *http.Request) {
	h.checkAccess(w, r)
}
