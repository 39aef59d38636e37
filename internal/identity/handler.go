package identity

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/communityfund/ngo-portal/internal/platform/httpx"
	"github.com/communityfund/ngo-portal/internal/rbac"
	"github.com/communityfund/ngo-portal/internal/shared"
	"github.com/communityfund/ngo-portal/internal/view"
)

const usersPerPage = 25

// Handler serves the user administration screens and the session API.
type Handler struct {
	logger    *slog.Logger
	admin     *AdminService
	templates *view.Engine
	csrf      *shared.CSRFManager
	guard     *rbac.Guard
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, admin *AdminService, templates *view.Engine, csrf *shared.CSRFManager, guard *rbac.Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, admin: admin, templates: templates, csrf: csrf, guard: guard, validator: validator.New()}
}

// MountRoutes registers /admin/users routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequirePermission(rbac.PermUsersView))
		r.Get("/", h.listUsers)
		r.Get("/{id}", h.showUser)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireRole(rbac.RoleAdmin))
		r.Post("/{id}/role", h.assignRole)
		r.Post("/{id}/permissions", h.grantPermissions)
	})
}

// MountAPI registers JSON endpoints.
func (h *Handler) MountAPI(r chi.Router) {
	r.Get("/session", h.currentSession)
}

type roleForm struct {
	Role string `validate:"required,oneof=admin manager volunteer donor visitor"`
}

type permissionsForm struct {
	Permissions []string `validate:"required,min=1,dive,required"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	page := shared.PageFromRequest(r)
	pager := shared.NewPagination(page, usersPerPage, 0)
	records, total, err := h.admin.List(r.Context(), pager.Offset(), usersPerPage)
	if err != nil {
		h.logger.Error("list identities", slog.Any("error", err))
		h.render(w, r, "pages/admin/users.html", "Users", map[string]any{"Error": shared.UserSafeMessage(err)}, http.StatusInternalServerError)
		return
	}
	h.render(w, r, "pages/admin/users.html", "Users", map[string]any{
		"Users":      records,
		"Pagination": shared.NewPagination(page, usersPerPage, total),
	}, http.StatusOK)
}

func (h *Handler) showUser(w http.ResponseWriter, r *http.Request) {
	rec, err := h.admin.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.logger.Error("load identity", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.render(w, r, "pages/admin/user.html", rec.DisplayName, h.detailData(rec, nil), http.StatusOK)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	targetID := chi.URLParam(r, "id")
	form := roleForm{Role: r.PostFormValue("role")}
	if err := h.validator.Struct(form); err != nil {
		h.rejectForm(w, r, targetID, fieldErrors(err))
		return
	}
	_, err := h.admin.AssignRole(r.Context(), AssignRoleInput{
		ActorID:  actorID(r),
		TargetID: targetID,
		Role:     rbac.Role(form.Role),
	})
	if err != nil {
		h.mutationFailed(w, r, targetID, err)
		return
	}
	h.redirectWithFlash(w, r, userPath(targetID), "success", "Role updated")
}

func (h *Handler) grantPermissions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	targetID := chi.URLParam(r, "id")
	form := permissionsForm{Permissions: r.PostForm["permissions"]}
	if err := h.validator.Struct(form); err != nil {
		h.rejectForm(w, r, targetID, fieldErrors(err))
		return
	}
	perms := make([]rbac.Permission, 0, len(form.Permissions))
	for _, raw := range form.Permissions {
		perm, ok := rbac.ParsePermission(raw)
		if !ok {
			h.rejectForm(w, r, targetID, map[string]string{"Permissions": "unknown permission " + raw})
			return
		}
		perms = append(perms, perm)
	}
	_, err := h.admin.GrantPermissions(r.Context(), GrantPermissionsInput{
		ActorID:     actorID(r),
		TargetID:    targetID,
		Permissions: perms,
	})
	if err != nil {
		h.mutationFailed(w, r, targetID, err)
		return
	}
	h.redirectWithFlash(w, r, userPath(targetID), "success", "Permissions granted")
}

type sessionResponse struct {
	State       rbac.State        `json:"state"`
	ExternalID  string            `json:"external_id,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	Role        rbac.Role         `json:"role,omitempty"`
	Permissions []rbac.Permission `json:"permissions,omitempty"`
}

func (h *Handler) currentSession(w http.ResponseWriter, r *http.Request) {
	sess := h.guard.Current(r)
	switch {
	case sess.Loading:
		w.Header().Set("Retry-After", "2")
		httpx.JSON(w, http.StatusServiceUnavailable, sessionResponse{State: rbac.StateLoading})
		return
	case !sess.Authenticated():
		httpx.JSON(w, http.StatusOK, sessionResponse{State: rbac.StateUnauthenticated})
		return
	}
	resp := sessionResponse{
		State:       rbac.StateAuthorized,
		Role:        sess.Principal.AssignedRole(),
		Permissions: rbac.EffectivePermissions(sess.Principal).Sorted(),
	}
	if rec, ok := sess.Principal.(*Record); ok {
		resp.ExternalID = rec.ExternalID
		resp.DisplayName = rec.DisplayName
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) mutationFailed(w http.ResponseWriter, r *http.Request, targetID string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.NotFound(w, r)
	case errors.Is(err, ErrForbidden):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, ErrLastAdmin):
		h.redirectWithFlash(w, r, userPath(targetID), "error", "The last admin cannot be demoted")
	case errors.Is(err, ErrInvalidRole), errors.Is(err, ErrInvalidPermission):
		h.rejectForm(w, r, targetID, map[string]string{"general": err.Error()})
	default:
		h.logger.Error("identity mutation", slog.String("target", targetID), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) rejectForm(w http.ResponseWriter, r *http.Request, targetID string, errs map[string]string) {
	rec, err := h.admin.Get(r.Context(), targetID)
	if err != nil {
		h.mutationFailed(w, r, targetID, err)
		return
	}
	h.render(w, r, "pages/admin/user.html", rec.DisplayName, h.detailData(rec, errs), http.StatusBadRequest)
}

func (h *Handler) detailData(rec Record, errs map[string]string) map[string]any {
	if errs == nil {
		errs = map[string]string{}
	}
	return map[string]any{
		"User":      rec,
		"Effective": rbac.EffectivePermissions(&rec).Sorted(),
		"Roles":     rbac.Roles(),
		"Catalogue": rbac.Catalogue(),
		"Errors":    errs,
	}
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, template, title string, data map[string]any, status int) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrf.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{Title: title, CSRFToken: csrfToken, Flash: flash, CurrentPath: r.URL.Path, Data: data}
	if err := h.templates.RenderStatus(w, status, template, viewData); err != nil {
		h.logger.Error("render template", slog.Any("error", err))
	}
}

func (h *Handler) redirectWithFlash(w http.ResponseWriter, r *http.Request, location, kind, message string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: kind, Message: message})
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}

func actorID(r *http.Request) string {
	if rec := FromContext(r.Context()); rec != nil {
		return rec.ExternalID
	}
	return ""
}

func userPath(externalID string) string {
	return "/admin/users/" + url.PathEscape(externalID)
}

func fieldErrors(err error) map[string]string {
	out := make(map[string]string)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			out[fe.Field()] = fe.Error()
		}
		return out
	}
	out["general"] = err.Error()
	return out
}
