package pages

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/communityfund/ngo-portal/internal/donations"
	"github.com/communityfund/ngo-portal/internal/identity"
	"github.com/communityfund/ngo-portal/internal/rbac"
	"github.com/communityfund/ngo-portal/internal/shared"
	"github.com/communityfund/ngo-portal/internal/view"
)

// StatsSource supplies donation figures for the dashboard.
type StatsSource interface {
	Stats(ctx context.Context) (donations.Stats, error)
}

// Handler serves the public pages and the dashboard shell.
type Handler struct {
	logger    *slog.Logger
	templates *view.Engine
	csrf      *shared.CSRFManager
	guard     *rbac.Guard
	stats     StatsSource
	content   Content
}

// NewHandler builds Handler instance. stats may be nil, in which case the
// dashboard renders without figures.
func NewHandler(logger *slog.Logger, templates *view.Engine, csrf *shared.CSRFManager, guard *rbac.Guard, stats StatsSource, content Content) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, templates: templates, csrf: csrf, guard: guard, stats: stats, content: content}
}

// MountPublic registers the marketing pages.
func (h *Handler) MountPublic(r chi.Router) {
	r.Get("/", h.home)
	r.Get("/about", h.about)
	r.Get("/domains", h.domains)
	r.Get("/projects", h.projects)
	r.Get("/contact", h.contact)
}

// MountDashboard registers /admin.
func (h *Handler) MountDashboard(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequirePermission(rbac.PermDashboardView))
		r.Get("/", h.dashboard)
	})
}

func (h *Handler) home(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/home.html", "Home", map[string]any{
		"Domains": h.content.Domains,
	}, http.StatusOK)
}

func (h *Handler) about(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/about.html", "About", nil, http.StatusOK)
}

func (h *Handler) domains(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/domains.html", "Domains", map[string]any{
		"Domains": h.content.Domains,
	}, http.StatusOK)
}

func (h *Handler) projects(w http.ResponseWriter, r *http.Request) {
	slug := r.URL.Query().Get("domain")
	if slug != "" && !h.content.hasDomain(slug) {
		http.NotFound(w, r)
		return
	}
	h.render(w, r, "pages/projects.html", "Projects", map[string]any{
		"Domains":  h.content.Domains,
		"Selected": slug,
		"Projects": h.content.ProjectsIn(slug),
	}, http.StatusOK)
}

func (h *Handler) contact(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/contact.html", "Contact", map[string]any{
		"Email": h.content.ContactEmail,
	}, http.StatusOK)
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	principal := rbac.PrincipalFromContext(r.Context())
	data := map[string]any{
		"Permissions": rbac.EffectivePermissions(principal).Sorted(),
		"Links":       adminLinks(principal),
	}
	if principal != nil {
		data["Role"] = principal.AssignedRole()
	}
	if rec := identity.FromContext(r.Context()); rec != nil {
		data["Name"] = rec.DisplayName
	}
	if h.stats != nil && rbac.HasPermission(principal, rbac.PermAnalyticsView) {
		stats, err := h.stats.Stats(r.Context())
		if err != nil {
			h.logger.Warn("dashboard stats", slog.Any("error", err))
			data["StatsError"] = shared.UserSafeMessage(err)
		} else {
			data["Stats"] = stats
		}
	}
	h.render(w, r, "pages/admin/dashboard.html", "Dashboard", data, http.StatusOK)
}

type adminLink struct {
	Href  string
	Label string
}

func adminLinks(p rbac.Principal) []adminLink {
	var links []adminLink
	if rbac.HasPermission(p, rbac.PermDonationsView) {
		links = append(links, adminLink{Href: "/admin/donations", Label: "Donations"})
	}
	if rbac.HasRole(p, rbac.RoleAdmin) {
		links = append(links, adminLink{Href: "/admin/users", Label: "Users"})
	}
	if rbac.HasPermission(p, rbac.PermUsersView) {
		links = append(links, adminLink{Href: "/admin/permissions", Label: "Permission matrix"})
	}
	if rbac.HasPermission(p, rbac.PermUsersManage) {
		links = append(links, adminLink{Href: "/admin/audit", Label: "Audit trail"})
	}
	return links
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
