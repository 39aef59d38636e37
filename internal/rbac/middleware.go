package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/communityfund/ngo-portal/internal/shared"
	"github.com/communityfund/ngo-portal/internal/view"
)

// Resolver turns the session principal id into a guard Session.
type Resolver interface {
	Resolve(ctx context.Context, externalID string) Session
}

// DecisionRecorder counts guard outcomes.
type DecisionRecorder interface {
	ObserveAccessDecision(state string)
}

type accessContextKey struct{}

// ContextWithSession stores the resolved access session in ctx.
func ContextWithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, accessContextKey{}, sess)
}

// SessionFromContext returns the access session stored by the guard.
func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(accessContextKey{}).(Session)
	return sess, ok
}

// PrincipalFromContext returns the principal of an authorized request.
func PrincipalFromContext(ctx context.Context) Principal {
	sess, ok := SessionFromContext(ctx)
	if !ok || sess.Loading {
		return nil
	}
	return sess.Principal
}

// Guard gates HTTP handlers behind access requirements.
type Guard struct {
	Resolver  Resolver
	Templates *view.Engine
	CSRF      *shared.CSRFManager
	Logger    *slog.Logger
	Metrics   DecisionRecorder
	LoginPath string
}

// Attach resolves the access session once per request so later guards and
// handlers read the same snapshot.
func (g *Guard) Attach(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := g.resolve(r)
		next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), sess)))
	})
}

// Current returns the access session for r, resolving it when Attach did
// not run.
func (g *Guard) Current(r *http.Request) Session {
	if sess, ok := SessionFromContext(r.Context()); ok {
		return sess
	}
	return g.resolve(r)
}

// RequireRole gates on an exact role.
func (g *Guard) RequireRole(role Role) func(http.Handler) http.Handler {
	return g.Protect(Requirement{Role: role})
}

// RequirePermission gates on a single permission.
func (g *Guard) RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return g.Protect(Requirement{Permission: perm})
}

// Protect evaluates req for every request and performs the matching
// side effect: waiting page, redirect, forbidden page or the handler.
func (g *Guard) Protect(req Requirement) func(http.Handler) http.Handler {
	if req.FallbackPath == "" {
		req.FallbackPath = g.loginPath()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := g.Current(r)
			decision := Evaluate(sess, req)
			if g.Metrics != nil {
				g.Metrics.ObserveAccessDecision(string(decision.State))
			}
			switch decision.State {
			case StateLoading:
				w.Header().Set("Retry-After", "2")
				g.render(w, r, "pages/guard/loading.html", "Please wait", decision, http.StatusServiceUnavailable)
			case StateUnauthenticated:
				http.Redirect(w, r, withNext(decision.Redirect, r), http.StatusSeeOther)
			case StateRoleDenied:
				g.logger().Info("access restricted", slog.String("path", r.URL.Path), slog.String("required_role", decision.Role.String()))
				g.render(w, r, "pages/guard/role_denied.html", "Access Restricted", decision, http.StatusForbidden)
			case StatePermissionDenied:
				g.logger().Info("permission required", slog.String("path", r.URL.Path), slog.String("required_permission", decision.Permission.String()))
				g.render(w, r, "pages/guard/permission_denied.html", "Permission Required", decision, http.StatusForbidden)
			default:
				next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), sess)))
			}
		})
	}
}

func (g *Guard) resolve(r *http.Request) Session {
	web := shared.SessionFromContext(r.Context())
	if web == nil || g.Resolver == nil {
		return Session{}
	}
	externalID := strings.TrimSpace(web.Principal())
	if externalID == "" {
		return Session{}
	}
	return g.Resolver.Resolve(r.Context(), externalID)
}

func (g *Guard) render(w http.ResponseWriter, r *http.Request, name, title string, decision Decision, status int) {
	if g.Templates == nil {
		http.Error(w, plainMessage(title, decision), status)
		return
	}
	var csrfToken string
	if g.CSRF != nil {
		csrfToken, _ = g.CSRF.EnsureToken(r.Context(), shared.SessionFromContext(r.Context()))
	}
	data := view.TemplateData{
		Title:       title,
		CSRFToken:   csrfToken,
		CurrentPath: r.URL.Path,
		Data: map[string]any{
			"Role":       decision.Role,
			"Permission": decision.Permission,
		},
	}
	if err := g.Templates.RenderStatus(w, status, name, data); err != nil {
		g.logger().Error("render guard page", slog.String("template", name), slog.Any("error", err))
	}
}

func (g *Guard) loginPath() string {
	if g.LoginPath != "" {
		return g.LoginPath
	}
	return DefaultFallbackPath
}

func (g *Guard) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func plainMessage(title string, decision Decision) string {
	switch decision.State {
	case StateRoleDenied:
		return title + ": role " + decision.Role.String() + " required"
	case StatePermissionDenied:
		return title + ": permission " + decision.Permission.String() + " required"
	}
	return title
}

// withNext appends the originally requested URI so sign-in can return to it.
func withNext(fallback string, r *http.Request) string {
	target, err := url.Parse(fallback)
	if err != nil {
		return fallback
	}
	q := target.Query()
	q.Set("next", r.URL.RequestURI())
	target.RawQuery = q.Encode()
	return target.String()
}
