package app

import (
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	audithttp "github.com/communityfund/ngo-portal/internal/audit/http"
	"github.com/communityfund/ngo-portal/internal/auth"
	"github.com/communityfund/ngo-portal/internal/donations"
	"github.com/communityfund/ngo-portal/internal/identity"
	"github.com/communityfund/ngo-portal/internal/observability"
	"github.com/communityfund/ngo-portal/internal/pages"
	"github.com/communityfund/ngo-portal/internal/rbac"
	"github.com/communityfund/ngo-portal/internal/shared"
	"github.com/communityfund/ngo-portal/jobs"
	"github.com/communityfund/ngo-portal/web"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Guard          *rbac.Guard
	Metrics        *observability.Metrics

	PagesHandler       *pages.Handler
	AuthHandler        *auth.Handler
	IdentityHandler    *identity.Handler
	DonationsHandler   *donations.Handler
	PermissionsHandler *rbac.PermissionsHandler
	AuditHandler       *audithttp.Handler
	JobHandler         *jobs.Handler

	// AuthRequestsPerMin bounds sign-in attempts per client IP.
	AuthRequestsPerMin int
}

// NewRouter constructs the chi.Router with portal defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
		Guard:          params.Guard,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	if params.PagesHandler != nil {
		params.PagesHandler.MountPublic(r)
	}

	if params.AuthHandler != nil {
		authLimit := params.AuthRequestsPerMin
		if authLimit <= 0 {
			authLimit = 20
		}
		r.Route("/auth", func(r chi.Router) {
			r.Use(httprate.Limit(authLimit, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(rateLimited),
			))
			params.AuthHandler.MountRoutes(r)
		})
		if path := loginPath(params.Config); !strings.HasPrefix(path, "/auth/") {
			r.Get(path, params.AuthHandler.ShowLogin)
		}
	}

	if params.DonationsHandler != nil {
		r.Route("/donate", params.DonationsHandler.MountPublic)
		r.Route("/account/donations", params.DonationsHandler.MountAccount)
	}

	r.Route("/admin", func(r chi.Router) {
		if params.PagesHandler != nil {
			params.PagesHandler.MountDashboard(r)
		}
		if params.IdentityHandler != nil {
			r.Route("/users", params.IdentityHandler.MountRoutes)
		}
		if params.DonationsHandler != nil {
			r.Route("/donations", params.DonationsHandler.MountAdmin)
		}
		if params.PermissionsHandler != nil {
			r.Route("/permissions", params.PermissionsHandler.MountRoutes)
		}
		if params.AuditHandler != nil {
			r.Route("/audit", params.AuditHandler.MountRoutes)
		}
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(corsOptions(params.Config)))
		if params.IdentityHandler != nil {
			params.IdentityHandler.MountAPI(r)
		}
		if params.PermissionsHandler != nil {
			params.PermissionsHandler.MountAPI(r)
		}
	})

	staticFS, err := fs.Sub(web.Static, "static")
	if err != nil {
		params.Logger.Error("create static sub filesystem", slog.Any("error", err))
	} else {
		fileServer := http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))
		r.Handle("/static/*", staticCacheHandler(fileServer))
	}

	return r
}

func corsOptions(cfg *Config) cors.Options {
	var origins []string
	if cfg != nil {
		origins = cfg.CORSAllowedOrigins
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", shared.CSRFHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func loginPath(cfg *Config) string {
	if cfg == nil || cfg.LoginPath == "" {
		return rbac.DefaultFallbackPath
	}
	return cfg.LoginPath
}

// staticCacheHandler lets browsers keep embedded assets for an hour.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}
