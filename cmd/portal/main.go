package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/communityfund/ngo-portal/internal/app"
	"github.com/communityfund/ngo-portal/internal/audit"
	audithttp "github.com/communityfund/ngo-portal/internal/audit/http"
	"github.com/communityfund/ngo-portal/internal/auth"
	"github.com/communityfund/ngo-portal/internal/donations"
	"github.com/communityfund/ngo-portal/internal/identity"
	"github.com/communityfund/ngo-portal/internal/observability"
	"github.com/communityfund/ngo-portal/internal/pages"
	"github.com/communityfund/ngo-portal/internal/rbac"
	"github.com/communityfund/ngo-portal/internal/shared"
	"github.com/communityfund/ngo-portal/internal/view"
	"github.com/communityfund/ngo-portal/jobs"
	"github.com/communityfund/ngo-portal/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	backends, err := app.OpenBackends(ctx, cfg, logger)
	if err != nil {
		logger.Error("open backends", slog.Any("error", err))
		os.Exit(1)
	}
	defer backends.Close()

	sessionManager := shared.NewSessionManager(backends.Redis, "portal_session", cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	templates, err := view.NewEngine()
	if err != nil {
		logger.Error("parse templates", slog.Any("error", err))
		os.Exit(1)
	}

	auditLogger := shared.NewAuditLogger(backends.Pool)
	idempotencyStore := shared.NewIdempotencyStore(backends.Pool)
	metrics := observability.NewMetrics()

	snapshots := identity.NewSnapshotCache(backends.Redis, cfg.IdentityCacheTTL)
	resolver := identity.NewResolver(identity.ResolverConfig{
		Store:   backends.Identities,
		Cache:   snapshots,
		Logger:  logger,
		Timeout: cfg.IdentityResolveTimeout,
	})
	guard := &rbac.Guard{
		Resolver:  resolver,
		Templates: templates,
		CSRF:      csrfManager,
		Logger:    logger,
		Metrics:   metrics,
		LoginPath: cfg.LoginPath,
	}
	adminService := identity.NewAdminService(backends.Identities, snapshots, auditLogger, logger)

	tokens := auth.NewTokenVerifier(cfg.ProviderJWTSecret, cfg.ProviderJWTIssuer, cfg.ProviderJWTAudience)
	authService := auth.NewService(auth.NewRepository(backends.Pool), resolver, tokens)

	jobClient := jobs.NewClient(cfg.AsynqRedisOpt())
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	donationService := donations.NewService(
		donations.NewRepository(backends.Pool),
		donations.NewStatsCache(backends.Redis, cfg.StatsCacheTTL),
		jobClient,
		auditLogger,
		logger,
		donations.Config{Currency: cfg.DonationCurrency},
	)

	var pdf audit.PDFRenderer
	if cfg.GotenbergURL != "" {
		client := report.NewClient(cfg.GotenbergURL, cfg.GotenbergTimeout)
		if err := client.Ping(ctx); err != nil {
			logger.Warn("gotenberg unreachable, audit PDF exports will fail", slog.Any("error", err))
		}
		pdf = client
	}
	auditHandler := audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(backends.Pool)), templates, csrfManager, audit.NewExporter(pdf), guard)

	inspector := asynq.NewInspector(cfg.AsynqRedisOpt())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		Guard:              guard,
		Metrics:            metrics,
		PagesHandler:       pages.NewHandler(logger, templates, csrfManager, guard, donationService, pages.DefaultContent()),
		AuthHandler:        auth.NewHandler(logger, authService, templates, sessionManager, csrfManager),
		IdentityHandler:    identity.NewHandler(logger, adminService, templates, csrfManager, guard),
		DonationsHandler:   donations.NewHandler(logger, donationService, templates, csrfManager, guard, idempotencyStore),
		PermissionsHandler: rbac.NewPermissionsHandler(logger, templates, csrfManager, guard),
		AuditHandler:       auditHandler,
		JobHandler:         jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
