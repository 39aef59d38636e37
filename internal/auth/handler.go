package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/communityfund/ngo-portal/internal/identity"
	"github.com/communityfund/ngo-portal/internal/platform/httpx"
	"github.com/communityfund/ngo-portal/internal/shared"
	"github.com/communityfund/ngo-portal/internal/view"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	templates      *view.Engine
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, templates *view.Engine, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		templates:      templates,
		sessionManager: sessions,
		csrfManager:    csrf,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/login", h.showLogin)
	r.Post("/login", h.handleLogin)
	r.Get("/signup", h.showSignup)
	r.Post("/signup", h.handleSignup)
	r.Post("/provider", h.handleProvider)
	r.Post("/logout", h.handleLogout)
}

// ShowLogin serves the sign-in page; mounted again at the guard fallback path.
func (h *Handler) ShowLogin(w http.ResponseWriter, r *http.Request) {
	h.showLogin(w, r)
}

type loginForm struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=8"`
}

type signupForm struct {
	Name     string `validate:"required,max=120"`
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=8,max=72"`
}

type providerForm struct {
	IDToken string `json:"id_token" validate:"required"`
}

type loginPageData struct {
	Form   loginForm
	Next   string
	Errors map[string]string
}

type signupPageData struct {
	Form   signupForm
	Errors map[string]string
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	data := loginPageData{Next: safeNext(r.URL.Query().Get("next")), Errors: map[string]string{}}
	h.render(w, r, "pages/login.html", "Sign in", data, http.StatusOK)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := loginForm{
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}
	next := safeNext(r.PostFormValue("next"))
	errs := h.validate(form)
	if len(errs) == 0 {
		rec, err := h.service.Authenticate(r.Context(), form.Email, form.Password)
		if err == nil {
			h.establish(w, r, rec, next)
			return
		}
		if !errors.Is(err, shared.ErrInvalidCredentials) {
			h.logger.Error("authenticate", slog.Any("error", err))
		}
		errs["general"] = shared.UserSafeMessage(shared.ErrInvalidCredentials)
	}
	form.Password = ""
	h.render(w, r, "pages/login.html", "Sign in", loginPageData{Form: form, Next: next, Errors: errs}, http.StatusBadRequest)
}

func (h *Handler) showSignup(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/signup.html", "Create account", signupPageData{Errors: map[string]string{}}, http.StatusOK)
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := signupForm{
		Name:     strings.TrimSpace(r.PostFormValue("name")),
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}
	errs := h.validate(form)
	if len(errs) == 0 {
		rec, err := h.service.Register(r.Context(), form.Name, form.Email, form.Password)
		if err == nil {
			h.establish(w, r, rec, "/")
			return
		}
		if !errors.Is(err, shared.ErrEmailTaken) {
			h.logger.Error("register", slog.Any("error", err))
		}
		errs["general"] = shared.UserSafeMessage(err)
	}
	form.Password = ""
	h.render(w, r, "pages/signup.html", "Create account", signupPageData{Form: form, Errors: errs}, http.StatusBadRequest)
}

// handleProvider exchanges a provider ID token for a portal session. It
// answers JSON because the caller is the provider's client-side widget.
func (h *Handler) handleProvider(w http.ResponseWriter, r *http.Request) {
	var form providerForm
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := httpx.DecodeJSON(r, &form); err != nil {
			httpx.RespondError(w, httpx.ErrValidation)
			return
		}
	} else {
		form.IDToken = r.PostFormValue("id_token")
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	rec, err := h.service.AuthenticateToken(r.Context(), form.IDToken)
	if err != nil {
		if IsTokenError(err) {
			h.logger.Info("provider token rejected", slog.Any("error", err))
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		h.logger.Error("provider sign in", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.startSession(r, rec)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"external_id": rec.ExternalID,
		"role":        rec.Role,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		h.service.SignOut(r.Context(), sess.Principal())
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		h.sessionManager.Destroy(sess)
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) establish(w http.ResponseWriter, r *http.Request, rec identity.Record, next string) {
	if sess := h.startSession(r, rec); sess != nil {
		name := rec.DisplayName
		if name == "" {
			name = rec.Email
		}
		sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Welcome back, " + name})
	}
	http.Redirect(w, r, next, http.StatusSeeOther)
}

// startSession binds rec to a fresh session id and CSRF token.
func (h *Handler) startSession(r *http.Request, rec identity.Record) *shared.Session {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during sign in")
		return nil
	}
	h.sessionManager.Renew(sess)
	h.csrfManager.Rotate(sess)
	sess.SetPrincipal(rec.ExternalID)
	expiresAt := time.Now().Add(h.sessionManager.TTL())
	if err := h.service.RegisterSession(r.Context(), sess.ID, rec.ExternalID, expiresAt, r.RemoteAddr, r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}
	return sess
}

func (h *Handler) validate(form any) map[string]string {
	errs := make(map[string]string)
	if err := h.validator.Struct(form); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				errs[fieldErr.Field()] = fieldMessage(fieldErr)
			}
		} else {
			errs["general"] = err.Error()
		}
	}
	return errs
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, template, title string, data any, status int) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrfManager.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       title,
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Data:        data,
	}
	if err := h.templates.RenderStatus(w, status, template, viewData); err != nil {
		h.logger.Error("render auth page", slog.String("template", template), slog.Any("error", err))
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return "Enter a valid email address"
	case "min":
		return fe.Field() + " must be at least " + fe.Param() + " characters"
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	}
	return fe.Error()
}

// safeNext keeps post-login redirects on this site.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, "\\") {
		return "/"
	}
	return next
}

// ShowLoginForTest exposes the GET handler for tests.
func (h *Handler) ShowLoginForTest(w http.ResponseWriter, r *http.Request) {
	h.showLogin(w, r)
}

// HandleLoginForTest exposes the POST handler for tests.
func (h *Handler) HandleLoginForTest(w http.ResponseWriter, r *http.Request) {
	h.handleLogin(w, r)
}
