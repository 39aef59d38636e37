package donations

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/communityfund/ngo-portal/internal/identity"
	"github.com/communityfund/ngo-portal/internal/rbac"
	"github.com/communityfund/ngo-portal/internal/shared"
	"github.com/communityfund/ngo-portal/internal/view"
)

const (
	perPage           = 25
	idempotencyModule = "donations"
)

// IdempotencyChecker rejects replayed form submissions.
type IdempotencyChecker interface {
	CheckAndInsert(ctx context.Context, key, module string) error
}

// Handler serves the public donation form, the admin ledger and the
// donor's own history.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	templates   *view.Engine
	csrf        *shared.CSRFManager
	guard       *rbac.Guard
	idempotency IdempotencyChecker
	validator   *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, templates *view.Engine, csrf *shared.CSRFManager, guard *rbac.Guard, idem IdempotencyChecker) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, templates: templates, csrf: csrf, guard: guard, idempotency: idem, validator: validator.New()}
}

// MountPublic registers /donate.
func (h *Handler) MountPublic(r chi.Router) {
	r.Get("/", h.showDonate)
	r.Post("/", h.submitDonate)
}

// MountAdmin registers /admin/donations. The admin area itself needs
// dashboard_view on top of the per-route permission.
func (h *Handler) MountAdmin(r chi.Router) {
	r.Use(h.guard.RequirePermission(rbac.PermDashboardView))
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequirePermission(rbac.PermDonationsView))
		r.Get("/", h.listDonations)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequirePermission(rbac.PermDonationsManage))
		r.Post("/", h.recordManual)
		r.Post("/{id}/complete", h.complete)
		r.Post("/{id}/fail", h.fail)
	})
}

// MountAccount registers /account/donations.
func (h *Handler) MountAccount(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequirePermission(rbac.PermDonationsView))
		r.Get("/", h.myDonations)
	})
}

type donateForm struct {
	Name     string `validate:"required,max=120"`
	Email    string `validate:"required,email"`
	Amount   string `validate:"required"`
	Currency string `validate:"omitempty,len=3,alpha"`
	Method   string `validate:"required,oneof=card paypal"`
	Note     string `validate:"max=500"`
}

type manualForm struct {
	Name     string `validate:"required,max=120"`
	Email    string `validate:"omitempty,email"`
	DonorID  string `validate:"max=200"`
	Amount   string `validate:"required"`
	Currency string `validate:"omitempty,len=3,alpha"`
	Note     string `validate:"max=500"`
}

func (h *Handler) showDonate(w http.ResponseWriter, r *http.Request) {
	form := donateForm{Method: string(MethodCard), Currency: h.service.Currency()}
	if rec := identity.FromContext(r.Context()); rec != nil {
		form.Name = rec.DisplayName
		form.Email = rec.Email
	}
	h.render(w, r, "pages/donations/donate.html", "Donate", h.donateData(form, nil), http.StatusOK)
}

func (h *Handler) submitDonate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := donateForm{
		Name:     strings.TrimSpace(r.PostFormValue("name")),
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Amount:   r.PostFormValue("amount"),
		Currency: strings.ToUpper(strings.TrimSpace(r.PostFormValue("currency"))),
		Method:   r.PostFormValue("method"),
		Note:     r.PostFormValue("note"),
	}
	errs := h.validate(form)
	var amount int64
	if len(errs) == 0 {
		var err error
		amount, err = ParseAmount(form.Amount, currencyOr(form.Currency, h.service.Currency()))
		if err != nil {
			errs["Amount"] = "Enter an amount such as 25 or 25.50"
		}
	}
	if len(errs) > 0 {
		h.render(w, r, "pages/donations/donate.html", "Donate", h.donateData(form, errs), http.StatusBadRequest)
		return
	}
	if key := r.PostFormValue("idempotency_key"); key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				h.redirectWithFlash(w, r, "/donate", "info", "We already received this donation. Thank you!")
				return
			}
			h.logger.Warn("donation idempotency", slog.Any("error", err))
		}
	}
	in := PledgeInput{
		DonorName:   form.Name,
		DonorEmail:  form.Email,
		AmountMinor: amount,
		Currency:    form.Currency,
		Method:      Method(form.Method),
		Note:        form.Note,
	}
	if rec := identity.FromContext(r.Context()); rec != nil {
		in.DonorID = rec.ExternalID
	}
	if _, err := h.service.Pledge(r.Context(), in); err != nil {
		if field, msg, ok := inputError(err); ok {
			h.render(w, r, "pages/donations/donate.html", "Donate", h.donateData(form, map[string]string{field: msg}), http.StatusBadRequest)
			return
		}
		h.logger.Error("pledge donation", slog.Any("error", err))
		h.render(w, r, "pages/donations/donate.html", "Donate", h.donateData(form, map[string]string{"general": shared.UserSafeMessage(err)}), http.StatusInternalServerError)
		return
	}
	h.redirectWithFlash(w, r, "/donate", "success", "Thank you! We will confirm once the payment clears.")
}

func (h *Handler) listDonations(w http.ResponseWriter, r *http.Request) {
	page := shared.PageFromRequest(r)
	status := Status(r.URL.Query().Get("status"))
	switch status {
	case StatusPending, StatusCompleted, StatusFailed:
	default:
		status = ""
	}
	filter := ListFilter{Status: status, Offset: (page - 1) * perPage, Limit: perPage}
	list, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list donations", slog.Any("error", err))
		h.render(w, r, "pages/donations/admin.html", "Donations", map[string]any{"Error": shared.UserSafeMessage(err)}, http.StatusInternalServerError)
		return
	}
	data := map[string]any{
		"Donations":  list,
		"Status":     string(status),
		"Pagination": shared.NewPagination(page, perPage, total),
		"CanManage":  rbac.HasPermission(rbac.PrincipalFromContext(r.Context()), rbac.PermDonationsManage),
		"Currency":   h.service.Currency(),
		"Errors":     map[string]string{},
		"Form":       manualForm{Currency: h.service.Currency()},
	}
	if stats, err := h.service.Stats(r.Context()); err == nil {
		data["Stats"] = stats
	} else {
		h.logger.Warn("donation stats", slog.Any("error", err))
	}
	h.render(w, r, "pages/donations/admin.html", "Donations", data, http.StatusOK)
}

func (h *Handler) recordManual(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := manualForm{
		Name:     strings.TrimSpace(r.PostFormValue("name")),
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		DonorID:  strings.TrimSpace(r.PostFormValue("donor_id")),
		Amount:   r.PostFormValue("amount"),
		Currency: strings.ToUpper(strings.TrimSpace(r.PostFormValue("currency"))),
		Note:     r.PostFormValue("note"),
	}
	errs := h.validate(form)
	var amount int64
	if len(errs) == 0 {
		var err error
		amount, err = ParseAmount(form.Amount, currencyOr(form.Currency, h.service.Currency()))
		if err != nil {
			errs["Amount"] = "Enter an amount such as 25 or 25.50"
		}
	}
	if len(errs) == 0 {
		_, err := h.service.RecordManual(r.Context(), actorID(r), PledgeInput{
			DonorID:     form.DonorID,
			DonorName:   form.Name,
			DonorEmail:  form.Email,
			AmountMinor: amount,
			Currency:    form.Currency,
			Note:        form.Note,
		})
		if err == nil {
			h.redirectWithFlash(w, r, "/admin/donations", "success", "Donation recorded")
			return
		}
		field, msg, ok := inputError(err)
		if !ok {
			h.logger.Error("record manual donation", slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		errs[field] = msg
	}
	h.render(w, r, "pages/donations/admin.html", "Donations", map[string]any{
		"Donations": []Donation{},
		"CanManage": true,
		"Currency":  h.service.Currency(),
		"Errors":    errs,
		"Form":      form,
	}, http.StatusBadRequest)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Complete, "Donation marked completed")
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Fail, "Donation marked failed")
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, actorID, id string) (Donation, error), done string) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		http.NotFound(w, r)
		return
	}
	_, err := apply(r.Context(), actorID(r), id)
	switch {
	case err == nil:
		h.redirectWithFlash(w, r, "/admin/donations", "success", done)
	case errors.Is(err, ErrNotFound):
		http.NotFound(w, r)
	case errors.Is(err, ErrNotPending):
		h.redirectWithFlash(w, r, "/admin/donations", "error", "Only pending donations can change status")
	default:
		h.logger.Error("donation transition", slog.String("id", id), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) myDonations(w http.ResponseWriter, r *http.Request) {
	page := shared.PageFromRequest(r)
	list, total, err := h.service.ListForDonor(r.Context(), actorID(r), (page-1)*perPage, perPage)
	if err != nil {
		h.logger.Error("list own donations", slog.Any("error", err))
		h.render(w, r, "pages/donations/account.html", "My donations", map[string]any{"Error": shared.UserSafeMessage(err)}, http.StatusInternalServerError)
		return
	}
	var given int64
	for _, d := range list {
		if d.Status == StatusCompleted && d.Currency == h.service.Currency() {
			given += d.AmountMinor
		}
	}
	h.render(w, r, "pages/donations/account.html", "My donations", map[string]any{
		"Donations":  list,
		"Pagination": shared.NewPagination(page, perPage, total),
		"PageTotal":  given,
		"Currency":   h.service.Currency(),
	}, http.StatusOK)
}

func (h *Handler) donateData(form donateForm, errs map[string]string) map[string]any {
	if errs == nil {
		errs = map[string]string{}
	}
	return map[string]any{
		"Form":           form,
		"Errors":         errs,
		"IdempotencyKey": uuid.NewString(),
		"Methods":        []Method{MethodCard, MethodPayPal},
	}
}

func (h *Handler) validate(form any) map[string]string {
	errs := make(map[string]string)
	if err := h.validator.Struct(form); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs[fe.Field()] = fe.Field() + " is not valid"
			}
		} else {
			errs["general"] = err.Error()
		}
	}
	return errs
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
	if rec := identity.FromContext(r.Context()); rec != nil {
		return rec.ExternalID
	}
	return ""
}

func currencyOr(code, fallback string) string {
	if code == "" {
		return fallback
	}
	return code
}

func inputError(err error) (field, msg string, ok bool) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "Amount", "Amount must be greater than zero", true
	case errors.Is(err, ErrInvalidCurrency):
		return "Currency", "Unknown currency code", true
	case errors.Is(err, ErrInvalidMethod):
		return "Method", "Choose card or PayPal", true
	}
	return "", "", false
}
