package audithttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/communityfund/ngo-portal/internal/audit"
	"github.com/communityfund/ngo-portal/internal/identity"
	"github.com/communityfund/ngo-portal/internal/platform/httpx"
	"github.com/communityfund/ngo-portal/internal/rbac"
	"github.com/communityfund/ngo-portal/internal/shared"
	"github.com/communityfund/ngo-portal/internal/view"
)

type stubTimelineService struct {
	result      audit.Result
	exportRows  []audit.TimelineRow
	lastFilters audit.TimelineFilters
}

func (s *stubTimelineService) Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error) {
	s.lastFilters = filters
	return s.result, nil
}

func (s *stubTimelineService) Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.TimelineRow, error) {
	s.lastFilters = filters
	return s.exportRows, nil
}

type stubResolver map[string]*identity.Record

func (s stubResolver) Resolve(ctx context.Context, externalID string) rbac.Session {
	rec, ok := s[externalID]
	if !ok {
		return rbac.Session{}
	}
	return rbac.Session{Principal: rec}
}

func newAuditRouter(t *testing.T, service *stubTimelineService, exporter Exporter) http.Handler {
	t.Helper()
	templates, err := view.NewEngine()
	require.NoError(t, err)
	guard := &rbac.Guard{
		Resolver: stubResolver{
			"u:admin":   {ExternalID: "u:admin", Role: rbac.RoleAdmin},
			"u:manager": {ExternalID: "u:manager", Role: rbac.RoleManager},
		},
		Templates: templates,
	}
	handler := NewHandler(nil, service, templates, shared.NewCSRFManager("csrf"), exporter, guard)
	handler.now = func() time.Time { return time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC) }
	r := chi.NewRouter()
	r.Use(guard.Attach)
	r.Route("/admin/audit", handler.MountRoutes)
	return r
}

func get(router http.Handler, as, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	sess := &shared.Session{ID: "s-" + as}
	if as != "" {
		sess.SetPrincipal(as)
	}
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestTimelineRequiresUsersManage(t *testing.T) {
	router := newAuditRouter(t, &stubTimelineService{}, audit.NewExporter(nil))

	rr := get(router, "", "/admin/audit/")
	require.Equal(t, http.StatusSeeOther, rr.Code)

	rr = get(router, "u:manager", "/admin/audit/")
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Contains(t, rr.Body.String(), "users_manage")
}

func TestTimelineRendersRows(t *testing.T) {
	rows := []audit.TimelineRow{{
		At:       time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		Actor:    "u:admin",
		Action:   "identity.role_assigned",
		Entity:   "identity",
		EntityID: "u:7",
		Detail:   "from=visitor to=donor",
	}}
	service := &stubTimelineService{result: audit.Result{Rows: rows, Paging: audit.PagingInfo{Page: 1, PageSize: 20}}}
	router := newAuditRouter(t, service, audit.NewExporter(nil))

	rr := get(router, "u:admin", "/admin/audit/?from=2026-03-01&to=2026-03-15&actor=u:admin")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "identity.role_assigned")
	require.Contains(t, rr.Body.String(), "from=visitor to=donor")
	require.Equal(t, "2026-03-01", service.lastFilters.From.Format("2006-01-02"))
	require.Equal(t, "u:admin", service.lastFilters.Actor)
}

func TestTimelineDefaultsToLastWeek(t *testing.T) {
	service := &stubTimelineService{}
	router := newAuditRouter(t, service, audit.NewExporter(nil))

	rr := get(router, "u:admin", "/admin/audit/")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "2026-03-08", service.lastFilters.From.Format("2006-01-02"))
	require.Equal(t, "2026-03-15", service.lastFilters.To.Format("2006-01-02"))
	require.Equal(t, defaultPageSize, service.lastFilters.PageSize)
}

func TestTimelineRejectsBadFilters(t *testing.T) {
	router := newAuditRouter(t, &stubTimelineService{}, audit.NewExporter(nil))
	for _, target := range []string{
		"/admin/audit/?from=2026-03-10&to=2026-03-01",
		"/admin/audit/?from=2025-01-01&to=2026-03-01",
		"/admin/audit/?to=yesterday",
		"/admin/audit/?page=0",
	} {
		rr := get(router, "u:admin", target)
		require.Equal(t, http.StatusBadRequest, rr.Code, target)
	}
}

func TestExportCSV(t *testing.T) {
	service := &stubTimelineService{exportRows: []audit.TimelineRow{{Actor: "u:admin", Action: "identity.role_assigned"}}}
	router := newAuditRouter(t, service, audit.NewExporter(nil))

	rr := get(router, "u:admin", "/admin/audit/export.csv?from=2026-03-01&to=2026-03-05")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Header().Get("Content-Type"), "text/csv")
	require.Contains(t, rr.Body.String(), "identity.role_assigned")
}

func TestExportIsRateLimitedPerPrincipal(t *testing.T) {
	router := newAuditRouter(t, &stubTimelineService{}, audit.NewExporter(nil))
	for i := 0; i < rateLimit; i++ {
		require.Equal(t, http.StatusOK, get(router, "u:admin", "/admin/audit/export.csv").Code)
	}
	rr := get(router, "u:admin", "/admin/audit/export.csv")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Equal(t, httpx.RetryAfterSeconds, rr.Header().Get("Retry-After"))
}

func TestPDFNotConfigured(t *testing.T) {
	router := newAuditRouter(t, &stubTimelineService{}, audit.NewExporter(nil))
	rr := get(router, "u:admin", "/admin/audit/export.pdf")
	require.Equal(t, http.StatusNotImplemented, rr.Code)
}
