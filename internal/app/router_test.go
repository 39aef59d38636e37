package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communityfund/ngo-portal/internal/identity"
	"github.com/communityfund/ngo-portal/internal/observability"
	"github.com/communityfund/ngo-portal/internal/pages"
	"github.com/communityfund/ngo-portal/internal/rbac"
	"github.com/communityfund/ngo-portal/internal/shared"
	"github.com/communityfund/ngo-portal/internal/view"
	"github.com/communityfund/ngo-portal/jobs"
	_ "github.com/communityfund/ngo-portal/testing"
)

const cookieName = "portal_session"

type resolverStub struct {
	records map[string]*identity.Record
	loading bool
}

func (s resolverStub) Resolve(ctx context.Context, externalID string) rbac.Session {
	if s.loading {
		return rbac.Session{Loading: true}
	}
	rec, ok := s.records[externalID]
	if !ok {
		return rbac.Session{}
	}
	return rbac.Session{Principal: rec}
}

type routerFixture struct {
	handler http.Handler
	redis   *miniredis.Miniredis
}

func newRouterFixture(t *testing.T, resolver rbac.Resolver) routerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &Config{
		AppEnv:             "test",
		AppRequestTimeout:  5 * time.Second,
		LoginPath:          "/login",
		CORSAllowedOrigins: []string{"https://widget.example"},
	}
	templates, err := view.NewEngine()
	require.NoError(t, err)
	csrf := shared.NewCSRFManager("csrf-secret")
	metrics := observability.NewMetrics()
	guard := &rbac.Guard{Resolver: resolver, Templates: templates, CSRF: csrf, Metrics: metrics, LoginPath: cfg.LoginPath}

	handler := NewRouter(RouterParams{
		Logger:             NewLogger(cfg),
		Config:             cfg,
		SessionManager:     shared.NewSessionManager(client, cookieName, time.Hour, false),
		CSRFManager:        csrf,
		Guard:              guard,
		Metrics:            metrics,
		PagesHandler:       pages.NewHandler(nil, templates, csrf, guard, nil, pages.DefaultContent()),
		PermissionsHandler: rbac.NewPermissionsHandler(nil, templates, csrf, guard),
		JobHandler:         jobs.NewHandler(nil, nil),
	})
	return routerFixture{handler: handler, redis: mr}
}

// signIn stores a session for principal directly in redis and returns its
// cookie together with the csrf token.
func (f routerFixture) signIn(t *testing.T, principal string) (*http.Cookie, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"values":    map[string]string{shared.CSRFSessionKey: "tok-" + principal},
		"principal": principal,
	})
	require.NoError(t, err)
	id := "sid-" + principal
	require.NoError(t, f.redis.Set("session:"+id, string(payload)))
	return &http.Cookie{Name: cookieName, Value: id}, "tok-" + principal
}

func (f routerFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func records() map[string]*identity.Record {
	return map[string]*identity.Record{
		"local:manager": {ExternalID: "local:manager", Role: rbac.RoleManager},
		"local:donor":   {ExternalID: "local:donor", Role: rbac.RoleDonor},
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newRouterFixture(t, resolverStub{})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = f.do(httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "portal_http_requests_total")
}

func TestPublicPageSetsSessionAndSecurityHeaders(t *testing.T) {
	f := newRouterFixture(t, resolverStub{})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == cookieName {
			session = c
		}
	}
	require.NotNil(t, session)
	assert.True(t, session.HttpOnly)
	assert.True(t, f.redis.Exists("session:"+session.Value))
}

func TestStaticAssetsAreCached(t *testing.T) {
	f := newRouterFixture(t, resolverStub{})
	rec := f.do(httptest.NewRequest(http.MethodGet, "/static/css/site.css", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/css")
}

func TestAdminRedirectsAnonymousToLogin(t *testing.T) {
	f := newRouterFixture(t, resolverStub{records: records()})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/admin/permissions", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login?next=%2Fadmin%2Fpermissions", rec.Header().Get("Location"))

	rec = f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `portal_access_decisions_total{state="unauthenticated"} 1`)
}

func TestAdminHonoursRoleTable(t *testing.T) {
	f := newRouterFixture(t, resolverStub{records: records()})

	cookie, _ := f.signIn(t, "local:manager")
	req := httptest.NewRequest(http.MethodGet, "/admin/permissions", nil)
	req.AddCookie(cookie)
	rec := f.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)

	cookie, _ = f.signIn(t, "local:donor")
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.AddCookie(cookie)
	rec = f.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Permission Required")
}

func TestLoadingIdentityReturnsRetryAfter(t *testing.T) {
	f := newRouterFixture(t, resolverStub{loading: true})
	cookie, _ := f.signIn(t, "local:manager")

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.AddCookie(cookie)
	rec := f.do(req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestCSRFRequiredOnPost(t *testing.T) {
	f := newRouterFixture(t, resolverStub{records: records()})
	cookie, token := f.signIn(t, "local:manager")

	req := httptest.NewRequest(http.MethodPost, "/admin/permissions", strings.NewReader(url.Values{}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	rec := f.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/admin/permissions", strings.NewReader(url.Values{shared.CSRFFormField: {token}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	rec = f.do(req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAccessAPIWithCORS(t *testing.T) {
	f := newRouterFixture(t, resolverStub{records: records()})

	req := httptest.NewRequest(http.MethodGet, "/api/access?permission=donations_view", nil)
	req.Header.Set("Origin", "https://widget.example")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://widget.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.JSONEq(t, `{"state":"unauthenticated","redirect":"/login"}`, rec.Body.String())

	cookie, _ := f.signIn(t, "local:donor")
	req = httptest.NewRequest(http.MethodGet, "/api/access?permission=donations_view", nil)
	req.AddCookie(cookie)
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"state":"authorized"}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/access", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = f.do(req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
