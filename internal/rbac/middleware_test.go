package rbac_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communityfund/ngo-portal/internal/rbac"
	"github.com/communityfund/ngo-portal/internal/shared"
	"github.com/communityfund/ngo-portal/internal/view"
	_ "github.com/communityfund/ngo-portal/testing"
)

type member struct {
	role  rbac.Role
	perms []rbac.Permission
}

func (m member) AssignedRole() rbac.Role               { return m.role }
func (m member) GrantedPermissions() []rbac.Permission { return m.perms }

type stubResolver struct {
	sessions map[string]rbac.Session
	calls    int
}

func (s *stubResolver) Resolve(ctx context.Context, externalID string) rbac.Session {
	s.calls++
	return s.sessions[externalID]
}

type countingRecorder struct {
	states []string
}

func (c *countingRecorder) ObserveAccessDecision(state string) {
	c.states = append(c.states, state)
}

func newGuard(t *testing.T, resolver rbac.Resolver, metrics rbac.DecisionRecorder) *rbac.Guard {
	t.Helper()
	templates, err := view.NewEngine()
	require.NoError(t, err)
	return &rbac.Guard{Resolver: resolver, Templates: templates, Metrics: metrics}
}

func requestAs(user string, target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	sess := &shared.Session{}
	if user != "" {
		sess.SetPrincipal(user)
	}
	return req.WithContext(shared.ContextWithSession(req.Context(), sess))
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if rbac.PrincipalFromContext(r.Context()) == nil {
		http.Error(w, "principal missing", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write([]byte("protected content"))
})

func TestProtectRedirectsAnonymous(t *testing.T) {
	guard := newGuard(t, &stubResolver{}, nil)
	rr := httptest.NewRecorder()
	guard.Protect(rbac.Requirement{Role: rbac.RoleAdmin})(okHandler).ServeHTTP(rr, requestAs("", "/admin/users?page=2"))

	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/login?next=%2Fadmin%2Fusers%3Fpage%3D2", rr.Header().Get("Location"))
}

func TestProtectUsesConfiguredLoginPath(t *testing.T) {
	guard := newGuard(t, &stubResolver{}, nil)
	guard.LoginPath = "/auth/login"
	rr := httptest.NewRecorder()
	guard.RequirePermission(rbac.PermDashboardView)(okHandler).ServeHTTP(rr, requestAs("", "/admin"))

	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.True(t, strings.HasPrefix(rr.Header().Get("Location"), "/auth/login?next="))
}

func TestProtectLoadingRendersWaitingPage(t *testing.T) {
	resolver := &stubResolver{sessions: map[string]rbac.Session{"local:1": {Loading: true}}}
	guard := newGuard(t, resolver, nil)
	rr := httptest.NewRecorder()
	guard.RequireRole(rbac.RoleAdmin)(okHandler).ServeHTTP(rr, requestAs("local:1", "/admin"))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))
	assert.NotContains(t, rr.Body.String(), "protected content")
}

func TestProtectRoleDeniedNamesRole(t *testing.T) {
	resolver := &stubResolver{sessions: map[string]rbac.Session{"local:1": {Principal: member{role: rbac.RoleAdmin}}}}
	recorder := &countingRecorder{}
	guard := newGuard(t, resolver, recorder)
	rr := httptest.NewRecorder()
	guard.RequireRole(rbac.RoleManager)(okHandler).ServeHTTP(rr, requestAs("local:1", "/manager"))

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "Access Restricted")
	assert.Contains(t, rr.Body.String(), "manager")
	assert.Equal(t, []string{"role_denied"}, recorder.states)
}

func TestProtectPermissionDeniedNamesPermission(t *testing.T) {
	resolver := &stubResolver{sessions: map[string]rbac.Session{"local:2": {Principal: member{role: rbac.RoleVolunteer}}}}
	guard := newGuard(t, resolver, nil)
	rr := httptest.NewRecorder()
	guard.Protect(rbac.Requirement{Role: rbac.RoleVolunteer, Permission: rbac.PermDonationsManage})(okHandler).ServeHTTP(rr, requestAs("local:2", "/admin/donations"))

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "Permission Required")
	assert.Contains(t, rr.Body.String(), "donations_manage")
}

func TestProtectAuthorizedServesContent(t *testing.T) {
	resolver := &stubResolver{sessions: map[string]rbac.Session{"local:3": {Principal: member{role: rbac.RoleVisitor, perms: []rbac.Permission{rbac.PermAnalyticsView}}}}}
	recorder := &countingRecorder{}
	guard := newGuard(t, resolver, recorder)
	rr := httptest.NewRecorder()
	guard.RequirePermission(rbac.PermAnalyticsView)(okHandler).ServeHTTP(rr, requestAs("local:3", "/admin/analytics"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "protected content", rr.Body.String())
	assert.Equal(t, []string{"authorized"}, recorder.states)
}

func TestAttachResolvesOnce(t *testing.T) {
	resolver := &stubResolver{sessions: map[string]rbac.Session{"local:4": {Principal: member{role: rbac.RoleAdmin}}}}
	guard := newGuard(t, resolver, nil)
	chain := guard.Attach(guard.RequireRole(rbac.RoleAdmin)(guard.RequirePermission(rbac.PermUsersManage)(okHandler)))
	rr := httptest.NewRecorder()
	chain.ServeHTTP(rr, requestAs("local:4", "/admin/users"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, resolver.calls)
}

func TestProtectWithoutTemplatesFallsBackToPlainText(t *testing.T) {
	resolver := &stubResolver{sessions: map[string]rbac.Session{"local:5": {Principal: member{role: rbac.RoleDonor}}}}
	guard := &rbac.Guard{Resolver: resolver}
	rr := httptest.NewRecorder()
	guard.RequirePermission(rbac.PermUsersView)(okHandler).ServeHTTP(rr, requestAs("local:5", "/admin/users"))

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "permission users_view required")
}

func TestCheckAccessAPI(t *testing.T) {
	resolver := &stubResolver{sessions: map[string]rbac.Session{"local:6": {Principal: member{role: rbac.RoleDonor}}}}
	guard := newGuard(t, resolver, nil)
	handler := rbac.NewPermissionsHandler(nil, guard.Templates, shared.NewCSRFManager("secret"), guard)

	rr := httptest.NewRecorder()
	handler.CheckAccessForTest(rr, requestAs("local:6", "/api/access?permission=donations_view"))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"state":"authorized"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	handler.CheckAccessForTest(rr, requestAs("local:6", "/api/access?role=admin"))
	assert.JSONEq(t, `{"state":"role_denied","required_role":"admin"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	handler.CheckAccessForTest(rr, requestAs("", "/api/access?role=admin"))
	assert.JSONEq(t, `{"state":"unauthenticated","redirect":"/login"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	handler.CheckAccessForTest(rr, requestAs("local:6", "/api/access?role=Admin"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
