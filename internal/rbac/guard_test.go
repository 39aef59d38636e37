package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateLoadingWins(t *testing.T) {
	reqs := []Requirement{{}, {Role: RoleAdmin}, {Permission: PermDashboardView}}
	for _, req := range reqs {
		assert.Equal(t, StateLoading, Evaluate(Session{Loading: true}, req).State)
		assert.Equal(t, StateLoading, Evaluate(Session{Loading: true, Principal: stubPrincipal{role: RoleAdmin}}, req).State)
	}
}

func TestEvaluateRedirectsWithoutPrincipal(t *testing.T) {
	for _, req := range []Requirement{{}, {Role: RoleAdmin}, {Permission: PermProjectsView}} {
		got := Evaluate(Session{}, req)
		assert.Equal(t, StateUnauthenticated, got.State)
		assert.Equal(t, DefaultFallbackPath, got.Redirect)
	}
	got := Evaluate(Session{}, Requirement{FallbackPath: "/auth/login"})
	assert.Equal(t, "/auth/login", got.Redirect)
}

func TestEvaluateRoleBeforePermission(t *testing.T) {
	volunteer := stubPrincipal{role: RoleVolunteer}
	got := Evaluate(Session{Principal: volunteer}, Requirement{Role: RoleManager, Permission: PermDashboardView})
	assert.Equal(t, StateRoleDenied, got.State)
	assert.Equal(t, RoleManager, got.Role)
	assert.Empty(t, got.Permission)
}

func TestEvaluatePermissionDenied(t *testing.T) {
	volunteer := stubPrincipal{role: RoleVolunteer}
	got := Evaluate(Session{Principal: volunteer}, Requirement{Role: RoleVolunteer, Permission: PermDonationsManage})
	assert.Equal(t, StatePermissionDenied, got.State)
	assert.Equal(t, PermDonationsManage, got.Permission)

	got = Evaluate(Session{Principal: volunteer}, Requirement{Permission: PermDonationsManage})
	assert.Equal(t, StatePermissionDenied, got.State)
}

func TestEvaluateScenarios(t *testing.T) {
	cases := []struct {
		name string
		sess Session
		req  Requirement
		want Decision
	}{
		{
			name: "donor sees donations",
			sess: Session{Principal: stubPrincipal{role: RoleDonor}},
			req:  Requirement{Permission: PermDonationsView},
			want: Decision{State: StateAuthorized},
		},
		{
			name: "volunteer is not admin",
			sess: Session{Principal: stubPrincipal{role: RoleVolunteer}},
			req:  Requirement{Role: RoleAdmin},
			want: Decision{State: StateRoleDenied, Role: RoleAdmin},
		},
		{
			name: "visitor with analytics override",
			sess: Session{Principal: stubPrincipal{role: RoleVisitor, perms: []Permission{PermAnalyticsView}}},
			req:  Requirement{Permission: PermAnalyticsView},
			want: Decision{State: StateAuthorized},
		},
		{
			name: "anonymous admin page",
			sess: Session{},
			req:  Requirement{Role: RoleAdmin},
			want: Decision{State: StateUnauthenticated, Redirect: "/login"},
		},
		{
			name: "admin is not manager",
			sess: Session{Principal: stubPrincipal{role: RoleAdmin}},
			req:  Requirement{Role: RoleManager},
			want: Decision{State: StateRoleDenied, Role: RoleManager},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Evaluate(tc.sess, tc.req))
		})
	}
}
