package rbac

import "sort"

// Role is the coarse-grained category assigned to a principal.
type Role string

// Roles known to the portal. The set is closed.
const (
	RoleAdmin     Role = "admin"
	RoleManager   Role = "manager"
	RoleVolunteer Role = "volunteer"
	RoleDonor     Role = "donor"
	RoleVisitor   Role = "visitor"
)

// DefaultRole is assigned on first authentication.
const DefaultRole = RoleVisitor

var allRoles = []Role{RoleAdmin, RoleManager, RoleVolunteer, RoleDonor, RoleVisitor}

// Roles returns every role in display order.
func Roles() []Role {
	out := make([]Role, len(allRoles))
	copy(out, allRoles)
	return out
}

// Valid reports whether r belongs to the closed role set.
func (r Role) Valid() bool {
	for _, known := range allRoles {
		if r == known {
			return true
		}
	}
	return false
}

func (r Role) String() string { return string(r) }

// ParseRole matches s exactly (case-sensitive) against the role set.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	if !r.Valid() {
		return "", false
	}
	return r, true
}

// Permission is a fine-grained capability. Permissions never compose.
type Permission string

// Permission catalogue.
const (
	PermDashboardView   Permission = "dashboard_view"
	PermProjectsView    Permission = "projects_view"
	PermProjectsCreate  Permission = "projects_create"
	PermProjectsEdit    Permission = "projects_edit"
	PermProjectsDelete  Permission = "projects_delete"
	PermBlogView        Permission = "blog_view"
	PermBlogCreate      Permission = "blog_create"
	PermBlogEdit        Permission = "blog_edit"
	PermBlogDelete      Permission = "blog_delete"
	PermCoursesView     Permission = "courses_view"
	PermCoursesCreate   Permission = "courses_create"
	PermCoursesEdit     Permission = "courses_edit"
	PermCoursesDelete   Permission = "courses_delete"
	PermDonationsView   Permission = "donations_view"
	PermDonationsManage Permission = "donations_manage"
	PermUsersView       Permission = "users_view"
	PermUsersManage     Permission = "users_manage"
	PermAnalyticsView   Permission = "analytics_view"
	PermSettingsManage  Permission = "settings_manage"
)

var catalogue = []Permission{
	PermDashboardView,
	PermProjectsView, PermProjectsCreate, PermProjectsEdit, PermProjectsDelete,
	PermBlogView, PermBlogCreate, PermBlogEdit, PermBlogDelete,
	PermCoursesView, PermCoursesCreate, PermCoursesEdit, PermCoursesDelete,
	PermDonationsView, PermDonationsManage,
	PermUsersView, PermUsersManage,
	PermAnalyticsView,
	PermSettingsManage,
}

// Catalogue returns every known permission.
func Catalogue() []Permission {
	out := make([]Permission, len(catalogue))
	copy(out, catalogue)
	return out
}

// Valid reports whether p belongs to the catalogue.
func (p Permission) Valid() bool {
	for _, known := range catalogue {
		if p == known {
			return true
		}
	}
	return false
}

func (p Permission) String() string { return string(p) }

// ParsePermission matches s exactly against the catalogue.
func ParsePermission(s string) (Permission, bool) {
	p := Permission(s)
	if !p.Valid() {
		return "", false
	}
	return p, true
}

// PermissionSet is an unordered set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from perms.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Union returns a new set holding s and every element of extra.
func (s PermissionSet) Union(extra ...Permission) PermissionSet {
	out := make(PermissionSet, len(s)+len(extra))
	for p := range s {
		out[p] = struct{}{}
	}
	for _, p := range extra {
		out[p] = struct{}{}
	}
	return out
}

// SubsetOf reports whether every element of s is in other.
func (s PermissionSet) SubsetOf(other PermissionSet) bool {
	for p := range s {
		if !other.Has(p) {
			return false
		}
	}
	return true
}

// Sorted returns the members in lexical order.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
