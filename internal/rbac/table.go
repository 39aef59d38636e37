package rbac

// rolePermissions is fixed at build time. Admin is filled from the catalogue
// so it always holds every permission.
var rolePermissions = map[Role]PermissionSet{
	RoleAdmin: NewPermissionSet(catalogue...),
	RoleManager: NewPermissionSet(
		PermDashboardView,
		PermProjectsView, PermProjectsCreate, PermProjectsEdit,
		PermBlogView, PermBlogCreate, PermBlogEdit,
		PermCoursesView, PermCoursesCreate, PermCoursesEdit,
		PermDonationsView, PermDonationsManage,
		PermUsersView,
		PermAnalyticsView,
	),
	RoleVolunteer: NewPermissionSet(
		PermDashboardView,
		PermProjectsView,
		PermBlogView, PermBlogCreate,
		PermCoursesView,
	),
	RoleDonor: NewPermissionSet(
		PermProjectsView,
		PermBlogView,
		PermCoursesView,
		PermDonationsView,
	),
	RoleVisitor: NewPermissionSet(
		PermProjectsView,
		PermBlogView,
		PermCoursesView,
	),
}

// PermissionsFor returns a copy of the default permission set of role.
// Values outside the role set yield an empty set.
func PermissionsFor(role Role) PermissionSet {
	return rolePermissions[role].Union()
}
