package rbac

// Principal describes the authenticated actor as seen by the evaluator.
type Principal interface {
	AssignedRole() Role
	GrantedPermissions() []Permission
}

// HasRole reports whether p holds exactly role. There is no role hierarchy:
// an admin does not satisfy a manager check.
func HasRole(p Principal, role Role) bool {
	if p == nil || !role.Valid() {
		return false
	}
	return p.AssignedRole() == role
}

// HasPermission reports whether perm is in the role defaults of p or in its
// explicit overrides.
func HasPermission(p Principal, perm Permission) bool {
	if p == nil || perm == "" {
		return false
	}
	if PermissionsFor(p.AssignedRole()).Has(perm) {
		return true
	}
	for _, granted := range p.GrantedPermissions() {
		if granted == perm {
			return true
		}
	}
	return false
}

// EffectivePermissions returns the role defaults of p united with its
// overrides. Overrides only ever add.
func EffectivePermissions(p Principal) PermissionSet {
	if p == nil {
		return PermissionSet{}
	}
	return PermissionsFor(p.AssignedRole()).Union(p.GrantedPermissions()...)
}

// Requirement declares what a protected resource needs. Empty fields are
// not checked.
type Requirement struct {
	Role         Role
	Permission   Permission
	FallbackPath string
}

// Allows reports whether every declared requirement holds for p.
func (req Requirement) Allows(p Principal) bool {
	if p == nil {
		return false
	}
	if req.Role != "" && !HasRole(p, req.Role) {
		return false
	}
	if req.Permission != "" && !HasPermission(p, req.Permission) {
		return false
	}
	return true
}
