// Package identity keeps the persisted record of every authenticated
// principal: its role, explicit permission overrides and profile data.
package identity

import (
	"errors"
	"sort"
	"time"

	"github.com/communityfund/ngo-portal/internal/rbac"
)

var (
	// ErrNotFound indicates no record exists for the external id.
	ErrNotFound = errors.New("identity: not found")
	// ErrForbidden indicates the actor may not perform an admin mutation.
	ErrForbidden = errors.New("identity: forbidden")
	// ErrInvalidRole indicates a role outside the closed role set.
	ErrInvalidRole = errors.New("identity: invalid role")
	// ErrInvalidPermission indicates a permission outside the catalogue.
	ErrInvalidPermission = errors.New("identity: invalid permission")
	// ErrLastAdmin prevents demoting the only remaining admin.
	ErrLastAdmin = errors.New("identity: cannot demote the last admin")
	// ErrBootstrapClosed indicates an admin already exists.
	ErrBootstrapClosed = errors.New("identity: bootstrap closed, an admin already exists")
	// ErrMissingExternalID indicates a principal without an id.
	ErrMissingExternalID = errors.New("identity: external id required")
)

// Principal is what the identity provider hands over after a successful
// sign-in.
type Principal struct {
	ExternalID  string
	DisplayName string
	Email       string
	Verified    bool
}

// Record is the persisted identity of one principal.
type Record struct {
	ExternalID   string            `json:"external_id"`
	DisplayName  string            `json:"display_name"`
	Email        string            `json:"email"`
	Role         rbac.Role         `json:"role"`
	Permissions  []rbac.Permission `json:"permissions"`
	Verified     bool              `json:"verified"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAccessAt time.Time         `json:"last_access_at"`
}

// AssignedRole implements rbac.Principal.
func (r *Record) AssignedRole() rbac.Role {
	if r == nil {
		return ""
	}
	return r.Role
}

// GrantedPermissions implements rbac.Principal.
func (r *Record) GrantedPermissions() []rbac.Permission {
	if r == nil {
		return nil
	}
	return r.Permissions
}

// Normalize applies the fail-closed defaults: an unknown or empty role
// becomes visitor, unknown overrides are dropped, duplicates collapse.
func (r Record) Normalize() Record {
	if !r.Role.Valid() {
		r.Role = rbac.DefaultRole
	}
	r.Permissions = cleanPermissions(r.Permissions)
	return r
}

// Clone returns a copy that shares no slices with r.
func (r Record) Clone() Record {
	if r.Permissions != nil {
		perms := make([]rbac.Permission, len(r.Permissions))
		copy(perms, r.Permissions)
		r.Permissions = perms
	}
	return r
}

// NewRecord builds the default record for a first sign-in.
func NewRecord(p Principal, now time.Time) Record {
	return Record{
		ExternalID:   p.ExternalID,
		DisplayName:  p.DisplayName,
		Email:        p.Email,
		Role:         rbac.DefaultRole,
		Permissions:  []rbac.Permission{},
		Verified:     p.Verified,
		CreatedAt:    now,
		LastAccessAt: now,
	}
}

func cleanPermissions(perms []rbac.Permission) []rbac.Permission {
	set := rbac.NewPermissionSet()
	for _, p := range perms {
		if p.Valid() {
			set[p] = struct{}{}
		}
	}
	return set.Sorted()
}

func permissionsFromStrings(raw []string) []rbac.Permission {
	perms := make([]rbac.Permission, 0, len(raw))
	for _, s := range raw {
		perms = append(perms, rbac.Permission(s))
	}
	return perms
}

func permissionStrings(perms []rbac.Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}
