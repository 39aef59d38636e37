package identity

import (
	"context"
	"time"

	"github.com/communityfund/ngo-portal/internal/rbac"
)

// Store persists identity records. Implementations never delete.
type Store interface {
	// FindOrCreate returns the record for p.ExternalID, creating it with the
	// default role when missing, and sets its last access time to now.
	FindOrCreate(ctx context.Context, p Principal, now time.Time) (Record, error)
	Get(ctx context.Context, externalID string) (Record, error)
	// SetRole replaces the role of an existing record. Role changes are
	// serialised: check sees the current record and the admin count as of
	// the write and may cancel it by returning an error.
	SetRole(ctx context.Context, externalID string, role rbac.Role, check RoleCheck) (Record, error)
	// AddPermissions unions perms into the record's overrides.
	AddPermissions(ctx context.Context, externalID string, perms []rbac.Permission) (Record, error)
	List(ctx context.Context, offset, limit int) ([]Record, int, error)
}

// RoleCheck vets a role change against the stored record and the number
// of admins. A nil RoleCheck accepts every change.
type RoleCheck func(current Record, admins int) error
