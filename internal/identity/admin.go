package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/communityfund/ngo-portal/internal/rbac"
	"github.com/communityfund/ngo-portal/internal/shared"
)

// Audit actions written by AdminService.
const (
	AuditActionRoleAssigned       = "identity.role_assigned"
	AuditActionPermissionsGranted = "identity.permissions_granted"
	AuditActionAdminBootstrapped  = "identity.admin_bootstrapped"

	auditEntity = "identity"
	// SystemActor marks mutations performed outside a signed-in session.
	SystemActor = "system:bootstrap"
)

var errRoleUnchanged = errors.New("identity: role unchanged")

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// AdminService is the only path that changes roles or permission
// overrides. Every mutation is authorised, audited and evicts the cached
// snapshot of the target.
type AdminService struct {
	store  Store
	cache  *SnapshotCache
	audit  AuditRecorder
	logger *slog.Logger
	now    func() time.Time
}

// NewAdminService wires the admin mutation path.
func NewAdminService(store Store, cache *SnapshotCache, audit AuditRecorder, logger *slog.Logger) *AdminService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminService{store: store, cache: cache, audit: audit, logger: logger, now: time.Now}
}

// AssignRoleInput describes a role change.
type AssignRoleInput struct {
	ActorID  string
	TargetID string
	Role     rbac.Role
}

// GrantPermissionsInput describes an override grant.
type GrantPermissionsInput struct {
	ActorID     string
	TargetID    string
	Permissions []rbac.Permission
}

// AssignRole replaces the target's role. Only an admin may call it and
// the last admin cannot be demoted.
func (s *AdminService) AssignRole(ctx context.Context, in AssignRoleInput) (Record, error) {
	if !in.Role.Valid() {
		return Record{}, ErrInvalidRole
	}
	if err := s.authorize(ctx, in.ActorID); err != nil {
		return Record{}, err
	}
	var previous Record
	updated, err := s.store.SetRole(ctx, in.TargetID, in.Role, func(current Record, admins int) error {
		previous = current.Normalize()
		if previous.Role == in.Role {
			return errRoleUnchanged
		}
		if previous.Role == rbac.RoleAdmin && admins <= 1 {
			return ErrLastAdmin
		}
		return nil
	})
	if errors.Is(err, errRoleUnchanged) {
		return previous, nil
	}
	if err != nil {
		return Record{}, err
	}
	s.evict(ctx, in.TargetID)
	s.record(ctx, shared.AuditLog{
		ActorID:  in.ActorID,
		Action:   AuditActionRoleAssigned,
		Entity:   auditEntity,
		EntityID: in.TargetID,
		Meta:     map[string]any{"from": string(previous.Role), "to": string(in.Role)},
	})
	return updated.Normalize(), nil
}

// GrantPermissions unions overrides into the target's record.
func (s *AdminService) GrantPermissions(ctx context.Context, in GrantPermissionsInput) (Record, error) {
	if len(in.Permissions) == 0 {
		return Record{}, ErrInvalidPermission
	}
	for _, p := range in.Permissions {
		if !p.Valid() {
			return Record{}, fmt.Errorf("%w: %q", ErrInvalidPermission, p)
		}
	}
	if err := s.authorize(ctx, in.ActorID); err != nil {
		return Record{}, err
	}
	if _, err := s.store.Get(ctx, in.TargetID); err != nil {
		return Record{}, err
	}
	perms := cleanPermissions(in.Permissions)
	updated, err := s.store.AddPermissions(ctx, in.TargetID, perms)
	if err != nil {
		return Record{}, err
	}
	s.evict(ctx, in.TargetID)
	s.record(ctx, shared.AuditLog{
		ActorID:  in.ActorID,
		Action:   AuditActionPermissionsGranted,
		Entity:   auditEntity,
		EntityID: in.TargetID,
		Meta:     map[string]any{"permissions": permissionStrings(perms)},
	})
	return updated.Normalize(), nil
}

// BootstrapAdmin promotes targetID to admin while no admin exists yet.
func (s *AdminService) BootstrapAdmin(ctx context.Context, targetID string) (Record, error) {
	if targetID == "" {
		return Record{}, ErrMissingExternalID
	}
	updated, err := s.store.SetRole(ctx, targetID, rbac.RoleAdmin, func(_ Record, admins int) error {
		if admins > 0 {
			return ErrBootstrapClosed
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	s.evict(ctx, targetID)
	s.record(ctx, shared.AuditLog{
		ActorID:  SystemActor,
		Action:   AuditActionAdminBootstrapped,
		Entity:   auditEntity,
		EntityID: targetID,
		Meta:     map[string]any{"to": string(rbac.RoleAdmin)},
	})
	return updated.Normalize(), nil
}

// List returns one page of records.
func (s *AdminService) List(ctx context.Context, offset, limit int) ([]Record, int, error) {
	records, total, err := s.store.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	for i := range records {
		records[i] = records[i].Normalize()
	}
	return records, total, nil
}

// Get returns one record.
func (s *AdminService) Get(ctx context.Context, externalID string) (Record, error) {
	rec, err := s.store.Get(ctx, externalID)
	if err != nil {
		return Record{}, err
	}
	return rec.Normalize(), nil
}

func (s *AdminService) authorize(ctx context.Context, actorID string) error {
	if actorID == "" {
		return ErrForbidden
	}
	actor, err := s.store.Get(ctx, actorID)
	if errors.Is(err, ErrNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return err
	}
	actor = actor.Normalize()
	if !rbac.HasRole(&actor, rbac.RoleAdmin) {
		return ErrForbidden
	}
	return nil
}

func (s *AdminService) evict(ctx context.Context, externalID string) {
	if err := s.cache.Invalidate(ctx, externalID); err != nil {
		s.logger.Warn("identity snapshot invalidate", slog.String("external_id", externalID), slog.Any("error", err))
	}
}

func (s *AdminService) record(ctx context.Context, entry shared.AuditLog) {
	if s.audit == nil {
		return
	}
	entry.At = s.now().UTC()
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Error("identity audit", slog.String("action", entry.Action), slog.String("entity_id", entry.EntityID), slog.Any("error", err))
	}
}
