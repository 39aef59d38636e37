package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/communityfund/ngo-portal/internal/platform/db"
	"github.com/communityfund/ngo-portal/internal/rbac"
)

const identityColumns = `external_id, display_name, email, role, permissions, verified, created_at, last_access_at`

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PostgreSQL backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// FindOrCreate upserts the identity in a single statement so concurrent
// first sign-ins of the same principal converge on one row.
func (s *PGStore) FindOrCreate(ctx context.Context, p Principal, now time.Time) (Record, error) {
	if p.ExternalID == "" {
		return Record{}, ErrMissingExternalID
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO identities (external_id, display_name, email, role, permissions, verified, created_at, last_access_at)
		VALUES ($1, $2, $3, $4, '{}', $5, $6, $6)
		ON CONFLICT (external_id) DO UPDATE SET
			last_access_at = EXCLUDED.last_access_at,
			verified = identities.verified OR EXCLUDED.verified,
			display_name = COALESCE(NULLIF(identities.display_name, ''), EXCLUDED.display_name),
			email = COALESCE(NULLIF(identities.email, ''), EXCLUDED.email)
		RETURNING `+identityColumns,
		p.ExternalID, p.DisplayName, p.Email, string(rbac.DefaultRole), p.Verified, now.UTC())
	rec, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("identity: find or create: %w", err)
	}
	return rec, nil
}

// Get fetches a record by external id.
func (s *PGStore) Get(ctx context.Context, externalID string) (Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE external_id = $1`, externalID)
	return scanOne(row)
}

// roleChangeLock is the advisory lock key serialising role changes, so
// admin counting and the update happen against a stable admin set.
const roleChangeLock int64 = 0x6964726f6c65

// SetRole replaces the role of an existing record under roleChangeLock.
func (s *PGStore) SetRole(ctx context.Context, externalID string, role rbac.Role, check RoleCheck) (Record, error) {
	var updated Record
	err := db.WithLockedTx(ctx, s.pool, roleChangeLock, func(tx pgx.Tx) error {
		current, err := scanOne(tx.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE external_id = $1 FOR UPDATE`, externalID))
		if err != nil {
			return err
		}
		if check != nil {
			var admins int
			if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM identities WHERE role = $1`, string(rbac.RoleAdmin)).Scan(&admins); err != nil {
				return fmt.Errorf("identity: count admins: %w", err)
			}
			if err := check(current, admins); err != nil {
				return err
			}
		}
		updated, err = scanOne(tx.QueryRow(ctx, `UPDATE identities SET role = $2 WHERE external_id = $1 RETURNING `+identityColumns, externalID, string(role)))
		return err
	})
	if err != nil {
		return Record{}, err
	}
	return updated, nil
}

// AddPermissions appends overrides, keeping them distinct and sorted.
func (s *PGStore) AddPermissions(ctx context.Context, externalID string, perms []rbac.Permission) (Record, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE identities
		SET permissions = ARRAY(SELECT DISTINCT p FROM unnest(permissions || $2::text[]) AS p ORDER BY p)
		WHERE external_id = $1
		RETURNING `+identityColumns, externalID, permissionStrings(perms))
	return scanOne(row)
}

// List returns a page of records ordered by registration time.
func (s *PGStore) List(ctx context.Context, offset, limit int) ([]Record, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM identities`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("identity: count: %w", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+identityColumns+` FROM identities ORDER BY created_at, external_id OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("identity: list: %w", err)
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func scanOne(row pgx.Row) (Record, error) {
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec   Record
		role  *string
		perms []string
	)
	if err := row.Scan(&rec.ExternalID, &rec.DisplayName, &rec.Email, &role, &perms, &rec.Verified, &rec.CreatedAt, &rec.LastAccessAt); err != nil {
		return Record{}, err
	}
	if role != nil {
		rec.Role = rbac.Role(*role)
	}
	rec.Permissions = permissionsFromStrings(perms)
	return rec.Normalize(), nil
}

var _ Store = (*PGStore)(nil)
