package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/communityfund/ngo-portal/internal/shared"
)

// Repository defines persistence operations for auth module.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*Credential, error)
	CreateCredential(ctx context.Context, cred Credential) error
	CreateSession(ctx context.Context, id, externalID string, expiresAt time.Time, ip, ua string) error
	DeleteSession(ctx context.Context, id string) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindByEmail fetches a credential by its lower-cased email.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*Credential, error) {
	var cred Credential
	err := r.pool.QueryRow(ctx, `SELECT external_id, email, display_name, password_hash, is_active, created_at
FROM credentials WHERE email = $1`, strings.ToLower(email)).Scan(
		&cred.ExternalID, &cred.Email, &cred.DisplayName, &cred.PasswordHash, &cred.IsActive, &cred.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &cred, nil
}

// CreateCredential inserts a new password account.
func (r *PGRepository) CreateCredential(ctx context.Context, cred Credential) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO credentials (external_id, email, display_name, password_hash, is_active, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		cred.ExternalID, strings.ToLower(cred.Email), cred.DisplayName, cred.PasswordHash, cred.IsActive, cred.CreatedAt.UTC())
	if shared.IsUniqueViolation(err) {
		return shared.ErrEmailTaken
	}
	return err
}

// CreateSession persists a login session for auditing.
func (r *PGRepository) CreateSession(ctx context.Context, id, externalID string, expiresAt time.Time, ip, ua string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO login_sessions (id, external_id, created_at, expires_at, ip, user_agent)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET external_id = EXCLUDED.external_id, expires_at = EXCLUDED.expires_at`,
		id, externalID,
		pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true},
		pgtype.Timestamptz{Time: expiresAt.UTC(), Valid: true},
		pgtype.Text{String: ip, Valid: ip != ""},
		pgtype.Text{String: ua, Valid: ua != ""},
	)
	return err
}

// DeleteSession removes a login session record.
func (r *PGRepository) DeleteSession(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM login_sessions WHERE id = $1`, id)
	return err
}

var _ Repository = (*PGRepository)(nil)
