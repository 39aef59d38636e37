package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/communityfund/ngo-portal/internal/identity"
	"github.com/communityfund/ngo-portal/internal/shared"
)

// IdentityProvider records a successful sign-in and returns the
// principal's current identity record.
type IdentityProvider interface {
	SignIn(ctx context.Context, p identity.Principal) (identity.Record, error)
	Forget(ctx context.Context, externalID string)
}

// Service wraps authentication business rules.
type Service struct {
	repo       Repository
	identities IdentityProvider
	tokens     *TokenVerifier
	now        func() time.Time
}

// NewService constructs a new Service.
func NewService(repo Repository, identities IdentityProvider, tokens *TokenVerifier) *Service {
	return &Service{repo: repo, identities: identities, tokens: tokens, now: time.Now}
}

// Authenticate validates email/password credentials and signs the
// matching local principal in.
func (s *Service) Authenticate(ctx context.Context, email, password string) (identity.Record, error) {
	cred, err := s.repo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return identity.Record{}, shared.ErrInvalidCredentials
	}
	if !cred.IsActive {
		return identity.Record{}, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return identity.Record{}, shared.ErrInvalidCredentials
	}
	return s.identities.SignIn(ctx, identity.Principal{
		ExternalID:  cred.ExternalID,
		DisplayName: cred.DisplayName,
		Email:       cred.Email,
	})
}

// Register creates a password account and signs it in as a visitor.
func (s *Service) Register(ctx context.Context, name, email, password string) (identity.Record, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := s.repo.FindByEmail(ctx, email); err == nil {
		return identity.Record{}, shared.ErrEmailTaken
	} else if !errors.Is(err, shared.ErrNotFound) {
		return identity.Record{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return identity.Record{}, fmt.Errorf("auth: hash password: %w", err)
	}
	cred := Credential{
		ExternalID:   LocalIssuer + ":" + uuid.NewString(),
		Email:        email,
		DisplayName:  strings.TrimSpace(name),
		PasswordHash: string(hash),
		IsActive:     true,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.repo.CreateCredential(ctx, cred); err != nil {
		return identity.Record{}, err
	}
	return s.identities.SignIn(ctx, identity.Principal{
		ExternalID:  cred.ExternalID,
		DisplayName: cred.DisplayName,
		Email:       cred.Email,
	})
}

// AuthenticateToken verifies a provider ID token and signs its subject in.
func (s *Service) AuthenticateToken(ctx context.Context, raw string) (identity.Record, error) {
	principal, err := s.tokens.Verify(raw)
	if err != nil {
		return identity.Record{}, err
	}
	return s.identities.SignIn(ctx, principal)
}

// SignOut drops the cached identity snapshot of externalID.
func (s *Service) SignOut(ctx context.Context, externalID string) {
	if externalID != "" {
		s.identities.Forget(ctx, externalID)
	}
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id, externalID string, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, externalID, expiresAt, ip, ua)
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}
