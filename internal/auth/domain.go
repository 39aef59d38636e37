package auth

import (
	"errors"
	"time"
)

var (
	// ErrInvalidToken is returned when a provider token fails verification.
	ErrInvalidToken = errors.New("auth: invalid provider token")
	// ErrProviderDisabled is returned when no provider secret is configured.
	ErrProviderDisabled = errors.New("auth: provider sign-in disabled")
)

// LocalIssuer prefixes external ids of password accounts.
const LocalIssuer = "local"

// Credential is a password account that signs in as a local principal.
type Credential struct {
	ExternalID   string
	Email        string
	DisplayName  string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
}
