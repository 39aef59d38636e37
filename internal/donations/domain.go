// Package donations records gifts to the organisation and aggregates them
// for the dashboard.
package donations

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates the donation does not exist.
	ErrNotFound = errors.New("donations: not found")
	// ErrInvalidAmount indicates a non-positive amount.
	ErrInvalidAmount = errors.New("donations: amount must be positive")
	// ErrInvalidCurrency indicates an unknown ISO 4217 code.
	ErrInvalidCurrency = errors.New("donations: unknown currency")
	// ErrInvalidMethod indicates an unsupported payment method.
	ErrInvalidMethod = errors.New("donations: unsupported method")
	// ErrNotPending indicates a transition from a final status.
	ErrNotPending = errors.New("donations: donation is not pending")
)

// Method is how the gift was made.
type Method string

// Supported methods.
const (
	MethodCard   Method = "card"
	MethodPayPal Method = "paypal"
	MethodManual Method = "manual"
)

// Valid reports whether m is supported.
func (m Method) Valid() bool {
	switch m {
	case MethodCard, MethodPayPal, MethodManual:
		return true
	}
	return false
}

// Status of a donation. Only completed donations count towards totals.
type Status string

// Donation statuses.
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Donation is a single gift.
type Donation struct {
	ID          string     `json:"id"`
	DonorID     string     `json:"donor_id,omitempty"`
	DonorName   string     `json:"donor_name"`
	DonorEmail  string     `json:"donor_email"`
	AmountMinor int64      `json:"amount_minor"`
	Currency    string     `json:"currency"`
	Method      Method     `json:"method"`
	Status      Status     `json:"status"`
	Note        string     `json:"note,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DonorKey groups donations by donor: the identity id when the donor was
// signed in, the lower-cased email otherwise.
func (d Donation) DonorKey() string {
	if d.DonorID != "" {
		return d.DonorID
	}
	return strings.ToLower(strings.TrimSpace(d.DonorEmail))
}

// ListFilter narrows List results.
type ListFilter struct {
	DonorID string
	Status  Status
	Offset  int
	Limit   int
}
