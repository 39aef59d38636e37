package donations

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/communityfund/ngo-portal/internal/shared"
)

// Audit actions written by Service.
const (
	AuditActionRecorded  = "donation.recorded"
	AuditActionCompleted = "donation.completed"
	AuditActionFailed    = "donation.failed"
)

// ReceiptQueue schedules the thank-you mail for a completed donation.
type ReceiptQueue interface {
	EnqueueReceipt(ctx context.Context, d Donation) error
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config tunes Service.
type Config struct {
	// Currency is the currency stats are reported in.
	Currency string
}

// Service coordinates donation persistence, receipts and cached stats.
type Service struct {
	repo     Repository
	cache    *StatsCache
	receipts ReceiptQueue
	audit    AuditRecorder
	logger   *slog.Logger
	currency string
	now      func() time.Time
}

// NewService wires the donation service.
func NewService(repo Repository, cache *StatsCache, receipts ReceiptQueue, audit AuditRecorder, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	code := strings.ToUpper(cfg.Currency)
	if code == "" {
		code = "USD"
	}
	return &Service{repo: repo, cache: cache, receipts: receipts, audit: audit, logger: logger, currency: code, now: time.Now}
}

// Currency returns the reporting currency.
func (s *Service) Currency() string { return s.currency }

// PledgeInput is a donation submitted through the public form.
type PledgeInput struct {
	DonorID     string
	DonorName   string
	DonorEmail  string
	AmountMinor int64
	Currency    string
	Method      Method
	Note        string
}

// Pledge records a pending card or PayPal donation. Capture happens at the
// payment processor.
func (s *Service) Pledge(ctx context.Context, in PledgeInput) (Donation, error) {
	if in.Method == MethodManual {
		return Donation{}, ErrInvalidMethod
	}
	d, err := s.build(in, StatusPending)
	if err != nil {
		return Donation{}, err
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return Donation{}, fmt.Errorf("donations: create: %w", err)
	}
	return d, nil
}

// RecordManual stores a completed offline donation on behalf of actorID.
func (s *Service) RecordManual(ctx context.Context, actorID string, in PledgeInput) (Donation, error) {
	in.Method = MethodManual
	d, err := s.build(in, StatusCompleted)
	if err != nil {
		return Donation{}, err
	}
	at := d.CreatedAt
	d.CompletedAt = &at
	if err := s.repo.Create(ctx, d); err != nil {
		return Donation{}, fmt.Errorf("donations: create: %w", err)
	}
	s.record(ctx, actorID, AuditActionRecorded, d)
	s.afterCompletion(ctx, d)
	return d, nil
}

// Complete marks a pending donation completed.
func (s *Service) Complete(ctx context.Context, actorID, id string) (Donation, error) {
	d, err := s.repo.Transition(ctx, id, StatusCompleted, s.now())
	if err != nil {
		return Donation{}, err
	}
	s.record(ctx, actorID, AuditActionCompleted, d)
	s.afterCompletion(ctx, d)
	return d, nil
}

// Fail marks a pending donation failed.
func (s *Service) Fail(ctx context.Context, actorID, id string) (Donation, error) {
	d, err := s.repo.Transition(ctx, id, StatusFailed, s.now())
	if err != nil {
		return Donation{}, err
	}
	s.record(ctx, actorID, AuditActionFailed, d)
	return d, nil
}

// Get returns one donation.
func (s *Service) Get(ctx context.Context, id string) (Donation, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of donations.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Donation, int, error) {
	return s.repo.List(ctx, filter)
}

// ListForDonor returns a page of the donations made by donorID.
func (s *Service) ListForDonor(ctx context.Context, donorID string, offset, limit int) ([]Donation, int, error) {
	if donorID == "" {
		return nil, 0, nil
	}
	return s.repo.List(ctx, ListFilter{DonorID: donorID, Offset: offset, Limit: limit})
}

// Stats returns the aggregated stats, served from the cache when warm.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	key, err := s.cache.Key(ctx, s.currency)
	if err != nil {
		s.logger.Warn("donation stats cache key", slog.Any("error", err))
		return s.computeStats(ctx)
	}
	stats, err := s.cache.Fetch(ctx, key, s.computeStats)
	if err != nil {
		s.logger.Warn("donation stats cache", slog.Any("error", err))
		return s.computeStats(ctx)
	}
	return stats, nil
}

// WarmStats recomputes the stats and stores them under the current version.
func (s *Service) WarmStats(ctx context.Context) (Stats, error) {
	stats, err := s.computeStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	key, err := s.cache.Key(ctx, s.currency)
	if err != nil {
		return Stats{}, err
	}
	if err := s.cache.Store(ctx, key, stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (s *Service) computeStats(ctx context.Context) (Stats, error) {
	list, err := s.repo.Completed(ctx, s.currency)
	if err != nil {
		return Stats{}, fmt.Errorf("donations: load completed: %w", err)
	}
	return Aggregate(list, s.currency, s.now()), nil
}

func (s *Service) build(in PledgeInput, status Status) (Donation, error) {
	if in.AmountMinor <= 0 {
		return Donation{}, ErrInvalidAmount
	}
	code := strings.ToUpper(strings.TrimSpace(in.Currency))
	if code == "" {
		code = s.currency
	}
	if !ValidCurrency(code) {
		return Donation{}, ErrInvalidCurrency
	}
	if !in.Method.Valid() {
		return Donation{}, ErrInvalidMethod
	}
	return Donation{
		ID:          uuid.NewString(),
		DonorID:     in.DonorID,
		DonorName:   strings.TrimSpace(in.DonorName),
		DonorEmail:  strings.ToLower(strings.TrimSpace(in.DonorEmail)),
		AmountMinor: in.AmountMinor,
		Currency:    code,
		Method:      in.Method,
		Status:      status,
		Note:        strings.TrimSpace(in.Note),
		CreatedAt:   s.now().UTC(),
	}, nil
}

func (s *Service) afterCompletion(ctx context.Context, d Donation) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("bump donation stats", slog.Any("error", err))
	}
	if s.receipts == nil || d.DonorEmail == "" {
		return
	}
	if err := s.receipts.EnqueueReceipt(ctx, d); err != nil {
		s.logger.Error("enqueue donation receipt", slog.String("donation_id", d.ID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actorID, action string, d Donation) {
	if s.audit == nil {
		return
	}
	if actorID == "" {
		actorID = "system"
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "donation",
		EntityID: d.ID,
		Meta:     map[string]any{"amount_minor": d.AmountMinor, "currency": d.Currency, "method": string(d.Method)},
		At:       s.now().UTC(),
	})
	if err != nil {
		s.logger.Error("donation audit", slog.String("action", action), slog.Any("error", err))
	}
}
