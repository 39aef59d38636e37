package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/communityfund/ngo-portal/internal/donations"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueMail carries outbound email so a mail backlog never starves
	// maintenance tasks.
	QueueMail = "mail"

	// TaskDonationReceipt sends the thank-you mail for a completed donation.
	TaskDonationReceipt = "donations:receipt"
	// TaskDonationStatsWarmup recomputes the cached donation stats.
	TaskDonationStatsWarmup = "donations:stats_warmup"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// ReceiptPayload is the data a receipt mail needs. It is a copy so the
// worker does not read the donation back from the database.
type ReceiptPayload struct {
	DonationID  string    `json:"donation_id"`
	DonorName   string    `json:"donor_name"`
	DonorEmail  string    `json:"donor_email"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Method      string    `json:"method"`
	CompletedAt time.Time `json:"completed_at"`
}

// ReceiptPayloadFor copies the receipt fields out of d.
func ReceiptPayloadFor(d donations.Donation) ReceiptPayload {
	p := ReceiptPayload{
		DonationID:  d.ID,
		DonorName:   d.DonorName,
		DonorEmail:  d.DonorEmail,
		AmountMinor: d.AmountMinor,
		Currency:    d.Currency,
		Method:      string(d.Method),
		CompletedAt: d.CreatedAt,
	}
	if d.CompletedAt != nil {
		p.CompletedAt = *d.CompletedAt
	}
	return p
}

// NewReceiptTask constructs a receipt task. The donation id doubles as the
// task id so a donation is never thanked twice.
func NewReceiptTask(payload ReceiptPayload) (*asynq.Task, error) {
	if payload.DonationID == "" || payload.DonorEmail == "" {
		return nil, fmt.Errorf("jobs: receipt needs donation id and email")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDonationReceipt, data,
		asynq.TaskID("receipt:"+payload.DonationID),
		asynq.Queue(QueueMail),
		asynq.MaxRetry(8),
	), nil
}

// StatsWarmupPayload selects the reporting currency to warm. Empty means
// the service default.
type StatsWarmupPayload struct {
	Currency string `json:"currency,omitempty"`
}

// NewStatsWarmupTask builds a warm-up task.
func NewStatsWarmupTask(payload StatsWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDonationStatsWarmup, data, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// IdempotencyCleanupPayload sets how old a key must be to be purged.
type IdempotencyCleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewIdempotencyCleanupTask builds a cleanup task.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
