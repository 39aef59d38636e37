package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/communityfund/ngo-portal/internal/jobs"
	"github.com/communityfund/ngo-portal/internal/view"
)

// Receipt delivery outcomes reported to metrics.
const (
	ReceiptSent    = "sent"
	ReceiptFailed  = "failed"
	ReceiptSkipped = "skipped"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ReceiptJob mails donors a thank-you receipt.
type ReceiptJob struct {
	Mailer  Mailer
	From    string
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle processes TaskDonationReceipt tasks.
func (j *ReceiptJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Mailer == nil {
		return errors.New("receipt: mailer not configured")
	}
	var payload ReceiptPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		j.metrics().ReceiptSent(ReceiptSkipped)
		return fmt.Errorf("receipt: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.DonorEmail == "" {
		j.metrics().ReceiptSent(ReceiptSkipped)
		return nil
	}

	tracker := j.metrics().Track(TaskDonationReceipt)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(slog.String("donation_id", payload.DonationID))
	if err = j.Mailer.Send(ctx, ReceiptMessage(j.From, payload)); err != nil {
		j.metrics().ReceiptSent(ReceiptFailed)
		logger.Error("send receipt", slog.Any("error", err))
		return err
	}
	j.metrics().ReceiptSent(ReceiptSent)
	logger.Info("receipt sent")
	return nil
}

// ReceiptMessage renders the receipt mail for payload.
func ReceiptMessage(from string, payload ReceiptPayload) Message {
	name := strings.TrimSpace(payload.DonorName)
	if name == "" {
		name = "friend"
	}
	amount := view.FormatMoney(payload.AmountMinor, payload.Currency)
	var body strings.Builder
	fmt.Fprintf(&body, "Dear %s,\n\n", name)
	fmt.Fprintf(&body, "Thank you for your gift of %s", amount)
	if !payload.CompletedAt.IsZero() {
		fmt.Fprintf(&body, " on %s", payload.CompletedAt.UTC().Format("2 January 2006"))
	}
	body.WriteString(". Your support keeps our community projects running.\n\n")
	fmt.Fprintf(&body, "Receipt reference: %s\n", payload.DonationID)
	if payload.Method != "" {
		fmt.Fprintf(&body, "Payment method: %s\n", payload.Method)
	}
	body.WriteString("\nWith gratitude,\nCommunity Fund\n")
	return Message{
		From:    from,
		To:      payload.DonorEmail,
		Subject: "Thank you for your donation of " + amount,
		Body:    body.String(),
	}
}

func (j *ReceiptJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskDonationReceipt))
	}
	return slog.Default().With(slog.String("job", TaskDonationReceipt))
}

func (j *ReceiptJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
