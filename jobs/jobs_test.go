package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communityfund/ngo-portal/internal/donations"
	jobmetrics "github.com/communityfund/ngo-portal/internal/jobs"
)

func assertReceipts(t *testing.T, reg *prometheus.Registry, outcome string) {
	t.Helper()
	expected := `
# HELP portal_donation_receipts_total Donation receipts processed by outcome.
# TYPE portal_donation_receipts_total counter
portal_donation_receipts_total{outcome="` + outcome + `"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "portal_donation_receipts_total"))
}

type mailerSpy struct {
	sent []Message
	err  error
}

func (m *mailerSpy) Send(ctx context.Context, msg Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type enqueueSpy struct {
	tasks []*asynq.Task
	err   error
}

func (e *enqueueSpy) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (e *enqueueSpy) Close() error { return nil }

func completedDonation() donations.Donation {
	at := time.Date(2024, 6, 15, 9, 30, 0, 0, time.UTC)
	return donations.Donation{
		ID:          "d-1",
		DonorName:   "Ana",
		DonorEmail:  "ana@example.org",
		AmountMinor: 2550,
		Currency:    "USD",
		Method:      donations.MethodCard,
		Status:      donations.StatusCompleted,
		CreatedAt:   at.Add(-time.Hour),
		CompletedAt: &at,
	}
}

func TestReceiptPayloadUsesCompletionTime(t *testing.T) {
	d := completedDonation()
	p := ReceiptPayloadFor(d)
	assert.Equal(t, *d.CompletedAt, p.CompletedAt)
	assert.Equal(t, "card", p.Method)

	d.CompletedAt = nil
	assert.Equal(t, d.CreatedAt, ReceiptPayloadFor(d).CompletedAt)
}

func TestNewReceiptTaskNeedsEmail(t *testing.T) {
	_, err := NewReceiptTask(ReceiptPayload{DonationID: "d-1"})
	assert.Error(t, err)

	task, err := NewReceiptTask(ReceiptPayloadFor(completedDonation()))
	require.NoError(t, err)
	assert.Equal(t, TaskDonationReceipt, task.Type())
}

func TestClientEnqueueReceipt(t *testing.T) {
	spy := &enqueueSpy{}
	c := &Client{client: spy}

	require.NoError(t, c.EnqueueReceipt(context.Background(), completedDonation()))
	require.Len(t, spy.tasks, 1)
	var payload ReceiptPayload
	require.NoError(t, json.Unmarshal(spy.tasks[0].Payload(), &payload))
	assert.Equal(t, "ana@example.org", payload.DonorEmail)
	assert.Equal(t, int64(2550), payload.AmountMinor)
}

func TestClientIgnoresDuplicateReceipt(t *testing.T) {
	c := &Client{client: &enqueueSpy{err: asynq.ErrTaskIDConflict}}
	assert.NoError(t, c.EnqueueReceipt(context.Background(), completedDonation()))

	c = &Client{client: &enqueueSpy{err: errors.New("redis down")}}
	assert.Error(t, c.EnqueueReceipt(context.Background(), completedDonation()))
}

func TestReceiptJobSendsMail(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	mailer := &mailerSpy{}
	job := &ReceiptJob{Mailer: mailer, From: "no-reply@communityfund.org", Metrics: metrics}

	task, err := NewReceiptTask(ReceiptPayloadFor(completedDonation()))
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, mailer.sent, 1)
	msg := mailer.sent[0]
	assert.Equal(t, "ana@example.org", msg.To)
	assert.Equal(t, "no-reply@communityfund.org", msg.From)
	assert.Contains(t, msg.Subject, "25.50")
	assert.Contains(t, msg.Body, "Dear Ana")
	assert.Contains(t, msg.Body, "15 June 2024")
	assert.Contains(t, msg.Body, "d-1")
	assertReceipts(t, reg, ReceiptSent)
}

func TestReceiptJobReportsMailFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	job := &ReceiptJob{Mailer: &mailerSpy{err: errors.New("relay refused")}, Metrics: metrics}

	task, err := NewReceiptTask(ReceiptPayloadFor(completedDonation()))
	require.NoError(t, err)
	assert.Error(t, job.Handle(context.Background(), task))
	assertReceipts(t, reg, ReceiptFailed)
}

func TestReceiptJobSkipsBadPayload(t *testing.T) {
	job := &ReceiptJob{Mailer: &mailerSpy{}, Metrics: jobmetrics.NewMetrics(prometheus.NewRegistry())}
	err := job.Handle(context.Background(), asynq.NewTask(TaskDonationReceipt, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestReceiptMessageFallsBackToFriend(t *testing.T) {
	msg := ReceiptMessage("from@x.org", ReceiptPayload{DonationID: "d", DonorEmail: "a@b.org", AmountMinor: 100, Currency: "EUR"})
	assert.Contains(t, msg.Body, "Dear friend")
	assert.NotContains(t, msg.Body, "Payment method")
}

func TestSMTPMailerEncodesMessage(t *testing.T) {
	var gotAddr string
	var gotTo []string
	var gotMsg []byte
	m := NewSMTPMailer(SMTPConfig{Host: "mail.local", Port: 1025})
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, msg
		assert.Nil(t, a)
		return nil
	}

	err := m.Send(context.Background(), Message{From: "f@x.org", To: "t@x.org", Subject: "Hi\r\nBcc: evil@x.org", Body: "line1\nline2"})
	require.NoError(t, err)
	assert.Equal(t, "mail.local:1025", gotAddr)
	assert.Equal(t, []string{"t@x.org"}, gotTo)
	raw := string(gotMsg)
	assert.Contains(t, raw, "Subject: HiBcc: evil@x.org\r\n")
	assert.NotContains(t, raw, "\r\nBcc:")
	assert.Contains(t, raw, "line1\r\nline2")
}

type warmerSpy struct {
	calls int
	err   error
}

func (w *warmerSpy) WarmStats(ctx context.Context) (donations.Stats, error) {
	w.calls++
	if _, ok := ctx.Deadline(); !ok {
		return donations.Stats{}, errors.New("expected deadline")
	}
	return donations.Stats{Currency: "USD", Count: 4}, w.err
}

func TestStatsWarmupJob(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	warmer := &warmerSpy{}
	job := &StatsWarmupJob{Stats: warmer, Metrics: metrics}

	task, err := NewStatsWarmupTask(StatsWarmupPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 1, warmer.calls)

	warmer.err = errors.New("db down")
	assert.Error(t, job.Handle(context.Background(), task))
	expected := `
# HELP portal_jobs_failures_total Failed background job executions.
# TYPE portal_jobs_failures_total counter
portal_jobs_failures_total{job="donations:stats_warmup"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "portal_jobs_failures_total"))
}

type purgerSpy struct {
	olderThan time.Duration
}

func (p *purgerSpy) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	p.olderThan = olderThan
	return 3, nil
}

func TestIdempotencyCleanupDefaultsRetention(t *testing.T) {
	purger := &purgerSpy{}
	job := &IdempotencyCleanupJob{Store: purger, Metrics: jobmetrics.NewMetrics(prometheus.NewRegistry())}

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	assert.Equal(t, defaultIdempotencyRetention, purger.olderThan)

	task, err := NewIdempotencyCleanupTask(IdempotencyCleanupPayload{OlderThan: time.Hour})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, time.Hour, purger.olderThan)
}

type inspectorStub struct {
	queues []string
	infos  map[string]*asynq.QueueInfo
	err    error
}

func (s inspectorStub) Queues() ([]string, error) { return s.queues, s.err }

func (s inspectorStub) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.infos[queue], nil
}

func TestHealthReportsQueues(t *testing.T) {
	h := NewHandler(inspectorStub{
		queues: []string{QueueMail},
		infos:  map[string]*asynq.QueueInfo{QueueMail: {Queue: QueueMail, Pending: 4, Retry: 1}},
	}, nil)

	rec := httptest.NewRecorder()
	h.health(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string        `json:"status"`
		Queues []queueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Queues, 2)
	assert.Equal(t, queueHealth{Queue: QueueDefault}, body.Queues[0])
	assert.Equal(t, 4, body.Queues[1].Pending)
	assert.Equal(t, 1, body.Queues[1].Retry)
}

func TestHealthUnavailableWhenRedisDown(t *testing.T) {
	h := NewHandler(inspectorStub{err: errors.New("dial tcp: refused")}, nil)
	rec := httptest.NewRecorder()
	h.health(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, strings.Contains(rec.Body.String(), "refused"))
}

func TestHealthWithoutInspector(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(nil, nil).health(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
