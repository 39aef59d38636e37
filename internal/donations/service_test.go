package donations

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	svc      *Service
	repo     *memRepo
	receipts *receiptSpy
	audit    *auditSpy
	cache    *StatsCache
}

func newServiceFixture(t *testing.T, items ...Donation) serviceFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewStatsCache(client, time.Hour)
	repo := newMemRepo(items...)
	receipts := &receiptSpy{}
	audit := &auditSpy{}
	svc := NewService(repo, cache, receipts, audit, nil, Config{Currency: "usd"})
	svc.now = func() time.Time { return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC) }
	return serviceFixture{svc: svc, repo: repo, receipts: receipts, audit: audit, cache: cache}
}

func TestPledgeCreatesPending(t *testing.T) {
	f := newServiceFixture(t)
	d, err := f.svc.Pledge(context.Background(), PledgeInput{DonorName: " Ana ", DonorEmail: "ANA@example.org", AmountMinor: 2500, Method: MethodCard})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, d.Status)
	assert.Equal(t, "USD", d.Currency)
	assert.Equal(t, "Ana", d.DonorName)
	assert.Equal(t, "ana@example.org", d.DonorEmail)
	assert.Nil(t, d.CompletedAt)
	assert.Contains(t, f.repo.items, d.ID)
	assert.Empty(t, f.receipts.sent)
}

func TestPledgeValidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Pledge(ctx, PledgeInput{AmountMinor: 0, Method: MethodCard})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.svc.Pledge(ctx, PledgeInput{AmountMinor: 100, Currency: "ZZZZ", Method: MethodCard})
	assert.ErrorIs(t, err, ErrInvalidCurrency)
	_, err = f.svc.Pledge(ctx, PledgeInput{AmountMinor: 100, Method: "cheque"})
	assert.ErrorIs(t, err, ErrInvalidMethod)
	_, err = f.svc.Pledge(ctx, PledgeInput{AmountMinor: 100, Method: MethodManual})
	assert.ErrorIs(t, err, ErrInvalidMethod)
}

func TestCompleteEnqueuesReceiptAndBumpsStats(t *testing.T) {
	f := newServiceFixture(t, Donation{ID: "d1", DonorEmail: "ana@example.org", AmountMinor: 5000, Currency: "USD", Method: MethodCard, Status: StatusPending})
	ctx := context.Background()

	before, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), before.Total)
	versionBefore, err := f.cache.Version(ctx)
	require.NoError(t, err)

	d, err := f.svc.Complete(ctx, "local:staff", "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, d.Status)
	require.NotNil(t, d.CompletedAt)

	require.Len(t, f.receipts.sent, 1)
	assert.Equal(t, "d1", f.receipts.sent[0].ID)
	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, AuditActionCompleted, f.audit.entries[0].Action)
	assert.Equal(t, "local:staff", f.audit.entries[0].ActorID)

	versionAfter, err := f.cache.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, versionBefore+1, versionAfter)

	after, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), after.Total)

	_, err = f.svc.Complete(ctx, "local:staff", "d1")
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = f.svc.Complete(ctx, "local:staff", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailDoesNotSendReceipt(t *testing.T) {
	f := newServiceFixture(t, Donation{ID: "d1", DonorEmail: "ana@example.org", AmountMinor: 5000, Currency: "USD", Status: StatusPending})
	d, err := f.svc.Fail(context.Background(), "local:staff", "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, d.Status)
	assert.Empty(t, f.receipts.sent)
}

func TestRecordManualIsCompleted(t *testing.T) {
	f := newServiceFixture(t)
	d, err := f.svc.RecordManual(context.Background(), "local:staff", PledgeInput{DonorName: "Bank transfer", DonorEmail: "giver@example.org", AmountMinor: 100000, Method: MethodCard})
	require.NoError(t, err)

	assert.Equal(t, MethodManual, d.Method)
	assert.Equal(t, StatusCompleted, d.Status)
	require.NotNil(t, d.CompletedAt)
	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, AuditActionRecorded, f.audit.entries[0].Action)
	assert.Len(t, f.receipts.sent, 1)
}

func TestStatsServedFromCache(t *testing.T) {
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f := newServiceFixture(t, Donation{ID: "d1", DonorID: "local:a", AmountMinor: 1000, Currency: "USD", Status: StatusCompleted, CreatedAt: at, CompletedAt: &at})
	ctx := context.Background()

	_, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	_, err = f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.repo.completed)

	_, err = f.svc.WarmStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.repo.completed)
}

func TestListForDonorRequiresID(t *testing.T) {
	f := newServiceFixture(t, Donation{ID: "d1", DonorID: "local:a", Status: StatusPending})
	list, total, err := f.svc.ListForDonor(context.Background(), "", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Zero(t, total)

	list, total, err = f.svc.ListForDonor(context.Background(), "local:a", 0, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, 1, total)
}
