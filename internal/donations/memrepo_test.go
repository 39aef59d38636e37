package donations

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/communityfund/ngo-portal/internal/shared"
)

type memRepo struct {
	mu        sync.Mutex
	items     map[string]Donation
	completed int
}

func newMemRepo(items ...Donation) *memRepo {
	r := &memRepo{items: map[string]Donation{}}
	for _, d := range items {
		r.items[d.ID] = d
	}
	return r
}

func (r *memRepo) Create(ctx context.Context, d Donation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[d.ID] = d
	return nil
}

func (r *memRepo) Get(ctx context.Context, id string) (Donation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.items[id]
	if !ok {
		return Donation{}, ErrNotFound
	}
	return d, nil
}

func (r *memRepo) List(ctx context.Context, filter ListFilter) ([]Donation, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Donation
	for _, d := range r.items {
		if filter.DonorID != "" && d.DonorID != filter.DonorID {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if filter.Offset >= total {
		return nil, total, nil
	}
	end := total
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}
	return out[filter.Offset:end], total, nil
}

func (r *memRepo) Transition(ctx context.Context, id string, status Status, at time.Time) (Donation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.items[id]
	if !ok {
		return Donation{}, ErrNotFound
	}
	if d.Status != StatusPending {
		return Donation{}, ErrNotPending
	}
	d.Status = status
	if status == StatusCompleted {
		t := at.UTC()
		d.CompletedAt = &t
	}
	r.items[id] = d
	return d, nil
}

func (r *memRepo) Completed(ctx context.Context, currency string) ([]Donation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
	var out []Donation
	for _, d := range r.items {
		if d.Status == StatusCompleted && d.Currency == currency {
			out = append(out, d)
		}
	}
	return out, nil
}

type receiptSpy struct {
	sent []Donation
}

func (s *receiptSpy) EnqueueReceipt(ctx context.Context, d Donation) error {
	s.sent = append(s.sent, d)
	return nil
}

type auditSpy struct {
	entries []shared.AuditLog
}

func (a *auditSpy) Record(ctx context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	a.entries = append(a.entries, log)
	return nil
}

type idemSpy struct {
	seen map[string]bool
}

func (s *idemSpy) CheckAndInsert(ctx context.Context, key, module string) error {
	if s.seen == nil {
		s.seen = map[string]bool{}
	}
	if s.seen[module+"/"+key] {
		return shared.ErrIdempotencyConflict
	}
	s.seen[module+"/"+key] = true
	return nil
}
