package identity

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/communityfund/ngo-portal/internal/rbac"
	"github.com/communityfund/ngo-portal/internal/shared"
)

// memStore is an in-memory Store used across the package tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]Record
	gets    int
	failGet error
	block   chan struct{}
}

func newMemStore(records ...Record) *memStore {
	s := &memStore{records: make(map[string]Record)}
	for _, rec := range records {
		s.records[rec.ExternalID] = rec
	}
	return s
}

func (s *memStore) FindOrCreate(ctx context.Context, p Principal, now time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[p.ExternalID]
	if !ok {
		rec = NewRecord(p, now)
	}
	rec.LastAccessAt = now
	rec.Verified = rec.Verified || p.Verified
	s.records[p.ExternalID] = rec
	return rec.Clone(), nil
}

func (s *memStore) Get(ctx context.Context, externalID string) (Record, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.failGet != nil {
		return Record{}, s.failGet
	}
	rec, ok := s.records[externalID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *memStore) SetRole(ctx context.Context, externalID string, role rbac.Role, check RoleCheck) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[externalID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if check != nil {
		admins := 0
		for _, other := range s.records {
			if other.Role == rbac.RoleAdmin {
				admins++
			}
		}
		if err := check(rec.Clone(), admins); err != nil {
			return Record{}, err
		}
	}
	rec.Role = role
	s.records[externalID] = rec
	return rec.Clone(), nil
}

func (s *memStore) AddPermissions(ctx context.Context, externalID string, perms []rbac.Permission) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[externalID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Permissions = cleanPermissions(append(rec.Permissions, perms...))
	s.records[externalID] = rec
	return rec.Clone(), nil
}

func (s *memStore) List(ctx context.Context, offset, limit int) ([]Record, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		all = append(all, rec.Clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ExternalID < all[j].ExternalID })
	if offset >= len(all) {
		return nil, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (s *memStore) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

var errStoreDown = errors.New("store unavailable")

type auditSpy struct {
	mu      sync.Mutex
	entries []shared.AuditLog
}

func (a *auditSpy) Record(ctx context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, log)
	return nil
}
