package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/communityfund/ngo-portal/internal/rbac"
)

// Resolver is the server-side identity provider: it signs principals in
// against the store and turns a session principal id into a snapshot.
type Resolver struct {
	store   Store
	cache   *SnapshotCache
	logger  *slog.Logger
	timeout time.Duration
	group   singleflight.Group
	now     func() time.Time
}

// ResolverConfig groups Resolver dependencies.
type ResolverConfig struct {
	Store   Store
	Cache   *SnapshotCache
	Logger  *slog.Logger
	Timeout time.Duration
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Resolver{store: cfg.Store, cache: cfg.Cache, logger: logger, timeout: timeout, now: time.Now}
}

// SignIn finds or creates the record for p and refreshes its last access
// time. It runs once per authentication event.
func (r *Resolver) SignIn(ctx context.Context, p Principal) (Record, error) {
	if p.ExternalID == "" {
		return Record{}, ErrMissingExternalID
	}
	gen, genErr := r.cache.Generation(ctx, p.ExternalID)
	rec, err := r.store.FindOrCreate(ctx, p, r.now().UTC())
	if err != nil {
		return Record{}, fmt.Errorf("identity: sign in: %w", err)
	}
	rec = rec.Normalize()
	r.remember(ctx, rec, gen, genErr)
	return rec, nil
}

// Resolve implements rbac.Resolver. A missing record is an anonymous
// session; any other failure, including the timeout, leaves the session
// loading rather than failing the request.
func (r *Resolver) Resolve(ctx context.Context, externalID string) rbac.Session {
	if externalID == "" {
		return rbac.Session{}
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rec, err := r.Snapshot(ctx, externalID)
	switch {
	case err == nil:
		return rbac.Session{Principal: &rec}
	case errors.Is(err, ErrNotFound):
		return rbac.Session{}
	default:
		r.logger.Warn("identity resolve", slog.String("external_id", externalID), slog.Any("error", err))
		return rbac.Session{Loading: true}
	}
}

// Snapshot returns the current record for externalID from the cache or
// the store. Concurrent loads of one id share a single store query; a
// caller whose context ends stops waiting without cancelling the others.
func (r *Resolver) Snapshot(ctx context.Context, externalID string) (Record, error) {
	if rec, ok, err := r.cache.Get(ctx, externalID); err != nil {
		r.logger.Warn("identity snapshot cache get", slog.String("external_id", externalID), slog.Any("error", err))
	} else if ok {
		return rec, nil
	}

	// Loads started before an eviction neither share results with later
	// loads nor write their record back into the cache.
	gen, genErr := r.cache.Generation(ctx, externalID)
	key := externalID + "@" + strconv.FormatInt(gen, 10)
	ch := r.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		rec, err := r.store.Get(loadCtx, externalID)
		if err != nil {
			return Record{}, err
		}
		rec = rec.Normalize()
		r.remember(loadCtx, rec, gen, genErr)
		return rec, nil
	})
	select {
	case <-ctx.Done():
		return Record{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Record{}, res.Err
		}
		return res.Val.(Record).Clone(), nil
	}
}

func (r *Resolver) remember(ctx context.Context, rec Record, gen int64, genErr error) {
	if !r.cache.enabled() {
		return
	}
	if genErr != nil {
		r.logger.Warn("identity snapshot generation", slog.String("external_id", rec.ExternalID), slog.Any("error", genErr))
		return
	}
	stored, err := r.cache.Put(ctx, rec, gen)
	if err != nil {
		r.logger.Warn("identity snapshot cache put", slog.String("external_id", rec.ExternalID), slog.Any("error", err))
		return
	}
	if !stored {
		r.logger.Debug("identity snapshot superseded", slog.String("external_id", rec.ExternalID))
	}
}

// Forget drops the cached snapshot, e.g. after sign-out.
func (r *Resolver) Forget(ctx context.Context, externalID string) {
	if err := r.cache.Invalidate(ctx, externalID); err != nil {
		r.logger.Warn("identity snapshot invalidate", slog.String("external_id", externalID), slog.Any("error", err))
	}
}

var _ rbac.Resolver = (*Resolver)(nil)
