package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/communityfund/ngo-portal/internal/identity"
	"github.com/communityfund/ngo-portal/internal/platform/cache"
	"github.com/communityfund/ngo-portal/internal/platform/db"
)

// Backends holds the connections every binary shares.
type Backends struct {
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Identities identity.Store

	closers []func()
}

// OpenBackends connects to Postgres, Redis and the configured identity
// store. Close releases whatever was opened, in reverse order.
func OpenBackends(ctx context.Context, cfg *Config, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}

	pool, err := db.New(ctx, db.Options{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns, ApplicationName: "ngo-portal"})
	if err != nil {
		return nil, err
	}
	b.Pool = pool
	b.closers = append(b.closers, pool.Close)

	client, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Redis = client
	b.closers = append(b.closers, func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	})

	switch cfg.IdentityStore {
	case IdentityStoreMongo:
		mongoClient, database, err := identity.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Identities = identity.NewMongoStore(database)
		b.closers = append(b.closers, func() {
			if err := mongoClient.Disconnect(context.Background()); err != nil {
				logger.Warn("mongo disconnect", slog.Any("error", err))
			}
		})
	case IdentityStorePostgres:
		b.Identities = identity.NewPGStore(pool)
	default:
		b.Close()
		return nil, fmt.Errorf("unknown identity store %q", cfg.IdentityStore)
	}
	logger.Info("backends ready", slog.String("identity_store", cfg.IdentityStore))
	return b, nil
}

// Close releases the connections.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// AsynqRedisOpt points asynq at the shared Redis instance.
func (c *Config) AsynqRedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}
