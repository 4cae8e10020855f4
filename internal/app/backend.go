package app

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nkiryanov/sessionkeeper/internal/db"
	"github.com/nkiryanov/sessionkeeper/internal/logger"
	"github.com/nkiryanov/sessionkeeper/internal/repository"
	"github.com/nkiryanov/sessionkeeper/internal/repository/postgres"
	"github.com/nkiryanov/sessionkeeper/internal/repository/redis"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type BackendConfig struct {
	// postgres or redis
	Kind string

	DatabaseDSN string
	RedisAddr   string

	// Key prefix in redis. Default is used if empty
	RedisPrefix string

	// How long handler payloads stay readable after the last write. Zero keeps them until collected
	PayloadTTL time.Duration
}

func (c BackendConfig) Validate() error {
	switch c.Kind {
	case BackendPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database dsn is required for %s backend", c.Kind)
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis address is required for %s backend", c.Kind)
		}
	default:
		return fmt.Errorf("unknown storage backend %q, expected %s or %s", c.Kind, BackendPostgres, BackendRedis)
	}
	return nil
}

// Backend is an opened storage with its payload handler. The handler is not opened yet.
type Backend struct {
	Name    string
	Storage repository.Storage
	Handler repository.SessionHandler

	close func()
}

func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// OpenBackend connects to the configured storage. Postgres is migrated on connect.
func OpenBackend(ctx context.Context, cfg BackendConfig, log logger.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case BackendPostgres:
		pool, err := db.ConnectAndMigrate(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
		}
		log.Info("Connected to postgres")

		return &Backend{
			Name:    BackendPostgres,
			Storage: postgres.NewStorage(pool),
			Handler: postgres.NewSessionHandler(pool, cfg.PayloadTTL, time.Now),
			close:   pool.Close,
		}, nil

	default:
		client, err := redis.Connect(ctx, &goredis.Options{Addr: cfg.RedisAddr})
		if err != nil {
			return nil, err
		}
		log.Info("Connected to redis", "addr", cfg.RedisAddr)

		return &Backend{
			Name:    BackendRedis,
			Storage: redis.NewStorage(client, redis.Options{Prefix: cfg.RedisPrefix}),
			Handler: redis.NewSessionHandler(client, cfg.RedisPrefix, cfg.PayloadTTL, time.Now),
			close:   func() { _ = client.Close() },
		}, nil
	}
}
