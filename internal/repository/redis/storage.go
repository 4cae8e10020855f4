package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nkiryanov/sessionkeeper/internal/apperrors"
	"github.com/nkiryanov/sessionkeeper/internal/repository"
)

const (
	DefaultPrefix = "sk"

	// Records outlive their latest token by this long so the collector sees them first
	DefaultRetainGrace = 24 * time.Hour
)

// How long to wait for redis to answer on startup
const connectTimeout = 30 * time.Second

// Connect creates a client and pings, retrying with exponential backoff until connectTimeout
func Connect(ctx context.Context, opts *goredis.Options) (*goredis.Client, error) {
	client := goredis.NewClient(opts)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = connectTimeout

	err := backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(b, ctx))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis is not reachable. Err: %w", err)
	}

	return client, nil
}

type Options struct {
	Prefix      string
	RetainGrace time.Duration
	Now         func() time.Time
}

type Storage struct {
	repo *SessionRepo
}

func NewStorage(client *goredis.Client, opts Options) repository.Storage {
	return &Storage{repo: NewSessionRepo(client, opts)}
}

func (s *Storage) Session() repository.UserSessionRepo {
	return s.repo
}

// Redis has no multi-statement transactions across reads, fn runs as is
func (s *Storage) InTx(ctx context.Context, fn func(repository.Storage) error) error {
	return fn(s)
}

func redisError(err error) error {
	return fmt.Errorf("redis error: %w: %w", apperrors.ErrStorageUnavailable, err)
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.RetainGrace <= 0 {
		o.RetainGrace = DefaultRetainGrace
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
