package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nkiryanov/sessionkeeper/internal/apperrors"
)

// KEYS[1] last-write index, ARGV[1] payload key prefix, ARGV[2] cutoff in unix microseconds
const gcPayloadsScript = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[2])
local removed = 0
for _, id in ipairs(ids) do
  removed = removed + redis.call("DEL", ARGV[1] .. id)
  redis.call("ZREM", KEYS[1], id)
end
return removed
`

var gcPayloadsLua = goredis.NewScript(gcPayloadsScript)

// SessionHandler keeps payloads under <prefix>:<namespace>:<name>:<id>.
// Payload keys expire after ttl; a sorted set remembers the last write of each id.
// The gc script builds keys from the prefix, so the client must talk to a single node.
type SessionHandler struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time

	mu       sync.Mutex
	keyBase  string // empty while closed
	indexKey string
}

func NewSessionHandler(client *goredis.Client, prefix string, ttl time.Duration, now func() time.Time) *SessionHandler {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if now == nil {
		now = time.Now
	}
	return &SessionHandler{client: client, prefix: prefix, ttl: ttl, now: now}
}

func (h *SessionHandler) Open(ctx context.Context, namespace string, name string) error {
	if namespace == "" || name == "" {
		return fmt.Errorf("namespace and name are required: %w", apperrors.ErrInvalidArgument)
	}

	if err := h.client.Ping(ctx).Err(); err != nil {
		return redisError(err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.indexKey = h.prefix + ":" + namespace + ":" + name
	h.keyBase = h.indexKey + ":"
	return nil
}

func (h *SessionHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keyBase, h.indexKey = "", ""
	return nil
}

// Payload key prefix and last-write index key of the open handler
func (h *SessionHandler) keys() (string, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.keyBase == "" {
		return "", "", fmt.Errorf("redis handler: %w", apperrors.ErrHandlerClosed)
	}
	return h.keyBase, h.indexKey, nil
}

func (h *SessionHandler) Read(ctx context.Context, id string) (string, error) {
	base, _, err := h.keys()
	if err != nil {
		return "", err
	}

	data, err := h.client.Get(ctx, base+id).Result()
	switch {
	case errors.Is(err, goredis.Nil):
		return "", nil
	case err != nil:
		return "", redisError(err)
	}
	return data, nil
}

// Owner is not kept: payload keys are scoped by namespace and name only
func (h *SessionHandler) Write(ctx context.Context, id string, data string, _ uuid.UUID) error {
	base, index, err := h.keys()
	if err != nil {
		return err
	}

	_, err = h.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, base+id, data, h.ttl)
		pipe.ZAdd(ctx, index, goredis.Z{Score: float64(h.now().UnixMicro()), Member: id})
		return nil
	})
	if err != nil {
		return redisError(err)
	}
	return nil
}

func (h *SessionHandler) Destroy(ctx context.Context, id string) error {
	base, index, err := h.keys()
	if err != nil {
		return err
	}

	_, err = h.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, base+id)
		pipe.ZRem(ctx, index, id)
		return nil
	})
	if err != nil {
		return redisError(err)
	}
	return nil
}

func (h *SessionHandler) GC(ctx context.Context, maxLifetime time.Duration) (int64, error) {
	base, index, err := h.keys()
	if err != nil {
		return 0, err
	}

	cutoff := h.now().Add(-maxLifetime).UnixMicro()
	removed, err := gcPayloadsLua.Run(ctx, h.client, []string{index}, base, strconv.FormatInt(cutoff, 10)).Int64()
	if err != nil {
		return 0, redisError(err)
	}
	return removed, nil
}
