package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nkiryanov/sessionkeeper/internal/apperrors"
	"github.com/nkiryanov/sessionkeeper/internal/domain"
)

// Shared by delete scripts
// KEYS[1] expiry index, KEYS[2] owner hash, ARGV[1] session key prefix, ARGV[2] user key prefix
const removeSessionFunc = `
local function remove(id)
  local owner = redis.call("HGET", KEYS[2], id)
  if owner then
    redis.call("SREM", ARGV[2] .. owner, id)
  end
  redis.call("HDEL", KEYS[2], id)
  redis.call("ZREM", KEYS[1], id)
  return redis.call("DEL", ARGV[1] .. id)
end
`

// KEYS[1] session key, KEYS[2] expiry index, KEYS[3] owner hash, KEYS[4] user key
// ARGV: id, record, ttl ms, expiry score, user id, user key prefix, only-new flag
const saveSessionScript = `
if ARGV[7] == "1" and redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
local prev = redis.call("HGET", KEYS[3], ARGV[1])
if prev and prev ~= ARGV[5] then
  redis.call("SREM", ARGV[6] .. prev, ARGV[1])
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[1])
redis.call("HSET", KEYS[3], ARGV[1], ARGV[5])
redis.call("SADD", KEYS[4], ARGV[1])
return 1
`

// ARGV[3] session id
const deleteSessionScript = removeSessionFunc + `
return remove(ARGV[3])
`

// ARGV[3] reference time in unix microseconds; expiry strictly before it is collected.
// Index entries whose record already expired by TTL are dropped but not reported.
const deleteExpiredScript = removeSessionFunc + `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[3])
local removed = {}
for _, id in ipairs(ids) do
  if remove(id) == 1 then
    table.insert(removed, id)
  end
end
return removed
`

var (
	saveSessionLua   = goredis.NewScript(saveSessionScript)
	deleteSessionLua = goredis.NewScript(deleteSessionScript)
	deleteExpiredLua = goredis.NewScript(deleteExpiredScript)
)

// SessionRepo stores session records as JSON.
// A sorted set indexes ids by their earliest expiry, a hash maps ids to owners,
// and a set per user lists the user's sessions.
// Scripts build keys from the prefix, so the client must talk to a single node, not a cluster.
type SessionRepo struct {
	client *goredis.Client
	opts   Options
}

func NewSessionRepo(client *goredis.Client, opts Options) *SessionRepo {
	return &SessionRepo{client: client, opts: opts.withDefaults()}
}

func (r *SessionRepo) sessionKeyPrefix() string { return r.opts.Prefix + ":session:" }
func (r *SessionRepo) userKeyPrefix() string    { return r.opts.Prefix + ":user:" }
func (r *SessionRepo) expiryKey() string        { return r.opts.Prefix + ":session-expiry" }
func (r *SessionRepo) ownerKey() string         { return r.opts.Prefix + ":session-owner" }

func (r *SessionRepo) sessionKey(id string) string {
	return r.sessionKeyPrefix() + id
}

func (r *SessionRepo) userKey(userID uuid.UUID) string {
	return r.userKeyPrefix() + userID.String()
}

func (r *SessionRepo) Create(ctx context.Context, s *domain.Session) error {
	created, err := r.save(ctx, s, true)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("session %s: %w", s.ID(), apperrors.ErrSessionAlreadyExists)
	}
	return nil
}

func (r *SessionRepo) Save(ctx context.Context, s *domain.Session) error {
	_, err := r.save(ctx, s, false)
	return err
}

func (r *SessionRepo) save(ctx context.Context, s *domain.Session, onlyNew bool) (bool, error) {
	rec := s.Record()
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("session %s: encode record: %w", rec.ID, err)
	}

	ttl := rec.LatestExpiry().Sub(r.opts.Now())
	if ttl < 0 {
		ttl = 0
	}
	ttl += r.opts.RetainGrace

	flag := "0"
	if onlyNew {
		flag = "1"
	}

	res, err := saveSessionLua.Run(ctx, r.client,
		[]string{r.sessionKey(rec.ID), r.expiryKey(), r.ownerKey(), r.userKey(rec.UserID)},
		rec.ID, data, ttl.Milliseconds(), expiryScore(rec), rec.UserID.String(), r.userKeyPrefix(), flag,
	).Int64()
	if err != nil {
		return false, redisError(err)
	}
	return res == 1, nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*domain.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
		return nil, fmt.Errorf("session %s: %w", id, apperrors.ErrSessionNotFound)
	case err != nil:
		return nil, redisError(err)
	}

	return decodeSession(id, data)
}

func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	err := deleteSessionLua.Run(ctx, r.client,
		[]string{r.expiryKey(), r.ownerKey()},
		r.sessionKeyPrefix(), r.userKeyPrefix(), id,
	).Err()
	if err != nil {
		return redisError(err)
	}
	return nil
}

func (r *SessionRepo) DeleteExpired(ctx context.Context, before time.Time) ([]string, error) {
	ids, err := deleteExpiredLua.Run(ctx, r.client,
		[]string{r.expiryKey(), r.ownerKey()},
		r.sessionKeyPrefix(), r.userKeyPrefix(), strconv.FormatInt(before.UnixMicro(), 10),
	).StringSlice()
	if err != nil {
		return nil, redisError(err)
	}
	return ids, nil
}

func (r *SessionRepo) FindActiveByUser(ctx context.Context, userID uuid.UUID, at time.Time) ([]*domain.Session, error) {
	sessions, err := r.userSessions(ctx, userID)
	if err != nil {
		return nil, err
	}

	active := sessions[:0]
	for _, s := range sessions {
		if !s.IsExpired(at) && s.ExpiresAt().After(at) {
			active = append(active, s)
		}
	}

	slices.SortFunc(active, func(a, b *domain.Session) int {
		return b.Created().At.Compare(a.Created().At)
	})
	return active, nil
}

// Sessions are saved one by one, a failure leaves the earlier ones revoked
func (r *SessionRepo) RevokeByUser(ctx context.Context, userID uuid.UUID, reason string, audit domain.AuditInfo) ([]*domain.Session, error) {
	sessions, err := r.userSessions(ctx, userID)
	if err != nil {
		return nil, err
	}

	var revoked []*domain.Session
	for _, s := range sessions {
		before, err := domain.RestoreSession(s.Record())
		if err != nil {
			return revoked, err
		}
		if !s.Revoke(reason, audit) {
			continue
		}
		if err := r.Save(ctx, s); err != nil {
			return revoked, err
		}
		revoked = append(revoked, before)
	}
	return revoked, nil
}

// Record is rewritten under WATCH so concurrent saves are not lost
func (r *SessionRepo) UpdateMetadata(ctx context.Context, id string, meta domain.SessionMetadata) error {
	key := r.sessionKey(id)

	err := r.client.Watch(ctx, func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
			return fmt.Errorf("session %s: %w", id, apperrors.ErrSessionNotFound)
		case err != nil:
			return redisError(err)
		}

		var rec domain.SessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("session %s: decode record: %w", id, err)
		}
		at, by, ip := meta.Updated.At, meta.Updated.ActorID, meta.Updated.IP
		rec.LastIP, rec.UpdatedAt, rec.UpdatedBy, rec.UpdatedIP = meta.LastIP, &at, &by, &ip

		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("session %s: encode record: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.SetArgs(ctx, key, updated, goredis.SetArgs{KeepTTL: true})
			return nil
		})
		if err != nil {
			return redisError(err)
		}
		return nil
	}, key)

	return err
}

// Load every session listed for the user, skipping ids whose record is gone
func (r *SessionRepo) userSessions(ctx context.Context, userID uuid.UUID) ([]*domain.Session, error) {
	ids, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return nil, redisError(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*goredis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, redisError(err)
	}

	sessions := make([]*domain.Session, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
			continue
		case err != nil:
			return nil, redisError(err)
		}

		s, err := decodeSession(ids[i], data)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func decodeSession(id string, data []byte) (*domain.Session, error) {
	var rec domain.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("session %s: decode record: %w", id, err)
	}
	return domain.RestoreSession(rec)
}

// Earliest of primary and access token expiry, the sweep criterion
func expiryScore(rec domain.SessionRecord) string {
	at := rec.ExpiresAt
	if rec.AccessExpiresAt.Before(at) {
		at = rec.AccessExpiresAt
	}
	return strconv.FormatInt(at.UnixMicro(), 10)
}
