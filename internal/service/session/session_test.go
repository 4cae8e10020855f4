package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/sessionkeeper/internal/apperrors"
	"github.com/nkiryanov/sessionkeeper/internal/audit"
	"github.com/nkiryanov/sessionkeeper/internal/domain"
	"github.com/nkiryanov/sessionkeeper/internal/repository"
	"github.com/nkiryanov/sessionkeeper/internal/repository/redis"
	"github.com/nkiryanov/sessionkeeper/internal/testutil"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type memoryRecorder struct {
	events []audit.Event
}

func (r *memoryRecorder) Record(_ context.Context, events ...audit.Event) {
	r.events = append(r.events, events...)
}

type serviceEnv struct {
	service  *Service
	storage  repository.Storage
	clock    *clock
	recorder *memoryRecorder
}

func newServiceEnv(t *testing.T) serviceEnv {
	t.Helper()

	c := &clock{now: testNow}
	_, client := testutil.StartRedis(t)
	storage := redis.NewStorage(client, redis.Options{Prefix: "test", Now: c.Now})
	recorder := &memoryRecorder{}

	service, err := NewService(storage, Options{
		Issuer:   IssuerConfig{AccessTTL: 15 * time.Minute, RefreshTTL: time.Hour},
		Recorder: recorder,
		Now:      c.Now,
	})
	require.NoError(t, err)

	return serviceEnv{service: service, storage: storage, clock: c, recorder: recorder}
}

func TestNewService(t *testing.T) {
	_, err := NewService(nil, Options{})

	require.Error(t, err)
}

func TestService_Start(t *testing.T) {
	userID := uuid.New()

	t.Run("persisted session stored and audited", func(t *testing.T) {
		env := newServiceEnv(t)

		s, raw, err := env.service.Start(t.Context(), StartParams{UserID: userID, IP: "192.0.2.1", WithRefresh: true, WithCsrf: true})
		require.NoError(t, err)

		stored, err := env.storage.Session().Get(t.Context(), s.ID())
		require.NoError(t, err)
		assert.Equal(t, userID, stored.UserID())
		assert.True(t, SecretMatches(raw.Access, stored.AccessToken().String()))
		assert.True(t, SecretMatches(raw.Refresh, stored.RefreshToken().String()))
		assert.Equal(t, raw.Csrf, stored.CsrfToken().String())
		assert.Equal(t, testNow.Add(15*time.Minute), raw.AccessExpiresAt)
		assert.Equal(t, testNow.Add(time.Hour), raw.RefreshExpiresAt)

		require.Len(t, env.recorder.events, 1)
		event := env.recorder.events[0]
		assert.Equal(t, audit.ActionCreate, event.Action)
		assert.Equal(t, s.ID(), event.EntityID)
		assert.Equal(t, userID, event.ActorID)
		assert.Nil(t, event.Before)
		assert.NotContains(t, string(event.After), stored.AccessToken().String())
	})

	t.Run("guest session not stored", func(t *testing.T) {
		env := newServiceEnv(t)

		s, raw, err := env.service.Start(t.Context(), StartParams{IP: "192.0.2.1"})
		require.NoError(t, err)

		assert.True(t, s.IsGuest())
		assert.Empty(t, raw.Refresh)
		assert.Nil(t, s.RefreshToken())
		_, err = env.storage.Session().Get(t.Context(), s.ID())
		require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
		require.Empty(t, env.recorder.events)
	})
}

func TestService_Authenticate(t *testing.T) {
	userID := uuid.New()

	t.Run("valid use touches session", func(t *testing.T) {
		env := newServiceEnv(t)
		s, raw, err := env.service.Start(t.Context(), StartParams{UserID: userID, IP: "192.0.2.1"})
		require.NoError(t, err)
		env.clock.Advance(time.Minute)

		got, violations, err := env.service.Authenticate(t.Context(), s.ID(), raw.Access, "192.0.2.9")

		require.NoError(t, err)
		require.Empty(t, violations)
		assert.Equal(t, "192.0.2.9", got.LastIP())

		stored, err := env.storage.Session().Get(t.Context(), s.ID())
		require.NoError(t, err)
		assert.Equal(t, "192.0.2.9", stored.LastIP())
		assert.True(t, testNow.Add(time.Minute).Equal(stored.Updated().At))
		assert.Equal(t, audit.ActionUpdate, env.recorder.events[len(env.recorder.events)-1].Action)
	})

	t.Run("wrong secret", func(t *testing.T) {
		env := newServiceEnv(t)
		s, _, err := env.service.Start(t.Context(), StartParams{UserID: userID, IP: "192.0.2.1"})
		require.NoError(t, err)

		_, violations, err := env.service.Authenticate(t.Context(), s.ID(), "guess", "192.0.2.9")

		require.NoError(t, err)
		require.Equal(t, []string{"access_token:match"}, fields(violations))

		stored, err := env.storage.Session().Get(t.Context(), s.ID())
		require.NoError(t, err)
		assert.Equal(t, "192.0.2.1", stored.LastIP(), "not touched")
	})

	t.Run("expired access marks session expired", func(t *testing.T) {
		env := newServiceEnv(t)
		s, raw, err := env.service.Start(t.Context(), StartParams{UserID: userID, IP: "192.0.2.1"})
		require.NoError(t, err)
		env.clock.Advance(15 * time.Minute)

		got, violations, err := env.service.Authenticate(t.Context(), s.ID(), raw.Access, "192.0.2.9")

		require.NoError(t, err)
		require.Equal(t, []string{"access_expires_at:gtfield", "expires_at:gtfield", "status:eq"}, fields(violations))
		assert.Equal(t, domain.SessionExpired, got.Status())

		stored, err := env.storage.Session().Get(t.Context(), s.ID())
		require.NoError(t, err)
		assert.Equal(t, domain.SessionExpired, stored.Status())
		assert.Equal(t, domain.SystemActorID, stored.Updated().ActorID)
	})

	t.Run("unknown session", func(t *testing.T) {
		env := newServiceEnv(t)

		_, _, err := env.service.Authenticate(t.Context(), "missing", "secret", "192.0.2.9")

		require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
	})
}

func TestService_Refresh(t *testing.T) {
	userID := uuid.New()

	t.Run("rotates both secrets", func(t *testing.T) {
		env := newServiceEnv(t)
		s, raw, err := env.service.Start(t.Context(), StartParams{UserID: userID, IP: "192.0.2.1", WithRefresh: true})
		require.NoError(t, err)
		env.clock.Advance(10 * time.Minute)

		got, fresh, err := env.service.Refresh(t.Context(), s.ID(), raw.Refresh, "192.0.2.2")

		require.NoError(t, err)
		assert.NotEqual(t, raw.Access, fresh.Access)
		assert.NotEqual(t, raw.Refresh, fresh.Refresh)
		assert.Equal(t, env.clock.Now().Add(15*time.Minute), got.ExpiresAt())

		_, violations, err := env.service.Authenticate(t.Context(), s.ID(), raw.Access, "192.0.2.2")
		require.NoError(t, err)
		require.Equal(t, []string{"access_token:match"}, fields(violations), "old access secret is dead")

		_, violations, err = env.service.Authenticate(t.Context(), s.ID(), fresh.Access, "192.0.2.2")
		require.NoError(t, err)
		require.Empty(t, violations)
	})

	t.Run("wrong refresh secret", func(t *testing.T) {
		env := newServiceEnv(t)
		s, _, err := env.service.Start(t.Context(), StartParams{UserID: userID, WithRefresh: true})
		require.NoError(t, err)

		_, _, err = env.service.Refresh(t.Context(), s.ID(), "guess", "192.0.2.2")

		require.ErrorIs(t, err, apperrors.ErrInvalidArgument)
	})

	t.Run("session without refresh token", func(t *testing.T) {
		env := newServiceEnv(t)
		s, _, err := env.service.Start(t.Context(), StartParams{UserID: userID})
		require.NoError(t, err)

		_, _, err = env.service.Refresh(t.Context(), s.ID(), "anything", "192.0.2.2")

		require.ErrorIs(t, err, apperrors.ErrInvalidArgument)
	})

	t.Run("revoked session", func(t *testing.T) {
		env := newServiceEnv(t)
		s, raw, err := env.service.Start(t.Context(), StartParams{UserID: userID, WithRefresh: true})
		require.NoError(t, err)
		require.NoError(t, env.service.Revoke(t.Context(), s.ID(), "logout", userID))

		_, _, err = env.service.Refresh(t.Context(), s.ID(), raw.Refresh, "192.0.2.2")

		require.ErrorIs(t, err, apperrors.ErrSessionInactive)
	})
}

func TestService_Revoke(t *testing.T) {
	userID := uuid.New()

	t.Run("revoke is idempotent", func(t *testing.T) {
		env := newServiceEnv(t)
		s, _, err := env.service.Start(t.Context(), StartParams{UserID: userID})
		require.NoError(t, err)

		require.NoError(t, env.service.Revoke(t.Context(), s.ID(), "logout", userID))
		require.NoError(t, env.service.Revoke(t.Context(), s.ID(), "again", userID))

		stored, err := env.storage.Session().Get(t.Context(), s.ID())
		require.NoError(t, err)
		assert.Equal(t, domain.SessionRevoked, stored.Status())
		assert.Equal(t, "logout", stored.RevokedReason())
		assert.Len(t, env.recorder.events, 2, "create and one revoke")
	})

	t.Run("revoke all of user", func(t *testing.T) {
		env := newServiceEnv(t)
		other := uuid.New()
		for range 2 {
			_, _, err := env.service.Start(t.Context(), StartParams{UserID: userID})
			require.NoError(t, err)
		}
		kept, _, err := env.service.Start(t.Context(), StartParams{UserID: other})
		require.NoError(t, err)
		env.recorder.events = nil

		count, err := env.service.RevokeAll(t.Context(), userID, "password changed", domain.SystemActorID)

		require.NoError(t, err)
		require.EqualValues(t, 2, count)
		require.Len(t, env.recorder.events, 2)
		for _, e := range env.recorder.events {
			assert.Equal(t, domain.SystemActorID, e.ActorID)
			assert.Contains(t, string(e.After), `"status":"REVOKED"`)
		}

		active, err := env.service.ListActive(t.Context(), userID)
		require.NoError(t, err)
		require.Empty(t, active)

		stored, err := env.storage.Session().Get(t.Context(), kept.ID())
		require.NoError(t, err)
		require.Equal(t, domain.SessionActive, stored.Status())
	})

	t.Run("revoke all audits access-expired sessions", func(t *testing.T) {
		env := newServiceEnv(t)
		for range 2 {
			_, _, err := env.service.Start(t.Context(), StartParams{UserID: userID})
			require.NoError(t, err)
		}
		env.clock.Advance(16 * time.Minute)
		_, _, err := env.service.Start(t.Context(), StartParams{UserID: userID})
		require.NoError(t, err)
		env.recorder.events = nil

		count, err := env.service.RevokeAll(t.Context(), userID, "password changed", domain.SystemActorID)

		require.NoError(t, err)
		require.EqualValues(t, 3, count)
		require.Len(t, env.recorder.events, 3, "one audit event per revoked session")
		for _, e := range env.recorder.events {
			assert.Equal(t, audit.ActionUpdate, e.Action)
			assert.Contains(t, string(e.Before), `"status":"ACTIVE"`)
			assert.Contains(t, string(e.After), `"status":"REVOKED"`)
		}
	})
}

func TestService_Delete(t *testing.T) {
	env := newServiceEnv(t)
	actor := uuid.New()
	s, _, err := env.service.Start(t.Context(), StartParams{UserID: actor})
	require.NoError(t, err)

	require.NoError(t, env.service.Delete(t.Context(), s.ID(), actor))
	require.NoError(t, env.service.Delete(t.Context(), s.ID(), actor), "missing session is not an error")

	_, err = env.storage.Session().Get(t.Context(), s.ID())
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)

	last := env.recorder.events[len(env.recorder.events)-1]
	assert.Equal(t, audit.ActionDelete, last.Action)
	assert.NotNil(t, last.Before)
	assert.Nil(t, last.After)
}
