package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/sessionkeeper/internal/repository"
	"github.com/nkiryanov/sessionkeeper/internal/repository/repotest"
	"github.com/nkiryanov/sessionkeeper/internal/testutil"
)

func Test_SessionHandler(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	repotest.RunSessionHandler(t, func(t *testing.T, now func() time.Time) repository.SessionHandler {
		return NewSessionHandler(pg.Pool, time.Hour, now)
	})

	openHandler := func(t *testing.T, ttl time.Duration, now *time.Time) *SessionHandler {
		h := NewSessionHandler(pg.Pool, ttl, func() time.Time { return *now })
		require.NoError(t, h.Open(t.Context(), uuid.NewString(), "SESSID"))
		t.Cleanup(func() { _ = h.Close() })
		return h
	}

	t.Run("read expired is empty", func(t *testing.T) {
		now := createdAt
		h := openHandler(t, time.Minute, &now)
		require.NoError(t, h.Write(t.Context(), "sess-1", "data", uuid.New()))

		now = createdAt.Add(2 * time.Minute)

		data, err := h.Read(t.Context(), "sess-1")
		require.NoError(t, err)
		require.Empty(t, data)
	})

	t.Run("zero ttl never expires on read", func(t *testing.T) {
		now := createdAt
		h := openHandler(t, 0, &now)
		require.NoError(t, h.Write(t.Context(), "sess-1", "data", uuid.New()))

		now = createdAt.Add(365 * 24 * time.Hour)

		data, err := h.Read(t.Context(), "sess-1")
		require.NoError(t, err)
		require.Equal(t, "data", data)
	})

	t.Run("payloads do not touch sessions", func(t *testing.T) {
		now := createdAt
		h := openHandler(t, time.Hour, &now)
		repo := SessionRepo{DB: pg.Pool}
		require.NoError(t, repo.Create(t.Context(), newSession(t, "h-kept", uuid.New(), time.Hour)))
		t.Cleanup(func() { _ = repo.Delete(t.Context(), "h-kept") })
		require.NoError(t, h.Write(t.Context(), "h-kept", "data", uuid.New()))

		require.NoError(t, h.Destroy(t.Context(), "h-kept"))
		now = createdAt.Add(48 * time.Hour)
		_, err := h.GC(t.Context(), time.Minute)
		require.NoError(t, err)

		got, err := repo.Get(t.Context(), "h-kept")
		require.NoError(t, err)
		require.Equal(t, "payload", got.RawData())
	})
}
