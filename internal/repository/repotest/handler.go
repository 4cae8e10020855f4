// Package repotest holds behaviour checks every storage backend must pass.
package repotest

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/sessionkeeper/internal/apperrors"
	"github.com/nkiryanov/sessionkeeper/internal/repository"
)

var handlerEpoch = time.Date(2024, 1, 1, 19, 0, 1, 0, time.UTC)

// NewHandler returns a closed handler reading time from now.
// Payloads must stay readable for at least an hour after the write.
type NewHandler func(t *testing.T, now func() time.Time) repository.SessionHandler

// RunSessionHandler checks the payload handler behaves the same whatever the backend
func RunSessionHandler(t *testing.T, newHandler NewHandler) {
	owner := uuid.New()

	// Open handler in a namespace of its own so backends with shared state stay independent
	open := func(t *testing.T, now *time.Time) (repository.SessionHandler, string) {
		h := newHandler(t, func() time.Time { return *now })
		namespace := uuid.NewString()
		require.NoError(t, h.Open(t.Context(), namespace, "SESSID"))
		t.Cleanup(func() { _ = h.Close() })
		return h, namespace
	}

	requirePayload := func(t *testing.T, h repository.SessionHandler, id string, want string) {
		t.Helper()
		data, err := h.Read(t.Context(), id)
		require.NoError(t, err)
		require.Equal(t, want, data)
	}

	t.Run("calls before open fail", func(t *testing.T) {
		h := newHandler(t, time.Now)

		_, err := h.Read(t.Context(), "any")
		require.ErrorIs(t, err, apperrors.ErrHandlerClosed)
		require.ErrorIs(t, h.Write(t.Context(), "any", "data", owner), apperrors.ErrHandlerClosed)
		require.ErrorIs(t, h.Destroy(t.Context(), "any"), apperrors.ErrHandlerClosed)
		_, err = h.GC(t.Context(), time.Hour)
		require.ErrorIs(t, err, apperrors.ErrHandlerClosed)
	})

	t.Run("calls after close fail", func(t *testing.T) {
		now := handlerEpoch
		h, _ := open(t, &now)
		require.NoError(t, h.Close())
		require.NoError(t, h.Close(), "close is idempotent")

		_, err := h.Read(t.Context(), "any")
		require.ErrorIs(t, err, apperrors.ErrHandlerClosed)
		require.ErrorIs(t, h.Write(t.Context(), "any", "data", owner), apperrors.ErrHandlerClosed)
	})

	t.Run("open requires namespace and name", func(t *testing.T) {
		h := newHandler(t, time.Now)

		require.ErrorIs(t, h.Open(t.Context(), "", "SESSID"), apperrors.ErrInvalidArgument)
		require.ErrorIs(t, h.Open(t.Context(), "app", ""), apperrors.ErrInvalidArgument)
	})

	t.Run("write then read last write wins", func(t *testing.T) {
		now := handlerEpoch
		h, _ := open(t, &now)

		require.NoError(t, h.Write(t.Context(), "sess-1", "first", owner))
		require.NoError(t, h.Write(t.Context(), "sess-1", "second", uuid.New()))

		requirePayload(t, h, "sess-1", "second")
	})

	t.Run("write needs no prior session", func(t *testing.T) {
		now := handlerEpoch
		h, _ := open(t, &now)

		require.NoError(t, h.Write(t.Context(), "never-started", "data", owner))

		requirePayload(t, h, "never-started", "data")
	})

	t.Run("read missing is empty", func(t *testing.T) {
		now := handlerEpoch
		h, _ := open(t, &now)

		requirePayload(t, h, "missing", "")
	})

	t.Run("destroy is idempotent and keeps other ids", func(t *testing.T) {
		now := handlerEpoch
		h, _ := open(t, &now)
		require.NoError(t, h.Write(t.Context(), "sess-1", "data", owner))
		require.NoError(t, h.Write(t.Context(), "sess-2", "other", owner))

		require.NoError(t, h.Destroy(t.Context(), "sess-1"))
		require.NoError(t, h.Destroy(t.Context(), "sess-1"))

		requirePayload(t, h, "sess-1", "")
		requirePayload(t, h, "sess-2", "other")
	})

	t.Run("namespaces are isolated", func(t *testing.T) {
		now := handlerEpoch
		h, namespace := open(t, &now)
		require.NoError(t, h.Write(t.Context(), "sess-1", "data", owner))

		require.NoError(t, h.Open(t.Context(), uuid.NewString(), "SESSID"))
		requirePayload(t, h, "sess-1", "")
		require.NoError(t, h.Destroy(t.Context(), "sess-1"))

		require.NoError(t, h.Open(t.Context(), namespace, "OTHER"))
		requirePayload(t, h, "sess-1", "")

		require.NoError(t, h.Open(t.Context(), namespace, "SESSID"))
		requirePayload(t, h, "sess-1", "data")
	})

	t.Run("gc removes stale payloads and counts them", func(t *testing.T) {
		now := handlerEpoch
		h, _ := open(t, &now)
		require.NoError(t, h.Write(t.Context(), "stale", "data", owner))
		now = handlerEpoch.Add(10 * time.Minute)
		require.NoError(t, h.Write(t.Context(), "fresh", "data", owner))

		removed, err := h.GC(t.Context(), 5*time.Minute)

		require.NoError(t, err)
		require.EqualValues(t, 1, removed)
		requirePayload(t, h, "stale", "")
		requirePayload(t, h, "fresh", "data")

		removed, err = h.GC(t.Context(), 5*time.Minute)
		require.NoError(t, err)
		require.Zero(t, removed)
	})

	t.Run("gc stays in its namespace", func(t *testing.T) {
		now := handlerEpoch
		h, namespace := open(t, &now)
		require.NoError(t, h.Write(t.Context(), "stale", "data", owner))
		now = handlerEpoch.Add(10 * time.Minute)

		require.NoError(t, h.Open(t.Context(), uuid.NewString(), "SESSID"))
		removed, err := h.GC(t.Context(), 5*time.Minute)
		require.NoError(t, err)
		require.Zero(t, removed)

		require.NoError(t, h.Open(t.Context(), namespace, "SESSID"))
		requirePayload(t, h, "stale", "data")
	})
}
