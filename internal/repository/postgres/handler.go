package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nkiryanov/sessionkeeper/internal/apperrors"
)

type connAcquirer interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
}

// SessionHandler keeps payloads in the session_payloads table keyed by namespace, name and id.
// A payload is readable for ttl after its last write, zero ttl keeps it until destroyed or collected.
// Open holds one pooled connection until Close.
type SessionHandler struct {
	pool connAcquirer
	ttl  time.Duration
	now  func() time.Time

	mu        sync.Mutex
	conn      *pgxpool.Conn
	namespace string
	name      string
}

func NewSessionHandler(pool connAcquirer, ttl time.Duration, now func() time.Time) *SessionHandler {
	if now == nil {
		now = time.Now
	}
	return &SessionHandler{pool: pool, ttl: ttl, now: now}
}

// Open binds the handler to namespace and name. Opening again only changes the scope.
func (h *SessionHandler) Open(ctx context.Context, namespace string, name string) error {
	if namespace == "" || name == "" {
		return fmt.Errorf("namespace and name are required: %w", apperrors.ErrInvalidArgument)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn == nil {
		conn, err := h.pool.Acquire(ctx)
		if err != nil {
			return dbError(err)
		}
		h.conn = conn
	}

	h.namespace, h.name = namespace, name
	return nil
}

func (h *SessionHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn != nil {
		h.conn.Release()
		h.conn = nil
	}
	return nil
}

// Run fn on the held connection or fail if the handler is closed
func (h *SessionHandler) withConn(fn func(conn *pgxpool.Conn) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn == nil {
		return fmt.Errorf("postgres handler: %w", apperrors.ErrHandlerClosed)
	}
	return fn(h.conn)
}

const readPayload = `-- name: ReadPayload
SELECT data
FROM session_payloads
WHERE namespace = $1 AND name = $2 AND id = $3 AND written_at > $4
`

func (h *SessionHandler) Read(ctx context.Context, id string) (string, error) {
	var data string
	err := h.withConn(func(conn *pgxpool.Conn) error {
		var cutoff time.Time
		if h.ttl > 0 {
			cutoff = h.now().Add(-h.ttl)
		}

		rows, _ := conn.Query(ctx, readPayload, h.namespace, h.name, id, cutoff)
		var err error
		data, err = pgx.CollectOneRow(rows, pgx.RowTo[string])

		switch {
		case err == nil:
			return nil
		case errors.Is(err, pgx.ErrNoRows):
			data = ""
			return nil
		default:
			return dbError(err)
		}
	})
	return data, err
}

const writePayload = `-- name: WritePayload
INSERT INTO session_payloads (namespace, name, id, owner_id, data, written_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (namespace, name, id) DO UPDATE
SET owner_id = EXCLUDED.owner_id, data = EXCLUDED.data, written_at = EXCLUDED.written_at
`

func (h *SessionHandler) Write(ctx context.Context, id string, data string, owner uuid.UUID) error {
	return h.withConn(func(conn *pgxpool.Conn) error {
		if _, err := conn.Exec(ctx, writePayload, h.namespace, h.name, id, owner, data, h.now()); err != nil {
			return dbError(err)
		}
		return nil
	})
}

const destroyPayload = `-- name: DestroyPayload
DELETE FROM session_payloads
WHERE namespace = $1 AND name = $2 AND id = $3
`

func (h *SessionHandler) Destroy(ctx context.Context, id string) error {
	return h.withConn(func(conn *pgxpool.Conn) error {
		if _, err := conn.Exec(ctx, destroyPayload, h.namespace, h.name, id); err != nil {
			return dbError(err)
		}
		return nil
	})
}

const gcPayloads = `-- name: GCPayloads
DELETE FROM session_payloads
WHERE namespace = $1 AND name = $2 AND written_at < $3
`

func (h *SessionHandler) GC(ctx context.Context, maxLifetime time.Duration) (int64, error) {
	var removed int64
	err := h.withConn(func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, gcPayloads, h.namespace, h.name, h.now().Add(-maxLifetime))
		if err != nil {
			return dbError(err)
		}
		removed = tag.RowsAffected()
		return nil
	})
	return removed, err
}
