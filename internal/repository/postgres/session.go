package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/sessionkeeper/internal/apperrors"
	"github.com/nkiryanov/sessionkeeper/internal/domain"
)

type SessionRepo struct {
	DB DBTX
}

const sessionColumns = `id, user_id,
	access_token, access_expires_at, refresh_token, refresh_expires_at, csrf_token, csrf_expires_at,
	expires_at, status, revoked_reason, created_ip, last_ip,
	created_at, created_by, updated_at, updated_by, updated_ip, raw_data`

const createSession = `-- name: CreateSession
INSERT INTO sessions (` + sessionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
`

func (r *SessionRepo) Create(ctx context.Context, s *domain.Session) error {
	_, err := r.DB.Exec(ctx, createSession, recordArgs(s.Record())...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("session %s: %w", s.ID(), apperrors.ErrSessionAlreadyExists)
		}
		return dbError(err)
	}
	return nil
}

// Creation audit is written once and never overwritten
const saveSession = `-- name: SaveSession
INSERT INTO sessions (` + sessionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
ON CONFLICT (id) DO UPDATE SET
	user_id = EXCLUDED.user_id,
	access_token = EXCLUDED.access_token,
	access_expires_at = EXCLUDED.access_expires_at,
	refresh_token = EXCLUDED.refresh_token,
	refresh_expires_at = EXCLUDED.refresh_expires_at,
	csrf_token = EXCLUDED.csrf_token,
	csrf_expires_at = EXCLUDED.csrf_expires_at,
	expires_at = EXCLUDED.expires_at,
	status = EXCLUDED.status,
	revoked_reason = EXCLUDED.revoked_reason,
	last_ip = EXCLUDED.last_ip,
	updated_at = EXCLUDED.updated_at,
	updated_by = EXCLUDED.updated_by,
	updated_ip = EXCLUDED.updated_ip,
	raw_data = EXCLUDED.raw_data
`

func (r *SessionRepo) Save(ctx context.Context, s *domain.Session) error {
	_, err := r.DB.Exec(ctx, saveSession, recordArgs(s.Record())...)
	if err != nil {
		return dbError(err)
	}
	return nil
}

const getSession = `-- name: GetSession
SELECT ` + sessionColumns + `
FROM sessions
WHERE id = $1
`

func (r *SessionRepo) Get(ctx context.Context, id string) (*domain.Session, error) {
	rows, _ := r.DB.Query(ctx, getSession, id)
	rec, err := pgx.CollectOneRow(rows, rowToRecord)

	switch {
	case err == nil:
		return domain.RestoreSession(rec)
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("session %s: %w", id, apperrors.ErrSessionNotFound)
	default:
		return nil, dbError(err)
	}
}

const deleteSession = `-- name: DeleteSession
DELETE FROM sessions
WHERE id = $1
`

func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.DB.Exec(ctx, deleteSession, id)
	if err != nil {
		return dbError(err)
	}
	return nil
}

// Single statement, so rows are selected and removed atomically
const deleteExpiredSessions = `-- name: DeleteExpiredSessions
DELETE FROM sessions
WHERE expires_at < $1 OR access_expires_at < $1
RETURNING id
`

func (r *SessionRepo) DeleteExpired(ctx context.Context, before time.Time) ([]string, error) {
	rows, _ := r.DB.Query(ctx, deleteExpiredSessions, before)
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, dbError(err)
	}
	return ids, nil
}

const findActiveByUser = `-- name: FindActiveByUser
SELECT ` + sessionColumns + `
FROM sessions
WHERE user_id = $1 AND status = 'ACTIVE' AND expires_at > $2 AND access_expires_at > $2
ORDER BY created_at DESC
`

func (r *SessionRepo) FindActiveByUser(ctx context.Context, userID uuid.UUID, at time.Time) ([]*domain.Session, error) {
	rows, _ := r.DB.Query(ctx, findActiveByUser, userID, at)
	recs, err := pgx.CollectRows(rows, rowToRecord)
	if err != nil {
		return nil, dbError(err)
	}
	return restoreAll(recs)
}

func restoreAll(recs []domain.SessionRecord) ([]*domain.Session, error) {
	sessions := make([]*domain.Session, 0, len(recs))
	for _, rec := range recs {
		s, err := domain.RestoreSession(rec)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// Rows are locked and returned with their values before the update
const revokeByUser = `-- name: RevokeByUser
UPDATE sessions AS s
SET status = 'REVOKED', revoked_reason = $2, updated_at = $3, updated_by = $4, updated_ip = $5
FROM (
	SELECT ` + sessionColumns + `
	FROM sessions
	WHERE user_id = $1 AND status = 'ACTIVE'
	FOR UPDATE
) AS prev
WHERE s.id = prev.id
RETURNING prev.*
`

func (r *SessionRepo) RevokeByUser(ctx context.Context, userID uuid.UUID, reason string, audit domain.AuditInfo) ([]*domain.Session, error) {
	rows, _ := r.DB.Query(ctx, revokeByUser, userID, reason, audit.At, audit.ActorID, audit.IP)
	recs, err := pgx.CollectRows(rows, rowToRecord)
	if err != nil {
		return nil, dbError(err)
	}
	return restoreAll(recs)
}

const updateMetadata = `-- name: UpdateMetadata
UPDATE sessions
SET last_ip = $2, updated_at = $3, updated_by = $4, updated_ip = $5
WHERE id = $1
`

func (r *SessionRepo) UpdateMetadata(ctx context.Context, id string, meta domain.SessionMetadata) error {
	tag, err := r.DB.Exec(ctx, updateMetadata, id, meta.LastIP, meta.Updated.At, meta.Updated.ActorID, meta.Updated.IP)
	if err != nil {
		return dbError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, apperrors.ErrSessionNotFound)
	}
	return nil
}

func recordArgs(rec domain.SessionRecord) []any {
	return []any{
		rec.ID, rec.UserID,
		rec.AccessToken, rec.AccessExpiresAt, rec.RefreshToken, rec.RefreshExpiresAt, rec.CsrfToken, rec.CsrfExpiresAt,
		rec.ExpiresAt, rec.Status, rec.RevokedReason, rec.CreatedIP, rec.LastIP,
		rec.CreatedAt, rec.CreatedBy, rec.UpdatedAt, rec.UpdatedBy, rec.UpdatedIP, rec.RawData,
	}
}

func rowToRecord(row pgx.CollectableRow) (domain.SessionRecord, error) {
	var rec domain.SessionRecord
	err := row.Scan(
		&rec.ID, &rec.UserID,
		&rec.AccessToken, &rec.AccessExpiresAt, &rec.RefreshToken, &rec.RefreshExpiresAt, &rec.CsrfToken, &rec.CsrfExpiresAt,
		&rec.ExpiresAt, &rec.Status, &rec.RevokedReason, &rec.CreatedIP, &rec.LastIP,
		&rec.CreatedAt, &rec.CreatedBy, &rec.UpdatedAt, &rec.UpdatedBy, &rec.UpdatedIP, &rec.RawData,
	)
	return rec, err
}
