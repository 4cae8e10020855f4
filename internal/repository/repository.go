package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/sessionkeeper/internal/domain"
)

// Session repository interface
// Backend failures must wrap apperrors.ErrStorageUnavailable, never apperrors.ErrSessionNotFound
type SessionRepo interface {
	// Insert new session
	// If session with same id exists already has to return apperrors.ErrSessionAlreadyExists
	Create(ctx context.Context, s *domain.Session) error

	// Insert or overwrite the session by its id
	Save(ctx context.Context, s *domain.Session) error

	// Return the session even if it is expired or revoked
	// If session not found must return apperrors.ErrSessionNotFound
	Get(ctx context.Context, id string) (*domain.Session, error)

	// Remove the session. Removing a missing session is not an error
	Delete(ctx context.Context, id string) error

	// Atomically remove sessions whose primary or access token expiry is strictly before 'before'
	// Return ids of removed sessions
	DeleteExpired(ctx context.Context, before time.Time) ([]string, error)
}

// Session repository that knows which sessions belong to a user
type UserSessionRepo interface {
	SessionRepo

	// Return active sessions of the user not expired at 'at', newest first
	FindActiveByUser(ctx context.Context, userID uuid.UUID, at time.Time) ([]*domain.Session, error)

	// Revoke every ACTIVE session of the user, expired or not.
	// Return the revoked sessions as they were before revocation
	RevokeByUser(ctx context.Context, userID uuid.UUID, reason string, audit domain.AuditInfo) ([]*domain.Session, error)

	// Store last ip and update audit only, leaving tokens and status as they are
	// If session not found must return apperrors.ErrSessionNotFound
	UpdateMetadata(ctx context.Context, id string, meta domain.SessionMetadata) error
}

// Session payload handler
// Every call made before Open or after Close must return apperrors.ErrHandlerClosed
type SessionHandler interface {
	Open(ctx context.Context, namespace string, name string) error
	Close() error

	// Return stored payload or empty string if session is absent or expired
	Read(ctx context.Context, id string) (string, error)

	// Store payload, last write wins
	Write(ctx context.Context, id string, data string, owner uuid.UUID) error

	// Remove payload. Removing a missing payload is not an error
	Destroy(ctx context.Context, id string) error

	// Remove payloads not written for longer than maxLifetime. Return number of removed payloads
	GC(ctx context.Context, maxLifetime time.Duration) (int64, error)
}

type Storage interface {
	Session() UserSessionRepo

	// Run fn atomically. Backends without transactions may run fn as is
	InTx(ctx context.Context, fn func(Storage) error) error
}
