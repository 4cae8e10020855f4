package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/sessionkeeper/internal/apperrors"
)

var (
	// Owner of transient sessions created for anonymous callers
	GuestUserID = uuid.Nil

	// Actor recorded for changes made by background jobs (garbage collection and such)
	SystemActorID = uuid.Max
)

// Longest session id both backends can store
const MaxSessionIDLength = 255

type SessionStatus string

const (
	SessionActive  SessionStatus = "ACTIVE"
	SessionRevoked SessionStatus = "REVOKED"
	SessionExpired SessionStatus = "EXPIRED"
)

func ParseSessionStatus(value string) (SessionStatus, error) {
	switch s := SessionStatus(value); s {
	case SessionActive, SessionRevoked, SessionExpired:
		return s, nil
	default:
		return "", fmt.Errorf("unknown session status %q: %w", value, apperrors.ErrInvalidArgument)
	}
}

func (s SessionStatus) IsTerminal() bool {
	return s == SessionRevoked || s == SessionExpired
}

// Transition returns the status after moving to 'to' and whether anything changed.
// Only ACTIVE may move, and only to a terminal status; terminal statuses never change.
func (s SessionStatus) Transition(to SessionStatus) (SessionStatus, bool) {
	if s != SessionActive {
		return s, false
	}

	switch to {
	case SessionRevoked, SessionExpired:
		return to, true
	default:
		return s, false
	}
}

// AuditInfo tells who touched the session, when and from where
type AuditInfo struct {
	At      time.Time
	ActorID uuid.UUID
	IP      string
}

// Session binds an owner to a set of time-boxed credentials.
// Identity is immutable; everything else changes through the named operations only.
type Session struct {
	id     string
	userID uuid.UUID

	accessToken  AccessToken
	refreshToken *RefreshToken // nil if not issued
	csrfToken    *CsrfToken    // nil if not issued

	// Primary expiry. Mirrors access token expiry unless set explicitly on creation
	expiresAt time.Time

	status        SessionStatus
	revokedReason string

	createdIP string
	lastIP    string

	created AuditInfo
	updated *AuditInfo // nil until first change

	// Opaque payload written by session handlers
	rawData string
}

// SessionMetadata is what a use of the session changes
type SessionMetadata struct {
	LastIP  string
	Updated AuditInfo
}

type SessionParams struct {
	ID           string
	UserID       uuid.UUID
	AccessToken  AccessToken
	RefreshToken *RefreshToken
	CsrfToken    *CsrfToken

	// If zero the access token expiry is used
	ExpiresAt time.Time

	CreatedIP string
	Created   AuditInfo
	RawData   string
}

// NewSession builds an ACTIVE session. The access token is required.
func NewSession(p SessionParams) (*Session, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("session id is empty: %w", apperrors.ErrInvalidArgument)
	}
	if p.AccessToken.String() == "" {
		return nil, fmt.Errorf("session %s has no access token: %w", p.ID, apperrors.ErrInvalidArgument)
	}

	expiresAt := p.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = p.AccessToken.ExpiresAt()
	}

	return &Session{
		id:           p.ID,
		userID:       p.UserID,
		accessToken:  p.AccessToken,
		refreshToken: p.RefreshToken,
		csrfToken:    p.CsrfToken,
		expiresAt:    expiresAt,
		status:       SessionActive,
		createdIP:    p.CreatedIP,
		lastIP:       p.CreatedIP,
		created:      p.Created,
		rawData:      p.RawData,
	}, nil
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) UserID() uuid.UUID           { return s.userID }
func (s *Session) AccessToken() AccessToken    { return s.accessToken }
func (s *Session) ExpiresAt() time.Time        { return s.expiresAt }
func (s *Session) Status() SessionStatus       { return s.status }
func (s *Session) RevokedReason() string       { return s.revokedReason }
func (s *Session) CreatedIP() string           { return s.createdIP }
func (s *Session) LastIP() string              { return s.lastIP }
func (s *Session) Created() AuditInfo          { return s.created }
func (s *Session) RawData() string             { return s.rawData }
func (s *Session) IsGuest() bool               { return s.userID == GuestUserID }
func (s *Session) RefreshToken() *RefreshToken { return copyPtr(s.refreshToken) }
func (s *Session) CsrfToken() *CsrfToken       { return copyPtr(s.csrfToken) }
func (s *Session) Updated() *AuditInfo         { return copyPtr(s.updated) }

// IsExpired is the read-time check: the computed access token expiry wins over the stored status
func (s *Session) IsExpired(ref time.Time) bool {
	return s.status != SessionActive || s.accessToken.IsExpired(ref)
}

// RotateAccessToken replaces the access token and moves the primary expiry with it
func (s *Session) RotateAccessToken(t AccessToken, audit AuditInfo) error {
	if err := s.mustBeActive(); err != nil {
		return err
	}
	if t.String() == "" {
		return fmt.Errorf("access token is required: %w", apperrors.ErrInvalidArgument)
	}

	s.accessToken = t
	s.expiresAt = t.ExpiresAt()
	s.updated = &audit
	return nil
}

// RotateRefreshToken replaces the refresh token. nil drops it.
func (s *Session) RotateRefreshToken(t *RefreshToken, audit AuditInfo) error {
	if err := s.mustBeActive(); err != nil {
		return err
	}

	s.refreshToken = copyPtr(t)
	s.updated = &audit
	return nil
}

// RotateCsrfToken replaces the csrf token. nil drops it.
func (s *Session) RotateCsrfToken(t *CsrfToken, audit AuditInfo) error {
	if err := s.mustBeActive(); err != nil {
		return err
	}

	s.csrfToken = copyPtr(t)
	s.updated = &audit
	return nil
}

// Revoke moves an active session to REVOKED. Returns false if nothing changed.
func (s *Session) Revoke(reason string, audit AuditInfo) bool {
	next, changed := s.status.Transition(SessionRevoked)
	if !changed {
		return false
	}

	s.status = next
	s.revokedReason = reason
	s.updated = &audit
	return true
}

// MarkExpired moves an active session to EXPIRED. Returns false if nothing changed.
func (s *Session) MarkExpired(audit AuditInfo) bool {
	next, changed := s.status.Transition(SessionExpired)
	if !changed {
		return false
	}

	s.status = next
	s.updated = &audit
	return true
}

// Touch records a use of the session
func (s *Session) Touch(ip string, audit AuditInfo) {
	if ip != "" {
		s.lastIP = ip
	}
	s.updated = &audit
}

// Metadata reports the fields Touch changes. Zero Updated if never touched.
func (s *Session) Metadata() SessionMetadata {
	m := SessionMetadata{LastIP: s.lastIP}
	if s.updated != nil {
		m.Updated = *s.updated
	}
	return m
}

func (s *Session) mustBeActive() error {
	if s.status != SessionActive {
		return fmt.Errorf("session %s is %s: %w", s.id, s.status, apperrors.ErrSessionInactive)
	}
	return nil
}

func copyPtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
