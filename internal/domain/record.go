package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionRecord is the flat storage shape of a session.
// Backends persist and load it; RestoreSession turns it back into an entity.
type SessionRecord struct {
	ID     string    `json:"id"`
	UserID uuid.UUID `json:"user_id"`

	AccessToken      string     `json:"access_token"`
	AccessExpiresAt  time.Time  `json:"access_expires_at"`
	RefreshToken     *string    `json:"refresh_token,omitempty"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at,omitempty"`
	CsrfToken        *string    `json:"csrf_token,omitempty"`
	CsrfExpiresAt    *time.Time `json:"csrf_expires_at,omitempty"`

	ExpiresAt     time.Time `json:"expires_at"`
	Status        string    `json:"status"`
	RevokedReason string    `json:"revoked_reason,omitempty"`

	CreatedIP string `json:"created_ip"`
	LastIP    string `json:"last_ip,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	CreatedBy uuid.UUID  `json:"created_by"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	UpdatedBy *uuid.UUID `json:"updated_by,omitempty"`
	UpdatedIP *string    `json:"updated_ip,omitempty"`

	RawData string `json:"raw_data,omitempty"`
}

// LatestExpiry is the last moment any credential of the record is still valid
func (r SessionRecord) LatestExpiry() time.Time {
	latest := r.ExpiresAt
	for _, t := range []time.Time{r.AccessExpiresAt, deref(r.RefreshExpiresAt), deref(r.CsrfExpiresAt)} {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

// Record flattens the session for storage
func (s *Session) Record() SessionRecord {
	rec := SessionRecord{
		ID:              s.id,
		UserID:          s.userID,
		AccessToken:     s.accessToken.String(),
		AccessExpiresAt: s.accessToken.ExpiresAt(),
		ExpiresAt:       s.expiresAt,
		Status:          string(s.status),
		RevokedReason:   s.revokedReason,
		CreatedIP:       s.createdIP,
		LastIP:          s.lastIP,
		CreatedAt:       s.created.At,
		CreatedBy:       s.created.ActorID,
		RawData:         s.rawData,
	}

	if s.refreshToken != nil {
		v, exp := s.refreshToken.String(), s.refreshToken.ExpiresAt()
		rec.RefreshToken, rec.RefreshExpiresAt = &v, &exp
	}
	if s.csrfToken != nil {
		v, exp := s.csrfToken.String(), s.csrfToken.ExpiresAt()
		rec.CsrfToken, rec.CsrfExpiresAt = &v, &exp
	}
	if s.updated != nil {
		at, by, ip := s.updated.At, s.updated.ActorID, s.updated.IP
		rec.UpdatedAt, rec.UpdatedBy, rec.UpdatedIP = &at, &by, &ip
	}

	return rec
}

// RestoreSession rebuilds a session loaded from storage.
// Token formats are checked, expiry is not: stored rows may be stale until collected.
func RestoreSession(rec SessionRecord) (*Session, error) {
	status, err := ParseSessionStatus(rec.Status)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", rec.ID, err)
	}

	access, err := RestoreAccessToken(rec.AccessToken, rec.AccessExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", rec.ID, err)
	}

	s := &Session{
		id:            rec.ID,
		userID:        rec.UserID,
		accessToken:   access,
		expiresAt:     rec.ExpiresAt,
		status:        status,
		revokedReason: rec.RevokedReason,
		createdIP:     rec.CreatedIP,
		lastIP:        rec.LastIP,
		created:       AuditInfo{At: rec.CreatedAt, ActorID: rec.CreatedBy, IP: rec.CreatedIP},
		rawData:       rec.RawData,
	}

	if rec.RefreshToken != nil {
		t, err := RestoreRefreshToken(*rec.RefreshToken, deref(rec.RefreshExpiresAt))
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", rec.ID, err)
		}
		s.refreshToken = &t
	}

	if rec.CsrfToken != nil {
		t, err := RestoreCsrfToken(*rec.CsrfToken, deref(rec.CsrfExpiresAt))
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", rec.ID, err)
		}
		s.csrfToken = &t
	}

	if rec.UpdatedAt != nil {
		s.updated = &AuditInfo{At: *rec.UpdatedAt, ActorID: deref(rec.UpdatedBy), IP: deref(rec.UpdatedIP)}
	}

	return s, nil
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}
