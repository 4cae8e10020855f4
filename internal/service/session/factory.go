package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/sessionkeeper/internal/apperrors"
	"github.com/nkiryanov/sessionkeeper/internal/domain"
)

// CreationData is either PersistedData or TransientData
type CreationData interface {
	creationData()
}

// PersistedData describes a session with a known owner. The caller supplies the audit info.
type PersistedData struct {
	UserID       uuid.UUID
	AccessToken  domain.AccessToken
	RefreshToken *domain.RefreshToken
	CsrfToken    *domain.CsrfToken

	// If zero the access token expiry is used
	ExpiresAt time.Time

	CreatedIP string
	Created   domain.AuditInfo
	RawData   string
}

// TransientData describes a guest session. Owner and audit info are synthesized by the factory.
type TransientData struct {
	AccessToken  domain.AccessToken
	RefreshToken *domain.RefreshToken
	CsrfToken    *domain.CsrfToken
	ExpiresAt    time.Time
	CreatedIP    string
	RawData      string
}

func (PersistedData) creationData() {}
func (TransientData) creationData() {}

// Factory mints sessions. It never stores them.
type Factory struct {
	now func() time.Time
}

func NewFactory(now func() time.Time) *Factory {
	if now == nil {
		now = time.Now
	}
	return &Factory{now: now}
}

// CreatePersisted builds an owned session. Zero ref means the factory clock.
func (f *Factory) CreatePersisted(id string, data CreationData, ref time.Time) (*domain.Session, error) {
	p, ok := data.(PersistedData)
	if !ok {
		return nil, fmt.Errorf("persisted session needs PersistedData, got %T: %w", data, apperrors.ErrInvalidArgument)
	}
	if p.UserID == domain.GuestUserID {
		return nil, fmt.Errorf("persisted session needs an owner: %w", apperrors.ErrInvalidArgument)
	}

	if ref.IsZero() {
		ref = f.now()
	}
	if p.AccessToken.IsExpired(ref) {
		return nil, fmt.Errorf("access token expired at %s: %w", p.AccessToken.ExpiresAt().Format(time.RFC3339), apperrors.ErrExpiredToken)
	}

	created := p.Created
	if created.At.IsZero() {
		created.At = ref
	}
	if created.IP == "" {
		created.IP = p.CreatedIP
	}

	return domain.NewSession(domain.SessionParams{
		ID:           id,
		UserID:       p.UserID,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		CsrfToken:    p.CsrfToken,
		ExpiresAt:    p.ExpiresAt,
		CreatedIP:    p.CreatedIP,
		Created:      created,
		RawData:      p.RawData,
	})
}

// CreateTransient builds a guest session stamped with the factory clock
func (f *Factory) CreateTransient(id string, data TransientData) (*domain.Session, error) {
	now := f.now()
	if data.AccessToken.IsExpired(now) {
		return nil, fmt.Errorf("access token expired at %s: %w", data.AccessToken.ExpiresAt().Format(time.RFC3339), apperrors.ErrExpiredToken)
	}

	return domain.NewSession(domain.SessionParams{
		ID:           id,
		UserID:       domain.GuestUserID,
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		CsrfToken:    data.CsrfToken,
		ExpiresAt:    data.ExpiresAt,
		CreatedIP:    data.CreatedIP,
		Created: domain.AuditInfo{
			At:      now,
			ActorID: domain.GuestUserID,
			IP:      data.CreatedIP,
		},
		RawData: data.RawData,
	})
}
