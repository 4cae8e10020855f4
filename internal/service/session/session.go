package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/sessionkeeper/internal/apperrors"
	"github.com/nkiryanov/sessionkeeper/internal/audit"
	"github.com/nkiryanov/sessionkeeper/internal/domain"
	"github.com/nkiryanov/sessionkeeper/internal/logger"
	"github.com/nkiryanov/sessionkeeper/internal/observability"
	"github.com/nkiryanov/sessionkeeper/internal/repository"
)

type Options struct {
	Issuer   IssuerConfig
	Recorder audit.Recorder
	Metrics  *observability.Metrics
	Logger   logger.Logger

	// Clock, time.Now if nil
	Now func() time.Time
}

// Service runs the session lifecycle: mint, load, use, rotate, revoke.
// Every write it issues is mirrored to the audit recorder.
type Service struct {
	storage   repository.Storage
	factory   *Factory
	validator *Validator
	issuer    *Issuer
	recorder  audit.Recorder
	metrics   *observability.Metrics
	logger    logger.Logger
	now       func() time.Time
}

func NewService(storage repository.Storage, opts Options) (*Service, error) {
	if storage == nil {
		return nil, errors.New("storage must not be nil")
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Recorder == nil {
		opts.Recorder = audit.Nop
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoOpLogger()
	}

	return &Service{
		storage:   storage,
		factory:   NewFactory(opts.Now),
		validator: NewValidator(),
		issuer:    NewIssuer(opts.Issuer),
		recorder:  opts.Recorder,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
	}, nil
}

type StartParams struct {
	// Guest session if uuid.Nil. Guest sessions are not stored
	UserID uuid.UUID

	// Who starts the session. The owner if zero
	ActorID uuid.UUID

	IP          string
	WithRefresh bool
	WithCsrf    bool
	RawData     string
}

// Start mints a session with fresh credentials. Raw secrets are returned only here and on Refresh.
func (s *Service) Start(ctx context.Context, p StartParams) (*domain.Session, Raw, error) {
	now := s.now()
	raw := Raw{}

	access, rawAccess, err := s.issuer.IssueAccess(now)
	if err != nil {
		return nil, raw, err
	}
	raw.Access, raw.AccessExpiresAt = rawAccess, access.ExpiresAt()

	var refresh *domain.RefreshToken
	if p.WithRefresh {
		t, rawRefresh, err := s.issuer.IssueRefresh(now)
		if err != nil {
			return nil, raw, err
		}
		refresh = &t
		raw.Refresh, raw.RefreshExpiresAt = rawRefresh, t.ExpiresAt()
	}

	var csrf *domain.CsrfToken
	if p.WithCsrf {
		t, err := s.issuer.IssueCsrf(now)
		if err != nil {
			return nil, raw, err
		}
		csrf = &t
		raw.Csrf = t.String()
	}

	id := uuid.NewString()

	if p.UserID == domain.GuestUserID {
		sess, err := s.factory.CreateTransient(id, TransientData{
			AccessToken:  access,
			RefreshToken: refresh,
			CsrfToken:    csrf,
			CreatedIP:    p.IP,
			RawData:      p.RawData,
		})
		return sess, raw, err
	}

	actor := p.ActorID
	if actor == uuid.Nil {
		actor = p.UserID
	}

	sess, err := s.factory.CreatePersisted(id, PersistedData{
		UserID:       p.UserID,
		AccessToken:  access,
		RefreshToken: refresh,
		CsrfToken:    csrf,
		CreatedIP:    p.IP,
		Created:      domain.AuditInfo{At: now, ActorID: actor, IP: p.IP},
		RawData:      p.RawData,
	}, now)
	if err != nil {
		return nil, raw, err
	}

	if err := s.storage.Session().Create(ctx, sess); err != nil {
		return nil, raw, fmt.Errorf("error while creating session. Err: %w", err)
	}

	s.record(ctx, audit.ActionCreate, sess.ID(), actor, nil, sess)
	return sess, raw, nil
}

// Load returns the stored session.
// An ACTIVE session whose access token has expired is marked EXPIRED and saved before it is returned.
func (s *Service) Load(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := s.storage.Session().Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if sess.Status() != domain.SessionActive || !sess.IsExpired(now) {
		return sess, nil
	}

	before := audit.SessionSnapshot(sess)
	sess.MarkExpired(domain.AuditInfo{At: now, ActorID: domain.SystemActorID})
	if err := s.storage.Session().Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("error while marking session expired. Err: %w", err)
	}

	s.logger.Debug("Session marked expired on load", "session_id", id)
	s.recordSnapshots(ctx, audit.ActionUpdate, id, domain.SystemActorID, before, audit.SessionSnapshot(sess))
	return sess, nil
}

// Authenticate checks the session against the raw access secret.
// With no violations the use is recorded (last ip, update audit).
func (s *Service) Authenticate(ctx context.Context, id string, rawAccess string, ip string) (*domain.Session, []Violation, error) {
	sess, err := s.Load(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	violations := s.validator.Validate(sess, now)
	if !SecretMatches(rawAccess, sess.AccessToken().String()) {
		violations = append(violations, Violation{Field: "access_token", Rule: "match", Message: "does not match"})
	}

	if len(violations) > 0 {
		for _, v := range violations {
			s.metrics.RecordViolation(ctx, v.Field, v.Rule)
		}
		return sess, violations, nil
	}

	before := audit.SessionSnapshot(sess)
	sess.Touch(ip, domain.AuditInfo{At: now, ActorID: sess.UserID(), IP: ip})
	if err := s.storage.Session().UpdateMetadata(ctx, id, sess.Metadata()); err != nil {
		return nil, nil, fmt.Errorf("error while touching session. Err: %w", err)
	}

	s.recordSnapshots(ctx, audit.ActionUpdate, id, sess.UserID(), before, audit.SessionSnapshot(sess))
	return sess, nil, nil
}

// Validate evaluates the rule set at the service clock without touching storage
func (s *Service) Validate(ctx context.Context, sess *domain.Session) []Violation {
	violations := s.validator.Validate(sess, s.now())
	for _, v := range violations {
		s.metrics.RecordViolation(ctx, v.Field, v.Rule)
	}
	return violations
}

// Refresh rotates the access and refresh tokens of a live session using its raw refresh secret
func (s *Service) Refresh(ctx context.Context, id string, rawRefresh string, ip string) (*domain.Session, Raw, error) {
	raw := Raw{}

	sess, err := s.Load(ctx, id)
	if err != nil {
		return nil, raw, err
	}
	if sess.Status() != domain.SessionActive {
		return nil, raw, fmt.Errorf("session %s is %s: %w", id, sess.Status(), apperrors.ErrSessionInactive)
	}

	now := s.now()
	current := sess.RefreshToken()
	if current == nil || !SecretMatches(rawRefresh, current.String()) {
		return nil, raw, fmt.Errorf("refresh secret does not match: %w", apperrors.ErrInvalidArgument)
	}
	if current.IsExpired(now) {
		return nil, raw, fmt.Errorf("refresh token of session %s: %w", id, apperrors.ErrExpiredToken)
	}

	access, rawAccess, err := s.issuer.IssueAccess(now)
	if err != nil {
		return nil, raw, err
	}
	refresh, rawRefreshNew, err := s.issuer.IssueRefresh(now)
	if err != nil {
		return nil, raw, err
	}

	before := audit.SessionSnapshot(sess)
	info := domain.AuditInfo{At: now, ActorID: sess.UserID(), IP: ip}
	if err := sess.RotateAccessToken(access, info); err != nil {
		return nil, raw, err
	}
	if err := sess.RotateRefreshToken(&refresh, info); err != nil {
		return nil, raw, err
	}
	sess.Touch(ip, info)

	if err := s.storage.Session().Save(ctx, sess); err != nil {
		return nil, raw, fmt.Errorf("error while saving rotated session. Err: %w", err)
	}

	s.recordSnapshots(ctx, audit.ActionUpdate, id, sess.UserID(), before, audit.SessionSnapshot(sess))
	return sess, Raw{
		Access:           rawAccess,
		AccessExpiresAt:  access.ExpiresAt(),
		Refresh:          rawRefreshNew,
		RefreshExpiresAt: refresh.ExpiresAt(),
	}, nil
}

// Revoke ends one session. Revoking a terminal session changes nothing and is not an error.
func (s *Service) Revoke(ctx context.Context, id string, reason string, actor uuid.UUID) error {
	sess, err := s.storage.Session().Get(ctx, id)
	if err != nil {
		return err
	}

	before := audit.SessionSnapshot(sess)
	if !sess.Revoke(reason, domain.AuditInfo{At: s.now(), ActorID: actor}) {
		return nil
	}

	if err := s.storage.Session().Save(ctx, sess); err != nil {
		return fmt.Errorf("error while revoking session. Err: %w", err)
	}

	s.recordSnapshots(ctx, audit.ActionUpdate, id, actor, before, audit.SessionSnapshot(sess))
	return nil
}

// RevokeAll revokes every active session of the user. Return number of revoked sessions.
func (s *Service) RevokeAll(ctx context.Context, userID uuid.UUID, reason string, actor uuid.UUID) (int64, error) {
	now := s.now()
	info := domain.AuditInfo{At: now, ActorID: actor}

	var revoked []*domain.Session
	err := s.storage.InTx(ctx, func(st repository.Storage) error {
		var err error
		revoked, err = st.Session().RevokeByUser(ctx, userID, reason, info)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("error while revoking user sessions. Err: %w", err)
	}

	count := int64(len(revoked))
	events := make([]audit.Event, 0, len(revoked))
	for _, sess := range revoked {
		before := audit.SessionSnapshot(sess)
		sess.Revoke(reason, info)
		events = append(events, s.event(audit.ActionUpdate, sess.ID(), actor, before, audit.SessionSnapshot(sess)))
	}
	s.recorder.Record(ctx, events...)
	s.metrics.RecordSessionWrite(ctx, string(audit.ActionUpdate))

	s.logger.Info("User sessions revoked", "user_id", userID, "count", count)
	return count, nil
}

// Delete removes the session. Deleting a missing session is not an error.
func (s *Service) Delete(ctx context.Context, id string, actor uuid.UUID) error {
	sess, err := s.storage.Session().Get(ctx, id)
	switch {
	case errors.Is(err, apperrors.ErrSessionNotFound):
		return nil
	case err != nil:
		return err
	}

	if err := s.storage.Session().Delete(ctx, id); err != nil {
		return fmt.Errorf("error while deleting session. Err: %w", err)
	}

	s.record(ctx, audit.ActionDelete, id, actor, sess, nil)
	return nil
}

func (s *Service) ListActive(ctx context.Context, userID uuid.UUID) ([]*domain.Session, error) {
	return s.storage.Session().FindActiveByUser(ctx, userID, s.now())
}

func (s *Service) record(ctx context.Context, action audit.Action, id string, actor uuid.UUID, before, after *domain.Session) {
	s.recordSnapshots(ctx, action, id, actor, audit.SessionSnapshot(before), audit.SessionSnapshot(after))
}

func (s *Service) recordSnapshots(ctx context.Context, action audit.Action, id string, actor uuid.UUID, before, after []byte) {
	s.recorder.Record(ctx, s.event(action, id, actor, before, after))
	s.metrics.RecordSessionWrite(ctx, string(action))
}

func (s *Service) event(action audit.Action, id string, actor uuid.UUID, before, after []byte) audit.Event {
	return audit.Event{
		EntityType: audit.EntitySession,
		EntityID:   id,
		Action:     action,
		ActorID:    actor,
		Before:     before,
		After:      after,
		At:         s.now().UTC(),
	}
}
