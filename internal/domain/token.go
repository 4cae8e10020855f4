package domain

import (
	"fmt"
	"regexp"
	"time"

	"github.com/nkiryanov/sessionkeeper/internal/apperrors"
)

var (
	// Access and refresh tokens are stored as SHA-256 digests, hex encoded
	hashedTokenPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

	// CSRF tokens are handed to the browser as is, so they are url-safe base64
	csrfTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{43,128}$`)
)

// token is the shared shape of every credential kind.
// Lifetime is fixed at construction: there are no setters, rotation means a new value.
type token struct {
	value     string
	expiresAt time.Time
}

func newToken(kind string, pattern *regexp.Regexp, raw string, expiresAt time.Time, now time.Time) (token, error) {
	t, err := restoreToken(kind, pattern, raw, expiresAt)
	if err != nil {
		return t, err
	}

	if !expiresAt.After(now) {
		return token{}, fmt.Errorf("%s expires at %s: %w", kind, expiresAt.Format(time.RFC3339), apperrors.ErrExpiredToken)
	}

	return t, nil
}

func restoreToken(kind string, pattern *regexp.Regexp, raw string, expiresAt time.Time) (token, error) {
	switch {
	case raw == "":
		return token{}, fmt.Errorf("%s is empty: %w", kind, apperrors.ErrInvalidTokenFormat)
	case !pattern.MatchString(raw):
		return token{}, fmt.Errorf("%s does not match expected format: %w", kind, apperrors.ErrInvalidTokenFormat)
	}

	return token{value: raw, expiresAt: expiresAt}, nil
}

// IsExpired reports whether the token is no longer valid at ref.
// A token expiring exactly at ref is expired.
func (t token) IsExpired(ref time.Time) bool {
	return !t.expiresAt.After(ref)
}

func (t token) String() string {
	return t.value
}

func (t token) ExpiresAt() time.Time {
	return t.expiresAt
}

type AccessToken struct{ token }

type RefreshToken struct{ token }

type CsrfToken struct{ token }

// NewAccessToken validates a fresh access token. expiresAt must be strictly after now.
func NewAccessToken(raw string, expiresAt time.Time, now time.Time) (AccessToken, error) {
	t, err := newToken("access token", hashedTokenPattern, raw, expiresAt, now)
	return AccessToken{t}, err
}

func NewRefreshToken(raw string, expiresAt time.Time, now time.Time) (RefreshToken, error) {
	t, err := newToken("refresh token", hashedTokenPattern, raw, expiresAt, now)
	return RefreshToken{t}, err
}

func NewCsrfToken(raw string, expiresAt time.Time, now time.Time) (CsrfToken, error) {
	t, err := newToken("csrf token", csrfTokenPattern, raw, expiresAt, now)
	return CsrfToken{t}, err
}

// RestoreAccessToken rebuilds a token read from storage.
// Only the format is checked: stored rows may hold expired tokens until collected.
func RestoreAccessToken(raw string, expiresAt time.Time) (AccessToken, error) {
	t, err := restoreToken("access token", hashedTokenPattern, raw, expiresAt)
	return AccessToken{t}, err
}

func RestoreRefreshToken(raw string, expiresAt time.Time) (RefreshToken, error) {
	t, err := restoreToken("refresh token", hashedTokenPattern, raw, expiresAt)
	return RefreshToken{t}, err
}

func RestoreCsrfToken(raw string, expiresAt time.Time) (CsrfToken, error) {
	t, err := restoreToken("csrf token", csrfTokenPattern, raw, expiresAt)
	return CsrfToken{t}, err
}
