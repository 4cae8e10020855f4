package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nkiryanov/sessionkeeper/internal/domain"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour
	defaultCsrfTTL    = 24 * time.Hour

	secretSize = 32
)

// Token lifetimes with sensible defaults
type IssuerConfig struct {
	// If not set than default is used
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	CsrfTTL    time.Duration
}

// Issuer mints random credentials.
// Access and refresh secrets are handed to the client once; only their SHA-256 digest is stored.
type Issuer struct {
	accessTTL  time.Duration
	refreshTTL time.Duration
	csrfTTL    time.Duration
}

// Raw is what the client receives. Empty refresh or csrf means not issued.
type Raw struct {
	Access           string
	AccessExpiresAt  time.Time
	Refresh          string
	RefreshExpiresAt time.Time
	Csrf             string
}

func NewIssuer(cfg IssuerConfig) *Issuer {
	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field <= 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.AccessTTL, defaultAccessTTL)
	setDefaultDuration(&cfg.RefreshTTL, defaultRefreshTTL)
	setDefaultDuration(&cfg.CsrfTTL, defaultCsrfTTL)

	return &Issuer{
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		csrfTTL:    cfg.CsrfTTL,
	}
}

func (i *Issuer) IssueAccess(now time.Time) (domain.AccessToken, string, error) {
	raw, err := GenerateSecret()
	if err != nil {
		return domain.AccessToken{}, "", err
	}

	t, err := domain.NewAccessToken(HashSecret(raw), now.Add(i.accessTTL), now)
	if err != nil {
		return domain.AccessToken{}, "", err
	}
	return t, raw, nil
}

func (i *Issuer) IssueRefresh(now time.Time) (domain.RefreshToken, string, error) {
	raw, err := GenerateSecret()
	if err != nil {
		return domain.RefreshToken{}, "", err
	}

	t, err := domain.NewRefreshToken(HashSecret(raw), now.Add(i.refreshTTL), now)
	if err != nil {
		return domain.RefreshToken{}, "", err
	}
	return t, raw, nil
}

// IssueCsrf returns a token stored as is: the browser echoes the same value back
func (i *Issuer) IssueCsrf(now time.Time) (domain.CsrfToken, error) {
	raw, err := GenerateSecret()
	if err != nil {
		return domain.CsrfToken{}, err
	}
	return domain.NewCsrfToken(raw, now.Add(i.csrfTTL), now)
}

// GenerateSecret returns 32 random bytes, url-safe base64 without padding (43 chars)
func GenerateSecret() (string, error) {
	b := make([]byte, secretSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("error while generating secret. Err: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashSecret is the stored form of a client secret: SHA-256, lowercase hex
func HashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// SecretMatches compares a raw client secret with a stored digest in constant time
func SecretMatches(raw string, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(HashSecret(raw)), []byte(stored)) == 1
}
