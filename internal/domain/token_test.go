package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/sessionkeeper/internal/apperrors"
)

var (
	testNow     = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	hashedValue = strings.Repeat("ab", 32)
	csrfValue   = strings.Repeat("Zz_-", 11)
)

func Test_NewAccessToken(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		expiresAt time.Time
		wantErr   error
	}{
		{"valid", hashedValue, testNow.Add(time.Minute), nil},
		{"empty", "", testNow.Add(time.Minute), apperrors.ErrInvalidTokenFormat},
		{"too short", hashedValue[:63], testNow.Add(time.Minute), apperrors.ErrInvalidTokenFormat},
		{"upper case hex", strings.ToUpper(hashedValue), testNow.Add(time.Minute), apperrors.ErrInvalidTokenFormat},
		{"expires now", hashedValue, testNow, apperrors.ErrExpiredToken},
		{"expired", hashedValue, testNow.Add(-time.Second), apperrors.ErrExpiredToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := NewAccessToken(tt.raw, tt.expiresAt, testNow)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.raw, tok.String())
			assert.Equal(t, tt.expiresAt, tok.ExpiresAt())
		})
	}
}

func Test_NewCsrfToken(t *testing.T) {
	t.Run("url safe value ok", func(t *testing.T) {
		tok, err := NewCsrfToken(csrfValue, testNow.Add(time.Hour), testNow)

		require.NoError(t, err)
		require.Equal(t, csrfValue, tok.String())
	})

	t.Run("padding not allowed", func(t *testing.T) {
		_, err := NewCsrfToken(csrfValue+"=", testNow.Add(time.Hour), testNow)

		require.ErrorIs(t, err, apperrors.ErrInvalidTokenFormat)
	})

	t.Run("hex digest is not a csrf token if too short", func(t *testing.T) {
		_, err := NewCsrfToken("abc", testNow.Add(time.Hour), testNow)

		require.ErrorIs(t, err, apperrors.ErrInvalidTokenFormat)
	})
}

func Test_Token_IsExpired(t *testing.T) {
	tok, err := NewRefreshToken(hashedValue, testNow.Add(time.Hour), testNow)
	require.NoError(t, err)

	assert.False(t, tok.IsExpired(testNow), "token valid before expiry")
	assert.True(t, tok.IsExpired(testNow.Add(time.Hour)), "token expiring exactly at ref is expired")
	assert.True(t, tok.IsExpired(testNow.Add(2*time.Hour)))
}

func Test_RestoreToken(t *testing.T) {
	t.Run("expired value restored", func(t *testing.T) {
		tok, err := RestoreAccessToken(hashedValue, testNow.Add(-time.Hour))

		require.NoError(t, err, "storage may hold expired tokens")
		require.True(t, tok.IsExpired(testNow))
	})

	t.Run("format still checked", func(t *testing.T) {
		_, err := RestoreRefreshToken("not-a-digest", testNow)

		require.ErrorIs(t, err, apperrors.ErrInvalidTokenFormat)
	})
}
