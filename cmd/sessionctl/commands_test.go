package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/sessionkeeper/internal/testutil"
)

func noEnv(string) string { return "" }

// Run the root command and return what it printed to stdout
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand(noEnv)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(t.Context())
	return stdout.String(), err
}

func TestCommands_Redis(t *testing.T) {
	server, _ := testutil.StartRedis(t)
	backend := []string{"--backend", "redis", "--redis", server.Addr()}
	userID := uuid.New()

	var sessionID string

	t.Run("issue", func(t *testing.T) {
		out, err := execute(t, append([]string{"issue", userID.String(), "--refresh", "--csrf", "--ip", "10.0.0.1"}, backend...)...)
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 4, "session, access, refresh and csrf lines expected")
		require.True(t, strings.HasPrefix(lines[0], "session: "))
		require.True(t, strings.HasPrefix(lines[1], "access: "))
		require.True(t, strings.HasPrefix(lines[2], "refresh: "))
		require.True(t, strings.HasPrefix(lines[3], "csrf: "))

		sessionID = strings.TrimPrefix(lines[0], "session: ")
	})

	t.Run("list", func(t *testing.T) {
		out, err := execute(t, append([]string{"list", userID.String()}, backend...)...)
		require.NoError(t, err)

		require.Contains(t, out, "LAST IP")
		require.Contains(t, out, sessionID)
		require.Contains(t, out, "ACTIVE")
	})

	t.Run("gc", func(t *testing.T) {
		out, err := execute(t, append([]string{"gc", "--payloads"}, backend...)...)
		require.NoError(t, err)

		require.Contains(t, out, "deleted 0 expired sessions")
		require.Contains(t, out, "removed 0 stale payloads")
	})

	t.Run("revoke-user", func(t *testing.T) {
		out, err := execute(t, append([]string{"revoke-user", userID.String(), "--reason", "compromised"}, backend...)...)
		require.NoError(t, err)
		require.Equal(t, "revoked 1 sessions\n", out)

		out, err = execute(t, append([]string{"list", userID.String()}, backend...)...)
		require.NoError(t, err)
		require.NotContains(t, out, sessionID, "revoked session is not active anymore")
	})

	t.Run("revoke-user twice", func(t *testing.T) {
		out, err := execute(t, append([]string{"revoke-user", userID.String()}, backend...)...)
		require.NoError(t, err)
		require.Equal(t, "revoked 0 sessions\n", out)
	})
}

func TestCommands_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "invalid user id", args: []string{"list", "not-a-uuid", "--backend", "redis", "--redis", "localhost:6379"}},
		{name: "guest user", args: []string{"issue", uuid.Nil.String(), "--backend", "redis", "--redis", "localhost:6379"}},
		{name: "missing user id", args: []string{"revoke-user"}},
		{name: "unknown backend", args: []string{"gc", "--backend", "memcached"}},
		{name: "migrate without database", args: []string{"migrate", "up"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)

			require.Error(t, err)
		})
	}
}

func TestCommands_Token(t *testing.T) {
	out, err := execute(t, "token")
	require.NoError(t, err)

	var secret, hash string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		switch {
		case strings.HasPrefix(line, "secret: "):
			secret = strings.TrimPrefix(line, "secret: ")
		case strings.HasPrefix(line, "hash: "):
			hash = strings.TrimPrefix(line, "hash: ")
		}
	}

	require.Len(t, secret, 43)
	require.Len(t, hash, 64)
}

func TestRootCommand_EnvDefaults(t *testing.T) {
	getenv := func(key string) string {
		switch key {
		case "STORAGE_BACKEND":
			return "redis"
		case "REDIS_ADDR":
			return "localhost:6379"
		default:
			return ""
		}
	}

	cmd := NewRootCommand(getenv)

	backend, err := cmd.PersistentFlags().GetString("backend")
	require.NoError(t, err)
	require.Equal(t, "redis", backend)

	addr, err := cmd.PersistentFlags().GetString("redis")
	require.NoError(t, err)
	require.Equal(t, "localhost:6379", addr)
}
