package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sablewood/mediamesh/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mediamesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
relays:
  - wss://relay-0.example.com
  - wss://relay-1.example.com
identity:
  keyFile: /tmp/identity.key
  secret: hunter2
`)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Relays, 2)
	require.Equal(t, config.DefaultRequestTimeout, cfg.Timeouts.Request)
	require.Equal(t, config.DefaultMediaTTL, cfg.Cache.MediaTTL)
	require.Equal(t, config.DefaultProbeTTL, cfg.Cache.ProbeTTL)
	require.Equal(t, config.DefaultRateLimit, cfg.RateLimiter.Limit)
	require.Equal(t, config.DefaultRateBurst, cfg.RateLimiter.Burst)
}

func TestLoadConfigExplicitValuesKept(t *testing.T) {
	path := writeConfig(t, `
relays:
  - wss://relay-0.example.com
identity:
  keyFile: /tmp/identity.key
  secret: hunter2
timeouts:
  request: 3s
cache:
  mediaTTL: 90s
rateLimiter:
  limit: 2.5
  burst: 5
`)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, cfg.Timeouts.Request)
	require.Equal(t, 90*time.Second, cfg.Cache.MediaTTL)
	require.Equal(t, 2.5, cfg.RateLimiter.Limit)
	require.Equal(t, 5, cfg.RateLimiter.Burst)
}

func TestLoadConfigMissingFields(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    error
	}{
		{
			name: "no relays",
			content: `
identity:
  keyFile: /tmp/identity.key
  secret: hunter2
`,
			want: config.ErrRelaysMissing,
		},
		{
			name: "no key file",
			content: `
relays: [wss://relay-0.example.com]
identity:
  secret: hunter2
`,
			want: config.ErrIdentityKeyFileMissing,
		},
		{
			name: "no secret",
			content: `
relays: [wss://relay-0.example.com]
identity:
  keyFile: /tmp/identity.key
`,
			want: config.ErrIdentitySecretMissing,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.LoadConfig(writeConfig(t, tc.content))
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestLoadConfigUnreadable(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, config.ErrConfigFileUnreadable)
}

func TestLoadConfigGarbage(t *testing.T) {
	_, err := config.LoadConfig(writeConfig(t, "relays: [unterminated"))
	require.ErrorIs(t, err, config.ErrConfigFileUnmarshallable)
}
