package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "./data", cfg.DataDir)
	require.Equal(t, "127.0.0.1:17600", cfg.Listen)
	require.Equal(t, time.Second, cfg.PollInterval)
}

func TestLoadLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skipwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: 127.0.0.1:9000\npollInterval: 2s\n"), 0o644))

	// Env wins over the file.
	t.Setenv("SKIPWATCH_POLL_INTERVAL", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Listen)
	require.Equal(t, 3*time.Second, cfg.PollInterval)
	// Untouched keys keep defaults.
	require.Equal(t, 250*time.Millisecond, cfg.TickInterval)
}

func TestLoadMissingNamedFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"empty data dir":    func(c *Config) { c.DataDir = "" },
		"bad listen":        func(c *Config) { c.Listen = "no-port" },
		"zero poll":         func(c *Config) { c.PollInterval = 0 },
		"zero attempts":     func(c *Config) { c.MaxAttempts = 0 },
		"plain http api":    func(c *Config) { c.APIBaseURL = "http://api.spotify.com" },
		"userinfo accounts": func(c *Config) { c.AccountsBaseURL = "https://user:pw@accounts.spotify.com" },
		"bad otel protocol": func(c *Config) { c.OTELProtocol = "udp" },
		"bad sample rate":   func(c *Config) { c.OTELSampleRate = 2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidateNormalizesURLs(t *testing.T) {
	cfg := Defaults()
	cfg.APIBaseURL = "https://API.Spotify.com/"
	require.NoError(t, cfg.Validate())
	require.Equal(t, "https://api.spotify.com", cfg.APIBaseURL)
}

func TestRedirectURLFallsBackToListen(t *testing.T) {
	cfg := Defaults()
	require.Equal(t, "http://127.0.0.1:17600/auth/callback", cfg.RedirectURL())

	cfg.SpotifyRedirectURL = "http://localhost:9000/cb"
	require.Equal(t, "http://localhost:9000/cb", cfg.RedirectURL())
}

func TestEnvParsersFallBackOnGarbage(t *testing.T) {
	t.Setenv("SKIPWATCH_MAX_ATTEMPTS", "many")
	t.Setenv("SKIPWATCH_RATE_LIMIT", "fast")
	t.Setenv("SKIPWATCH_OTEL_ENABLED", "maybe")
	t.Setenv("SKIPWATCH_HTTP_TIMEOUT", "soon")

	cfg := Defaults()
	cfg.applyEnv()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 10.0, cfg.RateLimit)
	require.False(t, cfg.OTELEnabled)
	require.Equal(t, 10*time.Second, cfg.HTTPTimeout)
}
