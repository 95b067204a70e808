// SPDX-License-Identifier: MIT

// Package config resolves the daemon configuration: compiled defaults,
// then an optional YAML file, then environment variables, highest wins.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skipwatch/skipwatch/internal/platform/netx"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	DataDir  string `yaml:"dataDir"`
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"logLevel"`

	PollInterval time.Duration `yaml:"pollInterval"`
	TickInterval time.Duration `yaml:"tickInterval"`

	HTTPTimeout    time.Duration `yaml:"httpTimeout"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	RateLimit      float64       `yaml:"rateLimit"`
	RateLimitBurst int           `yaml:"rateLimitBurst"`

	APIBaseURL      string `yaml:"apiBaseUrl"`
	AccountsBaseURL string `yaml:"accountsBaseUrl"`

	SpotifyClientID     string `yaml:"spotifyClientId"`
	SpotifyClientSecret string `yaml:"spotifyClientSecret"`
	SpotifyRedirectURL  string `yaml:"spotifyRedirectUrl"`

	OTELEnabled    bool    `yaml:"otelEnabled"`
	OTELEndpoint   string  `yaml:"otelEndpoint"`
	OTELProtocol   string  `yaml:"otelProtocol"`
	OTELSampleRate float64 `yaml:"otelSampleRate"`
}

// Defaults returns the compiled-in baseline.
func Defaults() Config {
	return Config{
		DataDir:         "./data",
		Listen:          "127.0.0.1:17600",
		LogLevel:        "info",
		PollInterval:    time.Second,
		TickInterval:    250 * time.Millisecond,
		HTTPTimeout:     10 * time.Second,
		MaxAttempts:     3,
		RateLimit:       10,
		RateLimitBurst:  5,
		APIBaseURL:      "https://api.spotify.com",
		AccountsBaseURL: "https://accounts.spotify.com",
		OTELProtocol:    "grpc",
		OTELSampleRate:  1.0,
	}
}

// Load resolves the configuration. path names an optional YAML file; an
// empty path skips the file layer, a named but missing file is an error.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = ParseString("SKIPWATCH_DATA_DIR", c.DataDir)
	c.Listen = ParseString("SKIPWATCH_LISTEN", c.Listen)
	c.LogLevel = ParseString("SKIPWATCH_LOG_LEVEL", c.LogLevel)

	c.PollInterval = ParseDuration("SKIPWATCH_POLL_INTERVAL", c.PollInterval)
	c.TickInterval = ParseDuration("SKIPWATCH_TICK_INTERVAL", c.TickInterval)

	c.HTTPTimeout = ParseDuration("SKIPWATCH_HTTP_TIMEOUT", c.HTTPTimeout)
	c.MaxAttempts = ParseInt("SKIPWATCH_MAX_ATTEMPTS", c.MaxAttempts)
	c.RateLimit = ParseFloat("SKIPWATCH_RATE_LIMIT", c.RateLimit)
	c.RateLimitBurst = ParseInt("SKIPWATCH_RATE_LIMIT_BURST", c.RateLimitBurst)

	c.APIBaseURL = ParseString("SKIPWATCH_API_BASE_URL", c.APIBaseURL)
	c.AccountsBaseURL = ParseString("SKIPWATCH_ACCOUNTS_BASE_URL", c.AccountsBaseURL)

	c.SpotifyClientID = ParseString("SPOTIFY_CLIENT_ID", c.SpotifyClientID)
	c.SpotifyClientSecret = ParseString("SPOTIFY_CLIENT_SECRET", c.SpotifyClientSecret)
	c.SpotifyRedirectURL = ParseString("SPOTIFY_REDIRECT_URL", c.SpotifyRedirectURL)

	c.OTELEnabled = ParseBool("SKIPWATCH_OTEL_ENABLED", c.OTELEnabled)
	c.OTELEndpoint = ParseString("SKIPWATCH_OTEL_ENDPOINT", c.OTELEndpoint)
	c.OTELProtocol = ParseString("SKIPWATCH_OTEL_PROTOCOL", c.OTELProtocol)
	c.OTELSampleRate = ParseFloat("SKIPWATCH_OTEL_SAMPLE_RATE", c.OTELSampleRate)
}

// Validate normalizes the upstream URLs and rejects unusable values.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data dir must not be empty"))
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen address %q: %w", c.Listen, err))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick interval must be positive, got %s", c.TickInterval))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("http timeout must be positive, got %s", c.HTTPTimeout))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be >= 1, got %d", c.MaxAttempts))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("rate limit must be positive, got %g", c.RateLimit))
	}

	if normalized, err := netx.ValidateBaseURL(c.APIBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("api base url: %w", err))
	} else {
		c.APIBaseURL = normalized
	}
	if normalized, err := netx.ValidateBaseURL(c.AccountsBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("accounts base url: %w", err))
	} else {
		c.AccountsBaseURL = normalized
	}
	if c.SpotifyRedirectURL != "" {
		if _, err := netx.ValidateBaseURL(c.SpotifyRedirectURL); err != nil {
			errs = append(errs, fmt.Errorf("redirect url: %w", err))
		}
	}

	switch c.OTELProtocol {
	case "grpc", "http":
	default:
		errs = append(errs, fmt.Errorf("otel protocol must be grpc or http, got %q", c.OTELProtocol))
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1 {
		errs = append(errs, fmt.Errorf("otel sample rate must be in [0,1], got %g", c.OTELSampleRate))
	}

	return errors.Join(errs...)
}

// RedirectURL returns the effective OAuth redirect: the configured one,
// or the callback route on the listen address.
func (c *Config) RedirectURL() string {
	if c.SpotifyRedirectURL != "" {
		return c.SpotifyRedirectURL
	}
	return "http://" + c.Listen + "/auth/callback"
}
