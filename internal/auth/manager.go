// SPDX-License-Identifier: MIT

// Package auth owns the OAuth token lifecycle: in-memory token state,
// validity checks, and the single-flight refresh against the accounts
// token endpoint. Persistence is delegated to the token store.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/skipwatch/skipwatch/internal/clock"
	"github.com/skipwatch/skipwatch/internal/creds"
	"github.com/skipwatch/skipwatch/internal/log"
	"github.com/skipwatch/skipwatch/internal/metrics"
	"github.com/skipwatch/skipwatch/internal/tokenstore"
)

var (
	// ErrNoRefreshToken means renewal is impossible; the user must re-authorize.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrRefreshFailed wraps a rejected refresh attempt.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrUnauthorized marks a request the upstream rejected even after refresh.
	ErrUnauthorized = errors.New("unauthorized")
)

const (
	// validityMargin keeps a token "invalid" shortly before real expiry so
	// an in-flight request never crosses the boundary.
	validityMargin = 60 * time.Second

	// refreshMargin triggers a pre-emptive refresh ahead of expiry.
	refreshMargin = 300 * time.Second

	refreshTimeout = 10 * time.Second
)

// TokenInfo is the shell-visible summary of token state.
type TokenInfo struct {
	HasAccess  bool  `json:"hasAccess"`
	HasRefresh bool  `json:"hasRefresh"`
	IsValid    bool  `json:"isValid"`
	ExpiresIn  int64 `json:"expiresIn"` // seconds, 0 when expired or absent
}

// Manager holds token state. All mutation persists through the store.
type Manager struct {
	creds  *creds.Store
	store  *tokenstore.Store
	clock  clock.Clock
	client *http.Client
	logger zerolog.Logger

	// tokenURL is <accounts base>/api/token.
	tokenURL string

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	expiresAt    int64 // epoch ms

	refreshGroup singleflight.Group
}

// NewManager builds a manager hydrated from the token store.
func NewManager(cs *creds.Store, ts *tokenstore.Store, accountsBaseURL string, clk clock.Clock) *Manager {
	m := &Manager{
		creds:    cs,
		store:    ts,
		clock:    clk,
		client:   &http.Client{Timeout: refreshTimeout},
		logger:   log.WithComponent("auth"),
		tokenURL: strings.TrimRight(accountsBaseURL, "/") + "/api/token",
	}

	if stored := ts.Load(); stored != nil {
		m.accessToken = stored.AccessToken
		m.refreshToken = stored.RefreshToken
		m.expiresAt = stored.ExpiresAt
		m.logger.Info().
			Str("event", "auth.tokens.restored").
			Bool("has_refresh", stored.RefreshToken != "").
			Msg("restored tokens from disk")
	}
	return m
}

// Set replaces the token state and persists it. expiresIn is in seconds.
func (m *Manager) Set(access, refresh string, expiresIn int) error {
	expiresAt := m.clock.Now().UnixMilli() + int64(expiresIn)*1000

	m.mu.Lock()
	m.accessToken = access
	m.refreshToken = refresh
	m.expiresAt = expiresAt
	m.mu.Unlock()

	return m.store.Save(tokenstore.Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	})
}

// Get returns the current access token, and false when none is set.
func (m *Manager) Get() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accessToken, m.accessToken != ""
}

// Info summarizes the token state for the shell.
func (m *Manager) Info() TokenInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	remaining := (m.expiresAt - m.clock.Now().UnixMilli()) / 1000
	if remaining < 0 {
		remaining = 0
	}
	return TokenInfo{
		HasAccess:  m.accessToken != "",
		HasRefresh: m.refreshToken != "",
		IsValid:    m.validLocked(),
		ExpiresIn:  remaining,
	}
}

// IsValid reports whether the access token is usable right now.
func (m *Manager) IsValid() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validLocked()
}

// Credentials exposes the configured client credentials for the OAuth
// code-exchange flow.
func (m *Manager) Credentials() (id, secret string) {
	return m.creds.Get()
}

// HasRefresh reports whether renewal is possible.
func (m *Manager) HasRefresh() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refreshToken != ""
}

func (m *Manager) validLocked() bool {
	return m.accessToken != "" &&
		m.expiresAt-m.clock.Now().UnixMilli() > validityMargin.Milliseconds()
}

// Clear wipes memory and the on-disk record.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.accessToken = ""
	m.refreshToken = ""
	m.expiresAt = 0
	m.mu.Unlock()

	return m.store.Clear()
}

// EnsureValid refreshes when the token is invalid or within the refresh
// margin of expiry. Concurrent callers coalesce onto one refresh.
func (m *Manager) EnsureValid(ctx context.Context) error {
	m.mu.RLock()
	needsRefresh := !m.validLocked() ||
		m.expiresAt-m.clock.Now().UnixMilli() <= refreshMargin.Milliseconds()
	m.mu.RUnlock()

	if !needsRefresh {
		return nil
	}
	return m.Refresh(ctx)
}

// Refresh renews the access token. All concurrent callers share one
// in-flight attempt and see the same outcome.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.refreshGroup.Do("refresh", func() (any, error) {
		return nil, m.doRefresh(ctx)
	})
	return err
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

func (m *Manager) doRefresh(ctx context.Context) error {
	m.mu.RLock()
	refresh := m.refreshToken
	m.mu.RUnlock()

	if refresh == "" {
		return ErrNoRefreshToken
	}
	if err := m.creds.EnsureSet(); err != nil {
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Basic "+m.basicAuth())

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.IncTokenRefresh("failure")
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		metrics.IncTokenRefresh("failure")
		m.logger.Error().
			Str("event", "auth.refresh.rejected").
			Int("status", resp.StatusCode).
			Msg("token endpoint rejected refresh")
		return fmt.Errorf("%w: status %d: %s", ErrRefreshFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		metrics.IncTokenRefresh("failure")
		return fmt.Errorf("%w: decode response: %w", ErrRefreshFailed, err)
	}
	if tr.AccessToken == "" {
		metrics.IncTokenRefresh("failure")
		return fmt.Errorf("%w: empty access token in response", ErrRefreshFailed)
	}

	// The token endpoint may omit the refresh token; keep the current one.
	if tr.RefreshToken == "" {
		tr.RefreshToken = refresh
	}

	if err := m.Set(tr.AccessToken, tr.RefreshToken, tr.ExpiresIn); err != nil {
		// Persisted state is stale but memory is fresh; the next Set retries.
		m.logger.Error().Err(err).
			Str("event", "auth.refresh.persist_failed").
			Msg("refreshed tokens could not be persisted")
	}

	metrics.IncTokenRefresh("success")
	m.logger.Info().
		Str("event", "auth.refresh.ok").
		Int("expires_in", tr.ExpiresIn).
		Msg("access token refreshed")
	return nil
}

func (m *Manager) basicAuth() string {
	id, secret := m.creds.Get()
	return base64.StdEncoding.EncodeToString([]byte(id + ":" + secret))
}
