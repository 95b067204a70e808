package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skipwatch/skipwatch/internal/clock"
	"github.com/skipwatch/skipwatch/internal/creds"
	"github.com/skipwatch/skipwatch/internal/tokenstore"
)

func newTestManager(t *testing.T, accountsURL string, clk clock.Clock) *Manager {
	t.Helper()
	cs := creds.NewStore()
	require.NoError(t, cs.Set("client-id", "client-secret"))
	ts := tokenstore.New(t.TempDir())
	return NewManager(cs, ts, accountsURL, clk)
}

func TestValidity(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1_700_000_000, 0))
	m := newTestManager(t, "https://accounts.example", clk)

	require.False(t, m.IsValid(), "no token yet")

	require.NoError(t, m.Set("access", "refresh", 3600))
	require.True(t, m.IsValid())

	info := m.Info()
	require.True(t, info.HasAccess)
	require.True(t, info.HasRefresh)
	require.True(t, info.IsValid)
	require.InDelta(t, 3600, info.ExpiresIn, 1)

	// Validity has a 60 s soft margin before real expiry.
	clk.Advance(3600*time.Second - 61*time.Second)
	require.True(t, m.IsValid())
	clk.Advance(2 * time.Second)
	require.False(t, m.IsValid())
}

func TestClearWipesMemoryAndDisk(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1_700_000_000, 0))
	cs := creds.NewStore()
	require.NoError(t, cs.Set("id", "secret"))
	dir := t.TempDir()
	ts := tokenstore.New(dir)

	m := NewManager(cs, ts, "https://accounts.example", clk)
	require.NoError(t, m.Set("access", "refresh", 3600))
	require.NoError(t, m.Clear())

	require.False(t, m.IsValid())
	_, ok := m.Get()
	require.False(t, ok)
	require.Nil(t, ts.Load())
}

func TestHydratesFromStore(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1_700_000_000, 0))
	cs := creds.NewStore()
	require.NoError(t, cs.Set("id", "secret"))
	dir := t.TempDir()
	ts := tokenstore.New(dir)
	require.NoError(t, ts.Save(tokenstore.Tokens{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		ExpiresAt:    clk.Now().UnixMilli() + 3_600_000,
	}))

	m := NewManager(cs, tokenstore.New(dir), "https://accounts.example", clk)
	require.True(t, m.IsValid())
	access, ok := m.Get()
	require.True(t, ok)
	require.Equal(t, "stored-access", access)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1_700_000_000, 0))
	m := newTestManager(t, "https://accounts.example", clk)

	require.ErrorIs(t, m.Refresh(context.Background()), ErrNoRefreshToken)
}

func TestRefreshUpdatesStatePreservingRefreshToken(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1_700_000_000, 0))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		require.Equal(t, "old-refresh", r.Form.Get("refresh_token"))

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "client-id", user)
		require.Equal(t, "client-secret", pass)

		// refresh_token deliberately omitted: the old one must survive.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access",
			"expires_in":   3600,
			"token_type":   "Bearer",
		})
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL, clk)
	require.NoError(t, m.Set("expired", "old-refresh", 0))

	require.NoError(t, m.Refresh(context.Background()))

	access, ok := m.Get()
	require.True(t, ok)
	require.Equal(t, "new-access", access)
	require.True(t, m.IsValid())
	require.True(t, m.HasRefresh())
}

func TestRefreshRejectedWrapsError(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1_700_000_000, 0))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL, clk)
	require.NoError(t, m.Set("expired", "revoked", 0))

	err := m.Refresh(context.Background())
	require.ErrorIs(t, err, ErrRefreshFailed)
}

func TestRefreshCoalescesConcurrentCallers(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1_700_000_000, 0))

	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "coalesced",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL, clk)
	require.NoError(t, m.Set("expired", "refresh", 0))

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	started := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			errs[i] = m.EnsureValid(context.Background())
		}(i)
	}
	for i := 0; i < callers; i++ {
		<-started
	}
	time.Sleep(50 * time.Millisecond) // let all callers reach the group
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), calls.Load(), "exactly one POST to the token endpoint")

	access, _ := m.Get()
	require.Equal(t, "coalesced", access)
}

func TestEnsureValidRefreshesWithinMargin(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1_700_000_000, 0))

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL, clk)
	require.NoError(t, m.Set("access", "refresh", 3600))

	// Far from expiry: no refresh.
	require.NoError(t, m.EnsureValid(context.Background()))
	require.Zero(t, calls.Load())

	// Within the 300 s pre-emptive margin: refresh fires.
	clk.Advance(3600*time.Second - 200*time.Second)
	require.NoError(t, m.EnsureValid(context.Background()))
	require.Equal(t, int32(1), calls.Load())
}
