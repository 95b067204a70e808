package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skipwatch/skipwatch/internal/auth"
	"github.com/skipwatch/skipwatch/internal/bus"
	"github.com/skipwatch/skipwatch/internal/clock"
	"github.com/skipwatch/skipwatch/internal/core"
	"github.com/skipwatch/skipwatch/internal/creds"
	"github.com/skipwatch/skipwatch/internal/logstore"
	"github.com/skipwatch/skipwatch/internal/monitor"
	"github.com/skipwatch/skipwatch/internal/settings"
	"github.com/skipwatch/skipwatch/internal/skipstore"
	"github.com/skipwatch/skipwatch/internal/spotify"
	"github.com/skipwatch/skipwatch/internal/stats"
	"github.com/skipwatch/skipwatch/internal/tokenstore"
)

type idleAPI struct{}

func (idleAPI) CurrentPlayback(ctx context.Context) (*spotify.PlaybackState, error) {
	return nil, nil
}
func (idleAPI) RecentlyPlayed(ctx context.Context, limit int) ([]spotify.PlayedItem, error) {
	return nil, nil
}
func (idleAPI) InLibrary(ctx context.Context, id string, silent bool) (bool, error) {
	return false, nil
}
func (idleAPI) RemoveFromLibrary(ctx context.Context, id string) (bool, error) {
	return false, nil
}

func newTestServer(t *testing.T) (*Server, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	clk := clock.NewMockClock(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))

	cs := creds.NewStore()
	am := auth.NewManager(cs, tokenstore.New(dir), "https://accounts.example.com", clk)
	sc := spotify.NewClient(am, "https://api.example.com/v1", "https://accounts.example.com", spotify.Options{})

	skips := skipstore.New(dir)
	agg := stats.New(dir, clk, func() int { return 30 })
	set := settings.NewStore(dir)
	logs, err := logstore.New(dir, clk)
	require.NoError(t, err)
	t.Cleanup(logs.Close)
	b := bus.New()
	t.Cleanup(b.Close)

	mon := monitor.New(idleAPI{}, skips, agg, set, b, clk, monitor.Options{})

	c := core.New(context.Background(), core.Deps{
		Creds:       cs,
		Auth:        am,
		Spotify:     sc,
		Monitor:     mon,
		Skips:       skips,
		Stats:       agg,
		Settings:    set,
		Logs:        logs,
		Bus:         b,
		Clock:       clk,
		RedirectURL: "http://127.0.0.1:17600/auth/callback",
	})
	return New(c, b, Options{}), b
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestCommandQuery(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/commands/GetSettings", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env struct {
		OK   bool              `json:"ok"`
		Data settings.Settings `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.True(t, env.OK)
	require.Equal(t, 70, env.Data.SkipProgress)
}

func TestUnknownCommandIs404(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/commands/Teleport", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var env struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.False(t, env.OK)
	require.Contains(t, env.Error, "unknown command")
}

func TestInvalidBodyIs400(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/commands/GetSettings", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCallbackDeniedRendersPage(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/auth/callback?error=access_denied")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestCallbackStateMismatch(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/auth/callback?code=abc&state=bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventStreamDelivers(t *testing.T) {
	s, b := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(100 * time.Millisecond)
	b.Publish(bus.Event{Type: bus.EventTrackChanged, Payload: map[string]string{"id": "t1"}})

	reader := bufio.NewReader(resp.Body)
	var gotEvent, gotData bool
	for !gotEvent || !gotData {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: "+bus.EventTrackChanged) {
			gotEvent = true
		}
		if strings.HasPrefix(line, `data: {"id":"t1"}`) {
			gotData = true
		}
	}
}
