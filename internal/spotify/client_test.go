package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/skipwatch/skipwatch/internal/auth"
	"github.com/skipwatch/skipwatch/internal/clock"
	"github.com/skipwatch/skipwatch/internal/creds"
	"github.com/skipwatch/skipwatch/internal/tokenstore"
)

// fastOptions keeps retry sleeps negligible in tests.
func fastOptions() Options {
	return Options{
		Timeout:        2 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		RateLimit:      rate.Inf,
		RateLimitBurst: 1,
	}
}

func newTestClient(t *testing.T, apiURL, accountsURL string, opts Options) (*Client, *auth.Manager) {
	t.Helper()
	cs := creds.NewStore()
	require.NoError(t, cs.Set("client-id", "client-secret"))
	am := auth.NewManager(cs, tokenstore.New(t.TempDir()), accountsURL, clock.RealClock{})
	require.NoError(t, am.Set("test-access", "test-refresh", 3600))
	return NewClient(am, apiURL, accountsURL, opts), am
}

func TestCurrentPlaybackNilOn204(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/me/player", r.URL.Path)
		require.Equal(t, "episode", r.URL.Query().Get("additional_types"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.URL, fastOptions())
	state, err := c.CurrentPlayback(context.Background())
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestCurrentPlaybackDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-access", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"is_playing":  true,
			"progress_ms": 45000,
			"device":      map[string]any{"id": "d1", "name": "Kitchen", "type": "Speaker"},
			"item": map[string]any{
				"id":          "track-1",
				"name":        "Song",
				"duration_ms": 200000,
				"artists":     []map[string]any{{"id": "artist-1", "name": "Band"}},
				"album": map[string]any{
					"name":   "Album",
					"images": []map[string]any{{"url": "https://img/1"}},
				},
			},
		})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.URL, fastOptions())
	state, err := c.CurrentPlayback(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state)
	require.True(t, state.IsPlaying)
	require.Equal(t, 45000, state.ProgressMs)
	require.Equal(t, "track-1", state.Item.ID)
	require.Equal(t, "Band", state.Item.PrimaryArtist().Name)
	require.Equal(t, "https://img/1", state.Item.AlbumArt())
	require.Equal(t, "Kitchen", state.Device.Name)
}

func TestUnauthorizedRefreshSingleFlight(t *testing.T) {
	var tokenPosts atomic.Int32
	accounts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/token", r.URL.Path)
		tokenPosts.Add(1)
		time.Sleep(50 * time.Millisecond) // hold the refresh open so callers coalesce
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-access",
			"expires_in":   3600,
		})
	}))
	defer accounts.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[true]`))
	}))
	defer api.Close()

	c, _ := newTestClient(t, api.URL, accounts.URL, fastOptions())

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.InLibrary(context.Background(), fmt.Sprintf("track-%d", i), true)
			results[i] = err
		}(i)
	}
	wg.Wait()

	require.NoError(t, results[0])
	require.NoError(t, results[1])
	require.Equal(t, int32(1), tokenPosts.Load(), "exactly one POST to the token endpoint")
}

func TestSecondUnauthorizedSurfaces(t *testing.T) {
	accounts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "still-bad",
			"expires_in":   3600,
		})
	}))
	defer accounts.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	c, _ := newTestClient(t, api.URL, accounts.URL, fastOptions())
	_, err := c.InLibrary(context.Background(), "track", true)
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[false]`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.URL, fastOptions())

	start := time.Now()
	in, err := c.InLibrary(context.Background(), "track", false)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.False(t, in)
	require.Equal(t, int32(2), calls.Load())
	require.GreaterOrEqual(t, elapsed, 2*time.Second, "must sleep at least Retry-After")
}

func TestServerErrorRetriesWithinBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	opts := fastOptions()
	c, _ := newTestClient(t, srv.URL, srv.URL, opts)

	_, err := c.InLibrary(context.Background(), "track", false)

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, http.StatusBadGateway, ue.Status)
	require.Equal(t, int32(opts.MaxAttempts), calls.Load(), "no more than MaxAttempts round trips")
}

func TestClientErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.URL, fastOptions())
	_, err := c.InLibrary(context.Background(), "track", false)

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, http.StatusBadRequest, ue.Status)
	require.Equal(t, int32(1), calls.Load())
}

func TestBackoffBounds(t *testing.T) {
	c := &Client{opts: normalizeOptions(Options{})}
	c.rnd = rand.New(rand.NewSource(1))

	for attempt := 1; attempt <= 5; attempt++ {
		base := float64(time.Second) * math.Pow(1.5, float64(attempt-1))
		if base > float64(10*time.Second) {
			base = float64(10 * time.Second)
		}
		lo := time.Duration(base * 0.9)
		hi := time.Duration(base * 1.1)
		for i := 0; i < 100; i++ {
			d := c.backoffFor(attempt)
			require.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
			require.LessOrEqual(t, d, hi, "attempt %d", attempt)
		}
	}
}

func TestTransportSoftFailures(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusNotFound} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()

			c, _ := newTestClient(t, srv.URL, srv.URL, fastOptions())
			require.NoError(t, c.Pause(context.Background()))
			require.NoError(t, c.Next(context.Background()))

			removed, err := c.RemoveFromLibrary(context.Background(), "track")
			require.NoError(t, err)
			require.False(t, removed)
		})
	}
}

func TestTrackNilOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.URL, fastOptions())
	track, err := c.Track(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, track)
}

func TestRecentlyPlayed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/me/player/recently-played", r.URL.Path)
		require.Equal(t, "5", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"track": map[string]any{"id": "t1"}, "played_at": "2026-08-26T10:00:00Z"},
				{"track": map[string]any{"id": "t2"}, "played_at": "2026-08-26T09:55:00Z"},
			},
		})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.URL, fastOptions())
	items, err := c.RecentlyPlayed(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "t1", items[0].Track.ID)
}

func TestAuthorizationURL(t *testing.T) {
	c, _ := newTestClient(t, "https://api.example", "https://accounts.example", fastOptions())

	u := c.AuthorizationURL("http://127.0.0.1:17600/auth/callback", "state-123", false)
	require.Contains(t, u, "https://accounts.example/authorize?")
	require.Contains(t, u, "client_id=client-id")
	require.Contains(t, u, "state=state-123")
	require.Contains(t, u, "user-read-playback-state")
	require.NotContains(t, u, "show_dialog")

	forced := c.AuthorizationURL("http://127.0.0.1:17600/auth/callback", "state-456", true)
	require.Contains(t, forced, "show_dialog=true")
}

func TestTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	opts := fastOptions()
	opts.Timeout = 50 * time.Millisecond
	opts.MaxAttempts = 1
	c, _ := newTestClient(t, srv.URL, srv.URL, opts)

	_, err := c.InLibrary(context.Background(), "track", false)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork))
}
