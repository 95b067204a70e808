// SPDX-License-Identifier: MIT

// Package monitor polls the upstream playback state, runs the per-track
// skip state machine, and feeds the skip store, the statistics
// aggregator, and the event bus.
package monitor

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/skipwatch/skipwatch/internal/auth"
	"github.com/skipwatch/skipwatch/internal/bus"
	"github.com/skipwatch/skipwatch/internal/clock"
	"github.com/skipwatch/skipwatch/internal/log"
	"github.com/skipwatch/skipwatch/internal/metrics"
	"github.com/skipwatch/skipwatch/internal/settings"
	"github.com/skipwatch/skipwatch/internal/skipstore"
	"github.com/skipwatch/skipwatch/internal/spotify"
	"github.com/skipwatch/skipwatch/internal/stats"
)

// PlaybackAPI is the slice of the upstream adapter the monitor uses.
type PlaybackAPI interface {
	CurrentPlayback(ctx context.Context) (*spotify.PlaybackState, error)
	RecentlyPlayed(ctx context.Context, limit int) ([]spotify.PlayedItem, error)
	InLibrary(ctx context.Context, id string, silent bool) (bool, error)
	RemoveFromLibrary(ctx context.Context, id string) (bool, error)
}

const (
	defaultPollInterval = 1000 * time.Millisecond
	defaultTickInterval = 250 * time.Millisecond

	// recentTrackCap bounds the revisit window for skip suppression.
	recentTrackCap = 5

	// pauseForgiveness: a change after this much accumulated pause is a
	// deliberate stop, not a skip.
	pauseForgiveness = 15 * time.Second

	// nowPlayingRelogAfter rate-limits the "now playing" INFO log.
	nowPlayingRelogAfter = 30 * time.Second

	recentlyPlayedLimit = 10
)

type trackMeta struct {
	name       string
	artistID   string
	artistName string
	albumName  string
	albumArt   string
}

// state is the monitor's private mutable state, guarded by Monitor.mu.
type state struct {
	currentTrackID      string
	meta                trackMeta
	progressMs          int64
	durationMs          int64
	isPlaying           bool
	inLibrary           bool
	lastSync            time.Time
	recentTrackIDs      []string
	pausedSince         time.Time
	totalPausedMs       int64
	libraryStatusLogged bool
	lastNowPlayingLogAt time.Time
	lastNowPlayingID    string
	deviceID            string
	deviceName          string
	deviceType          string
}

// Options tunes the monitor's scheduling.
type Options struct {
	PollInterval time.Duration
	TickInterval time.Duration
}

// Monitor owns the poll/tick loop. One instance per process.
type Monitor struct {
	api      PlaybackAPI
	skips    *skipstore.Store
	stats    *stats.Aggregator
	settings *settings.Store
	bus      *bus.Bus
	clock    clock.Clock
	logger   zerolog.Logger

	pollInterval time.Duration
	tickInterval time.Duration

	mu sync.Mutex
	st state

	// authPaused stops polling after a refresh failure until Resume.
	authPaused atomic.Bool

	// pollBusy enforces at most one poll in flight.
	pollBusy atomic.Bool

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// New wires the monitor. Intervals default to 1 s polling, 250 ms ticks.
func New(api PlaybackAPI, skips *skipstore.Store, st *stats.Aggregator, set *settings.Store, b *bus.Bus, clk clock.Clock, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	return &Monitor{
		api:          api,
		skips:        skips,
		stats:        st,
		settings:     set,
		bus:          b,
		clock:        clk,
		logger:       log.WithComponent("monitor"),
		pollInterval: opts.PollInterval,
		tickInterval: opts.TickInterval,
	}
}

// Start launches the poll/tick loop. Idempotent while running.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running.Load() {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running.Store(true)
	m.authPaused.Store(false)

	go m.run(runCtx)

	m.logger.Info().Str("event", "monitor.started").Msg("playback monitoring started")
}

// Stop cancels the loop and waits for it to drain. Idempotent.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running.Load() {
		return
	}
	m.cancel()
	<-m.done
	m.running.Store(false)

	m.logger.Info().Str("event", "monitor.stopped").Msg("playback monitoring stopped")
}

// IsRunning reports whether the loop is active.
func (m *Monitor) IsRunning() bool {
	return m.running.Load()
}

// Resume re-enables polling after a successful re-authentication.
func (m *Monitor) Resume() {
	if m.authPaused.Swap(false) {
		m.logger.Info().Str("event", "monitor.resumed").Msg("polling resumed after re-authentication")
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	// Seed the revisit window from upstream history: it knows skips from
	// before this process started.
	m.refreshRecent(ctx)

	poll := time.NewTicker(m.pollInterval)
	tick := time.NewTicker(m.tickInterval)
	defer poll.Stop()
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if m.pollBusy.CompareAndSwap(false, true) {
				m.pollOnce(ctx)
				m.pollBusy.Store(false)
			}
		case <-tick.C:
			m.tickOnce()
		}
	}
}

// pollOnce is one PollTask pass: fetch playback, run the state machine.
func (m *Monitor) pollOnce(ctx context.Context) {
	if m.authPaused.Load() {
		return
	}
	metrics.IncPoll()

	pb, err := m.api.CurrentPlayback(ctx)
	if err != nil {
		m.handlePollError(err)
		return
	}

	now := m.clock.Now()

	if pb == nil || pb.Item == nil || pb.Item.ID == "" {
		m.resetToIdle()
		return
	}

	track := pb.Item
	newID := track.ID

	// Pause edges: upstream paused with an item present keeps the state
	// machine alive so a later change can be classified.
	m.mu.Lock()
	wasPlaying := m.st.isPlaying
	m.mu.Unlock()

	if wasPlaying && !pb.IsPlaying {
		m.mu.Lock()
		if m.st.pausedSince.IsZero() {
			m.st.pausedSince = now
		}
		m.mu.Unlock()
		m.logger.Debug().
			Str("event", "monitor.pause.start").
			Str(log.FieldTrackID, newID).
			Msg("playback paused")
	} else if !wasPlaying && pb.IsPlaying {
		m.mu.Lock()
		resumed := !m.st.pausedSince.IsZero()
		if resumed {
			m.st.totalPausedMs += now.Sub(m.st.pausedSince).Milliseconds()
			m.st.pausedSince = time.Time{}
		}
		m.mu.Unlock()
		// Only a real pause edge logs; the first poll of a playing track
		// also lands here with no pause open.
		if resumed {
			m.logger.Debug().
				Str("event", "monitor.pause.end").
				Str(log.FieldTrackID, newID).
				Msg("playback resumed")
		}
	}

	inLib, err := m.api.InLibrary(ctx, newID, true)
	if err != nil {
		// The client pipeline already retried with a refreshed token once;
		// anything left is treated as "not in library" for this tick.
		inLib = false
	}

	m.mu.Lock()
	prevID := m.st.currentTrackID
	m.mu.Unlock()

	changed := prevID != "" && prevID != newID
	if changed {
		m.handleTrackChange(ctx, newID, now)
	}

	m.mu.Lock()
	if inLib && !m.st.libraryStatusLogged {
		m.st.libraryStatusLogged = true
		m.mu.Unlock()
		m.logger.Info().
			Str("event", "monitor.library.playing").
			Str(log.FieldTrackID, newID).
			Str(log.FieldTrack, track.Name).
			Msg("current track is in the library")
		m.mu.Lock()
	}

	// "Now playing" log: a different track than before, or 30 s elapsed
	// for the same track.
	relog := newID != m.st.lastNowPlayingID ||
		now.Sub(m.st.lastNowPlayingLogAt) >= nowPlayingRelogAfter
	if relog {
		m.st.lastNowPlayingLogAt = now
		m.st.lastNowPlayingID = newID
	}

	m.st.currentTrackID = newID
	m.st.meta = trackMeta{
		name:       track.Name,
		artistID:   track.PrimaryArtist().ID,
		artistName: track.PrimaryArtist().Name,
		albumName:  track.Album.Name,
		albumArt:   track.AlbumArt(),
	}
	m.st.progressMs = int64(pb.ProgressMs)
	m.st.durationMs = int64(track.DurationMs)
	m.st.isPlaying = pb.IsPlaying
	m.st.inLibrary = inLib
	m.st.lastSync = now
	if pb.Device != nil {
		m.st.deviceID = pb.Device.ID
		m.st.deviceName = pb.Device.Name
		m.st.deviceType = pb.Device.Type
	}
	snap := m.snapshotLocked(now)
	m.mu.Unlock()

	if relog {
		m.logger.Info().
			Str("event", "monitor.now_playing").
			Str(log.FieldTrackID, newID).
			Str(log.FieldTrack, track.Name).
			Str(log.FieldArtist, track.PrimaryArtist().Name).
			Msg("now playing")
	}

	if changed {
		m.publishTrackChanged()
		m.refreshRecent(ctx)
	}

	m.bus.Publish(bus.Event{Type: bus.EventPlaybackUpdate, Payload: snap})
}

// tickOnce is one TickTask pass: interpolate progress, emit a snapshot.
// Never performs I/O and never fails.
func (m *Monitor) tickOnce() {
	m.mu.Lock()
	if !m.st.isPlaying || m.st.durationMs <= 0 {
		m.mu.Unlock()
		return
	}
	snap := m.snapshotLocked(m.clock.Now())
	m.mu.Unlock()

	m.bus.Publish(bus.Event{Type: bus.EventPlaybackUpdate, Payload: snap})
}

// snapshotLocked builds an interpolated snapshot. Callers hold m.mu.
func (m *Monitor) snapshotLocked(now time.Time) Snapshot {
	progress := m.st.progressMs
	if m.st.isPlaying && !m.st.lastSync.IsZero() {
		progress += now.Sub(m.st.lastSync).Milliseconds()
	}
	if progress > m.st.durationMs {
		progress = m.st.durationMs
	}

	pct := 0.0
	if m.st.durationMs > 0 {
		pct = math.Round(float64(progress)/float64(m.st.durationMs)*10000) / 100
	}

	return Snapshot{
		IsPlaying:   m.st.isPlaying,
		TrackID:     m.st.currentTrackID,
		TrackName:   m.st.meta.name,
		ArtistName:  m.st.meta.artistName,
		AlbumName:   m.st.meta.albumName,
		AlbumArt:    m.st.meta.albumArt,
		ProgressMs:  progress,
		DurationMs:  m.st.durationMs,
		ProgressPct: pct,
		DeviceID:    m.st.deviceID,
		DeviceType:  m.st.deviceType,
		InLibrary:   m.st.inLibrary,
	}
}

// Snapshot returns the current interpolated snapshot for queries.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(m.clock.Now())
}

// resetToIdle clears the state machine, preserving the revisit window.
func (m *Monitor) resetToIdle() {
	m.mu.Lock()
	recent := m.st.recentTrackIDs
	hadTrack := m.st.currentTrackID != ""
	m.st = state{recentTrackIDs: recent}
	m.mu.Unlock()

	if hadTrack {
		m.bus.Publish(bus.Event{Type: bus.EventTrackChanged, Payload: nil})
	}
	m.bus.Publish(bus.Event{Type: bus.EventPlaybackUpdate, Payload: Snapshot{}})
}

func (m *Monitor) handlePollError(err error) {
	if errors.Is(err, auth.ErrRefreshFailed) || errors.Is(err, auth.ErrNoRefreshToken) || errors.Is(err, auth.ErrUnauthorized) {
		m.authPaused.Store(true)
		m.logger.Error().Err(err).
			Str("event", "monitor.auth_required").
			Msg("authentication lost, pausing polls until re-auth")
		m.bus.Publish(bus.Event{Type: bus.EventAuthStatusChanged, Payload: bus.AuthUnauthenticated})
		return
	}
	metrics.IncPollError()
	m.logger.Error().Err(err).
		Str("event", "monitor.poll_failed").
		Msg("playback poll failed, skipping tick")
}

func (m *Monitor) publishTrackChanged() {
	m.mu.Lock()
	info := TrackInfo{
		ID:         m.st.currentTrackID,
		Name:       m.st.meta.name,
		ArtistID:   m.st.meta.artistID,
		ArtistName: m.st.meta.artistName,
		AlbumName:  m.st.meta.albumName,
		AlbumArt:   m.st.meta.albumArt,
		DurationMs: m.st.durationMs,
		InLibrary:  m.st.inLibrary,
	}
	m.mu.Unlock()
	m.bus.Publish(bus.Event{Type: bus.EventTrackChanged, Payload: info})
}

// refreshRecent overlays the upstream history on the revisit window.
func (m *Monitor) refreshRecent(ctx context.Context) {
	items, err := m.api.RecentlyPlayed(ctx, recentlyPlayedLimit)
	if err != nil {
		m.logger.Debug().Err(err).
			Str("event", "monitor.recent.fetch_failed").
			Msg("could not refresh recently played")
		return
	}

	m.mu.Lock()
	merged := append([]string(nil), m.st.recentTrackIDs...)
	for _, it := range items {
		if it.Track.ID != "" && !contains(merged, it.Track.ID) {
			merged = append(merged, it.Track.ID)
		}
	}
	if len(merged) > recentTrackCap {
		merged = merged[:recentTrackCap]
	}
	m.st.recentTrackIDs = merged
	m.mu.Unlock()
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
