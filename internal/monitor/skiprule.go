// SPDX-License-Identifier: MIT

package monitor

import (
	"context"
	"time"

	"github.com/skipwatch/skipwatch/internal/bus"
	"github.com/skipwatch/skipwatch/internal/log"
	"github.com/skipwatch/skipwatch/internal/metrics"
	"github.com/skipwatch/skipwatch/internal/skipstore"
	"github.com/skipwatch/skipwatch/internal/stats"
)

// SkippedPayload is the trackSkipped event body.
type SkippedPayload struct {
	TrackID          string  `json:"trackId"`
	TrackName        string  `json:"trackName"`
	ArtistName       string  `json:"artistName"`
	SkipCount        int     `json:"skipCount"`
	ProgressFraction float64 `json:"progressFraction"`
	RemovedFromLib   bool    `json:"removedFromLibrary"`
}

// handleTrackChange classifies the track that just ended. newID is the
// incoming track; the outgoing one is still in m.st. Emits trackSkipped
// before the caller emits trackChanged.
func (m *Monitor) handleTrackChange(ctx context.Context, newID string, now time.Time) {
	m.mu.Lock()
	prevID := m.st.currentTrackID
	prevMeta := m.st.meta
	prevInLib := m.st.inLibrary
	durationMs := m.st.durationMs
	progressMs := m.st.progressMs
	if m.st.isPlaying && !m.st.lastSync.IsZero() {
		progressMs += now.Sub(m.st.lastSync).Milliseconds()
	}
	if progressMs > durationMs {
		progressMs = durationMs
	}
	pausedMs := m.st.totalPausedMs
	if !m.st.pausedSince.IsZero() {
		pausedMs += now.Sub(m.st.pausedSince).Milliseconds()
	}
	revisit := contains(m.st.recentTrackIDs, newID)

	// The outgoing track becomes the newest entry of the revisit window.
	recent := append([]string{prevID}, m.st.recentTrackIDs...)
	if len(recent) > recentTrackCap {
		recent = recent[:recentTrackCap]
	}
	m.st.recentTrackIDs = recent

	// Per-track accounting restarts with the incoming track.
	m.st.totalPausedMs = 0
	m.st.pausedSince = time.Time{}
	m.st.libraryStatusLogged = false
	m.mu.Unlock()

	fraction := 0.0
	if durationMs > 0 {
		fraction = float64(progressMs) / float64(durationMs)
	}
	threshold := m.settings.Get()

	if revisit {
		// The listener came back to a track from the recent window; the
		// jump away was navigation, not a judgment on the old track.
		metrics.IncTrackChange("revisit")
		m.logger.Debug().
			Str("event", "monitor.change.revisit").
			Str(log.FieldTrackID, newID).
			Msg("revisited a recent track, no accounting")
		return
	}

	skipped := fraction < threshold.SkipFraction() && pausedMs < pauseForgiveness.Milliseconds()

	switch {
	case skipped:
		metrics.IncTrackChange("skipped")
		if prevInLib {
			m.recordSkip(ctx, prevID, prevMeta, fraction, now, threshold.SkipThreshold)
		} else {
			// Skip accounting tracks library curation; tracks the listener
			// never saved have nothing to curate.
			m.logger.Debug().
				Str("event", "monitor.change.skip_outside_library").
				Str(log.FieldTrackID, prevID).
				Msg("early change of a non-library track, not recorded")
		}
	case pausedMs >= pauseForgiveness.Milliseconds():
		metrics.IncTrackChange("paused_then_changed")
		m.logger.Info().
			Str("event", "monitor.change.after_pause").
			Str(log.FieldTrackID, prevID).
			Str(log.FieldTrack, prevMeta.name).
			Dur("paused", time.Duration(pausedMs)*time.Millisecond).
			Msg("track changed after a long pause, not counted as skip")
	default:
		metrics.IncTrackChange("completed")
		if prevInLib {
			if _, err := m.skips.UpdateNotSkipped(&skipstore.Record{
				ID:     prevID,
				Name:   prevMeta.name,
				Artist: prevMeta.artistName,
			}); err != nil {
				m.logger.Error().Err(err).
					Str("event", "monitor.skipstore.update_failed").
					Str(log.FieldTrackID, prevID).
					Msg("could not persist not-skipped update")
			}
		}
	}

	if err := m.stats.Update(stats.UpdateInput{
		TrackID:    prevID,
		TrackName:  prevMeta.name,
		ArtistID:   prevMeta.artistID,
		ArtistName: prevMeta.artistName,
		DurationMs: durationMs,
		WasSkipped: skipped,
		PlayedMs:   progressMs,
		DeviceName: m.deviceName(),
		DeviceType: m.deviceType(),
		Timestamp:  now,
	}); err != nil {
		m.logger.Error().Err(err).
			Str("event", "monitor.stats.update_failed").
			Str(log.FieldTrackID, prevID).
			Msg("could not persist statistics update")
	}
}

// recordSkip persists one skip and enforces the threshold removal. Only
// library tracks reach here.
func (m *Monitor) recordSkip(ctx context.Context, id string, meta trackMeta, fraction float64, now time.Time, skipThreshold int) {
	ts := skipstore.Timestamp(now)
	rec, err := m.skips.UpdateSkipped(&skipstore.Record{
		ID:             id,
		Name:           meta.name,
		Artist:         meta.artistName,
		SkipCount:      1,
		LastSkippedAt:  ts,
		SkipTimestamps: []string{ts},
		SkipEvents:     []skipstore.SkipEvent{{Ts: ts, ProgressFraction: fraction}},
	})
	if err != nil {
		m.logger.Error().Err(err).
			Str("event", "monitor.skipstore.update_failed").
			Str(log.FieldTrackID, id).
			Msg("could not persist skip")
		return
	}
	removed := false
	if rec.SkipCount >= skipThreshold {
		removed, err = m.api.RemoveFromLibrary(ctx, id)
		if err != nil {
			m.logger.Error().Err(err).
				Str("event", "monitor.library.remove_failed").
				Str(log.FieldTrackID, id).
				Msg("threshold reached but library removal failed")
		} else if removed {
			metrics.IncLibraryRemoval()
			m.logger.Info().
				Str("event", "monitor.library.removed").
				Str(log.FieldTrackID, id).
				Str(log.FieldTrack, meta.name).
				Int("skip_count", rec.SkipCount).
				Msg("skip threshold reached, removed track from library")
		}
	}

	m.logger.Info().
		Str("event", "monitor.track_skipped").
		Str(log.FieldTrackID, id).
		Str(log.FieldTrack, meta.name).
		Str(log.FieldArtist, meta.artistName).
		Int("skip_count", rec.SkipCount).
		Float64(log.FieldProgress, fraction*100).
		Msg("track skipped")

	m.bus.Publish(bus.Event{Type: bus.EventTrackSkipped, Payload: SkippedPayload{
		TrackID:          id,
		TrackName:        meta.name,
		ArtistName:       meta.artistName,
		SkipCount:        rec.SkipCount,
		ProgressFraction: fraction,
		RemovedFromLib:   removed,
	}})
}

func (m *Monitor) deviceName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.deviceName
}

func (m *Monitor) deviceType() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.deviceType
}
