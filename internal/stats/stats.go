// SPDX-License-Identifier: MIT

// Package stats maintains the listening statistics aggregate: daily,
// weekly, monthly and per-artist buckets, reconstructed sessions, and the
// derived scalars. One Update per observed play.
package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/skipwatch/skipwatch/internal/clock"
	"github.com/skipwatch/skipwatch/internal/log"
	"github.com/skipwatch/skipwatch/internal/metrics"
	"github.com/skipwatch/skipwatch/internal/persist"
)

const (
	statsFile = "statistics.json"

	// sessionGap is the maximal silence inside one session.
	sessionGap = 30 * time.Minute

	// maxSessions caps the retained session history.
	maxSessions = 100

	topArtistCount = 10
)

// UpdateInput describes one finished (or skipped) play.
type UpdateInput struct {
	TrackID    string
	TrackName  string
	ArtistID   string
	ArtistName string
	DurationMs int64
	WasSkipped bool
	PlayedMs   int64
	DeviceName string
	DeviceType string
	Timestamp  time.Time
}

// Aggregator owns the statistics document. All mutation happens under its
// mutex; the disk copy is rewritten atomically after each update.
type Aggregator struct {
	path          string
	clock         clock.Clock
	timeframeDays func() int
	logger        zerolog.Logger

	mu  sync.Mutex
	agg *Aggregate
}

// New loads the aggregate from dataDir. timeframeDays supplies the
// discovery-rate window (settings.timeframeInDays).
func New(dataDir string, clk clock.Clock, timeframeDays func() int) *Aggregator {
	a := &Aggregator{
		path:          filepath.Join(dataDir, statsFile),
		clock:         clk,
		timeframeDays: timeframeDays,
		logger:        log.WithComponent("stats"),
		agg:           emptyAggregate(),
	}
	a.load()
	return a
}

func (a *Aggregator) load() {
	raw, err := os.ReadFile(a.path)
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Error().Err(err).
				Str("event", "stats.load_failed").
				Msg("cannot read statistics")
		}
		return
	}

	var agg Aggregate
	if err := json.Unmarshal(raw, &agg); err != nil {
		backup := a.path + ".corrupt"
		_ = os.Rename(a.path, backup)
		a.logger.Error().Err(err).
			Str("event", "stats.corrupt").
			Str(log.FieldPath, backup).
			Msg("statistics file is corrupt, moved aside and starting empty")
		return
	}
	agg.normalizeShape()
	a.agg = &agg
}

// Update folds one play into every bucket and persists the result.
func (a *Aggregator) Update(in UpdateInput) error {
	if in.TrackID == "" {
		return fmt.Errorf("update requires a track id")
	}
	in.TrackName = norm.NFC.String(in.TrackName)
	in.ArtistName = norm.NFC.String(in.ArtistName)

	a.mu.Lock()
	defer a.mu.Unlock()

	ts := in.Timestamp
	if ts.IsZero() {
		ts = a.clock.Now()
	}

	a.bumpDaily(in, ts)
	a.bumpPeriod(a.agg.WeeklyMetrics, isoWeekKey(ts), in)
	a.bumpPeriod(a.agg.MonthlyMetrics, ts.Format("2006-01"), in)
	a.bumpDistributions(ts)
	a.bumpArtist(in, ts)
	a.recomputeScalars()
	a.recomputeDiscoveryRate(ts)
	a.mergeSession(in, ts)

	a.agg.LastUpdated = a.clock.Now().UTC().Format(time.RFC3339)
	return a.persistLocked()
}

func (a *Aggregator) bumpDaily(in UpdateInput, ts time.Time) {
	key := ts.Format("2006-01-02")
	d, ok := a.agg.DailyMetrics[key]
	if !ok {
		d = &DailyMetrics{
			UniqueArtists: make(StringSet),
			UniqueTracks:  make(StringSet),
			HourCounts:    make([]int, 24),
		}
		a.agg.DailyMetrics[key] = d
	}
	d.ListeningTimeMs += in.PlayedMs
	d.TracksPlayed++
	if in.WasSkipped {
		d.TracksSkipped++
	}
	d.UniqueArtists.Add(in.ArtistID)
	d.UniqueTracks.Add(in.TrackID)
	d.HourCounts[ts.Hour()]++

	peak := 0
	for h, c := range d.HourCounts {
		if c > d.HourCounts[peak] {
			peak = h
		}
	}
	d.PeakHour = peak
}

func (a *Aggregator) bumpPeriod(buckets map[string]*PeriodMetrics, key string, in UpdateInput) {
	p, ok := buckets[key]
	if !ok {
		p = &PeriodMetrics{
			UniqueArtists: make(StringSet),
			UniqueTracks:  make(StringSet),
		}
		buckets[key] = p
	}
	p.ListeningTimeMs += in.PlayedMs
	p.TracksPlayed++
	if in.WasSkipped {
		p.TracksSkipped++
	}
	p.UniqueArtists.Add(in.ArtistID)
	p.UniqueTracks.Add(in.TrackID)
}

func (a *Aggregator) bumpDistributions(ts time.Time) {
	a.agg.HourlyDistribution[ts.Hour()]++
	a.agg.DailyDistribution[int(ts.Weekday())]++
}

func (a *Aggregator) bumpArtist(in UpdateInput, ts time.Time) {
	if in.ArtistID == "" {
		return
	}
	m, ok := a.agg.ArtistMetrics[in.ArtistID]
	if !ok {
		m = &ArtistMetrics{
			Name:        in.ArtistName,
			TrackPlays:  make(map[string]int),
			TrackSkips:  make(map[string]int),
			FirstSeenAt: ts.UTC().Format(time.RFC3339),
		}
		a.agg.ArtistMetrics[in.ArtistID] = m
	}
	if in.ArtistName != "" {
		m.Name = in.ArtistName
	}

	m.TracksPlayed++
	m.ListeningTimeMs += in.PlayedMs
	n := float64(m.TracksPlayed)
	skipped := 0.0
	if in.WasSkipped {
		skipped = 1.0
	}
	m.SkipRate = (m.SkipRate*(n-1) + skipped) / n

	m.TrackPlays[in.TrackID]++
	if in.WasSkipped {
		m.SkippedTracks++
		m.TrackSkips[in.TrackID]++
		k := float64(m.SkippedTracks)
		m.AvgListeningBeforeSkipMs = (m.AvgListeningBeforeSkipMs*(k-1) + float64(in.PlayedMs)) / k
	}

	m.MostPlayedTrackID = argmax(m.TrackPlays)
	m.MostSkippedTrackID = argmax(m.TrackSkips)
}

func (a *Aggregator) recomputeScalars() {
	tracks := make(StringSet)
	artists := make(StringSet)
	var played, skipped int
	var listening int64
	for _, d := range a.agg.DailyMetrics {
		played += d.TracksPlayed
		skipped += d.TracksSkipped
		listening += d.ListeningTimeMs
		for t := range d.UniqueTracks {
			tracks.Add(t)
		}
		for ar := range d.UniqueArtists {
			artists.Add(ar)
		}
	}

	a.agg.TotalUniqueTracks = len(tracks)
	a.agg.TotalUniqueArtists = len(artists)
	a.agg.TotalListeningTimeMs = listening
	if played > 0 {
		a.agg.OverallSkipRate = float64(skipped) / float64(played)
	} else {
		a.agg.OverallSkipRate = 0
	}

	type artistTime struct {
		id string
		ms int64
	}
	ranked := make([]artistTime, 0, len(a.agg.ArtistMetrics))
	for id, m := range a.agg.ArtistMetrics {
		ranked = append(ranked, artistTime{id, m.ListeningTimeMs})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].ms != ranked[j].ms {
			return ranked[i].ms > ranked[j].ms
		}
		return ranked[i].id < ranked[j].id
	})
	if len(ranked) > topArtistCount {
		ranked = ranked[:topArtistCount]
	}
	top := make([]string, len(ranked))
	for i, r := range ranked {
		top[i] = r.id
	}
	a.agg.TopArtistIDs = top
}

func (a *Aggregator) recomputeDiscoveryRate(now time.Time) {
	if len(a.agg.ArtistMetrics) == 0 {
		a.agg.DiscoveryRate = 0
		return
	}
	days := 30
	if a.timeframeDays != nil {
		if d := a.timeframeDays(); d > 0 {
			days = d
		}
	}
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)

	recent := 0
	for _, m := range a.agg.ArtistMetrics {
		first, err := time.Parse(time.RFC3339, m.FirstSeenAt)
		if err == nil && !first.Before(cutoff) {
			recent++
		}
	}
	a.agg.DiscoveryRate = float64(recent) / float64(len(a.agg.ArtistMetrics))
}

func (a *Aggregator) mergeSession(in UpdateInput, ts time.Time) {
	var last *Session
	if n := len(a.agg.Sessions); n > 0 {
		last = a.agg.Sessions[n-1]
	}

	extend := false
	if last != nil {
		if end, err := time.Parse(time.RFC3339, last.EndTime); err == nil {
			extend = ts.Sub(end) <= sessionGap && !ts.Before(end)
		}
	}

	if extend {
		last.EndTime = ts.UTC().Format(time.RFC3339)
		if start, err := time.Parse(time.RFC3339, last.StartTime); err == nil {
			last.DurationMs = ts.Sub(start).Milliseconds()
		}
		last.TrackIDs = append(last.TrackIDs, in.TrackID)
		if in.WasSkipped {
			last.SkippedTracks++
			last.CurrentStreak = 0
		} else {
			last.CurrentStreak++
			if last.CurrentStreak > last.LongestNonSkipStreak {
				last.LongestNonSkipStreak = last.CurrentStreak
			}
		}
		return
	}

	s := &Session{
		ID:         uuid.NewString(),
		StartTime:  ts.UTC().Format(time.RFC3339),
		EndTime:    ts.UTC().Format(time.RFC3339),
		DurationMs: 0,
		TrackIDs:   []string{in.TrackID},
		DeviceName: in.DeviceName,
		DeviceType: in.DeviceType,
	}
	if in.WasSkipped {
		s.SkippedTracks = 1
	} else {
		s.CurrentStreak = 1
		s.LongestNonSkipStreak = 1
	}
	a.agg.Sessions = append(a.agg.Sessions, s)
	if len(a.agg.Sessions) > maxSessions {
		a.agg.Sessions = a.agg.Sessions[len(a.agg.Sessions)-maxSessions:]
	}
}

// Get returns a deep copy of the aggregate.
func (a *Aggregator) Get() *Aggregate {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.Marshal(a.agg)
	if err != nil {
		return emptyAggregate()
	}
	var out Aggregate
	if err := json.Unmarshal(data, &out); err != nil {
		return emptyAggregate()
	}
	out.normalizeShape()
	return &out
}

// Clear resets to the documented empty shape and persists it.
func (a *Aggregator) Clear() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agg = emptyAggregate()
	a.agg.LastUpdated = a.clock.Now().UTC().Format(time.RFC3339)
	return a.persistLocked()
}

// Flush rewrites the disk copy; called on shutdown.
func (a *Aggregator) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.persistLocked()
}

func (a *Aggregator) persistLocked() error {
	data, err := json.MarshalIndent(a.agg, "", "  ")
	if err != nil {
		metrics.IncStoreWrite("statistics", "failure")
		return fmt.Errorf("marshal statistics: %w", err)
	}
	if err := persist.WriteFile(a.path, data, 0o644); err != nil {
		metrics.IncStoreWrite("statistics", "failure")
		a.logger.Error().Err(err).
			Str("event", "stats.persist_failed").
			Msg("statistics not written, keeping in-memory state")
		return err
	}
	metrics.IncStoreWrite("statistics", "success")
	return nil
}

// isoWeekKey formats YYYY-Www with the ISO year, which can differ from
// the calendar year in the first and last days of January/December.
func isoWeekKey(ts time.Time) string {
	year, week := ts.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func argmax(counts map[string]int) string {
	best := ""
	bestCount := 0
	for id, c := range counts {
		if c > bestCount || (c == bestCount && best != "" && id < best) {
			best = id
			bestCount = c
		}
	}
	return best
}
