// SPDX-License-Identifier: MIT

package stats

import (
	"encoding/json"
	"sort"
)

// StringSet is a set persisted as a deduplicated ordered array. The
// conversion happens once, at marshal/unmarshal time.
type StringSet map[string]struct{}

func (s StringSet) Add(v string) {
	if v != "" {
		s[v] = struct{}{}
	}
}

func (s StringSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

func (s StringSet) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return json.Marshal(keys)
}

func (s *StringSet) UnmarshalJSON(data []byte) error {
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		// Tolerate the legacy object form {"id": true}.
		var m map[string]any
		if err2 := json.Unmarshal(data, &m); err2 != nil {
			return err
		}
		keys = make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
	}
	*s = make(StringSet, len(keys))
	for _, k := range keys {
		(*s)[k] = struct{}{}
	}
	return nil
}

// DailyMetrics is one day's bucket. HourCounts backs PeakHour so the
// value stays recomputable after restarts.
type DailyMetrics struct {
	ListeningTimeMs int64     `json:"listeningTimeMs"`
	TracksPlayed    int       `json:"tracksPlayed"`
	TracksSkipped   int       `json:"tracksSkipped"`
	UniqueArtists   StringSet `json:"uniqueArtists"`
	UniqueTracks    StringSet `json:"uniqueTracks"`
	HourCounts      []int     `json:"hourCounts"`
	PeakHour        int       `json:"peakHour"`
}

// PeriodMetrics is a weekly or monthly bucket.
type PeriodMetrics struct {
	ListeningTimeMs int64     `json:"listeningTimeMs"`
	TracksPlayed    int       `json:"tracksPlayed"`
	TracksSkipped   int       `json:"tracksSkipped"`
	UniqueArtists   StringSet `json:"uniqueArtists"`
	UniqueTracks    StringSet `json:"uniqueTracks"`
}

// ArtistMetrics carries per-artist aggregates. TrackPlays/TrackSkips and
// FirstSeenAt persist so the derived fields survive restarts.
type ArtistMetrics struct {
	Name                     string         `json:"name"`
	ListeningTimeMs          int64          `json:"listeningTimeMs"`
	SkipRate                 float64        `json:"skipRate"`
	TracksPlayed             int            `json:"tracksPlayed"`
	SkippedTracks            int            `json:"skippedTracks"`
	AvgListeningBeforeSkipMs float64        `json:"avgListeningBeforeSkipMs"`
	MostPlayedTrackID        string         `json:"mostPlayedTrackId"`
	MostSkippedTrackID       string         `json:"mostSkippedTrackId"`
	TrackPlays               map[string]int `json:"trackPlays"`
	TrackSkips               map[string]int `json:"trackSkips"`
	FirstSeenAt              string         `json:"firstSeenAt"`
}

// Session is a maximal run of plays with inter-play gaps of at most
// 30 minutes. Times are RFC3339.
type Session struct {
	ID                   string   `json:"id"`
	StartTime            string   `json:"startTime"`
	EndTime              string   `json:"endTime"`
	DurationMs           int64    `json:"durationMs"`
	TrackIDs             []string `json:"trackIds"`
	SkippedTracks        int      `json:"skippedTracks"`
	DeviceName           string   `json:"deviceName"`
	DeviceType           string   `json:"deviceType"`
	LongestNonSkipStreak int      `json:"longestNonSkipStreak"`
	CurrentStreak        int      `json:"currentStreak"`
}

// Aggregate is the full statistics document, data/statistics.json.
type Aggregate struct {
	DailyMetrics         map[string]*DailyMetrics  `json:"dailyMetrics"`
	WeeklyMetrics        map[string]*PeriodMetrics `json:"weeklyMetrics"`
	MonthlyMetrics       map[string]*PeriodMetrics `json:"monthlyMetrics"`
	ArtistMetrics        map[string]*ArtistMetrics `json:"artistMetrics"`
	Sessions             []*Session                `json:"sessions"`
	TotalUniqueTracks    int                       `json:"totalUniqueTracks"`
	TotalUniqueArtists   int                       `json:"totalUniqueArtists"`
	OverallSkipRate      float64                   `json:"overallSkipRate"`
	DiscoveryRate        float64                   `json:"discoveryRate"`
	TotalListeningTimeMs int64                     `json:"totalListeningTimeMs"`
	TopArtistIDs         []string                  `json:"topArtistIds"`
	HourlyDistribution   []int                     `json:"hourlyDistribution"`
	DailyDistribution    []int                     `json:"dailyDistribution"`
	LastUpdated          string                    `json:"lastUpdated"`
}

// emptyAggregate is the documented default-empty shape.
func emptyAggregate() *Aggregate {
	return &Aggregate{
		DailyMetrics:       make(map[string]*DailyMetrics),
		WeeklyMetrics:      make(map[string]*PeriodMetrics),
		MonthlyMetrics:     make(map[string]*PeriodMetrics),
		ArtistMetrics:      make(map[string]*ArtistMetrics),
		Sessions:           []*Session{},
		TopArtistIDs:       []string{},
		HourlyDistribution: make([]int, 24),
		DailyDistribution:  make([]int, 7),
	}
}

// normalizeShape repairs fixed-length slices and nil maps after a load.
func (a *Aggregate) normalizeShape() {
	if a.DailyMetrics == nil {
		a.DailyMetrics = make(map[string]*DailyMetrics)
	}
	if a.WeeklyMetrics == nil {
		a.WeeklyMetrics = make(map[string]*PeriodMetrics)
	}
	if a.MonthlyMetrics == nil {
		a.MonthlyMetrics = make(map[string]*PeriodMetrics)
	}
	if a.ArtistMetrics == nil {
		a.ArtistMetrics = make(map[string]*ArtistMetrics)
	}
	if a.Sessions == nil {
		a.Sessions = []*Session{}
	}
	if a.TopArtistIDs == nil {
		a.TopArtistIDs = []string{}
	}
	if len(a.HourlyDistribution) != 24 {
		a.HourlyDistribution = resize(a.HourlyDistribution, 24)
	}
	if len(a.DailyDistribution) != 7 {
		a.DailyDistribution = resize(a.DailyDistribution, 7)
	}
	for _, d := range a.DailyMetrics {
		if d.UniqueArtists == nil {
			d.UniqueArtists = make(StringSet)
		}
		if d.UniqueTracks == nil {
			d.UniqueTracks = make(StringSet)
		}
		if len(d.HourCounts) != 24 {
			d.HourCounts = resize(d.HourCounts, 24)
		}
	}
	for _, p := range a.WeeklyMetrics {
		p.normalize()
	}
	for _, p := range a.MonthlyMetrics {
		p.normalize()
	}
	for _, m := range a.ArtistMetrics {
		if m.TrackPlays == nil {
			m.TrackPlays = make(map[string]int)
		}
		if m.TrackSkips == nil {
			m.TrackSkips = make(map[string]int)
		}
	}
}

func (p *PeriodMetrics) normalize() {
	if p.UniqueArtists == nil {
		p.UniqueArtists = make(StringSet)
	}
	if p.UniqueTracks == nil {
		p.UniqueTracks = make(StringSet)
	}
}

func resize(in []int, n int) []int {
	out := make([]int, n)
	copy(out, in)
	return out
}
