// SPDX-License-Identifier: MIT

package monitor

import (
	"math"

	"github.com/skipwatch/skipwatch/internal/spotify"
)

// Snapshot is the playback state emitted to the shell on every tick.
type Snapshot struct {
	IsPlaying   bool    `json:"isPlaying"`
	TrackID     string  `json:"trackId"`
	TrackName   string  `json:"trackName"`
	ArtistName  string  `json:"artistName"`
	AlbumName   string  `json:"albumName"`
	AlbumArt    string  `json:"albumArt"`
	ProgressMs  int64   `json:"progressMs"`
	DurationMs  int64   `json:"durationMs"`
	ProgressPct float64 `json:"progressPct"`
	DeviceID    string  `json:"deviceId,omitempty"`
	DeviceType  string  `json:"deviceType,omitempty"`
	InLibrary   bool    `json:"inLibrary"`
}

// SnapshotFromPlayback builds a one-shot snapshot from a raw playback
// state, for queries while the monitor loop is stopped.
func SnapshotFromPlayback(pb *spotify.PlaybackState) Snapshot {
	if pb == nil || pb.Item == nil {
		return Snapshot{}
	}
	track := pb.Item
	snap := Snapshot{
		IsPlaying:  pb.IsPlaying,
		TrackID:    track.ID,
		TrackName:  track.Name,
		ArtistName: track.PrimaryArtist().Name,
		AlbumName:  track.Album.Name,
		AlbumArt:   track.AlbumArt(),
		ProgressMs: int64(pb.ProgressMs),
		DurationMs: int64(track.DurationMs),
	}
	if track.DurationMs > 0 {
		snap.ProgressPct = math.Round(float64(pb.ProgressMs)/float64(track.DurationMs)*10000) / 100
	}
	if pb.Device != nil {
		snap.DeviceID = pb.Device.ID
		snap.DeviceType = pb.Device.Type
	}
	return snap
}

// TrackInfo is the payload of trackChanged events.
type TrackInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ArtistID   string `json:"artistId"`
	ArtistName string `json:"artistName"`
	AlbumName  string `json:"albumName"`
	AlbumArt   string `json:"albumArt"`
	DurationMs int64  `json:"durationMs"`
	InLibrary  bool   `json:"inLibrary"`
}
