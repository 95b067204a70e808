// SPDX-License-Identifier: MIT

package spotify

import "time"

// Wire shapes for the upstream Web API. Field names follow the upstream
// JSON exactly; only the fields the daemon reads are declared.

// Image is one rendition of album art.
type Image struct {
	URL    string `json:"url"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
}

// Artist identifies a track or album artist.
type Artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// Album carries the album metadata attached to a track.
type Album struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	URI    string  `json:"uri"`
	Images []Image `json:"images"`
}

// Track is the full track object.
type Track struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	URI        string   `json:"uri"`
	DurationMs int      `json:"duration_ms"`
	Artists    []Artist `json:"artists"`
	Album      Album    `json:"album"`
}

// PrimaryArtist returns the first credited artist, if any.
func (t *Track) PrimaryArtist() Artist {
	if len(t.Artists) == 0 {
		return Artist{}
	}
	return t.Artists[0]
}

// AlbumArt returns the first (largest) album image URL, if any.
func (t *Track) AlbumArt() string {
	if len(t.Album.Images) == 0 {
		return ""
	}
	return t.Album.Images[0].URL
}

// Device is the playback device attached to a playback state.
type Device struct {
	ID       string `json:"id"`
	IsActive bool   `json:"is_active"`
	Name     string `json:"name"`
	Type     string `json:"type"`
}

// PlaybackState mirrors GET /v1/me/player. Item is nil for episodes and
// local files without track metadata.
type PlaybackState struct {
	Device               *Device `json:"device"`
	Timestamp            int64   `json:"timestamp"`
	ProgressMs           int     `json:"progress_ms"`
	IsPlaying            bool    `json:"is_playing"`
	CurrentlyPlayingType string  `json:"currently_playing_type"`
	Item                 *Track  `json:"item"`
}

// PlayedItem is one entry of the recently-played history.
type PlayedItem struct {
	Track    Track     `json:"track"`
	PlayedAt time.Time `json:"played_at"`
}

type recentlyPlayedResponse struct {
	Items []PlayedItem `json:"items"`
}

// User is the authenticated profile, fetched to confirm authentication.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}
