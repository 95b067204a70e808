// SPDX-License-Identifier: MIT

package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// CurrentPlayback returns the live playback state, or nil when nothing is
// playing (HTTP 204 / no active device).
func (c *Client) CurrentPlayback(ctx context.Context) (*PlaybackState, error) {
	query := url.Values{"additional_types": {"episode"}}
	data, status, err := c.do(ctx, http.MethodGet, "/v1/me/player", query, nil, true)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || len(data) == 0 {
		return nil, nil
	}

	var state PlaybackState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode playback state: %w", err)
	}
	return &state, nil
}

// RecentlyPlayed returns up to limit history entries, newest first.
func (c *Client) RecentlyPlayed(ctx context.Context, limit int) ([]PlayedItem, error) {
	if limit <= 0 {
		limit = 20
	}
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	data, _, err := c.do(ctx, http.MethodGet, "/v1/me/player/recently-played", query, nil, false)
	if err != nil {
		return nil, err
	}

	var resp recentlyPlayedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode recently played: %w", err)
	}
	return resp.Items, nil
}

// Track fetches track metadata. Returns nil on 404.
func (c *Client) Track(ctx context.Context, id string) (*Track, error) {
	data, _, err := c.do(ctx, http.MethodGet, "/v1/tracks/"+id, nil, nil, false)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var t Track
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode track: %w", err)
	}
	return &t, nil
}

// InLibrary reports whether the track is in the user's saved library.
// silent suppresses per-request logs for the monitor's hot loop.
func (c *Client) InLibrary(ctx context.Context, id string, silent bool) (bool, error) {
	query := url.Values{"ids": {id}}
	data, _, err := c.do(ctx, http.MethodGet, "/v1/me/tracks/contains", query, nil, silent)
	if err != nil {
		return false, err
	}

	var contains []bool
	if err := json.Unmarshal(data, &contains); err != nil {
		return false, fmt.Errorf("decode library membership: %w", err)
	}
	if len(contains) == 0 {
		return false, nil
	}
	return contains[0], nil
}

// SaveToLibrary likes a track. 403/404 are soft failures (false, nil).
func (c *Client) SaveToLibrary(ctx context.Context, id string) (bool, error) {
	query := url.Values{"ids": {id}}
	_, _, err := c.do(ctx, http.MethodPut, "/v1/me/tracks", query, nil, false)
	if err != nil {
		if isSoftFailure(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RemoveFromLibrary unlikes a track. 403/404 are soft failures.
func (c *Client) RemoveFromLibrary(ctx context.Context, id string) (bool, error) {
	query := url.Values{"ids": {id}}
	_, _, err := c.do(ctx, http.MethodDelete, "/v1/me/tracks", query, nil, false)
	if err != nil {
		if isSoftFailure(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Pause halts playback on the active device.
func (c *Client) Pause(ctx context.Context) error {
	return c.transport(ctx, http.MethodPut, "/v1/me/player/pause")
}

// Resume continues playback on the active device.
func (c *Client) Resume(ctx context.Context) error {
	return c.transport(ctx, http.MethodPut, "/v1/me/player/play")
}

// Next advances to the next track.
func (c *Client) Next(ctx context.Context) error {
	return c.transport(ctx, http.MethodPost, "/v1/me/player/next")
}

// Previous returns to the previous track.
func (c *Client) Previous(ctx context.Context) error {
	return c.transport(ctx, http.MethodPost, "/v1/me/player/previous")
}

// transport issues a playback transport command. "No active device"
// (403/404) is swallowed: the user sees nothing happen, not an error.
func (c *Client) transport(ctx context.Context, method, path string) error {
	_, _, err := c.do(ctx, method, path, nil, nil, false)
	if err != nil && !isSoftFailure(err) {
		return err
	}
	return nil
}

// Me returns the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (*User, error) {
	data, _, err := c.do(ctx, http.MethodGet, "/v1/me", nil, nil, false)
	if err != nil {
		return nil, err
	}

	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &u, nil
}

func isSoftFailure(err error) bool {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	return ue.Status == http.StatusForbidden || ue.Status == http.StatusNotFound
}
