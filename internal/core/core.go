// SPDX-License-Identifier: MIT

// Package core owns construction order and the command dispatch table:
// the inbound half of the shell surface. Every command the control API
// accepts lands in Dispatch.
package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skipwatch/skipwatch/internal/auth"
	"github.com/skipwatch/skipwatch/internal/bus"
	"github.com/skipwatch/skipwatch/internal/clock"
	"github.com/skipwatch/skipwatch/internal/creds"
	"github.com/skipwatch/skipwatch/internal/log"
	"github.com/skipwatch/skipwatch/internal/logstore"
	"github.com/skipwatch/skipwatch/internal/metrics"
	"github.com/skipwatch/skipwatch/internal/monitor"
	"github.com/skipwatch/skipwatch/internal/settings"
	"github.com/skipwatch/skipwatch/internal/skipstore"
	"github.com/skipwatch/skipwatch/internal/spotify"
	"github.com/skipwatch/skipwatch/internal/stats"
)

var (
	// ErrUnknownCommand is returned for names outside the dispatch table.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrStateMismatch is returned when the OAuth callback carries a state
	// the daemon did not issue, or one older than the pending window.
	ErrStateMismatch = errors.New("oauth state mismatch")
)

// statePendingWindow bounds how long an issued OAuth state stays valid.
const statePendingWindow = 10 * time.Minute

// Deps collects everything Core orchestrates. All fields are required.
type Deps struct {
	Creds    *creds.Store
	Auth     *auth.Manager
	Spotify  *spotify.Client
	Monitor  *monitor.Monitor
	Skips    *skipstore.Store
	Stats    *stats.Aggregator
	Settings *settings.Store
	Logs     *logstore.Store
	Bus      *bus.Bus
	Clock    clock.Clock

	// RedirectURL is the registered OAuth redirect, normally
	// http://127.0.0.1:17600/auth/callback.
	RedirectURL string
}

// Core is the command surface. One instance per process.
type Core struct {
	d      Deps
	logger zerolog.Logger

	// runCtx outlives individual commands; the monitor loop runs on it.
	runCtx context.Context

	stateMu      sync.Mutex
	pendingState string
	stateIssued  time.Time
}

// New wires the core. runCtx is the daemon's root context: monitoring
// started by a command stops when it is cancelled.
func New(runCtx context.Context, d Deps) *Core {
	return &Core{
		d:      d,
		logger: log.WithComponent("core"),
		runCtx: runCtx,
	}
}

// AuthResult is the Authenticate response.
type AuthResult struct {
	AuthURL string `json:"authUrl"`
	State   string `json:"state"`
}

type authenticateArgs struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Force        bool   `json:"force"`
}

type completeAuthArgs struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

type trackArgs struct {
	TrackID string `json:"trackId"`
}

type updateRecordArgs struct {
	Record *skipstore.Record `json:"record"`
}

type saveSettingsArgs struct {
	Settings settings.Settings `json:"settings"`
}

type logsArgs struct {
	Count int    `json:"count"`
	Name  string `json:"name"`
}

// Dispatch executes one named command. Imperative commands return a
// bool; queries return domain objects.
func (c *Core) Dispatch(ctx context.Context, name string, rawArgs json.RawMessage) (any, error) {
	data, err := c.dispatch(ctx, name, rawArgs)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.IncCommand(name, outcome)
	return data, err
}

func (c *Core) dispatch(ctx context.Context, name string, rawArgs json.RawMessage) (any, error) {
	switch name {
	case "Authenticate":
		var args authenticateArgs
		if err := decode(rawArgs, &args); err != nil {
			return nil, err
		}
		return c.authenticate(args)

	case "CompleteAuth":
		var args completeAuthArgs
		if err := decode(rawArgs, &args); err != nil {
			return nil, err
		}
		return c.completeAuth(ctx, args)

	case "Logout":
		return c.logout()

	case "IsAuthenticated":
		return c.d.Auth.IsValid() || c.d.Auth.HasRefresh(), nil

	case "StartMonitoring":
		if !c.d.Auth.IsValid() && !c.d.Auth.HasRefresh() {
			return false, auth.ErrNoRefreshToken
		}
		c.d.Monitor.Start(c.runCtx)
		return true, nil

	case "StopMonitoring":
		c.d.Monitor.Stop()
		return true, nil

	case "IsMonitoring":
		return c.d.Monitor.IsRunning(), nil

	case "Play":
		return imperative(c.d.Spotify.Resume(ctx))

	case "Pause":
		return imperative(c.d.Spotify.Pause(ctx))

	case "Next":
		return imperative(c.d.Spotify.Next(ctx))

	case "Previous":
		return imperative(c.d.Spotify.Previous(ctx))

	case "GetCurrentPlayback":
		if c.d.Monitor.IsRunning() {
			return c.d.Monitor.Snapshot(), nil
		}
		pb, err := c.d.Spotify.CurrentPlayback(ctx)
		if err != nil {
			return nil, err
		}
		snap := monitor.SnapshotFromPlayback(pb)
		if snap.TrackID != "" {
			if inLib, lerr := c.d.Spotify.InLibrary(ctx, snap.TrackID, true); lerr == nil {
				snap.InLibrary = inLib
			}
		}
		return snap, nil

	case "GetSkippedTracks":
		return c.d.Skips.GetAll(), nil

	case "UpdateSkippedTrack":
		var args updateRecordArgs
		if err := decode(rawArgs, &args); err != nil {
			return nil, err
		}
		if args.Record == nil || args.Record.ID == "" {
			return nil, fmt.Errorf("record with id required")
		}
		return imperative(c.replaceSkipRecord(args.Record))

	case "RemoveFromSkipped":
		var args trackArgs
		if err := decode(rawArgs, &args); err != nil {
			return nil, err
		}
		return imperative(c.d.Skips.Remove(args.TrackID))

	case "LikeTrack":
		var args trackArgs
		if err := decode(rawArgs, &args); err != nil {
			return nil, err
		}
		return c.d.Spotify.SaveToLibrary(ctx, args.TrackID)

	case "UnlikeTrack":
		var args trackArgs
		if err := decode(rawArgs, &args); err != nil {
			return nil, err
		}
		return c.d.Spotify.RemoveFromLibrary(ctx, args.TrackID)

	case "GetSettings":
		return c.d.Settings.Get(), nil

	case "SaveSettings":
		var args saveSettingsArgs
		if err := decode(rawArgs, &args); err != nil {
			return nil, err
		}
		return imperative(c.d.Settings.Save(args.Settings))

	case "GetStatistics":
		return c.d.Stats.Get(), nil

	case "ClearStatistics":
		return imperative(c.d.Stats.Clear())

	case "GetLogs":
		var args logsArgs
		if err := decode(rawArgs, &args); err != nil {
			return nil, err
		}
		return c.d.Logs.Get(defaultCount(args.Count)), nil

	case "GetLogFiles":
		return c.d.Logs.ListFiles()

	case "GetLogsFromFile":
		var args logsArgs
		if err := decode(rawArgs, &args); err != nil {
			return nil, err
		}
		return c.d.Logs.GetFromFile(args.Name, defaultCount(args.Count))

	case "ClearLogs":
		return imperative(c.d.Logs.Clear())

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
}

func (c *Core) authenticate(args authenticateArgs) (any, error) {
	if args.ClientID != "" || args.ClientSecret != "" {
		if err := c.d.Creds.Set(args.ClientID, args.ClientSecret); err != nil {
			return nil, err
		}
	}
	if err := c.d.Creds.EnsureSet(); err != nil {
		return nil, err
	}

	state, err := newState()
	if err != nil {
		return nil, err
	}

	c.stateMu.Lock()
	c.pendingState = state
	c.stateIssued = c.d.Clock.Now()
	c.stateMu.Unlock()

	c.d.Bus.Publish(bus.Event{Type: bus.EventAuthStatusChanged, Payload: bus.AuthAuthenticating})
	c.logger.Info().
		Str("event", "core.auth.started").
		Msg("authorization flow started")

	return AuthResult{
		AuthURL: c.d.Spotify.AuthorizationURL(c.d.RedirectURL, state, args.Force),
		State:   state,
	}, nil
}

func (c *Core) completeAuth(ctx context.Context, args completeAuthArgs) (any, error) {
	c.stateMu.Lock()
	pending := c.pendingState
	issued := c.stateIssued
	c.pendingState = ""
	c.stateMu.Unlock()

	if pending == "" || args.State != pending || c.d.Clock.Now().Sub(issued) > statePendingWindow {
		return nil, ErrStateMismatch
	}

	if err := c.d.Spotify.ExchangeCode(ctx, args.Code, c.d.RedirectURL); err != nil {
		return nil, err
	}

	if user, err := c.d.Spotify.Me(ctx); err == nil {
		c.logger.Info().
			Str("event", "core.auth.completed").
			Str("user_id", user.ID).
			Str("display_name", user.DisplayName).
			Msg("authenticated")
	}

	c.d.Bus.Publish(bus.Event{Type: bus.EventAuthStatusChanged, Payload: bus.AuthAuthenticated})
	c.d.Monitor.Resume()
	return true, nil
}

func (c *Core) logout() (any, error) {
	c.d.Monitor.Stop()
	if err := c.d.Auth.Clear(); err != nil {
		return false, err
	}
	c.d.Bus.Publish(bus.Event{Type: bus.EventAuthStatusChanged, Payload: bus.AuthUnauthenticated})
	c.logger.Info().
		Str("event", "core.auth.logout").
		Msg("logged out, tokens cleared")
	return true, nil
}

// replaceSkipRecord swaps one record wholesale, keeping the rest intact.
func (c *Core) replaceSkipRecord(rec *skipstore.Record) error {
	records := c.d.Skips.GetAll()
	replaced := false
	for i, r := range records {
		if r.ID == rec.ID {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}
	return c.d.Skips.SaveAll(records)
}

func imperative(err error) (any, error) {
	if err != nil {
		return false, err
	}
	return true, nil
}

func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode command args: %w", err)
	}
	return nil
}

func defaultCount(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

func newState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
