// SPDX-License-Identifier: MIT

// Package settings owns data/settings.json: the user-tunable skip rules
// and log level, with hot reload when the shell rewrites the file.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/skipwatch/skipwatch/internal/log"
	"github.com/skipwatch/skipwatch/internal/metrics"
	"github.com/skipwatch/skipwatch/internal/persist"
)

const settingsFile = "settings.json"

// Settings are the user-facing knobs. SkipProgress is a percent (0-100):
// a track change below that played fraction counts as a skip.
// SkipThreshold is the skip count at which an in-library track is
// automatically removed. TimeframeInDays bounds the discovery-rate window.
type Settings struct {
	SkipProgress    int    `json:"skipProgress"`
	SkipThreshold   int    `json:"skipThreshold"`
	TimeframeInDays int    `json:"timeframeInDays"`
	LogLevel        string `json:"logLevel"`
}

// Defaults returns the documented default settings.
func Defaults() Settings {
	return Settings{
		SkipProgress:    70,
		SkipThreshold:   3,
		TimeframeInDays: 30,
		LogLevel:        "INFO",
	}
}

// Validate rejects out-of-range values.
func (s Settings) Validate() error {
	if s.SkipProgress < 0 || s.SkipProgress > 100 {
		return fmt.Errorf("skipProgress must be in [0,100], got %d", s.SkipProgress)
	}
	if s.SkipThreshold < 1 {
		return fmt.Errorf("skipThreshold must be >= 1, got %d", s.SkipThreshold)
	}
	if s.TimeframeInDays < 1 {
		return fmt.Errorf("timeframeInDays must be >= 1, got %d", s.TimeframeInDays)
	}
	switch s.LogLevel {
	case "DEBUG", "INFO", "WARNING", "ERROR":
	default:
		return fmt.Errorf("logLevel must be one of DEBUG, INFO, WARNING, ERROR, got %q", s.LogLevel)
	}
	return nil
}

// SkipFraction converts SkipProgress to the played-fraction threshold.
func (s Settings) SkipFraction() float64 {
	return float64(s.SkipProgress) / 100
}

// Store holds the current settings and fans out changes to listeners.
type Store struct {
	mu      sync.RWMutex
	current Settings
	path    string
	logger  zerolog.Logger

	listenerMu sync.RWMutex
	listeners  []chan<- Settings
}

// NewStore loads settings from dataDir, falling back to defaults when the
// file is absent or unreadable. Invalid content keeps the defaults.
func NewStore(dataDir string) *Store {
	s := &Store{
		path:    filepath.Join(dataDir, settingsFile),
		current: Defaults(),
		logger:  log.WithComponent("settings"),
	}

	loaded, err := s.readFile()
	switch {
	case os.IsNotExist(err):
		// First run; the file appears on the first Save.
	case err != nil:
		s.logger.Warn().Err(err).
			Str("event", "settings.load_failed").
			Msg("cannot read settings file, using defaults")
	default:
		s.current = loaded
	}
	return s
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Save validates, persists atomically, and notifies listeners.
func (s *Store) Save(next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := persist.WriteFile(s.path, data, 0o644); err != nil {
		metrics.IncStoreWrite("settings", "failure")
		return err
	}
	metrics.IncStoreWrite("settings", "success")

	s.apply(next)
	return nil
}

func (s *Store) apply(next Settings) {
	s.mu.Lock()
	prev := s.current
	s.current = next
	s.mu.Unlock()

	if prev != next {
		s.logger.Info().
			Str("event", "settings.changed").
			Int("skip_progress", next.SkipProgress).
			Int("skip_threshold", next.SkipThreshold).
			Int("timeframe_days", next.TimeframeInDays).
			Str("log_level", next.LogLevel).
			Msg("settings updated")
	}
	s.notifyListeners(next)
}

// RegisterListener registers a channel that receives every applied change.
// Sends are non-blocking; a full channel misses the update.
func (s *Store) RegisterListener(ch chan<- Settings) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, ch)
}

func (s *Store) notifyListeners(next Settings) {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for _, ch := range s.listeners {
		select {
		case ch <- next:
		default:
			s.logger.Warn().
				Str("event", "settings.listener_skip").
				Msg("skipped notifying listener (channel full)")
		}
	}
}

func (s *Store) readFile() (Settings, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return Settings{}, err
	}
	loaded := Defaults()
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	if err := loaded.Validate(); err != nil {
		return Settings{}, err
	}
	return loaded, nil
}

// reload re-reads the file after an external change. Invalid content keeps
// the last good settings.
func (s *Store) reload() {
	loaded, err := s.readFile()
	if err != nil {
		s.logger.Warn().Err(err).
			Str("event", "settings.reload_failed").
			Msg("ignoring invalid settings file, keeping previous settings")
		return
	}
	if loaded == s.Get() {
		return
	}
	s.apply(loaded)
}
