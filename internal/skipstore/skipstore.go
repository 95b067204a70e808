// SPDX-License-Identifier: MIT

// Package skipstore persists per-track skip accounting. The in-memory map
// is the source of truth; data/skipped-tracks.json is a shadow rewritten
// atomically on every mutation.
package skipstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skipwatch/skipwatch/internal/log"
	"github.com/skipwatch/skipwatch/internal/metrics"
	"github.com/skipwatch/skipwatch/internal/persist"
)

const storeFile = "skipped-tracks.json"

// SkipEvent records one skip with the played fraction at the moment of
// the track change.
type SkipEvent struct {
	Ts               string  `json:"ts"`
	ProgressFraction float64 `json:"progressFraction"`
}

// Record is the persistent per-track accounting. Counts only grow;
// LastSkippedAt tracks max(SkipTimestamps).
type Record struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Artist          string      `json:"artist"`
	SkipCount       int         `json:"skipCount"`
	NotSkippedCount int         `json:"notSkippedCount"`
	LastSkippedAt   string      `json:"lastSkippedAt"`
	SkipTimestamps  []string    `json:"skipTimestamps"`
	SkipEvents      []SkipEvent `json:"skipEvents"`
}

func (r *Record) clone() *Record {
	c := *r
	c.SkipTimestamps = append([]string(nil), r.SkipTimestamps...)
	c.SkipEvents = append([]SkipEvent(nil), r.SkipEvents...)
	return &c
}

// Store serializes all writers behind one mutex.
type Store struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	records map[string]*Record
}

// New loads the store from dataDir. A missing file starts empty; a
// corrupt file is backed up aside and the store starts empty.
func New(dataDir string) *Store {
	s := &Store{
		path:    filepath.Join(dataDir, storeFile),
		logger:  log.WithComponent("skipstore"),
		records: make(map[string]*Record),
	}
	s.load()
	return s
}

func (s *Store) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error().Err(err).
				Str("event", "skipstore.load_failed").
				Msg("cannot read skip records")
		}
		return
	}

	var records []*Record
	if err := json.Unmarshal(raw, &records); err != nil {
		backup := s.path + ".corrupt"
		_ = os.Rename(s.path, backup)
		s.logger.Error().Err(err).
			Str("event", "skipstore.corrupt").
			Str(log.FieldPath, backup).
			Msg("skip records file is corrupt, moved aside and starting empty")
		return
	}

	for _, r := range records {
		if r != nil && r.ID != "" {
			s.records[r.ID] = r
		}
	}
	s.logger.Info().
		Str("event", "skipstore.loaded").
		Int("tracks", len(s.records)).
		Msg("loaded skip records")
}

// Get returns a copy of one record.
func (s *Store) Get(id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// GetAll returns copies of all records sorted by id.
func (s *Store) GetAll() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateSkipped merges a skip delta into the stored record: counts add,
// timestamps and events append, LastSkippedAt takes the max.
func (s *Store) UpdateSkipped(delta *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.upsertLocked(delta)
	n := delta.SkipCount
	if n <= 0 {
		n = 1
	}
	r.SkipCount += n
	r.SkipTimestamps = append(r.SkipTimestamps, delta.SkipTimestamps...)
	r.SkipEvents = append(r.SkipEvents, delta.SkipEvents...)
	if delta.LastSkippedAt > r.LastSkippedAt {
		r.LastSkippedAt = delta.LastSkippedAt
	}

	err := s.persistLocked()
	return r.clone(), err
}

// UpdateNotSkipped merges a completion into the stored record.
func (s *Store) UpdateNotSkipped(delta *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.upsertLocked(delta)
	n := delta.NotSkippedCount
	if n <= 0 {
		n = 1
	}
	r.NotSkippedCount += n

	err := s.persistLocked()
	return r.clone(), err
}

func (s *Store) upsertLocked(delta *Record) *Record {
	r, ok := s.records[delta.ID]
	if !ok {
		r = &Record{ID: delta.ID}
		s.records[delta.ID] = r
	}
	if delta.Name != "" {
		r.Name = delta.Name
	}
	if delta.Artist != "" {
		r.Artist = delta.Artist
	}
	return r
}

// Remove deletes a record. Removing an absent id is a no-op.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return nil
	}
	delete(s.records, id)
	return s.persistLocked()
}

// SaveAll replaces the whole store, e.g. when the shell edits records.
func (s *Store) SaveAll(records []*Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*Record, len(records))
	for _, r := range records {
		if r != nil && r.ID != "" {
			s.records[r.ID] = r.clone()
		}
	}
	return s.persistLocked()
}

// persistLocked rewrites the shadow file. On failure the in-memory state
// stays authoritative and the next mutation retries.
func (s *Store) persistLocked() error {
	records := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		metrics.IncStoreWrite("skips", "failure")
		return fmt.Errorf("marshal skip records: %w", err)
	}
	if err := persist.WriteFile(s.path, data, 0o644); err != nil {
		metrics.IncStoreWrite("skips", "failure")
		s.logger.Error().Err(err).
			Str("event", "skipstore.persist_failed").
			Msg("skip records not written, keeping in-memory state")
		return err
	}
	metrics.IncStoreWrite("skips", "success")
	return nil
}

// Timestamp formats a time the way skip records store it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
