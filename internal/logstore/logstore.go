// SPDX-License-Identifier: MIT

// Package logstore is the shell-visible log: a level-filtered in-memory
// ring plus daily-rotated text files under data/logs. It attaches to the
// global zerolog logger as a sink, so every process log line lands here.
package logstore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skipwatch/skipwatch/internal/clock"
)

const (
	ringSize = 1000
	logsDir  = "logs"
)

// Levels in ascending severity.
const (
	LevelDebug   = "DEBUG"
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

var levelRank = map[string]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// Entry is one shell-visible log line.
type Entry struct {
	Ts      time.Time `json:"ts"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Store is the rotating, level-filtered append log.
type Store struct {
	dir   string
	clock clock.Clock

	mu       sync.Mutex
	minLevel int
	ring     []Entry
	ringPos  int
	ringLen  int

	fileDate string
	file     *os.File
	writer   *bufio.Writer
}

// New creates the store and its logs directory.
func New(dataDir string, clk clock.Clock) (*Store, error) {
	dir := filepath.Join(dataDir, logsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	return &Store{
		dir:      dir,
		clock:    clk,
		minLevel: levelRank[LevelInfo],
		ring:     make([]Entry, ringSize),
	}, nil
}

// SetLevel changes the filter. Unknown levels are ignored.
func (s *Store) SetLevel(level string) {
	rank, ok := levelRank[strings.ToUpper(level)]
	if !ok {
		return
	}
	s.mu.Lock()
	s.minLevel = rank
	s.mu.Unlock()
}

// Save appends one entry if it passes the level filter.
func (s *Store) Save(msg, level string) {
	level = strings.ToUpper(level)
	rank, ok := levelRank[level]
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rank < s.minLevel {
		return
	}

	entry := Entry{Ts: s.clock.Now(), Level: level, Message: msg}

	s.ring[s.ringPos] = entry
	s.ringPos = (s.ringPos + 1) % ringSize
	if s.ringLen < ringSize {
		s.ringLen++
	}

	s.appendToFileLocked(entry)
}

// Append implements log.Sink, mirroring zerolog output into the store.
func (s *Store) Append(level zerolog.Level, msg string) {
	switch level {
	case zerolog.DebugLevel, zerolog.TraceLevel:
		s.Save(msg, LevelDebug)
	case zerolog.InfoLevel:
		s.Save(msg, LevelInfo)
	case zerolog.WarnLevel:
		s.Save(msg, LevelWarning)
	default:
		s.Save(msg, LevelError)
	}
}

// Get returns the most recent n entries, oldest first.
func (s *Store) Get(n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > s.ringLen {
		n = s.ringLen
	}
	out := make([]Entry, 0, n)
	start := s.ringPos - n
	if start < 0 {
		start += ringSize
	}
	for i := 0; i < n; i++ {
		out = append(out, s.ring[(start+i)%ringSize])
	}
	return out
}

// ListFiles returns the available log file names, newest first.
func (s *Store) ListFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list log files: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// GetFromFile parses the last n entries of a named log file. The name
// must be a bare file name; path traversal is rejected.
func (s *Store) GetFromFile(name string, n int) ([]Entry, error) {
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".log") {
		return nil, fmt.Errorf("invalid log file name %q", name)
	}

	s.mu.Lock()
	s.flushLocked()
	s.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if n > 0 && n < len(lines) {
		lines = lines[len(lines)-n:]
	}

	out := make([]Entry, 0, len(lines))
	for _, line := range lines {
		if e, ok := parseLine(line); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Clear empties the ring and removes all log files.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ringPos = 0
	s.ringLen = 0
	s.closeFileLocked()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("list log files: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				return fmt.Errorf("remove log file: %w", err)
			}
		}
	}
	return nil
}

// Flush drains the buffered writer; called on shutdown.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

// Close flushes and closes the current file.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeFileLocked()
}

func (s *Store) appendToFileLocked(e Entry) {
	date := e.Ts.Format("2006-01-02")
	if s.file == nil || date != s.fileDate {
		s.closeFileLocked()
		path := filepath.Join(s.dir, date+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			// Keep the ring usable even when the disk is not.
			return
		}
		s.file = f
		s.writer = bufio.NewWriter(f)
		s.fileDate = date
	}
	fmt.Fprintf(s.writer, "%s [%s] %s\n", e.Ts.Format(time.RFC3339), e.Level, e.Message)
	// The buffer keeps Save latency low; flush so tails stay fresh.
	_ = s.writer.Flush()
}

func (s *Store) flushLocked() {
	if s.writer != nil {
		_ = s.writer.Flush()
	}
}

func (s *Store) closeFileLocked() {
	if s.writer != nil {
		_ = s.writer.Flush()
		s.writer = nil
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	s.fileDate = ""
}

// parseLine reads "<RFC3339> [LEVEL] message".
func parseLine(line string) (Entry, bool) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return Entry{}, false
	}
	ts, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return Entry{}, false
	}
	level := strings.TrimSuffix(strings.TrimPrefix(parts[1], "["), "]")
	if _, ok := levelRank[level]; !ok {
		return Entry{}, false
	}
	return Entry{Ts: ts, Level: level, Message: parts[2]}, true
}
