package log

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testOut bytes.Buffer

func TestMain(m *testing.M) {
	Configure(Config{Level: "debug", Output: &testOut, Service: "test"})
	os.Exit(m.Run())
}

type captureSink struct {
	mu      sync.Mutex
	entries []string
	levels  []zerolog.Level
}

func (c *captureSink) Append(level zerolog.Level, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, msg)
	c.levels = append(c.levels, level)
}

func lastEntry(t *testing.T) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(testOut.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestConfigureOnce(t *testing.T) {
	testOut.Reset()
	// A second Configure must not replace writer or service.
	Configure(Config{Output: bytes.NewBuffer(nil), Service: "other"})

	logger := Base()
	logger.Info().Str("event", "test.configured").Msg("hello")

	entry := lastEntry(t)
	require.Equal(t, "test", entry["service"])
	require.Equal(t, "hello", entry["message"])
}

func TestWithComponent(t *testing.T) {
	testOut.Reset()

	logger := WithComponent("monitor")
	logger.Info().Msg("tick")

	entry := lastEntry(t)
	require.Equal(t, "monitor", entry["component"])
}

func TestSinkMirrorsEmittedLines(t *testing.T) {
	testOut.Reset()

	sink := &captureSink{}
	AttachSink(sink)
	t.Cleanup(func() { AttachSink(nil) })

	logger := Base()
	logger.Warn().Msg("upstream slow")
	logger.Debug().Msg("tick")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, []string{"upstream slow", "tick"}, sink.entries)
	require.Equal(t, []zerolog.Level{zerolog.WarnLevel, zerolog.DebugLevel}, sink.levels)
}

func TestSetLevelAcceptsStoreSpelling(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.DebugLevel) })

	SetLevel("WARNING")
	require.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	SetLevel("not-a-level")
	require.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	SetLevel("DEBUG")
	require.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}
