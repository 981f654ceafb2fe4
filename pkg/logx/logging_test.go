package logx

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "hello", m["message"])
	require.Equal(t, "test", m["comp"])
	require.EqualValues(t, 3, m["n"])
	require.NotEmpty(t, m["caller"])
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	require.True(t, log.IsZero())
	log.Info("dropped")
	require.False(t, Nop().IsZero())
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("quiet")
	require.Zero(t, buf.Len())
	require.False(t, log.Enabled(LevelInfo))
	require.True(t, log.Enabled(LevelError))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", Truncate("short", 10))
	require.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	require.True(t, ValidLevel("Warning"))
	require.False(t, ValidLevel("loud"))
}
