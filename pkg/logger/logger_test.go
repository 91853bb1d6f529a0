package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithFormatJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithFormat("canary", slog.LevelInfo, "json", &buf)
	log.Info("run started", "run_id", "r-1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "canary", record["service"])
	assert.Equal(t, "r-1", record["run_id"])
}

func TestNewWithFormatTextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithFormat("canary", slog.LevelWarn, "text", &buf)
	log.Info("hidden")
	log.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, "msg=shown"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
