package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestNew_JSONToStdout(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "info", Format: "json", Stdout: &buf})

	logger.Debug().Msg("hidden")
	logger.Info().Str("appointment_id", "a-1").Msg("appointment confirmed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "appointment confirmed", entry["message"])
	assert.Equal(t, "a-1", entry["appointment_id"])
	assert.Equal(t, "aac-server", entry["service"])
}

func TestNew_FileFanOut(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "aac.log")
	logger := New(Options{Level: "info", Format: "json", File: path, Stdout: &buf})

	logger.Warn().Msg("claim denied")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "claim denied")
	assert.Contains(t, buf.String(), "claim denied")
}
