package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"WARN", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			assert.Equal(t, tt.wantErr, err != nil)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Output: &buf, Level: "info"})

	logger.Debug("hidden")
	assert.Zero(t, buf.Len())

	logger.Info("shown", "agent_id", "a1")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "agent_id=a1")
}

func TestComponent_JSON(t *testing.T) {
	var buf bytes.Buffer
	root := New(Options{Output: &buf, Format: FormatJSON})
	Component(root, "bus").Warn("evicted", Err(fmt.Errorf("full")))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "bus", entry["component"])
	assert.Equal(t, "evicted", entry["msg"])
	assert.Equal(t, "full", entry["error"])
}

func TestComponent_NilParent(t *testing.T) {
	l := Component(nil, "x")
	require.NotNil(t, l)
	l.Error("dropped")
}
