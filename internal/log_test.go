package internal

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"DEBUG", LevelDebug, false},
		{"warning", LevelWarn, false},
		{"off", Disable, false},
		{"nope", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatLogLevel(t *testing.T) {
	assert.Equal(t, "TRACE", FormatLogLevel(LevelTrace))
	assert.Equal(t, "INFO", FormatLogLevel(LevelInfo))
	assert.Equal(t, "FATAL", FormatLogLevel(LevelFatal))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace)
	logger.Log(t.Context(), LevelTrace, "hello", "k", "v")
	out := buf.String()
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, "msg=hello")
	assert.Contains(t, out, "k=v")
}

func TestInitLoggerWritesFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "logs", "test.log")
	logger, closer, err := InitLogger(LogOptions{Level: "debug", Path: path, MaxSizeMB: 1})
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Debug("written")
	require.NoError(t, closer.Close())
	assert.FileExists(t, path)
}
