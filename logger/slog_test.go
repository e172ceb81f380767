package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSlog_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogWithConfig(Config{Level: InfoLevel, Format: FormatJSON, Output: &buf})

	l.Debug("hidden")
	l.With("device", "hasar").Info("frame sent", "seq", 0x20)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "frame sent", rec["msg"])
	assert.Equal(t, "hasar", rec["device"])
	assert.Contains(t, rec, "ts")
	assert.NotContains(t, buf.String(), "hidden")
}

func TestSlog_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogWithConfig(Config{Level: ErrorLevel, Format: FormatJSON, Output: &buf})
	assert.Equal(t, ErrorLevel, l.Level())

	l.Warn("dropped")
	assert.Zero(t, buf.Len())

	l.SetLevel(DebugLevel)
	assert.Equal(t, DebugLevel, l.Level())
	l.Debug("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestSlog_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fiscalberry.log")
	var buf bytes.Buffer
	l := NewSlogWithConfig(Config{
		Level:  InfoLevel,
		Format: FormatJSON,
		Output: &buf,
		File:   &FileConfig{Path: path, MaxSizeMB: 1},
	})

	l.Info("to both")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both")
	assert.Contains(t, buf.String(), "to both")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"":        InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"fatal":   FatalLevel,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestSetDefault(t *testing.T) {
	prev := GetLogger()
	t.Cleanup(func() { SetDefault(prev) })

	m := NewMockLogger()
	m.On("Info", "hello", mock.Anything).Return()
	SetDefault(m)
	SetDefault(nil)

	Info("hello")
	m.AssertCalled(t, "Info", "hello", mock.Anything)
}
