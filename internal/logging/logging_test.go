package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("drain complete", zap.Int("synced", 3))
	require.NoError(t, logger.Sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1, "debug is below the configured level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "drain complete", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.EqualValues(t, 3, entry["synced"])
	assert.Contains(t, entry, "ts")
}

func TestConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(DefaultConfig(), &buf)
	require.NoError(t, err)

	logger.Warn("went offline")
	require.NoError(t, logger.Sync())
	assert.Contains(t, buf.String(), "WARN")
	assert.Contains(t, buf.String(), "went offline")
}

func TestRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "learnsync.log")
	var buf bytes.Buffer

	cfg := DefaultConfig()
	cfg.File = path
	logger, err := NewWithWriter(cfg, &buf)
	require.NoError(t, err)

	logger.Info("to both sinks")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to both sinks"`)
	assert.Contains(t, buf.String(), "to both sinks")
}

func TestInvalidConfig(t *testing.T) {
	_, err := NewWithWriter(Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
	_, err = NewWithWriter(Config{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
