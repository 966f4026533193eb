package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "workflow.log")
	log, err := New(Config{Level: "warn", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("Transition rejected", zap.String("instance_id", "42"))
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "Transition rejected", entry["msg"])
	assert.Equal(t, "42", entry["instance_id"])
	assert.Equal(t, "warn", entry["level"])
	assert.Contains(t, entry, "timestamp")
	assert.Contains(t, entry, "caller")
}

func TestNewDefaults(t *testing.T) {
	log, err := New(Config{Level: "verbose"})
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.InfoLevel))
	assert.False(t, log.Core().Enabled(zap.DebugLevel))
}
