package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/objectql/objectos-sub008/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, "")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "localhost:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Storage.Redis.IdleTimeout)
	assert.Equal(t, "system", cfg.Engine.SystemPrincipal)
	assert.Equal(t, uint16(1), cfg.Engine.MachineID)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: debug
  format: json
storage:
  type: sqlite
  sqlite:
    path: /tmp/wf.db
    conn_max_lifetime: 90s
engine:
  system_principal: scheduler
  definitions_dir: ./definitions
tracing:
  enabled: true
`)
	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "/tmp/wf.db", cfg.Storage.SQLite.Path)
	assert.Equal(t, 90*time.Second, cfg.Storage.SQLite.ConnMaxLifetime)
	assert.Equal(t, 4, cfg.Storage.SQLite.MaxOpenConns)
	assert.Equal(t, "scheduler", cfg.Engine.SystemPrincipal)
	assert.Equal(t, "./definitions", cfg.Engine.DefinitionsDir)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "stdout", cfg.Tracing.Output)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("WORKFLOW_STORAGE_TYPE", "redis")
	t.Setenv("WORKFLOW_STORAGE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("WORKFLOW_ENGINE_SYSTEM_PRINCIPAL", "bot")

	path := writeConfig(t, "storage:\n  type: sqlite\n")
	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Storage.Type)
	assert.Equal(t, "redis.internal:6380", cfg.Storage.Redis.Addr)
	assert.Equal(t, "bot", cfg.Engine.SystemPrincipal)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(New(), writeConfig(t, "storage:\n  type: mongo\nlogger:\n  format: xml\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.type")
	assert.Contains(t, err.Error(), "logger.format")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := Load(nil, "")
		require.NoError(t, err)
		return *cfg
	}

	cfg := base()
	cfg.Storage.Type = "sqlite"
	cfg.Storage.SQLite.Path = ""
	assert.ErrorContains(t, cfg.Validate(), "storage.sqlite.path")

	cfg = base()
	cfg.Storage.Type = "redis"
	cfg.Storage.Redis.Addr = ""
	assert.ErrorContains(t, cfg.Validate(), "storage.redis.addr")

	cfg = base()
	cfg.Engine.SystemPrincipal = ""
	assert.ErrorContains(t, cfg.Validate(), "engine.system_principal")

	cfg = base()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Output = ""
	assert.ErrorContains(t, cfg.Validate(), "tracing.output")
}

func TestOpenStorage(t *testing.T) {
	store, closeFn, err := OpenStorage(StorageConfig{Type: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStorage{}, store)
	assert.NoError(t, closeFn())

	path := filepath.Join(t.TempDir(), "nested", "wf.db")
	store, closeFn, err = OpenStorage(StorageConfig{Type: "sqlite", SQLite: SQLiteConfig{Path: path}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &storage.SQLiteStorage{}, store)
	assert.NoError(t, closeFn())

	_, _, err = OpenStorage(StorageConfig{Type: "mongo"}, nil)
	assert.Error(t, err)
}

func TestNewIDGenerator(t *testing.T) {
	first, err := NewIDGenerator(EngineConfig{MachineID: 1}).NextID()
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	restarted, err := NewIDGenerator(EngineConfig{MachineID: 1}).NextID()
	require.NoError(t, err)
	assert.Greater(t, restarted, first, "a restarted node must not reissue ids")

	other, err := NewIDGenerator(EngineConfig{MachineID: 2}).NextID()
	require.NoError(t, err)
	assert.NotEqual(t, restarted, other)
}
