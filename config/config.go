package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/objectql/objectos-sub008/logger"
	"github.com/objectql/objectos-sub008/storage"
	"github.com/songzhibin97/gkit/generator"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes environment overrides, e.g. WORKFLOW_STORAGE_TYPE.
const EnvPrefix = "WORKFLOW"

// Config holds all application configuration
type Config struct {
	Logger  logger.Config `mapstructure:"logger"`
	Storage StorageConfig `mapstructure:"storage"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Type   string       `mapstructure:"type"` // memory, redis or sqlite
	Redis  RedisConfig  `mapstructure:"redis"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	Namespace    string        `mapstructure:"namespace"`
}

// SQLiteConfig holds database configuration
type SQLiteConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// EngineConfig holds orchestrator settings.
type EngineConfig struct {
	SystemPrincipal string `mapstructure:"system_principal"`
	DefinitionsDir  string `mapstructure:"definitions_dir"`
	MachineID       uint16 `mapstructure:"machine_id"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Output      string `mapstructure:"output"` // stdout, stderr or file path
	ServiceName string `mapstructure:"service_name"`
}

// New returns a viper instance with defaults and environment overrides set.
// Callers may bind command line flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.output_path", "stderr")

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.idle_timeout", 5*time.Minute)
	v.SetDefault("storage.redis.namespace", "workflow")
	v.SetDefault("storage.sqlite.path", "data/workflow.db")
	v.SetDefault("storage.sqlite.max_open_conns", 4)
	v.SetDefault("storage.sqlite.max_idle_conns", 2)
	v.SetDefault("storage.sqlite.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("engine.system_principal", "system")
	v.SetDefault("engine.definitions_dir", "")
	v.SetDefault("engine.machine_id", 1)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.output", "stdout")
	v.SetDefault("tracing.service_name", "workflowctl")
}

// Load reads configuration from path (optional) into a Config. Environment
// variables override file values.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = New()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []error
	switch c.Logger.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logger.format must be json or console, got %q", c.Logger.Format))
	}

	switch c.Storage.Type {
	case "memory":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required"))
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be memory, redis or sqlite, got %q", c.Storage.Type))
	}

	if c.Engine.SystemPrincipal == "" {
		errs = append(errs, errors.New("engine.system_principal is required"))
	}
	if c.Tracing.Enabled && c.Tracing.Output == "" {
		errs = append(errs, errors.New("tracing.output is required when tracing is enabled"))
	}
	return errors.Join(errs...)
}

// IDEpoch is the fixed start time of instance and task ids. It must never
// move: ids are only unique across restarts while it stays put.
var IDEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewIDGenerator returns the snowflake generator for this engine node.
func NewIDGenerator(cfg EngineConfig) generator.Generator {
	return generator.NewSnowflake(IDEpoch, cfg.MachineID)
}

// OpenStorage opens the configured backend. The returned close function
// releases its connections.
func OpenStorage(cfg StorageConfig, log *zap.Logger) (storage.Storage, func() error, error) {
	switch cfg.Type {
	case "redis":
		store, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			IdleTimeout:  cfg.Redis.IdleTimeout,
			Namespace:    cfg.Redis.Namespace,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		store, err := storage.NewSQLiteStorage(storage.SQLiteOptions{
			Path:            cfg.SQLite.Path,
			MaxOpenConns:    cfg.SQLite.MaxOpenConns,
			MaxIdleConns:    cfg.SQLite.MaxIdleConns,
			ConnMaxLifetime: cfg.SQLite.ConnMaxLifetime,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "memory", "":
		return storage.NewMemoryStorage(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
