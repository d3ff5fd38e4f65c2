// Package config provides configuration types, defaults and loading for
// stepflow.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. STEPFLOW_STORE_BACKEND.
const EnvPrefix = "STEPFLOW"

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config holds all configuration options for stepflow.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// EngineConfig configures the run engine.
type EngineConfig struct {
	// MachineID feeds the snowflake run ID generator. Processes sharing a
	// store need distinct machine ids.
	MachineID       uint16        `mapstructure:"machine_id" yaml:"machine_id"`
	EventBufferSize int           `mapstructure:"event_buffer_size" yaml:"event_buffer_size"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// StoreConfig selects and configures the run store.
type StoreConfig struct {
	// Backend is one of "memory", "redis", "sqlite".
	Backend string       `mapstructure:"backend" yaml:"backend"`
	Codec   string       `mapstructure:"codec" yaml:"codec"`
	Redis   RedisConfig  `mapstructure:"redis" yaml:"redis"`
	SQLite  SQLiteConfig `mapstructure:"sqlite" yaml:"sqlite"`
}

// RedisConfig holds Redis connection options.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	Password    string        `mapstructure:"password" yaml:"password,omitempty"`
	DB          int           `mapstructure:"db" yaml:"db"`
	PoolSize    int           `mapstructure:"pool_size" yaml:"pool_size"`
	KeyPrefix   string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	TerminalTTL time.Duration `mapstructure:"terminal_ttl" yaml:"terminal_ttl"`
}

// SQLiteConfig holds the SQLite database location.
type SQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig configures the slog logger.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "text" or "json".
	Format string `mapstructure:"format" yaml:"format"`
}

// TracingConfig configures the OpenTelemetry stdout exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	// OutputFile receives spans as JSON lines. Empty means stdout.
	OutputFile string `mapstructure:"output_file" yaml:"output_file,omitempty"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			MachineID:       1,
			EventBufferSize: 100,
			CacheTTL:        10 * time.Minute,
		},
		Store: StoreConfig{
			Backend: BackendSQLite,
			Codec:   "json",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  10,
				KeyPrefix: "stepflow:run:",
			},
			SQLite: SQLiteConfig{Path: "stepflow.db"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			ServiceName: "stepflow",
		},
	}
}

// setDefaults registers every default with v so environment variables can
// override keys that appear in no config file.
func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("engine.machine_id", d.Engine.MachineID)
	v.SetDefault("engine.event_buffer_size", d.Engine.EventBufferSize)
	v.SetDefault("engine.cache_ttl", d.Engine.CacheTTL)
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.codec", d.Store.Codec)
	v.SetDefault("store.redis.addr", d.Store.Redis.Addr)
	v.SetDefault("store.redis.password", d.Store.Redis.Password)
	v.SetDefault("store.redis.db", d.Store.Redis.DB)
	v.SetDefault("store.redis.pool_size", d.Store.Redis.PoolSize)
	v.SetDefault("store.redis.key_prefix", d.Store.Redis.KeyPrefix)
	v.SetDefault("store.redis.terminal_ttl", d.Store.Redis.TerminalTTL)
	v.SetDefault("store.sqlite.path", d.Store.SQLite.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.output_file", d.Tracing.OutputFile)
}

// Load reads configuration from path (optional) and STEPFLOW_* environment
// variables on top of the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks option values that cannot be caught by decoding.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	switch c.Store.Codec {
	case "", "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("store.codec: unknown codec %q", c.Store.Codec))
	}
	if c.Store.Backend == BackendSQLite && c.Store.SQLite.Path == "" {
		errs = append(errs, errors.New("store.sqlite.path: required for the sqlite backend"))
	}
	if c.Store.Backend == BackendRedis && c.Store.Redis.Addr == "" {
		errs = append(errs, errors.New("store.redis.addr: required for the redis backend"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.Engine.MachineID > 1023 {
		errs = append(errs, fmt.Errorf("engine.machine_id: %d exceeds 1023", c.Engine.MachineID))
	}
	return errors.Join(errs...)
}

// Dump renders the effective configuration as YAML.
func Dump(c Config) (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	return string(data), nil
}
