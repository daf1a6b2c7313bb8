// Package config provides Viper-based configuration loading for the lobby
// subsystem.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// QueueConfig holds async operation queue settings.
type QueueConfig struct {
	// Workers is the number of background goroutines draining the inbound queue.
	Workers int `mapstructure:"workers"`
	// PumpInterval is how often the owning goroutine drains completions.
	PumpInterval time.Duration `mapstructure:"pump_interval"`
}

// MatchmakingConfig holds search, ping, and candidate-selection settings.
type MatchmakingConfig struct {
	// MaxResults caps the number of search results kept from one search.
	MaxResults int `mapstructure:"max_results"`
	// PingPollInterval is how often the ping watcher checks for outstanding samples.
	PingPollInterval time.Duration `mapstructure:"ping_poll_interval"`
	// PingDeadline bounds the whole ping phase; unsampled results are treated as failed pings.
	PingDeadline time.Duration `mapstructure:"ping_deadline"`
	// PingCacheSize is the LRU capacity for recent ping samples, keyed by room address.
	PingCacheSize int `mapstructure:"ping_cache_size"`
	// PolicyScript is an optional Lua script path overriding the built-in
	// candidate selection policy. Empty means the built-in policy.
	PolicyScript string `mapstructure:"policy_script"`
}

// ConnectionConfig holds matchmaking context and world discovery settings.
type ConnectionConfig struct {
	// StartTimeout bounds how long an operation waits for a context to reach Started.
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	// DiscoveryTTL is how long a resolved world partition stays cached.
	DiscoveryTTL time.Duration `mapstructure:"discovery_ttl"`
}

// BackendConfig holds settings for the in-memory backend used by lobbyd.
type BackendConfig struct {
	// WorldID and LobbyID name the world partition the backend serves.
	WorldID string `mapstructure:"world_id"`
	LobbyID string `mapstructure:"lobby_id"`
	// FixtureDir is the directory of YAML room catalog files seeded at startup.
	FixtureDir string `mapstructure:"fixture_dir"`
	// SimulatedLatency is an artificial delay applied to every backend call.
	SimulatedLatency time.Duration `mapstructure:"simulated_latency"`
}

// MetricsConfig holds the Prometheus HTTP endpoint settings.
type MetricsConfig struct {
	// Host is the bind address for the metrics listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the metrics listener.
	Port int `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// Config is the top-level application configuration.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Matchmaking MatchmakingConfig `mapstructure:"matchmaking"`
	Connection  ConnectionConfig  `mapstructure:"connection"`
	Backend     BackendConfig     `mapstructure:"backend"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateQueue(c.Queue); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateMatchmaking(c.Matchmaking); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateConnection(c.Connection); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateBackend(c.Backend); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateMetrics(c.Metrics); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateQueue(q QueueConfig) error {
	var errs []string
	if q.Workers < 1 {
		errs = append(errs, fmt.Sprintf("queue.workers must be >= 1, got %d", q.Workers))
	}
	if q.PumpInterval <= 0 {
		errs = append(errs, "queue.pump_interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateMatchmaking(m MatchmakingConfig) error {
	var errs []string
	if m.MaxResults < 1 {
		errs = append(errs, fmt.Sprintf("matchmaking.max_results must be >= 1, got %d", m.MaxResults))
	}
	if m.PingPollInterval <= 0 {
		errs = append(errs, "matchmaking.ping_poll_interval must be positive")
	}
	if m.PingDeadline <= 0 {
		errs = append(errs, "matchmaking.ping_deadline must be positive")
	}
	if m.PingCacheSize < 1 {
		errs = append(errs, fmt.Sprintf("matchmaking.ping_cache_size must be >= 1, got %d", m.PingCacheSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateConnection(c ConnectionConfig) error {
	var errs []string
	if c.StartTimeout <= 0 {
		errs = append(errs, "connection.start_timeout must be positive")
	}
	if c.DiscoveryTTL <= 0 {
		errs = append(errs, "connection.discovery_ttl must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateBackend(b BackendConfig) error {
	var errs []string
	if b.WorldID == "" {
		errs = append(errs, "backend.world_id must not be empty")
	}
	if b.LobbyID == "" {
		errs = append(errs, "backend.lobby_id must not be empty")
	}
	if b.SimulatedLatency < 0 {
		errs = append(errs, "backend.simulated_latency must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateMetrics(m MetricsConfig) error {
	if m.Host == "" {
		return errors.New("metrics.host must not be empty")
	}
	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("metrics.port must be 1-65535, got %d", m.Port)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with LOBBY_ prefix
	v.SetEnvPrefix("LOBBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is supplied.
//
// Postcondition: The returned Config passes Validate.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Unmarshal of defaults cannot fail: the schema below matches the struct.
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.pump_interval", "50ms")

	v.SetDefault("matchmaking.max_results", 20)
	v.SetDefault("matchmaking.ping_poll_interval", "100ms")
	v.SetDefault("matchmaking.ping_deadline", "10s")
	v.SetDefault("matchmaking.ping_cache_size", 256)
	v.SetDefault("matchmaking.policy_script", "")

	v.SetDefault("connection.start_timeout", "30s")
	v.SetDefault("connection.discovery_ttl", "10m")

	v.SetDefault("backend.world_id", "world-1")
	v.SetDefault("backend.lobby_id", "lobby-1")
	v.SetDefault("backend.fixture_dir", "fixtures")
	v.SetDefault("backend.simulated_latency", "20ms")

	v.SetDefault("metrics.host", "127.0.0.1")
	v.SetDefault("metrics.port", 9190)
}
