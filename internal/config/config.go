package config

import (
	"errors"
	"fmt"
	"time"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string        `mapstructure:"log_format" yaml:"log_format"`

	// GraceWindow delays the leave that follows a dropped connection.
	GraceWindow time.Duration `mapstructure:"grace_window" yaml:"grace_window"`
	CORSOrigins []string      `mapstructure:"cors_origins" yaml:"cors_origins"`

	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Reaper  ReaperConfig  `mapstructure:"reaper" yaml:"reaper"`
	LiveKit LiveKitConfig `mapstructure:"livekit" yaml:"livekit"`
}

// StoreConfig selects and configures the room store.
type StoreConfig struct {
	Backend      string `mapstructure:"backend" yaml:"backend"`
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	RedisURL     string `mapstructure:"redis_url" yaml:"redis_url"`
}

// ReaperConfig controls the embedded empty-room reaper.
type ReaperConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// LiveKitConfig holds the audio backend credentials.
type LiveKitConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	URL       string        `mapstructure:"url" yaml:"url"`
	APIKey    string        `mapstructure:"api_key" yaml:"api_key"`
	APISecret string        `mapstructure:"api_secret" yaml:"api_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		LogFormat:         "console",
		GraceWindow:       3 * time.Second,
		CORSOrigins:       []string{"http://localhost:5173"},
		Store: StoreConfig{
			Backend:      BackendSQLite,
			DatabasePath: "hushroom.db",
			RedisURL:     "redis://localhost:6379/0",
		},
		Reaper: ReaperConfig{
			Enabled:       true,
			SweepInterval: time.Minute,
		},
		LiveKit: LiveKitConfig{
			URL:      "ws://localhost:7880",
			TokenTTL: time.Hour,
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.GraceWindow != 0 {
		c.GraceWindow = other.GraceWindow
	}
	if other.Store.Backend != "" {
		c.Store.Backend = other.Store.Backend
	}
	if other.Store.DatabasePath != "" {
		c.Store.DatabasePath = other.Store.DatabasePath
	}
	if other.Store.RedisURL != "" {
		c.Store.RedisURL = other.Store.RedisURL
	}
}

// Validate reports the first setting the server cannot start with.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.GraceWindow <= 0 {
		return fmt.Errorf("grace_window must be positive, got %s", c.GraceWindow)
	}
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.DatabasePath == "" {
			return errors.New("store.database_path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return errors.New("store.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Reaper.Enabled && c.Reaper.SweepInterval <= 0 {
		return fmt.Errorf("reaper.sweep_interval must be positive, got %s", c.Reaper.SweepInterval)
	}
	if c.LiveKit.Enabled && (c.LiveKit.APIKey == "" || c.LiveKit.APISecret == "") {
		return errors.New("livekit.api_key and livekit.api_secret are required when livekit is enabled")
	}
	return nil
}
