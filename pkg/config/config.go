// Package config loads the settings of the key-value server from a YAML file
// and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"git.canoozie.net/riddling/segkv/pkg/frame"
	"git.canoozie.net/riddling/segkv/pkg/kvs"
	"git.canoozie.net/riddling/segkv/pkg/model"
	"git.canoozie.net/riddling/segkv/pkg/segment"
)

// Environment variables that override the file
const (
	EnvAddr     = "KVS_ADDR"
	EnvDataDir  = "KVS_DATA_DIR"
	EnvLogLevel = "LOG_LEVEL"
	EnvGops     = "KVS_GOPS"
)

// Config is the root of the configuration file.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
	Debug  DebugConfig  `yaml:"debug"`
}

// ServerConfig defines the listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig defines the storage engine settings.
type StoreConfig struct {
	Dir             string `yaml:"dir"`
	FileSize        int    `yaml:"file_size"`
	CompactEnable   *bool  `yaml:"compact_enable"`
	MergeThreshold  *int   `yaml:"merge_threshold"`
	PayloadCapacity int    `yaml:"payload_capacity"`
	SyncWrites      bool   `yaml:"sync_writes"`
}

// LogConfig defines logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DebugConfig defines diagnostics.
type DebugConfig struct {
	Gops bool `yaml:"gops"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	compact := true
	merge := 2
	return &Config{
		Server: ServerConfig{Addr: "127.0.0.1:4000"},
		Store: StoreConfig{
			Dir:             "./data",
			FileSize:        1000,
			CompactEnable:   &compact,
			MergeThreshold:  &merge,
			PayloadCapacity: segment.DefaultPayloadCapacity,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads path over the defaults. An empty path yields the defaults.
// Environment overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		path, err := expandUserPath(path)
		if err != nil {
			return nil, err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvAddr)); v != "" {
		c.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		c.Store.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvGops)); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvGops, err)
		}
		c.Debug.Gops = on
	}
	return nil
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required")
	}
	if c.Store.FileSize < 0 {
		return fmt.Errorf("store.file_size must not be negative")
	}
	if c.Store.MergeThreshold != nil && *c.Store.MergeThreshold < 0 {
		return fmt.Errorf("store.merge_threshold must not be negative")
	}
	if c.Store.PayloadCapacity < 0 {
		return fmt.Errorf("store.payload_capacity must not be negative")
	}
	if c.Store.PayloadCapacity > frame.MaxPayloadCapacity {
		return fmt.Errorf("store.payload_capacity must not exceed %d", frame.MaxPayloadCapacity)
	}
	if _, err := model.ParseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() model.LogLevel {
	level, _ := model.ParseLogLevel(c.Log.Level)
	return level
}

// KVSConfig converts the store section into an engine configuration.
func (c *Config) KVSConfig(logger model.Logger) kvs.Config {
	out := kvs.DefaultConfig(c.Store.Dir)
	if c.Store.FileSize > 0 {
		out.FileSize = c.Store.FileSize
	}
	if c.Store.CompactEnable != nil {
		out.CompactEnable = *c.Store.CompactEnable
	}
	if c.Store.MergeThreshold != nil {
		out.MergeThreshold = *c.Store.MergeThreshold
	}
	if c.Store.PayloadCapacity > 0 {
		out.PayloadCapacity = c.Store.PayloadCapacity
	}
	out.SyncWrites = c.Store.SyncWrites
	out.Logger = logger
	return out
}

func expandUserPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed != "~" && !strings.HasPrefix(trimmed, "~/") {
		return trimmed, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(trimmed, "~")), nil
}
