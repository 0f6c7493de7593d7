// Package config handles configuration loading and validation for blockmesh.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AdminConfig holds configuration for the admin HTTP interface.
type AdminConfig struct {
	Enabled *bool  `yaml:"enabled"` // Unset means enabled
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"` // Authentication token for mutating endpoints (optional, but recommended)
}

// TrackerConfig holds configuration for the block health tracker.
type TrackerConfig struct {
	Instance        string  `yaml:"instance"`
	UpdateInterval  string  `yaml:"update_interval"`  // Duration string, e.g. "10s"
	ShardCount      int     `yaml:"shard_count"`      // Registry shards, power of two
	InitialCapacity int     `yaml:"initial_capacity"` // Block map starting capacity
	LoadFactor      float64 `yaml:"load_factor"`      // Block map growth threshold
	DeepVerify      bool    `yaml:"deep_verify"`      // Recompute-verify counters every pass
}

// ServerConfig is the top-level daemon configuration.
type ServerConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracker  TrackerConfig `yaml:"tracker"`
	Admin    AdminConfig   `yaml:"admin"`
}

// Default returns a ServerConfig with all defaults applied.
func Default() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *ServerConfig) applyDefaults() {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Tracker.Instance == "" {
		cfg.Tracker.Instance = "default"
	}
	if cfg.Tracker.UpdateInterval == "" {
		cfg.Tracker.UpdateInterval = "10s"
	}
	if cfg.Tracker.ShardCount == 0 {
		cfg.Tracker.ShardCount = 16
	}
	if cfg.Tracker.InitialCapacity == 0 {
		cfg.Tracker.InitialCapacity = 16
	}
	if cfg.Tracker.LoadFactor == 0 {
		cfg.Tracker.LoadFactor = 0.75
	}
	if cfg.Admin.Enabled == nil {
		enabled := true
		cfg.Admin.Enabled = &enabled
	}
	if cfg.Admin.Listen == "" {
		cfg.Admin.Listen = "127.0.0.1:9670"
	}
}

// LoadServerConfig loads daemon configuration from a YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the tracker cannot run with.
func (cfg *ServerConfig) Validate() error {
	if _, err := cfg.UpdateInterval(); err != nil {
		return err
	}
	if cfg.Tracker.ShardCount < 0 || cfg.Tracker.ShardCount&(cfg.Tracker.ShardCount-1) != 0 {
		return fmt.Errorf("tracker.shard_count must be a power of two, got %d", cfg.Tracker.ShardCount)
	}
	if cfg.Tracker.LoadFactor <= 0 || cfg.Tracker.LoadFactor > 1 {
		return fmt.Errorf("tracker.load_factor must be in (0, 1], got %v", cfg.Tracker.LoadFactor)
	}
	if cfg.Tracker.InitialCapacity < 1 {
		return fmt.Errorf("tracker.initial_capacity must be positive, got %d", cfg.Tracker.InitialCapacity)
	}
	return nil
}

// AdminEnabled reports whether the admin HTTP interface should run.
// An unset field means enabled.
func (cfg *ServerConfig) AdminEnabled() bool {
	return cfg.Admin.Enabled == nil || *cfg.Admin.Enabled
}

// UpdateInterval parses the tracker update interval.
func (cfg *ServerConfig) UpdateInterval() (time.Duration, error) {
	d, err := time.ParseDuration(cfg.Tracker.UpdateInterval)
	if err != nil {
		return 0, fmt.Errorf("parse tracker.update_interval %q: %w", cfg.Tracker.UpdateInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("tracker.update_interval must be positive, got %s", d)
	}
	return d, nil
}
