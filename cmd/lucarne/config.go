package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full daemon configuration.
type Config struct {
	Listen            string         `yaml:"listen"`
	DataDir           string         `yaml:"data_dir"`
	LogLevel          string         `yaml:"log_level"`
	SessionTTLMinutes int            `yaml:"session_ttl_minutes"`
	Backfill          BackfillConfig `yaml:"backfill"`
}

// BackfillConfig tunes the background maintenance jobs.
type BackfillConfig struct {
	BatchSize       int `yaml:"batch_size"`
	IntervalSeconds int `yaml:"interval_seconds"`
	IdleSeconds     int `yaml:"idle_seconds"`
}

// DefaultConfig returns sane defaults. The listener binds loopback only:
// the boundary is local IPC, never a network service.
func DefaultConfig() *Config {
	return &Config{
		Listen:            "127.0.0.1:8090",
		DataDir:           "data",
		LogLevel:          "info",
		SessionTTLMinutes: 5,
		Backfill: BackfillConfig{
			BatchSize:       100,
			IntervalSeconds: 2,
			IdleSeconds:     30,
		},
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig
// merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	host, _, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return fmt.Errorf("listen must be host:port, got %q", c.Listen)
	}
	switch host {
	case "127.0.0.1", "localhost", "::1":
	default:
		return fmt.Errorf("listen must bind loopback, got %q", host)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.SessionTTLMinutes <= 0 {
		return fmt.Errorf("session_ttl_minutes must be > 0")
	}
	if c.Backfill.BatchSize <= 0 {
		return fmt.Errorf("backfill.batch_size must be > 0")
	}
	if c.Backfill.IntervalSeconds <= 0 {
		return fmt.Errorf("backfill.interval_seconds must be > 0")
	}
	if c.Backfill.IdleSeconds <= 0 {
		return fmt.Errorf("backfill.idle_seconds must be > 0")
	}
	return nil
}

// SessionTTL returns the session validity window.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}
