package main

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.SessionTTL() != 5*time.Minute {
		t.Errorf("SessionTTL = %v", cfg.SessionTTL())
	}
}

func TestLoadConfig(t *testing.T) {
	yaml := `
listen: "127.0.0.1:9090"
data_dir: "/tmp/lucarne-test"
log_level: "debug"
session_ttl_minutes: 10
backfill:
  batch_size: 50
  interval_seconds: 5
  idle_seconds: 60
`
	f, err := os.CreateTemp("", "config_test_*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.WriteString(yaml)
	f.Close()

	cfg, err := LoadConfig(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1:9090" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.SessionTTLMinutes != 10 {
		t.Errorf("SessionTTLMinutes = %d", cfg.SessionTTLMinutes)
	}
	if cfg.Backfill.BatchSize != 50 {
		t.Errorf("BatchSize = %d", cfg.Backfill.BatchSize)
	}
}

func TestValidate_NonLoopbackListen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen = "0.0.0.0:8090"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-loopback listen address")
	}
}

func TestValidate_BadBackfill(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backfill.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero batch size")
	}
}
