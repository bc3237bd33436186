package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return configPath
}

func TestLoad_DefaultConfig(t *testing.T) {
	configPath := writeConfig(t, `
logging:
  level: "info"

store:
  type: "memory"

catalog:
  type: "memory"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected normalized level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Server.Compression != "zstd" {
		t.Errorf("Expected default compression 'zstd', got %q", cfg.Server.Compression)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Pipeline.MaxInFlight != 16 {
		t.Errorf("Expected default max_in_flight 16, got %d", cfg.Pipeline.MaxInFlight)
	}
	if cfg.Restore.ReadAhead != 8 {
		t.Errorf("Expected default read_ahead 8, got %d", cfg.Restore.ReadAhead)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	nonExistentPath := filepath.Join(t.TempDir(), "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Store.Type != "filesystem" {
		t.Errorf("Expected default store type 'filesystem', got %q", cfg.Store.Type)
	}
	if cfg.Catalog.Type != "badger" {
		t.Errorf("Expected default catalog type 'badger', got %q", cfg.Catalog.Type)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "logging:\n  level: [unterminated\n")

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	configPath := writeConfig(t, `
store:
  type: "tape"
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected validation error for unknown store type")
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	configPath := writeConfig(t, `
logging:
  level: "INFO"
store:
  type: "memory"
catalog:
  type: "memory"
`)
	t.Setenv("DITTOBACKUP_LOGGING_LEVEL", "debug")
	t.Setenv("DITTOBACKUP_SERVER_COMPRESSION", "lz4")
	t.Setenv("DITTOBACKUP_CLIENT_PASSWORD", "hunter2")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected level from env 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Server.Compression != "lz4" {
		t.Errorf("Expected compression from env 'lz4', got %q", cfg.Server.Compression)
	}
	if cfg.Client.Password != "hunter2" {
		t.Errorf("Expected client password from env, got %q", cfg.Client.Password)
	}
}

func TestLoad_ServerUsersAndDurations(t *testing.T) {
	configPath := writeConfig(t, `
store:
  type: "memory"
catalog:
  type: "memory"
server:
  name: "tank"
  fingerprint: "AA:BB:CC"
  users:
    root@pam: "secret"
  shutdown_timeout: 5s
gc:
  interval: 1h
  batch_size: 50
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Users["root@pam"] != "secret" {
		t.Errorf("Expected user root@pam, got %v", cfg.Server.Users)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("Expected shutdown_timeout 5s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.GC.Interval != time.Hour {
		t.Errorf("Expected gc interval 1h, got %v", cfg.GC.Interval)
	}
	if cfg.GC.BatchSize != 50 {
		t.Errorf("Expected gc batch_size 50, got %d", cfg.GC.BatchSize)
	}
}

func TestGetConfigDir(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	if got := GetConfigDir(); got != filepath.Join(xdg, "dittobackup") {
		t.Errorf("Expected config dir under XDG_CONFIG_HOME, got %s", got)
	}
	if got := GetDefaultConfigPath(); got != filepath.Join(xdg, "dittobackup", "config.yaml") {
		t.Errorf("Unexpected default config path %s", got)
	}
	if ConfigExists() {
		t.Error("Expected no config file in an empty directory")
	}
}
