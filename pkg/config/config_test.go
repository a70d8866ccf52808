package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	// Point the default search path at an empty directory
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default log level INFO, got %s", cfg.Logging.Level)
	}
	if len(cfg.Exports) != 1 {
		t.Errorf("Expected default export, got %d exports", len(cfg.Exports))
	}
	if !cfg.Adapters.NBD.Enabled {
		t.Error("Expected NBD adapter enabled by default")
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: debug

server:
  shutdown_timeout: 10s

backends:
  - name: disk0
    type: memory
    memory:
      size: 1048576

exports:
  - name: vol0
    backend: disk0
    read_only: true
    size: 524288

adapters:
  nbd:
    enabled: true
    port: 10810
    max_connections: 8
    shutdown_timeout: 5s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected log level DEBUG, got %s", cfg.Logging.Level)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("Expected shutdown timeout 10s, got %v", cfg.Server.ShutdownTimeout)
	}

	if len(cfg.Backends) != 1 {
		t.Fatalf("Expected 1 backend, got %d", len(cfg.Backends))
	}
	if cfg.Backends[0].Name != "disk0" || cfg.Backends[0].Type != "memory" {
		t.Errorf("Unexpected backend: %+v", cfg.Backends[0])
	}

	if len(cfg.Exports) != 1 {
		t.Fatalf("Expected 1 export, got %d", len(cfg.Exports))
	}
	exp := cfg.Exports[0]
	if exp.Name != "vol0" || exp.Backend != "disk0" || !exp.ReadOnly || exp.Size != 524288 {
		t.Errorf("Unexpected export: %+v", exp)
	}

	if cfg.Adapters.NBD.Port != 10810 {
		t.Errorf("Expected port 10810, got %d", cfg.Adapters.NBD.Port)
	}
	if cfg.Adapters.NBD.MaxConnections != 8 {
		t.Errorf("Expected max connections 8, got %d", cfg.Adapters.NBD.MaxConnections)
	}
	if cfg.Adapters.NBD.ShutdownTimeout != 5*time.Second {
		t.Errorf("Expected NBD shutdown timeout 5s, got %v", cfg.Adapters.NBD.ShutdownTimeout)
	}
}

func TestLoad_InvalidConfigFails(t *testing.T) {
	path := writeConfigFile(t, `
exports:
  - name: vol0
    backend: nonexistent
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected validation error for export referencing unknown backend")
	}
}

func TestLoad_MalformedYAMLFails(t *testing.T) {
	path := writeConfigFile(t, "backends: [broken")

	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected error for malformed YAML")
	}
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	// Environment variables override values present in the config file
	t.Setenv("DITTOBLOCK_LOGGING_LEVEL", "warn")

	path := writeConfigFile(t, `
logging:
  level: INFO
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected log level WARN from environment, got %s", cfg.Logging.Level)
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")

	path := GetDefaultConfigPath()
	expected := filepath.Join("/tmp/xdg", "dittoblock", "config.yaml")
	if path != expected {
		t.Errorf("Expected %s, got %s", expected, path)
	}
}
