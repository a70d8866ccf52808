package config

import (
	"strings"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	err := Validate(cfg)
	if err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log format")
	}
}

func TestValidate_InvalidBackendType(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Backends[0].Type = "postgres"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for unknown backend type")
	}
}

func TestValidate_NoBackends(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Backends = nil

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for empty backends list")
	}
}

func TestValidate_NoExports(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Exports = nil

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for empty exports list")
	}
}

func TestValidate_DuplicateBackendNames(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Backends = append(cfg.Backends, cfg.Backends[0])

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for duplicate backend name")
	}
	if !strings.Contains(err.Error(), "duplicate backend name") {
		t.Errorf("Expected duplicate backend name error, got: %v", err)
	}
}

func TestValidate_DuplicateExportNames(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Backends = append(cfg.Backends, BackendConfig{Name: "second", Type: "memory"})
	cfg.Exports = append(cfg.Exports, ExportConfig{
		Name:    cfg.Exports[0].Name,
		Backend: "second",
	})

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for duplicate export name")
	}
}

func TestValidate_UnknownBackendReference(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Exports[0].Backend = "missing"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for unknown backend reference")
	}
	if !strings.Contains(err.Error(), "unknown backend") {
		t.Errorf("Expected unknown backend error, got: %v", err)
	}
}

func TestValidate_SharedBackend(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Exports = append(cfg.Exports, ExportConfig{
		Name:    "second",
		Backend: cfg.Exports[0].Backend,
	})

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for two exports sharing a backend")
	}
}

func TestValidate_ExportNameTooLong(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Exports[0].Name = strings.Repeat("x", 256)

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for export name over 255 bytes")
	}
}

func TestValidate_NoAdaptersEnabled(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Adapters.NBD.Enabled = false

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error when no adapter is enabled")
	}
}

func TestValidate_UnknownDefaultExport(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Adapters.NBD.DefaultExport = "missing"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for unknown default export")
	}
}

func TestValidate_KnownDefaultExport(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Adapters.NBD.DefaultExport = cfg.Exports[0].Name

	err := Validate(cfg)
	if err != nil {
		t.Errorf("Expected config with valid default export to pass, got: %v", err)
	}
}
