package config

import (
	"strings"
	"time"

	"github.com/marmos91/dittoblock/pkg/adapter/nbd"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend-specific defaults are handled by backend implementations
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)

	// Add a default in-memory device if nothing is configured
	if len(cfg.Backends) == 0 {
		cfg.Backends = []BackendConfig{
			{
				Name: "default",
				Type: "memory",
				Memory: map[string]any{
					"size": int64(1 << 30), // 1GB
				},
			},
		}
	}

	if len(cfg.Exports) == 0 {
		cfg.Exports = []ExportConfig{
			{
				Name:    "default",
				Backend: cfg.Backends[0].Name,
			},
		}
	}

	applyBackendDefaults(cfg.Backends)
	applyAdaptersDefaults(&cfg.Adapters)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyBackendDefaults initializes the type-specific option maps.
func applyBackendDefaults(backends []BackendConfig) {
	for i := range backends {
		b := &backends[i]

		if b.Memory == nil {
			b.Memory = make(map[string]any)
		}
		if b.File == nil {
			b.File = make(map[string]any)
		}
		if b.Badger == nil {
			b.Badger = make(map[string]any)
		}
		if b.S3 == nil {
			b.S3 = make(map[string]any)
		}
	}
}

// applyAdaptersDefaults sets adapter defaults.
func applyAdaptersDefaults(cfg *AdaptersConfig) {
	// Enable the NBD adapter by default if no adapters are configured.
	// This ensures that a freshly loaded config (with no config file) will
	// have at least one adapter enabled and pass validation. Users can
	// explicitly set enabled: false in their config to disable it.
	if !cfg.NBD.Enabled && cfg.NBD.Port == 0 {
		cfg.NBD.Enabled = true
	}

	applyNBDDefaults(&cfg.NBD)
}

// applyNBDDefaults sets NBD adapter defaults.
func applyNBDDefaults(cfg *nbd.NBDConfig) {
	if cfg.Port == 0 {
		cfg.Port = 10809
	}

	// MaxConnections defaults to 0 (unlimited)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{},
		Server:  ServerConfig{},
		Adapters: AdaptersConfig{
			NBD: nbd.NBDConfig{
				Enabled: true, // NBD adapter enabled by default
			},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
