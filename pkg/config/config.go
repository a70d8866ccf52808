package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittoblock/pkg/adapter/nbd"
	"github.com/spf13/viper"
)

// Config represents the complete DittoBlock configuration.
//
// This structure captures all configurable aspects of the DittoBlock server
// including:
//   - Logging configuration
//   - Server-wide settings
//   - Backend definitions (storage-specific)
//   - Export definitions mapping names to backends
//   - Protocol adapter configurations
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DITTOBLOCK_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Backend Configuration Pattern:
// Each backend implementation defines its own configuration type and factory
// function. A BackendConfig contains type-specific sections (e.g. file,
// badger, s3) and only the section matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Backends defines the storage backends available to exports
	Backends []BackendConfig `mapstructure:"backends" validate:"dive"`

	// Exports defines the named block devices served to clients
	Exports []ExportConfig `mapstructure:"exports" validate:"dive"`

	// Adapters contains protocol adapter configurations
	Adapters AdaptersConfig `mapstructure:"adapters"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// BackendConfig specifies a single storage backend.
//
// The Type field determines which backend implementation is used.
// Only the corresponding type-specific configuration section is used.
type BackendConfig struct {
	// Name identifies this backend so exports can reference it
	Name string `mapstructure:"name" validate:"required"`

	// Type specifies which backend implementation to use
	// Valid values: memory, file, badger, s3
	Type string `mapstructure:"type" validate:"required,oneof=memory file badger s3"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory"`

	// File contains file-specific configuration
	// Only used when Type = "file"
	File map[string]any `mapstructure:"file"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3"`
}

// ExportConfig defines a single named export.
type ExportConfig struct {
	// Name is the export name clients request during negotiation
	Name string `mapstructure:"name" validate:"required,max=255"`

	// Backend names the backend that stores this export's data
	Backend string `mapstructure:"backend" validate:"required"`

	// ReadOnly rejects all writes with a permission error if true
	ReadOnly bool `mapstructure:"read_only"`

	// DevOffset shifts the visible device window by this many bytes into
	// the backend
	DevOffset uint64 `mapstructure:"dev_offset"`

	// Size is the exported size in bytes; 0 derives it from the backend.
	// Rounded down to a whole number of 512-byte sectors.
	Size int64 `mapstructure:"size" validate:"min=0"`
}

// AdaptersConfig contains all protocol adapter configurations.
type AdaptersConfig struct {
	// NBD contains NBD protocol configuration.
	// Uses the nbd.NBDConfig type directly to avoid duplication.
	NBD nbd.NBDConfig `mapstructure:"nbd"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTOBLOCK_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the DITTOBLOCK_ prefix and underscores
	// Example: DITTOBLOCK_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOBLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		// Use explicitly specified config file
		v.SetConfigFile(configPath)
	} else {
		// Use default location: $XDG_CONFIG_HOME/dittoblock/config.{yaml,toml}
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml") // Primary format
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is acceptable, defaults apply
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittoblock")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittoblock")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}
