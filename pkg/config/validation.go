package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	// Run struct tag validation
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	// Custom validation rules that can't be expressed in tags
	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if len(cfg.Backends) == 0 {
		return fmt.Errorf("backends: at least one backend must be configured")
	}

	if len(cfg.Exports) == 0 {
		return fmt.Errorf("exports: at least one export must be configured")
	}

	// Validate backend names are unique
	backends := make(map[string]bool)
	for i, b := range cfg.Backends {
		if backends[b.Name] {
			return fmt.Errorf("backends[%d]: duplicate backend name %q", i, b.Name)
		}
		backends[b.Name] = true
	}

	// Validate export names are unique and reference existing backends.
	// Each backend is owned by the export on top of it, so two exports
	// cannot share one.
	names := make(map[string]bool)
	used := make(map[string]bool)
	for i, exp := range cfg.Exports {
		if names[exp.Name] {
			return fmt.Errorf("exports[%d]: duplicate export name %q", i, exp.Name)
		}
		names[exp.Name] = true

		if !backends[exp.Backend] {
			return fmt.Errorf("exports[%d]: unknown backend %q", i, exp.Backend)
		}
		if used[exp.Backend] {
			return fmt.Errorf("exports[%d]: backend %q already used by another export", i, exp.Backend)
		}
		used[exp.Backend] = true
	}

	// Validate at least one adapter is enabled
	if !cfg.Adapters.NBD.Enabled {
		return fmt.Errorf("adapters: at least one adapter must be enabled")
	}

	// A configured default export must exist
	if def := cfg.Adapters.NBD.DefaultExport; def != "" && !names[def] {
		return fmt.Errorf("adapters.nbd: default_export %q does not match any export", def)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
