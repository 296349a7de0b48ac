package config

import (
	"fmt"

	"github.com/capstanhq/capstan/pkg/capability"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks the full configuration for invalid values.
func (v *Validator) Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Capabilities.Dir == "" {
		return fmt.Errorf("capabilities dir cannot be empty")
	}
	if cfg.Capabilities.BaseID < 0 {
		return fmt.Errorf("capabilities base_id cannot be negative, got %d", cfg.Capabilities.BaseID)
	}
	if !capability.ReloadMode(cfg.Capabilities.ReloadMode).Valid() {
		return fmt.Errorf("capabilities reload_mode must be auto, force or off, got %q", cfg.Capabilities.ReloadMode)
	}

	if cfg.Execution.TimeoutSeconds < 1 {
		return fmt.Errorf("execution timeout_seconds must be at least 1, got %d", cfg.Execution.TimeoutSeconds)
	}

	if cfg.Script.TimeoutSeconds < 1 || cfg.Script.TimeoutSeconds > 300 {
		return fmt.Errorf("script timeout_seconds must be between 1 and 300, got %d", cfg.Script.TimeoutSeconds)
	}
	if cfg.Script.MaxCalls < 1 {
		return fmt.Errorf("script max_calls must be at least 1, got %d", cfg.Script.MaxCalls)
	}

	if cfg.Audit.Enabled && cfg.Audit.Path == "" {
		return fmt.Errorf("audit path cannot be empty when audit is enabled")
	}

	return nil
}
