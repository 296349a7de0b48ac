package config

// Config represents the main capstan configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Capabilities configuration
	Capabilities CapabilitiesConfig `json:"capabilities" mapstructure:"capabilities"`

	// Execution configuration
	Execution ExecutionConfig `json:"execution" mapstructure:"execution"`

	// Script runner configuration
	Script ScriptConfig `json:"script" mapstructure:"script"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Audit configuration
	Audit AuditConfig `json:"audit" mapstructure:"audit"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// CapabilitiesConfig holds capability discovery configuration
type CapabilitiesConfig struct {
	Dir             string `json:"dir" mapstructure:"dir"`
	BaseID          int    `json:"base_id" mapstructure:"base_id"`
	ReloadMode      string `json:"reload_mode" mapstructure:"reload_mode"` // auto, force, off
	Watch           bool   `json:"watch" mapstructure:"watch"`
	RefreshSchedule string `json:"refresh_schedule" mapstructure:"refresh_schedule"` // cron spec, empty disables
}

// ExecutionConfig holds capability invocation configuration
type ExecutionConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// ScriptConfig holds script runner configuration
type ScriptConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxCalls       int `json:"max_calls" mapstructure:"max_calls"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// AuditConfig holds audit store configuration
type AuditConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8700,
		},
		Capabilities: CapabilitiesConfig{
			Dir:             "./capabilities",
			BaseID:          10000,
			ReloadMode:      "auto",
			Watch:           true,
			RefreshSchedule: "",
		},
		Execution: ExecutionConfig{
			TimeoutSeconds: 30,
		},
		Script: ScriptConfig{
			TimeoutSeconds: 60,
			MaxCalls:       50,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
		Audit: AuditConfig{
			Enabled: false,
		},
	}
}
