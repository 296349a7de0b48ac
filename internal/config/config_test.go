package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8700, cfg.Server.Port)
	assert.Equal(t, "./capabilities", cfg.Capabilities.Dir)
	assert.Equal(t, 10000, cfg.Capabilities.BaseID)
	assert.Equal(t, "auto", cfg.Capabilities.ReloadMode)
	assert.Equal(t, 30, cfg.Execution.TimeoutSeconds)
	assert.Equal(t, 60, cfg.Script.TimeoutSeconds)
	assert.Equal(t, 50, cfg.Script.MaxCalls)

	assert.NoError(t, NewValidator().Validate(cfg))
}

func TestLoader_Load(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
		require.NoError(t, err)
		assert.Equal(t, 8700, cfg.Server.Port)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "capstan.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"server": { "port": 9100 },
			"capabilities": { "dir": "/srv/caps", "reload_mode": "force" },
			"script": { "max_calls": 10 }
		}`), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Server.Port)
		assert.Equal(t, "/srv/caps", cfg.Capabilities.Dir)
		assert.Equal(t, "force", cfg.Capabilities.ReloadMode)
		assert.Equal(t, 10, cfg.Script.MaxCalls)
		// Untouched values keep their defaults.
		assert.Equal(t, 30, cfg.Execution.TimeoutSeconds)
	})

	t.Run("malformed file fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "capstan.json")
		require.NoError(t, os.WriteFile(path, []byte(`{ not json`), 0644))

		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("audit path derives from data dir", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "capstan.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"data_dir": "/var/lib/capstan",
			"audit": { "enabled": true }
		}`), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("/var/lib/capstan", "audit.db"), cfg.Audit.Path)
	})
}

func TestValidator_Validate(t *testing.T) {
	base := func() *Config { return DefaultConfig() }
	v := NewValidator()

	t.Run("rejects invalid port", func(t *testing.T) {
		cfg := base()
		cfg.Server.Port = 0
		assert.Error(t, v.Validate(cfg))
	})

	t.Run("rejects empty capability dir", func(t *testing.T) {
		cfg := base()
		cfg.Capabilities.Dir = ""
		assert.Error(t, v.Validate(cfg))
	})

	t.Run("rejects unknown reload mode", func(t *testing.T) {
		cfg := base()
		cfg.Capabilities.ReloadMode = "sometimes"
		assert.Error(t, v.Validate(cfg))
	})

	t.Run("rejects out of range script timeout", func(t *testing.T) {
		cfg := base()
		cfg.Script.TimeoutSeconds = 0
		assert.Error(t, v.Validate(cfg))

		cfg = base()
		cfg.Script.TimeoutSeconds = 301
		assert.Error(t, v.Validate(cfg))
	})

	t.Run("rejects zero max calls", func(t *testing.T) {
		cfg := base()
		cfg.Script.MaxCalls = 0
		assert.Error(t, v.Validate(cfg))
	})

	t.Run("requires audit path when enabled", func(t *testing.T) {
		cfg := base()
		cfg.Audit.Enabled = true
		cfg.Audit.Path = ""
		assert.Error(t, v.Validate(cfg))
	})
}
