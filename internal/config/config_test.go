package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Test server defaults
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Server.TLSEnabled)

	// Test database defaults
	assert.NotEmpty(t, cfg.Database.SQLitePath)

	// Test window defaults
	assert.Equal(t, 10000, cfg.Window.BufferCapacity)
	assert.Equal(t, 8192, cfg.Window.ForwarderQueueSize)
	assert.Equal(t, 256, cfg.Window.ForwarderBatchSize)

	// Test aggregation defaults
	assert.Equal(t, 4, cfg.Aggregation.Workers)
	assert.Equal(t, 64, cfg.Aggregation.MaxInFlight)
	assert.Equal(t, 2, cfg.Aggregation.LookbackBuckets)

	// Test detection defaults
	assert.Equal(t, 24, cfg.Detection.DefaultWindowHours)
	assert.Equal(t, 2.0, cfg.Detection.SeverityMedium)
	assert.Equal(t, 3.0, cfg.Detection.SeverityHigh)
	assert.Equal(t, 4.0, cfg.Detection.SeverityCritical)

	// Test alerting defaults
	assert.Equal(t, 15, cfg.Alerting.EvalIntervalSeconds)

	// Test logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Test audit defaults
	assert.Equal(t, "logs/audit.log", cfg.Audit.LogPath)
	assert.Equal(t, 100, cfg.Audit.MaxSizeMB)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:      "valid default config",
			modifyFn:  func(cfg *Config) {},
			wantError: false,
		},
		{
			name: "invalid port - too low",
			modifyFn: func(cfg *Config) {
				cfg.Server.Port = 0
			},
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name: "invalid port - too high",
			modifyFn: func(cfg *Config) {
				cfg.Server.Port = 70000
			},
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name: "tls enabled without cert",
			modifyFn: func(cfg *Config) {
				cfg.Server.TLSEnabled = true
			},
			wantError: true,
			errorMsg:  "tls_cert_path is required",
		},
		{
			name: "empty sqlite path",
			modifyFn: func(cfg *Config) {
				cfg.Database.SQLitePath = ""
			},
			wantError: true,
			errorMsg:  "sqlite_path is required",
		},
		{
			name: "zero buffer capacity",
			modifyFn: func(cfg *Config) {
				cfg.Window.BufferCapacity = 0
			},
			wantError: true,
			errorMsg:  "buffer_capacity must be positive",
		},
		{
			name: "in-flight ceiling below worker count",
			modifyFn: func(cfg *Config) {
				cfg.Aggregation.Workers = 8
				cfg.Aggregation.MaxInFlight = 4
			},
			wantError: true,
			errorMsg:  "max_in_flight",
		},
		{
			name: "non-monotonic severity bands",
			modifyFn: func(cfg *Config) {
				cfg.Detection.SeverityMedium = 3.0
				cfg.Detection.SeverityHigh = 2.0
			},
			wantError: true,
			errorMsg:  "severity bands",
		},
		{
			name: "invalid log level",
			modifyFn: func(cfg *Config) {
				cfg.Logging.Level = "verbose"
			},
			wantError: true,
			errorMsg:  "level must be one of",
		},
		{
			name: "invalid log format",
			modifyFn: func(cfg *Config) {
				cfg.Logging.Format = "xml"
			},
			wantError: true,
			errorMsg:  "format must be json or text",
		},
		{
			name: "empty audit path",
			modifyFn: func(cfg *Config) {
				cfg.Audit.LogPath = ""
			},
			wantError: true,
			errorMsg:  "log_path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)

			errs := cfg.Validate()
			if tt.wantError {
				require.NotEmpty(t, errs)
				found := false
				for _, err := range errs {
					if strings.Contains(err.Error(), tt.errorMsg) {
						found = true
						break
					}
				}
				assert.True(t, found, "expected an error containing %q, got %v", tt.errorMsg, errs)
			} else {
				assert.Empty(t, errs)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yaml := `
server:
  port: 9090
window:
  buffer_capacity: 5000
detection:
  severity_medium: 1.5
  severity_high: 2.5
  severity_critical: 3.5
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0o644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5000, cfg.Window.BufferCapacity)
	assert.Equal(t, 1.5, cfg.Detection.SeverityMedium)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unspecified keys fall back to defaults
	assert.Equal(t, 4, cfg.Aggregation.Workers)
	assert.Equal(t, 15, cfg.Alerting.EvalIntervalSeconds)

	require.NoError(t, mgr.Validate(ctx))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10000, cfg.Window.BufferCapacity)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("METRICORE_DB_PATH", "/tmp/override.db")

	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, "/tmp/override.db", cfg.Database.SQLitePath)
}

func TestReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 9090\n"), 0o644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	assert.Equal(t, 9090, mgr.Get(ctx).Server.Port)

	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 9191\n"), 0o644))
	require.NoError(t, mgr.Reload(ctx))
	assert.Equal(t, 9191, mgr.Get(ctx).Server.Port)
}
