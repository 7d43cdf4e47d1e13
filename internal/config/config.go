package config

import "context"

// Package config provides configuration management for metricore.
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading for tunable settings
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (METRICORE_* prefix)
//   2. YAML config files (default: /etc/metricore/config.yaml)
//   3. Built-in defaults (lowest priority)

// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Port        int
		TLSEnabled  bool
		TLSCertPath string
		TLSKeyPath  string
		// AllowedOrigins is a list of origins permitted to open WebSocket
		// connections. Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
		// IngestRatePerMinute caps ingestion requests per client per
		// minute. Zero disables the limiter.
		IngestRatePerMinute int
	}

	// Database configuration
	Database struct {
		SQLitePath string
	}

	// Window configuration for the in-memory sliding window engine
	Window struct {
		BufferCapacity       int
		ForwarderQueueSize   int
		ForwarderBatchSize   int
		FlushIntervalSeconds int
		MaxRetries           int
	}

	// Aggregation pipeline configuration
	Aggregation struct {
		Workers         int
		MaxInFlight     int
		MaxRetries      int
		IntervalSeconds int
		LookbackBuckets int
	}

	// Detection configuration
	Detection struct {
		SweepIntervalSeconds int
		DefaultWindowHours   int
		SeverityMedium       float64
		SeverityHigh         float64
		SeverityCritical     float64
		Seed                 int64
	}

	// Alerting configuration
	Alerting struct {
		EvalIntervalSeconds int
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}

	// Audit trail configuration
	Audit struct {
		LogPath    string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/metricore/config.yaml")
}
