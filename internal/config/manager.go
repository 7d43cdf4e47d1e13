package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("METRICORE")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// The config file is optional; defaults plus env vars are a complete
	// configuration on their own.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// use defaults
		} else if os.IsNotExist(err) {
			// use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.tls_enabled", defaults.Server.TLSEnabled)
	m.viper.SetDefault("server.tls_cert_path", defaults.Server.TLSCertPath)
	m.viper.SetDefault("server.tls_key_path", defaults.Server.TLSKeyPath)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.ingest_rate_per_minute", defaults.Server.IngestRatePerMinute)

	// Database defaults
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)

	// Window defaults
	m.viper.SetDefault("window.buffer_capacity", defaults.Window.BufferCapacity)
	m.viper.SetDefault("window.forwarder_queue_size", defaults.Window.ForwarderQueueSize)
	m.viper.SetDefault("window.forwarder_batch_size", defaults.Window.ForwarderBatchSize)
	m.viper.SetDefault("window.flush_interval_seconds", defaults.Window.FlushIntervalSeconds)
	m.viper.SetDefault("window.max_retries", defaults.Window.MaxRetries)

	// Aggregation defaults
	m.viper.SetDefault("aggregation.workers", defaults.Aggregation.Workers)
	m.viper.SetDefault("aggregation.max_in_flight", defaults.Aggregation.MaxInFlight)
	m.viper.SetDefault("aggregation.max_retries", defaults.Aggregation.MaxRetries)
	m.viper.SetDefault("aggregation.interval_seconds", defaults.Aggregation.IntervalSeconds)
	m.viper.SetDefault("aggregation.lookback_buckets", defaults.Aggregation.LookbackBuckets)

	// Detection defaults
	m.viper.SetDefault("detection.sweep_interval_seconds", defaults.Detection.SweepIntervalSeconds)
	m.viper.SetDefault("detection.default_window_hours", defaults.Detection.DefaultWindowHours)
	m.viper.SetDefault("detection.severity_medium", defaults.Detection.SeverityMedium)
	m.viper.SetDefault("detection.severity_high", defaults.Detection.SeverityHigh)
	m.viper.SetDefault("detection.severity_critical", defaults.Detection.SeverityCritical)
	m.viper.SetDefault("detection.seed", defaults.Detection.Seed)

	// Alerting defaults
	m.viper.SetDefault("alerting.eval_interval_seconds", defaults.Alerting.EvalIntervalSeconds)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)

	// Audit defaults
	m.viper.SetDefault("audit.log_path", defaults.Audit.LogPath)
	m.viper.SetDefault("audit.max_size_mb", defaults.Audit.MaxSizeMB)
	m.viper.SetDefault("audit.max_backups", defaults.Audit.MaxBackups)
	m.viper.SetDefault("audit.max_age_days", defaults.Audit.MaxAgeDays)
	m.viper.SetDefault("audit.compress", defaults.Audit.Compress)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.TLSEnabled = m.viper.GetBool("server.tls_enabled")
	cfg.Server.TLSCertPath = m.viper.GetString("server.tls_cert_path")
	cfg.Server.TLSKeyPath = m.viper.GetString("server.tls_key_path")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.IngestRatePerMinute = m.viper.GetInt("server.ingest_rate_per_minute")

	// Database
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	// Window
	cfg.Window.BufferCapacity = m.viper.GetInt("window.buffer_capacity")
	cfg.Window.ForwarderQueueSize = m.viper.GetInt("window.forwarder_queue_size")
	cfg.Window.ForwarderBatchSize = m.viper.GetInt("window.forwarder_batch_size")
	cfg.Window.FlushIntervalSeconds = m.viper.GetInt("window.flush_interval_seconds")
	cfg.Window.MaxRetries = m.viper.GetInt("window.max_retries")

	// Aggregation
	cfg.Aggregation.Workers = m.viper.GetInt("aggregation.workers")
	cfg.Aggregation.MaxInFlight = m.viper.GetInt("aggregation.max_in_flight")
	cfg.Aggregation.MaxRetries = m.viper.GetInt("aggregation.max_retries")
	cfg.Aggregation.IntervalSeconds = m.viper.GetInt("aggregation.interval_seconds")
	cfg.Aggregation.LookbackBuckets = m.viper.GetInt("aggregation.lookback_buckets")

	// Detection
	cfg.Detection.SweepIntervalSeconds = m.viper.GetInt("detection.sweep_interval_seconds")
	cfg.Detection.DefaultWindowHours = m.viper.GetInt("detection.default_window_hours")
	cfg.Detection.SeverityMedium = m.viper.GetFloat64("detection.severity_medium")
	cfg.Detection.SeverityHigh = m.viper.GetFloat64("detection.severity_high")
	cfg.Detection.SeverityCritical = m.viper.GetFloat64("detection.severity_critical")
	cfg.Detection.Seed = m.viper.GetInt64("detection.seed")

	// Alerting
	cfg.Alerting.EvalIntervalSeconds = m.viper.GetInt("alerting.eval_interval_seconds")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")

	// Audit
	cfg.Audit.LogPath = m.viper.GetString("audit.log_path")
	cfg.Audit.MaxSizeMB = m.viper.GetInt("audit.max_size_mb")
	cfg.Audit.MaxBackups = m.viper.GetInt("audit.max_backups")
	cfg.Audit.MaxAgeDays = m.viper.GetInt("audit.max_age_days")
	cfg.Audit.Compress = m.viper.GetBool("audit.compress")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (m *viperConfigManager) applyEnvOverrides() {
	// Database path from environment
	if path := os.Getenv("METRICORE_DB_PATH"); path != "" {
		m.config.Database.SQLitePath = path
	}

	// Port from environment - only override if explicitly set
	if portEnv := os.Getenv("METRICORE_PORT"); portEnv != "" {
		m.config.Server.Port = m.viper.GetInt("port")
	}

	// Audit log path from environment
	if path := os.Getenv("METRICORE_AUDIT_LOG"); path != "" {
		m.config.Audit.LogPath = path
	}
}
