package config

import (
	"fmt"
	"os"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.IngestRatePerMinute < 0 {
		errs = append(errs, &ValidationError{
			Field:   "server.ingest_rate_per_minute",
			Message: fmt.Sprintf("ingest_rate_per_minute must not be negative, got %d", c.Server.IngestRatePerMinute),
		})
	}

	if c.Server.TLSEnabled {
		if c.Server.TLSCertPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: "tls_cert_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSCertPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: fmt.Sprintf("certificate file does not exist: %s", c.Server.TLSCertPath),
			})
		}

		if c.Server.TLSKeyPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: "tls_key_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSKeyPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: fmt.Sprintf("key file does not exist: %s", c.Server.TLSKeyPath),
			})
		}
	}

	// Validate database configuration
	if c.Database.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.sqlite_path",
			Message: "sqlite_path is required",
		})
	}

	// Validate window configuration
	if c.Window.BufferCapacity < 1 {
		errs = append(errs, &ValidationError{
			Field:   "window.buffer_capacity",
			Message: fmt.Sprintf("buffer_capacity must be positive, got %d", c.Window.BufferCapacity),
		})
	}

	if c.Window.ForwarderQueueSize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "window.forwarder_queue_size",
			Message: fmt.Sprintf("forwarder_queue_size must be positive, got %d", c.Window.ForwarderQueueSize),
		})
	}

	if c.Window.ForwarderBatchSize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "window.forwarder_batch_size",
			Message: fmt.Sprintf("forwarder_batch_size must be positive, got %d", c.Window.ForwarderBatchSize),
		})
	}

	// Validate aggregation configuration
	if c.Aggregation.Workers < 1 {
		errs = append(errs, &ValidationError{
			Field:   "aggregation.workers",
			Message: fmt.Sprintf("workers must be positive, got %d", c.Aggregation.Workers),
		})
	}

	if c.Aggregation.MaxInFlight < c.Aggregation.Workers {
		errs = append(errs, &ValidationError{
			Field:   "aggregation.max_in_flight",
			Message: fmt.Sprintf("max_in_flight (%d) must be at least the worker count (%d)",
				c.Aggregation.MaxInFlight, c.Aggregation.Workers),
		})
	}

	if c.Aggregation.LookbackBuckets < 1 {
		errs = append(errs, &ValidationError{
			Field:   "aggregation.lookback_buckets",
			Message: fmt.Sprintf("lookback_buckets must be positive, got %d", c.Aggregation.LookbackBuckets),
		})
	}

	// Validate detection configuration
	if c.Detection.DefaultWindowHours < 1 {
		errs = append(errs, &ValidationError{
			Field:   "detection.default_window_hours",
			Message: fmt.Sprintf("default_window_hours must be positive, got %d", c.Detection.DefaultWindowHours),
		})
	}

	// Severity band bounds must be increasing
	if !(c.Detection.SeverityMedium > 0 &&
		c.Detection.SeverityHigh > c.Detection.SeverityMedium &&
		c.Detection.SeverityCritical > c.Detection.SeverityHigh) {
		errs = append(errs, &ValidationError{
			Field:   "detection.severity_medium",
			Message: fmt.Sprintf("severity bands must satisfy 0 < medium < high < critical, got %.2f/%.2f/%.2f",
				c.Detection.SeverityMedium, c.Detection.SeverityHigh, c.Detection.SeverityCritical),
		})
	}

	// Validate alerting configuration
	if c.Alerting.EvalIntervalSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "alerting.eval_interval_seconds",
			Message: fmt.Sprintf("eval_interval_seconds must be positive, got %d", c.Alerting.EvalIntervalSeconds),
		})
	}

	// Validate logging configuration
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("level must be one of debug/info/warn/error, got %q", c.Logging.Level),
		})
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("format must be json or text, got %q", c.Logging.Format),
		})
	}

	// Validate audit configuration
	if c.Audit.LogPath == "" {
		errs = append(errs, &ValidationError{
			Field:   "audit.log_path",
			Message: "log_path is required",
		})
	}

	return errs
}
