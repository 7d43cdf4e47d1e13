package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8080
	cfg.Server.TLSEnabled = false
	cfg.Server.TLSCertPath = ""
	cfg.Server.TLSKeyPath = ""
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Server.IngestRatePerMinute = 6000

	// Database defaults
	cfg.Database.SQLitePath = "/var/lib/metricore/metricore.db"

	// Window defaults
	cfg.Window.BufferCapacity = 10000
	cfg.Window.ForwarderQueueSize = 8192
	cfg.Window.ForwarderBatchSize = 256
	cfg.Window.FlushIntervalSeconds = 1
	cfg.Window.MaxRetries = 5

	// Aggregation defaults
	cfg.Aggregation.Workers = 4
	cfg.Aggregation.MaxInFlight = 64
	cfg.Aggregation.MaxRetries = 3
	cfg.Aggregation.IntervalSeconds = 60
	cfg.Aggregation.LookbackBuckets = 2

	// Detection defaults
	cfg.Detection.SweepIntervalSeconds = 60
	cfg.Detection.DefaultWindowHours = 24
	cfg.Detection.SeverityMedium = 2.0
	cfg.Detection.SeverityHigh = 3.0
	cfg.Detection.SeverityCritical = 4.0
	cfg.Detection.Seed = 1

	// Alerting defaults
	cfg.Alerting.EvalIntervalSeconds = 15

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	// Audit defaults
	cfg.Audit.LogPath = "logs/audit.log"
	cfg.Audit.MaxSizeMB = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAgeDays = 30
	cfg.Audit.Compress = true

	return cfg
}
