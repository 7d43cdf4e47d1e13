package main

// Package main is the entry point for the metricore server.
//
// Responsibilities:
//   - Load and validate configuration from YAML and environment variables
//   - Open the SQLite time-series store and run migrations
//   - Start the durability forwarder and the sliding-window engine
//   - Start the aggregation pipeline, detection sweep, and alert manager
//   - Serve the REST API, the WebSocket event stream, and Prometheus metrics
//   - Implement graceful shutdown: stop intake first, then drain the
//     pipeline and forwarder so accepted points reach durable storage
//
// Data Flow:
//   1. Ingest → sliding window buffers (per organization and metric)
//   2. Window → durability forwarder → SQLite
//   3. Scheduler → aggregation pipeline → rollup buckets
//   4. Detection sweep → anomaly records → event stream
//   5. Alert evaluation → alert events → audit trail + event stream

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/metricore/metricore/internal/aggregation"
	"github.com/metricore/metricore/internal/alerting"
	"github.com/metricore/metricore/internal/audit"
	"github.com/metricore/metricore/internal/config"
	"github.com/metricore/metricore/internal/detect"
	"github.com/metricore/metricore/internal/server"
	"github.com/metricore/metricore/internal/store"
	"github.com/metricore/metricore/internal/window"
)

func main() {
	configPath := flag.String("config", "/etc/metricore/config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "metricore: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Configuration
	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return fmt.Errorf("creating config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)

	// Logging
	logger, err := buildLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	// Audit trail
	auditLog, err := audit.NewLogger(&audit.Config{
		AuditLogPath: cfg.Audit.LogPath,
		MaxSize:      cfg.Audit.MaxSizeMB,
		MaxBackups:   cfg.Audit.MaxBackups,
		MaxAge:       cfg.Audit.MaxAgeDays,
		Compress:     cfg.Audit.Compress,
	})
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer auditLog.Close()
	_ = auditLog.Log(ctx, audit.NewEvent(audit.EventConfigLoaded).
		WithActor("system").
		WithResult(audit.ResultSuccess).
		WithMetadata("config_path", configPath))

	// Durable storage
	ts, err := store.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer ts.Close()

	// Durability forwarder and sliding-window engine
	forwarder := window.NewForwarder(window.ForwarderConfig{
		QueueSize:     cfg.Window.ForwarderQueueSize,
		BatchSize:     cfg.Window.ForwarderBatchSize,
		FlushInterval: time.Duration(cfg.Window.FlushIntervalSeconds) * time.Second,
		MaxRetries:    cfg.Window.MaxRetries,
	}, ts, logger)
	forwarder.Start()

	engine := window.NewEngine(cfg.Window.BufferCapacity, forwarder, logger)

	// Aggregation pipeline
	pipeline := aggregation.NewPipeline(aggregation.Config{
		Workers:       cfg.Aggregation.Workers,
		MaxInFlight:   cfg.Aggregation.MaxInFlight,
		MaxRetries:    cfg.Aggregation.MaxRetries,
		Interval:      time.Duration(cfg.Aggregation.IntervalSeconds) * time.Second,
		LookbackCount: cfg.Aggregation.LookbackBuckets,
	}, ts, logger)
	pipeline.Start()

	// Anomaly detection
	detector := detect.NewEngine(ts, engine, auditLog, logger, detect.Config{
		SweepInterval:      time.Duration(cfg.Detection.SweepIntervalSeconds) * time.Second,
		DefaultWindowHours: cfg.Detection.DefaultWindowHours,
		Bands: detect.SeverityBands{
			Medium:   cfg.Detection.SeverityMedium,
			High:     cfg.Detection.SeverityHigh,
			Critical: cfg.Detection.SeverityCritical,
		},
		Seed: cfg.Detection.Seed,
	})
	detector.Start(ctx)

	// Alerting
	alerts := alerting.NewManager(ts, engine, auditLog, logger, alerting.Config{
		EvalInterval: time.Duration(cfg.Alerting.EvalIntervalSeconds) * time.Second,
	})
	alerts.Start(ctx)

	// HTTP server
	srv, err := server.NewServer(&server.Config{
		Host:                "",
		Port:                cfg.Server.Port,
		AllowedOrigins:      cfg.Server.AllowedOrigins,
		IngestRatePerMinute: cfg.Server.IngestRatePerMinute,
	}, logger, ts, engine, pipeline, detector, alerts)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	logger.Info("metricore started",
		zap.Int("port", cfg.Server.Port),
		zap.String("db", cfg.Database.SQLitePath),
		zap.Int("window_capacity", cfg.Window.BufferCapacity))
	_ = auditLog.Log(ctx, audit.NewEvent(audit.EventServerStarted).
		WithActor("system").
		WithResult(audit.ResultSuccess).
		WithMetadata("port", cfg.Server.Port))

	// Watch for config file changes. Reload only touches tunables read per
	// tick; components holding startup values keep them until restart.
	go func() {
		for updated := range mgr.Watch(ctx) {
			logger.Info("configuration reloaded",
				zap.String("log_level", updated.Logging.Level))
			_ = auditLog.Log(ctx, audit.NewEvent(audit.EventConfigChanged).
				WithActor("system").
				WithResult(audit.ResultSuccess))
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	// Stop intake first so nothing new enters the system, then drain the
	// background components in dependency order.
	if err := srv.Stop(); err != nil {
		logger.Error("stopping server", zap.Error(err))
	}
	alerts.Stop()
	detector.Stop()
	pipeline.Stop()
	forwarder.Stop()

	_ = auditLog.Log(context.Background(), audit.NewEvent(audit.EventServerShutdown).
		WithActor("system").
		WithResult(audit.ResultSuccess))
	logger.Info("shutdown complete")
	return nil
}

// buildLogger constructs the application logger from config.
func buildLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if format == "text" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
