package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/metricore/metricore/internal/models"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// LogAlertEvaluated records one alert rule evaluation, breach or not
	LogAlertEvaluated(ctx context.Context, rule *models.AlertRule, observed float64, breached bool) error
	// LogAlertFired records the start of a breach episode
	LogAlertFired(ctx context.Context, event *models.AlertEvent) error
	// LogAlertCleared records the end of a breach episode
	LogAlertCleared(ctx context.Context, rule *models.AlertRule, observed float64) error

	// LogAnomalyRecorded records a newly persisted anomaly
	LogAnomalyRecorded(ctx context.Context, a *models.Anomaly) error
	// LogAnomalyResolved records an operator resolving an anomaly
	LogAnomalyResolved(ctx context.Context, anomalyID, note, resolvedBy string) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	sink        *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewLogger creates a new audit logger with file rotation. The audit trail
// is append-only and always written at INFO level.
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AuditLogPath == "" {
		return nil, fmt.Errorf("audit log path must not be empty")
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	rotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		sink:        zap.New(core),
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			continue
		}

		l.sink.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogAlertEvaluated records one alert rule evaluation
func (l *auditLogger) LogAlertEvaluated(ctx context.Context, rule *models.AlertRule, observed float64, breached bool) error {
	result := ResultClear
	if breached {
		result = ResultBreach
	}
	event := NewEvent(EventAlertEvaluated).
		WithCorrelationID(rule.ID).
		WithOrganization(rule.OrganizationID).
		WithMetric(rule.MetricName).
		WithRule(rule.ID).
		WithEvaluation(observed, rule.ThresholdValue).
		WithSeverity(string(rule.Severity)).
		WithResult(result)

	return l.Log(ctx, event)
}

// LogAlertFired records the start of a breach episode
func (l *auditLogger) LogAlertFired(ctx context.Context, ae *models.AlertEvent) error {
	event := NewEvent(EventAlertFired).
		WithCorrelationID(ae.RuleID).
		WithOrganization(ae.OrganizationID).
		WithMetric(ae.MetricName).
		WithRule(ae.RuleID).
		WithEvaluation(ae.ObservedValue, ae.ThresholdValue).
		WithSeverity(string(ae.Severity)).
		WithResult(ResultBreach).
		WithDescription(fmt.Sprintf("alert %s fired: %s %s %.4f (observed %.4f)",
			ae.RuleID, ae.MetricName, ae.ThresholdType, ae.ThresholdValue, ae.ObservedValue))

	return l.Log(ctx, event)
}

// LogAlertCleared records the end of a breach episode
func (l *auditLogger) LogAlertCleared(ctx context.Context, rule *models.AlertRule, observed float64) error {
	event := NewEvent(EventAlertCleared).
		WithCorrelationID(rule.ID).
		WithOrganization(rule.OrganizationID).
		WithMetric(rule.MetricName).
		WithRule(rule.ID).
		WithEvaluation(observed, rule.ThresholdValue).
		WithResult(ResultClear).
		WithDescription(fmt.Sprintf("alert %s cleared on %s", rule.ID, rule.MetricName))

	return l.Log(ctx, event)
}

// LogAnomalyRecorded records a newly persisted anomaly
func (l *auditLogger) LogAnomalyRecorded(ctx context.Context, a *models.Anomaly) error {
	event := NewEvent(EventAnomalyRecorded).
		WithCorrelationID(a.ID).
		WithOrganization(a.OrganizationID).
		WithMetric(a.MetricName).
		WithSeverity(string(a.Severity)).
		WithResult(ResultSuccess).
		WithMetadata("anomaly_id", a.ID).
		WithMetadata("deviation_score", a.DeviationScore).
		WithMetadata("method", string(a.Method)).
		WithMetadata("anomaly_type", string(a.Type))
	event.AnomalyID = a.ID

	return l.Log(ctx, event)
}

// LogAnomalyResolved records an operator resolving an anomaly
func (l *auditLogger) LogAnomalyResolved(ctx context.Context, anomalyID, note, resolvedBy string) error {
	event := NewEvent(EventAnomalyResolved).
		WithCorrelationID(anomalyID).
		WithActor(resolvedBy).
		WithResult(ResultSuccess).
		WithDescription(note)
	event.AnomalyID = anomalyID

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	err := l.flushLocked()
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.sink.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.stopOnce.Do(func() {
		l.flushTicker.Stop()
		close(l.stopCh)
	})
	return l.Sync()
}
