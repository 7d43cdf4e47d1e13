// Package alerting evaluates standing threshold rules against live window
// statistics. A rule fires once per breach episode: after firing it stays
// latched until an evaluation observes the threshold respected again, so a
// sustained breach produces one alert, not one per tick.
package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/metricore/metricore/internal/audit"
	"github.com/metricore/metricore/internal/metrics"
	"github.com/metricore/metricore/internal/models"
	"github.com/metricore/metricore/internal/store"
	"github.com/metricore/metricore/internal/window"
)

// Config tunes the alert manager.
type Config struct {
	EvalInterval time.Duration // how often rules are evaluated
}

func DefaultConfig() Config {
	return Config{EvalInterval: 15 * time.Second}
}

// Manager owns alert rules and their breach state.
type Manager struct {
	store  store.TimeSeriesStore
	window *window.Engine
	audit  audit.Logger
	logger *zap.Logger
	cfg    Config

	mu      sync.Mutex
	latched map[string]bool // rule ID -> currently in a breach episode
	subs    []chan *models.AlertEvent

	done chan struct{}
	wg   sync.WaitGroup
}

func NewManager(st store.TimeSeriesStore, win *window.Engine, auditLog audit.Logger, logger *zap.Logger, cfg Config) *Manager {
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:   st,
		window:  win,
		audit:   auditLog,
		logger:  logger,
		cfg:     cfg,
		latched: make(map[string]bool),
		done:    make(chan struct{}),
	}
}

// Configure validates and persists an alert rule. A new rule starts
// unlatched; reconfiguring an existing rule keeps its breach state.
func (m *Manager) Configure(ctx context.Context, rule *models.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	// A rule must be checked at least once per fifth of its window, else a
	// breach can open and close between ticks unseen.
	if bound := time.Duration(rule.WindowMinutes) * time.Minute / 5; bound < m.cfg.EvalInterval {
		return &models.ValidationError{
			Field: "window_minutes",
			Reason: fmt.Sprintf("a %d minute window requires evaluation at least every %s, but the evaluation interval is %s",
				rule.WindowMinutes, bound, m.cfg.EvalInterval),
		}
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := m.store.SaveAlertRule(ctx, rule); err != nil {
		return err
	}
	m.logger.Info("alert rule configured",
		zap.String("rule_id", rule.ID),
		zap.String("metric", rule.MetricName),
		zap.String("organization_id", rule.OrganizationID),
		zap.String("threshold_type", string(rule.ThresholdType)),
		zap.Float64("threshold_value", rule.ThresholdValue),
		zap.Bool("enabled", rule.Enabled))
	return nil
}

// Rules returns the persisted rules for one organization, or all when
// organizationID is empty.
func (m *Manager) Rules(ctx context.Context, organizationID string) ([]*models.AlertRule, error) {
	return m.store.ListAlertRules(ctx, organizationID, false)
}

// Subscribe returns a channel receiving every fired alert. Delivery is best
// effort; slow subscribers miss events rather than blocking evaluation.
func (m *Manager) Subscribe() <-chan *models.AlertEvent {
	ch := make(chan *models.AlertEvent, 64)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// ActiveAlerts returns how many rules are currently in a breach episode.
func (m *Manager) ActiveAlerts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, breached := range m.latched {
		if breached {
			n++
		}
	}
	return n
}

// Start launches the periodic evaluation loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.EvalInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.EvaluateAll(ctx)
			case <-m.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the evaluation loop and waits for an in-progress pass.
func (m *Manager) Stop() {
	close(m.done)
	m.wg.Wait()
}

// EvaluateAll runs one evaluation pass over every enabled rule.
func (m *Manager) EvaluateAll(ctx context.Context) {
	rules, err := m.store.ListAlertRules(ctx, "", true)
	if err != nil {
		m.logger.Error("alert evaluation: listing rules failed", zap.Error(err))
		return
	}
	for _, r := range rules {
		m.Evaluate(ctx, r)
	}
}

// Evaluate checks one rule against the current window average and fires or
// clears as the breach state changes. The event is returned when this
// evaluation fired, nil otherwise.
func (m *Manager) Evaluate(ctx context.Context, rule *models.AlertRule) *models.AlertEvent {
	metrics.AlertEvaluations.Inc()

	stats := m.window.WindowStats(rule.MetricName, rule.OrganizationID, rule.WindowMinutes, nil)
	if stats.Count == 0 {
		// No data in the window. Not a breach, and an empty window does
		// not clear an episode either.
		_ = m.audit.LogAlertEvaluated(ctx, rule, 0, false)
		return nil
	}

	observed := stats.Avg
	breached := false
	switch rule.ThresholdType {
	case models.ThresholdAbove:
		breached = observed > rule.ThresholdValue
	case models.ThresholdBelow:
		breached = observed < rule.ThresholdValue
	}

	_ = m.audit.LogAlertEvaluated(ctx, rule, observed, breached)

	m.mu.Lock()
	wasLatched := m.latched[rule.ID]
	m.latched[rule.ID] = breached
	m.mu.Unlock()

	switch {
	case breached && !wasLatched:
		return m.fire(ctx, rule, observed)
	case !breached && wasLatched:
		m.clear(ctx, rule, observed)
	}
	return nil
}

func (m *Manager) fire(ctx context.Context, rule *models.AlertRule, observed float64) *models.AlertEvent {
	now := time.Now().UTC()
	event := &models.AlertEvent{
		RuleID:         rule.ID,
		MetricName:     rule.MetricName,
		OrganizationID: rule.OrganizationID,
		ObservedValue:  observed,
		ThresholdType:  rule.ThresholdType,
		ThresholdValue: rule.ThresholdValue,
		Severity:       rule.Severity,
		Timestamp:      now,
	}

	rule.TriggeredAt = &now
	if err := m.store.SaveAlertRule(ctx, rule); err != nil {
		m.logger.Error("recording alert trigger time failed",
			zap.String("rule_id", rule.ID), zap.Error(err))
	}

	metrics.AlertsFired.WithLabelValues(string(rule.Severity)).Inc()
	_ = m.audit.LogAlertFired(ctx, event)
	m.logger.Warn("alert fired",
		zap.String("rule_id", rule.ID),
		zap.String("metric", rule.MetricName),
		zap.String("organization_id", rule.OrganizationID),
		zap.Float64("observed", observed),
		zap.Float64("threshold", rule.ThresholdValue),
		zap.String("severity", string(rule.Severity)))

	m.mu.Lock()
	for _, ch := range m.subs {
		select {
		case ch <- event:
		default:
		}
	}
	m.mu.Unlock()

	return event
}

func (m *Manager) clear(ctx context.Context, rule *models.AlertRule, observed float64) {
	_ = m.audit.LogAlertCleared(ctx, rule, observed)
	m.logger.Info("alert cleared",
		zap.String("rule_id", rule.ID),
		zap.String("metric", rule.MetricName),
		zap.Float64("observed", observed))
}
