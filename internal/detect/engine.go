package detect

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/metricore/metricore/internal/audit"
	"github.com/metricore/metricore/internal/metrics"
	"github.com/metricore/metricore/internal/models"
	"github.com/metricore/metricore/internal/store"
	"github.com/metricore/metricore/internal/window"
)

// SeverityBands maps a deviation score onto the severity scale. Each field is
// the lower bound of its band; bounds must be increasing.
type SeverityBands struct {
	Medium   float64
	High     float64
	Critical float64
}

func DefaultSeverityBands() SeverityBands {
	return SeverityBands{Medium: 2.0, High: 3.0, Critical: 4.0}
}

func (b SeverityBands) Valid() bool {
	return b.Medium > 0 && b.High > b.Medium && b.Critical > b.High
}

func (b SeverityBands) For(score float64) models.Severity {
	switch {
	case score >= b.Critical:
		return models.SeverityCritical
	case score >= b.High:
		return models.SeverityHigh
	case score >= b.Medium:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Config tunes the detection engine.
type Config struct {
	SweepInterval      time.Duration // how often enabled rules are swept
	DefaultWindowHours int           // analysis window when a rule leaves it zero
	Bands              SeverityBands
	Seed               int64 // isolation forest seed, for reproducible runs
}

func DefaultConfig() Config {
	return Config{
		SweepInterval:      time.Minute,
		DefaultWindowHours: 24,
		Bands:              DefaultSeverityBands(),
		Seed:               1,
	}
}

// Engine runs anomaly detection over live window data, classifies and grades
// confirmed anomalies, and records them durably with timestamp-level
// deduplication.
type Engine struct {
	store  store.TimeSeriesStore
	window *window.Engine
	audit  audit.Logger
	logger *zap.Logger
	cfg    Config

	done chan struct{}
	wg   sync.WaitGroup

	mu   sync.Mutex
	subs []chan *models.Anomaly
}

func NewEngine(st store.TimeSeriesStore, win *window.Engine, auditLog audit.Logger, logger *zap.Logger, cfg Config) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.DefaultWindowHours <= 0 {
		cfg.DefaultWindowHours = 24
	}
	if !cfg.Bands.Valid() {
		cfg.Bands = DefaultSeverityBands()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  st,
		window: win,
		audit:  auditLog,
		logger: logger,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
}

// Subscribe returns a channel receiving every newly recorded anomaly.
// Delivery is best effort; a slow subscriber misses events rather than
// blocking detection.
func (e *Engine) Subscribe() <-chan *models.Anomaly {
	ch := make(chan *models.Anomaly, 64)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) publish(a *models.Anomaly) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- a:
		default:
		}
	}
}

// Start launches the background sweep over enabled detection rules.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.Sweep(ctx)
			case <-e.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the sweep worker and waits for an in-progress sweep.
func (e *Engine) Stop() {
	close(e.done)
	e.wg.Wait()
}

// Sweep runs every enabled detection rule once.
func (e *Engine) Sweep(ctx context.Context) {
	rules, err := e.store.ListDetectionRules(ctx, "", true)
	if err != nil {
		e.logger.Error("detection sweep: listing rules failed", zap.Error(err))
		return
	}
	for _, r := range rules {
		if _, err := e.RunRule(ctx, r); err != nil {
			e.logger.Warn("detection sweep: rule failed",
				zap.String("rule_id", r.ID),
				zap.String("metric", r.MetricName),
				zap.String("organization_id", r.OrganizationID),
				zap.Error(err))
		}
	}
}

// RunRule executes one detection rule and returns the newly recorded
// anomalies.
func (e *Engine) RunRule(ctx context.Context, r *models.DetectionRule) ([]*models.Anomaly, error) {
	windowHours := r.WindowHours
	if windowHours <= 0 {
		windowHours = e.cfg.DefaultWindowHours
	}
	return e.Detect(ctx, r.MetricName, r.OrganizationID, windowHours, r.Method, r.Params)
}

// Detect analyzes the metric's recent window with the requested method and
// records each confirmed anomaly. Re-detecting the same point is a no-op:
// the store keeps at most one anomaly per (organization, metric, timestamp).
func (e *Engine) Detect(ctx context.Context, metricName, organizationID string, windowHours int, method models.DetectionMethod, params models.DetectorParams) ([]*models.Anomaly, error) {
	if !method.Valid() {
		return nil, &models.ValidationError{Field: "method", Reason: fmt.Sprintf("unknown detection method %q", method)}
	}

	points, err := e.seriesPoints(ctx, metricName, organizationID, windowHours)
	if err != nil {
		return nil, err
	}
	if len(points) < minSamples {
		return nil, nil
	}
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}

	ens := e.buildEnsemble(method, params)
	flags, failures, err := ens.Detect(values)
	for _, f := range failures {
		e.logger.Warn("detector excluded from vote",
			zap.String("detector", f.Detector),
			zap.String("metric", metricName),
			zap.Error(f.Err))
	}
	if err != nil {
		return nil, err
	}

	var recorded []*models.Anomaly
	for _, f := range flags {
		p := points[f.Index]
		a := &models.Anomaly{
			ID:             uuid.NewString(),
			Timestamp:      p.Timestamp,
			MetricName:     metricName,
			OrganizationID: organizationID,
			Value:          p.Value,
			ExpectedValue:  f.Expected,
			DeviationScore: f.Score,
			Type:           classifyType(values, f.Index),
			Severity:       e.cfg.Bands.For(f.Score),
			Confidence:     f.Confidence,
			Method:         method,
		}
		inserted, err := e.store.InsertAnomaly(ctx, a)
		if err != nil {
			e.logger.Error("recording anomaly failed",
				zap.String("metric", metricName),
				zap.Time("timestamp", p.Timestamp),
				zap.Error(err))
			continue
		}
		if !inserted {
			continue
		}
		metrics.AnomaliesDetected.WithLabelValues(string(a.Severity)).Inc()
		_ = e.audit.LogAnomalyRecorded(ctx, a)
		e.logger.Info("anomaly recorded",
			zap.String("id", a.ID),
			zap.String("metric", metricName),
			zap.String("organization_id", organizationID),
			zap.Float64("value", a.Value),
			zap.Float64("deviation_score", a.DeviationScore),
			zap.String("severity", string(a.Severity)),
			zap.String("type", string(a.Type)))
		e.publish(a)
		recorded = append(recorded, a)
	}
	return recorded, nil
}

// Resolve marks an anomaly handled. Resolving an unknown id is an error;
// resolving an already-resolved anomaly is not.
func (e *Engine) Resolve(ctx context.Context, id, note, resolvedBy string) error {
	if _, err := e.store.GetAnomaly(ctx, id); err != nil {
		return err
	}
	if err := e.store.ResolveAnomaly(ctx, id, note, resolvedBy); err != nil {
		return err
	}
	_ = e.audit.LogAnomalyResolved(ctx, id, note, resolvedBy)
	e.logger.Info("anomaly resolved",
		zap.String("id", id),
		zap.String("resolved_by", resolvedBy))
	return nil
}

// seriesPoints prefers the live in-memory window and falls back to durable
// storage when the buffer holds too little history, such as after a restart.
func (e *Engine) seriesPoints(ctx context.Context, metricName, organizationID string, windowHours int) ([]models.MetricPoint, error) {
	points := e.window.WindowPoints(metricName, organizationID, windowHours)
	if len(points) >= minSamples {
		return points, nil
	}
	now := time.Now().UTC()
	return e.store.QueryPoints(ctx, store.Query{
		MetricName:     metricName,
		OrganizationID: organizationID,
		Start:          now.Add(-time.Duration(windowHours) * time.Hour),
		End:            now,
	})
}

// buildEnsemble assembles the detector set for a method. Single-method runs
// use a one-member ensemble so scoring, metrics and failure handling follow
// one code path.
func (e *Engine) buildEnsemble(method models.DetectionMethod, p models.DetectorParams) *Ensemble {
	switch method {
	case models.MethodIsolationForest:
		return NewEnsemble(1, NewIsolationForestDetector(p.Contamination, e.cfg.Seed))
	case models.MethodLOF:
		return NewEnsemble(1, NewLOFDetector(int(p.Extra["k"]), p.Contamination))
	case models.MethodEnsemble:
		threshold := p.VotingThreshold
		if threshold <= 0 {
			threshold = 2
		}
		return NewEnsemble(threshold,
			NewZScoreDetector(p.Sensitivity),
			NewIQRDetector(p.IQRMultiplier),
			NewModifiedZScoreDetector(p.Sensitivity),
			NewIsolationForestDetector(p.Contamination, e.cfg.Seed),
			NewLOFDetector(int(p.Extra["k"]), p.Contamination),
		)
	default: // statistical
		threshold := p.VotingThreshold
		if threshold <= 0 {
			threshold = 1
		}
		return NewEnsemble(threshold,
			NewZScoreDetector(p.Sensitivity),
			NewIQRDetector(p.IQRMultiplier),
			NewModifiedZScoreDetector(p.Sensitivity),
		)
	}
}

// classifyType distinguishes trend anomalies (the point rides a sustained
// drift), contextual anomalies (the value sits inside the series' normal
// range but deviates from its local context) and plain point anomalies.
func classifyType(values []float64, idx int) models.AnomalyType {
	n := len(values)
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, values, nil, false)
	sd := stat.StdDev(values, nil)
	if sd > 0 && math.Abs(slope)*float64(n) > 2*sd && idx >= n*3/4 {
		return models.AnomalyTrend
	}
	mean := stat.Mean(values, nil)
	if sd > 0 && math.Abs(values[idx]-mean) < 2*sd {
		return models.AnomalyContextual
	}
	return models.AnomalyPoint
}
