package models

import (
	"fmt"
	"time"
)

// Package models defines the core data types shared by every layer of the
// analytics core: raw metric points, rollup rules and results, detection
// rules, anomalies, and alert configuration.

// MetricPoint is a single time-stamped observation for one metric of one
// organization. Points are immutable once created; tags are carried through
// for query filtering and never fragment the (org, metric) window identity.
type MetricPoint struct {
	Timestamp      time.Time         `json:"timestamp"`
	MetricName     string            `json:"metric_name"`
	OrganizationID string            `json:"organization_id"`
	Value          float64           `json:"value"`
	Tags           map[string]string `json:"tags,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
}

// Key returns the window identity for the point.
func (p MetricPoint) Key() string {
	return p.OrganizationID + ":" + p.MetricName
}

// AggregationLevel is a rollup granularity, ordered coarse-ward.
type AggregationLevel string

const (
	LevelMinute AggregationLevel = "minute"
	LevelHour   AggregationLevel = "hour"
	LevelDay    AggregationLevel = "day"
	LevelWeek   AggregationLevel = "week"
	LevelMonth  AggregationLevel = "month"
)

// Duration returns the nominal bucket width for the level. Months are
// calendar-aware through BucketStart/NextBucket; the 30-day value here is
// only used for scheduling lookback.
func (l AggregationLevel) Duration() time.Duration {
	switch l {
	case LevelMinute:
		return time.Minute
	case LevelHour:
		return time.Hour
	case LevelDay:
		return 24 * time.Hour
	case LevelWeek:
		return 7 * 24 * time.Hour
	case LevelMonth:
		return 30 * 24 * time.Hour
	}
	return time.Hour
}

// BucketStart truncates t (in UTC) to the start of the bucket containing it.
// Weeks start on Monday; months on the first of the month.
func (l AggregationLevel) BucketStart(t time.Time) time.Time {
	t = t.UTC()
	switch l {
	case LevelMinute:
		return t.Truncate(time.Minute)
	case LevelHour:
		return t.Truncate(time.Hour)
	case LevelDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case LevelWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return day.AddDate(0, 0, -offset)
	case LevelMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

// NextBucket returns the start of the bucket after the one starting at start.
func (l AggregationLevel) NextBucket(start time.Time) time.Time {
	if l == LevelMonth {
		return start.AddDate(0, 1, 0)
	}
	return start.Add(l.Duration())
}

// Valid reports whether l is a known level.
func (l AggregationLevel) Valid() bool {
	switch l {
	case LevelMinute, LevelHour, LevelDay, LevelWeek, LevelMonth:
		return true
	}
	return false
}

// AggFunction is the summary function applied inside a rollup bucket.
type AggFunction string

const (
	AggCount  AggFunction = "count"
	AggSum    AggFunction = "sum"
	AggMean   AggFunction = "mean"
	AggMin    AggFunction = "min"
	AggMax    AggFunction = "max"
	AggStdDev AggFunction = "stddev"
)

// Valid reports whether f is a known aggregation function.
func (f AggFunction) Valid() bool {
	switch f {
	case AggCount, AggSum, AggMean, AggMin, AggMax, AggStdDev:
		return true
	}
	return false
}

// AggregationRule describes one scheduled rollup. TargetMetric must differ
// from SourceMetric so a rule can never feed itself.
type AggregationRule struct {
	ID             string           `json:"id"`
	SourceMetric   string           `json:"source_metric"`
	TargetMetric   string           `json:"target_metric"`
	Level          AggregationLevel `json:"level"`
	Function       AggFunction      `json:"function"`
	OrganizationID string           `json:"organization_id"`
	GroupByTags    []string         `json:"group_by_tags,omitempty"`
	Enabled        bool             `json:"enabled"`
}

// Validate checks rule invariants.
func (r AggregationRule) Validate() error {
	if r.SourceMetric == "" || r.TargetMetric == "" {
		return &ValidationError{Field: "metric", Reason: "source and target metric are required"}
	}
	if r.SourceMetric == r.TargetMetric {
		return &ValidationError{Field: "target_metric", Reason: "target must differ from source"}
	}
	if r.OrganizationID == "" {
		return &ValidationError{Field: "organization_id", Reason: "organization id is required"}
	}
	if !r.Level.Valid() {
		return &ValidationError{Field: "level", Reason: fmt.Sprintf("unknown level %q", r.Level)}
	}
	if !r.Function.Valid() {
		return &ValidationError{Field: "function", Reason: fmt.Sprintf("unknown function %q", r.Function)}
	}
	return nil
}

// AggregatedPoint is one deterministic rollup result. The upsert key is
// (target metric, org, bucket start, level, group tags); re-running the same
// bucket replaces the row rather than appending.
type AggregatedPoint struct {
	BucketStart    time.Time         `json:"bucket_start"`
	Level          AggregationLevel  `json:"level"`
	Value          float64           `json:"value"`
	Count          int               `json:"count_contributing_points"`
	OrganizationID string            `json:"organization_id"`
	MetricName     string            `json:"metric_name"`
	GroupTags      map[string]string `json:"group_tags,omitempty"`
}

// DetectionMethod names a detector kind. Dispatch is over this closed set,
// never over free-form strings.
type DetectionMethod string

const (
	MethodStatistical     DetectionMethod = "statistical"
	MethodIsolationForest DetectionMethod = "isolation_forest"
	MethodLOF             DetectionMethod = "lof"
	MethodEnsemble        DetectionMethod = "ensemble"
)

// Valid reports whether m is a known detection method.
func (m DetectionMethod) Valid() bool {
	switch m {
	case MethodStatistical, MethodIsolationForest, MethodLOF, MethodEnsemble:
		return true
	}
	return false
}

// DetectorParams is the validated per-rule tuning surface. Zero values fall
// back to engine defaults. Extra carries genuinely open-ended settings only.
type DetectorParams struct {
	Sensitivity     float64            `json:"sensitivity,omitempty"`      // z-score / MAD sigma threshold
	IQRMultiplier   float64            `json:"iqr_multiplier,omitempty"`   // k in Q1-k*IQR .. Q3+k*IQR
	Contamination   float64            `json:"contamination,omitempty"`    // expected outlier fraction for model detectors
	VotingThreshold int                `json:"voting_threshold,omitempty"` // min agreeing detectors for ensemble
	Extra           map[string]float64 `json:"extra,omitempty"`
}

// DetectionRule is a standing instruction to scan one metric.
type DetectionRule struct {
	ID             string          `json:"id"`
	MetricName     string          `json:"metric_name"`
	OrganizationID string          `json:"organization_id"`
	Method         DetectionMethod `json:"method"`
	Params         DetectorParams  `json:"parameters"`
	WindowHours    int             `json:"window_hours"`
	Enabled        bool            `json:"enabled"`
}

// Validate checks rule invariants.
func (r DetectionRule) Validate() error {
	if r.MetricName == "" {
		return &ValidationError{Field: "metric_name", Reason: "metric name is required"}
	}
	if r.OrganizationID == "" {
		return &ValidationError{Field: "organization_id", Reason: "organization id is required"}
	}
	if !r.Method.Valid() {
		return &ValidationError{Field: "method", Reason: fmt.Sprintf("unknown method %q", r.Method)}
	}
	if r.WindowHours <= 0 {
		return &ValidationError{Field: "window_hours", Reason: "window must be positive"}
	}
	return nil
}

// AnomalyType classifies how a point is unusual.
type AnomalyType string

const (
	AnomalyPoint      AnomalyType = "point"
	AnomalyContextual AnomalyType = "contextual"
	AnomalyTrend      AnomalyType = "trend"
)

// Severity is the ordered severity scale shared by anomalies and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the position of s on the severity scale, for comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Anomaly is one confirmed unusual observation. Records are kept for audit
// and never deleted; Resolved flips only through an explicit operator action.
type Anomaly struct {
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	MetricName     string          `json:"metric_name"`
	OrganizationID string          `json:"organization_id"`
	Value          float64         `json:"value"`
	ExpectedValue  float64         `json:"expected_value"`
	DeviationScore float64         `json:"deviation_score"`
	Type           AnomalyType     `json:"anomaly_type"`
	Severity       Severity        `json:"severity"`
	Confidence     float64         `json:"confidence"`
	Method         DetectionMethod `json:"method"`
	Resolved       bool            `json:"resolved"`
	ResolutionNote string          `json:"resolution_note,omitempty"`
	ResolvedBy     string          `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// ThresholdType says which side of the threshold breaches.
type ThresholdType string

const (
	ThresholdAbove ThresholdType = "above"
	ThresholdBelow ThresholdType = "below"
)

// AlertRule is standing alert configuration evaluated against live window
// statistics. Rules are created by configuration and never auto-deleted.
type AlertRule struct {
	ID             string        `json:"id"`
	MetricName     string        `json:"metric_name"`
	OrganizationID string        `json:"organization_id"`
	ThresholdType  ThresholdType `json:"threshold_type"`
	ThresholdValue float64       `json:"threshold_value"`
	Severity       Severity      `json:"severity"`
	WindowMinutes  int           `json:"window_minutes"`
	TriggeredAt    *time.Time    `json:"triggered_at,omitempty"`
	Enabled        bool          `json:"enabled"`
}

// Validate checks rule invariants.
func (r AlertRule) Validate() error {
	if r.MetricName == "" {
		return &ValidationError{Field: "metric_name", Reason: "metric name is required"}
	}
	if r.OrganizationID == "" {
		return &ValidationError{Field: "organization_id", Reason: "organization id is required"}
	}
	if r.ThresholdType != ThresholdAbove && r.ThresholdType != ThresholdBelow {
		return &ValidationError{Field: "threshold_type", Reason: fmt.Sprintf("unknown threshold type %q", r.ThresholdType)}
	}
	if r.WindowMinutes <= 0 {
		return &ValidationError{Field: "window_minutes", Reason: "window must be positive"}
	}
	if r.Severity.Rank() == 0 {
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", r.Severity)}
	}
	return nil
}

// AlertEvent is emitted when a rule enters a breach episode. Delivery to
// external channels is out of scope; this record is the firing contract.
type AlertEvent struct {
	RuleID         string        `json:"rule_id"`
	MetricName     string        `json:"metric_name"`
	OrganizationID string        `json:"organization_id"`
	ObservedValue  float64       `json:"observed_value"`
	ThresholdType  ThresholdType `json:"threshold_type"`
	ThresholdValue float64       `json:"threshold_value"`
	Severity       Severity      `json:"severity"`
	Timestamp      time.Time     `json:"timestamp"`
}

// WindowStats is the live sliding-window summary for one (org, metric).
// A window with no points has Count == 0 and defined-zero aggregates.
type WindowStats struct {
	Count         int     `json:"count"`
	Avg           float64 `json:"avg"`
	Sum           float64 `json:"sum"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	RatePerMinute float64 `json:"rate_per_minute"`
	LastValue     float64 `json:"last_value"`
	P50           float64 `json:"p50"`
	P95           float64 `json:"p95"`
	P99           float64 `json:"p99"`
}
