package store

import (
	"context"
	"errors"
	"time"

	"github.com/metricore/metricore/internal/models"
)

// Package store provides the durable time-series storage abstraction backing
// the analytics core. The SQLite implementation lives in sqlite.go; callers
// depend only on TimeSeriesStore.
//
// Every read and write is keyed by organization id. The store never returns
// rows for an organization other than the one requested, regardless of tag
// filters.

// Query describes a read over stored raw points. Start is inclusive, End
// exclusive. If Aggregation and Interval are set the result is bucketed
// server-side instead of returning raw points.
type Query struct {
	MetricName     string
	OrganizationID string
	Start          time.Time
	End            time.Time
	Tags           map[string]string
	Aggregation    models.AggFunction
	Interval       time.Duration
	Limit          int
}

// Stats is the windowed summary computed by the store. NoData is set, and all
// aggregates are zero, when the window holds no points; an empty window is
// never an error.
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Sum    float64 `json:"sum"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	NoData bool    `json:"no_data"`
}

// AnomalyQuery filters stored anomaly records.
type AnomalyQuery struct {
	MetricName     string
	OrganizationID string
	Severity       models.Severity
	Resolved       *bool
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
}

// ErrAnomalyNotFound is returned by GetAnomaly for an unknown anomaly id.
var ErrAnomalyNotFound = errors.New("anomaly not found")

// TimeSeriesStore is the durable storage contract for the analytics core.
// Implementations wrap backend failures in *models.StorageError so callers
// can retry with backoff.
type TimeSeriesStore interface {
	// Raw points.
	Write(ctx context.Context, point models.MetricPoint) error
	WriteBatch(ctx context.Context, points []models.MetricPoint) error
	QueryPoints(ctx context.Context, q Query) ([]models.MetricPoint, error)
	LatestValue(ctx context.Context, metricName, organizationID string, tags map[string]string) (float64, bool, error)
	Stats(ctx context.Context, metricName, organizationID string, windowHours int) (Stats, error)

	// Rollups, upserted idempotently on their bucket key.
	UpsertAggregated(ctx context.Context, p models.AggregatedPoint) error
	QueryAggregated(ctx context.Context, metricName, organizationID string, level models.AggregationLevel, start, end time.Time) ([]models.AggregatedPoint, error)

	// Anomaly records: insert-once on (metric, org, timestamp), never deleted.
	InsertAnomaly(ctx context.Context, a *models.Anomaly) (bool, error)
	GetAnomaly(ctx context.Context, id string) (*models.Anomaly, error)
	QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]*models.Anomaly, error)
	ResolveAnomaly(ctx context.Context, id, note, resolvedBy string) error
	AnomalySummary(ctx context.Context, organizationID string, from, to time.Time) (map[models.Severity]int, error)

	// Rule configuration.
	SaveDetectionRule(ctx context.Context, r *models.DetectionRule) error
	ListDetectionRules(ctx context.Context, organizationID string, enabledOnly bool) ([]*models.DetectionRule, error)
	SaveAlertRule(ctx context.Context, r *models.AlertRule) error
	ListAlertRules(ctx context.Context, organizationID string, enabledOnly bool) ([]*models.AlertRule, error)
	SaveAggregationRule(ctx context.Context, r *models.AggregationRule) error
	ListAggregationRules(ctx context.Context, enabledOnly bool) ([]*models.AggregationRule, error)

	Ping(ctx context.Context) error
	Close() error
}
