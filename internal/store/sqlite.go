package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/metricore/metricore/internal/models"
)

// Schema versions are tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS metric_points (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    organization_id TEXT NOT NULL,
    metric_name     TEXT NOT NULL,
    value           REAL NOT NULL,
    tags            TEXT NOT NULL DEFAULT '{}',
    metadata        TEXT NOT NULL DEFAULT '{}',
    timestamp       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_points_org_metric_ts ON metric_points(organization_id, metric_name, timestamp);

CREATE TABLE IF NOT EXISTS aggregated_points (
    organization_id TEXT NOT NULL,
    metric_name     TEXT NOT NULL,
    level           TEXT NOT NULL,
    bucket_start    DATETIME NOT NULL,
    group_tags      TEXT NOT NULL DEFAULT '{}',
    value           REAL NOT NULL,
    point_count     INTEGER NOT NULL,
    updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (organization_id, metric_name, level, bucket_start, group_tags)
);
CREATE INDEX IF NOT EXISTS idx_agg_org_metric_level ON aggregated_points(organization_id, metric_name, level, bucket_start);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS anomalies (
    id              TEXT PRIMARY KEY,
    organization_id TEXT NOT NULL,
    metric_name     TEXT NOT NULL,
    timestamp       DATETIME NOT NULL,
    value           REAL NOT NULL,
    expected_value  REAL NOT NULL DEFAULT 0,
    deviation_score REAL NOT NULL DEFAULT 0,
    anomaly_type    TEXT NOT NULL DEFAULT 'point',
    severity        TEXT NOT NULL DEFAULT 'low',
    confidence      REAL NOT NULL DEFAULT 0,
    method          TEXT NOT NULL DEFAULT 'statistical',
    resolved        INTEGER NOT NULL DEFAULT 0,
    resolution_note TEXT NOT NULL DEFAULT '',
    resolved_by     TEXT NOT NULL DEFAULT '',
    resolved_at     DATETIME,
    UNIQUE (organization_id, metric_name, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_anomalies_org_ts ON anomalies(organization_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_anomalies_severity ON anomalies(severity);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS detection_rules (
    id              TEXT PRIMARY KEY,
    organization_id TEXT NOT NULL,
    metric_name     TEXT NOT NULL,
    method          TEXT NOT NULL,
    parameters      TEXT NOT NULL DEFAULT '{}',
    window_hours    INTEGER NOT NULL DEFAULT 24,
    enabled         INTEGER NOT NULL DEFAULT 1,
    updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_detection_rules_org ON detection_rules(organization_id, enabled);

CREATE TABLE IF NOT EXISTS alert_rules (
    id              TEXT PRIMARY KEY,
    organization_id TEXT NOT NULL,
    metric_name     TEXT NOT NULL,
    threshold_type  TEXT NOT NULL,
    threshold_value REAL NOT NULL,
    severity        TEXT NOT NULL,
    window_minutes  INTEGER NOT NULL,
    triggered_at    DATETIME,
    enabled         INTEGER NOT NULL DEFAULT 1,
    updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_alert_rules_org ON alert_rules(organization_id, enabled);

CREATE TABLE IF NOT EXISTS aggregation_rules (
    id              TEXT PRIMARY KEY,
    organization_id TEXT NOT NULL,
    source_metric   TEXT NOT NULL,
    target_metric   TEXT NOT NULL,
    level           TEXT NOT NULL,
    function        TEXT NOT NULL,
    group_by_tags   TEXT NOT NULL DEFAULT '[]',
    enabled         INTEGER NOT NULL DEFAULT 1,
    updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_aggregation_rules_enabled ON aggregation_rules(enabled);
`,
	},
}

// sqliteStore is the SQLite-backed TimeSeriesStore.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (TimeSeriesStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &models.StorageError{Op: "open", Err: err}
	}

	// WAL mode for concurrent readers alongside the write path.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, &models.StorageError{Op: "enable WAL", Err: err}
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, &models.StorageError{Op: "enable foreign keys", Err: err}
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, &models.StorageError{Op: "migrate", Err: err}
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &models.StorageError{Op: "ping", Err: err}
	}
	return nil
}

// ─── Raw points ──────────────────────────────────────────────────────────────

func (s *sqliteStore) Write(ctx context.Context, point models.MetricPoint) error {
	tags, meta := marshalJSON(point.Tags), marshalAnyJSON(point.Metadata)
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO metric_points(organization_id, metric_name, value, tags, metadata, timestamp)
        VALUES(?,?,?,?,?,?)
    `, point.OrganizationID, point.MetricName, point.Value, tags, meta, point.Timestamp.UTC())
	if err != nil {
		return &models.StorageError{Op: "write point", Err: err}
	}
	return nil
}

func (s *sqliteStore) WriteBatch(ctx context.Context, points []models.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &models.StorageError{Op: "begin batch", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO metric_points(organization_id, metric_name, value, tags, metadata, timestamp)
        VALUES(?,?,?,?,?,?)
    `)
	if err != nil {
		return &models.StorageError{Op: "prepare batch", Err: err}
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, p.OrganizationID, p.MetricName, p.Value,
			marshalJSON(p.Tags), marshalAnyJSON(p.Metadata), p.Timestamp.UTC()); err != nil {
			return &models.StorageError{Op: "write batch", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &models.StorageError{Op: "commit batch", Err: err}
	}
	return nil
}

func (s *sqliteStore) QueryPoints(ctx context.Context, q Query) ([]models.MetricPoint, error) {
	if q.Aggregation != "" && q.Interval > 0 {
		return s.queryBucketed(ctx, q)
	}

	query := `SELECT organization_id, metric_name, value, tags, metadata, timestamp
              FROM metric_points
              WHERE organization_id = ? AND metric_name = ? AND timestamp >= ? AND timestamp < ?
              ORDER BY timestamp ASC`
	args := []any{q.OrganizationID, q.MetricName, q.Start.UTC(), q.End.UTC()}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &models.StorageError{Op: "query points", Err: err}
	}
	defer rows.Close()

	var result []models.MetricPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, &models.StorageError{Op: "scan point", Err: err}
		}
		if !tagsMatch(p.Tags, q.Tags) {
			continue
		}
		result = append(result, p)
		if q.Limit > 0 && len(result) >= q.Limit {
			break
		}
	}
	return result, rows.Err()
}

// queryBucketed buckets matching points by q.Interval and applies
// q.Aggregation inside each bucket. Buckets are aligned to the interval.
func (s *sqliteStore) queryBucketed(ctx context.Context, q Query) ([]models.MetricPoint, error) {
	raw := q
	raw.Aggregation = ""
	raw.Interval = 0
	raw.Limit = 0
	points, err := s.QueryPoints(ctx, raw)
	if err != nil {
		return nil, err
	}

	buckets := map[time.Time][]float64{}
	for _, p := range points {
		b := p.Timestamp.UTC().Truncate(q.Interval)
		buckets[b] = append(buckets[b], p.Value)
	}
	starts := make([]time.Time, 0, len(buckets))
	for b := range buckets {
		starts = append(starts, b)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	result := make([]models.MetricPoint, 0, len(starts))
	for _, b := range starts {
		result = append(result, models.MetricPoint{
			Timestamp:      b,
			MetricName:     q.MetricName,
			OrganizationID: q.OrganizationID,
			Value:          applyAggregation(q.Aggregation, buckets[b]),
		})
		if q.Limit > 0 && len(result) >= q.Limit {
			break
		}
	}
	return result, nil
}

func (s *sqliteStore) LatestValue(ctx context.Context, metricName, organizationID string, tags map[string]string) (float64, bool, error) {
	query := `SELECT value FROM metric_points WHERE organization_id = ? AND metric_name = ?`
	args := []any{organizationID, metricName}
	// The tags column holds canonical JSON (sorted keys, no whitespace), so a
	// stored set carries key=value exactly when it contains the "key":"value"
	// fragment. Quotes inside values are escaped, which rules out false hits.
	for k, v := range tags {
		query += ` AND instr(tags, ?) > 0`
		args = append(args, tagFragment(k, v))
	}
	query += ` ORDER BY timestamp DESC LIMIT 1`

	var value float64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &models.StorageError{Op: "latest value", Err: err}
	}
	return value, true, nil
}

// tagFragment returns the substring canonicalTags emits for one pair.
func tagFragment(k, v string) string {
	kb, _ := json.Marshal(k)
	vb, _ := json.Marshal(v)
	return string(kb) + ":" + string(vb)
}

func (s *sqliteStore) Stats(ctx context.Context, metricName, organizationID string, windowHours int) (Stats, error) {
	end := time.Now().UTC()
	start := end.Add(-time.Duration(windowHours) * time.Hour)
	points, err := s.QueryPoints(ctx, Query{
		MetricName:     metricName,
		OrganizationID: organizationID,
		Start:          start,
		End:            end.Add(time.Second), // include points stamped "now"
	})
	if err != nil {
		return Stats{}, err
	}
	if len(points) == 0 {
		return Stats{NoData: true}, nil
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mean := stat.Mean(values, nil)
	var std float64
	if len(values) > 1 {
		std = stat.StdDev(values, nil)
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return Stats{
		Count: len(values),
		Mean:  mean,
		Std:   std,
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Sum:   sum,
		P50:   stat.Quantile(0.50, stat.Empirical, sorted, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, sorted, nil),
		P99:   stat.Quantile(0.99, stat.Empirical, sorted, nil),
	}, nil
}

// ─── Rollups ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) UpsertAggregated(ctx context.Context, p models.AggregatedPoint) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO aggregated_points(organization_id, metric_name, level, bucket_start, group_tags, value, point_count, updated_at)
        VALUES(?,?,?,?,?,?,?,?)
        ON CONFLICT(organization_id, metric_name, level, bucket_start, group_tags) DO UPDATE SET
            value       = excluded.value,
            point_count = excluded.point_count,
            updated_at  = excluded.updated_at
    `, p.OrganizationID, p.MetricName, string(p.Level), p.BucketStart.UTC(),
		canonicalTags(p.GroupTags), p.Value, p.Count, time.Now().UTC())
	if err != nil {
		return &models.StorageError{Op: "upsert aggregated", Err: err}
	}
	return nil
}

func (s *sqliteStore) QueryAggregated(ctx context.Context, metricName, organizationID string, level models.AggregationLevel, start, end time.Time) ([]models.AggregatedPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT organization_id, metric_name, level, bucket_start, group_tags, value, point_count
        FROM aggregated_points
        WHERE organization_id = ? AND metric_name = ? AND level = ? AND bucket_start >= ? AND bucket_start < ?
        ORDER BY bucket_start ASC
    `, organizationID, metricName, string(level), start.UTC(), end.UTC())
	if err != nil {
		return nil, &models.StorageError{Op: "query aggregated", Err: err}
	}
	defer rows.Close()

	var result []models.AggregatedPoint
	for rows.Next() {
		var p models.AggregatedPoint
		var lvl, tags, ts string
		if err := rows.Scan(&p.OrganizationID, &p.MetricName, &lvl, &ts, &tags, &p.Value, &p.Count); err != nil {
			return nil, &models.StorageError{Op: "scan aggregated", Err: err}
		}
		p.Level = models.AggregationLevel(lvl)
		p.BucketStart, _ = parseTime(ts)
		p.GroupTags = unmarshalTags(tags)
		result = append(result, p)
	}
	return result, rows.Err()
}

// ─── Anomalies ───────────────────────────────────────────────────────────────

// InsertAnomaly stores a newly detected anomaly. Returns false when a record
// for the same (org, metric, timestamp) already exists; re-detection of the
// same point is not an error and creates no duplicate.
func (s *sqliteStore) InsertAnomaly(ctx context.Context, a *models.Anomaly) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO anomalies(id, organization_id, metric_name, timestamp, value, expected_value,
                              deviation_score, anomaly_type, severity, confidence, method, resolved)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,0)
        ON CONFLICT(organization_id, metric_name, timestamp) DO NOTHING
    `, a.ID, a.OrganizationID, a.MetricName, a.Timestamp.UTC(), a.Value, a.ExpectedValue,
		a.DeviationScore, string(a.Type), string(a.Severity), a.Confidence, string(a.Method))
	if err != nil {
		return false, &models.StorageError{Op: "insert anomaly", Err: err}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) GetAnomaly(ctx context.Context, id string) (*models.Anomaly, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, organization_id, metric_name, timestamp, value, expected_value, deviation_score,
               anomaly_type, severity, confidence, method, resolved, resolution_note, resolved_by, resolved_at
        FROM anomalies WHERE id = ?
    `, id)
	a, err := scanAnomaly(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAnomalyNotFound
		}
		return nil, &models.StorageError{Op: "get anomaly", Err: err}
	}
	return a, nil
}

func (s *sqliteStore) QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]*models.Anomaly, error) {
	query := `SELECT id, organization_id, metric_name, timestamp, value, expected_value, deviation_score,
                     anomaly_type, severity, confidence, method, resolved, resolution_note, resolved_by, resolved_at
              FROM anomalies WHERE organization_id = ?`
	args := []any{q.OrganizationID}

	if q.MetricName != "" {
		query += ` AND metric_name = ?`
		args = append(args, q.MetricName)
	}
	if q.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(q.Severity))
	}
	if q.Resolved != nil {
		query += ` AND resolved = ?`
		args = append(args, boolToInt(*q.Resolved))
	}
	if !q.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, q.To.UTC())
	}
	query += ` ORDER BY timestamp DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &models.StorageError{Op: "query anomalies", Err: err}
	}
	defer rows.Close()

	var result []*models.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, &models.StorageError{Op: "scan anomaly", Err: err}
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// ResolveAnomaly marks an anomaly resolved. Resolving an already-resolved
// anomaly is a no-op, not an error.
func (s *sqliteStore) ResolveAnomaly(ctx context.Context, id, note, resolvedBy string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE anomalies
        SET resolved = 1, resolution_note = ?, resolved_by = ?, resolved_at = ?
        WHERE id = ? AND resolved = 0
    `, note, resolvedBy, time.Now().UTC(), id)
	if err != nil {
		return &models.StorageError{Op: "resolve anomaly", Err: err}
	}
	return nil
}

func (s *sqliteStore) AnomalySummary(ctx context.Context, organizationID string, from, to time.Time) (map[models.Severity]int, error) {
	query := `SELECT severity, COUNT(*) FROM anomalies WHERE organization_id = ?`
	args := []any{organizationID}
	if !from.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, to.UTC())
	}
	query += ` GROUP BY severity`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &models.StorageError{Op: "anomaly summary", Err: err}
	}
	defer rows.Close()

	summary := map[models.Severity]int{}
	for rows.Next() {
		var sev string
		var count int
		if err := rows.Scan(&sev, &count); err != nil {
			return nil, &models.StorageError{Op: "scan summary", Err: err}
		}
		summary[models.Severity(sev)] = count
	}
	return summary, rows.Err()
}

// ─── Rules ───────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveDetectionRule(ctx context.Context, r *models.DetectionRule) error {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return &models.StorageError{Op: "marshal params", Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO detection_rules(id, organization_id, metric_name, method, parameters, window_hours, enabled, updated_at)
        VALUES(?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            method       = excluded.method,
            parameters   = excluded.parameters,
            window_hours = excluded.window_hours,
            enabled      = excluded.enabled,
            updated_at   = excluded.updated_at
    `, r.ID, r.OrganizationID, r.MetricName, string(r.Method), string(params),
		r.WindowHours, boolToInt(r.Enabled), time.Now().UTC())
	if err != nil {
		return &models.StorageError{Op: "save detection rule", Err: err}
	}
	return nil
}

func (s *sqliteStore) ListDetectionRules(ctx context.Context, organizationID string, enabledOnly bool) ([]*models.DetectionRule, error) {
	query := `SELECT id, organization_id, metric_name, method, parameters, window_hours, enabled FROM detection_rules WHERE 1=1`
	args := []any{}
	if organizationID != "" {
		query += ` AND organization_id = ?`
		args = append(args, organizationID)
	}
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &models.StorageError{Op: "list detection rules", Err: err}
	}
	defer rows.Close()

	var result []*models.DetectionRule
	for rows.Next() {
		r := &models.DetectionRule{}
		var method, params string
		var enabled int
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.MetricName, &method, &params, &r.WindowHours, &enabled); err != nil {
			return nil, &models.StorageError{Op: "scan detection rule", Err: err}
		}
		r.Method = models.DetectionMethod(method)
		r.Enabled = enabled != 0
		_ = json.Unmarshal([]byte(params), &r.Params)
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *sqliteStore) SaveAlertRule(ctx context.Context, r *models.AlertRule) error {
	var triggered any
	if r.TriggeredAt != nil {
		triggered = r.TriggeredAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO alert_rules(id, organization_id, metric_name, threshold_type, threshold_value, severity, window_minutes, triggered_at, enabled, updated_at)
        VALUES(?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            threshold_type  = excluded.threshold_type,
            threshold_value = excluded.threshold_value,
            severity        = excluded.severity,
            window_minutes  = excluded.window_minutes,
            triggered_at    = excluded.triggered_at,
            enabled         = excluded.enabled,
            updated_at      = excluded.updated_at
    `, r.ID, r.OrganizationID, r.MetricName, string(r.ThresholdType), r.ThresholdValue,
		string(r.Severity), r.WindowMinutes, triggered, boolToInt(r.Enabled), time.Now().UTC())
	if err != nil {
		return &models.StorageError{Op: "save alert rule", Err: err}
	}
	return nil
}

func (s *sqliteStore) ListAlertRules(ctx context.Context, organizationID string, enabledOnly bool) ([]*models.AlertRule, error) {
	query := `SELECT id, organization_id, metric_name, threshold_type, threshold_value, severity, window_minutes, triggered_at, enabled FROM alert_rules WHERE 1=1`
	args := []any{}
	if organizationID != "" {
		query += ` AND organization_id = ?`
		args = append(args, organizationID)
	}
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &models.StorageError{Op: "list alert rules", Err: err}
	}
	defer rows.Close()

	var result []*models.AlertRule
	for rows.Next() {
		r := &models.AlertRule{}
		var tt, sev string
		var triggered sql.NullString
		var enabled int
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.MetricName, &tt, &r.ThresholdValue, &sev, &r.WindowMinutes, &triggered, &enabled); err != nil {
			return nil, &models.StorageError{Op: "scan alert rule", Err: err}
		}
		r.ThresholdType = models.ThresholdType(tt)
		r.Severity = models.Severity(sev)
		r.Enabled = enabled != 0
		if triggered.Valid {
			if t, err := parseTime(triggered.String); err == nil {
				r.TriggeredAt = &t
			}
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *sqliteStore) SaveAggregationRule(ctx context.Context, r *models.AggregationRule) error {
	tags, err := json.Marshal(r.GroupByTags)
	if err != nil {
		return &models.StorageError{Op: "marshal group tags", Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO aggregation_rules(id, organization_id, source_metric, target_metric, level, function, group_by_tags, enabled, updated_at)
        VALUES(?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            source_metric = excluded.source_metric,
            target_metric = excluded.target_metric,
            level         = excluded.level,
            function      = excluded.function,
            group_by_tags = excluded.group_by_tags,
            enabled       = excluded.enabled,
            updated_at    = excluded.updated_at
    `, r.ID, r.OrganizationID, r.SourceMetric, r.TargetMetric, string(r.Level),
		string(r.Function), string(tags), boolToInt(r.Enabled), time.Now().UTC())
	if err != nil {
		return &models.StorageError{Op: "save aggregation rule", Err: err}
	}
	return nil
}

func (s *sqliteStore) ListAggregationRules(ctx context.Context, enabledOnly bool) ([]*models.AggregationRule, error) {
	query := `SELECT id, organization_id, source_metric, target_metric, level, function, group_by_tags, enabled FROM aggregation_rules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &models.StorageError{Op: "list aggregation rules", Err: err}
	}
	defer rows.Close()

	var result []*models.AggregationRule
	for rows.Next() {
		r := &models.AggregationRule{}
		var lvl, fn, tags string
		var enabled int
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.SourceMetric, &r.TargetMetric, &lvl, &fn, &tags, &enabled); err != nil {
			return nil, &models.StorageError{Op: "scan aggregation rule", Err: err}
		}
		r.Level = models.AggregationLevel(lvl)
		r.Function = models.AggFunction(fn)
		r.Enabled = enabled != 0
		_ = json.Unmarshal([]byte(tags), &r.GroupByTags)
		result = append(result, r)
	}
	return result, rows.Err()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPoint(row rowScanner) (models.MetricPoint, error) {
	var p models.MetricPoint
	var tags, meta, ts string
	if err := row.Scan(&p.OrganizationID, &p.MetricName, &p.Value, &tags, &meta, &ts); err != nil {
		return p, err
	}
	p.Tags = unmarshalTags(tags)
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &p.Metadata)
	}
	var err error
	p.Timestamp, err = parseTime(ts)
	return p, err
}

func scanAnomaly(row rowScanner) (*models.Anomaly, error) {
	a := &models.Anomaly{}
	var at, sev, method, ts string
	var resolved int
	var resolvedAt sql.NullString
	if err := row.Scan(&a.ID, &a.OrganizationID, &a.MetricName, &ts, &a.Value, &a.ExpectedValue,
		&a.DeviationScore, &at, &sev, &a.Confidence, &method, &resolved,
		&a.ResolutionNote, &a.ResolvedBy, &resolvedAt); err != nil {
		return nil, err
	}
	a.Type = models.AnomalyType(at)
	a.Severity = models.Severity(sev)
	a.Method = models.DetectionMethod(method)
	a.Resolved = resolved != 0
	a.Timestamp, _ = parseTime(ts)
	if resolvedAt.Valid {
		if t, err := parseTime(resolvedAt.String); err == nil {
			a.ResolvedAt = &t
		}
	}
	return a, nil
}

// applyAggregation reduces a bucket of values. Values is never empty here.
func applyAggregation(fn models.AggFunction, values []float64) float64 {
	switch fn {
	case models.AggCount:
		return float64(len(values))
	case models.AggSum:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum
	case models.AggMean:
		return stat.Mean(values, nil)
	case models.AggMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case models.AggMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	case models.AggStdDev:
		if len(values) < 2 {
			return 0
		}
		return stat.StdDev(values, nil)
	}
	return 0
}

// tagsMatch reports whether point tags contain every requested tag.
func tagsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// canonicalTags serializes tags with sorted keys so equal tag sets always
// produce the same stored key text.
func canonicalTags(tags map[string]string) string {
	if len(tags) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(tags[k])
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.String()
}

func marshalJSON(tags map[string]string) string {
	return canonicalTags(tags)
}

func marshalAnyJSON(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalTags(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var tags map[string]string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil
	}
	return tags
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// parseTime handles the datetime formats SQLite hands back.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
