package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/metricore/metricore/internal/aggregation"
	"github.com/metricore/metricore/internal/alerting"
	"github.com/metricore/metricore/internal/audit"
	"github.com/metricore/metricore/internal/detect"
	"github.com/metricore/metricore/internal/models"
	"github.com/metricore/metricore/internal/store"
	"github.com/metricore/metricore/internal/window"
)

func newTestServer(t *testing.T) (*Server, *http.ServeMux) {
	t.Helper()
	ts, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = ts.Close() })

	auditLog, err := audit.NewLogger(&audit.Config{
		AuditLogPath: filepath.Join(t.TempDir(), "audit.log"),
		MaxSize:      1,
	})
	if err != nil {
		t.Fatalf("audit.NewLogger: %v", err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	win := window.NewEngine(10000, nil, nil)
	pipe := aggregation.NewPipeline(aggregation.DefaultConfig(), ts, nil)
	det := detect.NewEngine(ts, win, auditLog, nil, detect.DefaultConfig())
	alerts := alerting.NewManager(ts, win, auditLog, nil, alerting.DefaultConfig())

	srv, err := NewServer(&Config{Host: "127.0.0.1", Port: 0}, zap.NewNop(), ts, win, pipe, det, alerts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mux := http.NewServeMux()
	srv.registerHandlers(mux)
	return srv, mux
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestIngestAccepted(t *testing.T) {
	_, mux := newTestServer(t)

	rec := postJSON(t, mux, "/api/v1/metrics", models.MetricPoint{
		MetricName:     "cpu",
		OrganizationID: "acme",
		Value:          42,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Accepted != 1 || resp.Rejected != 0 {
		t.Errorf("unexpected counts: %+v", resp)
	}
}

func TestIngestValidationFailure(t *testing.T) {
	_, mux := newTestServer(t)

	rec := postJSON(t, mux, "/api/v1/metrics", models.MetricPoint{
		OrganizationID: "acme",
		Value:          42,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing metric name must be rejected with 400, got %d", rec.Code)
	}
}

func TestIngestMethodNotAllowed(t *testing.T) {
	_, mux := newTestServer(t)
	rec := get(t, mux, "/api/v1/metrics")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestIngestBatchPartialReject(t *testing.T) {
	_, mux := newTestServer(t)

	points := []models.MetricPoint{
		{MetricName: "cpu", OrganizationID: "acme", Value: 1},
		{MetricName: "", OrganizationID: "acme", Value: 2},
		{MetricName: "cpu", OrganizationID: "acme", Value: 3},
	}
	rec := postJSON(t, mux, "/api/v1/metrics/batch", points)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Accepted != 2 || resp.Rejected != 1 {
		t.Errorf("expected 2 accepted / 1 rejected, got %+v", resp)
	}
}

func TestWindowStatsEndpoint(t *testing.T) {
	srv, mux := newTestServer(t)
	for _, v := range []float64{10, 20, 30} {
		if err := srv.window.Ingest(models.MetricPoint{
			Timestamp:      time.Now().UTC(),
			MetricName:     "cpu",
			OrganizationID: "acme",
			Value:          v,
		}); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	rec := get(t, mux, "/api/v1/metrics/window?metric=cpu&organization_id=acme&window_minutes=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var stats models.WindowStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.Count != 3 || stats.Avg != 20 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestWindowStatsMissingParams(t *testing.T) {
	_, mux := newTestServer(t)
	rec := get(t, mux, "/api/v1/metrics/window?metric=cpu")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestQueryEndpoint(t *testing.T) {
	srv, mux := newTestServer(t)
	now := time.Now().UTC()
	batch := []models.MetricPoint{
		{Timestamp: now.Add(-2 * time.Minute), MetricName: "cpu", OrganizationID: "acme", Value: 10},
		{Timestamp: now.Add(-1 * time.Minute), MetricName: "cpu", OrganizationID: "acme", Value: 20},
	}
	if err := srv.store.WriteBatch(context.Background(), batch); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	rec := get(t, mux, "/api/v1/metrics/query?metric=cpu&organization_id=acme")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("expected 2 points, got %d", resp.Count)
	}
}

func TestWindowStatsTagFilter(t *testing.T) {
	srv, mux := newTestServer(t)
	points := []models.MetricPoint{
		{MetricName: "cpu", OrganizationID: "acme", Value: 10, Tags: map[string]string{"host": "a"}},
		{MetricName: "cpu", OrganizationID: "acme", Value: 30, Tags: map[string]string{"host": "b"}},
		{MetricName: "cpu", OrganizationID: "acme", Value: 50},
	}
	for _, p := range points {
		p.Timestamp = time.Now().UTC()
		if err := srv.window.Ingest(p); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	rec := get(t, mux, "/api/v1/metrics/window?metric=cpu&organization_id=acme&tag=host:a")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var stats models.WindowStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.Count != 1 || stats.Avg != 10 {
		t.Errorf("expected only the host=a point, got %+v", stats)
	}

	rec = get(t, mux, "/api/v1/metrics/window?metric=cpu&organization_id=acme&tag=hosta")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed tag, got %d", rec.Code)
	}
}

func TestQueryTagFilter(t *testing.T) {
	srv, mux := newTestServer(t)
	now := time.Now().UTC()
	batch := []models.MetricPoint{
		{Timestamp: now.Add(-3 * time.Minute), MetricName: "cpu", OrganizationID: "acme", Value: 10, Tags: map[string]string{"host": "a"}},
		{Timestamp: now.Add(-2 * time.Minute), MetricName: "cpu", OrganizationID: "acme", Value: 20, Tags: map[string]string{"host": "b"}},
		{Timestamp: now.Add(-1 * time.Minute), MetricName: "cpu", OrganizationID: "acme", Value: 30},
	}
	if err := srv.store.WriteBatch(context.Background(), batch); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	rec := get(t, mux, "/api/v1/metrics/query?metric=cpu&organization_id=acme&tag=host:b")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Count  int                  `json:"count"`
		Points []models.MetricPoint `json:"points"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 1 || resp.Points[0].Value != 20 {
		t.Errorf("expected only the host=b point, got %+v", resp)
	}
}

func TestQueryInvalidTime(t *testing.T) {
	_, mux := newTestServer(t)
	rec := get(t, mux, "/api/v1/metrics/query?metric=cpu&organization_id=acme&start=yesterday")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed time, got %d", rec.Code)
	}
}

func TestAlertRuleLifecycle(t *testing.T) {
	_, mux := newTestServer(t)

	rec := postJSON(t, mux, "/api/v1/alert-rules", models.AlertRule{
		MetricName:     "cpu",
		OrganizationID: "acme",
		ThresholdType:  models.ThresholdAbove,
		ThresholdValue: 90,
		Severity:       models.SeverityHigh,
		WindowMinutes:  5,
		Enabled:        true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created models.AlertRule
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.ID == "" {
		t.Error("created rule must carry an assigned ID")
	}

	list := get(t, mux, "/api/v1/alert-rules?organization_id=acme")
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", list.Code)
	}
	var rules []models.AlertRule
	if err := json.Unmarshal(list.Body.Bytes(), &rules); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rules) != 1 {
		t.Errorf("expected one rule, got %d", len(rules))
	}
}

func TestAlertRuleValidationFailure(t *testing.T) {
	_, mux := newTestServer(t)
	rec := postJSON(t, mux, "/api/v1/alert-rules", models.AlertRule{OrganizationID: "acme"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDetectionRuleLifecycle(t *testing.T) {
	_, mux := newTestServer(t)

	rec := postJSON(t, mux, "/api/v1/detection-rules", models.DetectionRule{
		MetricName:     "cpu",
		OrganizationID: "acme",
		Method:         models.MethodStatistical,
		WindowHours:    24,
		Enabled:        true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	list := get(t, mux, "/api/v1/detection-rules?organization_id=acme")
	var rules []models.DetectionRule
	if err := json.Unmarshal(list.Body.Bytes(), &rules); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rules) != 1 {
		t.Errorf("expected one rule, got %d", len(rules))
	}
}

func TestAggregationRuleLifecycle(t *testing.T) {
	_, mux := newTestServer(t)

	rec := postJSON(t, mux, "/api/v1/aggregation-rules", models.AggregationRule{
		SourceMetric:   "cpu",
		TargetMetric:   "cpu_hourly",
		Level:          models.LevelHour,
		Function:       models.AggMean,
		OrganizationID: "acme",
		Enabled:        true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	list := get(t, mux, "/api/v1/aggregation-rules?organization_id=acme")
	var rules []models.AggregationRule
	if err := json.Unmarshal(list.Body.Bytes(), &rules); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rules) != 1 {
		t.Errorf("expected one rule, got %d", len(rules))
	}
}

func TestDetectEndpoint(t *testing.T) {
	srv, mux := newTestServer(t)
	now := time.Now().UTC()
	for i := 0; i < 50; i++ {
		if err := srv.window.Ingest(models.MetricPoint{
			Timestamp:      now.Add(time.Duration(i-50) * time.Second),
			MetricName:     "cpu",
			OrganizationID: "acme",
			Value:          100 + float64(i%11) - 5,
		}); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	if err := srv.window.Ingest(models.MetricPoint{
		Timestamp:      now,
		MetricName:     "cpu",
		OrganizationID: "acme",
		Value:          500,
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	rec := postJSON(t, mux, "/api/v1/detect", DetectRequest{
		MetricName:     "cpu",
		OrganizationID: "acme",
		WindowHours:    1,
		Method:         models.MethodStatistical,
		Params:         models.DetectorParams{VotingThreshold: 1},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("expected one anomaly, got %d", resp.Count)
	}

	anoms := get(t, mux, "/api/v1/anomalies?organization_id=acme&resolved=false")
	if anoms.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", anoms.Code)
	}
}

func TestDetectUnknownMethodRejected(t *testing.T) {
	_, mux := newTestServer(t)
	rec := postJSON(t, mux, "/api/v1/detect", DetectRequest{
		MetricName:     "cpu",
		OrganizationID: "acme",
		Method:         models.DetectionMethod("magic"),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestResolveAnomalyRequiresID(t *testing.T) {
	_, mux := newTestServer(t)
	rec := postJSON(t, mux, "/api/v1/anomalies/resolve", ResolveAnomalyRequest{Note: "noise"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestResolveAnomalyUnknownID(t *testing.T) {
	_, mux := newTestServer(t)
	rec := postJSON(t, mux, "/api/v1/anomalies/resolve", ResolveAnomalyRequest{ID: "no-such-anomaly", Note: "noise"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAnomalySummaryRequiresOrg(t *testing.T) {
	_, mux := newTestServer(t)
	rec := get(t, mux, "/api/v1/anomalies/summary")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, mux := newTestServer(t)

	rec := get(t, mux, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %q", resp.Status)
	}
}

func TestReadyEndpoint(t *testing.T) {
	_, mux := newTestServer(t)
	rec := get(t, mux, "/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAggregationsEndpointRejectsBadLevel(t *testing.T) {
	_, mux := newTestServer(t)
	rec := get(t, mux, fmt.Sprintf("/api/v1/aggregations?metric=cpu&organization_id=acme&level=%s", "decade"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
