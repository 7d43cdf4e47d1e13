package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/metricore/metricore/internal/models"
	"github.com/metricore/metricore/internal/store"
)

// IngestResponse acknowledges accepted points.
type IngestResponse struct {
	Accepted  int       `json:"accepted"`
	Rejected  int       `json:"rejected"`
	Timestamp time.Time `json:"timestamp"`
}

// handleIngest handles single-point ingestion.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var point models.MetricPoint
	if err := json.NewDecoder(r.Body).Decode(&point); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.window.Ingest(point); err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, fmt.Sprintf("Ingest error: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, IngestResponse{Accepted: 1, Timestamp: time.Now().UTC()})
}

// handleIngestBatch handles batched ingestion. Invalid points are rejected
// individually; valid points in the same batch are still accepted.
func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var points []models.MetricPoint
	if err := json.NewDecoder(r.Body).Decode(&points); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	resp := IngestResponse{Timestamp: time.Now().UTC()}
	for _, p := range points {
		if err := s.window.Ingest(p); err != nil {
			resp.Rejected++
			continue
		}
		resp.Accepted++
	}

	writeJSON(w, http.StatusAccepted, resp)
}

// handleQuery returns raw or bucketed points from durable storage.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := store.Query{
		MetricName:     r.URL.Query().Get("metric"),
		OrganizationID: r.URL.Query().Get("organization_id"),
	}
	if q.MetricName == "" || q.OrganizationID == "" {
		http.Error(w, "metric and organization_id are required", http.StatusBadRequest)
		return
	}

	var err error
	if q.Start, err = parseTimeParam(r, "start", time.Now().UTC().Add(-time.Hour)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if q.End, err = parseTimeParam(r, "end", time.Now().UTC()); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if iv := r.URL.Query().Get("interval"); iv != "" {
		d, err := time.ParseDuration(iv)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid interval: %v", err), http.StatusBadRequest)
			return
		}
		q.Interval = d
		q.Aggregation = models.AggFunction(r.URL.Query().Get("aggregation"))
		if q.Aggregation == "" {
			q.Aggregation = models.AggMean
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if q.Limit, err = strconv.Atoi(limit); err != nil {
			http.Error(w, fmt.Sprintf("invalid limit: %v", err), http.StatusBadRequest)
			return
		}
	}
	if q.Tags, err = parseTagParams(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	points, err := s.store.QueryPoints(r.Context(), q)
	if err != nil {
		http.Error(w, fmt.Sprintf("Query error: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"points": points,
		"count":  len(points),
	})
}

// handleWindowStats returns live statistics over a sliding window.
func (s *Server) handleWindowStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	metric := r.URL.Query().Get("metric")
	org := r.URL.Query().Get("organization_id")
	if metric == "" || org == "" {
		http.Error(w, "metric and organization_id are required", http.StatusBadRequest)
		return
	}

	windowMinutes := 5
	if wm := r.URL.Query().Get("window_minutes"); wm != "" {
		var err error
		if windowMinutes, err = strconv.Atoi(wm); err != nil || windowMinutes < 1 {
			http.Error(w, "invalid window_minutes", http.StatusBadRequest)
			return
		}
	}

	tags, err := parseTagParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stats := s.window.WindowStats(metric, org, windowMinutes, tags)
	writeJSON(w, http.StatusOK, stats)
}

// parseTagParams reads repeated tag=key:value query parameters. A nil map
// means no tag filtering.
func parseTagParams(r *http.Request) (map[string]string, error) {
	raw := r.URL.Query()["tag"]
	if len(raw) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(raw))
	for _, pair := range raw {
		k, v, ok := strings.Cut(pair, ":")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid tag %q, expected key:value", pair)
		}
		tags[k] = v
	}
	return tags, nil
}

// handleQueryAggregations returns rollup buckets.
func (s *Server) handleQueryAggregations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	metric := r.URL.Query().Get("metric")
	org := r.URL.Query().Get("organization_id")
	level := models.AggregationLevel(r.URL.Query().Get("level"))
	if metric == "" || org == "" {
		http.Error(w, "metric and organization_id are required", http.StatusBadRequest)
		return
	}
	if !level.Valid() {
		http.Error(w, fmt.Sprintf("invalid level %q", level), http.StatusBadRequest)
		return
	}

	from, err := parseTimeParam(r, "start", time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeParam(r, "end", time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	buckets, err := s.store.QueryAggregated(r.Context(), metric, org, level, from, to)
	if err != nil {
		http.Error(w, fmt.Sprintf("Query error: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"buckets": buckets,
		"count":   len(buckets),
	})
}

// handleAggregationRules creates or lists rollup rules.
func (s *Server) handleAggregationRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var rule models.AggregationRule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.pipeline.ConfigureRule(r.Context(), &rule); err != nil {
			var verr *models.ValidationError
			if errors.As(err, &verr) {
				http.Error(w, verr.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, fmt.Sprintf("Save error: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, rule)

	case http.MethodGet:
		rules, err := s.store.ListAggregationRules(r.Context(), false)
		if err != nil {
			http.Error(w, fmt.Sprintf("List error: %v", err), http.StatusInternalServerError)
			return
		}
		if org := r.URL.Query().Get("organization_id"); org != "" {
			filtered := rules[:0]
			for _, rule := range rules {
				if rule.OrganizationID == org {
					filtered = append(filtered, rule)
				}
			}
			rules = filtered
		}
		writeJSON(w, http.StatusOK, rules)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDetectionRules creates or lists detection rules.
func (s *Server) handleDetectionRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var rule models.DetectionRule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
			return
		}
		if err := rule.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if rule.ID == "" {
			rule.ID = uuid.NewString()
		}
		if err := s.store.SaveDetectionRule(r.Context(), &rule); err != nil {
			http.Error(w, fmt.Sprintf("Save error: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, rule)

	case http.MethodGet:
		rules, err := s.store.ListDetectionRules(r.Context(), r.URL.Query().Get("organization_id"), false)
		if err != nil {
			http.Error(w, fmt.Sprintf("List error: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rules)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAlertRules creates or lists alert rules.
func (s *Server) handleAlertRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var rule models.AlertRule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.alerts.Configure(r.Context(), &rule); err != nil {
			var verr *models.ValidationError
			if errors.As(err, &verr) {
				http.Error(w, verr.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, fmt.Sprintf("Save error: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, rule)

	case http.MethodGet:
		rules, err := s.alerts.Rules(r.Context(), r.URL.Query().Get("organization_id"))
		if err != nil {
			http.Error(w, fmt.Sprintf("List error: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rules)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// DetectRequest asks for an on-demand detection run.
type DetectRequest struct {
	MetricName     string                 `json:"metric_name"`
	OrganizationID string                 `json:"organization_id"`
	WindowHours    int                    `json:"window_hours"`
	Method         models.DetectionMethod `json:"method"`
	Params         models.DetectorParams  `json:"parameters"`
}

// handleDetect runs detection on demand.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req DetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.MetricName == "" || req.OrganizationID == "" {
		http.Error(w, "metric_name and organization_id are required", http.StatusBadRequest)
		return
	}
	if req.Method == "" {
		req.Method = models.MethodEnsemble
	}
	if req.WindowHours <= 0 {
		req.WindowHours = 24
	}

	anomalies, err := s.detector.Detect(r.Context(), req.MetricName, req.OrganizationID, req.WindowHours, req.Method, req.Params)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, fmt.Sprintf("Detection error: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies": anomalies,
		"count":     len(anomalies),
	})
}

// handleAnomalies lists recorded anomalies.
func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := store.AnomalyQuery{
		MetricName:     r.URL.Query().Get("metric"),
		OrganizationID: r.URL.Query().Get("organization_id"),
		Severity:       models.Severity(r.URL.Query().Get("severity")),
	}
	if res := r.URL.Query().Get("resolved"); res != "" {
		b, err := strconv.ParseBool(res)
		if err != nil {
			http.Error(w, "invalid resolved flag", http.StatusBadRequest)
			return
		}
		q.Resolved = &b
	}
	var err error
	if q.From, err = parseTimeParam(r, "start", time.Time{}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if q.To, err = parseTimeParam(r, "end", time.Time{}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if q.Limit, err = strconv.Atoi(limit); err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	anomalies, err := s.store.QueryAnomalies(r.Context(), q)
	if err != nil {
		http.Error(w, fmt.Sprintf("Query error: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies": anomalies,
		"count":     len(anomalies),
	})
}

// handleAnomalySummary returns severity counts for a tenant and time range.
func (s *Server) handleAnomalySummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	org := r.URL.Query().Get("organization_id")
	if org == "" {
		http.Error(w, "organization_id is required", http.StatusBadRequest)
		return
	}

	from, err := parseTimeParam(r, "start", time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeParam(r, "end", time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	summary, err := s.store.AnomalySummary(r.Context(), org, from, to)
	if err != nil {
		http.Error(w, fmt.Sprintf("Summary error: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"organization_id": org,
		"from":            from,
		"to":              to,
		"by_severity":     summary,
	})
}

// ResolveAnomalyRequest marks an anomaly handled.
type ResolveAnomalyRequest struct {
	ID         string `json:"id"`
	Note       string `json:"note"`
	ResolvedBy string `json:"resolved_by"`
}

// handleResolveAnomaly resolves an anomaly with an operator note.
func (s *Server) handleResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ResolveAnomalyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	if err := s.detector.Resolve(r.Context(), req.ID, req.Note, req.ResolvedBy); err != nil {
		if errors.Is(err, store.ErrAnomalyNotFound) {
			http.Error(w, fmt.Sprintf("unknown anomaly %q", req.ID), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Resolve error: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": req.ID})
}

// HealthResponse reports component state for operators.
type HealthResponse struct {
	Status         string    `json:"status"`
	TrackedMetrics int       `json:"tracked_metrics"`
	BufferedPoints int       `json:"buffered_points"`
	PendingJobs    int       `json:"pending_jobs"`
	RunningJobs    int       `json:"running_jobs"`
	ActiveAlerts   int       `json:"active_alerts"`
	Timestamp      time.Time `json:"timestamp"`
}

// handleHealth reports liveness plus a component snapshot.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, running := s.pipeline.PendingJobs()
	resp := HealthResponse{
		Status:         "ok",
		TrackedMetrics: s.window.TrackedMetrics(),
		BufferedPoints: s.window.BufferedPoints(),
		PendingJobs:    pending,
		RunningJobs:    running,
		ActiveAlerts:   s.alerts.ActiveAlerts(),
		Timestamp:      time.Now().UTC(),
	}
	if err := s.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReady reports readiness: the store must be reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseTimeParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %v", name, err)
	}
	return t.UTC(), nil
}
