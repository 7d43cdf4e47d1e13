package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operational metrics for production monitoring of the analytics core.
var (
	// Ingest path
	PointsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricore_points_ingested_total",
			Help: "Total number of metric points accepted into live windows",
		},
		[]string{"organization_id"},
	)

	BufferEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricore_buffer_evictions_total",
			Help: "Total number of oldest-point evictions from full window buffers",
		},
		[]string{"organization_id"},
	)

	// Durability forwarder
	PointsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metricore_points_persisted_total",
			Help: "Total number of points durably written through the forwarder",
		},
	)

	ForwarderFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metricore_forwarder_flushes_total",
			Help: "Total number of successful forwarder batch flushes",
		},
	)

	ForwarderRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metricore_forwarder_retries_total",
			Help: "Total number of forwarder batch write retries",
		},
	)

	ForwarderFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metricore_forwarder_failures_total",
			Help: "Total number of batches dropped after exhausting retries",
		},
	)

	ForwarderDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metricore_forwarder_dropped_total",
			Help: "Total number of points dropped from the durable path on a full queue",
		},
	)

	// Aggregation pipeline
	AggregationJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricore_aggregation_jobs_total",
			Help: "Total number of aggregation jobs by terminal state",
		},
		[]string{"state"}, // completed / failed_retryable / failed_terminal / rejected
	)

	AggregationJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metricore_aggregation_job_duration_seconds",
			Help:    "Aggregation job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	AggregationJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metricore_aggregation_jobs_in_flight",
			Help: "Current number of running aggregation jobs",
		},
	)

	// Anomaly detection
	DetectorRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricore_detector_runs_total",
			Help: "Total number of detector invocations",
		},
		[]string{"detector", "status"}, // status: ok/error
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricore_anomalies_detected_total",
			Help: "Total number of newly recorded anomalies",
		},
		[]string{"severity"},
	)

	// Alerting
	AlertEvaluations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metricore_alert_evaluations_total",
			Help: "Total number of alert rule evaluations",
		},
	)

	AlertsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricore_alerts_fired_total",
			Help: "Total number of alert firing events",
		},
		[]string{"severity"},
	)

	// API surface
	RequestsThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metricore_requests_throttled_total",
			Help: "Total number of requests rejected by the ingestion rate limiter",
		},
	)

	// Event stream
	StreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metricore_stream_connections",
			Help: "Current number of active event stream subscribers",
		},
	)
)
