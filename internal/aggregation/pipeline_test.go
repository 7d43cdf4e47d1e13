package aggregation

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/metricore/metricore/internal/models"
	"github.com/metricore/metricore/internal/store"
)

func newMemStore(t *testing.T) store.TimeSeriesStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writePoints(t *testing.T, ts store.TimeSeriesStore, metric, org string, start time.Time, step time.Duration, values []float64, tags map[string]string) {
	t.Helper()
	batch := make([]models.MetricPoint, len(values))
	for i, v := range values {
		batch[i] = models.MetricPoint{
			Timestamp:      start.Add(time.Duration(i) * step),
			MetricName:     metric,
			OrganizationID: org,
			Value:          v,
			Tags:           tags,
		}
	}
	if err := ts.WriteBatch(context.Background(), batch); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
}

func TestProcessBucketHourlyCount(t *testing.T) {
	ts := newMemStore(t)
	p := NewPipeline(DefaultConfig(), ts, nil)
	ctx := context.Background()

	// One point per second for a full hour.
	bucket := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	values := make([]float64, 3600)
	for i := range values {
		values[i] = 1
	}
	writePoints(t, ts, "events", "acme", bucket, time.Second, values, nil)

	rule := models.AggregationRule{
		ID:             "r1",
		SourceMetric:   "events",
		TargetMetric:   "events_hourly",
		Level:          models.LevelHour,
		Function:       models.AggCount,
		OrganizationID: "acme",
		Enabled:        true,
	}
	if err := p.ProcessBucket(ctx, rule, bucket); err != nil {
		t.Fatalf("ProcessBucket: %v", err)
	}

	got, err := ts.QueryAggregated(ctx, "events_hourly", "acme", models.LevelHour, bucket.Add(-time.Hour), bucket.Add(time.Hour))
	if err != nil {
		t.Fatalf("QueryAggregated: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one bucket, got %d", len(got))
	}
	if got[0].Value != 3600 {
		t.Errorf("expected value 3600, got %v", got[0].Value)
	}
	if got[0].Count != 3600 {
		t.Errorf("expected contributing count 3600, got %d", got[0].Count)
	}
	if !got[0].BucketStart.Equal(bucket) {
		t.Errorf("expected bucket start %v, got %v", bucket, got[0].BucketStart)
	}
}

func TestProcessBucketIdempotent(t *testing.T) {
	ts := newMemStore(t)
	p := NewPipeline(DefaultConfig(), ts, nil)
	ctx := context.Background()

	bucket := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	writePoints(t, ts, "cpu", "acme", bucket, time.Minute, []float64{10, 20, 30}, nil)

	rule := models.AggregationRule{
		ID:             "r1",
		SourceMetric:   "cpu",
		TargetMetric:   "cpu_hourly",
		Level:          models.LevelHour,
		Function:       models.AggMean,
		OrganizationID: "acme",
		Enabled:        true,
	}

	// Re-running the same bucket must converge, not accumulate.
	for i := 0; i < 3; i++ {
		if err := p.ProcessBucket(ctx, rule, bucket); err != nil {
			t.Fatalf("ProcessBucket run %d: %v", i, err)
		}
	}

	got, err := ts.QueryAggregated(ctx, "cpu_hourly", "acme", models.LevelHour, bucket.Add(-time.Hour), bucket.Add(time.Hour))
	if err != nil {
		t.Fatalf("QueryAggregated: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one row after 3 runs, got %d", len(got))
	}
	if got[0].Value != 20 {
		t.Errorf("expected mean 20, got %v", got[0].Value)
	}
}

func TestProcessBucketLateData(t *testing.T) {
	ts := newMemStore(t)
	p := NewPipeline(DefaultConfig(), ts, nil)
	ctx := context.Background()

	bucket := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	writePoints(t, ts, "cpu", "acme", bucket, time.Minute, []float64{10, 20}, nil)

	rule := models.AggregationRule{
		ID:             "r1",
		SourceMetric:   "cpu",
		TargetMetric:   "cpu_hourly",
		Level:          models.LevelHour,
		Function:       models.AggSum,
		OrganizationID: "acme",
		Enabled:        true,
	}
	if err := p.ProcessBucket(ctx, rule, bucket); err != nil {
		t.Fatalf("ProcessBucket: %v", err)
	}

	// A late point arrives for the already-processed bucket; the lookback
	// re-run replaces the row with the corrected value.
	writePoints(t, ts, "cpu", "acme", bucket.Add(30*time.Minute), time.Minute, []float64{5}, nil)
	if err := p.ProcessBucket(ctx, rule, bucket); err != nil {
		t.Fatalf("ProcessBucket re-run: %v", err)
	}

	got, err := ts.QueryAggregated(ctx, "cpu_hourly", "acme", models.LevelHour, bucket.Add(-time.Hour), bucket.Add(time.Hour))
	if err != nil {
		t.Fatalf("QueryAggregated: %v", err)
	}
	if len(got) != 1 || got[0].Value != 35 {
		t.Fatalf("expected corrected sum 35, got %+v", got)
	}
}

func TestProcessBucketGroupByTags(t *testing.T) {
	ts := newMemStore(t)
	p := NewPipeline(DefaultConfig(), ts, nil)
	ctx := context.Background()

	bucket := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	writePoints(t, ts, "qps", "acme", bucket, time.Minute, []float64{10, 20}, map[string]string{"region": "us-east"})
	writePoints(t, ts, "qps", "acme", bucket.Add(5*time.Minute), time.Minute, []float64{100}, map[string]string{"region": "eu-west"})

	rule := models.AggregationRule{
		ID:             "r1",
		SourceMetric:   "qps",
		TargetMetric:   "qps_hourly",
		Level:          models.LevelHour,
		Function:       models.AggSum,
		OrganizationID: "acme",
		GroupByTags:    []string{"region"},
		Enabled:        true,
	}
	if err := p.ProcessBucket(ctx, rule, bucket); err != nil {
		t.Fatalf("ProcessBucket: %v", err)
	}

	got, err := ts.QueryAggregated(ctx, "qps_hourly", "acme", models.LevelHour, bucket.Add(-time.Hour), bucket.Add(time.Hour))
	if err != nil {
		t.Fatalf("QueryAggregated: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected one row per region, got %d", len(got))
	}
	byRegion := map[string]float64{}
	for _, ap := range got {
		byRegion[ap.GroupTags["region"]] = ap.Value
	}
	if byRegion["us-east"] != 30 || byRegion["eu-west"] != 100 {
		t.Errorf("group sums wrong: %+v", byRegion)
	}
}

func TestProcessBucketEmptyBucket(t *testing.T) {
	ts := newMemStore(t)
	p := NewPipeline(DefaultConfig(), ts, nil)

	rule := models.AggregationRule{
		ID:             "r1",
		SourceMetric:   "cpu",
		TargetMetric:   "cpu_hourly",
		Level:          models.LevelHour,
		Function:       models.AggMean,
		OrganizationID: "acme",
		Enabled:        true,
	}
	bucket := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	if err := p.ProcessBucket(context.Background(), rule, bucket); err != nil {
		t.Fatalf("empty bucket must not error: %v", err)
	}

	got, err := ts.QueryAggregated(context.Background(), "cpu_hourly", "acme", models.LevelHour, bucket.Add(-time.Hour), bucket.Add(time.Hour))
	if err != nil {
		t.Fatalf("QueryAggregated: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no rows for an empty bucket, got %d", len(got))
	}
}

func TestSubmitBackPressure(t *testing.T) {
	ts := newMemStore(t)
	cfg := DefaultConfig()
	cfg.MaxInFlight = 2
	p := NewPipeline(cfg, ts, nil)
	// Workers not started: submitted jobs stay pending.

	rule := models.AggregationRule{
		ID: "r1", SourceMetric: "m", TargetMetric: "t",
		Level: models.LevelHour, Function: models.AggMean, OrganizationID: "org",
	}
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		job := &Job{ID: "j", Rule: rule, BucketStart: now, CreatedAt: now}
		if err := p.Submit(job); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	err := p.Submit(&Job{ID: "j3", Rule: rule, BucketStart: now, CreatedAt: now})
	if err == nil {
		t.Fatal("expected rejection at the in-flight ceiling")
	}
}

func TestRunOnceProcessesDueBuckets(t *testing.T) {
	ts := newMemStore(t)
	cfg := DefaultConfig()
	cfg.RetryBase = time.Millisecond
	p := NewPipeline(cfg, ts, nil)
	ctx := context.Background()

	// Points in the most recent closed hour bucket.
	prevBucket := models.LevelHour.BucketStart(time.Now().UTC()).Add(-time.Hour)
	writePoints(t, ts, "cpu", "acme", prevBucket, time.Minute, []float64{1, 2, 3}, nil)

	rule := &models.AggregationRule{
		ID:             "r1",
		SourceMetric:   "cpu",
		TargetMetric:   "cpu_hourly",
		Level:          models.LevelHour,
		Function:       models.AggMax,
		OrganizationID: "acme",
		Enabled:        true,
	}
	if err := ts.SaveAggregationRule(ctx, rule); err != nil {
		t.Fatalf("SaveAggregationRule: %v", err)
	}

	p.Start()
	p.RunOnce(ctx)

	// Poll until the worker pool finishes the submitted jobs.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := ts.QueryAggregated(ctx, "cpu_hourly", "acme", models.LevelHour, prevBucket.Add(-time.Hour), prevBucket.Add(time.Hour))
		if err != nil {
			t.Fatalf("QueryAggregated: %v", err)
		}
		if len(got) == 1 && got[0].Value == 3 {
			p.Stop()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	p.Stop()
	t.Fatal("due bucket was not rolled up by RunOnce")
}

func TestApplyFunction(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}

	tests := []struct {
		fn   models.AggFunction
		want float64
	}{
		{models.AggCount, 8},
		{models.AggSum, 40},
		{models.AggMean, 5},
		{models.AggMin, 2},
		{models.AggMax, 9},
	}
	for _, tt := range tests {
		if got := applyFunction(tt.fn, values); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.fn, tt.want, got)
		}
	}

	// Sample standard deviation of the classic data set.
	got := applyFunction(models.AggStdDev, values)
	want := math.Sqrt(32.0 / 7.0)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("stddev: expected %v, got %v", want, got)
	}

	if applyFunction(models.AggStdDev, []float64{42}) != 0 {
		t.Error("stddev of a single sample must be 0")
	}
}

func TestDueBuckets(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

	buckets := dueBuckets(models.LevelHour, now, 2)
	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(buckets))
	}
	if !buckets[0].Equal(time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("first due bucket should be the last closed hour, got %v", buckets[0])
	}
	if !buckets[1].Equal(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("second due bucket wrong: %v", buckets[1])
	}

	// The open bucket is never returned.
	for _, b := range buckets {
		if !b.Before(models.LevelHour.BucketStart(now)) {
			t.Errorf("open bucket leaked into due list: %v", b)
		}
	}

	months := dueBuckets(models.LevelMonth, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), 1)
	if !months[0].Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected previous month bucket, got %v", months[0])
	}
}

func TestTenantScopedRollup(t *testing.T) {
	ts := newMemStore(t)
	p := NewPipeline(DefaultConfig(), ts, nil)
	ctx := context.Background()

	bucket := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	writePoints(t, ts, "cpu", "acme", bucket, time.Minute, []float64{10}, nil)
	writePoints(t, ts, "cpu", "globex", bucket, time.Minute, []float64{1000}, nil)

	rule := models.AggregationRule{
		ID:             "r1",
		SourceMetric:   "cpu",
		TargetMetric:   "cpu_hourly",
		Level:          models.LevelHour,
		Function:       models.AggSum,
		OrganizationID: "acme",
		Enabled:        true,
	}
	if err := p.ProcessBucket(ctx, rule, bucket); err != nil {
		t.Fatalf("ProcessBucket: %v", err)
	}

	got, err := ts.QueryAggregated(ctx, "cpu_hourly", "acme", models.LevelHour, bucket.Add(-time.Hour), bucket.Add(time.Hour))
	if err != nil {
		t.Fatalf("QueryAggregated: %v", err)
	}
	if len(got) != 1 || got[0].Value != 10 {
		t.Fatalf("rollup crossed tenants: %+v", got)
	}
}
