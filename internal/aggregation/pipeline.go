package aggregation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/metricore/metricore/internal/metrics"
	"github.com/metricore/metricore/internal/models"
	"github.com/metricore/metricore/internal/store"
)

// Package aggregation rolls raw points up into durable minute/hour/day/week/
// month summaries on a schedule. Jobs run on a bounded worker pool; rollup
// writes are idempotent upserts keyed on the bucket, so re-processing a
// bucket after a retry or a late point converges instead of double-counting.

// JobState is the lifecycle of one rollup job.
type JobState string

const (
	JobPending        JobState = "pending"
	JobRunning        JobState = "running"
	JobCompleted      JobState = "completed"
	JobFailedRetry    JobState = "failed_retryable"
	JobFailedTerminal JobState = "failed_terminal"
)

// Job is one (rule, bucket) unit of work.
type Job struct {
	ID          string
	Rule        models.AggregationRule
	BucketStart time.Time
	State       JobState
	Attempts    int
	Err         error
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Config tunes the pipeline.
type Config struct {
	Workers        int           // worker pool size
	MaxInFlight    int           // global submission ceiling (back-pressure)
	MaxRetries     int           // attempts per job before terminal failure
	RetryBase      time.Duration // first backoff step, doubled per attempt
	Interval       time.Duration // scheduler tick
	LookbackCount  int           // closed buckets re-examined per tick (late data)
	FailureHistory int           // terminal failures kept for operators
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		MaxInFlight:    64,
		MaxRetries:     3,
		RetryBase:      250 * time.Millisecond,
		Interval:       time.Minute,
		LookbackCount:  2,
		FailureHistory: 100,
	}
}

// Pipeline schedules and executes rollup jobs.
type Pipeline struct {
	cfg    Config
	store  store.TimeSeriesStore
	logger *zap.Logger

	jobs chan *Job
	done chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	inFlight int
	pending  int
	failures []*Job // terminal failures, surfaced through Failures()
}

// NewPipeline creates a pipeline over the given store.
func NewPipeline(cfg Config, ts store.TimeSeriesStore, logger *zap.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.LookbackCount <= 0 {
		cfg.LookbackCount = 2
	}
	if cfg.FailureHistory <= 0 {
		cfg.FailureHistory = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:    cfg,
		store:  ts,
		logger: logger,
		jobs:   make(chan *Job, cfg.MaxInFlight),
		done:   make(chan struct{}),
	}
}

// Start launches the worker pool and the scheduler loop.
func (p *Pipeline) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.wg.Add(1)
	go p.schedule()
}

// Stop signals shutdown and waits for in-flight jobs to finish. No job is
// left in Running state afterwards.
func (p *Pipeline) Stop() {
	close(p.done)
	p.wg.Wait()
}

// Submit enqueues one job. Returns an error without enqueuing once the
// global pending+running ceiling is reached.
func (p *Pipeline) Submit(job *Job) error {
	p.mu.Lock()
	if p.pending+p.inFlight >= p.cfg.MaxInFlight {
		p.mu.Unlock()
		metrics.AggregationJobs.WithLabelValues("rejected").Inc()
		return fmt.Errorf("aggregation back-pressure: %d jobs in flight", p.cfg.MaxInFlight)
	}
	p.pending++
	p.mu.Unlock()

	job.State = JobPending
	select {
	case p.jobs <- job:
		return nil
	case <-p.done:
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
		return fmt.Errorf("pipeline stopped")
	}
}

// ConfigureRule validates and persists a rollup rule. New rules take effect
// on the next scheduler tick.
func (p *Pipeline) ConfigureRule(ctx context.Context, rule *models.AggregationRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := p.store.SaveAggregationRule(ctx, rule); err != nil {
		return err
	}
	p.logger.Info("aggregation rule configured",
		zap.String("rule_id", rule.ID),
		zap.String("source_metric", rule.SourceMetric),
		zap.String("target_metric", rule.TargetMetric),
		zap.String("level", string(rule.Level)),
		zap.String("function", string(rule.Function)),
		zap.Bool("enabled", rule.Enabled))
	return nil
}

// RunOnce scans enabled rules and submits a job per due closed bucket. It is
// what the scheduler tick calls, and what tests call directly.
func (p *Pipeline) RunOnce(ctx context.Context) {
	rules, err := p.store.ListAggregationRules(ctx, true)
	if err != nil {
		p.logger.Warn("list aggregation rules", zap.Error(err))
		return
	}
	now := time.Now().UTC()
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			p.logger.Warn("skipping invalid aggregation rule", zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		for _, bucket := range dueBuckets(rule.Level, now, p.cfg.LookbackCount) {
			job := &Job{
				ID:          uuid.NewString(),
				Rule:        *rule,
				BucketStart: bucket,
				CreatedAt:   now,
			}
			if err := p.Submit(job); err != nil {
				p.logger.Warn("aggregation submit rejected", zap.String("rule_id", rule.ID), zap.Error(err))
				return // ceiling hit, rest of this tick waits for the next one
			}
		}
	}
}

// PendingJobs returns pending plus running job counts, for the health surface.
func (p *Pipeline) PendingJobs() (pending, running int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending, p.inFlight
}

// Failures returns the retained terminal failures, newest last.
func (p *Pipeline) Failures() []*Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Job, len(p.failures))
	copy(out, p.failures)
	return out
}

func (p *Pipeline) schedule() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Interval)
			p.RunOnce(ctx)
			cancel()
		case <-p.done:
			return
		}
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			p.mu.Lock()
			p.pending--
			p.inFlight++
			p.mu.Unlock()
			metrics.AggregationJobsInFlight.Inc()

			p.runJob(job)

			p.mu.Lock()
			p.inFlight--
			p.mu.Unlock()
			metrics.AggregationJobsInFlight.Dec()
		case <-p.done:
			return
		}
	}
}

// runJob executes one job with bounded retries. A terminal failure is
// recorded and surfaced, never silently dropped.
func (p *Pipeline) runJob(job *Job) {
	job.State = JobRunning
	start := time.Now()
	backoff := p.cfg.RetryBase

	for job.Attempts = 1; job.Attempts <= p.cfg.MaxRetries; job.Attempts++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := p.ProcessBucket(ctx, job.Rule, job.BucketStart)
		cancel()
		if err == nil {
			job.State = JobCompleted
			job.CompletedAt = time.Now().UTC()
			metrics.AggregationJobs.WithLabelValues("completed").Inc()
			metrics.AggregationJobDuration.Observe(time.Since(start).Seconds())
			return
		}

		job.Err = &models.JobError{JobID: job.ID, Attempt: job.Attempts, Err: err}
		job.State = JobFailedRetry
		metrics.AggregationJobs.WithLabelValues("failed_retryable").Inc()
		p.logger.Warn("aggregation job failed, retrying",
			zap.String("job_id", job.ID),
			zap.String("rule_id", job.Rule.ID),
			zap.Int("attempt", job.Attempts),
			zap.Error(err))

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-p.done:
			// Shutdown during backoff: leave the job retryable, not Running.
			return
		}
	}

	job.State = JobFailedTerminal
	job.Err = &models.JobError{JobID: job.ID, Attempt: p.cfg.MaxRetries, Terminal: true, Err: job.Err}
	job.CompletedAt = time.Now().UTC()
	metrics.AggregationJobs.WithLabelValues("failed_terminal").Inc()
	p.logger.Error("aggregation job failed terminally",
		zap.String("job_id", job.ID),
		zap.String("rule_id", job.Rule.ID),
		zap.Time("bucket_start", job.BucketStart),
		zap.Error(job.Err))

	p.mu.Lock()
	p.failures = append(p.failures, job)
	if len(p.failures) > p.cfg.FailureHistory {
		p.failures = p.failures[len(p.failures)-p.cfg.FailureHistory:]
	}
	p.mu.Unlock()
}

// ProcessBucket rolls up one rule for one bucket and upserts the result.
// Deterministic for a fixed set of stored points: re-running replaces the
// same rows with the same values.
func (p *Pipeline) ProcessBucket(ctx context.Context, rule models.AggregationRule, bucketStart time.Time) error {
	bucketStart = rule.Level.BucketStart(bucketStart)
	bucketEnd := rule.Level.NextBucket(bucketStart)

	points, err := p.store.QueryPoints(ctx, store.Query{
		MetricName:     rule.SourceMetric,
		OrganizationID: rule.OrganizationID,
		Start:          bucketStart,
		End:            bucketEnd,
	})
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	for groupKey, group := range groupPoints(points, rule.GroupByTags) {
		values := make([]float64, len(group.points))
		for i, pt := range group.points {
			values[i] = pt.Value
		}
		agg := models.AggregatedPoint{
			BucketStart:    bucketStart,
			Level:          rule.Level,
			Value:          applyFunction(rule.Function, values),
			Count:          len(values),
			OrganizationID: rule.OrganizationID,
			MetricName:     rule.TargetMetric,
			GroupTags:      group.tags,
		}
		if err := p.store.UpsertAggregated(ctx, agg); err != nil {
			return fmt.Errorf("upsert group %q: %w", groupKey, err)
		}
	}
	return nil
}

type pointGroup struct {
	tags   map[string]string
	points []models.MetricPoint
}

// groupPoints partitions points by the values of the group-by tags. With no
// group-by tags everything lands in one group with nil tags.
func groupPoints(points []models.MetricPoint, groupBy []string) map[string]pointGroup {
	if len(groupBy) == 0 {
		return map[string]pointGroup{"": {points: points}}
	}
	sorted := make([]string, len(groupBy))
	copy(sorted, groupBy)
	sort.Strings(sorted)

	groups := map[string]pointGroup{}
	for _, pt := range points {
		var sb strings.Builder
		tags := make(map[string]string, len(sorted))
		for _, k := range sorted {
			v := pt.Tags[k]
			tags[k] = v
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(v)
			sb.WriteByte(';')
		}
		key := sb.String()
		g, ok := groups[key]
		if !ok {
			g = pointGroup{tags: tags}
		}
		g.points = append(g.points, pt)
		groups[key] = g
	}
	return groups
}

func applyFunction(fn models.AggFunction, values []float64) float64 {
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
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
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
		n := float64(len(values))
		var sum float64
		for _, v := range values {
			sum += v
		}
		mean := sum / n
		var variance float64
		for _, v := range values {
			variance += (v - mean) * (v - mean)
		}
		if len(values) < 2 {
			return 0
		}
		return math.Sqrt(variance / (n - 1))
	}
	return 0
}

// dueBuckets returns the most recent closed bucket starts for a level,
// newest first, up to lookback buckets back.
func dueBuckets(level models.AggregationLevel, now time.Time, lookback int) []time.Time {
	current := level.BucketStart(now)
	out := make([]time.Time, 0, lookback)
	bucket := current
	for i := 0; i < lookback; i++ {
		// Step back one bucket: the current (open) bucket is never rolled up.
		switch level {
		case models.LevelMonth:
			bucket = bucket.AddDate(0, -1, 0)
		default:
			bucket = bucket.Add(-level.Duration())
		}
		out = append(out, bucket)
	}
	return out
}
