package window

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/metricore/metricore/internal/metrics"
	"github.com/metricore/metricore/internal/models"
	"github.com/metricore/metricore/internal/store"
)

// Forwarder moves ingested points from the hot path to the durable store in
// batches. Enqueue never blocks the caller: when the queue is full the point
// stays in the live buffer only and a degraded-durability warning is counted.

// ForwarderConfig tunes the batching behavior.
type ForwarderConfig struct {
	QueueSize     int           // pending-point channel capacity
	BatchSize     int           // flush when this many points are pending
	FlushInterval time.Duration // flush at least this often
	MaxRetries    int           // attempts per batch before giving up
	RetryBase     time.Duration // first backoff step, doubled per attempt
}

// DefaultForwarderConfig returns production defaults.
func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		QueueSize:     8192,
		BatchSize:     256,
		FlushInterval: time.Second,
		MaxRetries:    5,
		RetryBase:     100 * time.Millisecond,
	}
}

// Forwarder is the asynchronous durability path.
type Forwarder struct {
	cfg    ForwarderConfig
	store  store.TimeSeriesStore
	logger *zap.Logger

	queue  chan models.MetricPoint
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// NewForwarder creates a forwarder. Call Start before enqueuing.
func NewForwarder(cfg ForwarderConfig, ts store.TimeSeriesStore, logger *zap.Logger) *Forwarder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8192
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		cfg:    cfg,
		store:  ts,
		logger: logger,
		queue:  make(chan models.MetricPoint, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the flush worker.
func (f *Forwarder) Start() {
	f.wg.Add(1)
	go f.run()
}

// Enqueue hands a point to the durability path without blocking. A full
// queue drops the point from the durable path only; the live window keeps it.
func (f *Forwarder) Enqueue(point models.MetricPoint) {
	select {
	case f.queue <- point:
	default:
		metrics.ForwarderDropped.Inc()
		f.logger.Warn("durability queue full, point not persisted",
			zap.String("organization_id", point.OrganizationID),
			zap.String("metric_name", point.MetricName))
	}
}

// Stop drains the queue and flushes remaining points, then returns.
func (f *Forwarder) Stop() {
	f.closed.Do(func() { close(f.done) })
	f.wg.Wait()
}

func (f *Forwarder) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.MetricPoint, 0, f.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		f.flushBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case p := <-f.queue:
			batch = append(batch, p)
			if len(batch) >= f.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-f.done:
			// Drain whatever is still queued, then do a final flush.
			for {
				select {
				case p := <-f.queue:
					batch = append(batch, p)
					if len(batch) >= f.cfg.BatchSize {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}

// flushBatch writes one batch with exponential backoff. After the retry
// budget is exhausted the batch is dropped and surfaced as a warning; live
// reads keep working on the in-memory buffer.
func (f *Forwarder) flushBatch(batch []models.MetricPoint) {
	backoff := f.cfg.RetryBase
	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := f.store.WriteBatch(ctx, batch)
		cancel()
		if err == nil {
			metrics.ForwarderFlushes.Inc()
			metrics.PointsPersisted.Add(float64(len(batch)))
			return
		}
		lastErr = err
		metrics.ForwarderRetries.Inc()
		time.Sleep(backoff)
		backoff *= 2
	}
	metrics.ForwarderFailures.Inc()
	f.logger.Warn("durable write failed after retries, operating degraded",
		zap.Int("batch_size", len(batch)),
		zap.Int("attempts", f.cfg.MaxRetries),
		zap.Error(lastErr))
}
