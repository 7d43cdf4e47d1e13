package window

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/metricore/metricore/internal/metrics"
	"github.com/metricore/metricore/internal/models"
)

// Package window implements the real-time sliding-window engine: bounded
// in-memory buffers per (organization, metric) with live statistics computed
// on each query. The buffer is a cache over the durable store, safe to lose
// on restart; durability runs through the asynchronous forwarder.

// DefaultCapacity is the per-key buffer bound when none is configured.
const DefaultCapacity = 10000

// ringBuffer is a fixed-capacity circular buffer of points in arrival order.
type ringBuffer struct {
	data     []models.MetricPoint
	head     int
	size     int
	capacity int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		data:     make([]models.MetricPoint, capacity),
		capacity: capacity,
	}
}

// push appends a point, evicting the oldest when full. Returns true when an
// eviction happened.
func (rb *ringBuffer) push(p models.MetricPoint) bool {
	idx := (rb.head + rb.size) % rb.capacity
	rb.data[idx] = p
	if rb.size < rb.capacity {
		rb.size++
		return false
	}
	rb.head = (rb.head + 1) % rb.capacity
	return true
}

// snapshot returns all points in chronological (arrival) order.
func (rb *ringBuffer) snapshot() []models.MetricPoint {
	out := make([]models.MetricPoint, rb.size)
	for i := 0; i < rb.size; i++ {
		out[i] = rb.data[(rb.head+i)%rb.capacity]
	}
	return out
}

// series is one (org, metric) buffer with its own lock. The lock covers only
// the O(1) append/evict and snapshot copies, never the durability write.
type series struct {
	mu sync.Mutex
	rb *ringBuffer
}

// Engine is the real-time window engine.
type Engine struct {
	mu       sync.RWMutex
	series   map[string]*series
	capacity int

	forwarder *Forwarder
	logger    *zap.Logger
}

// NewEngine creates a window engine with the given per-key capacity.
// forwarder may be nil in tests; ingest then skips the durability hand-off.
func NewEngine(capacity int, forwarder *Forwarder, logger *zap.Logger) *Engine {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		series:    make(map[string]*series),
		capacity:  capacity,
		forwarder: forwarder,
		logger:    logger,
	}
}

// Ingest validates and buffers one observation, then hands it to the
// forwarder for best-effort persistence. Only validation failures are
// returned; durability problems degrade in the background.
func (e *Engine) Ingest(point models.MetricPoint) error {
	if point.MetricName == "" {
		return &models.ValidationError{Field: "metric_name", Reason: "must not be empty"}
	}
	if point.OrganizationID == "" {
		return &models.ValidationError{Field: "organization_id", Reason: "must not be empty"}
	}
	if math.IsNaN(point.Value) || math.IsInf(point.Value, 0) {
		return &models.ValidationError{Field: "value", Reason: "must be finite"}
	}
	if point.Timestamp.IsZero() {
		point.Timestamp = time.Now().UTC()
	}

	ser := e.getOrCreate(point.Key())
	ser.mu.Lock()
	evicted := ser.rb.push(point)
	ser.mu.Unlock()

	metrics.PointsIngested.WithLabelValues(point.OrganizationID).Inc()
	if evicted {
		metrics.BufferEvictions.WithLabelValues(point.OrganizationID).Inc()
	}

	if e.forwarder != nil {
		e.forwarder.Enqueue(point)
	}
	return nil
}

func (e *Engine) getOrCreate(key string) *series {
	e.mu.RLock()
	ser, ok := e.series[key]
	e.mu.RUnlock()
	if ok {
		return ser
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ser, ok = e.series[key]; ok {
		return ser
	}
	ser = &series{rb: newRingBuffer(e.capacity)}
	e.series[key] = ser
	return ser
}

// WindowStats computes live statistics over points newer than
// now - windowMinutes, optionally restricted to points carrying all of the
// given tags. A window with no points yields Count == 0, never an error.
func (e *Engine) WindowStats(metricName, organizationID string, windowMinutes int, tags map[string]string) models.WindowStats {
	key := organizationID + ":" + metricName

	e.mu.RLock()
	ser, ok := e.series[key]
	e.mu.RUnlock()
	if !ok {
		return models.WindowStats{}
	}

	ser.mu.Lock()
	points := ser.rb.snapshot()
	ser.mu.Unlock()

	cutoff := time.Now().UTC().Add(-time.Duration(windowMinutes) * time.Minute)
	values := make([]float64, 0, len(points))
	var last models.MetricPoint
	for _, p := range points {
		if p.Timestamp.Before(cutoff) {
			continue
		}
		if !matchTags(p.Tags, tags) {
			continue
		}
		values = append(values, p.Value)
		last = p
	}
	if len(values) == 0 {
		return models.WindowStats{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range values {
		sum += v
	}
	return models.WindowStats{
		Count:         len(values),
		Avg:           sum / float64(len(values)),
		Sum:           sum,
		Min:           sorted[0],
		Max:           sorted[len(sorted)-1],
		RatePerMinute: float64(len(values)) / float64(windowMinutes),
		LastValue:     last.Value,
		P50:           stat.Quantile(0.50, stat.Empirical, sorted, nil),
		P95:           stat.Quantile(0.95, stat.Empirical, sorted, nil),
		P99:           stat.Quantile(0.99, stat.Empirical, sorted, nil),
	}
}

// WindowPoints returns a copy of the buffered points for one key newer than
// now - windowHours. Detection sweeps read the live buffer through this.
func (e *Engine) WindowPoints(metricName, organizationID string, windowHours int) []models.MetricPoint {
	key := organizationID + ":" + metricName

	e.mu.RLock()
	ser, ok := e.series[key]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	ser.mu.Lock()
	points := ser.rb.snapshot()
	ser.mu.Unlock()

	cutoff := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)
	out := points[:0:0]
	for _, p := range points {
		if !p.Timestamp.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// Reset clears the buffer for one key. Used by operators; the durable store
// is untouched.
func (e *Engine) Reset(metricName, organizationID string) {
	key := organizationID + ":" + metricName
	e.mu.Lock()
	delete(e.series, key)
	e.mu.Unlock()
}

// TrackedMetrics returns the number of live (org, metric) buffers.
func (e *Engine) TrackedMetrics() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.series)
}

// BufferedPoints returns the total number of points held across all buffers.
func (e *Engine) BufferedPoints() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	total := 0
	for _, ser := range e.series {
		ser.mu.Lock()
		total += ser.rb.size
		ser.mu.Unlock()
	}
	return total
}

func matchTags(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
