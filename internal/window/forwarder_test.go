package window

import (
	"context"
	"sync"
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

// flakyStore fails WriteBatch a configured number of times before delegating.
type flakyStore struct {
	store.TimeSeriesStore
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyStore) WriteBatch(ctx context.Context, points []models.MetricPoint) error {
	f.mu.Lock()
	f.attempts++
	fail := f.attempts <= f.failures
	f.mu.Unlock()
	if fail {
		return &models.StorageError{Op: "write_batch", Err: context.DeadlineExceeded}
	}
	return f.TimeSeriesStore.WriteBatch(ctx, points)
}

func TestForwarderPersistsOnStop(t *testing.T) {
	ts := newMemStore(t)
	f := NewForwarder(ForwarderConfig{
		QueueSize:     64,
		BatchSize:     16,
		FlushInterval: time.Hour, // only the Stop drain should flush
		MaxRetries:    3,
		RetryBase:     time.Millisecond,
	}, ts, nil)
	f.Start()

	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		f.Enqueue(models.MetricPoint{
			Timestamp:      now.Add(time.Duration(i) * time.Second),
			MetricName:     "m",
			OrganizationID: "org",
			Value:          float64(i),
		})
	}
	f.Stop()

	got, err := ts.QueryPoints(context.Background(), store.Query{
		MetricName:     "m",
		OrganizationID: "org",
		Start:          now.Add(-time.Minute),
		End:            now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("QueryPoints: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 persisted points after Stop, got %d", len(got))
	}
}

func TestForwarderBatchSizeFlush(t *testing.T) {
	ts := newMemStore(t)
	f := NewForwarder(ForwarderConfig{
		QueueSize:     64,
		BatchSize:     4,
		FlushInterval: time.Hour,
		MaxRetries:    3,
		RetryBase:     time.Millisecond,
	}, ts, nil)
	f.Start()

	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		f.Enqueue(models.MetricPoint{
			Timestamp:      now.Add(time.Duration(i) * time.Second),
			MetricName:     "m",
			OrganizationID: "org",
			Value:          float64(i),
		})
	}

	// The batch-size trigger should persist without waiting for Stop.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := ts.QueryPoints(context.Background(), store.Query{
			MetricName:     "m",
			OrganizationID: "org",
			Start:          now.Add(-time.Minute),
			End:            now.Add(time.Minute),
		})
		if err != nil {
			t.Fatalf("QueryPoints: %v", err)
		}
		if len(got) == 4 {
			f.Stop()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.Stop()
	t.Fatal("batch was not flushed on reaching batch size")
}

func TestForwarderRetriesTransientFailure(t *testing.T) {
	flaky := &flakyStore{TimeSeriesStore: newMemStore(t), failures: 2}
	f := NewForwarder(ForwarderConfig{
		QueueSize:     8,
		BatchSize:     8,
		FlushInterval: time.Hour,
		MaxRetries:    5,
		RetryBase:     time.Millisecond,
	}, flaky, nil)
	f.Start()

	now := time.Now().UTC()
	f.Enqueue(models.MetricPoint{Timestamp: now, MetricName: "m", OrganizationID: "org", Value: 1})
	f.Stop()

	got, err := flaky.QueryPoints(context.Background(), store.Query{
		MetricName:     "m",
		OrganizationID: "org",
		Start:          now.Add(-time.Minute),
		End:            now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("QueryPoints: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected point persisted after retries, got %d", len(got))
	}
	if flaky.attempts != 3 {
		t.Errorf("expected 3 attempts (2 failures + 1 success), got %d", flaky.attempts)
	}
}

func TestForwarderFullQueueDoesNotBlock(t *testing.T) {
	flaky := &flakyStore{TimeSeriesStore: newMemStore(t), failures: 1 << 30}
	f := NewForwarder(ForwarderConfig{
		QueueSize:     2,
		BatchSize:     64,
		FlushInterval: time.Hour,
		MaxRetries:    1,
		RetryBase:     time.Millisecond,
	}, flaky, nil)
	// Not started: the queue fills and further enqueues must drop, not block.

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			f.Enqueue(models.MetricPoint{Timestamp: time.Now().UTC(), MetricName: "m", OrganizationID: "org", Value: 1})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}
