package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/revback/core/pkg/cache"
)

func setupQueueCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewFromClient(client)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEnqueueDedupsByJobID(t *testing.T) {
	c := setupQueueCache(t)
	q := NewQueue("webhook-processing", c, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "webhook-abc", []byte(`{"log_id":"abc"}`)))
	require.NoError(t, q.Enqueue(ctx, "webhook-abc", []byte(`{"log_id":"abc"}`)))

	depth, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "re-enqueuing the same jobId must be a no-op")
}

func TestEnqueueFrontJumpsTheLine(t *testing.T) {
	c := setupQueueCache(t)
	q := NewQueue("scheduled-scans", c, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", []byte(`1`)))
	require.NoError(t, q.Enqueue(ctx, "job-2", []byte(`2`)))
	require.NoError(t, q.EnqueueFront(ctx, "job-manual", []byte(`3`)))

	// BRPopLPush consumes from the tail, where EnqueueFront pushed.
	first, err := c.BRPopLPush(ctx, "queue:scheduled-scans:jobs", "queue:scheduled-scans:inflight:test", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-manual", first)
}

func TestWorkerProcessesJob(t *testing.T) {
	c := setupQueueCache(t)
	q := NewQueue("webhook-processing", c, zap.NewNop())
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	w := NewWorker(q, func(ctx context.Context, jobID string, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, jobID+":"+string(payload))
		return nil
	}, zap.NewNop())

	w.Start(ctx)
	defer w.Close(2 * time.Second)

	require.NoError(t, q.Enqueue(ctx, "webhook-1", []byte(`{"log_id":"1"}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, `webhook-1:{"log_id":"1"}`, got[0])
	mu.Unlock()

	meta, err := c.HGetAll(ctx, "queue:webhook-processing:meta:webhook-1")
	require.NoError(t, err)
	assert.Equal(t, string(JobSucceeded), meta["status"])
	assert.Equal(t, "1", meta["attempts"])
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	c := setupQueueCache(t)
	q := NewQueue("test-retry", c, zap.NewNop())
	q.cfg = Config{Name: "test-retry", Concurrency: 1, MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
	ctx := context.Background()

	var attempts int32
	var dlqCalls int32
	w := NewWorker(q, func(ctx context.Context, jobID string, payload []byte) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("handler always fails")
	}, zap.NewNop())
	w.OnDeadLetter(func(ctx context.Context, jobID string, payload []byte, lastErr string) {
		atomic.AddInt32(&dlqCalls, 1)
	})

	w.Start(ctx)
	defer w.Close(2 * time.Second)

	require.NoError(t, q.Enqueue(ctx, "doomed", []byte(`{}`)))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&dlqCalls) == 1
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts), "should try exactly MaxAttempts times")

	dlqDepth, err := q.DLQLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlqDepth)

	meta, err := c.HGetAll(ctx, "queue:test-retry:meta:doomed")
	require.NoError(t, err)
	assert.Equal(t, string(JobDLQ), meta["status"])
	assert.Equal(t, "handler always fails", meta["last_error"])
}

func TestWorkerCloseDrainsInFlight(t *testing.T) {
	c := setupQueueCache(t)
	q := NewQueue("test-drain", c, zap.NewNop())
	q.cfg = Config{Name: "test-drain", Concurrency: 1, MaxAttempts: 1, InitialBackoff: time.Second, MaxBackoff: time.Second}
	ctx := context.Background()

	started := make(chan struct{})
	var finished int32
	w := NewWorker(q, func(ctx context.Context, jobID string, payload []byte) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		atomic.AddInt32(&finished, 1)
		return nil
	}, zap.NewNop())

	w.Start(ctx)
	require.NoError(t, q.Enqueue(ctx, "slow", []byte(`{}`)))

	<-started
	w.Close(5 * time.Second)

	assert.Equal(t, int32(1), atomic.LoadInt32(&finished), "in-flight job must complete before close returns")
}

func TestBackoffDoubling(t *testing.T) {
	q := NewQueue("webhook-delivery", setupQueueCache(t), zap.NewNop())

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{7, 128 * time.Second},
		{10, 128 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, q.backoffFor(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestSchedulerReconcileDeletesStaleRepeatables(t *testing.T) {
	c := setupQueueCache(t)
	ctx := context.Background()

	require.NoError(t, c.HSet(ctx, repeatablesKey, map[string]interface{}{
		"scan:old_detector": "*/5 * * * *",
		"scan:kept":         "*/15 * * * *",
	}))

	s := NewScheduler(NewQueue("scheduled-scans", c, zap.NewNop()), NewQueue("data-retention", c, zap.NewNop()), nil, c, zap.NewNop())
	require.NoError(t, s.Reconcile(ctx, []ScheduleEntry{
		{Name: "scan:kept", Pattern: "*/15 * * * *", DetectorID: "kept", OrgID: "all"},
		{Name: "scan:fresh", Pattern: "*/15 * * * *", DetectorID: "fresh", OrgID: "all"},
	}))

	registry, err := c.HGetAll(ctx, repeatablesKey)
	require.NoError(t, err)
	assert.NotContains(t, registry, "scan:old_detector")
	assert.Contains(t, registry, "scan:kept")
	assert.Contains(t, registry, "scan:fresh")
}

func TestDefaultScheduleCoversDetectorsAndRetention(t *testing.T) {
	entries := DefaultSchedule([]string{"silent_renewal_failure", "webhook_delivery_gap"})
	require.Len(t, entries, 3)

	names := make(map[string]string)
	for _, e := range entries {
		names[e.Name] = e.Pattern
	}
	assert.Equal(t, "*/15 * * * *", names["scan:silent_renewal_failure"])
	assert.Equal(t, "*/30 * * * *", names["scan:webhook_delivery_gap"])
	assert.Equal(t, "0 3 * * *", names["data-retention"])
}
