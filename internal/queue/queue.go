// Package queue is a Redis-list-backed job queue: one list per named queue,
// a per-job metadata hash for attempt tracking, a sorted set for delayed
// retries, and a dead-letter list for exhausted jobs. Built directly on the
// Redis primitives the process already holds a connection for, rather than
// pulling in a dedicated job-queue dependency.
package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/revback/core/pkg/cache"
)

// Config holds one named queue's concurrency and retry policy.
type Config struct {
	Name           string
	Concurrency    int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Defaults are the named-queue configurations.
var Defaults = map[string]Config{
	"webhook-processing": {Name: "webhook-processing", Concurrency: 5, MaxAttempts: 3, InitialBackoff: 2 * time.Second, MaxBackoff: 16 * time.Second},
	"scheduled-scans":     {Name: "scheduled-scans", Concurrency: 2, MaxAttempts: 1, InitialBackoff: time.Second, MaxBackoff: time.Second},
	"webhook-delivery":    {Name: "webhook-delivery", Concurrency: 10, MaxAttempts: 7, InitialBackoff: 2 * time.Second, MaxBackoff: 128 * time.Second},
	"ai-investigation":    {Name: "ai-investigation", Concurrency: 2, MaxAttempts: 3, InitialBackoff: 5 * time.Second, MaxBackoff: 60 * time.Second},
	"data-retention":      {Name: "data-retention", Concurrency: 1, MaxAttempts: 1, InitialBackoff: time.Second, MaxBackoff: time.Second},
}

// JobStatus is a job's lifecycle within the queue substrate, independent of
// whatever application-level status (e.g. RawWebhookLog.ProcessingStatus)
// the handler itself tracks.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
	JobDLQ        JobStatus = "dlq"
)

// Queue is one named job queue.
type Queue struct {
	cache  *cache.Cache
	logger *zap.Logger
	cfg    Config
}

// NewQueue constructs a queue, falling back to a conservative single-worker,
// single-attempt config for names outside Defaults.
func NewQueue(name string, c *cache.Cache, logger *zap.Logger) *Queue {
	cfg, ok := Defaults[name]
	if !ok {
		cfg = Config{Name: name, Concurrency: 1, MaxAttempts: 1, InitialBackoff: time.Second, MaxBackoff: time.Second}
	}
	return &Queue{cache: c, logger: logger, cfg: cfg}
}

// Config returns the queue's configuration.
func (q *Queue) Config() Config { return q.cfg }

// Enqueue adds a job with the given stable id and payload. Re-enqueuing the
// same jobId is a no-op, preventing double-enqueue on retried HTTP requests.
func (q *Queue) Enqueue(ctx context.Context, jobID string, payload []byte) error {
	created, err := q.cache.SetNX(ctx, q.dedupKey(jobID), "1", 24*time.Hour)
	if err != nil {
		return fmt.Errorf("failed to set job dedup key: %w", err)
	}
	if !created {
		return nil
	}

	if err := q.cache.HSet(ctx, q.metaKey(jobID), map[string]interface{}{
		"status":   string(JobQueued),
		"attempts": 0,
		"payload":  string(payload),
	}); err != nil {
		return fmt.Errorf("failed to write job metadata: %w", err)
	}

	if err := q.cache.LPush(ctx, q.listKey(), jobID); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// EnqueueFront adds a job at the consuming end of the queue, ahead of
// everything already waiting. Used for manual scan triggers, which bypass the
// cron schedule with priority. The same jobId dedup applies.
func (q *Queue) EnqueueFront(ctx context.Context, jobID string, payload []byte) error {
	created, err := q.cache.SetNX(ctx, q.dedupKey(jobID), "1", 24*time.Hour)
	if err != nil {
		return fmt.Errorf("failed to set job dedup key: %w", err)
	}
	if !created {
		return nil
	}

	if err := q.cache.HSet(ctx, q.metaKey(jobID), map[string]interface{}{
		"status":   string(JobQueued),
		"attempts": 0,
		"payload":  string(payload),
	}); err != nil {
		return fmt.Errorf("failed to write job metadata: %w", err)
	}

	if err := q.cache.RPush(ctx, q.listKey(), jobID); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Len reports the number of jobs waiting in the main queue list.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.cache.LLen(ctx, q.listKey())
}

// DLQLen reports the number of jobs parked in the dead-letter list.
func (q *Queue) DLQLen(ctx context.Context) (int64, error) {
	return q.cache.LLen(ctx, q.dlqKey())
}

func (q *Queue) listKey() string    { return fmt.Sprintf("queue:%s:jobs", q.cfg.Name) }
func (q *Queue) delayedKey() string { return fmt.Sprintf("queue:%s:delayed", q.cfg.Name) }
func (q *Queue) dlqKey() string     { return fmt.Sprintf("queue:%s:dlq", q.cfg.Name) }
func (q *Queue) inflightKey(workerID string) string {
	return fmt.Sprintf("queue:%s:inflight:%s", q.cfg.Name, workerID)
}
func (q *Queue) metaKey(jobID string) string { return fmt.Sprintf("queue:%s:meta:%s", q.cfg.Name, jobID) }
func (q *Queue) dedupKey(jobID string) string {
	return fmt.Sprintf("queue:%s:dedup:%s", q.cfg.Name, jobID)
}

// backoffFor returns the delay before the (1-indexed) attempt'th retry.
func (q *Queue) backoffFor(attempt int) time.Duration {
	d := q.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	return d
}
