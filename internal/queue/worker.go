package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/revback/core/pkg/metrics"
)

// Handler processes one dequeued job. A returned error means the attempt
// failed and the queue decides between a delayed retry and the DLQ.
type Handler func(ctx context.Context, jobID string, payload []byte) error

// DeadLetterHandler is invoked once when a job exhausts its attempts, so the
// application can mark its own records (e.g. flip a RawWebhookLog to dlq).
type DeadLetterHandler func(ctx context.Context, jobID string, payload []byte, lastErr string)

// Worker drives one named queue: a pool of goroutines popping jobs, plus a
// promoter that moves due delayed retries back onto the main list.
type Worker struct {
	queue        *Queue
	handler      Handler
	onDeadLetter DeadLetterHandler
	logger       *zap.Logger

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker constructs a worker for a queue. The worker is inert until Start.
func NewWorker(q *Queue, handler Handler, logger *zap.Logger) *Worker {
	return &Worker{queue: q, handler: handler, logger: logger}
}

// OnDeadLetter registers the dead-letter callback.
func (w *Worker) OnDeadLetter(fn DeadLetterHandler) {
	w.onDeadLetter = fn
}

// Start launches the worker pool. Jobs in flight when the parent context is
// cancelled keep running until Close's drain deadline.
func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	for i := 0; i < w.queue.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(runCtx, fmt.Sprintf("%s-%d", w.queue.cfg.Name, i))
	}

	w.wg.Add(1)
	go w.promoteLoop(runCtx)

	w.logger.Info("queue worker started",
		zap.String("queue", w.queue.cfg.Name),
		zap.Int("concurrency", w.queue.cfg.Concurrency),
		zap.Int("max_attempts", w.queue.cfg.MaxAttempts),
	)
}

// Close stops pulling new jobs and waits up to timeout for in-flight jobs to
// finish. Jobs still running at the deadline stay on their in-flight lists;
// Start does not move in-flight jobs back onto the queue.
func (w *Worker) Close(timeout time.Duration) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("queue worker drained", zap.String("queue", w.queue.cfg.Name))
	case <-time.After(timeout):
		w.logger.Warn("queue worker drain deadline exceeded",
			zap.String("queue", w.queue.cfg.Name),
		)
	}
}

// loop is one worker goroutine: block-pop a job id into this worker's
// in-flight list, process it, repeat. The pop uses a short timeout so the
// loop notices cancellation promptly.
func (w *Worker) loop(ctx context.Context, workerID string) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := w.queue.cache.BRPopLPush(ctx, w.queue.listKey(), w.queue.inflightKey(workerID), time.Second)
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			w.logger.Error("queue pop failed",
				zap.String("queue", w.queue.cfg.Name),
				zap.Error(err),
			)
			time.Sleep(time.Second)
			continue
		}

		// The job runs against the background context so cancellation stops
		// *pulling* but lets the active job drain.
		w.process(context.Background(), workerID, jobID)
	}
}

func (w *Worker) process(ctx context.Context, workerID, jobID string) {
	meta, err := w.queue.cache.HGetAll(ctx, w.queue.metaKey(jobID))
	if err != nil || len(meta) == 0 {
		w.logger.Error("job metadata missing, dropping",
			zap.String("queue", w.queue.cfg.Name),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		w.removeInflight(ctx, workerID, jobID)
		return
	}

	attempts, _ := strconv.Atoi(meta["attempts"])
	attempts++
	payload := []byte(meta["payload"])

	_ = w.queue.cache.HSet(ctx, w.queue.metaKey(jobID), map[string]interface{}{
		"status":   string(JobProcessing),
		"attempts": attempts,
	})

	err = w.handler(ctx, jobID, payload)
	w.removeInflight(ctx, workerID, jobID)

	if err == nil {
		w.finish(ctx, jobID, JobSucceeded, "")
		metrics.RecordJob(w.queue.cfg.Name, "succeeded")
		return
	}

	if attempts >= w.queue.cfg.MaxAttempts {
		w.deadLetter(ctx, jobID, payload, err)
		return
	}

	backoff := w.queue.backoffFor(attempts)
	_ = w.queue.cache.HSet(ctx, w.queue.metaKey(jobID), map[string]interface{}{
		"status":     string(JobFailed),
		"last_error": err.Error(),
	})
	if zerr := w.queue.cache.ZAdd(ctx, w.queue.delayedKey(), float64(time.Now().Add(backoff).UnixMilli()), jobID); zerr != nil {
		w.logger.Error("failed to schedule retry",
			zap.String("queue", w.queue.cfg.Name),
			zap.String("job_id", jobID),
			zap.Error(zerr),
		)
	}
	metrics.RecordJob(w.queue.cfg.Name, "retried")

	w.logger.Warn("job failed, retry scheduled",
		zap.String("queue", w.queue.cfg.Name),
		zap.String("job_id", jobID),
		zap.Int("attempt", attempts),
		zap.Duration("backoff", backoff),
		zap.Error(err),
	)
}

func (w *Worker) deadLetter(ctx context.Context, jobID string, payload []byte, cause error) {
	if err := w.queue.cache.LPush(ctx, w.queue.dlqKey(), jobID); err != nil {
		w.logger.Error("failed to move job to DLQ",
			zap.String("queue", w.queue.cfg.Name),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
	w.finish(ctx, jobID, JobDLQ, cause.Error())
	metrics.RecordJob(w.queue.cfg.Name, "dlq")

	w.logger.Error("job exhausted attempts, moved to DLQ",
		zap.String("queue", w.queue.cfg.Name),
		zap.String("job_id", jobID),
		zap.Error(cause),
	)

	if w.onDeadLetter != nil {
		w.onDeadLetter(ctx, jobID, payload, cause.Error())
	}
}

func (w *Worker) finish(ctx context.Context, jobID string, status JobStatus, lastErr string) {
	fields := map[string]interface{}{"status": string(status)}
	if lastErr != "" {
		fields["last_error"] = lastErr
	}
	_ = w.queue.cache.HSet(ctx, w.queue.metaKey(jobID), fields)
	// Completed jobs evict after 24h; failed/DLQ metadata is retained for
	// inspection alongside the DLQ list itself.
	if status == JobSucceeded {
		_ = w.queue.cache.Expire(ctx, w.queue.metaKey(jobID), 24*time.Hour)
	}
}

func (w *Worker) removeInflight(ctx context.Context, workerID, jobID string) {
	if err := w.queue.cache.LRem(ctx, w.queue.inflightKey(workerID), 1, jobID); err != nil {
		w.logger.Warn("failed to clear in-flight marker",
			zap.String("queue", w.queue.cfg.Name),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}

// promoteLoop moves due retries from the delayed sorted set back onto the
// main list, and samples queue depth for the metrics gauge.
func (w *Worker) promoteLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.promoteDue(ctx)
			if depth, err := w.queue.Len(ctx); err == nil {
				metrics.SetQueueDepth(w.queue.cfg.Name, depth)
			}
		}
	}
}

func (w *Worker) promoteDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := w.queue.cache.ZRangeByScore(ctx, w.queue.delayedKey(), "-inf", now)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Error("failed to read delayed jobs",
				zap.String("queue", w.queue.cfg.Name),
				zap.Error(err),
			)
		}
		return
	}

	for _, jobID := range due {
		if err := w.queue.cache.ZRem(ctx, w.queue.delayedKey(), jobID); err != nil {
			continue
		}
		if err := w.queue.cache.LPush(ctx, w.queue.listKey(), jobID); err != nil {
			w.logger.Error("failed to requeue delayed job",
				zap.String("queue", w.queue.cfg.Name),
				zap.String("job_id", jobID),
				zap.Error(err),
			)
		}
	}
}
