// Package queue provides a bounded in-memory FIFO queue with exactly
// one consumer goroutine. Single-flight processing is the point: the
// remote market must never see two queued requests at once, so jobs
// run strictly in enqueue order with an optional pacing gap between
// them.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leader001a/ro-market-crawler-sub001/internal/pkg/metrics"
)

// Job is one unit of asynchronous work.
type Job func(ctx context.Context) error

// ErrorHandler is invoked for every failed job.
type ErrorHandler func(err error, job Job)

// Queue is a single-consumer job queue.
type Queue struct {
	logger       *slog.Logger
	jobs         chan Job
	jobDelay     time.Duration // pacing gap between consecutive jobs
	errorHandler ErrorHandler

	wg     sync.WaitGroup
	closed atomic.Bool

	stats queueStats
}

type queueStats struct {
	TotalEnqueued  atomic.Int64
	TotalProcessed atomic.Int64
	TotalSucceeded atomic.Int64
	TotalFailed    atomic.Int64
	TotalDropped   atomic.Int64
	TotalPanics    atomic.Int64
}

// Stats is a copyable snapshot of the queue counters.
type Stats struct {
	TotalEnqueued  int64
	TotalProcessed int64
	TotalSucceeded int64
	TotalFailed    int64
	TotalDropped   int64
	TotalPanics    int64
}

// New creates a queue with the given capacity. jobDelay inserts a
// fixed pause after each job before the next one is taken; zero
// disables pacing.
func New(logger *slog.Logger, capacity int, jobDelay time.Duration) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		logger:   logger,
		jobs:     make(chan Job, capacity),
		jobDelay: jobDelay,
	}
}

// SetErrorHandler installs the failure callback.
func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.errorHandler = handler
}

// Start launches the single consumer. It runs until ctx is cancelled
// or Shutdown is called.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.worker(ctx)
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("queue worker stopped")
			return

		case job, ok := <-q.jobs:
			if !ok {
				q.logger.Debug("queue worker exit on closed channel")
				return
			}
			metrics.MonitorQueueDepth.Set(float64(len(q.jobs)))
			if job != nil {
				q.executeJob(ctx, job)
			}
			if q.jobDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(q.jobDelay):
				}
			}
		}
	}
}

func (q *Queue) executeJob(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			q.stats.TotalPanics.Add(1)
			q.logger.Error("job panic recovered",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	err := job(ctx)
	q.stats.TotalProcessed.Add(1)

	if err != nil {
		q.stats.TotalFailed.Add(1)
		q.logger.Warn("job failed", slog.String("error", err.Error()))

		if q.errorHandler != nil {
			q.errorHandler(err, job)
		}
	} else {
		q.stats.TotalSucceeded.Add(1)
	}
}

// Enqueue adds a job without blocking; a full queue drops the job and
// returns false.
func (q *Queue) Enqueue(job Job) bool {
	if job == nil {
		return false
	}

	if q.closed.Load() {
		q.logger.Warn("queue is closed, reject job")
		return false
	}

	select {
	case q.jobs <- job:
		q.stats.TotalEnqueued.Add(1)
		metrics.MonitorQueueDepth.Set(float64(len(q.jobs)))
		return true
	default:
		q.stats.TotalDropped.Add(1)
		q.logger.Warn("queue full, drop job",
			slog.Int("capacity", cap(q.jobs)),
			slog.Int("pending", len(q.jobs)))
		return false
	}
}

// EnqueueBlocking adds a job, waiting until there is room or ctx ends.
func (q *Queue) EnqueueBlocking(ctx context.Context, job Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}

	if q.closed.Load() {
		return fmt.Errorf("queue is closed")
	}

	select {
	case q.jobs <- job:
		q.stats.TotalEnqueued.Add(1)
		metrics.MonitorQueueDepth.Set(float64(len(q.jobs)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops intake, drains the channel, and waits for the worker.
func (q *Queue) Shutdown() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.jobs)
		q.logger.Info("queue shutdown initiated, waiting for worker to finish")
		q.wg.Wait()
		q.logger.Info("queue shutdown completed")
	}
}

// ShutdownWithTimeout is Shutdown with an upper bound on the wait.
func (q *Queue) ShutdownWithTimeout(timeout time.Duration) error {
	if !q.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("queue already closed")
	}

	close(q.jobs)
	q.logger.Info("queue shutdown initiated with timeout",
		slog.String("timeout", timeout.String()))

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("queue shutdown completed")
		return nil
	case <-time.After(timeout):
		q.logger.Error("queue shutdown timeout")
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	return Stats{
		TotalEnqueued:  q.stats.TotalEnqueued.Load(),
		TotalProcessed: q.stats.TotalProcessed.Load(),
		TotalSucceeded: q.stats.TotalSucceeded.Load(),
		TotalFailed:    q.stats.TotalFailed.Load(),
		TotalDropped:   q.stats.TotalDropped.Load(),
		TotalPanics:    q.stats.TotalPanics.Load(),
	}
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.jobs)
}

// IsClosed reports whether the queue no longer accepts jobs.
func (q *Queue) IsClosed() bool {
	return q.closed.Load()
}

func (q *Queue) String() string {
	stats := q.Stats()
	return fmt.Sprintf("Queue[capacity=%d, pending=%d, closed=%v, enqueued=%d, processed=%d, succeeded=%d, failed=%d, dropped=%d, panics=%d]",
		q.Cap(),
		q.Len(),
		q.IsClosed(),
		stats.TotalEnqueued,
		stats.TotalProcessed,
		stats.TotalSucceeded,
		stats.TotalFailed,
		stats.TotalDropped,
		stats.TotalPanics,
	)
}
