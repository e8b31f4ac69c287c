// Package taskqueue implements the background task queue (§2.14):
// a bounded worker pool that runs closures outside of the primary
// reader-writer lock so that effects touching sockets, disk, or
// further listener callbacks never re-enter the lock while it is
// held. Adapted from dittofs's pkg/payload/transfer.TransferQueue,
// generalized from a fixed upload-request struct to an arbitrary
// func() task.
package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/dcqueue/qengine/internal/logger"
)

// Task is a unit of deferred work. Tasks must not block on the
// primary index lock being held by their enqueuer; by the time a
// worker runs a task, the caller has already released it.
type Task func()

// Config holds queue sizing parameters.
type Config struct {
	// QueueSize bounds the number of pending tasks. Default: 1000.
	QueueSize int
	// Workers is the number of concurrent worker goroutines. Default: 1,
	// since the queue's purpose is breaking lock re-entrancy, not
	// parallelism; callers with genuinely parallel effects (e.g. UBN
	// sends to many peers) may raise this.
	Workers int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{QueueSize: 1000, Workers: 1}
}

// Queue is a single (or multi-)worker background task queue.
type Queue struct {
	queue     chan Task
	workers   int
	wg        sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu        sync.Mutex
	started   bool
	pending   int
	completed int
	dropped   int
}

// New constructs a Queue in the stopped state; call Start to begin
// processing.
func New(cfg Config) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Queue{
		queue:     make(chan Task, cfg.QueueSize),
		workers:   cfg.Workers,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the worker goroutines. Safe to call once; subsequent
// calls are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	logger.Info("Starting background task queue", "workers", q.workers)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	go func() {
		q.wg.Wait()
		close(q.stoppedCh)
	}()
}

// Stop signals workers to drain and exit, waiting up to timeout.
func (q *Queue) Stop(timeout time.Duration) {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	close(q.stopCh)
	select {
	case <-q.stoppedCh:
		logger.Info("Background task queue stopped gracefully")
	case <-time.After(timeout):
		logger.Warn("Background task queue stop timed out", "pending", q.Pending())
	}
}

// Enqueue submits t for background execution. Returns false and drops
// the task if the queue is full, which is preferable to blocking the
// caller's lock-holding goroutine.
func (q *Queue) Enqueue(t Task) bool {
	select {
	case q.queue <- t:
		q.mu.Lock()
		q.pending++
		q.mu.Unlock()
		return true
	default:
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		logger.Warn("Background task queue full, dropping task")
		return false
	}
}

// Pending returns the number of enqueued tasks that have not yet
// finished, whether still queued or running.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Stats returns pending, completed, and dropped counts.
func (q *Queue) Stats() (pending, completed, dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending, q.completed, q.dropped
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			q.drain()
			return
		case <-ctx.Done():
			return
		case t, ok := <-q.queue:
			if !ok {
				return
			}
			q.run(t)
		}
	}
}

func (q *Queue) drain() {
	for {
		select {
		case t, ok := <-q.queue:
			if !ok {
				return
			}
			q.run(t)
		default:
			return
		}
	}
}

func (q *Queue) run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("background task panicked", "recover", r)
		}
		q.mu.Lock()
		q.pending--
		q.completed++
		q.mu.Unlock()
	}()
	t()
}
