package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MemoryOptions configures MemoryQueue.
type MemoryOptions struct {
	Concurrency int
	MaxAttempts int
	Buffer      int
	// Backoff overrides RetryDelay, mostly for tests.
	Backoff func(attempt int) time.Duration
	Logger  zerolog.Logger
}

type memoryTask struct {
	jobID   string
	attempt int
}

// MemoryQueue runs tasks in process. Tasks are lost when the process exits,
// so it suits development and tests only.
type MemoryQueue struct {
	tasks       chan memoryTask
	concurrency int
	maxAttempts int
	backoff     func(int) time.Duration
	logger      zerolog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewMemoryQueue constructs an in-process queue.
func NewMemoryQueue(opts MemoryOptions) *MemoryQueue {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Buffer < 1 {
		opts.Buffer = 1024
	}
	if opts.Backoff == nil {
		opts.Backoff = RetryDelay
	}
	return &MemoryQueue{
		tasks:       make(chan memoryTask, opts.Buffer),
		concurrency: opts.Concurrency,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		logger:      opts.Logger,
		done:        make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.push(ctx, memoryTask{jobID: jobID, attempt: 1})
}

// push waits for buffer space without holding mu so Close never blocks on a
// full buffer.
func (q *MemoryQueue) push(ctx context.Context, task memoryTask) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case q.tasks <- task:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is done and in-flight tasks
// have returned.
func (q *MemoryQueue) Run(ctx context.Context, handler Handler) error {
	var workers sync.WaitGroup
	for i := 0; i < q.concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-q.tasks:
					q.handle(ctx, handler, task)
				}
			}
		}()
	}
	workers.Wait()
	q.wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) handle(ctx context.Context, handler Handler, task memoryTask) {
	err := handler(ctx, task.jobID)
	if err == nil {
		return
	}
	if task.attempt >= q.maxAttempts {
		q.logger.Error().Err(err).Str("job_id", task.jobID).Int("attempts", task.attempt).Msg("queue: giving up on task")
		return
	}
	delay := q.backoff(task.attempt)
	q.logger.Warn().Err(err).Str("job_id", task.jobID).Int("attempt", task.attempt).Dur("retry_in", delay).Msg("queue: task failed")
	next := memoryTask{jobID: task.jobID, attempt: task.attempt + 1}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if sleep(ctx, delay) != nil {
			return
		}
		if err := q.push(ctx, next); err != nil {
			q.logger.Warn().Err(err).Str("job_id", next.jobID).Msg("queue: failed to requeue task")
		}
	}()
}

// Close rejects further enqueues and releases producers waiting on a full
// buffer.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
