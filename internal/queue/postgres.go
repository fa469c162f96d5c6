package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"genstudio/internal/infra"
	"genstudio/internal/sqlinline"
)

var errNoTaskAvailable = errors.New("no task available")

// PostgresOptions configures PostgresQueue.
type PostgresOptions struct {
	// ListenDSN enables LISTEN/NOTIFY wakeups through lib/pq. Without it
	// idle workers fall back to polling.
	ListenDSN     string
	Concurrency   int
	MaxAttempts   int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	Logger        zerolog.Logger
}

// PostgresQueue stores tasks in the generation_tasks table. Claims lease a
// row with FOR UPDATE SKIP LOCKED; an expired lease makes the task visible
// again, which is how a crashed worker's tasks are redelivered.
type PostgresQueue struct {
	runner        infra.SQLExecutor
	listenDSN     string
	concurrency   int
	maxAttempts   int
	pollInterval  time.Duration
	leaseDuration time.Duration
	logger        zerolog.Logger

	mu       sync.Mutex
	listener *pq.Listener
}

// NewPostgresQueue constructs a queue over runner.
func NewPostgresQueue(runner infra.SQLExecutor, opts PostgresOptions) *PostgresQueue {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 20 * time.Minute
	}
	return &PostgresQueue{
		runner:        runner,
		listenDSN:     opts.ListenDSN,
		concurrency:   opts.Concurrency,
		maxAttempts:   opts.MaxAttempts,
		pollInterval:  opts.PollInterval,
		leaseDuration: opts.LeaseDuration,
		logger:        opts.Logger,
	}
}

// Enqueue inserts the task and notifies listening workers. Enqueueing a job
// that is already queued makes it available immediately.
func (q *PostgresQueue) Enqueue(ctx context.Context, jobID string) error {
	if _, err := q.runner.Exec(ctx, sqlinline.QEnqueueGenerationTask, jobID); err != nil {
		return fmt.Errorf("enqueue generation task: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Run(ctx context.Context, handler Handler) error {
	wake := make(chan struct{}, q.concurrency)
	if q.listenDSN != "" {
		if err := q.listen(ctx, wake); err != nil {
			q.logger.Warn().Err(err).Msg("queue: listen failed, polling only")
		}
	}

	q.logger.Info().Int("concurrency", q.concurrency).Msg("queue: postgres worker started")
	var wg sync.WaitGroup
	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx, handler, wake)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *PostgresQueue) work(ctx context.Context, handler Handler, wake <-chan struct{}) {
	for {
		if ctx.Err() != nil {
			return
		}
		jobID, attempts, err := q.claim(ctx)
		if err != nil {
			if !errors.Is(err, errNoTaskAvailable) && ctx.Err() == nil {
				q.logger.Error().Err(err).Msg("queue: failed to claim task")
			}
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-time.After(q.pollInterval):
			}
			continue
		}
		q.handle(ctx, handler, jobID, attempts)
	}
}

func (q *PostgresQueue) claim(ctx context.Context) (string, int, error) {
	row := q.runner.QueryRow(ctx, sqlinline.QClaimGenerationTask, int(q.leaseDuration/time.Second))
	var jobID string
	var attempts int
	if err := row.Scan(&jobID, &attempts); err != nil {
		if infra.IsNoRows(err) {
			return "", 0, errNoTaskAvailable
		}
		return "", 0, err
	}
	return jobID, attempts, nil
}

func (q *PostgresQueue) handle(ctx context.Context, handler Handler, jobID string, attempts int) {
	logger := q.logger.With().Str("job_id", jobID).Int("attempt", attempts).Logger()
	err := handler(ctx, jobID)
	// Bookkeeping must land even when shutdown interrupted the handler.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err == nil || attempts >= q.maxAttempts {
		if err != nil {
			logger.Error().Err(err).Msg("queue: giving up on task")
		}
		if _, ackErr := q.runner.Exec(bg, sqlinline.QAckGenerationTask, jobID); ackErr != nil {
			logger.Error().Err(ackErr).Msg("queue: failed to ack task")
		}
		return
	}

	delay := RetryDelay(attempts)
	if ctx.Err() != nil {
		delay = 0
	}
	logger.Warn().Err(err).Dur("retry_in", delay).Msg("queue: task failed")
	if _, retryErr := q.runner.Exec(bg, sqlinline.QRetryGenerationTask, jobID, int(delay/time.Second)); retryErr != nil {
		logger.Error().Err(retryErr).Msg("queue: failed to reschedule task")
	}
}

func (q *PostgresQueue) listen(ctx context.Context, wake chan<- struct{}) error {
	listener := pq.NewListener(q.listenDSN, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			q.logger.Warn().Err(err).Int("event", int(ev)).Msg("queue: listener event")
		}
	})
	if err := listener.Listen(sqlinline.ChannelGenerationTasks); err != nil {
		_ = listener.Close()
		return err
	}
	q.mu.Lock()
	q.listener = listener
	q.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-listener.Notify:
				if !ok {
					return
				}
				// A nil notification follows a reconnect; wake a worker either way.
				select {
				case wake <- struct{}{}:
				default:
				}
			case <-time.After(90 * time.Second):
				go func() { _ = listener.Ping() }()
			}
		}
	}()
	return nil
}

// Close stops the notification listener.
func (q *PostgresQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.listener == nil {
		return nil
	}
	err := q.listener.Close()
	q.listener = nil
	return err
}

var _ Queue = (*PostgresQueue)(nil)
