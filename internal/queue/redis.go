package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisOptions configures RedisQueue.
type RedisOptions struct {
	Key         string
	Concurrency int
	MaxAttempts int
	// BlockTimeout bounds each blocking pop so shutdown is noticed.
	BlockTimeout time.Duration
	Logger       zerolog.Logger
}

// RedisQueue keeps pending tasks in a list and moves each claimed task to a
// processing list with BLMOVE until it is acknowledged. Failed tasks wait in
// a sorted set scored by their retry time.
type RedisQueue struct {
	rdb          redis.UniversalClient
	keys         redisKeys
	concurrency  int
	maxAttempts  int
	blockTimeout time.Duration
	logger       zerolog.Logger
}

type redisKeys struct {
	pending    string
	processing string
	delayed    string
	attempts   string
}

func newRedisKeys(base string) redisKeys {
	return redisKeys{
		pending:    base,
		processing: base + ":processing",
		delayed:    base + ":delayed",
		attempts:   base + ":attempts",
	}
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewRedisQueue constructs a queue on rdb.
func NewRedisQueue(rdb redis.UniversalClient, opts RedisOptions) *RedisQueue {
	if opts.Key == "" {
		opts.Key = "genstudio:generation_tasks"
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}
	return &RedisQueue{
		rdb:          rdb,
		keys:         newRedisKeys(opts.Key),
		concurrency:  opts.Concurrency,
		maxAttempts:  opts.MaxAttempts,
		blockTimeout: opts.BlockTimeout,
		logger:       opts.Logger,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	if err := q.rdb.LPush(ctx, q.keys.pending, jobID).Err(); err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	return nil
}

// Run consumes tasks until ctx is done. Tasks left in the processing list by
// a crashed worker are moved back to pending first; with several worker
// processes this may redeliver a task that is still running elsewhere.
func (q *RedisQueue) Run(ctx context.Context, handler Handler) error {
	if n, err := q.recover(ctx); err != nil {
		q.logger.Warn().Err(err).Msg("queue: failed to recover in-flight tasks")
	} else if n > 0 {
		q.logger.Info().Int("tasks", n).Msg("queue: recovered in-flight tasks")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.releaseDelayed(ctx)
	}()
	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx, handler)
		}()
	}
	q.logger.Info().Int("concurrency", q.concurrency).Str("key", q.keys.pending).Msg("queue: redis worker started")
	wg.Wait()
	return ctx.Err()
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) {
	for ctx.Err() == nil {
		jobID, err := q.rdb.BLMove(ctx, q.keys.pending, q.keys.processing, "RIGHT", "LEFT", q.blockTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.logger.Error().Err(err).Msg("queue: redis claim failed")
			_ = sleep(ctx, time.Second)
			continue
		}
		q.handle(ctx, handler, jobID)
	}
}

func (q *RedisQueue) handle(ctx context.Context, handler Handler, jobID string) {
	handlerErr := handler(ctx, jobID)
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	logger := q.logger.With().Str("job_id", jobID).Logger()

	if handlerErr == nil {
		_, err := q.rdb.TxPipelined(bg, func(pipe redis.Pipeliner) error {
			pipe.LRem(bg, q.keys.processing, 1, jobID)
			pipe.HDel(bg, q.keys.attempts, jobID)
			return nil
		})
		if err != nil {
			logger.Error().Err(err).Msg("queue: failed to ack task")
		}
		return
	}

	attempts, err := q.rdb.HIncrBy(bg, q.keys.attempts, jobID, 1).Result()
	if err != nil {
		logger.Error().Err(err).Msg("queue: failed to count attempt")
		return
	}
	if int(attempts) >= q.maxAttempts {
		logger.Error().Err(handlerErr).Int64("attempts", attempts).Msg("queue: giving up on task")
		_, _ = q.rdb.TxPipelined(bg, func(pipe redis.Pipeliner) error {
			pipe.LRem(bg, q.keys.processing, 1, jobID)
			pipe.HDel(bg, q.keys.attempts, jobID)
			return nil
		})
		return
	}

	delay := RetryDelay(int(attempts))
	logger.Warn().Err(handlerErr).Int64("attempt", attempts).Dur("retry_in", delay).Msg("queue: task failed")
	_, err = q.rdb.TxPipelined(bg, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(bg, q.keys.delayed, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: jobID})
		pipe.LRem(bg, q.keys.processing, 1, jobID)
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("queue: failed to reschedule task")
	}
}

// releaseDelayed moves due retries back to the pending list. ZREM decides
// which process moves a task, so each retry is pushed once.
func (q *RedisQueue) releaseDelayed(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		due, err := q.rdb.ZRangeByScore(ctx, q.keys.delayed, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
			Count: 100,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Warn().Err(err).Msg("queue: failed to read delayed tasks")
			}
			continue
		}
		for _, jobID := range due {
			removed, err := q.rdb.ZRem(ctx, q.keys.delayed, jobID).Result()
			if err != nil || removed == 0 {
				continue
			}
			if err := q.rdb.LPush(ctx, q.keys.pending, jobID).Err(); err != nil {
				q.logger.Error().Err(err).Str("job_id", jobID).Msg("queue: failed to release delayed task")
			}
		}
	}
}

func (q *RedisQueue) recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.rdb.LMove(ctx, q.keys.processing, q.keys.pending, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Close closes the client.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

var _ Queue = (*RedisQueue)(nil)
