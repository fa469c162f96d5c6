// Package queue carries generation tasks from the API to workers. Every
// backend delivers at least once; task bodies must tolerate redelivery.
package queue

import (
	"context"
	"errors"
	"time"
)

// DefaultMaxAttempts bounds how often a failing task is redelivered.
const DefaultMaxAttempts = 5

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue: closed")

// Handler executes one task.
type Handler func(ctx context.Context, jobID string) error

// Enqueuer hands a task to the substrate.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Queue is a task substrate with a consumer side.
type Queue interface {
	Enqueuer
	// Run consumes tasks with handler until ctx is done.
	Run(ctx context.Context, handler Handler) error
	Close() error
}

// RetryDelay is the backoff before redelivering a task that failed on its
// attempt-th delivery.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second << (attempt - 1)
	if d > 5*time.Minute || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
