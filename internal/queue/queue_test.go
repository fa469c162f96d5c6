package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"

	"genstudio/internal/sqlinline"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{9, 256 * time.Second},
		{10, 5 * time.Minute},
		{80, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := RetryDelay(tt.attempt); got != tt.want {
			t.Fatalf("RetryDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestMemoryQueueRetriesUntilSuccess(t *testing.T) {
	q := NewMemoryQueue(MemoryOptions{
		Concurrency: 2,
		Backoff:     func(int) time.Duration { return time.Millisecond },
		Logger:      zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx, func(_ context.Context, jobID string) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		})
	}()

	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("task not completed, calls = %d", atomic.LoadInt32(&calls))
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestMemoryQueueGivesUp(t *testing.T) {
	q := NewMemoryQueue(MemoryOptions{
		MaxAttempts: 2,
		Backoff:     func(int) time.Duration { return time.Millisecond },
		Logger:      zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32
	finished := make(chan struct{})
	go func() {
		_ = q.Run(ctx, func(context.Context, string) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("permanent")
		})
		close(finished)
	}()
	_ = q.Enqueue(ctx, "job-1")
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-finished

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemoryQueue(MemoryOptions{Logger: zerolog.Nop()})
	_ = q.Close()
	if err := q.Enqueue(context.Background(), "job-1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestMemoryQueueCloseReleasesBlockedProducer(t *testing.T) {
	q := NewMemoryQueue(MemoryOptions{Buffer: 1, Logger: zerolog.Nop()})
	if err := q.Enqueue(context.Background(), "job-1"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	blocked := make(chan error, 1)
	go func() { blocked <- q.Enqueue(context.Background(), "job-2") }()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = q.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind a producer waiting on a full buffer")
	}
	select {
	case err := <-blocked:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("blocked enqueue err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked producer was not released by Close")
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

type scriptedExecutor struct {
	mu     sync.Mutex
	claims []string
	execs  []string
	args   [][]any
}

func (s *scriptedExecutor) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, query)
	s.args = append(s.args, args)
	return pgconn.CommandTag{}, nil
}

func (s *scriptedExecutor) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.claims) == 0 {
		return claimRow{err: pgx.ErrNoRows}
	}
	id := s.claims[0]
	s.claims = s.claims[1:]
	return claimRow{jobID: id, attempts: 1}
}

func (s *scriptedExecutor) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type claimRow struct {
	jobID    string
	attempts int
	err      error
}

func (r claimRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.jobID
	*dest[1].(*int) = r.attempts
	return nil
}

func TestPostgresQueueAcksAndRetries(t *testing.T) {
	exec := &scriptedExecutor{claims: []string{"job-ok", "job-bad"}}
	q := NewPostgresQueue(exec, PostgresOptions{PollInterval: 10 * time.Millisecond, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())

	var handled int32
	finished := make(chan struct{})
	go func() {
		_ = q.Run(ctx, func(_ context.Context, jobID string) error {
			atomic.AddInt32(&handled, 1)
			if jobID == "job-bad" {
				return errors.New("boom")
			}
			return nil
		})
		close(finished)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&handled) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-finished

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.execs) != 2 {
		t.Fatalf("execs = %d, want 2", len(exec.execs))
	}
	if exec.execs[0] != sqlinline.QAckGenerationTask || exec.args[0][0] != "job-ok" {
		t.Fatalf("first exec = %v %v, want ack of job-ok", exec.execs[0], exec.args[0])
	}
	if exec.execs[1] != sqlinline.QRetryGenerationTask || exec.args[1][0] != "job-bad" || exec.args[1][1] != 1 {
		t.Fatalf("second exec args = %v, want retry of job-bad in 1s", exec.args[1])
	}
}

func TestPostgresEnqueue(t *testing.T) {
	exec := &scriptedExecutor{}
	q := NewPostgresQueue(exec, PostgresOptions{Logger: zerolog.Nop()})
	if err := q.Enqueue(context.Background(), "job-1"); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if exec.execs[0] != sqlinline.QEnqueueGenerationTask || exec.args[0][0] != "job-1" {
		t.Fatalf("exec = %v %v", exec.execs, exec.args)
	}
}

func TestRedisKeys(t *testing.T) {
	k := newRedisKeys("gs:tasks")
	if k.pending != "gs:tasks" || k.processing != "gs:tasks:processing" || k.delayed != "gs:tasks:delayed" || k.attempts != "gs:tasks:attempts" {
		t.Fatalf("keys = %+v", k)
	}
}

func TestWorkflowID(t *testing.T) {
	if got := WorkflowID("abc"); got != "generation-abc" {
		t.Fatalf("WorkflowID = %q", got)
	}
}

func TestGenerationWorkflowExecutesThenPromotes(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()

	var order []string
	var attempts int
	env.RegisterActivityWithOptions(func(_ context.Context, jobID string) error {
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		order = append(order, "execute:"+jobID)
		return nil
	}, activity.RegisterOptions{Name: ExecuteActivityName})
	env.RegisterActivityWithOptions(func(_ context.Context, jobID string) error {
		order = append(order, "promote:"+jobID)
		return nil
	}, activity.RegisterOptions{Name: PromoteActivityName})

	env.ExecuteWorkflow(GenerationWorkflow, GenerationInput{JobID: "job-1", Promote: true})
	if !env.IsWorkflowCompleted() {
		t.Fatalf("workflow not completed")
	}
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("execute attempts = %d, want 2", attempts)
	}
	if len(order) != 2 || order[0] != "execute:job-1" || order[1] != "promote:job-1" {
		t.Fatalf("order = %v", order)
	}
}

func TestGenerationWorkflowWithoutPromotion(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	var promoted bool
	env.RegisterActivityWithOptions(func(context.Context, string) error { return nil }, activity.RegisterOptions{Name: ExecuteActivityName})
	env.RegisterActivityWithOptions(func(context.Context, string) error { promoted = true; return nil }, activity.RegisterOptions{Name: PromoteActivityName})

	env.ExecuteWorkflow(GenerationWorkflow, GenerationInput{JobID: "job-1"})
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	if promoted {
		t.Fatalf("promote ran without being requested")
	}
}

func TestGenerationWorkflowRejectsEmptyJob(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.ExecuteWorkflow(GenerationWorkflow, GenerationInput{})
	if env.GetWorkflowError() == nil {
		t.Fatalf("expected error for empty job id")
	}
}
