package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

const (
	WorkflowName        = "GenerationWorkflow"
	ExecuteActivityName = "ExecuteGeneration"
	PromoteActivityName = "PromoteGeneration"

	// ExecuteTimeout covers the longest provider budget plus result handling.
	ExecuteTimeout = 20 * time.Minute
	PromoteTimeout = 10 * time.Minute
)

// WorkflowID is the workflow id of a job. Starting a second workflow for a
// running job attaches to the existing run.
func WorkflowID(jobID string) string {
	return "generation-" + jobID
}

// TemporalOptions configures TemporalQueue.
type TemporalOptions struct {
	TaskQueue   string
	Concurrency int
	// Promote runs Phase 2 as its own activity after Execute succeeds.
	// Without it the workflow ends after Execute.
	Promote Handler
	Logger  zerolog.Logger
}

// TemporalQueue runs each job as a workflow with an execute activity and an
// optional promote activity. Temporal owns retries and redelivery.
type TemporalQueue struct {
	client      client.Client
	taskQueue   string
	concurrency int
	promote     Handler
	logger      zerolog.Logger
}

// NewTemporalClient dials Temporal with logs routed to zerolog.
func NewTemporalClient(ctx context.Context, hostPort, namespace string, logger zerolog.Logger) (client.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := client.DialContext(dialCtx, client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    NewTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("temporal dial failed (address=%s namespace=%s): %w", hostPort, namespace, err)
	}
	return c, nil
}

// NewTemporalQueue constructs a queue over c.
func NewTemporalQueue(c client.Client, opts TemporalOptions) *TemporalQueue {
	if opts.TaskQueue == "" {
		opts.TaskQueue = "genstudio-generation"
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &TemporalQueue{
		client:      c,
		taskQueue:   opts.TaskQueue,
		concurrency: opts.Concurrency,
		promote:     opts.Promote,
		logger:      opts.Logger,
	}
}

func (q *TemporalQueue) Enqueue(ctx context.Context, jobID string) error {
	run, err := q.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(jobID),
		TaskQueue: q.taskQueue,
	}, WorkflowName, GenerationInput{JobID: jobID, Promote: q.promote != nil})
	if err != nil {
		return fmt.Errorf("start generation workflow: %w", err)
	}
	q.logger.Debug().Str("job_id", jobID).Str("run_id", run.GetRunID()).Msg("queue: workflow started")
	return nil
}

// Run registers the workflow and activities and polls until ctx is done.
func (q *TemporalQueue) Run(ctx context.Context, handler Handler) error {
	w := worker.New(q.client, q.taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: q.concurrency,
	})
	w.RegisterWorkflowWithOptions(GenerationWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions(activityFunc(handler), activity.RegisterOptions{Name: ExecuteActivityName})
	promote := q.promote
	if promote == nil {
		promote = func(context.Context, string) error { return nil }
	}
	w.RegisterActivityWithOptions(activityFunc(promote), activity.RegisterOptions{Name: PromoteActivityName})

	if err := w.Start(); err != nil {
		return fmt.Errorf("start temporal worker: %w", err)
	}
	q.logger.Info().Str("task_queue", q.taskQueue).Int("concurrency", q.concurrency).Msg("queue: temporal worker started")
	<-ctx.Done()
	w.Stop()
	return ctx.Err()
}

// Close closes the client.
func (q *TemporalQueue) Close() error {
	q.client.Close()
	return nil
}

func activityFunc(h Handler) func(ctx context.Context, jobID string) error {
	return func(ctx context.Context, jobID string) error {
		return h(ctx, jobID)
	}
}

// GenerationInput is the workflow argument.
type GenerationInput struct {
	JobID   string `json:"job_id"`
	Promote bool   `json:"promote"`
}

// GenerationWorkflow executes a job and then promotes its result.
func GenerationWorkflow(ctx workflow.Context, in GenerationInput) error {
	if in.JobID == "" {
		return temporal.NewNonRetryableApplicationError("missing job id", "InvalidInput", nil)
	}
	retry := &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
		MaximumInterval:    5 * time.Minute,
		MaximumAttempts:    DefaultMaxAttempts,
	}

	execCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: ExecuteTimeout,
		RetryPolicy:         retry,
	})
	if err := workflow.ExecuteActivity(execCtx, ExecuteActivityName, in.JobID).Get(execCtx, nil); err != nil {
		return err
	}
	if !in.Promote {
		return nil
	}

	promoteCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: PromoteTimeout,
		RetryPolicy:         retry,
	})
	return workflow.ExecuteActivity(promoteCtx, PromoteActivityName, in.JobID).Get(promoteCtx, nil)
}

// temporalLogger adapts zerolog to the Temporal SDK logger.
type temporalLogger struct {
	logger zerolog.Logger
}

// NewTemporalLogger routes SDK logs through logger.
func NewTemporalLogger(logger zerolog.Logger) log.Logger {
	return temporalLogger{logger: logger.With().Str("component", "temporal").Logger()}
}

func (l temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug().Fields(keyvals).Msg(msg)
}

func (l temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info().Fields(keyvals).Msg(msg)
}

func (l temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn().Fields(keyvals).Msg(msg)
}

func (l temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error().Fields(keyvals).Msg(msg)
}

var _ Queue = (*TemporalQueue)(nil)
