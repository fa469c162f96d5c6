// Package dispatcher runs the generation job lifecycle: it validates and
// charges submissions, then executes queued jobs against a provider adapter
// and hands results to the promoter.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/unicode/norm"

	"genstudio/internal/catalog"
	"genstudio/internal/domain"
	"genstudio/internal/infra"
	"genstudio/internal/ledger"
	"genstudio/internal/providers/generation"
)

// cleanupTimeout bounds the FAILED patch and refund of a job that was never
// queued; they run detached from the caller's context.
const cleanupTimeout = 10 * time.Second

// MaxPromptLength bounds a prompt in characters after normalization.
const MaxPromptLength = 5000

const scheduleFailureMessage = "failed to schedule generation"

// Ledger is the slice of the credit ledger the dispatcher needs.
type Ledger interface {
	Cost(modelID string) int
	HasSufficientCredits(ctx context.Context, accountID, modelID string) (bool, int, error)
	Reserve(ctx context.Context, accountID, modelID string) (ledger.Reservation, error)
	Refund(ctx context.Context, accountID string, amount int) (int, error)
}

// Enqueuer hands a job to the execution substrate.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Promoter materializes results.
type Promoter interface {
	CompleteWithEphemeral(ctx context.Context, jobID string, res *generation.Result) (*domain.GenerationJob, error)
	Schedule(ctx context.Context, job *domain.GenerationJob)
}

// Options configures a Dispatcher.
type Options struct {
	// RefundOnFailure returns the reserved credits when a provider fails.
	RefundOnFailure bool
	// DeferPromotion leaves Phase 2 to the caller, e.g. a separate workflow
	// activity, instead of scheduling it after Phase 1.
	DeferPromotion bool
	Logger         zerolog.Logger
	Now            func() time.Time
}

// Dispatcher ties the ledger, job store, adapter and promoter together.
type Dispatcher struct {
	jobs     domain.JobRepository
	ledger   Ledger
	models   *catalog.Catalog
	adapter  generation.Adapter
	uploader generation.Uploader
	promoter Promoter
	queue    Enqueuer

	refundOnFailure bool
	deferPromotion  bool
	logger          zerolog.Logger
	now             func() time.Time
}

// SubmitRequest is a client submission.
type SubmitRequest struct {
	AccountID string
	Prompt    string
	ModelID   string
	Params    domain.Params
}

// SubmitResult is returned once the job is created and enqueued.
type SubmitResult struct {
	JobID            string
	State            domain.JobState
	CreditsCharged   int
	CreditsRemaining int
}

// New constructs a Dispatcher.
func New(jobs domain.JobRepository, l Ledger, models *catalog.Catalog, adapter generation.Adapter, uploader generation.Uploader, p Promoter, q Enqueuer, opts Options) *Dispatcher {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		jobs:            jobs,
		ledger:          l,
		models:          models,
		adapter:         adapter,
		uploader:        uploader,
		promoter:        p,
		queue:           q,
		refundOnFailure: opts.RefundOnFailure,
		deferPromotion:  opts.DeferPromotion,
		logger:          opts.Logger,
		now:             now,
	}
}

// Submit validates req, uploads inline inputs, reserves credits, creates the
// job and enqueues it. Nothing is charged when validation or preflight fails.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (res *SubmitResult, err error) {
	ctx, span := infra.StartSpan(ctx, "dispatcher.submit", attribute.String("model_id", req.ModelID))
	defer func() { infra.EndSpan(span, err) }()

	if strings.TrimSpace(req.AccountID) == "" {
		return nil, domain.ErrUnauthorized
	}
	prompt, err := NormalizePrompt(req.Prompt)
	if err != nil {
		return nil, err
	}
	modelID := strings.TrimSpace(req.ModelID)
	if modelID == "" {
		modelID = d.models.DefaultModel()
	}
	model, ok := d.models.Lookup(modelID)
	if !ok {
		return nil, &domain.ValidationError{Field: "model_id", Message: fmt.Sprintf("unknown model %q", modelID), Err: domain.ErrUnknownModel}
	}
	if model.RequiresImage() && !req.Params.HasInputImage() {
		return nil, domain.NewValidationError("image_url", "this model requires an input image")
	}
	if model.RequiresFrames() && !req.Params.HasFrames() {
		return nil, domain.NewValidationError("frames", "this model requires a first and a last frame")
	}

	cost := d.ledger.Cost(model.ID)
	affordable, balance, err := d.ledger.HasSufficientCredits(ctx, req.AccountID, model.ID)
	if err != nil {
		return nil, fmt.Errorf("check credits: %w", err)
	}
	if !affordable {
		return nil, &domain.PaymentRequiredError{Cost: cost, Balance: balance}
	}

	// Inline images are uploaded only for accounts that can pay.
	params, err := generation.Preflight(ctx, d.uploader, req.Params)
	if err != nil {
		return nil, err
	}
	reservation, err := d.ledger.Reserve(ctx, req.AccountID, model.ID)
	if err != nil {
		return nil, err
	}

	job := &domain.GenerationJob{
		ID:             uuid.NewString(),
		AccountID:      req.AccountID,
		Kind:           model.Kind(),
		State:          domain.JobStatePending,
		Prompt:         prompt,
		ModelID:        model.ID,
		Params:         params,
		CreditsCharged: reservation.Cost,
		CreatedAt:      d.now().UTC(),
	}
	if err := d.jobs.Create(ctx, job); err != nil {
		d.compensate(ctx, job, "create job")
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := d.queue.Enqueue(ctx, job.ID); err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("dispatcher: enqueue failed")
		d.failUnscheduled(ctx, job)
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, domain.ErrQueueUnavailable)
	}

	d.logger.Info().
		Str("job_id", job.ID).
		Str("account_id", job.AccountID).
		Str("model_id", job.ModelID).
		Int("credits_charged", reservation.Cost).
		Msg("dispatcher: job submitted")
	return &SubmitResult{
		JobID:            job.ID,
		State:            job.State,
		CreditsCharged:   reservation.Cost,
		CreditsRemaining: reservation.NewBalance,
	}, nil
}

// failUnscheduled marks a job that never reached the queue as FAILED and
// returns its credits; no provider work happened for it.
func (d *Dispatcher) failUnscheduled(ctx context.Context, job *domain.GenerationJob) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	msg := scheduleFailureMessage
	now := d.now().UTC()
	patch := domain.Transition(domain.JobStateFailed)
	patch.ErrorMessage = &msg
	patch.CompletedAt = &now
	if _, err := d.jobs.Patch(ctx, job.ID, patch); err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("dispatcher: failed to mark unscheduled job")
		return
	}
	d.compensate(ctx, job, "enqueue")
}

func (d *Dispatcher) compensate(ctx context.Context, job *domain.GenerationJob, stage string) {
	if _, err := d.ledger.Refund(context.WithoutCancel(ctx), job.AccountID, job.CreditsCharged); err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Str("stage", stage).Int("credits", job.CreditsCharged).Msg("dispatcher: refund failed")
	}
}

// Execute runs a queued job. It is safe to call more than once for the same
// job: terminal jobs are left alone and a redelivered in-flight job resumes
// polling its provider request when one was recorded.
func (d *Dispatcher) Execute(ctx context.Context, jobID string) (err error) {
	ctx, span := infra.StartSpan(ctx, "dispatcher.execute", attribute.String("job_id", jobID))
	defer func() { infra.EndSpan(span, err) }()

	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			d.logger.Warn().Str("job_id", jobID).Msg("dispatcher: job vanished before execution")
			return nil
		}
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	if job.State == domain.JobStatePending {
		now := d.now().UTC()
		patch := domain.Transition(domain.JobStateProcessing)
		patch.StartedAt = &now
		started, err := d.jobs.Patch(ctx, job.ID, patch)
		switch {
		case err == nil:
			job = started
		case errors.Is(err, domain.ErrInvalidTransition):
			if job, err = d.jobs.Get(ctx, jobID); err != nil {
				return fmt.Errorf("reload job %s: %w", jobID, err)
			}
		default:
			return fmt.Errorf("start job %s: %w", jobID, err)
		}
	}
	if job.State.Terminal() {
		d.logger.Debug().Str("job_id", job.ID).Str("state", string(job.State)).Msg("dispatcher: job already finished")
		return nil
	}

	logger := d.logger.With().Str("job_id", job.ID).Str("model_id", job.ModelID).Logger()
	var result *generation.Result
	if job.CorrelationID != nil && *job.CorrelationID != "" {
		logger.Info().Str("request_id", *job.CorrelationID).Msg("dispatcher: resuming provider request")
		result, err = d.adapter.Resume(ctx, job.ModelID, *job.CorrelationID)
	} else {
		logger.Debug().Msg("dispatcher: submitting to provider")
		result, err = d.adapter.Generate(ctx, generation.Request{
			ModelID: job.ModelID,
			Kind:    job.Kind,
			Prompt:  job.Prompt,
			Params:  job.Params,
		}, d.recordCorrelation(job.ID))
	}
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			// The worker is shutting down; leave the job for redelivery.
			return ctx.Err()
		}
		return d.fail(ctx, job, err)
	}

	completed, err := d.promoter.CompleteWithEphemeral(ctx, job.ID, result)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			logger.Warn().Msg("dispatcher: job finished elsewhere, dropping result")
			return nil
		}
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	logger.Info().Str("state", string(completed.State)).Msg("dispatcher: job completed")
	if !d.deferPromotion {
		d.promoter.Schedule(ctx, completed)
	}
	return nil
}

func (d *Dispatcher) recordCorrelation(jobID string) generation.SubmitHook {
	return func(ctx context.Context, correlationID string) error {
		_, err := d.jobs.Patch(ctx, jobID, domain.JobPatch{
			CorrelationID:  &correlationID,
			ExpectedStates: []domain.JobState{domain.JobStateProcessing},
		})
		return err
	}
}

// fail moves the job to FAILED. Only the call that performs the transition
// may refund, so credits come back at most once.
func (d *Dispatcher) fail(ctx context.Context, job *domain.GenerationJob, cause error) error {
	msg := FailureMessage(cause)
	now := d.now().UTC()
	failed := domain.JobStateFailed
	_, err := d.jobs.Patch(context.WithoutCancel(ctx), job.ID, domain.JobPatch{
		State:          &failed,
		ExpectedStates: []domain.JobState{domain.JobStateProcessing},
		ErrorMessage:   &msg,
		CompletedAt:    &now,
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}

	ev := d.logger.Warn().Err(cause).Str("job_id", job.ID).Str("model_id", job.ModelID)
	var perr *domain.ProviderError
	if errors.As(cause, &perr) {
		ev = ev.Str("kind", string(perr.Kind)).Int("status", perr.StatusCode)
	}
	ev.Msg("dispatcher: job failed")

	if d.refundOnFailure && job.CreditsCharged > 0 {
		d.compensate(ctx, job, "provider failure")
	}
	return nil
}

// Resume re-attaches to the provider request recorded as correlationID.
func (d *Dispatcher) Resume(ctx context.Context, correlationID string) (*domain.GenerationJob, error) {
	job, err := d.jobs.GetByCorrelationID(ctx, strings.TrimSpace(correlationID))
	if err != nil {
		return nil, err
	}
	if err := d.Execute(ctx, job.ID); err != nil {
		return nil, err
	}
	return d.jobs.Get(ctx, job.ID)
}

// RequeueStale re-enqueues PENDING and PROCESSING jobs untouched for longer
// than olderThan. Execute resumes or restarts them.
func (d *Dispatcher) RequeueStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := d.now().Add(-olderThan)
	requeued := 0
	for _, state := range []domain.JobState{domain.JobStatePending, domain.JobStateProcessing} {
		jobs, err := d.jobs.ListStale(ctx, state, cutoff, limit)
		if err != nil {
			return requeued, fmt.Errorf("list stale %s jobs: %w", state, err)
		}
		for _, job := range jobs {
			if err := d.queue.Enqueue(ctx, job.ID); err != nil {
				return requeued, fmt.Errorf("requeue job %s: %w", job.ID, err)
			}
			requeued++
		}
	}
	if requeued > 0 {
		d.logger.Info().Int("jobs", requeued).Msg("dispatcher: requeued stale jobs")
	}
	return requeued, nil
}

// NormalizePrompt trims and NFC-normalizes prompt.
func NormalizePrompt(prompt string) (string, error) {
	prompt = strings.TrimSpace(norm.NFC.String(prompt))
	if prompt == "" {
		return "", &domain.ValidationError{Field: "prompt", Message: "prompt is required", Err: domain.ErrInvalidPrompt}
	}
	if len([]rune(prompt)) > MaxPromptLength {
		return "", &domain.ValidationError{Field: "prompt", Message: fmt.Sprintf("prompt exceeds %d characters", MaxPromptLength), Err: domain.ErrInvalidPrompt}
	}
	return prompt, nil
}

// FailureMessage is the client-facing message persisted on a failed job.
func FailureMessage(err error) string {
	var perr *domain.ProviderError
	if errors.As(err, &perr) && strings.TrimSpace(perr.Message) != "" {
		return domain.TruncateErrorMessage(perr.Message)
	}
	if err == nil {
		return "generation failed"
	}
	return domain.TruncateErrorMessage(err.Error())
}
