package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"genstudio/internal/domain"
	"genstudio/internal/infra"
	"genstudio/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.GenerationJob) error {
	if job == nil {
		return errors.New("job is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	_, err = r.sql.Exec(ctx, sqlinline.QInsertGenerationJob,
		job.ID,
		job.AccountID,
		string(job.Kind),
		string(job.State),
		job.Prompt,
		job.ModelID,
		params,
		job.CreditsCharged,
		job.CreatedAt,
	)
	if err != nil {
		if infra.IsUniqueViolation(err) {
			return domain.ErrDuplicateOperation
		}
		return fmt.Errorf("insert generation job: %w", err)
	}
	return nil
}

// Get fetches a job by its identifier without an owner filter.
func (r *JobRepositoryPG) Get(ctx context.Context, jobID string) (*domain.GenerationJob, error) {
	if !validID(jobID) {
		return nil, domain.ErrNotFound
	}
	return scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectGenerationJob, jobID))
}

// GetForAccount fetches a job only when accountID owns it.
func (r *JobRepositoryPG) GetForAccount(ctx context.Context, jobID, accountID string) (*domain.GenerationJob, error) {
	if !validID(jobID) {
		return nil, domain.ErrNotFound
	}
	return scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectGenerationJobForAccount, jobID, accountID))
}

func (r *JobRepositoryPG) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.GenerationJob, error) {
	return scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectGenerationJobByCorrelation, correlationID))
}

// Patch applies a field-scoped update. When the guard rejects the stored
// state the job is re-read to tell a missing job from an illegal transition.
func (r *JobRepositoryPG) Patch(ctx context.Context, jobID string, patch domain.JobPatch) (*domain.GenerationJob, error) {
	if !validID(jobID) {
		return nil, domain.ErrNotFound
	}
	var state *string
	if patch.State != nil {
		s := string(*patch.State)
		state = &s
	}
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QPatchGenerationJob,
		jobID,
		state,
		patch.ResultReference,
		patch.StorageKey,
		patch.ThumbnailKey,
		patch.SignedURL,
		patch.SignedURLExpiresAt,
		patch.ThumbnailSignedURL,
		patch.ThumbnailSignedURLExpiresAt,
		patch.Width,
		patch.Height,
		patch.Seed,
		patch.CorrelationID,
		patch.ErrorMessage,
		patch.StartedAt,
		patch.CompletedAt,
		patch.ExpectedStateStrings(),
	))
	if errors.Is(err, domain.ErrNotFound) && len(patch.ExpectedStates) > 0 {
		if _, getErr := r.Get(ctx, jobID); getErr == nil {
			return nil, domain.ErrInvalidTransition
		}
	}
	return job, err
}

func (r *JobRepositoryPG) ListByAccount(ctx context.Context, accountID string, state domain.JobState, limit, offset int) ([]*domain.GenerationJob, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListGenerationJobsByAccount, accountID, string(state), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list generation jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *JobRepositoryPG) ListUnpromoted(ctx context.Context, limit int) ([]*domain.GenerationJob, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListUnpromotedGenerationJobs, limit)
	if err != nil {
		return nil, fmt.Errorf("list unpromoted jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *JobRepositoryPG) ListStale(ctx context.Context, state domain.JobState, olderThan time.Time, limit int) ([]*domain.GenerationJob, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListStaleGenerationJobs, string(state), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

// DeleteForAccount removes the job when accountID owns it and returns the
// deleted record so callers can clean up stored objects.
func (r *JobRepositoryPG) DeleteForAccount(ctx context.Context, jobID, accountID string) (*domain.GenerationJob, error) {
	if !validID(jobID) {
		return nil, domain.ErrNotFound
	}
	return scanJob(r.sql.QueryRow(ctx, sqlinline.QDeleteGenerationJobForAccount, jobID, accountID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.GenerationJob, error) {
	var (
		job    domain.GenerationJob
		kind   string
		state  string
		params []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.AccountID,
		&kind,
		&state,
		&job.Prompt,
		&job.ModelID,
		&params,
		&job.CreditsCharged,
		&job.ResultReference,
		&job.StorageKey,
		&job.ThumbnailKey,
		&job.SignedURL,
		&job.SignedURLExpiresAt,
		&job.ThumbnailSignedURL,
		&job.ThumbnailSignedURLExpiresAt,
		&job.Width,
		&job.Height,
		&job.Seed,
		&job.CorrelationID,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	job.Kind = domain.JobKind(kind)
	job.State = domain.JobState(state)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Params); err != nil {
			return nil, fmt.Errorf("decode params for job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.GenerationJob, error) {
	defer rows.Close()
	jobs := make([]*domain.GenerationJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
