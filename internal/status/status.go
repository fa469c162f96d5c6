// Package status serves the account-facing reads of generation jobs.
package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"genstudio/internal/domain"
	"genstudio/internal/promoter"
	"genstudio/internal/storage"
	"genstudio/pkg/zip"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
	MaxArchiveItems  = 50
)

// URLResolver turns a job into client-facing URLs.
type URLResolver interface {
	ResolveURLs(ctx context.Context, job *domain.GenerationJob) promoter.URLs
}

// JobView is the client projection of a job.
type JobView struct {
	JobID          string          `json:"job_id"`
	State          domain.JobState `json:"state"`
	Kind           domain.JobKind  `json:"kind"`
	Prompt         string          `json:"prompt"`
	ModelID        string          `json:"model_id"`
	ResultURL      *string         `json:"result_url,omitempty"`
	ThumbnailURL   *string         `json:"thumbnail_url,omitempty"`
	Persisted      bool            `json:"persisted"`
	Width          *int            `json:"width,omitempty"`
	Height         *int            `json:"height,omitempty"`
	Seed           *int64          `json:"seed,omitempty"`
	CreditsCharged int             `json:"credits_charged"`
	Error          *string         `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Page is one page of completed jobs.
type Page struct {
	Items   []JobView `json:"items"`
	HasMore bool      `json:"has_more"`
}

// Service answers status queries. It never waits on promotion.
type Service struct {
	jobs   domain.JobRepository
	urls   URLResolver
	store  storage.Store
	logger zerolog.Logger
}

// New constructs a Service. store may be nil, in which case Delete leaves
// objects in place and Archive is unavailable.
func New(jobs domain.JobRepository, urls URLResolver, store storage.Store, logger zerolog.Logger) *Service {
	return &Service{jobs: jobs, urls: urls, store: store, logger: logger}
}

// Get returns the job if accountID owns it, ErrNotFound otherwise.
func (s *Service) Get(ctx context.Context, accountID, jobID string) (*JobView, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, domain.ErrUnauthorized
	}
	job, err := s.jobs.GetForAccount(ctx, jobID, accountID)
	if err != nil {
		return nil, err
	}
	view := s.view(ctx, job)
	return &view, nil
}

// ListCompleted pages through the account's completed jobs, newest first.
func (s *Service) ListCompleted(ctx context.Context, accountID string, limit, offset int) (*Page, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, domain.ErrUnauthorized
	}
	limit = ClampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	jobs, err := s.jobs.ListByAccount(ctx, accountID, domain.JobStateCompleted, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	page := &Page{Items: make([]JobView, 0, len(jobs)), HasMore: len(jobs) == limit}
	for _, job := range jobs {
		page.Items = append(page.Items, s.view(ctx, job))
	}
	return page, nil
}

// Delete removes the job record and then, best effort, its stored objects.
func (s *Service) Delete(ctx context.Context, accountID, jobID string) error {
	if strings.TrimSpace(accountID) == "" {
		return domain.ErrUnauthorized
	}
	job, err := s.jobs.DeleteForAccount(ctx, jobID, accountID)
	if err != nil {
		return err
	}
	if s.store == nil {
		return nil
	}
	for _, key := range []*string{job.StorageKey, job.ThumbnailKey} {
		if key == nil || *key == "" {
			continue
		}
		if err := s.store.Delete(ctx, *key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Str("storage_key", *key).Msg("status: failed to delete object")
		}
	}
	s.logger.Info().Str("job_id", job.ID).Str("account_id", accountID).Msg("status: job deleted")
	return nil
}

// Archive streams the durable artifacts of the given jobs as a zip. Jobs the
// account does not own or that are not promoted yet are left out.
func (s *Service) Archive(ctx context.Context, accountID string, jobIDs []string, w io.Writer) (int, error) {
	if strings.TrimSpace(accountID) == "" {
		return 0, domain.ErrUnauthorized
	}
	if s.store == nil {
		return 0, domain.ErrNotFound
	}
	if len(jobIDs) == 0 {
		return 0, domain.NewValidationError("ids", "at least one id is required")
	}
	if len(jobIDs) > MaxArchiveItems {
		return 0, domain.NewValidationError("ids", fmt.Sprintf("at most %d ids per archive", MaxArchiveItems))
	}

	var entries []zip.Entry
	for _, id := range jobIDs {
		job, err := s.jobs.GetForAccount(ctx, strings.TrimSpace(id), accountID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if !job.Promoted() {
			continue
		}
		key := *job.StorageKey
		modified := job.CreatedAt
		if job.CompletedAt != nil {
			modified = *job.CompletedAt
		}
		entries = append(entries, zip.Entry{
			Filename: job.ID + path.Ext(key),
			Modified: modified,
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				rc, _, err := s.store.Get(ctx, key)
				return rc, err
			},
		})
	}
	if len(entries) == 0 {
		return 0, domain.ErrNotFound
	}

	skipped, err := zip.Write(ctx, w, entries)
	if len(skipped) > 0 {
		s.logger.Warn().Strs("files", skipped).Msg("status: archive skipped missing objects")
	}
	return len(entries) - len(skipped), err
}

func (s *Service) view(ctx context.Context, job *domain.GenerationJob) JobView {
	v := JobView{
		JobID:          job.ID,
		State:          job.State,
		Kind:           job.Kind,
		Prompt:         job.Prompt,
		ModelID:        job.ModelID,
		Persisted:      job.Promoted(),
		Width:          job.Width,
		Height:         job.Height,
		Seed:           job.Seed,
		CreditsCharged: job.CreditsCharged,
		Error:          job.ErrorMessage,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
	}
	if job.State != domain.JobStateCompleted {
		return v
	}
	urls := s.urls.ResolveURLs(ctx, job)
	if urls.Primary != "" {
		v.ResultURL = &urls.Primary
	}
	if urls.Thumbnail != "" {
		v.ThumbnailURL = &urls.Thumbnail
	}
	return v
}

// ClampLimit applies the list default and ceiling.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
