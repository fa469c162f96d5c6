// Package memory provides process-local implementations of the job and
// ledger repositories. They follow the same semantics as the Postgres
// repositories and back local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"genstudio/internal/domain"
)

// Store implements domain.JobRepository and domain.LedgerRepository.
type Store struct {
	mu        sync.Mutex
	jobs      map[string]*domain.GenerationJob
	accounts  map[string]*domain.Account
	purchases map[string]*domain.CreditPurchase
	now       func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		jobs:      make(map[string]*domain.GenerationJob),
		accounts:  make(map[string]*domain.Account),
		purchases: make(map[string]*domain.CreditPurchase),
		now:       time.Now,
	}
}

// WithNowFunc overrides the clock used for timestamps.
func (s *Store) WithNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Create(ctx context.Context, job *domain.GenerationJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return domain.ErrDuplicateOperation
	}
	stored := job.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
		job.CreatedAt = stored.CreatedAt
	}
	s.jobs[job.ID] = stored
	return nil
}

func (s *Store) Get(ctx context.Context, jobID string) (*domain.GenerationJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *Store) GetForAccount(ctx context.Context, jobID, accountID string) (*domain.GenerationJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.AccountID != accountID {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *Store) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.GenerationJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.CorrelationID != nil && *job.CorrelationID == correlationID {
			return job.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) Patch(ctx context.Context, jobID string, patch domain.JobPatch) (*domain.GenerationJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !patch.Allows(job.State) {
		return nil, domain.ErrInvalidTransition
	}
	applyPatch(job, patch)
	return job.Clone(), nil
}

// applyPatch mirrors the Postgres patch statement: the result reference is
// not replaced once a durable copy exists unless the same write sets a new
// storage key.
func applyPatch(job *domain.GenerationJob, p domain.JobPatch) {
	if p.State != nil {
		job.State = *p.State
	}
	if p.ResultReference != nil && (job.StorageKey == nil || p.StorageKey != nil) {
		job.ResultReference = strPtr(*p.ResultReference)
	}
	if p.StorageKey != nil {
		job.StorageKey = strPtr(*p.StorageKey)
	}
	if p.ThumbnailKey != nil {
		job.ThumbnailKey = strPtr(*p.ThumbnailKey)
	}
	if p.SignedURL != nil {
		job.SignedURL = strPtr(*p.SignedURL)
	}
	if p.SignedURLExpiresAt != nil {
		job.SignedURLExpiresAt = timePtr(*p.SignedURLExpiresAt)
	}
	if p.ThumbnailSignedURL != nil {
		job.ThumbnailSignedURL = strPtr(*p.ThumbnailSignedURL)
	}
	if p.ThumbnailSignedURLExpiresAt != nil {
		job.ThumbnailSignedURLExpiresAt = timePtr(*p.ThumbnailSignedURLExpiresAt)
	}
	if p.Width != nil {
		v := *p.Width
		job.Width = &v
	}
	if p.Height != nil {
		v := *p.Height
		job.Height = &v
	}
	if p.Seed != nil {
		v := *p.Seed
		job.Seed = &v
	}
	if p.CorrelationID != nil {
		job.CorrelationID = strPtr(*p.CorrelationID)
	}
	if p.ErrorMessage != nil {
		job.ErrorMessage = strPtr(*p.ErrorMessage)
	}
	if p.StartedAt != nil {
		job.StartedAt = timePtr(*p.StartedAt)
	}
	if p.CompletedAt != nil {
		job.CompletedAt = timePtr(*p.CompletedAt)
	}
}

func (s *Store) ListByAccount(ctx context.Context, accountID string, state domain.JobState, limit, offset int) ([]*domain.GenerationJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*domain.GenerationJob
	for _, job := range s.jobs {
		if job.AccountID != accountID {
			continue
		}
		if state != "" && job.State != state {
			continue
		}
		matched = append(matched, job)
	}
	sortNewestFirst(matched)
	return page(matched, limit, offset), nil
}

func (s *Store) ListUnpromoted(ctx context.Context, limit int) ([]*domain.GenerationJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*domain.GenerationJob
	for _, job := range s.jobs {
		if job.State == domain.JobStateCompleted && job.StorageKey == nil && job.ResultReference != nil {
			matched = append(matched, job)
		}
	}
	sortOldestFirst(matched)
	return page(matched, limit, 0), nil
}

func (s *Store) ListStale(ctx context.Context, state domain.JobState, olderThan time.Time, limit int) ([]*domain.GenerationJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*domain.GenerationJob
	for _, job := range s.jobs {
		if job.State != state {
			continue
		}
		ref := job.CreatedAt
		if job.StartedAt != nil {
			ref = *job.StartedAt
		}
		if ref.Before(olderThan) {
			matched = append(matched, job)
		}
	}
	sortOldestFirst(matched)
	return page(matched, limit, 0), nil
}

func (s *Store) DeleteForAccount(ctx context.Context, jobID, accountID string) (*domain.GenerationJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.AccountID != accountID {
		return nil, domain.ErrNotFound
	}
	delete(s.jobs, jobID)
	return job.Clone(), nil
}

func (s *Store) EnsureAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		now := s.now().UTC()
		acct = &domain.Account{ID: accountID, CreatedAt: now, UpdatedAt: now}
		s.accounts[accountID] = acct
	}
	out := *acct
	return &out, nil
}

func (s *Store) Balance(ctx context.Context, accountID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return acct.Credits, nil
}

func (s *Store) DecrementIfSufficient(ctx context.Context, accountID string, amount int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok || acct.Credits < amount {
		return 0, domain.ErrInsufficientCredits
	}
	acct.Credits -= amount
	acct.UpdatedAt = s.now().UTC()
	return acct.Credits, nil
}

func (s *Store) Increment(ctx context.Context, accountID string, amount int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	acct.Credits += amount
	acct.UpdatedAt = s.now().UTC()
	return acct.Credits, nil
}

func (s *Store) CreditPurchase(ctx context.Context, purchase *domain.CreditPurchase) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.purchases[purchase.ExternalPaymentRef]; dup {
		return 0, domain.ErrDuplicateOperation
	}
	acct, ok := s.accounts[purchase.AccountID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	stored := *purchase
	stored.CreatedAt = s.now().UTC()
	s.purchases[purchase.ExternalPaymentRef] = &stored
	acct.Credits += purchase.Credits
	acct.UpdatedAt = stored.CreatedAt
	return acct.Credits, nil
}

// SetBalance seeds an account balance. Test and development helper.
func (s *Store) SetBalance(accountID string, credits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		now := s.now().UTC()
		acct = &domain.Account{ID: accountID, CreatedAt: now}
		s.accounts[accountID] = acct
	}
	acct.Credits = credits
}

// Purchases returns the recorded purchases for accountID.
func (s *Store) Purchases(accountID string) []domain.CreditPurchase {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CreditPurchase
	for _, p := range s.purchases {
		if p.AccountID == accountID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func sortNewestFirst(jobs []*domain.GenerationJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

func sortOldestFirst(jobs []*domain.GenerationJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

func page(jobs []*domain.GenerationJob, limit, offset int) []*domain.GenerationJob {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(jobs) {
		return []*domain.GenerationJob{}
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	out := make([]*domain.GenerationJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Clone())
	}
	return out
}

func strPtr(v string) *string { return &v }

func timePtr(v time.Time) *time.Time { return &v }

var (
	_ domain.JobRepository    = (*Store)(nil)
	_ domain.LedgerRepository = (*Store)(nil)
)
