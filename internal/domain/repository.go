package domain

import (
	"context"
	"time"
)

// JobRepository defines persistence for generation jobs.
type JobRepository interface {
	Create(ctx context.Context, job *GenerationJob) error
	// Get loads a job without an owner filter. Task bodies only.
	Get(ctx context.Context, jobID string) (*GenerationJob, error)
	GetForAccount(ctx context.Context, jobID, accountID string) (*GenerationJob, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*GenerationJob, error)
	// Patch applies a field-scoped update and returns the stored record.
	// A guard that does not admit the stored state yields ErrInvalidTransition.
	Patch(ctx context.Context, jobID string, patch JobPatch) (*GenerationJob, error)
	ListByAccount(ctx context.Context, accountID string, state JobState, limit, offset int) ([]*GenerationJob, error)
	ListUnpromoted(ctx context.Context, limit int) ([]*GenerationJob, error)
	ListStale(ctx context.Context, state JobState, olderThan time.Time, limit int) ([]*GenerationJob, error)
	DeleteForAccount(ctx context.Context, jobID, accountID string) (*GenerationJob, error)
}

// LedgerRepository defines the atomic balance primitives the ledger relies on.
type LedgerRepository interface {
	EnsureAccount(ctx context.Context, accountID string) (*Account, error)
	Balance(ctx context.Context, accountID string) (int, error)
	// DecrementIfSufficient subtracts amount only when the balance covers it.
	// It returns ErrInsufficientCredits otherwise.
	DecrementIfSufficient(ctx context.Context, accountID string, amount int) (int, error)
	Increment(ctx context.Context, accountID string, amount int) (int, error)
	// CreditPurchase records the purchase and increments the balance in one
	// transaction. A repeated ExternalPaymentRef returns ErrDuplicateOperation
	// and leaves the balance untouched.
	CreditPurchase(ctx context.Context, purchase *CreditPurchase) (int, error)
}
