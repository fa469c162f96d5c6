package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genstudio/internal/domain"
)

// CostTable prices models in credits.
type CostTable interface {
	Cost(modelID string) int
}

// PriceTable prices credit amounts in cents.
type PriceTable interface {
	PriceInCents(credits int) int
}

// Reservation is the outcome of a successful reserve.
type Reservation struct {
	NewBalance int
	Cost       int
}

// CreditResult is the outcome of a credit grant.
type CreditResult struct {
	NewBalance int
	Duplicate  bool
}

// Ledger owns every change to account balances.
type Ledger struct {
	repo   domain.LedgerRepository
	costs  CostTable
	prices PriceTable
	logger zerolog.Logger
}

// New constructs a Ledger.
func New(repo domain.LedgerRepository, costs CostTable, prices PriceTable, logger zerolog.Logger) *Ledger {
	return &Ledger{repo: repo, costs: costs, prices: prices, logger: logger}
}

// Cost returns the credit price of modelID. It never fails.
func (l *Ledger) Cost(modelID string) int {
	if l.costs == nil {
		return 1
	}
	if c := l.costs.Cost(modelID); c > 0 {
		return c
	}
	return 1
}

// Balance returns the current balance, zero for unknown accounts.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int, error) {
	balance, err := l.repo.Balance(ctx, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	return balance, err
}

// EnsureAccount creates the account with a zero balance if it does not exist.
func (l *Ledger) EnsureAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, domain.ErrUnauthorized
	}
	return l.repo.EnsureAccount(ctx, accountID)
}

// HasSufficientCredits compares the balance with the model price. Advisory only.
func (l *Ledger) HasSufficientCredits(ctx context.Context, accountID, modelID string) (bool, int, error) {
	balance, err := l.Balance(ctx, accountID)
	if err != nil {
		return false, 0, err
	}
	return balance >= l.Cost(modelID), balance, nil
}

// Reserve deducts the model price in a single conditional decrement.
// An account that cannot cover it yields a *domain.PaymentRequiredError.
func (l *Ledger) Reserve(ctx context.Context, accountID, modelID string) (Reservation, error) {
	cost := l.Cost(modelID)
	balance, err := l.repo.DecrementIfSufficient(ctx, accountID, cost)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) || errors.Is(err, domain.ErrNotFound) {
			current, _ := l.Balance(ctx, accountID)
			return Reservation{}, &domain.PaymentRequiredError{Cost: cost, Balance: current}
		}
		return Reservation{}, fmt.Errorf("reserve credits: %w", err)
	}
	l.logger.Debug().Str("account_id", accountID).Str("model_id", modelID).Int("cost", cost).Int("balance", balance).Msg("ledger: reserved")
	return Reservation{NewBalance: balance, Cost: cost}, nil
}

// Refund returns amount credits to the account.
func (l *Ledger) Refund(ctx context.Context, accountID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, domain.NewValidationError("amount", "must be positive")
	}
	balance, err := l.repo.Increment(ctx, accountID, amount)
	if err != nil {
		return 0, fmt.Errorf("refund credits: %w", err)
	}
	l.logger.Info().Str("account_id", accountID).Int("amount", amount).Int("balance", balance).Msg("ledger: refunded")
	return balance, nil
}

// Credit grants purchased credits. Replays of externalPaymentRef are no-ops
// reported with Duplicate set.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int, externalPaymentRef string) (CreditResult, error) {
	if strings.TrimSpace(accountID) == "" {
		return CreditResult{}, domain.NewValidationError("account_id", "is required")
	}
	if amount <= 0 {
		return CreditResult{}, domain.NewValidationError("amount", "must be positive")
	}
	ref := strings.TrimSpace(externalPaymentRef)
	if ref == "" {
		return CreditResult{}, domain.NewValidationError("external_payment_ref", "is required")
	}
	if _, err := l.repo.EnsureAccount(ctx, accountID); err != nil {
		return CreditResult{}, fmt.Errorf("ensure account: %w", err)
	}

	purchase := &domain.CreditPurchase{
		ID:                 uuid.NewString(),
		AccountID:          accountID,
		Credits:            amount,
		AmountCents:        l.priceInCents(amount),
		ExternalPaymentRef: ref,
		Status:             domain.PurchaseStatusCompleted,
	}
	balance, err := l.repo.CreditPurchase(ctx, purchase)
	if errors.Is(err, domain.ErrDuplicateOperation) {
		current, balErr := l.Balance(ctx, accountID)
		if balErr != nil {
			return CreditResult{}, balErr
		}
		l.logger.Info().Str("account_id", accountID).Str("payment_ref", ref).Msg("ledger: duplicate credit ignored")
		return CreditResult{NewBalance: current, Duplicate: true}, nil
	}
	if err != nil {
		return CreditResult{}, fmt.Errorf("credit purchase: %w", err)
	}
	l.logger.Info().Str("account_id", accountID).Str("payment_ref", ref).Int("credits", amount).Int("balance", balance).Msg("ledger: credited")
	return CreditResult{NewBalance: balance}, nil
}

func (l *Ledger) priceInCents(credits int) int {
	if l.prices == nil {
		return credits * 10
	}
	return l.prices.PriceInCents(credits)
}
