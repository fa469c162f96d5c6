package repo

import (
	"context"
	"fmt"

	crdbpgx "github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgxv5"
	"github.com/jackc/pgx/v5"

	"genstudio/internal/domain"
	"genstudio/internal/infra"
	"genstudio/internal/sqlinline"
)

// LedgerRepositoryPG implements domain.LedgerRepository.
type LedgerRepositoryPG struct {
	sql infra.SQLExecutor
	tx  crdbpgx.Conn
}

// NewLedgerRepository wires single statements through sql and multi-statement
// writes through transactions opened on tx.
func NewLedgerRepository(sql infra.SQLExecutor, tx crdbpgx.Conn) *LedgerRepositoryPG {
	return &LedgerRepositoryPG{sql: sql, tx: tx}
}

func (r *LedgerRepositoryPG) EnsureAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	var acct domain.Account
	row := r.sql.QueryRow(ctx, sqlinline.QEnsureAccount, accountID)
	if err := row.Scan(&acct.ID, &acct.Credits, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return &acct, nil
}

func (r *LedgerRepositoryPG) Balance(ctx context.Context, accountID string) (int, error) {
	var credits int
	if err := r.sql.QueryRow(ctx, sqlinline.QSelectAccountCredits, accountID).Scan(&credits); err != nil {
		if infra.IsNoRows(err) {
			return 0, domain.ErrNotFound
		}
		return 0, err
	}
	return credits, nil
}

// DecrementIfSufficient runs the conditional decrement. No matching row means
// the account is missing or cannot cover amount.
func (r *LedgerRepositoryPG) DecrementIfSufficient(ctx context.Context, accountID string, amount int) (int, error) {
	var credits int
	if err := r.sql.QueryRow(ctx, sqlinline.QDecrementCredits, accountID, amount).Scan(&credits); err != nil {
		if infra.IsNoRows(err) {
			return 0, domain.ErrInsufficientCredits
		}
		return 0, err
	}
	return credits, nil
}

func (r *LedgerRepositoryPG) Increment(ctx context.Context, accountID string, amount int) (int, error) {
	var credits int
	if err := r.sql.QueryRow(ctx, sqlinline.QIncrementCredits, accountID, amount).Scan(&credits); err != nil {
		if infra.IsNoRows(err) {
			return 0, domain.ErrNotFound
		}
		return 0, err
	}
	return credits, nil
}

// CreditPurchase records the purchase and increments the balance in one
// transaction. The unique payment reference turns replays into no-ops.
func (r *LedgerRepositoryPG) CreditPurchase(ctx context.Context, purchase *domain.CreditPurchase) (int, error) {
	var credits int
	err := crdbpgx.ExecuteTx(ctx, r.tx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, sqlinline.QInsertCreditPurchase,
			purchase.ID,
			purchase.AccountID,
			purchase.Credits,
			purchase.AmountCents,
			purchase.ExternalPaymentRef,
			purchase.Status,
		).Scan(&id)
		if infra.IsNoRows(err) {
			return domain.ErrDuplicateOperation
		}
		if err != nil {
			return fmt.Errorf("insert credit purchase: %w", err)
		}
		if err := tx.QueryRow(ctx, sqlinline.QIncrementCredits, purchase.AccountID, purchase.Credits).Scan(&credits); err != nil {
			if infra.IsNoRows(err) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("increment credits: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return credits, nil
}

var _ domain.LedgerRepository = (*LedgerRepositoryPG)(nil)
