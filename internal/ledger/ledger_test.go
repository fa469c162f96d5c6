package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"genstudio/internal/adapter/memory"
	"genstudio/internal/domain"
)

type fixedCosts map[string]int

func (f fixedCosts) Cost(modelID string) int {
	if c, ok := f[modelID]; ok {
		return c
	}
	return 1
}

type tenCentsPerCredit struct{}

func (tenCentsPerCredit) PriceInCents(credits int) int { return credits * 10 }

func newLedger(store *memory.Store) *Ledger {
	return New(store, fixedCosts{"model-3": 3, "model-5": 5}, tenCentsPerCredit{}, zerolog.Nop())
}

func TestReserveDeductsCost(t *testing.T) {
	store := memory.NewStore()
	store.SetBalance("acct", 10)
	l := newLedger(store)

	res, err := l.Reserve(context.Background(), "acct", "model-3")
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if res.Cost != 3 || res.NewBalance != 7 {
		t.Fatalf("reservation = %+v, want cost 3 balance 7", res)
	}
}

func TestReserveInsufficientReturnsPaymentRequired(t *testing.T) {
	store := memory.NewStore()
	store.SetBalance("acct", 4)
	l := newLedger(store)

	_, err := l.Reserve(context.Background(), "acct", "model-5")
	var pr *domain.PaymentRequiredError
	if !errors.As(err, &pr) {
		t.Fatalf("err = %v, want PaymentRequiredError", err)
	}
	if pr.Cost != 5 || pr.Balance != 4 {
		t.Fatalf("payment required = %+v", pr)
	}
	if got, _ := l.Balance(context.Background(), "acct"); got != 4 {
		t.Fatalf("balance = %d, want unchanged 4", got)
	}
}

func TestReserveUnknownAccount(t *testing.T) {
	l := newLedger(memory.NewStore())
	_, err := l.Reserve(context.Background(), "ghost", "model-3")
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want insufficient credits", err)
	}
}

func TestConcurrentReserveNeverOverdraws(t *testing.T) {
	const n = 10
	store := memory.NewStore()
	store.SetBalance("acct", 3*(n-1))
	l := newLedger(store)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(context.Background(), "acct", "model-3"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != n-1 {
		t.Fatalf("succeeded = %d, want %d", succeeded, n-1)
	}
	if got, _ := l.Balance(context.Background(), "acct"); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
}

func TestHasSufficientCredits(t *testing.T) {
	store := memory.NewStore()
	store.SetBalance("acct", 3)
	l := newLedger(store)

	ok, balance, err := l.HasSufficientCredits(context.Background(), "acct", "model-3")
	if err != nil || !ok || balance != 3 {
		t.Fatalf("HasSufficientCredits = %v, %d, %v", ok, balance, err)
	}
	ok, _, _ = l.HasSufficientCredits(context.Background(), "acct", "model-5")
	if ok {
		t.Fatalf("3 credits should not cover model-5")
	}
}

func TestCostDefaultsToOne(t *testing.T) {
	l := newLedger(memory.NewStore())
	if got := l.Cost("unpriced"); got != 1 {
		t.Fatalf("Cost = %d, want 1", got)
	}
	if got := New(memory.NewStore(), nil, nil, zerolog.Nop()).Cost("anything"); got != 1 {
		t.Fatalf("Cost without table = %d, want 1", got)
	}
}

func TestCreditIsIdempotentPerPaymentRef(t *testing.T) {
	store := memory.NewStore()
	l := newLedger(store)
	ctx := context.Background()

	first, err := l.Credit(ctx, "acct", 50, "pi_123")
	if err != nil {
		t.Fatalf("Credit error: %v", err)
	}
	if first.NewBalance != 50 || first.Duplicate {
		t.Fatalf("first credit = %+v", first)
	}
	second, err := l.Credit(ctx, "acct", 50, "pi_123")
	if err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if !second.Duplicate || second.NewBalance != 50 {
		t.Fatalf("replay = %+v, want duplicate with balance 50", second)
	}
	purchases := store.Purchases("acct")
	if len(purchases) != 1 || purchases[0].AmountCents != 500 {
		t.Fatalf("purchases = %+v", purchases)
	}
}

func TestCreditValidation(t *testing.T) {
	l := newLedger(memory.NewStore())
	tests := []struct {
		name    string
		account string
		amount  int
		ref     string
	}{
		{"missing account", "", 10, "pi"},
		{"zero amount", "acct", 0, "pi"},
		{"missing ref", "acct", 10, " "},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Credit(context.Background(), tc.account, tc.amount, tc.ref)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestRefund(t *testing.T) {
	store := memory.NewStore()
	store.SetBalance("acct", 2)
	l := newLedger(store)
	balance, err := l.Refund(context.Background(), "acct", 3)
	if err != nil || balance != 5 {
		t.Fatalf("Refund = %d, %v", balance, err)
	}
	if _, err := l.Refund(context.Background(), "acct", 0); err == nil {
		t.Fatalf("zero refund should fail")
	}
}
