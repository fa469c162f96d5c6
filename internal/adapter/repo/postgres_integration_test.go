//go:build integration

package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/testserver"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"genstudio/internal/domain"
	"genstudio/internal/infra"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	server, err := testserver.NewTestServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start cockroach test server: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, server.PGURL().String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to cockroach test server: %v\n", err)
		server.Stop()
		os.Exit(1)
	}

	if err := infra.Migrate(ctx, pool, zerolog.Nop()); err != nil {
		fmt.Fprintf(os.Stderr, "apply migrations: %v\n", err)
		pool.Close()
		server.Stop()
		os.Exit(1)
	}

	testPool = pool
	code := m.Run()
	pool.Close()
	server.Stop()
	os.Exit(code)
}

func resetDatabase(t *testing.T) {
	t.Helper()
	if _, err := testPool.Exec(context.Background(), "TRUNCATE TABLE credit_purchases, generation_jobs, accounts CASCADE"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func newRepos() (*JobRepositoryPG, *LedgerRepositoryPG) {
	runner := infra.NewSQLRunner(testPool, zerolog.Nop())
	return NewJobRepository(runner), NewLedgerRepository(runner, testPool)
}

func TestJobLifecycleRoundTrip(t *testing.T) {
	resetDatabase(t)
	ctx := context.Background()
	jobs, _ := newRepos()

	job := &domain.GenerationJob{
		ID:             uuid.NewString(),
		AccountID:      "acct-1",
		Kind:           domain.JobKindVideo,
		State:          domain.JobStatePending,
		Prompt:         "waves at dusk",
		ModelID:        "fal-ai/veo3",
		Params:         domain.Params{Video: &domain.VideoParams{AspectRatio: "16:9", Duration: "8s"}},
		CreditsCharged: 25,
	}
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	started := time.Now().UTC()
	processing := domain.Transition(domain.JobStateProcessing)
	processing.StartedAt = &started
	if _, err := jobs.Patch(ctx, job.ID, processing); err != nil {
		t.Fatalf("start job: %v", err)
	}

	ref := "https://provider.example/out.mp4"
	completed := domain.Transition(domain.JobStateCompleted)
	completed.ResultReference = &ref
	got, err := jobs.Patch(ctx, job.ID, completed)
	if err != nil {
		t.Fatalf("complete job: %v", err)
	}
	if got.State != domain.JobStateCompleted || got.StartedAt == nil || got.Params.Video == nil || got.Params.Video.Duration != "8s" {
		t.Fatalf("unexpected job after completion: %+v", got)
	}

	if _, err := jobs.Patch(ctx, job.ID, domain.Transition(domain.JobStateFailed)); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("terminal patch err = %v, want ErrInvalidTransition", err)
	}

	key := "videos/acct-1/1.mp4"
	durable := "https://bucket.example/videos/acct-1/1.mp4"
	if _, err := jobs.Patch(ctx, job.ID, domain.JobPatch{StorageKey: &key, ResultReference: &durable}); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if _, err := jobs.Patch(ctx, job.ID, domain.JobPatch{ResultReference: &ref}); err != nil {
		t.Fatalf("late ref patch: %v", err)
	}
	got, err = jobs.GetForAccount(ctx, job.ID, "acct-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if *got.ResultReference != durable {
		t.Fatalf("result reference = %q, want %q", *got.ResultReference, durable)
	}

	if _, err := jobs.GetForAccount(ctx, job.ID, "acct-2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign read err = %v, want ErrNotFound", err)
	}
}

func TestConditionalDecrementUnderContention(t *testing.T) {
	resetDatabase(t)
	ctx := context.Background()
	_, ledger := newRepos()

	if _, err := ledger.EnsureAccount(ctx, "acct"); err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	const n = 8
	if _, err := ledger.Increment(ctx, "acct", n-1); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.DecrementIfSufficient(ctx, "acct", 1); err == nil {
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
	balance, err := ledger.Balance(ctx, "acct")
	if err != nil || balance != 0 {
		t.Fatalf("balance = %d, %v; want 0", balance, err)
	}
}

func TestCreditPurchaseReplay(t *testing.T) {
	resetDatabase(t)
	ctx := context.Background()
	_, ledger := newRepos()
	if _, err := ledger.EnsureAccount(ctx, "acct"); err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	purchase := &domain.CreditPurchase{
		ID:                 uuid.NewString(),
		AccountID:          "acct",
		Credits:            200,
		AmountCents:        1500,
		ExternalPaymentRef: "pi_test_1",
		Status:             domain.PurchaseStatusCompleted,
	}
	balance, err := ledger.CreditPurchase(ctx, purchase)
	if err != nil || balance != 200 {
		t.Fatalf("first credit = %d, %v", balance, err)
	}
	purchase.ID = uuid.NewString()
	if _, err := ledger.CreditPurchase(ctx, purchase); !errors.Is(err, domain.ErrDuplicateOperation) {
		t.Fatalf("replay err = %v, want ErrDuplicateOperation", err)
	}
	if balance, _ := ledger.Balance(ctx, "acct"); balance != 200 {
		t.Fatalf("balance after replay = %d, want 200", balance)
	}
}
