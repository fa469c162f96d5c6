package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"genstudio/internal/domain"
)

func seedJob(t *testing.T, s *Store, id, account string, state domain.JobState, created time.Time) {
	t.Helper()
	job := &domain.GenerationJob{
		ID:             id,
		AccountID:      account,
		Kind:           domain.JobKindImage,
		State:          state,
		Prompt:         "a red fox",
		ModelID:        "fal-ai/flux-pro/v1.1",
		CreditsCharged: 1,
		CreatedAt:      created,
	}
	if err := s.Create(context.Background(), job); err != nil {
		t.Fatalf("Create(%s): %v", id, err)
	}
}

func TestPatchDisjointFieldsDoNotClobber(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedJob(t, s, "j1", "acct", domain.JobStateProcessing, time.Now())

	ref := "https://provider/x.png"
	phase1 := domain.Transition(domain.JobStateCompleted)
	phase1.ResultReference = &ref
	if _, err := s.Patch(ctx, "j1", phase1); err != nil {
		t.Fatalf("phase 1 patch: %v", err)
	}

	signed := "https://signed/x"
	if _, err := s.Patch(ctx, "j1", domain.JobPatch{SignedURL: &signed}); err != nil {
		t.Fatalf("cache patch: %v", err)
	}

	got, err := s.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != domain.JobStateCompleted || got.ResultReference == nil || *got.ResultReference != ref {
		t.Fatalf("phase 1 fields lost: %+v", got)
	}
	if got.SignedURL == nil || *got.SignedURL != signed {
		t.Fatalf("signed url not stored")
	}
}

func TestPatchGuardRejectsBackwardTransition(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedJob(t, s, "j1", "acct", domain.JobStateCompleted, time.Now())

	if _, err := s.Patch(ctx, "j1", domain.Transition(domain.JobStateFailed)); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if _, err := s.Patch(ctx, "j1", domain.Transition(domain.JobStateProcessing)); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	got, _ := s.Get(ctx, "j1")
	if got.State != domain.JobStateCompleted {
		t.Fatalf("state = %s, want COMPLETED", got.State)
	}
}

func TestDurableReferenceIsNotReverted(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedJob(t, s, "j1", "acct", domain.JobStateCompleted, time.Now())

	key := "images/acct/1.png"
	durable := "https://bucket/images/acct/1.png"
	if _, err := s.Patch(ctx, "j1", domain.JobPatch{StorageKey: &key, ResultReference: &durable}); err != nil {
		t.Fatalf("promote patch: %v", err)
	}
	ephemeral := "https://provider/x.png"
	if _, err := s.Patch(ctx, "j1", domain.JobPatch{ResultReference: &ephemeral}); err != nil {
		t.Fatalf("late patch: %v", err)
	}
	got, _ := s.Get(ctx, "j1")
	if *got.ResultReference != durable {
		t.Fatalf("result reference = %q, want durable %q", *got.ResultReference, durable)
	}
}

func TestListByAccountOrderingAndOwnership(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedJob(t, s, "a1", "acct-a", domain.JobStateCompleted, base)
	seedJob(t, s, "a2", "acct-a", domain.JobStateCompleted, base.Add(time.Minute))
	seedJob(t, s, "a3", "acct-a", domain.JobStateFailed, base.Add(2*time.Minute))
	seedJob(t, s, "a4", "acct-a", domain.JobStateCompleted, base.Add(3*time.Minute))
	seedJob(t, s, "b1", "acct-b", domain.JobStateCompleted, base.Add(4*time.Minute))

	jobs, err := s.ListByAccount(ctx, "acct-a", domain.JobStateCompleted, 10, 0)
	if err != nil {
		t.Fatalf("ListByAccount: %v", err)
	}
	want := []string{"a4", "a2", "a1"}
	if len(jobs) != len(want) {
		t.Fatalf("len = %d, want %d", len(jobs), len(want))
	}
	for i, id := range want {
		if jobs[i].ID != id {
			t.Fatalf("jobs[%d] = %s, want %s", i, jobs[i].ID, id)
		}
	}

	paged, _ := s.ListByAccount(ctx, "acct-a", domain.JobStateCompleted, 1, 1)
	if len(paged) != 1 || paged[0].ID != "a2" {
		t.Fatalf("page = %+v", paged)
	}

	if _, err := s.GetForAccount(ctx, "b1", "acct-a"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-account read err = %v, want ErrNotFound", err)
	}
	if _, err := s.DeleteForAccount(ctx, "b1", "acct-a"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-account delete err = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, "b1"); err != nil {
		t.Fatalf("job deleted by non-owner")
	}
}

func TestCreditPurchaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	s.SetBalance("acct", 5)

	p := &domain.CreditPurchase{ID: "p1", AccountID: "acct", Credits: 50, ExternalPaymentRef: "pi_1"}
	balance, err := s.CreditPurchase(ctx, p)
	if err != nil || balance != 55 {
		t.Fatalf("first credit = %d, %v", balance, err)
	}
	if _, err := s.CreditPurchase(ctx, p); !errors.Is(err, domain.ErrDuplicateOperation) {
		t.Fatalf("replay err = %v, want ErrDuplicateOperation", err)
	}
	if got, _ := s.Balance(ctx, "acct"); got != 55 {
		t.Fatalf("balance after replay = %d, want 55", got)
	}
	if n := len(s.Purchases("acct")); n != 1 {
		t.Fatalf("purchases = %d, want 1", n)
	}
}
