package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"genstudio/internal/ledger"
)

var (
	// ErrNotConfigured means no webhook secret is set.
	ErrNotConfigured = errors.New("payments: not configured")
	// ErrInvalidSignature means the Stripe-Signature header did not verify.
	ErrInvalidSignature = errors.New("payments: invalid signature")
)

const eventCheckoutCompleted = "checkout.session.completed"

// Crediter grants purchased credits idempotently per payment reference.
type Crediter interface {
	Credit(ctx context.Context, accountID string, amount int, externalPaymentRef string) (ledger.CreditResult, error)
}

// WebhookResult describes what a delivery did.
type WebhookResult struct {
	EventID    string
	EventType  string
	Handled    bool
	AccountID  string
	Credits    int
	PaymentRef string
	Duplicate  bool
	NewBalance int
}

// StripeWebhook verifies Stripe deliveries and credits completed checkouts.
type StripeWebhook struct {
	secret string
	ledger Crediter
	logger zerolog.Logger
}

// NewStripeWebhook constructs a verifier for secret.
func NewStripeWebhook(secret string, l Crediter, logger zerolog.Logger) *StripeWebhook {
	return &StripeWebhook{secret: strings.TrimSpace(secret), ledger: l, logger: logger}
}

// Handle verifies payload against the Stripe-Signature header and applies
// it. Redelivered events credit nothing the second time.
func (w *StripeWebhook) Handle(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	if w.secret == "" {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(signature) == "" {
		return nil, fmt.Errorf("%w: missing header", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, w.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	res := &WebhookResult{EventID: event.ID, EventType: string(event.Type)}
	if res.EventType != eventCheckoutCompleted {
		w.logger.Debug().Str("event_id", event.ID).Str("event_type", res.EventType).Msg("payments: event ignored")
		return res, nil
	}
	if event.Data == nil {
		return nil, fmt.Errorf("payments: event %s has no data", event.ID)
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("payments: decode checkout session: %w", err)
	}
	accountID := strings.TrimSpace(session.Metadata["userId"])
	credits, _ := strconv.Atoi(strings.TrimSpace(session.Metadata["credits"]))
	if accountID == "" || credits <= 0 {
		w.logger.Warn().Str("event_id", event.ID).Str("session_id", session.ID).Msg("payments: checkout without credit metadata")
		return res, nil
	}

	ref := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		ref = session.PaymentIntent.ID
	}
	credit, err := w.ledger.Credit(ctx, accountID, credits, ref)
	if err != nil {
		return nil, fmt.Errorf("payments: credit account: %w", err)
	}

	res.Handled = true
	res.AccountID = accountID
	res.Credits = credits
	res.PaymentRef = ref
	res.Duplicate = credit.Duplicate
	res.NewBalance = credit.NewBalance
	w.logger.Info().
		Str("event_id", event.ID).
		Str("account_id", accountID).
		Int("credits", credits).
		Bool("duplicate", credit.Duplicate).
		Msg("payments: checkout credited")
	return res, nil
}
