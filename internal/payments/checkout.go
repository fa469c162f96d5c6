package payments

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"genstudio/internal/domain"
)

// CheckoutOptions configures Checkout.
type CheckoutOptions struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
	Currency   string
	// Backend overrides the Stripe API backend, e.g. in tests.
	Backend stripe.Backend
	Logger  zerolog.Logger
}

// CheckoutSession is a hosted payment page for one package.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Checkout creates Stripe Checkout sessions whose metadata the webhook
// later turns into credits.
type Checkout struct {
	api        *client.API
	successURL string
	cancelURL  string
	currency   string
	logger     zerolog.Logger
}

// NewCheckout returns ErrNotConfigured without a secret key.
func NewCheckout(opts CheckoutOptions) (*Checkout, error) {
	key := strings.TrimSpace(opts.SecretKey)
	if key == "" {
		return nil, ErrNotConfigured
	}
	var backends *stripe.Backends
	if opts.Backend != nil {
		backends = &stripe.Backends{API: opts.Backend, Connect: opts.Backend, Uploads: opts.Backend}
	}
	api := &client.API{}
	api.Init(key, backends)

	currency := opts.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &Checkout{
		api:        api,
		successURL: opts.SuccessURL,
		cancelURL:  opts.CancelURL,
		currency:   currency,
		logger:     opts.Logger,
	}, nil
}

// CreateSession opens a checkout for packageID on behalf of accountID.
func (c *Checkout) CreateSession(ctx context.Context, accountID, packageID string) (*CheckoutSession, error) {
	pkg, ok := FindPackage(strings.TrimSpace(packageID))
	if !ok {
		return nil, domain.NewValidationError("package_id", "invalid package")
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(accountID),
		SuccessURL:        stripe.String(c.successURL),
		CancelURL:         stripe.String(c.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(c.currency),
				UnitAmount: stripe.Int64(int64(pkg.PriceCents)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(fmt.Sprintf("%d Credits", pkg.Credits)),
					Description: stripe.String(pkg.Description),
				},
			},
		}},
	}
	params.Context = ctx
	params.AddMetadata("userId", accountID)
	params.AddMetadata("credits", strconv.Itoa(pkg.Credits))
	params.AddMetadata("packageId", pkg.ID)

	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	c.logger.Info().Str("account_id", accountID).Str("package_id", pkg.ID).Str("session_id", session.ID).Msg("payments: checkout created")
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}
