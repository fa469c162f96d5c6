package handlers

import (
	"io"
	"net/http"
)

// Stripe documents event payloads well below this.
const maxWebhookBytes = 1 << 20

// StripeWebhook is unauthenticated; the Stripe-Signature header is the
// only proof of origin.
func (a *App) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if a.Webhook == nil {
		a.error(w, http.StatusServiceUnavailable, "unavailable", "payments are not configured")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		a.error(w, http.StatusRequestEntityTooLarge, "too_large", "payload too large")
		return
	}
	res, err := a.Webhook.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"received":  true,
		"handled":   res.Handled,
		"duplicate": res.Duplicate,
	})
}
