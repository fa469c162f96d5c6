package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"genstudio/internal/catalog"
	"genstudio/internal/dispatcher"
	"genstudio/internal/domain"
	"genstudio/internal/middleware"
	"genstudio/internal/payments"
	"genstudio/internal/status"
)

// maxBodyBytes bounds JSON request bodies. Inline images arrive as data URLs.
const maxBodyBytes = 25 << 20

type Submitter interface {
	Submit(ctx context.Context, req dispatcher.SubmitRequest) (*dispatcher.SubmitResult, error)
}

type Jobs interface {
	Get(ctx context.Context, accountID, jobID string) (*status.JobView, error)
	ListCompleted(ctx context.Context, accountID string, limit, offset int) (*status.Page, error)
	Delete(ctx context.Context, accountID, jobID string) error
	Archive(ctx context.Context, accountID string, jobIDs []string, w io.Writer) (int, error)
}

type Credits interface {
	Balance(ctx context.Context, accountID string) (int, error)
	Cost(modelID string) int
}

type Webhooks interface {
	Handle(ctx context.Context, payload []byte, signature string) (*payments.WebhookResult, error)
}

type CheckoutCreator interface {
	CreateSession(ctx context.Context, accountID, packageID string) (*payments.CheckoutSession, error)
}

// App holds the services behind the HTTP API. Checkout and Webhook may be
// nil when payments are not configured.
type App struct {
	Logger     zerolog.Logger
	Dispatcher Submitter
	Status     Jobs
	Ledger     Credits
	Catalog    *catalog.Catalog
	Webhook    Webhooks
	Checkout   CheckoutCreator
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorResponse{Error: errCode, Message: message})
}

// fail maps service errors onto HTTP responses.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	var payErr *domain.PaymentRequiredError
	switch {
	case errors.As(err, &payErr):
		a.json(w, http.StatusPaymentRequired, map[string]any{
			"error":         "payment_required",
			"message":       payErr.Error(),
			"cost":          payErr.Cost,
			"balance":       payErr.Balance,
			"needs_credits": true,
		})
	case errors.As(err, &verr):
		a.json(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: verr.Message, Field: verr.Field})
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, domain.ErrQueueUnavailable):
		a.error(w, http.StatusServiceUnavailable, "unavailable", "generation queue unavailable, credits were refunded")
	case errors.Is(err, payments.ErrNotConfigured):
		a.error(w, http.StatusServiceUnavailable, "unavailable", "payments are not configured")
	case errors.Is(err, payments.ErrInvalidSignature):
		a.error(w, http.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
	case errors.Is(err, context.Canceled):
		// client went away
		w.WriteHeader(499)
	default:
		a.Logger.Error().Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

func (a *App) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return false
		}
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return false
	}
	return true
}
