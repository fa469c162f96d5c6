package handlers

import (
	"net/http"
	"strings"

	"genstudio/internal/domain"
	"genstudio/internal/payments"
)

type costRequest struct {
	ModelID string `json:"model_id"`
}

type checkoutRequest struct {
	PackageID string `json:"package_id"`
}

func (a *App) CreditsBalance(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	balance, err := a.Ledger.Balance(r.Context(), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]int{"credits": balance})
}

func (a *App) CreditsCost(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req costRequest
	if !a.decode(w, r, &req) {
		return
	}
	modelID := strings.TrimSpace(req.ModelID)
	if modelID == "" {
		modelID = a.Catalog.DefaultModel()
	}
	if _, ok := a.Catalog.Lookup(modelID); !ok {
		a.fail(w, r, &domain.ValidationError{Field: "model_id", Message: "unknown model", Err: domain.ErrUnknownModel})
		return
	}
	balance, err := a.Ledger.Balance(r.Context(), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	cost := a.Ledger.Cost(modelID)
	a.json(w, http.StatusOK, map[string]any{
		"model_id":   modelID,
		"cost":       cost,
		"credits":    balance,
		"can_afford": balance >= cost,
	})
}

func (a *App) CreditsPackages(w http.ResponseWriter, _ *http.Request) {
	a.json(w, http.StatusOK, map[string]any{"packages": payments.Packages})
}

func (a *App) CreditsCheckout(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	if a.Checkout == nil {
		a.fail(w, r, payments.ErrNotConfigured)
		return
	}
	var req checkoutRequest
	if !a.decode(w, r, &req) {
		return
	}
	session, err := a.Checkout.CreateSession(r.Context(), userID, req.PackageID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"session_id": session.ID, "url": session.URL})
}
