package domain

import "time"

// Account holds the credit balance for one user.
type Account struct {
	ID        string
	Credits   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreditPurchase is an append-only record of a confirmed top-up.
type CreditPurchase struct {
	ID                 string
	AccountID          string
	Credits            int
	AmountCents        int
	ExternalPaymentRef string
	Status             string
	CreatedAt          time.Time
}

// PurchaseStatusCompleted marks a confirmed purchase.
const PurchaseStatusCompleted = "completed"
