// Package payments prices credit packages and turns confirmed Stripe
// payments into ledger credits.
package payments

// Package is a purchasable bundle of credits.
type Package struct {
	ID          string `json:"id"`
	Credits     int    `json:"credits"`
	PriceCents  int    `json:"price_cents"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Popular     bool   `json:"popular,omitempty"`
}

// Packages lists the credit bundles on sale.
var Packages = []Package{
	{ID: "starter", Credits: 50, PriceCents: 500, Label: "50 Credits", Description: "Perfect for trying out"},
	{ID: "creator", Credits: 200, PriceCents: 1500, Label: "200 Credits", Description: "Best value", Popular: true},
	{ID: "pro", Credits: 500, PriceCents: 3000, Label: "500 Credits", Description: "For power users"},
}

// centsPerCredit prices credit amounts that match no package.
const centsPerCredit = 10

// FindPackage looks a package up by id.
func FindPackage(id string) (Package, bool) {
	for _, p := range Packages {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}

// PriceInCents is the price of credits: the matching package price, or a
// flat rate per credit.
func PriceInCents(credits int) int {
	for _, p := range Packages {
		if p.Credits == credits {
			return p.PriceCents
		}
	}
	return credits * centsPerCredit
}

// Pricing adapts PriceInCents to the ledger's price table.
type Pricing struct{}

func (Pricing) PriceInCents(credits int) int { return PriceInCents(credits) }
