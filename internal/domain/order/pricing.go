package order

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Pricing holds the flat rules used to compute order totals.
type Pricing struct {
	Currency     string
	ShippingCost decimal.Decimal
	TaxRate      decimal.Decimal
	// Scale is the number of decimal places of the currency (0 for IDR).
	Scale int32
}

// Totals is the computed monetary breakdown of an order.
type Totals struct {
	Subtotal     decimal.Decimal
	ShippingCost decimal.Decimal
	Tax          decimal.Decimal
	Total        decimal.Decimal
}

// Compute fills each item's subtotal and returns the order totals. Tax is
// levied on the item subtotal and rounded to the currency scale, so
// Total == Subtotal + ShippingCost + Tax holds exactly.
func (p Pricing) Compute(items []Item) Totals {
	subtotal := decimal.Zero
	for i := range items {
		line := items[i].UnitPrice.Mul(decimal.NewFromInt(int64(items[i].Quantity))).Round(p.Scale)
		items[i].Subtotal = line
		subtotal = subtotal.Add(line)
	}
	shipping := p.ShippingCost.Round(p.Scale)
	tax := subtotal.Mul(p.TaxRate).Round(p.Scale)
	return Totals{
		Subtotal:     subtotal,
		ShippingCost: shipping,
		Tax:          tax,
		Total:        subtotal.Add(shipping).Add(tax),
	}
}

// Address is the shipping destination.
type Address struct {
	RecipientName string `json:"recipient_name"`
	Phone         string `json:"phone"`
	Street        string `json:"street"`
	City          string `json:"city"`
	Province      string `json:"province"`
	PostalCode    string `json:"postal_code"`
	Notes         string `json:"notes,omitempty"`
}

// Validate reports the first required field that is blank.
func (a Address) Validate() error {
	fields := []struct {
		name  string
		value string
	}{
		{"recipient_name", a.RecipientName},
		{"phone", a.Phone},
		{"street", a.Street},
		{"city", a.City},
		{"province", a.Province},
		{"postal_code", a.PostalCode},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return &InvalidAddressError{Field: f.name}
		}
	}
	return nil
}
