package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Violation describes one invalid field of a line item or pricing input.
type Violation struct {
	Field   string
	Message string
}

// ValidateItem reports shape problems the calculation functions do not guard
// against. An empty result means the item is safe to valuate.
func ValidateItem(item LineItem) []Violation {
	var out []Violation
	if strings.TrimSpace(item.Name) == "" {
		out = append(out, Violation{Field: "name", Message: "name is required"})
	}
	if item.Quantity <= 0 {
		out = append(out, Violation{Field: "quantity", Message: "quantity must be greater than 0"})
	}
	if item.UnitPrice.IsNegative() {
		out = append(out, Violation{Field: "unit_price", Message: "unit price cannot be negative"})
	}
	if !isPercent(item.DiscountPercent) {
		out = append(out, Violation{Field: "discount_percent", Message: "discount must be between 0 and 100"})
	}
	if !isPercent(item.TaxRate) {
		out = append(out, Violation{Field: "tax_rate", Message: "tax rate must be between 0 and 100"})
	}
	return out
}

// ValidateGlobals checks the quote-level discount and tax rate against the
// item list. A discount larger than the discounted item subtotal is rejected
// here so Aggregate never has to clamp.
func ValidateGlobals(items []LineItem, globalDiscount, globalTaxRate decimal.Decimal) []Violation {
	var out []Violation
	if globalDiscount.IsNegative() {
		out = append(out, Violation{Field: "global_discount", Message: "discount cannot be negative"})
	} else if len(items) > 0 && Aggregate(items, globalDiscount, decimal.Zero).TaxableAmount.IsNegative() {
		out = append(out, Violation{Field: "global_discount", Message: "discount exceeds quote subtotal"})
	}
	if globalTaxRate.IsNegative() {
		out = append(out, Violation{Field: "global_tax_rate", Message: "tax rate cannot be negative"})
	}
	return out
}

func isPercent(v decimal.Decimal) bool {
	return !v.IsNegative() && v.LessThanOrEqual(hundred)
}
