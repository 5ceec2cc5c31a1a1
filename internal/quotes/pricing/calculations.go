// Package pricing values quote line items and aggregates them into quote totals.
//
// Both calculations are pure: they read only their arguments, never round and
// never clamp. Callers validate input shape with ValidateItem beforehand.
package pricing

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// LineItem is one product or service entry on a quote draft.
type LineItem struct {
	ProductID       *int64          `json:"product_id,omitempty"`
	Name            string          `json:"name"`
	Quantity        int64           `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
}

// LineValuation is the monetary breakdown of a single line item.
type LineValuation struct {
	Subtotal    decimal.Decimal `json:"subtotal"`
	Discount    decimal.Decimal `json:"discount"`
	TaxableBase decimal.Decimal `json:"taxable_base"`
	Tax         decimal.Decimal `json:"tax"`
	Total       decimal.Decimal `json:"total"`
}

// Calculations holds the derived totals of a quote.
type Calculations struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	DiscountTotal decimal.Decimal `json:"discount_total"`
	TaxableAmount decimal.Decimal `json:"taxable_amount"`
	TaxTotal      decimal.Decimal `json:"tax_total"`
	Total         decimal.Decimal `json:"total"`
}

// Valuate computes the breakdown of one line item. The item discount is applied
// before tax, so tax is charged on the discounted amount.
func Valuate(item LineItem) LineValuation {
	subtotal := decimal.NewFromInt(item.Quantity).Mul(item.UnitPrice)
	discount := percentOf(subtotal, item.DiscountPercent)
	taxableBase := subtotal.Sub(discount)
	tax := percentOf(taxableBase, item.TaxRate)
	return LineValuation{
		Subtotal:    subtotal,
		Discount:    discount,
		TaxableBase: taxableBase,
		Tax:         tax,
		Total:       taxableBase.Add(tax),
	}
}

// Aggregate combines line items with a flat quote-level discount and a
// quote-level tax rate.
//
// The order is item discount, sum, global discount, global tax, total. Per-item
// tax rates only affect each line's own total and never enter the aggregate.
// An empty item list yields all zeros whatever the discount and tax rate.
func Aggregate(items []LineItem, globalDiscount, globalTaxRatePercent decimal.Decimal) Calculations {
	if len(items) == 0 {
		return Calculations{
			Subtotal:      decimal.Zero,
			DiscountTotal: decimal.Zero,
			TaxableAmount: decimal.Zero,
			TaxTotal:      decimal.Zero,
			Total:         decimal.Zero,
		}
	}

	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(Valuate(item).TaxableBase)
	}

	taxable := subtotal.Sub(globalDiscount)
	tax := percentOf(taxable, globalTaxRatePercent)
	return Calculations{
		Subtotal:      subtotal,
		DiscountTotal: globalDiscount,
		TaxableAmount: taxable,
		TaxTotal:      tax,
		Total:         taxable.Add(tax),
	}
}

// Round returns a copy of c with every amount rounded half away from zero to
// the given number of decimal places. Used when snapshotting totals for
// storage; Aggregate itself never rounds.
func Round(c Calculations, places int32) Calculations {
	return Calculations{
		Subtotal:      c.Subtotal.Round(places),
		DiscountTotal: c.DiscountTotal.Round(places),
		TaxableAmount: c.TaxableAmount.Round(places),
		TaxTotal:      c.TaxTotal.Round(places),
		Total:         c.Total.Round(places),
	}
}

func percentOf(amount, percent decimal.Decimal) decimal.Decimal {
	return amount.Mul(percent).Div(hundred)
}
