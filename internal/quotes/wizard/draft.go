package wizard

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/quotedesk/internal/quotes/pricing"
)

// CustomerRef is the slice of a customer record the flow needs.
type CustomerRef struct {
	ID      *int64 `json:"id,omitempty"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// ProductRef is a catalogue entry used to seed a line item.
type ProductRef struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
}

// Terms are the commercial terms attached to a quote.
type Terms struct {
	PaymentTerms string     `json:"payment_terms,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	ValidUntil   *time.Time `json:"valid_until,omitempty"`
}

// Draft is an in-progress quote.
type Draft struct {
	Customer       CustomerRef        `json:"customer"`
	Items          []pricing.LineItem `json:"items"`
	GlobalDiscount decimal.Decimal    `json:"global_discount"`
	GlobalTaxRate  decimal.Decimal    `json:"global_tax_rate"`
	Terms          Terms              `json:"terms"`
}

func (d Draft) clone() Draft {
	out := d
	out.Items = append([]pricing.LineItem(nil), d.Items...)
	if d.Customer.ID != nil {
		id := *d.Customer.ID
		out.Customer.ID = &id
	}
	if d.Terms.ValidUntil != nil {
		t := *d.Terms.ValidUntil
		out.Terms.ValidUntil = &t
	}
	return out
}

// CustomerPatch changes selected customer fields; nil fields are untouched.
type CustomerPatch struct {
	ID      *int64
	Name    *string
	Email   *string
	Company *string
	Phone   *string
}

// TermsPatch changes selected terms fields.
type TermsPatch struct {
	PaymentTerms *string
	Notes        *string
	ValidUntil   *time.Time
}

// ItemPatch changes selected fields of one line item.
type ItemPatch struct {
	Name            *string
	Quantity        *int64
	UnitPrice       *decimal.Decimal
	DiscountPercent *decimal.Decimal
	TaxRate         *decimal.Decimal
}

// DraftPatch groups the form-level edits of a draft.
type DraftPatch struct {
	Customer       *CustomerPatch
	Terms          *TermsPatch
	GlobalDiscount *decimal.Decimal
	GlobalTaxRate  *decimal.Decimal
}

// apply returns the patched draft and the error keys touched by the patch.
func (p DraftPatch) apply(d Draft) (Draft, []string) {
	var touched []string
	if c := p.Customer; c != nil {
		if c.ID != nil {
			id := *c.ID
			d.Customer.ID = &id
		}
		if c.Name != nil {
			d.Customer.Name = *c.Name
			touched = append(touched, "name")
		}
		if c.Email != nil {
			d.Customer.Email = *c.Email
			touched = append(touched, "email")
		}
		if c.Company != nil {
			d.Customer.Company = *c.Company
			touched = append(touched, "company")
		}
		if c.Phone != nil {
			d.Customer.Phone = *c.Phone
			touched = append(touched, "phone")
		}
	}
	if t := p.Terms; t != nil {
		if t.PaymentTerms != nil {
			d.Terms.PaymentTerms = *t.PaymentTerms
			touched = append(touched, "payment_terms")
		}
		if t.Notes != nil {
			d.Terms.Notes = *t.Notes
			touched = append(touched, "notes")
		}
		if t.ValidUntil != nil {
			v := *t.ValidUntil
			d.Terms.ValidUntil = &v
			touched = append(touched, "valid_until")
		}
	}
	if p.GlobalDiscount != nil {
		d.GlobalDiscount = *p.GlobalDiscount
		touched = append(touched, "global_discount")
	}
	if p.GlobalTaxRate != nil {
		d.GlobalTaxRate = *p.GlobalTaxRate
		touched = append(touched, "global_tax_rate")
	}
	return d, touched
}

func (p ItemPatch) apply(item pricing.LineItem) (pricing.LineItem, []string) {
	var touched []string
	if p.Name != nil {
		item.Name = *p.Name
		touched = append(touched, "name")
	}
	if p.Quantity != nil {
		item.Quantity = *p.Quantity
		touched = append(touched, "quantity")
	}
	if p.UnitPrice != nil {
		item.UnitPrice = *p.UnitPrice
		touched = append(touched, "unit_price")
	}
	if p.DiscountPercent != nil {
		item.DiscountPercent = *p.DiscountPercent
		touched = append(touched, "discount_percent")
	}
	if p.TaxRate != nil {
		item.TaxRate = *p.TaxRate
		touched = append(touched, "tax_rate")
	}
	return item, touched
}
