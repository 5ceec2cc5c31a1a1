// Package quotes persists quotes and exposes the lifecycle, wizard and pricing
// rules over HTTP.
package quotes

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/quotedesk/internal/quotes/lifecycle"
	"github.com/odyssey-erp/quotedesk/internal/quotes/pricing"
	"github.com/odyssey-erp/quotedesk/internal/quotes/wizard"
)

var (
	ErrNotFound        = errors.New("quote not found")
	ErrVersionConflict = errors.New("quote was modified by another request")
	ErrInvalidDraft    = errors.New("quote draft is invalid")
)

// ValidationError carries per-field messages for a rejected draft.
type ValidationError struct {
	Step   wizard.Step
	Fields wizard.FieldErrors
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: step %s has %d invalid field(s): %s", ErrInvalidDraft, e.Step, len(e.Fields), strings.Join(e.Fields.ErrorKeys(), ", "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidDraft }

// Quote is a persisted quote. Totals are derived from Lines on every write.
type Quote struct {
	ID              int64                `json:"id"`
	Number          string               `json:"number"`
	CustomerID      *int64               `json:"customer_id,omitempty"`
	CustomerName    string               `json:"customer_name"`
	CustomerEmail   string               `json:"customer_email"`
	CustomerCompany string               `json:"customer_company,omitempty"`
	CustomerPhone   string               `json:"customer_phone,omitempty"`
	Lines           []pricing.LineItem   `json:"lines"`
	GlobalDiscount  decimal.Decimal      `json:"global_discount"`
	GlobalTaxRate   decimal.Decimal      `json:"global_tax_rate"`
	PaymentTerms    string               `json:"payment_terms,omitempty"`
	Notes           string               `json:"notes,omitempty"`
	ValidUntil      *time.Time           `json:"valid_until,omitempty"`
	Status          lifecycle.Status     `json:"status"`
	Version         int64                `json:"version"`
	Totals          pricing.Calculations `json:"totals"`
	CreatedBy       string               `json:"created_by"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// Draft converts the quote back into wizard form for edit sessions.
func (q Quote) Draft() wizard.Draft {
	var customerID *int64
	if q.CustomerID != nil {
		id := *q.CustomerID
		customerID = &id
	}
	var validUntil *time.Time
	if q.ValidUntil != nil {
		v := *q.ValidUntil
		validUntil = &v
	}
	return wizard.Draft{
		Customer: wizard.CustomerRef{
			ID:      customerID,
			Name:    q.CustomerName,
			Email:   q.CustomerEmail,
			Company: q.CustomerCompany,
			Phone:   q.CustomerPhone,
		},
		Items:          append([]pricing.LineItem(nil), q.Lines...),
		GlobalDiscount: q.GlobalDiscount,
		GlobalTaxRate:  q.GlobalTaxRate,
		Terms: wizard.Terms{
			PaymentTerms: q.PaymentTerms,
			Notes:        q.Notes,
			ValidUntil:   validUntil,
		},
	}
}

// applyDraft copies draft fields onto q and recomputes totals.
func (q *Quote) applyDraft(d wizard.Draft, places int32) {
	q.CustomerID = d.Customer.ID
	q.CustomerName = strings.TrimSpace(d.Customer.Name)
	q.CustomerEmail = strings.TrimSpace(d.Customer.Email)
	q.CustomerCompany = d.Customer.Company
	q.CustomerPhone = d.Customer.Phone
	q.Lines = append([]pricing.LineItem(nil), d.Items...)
	q.GlobalDiscount = d.GlobalDiscount
	q.GlobalTaxRate = d.GlobalTaxRate
	q.PaymentTerms = d.Terms.PaymentTerms
	q.Notes = d.Terms.Notes
	q.ValidUntil = d.Terms.ValidUntil
	q.Totals = pricing.Round(pricing.Aggregate(q.Lines, q.GlobalDiscount, q.GlobalTaxRate), places)
}

// ListFilter narrows quote listings.
type ListFilter struct {
	Status     lifecycle.Status
	CustomerID int64
	Search     string
	Limit      int
	Offset     int
}

// Detail bundles a quote with its status history.
type Detail struct {
	Quote   Quote                    `json:"quote"`
	History []lifecycle.StatusChange `json:"history"`
	Allowed []lifecycle.Status       `json:"allowed_transitions"`
}
