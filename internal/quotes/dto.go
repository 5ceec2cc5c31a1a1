package quotes

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/quotedesk/internal/quotes/pricing"
	"github.com/odyssey-erp/quotedesk/internal/quotes/wizard"
	"github.com/odyssey-erp/quotedesk/internal/shared"
)

type UpdateQuoteRequest struct {
	Version int64        `json:"version" validate:"required,gte=1"`
	Draft   wizard.Draft `json:"draft"`
}

type TransitionRequest struct {
	To      string `json:"to" validate:"required,max=32"`
	Version int64  `json:"version" validate:"required,gte=1"`
}

type PreviewRequest struct {
	Items          []pricing.LineItem `json:"items" validate:"max=500"`
	GlobalDiscount decimal.Decimal    `json:"global_discount"`
	GlobalTaxRate  decimal.Decimal    `json:"global_tax_rate"`
}

type PreviewResponse struct {
	Valuations   []pricing.LineValuation `json:"valuations"`
	Calculations pricing.Calculations    `json:"calculations"`
	Violations   wizard.FieldErrors      `json:"violations,omitempty"`
}

type ListResponse struct {
	Data       []Quote           `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}

type GraphResponse struct {
	States      map[string]GraphState `json:"states"`
	Unreachable []string              `json:"unreachable_from_draft"`
	DeadStates  []string              `json:"dead_states"`
}

type GraphState struct {
	Next     []string `json:"next"`
	Terminal bool     `json:"terminal"`
	CanEdit  bool     `json:"can_edit"`
}

type StartWizardRequest struct {
	QuoteID    *int64 `json:"quote_id,omitempty" validate:"omitempty,gt=0"`
	CustomerID *int64 `json:"customer_id,omitempty" validate:"omitempty,gt=0"`
}

type GoToRequest struct {
	Step string `json:"step" validate:"required,max=64"`
}

type CustomerRequest struct {
	CustomerID *int64  `json:"customer_id,omitempty" validate:"omitempty,gt=0"`
	Name       *string `json:"name,omitempty" validate:"omitempty,max=200"`
	Email      *string `json:"email,omitempty" validate:"omitempty,max=254"`
	Company    *string `json:"company,omitempty" validate:"omitempty,max=200"`
	Phone      *string `json:"phone,omitempty" validate:"omitempty,max=50"`
}

type TermsRequest struct {
	PaymentTerms *string    `json:"payment_terms,omitempty" validate:"omitempty,max=500"`
	Notes        *string    `json:"notes,omitempty" validate:"omitempty,max=4000"`
	ValidUntil   *time.Time `json:"valid_until,omitempty"`
}

type PricingRequest struct {
	GlobalDiscount *decimal.Decimal `json:"global_discount,omitempty"`
	GlobalTaxRate  *decimal.Decimal `json:"global_tax_rate,omitempty"`
}

type AddItemRequest struct {
	ProductID       *int64           `json:"product_id,omitempty" validate:"omitempty,gt=0"`
	Name            *string          `json:"name,omitempty" validate:"omitempty,max=200"`
	Quantity        int64            `json:"quantity" validate:"gte=0"`
	UnitPrice       *decimal.Decimal `json:"unit_price,omitempty"`
	DiscountPercent *decimal.Decimal `json:"discount_percent,omitempty"`
	TaxRate         *decimal.Decimal `json:"tax_rate,omitempty"`
}

type UpdateItemRequest struct {
	Name            *string          `json:"name,omitempty" validate:"omitempty,max=200"`
	Quantity        *int64           `json:"quantity,omitempty"`
	UnitPrice       *decimal.Decimal `json:"unit_price,omitempty"`
	DiscountPercent *decimal.Decimal `json:"discount_percent,omitempty"`
	TaxRate         *decimal.Decimal `json:"tax_rate,omitempty"`
}

func (r UpdateItemRequest) patch() wizard.ItemPatch {
	return wizard.ItemPatch{
		Name:            r.Name,
		Quantity:        r.Quantity,
		UnitPrice:       r.UnitPrice,
		DiscountPercent: r.DiscountPercent,
		TaxRate:         r.TaxRate,
	}
}

type StepView struct {
	Step      wizard.Step `json:"step"`
	Title     string      `json:"title"`
	Completed bool        `json:"completed"`
}

// SessionView is the JSON shape of a wizard session.
type SessionView struct {
	ID           string                  `json:"id"`
	Current      wizard.Step             `json:"current"`
	Steps        []StepView              `json:"steps"`
	Progress     float64                 `json:"progress"`
	Draft        wizard.Draft            `json:"draft"`
	Errors       wizard.FieldErrors      `json:"errors,omitempty"`
	Submitting   bool                    `json:"submitting"`
	SubmitError  string                  `json:"submit_error,omitempty"`
	EditOf       *int64                  `json:"edit_of,omitempty"`
	QuoteID      *int64                  `json:"quote_id,omitempty"`
	Valuations   []pricing.LineValuation `json:"valuations"`
	Calculations pricing.Calculations    `json:"calculations"`
}

func newSessionView(id string, s wizard.Session) SessionView {
	flow := s.Flow()
	steps := make([]StepView, 0, len(flow.Steps()))
	for _, step := range flow.Steps() {
		steps = append(steps, StepView{Step: step, Title: flow.Title(step), Completed: s.IsCompleted(step)})
	}
	view := SessionView{
		ID:           id,
		Current:      s.Current(),
		Steps:        steps,
		Progress:     s.Progress(),
		Draft:        s.Draft(),
		Errors:       s.Errors(),
		Submitting:   s.Submitting(),
		SubmitError:  s.SubmitError(),
		Valuations:   s.Valuations(),
		Calculations: s.Calculations(),
	}
	if id, ok := s.EditOf(); ok {
		view.EditOf = &id
	}
	if id, ok := s.CreatedQuoteID(); ok {
		view.QuoteID = &id
	}
	return view
}
