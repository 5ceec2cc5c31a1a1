// Package wizard drives the multi-step quote creation flow.
//
// A Flow is an ordered table of steps, each with its own validator. A Session
// is a value: every operation returns a new Session and leaves the receiver
// untouched, so concurrent sessions never share mutable state.
package wizard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/quotedesk/internal/quotes/pricing"
)

// Step names one stage of the linear creation flow.
type Step string

const (
	StepCustomerInfo     Step = "customer-info"
	StepProductSelection Step = "product-selection"
	StepLineItems        Step = "line-items"
	StepTermsNotes       Step = "terms-notes"
	StepReviewSend       Step = "review-send"
)

// FieldErrors maps a field key to its validation messages.
type FieldErrors map[string][]string

func (fe FieldErrors) add(field, msg string) {
	fe[field] = append(fe[field], msg)
}

// StepSpec is one row of the step table.
type StepSpec struct {
	Step     Step
	Title    string
	Validate func(Draft) FieldErrors
}

// DefaultSteps is the standard five-step quote flow.
var DefaultSteps = []StepSpec{
	{Step: StepCustomerInfo, Title: "Customer", Validate: validateCustomer},
	{Step: StepProductSelection, Title: "Products"},
	{Step: StepLineItems, Title: "Line items", Validate: validateLineItems},
	{Step: StepTermsNotes, Title: "Terms & notes"},
	{Step: StepReviewSend, Title: "Review & send"},
}

// Flow is an immutable ordered step table.
type Flow struct {
	specs []StepSpec
	index map[Step]int
}

// NewFlow builds a Flow from the given table.
func NewFlow(specs []StepSpec) (*Flow, error) {
	if len(specs) == 0 {
		return nil, errors.New("wizard: flow needs at least one step")
	}
	f := &Flow{specs: append([]StepSpec(nil), specs...), index: make(map[Step]int, len(specs))}
	for i, spec := range f.specs {
		if spec.Step == "" {
			return nil, fmt.Errorf("wizard: step %d has no name", i)
		}
		if _, dup := f.index[spec.Step]; dup {
			return nil, fmt.Errorf("wizard: duplicate step %q", spec.Step)
		}
		f.index[spec.Step] = i
	}
	return f, nil
}

// DefaultFlow returns the standard quote flow.
func DefaultFlow() *Flow {
	f, err := NewFlow(DefaultSteps)
	if err != nil {
		panic(err)
	}
	return f
}

// Steps returns the ordered step names.
func (f *Flow) Steps() []Step {
	out := make([]Step, len(f.specs))
	for i, spec := range f.specs {
		out[i] = spec.Step
	}
	return out
}

// Title returns the display title of a step.
func (f *Flow) Title(step Step) string {
	if i, ok := f.index[step]; ok {
		return f.specs[i].Title
	}
	return ""
}

// Has reports whether step belongs to the flow.
func (f *Flow) Has(step Step) bool {
	_, ok := f.index[step]
	return ok
}

func (f *Flow) first() Step {
	return f.specs[0].Step
}

func (f *Flow) validate(step Step, d Draft) FieldErrors {
	i, ok := f.index[step]
	if !ok || f.specs[i].Validate == nil {
		return nil
	}
	errs := f.specs[i].Validate(d)
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Check runs every step validator in order and returns the first failing step
// with its errors. An empty step means the draft is complete.
func (f *Flow) Check(d Draft) (Step, FieldErrors) {
	for _, spec := range f.specs {
		if errs := f.validate(spec.Step, d); errs != nil {
			return spec.Step, errs
		}
	}
	return "", nil
}

var validate = validator.New()

func validateCustomer(d Draft) FieldErrors {
	errs := FieldErrors{}
	if strings.TrimSpace(d.Customer.Name) == "" {
		errs.add("name", "customer name is required")
	}
	email := strings.TrimSpace(d.Customer.Email)
	switch {
	case email == "":
		errs.add("email", "email is required")
	case validate.Var(email, "email") != nil:
		errs.add("email", "email is not a valid address")
	}
	return errs
}

func validateLineItems(d Draft) FieldErrors {
	errs := FieldErrors{}
	if len(d.Items) == 0 {
		errs.add("items", "add at least one line item")
		return errs
	}
	for i, item := range d.Items {
		for _, v := range pricing.ValidateItem(item) {
			errs.add(itemField(i, v.Field), v.Message)
		}
	}
	for _, v := range pricing.ValidateGlobals(d.Items, d.GlobalDiscount, d.GlobalTaxRate) {
		errs.add(v.Field, v.Message)
	}
	return errs
}

func itemField(i int, field string) string {
	return fmt.Sprintf("items[%d].%s", i, field)
}
