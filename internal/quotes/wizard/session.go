package wizard

import (
	"sort"
	"strconv"
	"strings"

	"github.com/odyssey-erp/quotedesk/internal/quotes/pricing"
)

// Session is the state of one creation or edit run of the flow. It is a value
// type; methods return updated copies.
type Session struct {
	flow        *Flow
	initial     Draft
	draft       Draft
	current     Step
	completed   map[Step]bool
	errors      FieldErrors
	submitting  bool
	submitError string
	editOf      *int64
	createdID   *int64
}

// NewSession starts a creation run. initial may be nil for an empty draft.
func (f *Flow) NewSession(initial *Draft) Session {
	var d Draft
	if initial != nil {
		d = initial.clone()
	}
	return Session{
		flow:      f,
		initial:   d,
		draft:     d.clone(),
		current:   f.first(),
		completed: map[Step]bool{},
	}
}

// NewEditSession starts an edit run for an existing quote. Every step is
// marked completed since the draft comes from a persisted quote.
func (f *Flow) NewEditSession(quoteID int64, d Draft) Session {
	s := f.NewSession(&d)
	s.editOf = &quoteID
	for _, step := range f.Steps() {
		s.completed[step] = true
	}
	return s
}

// Current returns the active step.
func (s Session) Current() Step { return s.current }

// Draft returns a copy of the draft.
func (s Session) Draft() Draft { return s.draft.clone() }

// Completed returns the completed steps in flow order.
func (s Session) Completed() []Step {
	var out []Step
	for _, step := range s.flow.Steps() {
		if s.completed[step] {
			out = append(out, step)
		}
	}
	return out
}

// IsCompleted reports whether step has passed validation.
func (s Session) IsCompleted(step Step) bool { return s.completed[step] }

// Errors returns a copy of the current validation errors.
func (s Session) Errors() FieldErrors { return cloneErrors(s.errors) }

// Submitting reports whether a submit is in flight.
func (s Session) Submitting() bool { return s.submitting }

// SubmitError returns the message of the last failed submit.
func (s Session) SubmitError() string { return s.submitError }

// EditOf returns the quote being edited, if any.
func (s Session) EditOf() (int64, bool) {
	if s.editOf == nil {
		return 0, false
	}
	return *s.editOf, true
}

// CreatedQuoteID returns the quote produced by a successful submit.
func (s Session) CreatedQuoteID() (int64, bool) {
	if s.createdID == nil {
		return 0, false
	}
	return *s.createdID, true
}

// Flow returns the step table the session runs on.
func (s Session) Flow() *Flow { return s.flow }

// Progress is (index of current step + 1) / number of steps.
func (s Session) Progress() float64 {
	return float64(s.flow.index[s.current]+1) / float64(len(s.flow.specs))
}

// Calculations aggregates the current draft. Totals are never cached.
func (s Session) Calculations() pricing.Calculations {
	return pricing.Aggregate(s.draft.Items, s.draft.GlobalDiscount, s.draft.GlobalTaxRate)
}

// Valuations returns the breakdown of every line item.
func (s Session) Valuations() []pricing.LineValuation {
	out := make([]pricing.LineValuation, len(s.draft.Items))
	for i, item := range s.draft.Items {
		out[i] = pricing.Valuate(item)
	}
	return out
}

func (s Session) copy() Session {
	out := s
	out.draft = s.draft.clone()
	out.completed = make(map[Step]bool, len(s.completed))
	for k, v := range s.completed {
		out.completed[k] = v
	}
	out.errors = cloneErrors(s.errors)
	return out
}

// Next validates the current step and advances when it passes. On failure the
// step stays put and Errors holds one message per failing field. Completing
// the last step keeps it current.
func (s Session) Next() Session {
	if s.submitting {
		return s
	}
	out := s.copy()
	if errs := s.flow.validate(s.current, s.draft); errs != nil {
		out.errors = errs
		return out
	}
	out.errors = nil
	out.completed[s.current] = true
	if i := s.flow.index[s.current]; i+1 < len(s.flow.specs) {
		out.current = s.flow.specs[i+1].Step
	}
	return out
}

// Previous moves one step back; it is a no-op on the first step.
func (s Session) Previous() Session {
	if s.submitting {
		return s
	}
	i := s.flow.index[s.current]
	if i == 0 {
		return s
	}
	out := s.copy()
	out.current = s.flow.specs[i-1].Step
	return out
}

// GoTo jumps to target only when it is completed or already current.
func (s Session) GoTo(target Step) Session {
	if s.submitting || !s.flow.Has(target) {
		return s
	}
	if target != s.current && !s.completed[target] {
		return s
	}
	out := s.copy()
	out.current = target
	return out
}

// Reset returns to the first step with the original draft.
func (s Session) Reset() Session {
	out := s.flow.NewSession(&s.initial)
	out.editOf = s.editOf
	return out
}

// Update applies form-level edits and clears errors of the touched fields.
func (s Session) Update(p DraftPatch) Session {
	out := s.copy()
	var touched []string
	out.draft, touched = p.apply(out.draft)
	out.clearErrors(touched...)
	return out
}

// UpdateCustomer edits the customer fields.
func (s Session) UpdateCustomer(p CustomerPatch) Session {
	return s.Update(DraftPatch{Customer: &p})
}

// UpdateTerms edits the commercial terms.
func (s Session) UpdateTerms(p TermsPatch) Session {
	return s.Update(DraftPatch{Terms: &p})
}

// AddItem appends a line item.
func (s Session) AddItem(item pricing.LineItem) Session {
	out := s.copy()
	out.draft.Items = append(out.draft.Items, item)
	out.clearErrors("items")
	return out
}

// AddProduct appends a line item seeded from a catalogue product.
func (s Session) AddProduct(p ProductRef, quantity int64) Session {
	id := p.ID
	return s.AddItem(pricing.LineItem{
		ProductID: &id,
		Name:      p.Name,
		Quantity:  quantity,
		UnitPrice: p.UnitPrice,
		TaxRate:   p.TaxRate,
	})
}

// UpdateItem edits the item at index i; out-of-range indexes are ignored.
func (s Session) UpdateItem(i int, p ItemPatch) Session {
	if i < 0 || i >= len(s.draft.Items) {
		return s
	}
	out := s.copy()
	var touched []string
	out.draft.Items[i], touched = p.apply(out.draft.Items[i])
	keys := make([]string, 0, len(touched)+1)
	for _, field := range touched {
		keys = append(keys, itemField(i, field))
	}
	keys = append(keys, "items")
	out.clearErrors(keys...)
	return out
}

// RemoveItem drops the item at index i. Errors of the removed item are cleared
// and errors of later items move down with them.
func (s Session) RemoveItem(i int) Session {
	if i < 0 || i >= len(s.draft.Items) {
		return s
	}
	out := s.copy()
	out.draft.Items = append(out.draft.Items[:i], out.draft.Items[i+1:]...)
	out.errors = reindexItemErrors(out.errors, i)
	return out
}

func (s *Session) clearErrors(keys ...string) {
	for _, k := range keys {
		delete(s.errors, k)
	}
	if len(s.errors) == 0 {
		s.errors = nil
	}
}

func cloneErrors(in FieldErrors) FieldErrors {
	if len(in) == 0 {
		return nil
	}
	out := make(FieldErrors, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func reindexItemErrors(in FieldErrors, removed int) FieldErrors {
	if len(in) == 0 {
		return nil
	}
	out := make(FieldErrors, len(in))
	for k, v := range in {
		idx, rest, ok := parseItemKey(k)
		switch {
		case !ok:
			out[k] = v
		case idx == removed:
		case idx > removed:
			out[itemField(idx-1, rest)] = v
		default:
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseItemKey(key string) (int, string, bool) {
	if !strings.HasPrefix(key, "items[") {
		return 0, "", false
	}
	end := strings.Index(key, "].")
	if end < 0 {
		return 0, "", false
	}
	idx, err := strconv.Atoi(key[len("items["):end])
	if err != nil {
		return 0, "", false
	}
	return idx, key[end+2:], true
}

// ErrorKeys returns the error field keys in sorted order.
func (fe FieldErrors) ErrorKeys() []string {
	keys := make([]string, 0, len(fe))
	for k := range fe {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
