package wizard

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrSubmitInProgress indicates a second submit while one is in flight.
	ErrSubmitInProgress = errors.New("wizard: submit already in progress")
	// ErrIncomplete indicates a step failed validation at submit time.
	ErrIncomplete = errors.New("wizard: draft is incomplete")
	// ErrAlreadySubmitted indicates the session already produced a quote.
	// Reset starts a fresh draft.
	ErrAlreadySubmitted = errors.New("wizard: session already submitted")
)

// CompleteFunc persists a validated draft and returns the quote id.
type CompleteFunc func(ctx context.Context, d Draft) (int64, error)

// UpdatePricing edits the quote-level discount and tax rate.
func (s Session) UpdatePricing(globalDiscount, globalTaxRate *decimal.Decimal) Session {
	return s.Update(DraftPatch{GlobalDiscount: globalDiscount, GlobalTaxRate: globalTaxRate})
}

// BeginSubmit validates every step. When one fails, the session moves to the
// first failing step with its errors and ErrIncomplete is returned. Otherwise
// the session is marked as submitting.
func (s Session) BeginSubmit() (Session, error) {
	if s.submitting {
		return s, ErrSubmitInProgress
	}
	if s.createdID != nil {
		return s, fmt.Errorf("%w: quote %d", ErrAlreadySubmitted, *s.createdID)
	}
	out := s.copy()
	if step, errs := s.flow.Check(s.draft); errs != nil {
		out.current = step
		out.errors = errs
		delete(out.completed, step)
		return out, fmt.Errorf("%w: step %s", ErrIncomplete, step)
	}
	out.errors = nil
	out.submitting = true
	out.submitError = ""
	return out, nil
}

// FinishSubmit records the outcome of the completion call. A failure keeps the
// draft intact and stores the message for display.
func (s Session) FinishSubmit(quoteID int64, err error) Session {
	out := s.copy()
	out.submitting = false
	if err != nil {
		out.submitError = err.Error()
		return out
	}
	out.submitError = ""
	out.createdID = &quoteID
	for _, step := range s.flow.Steps() {
		out.completed[step] = true
	}
	return out
}

// Submit runs BeginSubmit, the completion call and FinishSubmit in sequence.
func (s Session) Submit(ctx context.Context, complete CompleteFunc) (Session, error) {
	started, err := s.BeginSubmit()
	if err != nil {
		return started, err
	}
	id, err := complete(ctx, started.Draft())
	return started.FinishSubmit(id, err), err
}
