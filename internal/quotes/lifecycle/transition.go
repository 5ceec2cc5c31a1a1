package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrIllegalTransition is wrapped by every rejected status change.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrUnknownStatus marks a status outside the graph.
	ErrUnknownStatus = errors.New("unknown status")
	// ErrNotEditable is returned when a field edit is attempted on a locked quote.
	ErrNotEditable = errors.New("quote is not editable in its current status")
)

// TransitionError reports a rejected status change. The subject is left as it was.
type TransitionError struct {
	From    Status
	To      Status
	Allowed []Status
	cause   error
}

func (e *TransitionError) Error() string {
	if errors.Is(e.cause, ErrUnknownStatus) {
		unknown := e.From
		if unknown.IsValid() {
			unknown = e.To
		}
		return fmt.Sprintf("cannot move quote from %s to %s: %s %q", e.From, e.To, ErrUnknownStatus, unknown)
	}
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("cannot move quote from %s to %s: %s is terminal", e.From, e.To, e.From)
	}
	names := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		names[i] = string(s)
	}
	return fmt.Sprintf("cannot move quote from %s to %s (allowed: %s)", e.From, e.To, strings.Join(names, ", "))
}

func (e *TransitionError) Unwrap() error {
	return e.cause
}

// StatusChange is one entry of the append-only status ledger.
type StatusChange struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
}

// Ledger is an append-only list of status changes. Append never touches the
// receiver's backing array, so earlier copies stay valid.
type Ledger struct {
	entries []StatusChange
}

// NewLedger builds a ledger from previously persisted entries.
func NewLedger(entries ...StatusChange) Ledger {
	return Ledger{entries: append([]StatusChange(nil), entries...)}
}

// Append returns a ledger with c added at the end.
func (l Ledger) Append(c StatusChange) Ledger {
	n := len(l.entries)
	return Ledger{entries: append(l.entries[:n:n], c)}
}

// Entries returns a copy of all entries in order.
func (l Ledger) Entries() []StatusChange {
	return append([]StatusChange(nil), l.entries...)
}

// Len returns the number of entries.
func (l Ledger) Len() int {
	return len(l.entries)
}

// Record is the lifecycle view of a quote.
type Record struct {
	Status  Status
	History Ledger
}

// GuardEdit rejects edits unless the status allows them. Callers run it before
// touching any quote field and before consulting the graph.
func GuardEdit(status Status) error {
	if !status.CanEdit() {
		return fmt.Errorf("%w: %s", ErrNotEditable, status)
	}
	return nil
}

// Transition moves rec to the target status and records the change. On failure
// rec is returned unchanged together with a *TransitionError.
func Transition(rec Record, to Status, actor string, at time.Time) (Record, StatusChange, error) {
	if !rec.Status.IsValid() || !to.IsValid() {
		return rec, StatusChange{}, &TransitionError{From: rec.Status, To: to, Allowed: Allowed(rec.Status), cause: ErrUnknownStatus}
	}
	if !CanTransition(rec.Status, to) {
		return rec, StatusChange{}, &TransitionError{From: rec.Status, To: to, Allowed: Allowed(rec.Status), cause: ErrIllegalTransition}
	}
	change := StatusChange{From: rec.Status, To: to, Actor: actor, At: at}
	return Record{Status: to, History: rec.History.Append(change)}, change, nil
}
