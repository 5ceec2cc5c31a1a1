package wizard

import "fmt"

// Snapshot is the serialisable form of a Session.
type Snapshot struct {
	Current     Step        `json:"current"`
	Completed   []Step      `json:"completed,omitempty"`
	Initial     Draft       `json:"initial"`
	Draft       Draft       `json:"draft"`
	Errors      FieldErrors `json:"errors,omitempty"`
	Submitting  bool        `json:"submitting,omitempty"`
	SubmitError string      `json:"submit_error,omitempty"`
	EditOf      *int64      `json:"edit_of,omitempty"`
	CreatedID   *int64      `json:"created_id,omitempty"`
}

// Snapshot captures the session for storage.
func (s Session) Snapshot() Snapshot {
	return Snapshot{
		Current:     s.current,
		Completed:   s.Completed(),
		Initial:     s.initial.clone(),
		Draft:       s.draft.clone(),
		Errors:      cloneErrors(s.errors),
		Submitting:  s.submitting,
		SubmitError: s.submitError,
		EditOf:      copyID(s.editOf),
		CreatedID:   copyID(s.createdID),
	}
}

// Restore rebuilds a session captured by Snapshot.
func (f *Flow) Restore(snap Snapshot) (Session, error) {
	if !f.Has(snap.Current) {
		return Session{}, fmt.Errorf("wizard: unknown step %q", snap.Current)
	}
	completed := make(map[Step]bool, len(snap.Completed))
	for _, step := range snap.Completed {
		if !f.Has(step) {
			return Session{}, fmt.Errorf("wizard: unknown step %q", step)
		}
		completed[step] = true
	}
	return Session{
		flow:        f,
		initial:     snap.Initial.clone(),
		draft:       snap.Draft.clone(),
		current:     snap.Current,
		completed:   completed,
		errors:      cloneErrors(snap.Errors),
		submitting:  snap.Submitting,
		submitError: snap.SubmitError,
		editOf:      copyID(snap.EditOf),
		createdID:   copyID(snap.CreatedID),
	}, nil
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
