package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var edges = map[Status][]Status{
	StatusDraft:     {StatusSent, StatusPending},
	StatusPending:   {StatusSent, StatusDraft},
	StatusSent:      {StatusViewed, StatusAccepted, StatusRejected, StatusExpired, StatusSent},
	StatusViewed:    {StatusAccepted, StatusRejected, StatusExpired},
	StatusAccepted:  nil,
	StatusRejected:  {StatusDraft},
	StatusExpired:   {StatusSent, StatusDraft},
	StatusConverted: nil,
}

func isEdge(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func TestCanTransitionMatchesGraph(t *testing.T) {
	for _, from := range Statuses {
		for _, to := range Statuses {
			assert.Equalf(t, isEdge(from, to), CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransitionRejectsEveryNonEdge(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, from := range Statuses {
		for _, to := range Statuses {
			if isEdge(from, to) {
				continue
			}
			rec := Record{Status: from}
			got, change, err := Transition(rec, to, "tester", at)
			require.Errorf(t, err, "%s -> %s", from, to)
			assert.ErrorIs(t, err, ErrIllegalTransition)
			assert.Equal(t, from, got.Status)
			assert.Zero(t, got.History.Len())
			assert.Zero(t, change)
		}
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	for _, s := range []Status{StatusAccepted, StatusConverted} {
		assert.True(t, s.IsTerminal())
		assert.Empty(t, Allowed(s))
		for _, to := range Statuses {
			assert.False(t, CanTransition(s, to))
		}
	}
}

func TestCanEdit(t *testing.T) {
	for _, s := range Statuses {
		want := s == StatusDraft || s == StatusPending
		assert.Equalf(t, want, s.CanEdit(), "status %s", s)
		if want {
			assert.NoError(t, GuardEdit(s))
		} else {
			assert.ErrorIs(t, GuardEdit(s), ErrNotEditable)
		}
	}
}

func TestTransitionFromSentToDraftFails(t *testing.T) {
	_, _, err := Transition(Record{Status: StatusSent}, StatusDraft, "alice", time.Now())

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StatusSent, te.From)
	assert.Equal(t, StatusDraft, te.To)
	assert.ElementsMatch(t, []Status{StatusViewed, StatusAccepted, StatusRejected, StatusExpired, StatusSent}, te.Allowed)
}

func TestTransitionFromRejectedToDraftSucceeds(t *testing.T) {
	at := time.Date(2024, 5, 2, 8, 30, 0, 0, time.UTC)
	rec, change, err := Transition(Record{Status: StatusRejected}, StatusDraft, "bob", at)

	require.NoError(t, err)
	assert.Equal(t, StatusDraft, rec.Status)
	assert.Equal(t, StatusChange{From: StatusRejected, To: StatusDraft, Actor: "bob", At: at}, change)
	assert.Equal(t, []StatusChange{change}, rec.History.Entries())
}

func TestResendIsAllowed(t *testing.T) {
	rec, _, err := Transition(Record{Status: StatusSent}, StatusSent, "alice", time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusSent, rec.Status)
	assert.Equal(t, 1, rec.History.Len())
}

func TestTransitionUnknownStatus(t *testing.T) {
	_, _, err := Transition(Record{Status: StatusDraft}, Status("archived"), "x", time.Now())
	assert.ErrorIs(t, err, ErrUnknownStatus)
	assert.NotErrorIs(t, err, ErrIllegalTransition)
}

func TestTransitionErrorNamesUnknownStatus(t *testing.T) {
	_, _, err := Transition(Record{Status: Status("archived")}, StatusSent, "x", time.Now())

	require.ErrorIs(t, err, ErrUnknownStatus)
	assert.Contains(t, err.Error(), `unknown status "archived"`)
	assert.NotContains(t, err.Error(), "terminal")

	_, _, err = Transition(Record{Status: StatusDraft}, Status("archived"), "x", time.Now())
	assert.Contains(t, err.Error(), `unknown status "archived"`)

	_, _, err = Transition(Record{Status: StatusAccepted}, StatusDraft, "x", time.Now())
	assert.Contains(t, err.Error(), "accepted is terminal")
}

func TestLedgerIsAppendOnly(t *testing.T) {
	base := NewLedger(StatusChange{From: StatusDraft, To: StatusSent, Actor: "a"})
	left := base.Append(StatusChange{From: StatusSent, To: StatusViewed, Actor: "b"})
	right := base.Append(StatusChange{From: StatusSent, To: StatusExpired, Actor: "c"})

	assert.Equal(t, 1, base.Len())
	require.Equal(t, 2, left.Len())
	require.Equal(t, 2, right.Len())
	assert.Equal(t, StatusViewed, left.Entries()[1].To)
	assert.Equal(t, StatusExpired, right.Entries()[1].To)

	entries := left.Entries()
	entries[0].Actor = "mutated"
	assert.Equal(t, "a", left.Entries()[0].Actor)
}

func TestFullLifecycleRecordsEveryStep(t *testing.T) {
	rec := Record{Status: StatusDraft}
	path := []Status{StatusPending, StatusSent, StatusViewed, StatusRejected, StatusDraft, StatusSent, StatusAccepted}
	var err error
	for _, to := range path {
		rec, _, err = Transition(rec, to, "ops", time.Now())
		require.NoError(t, err)
	}
	assert.Equal(t, StatusAccepted, rec.Status)
	assert.Equal(t, len(path), rec.History.Len())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" Sent ")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, s)

	_, err = ParseStatus("archived")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestGraphAnalysis(t *testing.T) {
	require.NoError(t, Validate())
	assert.Empty(t, DeadStates())
	// converted is terminal with no inbound edge.
	assert.Equal(t, []Status{StatusConverted}, Unreachable(StatusDraft))
	assert.Equal(t, []Status{StatusAccepted}, Reachable(StatusAccepted))
}

func TestDescribeReturnsCopies(t *testing.T) {
	desc := Describe()
	desc[StatusDraft].Next[0] = StatusAccepted
	assert.True(t, CanTransition(StatusDraft, StatusSent))
	assert.False(t, CanTransition(StatusDraft, StatusAccepted))
}
