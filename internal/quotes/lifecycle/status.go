// Package lifecycle owns the quote status transition graph.
//
// The graph is an explicit adjacency map with per-state attributes. Nothing
// outside this package decides whether a status change is legal or whether a
// quote may still be edited.
package lifecycle

import (
	"fmt"
	"strings"
)

// Status is the persisted lifecycle state of a quote.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusViewed    Status = "viewed"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusConverted Status = "converted"
)

// Statuses lists every status in declaration order.
var Statuses = []Status{
	StatusDraft,
	StatusPending,
	StatusSent,
	StatusViewed,
	StatusAccepted,
	StatusRejected,
	StatusExpired,
	StatusConverted,
}

// State describes one node of the transition graph.
type State struct {
	Next     []Status
	Terminal bool
	CanEdit  bool
}

// graph is fixed at compile time. Re-sending (sent -> sent) is a refresh.
var graph = map[Status]State{
	StatusDraft:     {Next: []Status{StatusSent, StatusPending}, CanEdit: true},
	StatusPending:   {Next: []Status{StatusSent, StatusDraft}, CanEdit: true},
	StatusSent:      {Next: []Status{StatusViewed, StatusAccepted, StatusRejected, StatusExpired, StatusSent}},
	StatusViewed:    {Next: []Status{StatusAccepted, StatusRejected, StatusExpired}},
	StatusAccepted:  {Terminal: true},
	StatusRejected:  {Next: []Status{StatusDraft}},
	StatusExpired:   {Next: []Status{StatusSent, StatusDraft}},
	StatusConverted: {Terminal: true},
}

// ParseStatus converts user input into a known Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	return s, nil
}

// IsValid reports whether s is part of the graph.
func (s Status) IsValid() bool {
	_, ok := graph[s]
	return ok
}

// IsTerminal reports whether s has no outgoing transition.
func (s Status) IsTerminal() bool {
	return graph[s].Terminal
}

// CanEdit reports whether a quote in status s may have its lines or terms changed.
func (s Status) CanEdit() bool {
	return graph[s].CanEdit
}

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}

// Allowed returns a copy of the legal next statuses for s.
func Allowed(from Status) []Status {
	next := graph[from].Next
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to Status) bool {
	for _, next := range graph[from].Next {
		if next == to {
			return true
		}
	}
	return false
}

// Describe returns the full graph keyed by status, for display and tooling.
func Describe() map[Status]State {
	out := make(map[Status]State, len(graph))
	for status, state := range graph {
		state.Next = Allowed(status)
		out[status] = state
	}
	return out
}
