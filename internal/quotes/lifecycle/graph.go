package lifecycle

import (
	"errors"
	"fmt"
)

// Reachable returns every status reachable from root, root included, in
// declaration order.
func Reachable(root Status) []Status {
	seen := map[Status]bool{root: true}
	queue := []Status{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range graph[cur].Next {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	out := make([]Status, 0, len(seen))
	for _, s := range Statuses {
		if seen[s] {
			out = append(out, s)
		}
	}
	return out
}

// Unreachable lists statuses the graph cannot reach from root.
func Unreachable(root Status) []Status {
	reach := make(map[Status]bool)
	for _, s := range Reachable(root) {
		reach[s] = true
	}
	var out []Status
	for _, s := range Statuses {
		if !reach[s] {
			out = append(out, s)
		}
	}
	return out
}

// DeadStates lists non-terminal statuses that have no way out.
func DeadStates() []Status {
	var out []Status
	for _, s := range Statuses {
		st := graph[s]
		if !st.Terminal && len(st.Next) == 0 {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the graph for internal consistency.
func Validate() error {
	var errs []error
	if len(graph) != len(Statuses) {
		errs = append(errs, fmt.Errorf("graph has %d states, %d declared", len(graph), len(Statuses)))
	}
	for _, s := range Statuses {
		st, ok := graph[s]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: missing from graph", s))
			continue
		}
		if st.Terminal && len(st.Next) > 0 {
			errs = append(errs, fmt.Errorf("%s: terminal state has outgoing edges", s))
		}
		if st.Terminal && st.CanEdit {
			errs = append(errs, fmt.Errorf("%s: terminal state is editable", s))
		}
		for _, next := range st.Next {
			if !next.IsValid() {
				errs = append(errs, fmt.Errorf("%s: edge to unknown status %q", s, next))
			}
		}
	}
	for _, s := range DeadStates() {
		errs = append(errs, fmt.Errorf("%s: dead state", s))
	}
	return errors.Join(errs...)
}
