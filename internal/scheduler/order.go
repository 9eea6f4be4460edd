package scheduler

import (
	"cmp"
	"slices"

	"github.com/aristath/swarm/internal/errors"
)

// ResolveExecutionOrder returns tasks in dependency order using Kahn's
// algorithm one level at a time. Each level is sorted by priority, then
// CreatedAt, then ID, so the output is deterministic for a fixed input.
//
// Dependencies on ids outside tasks are treated as already resolved. If a
// level comes up empty while tasks remain, a CircularDependencyError naming
// the remainder is returned and no partial order is produced.
func ResolveExecutionOrder(tasks []*Task) ([]*Task, error) {
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}

	seen := make(map[string]bool, len(tasks))
	remaining := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		if seen[t.ID] {
			continue // Duplicate entry
		}
		seen[t.ID] = true
		remaining = append(remaining, t)
	}

	resolved := make(map[string]bool, len(remaining))
	order := make([]*Task, 0, len(remaining))
	for len(remaining) > 0 {
		var ready, blocked []*Task
		for _, t := range remaining {
			if dependenciesResolved(t, known, resolved) {
				ready = append(ready, t)
			} else {
				blocked = append(blocked, t)
			}
		}

		if len(ready) == 0 {
			ids := make([]string, len(blocked))
			for i, t := range blocked {
				ids[i] = t.ID
			}
			slices.Sort(ids)
			return nil, &errors.CircularDependencyError{Unresolved: ids}
		}

		slices.SortFunc(ready, compareReady)
		for _, t := range ready {
			resolved[t.ID] = true
		}
		order = append(order, ready...)
		remaining = blocked
	}

	return order, nil
}

func dependenciesResolved(t *Task, known, resolved map[string]bool) bool {
	for _, dep := range t.Dependencies {
		if known[dep] && !resolved[dep] {
			return false
		}
	}
	return true
}

func compareReady(a, b *Task) int {
	if c := cmp.Compare(a.Priority.Rank(), b.Priority.Rank()); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
