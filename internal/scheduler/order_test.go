package scheduler

import (
	"fmt"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/aristath/swarm/internal/errors"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// orderTask builds a task with a fixed creation time for deterministic ordering.
func orderTask(id string, prio Priority, created int, deps ...string) *Task {
	return &Task{
		ID:           id,
		Title:        id,
		Type:         "code",
		Priority:     prio,
		Status:       TaskPending,
		Dependencies: deps,
		CreatedAt:    epoch.Add(time.Duration(created) * time.Second),
	}
}

func ids(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestResolveExecutionOrder(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*Task
		want  []string
	}{
		{
			name: "dependency before dependent",
			tasks: []*Task{
				orderTask("B", PriorityMedium, 0, "A"),
				orderTask("A", PriorityMedium, 1),
			},
			want: []string{"A", "B"},
		},
		{
			name: "priority within a level",
			tasks: []*Task{
				orderTask("low", PriorityLow, 0),
				orderTask("high", PriorityHigh, 2),
				orderTask("med", PriorityMedium, 1),
			},
			want: []string{"high", "med", "low"},
		},
		{
			name: "created at breaks priority ties",
			tasks: []*Task{
				orderTask("late", PriorityHigh, 5),
				orderTask("early", PriorityHigh, 1),
			},
			want: []string{"early", "late"},
		},
		{
			name: "id breaks full ties",
			tasks: []*Task{
				orderTask("b", PriorityHigh, 0),
				orderTask("a", PriorityHigh, 0),
			},
			want: []string{"a", "b"},
		},
		{
			name: "high priority dependent waits for its level",
			tasks: []*Task{
				orderTask("urgent", PriorityHigh, 0, "base"),
				orderTask("base", PriorityLow, 1),
				orderTask("other", PriorityMedium, 2),
			},
			want: []string{"other", "base", "urgent"},
		},
		{
			name: "diamond",
			tasks: []*Task{
				orderTask("D", PriorityMedium, 0, "B", "C"),
				orderTask("C", PriorityMedium, 1, "A"),
				orderTask("B", PriorityMedium, 2, "A"),
				orderTask("A", PriorityMedium, 3),
			},
			want: []string{"A", "C", "B", "D"},
		},
		{
			name: "external dependency treated as resolved",
			tasks: []*Task{
				orderTask("X", PriorityMedium, 0, "already-done"),
			},
			want: []string{"X"},
		},
		{
			name:  "empty input",
			tasks: nil,
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveExecutionOrder(tt.tasks)
			if err != nil {
				t.Fatalf("ResolveExecutionOrder failed: %v", err)
			}
			if !slices.Equal(ids(got), tt.want) {
				t.Errorf("order = %v, want %v", ids(got), tt.want)
			}
		})
	}
}

func TestResolveExecutionOrderCycles(t *testing.T) {
	tests := []struct {
		name       string
		tasks      []*Task
		unresolved []string
	}{
		{
			name: "direct cycle",
			tasks: []*Task{
				orderTask("A", PriorityMedium, 0, "B"),
				orderTask("B", PriorityMedium, 1, "A"),
			},
			unresolved: []string{"A", "B"},
		},
		{
			name: "cycle behind a valid prefix",
			tasks: []*Task{
				orderTask("root", PriorityHigh, 0),
				orderTask("X", PriorityMedium, 1, "root", "Z"),
				orderTask("Y", PriorityMedium, 2, "X"),
				orderTask("Z", PriorityMedium, 3, "Y"),
				orderTask("tail", PriorityLow, 4, "Z"),
			},
			unresolved: []string{"X", "Y", "Z", "tail"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveExecutionOrder(tt.tasks)
			if got != nil {
				t.Errorf("expected no partial order, got %v", ids(got))
			}
			var cycle *errors.CircularDependencyError
			if !errors.As(err, &cycle) {
				t.Fatalf("error = %v, want CircularDependencyError", err)
			}
			if !slices.Equal(cycle.Unresolved, tt.unresolved) {
				t.Errorf("unresolved = %v, want %v", cycle.Unresolved, tt.unresolved)
			}
		})
	}
}

// TestResolveExecutionOrderProperties checks, over random DAGs, that every task
// appears exactly once and after all of its dependencies, and that the result
// does not depend on input order.
func TestResolveExecutionOrderProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	priorities := []Priority{PriorityHigh, PriorityMedium, PriorityLow}

	for round := 0; round < 50; round++ {
		n := 1 + rng.Intn(20)
		tasks := make([]*Task, n)
		for i := range tasks {
			var deps []string
			// Only depend on lower indices, so the graph is acyclic
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					deps = append(deps, fmt.Sprintf("t%02d", j))
				}
			}
			tasks[i] = orderTask(fmt.Sprintf("t%02d", i), priorities[rng.Intn(3)], rng.Intn(5), deps...)
		}

		shuffled := slices.Clone(tasks)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		order, err := ResolveExecutionOrder(tasks)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		again, err := ResolveExecutionOrder(shuffled)
		if err != nil {
			t.Fatalf("round %d shuffled: %v", round, err)
		}
		if !slices.Equal(ids(order), ids(again)) {
			t.Fatalf("round %d: order depends on input order: %v vs %v", round, ids(order), ids(again))
		}

		if len(order) != n {
			t.Fatalf("round %d: got %d tasks, want %d", round, len(order), n)
		}
		pos := make(map[string]int, n)
		for i, task := range order {
			if _, dup := pos[task.ID]; dup {
				t.Fatalf("round %d: %s appears twice", round, task.ID)
			}
			pos[task.ID] = i
		}
		for _, task := range order {
			for _, dep := range task.Dependencies {
				if pos[dep] >= pos[task.ID] {
					t.Fatalf("round %d: %s scheduled before its dependency %s", round, task.ID, dep)
				}
			}
		}
	}
}

func TestResolveExecutionOrderIgnoresDuplicates(t *testing.T) {
	a := orderTask("A", PriorityMedium, 0)
	got, err := ResolveExecutionOrder([]*Task{a, a})
	if err != nil {
		t.Fatalf("ResolveExecutionOrder failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %v, want a single entry", ids(got))
	}
}
