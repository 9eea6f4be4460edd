package scheduler

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/aristath/swarm/internal/errors"
)

// Graph indexes a task population by id and by reverse dependency edge.
// It is used to validate a batch of tasks before any of them is persisted.
type Graph struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	dependents map[string][]string // Maps taskID -> tasks that depend on it
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// Add inserts a task. Returns a ValidationError if the id already exists.
func (g *Graph) Add(task *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[task.ID]; exists {
		return errors.NewValidationError("id", fmt.Sprintf("duplicate task id %q", task.ID))
	}

	g.tasks[task.ID] = task.Clone()
	for _, depID := range task.Dependencies {
		g.dependents[depID] = append(g.dependents[depID], task.ID)
	}
	return nil
}

// Validate checks that every dependency references a task in the graph, or
// one accepted by external, and that the graph has no cycle. It returns the
// topological order of the graph's own tasks.
func (g *Graph) Validate(external func(id string) bool) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, id := range g.sortedIDs() {
		for _, depID := range g.tasks[id].Dependencies {
			if _, ok := g.tasks[depID]; ok {
				continue
			}
			if external != nil && external(depID) {
				continue
			}
			return nil, errors.NewValidationError("dependencies",
				fmt.Sprintf("task %q depends on unknown task %q", id, depID))
		}
	}

	// Edge (dep, task) means dep must come before task. Tasks without internal
	// dependencies get a nil source so they are part of the sort.
	var edges []toposort.Edge
	for _, id := range g.sortedIDs() {
		internal := 0
		for _, depID := range g.tasks[id].Dependencies {
			if _, ok := g.tasks[depID]; ok {
				edges = append(edges, toposort.Edge{depID, id})
				internal++
			}
		}
		if internal == 0 {
			edges = append(edges, toposort.Edge{nil, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, &errors.CircularDependencyError{Unresolved: g.unresolved()}
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(g.tasks) {
		return nil, &errors.CircularDependencyError{Unresolved: g.unresolved()}
	}
	return order, nil
}

// unresolved peels off tasks whose dependencies can be satisfied and returns
// what is left, which is every task on or behind a cycle.
func (g *Graph) unresolved() []string {
	done := make(map[string]bool, len(g.tasks))
	for progress := true; progress; {
		progress = false
		for id, t := range g.tasks {
			if done[id] {
				continue
			}
			ready := true
			for _, depID := range t.Dependencies {
				if _, ok := g.tasks[depID]; ok && !done[depID] {
					ready = false
					break
				}
			}
			if ready {
				done[id] = true
				progress = true
			}
		}
	}

	var left []string
	for id := range g.tasks {
		if !done[id] {
			left = append(left, id)
		}
	}
	slices.Sort(left)
	return left
}

// Order returns the graph's tasks in ResolveExecutionOrder order.
func (g *Graph) Order() ([]*Task, error) {
	return ResolveExecutionOrder(g.Tasks())
}

// Get returns a copy of the task with the given id.
func (g *Graph) Get(id string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.tasks[id]
	if !exists {
		return nil, false
	}
	return task.Clone(), true
}

// Tasks returns copies of all tasks sorted by id.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*Task, 0, len(g.tasks))
	for _, id := range g.sortedIDs() {
		tasks = append(tasks, g.tasks[id].Clone())
	}
	return tasks
}

// Dependents returns the ids of tasks that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := slices.Clone(g.dependents[id])
	slices.Sort(out)
	return out
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// String renders the graph one task per line, for debugging.
func (g *Graph) String() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var b strings.Builder
	for _, id := range g.sortedIDs() {
		fmt.Fprintf(&b, "%s <- [%s]\n", id, strings.Join(g.tasks[id].Dependencies, ", "))
	}
	return b.String()
}
