// Package repotest holds the behavioral contract every repository
// implementation must satisfy, shared by the memory and SQLite test suites.
package repotest

import (
	"context"
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/errors"
	"github.com/aristath/swarm/internal/repository"
	"github.com/aristath/swarm/internal/scheduler"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// NewAgent builds an agent with a deterministic creation time.
func NewAgent(id, role string, status agent.Status, created int, caps ...string) *agent.Agent {
	slices.Sort(caps)
	a := &agent.Agent{
		ID:           id,
		Role:         role,
		Status:       status,
		Capabilities: caps,
		CreatedAt:    epoch.Add(time.Duration(created) * time.Second),
		LastActiveAt: epoch.Add(time.Duration(created) * time.Second),
	}
	if status == agent.StatusBusy {
		a.CurrentTaskID = "task-of-" + id
	}
	return a
}

// NewTask builds a task with a deterministic creation time.
func NewTask(id, taskType string, prio scheduler.Priority, status scheduler.TaskStatus, created int) *scheduler.Task {
	return &scheduler.Task{
		ID:        id,
		Title:     "title " + id,
		Type:      taskType,
		Priority:  prio,
		Status:    status,
		CreatedAt: epoch.Add(time.Duration(created) * time.Second),
	}
}

func taskIDs(tasks []*scheduler.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func agentIDs(agents []*agent.Agent) []string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.ID
	}
	return out
}

// RunAgentRepository exercises an AgentRepository produced by newRepo. Each
// subtest gets a fresh repository.
func RunAgentRepository(t *testing.T, newRepo func(t *testing.T) repository.AgentRepository) {
	ctx := context.Background()

	t.Run("save and find", func(t *testing.T) {
		repo := newRepo(t)
		a := NewAgent("a1", "coder", agent.StatusActive, 0, "code", "go")
		a.Metrics = agent.Metrics{TasksCompleted: 3, TasksFailed: 1, TotalDurationMs: 4200}

		if err := repo.Save(ctx, a); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if a.Version != 1 {
			t.Errorf("Version after insert = %d, want 1", a.Version)
		}

		got, err := repo.FindByID(ctx, "a1")
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		if got.Role != "coder" || got.Status != agent.StatusActive || got.Version != 1 {
			t.Errorf("got %+v", got)
		}
		if !slices.Equal(got.Capabilities, []string{"code", "go"}) {
			t.Errorf("capabilities = %v", got.Capabilities)
		}
		if got.Metrics != a.Metrics {
			t.Errorf("metrics = %+v, want %+v", got.Metrics, a.Metrics)
		}
		if !got.CreatedAt.Equal(a.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, a.CreatedAt)
		}

		// Mutating the result must not touch the store
		got.Role = "mutated"
		again, _ := repo.FindByID(ctx, "a1")
		if again.Role != "coder" {
			t.Error("FindByID returned shared state")
		}
	})

	t.Run("not found", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.FindByID(ctx, "missing")
		var nf *errors.NotFoundError
		if !errors.As(err, &nf) || nf.Kind != "agent" {
			t.Errorf("FindByID(missing) = %v, want agent NotFoundError", err)
		}
		if err := repo.Delete(ctx, "missing"); !errors.Is(err, errors.ErrNotFound) {
			t.Errorf("Delete(missing) = %v", err)
		}
	})

	t.Run("optimistic versioning", func(t *testing.T) {
		repo := newRepo(t)
		a := NewAgent("a1", "coder", agent.StatusActive, 0)
		if err := repo.Save(ctx, a); err != nil {
			t.Fatalf("insert failed: %v", err)
		}

		first, _ := repo.FindByID(ctx, "a1")
		second, _ := repo.FindByID(ctx, "a1")

		first.Status = agent.StatusBusy
		first.CurrentTaskID = "t1"
		if err := repo.Save(ctx, first); err != nil {
			t.Fatalf("first update failed: %v", err)
		}
		if first.Version != 2 {
			t.Errorf("Version = %d, want 2", first.Version)
		}

		second.Status = agent.StatusTerminated
		err := repo.Save(ctx, second)
		if !errors.Is(err, errors.ErrVersionConflict) {
			t.Fatalf("stale save = %v, want version conflict", err)
		}
		if second.Version != 1 {
			t.Errorf("failed save changed version to %d", second.Version)
		}

		stored, _ := repo.FindByID(ctx, "a1")
		if stored.Status != agent.StatusBusy {
			t.Errorf("stale save overwrote state: %s", stored.Status)
		}

		// Re-inserting an existing id is a conflict too
		dup := NewAgent("a1", "coder", agent.StatusActive, 0)
		if err := repo.Save(ctx, dup); !errors.Is(err, errors.ErrVersionConflict) {
			t.Errorf("duplicate insert = %v", err)
		}
	})

	t.Run("find all with filters", func(t *testing.T) {
		repo := newRepo(t)
		for _, a := range []*agent.Agent{
			NewAgent("a3", "tester", agent.StatusIdle, 2, "test"),
			NewAgent("a1", "coder", agent.StatusActive, 0, "code"),
			NewAgent("a2", "coder", agent.StatusBusy, 1, "code", "review"),
			NewAgent("a4", "coder", agent.StatusTerminated, 3, "code"),
		} {
			if err := repo.Save(ctx, a); err != nil {
				t.Fatalf("Save(%s) failed: %v", a.ID, err)
			}
		}

		tests := []struct {
			name   string
			filter repository.AgentFilter
			want   []string
		}{
			{"all", repository.AgentFilter{}, []string{"a1", "a2", "a3", "a4"}},
			{"role", repository.AgentFilter{Role: "coder"}, []string{"a1", "a2", "a4"}},
			{"capability", repository.AgentFilter{Capability: "review"}, []string{"a2"}},
			{"statuses", repository.AgentFilter{Statuses: []agent.Status{agent.StatusIdle, agent.StatusActive}}, []string{"a1", "a3"}},
			{"combined", repository.AgentFilter{Role: "coder", Capability: "code", Statuses: []agent.Status{agent.StatusTerminated}}, []string{"a4"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := repo.FindAll(ctx, tt.filter)
				if err != nil {
					t.Fatalf("FindAll failed: %v", err)
				}
				if !slices.Equal(agentIDs(got), tt.want) {
					t.Errorf("FindAll = %v, want %v", agentIDs(got), tt.want)
				}
			})
		}

		busy, err := repo.FindByStatus(ctx, agent.StatusBusy)
		if err != nil || !slices.Equal(agentIDs(busy), []string{"a2"}) {
			t.Errorf("FindByStatus(busy) = %v, %v", agentIDs(busy), err)
		}
		if busy[0].CurrentTaskID != "task-of-a2" {
			t.Errorf("CurrentTaskID = %q", busy[0].CurrentTaskID)
		}
	})

	t.Run("delete and statistics", func(t *testing.T) {
		repo := newRepo(t)
		a1 := NewAgent("a1", "coder", agent.StatusIdle, 0)
		a1.Metrics = agent.Metrics{TasksCompleted: 2, TasksFailed: 1, TotalDurationMs: 300}
		a2 := NewAgent("a2", "tester", agent.StatusBusy, 1)
		a2.Metrics = agent.Metrics{TasksCompleted: 1, TotalDurationMs: 100}
		_ = repo.Save(ctx, a1)
		_ = repo.Save(ctx, a2)

		stats, err := repo.GetStatistics(ctx)
		if err != nil {
			t.Fatalf("GetStatistics failed: %v", err)
		}
		if stats.Total != 2 || stats.ByStatus[agent.StatusBusy] != 1 || stats.ByRole["coder"] != 1 {
			t.Errorf("stats = %+v", stats)
		}
		if stats.TasksCompleted != 3 || stats.TasksFailed != 1 || stats.TotalDurationMs != 400 {
			t.Errorf("metric totals = %+v", stats)
		}

		if err := repo.Delete(ctx, "a1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.FindByID(ctx, "a1"); !errors.Is(err, errors.ErrNotFound) {
			t.Errorf("deleted agent still found: %v", err)
		}
	})
}

// RunTaskRepository exercises a TaskRepository produced by newRepo. Each
// subtest gets a fresh repository.
func RunTaskRepository(t *testing.T, newRepo func(t *testing.T) repository.TaskRepository) {
	ctx := context.Background()

	t.Run("save and find", func(t *testing.T) {
		repo := newRepo(t)
		started := epoch.Add(time.Minute)
		task := NewTask("t1", "code", scheduler.PriorityHigh, scheduler.TaskRunning, 0)
		task.Description = "write the parser"
		task.Dependencies = []string{"t0", "tz"}
		task.AssignedAgentID = "a1"
		task.RetryCount = 1
		task.MaxRetries = 3
		task.Timeout = 90 * time.Second
		task.StartedAt = &started
		task.Metadata = map[string]any{"ticket": "SW-1"}
		task.Input = json.RawMessage(`{"file":"parser.go"}`)
		task.RequiredCapabilities = []string{"code"}
		task.PreferredCapabilities = []string{"go"}

		if err := repo.Save(ctx, task); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		got, err := repo.FindByID(ctx, "t1")
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		if got.Title != task.Title || got.Description != task.Description || got.Type != "code" {
			t.Errorf("text fields = %+v", got)
		}
		if got.Priority != scheduler.PriorityHigh || got.Status != scheduler.TaskRunning || got.AssignedAgentID != "a1" {
			t.Errorf("state fields = %+v", got)
		}
		if got.RetryCount != 1 || got.MaxRetries != 3 || got.Timeout != 90*time.Second {
			t.Errorf("retry/timeout = %d/%d/%v", got.RetryCount, got.MaxRetries, got.Timeout)
		}
		if !slices.Equal(got.Dependencies, []string{"t0", "tz"}) {
			t.Errorf("dependencies = %v", got.Dependencies)
		}
		if got.StartedAt == nil || !got.StartedAt.Equal(started) || got.CompletedAt != nil {
			t.Errorf("times = %v / %v", got.StartedAt, got.CompletedAt)
		}
		if got.Metadata["ticket"] != "SW-1" {
			t.Errorf("metadata = %v", got.Metadata)
		}
		if string(got.Input) != `{"file":"parser.go"}` {
			t.Errorf("input = %s", got.Input)
		}
		if !slices.Equal(got.RequiredCapabilities, []string{"code"}) || !slices.Equal(got.PreferredCapabilities, []string{"go"}) {
			t.Errorf("capabilities = %v / %v", got.RequiredCapabilities, got.PreferredCapabilities)
		}
		if got.Version != 1 {
			t.Errorf("Version = %d, want 1", got.Version)
		}
	})

	t.Run("not found and versioning", func(t *testing.T) {
		repo := newRepo(t)
		if _, err := repo.FindByID(ctx, "missing"); !errors.Is(err, errors.ErrNotFound) {
			t.Errorf("FindByID(missing) = %v", err)
		}

		task := NewTask("t1", "code", scheduler.PriorityMedium, scheduler.TaskQueued, 0)
		_ = repo.Save(ctx, task)
		stale, _ := repo.FindByID(ctx, "t1")

		task.Status = scheduler.TaskRunning
		task.AssignedAgentID = "a1"
		if err := repo.Save(ctx, task); err != nil {
			t.Fatalf("update failed: %v", err)
		}

		stale.Status = scheduler.TaskRunning
		stale.AssignedAgentID = "a2"
		if err := repo.Save(ctx, stale); !errors.Is(err, errors.ErrVersionConflict) {
			t.Fatalf("racing assignment = %v, want version conflict", err)
		}
		got, _ := repo.FindByID(ctx, "t1")
		if got.AssignedAgentID != "a1" {
			t.Errorf("losing writer overwrote assignment: %q", got.AssignedAgentID)
		}
	})

	t.Run("queued order and next task", func(t *testing.T) {
		repo := newRepo(t)
		low := NewTask("low", "code", scheduler.PriorityLow, scheduler.TaskQueued, 0)
		highLate := NewTask("high-late", "test", scheduler.PriorityHigh, scheduler.TaskQueued, 5)
		highLate.RequiredCapabilities = []string{"test"}
		highEarly := NewTask("high-early", "deploy", scheduler.PriorityHigh, scheduler.TaskQueued, 1)
		highEarly.RequiredCapabilities = []string{"cloud", "ops"}
		med := NewTask("med", "code", scheduler.PriorityMedium, scheduler.TaskQueued, 2)
		med.RequiredCapabilities = []string{"code"}
		pending := NewTask("pending", "code", scheduler.PriorityHigh, scheduler.TaskPending, 0)

		for _, task := range []*scheduler.Task{low, highLate, highEarly, med, pending} {
			if err := repo.Save(ctx, task); err != nil {
				t.Fatalf("Save(%s) failed: %v", task.ID, err)
			}
		}

		queued, err := repo.FindQueued(ctx)
		if err != nil {
			t.Fatalf("FindQueued failed: %v", err)
		}
		want := []string{"high-early", "high-late", "med", "low"}
		if !slices.Equal(taskIDs(queued), want) {
			t.Errorf("FindQueued = %v, want %v", taskIDs(queued), want)
		}

		tests := []struct {
			caps []string
			want string
		}{
			{[]string{"ops", "cloud"}, "high-early"},
			{[]string{"test"}, "high-late"},
			{[]string{"code"}, "med"},
			{nil, "low"}, // No requirements
		}
		for _, tt := range tests {
			next, err := repo.GetNextTask(ctx, tt.caps)
			if err != nil {
				t.Fatalf("GetNextTask(%v) failed: %v", tt.caps, err)
			}
			if next == nil || next.ID != tt.want {
				t.Errorf("GetNextTask(%v) = %v, want %s", tt.caps, next, tt.want)
			}
		}

		// Nothing matches once the only unconstrained task is gone
		low.Status = scheduler.TaskCancelled
		_ = repo.Save(ctx, low)
		if next, _ := repo.GetNextTask(ctx, []string{"design"}); next != nil {
			t.Errorf("GetNextTask(design) = %s, want nil", next.ID)
		}
	})

	t.Run("status queries and timeouts", func(t *testing.T) {
		repo := newRepo(t)
		now := epoch.Add(time.Hour)
		old := now.Add(-10 * time.Minute)
		recent := now.Add(-10 * time.Second)

		overdue := NewTask("overdue", "code", scheduler.PriorityMedium, scheduler.TaskRunning, 0)
		overdue.AssignedAgentID = "a1"
		overdue.StartedAt = &old
		overdue.Timeout = time.Minute

		fresh := NewTask("fresh", "code", scheduler.PriorityMedium, scheduler.TaskRunning, 1)
		fresh.AssignedAgentID = "a2"
		fresh.StartedAt = &recent
		fresh.Timeout = time.Minute

		unlimited := NewTask("unlimited", "code", scheduler.PriorityMedium, scheduler.TaskRunning, 2)
		unlimited.AssignedAgentID = "a3"
		unlimited.StartedAt = &old

		done := NewTask("done", "review", scheduler.PriorityMedium, scheduler.TaskCompleted, 3)
		done.StartedAt = &old
		doneAt := old.Add(2 * time.Second)
		done.CompletedAt = &doneAt
		done.RetryCount = 2

		for _, task := range []*scheduler.Task{overdue, fresh, unlimited, done} {
			if err := repo.Save(ctx, task); err != nil {
				t.Fatalf("Save(%s) failed: %v", task.ID, err)
			}
		}

		running, err := repo.FindRunning(ctx)
		if err != nil || len(running) != 3 {
			t.Errorf("FindRunning = %v, %v", taskIDs(running), err)
		}
		timedOut, err := repo.FindTimedOut(ctx, now)
		if err != nil || !slices.Equal(taskIDs(timedOut), []string{"overdue"}) {
			t.Errorf("FindTimedOut = %v, %v", taskIDs(timedOut), err)
		}

		byStatus, _ := repo.FindByStatus(ctx, scheduler.TaskCompleted, scheduler.TaskFailed)
		if !slices.Equal(taskIDs(byStatus), []string{"done"}) {
			t.Errorf("FindByStatus = %v", taskIDs(byStatus))
		}
		byAgent, _ := repo.FindAll(ctx, repository.TaskFilter{AgentID: "a2"})
		if !slices.Equal(taskIDs(byAgent), []string{"fresh"}) {
			t.Errorf("FindAll(agent a2) = %v", taskIDs(byAgent))
		}

		stats, err := repo.GetStatistics(ctx)
		if err != nil {
			t.Fatalf("GetStatistics failed: %v", err)
		}
		if stats.Total != 4 || stats.ByStatus[scheduler.TaskRunning] != 3 || stats.ByType["review"] != 1 {
			t.Errorf("stats = %+v", stats)
		}
		if stats.TotalRetries != 2 || stats.AverageDurationMs != 2000 {
			t.Errorf("retries/avg = %d/%d", stats.TotalRetries, stats.AverageDurationMs)
		}
	})
}
