// Package repository defines the persistence contracts consumed by the
// coordination service. The service treats the repository as the system of
// record between operations; implementations live in repository/memory and
// persistence.
//
// Save is a compare-and-swap on Version. An entity with Version 0 is
// inserted and must not exist yet; otherwise the stored version must equal
// the entity's. On success both the stored row and the passed entity carry
// the incremented version. A mismatch returns *errors.VersionConflictError.
// FindByID on an unknown id returns *errors.NotFoundError.
package repository

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/scheduler"
)

// Lifecycle is implemented by every repository.
type Lifecycle interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// AgentFilter narrows FindAll. Zero fields match everything.
type AgentFilter struct {
	Statuses   []agent.Status
	Role       string
	Capability string
}

// Match reports whether a passes the filter.
func (f AgentFilter) Match(a *agent.Agent) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
		return false
	}
	if f.Role != "" && a.Role != f.Role {
		return false
	}
	if f.Capability != "" && !a.HasCapability(f.Capability) {
		return false
	}
	return true
}

// AgentStatistics summarizes the agent pool.
type AgentStatistics struct {
	Total           int                  `json:"total"`
	ByStatus        map[agent.Status]int `json:"by_status"`
	ByRole          map[string]int       `json:"by_role"`
	TasksCompleted  int                  `json:"tasks_completed"`
	TasksFailed     int                  `json:"tasks_failed"`
	TotalDurationMs int64                `json:"total_duration_ms"`
}

// AgentRepository stores agents.
type AgentRepository interface {
	Lifecycle
	Save(ctx context.Context, a *agent.Agent) error
	FindByID(ctx context.Context, id string) (*agent.Agent, error)
	FindAll(ctx context.Context, filter AgentFilter) ([]*agent.Agent, error) // Ordered by CreatedAt, then ID
	FindByStatus(ctx context.Context, statuses ...agent.Status) ([]*agent.Agent, error)
	Delete(ctx context.Context, id string) error
	GetStatistics(ctx context.Context) (AgentStatistics, error)
}

// TaskFilter narrows FindAll. Zero fields match everything.
type TaskFilter struct {
	Statuses []scheduler.TaskStatus
	Type     string
	AgentID  string
}

// Match reports whether t passes the filter.
func (f TaskFilter) Match(t *scheduler.Task) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.AgentID != "" && t.AssignedAgentID != f.AgentID {
		return false
	}
	return true
}

// TaskStatistics summarizes the task population.
type TaskStatistics struct {
	Total             int                          `json:"total"`
	ByStatus          map[scheduler.TaskStatus]int `json:"by_status"`
	ByType            map[string]int               `json:"by_type"`
	TotalRetries      int                          `json:"total_retries"`
	AverageDurationMs int64                        `json:"average_duration_ms"` // Over completed tasks
}

// TaskRepository stores tasks.
type TaskRepository interface {
	Lifecycle
	Save(ctx context.Context, t *scheduler.Task) error
	FindByID(ctx context.Context, id string) (*scheduler.Task, error)
	FindAll(ctx context.Context, filter TaskFilter) ([]*scheduler.Task, error) // Ordered by CreatedAt, then ID
	FindByStatus(ctx context.Context, statuses ...scheduler.TaskStatus) ([]*scheduler.Task, error)
	// FindQueued returns queued tasks by priority, then CreatedAt, then ID.
	FindQueued(ctx context.Context) ([]*scheduler.Task, error)
	FindRunning(ctx context.Context) ([]*scheduler.Task, error)
	// FindTimedOut returns running tasks whose timeout elapsed at now.
	FindTimedOut(ctx context.Context, now time.Time) ([]*scheduler.Task, error)
	// GetNextTask returns the first queued task (FindQueued order) whose
	// required capabilities are all in capabilities, or nil if none.
	GetNextTask(ctx context.Context, capabilities []string) (*scheduler.Task, error)
	GetStatistics(ctx context.Context) (TaskStatistics, error)
}

// Satisfies reports whether caps contains every tag in required.
func Satisfies(required, caps []string) bool {
	for _, r := range required {
		if !slices.Contains(caps, r) {
			return false
		}
	}
	return true
}

// NewAgentStatistics tallies agents.
func NewAgentStatistics(agents []*agent.Agent) AgentStatistics {
	s := AgentStatistics{
		ByStatus: make(map[agent.Status]int),
		ByRole:   make(map[string]int),
	}
	for _, a := range agents {
		s.Total++
		s.ByStatus[a.Status]++
		s.ByRole[a.Role]++
		s.TasksCompleted += a.Metrics.TasksCompleted
		s.TasksFailed += a.Metrics.TasksFailed
		s.TotalDurationMs += a.Metrics.TotalDurationMs
	}
	return s
}

// NewTaskStatistics tallies tasks.
func NewTaskStatistics(tasks []*scheduler.Task) TaskStatistics {
	s := TaskStatistics{
		ByStatus: make(map[scheduler.TaskStatus]int),
		ByType:   make(map[string]int),
	}
	var completed int64
	var total time.Duration
	for _, t := range tasks {
		s.Total++
		s.ByStatus[t.Status]++
		s.ByType[t.Type]++
		s.TotalRetries += t.RetryCount
		if t.Status == scheduler.TaskCompleted {
			if d, ok := t.Duration(); ok {
				completed++
				total += d
			}
		}
	}
	if completed > 0 {
		s.AverageDurationMs = total.Milliseconds() / completed
	}
	return s
}

// SortQueued orders tasks the way FindQueued returns them.
func SortQueued(tasks []*scheduler.Task) {
	slices.SortFunc(tasks, func(a, b *scheduler.Task) int {
		if c := a.Priority.Rank() - b.Priority.Rank(); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
