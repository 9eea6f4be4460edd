// Package memory provides in-process repositories. Entities are cloned on
// the way in and out, so callers never share state with the store.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/errors"
	"github.com/aristath/swarm/internal/repository"
	"github.com/aristath/swarm/internal/scheduler"
)

// AgentRepository is a map-backed repository.AgentRepository.
type AgentRepository struct {
	mu     sync.RWMutex
	agents map[string]*agent.Agent
}

var _ repository.AgentRepository = (*AgentRepository)(nil)

// NewAgentRepository creates an empty repository.
func NewAgentRepository() *AgentRepository {
	return &AgentRepository{agents: make(map[string]*agent.Agent)}
}

func (r *AgentRepository) Initialize(context.Context) error { return nil }
func (r *AgentRepository) Shutdown(context.Context) error   { return nil }

// Save stores a copy of a after checking its version.
func (r *AgentRepository) Save(ctx context.Context, a *agent.Agent) error {
	if err := ctx.Err(); err != nil {
		return errors.NewPersistenceError("save agent", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var current int64
	stored, exists := r.agents[a.ID]
	if exists {
		current = stored.Version
	}
	if err := checkVersion("agent", a.ID, a.Version, current, exists); err != nil {
		return err
	}
	a.Version++
	r.agents[a.ID] = a.Clone()
	return nil
}

func (r *AgentRepository) FindByID(ctx context.Context, id string) (*agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return nil, errors.NewNotFoundError("agent", id)
	}
	return a.Clone(), nil
}

func (r *AgentRepository) FindAll(ctx context.Context, filter repository.AgentFilter) ([]*agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*agent.Agent
	for _, a := range r.agents {
		if filter.Match(a) {
			out = append(out, a.Clone())
		}
	}
	slices.SortFunc(out, func(x, y *agent.Agent) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return out, nil
}

func (r *AgentRepository) FindByStatus(ctx context.Context, statuses ...agent.Status) ([]*agent.Agent, error) {
	return r.FindAll(ctx, repository.AgentFilter{Statuses: statuses})
}

// Delete removes the agent. Deleting an unknown id is a NotFoundError.
func (r *AgentRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return errors.NewNotFoundError("agent", id)
	}
	delete(r.agents, id)
	return nil
}

func (r *AgentRepository) GetStatistics(ctx context.Context) (repository.AgentStatistics, error) {
	all, _ := r.FindAll(ctx, repository.AgentFilter{})
	return repository.NewAgentStatistics(all), nil
}

// TaskRepository is a map-backed repository.TaskRepository.
type TaskRepository struct {
	mu    sync.RWMutex
	tasks map[string]*scheduler.Task
}

var _ repository.TaskRepository = (*TaskRepository)(nil)

// NewTaskRepository creates an empty repository.
func NewTaskRepository() *TaskRepository {
	return &TaskRepository{tasks: make(map[string]*scheduler.Task)}
}

func (r *TaskRepository) Initialize(context.Context) error { return nil }
func (r *TaskRepository) Shutdown(context.Context) error   { return nil }

// Save stores a copy of t after checking its version.
func (r *TaskRepository) Save(ctx context.Context, t *scheduler.Task) error {
	if err := ctx.Err(); err != nil {
		return errors.NewPersistenceError("save task", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var current int64
	stored, exists := r.tasks[t.ID]
	if exists {
		current = stored.Version
	}
	if err := checkVersion("task", t.ID, t.Version, current, exists); err != nil {
		return err
	}
	t.Version++
	r.tasks[t.ID] = t.Clone()
	return nil
}

func (r *TaskRepository) FindByID(ctx context.Context, id string) (*scheduler.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, errors.NewNotFoundError("task", id)
	}
	return t.Clone(), nil
}

func (r *TaskRepository) FindAll(ctx context.Context, filter repository.TaskFilter) ([]*scheduler.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*scheduler.Task
	for _, t := range r.tasks {
		if filter.Match(t) {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(x, y *scheduler.Task) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return out, nil
}

func (r *TaskRepository) FindByStatus(ctx context.Context, statuses ...scheduler.TaskStatus) ([]*scheduler.Task, error) {
	return r.FindAll(ctx, repository.TaskFilter{Statuses: statuses})
}

func (r *TaskRepository) FindQueued(ctx context.Context) ([]*scheduler.Task, error) {
	queued, err := r.FindByStatus(ctx, scheduler.TaskQueued)
	if err != nil {
		return nil, err
	}
	repository.SortQueued(queued)
	return queued, nil
}

func (r *TaskRepository) FindRunning(ctx context.Context) ([]*scheduler.Task, error) {
	return r.FindByStatus(ctx, scheduler.TaskRunning)
}

func (r *TaskRepository) FindTimedOut(ctx context.Context, now time.Time) ([]*scheduler.Task, error) {
	running, err := r.FindRunning(ctx)
	if err != nil {
		return nil, err
	}
	var out []*scheduler.Task
	for _, t := range running {
		if t.TimedOut(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *TaskRepository) GetNextTask(ctx context.Context, capabilities []string) (*scheduler.Task, error) {
	queued, err := r.FindQueued(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range queued {
		if repository.Satisfies(t.RequiredCapabilities, capabilities) {
			return t, nil
		}
	}
	return nil, nil
}

func (r *TaskRepository) GetStatistics(ctx context.Context) (repository.TaskStatistics, error) {
	all, _ := r.FindAll(ctx, repository.TaskFilter{})
	return repository.NewTaskStatistics(all), nil
}

// checkVersion enforces the insert/update compare-and-swap rule.
func checkVersion(kind, id string, version, stored int64, exists bool) error {
	switch {
	case version == 0 && exists:
		return &errors.VersionConflictError{Kind: kind, ID: id, Expected: version}
	case version != 0 && !exists:
		return errors.NewNotFoundError(kind, id)
	case exists && stored != version:
		return &errors.VersionConflictError{Kind: kind, ID: id, Expected: version}
	}
	return nil
}
