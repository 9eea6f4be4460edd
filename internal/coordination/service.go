// Package coordination is the scheduler core. Service binds queued tasks to
// capable agents, applies completions and failures to both entities, and
// derives swarm health and scaling signals from the repositories.
//
// Every mutation of a (task, agent) pair happens under keyed locks on both
// ids, and assignment decisions are additionally serialized by a service
// mutex. The repositories remain the system of record: entities are loaded
// fresh for each operation and saved with optimistic versioning.
package coordination

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/errors"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/logging"
	"github.com/aristath/swarm/internal/repository"
	"github.com/aristath/swarm/internal/scheduler"
)

// ReasonNoCapableAgent is the Assignment.Reason when no available agent can
// execute the task. It is a normal outcome, retried on the next tick.
const ReasonNoCapableAgent = "no-capable-agent"

// maxLockAttempts bounds how often a pair lock is retried when the binding
// between task and agent changes while the locks are being taken.
const maxLockAttempts = 3

// Assignment is the result of AssignTask.
type Assignment struct {
	Success bool   `json:"success"`
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// FailureOutcome is the result of ProcessTaskFailure.
type FailureOutcome struct {
	TaskID     string               `json:"task_id"`
	AgentID    string               `json:"agent_id,omitempty"`
	WillRetry  bool                 `json:"will_retry"`
	RetryCount int                  `json:"retry_count"`
	Status     scheduler.TaskStatus `json:"status"`
}

// Run identifies one execution of a task: the agent it was bound to and the
// time it started. Results carrying a Run only apply while that execution
// still holds the task.
type Run struct {
	TaskID    string
	AgentID   string
	StartedAt time.Time // Zero matches any start time
}

// RunOf returns the run a running task is currently on.
func RunOf(task *scheduler.Task) Run {
	r := Run{TaskID: task.ID, AgentID: task.AssignedAgentID}
	if task.StartedAt != nil {
		r.StartedAt = *task.StartedAt
	}
	return r
}

// holds reports whether run is the execution task is currently on.
func (r Run) holds(task *scheduler.Task) bool {
	if task.Status != scheduler.TaskRunning || task.AssignedAgentID != r.AgentID {
		return false
	}
	return r.StartedAt.IsZero() || (task.StartedAt != nil && task.StartedAt.Equal(r.StartedAt))
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = logging.OrDiscard(l) }
}

// WithCapabilities sets the task type to capability mapping.
func WithCapabilities(m agent.CapabilityMap) Option {
	return func(s *Service) { s.capabilities = m.Clone() }
}

// WithPublisher sets where lifecycle events are published.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithHealthConfig sets the health thresholds.
func WithHealthConfig(c config.HealthConfig) Option {
	return func(s *Service) { s.health = c }
}

// WithScalingConfig sets the scaling parameters.
func WithScalingConfig(c config.ScalingConfig) Option {
	return func(s *Service) { s.scaling = c }
}

// WithClock replaces time.Now for health timestamps, idle tracking and the
// StartedAt and CompletedAt stamps of tasks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRand sets the source used by the random strategy.
func WithRand(r *rand.Rand) Option {
	return func(s *Service) { s.rng = r }
}

// WithDefaultStrategy sets the strategy used when AssignTask gets none.
func WithDefaultStrategy(st Strategy) Option {
	return func(s *Service) { s.strategy = st }
}

// Service coordinates agents and tasks stored in the injected repositories.
// It is safe for concurrent use.
type Service struct {
	agents repository.AgentRepository
	tasks  repository.TaskRepository

	capabilities agent.CapabilityMap
	health       config.HealthConfig
	scaling      config.ScalingConfig
	strategy     Strategy
	publisher    events.Publisher
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.Mutex // Serializes assignment decisions
	rng     *rand.Rand
	cursors map[string]int // Round-robin position per task type

	locks *scheduler.ResourceLockManager

	idleMu    sync.Mutex
	idleSince time.Time
}

// NewService creates a Service over the given repositories.
func NewService(agents repository.AgentRepository, tasks repository.TaskRepository, opts ...Option) *Service {
	defaults := config.DefaultConfig()
	s := &Service{
		agents:   agents,
		tasks:    tasks,
		health:   defaults.Health,
		scaling:  defaults.Scaling,
		strategy: StrategyCapabilityMatch,
		logger:   logging.Discard(),
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		cursors:  make(map[string]int),
		locks:    scheduler.NewResourceLockManager(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capabilities returns the capability map the service matches against.
func (s *Service) Capabilities() agent.CapabilityMap {
	return s.capabilities.Clone()
}

// AssignTask binds a queued task to an available agent chosen by strategy.
// An empty strategy uses the service default. Having no capable agent is
// reported through Assignment, not as an error. Either both entities are
// persisted or neither is.
func (s *Service) AssignTask(ctx context.Context, taskID string, strategy Strategy) (Assignment, error) {
	if strategy == "" {
		strategy = s.strategy
	}
	if !strategy.Valid() {
		return Assignment{}, errors.NewValidationError("strategy", "unknown strategy "+string(strategy))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		return Assignment{}, err
	}
	if task.Status != scheduler.TaskQueued {
		return Assignment{}, &errors.TaskNotQueuedError{TaskID: task.ID, Status: string(task.Status)}
	}

	candidates, err := s.candidates(ctx, task)
	if err != nil {
		return Assignment{}, err
	}
	if len(candidates) == 0 {
		s.logger.Debug("no capable agent", "task_id", task.ID, "type", task.Type)
		return Assignment{TaskID: task.ID, Reason: ReasonNoCapableAgent}, nil
	}

	chosen := s.pick(strategy, task, candidates)

	keys := []string{taskKey(task.ID), agentKey(chosen.ID)}
	s.locks.LockAll(keys...)
	defer s.locks.UnlockAll(keys...)

	// Reload under the locks: a completion or termination may have committed
	// since the candidates were listed.
	task, err = s.tasks.FindByID(ctx, task.ID)
	if err != nil {
		return Assignment{}, err
	}
	if task.Status != scheduler.TaskQueued {
		return Assignment{}, &errors.TaskNotQueuedError{TaskID: task.ID, Status: string(task.Status)}
	}
	a, err := s.agents.FindByID(ctx, chosen.ID)
	if err != nil {
		return Assignment{}, err
	}
	if !a.Status.Available() || !s.capable(a, task) {
		return Assignment{}, &errors.VersionConflictError{Kind: "agent", ID: a.ID, Expected: chosen.Version}
	}

	before := a.Clone()
	if err := a.Assign(task.ID); err != nil {
		return Assignment{}, err
	}
	if err := task.StartAt(a.ID, s.now()); err != nil {
		return Assignment{}, err
	}
	if err := s.commit(ctx, a, before, task); err != nil {
		return Assignment{}, err
	}

	if strategy == StrategyRoundRobin {
		s.cursors[task.Type]++
	}

	s.logger.Info("task assigned", "task_id", task.ID, "agent_id", a.ID, "strategy", strategy)
	s.emit(events.TaskAssignedEvent{
		ID:        task.ID,
		Agent:     a.ID,
		Type:      task.Type,
		Strategy:  string(strategy),
		Timestamp: s.now(),
	})
	return Assignment{Success: true, TaskID: task.ID, AgentID: a.ID}, nil
}

// candidates lists available agents able to execute task, in repository
// order (CreatedAt, then ID).
func (s *Service) candidates(ctx context.Context, task *scheduler.Task) ([]*agent.Agent, error) {
	available, err := s.agents.FindByStatus(ctx, agent.StatusIdle, agent.StatusActive)
	if err != nil {
		return nil, err
	}
	out := available[:0]
	for _, a := range available {
		if s.capable(a, task) {
			out = append(out, a)
		}
	}
	return out, nil
}

// capable checks both the type mapping and the requirement recorded on the
// task at creation, so a later change of the map cannot loosen it.
func (s *Service) capable(a *agent.Agent, task *scheduler.Task) bool {
	return a.CanExecute(task.Type, s.capabilities) && a.HasAll(task.RequiredCapabilities)
}

// pick must be called with s.mu held.
func (s *Service) pick(strategy Strategy, task *scheduler.Task, candidates []*agent.Agent) *agent.Agent {
	switch strategy {
	case StrategyLeastLoaded:
		return pickLeastLoaded(candidates)
	case StrategyRoundRobin:
		ordered := byID(candidates)
		return ordered[s.cursors[task.Type]%len(ordered)]
	case StrategyRandom:
		return candidates[s.rng.IntN(len(candidates))]
	default:
		return pickCapabilityMatch(task, candidates)
	}
}

// ProcessTaskCompletion completes a running task, releases its agent and
// credits the execution time to the agent's metrics. The completed task is
// returned.
func (s *Service) ProcessTaskCompletion(ctx context.Context, taskID string, output json.RawMessage) (*scheduler.Task, error) {
	return s.complete(ctx, taskID, nil, output)
}

// CompleteRun is ProcessTaskCompletion for a result produced by run. If the
// task has moved on from run a RunSupersededError is returned and nothing
// changes.
func (s *Service) CompleteRun(ctx context.Context, run Run, output json.RawMessage) (*scheduler.Task, error) {
	return s.complete(ctx, run.TaskID, &run, output)
}

func (s *Service) complete(ctx context.Context, taskID string, run *Run, output json.RawMessage) (*scheduler.Task, error) {
	task, unlock, err := s.lockTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := s.checkRun(task, run); err != nil {
		return nil, err
	}

	a, err := s.boundAgent(ctx, task)
	if err != nil {
		return nil, err
	}
	agentID := task.AssignedAgentID
	if err := task.CompleteAt(output, s.now()); err != nil {
		return nil, err
	}
	d, _ := task.DurationAt(s.now())

	var before *agent.Agent
	if a != nil {
		before = a.Clone()
		if err := a.Release(); err != nil {
			return nil, err
		}
		a.RecordCompletion(d)
	}
	if err := s.commit(ctx, a, before, task); err != nil {
		return nil, err
	}

	s.logger.Info("task completed", "task_id", task.ID, "agent_id", agentID, "duration", d)
	s.emit(events.TaskCompletedEvent{ID: task.ID, Agent: agentID, Duration: d, Timestamp: s.now()})
	if a != nil {
		s.emit(events.AgentReleasedEvent{ID: a.ID, Task: task.ID, Timestamp: s.now()})
	}
	return task, nil
}

// ProcessTaskFailure records a failed execution. The agent is released either
// way; a terminal failure also counts against the agent's metrics.
func (s *Service) ProcessTaskFailure(ctx context.Context, taskID string, cause error) (FailureOutcome, error) {
	return s.fail(ctx, taskID, nil, cause)
}

// FailRun is ProcessTaskFailure for a failure of run. A superseded run leaves
// the task untouched and yields a RunSupersededError.
func (s *Service) FailRun(ctx context.Context, run Run, cause error) (FailureOutcome, error) {
	return s.fail(ctx, run.TaskID, &run, cause)
}

func (s *Service) fail(ctx context.Context, taskID string, run *Run, cause error) (FailureOutcome, error) {
	task, unlock, err := s.lockTask(ctx, taskID)
	if err != nil {
		return FailureOutcome{}, err
	}
	defer unlock()
	if err := s.checkRun(task, run); err != nil {
		return FailureOutcome{}, err
	}

	a, err := s.boundAgent(ctx, task)
	if err != nil {
		return FailureOutcome{}, err
	}
	agentID := task.AssignedAgentID
	willRetry, err := task.FailAt(cause, s.now())
	if err != nil {
		return FailureOutcome{}, err
	}

	var before *agent.Agent
	if a != nil {
		before = a.Clone()
		if err := a.Release(); err != nil {
			return FailureOutcome{}, err
		}
		if !willRetry {
			a.RecordFailure()
		}
	}
	if err := s.commit(ctx, a, before, task); err != nil {
		return FailureOutcome{}, err
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	s.logger.Warn("task failed", "task_id", task.ID, "agent_id", agentID, "will_retry", willRetry,
		"retry_count", task.RetryCount, "error", msg)
	s.emit(events.TaskFailedEvent{
		ID:         task.ID,
		Agent:      agentID,
		Err:        msg,
		WillRetry:  willRetry,
		RetryCount: task.RetryCount,
		Timestamp:  s.now(),
	})
	if a != nil {
		s.emit(events.AgentReleasedEvent{ID: a.ID, Task: task.ID, Timestamp: s.now()})
	}
	if willRetry {
		s.emit(events.TaskQueuedEvent{ID: task.ID, RetryCount: task.RetryCount, Timestamp: s.now()})
	}

	return FailureOutcome{
		TaskID:     task.ID,
		AgentID:    agentID,
		WillRetry:  willRetry,
		RetryCount: task.RetryCount,
		Status:     task.Status,
	}, nil
}

// CancelTask cancels a non-terminal task. A running task's agent is released
// and no output is stored.
func (s *Service) CancelTask(ctx context.Context, taskID string) error {
	task, unlock, err := s.lockTask(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	a, err := s.boundAgent(ctx, task)
	if err != nil {
		return err
	}
	released, err := task.CancelAt(s.now())
	if err != nil {
		return err
	}

	var before *agent.Agent
	if a != nil {
		before = a.Clone()
		if err := a.Release(); err != nil {
			return err
		}
	}
	if err := s.commit(ctx, a, before, task); err != nil {
		return err
	}

	s.logger.Info("task cancelled", "task_id", task.ID, "agent_id", released)
	s.emit(events.TaskCancelledEvent{ID: task.ID, Agent: released, Timestamp: s.now()})
	if a != nil {
		s.emit(events.AgentReleasedEvent{ID: a.ID, Task: task.ID, Timestamp: s.now()})
	}
	return nil
}

// TerminateAgent terminates an agent. A busy agent needs force; its running
// task goes back to the queue without consuming retry budget, and its id is
// returned.
func (s *Service) TerminateAgent(ctx context.Context, agentID string, force bool) (string, error) {
	a, unlock, err := s.lockAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	defer unlock()

	before := a.Clone()
	orphaned, err := a.Terminate(force)
	if err != nil {
		return "", err
	}

	var task *scheduler.Task
	if orphaned != "" {
		task, err = s.tasks.FindByID(ctx, orphaned)
		switch {
		case errors.Is(err, errors.ErrNotFound):
			s.logger.Warn("orphaned task missing", "agent_id", agentID, "task_id", orphaned)
			task = nil
		case err != nil:
			return "", err
		case task.Status != scheduler.TaskRunning || task.AssignedAgentID != agentID:
			task = nil
		default:
			if err := task.Requeue(); err != nil {
				return "", err
			}
		}
	}

	if task != nil {
		err = s.commit(ctx, a, before, task)
	} else {
		err = s.agents.Save(ctx, a)
	}
	if err != nil {
		return "", err
	}

	s.logger.Info("agent terminated", "agent_id", agentID, "force", force, "orphaned_task_id", orphaned)
	s.emit(events.AgentTerminatedEvent{ID: agentID, Orphaned: orphaned, Timestamp: s.now()})
	if task != nil {
		s.emit(events.TaskQueuedEvent{ID: task.ID, RetryCount: task.RetryCount, Timestamp: s.now()})
	}
	return orphaned, nil
}

// commit saves the agent, then the task. When the task save fails the agent
// is written back to its state before the operation, so the pair is never
// half applied. A nil agent saves only the task.
func (s *Service) commit(ctx context.Context, a, before *agent.Agent, task *scheduler.Task) error {
	if a == nil {
		return s.tasks.Save(ctx, task)
	}
	if err := s.agents.Save(ctx, a); err != nil {
		return err
	}
	if err := s.tasks.Save(ctx, task); err != nil {
		restore := before.Clone()
		restore.Version = a.Version
		if rerr := s.agents.Save(ctx, restore); rerr != nil {
			s.logger.Error("failed to restore agent", "agent_id", a.ID, "task_id", task.ID, "error", rerr)
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}

// boundAgent loads the agent a task is assigned to. A vanished agent yields
// nil so the task can still be settled.
func (s *Service) boundAgent(ctx context.Context, task *scheduler.Task) (*agent.Agent, error) {
	if task.AssignedAgentID == "" {
		return nil, nil
	}
	a, err := s.agents.FindByID(ctx, task.AssignedAgentID)
	if errors.Is(err, errors.ErrNotFound) {
		s.logger.Warn("assigned agent missing", "task_id", task.ID, "agent_id", task.AssignedAgentID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if a.CurrentTaskID != task.ID {
		return nil, errors.NewIllegalTransition("agent", a.ID, string(a.Status), "release")
	}
	return a, nil
}

// checkRun must be called with the task's locks held. A nil run always
// passes.
func (s *Service) checkRun(task *scheduler.Task, run *Run) error {
	if run == nil || run.holds(task) {
		return nil
	}
	s.logger.Debug("dropping result of superseded run", "task_id", task.ID, "agent_id", run.AgentID,
		"status", task.Status, "assigned_agent_id", task.AssignedAgentID)
	return &errors.RunSupersededError{TaskID: task.ID, AgentID: run.AgentID}
}

// lockTask loads a task and holds the keyed locks of the task and its bound
// agent. The returned func releases them.
func (s *Service) lockTask(ctx context.Context, taskID string) (*scheduler.Task, func(), error) {
	for range maxLockAttempts {
		peek, err := s.tasks.FindByID(ctx, taskID)
		if err != nil {
			return nil, nil, err
		}
		keys := []string{taskKey(taskID), agentKey(peek.AssignedAgentID)}
		s.locks.LockAll(keys...)

		task, err := s.tasks.FindByID(ctx, taskID)
		if err == nil && task.AssignedAgentID == peek.AssignedAgentID {
			return task, func() { s.locks.UnlockAll(keys...) }, nil
		}
		s.locks.UnlockAll(keys...)
		if err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, &errors.VersionConflictError{Kind: "task", ID: taskID}
}

// lockAgent is lockTask seen from the agent side.
func (s *Service) lockAgent(ctx context.Context, agentID string) (*agent.Agent, func(), error) {
	for range maxLockAttempts {
		peek, err := s.agents.FindByID(ctx, agentID)
		if err != nil {
			return nil, nil, err
		}
		keys := []string{agentKey(agentID), taskKey(peek.CurrentTaskID)}
		s.locks.LockAll(keys...)

		a, err := s.agents.FindByID(ctx, agentID)
		if err == nil && a.CurrentTaskID == peek.CurrentTaskID {
			return a, func() { s.locks.UnlockAll(keys...) }, nil
		}
		s.locks.UnlockAll(keys...)
		if err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, &errors.VersionConflictError{Kind: "agent", ID: agentID}
}

func taskKey(id string) string {
	if id == "" {
		return ""
	}
	return "task:" + id
}

func agentKey(id string) string {
	if id == "" {
		return ""
	}
	return "agent:" + id
}

func (s *Service) emit(e events.Event) {
	if s.publisher != nil {
		s.publisher.Publish(events.TopicOf(e), e)
	}
}
