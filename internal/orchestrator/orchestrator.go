// Package orchestrator is the application façade over the coordination
// service. It owns task creation and queueing policy, drives assignment
// through ProcessPendingTasks, turns completions into workflow follow-ups,
// and runs the scheduling loop, the timeout watchdog and the report loop.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/coordination"
	"github.com/aristath/swarm/internal/errors"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/logging"
	"github.com/aristath/swarm/internal/repository"
	"github.com/aristath/swarm/internal/scheduler"
)

// QueuePolicy decides when a pending task becomes queued.
type QueuePolicy string

const (
	// QueueOnDependencies queues a task once every dependency completed.
	QueueOnDependencies QueuePolicy = "dependencies"
	// QueueImmediately queues every task on creation.
	QueueImmediately QueuePolicy = "immediate"
	// QueueManually never queues on its own; callers use QueueTask.
	QueueManually QueuePolicy = "manual"
)

// DefaultRetries as Props.MaxRetries is replaced by the configured
// scheduler.default_max_retries.
const DefaultRetries = -1

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrDiscard(l) }
}

// WithEventBus sets the bus lifecycle events are published on. A private bus
// is created when none is given.
func WithEventBus(b *events.EventBus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// WithClock replaces time.Now for timeout detection, event timestamps and the
// CreatedAt, StartedAt and CompletedAt stamps of tasks.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithServiceOptions appends options for the underlying coordination.Service.
func WithServiceOptions(opts ...coordination.Option) Option {
	return func(o *Orchestrator) { o.serviceOpts = append(o.serviceOpts, opts...) }
}

// Orchestrator is the entry point for agents and tasks. It is safe for
// concurrent use.
type Orchestrator struct {
	agents    repository.AgentRepository
	tasks     repository.TaskRepository
	service   *coordination.Service
	workflows *scheduler.WorkflowManager

	capabilities agent.CapabilityMap
	cfg          config.SchedulerConfig
	retry        config.RetryConfig
	policy       QueuePolicy

	bus         *events.EventBus
	logger      *slog.Logger
	now         func() time.Time
	serviceOpts []coordination.Option

	breakers *CircuitBreakerRegistry
	reports  *ReportChannel
	trigger  chan struct{}

	createMu  sync.Mutex // Serializes duplicate and dependency checks on creation
	pendingMu sync.Mutex // Serializes promotion of pending tasks
}

// New creates an Orchestrator over the given repositories. A nil cfg uses
// config.DefaultConfig.
func New(agents repository.AgentRepository, tasks repository.TaskRepository, cfg *config.Config, opts ...Option) *Orchestrator {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	o := &Orchestrator{
		agents:       agents,
		tasks:        tasks,
		workflows:    scheduler.NewWorkflowManager(cfg.Workflows),
		capabilities: agent.CapabilityMap(cfg.Capabilities).Clone(),
		cfg:          cfg.Scheduler,
		retry:        cfg.Retry,
		policy:       QueuePolicy(cfg.Scheduler.QueuePolicy),
		logger:       logging.Discard(),
		now:          time.Now,
		trigger:      make(chan struct{}, 1),
	}
	if o.policy == "" {
		o.policy = QueueOnDependencies
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bus == nil {
		o.bus = events.NewEventBus()
	}

	serviceOpts := []coordination.Option{
		coordination.WithLogger(o.logger.With("component", "coordination")),
		coordination.WithCapabilities(o.capabilities),
		coordination.WithPublisher(o.bus),
		coordination.WithHealthConfig(cfg.Health),
		coordination.WithScalingConfig(cfg.Scaling),
		coordination.WithClock(o.now),
		coordination.WithDefaultStrategy(coordination.Strategy(cfg.Scheduler.Strategy)),
	}
	o.service = coordination.NewService(agents, tasks, append(serviceOpts, o.serviceOpts...)...)
	o.breakers = NewCircuitBreakerRegistry(o.retry, o.logger)
	o.reports = NewReportChannel(max(2*o.cfg.Concurrency, 1), o.handleReport)
	return o
}

// Service exposes the coordination service.
func (o *Orchestrator) Service() *coordination.Service { return o.service }

// Bus returns the event bus lifecycle events are published on.
func (o *Orchestrator) Bus() *events.EventBus { return o.bus }

// Reports returns the channel executors report results through.
func (o *Orchestrator) Reports() *ReportChannel { return o.reports }

// Trigger requests a scheduling pass without blocking. Requests made while
// one is pending are coalesced.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// SpawnAgent creates and stores an idle agent.
func (o *Orchestrator) SpawnAgent(ctx context.Context, role string, capabilities []string) (*agent.Agent, error) {
	a, err := agent.Spawn(role, capabilities)
	if err != nil {
		return nil, err
	}
	if err := o.agents.Save(ctx, a); err != nil {
		return nil, err
	}
	o.logger.Info("agent spawned", "agent_id", a.ID, "role", a.Role, "capabilities", a.Capabilities)
	o.bus.Emit(events.AgentSpawnedEvent{ID: a.ID, Role: a.Role, Capabilities: a.Capabilities, Timestamp: o.now()})
	o.Trigger()
	return a, nil
}

// TerminateAgent terminates an agent; see coordination.Service.TerminateAgent.
func (o *Orchestrator) TerminateAgent(ctx context.Context, agentID string, force bool) (string, error) {
	orphaned, err := o.service.TerminateAgent(ctx, agentID, force)
	if err != nil {
		return "", err
	}
	if orphaned != "" {
		o.Trigger()
	}
	return orphaned, nil
}

// CreateTask validates and stores a task. Required capabilities are extended
// with those the capability map lists for the task type, and every dependency
// must name an existing task. The task is queued right away when the queue
// policy allows it.
func (o *Orchestrator) CreateTask(ctx context.Context, p scheduler.Props) (*scheduler.Task, error) {
	o.createMu.Lock()
	defer o.createMu.Unlock()

	task, err := o.newTask(p)
	if err != nil {
		return nil, err
	}
	if err := o.checkUnique(ctx, task.ID); err != nil {
		return nil, err
	}

	deps := make(map[string]*scheduler.Task, len(task.Dependencies))
	for _, id := range task.Dependencies {
		dep, err := o.tasks.FindByID(ctx, id)
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.NewValidationError("dependencies", "unknown task "+id)
		}
		if err != nil {
			return nil, err
		}
		deps[id] = dep
	}

	if o.queueOnCreate(task, deps) {
		if err := task.Queue(); err != nil {
			return nil, err
		}
	}
	if err := o.tasks.Save(ctx, task); err != nil {
		return nil, err
	}
	o.created(task)
	return task, nil
}

// CreateTasks stores a batch of tasks whose dependencies may reference each
// other in any order, or tasks already stored. The batch is rejected as a
// whole on an unknown dependency or a cycle. Tasks are saved in dependency
// order and returned in that order.
func (o *Orchestrator) CreateTasks(ctx context.Context, props []scheduler.Props) ([]*scheduler.Task, error) {
	o.createMu.Lock()
	defer o.createMu.Unlock()

	g := scheduler.NewGraph()
	for _, p := range props {
		task, err := o.newTask(p)
		if err != nil {
			return nil, err
		}
		if err := g.Add(task); err != nil {
			return nil, err
		}
		if err := o.checkUnique(ctx, task.ID); err != nil {
			return nil, err
		}
	}

	stored := make(map[string]*scheduler.Task)
	var lookupErr error
	order, err := g.Validate(func(id string) bool {
		dep, err := o.tasks.FindByID(ctx, id)
		if err != nil {
			if !errors.Is(err, errors.ErrNotFound) && lookupErr == nil {
				lookupErr = err
			}
			return false
		}
		stored[id] = dep
		return true
	})
	if lookupErr != nil {
		return nil, lookupErr
	}
	if err != nil {
		return nil, err
	}

	created := make([]*scheduler.Task, 0, len(order))
	for _, id := range order {
		task, _ := g.Get(id)
		deps := make(map[string]*scheduler.Task, len(task.Dependencies))
		for _, dep := range task.Dependencies {
			if t, ok := stored[dep]; ok {
				deps[dep] = t
			} else if t, ok := g.Get(dep); ok {
				deps[dep] = t
			}
		}
		if o.queueOnCreate(task, deps) {
			if err := task.Queue(); err != nil {
				return created, err
			}
		}
		if err := o.tasks.Save(ctx, task); err != nil {
			return created, err
		}
		o.created(task)
		created = append(created, task)
	}
	return created, nil
}

func (o *Orchestrator) newTask(p scheduler.Props) (*scheduler.Task, error) {
	if p.MaxRetries == DefaultRetries {
		p.MaxRetries = o.cfg.DefaultMaxRetries
	}
	p.RequiredCapabilities = slices.Concat(p.RequiredCapabilities, o.capabilities.Resolve(p.Type))
	task, err := scheduler.New(p)
	if err != nil {
		return nil, err
	}
	task.CreatedAt = o.now()
	return task, nil
}

func (o *Orchestrator) checkUnique(ctx context.Context, id string) error {
	_, err := o.tasks.FindByID(ctx, id)
	switch {
	case err == nil:
		return errors.NewValidationError("id", "task "+id+" already exists")
	case errors.Is(err, errors.ErrNotFound):
		return nil
	default:
		return err
	}
}

// queueOnCreate applies the queue policy to a new task. deps holds the
// dependencies known at creation.
func (o *Orchestrator) queueOnCreate(task *scheduler.Task, deps map[string]*scheduler.Task) bool {
	switch o.policy {
	case QueueImmediately:
		return true
	case QueueManually:
		return false
	default:
		return dependenciesCompleted(task, deps)
	}
}

func (o *Orchestrator) created(task *scheduler.Task) {
	o.logger.Info("task created", "task_id", task.ID, "type", task.Type, "status", task.Status)
	o.bus.Emit(events.TaskCreatedEvent{ID: task.ID, Type: task.Type, Priority: string(task.Priority), Timestamp: o.now()})
	if task.Status == scheduler.TaskQueued {
		o.bus.Emit(events.TaskQueuedEvent{ID: task.ID, RetryCount: task.RetryCount, Timestamp: o.now()})
		o.Trigger()
	}
}

func dependenciesCompleted(task *scheduler.Task, deps map[string]*scheduler.Task) bool {
	for _, id := range task.Dependencies {
		dep, ok := deps[id]
		if !ok || dep.Status != scheduler.TaskCompleted {
			return false
		}
	}
	return true
}

// QueueTask moves a pending task to queued. Under the manual policy this is
// the only way a task becomes eligible for assignment.
func (o *Orchestrator) QueueTask(ctx context.Context, taskID string) error {
	task, err := o.tasks.FindByID(ctx, taskID)
	if err != nil {
		return err
	}
	if err := task.Queue(); err != nil {
		return err
	}
	if err := o.tasks.Save(ctx, task); err != nil {
		return err
	}
	o.logger.Info("task queued", "task_id", task.ID)
	o.bus.Emit(events.TaskQueuedEvent{ID: task.ID, RetryCount: task.RetryCount, Timestamp: o.now()})
	o.Trigger()
	return nil
}

// CancelTask cancels a non-terminal task, releasing its agent if running.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	if err := o.service.CancelTask(ctx, taskID); err != nil {
		return err
	}
	o.Trigger()
	return nil
}

// ProcessPendingTasks runs one scheduling pass. Ready pending tasks are
// promoted according to the queue policy, the open tasks are put in
// dependency order, and every queued task in that order is offered to
// AssignTask until no available agent remains. It returns the number of
// tasks assigned. A dependency cycle among open tasks fails the pass.
func (o *Orchestrator) ProcessPendingTasks(ctx context.Context) (int, error) {
	if err := o.promote(ctx); err != nil {
		return 0, err
	}

	ordered, err := o.ExecutionOrder(ctx)
	if err != nil {
		return 0, err
	}
	available, err := o.agents.FindByStatus(ctx, agent.StatusIdle, agent.StatusActive)
	if err != nil {
		return 0, err
	}
	remaining := len(available)

	assigned := 0
	for _, task := range ordered {
		if remaining == 0 {
			break
		}
		if task.Status != scheduler.TaskQueued {
			continue
		}
		res, err := o.service.AssignTask(ctx, task.ID, "")
		switch {
		case errors.Is(err, errors.ErrTaskNotQueued), errors.Is(err, errors.ErrNotFound):
			o.logger.Debug("task changed during scheduling", "task_id", task.ID, "error", err)
			continue
		case err != nil:
			return assigned, err
		}
		if res.Success {
			assigned++
			remaining--
		}
	}
	if assigned > 0 {
		o.logger.Debug("scheduling pass", "assigned", assigned)
	}
	return assigned, nil
}

// promote queues pending tasks whose dependencies completed. Under the
// dependencies policy a pending task with a failed or cancelled dependency
// can never run and is cancelled.
func (o *Orchestrator) promote(ctx context.Context) error {
	if o.policy == QueueManually {
		return nil
	}

	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()

	pending, err := o.tasks.FindByStatus(ctx, scheduler.TaskPending)
	if err != nil || len(pending) == 0 {
		return err
	}

	all, err := o.tasks.FindAll(ctx, repository.TaskFilter{})
	if err != nil {
		return err
	}
	byID := make(map[string]*scheduler.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}

	for _, task := range pending {
		if o.policy == QueueOnDependencies {
			if blocker := failedDependency(task, byID); blocker != "" {
				o.logger.Info("cancelling task with unsatisfiable dependency", "task_id", task.ID, "dependency", blocker)
				if err := o.service.CancelTask(ctx, task.ID); err != nil && !errors.Is(err, errors.ErrAlreadyTerminal) {
					return err
				}
				continue
			}
			if !dependenciesCompleted(task, byID) {
				continue
			}
		}

		if err := task.Queue(); err != nil {
			return err
		}
		err := o.tasks.Save(ctx, task)
		if errors.Is(err, errors.ErrVersionConflict) {
			o.logger.Debug("task changed during promotion", "task_id", task.ID)
			continue
		}
		if err != nil {
			return err
		}
		o.logger.Info("task queued", "task_id", task.ID)
		o.bus.Emit(events.TaskQueuedEvent{ID: task.ID, RetryCount: task.RetryCount, Timestamp: o.now()})
	}
	return nil
}

func failedDependency(task *scheduler.Task, byID map[string]*scheduler.Task) string {
	for _, id := range task.Dependencies {
		if dep, ok := byID[id]; ok && (dep.Status == scheduler.TaskFailed || dep.Status == scheduler.TaskCancelled) {
			return id
		}
	}
	return ""
}

// ExecutionOrder returns the open (pending, queued and running) tasks in
// dependency order.
func (o *Orchestrator) ExecutionOrder(ctx context.Context) ([]*scheduler.Task, error) {
	open, err := o.tasks.FindByStatus(ctx, scheduler.TaskPending, scheduler.TaskQueued, scheduler.TaskRunning)
	if err != nil {
		return nil, err
	}
	return scheduler.ResolveExecutionOrder(open)
}

// CompleteTask completes a running task and creates the follow-up tasks its
// workflows define. Follow-ups that already exist are left alone.
func (o *Orchestrator) CompleteTask(ctx context.Context, taskID string, output json.RawMessage) (*scheduler.Task, error) {
	task, err := o.service.ProcessTaskCompletion(ctx, taskID, output)
	if err != nil {
		return nil, err
	}
	return task, o.completed(ctx, task)
}

// CompleteRun completes the task of run. A result of a run that no longer
// holds its task is rejected with a RunSupersededError.
func (o *Orchestrator) CompleteRun(ctx context.Context, run coordination.Run, output json.RawMessage) (*scheduler.Task, error) {
	task, err := o.service.CompleteRun(ctx, run, output)
	if err != nil {
		return nil, err
	}
	return task, o.completed(ctx, task)
}

// completed creates the workflow follow-ups of task.
func (o *Orchestrator) completed(ctx context.Context, task *scheduler.Task) error {
	for _, p := range o.workflows.FollowUps(task) {
		if _, err := o.CreateTask(ctx, p); err != nil {
			if errors.Is(err, errors.ErrValidation) {
				o.logger.Debug("follow-up skipped", "task_id", task.ID, "follow_up", p.ID, "error", err)
				continue
			}
			return err
		}
	}
	o.Trigger()
	return nil
}

// FailTask records a failed execution; see coordination.Service.ProcessTaskFailure.
func (o *Orchestrator) FailTask(ctx context.Context, taskID string, cause error) (coordination.FailureOutcome, error) {
	outcome, err := o.service.ProcessTaskFailure(ctx, taskID, cause)
	if err != nil {
		return outcome, err
	}
	o.Trigger()
	return outcome, nil
}

// FailRun records a failure of run; see CompleteRun.
func (o *Orchestrator) FailRun(ctx context.Context, run coordination.Run, cause error) (coordination.FailureOutcome, error) {
	outcome, err := o.service.FailRun(ctx, run, cause)
	if err != nil {
		return outcome, err
	}
	o.Trigger()
	return outcome, nil
}

// CheckTimeouts fails every running task whose timeout elapsed. It returns
// how many tasks were failed.
func (o *Orchestrator) CheckTimeouts(ctx context.Context) (int, error) {
	now := o.now()
	overdue, err := o.tasks.FindTimedOut(ctx, now)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, task := range overdue {
		cause := &errors.TimedOutError{
			TaskID:  task.ID,
			Elapsed: now.Sub(*task.StartedAt).Round(time.Millisecond).String(),
			Timeout: task.Timeout.String(),
		}
		outcome, err := o.FailRun(ctx, coordination.RunOf(task), cause)
		switch {
		case errors.Is(err, errors.ErrRunSuperseded), errors.Is(err, errors.ErrNotFound):
			// Finished or reassigned since the scan.
			continue
		case err != nil:
			return n, err
		}
		o.logger.Warn("task timed out", "task_id", task.ID, "agent_id", outcome.AgentID, "will_retry", outcome.WillRetry)
		n++
	}
	return n, nil
}

// GetHealth classifies the swarm.
func (o *Orchestrator) GetHealth(ctx context.Context) (coordination.Health, error) {
	return o.service.GetSwarmHealth(ctx)
}

// GetScalingRecommendation suggests a change of the agent pool size.
func (o *Orchestrator) GetScalingRecommendation(ctx context.Context) (coordination.ScalingRecommendation, error) {
	return o.service.CalculateScalingRecommendation(ctx)
}

// Task returns a task by id.
func (o *Orchestrator) Task(ctx context.Context, id string) (*scheduler.Task, error) {
	return o.tasks.FindByID(ctx, id)
}

// Agent returns an agent by id.
func (o *Orchestrator) Agent(ctx context.Context, id string) (*agent.Agent, error) {
	return o.agents.FindByID(ctx, id)
}

// ListTasks returns the tasks matching filter.
func (o *Orchestrator) ListTasks(ctx context.Context, filter repository.TaskFilter) ([]*scheduler.Task, error) {
	return o.tasks.FindAll(ctx, filter)
}

// ListAgents returns the agents matching filter.
func (o *Orchestrator) ListAgents(ctx context.Context, filter repository.AgentFilter) ([]*agent.Agent, error) {
	return o.agents.FindAll(ctx, filter)
}
