package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/swarm/internal/errors"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/logging"
	"github.com/aristath/swarm/internal/orchestrator"
	"github.com/aristath/swarm/internal/scheduler"
)

// TaskFinder loads a task by id.
type TaskFinder interface {
	FindByID(ctx context.Context, id string) (*scheduler.Task, error)
}

// Reporter receives execution results.
type Reporter interface {
	Submit(ctx context.Context, r orchestrator.Report) (orchestrator.Receipt, error)
}

// Dispatcher runs assigned tasks.
type Dispatcher struct {
	tasks       TaskFinder
	executor    Executor
	reporter    Reporter
	concurrency int
	logger      *slog.Logger
}

// NewDispatcher creates a dispatcher running at most concurrency tasks at
// once. A concurrency below one means one.
func NewDispatcher(tasks TaskFinder, executor Executor, reporter Reporter, concurrency int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		tasks:       tasks,
		executor:    executor,
		reporter:    reporter,
		concurrency: max(concurrency, 1),
		logger:      logging.OrDiscard(logger),
	}
}

// Run executes the task of every assignment event received on ch until ctx
// is cancelled or ch is closed, then waits for the tasks in flight. When all
// slots are busy, reading further events blocks.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan events.Event) error {
	var g errgroup.Group
	g.SetLimit(d.concurrency)

	defer g.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			assigned, isAssignment := ev.(events.TaskAssignedEvent)
			if !isAssignment {
				continue
			}
			g.Go(func() error {
				d.execute(ctx, assigned)
				return nil
			})
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, ev events.TaskAssignedEvent) {
	task, err := d.tasks.FindByID(ctx, ev.ID)
	if err != nil {
		d.logger.Error("load assigned task", "task_id", ev.ID, "error", err)
		return
	}
	if task.Status != scheduler.TaskRunning || task.AssignedAgentID != ev.Agent {
		d.logger.Debug("assignment superseded", "task_id", task.ID, "status", task.Status)
		return
	}

	execCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	began := time.Now()
	output, execErr := d.executor.Execute(execCtx, task)
	if ctx.Err() != nil {
		// Shutting down; the task stays running and the watchdog or an
		// operator settles it.
		d.logger.Warn("task interrupted by shutdown", "task_id", task.ID)
		return
	}
	if execErr != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		execErr = &errors.TimedOutError{
			TaskID:  task.ID,
			Elapsed: time.Since(began).Round(time.Millisecond).String(),
			Timeout: task.Timeout.String(),
		}
	}

	report := orchestrator.Report{TaskID: task.ID, AgentID: ev.Agent, Output: output, Err: execErr}
	if task.StartedAt != nil {
		report.StartedAt = *task.StartedAt
	}
	if _, err := d.reporter.Submit(ctx, report); err != nil {
		if errors.Is(err, errors.ErrRunSuperseded) {
			d.logger.Debug("result of superseded run dropped", "task_id", task.ID, "agent_id", ev.Agent)
			return
		}
		d.logger.Error("report task result", "task_id", task.ID, "error", err)
		return
	}
	if execErr != nil {
		d.logger.Info("task execution failed", "task_id", task.ID, "agent_id", ev.Agent, "error", execErr)
	} else {
		d.logger.Info("task executed", "task_id", task.ID, "agent_id", ev.Agent)
	}
}
