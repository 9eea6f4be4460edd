// Package worker executes assigned tasks. A Dispatcher listens for
// assignments on the event bus, runs each task through an Executor with
// bounded concurrency, and reports the result back to the orchestrator.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/errors"
	"github.com/aristath/swarm/internal/logging"
	"github.com/aristath/swarm/internal/scheduler"
)

// ErrNoExecutor is returned for a task type without a configured command.
var ErrNoExecutor = errors.New("no executor for task type")

// Executor runs a task and returns its output.
type Executor interface {
	Execute(ctx context.Context, task *scheduler.Task) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *scheduler.Task) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *scheduler.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// CommandExecutor runs the command configured for the task type. The task
// input is written to stdin and stdout becomes the output: JSON is kept as
// is, anything else is stored as a JSON string. The task id and type are
// exported as SWARM_TASK_ID and SWARM_TASK_TYPE.
type CommandExecutor struct {
	commands map[string]config.ExecutorConfig
	pm       *ProcessManager
	logger   *slog.Logger
}

// NewCommandExecutor creates an executor for the given task type commands.
// A nil pm disables process tracking.
func NewCommandExecutor(commands map[string]config.ExecutorConfig, pm *ProcessManager, logger *slog.Logger) *CommandExecutor {
	return &CommandExecutor{commands: commands, pm: pm, logger: logging.OrDiscard(logger)}
}

func (e *CommandExecutor) Execute(ctx context.Context, task *scheduler.Task) (json.RawMessage, error) {
	cfg, ok := e.commands[task.Type]
	if !ok || cfg.Command == "" {
		return nil, fmt.Errorf("%w %q", ErrNoExecutor, task.Type)
	}

	cmd := newCommand(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = append(os.Environ(), "SWARM_TASK_ID="+task.ID, "SWARM_TASK_TYPE="+task.Type)
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = bytes.NewReader(task.Input)

	start := time.Now()
	e.logger.Debug("executing task", "task_id", task.ID, "command", cfg.Command)
	stdout, _, err := runCommand(cmd, e.pm)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return nil, err
	}
	e.logger.Debug("task command finished", "task_id", task.ID, "elapsed", time.Since(start))
	return encodeOutput(stdout)
}

func encodeOutput(stdout []byte) (json.RawMessage, error) {
	out := bytes.TrimSpace(stdout)
	if len(out) == 0 {
		return nil, nil
	}
	if json.Valid(out) {
		return json.RawMessage(out), nil
	}
	return json.Marshal(string(out))
}
