package scheduler

import (
	"fmt"
	"slices"

	"github.com/aristath/swarm/internal/config"
)

// WorkflowManager derives follow-up tasks from workflow configuration.
// When a task completes, every workflow containing the task's type as a step
// yields a follow-up task for the next step's type.
type WorkflowManager struct {
	workflows map[string]config.WorkflowConfig // workflow name -> config
}

// NewWorkflowManager creates a new WorkflowManager.
func NewWorkflowManager(workflows map[string]config.WorkflowConfig) *WorkflowManager {
	return &WorkflowManager{workflows: workflows}
}

// FollowUps returns the props of the tasks that should follow completed.
// Follow-ups depend on the completed task, receive its output as input, and
// carry deterministic ids so that re-delivery of a completion does not
// create duplicates.
func (wm *WorkflowManager) FollowUps(completed *Task) []Props {
	if completed == nil || completed.Status != TaskCompleted {
		return nil
	}

	names := make([]string, 0, len(wm.workflows))
	for name := range wm.workflows {
		names = append(names, name)
	}
	slices.Sort(names)

	seen := make(map[string]bool)
	var props []Props
	for _, name := range names {
		workflow := wm.workflows[name]
		stepIndex := findStepIndex(workflow, completed.Type)
		if stepIndex == -1 || stepIndex >= len(workflow.Steps)-1 {
			continue
		}

		nextType := workflow.Steps[stepIndex+1].Type
		id := fmt.Sprintf("%s-%s", completed.ID, nextType)
		if seen[id] {
			continue
		}
		seen[id] = true

		props = append(props, Props{
			ID:           id,
			Title:        fmt.Sprintf("%s after %s", nextType, completed.Title),
			Description:  fmt.Sprintf("Follow-up of task %s in workflow %s", completed.ID, name),
			Type:         nextType,
			Priority:     completed.Priority,
			Dependencies: []string{completed.ID},
			MaxRetries:   completed.MaxRetries,
			Timeout:      completed.Timeout,
			Input:        completed.Output,
			Metadata: map[string]any{
				"workflow":    name,
				"parent_task": completed.ID,
			},
		})
	}
	return props
}

// FindWorkflow returns the first workflow (by name) containing taskType and
// the step index. Returns an empty name and -1 if none does.
func (wm *WorkflowManager) FindWorkflow(taskType string) (string, int) {
	names := make([]string, 0, len(wm.workflows))
	for name := range wm.workflows {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		if i := findStepIndex(wm.workflows[name], taskType); i != -1 {
			return name, i
		}
	}
	return "", -1
}

func findStepIndex(workflow config.WorkflowConfig, taskType string) int {
	for i, step := range workflow.Steps {
		if step.Type == taskType {
			return i
		}
	}
	return -1
}
