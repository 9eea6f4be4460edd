// Package agent models a worker agent: a role label, a capability set and a
// lifecycle state machine.
//
//	active/idle (available) <-> busy      via Assign / Release
//	any state               ->  terminated via Terminate (absorbing)
package agent

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/swarm/internal/errors"
)

// Status represents the lifecycle state of an agent.
type Status string

const (
	StatusIdle       Status = "idle"       // Available, has run work before
	StatusActive     Status = "active"     // Available, freshly spawned
	StatusBusy       Status = "busy"       // Executing exactly one task
	StatusTerminated Status = "terminated" // Absorbing
)

// Valid returns true if the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusActive, StatusBusy, StatusTerminated:
		return true
	}
	return false
}

// Available reports whether an agent in this status can accept a task.
func (s Status) Available() bool {
	return s == StatusIdle || s == StatusActive
}

// Well-known role labels. Roles are an open set; these are conveniences.
const (
	RoleCoordinator = "coordinator"
	RoleCoder       = "coder"
	RoleTester      = "tester"
	RoleReviewer    = "reviewer"
	RoleDesigner    = "designer"
)

// Metrics accumulates per-agent execution statistics.
type Metrics struct {
	TasksCompleted  int   `json:"tasks_completed"`
	TasksFailed     int   `json:"tasks_failed"`
	TotalDurationMs int64 `json:"total_duration_ms"`
}

// Agent is a stateful worker that executes at most one task at a time.
type Agent struct {
	ID            string    `json:"id"`
	Role          string    `json:"role"`
	Status        Status    `json:"status"`
	Capabilities  []string  `json:"capabilities"`
	CurrentTaskID string    `json:"current_task_id,omitempty"` // Set iff Status == busy
	Metrics       Metrics   `json:"metrics"`
	CreatedAt     time.Time `json:"created_at"`
	LastActiveAt  time.Time `json:"last_active_at"`

	// Version is the optimistic-lock stamp maintained by repositories.
	Version int64 `json:"version"`
}

// Spawn creates a new agent in the active state.
func Spawn(role string, capabilities []string) (*Agent, error) {
	role = strings.TrimSpace(role)
	if role == "" {
		return nil, errors.NewValidationError("role", "must not be empty")
	}
	caps, err := NormalizeCapabilities(capabilities)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &Agent{
		ID:           uuid.New().String(),
		Role:         role,
		Status:       StatusActive,
		Capabilities: caps,
		CreatedAt:    now,
		LastActiveAt: now,
	}, nil
}

// NormalizeCapabilities trims, de-duplicates and sorts capability tags.
func NormalizeCapabilities(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return nil, errors.NewValidationError("capabilities", "empty capability tag")
		}
		out = append(out, tag)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Assign binds the agent to a task. Legal only from idle or active.
func (a *Agent) Assign(taskID string) error {
	if !a.Status.Available() {
		return errors.NewIllegalTransition("agent", a.ID, string(a.Status), "assign")
	}
	if taskID == "" {
		return errors.NewValidationError("task_id", "must not be empty")
	}
	a.Status = StatusBusy
	a.CurrentTaskID = taskID
	a.LastActiveAt = time.Now()
	return nil
}

// Release returns a busy agent to idle.
func (a *Agent) Release() error {
	if a.Status != StatusBusy {
		return errors.NewIllegalTransition("agent", a.ID, string(a.Status), "release")
	}
	a.Status = StatusIdle
	a.CurrentTaskID = ""
	a.LastActiveAt = time.Now()
	return nil
}

// Terminate moves the agent to the terminated state. A busy agent is only
// terminated with force; the in-flight task id is returned so the caller can
// requeue or cancel it. The task itself is never marked complete here.
func (a *Agent) Terminate(force bool) (orphanedTaskID string, err error) {
	switch a.Status {
	case StatusTerminated:
		return "", errors.NewIllegalTransition("agent", a.ID, string(a.Status), "terminate")
	case StatusBusy:
		if !force {
			return "", &errors.AgentBusyError{AgentID: a.ID, TaskID: a.CurrentTaskID}
		}
		orphanedTaskID = a.CurrentTaskID
	}
	a.Status = StatusTerminated
	a.CurrentTaskID = ""
	a.LastActiveAt = time.Now()
	return orphanedTaskID, nil
}

// RecordCompletion adds a successful execution to the metrics.
func (a *Agent) RecordCompletion(d time.Duration) {
	a.Metrics.TasksCompleted++
	if d > 0 {
		a.Metrics.TotalDurationMs += d.Milliseconds()
	}
}

// RecordFailure adds a terminal failure to the metrics.
func (a *Agent) RecordFailure() {
	a.Metrics.TasksFailed++
}

// Workload is the number of tasks the agent has handled.
func (a *Agent) Workload() int {
	return a.Metrics.TasksCompleted + a.Metrics.TasksFailed
}

// HasCapability reports whether the agent carries the tag.
func (a *Agent) HasCapability(tag string) bool {
	_, found := slices.BinarySearch(a.Capabilities, tag)
	return found
}

// HasAll reports whether the agent carries every tag.
func (a *Agent) HasAll(tags []string) bool {
	for _, tag := range tags {
		if !a.HasCapability(tag) {
			return false
		}
	}
	return true
}

// Overlap counts how many of the tags the agent carries. Duplicates in tags
// are counted once.
func (a *Agent) Overlap(tags []string) int {
	seen := make(map[string]bool, len(tags))
	n := 0
	for _, tag := range tags {
		if seen[tag] {
			continue
		}
		seen[tag] = true
		if a.HasCapability(tag) {
			n++
		}
	}
	return n
}

// CanExecute reports whether the agent satisfies the capability requirement
// of taskType. Types without a mapping are executable by any agent.
func (a *Agent) CanExecute(taskType string, caps CapabilityMap) bool {
	required, ok := caps.Required(taskType)
	if !ok {
		return true
	}
	return a.HasAll(required)
}

// Clone returns a deep copy.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Capabilities != nil {
		cp.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return &cp
}
