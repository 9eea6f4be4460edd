package scheduler

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/swarm/internal/errors"
)

// Priority orders ready tasks when several can run.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns a sort key where lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	return p.Rank() < 3
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"   // Created, waiting to be queued
	TaskQueued    TaskStatus = "queued"    // Eligible for assignment
	TaskRunning   TaskStatus = "running"   // Bound to an agent
	TaskCompleted TaskStatus = "completed" // Finished successfully
	TaskFailed    TaskStatus = "failed"    // Retry budget exhausted
	TaskCancelled TaskStatus = "cancelled" // Stopped by a caller
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskQueued, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Metadata keys written by the state machine.
const (
	MetadataError     = "error"      // Cause of the terminal failure
	MetadataLastAgent = "last_agent" // Agent that ran the task to completion or terminal failure
)

// Task represents a unit of work with priority, dependencies and a retry budget.
type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Type            string     `json:"type"` // Key into the capability map
	Priority        Priority   `json:"priority"`
	Status          TaskStatus `json:"status"`
	Dependencies    []string   `json:"dependencies,omitempty"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"` // Set iff running
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`

	Timeout     time.Duration `json:"-"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`

	Metadata map[string]any  `json:"metadata,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`

	RequiredCapabilities  []string `json:"required_capabilities,omitempty"`
	PreferredCapabilities []string `json:"preferred_capabilities,omitempty"`

	Version int64 `json:"version"`
}

// TimeoutMs exposes Timeout in milliseconds for serialization.
func (t *Task) TimeoutMs() int64 {
	return t.Timeout.Milliseconds()
}

// MarshalJSON adds timeout_ms to the default encoding.
func (t Task) MarshalJSON() ([]byte, error) {
	type plain Task
	return json.Marshal(struct {
		plain
		TimeoutMs int64 `json:"timeout_ms,omitempty"`
	}{plain(t), t.Timeout.Milliseconds()})
}

// UnmarshalJSON reads timeout_ms back into Timeout.
func (t *Task) UnmarshalJSON(data []byte) error {
	type plain Task
	aux := struct {
		*plain
		TimeoutMs int64 `json:"timeout_ms,omitempty"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.Timeout = time.Duration(aux.TimeoutMs) * time.Millisecond
	return nil
}

// Props are the caller-supplied fields of a new task.
type Props struct {
	ID                    string // Generated when empty
	Title                 string
	Description           string
	Type                  string
	Priority              Priority // Defaults to medium
	Dependencies          []string
	MaxRetries            int
	Timeout               time.Duration
	Metadata              map[string]any
	Input                 json.RawMessage
	RequiredCapabilities  []string
	PreferredCapabilities []string
}

// New validates props and returns a pending task. Dependency existence is
// checked by the caller; only the self-dependency is rejected here.
func New(p Props) (*Task, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, errors.NewValidationError("title", "must not be empty")
	}
	if strings.TrimSpace(p.Type) == "" {
		return nil, errors.NewValidationError("type", "must not be empty")
	}
	if p.Priority == "" {
		p.Priority = PriorityMedium
	}
	if !p.Priority.Valid() {
		return nil, errors.NewValidationError("priority", "unknown priority "+string(p.Priority))
	}
	if p.MaxRetries < 0 {
		return nil, errors.NewValidationError("max_retries", "must not be negative")
	}
	if p.Timeout < 0 {
		return nil, errors.NewValidationError("timeout", "must not be negative")
	}
	if len(p.Input) > 0 && !json.Valid(p.Input) {
		return nil, errors.NewValidationError("input", "not valid JSON")
	}

	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}

	deps := normalize(p.Dependencies)
	for _, dep := range deps {
		if dep == "" {
			return nil, errors.NewValidationError("dependencies", "empty task id")
		}
		if dep == id {
			return nil, errors.NewValidationError("dependencies", "task cannot depend on itself")
		}
	}

	t := &Task{
		ID:                    id,
		Title:                 p.Title,
		Description:           p.Description,
		Type:                  p.Type,
		Priority:              p.Priority,
		Status:                TaskPending,
		Dependencies:          deps,
		MaxRetries:            p.MaxRetries,
		Timeout:               p.Timeout,
		CreatedAt:             time.Now(),
		Input:                 p.Input,
		RequiredCapabilities:  normalize(p.RequiredCapabilities),
		PreferredCapabilities: normalize(p.PreferredCapabilities),
	}
	if len(p.Metadata) > 0 {
		t.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			t.Metadata[k] = v
		}
	}
	return t, nil
}

func normalize(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := append([]string(nil), ids...)
	slices.Sort(out)
	return slices.Compact(out)
}

func (t *Task) illegal(op string) error {
	return errors.NewIllegalTransition("task", t.ID, string(t.Status), op)
}

// Queue moves a pending task to queued. Whether dependencies are satisfied is
// the caller's policy.
func (t *Task) Queue() error {
	if t.Status != TaskPending {
		return t.illegal("queue")
	}
	t.Status = TaskQueued
	return nil
}

// Start binds a queued task to an agent, stamping StartedAt with the wall
// clock. StartAt takes the time from the caller.
func (t *Task) Start(agentID string) error {
	return t.StartAt(agentID, time.Now())
}

// StartAt is Start at now.
func (t *Task) StartAt(agentID string, now time.Time) error {
	if t.Status != TaskQueued {
		return t.illegal("start")
	}
	if agentID == "" {
		return errors.NewValidationError("agent_id", "must not be empty")
	}
	t.Status = TaskRunning
	t.AssignedAgentID = agentID
	t.StartedAt = &now
	return nil
}

// Complete records the output of a running task.
func (t *Task) Complete(output json.RawMessage) error {
	return t.CompleteAt(output, time.Now())
}

// CompleteAt is Complete at now.
func (t *Task) CompleteAt(output json.RawMessage, now time.Time) error {
	if t.Status != TaskRunning {
		return t.illegal("complete")
	}
	if len(output) > 0 && !json.Valid(output) {
		return errors.NewValidationError("output", "not valid JSON")
	}
	t.Status = TaskCompleted
	t.CompletedAt = &now
	t.Output = output
	t.detach()
	return nil
}

// Fail handles a failed execution. While retry budget remains the task goes
// back to queued with RetryCount incremented; otherwise it becomes failed and
// the cause is recorded under Metadata["error"].
func (t *Task) Fail(cause error) (willRetry bool, err error) {
	return t.FailAt(cause, time.Now())
}

// FailAt is Fail at now.
func (t *Task) FailAt(cause error, now time.Time) (willRetry bool, err error) {
	if t.Status != TaskRunning {
		return false, t.illegal("fail")
	}
	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.Status = TaskQueued
		t.AssignedAgentID = ""
		t.StartedAt = nil
		return true, nil
	}

	t.Status = TaskFailed
	t.CompletedAt = &now
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	t.setMetadata(MetadataError, msg)
	t.detach()
	return false, nil
}

// detach clears the assignment of a task leaving the running state, keeping
// the agent id under Metadata["last_agent"].
func (t *Task) detach() {
	if t.AssignedAgentID != "" {
		t.setMetadata(MetadataLastAgent, t.AssignedAgentID)
	}
	t.AssignedAgentID = ""
}

func (t *Task) setMetadata(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
}

// Requeue returns a running task to queued without consuming retry budget.
// Used when the executing agent was terminated.
func (t *Task) Requeue() error {
	if t.Status != TaskRunning {
		return t.illegal("requeue")
	}
	t.Status = TaskQueued
	t.AssignedAgentID = ""
	t.StartedAt = nil
	return nil
}

// Cancel stops a non-terminal task and returns the agent it was bound to, if
// any. Cancelling a terminal task is a caller bug.
func (t *Task) Cancel() (releasedAgentID string, err error) {
	return t.CancelAt(time.Now())
}

// CancelAt is Cancel at now.
func (t *Task) CancelAt(now time.Time) (releasedAgentID string, err error) {
	if t.Status.IsTerminal() {
		return "", &errors.AlreadyTerminalError{TaskID: t.ID, Status: string(t.Status)}
	}
	releasedAgentID = t.AssignedAgentID
	t.Status = TaskCancelled
	t.AssignedAgentID = ""
	t.CompletedAt = &now
	return releasedAgentID, nil
}

// Duration returns CompletedAt - StartedAt, or the elapsed time so far for a
// task that has started but not finished. ok is false if it never started.
func (t *Task) Duration() (d time.Duration, ok bool) {
	return t.DurationAt(time.Now())
}

// DurationAt is Duration with now as the current time.
func (t *Task) DurationAt(now time.Time) (time.Duration, bool) {
	if t.StartedAt == nil {
		return 0, false
	}
	if t.CompletedAt != nil {
		return t.CompletedAt.Sub(*t.StartedAt), true
	}
	return now.Sub(*t.StartedAt), true
}

// TimedOut reports whether a running task has exceeded its timeout at now.
func (t *Task) TimedOut(now time.Time) bool {
	if t.Status != TaskRunning || t.Timeout <= 0 {
		return false
	}
	elapsed, ok := t.DurationAt(now)
	return ok && elapsed > t.Timeout
}

// DependsOn reports whether id is a direct dependency.
func (t *Task) DependsOn(id string) bool {
	return slices.Contains(t.Dependencies, id)
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Dependencies = slices.Clone(t.Dependencies)
	cp.RequiredCapabilities = slices.Clone(t.RequiredCapabilities)
	cp.PreferredCapabilities = slices.Clone(t.PreferredCapabilities)
	cp.Input = slices.Clone(t.Input)
	cp.Output = slices.Clone(t.Output)
	if t.StartedAt != nil {
		s := *t.StartedAt
		cp.StartedAt = &s
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		cp.CompletedAt = &c
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
