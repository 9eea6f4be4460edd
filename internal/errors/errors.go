// Package errors defines the error taxonomy of the coordination core.
//
// Every typed error matches its sentinel through errors.Is, so callers can
// branch on the category without caring about the concrete type:
//
//	if errors.Is(err, errors.ErrTaskNotQueued) { ... }
//
//	var busy *errors.AgentBusyError
//	if errors.As(err, &busy) { ... busy.TaskID ... }
//
// Scheduling outcomes that are not failures (no capable agent) are reported as
// results, never as errors.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions so callers only need this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Sentinel errors, one per category.
var (
	ErrValidation         = New("validation failed")
	ErrNotFound           = New("not found")
	ErrIllegalTransition  = New("illegal state transition")
	ErrCircularDependency = New("circular dependency")
	ErrTaskNotQueued      = New("task not queued")
	ErrAgentBusy          = New("agent busy")
	ErrAlreadyTerminal    = New("task already terminal")
	ErrPersistence        = New("persistence failure")
	ErrVersionConflict    = New("version conflict")
	ErrTimedOut           = New("task timed out")
	ErrRunSuperseded      = New("run superseded")
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports an unknown agent or task id.
type NotFoundError struct {
	Kind string // "agent" or "task"
	ID   string
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// IllegalStateTransitionError reports an operation that the entity state
// machine does not allow from its current state.
type IllegalStateTransitionError struct {
	Entity string // "agent" or "task"
	ID     string
	From   string
	Op     string
}

// NewIllegalTransition creates an IllegalStateTransitionError.
func NewIllegalTransition(entity, id, from, op string) *IllegalStateTransitionError {
	return &IllegalStateTransitionError{Entity: entity, ID: id, From: from, Op: op}
}

func (e *IllegalStateTransitionError) Error() string {
	return fmt.Sprintf("%s %q: cannot %s from %s", e.Entity, e.ID, e.Op, e.From)
}

func (e *IllegalStateTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// CircularDependencyError names the tasks left unresolved when ordering
// stalls on a cycle.
type CircularDependencyError struct {
	Unresolved []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency among tasks: %s", strings.Join(e.Unresolved, ", "))
}

func (e *CircularDependencyError) Is(target error) bool { return target == ErrCircularDependency }

// TaskNotQueuedError is returned when assignment is attempted on a task that
// is not in the queued state.
type TaskNotQueuedError struct {
	TaskID string
	Status string
}

func (e *TaskNotQueuedError) Error() string {
	return fmt.Sprintf("task %q is %s, not queued", e.TaskID, e.Status)
}

func (e *TaskNotQueuedError) Is(target error) bool { return target == ErrTaskNotQueued }

// AgentBusyError is returned when a busy agent is terminated without force.
type AgentBusyError struct {
	AgentID string
	TaskID  string
}

func (e *AgentBusyError) Error() string {
	return fmt.Sprintf("agent %q is busy with task %q", e.AgentID, e.TaskID)
}

func (e *AgentBusyError) Is(target error) bool { return target == ErrAgentBusy }

// AlreadyTerminalError is returned when cancelling a task that already
// reached completed, failed or cancelled.
type AlreadyTerminalError struct {
	TaskID string
	Status string
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("task %q already %s", e.TaskID, e.Status)
}

func (e *AlreadyTerminalError) Is(target error) bool { return target == ErrAlreadyTerminal }

// PersistenceError wraps a repository failure. The underlying error is
// preserved for errors.Is/As.
type PersistenceError struct {
	Op  string
	Err error
}

// NewPersistenceError wraps err. A nil err yields nil; an err that is already
// a PersistenceError or a VersionConflictError is returned unchanged.
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if As(err, &pe) {
		return err
	}
	var vc *VersionConflictError
	if As(err, &vc) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// VersionConflictError is returned by a repository Save whose version stamp
// no longer matches the stored entity.
type VersionConflictError struct {
	Kind     string
	ID       string
	Expected int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s %q: version %d is stale", e.Kind, e.ID, e.Expected)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// TimedOutError is the failure reported for a task that exceeded its timeout.
type TimedOutError struct {
	TaskID  string
	Elapsed string
	Timeout string
}

func (e *TimedOutError) Error() string {
	return fmt.Sprintf("task %q timed out after %s (limit %s)", e.TaskID, e.Elapsed, e.Timeout)
}

func (e *TimedOutError) Is(target error) bool { return target == ErrTimedOut }

// RunSupersededError is returned when a result arrives for a run that no
// longer holds its task: the task was requeued, reassigned or settled since.
type RunSupersededError struct {
	TaskID  string
	AgentID string
}

func (e *RunSupersededError) Error() string {
	return fmt.Sprintf("task %q: run on agent %q was superseded", e.TaskID, e.AgentID)
}

func (e *RunSupersededError) Is(target error) bool { return target == ErrRunSuperseded }

// IsRetryable reports whether retrying the operation that produced err may
// succeed: repository failures and optimistic-lock conflicts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrPersistence) || Is(err, ErrVersionConflict)
}

// IsUsageError reports whether err signals a caller bug that must not be
// retried: state machine violations, cycles and invalid input.
func IsUsageError(err error) bool {
	switch {
	case Is(err, ErrIllegalTransition),
		Is(err, ErrCircularDependency),
		Is(err, ErrValidation),
		Is(err, ErrTaskNotQueued),
		Is(err, ErrAgentBusy),
		Is(err, ErrAlreadyTerminal):
		return true
	}
	return false
}
