package events

import (
	"strings"
	"time"
)

// Event is a lifecycle notification. TaskID or AgentID may be empty when the
// event is not about a single task or agent.
type Event interface {
	EventType() string
	TaskID() string
	AgentID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicAgent = "agent"
	TopicSwarm = "swarm"
)

// Event type constants. The prefix before the dot is the topic.
const (
	EventTypeTaskCreated   = "task.created"
	EventTypeTaskQueued    = "task.queued"
	EventTypeTaskAssigned  = "task.assigned"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskCancelled = "task.cancelled"

	EventTypeAgentSpawned    = "agent.spawned"
	EventTypeAgentReleased   = "agent.released"
	EventTypeAgentTerminated = "agent.terminated"

	EventTypeSwarmHealth  = "swarm.health"
	EventTypeSwarmScaling = "swarm.scaling"
)

// TopicOf returns the topic an event is published on.
func TopicOf(e Event) string {
	topic, _, _ := strings.Cut(e.EventType(), ".")
	return topic
}

// TaskCreatedEvent is published when a task is stored for the first time.
type TaskCreatedEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Priority  string    `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskCreatedEvent) EventType() string { return EventTypeTaskCreated }
func (e TaskCreatedEvent) TaskID() string    { return e.ID }
func (e TaskCreatedEvent) AgentID() string   { return "" }

// TaskQueuedEvent is published when a task becomes eligible for assignment,
// including after a retry or a requeue.
type TaskQueuedEvent struct {
	ID         string    `json:"id"`
	RetryCount int       `json:"retry_count"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e TaskQueuedEvent) EventType() string { return EventTypeTaskQueued }
func (e TaskQueuedEvent) TaskID() string    { return e.ID }
func (e TaskQueuedEvent) AgentID() string   { return "" }

// TaskAssignedEvent is published when a task is bound to an agent and starts.
type TaskAssignedEvent struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent_id"`
	Type      string    `json:"type"`
	Strategy  string    `json:"strategy"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskAssignedEvent) EventType() string { return EventTypeTaskAssigned }
func (e TaskAssignedEvent) TaskID() string    { return e.ID }
func (e TaskAssignedEvent) AgentID() string   { return e.Agent }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string        `json:"id"`
	Agent     string        `json:"agent_id"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }
func (e TaskCompletedEvent) AgentID() string   { return e.Agent }

// TaskFailedEvent is published for every failed execution. WillRetry tells
// whether the task went back to the queue.
type TaskFailedEvent struct {
	ID         string    `json:"id"`
	Agent      string    `json:"agent_id"`
	Err        string    `json:"error"`
	WillRetry  bool      `json:"will_retry"`
	RetryCount int       `json:"retry_count"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }
func (e TaskFailedEvent) AgentID() string   { return e.Agent }

// TaskCancelledEvent is published when a task is cancelled. Agent is set if
// the task was running.
type TaskCancelledEvent struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }
func (e TaskCancelledEvent) AgentID() string   { return e.Agent }

// AgentSpawnedEvent is published when an agent joins the pool.
type AgentSpawnedEvent struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Capabilities []string  `json:"capabilities"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e AgentSpawnedEvent) EventType() string { return EventTypeAgentSpawned }
func (e AgentSpawnedEvent) TaskID() string    { return "" }
func (e AgentSpawnedEvent) AgentID() string   { return e.ID }

// AgentReleasedEvent is published when a busy agent becomes available again.
type AgentReleasedEvent struct {
	ID        string    `json:"id"`
	Task      string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e AgentReleasedEvent) EventType() string { return EventTypeAgentReleased }
func (e AgentReleasedEvent) TaskID() string    { return e.Task }
func (e AgentReleasedEvent) AgentID() string   { return e.ID }

// AgentTerminatedEvent is published when an agent is terminated. Orphaned is
// the task it was forced off, if any.
type AgentTerminatedEvent struct {
	ID        string    `json:"id"`
	Orphaned  string    `json:"orphaned_task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e AgentTerminatedEvent) EventType() string { return EventTypeAgentTerminated }
func (e AgentTerminatedEvent) TaskID() string    { return e.Orphaned }
func (e AgentTerminatedEvent) AgentID() string   { return e.ID }

// HealthEvent carries a swarm health classification.
type HealthEvent struct {
	Status      string    `json:"status"`
	Reasons     []string  `json:"reasons,omitempty"`
	Utilization float64   `json:"utilization"`
	FailedRatio float64   `json:"failed_ratio"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e HealthEvent) EventType() string { return EventTypeSwarmHealth }
func (e HealthEvent) TaskID() string    { return "" }
func (e HealthEvent) AgentID() string   { return "" }

// ScalingEvent carries a scaling recommendation.
type ScalingEvent struct {
	Action    string    `json:"action"`
	Delta     int       `json:"delta"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ScalingEvent) EventType() string { return EventTypeSwarmScaling }
func (e ScalingEvent) TaskID() string    { return "" }
func (e ScalingEvent) AgentID() string   { return "" }
