package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/scheduler"
)

// HealthStatus classifies the swarm.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// Health is a snapshot of the swarm with its classification.
type Health struct {
	Status      HealthStatus                 `json:"status"`
	Reasons     []string                     `json:"reasons,omitempty"`
	Agents      map[agent.Status]int         `json:"agents"`
	Tasks       map[scheduler.TaskStatus]int `json:"tasks"`
	LiveAgents  int                          `json:"live_agents"` // Not terminated
	TotalTasks  int                          `json:"total_tasks"`
	Utilization float64                      `json:"utilization"`  // busy / max(1, live agents)
	FailedRatio float64                      `json:"failed_ratio"` // failed / max(1, tasks)
	Timestamp   time.Time                    `json:"timestamp"`
}

// GetSwarmHealth tallies agents and tasks and classifies the swarm. Critical
// wins over degraded; every triggered condition is listed in Reasons.
func (s *Service) GetSwarmHealth(ctx context.Context) (Health, error) {
	agentStats, err := s.agents.GetStatistics(ctx)
	if err != nil {
		return Health{}, err
	}
	taskStats, err := s.tasks.GetStatistics(ctx)
	if err != nil {
		return Health{}, err
	}

	h := Health{
		Agents:     agentStats.ByStatus,
		Tasks:      taskStats.ByStatus,
		LiveAgents: agentStats.Total - agentStats.ByStatus[agent.StatusTerminated],
		TotalTasks: taskStats.Total,
		Timestamp:  s.now(),
	}
	busy := h.Agents[agent.StatusBusy]
	available := h.Agents[agent.StatusIdle] + h.Agents[agent.StatusActive]
	queued := h.Tasks[scheduler.TaskQueued]
	waiting := queued + h.Tasks[scheduler.TaskPending]

	h.Utilization = float64(busy) / float64(max(1, h.LiveAgents))
	h.FailedRatio = float64(h.Tasks[scheduler.TaskFailed]) / float64(max(1, h.TotalTasks))

	var critical, degraded []string
	if h.FailedRatio > s.health.CriticalFailedRatio {
		critical = append(critical, fmt.Sprintf("failed ratio %.2f above %.2f", h.FailedRatio, s.health.CriticalFailedRatio))
	}
	if h.LiveAgents == 0 && waiting > 0 {
		critical = append(critical, fmt.Sprintf("no agents for %d waiting tasks", waiting))
	}
	if queued > 0 && available == 0 {
		degraded = append(degraded, fmt.Sprintf("%d queued tasks and no available agent", queued))
	}
	if h.FailedRatio > s.health.DegradedFailedRatio && h.FailedRatio <= s.health.CriticalFailedRatio {
		degraded = append(degraded, fmt.Sprintf("failed ratio %.2f above %.2f", h.FailedRatio, s.health.DegradedFailedRatio))
	}
	if h.LiveAgents > 0 && h.Utilization >= s.health.MaxUtilization {
		degraded = append(degraded, fmt.Sprintf("utilization %.2f at or above %.2f", h.Utilization, s.health.MaxUtilization))
	}

	switch {
	case len(critical) > 0:
		h.Status = HealthCritical
	case len(degraded) > 0:
		h.Status = HealthDegraded
	default:
		h.Status = HealthHealthy
	}
	h.Reasons = append(critical, degraded...)

	if h.Status != HealthHealthy {
		s.logger.Warn("swarm health", "status", h.Status, "reasons", h.Reasons)
	}
	s.emit(events.HealthEvent{
		Status:      string(h.Status),
		Reasons:     h.Reasons,
		Utilization: h.Utilization,
		FailedRatio: h.FailedRatio,
		Timestamp:   h.Timestamp,
	})
	return h, nil
}
