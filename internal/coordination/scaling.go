package coordination

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/events"
)

// ScalingAction is the direction of a scaling recommendation.
type ScalingAction string

const (
	ScaleNone ScalingAction = "none"
	ScaleUp   ScalingAction = "scale_up"
	ScaleDown ScalingAction = "scale_down"
)

// ScalingRecommendation suggests a change of the agent pool size.
type ScalingRecommendation struct {
	Action ScalingAction `json:"action"`
	// Delta is the number of agents to spawn (positive) or terminate
	// (negative). Zero when Action is ScaleNone.
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`

	QueueDepth  int `json:"queue_depth"`
	Capacity    int `json:"capacity"`     // Idle plus active agents
	TotalAgents int `json:"total_agents"` // Not terminated

	// TerminateCandidates are the longest idle agents, when scaling down.
	TerminateCandidates []string `json:"terminate_candidates,omitempty"`
}

// CalculateScalingRecommendation compares queue depth with available
// capacity. Scaling down requires the pool to stay idle for the configured
// grace period across successive calls.
func (s *Service) CalculateScalingRecommendation(ctx context.Context) (ScalingRecommendation, error) {
	queued, err := s.tasks.FindQueued(ctx)
	if err != nil {
		return ScalingRecommendation{}, err
	}
	live, err := s.agents.FindByStatus(ctx, agent.StatusIdle, agent.StatusActive, agent.StatusBusy)
	if err != nil {
		return ScalingRecommendation{}, err
	}

	var available []*agent.Agent
	for _, a := range live {
		if a.Status.Available() {
			available = append(available, a)
		}
	}

	rec := s.recommend(len(queued), available, len(live))
	if rec.Action != ScaleNone {
		s.logger.Info("scaling recommended", "action", rec.Action, "delta", rec.Delta, "reason", rec.Reason)
	}
	s.emit(events.ScalingEvent{
		Action:    string(rec.Action),
		Delta:     rec.Delta,
		Reason:    rec.Reason,
		Timestamp: s.now(),
	})
	return rec, nil
}

func (s *Service) recommend(queueDepth int, available []*agent.Agent, total int) ScalingRecommendation {
	cfg := s.scaling
	capacity := len(available)
	rec := ScalingRecommendation{
		Action:      ScaleNone,
		Reason:      "no scaling needed",
		QueueDepth:  queueDepth,
		Capacity:    capacity,
		TotalAgents: total,
	}

	if total < cfg.MinAgents {
		s.resetIdle()
		rec.Action = ScaleUp
		rec.Delta = min(cfg.MinAgents, cfg.MaxAgents) - total
		rec.Reason = fmt.Sprintf("%d agents below minimum %d", total, cfg.MinAgents)
		if rec.Delta <= 0 {
			rec.Action, rec.Delta = ScaleNone, 0
		}
		return rec
	}

	if float64(queueDepth) > float64(capacity)*cfg.OverloadFactor && total < cfg.MaxAgents {
		s.resetIdle()
		throughput := cfg.AverageAgentThroughput
		if throughput <= 0 {
			throughput = 1
		}
		backlog := max(queueDepth-capacity, 1)
		need := int(math.Ceil(float64(backlog) / throughput))
		rec.Action = ScaleUp
		rec.Delta = min(cfg.MaxAgents-total, need)
		rec.Reason = fmt.Sprintf("queue depth %d exceeds capacity %d x %.2f", queueDepth, capacity, cfg.OverloadFactor)
		return rec
	}

	if total == 0 || float64(capacity)/float64(total) <= cfg.IdleFactor {
		s.resetIdle()
		return rec
	}

	now := s.now()
	s.idleMu.Lock()
	if s.idleSince.IsZero() {
		s.idleSince = now
	}
	idleFor := now.Sub(s.idleSince)
	s.idleMu.Unlock()

	if idleFor < cfg.IdleGracePeriod {
		rec.Reason = fmt.Sprintf("pool idle for %s, grace period %s", idleFor, cfg.IdleGracePeriod)
		return rec
	}

	// Keep enough available agents for the queued work and never go below
	// the minimum pool size.
	excess := min(capacity-queueDepth, total-cfg.MinAgents)
	if excess <= 0 {
		return rec
	}

	longestIdle := slices.Clone(available)
	slices.SortFunc(longestIdle, func(a, b *agent.Agent) int {
		if c := a.LastActiveAt.Compare(b.LastActiveAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	for _, a := range longestIdle[:excess] {
		rec.TerminateCandidates = append(rec.TerminateCandidates, a.ID)
	}

	rec.Action = ScaleDown
	rec.Delta = -excess
	rec.Reason = fmt.Sprintf("%d of %d agents idle for %s", capacity, total, idleFor)
	return rec
}

func (s *Service) resetIdle() {
	s.idleMu.Lock()
	s.idleSince = time.Time{}
	s.idleMu.Unlock()
}
