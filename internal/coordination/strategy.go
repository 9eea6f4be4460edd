package coordination

import (
	"cmp"
	"slices"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/scheduler"
)

// Strategy is the load-balancing policy used to pick among capable agents.
type Strategy string

const (
	StrategyCapabilityMatch Strategy = "capability-match"
	StrategyLeastLoaded     Strategy = "least-loaded"
	StrategyRoundRobin      Strategy = "round-robin"
	StrategyRandom          Strategy = "random"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{StrategyCapabilityMatch, StrategyLeastLoaded, StrategyRoundRobin, StrategyRandom}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return slices.Contains(Strategies, s)
}

func (s Strategy) String() string {
	return string(s)
}

// pickCapabilityMatch prefers the agent carrying most of the task's required
// and preferred tags. Ties go to the agent that has handled the fewest tasks,
// then to candidate order.
func pickCapabilityMatch(task *scheduler.Task, candidates []*agent.Agent) *agent.Agent {
	wanted := make([]string, 0, len(task.RequiredCapabilities)+len(task.PreferredCapabilities))
	wanted = append(wanted, task.RequiredCapabilities...)
	wanted = append(wanted, task.PreferredCapabilities...)

	var best *agent.Agent
	bestScore := -1
	for _, a := range candidates {
		score := a.Overlap(wanted)
		if score > bestScore || (score == bestScore && load(a) < load(best)) {
			best, bestScore = a, score
		}
	}
	return best
}

// load counts handled plus assigned tasks. Candidates are never busy, so the
// assigned part only matters for callers passing arbitrary agents.
func load(a *agent.Agent) int {
	n := a.Workload()
	if a.CurrentTaskID != "" {
		n++
	}
	return n
}

// pickLeastLoaded picks the agent with the fewest handled tasks, then the one
// idle the longest, then the lowest id.
func pickLeastLoaded(candidates []*agent.Agent) *agent.Agent {
	return slices.MinFunc(candidates, func(a, b *agent.Agent) int {
		if c := cmp.Compare(a.Workload(), b.Workload()); c != 0 {
			return c
		}
		if c := a.LastActiveAt.Compare(b.LastActiveAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// byID returns the candidates ordered by id, the stable rotation order for
// round-robin.
func byID(candidates []*agent.Agent) []*agent.Agent {
	sorted := slices.Clone(candidates)
	slices.SortFunc(sorted, func(a, b *agent.Agent) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return sorted
}
