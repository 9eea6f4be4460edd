package coordination

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/repository/repotest"
	"github.com/aristath/swarm/internal/scheduler"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// population stores agents and tasks directly in the given statuses.
type population struct {
	agents map[agent.Status]int
	tasks  map[scheduler.TaskStatus]int
}

func (f *fixture) populate(t *testing.T, p population) {
	t.Helper()
	ctx := context.Background()
	n := 0
	for _, status := range []agent.Status{agent.StatusIdle, agent.StatusActive, agent.StatusBusy, agent.StatusTerminated} {
		for range p.agents[status] {
			n++
			a := repotest.NewAgent(fmt.Sprintf("a%02d", n), "worker", status, n, "code")
			if err := f.agents.Save(ctx, a); err != nil {
				t.Fatalf("Save agent failed: %v", err)
			}
		}
	}
	for _, status := range []scheduler.TaskStatus{
		scheduler.TaskPending, scheduler.TaskQueued, scheduler.TaskRunning,
		scheduler.TaskCompleted, scheduler.TaskFailed, scheduler.TaskCancelled,
	} {
		for range p.tasks[status] {
			n++
			task := repotest.NewTask(fmt.Sprintf("t%02d", n), "code", scheduler.PriorityMedium, status, n)
			if status == scheduler.TaskRunning {
				task.AssignedAgentID = "someone"
			}
			if err := f.tasks.Save(ctx, task); err != nil {
				t.Fatalf("Save task failed: %v", err)
			}
		}
	}
}

func TestGetSwarmHealth(t *testing.T) {
	tests := []struct {
		name    string
		pop     population
		want    HealthStatus
		reasons int
	}{
		{
			name: "idle pool no work",
			pop:  population{agents: map[agent.Status]int{agent.StatusIdle: 2}},
			want: HealthHealthy,
		},
		{
			name: "empty swarm",
			want: HealthHealthy,
		},
		{
			name: "some busy some free",
			pop: population{
				agents: map[agent.Status]int{agent.StatusIdle: 1, agent.StatusBusy: 1},
				tasks:  map[scheduler.TaskStatus]int{scheduler.TaskRunning: 1, scheduler.TaskCompleted: 5},
			},
			want: HealthHealthy,
		},
		{
			name: "backlog with every agent busy",
			pop: population{
				agents: map[agent.Status]int{agent.StatusBusy: 2, agent.StatusTerminated: 3},
				tasks:  map[scheduler.TaskStatus]int{scheduler.TaskQueued: 1, scheduler.TaskRunning: 2},
			},
			want:    HealthDegraded,
			reasons: 2, // Backlog and utilization
		},
		{
			name: "queued work and no agents",
			pop: population{
				tasks: map[scheduler.TaskStatus]int{scheduler.TaskQueued: 1},
			},
			want:    HealthCritical,
			reasons: 2, // No agents, and a starved backlog
		},
		{
			name: "only terminated agents and pending work",
			pop: population{
				agents: map[agent.Status]int{agent.StatusTerminated: 2},
				tasks:  map[scheduler.TaskStatus]int{scheduler.TaskPending: 1},
			},
			want:    HealthCritical,
			reasons: 1,
		},
		{
			name: "moderate failure ratio",
			pop: population{
				agents: map[agent.Status]int{agent.StatusIdle: 2},
				tasks:  map[scheduler.TaskStatus]int{scheduler.TaskCompleted: 8, scheduler.TaskFailed: 2},
			},
			want:    HealthDegraded,
			reasons: 1,
		},
		{
			name: "high failure ratio",
			pop: population{
				agents: map[agent.Status]int{agent.StatusIdle: 2},
				tasks:  map[scheduler.TaskStatus]int{scheduler.TaskCompleted: 7, scheduler.TaskFailed: 3},
			},
			want:    HealthCritical,
			reasons: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.populate(t, tt.pop)

			h, err := f.svc.GetSwarmHealth(context.Background())
			if err != nil {
				t.Fatalf("GetSwarmHealth failed: %v", err)
			}
			if h.Status != tt.want {
				t.Errorf("status = %s, want %s (reasons %v)", h.Status, tt.want, h.Reasons)
			}
			if len(h.Reasons) != tt.reasons {
				t.Errorf("reasons = %v, want %d", h.Reasons, tt.reasons)
			}
		})
	}
}

func TestHealthRatios(t *testing.T) {
	f := newFixture(t)
	f.populate(t, population{
		agents: map[agent.Status]int{agent.StatusIdle: 3, agent.StatusBusy: 1, agent.StatusTerminated: 4},
		tasks:  map[scheduler.TaskStatus]int{scheduler.TaskRunning: 1, scheduler.TaskCompleted: 18, scheduler.TaskFailed: 1},
	})

	h, err := f.svc.GetSwarmHealth(context.Background())
	if err != nil {
		t.Fatalf("GetSwarmHealth failed: %v", err)
	}
	if h.LiveAgents != 4 || h.Utilization != 0.25 {
		t.Errorf("live=%d utilization=%v, want 4/0.25", h.LiveAgents, h.Utilization)
	}
	if h.TotalTasks != 20 || h.FailedRatio != 0.05 {
		t.Errorf("tasks=%d failedRatio=%v, want 20/0.05", h.TotalTasks, h.FailedRatio)
	}
	if h.Status != HealthHealthy {
		t.Errorf("status = %s", h.Status)
	}
}

// TestHealthNeverHealthyWithStarvedQueue: no idle or active agent while work
// is queued is degraded or worse.
func TestHealthNeverHealthyWithStarvedQueue(t *testing.T) {
	for busy := range 3 {
		for terminated := range 3 {
			t.Run(fmt.Sprintf("busy=%d terminated=%d", busy, terminated), func(t *testing.T) {
				f := newFixture(t, WithHealthConfig(config.HealthConfig{
					MaxUtilization:      2, // Utilization alone never degrades
					DegradedFailedRatio: 0.5,
					CriticalFailedRatio: 0.9,
				}))
				f.populate(t, population{
					agents: map[agent.Status]int{agent.StatusBusy: busy, agent.StatusTerminated: terminated},
					tasks:  map[scheduler.TaskStatus]int{scheduler.TaskQueued: 1},
				})
				h, err := f.svc.GetSwarmHealth(context.Background())
				if err != nil {
					t.Fatalf("GetSwarmHealth failed: %v", err)
				}
				if h.Status == HealthHealthy {
					t.Errorf("starved queue reported healthy: %+v", h)
				}
			})
		}
	}
}

func scalingFixture(t *testing.T, cfg config.ScalingConfig, clock *fakeClock) *fixture {
	t.Helper()
	return newFixture(t, WithScalingConfig(cfg), WithClock(clock.Now))
}

func defaultScaling() config.ScalingConfig {
	return config.ScalingConfig{
		MinAgents:              1,
		MaxAgents:              10,
		OverloadFactor:         1.0,
		AverageAgentThroughput: 1.0,
		IdleFactor:             0.5,
		IdleGracePeriod:        5 * time.Minute,
	}
}

func TestScalingUp(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.ScalingConfig)
		pop    population
		delta  int
	}{
		{
			name:  "backlog over capacity",
			pop:   population{agents: map[agent.Status]int{agent.StatusIdle: 1}, tasks: map[scheduler.TaskStatus]int{scheduler.TaskQueued: 4}},
			delta: 3,
		},
		{
			name:   "bounded by max agents",
			mutate: func(c *config.ScalingConfig) { c.MaxAgents = 2 },
			pop:    population{agents: map[agent.Status]int{agent.StatusIdle: 1}, tasks: map[scheduler.TaskStatus]int{scheduler.TaskQueued: 4}},
			delta:  1,
		},
		{
			name:   "throughput divides the backlog",
			mutate: func(c *config.ScalingConfig) { c.AverageAgentThroughput = 2 },
			pop:    population{agents: map[agent.Status]int{agent.StatusIdle: 1}, tasks: map[scheduler.TaskStatus]int{scheduler.TaskQueued: 8}},
			delta:  4, // ceil(7 / 2)
		},
		{
			name:  "busy agents add no capacity",
			pop:   population{agents: map[agent.Status]int{agent.StatusBusy: 3}, tasks: map[scheduler.TaskStatus]int{scheduler.TaskQueued: 2}},
			delta: 2,
		},
		{
			name:  "below minimum",
			pop:   population{agents: map[agent.Status]int{agent.StatusTerminated: 2}},
			delta: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultScaling()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			f := scalingFixture(t, cfg, &fakeClock{now: time.Now()})
			f.populate(t, tt.pop)

			rec, err := f.svc.CalculateScalingRecommendation(context.Background())
			if err != nil {
				t.Fatalf("CalculateScalingRecommendation failed: %v", err)
			}
			if rec.Action != ScaleUp || rec.Delta != tt.delta {
				t.Errorf("recommendation = %+v, want scale up by %d", rec, tt.delta)
			}
		})
	}
}

func TestScalingNoneAtMaxAgents(t *testing.T) {
	cfg := defaultScaling()
	cfg.MaxAgents = 2
	f := scalingFixture(t, cfg, &fakeClock{now: time.Now()})
	f.populate(t, population{
		agents: map[agent.Status]int{agent.StatusBusy: 2},
		tasks:  map[scheduler.TaskStatus]int{scheduler.TaskQueued: 5},
	})

	rec, err := f.svc.CalculateScalingRecommendation(context.Background())
	if err != nil {
		t.Fatalf("CalculateScalingRecommendation failed: %v", err)
	}
	if rec.Action != ScaleNone || rec.Delta != 0 {
		t.Errorf("recommendation = %+v, want none", rec)
	}
}

func TestScalingDownAfterGracePeriod(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f := scalingFixture(t, defaultScaling(), clock)
	f.populate(t, population{agents: map[agent.Status]int{agent.StatusIdle: 3}})
	ctx := context.Background()

	rec, _ := f.svc.CalculateScalingRecommendation(ctx)
	if rec.Action != ScaleNone {
		t.Fatalf("first idle observation = %+v, want none", rec)
	}

	clock.Advance(4 * time.Minute)
	if rec, _ := f.svc.CalculateScalingRecommendation(ctx); rec.Action != ScaleNone {
		t.Fatalf("within grace period = %+v, want none", rec)
	}

	clock.Advance(2 * time.Minute)
	rec, err := f.svc.CalculateScalingRecommendation(ctx)
	if err != nil {
		t.Fatalf("CalculateScalingRecommendation failed: %v", err)
	}
	if rec.Action != ScaleDown || rec.Delta != -2 {
		t.Fatalf("after grace period = %+v, want scale down by 2", rec)
	}
	if !slices.Equal(rec.TerminateCandidates, []string{"a01", "a02"}) {
		t.Errorf("candidates = %v, want longest idle a01, a02", rec.TerminateCandidates)
	}
}

func TestScalingIdleTimerResetsOnLoad(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f := scalingFixture(t, defaultScaling(), clock)
	f.populate(t, population{agents: map[agent.Status]int{agent.StatusIdle: 2}})
	ctx := context.Background()

	_, _ = f.svc.CalculateScalingRecommendation(ctx)
	clock.Advance(4 * time.Minute)

	// A burst of work interrupts the idle period
	f.populate(t, population{tasks: map[scheduler.TaskStatus]int{scheduler.TaskQueued: 5}})
	if rec, _ := f.svc.CalculateScalingRecommendation(ctx); rec.Action != ScaleUp {
		t.Fatalf("burst = %+v, want scale up", rec)
	}
	for _, task := range mustQueued(t, f) {
		_ = f.svc.CancelTask(ctx, task.ID)
	}

	clock.Advance(2 * time.Minute)
	if rec, _ := f.svc.CalculateScalingRecommendation(ctx); rec.Action != ScaleNone {
		t.Errorf("idle timer survived the burst: %+v", rec)
	}
}

func TestScalingRespectsMinimum(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := defaultScaling()
	cfg.MinAgents = 2
	cfg.IdleGracePeriod = 0
	f := scalingFixture(t, cfg, clock)
	f.populate(t, population{agents: map[agent.Status]int{agent.StatusIdle: 2}})

	rec, err := f.svc.CalculateScalingRecommendation(context.Background())
	if err != nil {
		t.Fatalf("CalculateScalingRecommendation failed: %v", err)
	}
	if rec.Action != ScaleNone {
		t.Errorf("recommendation = %+v, want none at minimum", rec)
	}
}

func mustQueued(t *testing.T, f *fixture) []*scheduler.Task {
	t.Helper()
	queued, err := f.tasks.FindQueued(context.Background())
	if err != nil {
		t.Fatalf("FindQueued failed: %v", err)
	}
	return queued
}
