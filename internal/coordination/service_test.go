package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/errors"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/repository"
	"github.com/aristath/swarm/internal/repository/memory"
	"github.com/aristath/swarm/internal/repository/repotest"
	"github.com/aristath/swarm/internal/scheduler"
)

var testCaps = agent.CapabilityMap{
	"code": {"code"},
	"test": {"test"},
}

type fixture struct {
	svc     *Service
	agents  *memory.AgentRepository
	tasks   repository.TaskRepository
	bus     *events.EventBus
	created int
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithTasks(t, memory.NewTaskRepository(), opts...)
}

func newFixtureWithTasks(t *testing.T, tasks repository.TaskRepository, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		agents: memory.NewAgentRepository(),
		tasks:  tasks,
		bus:    events.NewEventBus(),
	}
	t.Cleanup(f.bus.Close)
	opts = append([]Option{WithCapabilities(testCaps), WithPublisher(f.bus)}, opts...)
	f.svc = NewService(f.agents, f.tasks, opts...)
	return f
}

func (f *fixture) addAgent(t *testing.T, id string, caps ...string) *agent.Agent {
	t.Helper()
	f.created++
	a := repotest.NewAgent(id, "worker", agent.StatusIdle, f.created, caps...)
	if err := f.agents.Save(context.Background(), a); err != nil {
		t.Fatalf("Save(%s) failed: %v", id, err)
	}
	return a
}

func (f *fixture) addTask(t *testing.T, id, taskType string, maxRetries int) *scheduler.Task {
	t.Helper()
	f.created++
	task := repotest.NewTask(id, taskType, scheduler.PriorityMedium, scheduler.TaskQueued, f.created)
	task.MaxRetries = maxRetries
	task.RequiredCapabilities = testCaps.Resolve(taskType)
	if err := f.tasks.Save(context.Background(), task); err != nil {
		t.Fatalf("Save(%s) failed: %v", id, err)
	}
	return task
}

func (f *fixture) agent(t *testing.T, id string) *agent.Agent {
	t.Helper()
	a, err := f.agents.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID(%s) failed: %v", id, err)
	}
	if (a.Status == agent.StatusBusy) != (a.CurrentTaskID != "") {
		t.Errorf("agent %s breaks busy invariant: status=%s task=%q", id, a.Status, a.CurrentTaskID)
	}
	return a
}

func (f *fixture) task(t *testing.T, id string) *scheduler.Task {
	t.Helper()
	task, err := f.tasks.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID(%s) failed: %v", id, err)
	}
	if (task.Status == scheduler.TaskRunning) != (task.AssignedAgentID != "") {
		t.Errorf("task %s breaks assignment invariant: status=%s agent=%q", id, task.Status, task.AssignedAgentID)
	}
	return task
}

func (f *fixture) assign(t *testing.T, taskID string, strategy Strategy) Assignment {
	t.Helper()
	res, err := f.svc.AssignTask(context.Background(), taskID, strategy)
	if err != nil {
		t.Fatalf("AssignTask(%s) failed: %v", taskID, err)
	}
	return res
}

// TestAssignmentCapacity assigns three code tasks to two code agents: two
// run, the third stays queued.
func TestAssignmentCapacity(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a1", "code")
	f.addAgent(t, "a2", "code")
	for _, id := range []string{"t1", "t2", "t3"} {
		f.addTask(t, id, "code", 0)
	}

	var assigned int
	for _, id := range []string{"t1", "t2", "t3"} {
		if f.assign(t, id, StrategyCapabilityMatch).Success {
			assigned++
		}
	}
	if assigned != 2 {
		t.Fatalf("assigned = %d, want 2", assigned)
	}

	last := f.task(t, "t3")
	if last.Status != scheduler.TaskQueued || last.AssignedAgentID != "" {
		t.Errorf("t3 = %s/%q, want queued and unassigned", last.Status, last.AssignedAgentID)
	}
	res := f.assign(t, "t3", StrategyCapabilityMatch)
	if res.Success || res.Reason != ReasonNoCapableAgent {
		t.Errorf("third assignment = %+v", res)
	}

	for _, id := range []string{"a1", "a2"} {
		a := f.agent(t, id)
		if a.Status != agent.StatusBusy {
			t.Errorf("%s status = %s, want busy", id, a.Status)
		}
		if task := f.task(t, a.CurrentTaskID); task.AssignedAgentID != id {
			t.Errorf("task %s assigned to %q, want %s", task.ID, task.AssignedAgentID, id)
		}
	}
}

func TestAssignTaskErrors(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a1", "code")
	pending := repotest.NewTask("pending", "code", scheduler.PriorityMedium, scheduler.TaskPending, 0)
	_ = f.tasks.Save(context.Background(), pending)
	f.addTask(t, "t1", "code", 0)

	tests := []struct {
		name     string
		taskID   string
		strategy Strategy
		want     error
	}{
		{"not queued", "pending", StrategyLeastLoaded, errors.ErrTaskNotQueued},
		{"unknown task", "missing", StrategyLeastLoaded, errors.ErrNotFound},
		{"unknown strategy", "t1", Strategy("fastest"), errors.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.AssignTask(context.Background(), tt.taskID, tt.strategy)
			if !errors.Is(err, tt.want) {
				t.Errorf("AssignTask = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAssignRespectsCapabilities(t *testing.T) {
	tests := []struct {
		name     string
		agents   map[string][]string
		taskType string
		want     string // Empty means no capable agent
	}{
		{"only capable agent", map[string][]string{"a1": {"code"}, "a2": {"test"}}, "test", "a2"},
		{"nobody capable", map[string][]string{"a1": {"code"}}, "test", ""},
		{"unmapped type open to all", map[string][]string{"a1": {"design"}}, "docs", "a1"},
	}
	for _, tt := range tests {
		for _, strategy := range Strategies {
			t.Run(tt.name+"/"+string(strategy), func(t *testing.T) {
				f := newFixture(t)
				for _, id := range []string{"a1", "a2"} {
					if caps, ok := tt.agents[id]; ok {
						f.addAgent(t, id, caps...)
					}
				}
				f.addTask(t, "t1", tt.taskType, 0)

				res := f.assign(t, "t1", strategy)
				if res.AgentID != tt.want || res.Success != (tt.want != "") {
					t.Errorf("assignment = %+v, want agent %q", res, tt.want)
				}
			})
		}
	}
}

func TestAssignSkipsUnavailableAgents(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a1", "code")
	a2 := f.addAgent(t, "a2", "code")
	f.addTask(t, "t1", "code", 0)

	if _, err := f.svc.TerminateAgent(context.Background(), "a1", false); err != nil {
		t.Fatalf("TerminateAgent failed: %v", err)
	}
	if res := f.assign(t, "t1", StrategyLeastLoaded); res.AgentID != a2.ID {
		t.Errorf("assignment = %+v, want a2", res)
	}
}

func TestCapabilityMatchStrategy(t *testing.T) {
	t.Run("largest overlap", func(t *testing.T) {
		f := newFixture(t)
		f.addAgent(t, "a1", "code")
		f.addAgent(t, "a2", "code", "go", "sql")
		task := f.addTask(t, "t1", "code", 0)
		task.PreferredCapabilities = []string{"go", "sql"}
		_ = f.tasks.Save(context.Background(), task)

		if res := f.assign(t, "t1", StrategyCapabilityMatch); res.AgentID != "a2" {
			t.Errorf("picked %q, want a2", res.AgentID)
		}
	})

	t.Run("tie goes to least loaded", func(t *testing.T) {
		f := newFixture(t)
		a1 := f.addAgent(t, "a1", "code")
		a1.Metrics.TasksCompleted = 5
		_ = f.agents.Save(context.Background(), a1)
		a2 := f.addAgent(t, "a2", "code")
		a2.Metrics.TasksFailed = 1
		_ = f.agents.Save(context.Background(), a2)
		f.addTask(t, "t1", "code", 0)

		if res := f.assign(t, "t1", StrategyCapabilityMatch); res.AgentID != "a2" {
			t.Errorf("picked %q, want a2", res.AgentID)
		}
	})
}

func TestLeastLoadedStrategy(t *testing.T) {
	tests := []struct {
		name     string
		workload map[string]int
		want     string
	}{
		{"fewest handled", map[string]int{"a1": 3, "a2": 1, "a3": 2}, "a2"},
		{"tie goes to longest idle", map[string]int{"a1": 1, "a2": 1, "a3": 4}, "a1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for _, id := range []string{"a1", "a2", "a3"} {
				a := f.addAgent(t, id, "code")
				a.Metrics.TasksCompleted = tt.workload[id]
				_ = f.agents.Save(context.Background(), a)
			}
			f.addTask(t, "t1", "code", 0)

			if res := f.assign(t, "t1", StrategyLeastLoaded); res.AgentID != tt.want {
				t.Errorf("picked %q, want %s", res.AgentID, tt.want)
			}
		})
	}
}

func TestRoundRobinStrategy(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a3", "code", "test")
	f.addAgent(t, "a1", "code", "test")
	f.addAgent(t, "a2", "code", "test")

	ctx := context.Background()
	var got []string
	for i := range 4 {
		id := fmt.Sprintf("code-%d", i)
		f.addTask(t, id, "code", 0)
		res := f.assign(t, id, StrategyRoundRobin)
		got = append(got, res.AgentID)
		if _, err := f.svc.ProcessTaskCompletion(ctx, id, nil); err != nil {
			t.Fatalf("ProcessTaskCompletion failed: %v", err)
		}
	}
	want := []string{"a1", "a2", "a3", "a1"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("rotation = %v, want %v", got, want)
	}

	// Each task type keeps its own cursor
	f.addTask(t, "test-0", "test", 0)
	if res := f.assign(t, "test-0", StrategyRoundRobin); res.AgentID != "a1" {
		t.Errorf("first test task went to %q, want a1", res.AgentID)
	}
}

func TestRandomStrategy(t *testing.T) {
	f := newFixture(t, WithRand(rand.New(rand.NewPCG(7, 11))))
	f.addAgent(t, "a1", "code")
	f.addAgent(t, "a2", "code")
	f.addAgent(t, "a3", "test")

	ctx := context.Background()
	seen := make(map[string]int)
	for i := range 40 {
		id := fmt.Sprintf("t%d", i)
		f.addTask(t, id, "code", 0)
		res := f.assign(t, id, StrategyRandom)
		if res.AgentID == "a3" || !res.Success {
			t.Fatalf("random picked %+v", res)
		}
		seen[res.AgentID]++
		if _, err := f.svc.ProcessTaskCompletion(ctx, id, nil); err != nil {
			t.Fatalf("ProcessTaskCompletion failed: %v", err)
		}
	}
	if seen["a1"] == 0 || seen["a2"] == 0 {
		t.Errorf("distribution = %v, want both capable agents picked", seen)
	}
}

func TestProcessTaskCompletion(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a1", "code")
	f.addTask(t, "t1", "code", 0)
	f.assign(t, "t1", "")

	ctx := context.Background()
	done, err := f.svc.ProcessTaskCompletion(ctx, "t1", json.RawMessage(`{"lines":42}`))
	if err != nil {
		t.Fatalf("ProcessTaskCompletion failed: %v", err)
	}
	if done.Status != scheduler.TaskCompleted {
		t.Errorf("returned status = %s", done.Status)
	}

	task := f.task(t, "t1")
	if task.Status != scheduler.TaskCompleted || string(task.Output) != `{"lines":42}` || task.CompletedAt == nil {
		t.Errorf("task = %+v", task)
	}
	if task.Metadata[scheduler.MetadataLastAgent] != "a1" {
		t.Errorf("last agent = %v", task.Metadata[scheduler.MetadataLastAgent])
	}
	a := f.agent(t, "a1")
	if a.Status != agent.StatusIdle || a.Metrics.TasksCompleted != 1 || a.Metrics.TasksFailed != 0 {
		t.Errorf("agent = %+v", a)
	}

	if _, err := f.svc.ProcessTaskCompletion(ctx, "t1", nil); !errors.Is(err, errors.ErrIllegalTransition) {
		t.Errorf("double completion = %v, want illegal transition", err)
	}
}

func TestConcurrentCompletionsOneWins(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a1", "code")
	f.addTask(t, "t1", "code", 0)
	f.assign(t, "t1", "")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ProcessTaskCompletion(context.Background(), "t1", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, errors.ErrIllegalTransition):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
	if a := f.agent(t, "a1"); a.Metrics.TasksCompleted != 1 {
		t.Errorf("TasksCompleted = %d, want 1", a.Metrics.TasksCompleted)
	}
}

// TestRetryBudget runs a task with one retry through two failures.
func TestRetryBudget(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a1", "code")
	f.addTask(t, "t1", "code", 1)
	ctx := context.Background()

	f.assign(t, "t1", "")
	out, err := f.svc.ProcessTaskFailure(ctx, "t1", fmt.Errorf("compile error"))
	if err != nil {
		t.Fatalf("first failure: %v", err)
	}
	if !out.WillRetry || out.Status != scheduler.TaskQueued || out.RetryCount != 1 || out.AgentID != "a1" {
		t.Errorf("first outcome = %+v", out)
	}
	if a := f.agent(t, "a1"); a.Status != agent.StatusIdle || a.Metrics.TasksFailed != 0 {
		t.Errorf("agent after retry = %+v", a)
	}
	if task := f.task(t, "t1"); task.Status != scheduler.TaskQueued || task.RetryCount != 1 || task.StartedAt != nil {
		t.Errorf("task after retry = %+v", task)
	}

	if res := f.assign(t, "t1", ""); !res.Success {
		t.Fatalf("reassignment failed: %+v", res)
	}
	out, err = f.svc.ProcessTaskFailure(ctx, "t1", fmt.Errorf("still broken"))
	if err != nil {
		t.Fatalf("second failure: %v", err)
	}
	if out.WillRetry || out.Status != scheduler.TaskFailed || out.RetryCount != 1 {
		t.Errorf("second outcome = %+v", out)
	}

	task := f.task(t, "t1")
	if task.Status != scheduler.TaskFailed || task.RetryCount != 1 || task.Metadata[scheduler.MetadataError] != "still broken" {
		t.Errorf("task after terminal failure = %+v", task)
	}
	if a := f.agent(t, "a1"); a.Status != agent.StatusIdle || a.Metrics.TasksFailed != 1 {
		t.Errorf("agent after terminal failure = %+v", a)
	}
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a1", "code")
	f.addTask(t, "running", "code", 0)
	f.addTask(t, "queued", "code", 0)
	f.assign(t, "running", "")
	ctx := context.Background()

	if err := f.svc.CancelTask(ctx, "running"); err != nil {
		t.Fatalf("CancelTask(running) failed: %v", err)
	}
	if task := f.task(t, "running"); task.Status != scheduler.TaskCancelled || task.Output != nil {
		t.Errorf("cancelled task = %+v", task)
	}
	if a := f.agent(t, "a1"); a.Status != agent.StatusIdle || a.Metrics.TasksCompleted != 0 {
		t.Errorf("agent after cancel = %+v", a)
	}

	if err := f.svc.CancelTask(ctx, "queued"); err != nil {
		t.Fatalf("CancelTask(queued) failed: %v", err)
	}
	if err := f.svc.CancelTask(ctx, "queued"); !errors.Is(err, errors.ErrAlreadyTerminal) {
		t.Errorf("second cancel = %v, want already terminal", err)
	}
}

func TestTerminateAgent(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "a1", "code")
	f.addTask(t, "t1", "code", 2)
	f.assign(t, "t1", "")
	ctx := context.Background()

	if _, err := f.svc.TerminateAgent(ctx, "a1", false); !errors.Is(err, errors.ErrAgentBusy) {
		t.Fatalf("terminate busy without force = %v, want agent busy", err)
	}
	if a := f.agent(t, "a1"); a.Status != agent.StatusBusy {
		t.Errorf("refused termination changed status to %s", a.Status)
	}

	orphaned, err := f.svc.TerminateAgent(ctx, "a1", true)
	if err != nil || orphaned != "t1" {
		t.Fatalf("forced terminate = (%q, %v)", orphaned, err)
	}
	if a := f.agent(t, "a1"); a.Status != agent.StatusTerminated {
		t.Errorf("status = %s, want terminated", a.Status)
	}
	task := f.task(t, "t1")
	if task.Status != scheduler.TaskQueued || task.RetryCount != 0 {
		t.Errorf("orphaned task = %s retries=%d, want queued without retry", task.Status, task.RetryCount)
	}

	if _, err := f.svc.TerminateAgent(ctx, "a1", true); !errors.Is(err, errors.ErrIllegalTransition) {
		t.Errorf("terminate twice = %v, want illegal transition", err)
	}
	if res := f.assign(t, "t1", ""); res.Success {
		t.Errorf("terminated agent was assigned: %+v", res)
	}
}

// failingTasks makes task saves fail on demand.
type failingTasks struct {
	repository.TaskRepository
	fail bool
}

func (f *failingTasks) Save(ctx context.Context, task *scheduler.Task) error {
	if f.fail {
		return errors.NewPersistenceError("save task", fmt.Errorf("disk full"))
	}
	return f.TaskRepository.Save(ctx, task)
}

func TestAssignmentRollsBackOnTaskSaveFailure(t *testing.T) {
	tasks := &failingTasks{TaskRepository: memory.NewTaskRepository()}
	f := newFixtureWithTasks(t, tasks)
	f.addAgent(t, "a1", "code")
	f.addTask(t, "t1", "code", 0)

	tasks.fail = true
	_, err := f.svc.AssignTask(context.Background(), "t1", StrategyCapabilityMatch)
	if !errors.Is(err, errors.ErrPersistence) {
		t.Fatalf("AssignTask = %v, want persistence error", err)
	}

	a := f.agent(t, "a1")
	if a.Status != agent.StatusIdle || a.CurrentTaskID != "" {
		t.Errorf("agent left half assigned: %+v", a)
	}
	if task := f.task(t, "t1"); task.Status != scheduler.TaskQueued {
		t.Errorf("task status = %s, want queued", task.Status)
	}

	tasks.fail = false
	if res := f.assign(t, "t1", StrategyCapabilityMatch); !res.Success {
		t.Errorf("assignment after recovery = %+v", res)
	}
}

func TestConcurrentAssignmentsNeverDoubleBook(t *testing.T) {
	f := newFixture(t)
	for i := range 3 {
		f.addAgent(t, fmt.Sprintf("a%d", i), "code")
	}
	for i := range 10 {
		f.addTask(t, fmt.Sprintf("t%d", i), "code", 0)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	booked := make(map[string]string)
	for i := range 10 {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := f.svc.AssignTask(context.Background(), id, StrategyRandom)
			if err != nil {
				t.Errorf("AssignTask(%s) failed: %v", id, err)
				return
			}
			if res.Success {
				mu.Lock()
				if prev, ok := booked[res.AgentID]; ok {
					t.Errorf("agent %s booked for %s and %s", res.AgentID, prev, id)
				}
				booked[res.AgentID] = id
				mu.Unlock()
			}
		}(fmt.Sprintf("t%d", i))
	}
	wg.Wait()

	if len(booked) != 3 {
		t.Errorf("booked %d agents, want 3", len(booked))
	}
	running, _ := f.tasks.FindRunning(context.Background())
	if len(running) != 3 {
		t.Errorf("running tasks = %d, want 3", len(running))
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	f := newFixture(t)
	ch := f.bus.SubscribeAll(16)
	f.addAgent(t, "a1", "code")
	f.addTask(t, "t1", "code", 1)

	f.assign(t, "t1", "")
	if _, err := f.svc.ProcessTaskFailure(context.Background(), "t1", nil); err != nil {
		t.Fatalf("ProcessTaskFailure failed: %v", err)
	}

	want := []string{
		events.EventTypeTaskAssigned,
		events.EventTypeTaskFailed,
		events.EventTypeAgentReleased,
		events.EventTypeTaskQueued,
	}
	for _, typ := range want {
		select {
		case e := <-ch:
			if e.EventType() != typ {
				t.Errorf("event = %s, want %s", e.EventType(), typ)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", typ)
		}
	}
}

func TestResultsOfSupersededRunsAreDropped(t *testing.T) {
	clock := &fakeClock{now: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	f := newFixture(t, WithClock(clock.Now))
	f.addAgent(t, "a1", "code")
	f.addTask(t, "t1", "code", 3)
	f.assign(t, "t1", "")
	ctx := context.Background()

	first := RunOf(f.task(t, "t1"))
	if first.AgentID != "a1" || !first.StartedAt.Equal(clock.Now()) {
		t.Fatalf("first run = %+v", first)
	}

	// a1 is terminated and t1 moves to a2.
	if _, err := f.svc.TerminateAgent(ctx, "a1", true); err != nil {
		t.Fatalf("TerminateAgent failed: %v", err)
	}
	f.addAgent(t, "a2", "code")
	clock.Advance(time.Second)
	f.assign(t, "t1", "")

	if _, err := f.svc.FailRun(ctx, first, fmt.Errorf("stale failure")); !errors.Is(err, errors.ErrRunSuperseded) {
		t.Fatalf("stale failure = %v, want run superseded", err)
	}
	if _, err := f.svc.CompleteRun(ctx, first, json.RawMessage(`"stale"`)); !errors.Is(err, errors.ErrRunSuperseded) {
		t.Fatalf("stale completion = %v, want run superseded", err)
	}
	task := f.task(t, "t1")
	if task.Status != scheduler.TaskRunning || task.AssignedAgentID != "a2" || task.RetryCount != 0 {
		t.Errorf("task after stale reports = %s on %q retries=%d", task.Status, task.AssignedAgentID, task.RetryCount)
	}
	if a := f.agent(t, "a2"); a.Status != agent.StatusBusy || a.CurrentTaskID != "t1" {
		t.Errorf("a2 released by a stale report: %+v", a)
	}

	// a2 fails, then is handed t1 again: the earlier run's result must not
	// settle the new one.
	second := RunOf(task)
	if _, err := f.svc.FailRun(ctx, second, fmt.Errorf("flaky")); err != nil {
		t.Fatalf("FailRun of current run failed: %v", err)
	}
	clock.Advance(time.Second)
	f.assign(t, "t1", "")
	if _, err := f.svc.CompleteRun(ctx, second, nil); !errors.Is(err, errors.ErrRunSuperseded) {
		t.Fatalf("completion of earlier run on the same agent = %v, want run superseded", err)
	}

	third := RunOf(f.task(t, "t1"))
	done, err := f.svc.CompleteRun(ctx, third, json.RawMessage(`"ok"`))
	if err != nil {
		t.Fatalf("CompleteRun of current run failed: %v", err)
	}
	if done.Status != scheduler.TaskCompleted || done.RetryCount != 1 {
		t.Errorf("completed task = %s retries=%d", done.Status, done.RetryCount)
	}
}

func TestTaskTimestampsFollowServiceClock(t *testing.T) {
	start := time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)
	clock := &fakeClock{now: start}
	f := newFixture(t, WithClock(clock.Now))
	f.addAgent(t, "a1", "code")
	f.addTask(t, "t1", "code", 0)
	f.assign(t, "t1", "")

	if task := f.task(t, "t1"); task.StartedAt == nil || !task.StartedAt.Equal(start) {
		t.Fatalf("StartedAt = %v, want %v", task.StartedAt, start)
	}

	clock.Advance(3 * time.Second)
	done, err := f.svc.ProcessTaskCompletion(context.Background(), "t1", nil)
	if err != nil {
		t.Fatalf("ProcessTaskCompletion failed: %v", err)
	}
	if !done.CompletedAt.Equal(start.Add(3 * time.Second)) {
		t.Errorf("CompletedAt = %v", done.CompletedAt)
	}
	if d, ok := done.Duration(); !ok || d != 3*time.Second {
		t.Errorf("Duration = %v, %v; want 3s", d, ok)
	}
}
