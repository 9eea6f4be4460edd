package worker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/errors"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/orchestrator"
	"github.com/aristath/swarm/internal/repository/memory"
	"github.com/aristath/swarm/internal/scheduler"
)

func shellExecutor(script string, pm *ProcessManager) *CommandExecutor {
	return NewCommandExecutor(map[string]config.ExecutorConfig{
		"code": {Command: "sh", Args: []string{"-c", script}},
	}, pm, nil)
}

func TestCommandExecutor(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		input   string
		want    string
		wantErr string
	}{
		{name: "json passthrough", script: "cat", input: `{"a":1}`, want: `{"a":1}`},
		{name: "plain text becomes string", script: "echo hello", want: `"hello"`},
		{name: "empty output", script: "true", want: ""},
		{name: "task id in env", script: `printf '%s' "$SWARM_TASK_ID"`, want: `"t1"`},
		{name: "configured env", script: `printf '%s' "$GREETING"`, want: `"hi"`},
		{name: "non-zero exit", script: "echo oops >&2; exit 3", wantErr: "oops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := NewCommandExecutor(map[string]config.ExecutorConfig{
				"code": {Command: "sh", Args: []string{"-c", tt.script}, Env: map[string]string{"GREETING": "hi"}},
			}, nil, nil)
			task := &scheduler.Task{ID: "t1", Type: "code", Input: json.RawMessage(tt.input)}

			out, err := exec.Execute(context.Background(), task)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want one containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if string(out) != tt.want {
				t.Errorf("output = %s, want %s", out, tt.want)
			}
		})
	}
}

func TestCommandExecutorUnknownType(t *testing.T) {
	exec := shellExecutor("true", nil)
	_, err := exec.Execute(context.Background(), &scheduler.Task{ID: "t", Type: "review"})
	if !errors.Is(err, ErrNoExecutor) {
		t.Errorf("error = %v, want ErrNoExecutor", err)
	}
}

func TestCommandExecutorCancellationKillsProcess(t *testing.T) {
	pm := NewProcessManager()
	exec := shellExecutor("sleep 10", pm)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := exec.Execute(ctx, &scheduler.Task{ID: "t", Type: "code"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Execute took %v after cancellation", elapsed)
	}
	if pm.Count() != 0 {
		t.Errorf("tracked processes = %d after exit, want 0", pm.Count())
	}
}

func TestProcessManagerKillAll(t *testing.T) {
	pm := NewProcessManager()
	exec := shellExecutor("sleep 10", pm)

	done := make(chan error, 1)
	go func() {
		_, err := exec.Execute(context.Background(), &scheduler.Task{ID: "t", Type: "code"})
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pm.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("process never tracked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll failed: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected an error from the killed command")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command survived KillAll")
	}
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []orchestrator.Report
	got     chan struct{}
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{got: make(chan struct{}, 64)}
}

func (r *recordingReporter) Submit(_ context.Context, rep orchestrator.Report) (orchestrator.Receipt, error) {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
	r.got <- struct{}{}
	return orchestrator.Receipt{}, nil
}

func (r *recordingReporter) wait(t *testing.T, n int) []orchestrator.Report {
	t.Helper()
	for range n {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d reports", n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]orchestrator.Report(nil), r.reports...)
}

func saveRunning(t *testing.T, repo *memory.TaskRepository, id, agentID string) {
	t.Helper()
	saveRunningProps(t, repo, scheduler.Props{ID: id, Title: id, Type: "code"}, agentID)
}

func saveRunningProps(t *testing.T, repo *memory.TaskRepository, p scheduler.Props, agentID string) {
	t.Helper()
	task, err := scheduler.New(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := task.Queue(); err != nil {
		t.Fatal(err)
	}
	if err := task.Start(agentID); err != nil {
		t.Fatal(err)
	}
	if err := repo.Save(context.Background(), task); err != nil {
		t.Fatal(err)
	}
}

func TestDispatcherReportsResults(t *testing.T) {
	repo := memory.NewTaskRepository()
	saveRunning(t, repo, "ok", "a1")
	saveRunning(t, repo, "bad", "a2")
	saveRunning(t, repo, "moved", "a3")

	exec := ExecutorFunc(func(_ context.Context, task *scheduler.Task) (json.RawMessage, error) {
		if task.ID == "bad" {
			return nil, errors.New("exit status 1")
		}
		return json.RawMessage(`"done"`), nil
	})
	reporter := newRecordingReporter()
	d := NewDispatcher(repo, exec, reporter, 2, nil)

	ch := make(chan events.Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, ch) }()

	ch <- events.TaskCreatedEvent{ID: "ok"}
	ch <- events.TaskAssignedEvent{ID: "ok", Agent: "a1"}
	ch <- events.TaskAssignedEvent{ID: "bad", Agent: "a2"}
	ch <- events.TaskAssignedEvent{ID: "moved", Agent: "someone-else"}

	reports := reporter.wait(t, 2)
	byID := make(map[string]orchestrator.Report)
	for _, r := range reports {
		byID[r.TaskID] = r
	}
	if r := byID["ok"]; r.Err != nil || string(r.Output) != `"done"` {
		t.Errorf("ok report = %+v", r)
	}
	if r := byID["ok"]; r.AgentID != "a1" || r.StartedAt.IsZero() {
		t.Errorf("ok report does not name its run: agent %q, started %v", r.AgentID, r.StartedAt)
	}
	if r := byID["bad"]; r.Err == nil {
		t.Errorf("bad report = %+v, want an error", r)
	}

	close(ch)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	if _, ok := byID["moved"]; ok || len(reporter.reports) != 2 {
		t.Errorf("superseded assignment was executed: %+v", reporter.reports)
	}
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	repo := memory.NewTaskRepository()
	ids := []string{"t1", "t2", "t3", "t4", "t5", "t6"}
	for _, id := range ids {
		saveRunning(t, repo, id, "a-"+id)
	}

	var running, peak atomic.Int32
	exec := ExecutorFunc(func(context.Context, *scheduler.Task) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	})
	reporter := newRecordingReporter()
	d := NewDispatcher(repo, exec, reporter, 2, nil)

	ch := make(chan events.Event, len(ids))
	for _, id := range ids {
		ch <- events.TaskAssignedEvent{ID: id, Agent: "a-" + id}
	}
	close(ch)

	if err := d.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := len(reporter.wait(t, len(ids))); got != len(ids) {
		t.Errorf("reports = %d, want %d", got, len(ids))
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", p)
	}
}

func TestDispatcherReportsDeadlineAsTimedOut(t *testing.T) {
	repo := memory.NewTaskRepository()
	saveRunningProps(t, repo, scheduler.Props{ID: "slow", Title: "slow", Type: "code", Timeout: 20 * time.Millisecond}, "a1")

	exec := ExecutorFunc(func(ctx context.Context, _ *scheduler.Task) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	reporter := newRecordingReporter()
	d := NewDispatcher(repo, exec, reporter, 1, nil)

	ch := make(chan events.Event, 1)
	ch <- events.TaskAssignedEvent{ID: "slow", Agent: "a1"}
	close(ch)
	if err := d.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	reports := reporter.wait(t, 1)
	err := reports[0].Err
	if !errors.Is(err, errors.ErrTimedOut) {
		t.Fatalf("report err = %v, want a timeout", err)
	}
	var timedOut *errors.TimedOutError
	if !errors.As(err, &timedOut) || timedOut.TaskID != "slow" || timedOut.Timeout != "20ms" {
		t.Errorf("timeout error = %+v", timedOut)
	}
}
