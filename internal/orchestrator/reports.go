package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aristath/swarm/internal/coordination"
	"github.com/aristath/swarm/internal/scheduler"
)

// Report is the result of executing a task, sent by whoever ran it. A nil
// Err completes the task with Output; otherwise the task fails with Err.
//
// AgentID and StartedAt name the run that produced the report. A report whose
// run no longer holds the task is rejected with a RunSupersededError. An empty
// AgentID settles whichever run holds the task.
type Report struct {
	TaskID    string
	AgentID   string
	StartedAt time.Time
	Output    json.RawMessage
	Err       error
}

func (r Report) run() coordination.Run {
	return coordination.Run{TaskID: r.TaskID, AgentID: r.AgentID, StartedAt: r.StartedAt}
}

// Receipt is what the orchestrator did with a report.
type Receipt struct {
	Task    *scheduler.Task              // Set when the task completed
	Failure *coordination.FailureOutcome // Set when the task failed
}

// ReportHandler applies a report.
type ReportHandler func(ctx context.Context, r Report) (Receipt, error)

type pendingReport struct {
	report     Report
	responseCh chan reportResult
}

type reportResult struct {
	receipt Receipt
	err     error
}

// ReportChannel funnels execution results from concurrent executors into a
// single handler goroutine. Submit blocks until the report was applied.
type ReportChannel struct {
	reportCh chan pendingReport
	handle   ReportHandler
	done     chan struct{}
}

// NewReportChannel creates a channel with the given buffer size. bufferSize
// should typically be twice the executor concurrency.
func NewReportChannel(bufferSize int, handle ReportHandler) *ReportChannel {
	return &ReportChannel{
		reportCh: make(chan pendingReport, bufferSize),
		handle:   handle,
		done:     make(chan struct{}),
	}
}

// Start launches the handler goroutine, which runs until ctx is cancelled.
// Use either Start or Run, not both.
func (rc *ReportChannel) Start(ctx context.Context) {
	go rc.Run(ctx)
}

// Run handles reports until ctx is cancelled.
func (rc *ReportChannel) Run(ctx context.Context) {
	defer close(rc.done)

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-rc.reportCh:
			receipt, err := rc.handle(ctx, p.report)
			if ctx.Err() != nil && err != nil {
				p.responseCh <- reportResult{err: ctx.Err()}
				return
			}
			p.responseCh <- reportResult{receipt: receipt, err: err}
		}
	}
}

// Submit sends a report and waits until it was applied. It respects context
// cancellation at both the send and the receive stage.
func (rc *ReportChannel) Submit(ctx context.Context, r Report) (Receipt, error) {
	responseCh := make(chan reportResult, 1)

	select {
	case rc.reportCh <- pendingReport{report: r, responseCh: responseCh}:
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}

	select {
	case res := <-responseCh:
		return res.receipt, res.err
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}

// Stop blocks until the handler goroutine has exited.
func (rc *ReportChannel) Stop() {
	<-rc.done
}

// handleReport is the orchestrator's ReportHandler.
func (o *Orchestrator) handleReport(ctx context.Context, r Report) (Receipt, error) {
	if r.Err == nil {
		var task *scheduler.Task
		var err error
		if r.AgentID == "" {
			task, err = o.CompleteTask(ctx, r.TaskID, r.Output)
		} else {
			task, err = o.CompleteRun(ctx, r.run(), r.Output)
		}
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{Task: task}, nil
	}

	var outcome coordination.FailureOutcome
	var err error
	if r.AgentID == "" {
		outcome, err = o.FailTask(ctx, r.TaskID, r.Err)
	} else {
		outcome, err = o.FailRun(ctx, r.run(), r.Err)
	}
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Failure: &outcome}, nil
}
