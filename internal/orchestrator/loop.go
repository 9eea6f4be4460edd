package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/swarm/internal/errors"
	"github.com/aristath/swarm/internal/events"
)

const (
	defaultTickInterval     = time.Second
	defaultWatchdogInterval = 5 * time.Second
)

// Run drives the swarm until ctx is cancelled: the scheduling loop, the
// timeout watchdog and the report handler run side by side. Scheduling is
// triggered by a ticker, by Trigger, and by task queued and agent released
// events. Run returns nil on cancellation.
func (o *Orchestrator) Run(ctx context.Context) error {
	taskEvents := o.bus.Subscribe(events.TopicTask, 0)
	agentEvents := o.bus.Subscribe(events.TopicAgent, 0)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.forwardEvents(gctx, taskEvents, agentEvents) })
	g.Go(func() error { return o.scheduleLoop(gctx) })
	g.Go(func() error { return o.watchdogLoop(gctx) })
	g.Go(func() error {
		o.reports.Run(gctx)
		return nil
	})

	o.logger.Info("orchestrator running", "queue_policy", o.policy, "tick", o.tickInterval())
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	o.logger.Info("orchestrator stopped")
	return err
}

// forwardEvents turns lifecycle events that free capacity or add work into
// scheduling triggers.
func (o *Orchestrator) forwardEvents(ctx context.Context, taskEvents, agentEvents <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-taskEvents:
			if !ok {
				return nil
			}
			if ev.EventType() == events.EventTypeTaskQueued {
				o.Trigger()
			}
		case ev, ok := <-agentEvents:
			if !ok {
				return nil
			}
			if ev.EventType() == events.EventTypeAgentReleased {
				o.Trigger()
			}
		}
	}
}

func (o *Orchestrator) scheduleLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-o.trigger:
		}
		o.tick(ctx)
	}
}

// tick runs one scheduling pass under the retry policy. Failures are logged
// and left to the next tick.
func (o *Orchestrator) tick(ctx context.Context) {
	var assigned int
	err := withRetry(ctx, o.breakers.Get("schedule"), o.retry, func(ctx context.Context) error {
		n, err := o.ProcessPendingTasks(ctx)
		assigned += n
		return err
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
	case errors.IsUsageError(err):
		o.logger.Error("scheduling pass rejected", "error", err)
	default:
		o.logger.Warn("scheduling pass failed", "error", err)
	}
	if assigned > 0 {
		o.logger.Debug("tick", "assigned", assigned)
	}
}

func (o *Orchestrator) watchdogLoop(ctx context.Context) error {
	interval := o.cfg.WatchdogInterval
	if interval <= 0 {
		interval = defaultWatchdogInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		o.watch(ctx)
	}
}

// watch fails overdue tasks and publishes health and scaling signals.
func (o *Orchestrator) watch(ctx context.Context) {
	err := withRetry(ctx, o.breakers.Get("watchdog"), o.retry, func(ctx context.Context) error {
		_, err := o.CheckTimeouts(ctx)
		return err
	})
	if err != nil && ctx.Err() == nil {
		o.logger.Warn("timeout check failed", "error", err)
	}

	if _, err := o.GetHealth(ctx); err != nil && ctx.Err() == nil {
		o.logger.Warn("health check failed", "error", err)
	}
	if _, err := o.GetScalingRecommendation(ctx); err != nil && ctx.Err() == nil {
		o.logger.Warn("scaling check failed", "error", err)
	}
}

func (o *Orchestrator) tickInterval() time.Duration {
	if o.cfg.TickInterval <= 0 {
		return defaultTickInterval
	}
	return o.cfg.TickInterval
}
