package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/logging"
	"github.com/aristath/swarm/internal/natsbus"
	"github.com/aristath/swarm/internal/orchestrator"
	"github.com/aristath/swarm/internal/repository"
	"github.com/aristath/swarm/internal/worker"
)

type serveOptions struct {
	agents []string
}

func newServeCmd(global *globalOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and execute assigned tasks",
		Long: `Run the scheduling loop, the timeout watchdog and the task dispatcher
until interrupted. Each --agent spawns one agent, written as
role:capability,capability. Without --agent, scaling.min_agents workers
with every configured capability are spawned.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), global, opts)
		},
	}
	cmd.Flags().StringArrayVar(&opts.agents, "agent", nil, "agent to spawn as role:cap1,cap2 (repeatable)")
	return cmd
}

// agentSpec is a parsed --agent flag.
type agentSpec struct {
	role         string
	capabilities []string
}

func parseAgentSpec(s string) (agentSpec, error) {
	role, caps, _ := strings.Cut(s, ":")
	role = strings.TrimSpace(role)
	if role == "" {
		return agentSpec{}, fmt.Errorf("invalid agent %q: missing role", s)
	}
	spec := agentSpec{role: role}
	for _, c := range strings.Split(caps, ",") {
		if c = strings.TrimSpace(c); c != "" {
			spec.capabilities = append(spec.capabilities, c)
		}
	}
	return spec, nil
}

// defaultAgents returns n workers holding every capability in the map.
func defaultAgents(cfg *config.Config, n int) []agentSpec {
	var caps []string
	for _, tags := range cfg.Capabilities {
		caps = append(caps, tags...)
	}
	slices.Sort(caps)
	caps = slices.Compact(caps)

	specs := make([]agentSpec, n)
	for i := range specs {
		specs[i] = agentSpec{role: "worker", capabilities: caps}
	}
	return specs
}

func runServe(ctx context.Context, global *globalOptions, opts *serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(global)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log, os.Stderr)

	var specs []agentSpec
	for _, s := range opts.agents {
		spec, err := parseAgentSpec(s)
		if err != nil {
			return err
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		specs = defaultAgents(cfg, cfg.Scaling.MinAgents)
	}

	agents, tasks, closeStore, err := openRepositories(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("close store", "error", err)
		}
	}()

	bus := events.NewEventBus()
	defer bus.Close()

	orch := orchestrator.New(agents, tasks, cfg,
		orchestrator.WithLogger(logger.With("component", "orchestrator")),
		orchestrator.WithEventBus(bus),
	)
	if err := retireAgents(ctx, orch, logger); err != nil {
		return err
	}
	for _, spec := range specs {
		a, err := orch.SpawnAgent(ctx, spec.role, spec.capabilities)
		if err != nil {
			return fmt.Errorf("spawn agent %s: %w", spec.role, err)
		}
		logger.Info("agent ready", "agent_id", a.ID, "role", a.Role, "capabilities", a.Capabilities)
	}

	pm := worker.NewProcessManager()
	dispatcher := worker.NewDispatcher(
		tasks,
		worker.NewCommandExecutor(cfg.Executors, pm, logger.With("component", "executor")),
		orch.Reports(),
		cfg.Scheduler.Concurrency,
		logger.With("component", "dispatcher"),
	)
	assigned := bus.Subscribe(events.TopicTask, 0)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx, assigned) })
	g.Go(func() error {
		<-gctx.Done()
		if err := pm.KillAll(); err != nil {
			logger.Warn("kill task processes", "error", err)
		}
		return nil
	})

	if cfg.NATS.Enabled {
		closeNATS, err := startBridge(gctx, g, cfg.NATS, bus, logger)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		defer closeNATS()
	}

	logger.Info("swarm serving", "agents", len(specs), "store", cfg.Store.Driver)
	return g.Wait()
}

// retireAgents terminates agents left over from a previous run. Their
// running tasks go back to the queue.
func retireAgents(ctx context.Context, orch *orchestrator.Orchestrator, logger *slog.Logger) error {
	stale, err := orch.ListAgents(ctx, repository.AgentFilter{
		Statuses: []agent.Status{agent.StatusIdle, agent.StatusActive, agent.StatusBusy},
	})
	if err != nil {
		return err
	}
	for _, a := range stale {
		orphaned, err := orch.TerminateAgent(ctx, a.ID, true)
		if err != nil {
			return fmt.Errorf("retire agent %s: %w", a.ID, err)
		}
		logger.Info("retired agent from previous run", "agent_id", a.ID, "requeued_task_id", orphaned)
	}
	return nil
}

// startBridge starts the embedded NATS server and mirrors bus events to it.
func startBridge(ctx context.Context, g *errgroup.Group, cfg config.NATSConfig, bus *events.EventBus, logger *slog.Logger) (func(), error) {
	srv, err := natsbus.NewServer(cfg)
	if err != nil {
		return nil, err
	}
	client, err := natsbus.NewClient(srv)
	if err != nil {
		srv.Close()
		return nil, err
	}

	bridge := natsbus.NewBridge(client, cfg.SubjectPrefix, logger.With("component", "natsbus"))
	all := bus.SubscribeAll(0)
	g.Go(func() error { return bridge.Run(ctx, all) })
	logger.Info("nats bridge started", "url", srv.ClientURL(), "prefix", cfg.SubjectPrefix)

	return func() {
		client.Close()
		srv.Close()
	}, nil
}
