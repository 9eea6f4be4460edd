// Command swarm runs and inspects a swarm of agents working a task queue.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/persistence"
	"github.com/aristath/swarm/internal/repository"
	"github.com/aristath/swarm/internal/repository/memory"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string // Project config; empty means .swarm/config.json
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "swarm",
		Short: "Coordinate agents working a queue of dependent tasks",
		Long: `Swarm assigns queued tasks to capable agents, tracks both through their
lifecycles, retries failures within each task's budget and reports swarm
health and scaling recommendations.

Configuration is read from ~/.swarm/config.json, then .swarm/config.json,
then SWARM_* environment variables.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "project config file (default .swarm/config.json)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newSubmitCmd(opts))
	root.AddCommand(newOrderCmd(opts))
	return root
}

func loadConfig(opts *globalOptions) (*config.Config, error) {
	if opts.configPath == "" {
		return config.LoadDefault()
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	return config.Load(config.GlobalPath(homeDir), opts.configPath)
}

// openRepositories returns the repositories selected by cfg and a function
// releasing them.
func openRepositories(ctx context.Context, cfg config.StoreConfig) (repository.AgentRepository, repository.TaskRepository, func() error, error) {
	if cfg.Driver == "memory" {
		return memory.NewAgentRepository(), memory.NewTaskRepository(), func() error { return nil }, nil
	}

	var (
		store *persistence.Store
		err   error
	)
	if cfg.Path == "" {
		store, err = persistence.NewMemoryStore(ctx)
	} else {
		store, err = persistence.NewSQLiteStore(ctx, cfg.Path)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	return store.Agents(), store.Tasks(), store.Close, nil
}

// openPersistent is openRepositories for commands that only make sense
// against a store that outlives the process.
func openPersistent(ctx context.Context, cfg *config.Config) (repository.AgentRepository, repository.TaskRepository, func() error, error) {
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path == "" {
		return nil, nil, nil, fmt.Errorf("store %q keeps no state between runs; configure store.driver sqlite with a store.path", cfg.Store.Driver)
	}
	return openRepositories(ctx, cfg.Store)
}
