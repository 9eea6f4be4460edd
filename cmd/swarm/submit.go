package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/orchestrator"
	"github.com/aristath/swarm/internal/scheduler"
)

type submitOptions struct {
	id          string
	title       string
	description string
	taskType    string
	priority    string
	deps        []string
	input       string
	maxRetries  int
	timeout     time.Duration
}

func newSubmitCmd(global *globalOptions) *cobra.Command {
	opts := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Add a task to the persistent store",
		Long: `Add a task to the store a running 'swarm serve' schedules from.
The new task id is printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			agents, tasks, closeStore, err := openPersistent(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			var input json.RawMessage
			if opts.input != "" {
				input = json.RawMessage(opts.input)
			}
			orch := orchestrator.New(agents, tasks, cfg)
			task, err := orch.CreateTask(cmd.Context(), scheduler.Props{
				ID:           opts.id,
				Title:        opts.title,
				Description:  opts.description,
				Type:         opts.taskType,
				Priority:     scheduler.Priority(opts.priority),
				Dependencies: opts.deps,
				MaxRetries:   opts.maxRetries,
				Timeout:      opts.timeout,
				Input:        input,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", task.ID, task.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.id, "id", "", "task id (default a random uuid)")
	cmd.Flags().StringVar(&opts.title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.description, "description", "", "task description")
	cmd.Flags().StringVar(&opts.taskType, "type", "", "task type")
	cmd.Flags().StringVar(&opts.priority, "priority", string(scheduler.PriorityMedium), "high, medium or low")
	cmd.Flags().StringSliceVar(&opts.deps, "depends-on", nil, "ids of tasks that must complete first")
	cmd.Flags().StringVar(&opts.input, "input", "", "JSON input passed to the executor")
	cmd.Flags().IntVar(&opts.maxRetries, "max-retries", orchestrator.DefaultRetries, "retry budget (default scheduler.default_max_retries)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "execution timeout, 0 for none")
	cmd.MarkFlagRequired("title")
	cmd.MarkFlagRequired("type")
	return cmd
}

func newOrderCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "order",
		Short: "Print open tasks in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			agents, tasks, closeStore, err := openPersistent(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			ordered, err := orchestrator.New(agents, tasks, cfg).ExecutionOrder(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, t := range ordered {
				fmt.Fprintf(out, "%3d. %s %s %s %s", i+1, t.ID, styleLabel.Render(string(t.Status)), t.Type, t.Priority)
				if len(t.Dependencies) > 0 {
					fmt.Fprintf(out, " after %v", t.Dependencies)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}
