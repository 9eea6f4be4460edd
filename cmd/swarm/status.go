package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/coordination"
	"github.com/aristath/swarm/internal/orchestrator"
)

var (
	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)

	styleTitle = lipgloss.NewStyle().
			Bold(true)

	styleLabel = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	styleHealthy = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Bold(true)

	styleDegraded = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow")).
			Bold(true)

	styleCritical = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Bold(true)
)

func healthStyle(s coordination.HealthStatus) lipgloss.Style {
	switch s {
	case coordination.HealthCritical:
		return styleCritical
	case coordination.HealthDegraded:
		return styleDegraded
	default:
		return styleHealthy
	}
}

func newStatusCmd(global *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show swarm health and the scaling recommendation",
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

			orch := orchestrator.New(agents, tasks, cfg)
			health, err := orch.GetHealth(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := orch.GetScalingRecommendation(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Health  coordination.Health                `json:"health"`
					Scaling coordination.ScalingRecommendation `json:"scaling"`
				}{health, rec})
			}
			return renderStatus(cmd.OutOrStdout(), health, rec)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func renderStatus(w io.Writer, h coordination.Health, rec coordination.ScalingRecommendation) error {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n", styleTitle.Render("Swarm"), healthStyle(h.Status).Render(string(h.Status)))
	for _, r := range h.Reasons {
		fmt.Fprintf(&b, "  %s %s\n", styleLabel.Render("-"), r)
	}

	fmt.Fprintf(&b, "\n%s\n", styleTitle.Render("Agents"))
	fmt.Fprintf(&b, "  %s %d\n", styleLabel.Render("live"), h.LiveAgents)
	for _, k := range sortedKeys(h.Agents) {
		fmt.Fprintf(&b, "  %s %d\n", styleLabel.Render(string(k)), h.Agents[k])
	}
	fmt.Fprintf(&b, "  %s %.0f%%\n", styleLabel.Render("utilization"), h.Utilization*100)

	fmt.Fprintf(&b, "\n%s\n", styleTitle.Render("Tasks"))
	fmt.Fprintf(&b, "  %s %d\n", styleLabel.Render("total"), h.TotalTasks)
	for _, k := range sortedKeys(h.Tasks) {
		fmt.Fprintf(&b, "  %s %d\n", styleLabel.Render(string(k)), h.Tasks[k])
	}
	fmt.Fprintf(&b, "  %s %.0f%%\n", styleLabel.Render("failed"), h.FailedRatio*100)

	fmt.Fprintf(&b, "\n%s %s", styleTitle.Render("Scaling"), rec.Action)
	if rec.Delta != 0 {
		fmt.Fprintf(&b, " (%+d)", rec.Delta)
	}
	fmt.Fprintf(&b, "\n  %s\n", rec.Reason)
	if len(rec.TerminateCandidates) > 0 {
		fmt.Fprintf(&b, "  %s %s\n", styleLabel.Render("terminate"), strings.Join(rec.TerminateCandidates, ", "))
	}

	_, err := fmt.Fprintln(w, styleBox.Render(strings.TrimRight(b.String(), "\n")))
	return err
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := slices.Collect(maps.Keys(m))
	slices.Sort(keys)
	return keys
}
