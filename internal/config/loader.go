// Package config loads swarm configuration with viper.
//
// Order of precedence (highest to lowest): SWARM_* environment variables,
// project config, global config, defaults. Maps such as capabilities and
// workflows merge key by key; viper lower-cases map keys.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. SWARM_SCHEDULER_STRATEGY.
const EnvPrefix = "SWARM"

var (
	strategies    = []string{"capability-match", "least-loaded", "round-robin", "random"}
	queuePolicies = []string{"dependencies", "immediate", "manual"}
	storeDrivers  = []string{"memory", "sqlite"}
)

// Load reads and merges configuration from global and project paths.
// Missing files are not errors; malformed files are.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := mergeConfigFile(v, globalPath); err != nil {
		return nil, fmt.Errorf("loading global config: %w", err)
	}
	if err := mergeConfigFile(v, projectPath); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.swarm/config.json
// Project: .swarm/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	return Load(GlobalPath(homeDir), ProjectPath("."))
}

// GlobalPath returns the global config location under homeDir.
func GlobalPath(homeDir string) string {
	return filepath.Join(homeDir, ".swarm", "config.json")
}

// ProjectPath returns the project config location under dir.
func ProjectPath(dir string) string {
	return filepath.Join(dir, ".swarm", "config.json")
}

// mergeConfigFile merges path into v. Missing files are silently skipped.
func mergeConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("json")
	}
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate checks enumerated values and numeric bounds.
func (c *Config) Validate() error {
	if !slices.Contains(storeDrivers, c.Store.Driver) {
		return fmt.Errorf("invalid store.driver %q (want one of %s)", c.Store.Driver, strings.Join(storeDrivers, ", "))
	}
	if !slices.Contains(strategies, c.Scheduler.Strategy) {
		return fmt.Errorf("invalid scheduler.strategy %q (want one of %s)", c.Scheduler.Strategy, strings.Join(strategies, ", "))
	}
	if !slices.Contains(queuePolicies, c.Scheduler.QueuePolicy) {
		return fmt.Errorf("invalid scheduler.queue_policy %q (want one of %s)", c.Scheduler.QueuePolicy, strings.Join(queuePolicies, ", "))
	}
	if c.Scheduler.TickInterval <= 0 || c.Scheduler.WatchdogInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	if c.Scheduler.DefaultMaxRetries < 0 {
		return fmt.Errorf("scheduler.default_max_retries must not be negative")
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be at least 1")
	}
	if c.Scaling.MinAgents < 0 || c.Scaling.MaxAgents < c.Scaling.MinAgents {
		return fmt.Errorf("invalid scaling bounds: min_agents=%d max_agents=%d", c.Scaling.MinAgents, c.Scaling.MaxAgents)
	}
	if c.Scaling.AverageAgentThroughput <= 0 {
		return fmt.Errorf("scaling.average_agent_throughput must be positive")
	}
	if c.Health.DegradedFailedRatio > c.Health.CriticalFailedRatio {
		return fmt.Errorf("health.degraded_failed_ratio must not exceed critical_failed_ratio")
	}
	for name, wf := range c.Workflows {
		for i, step := range wf.Steps {
			if step.Type == "" {
				return fmt.Errorf("workflow %q step %d has no type", name, i)
			}
		}
	}
	for taskType, ex := range c.Executors {
		if ex.Command == "" {
			return fmt.Errorf("executor for %q has no command", taskType)
		}
	}
	return nil
}
