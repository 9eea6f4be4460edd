package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultConfig returns the default configuration with built-in capability
// mappings and the standard code -> review -> test workflow.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "memory",
		},
		Scheduler: SchedulerConfig{
			Strategy:          "capability-match",
			QueuePolicy:       "dependencies",
			TickInterval:      time.Second,
			WatchdogInterval:  5 * time.Second,
			DefaultMaxRetries: 3,
			Concurrency:       4,
		},
		Health: HealthConfig{
			MaxUtilization:      0.9,
			DegradedFailedRatio: 0.1,
			CriticalFailedRatio: 0.25,
		},
		Scaling: ScalingConfig{
			MinAgents:              1,
			MaxAgents:              10,
			OverloadFactor:         1.0,
			AverageAgentThroughput: 1.0,
			IdleFactor:             0.5,
			IdleGracePeriod:        5 * time.Minute,
		},
		Capabilities: map[string][]string{
			"code":   {"code"},
			"test":   {"test"},
			"review": {"review"},
			"design": {"design"},
		},
		Workflows: map[string]WorkflowConfig{
			"standard": {
				Steps: []WorkflowStepConfig{
					{Type: "code"},
					{Type: "review"},
					{Type: "test"},
				},
			},
		},
		Executors: map[string]ExecutorConfig{},
		Retry: RetryConfig{
			InitialInterval:    100 * time.Millisecond,
			MaxInterval:        2 * time.Second,
			MaxElapsedTime:     10 * time.Second,
			BreakerMaxFailures: 5,
			BreakerTimeout:     30 * time.Second,
		},
		NATS: NATSConfig{
			Port:          -1,
			SubjectPrefix: "swarm.events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// setDefaults registers every default under its flattened key so that
// partial files and environment variables merge key by key.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("scheduler.strategy", d.Scheduler.Strategy)
	v.SetDefault("scheduler.queue_policy", d.Scheduler.QueuePolicy)
	v.SetDefault("scheduler.tick_interval", d.Scheduler.TickInterval)
	v.SetDefault("scheduler.watchdog_interval", d.Scheduler.WatchdogInterval)
	v.SetDefault("scheduler.default_max_retries", d.Scheduler.DefaultMaxRetries)
	v.SetDefault("scheduler.concurrency", d.Scheduler.Concurrency)

	v.SetDefault("health.max_utilization", d.Health.MaxUtilization)
	v.SetDefault("health.degraded_failed_ratio", d.Health.DegradedFailedRatio)
	v.SetDefault("health.critical_failed_ratio", d.Health.CriticalFailedRatio)

	v.SetDefault("scaling.min_agents", d.Scaling.MinAgents)
	v.SetDefault("scaling.max_agents", d.Scaling.MaxAgents)
	v.SetDefault("scaling.overload_factor", d.Scaling.OverloadFactor)
	v.SetDefault("scaling.average_agent_throughput", d.Scaling.AverageAgentThroughput)
	v.SetDefault("scaling.idle_factor", d.Scaling.IdleFactor)
	v.SetDefault("scaling.idle_grace_period", d.Scaling.IdleGracePeriod)

	for taskType, caps := range d.Capabilities {
		v.SetDefault("capabilities."+taskType, caps)
	}
	for name, wf := range d.Workflows {
		steps := make([]map[string]any, len(wf.Steps))
		for i, s := range wf.Steps {
			steps[i] = map[string]any{"type": s.Type}
		}
		v.SetDefault("workflows."+name+".steps", steps)
	}

	v.SetDefault("retry.initial_interval", d.Retry.InitialInterval)
	v.SetDefault("retry.max_interval", d.Retry.MaxInterval)
	v.SetDefault("retry.max_elapsed_time", d.Retry.MaxElapsedTime)
	v.SetDefault("retry.breaker_max_failures", d.Retry.BreakerMaxFailures)
	v.SetDefault("retry.breaker_timeout", d.Retry.BreakerTimeout)

	v.SetDefault("nats.enabled", d.NATS.Enabled)
	v.SetDefault("nats.port", d.NATS.Port)
	v.SetDefault("nats.subject_prefix", d.NATS.SubjectPrefix)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}
