package config

import "time"

// StoreConfig selects the repository backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver" json:"driver"`         // "memory" or "sqlite"
	Path   string `mapstructure:"path" json:"path,omitempty"` // SQLite file; empty means in-memory SQLite
}

// SchedulerConfig tunes assignment and the scheduling loop.
type SchedulerConfig struct {
	Strategy          string        `mapstructure:"strategy" json:"strategy"`         // capability-match, least-loaded, round-robin, random
	QueuePolicy       string        `mapstructure:"queue_policy" json:"queue_policy"` // dependencies, immediate, manual
	TickInterval      time.Duration `mapstructure:"tick_interval" json:"tick_interval"`
	WatchdogInterval  time.Duration `mapstructure:"watchdog_interval" json:"watchdog_interval"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries" json:"default_max_retries"`
	Concurrency       int           `mapstructure:"concurrency" json:"concurrency"` // Max tasks executed at once by the dispatcher
}

// HealthConfig holds the swarm health thresholds.
type HealthConfig struct {
	MaxUtilization      float64 `mapstructure:"max_utilization" json:"max_utilization"`
	DegradedFailedRatio float64 `mapstructure:"degraded_failed_ratio" json:"degraded_failed_ratio"`
	CriticalFailedRatio float64 `mapstructure:"critical_failed_ratio" json:"critical_failed_ratio"`
}

// ScalingConfig holds the scaling recommendation parameters.
type ScalingConfig struct {
	MinAgents              int           `mapstructure:"min_agents" json:"min_agents"`
	MaxAgents              int           `mapstructure:"max_agents" json:"max_agents"`
	OverloadFactor         float64       `mapstructure:"overload_factor" json:"overload_factor"`
	AverageAgentThroughput float64       `mapstructure:"average_agent_throughput" json:"average_agent_throughput"`
	IdleFactor             float64       `mapstructure:"idle_factor" json:"idle_factor"`
	IdleGracePeriod        time.Duration `mapstructure:"idle_grace_period" json:"idle_grace_period"`
}

// WorkflowStepConfig defines one step in a workflow pipeline.
type WorkflowStepConfig struct {
	Type string `mapstructure:"type" json:"type"` // Task type created for this step
}

// WorkflowConfig defines a pipeline of task types (e.g., code -> review -> test).
type WorkflowConfig struct {
	Steps []WorkflowStepConfig `mapstructure:"steps" json:"steps"`
}

// ExecutorConfig defines the command that executes tasks of one type.
type ExecutorConfig struct {
	Command string            `mapstructure:"command" json:"command"`
	Args    []string          `mapstructure:"args" json:"args,omitempty"`
	WorkDir string            `mapstructure:"work_dir" json:"work_dir,omitempty"`
	Env     map[string]string `mapstructure:"env" json:"env,omitempty"`
}

// RetryConfig is the retry policy the scheduling loop applies to each tick.
type RetryConfig struct {
	InitialInterval    time.Duration `mapstructure:"initial_interval" json:"initial_interval"`
	MaxInterval        time.Duration `mapstructure:"max_interval" json:"max_interval"`
	MaxElapsedTime     time.Duration `mapstructure:"max_elapsed_time" json:"max_elapsed_time"`
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures" json:"breaker_max_failures"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout" json:"breaker_timeout"`
}

// NATSConfig configures the embedded NATS server that mirrors lifecycle events.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled" json:"enabled"`
	Port          int    `mapstructure:"port" json:"port"` // -1 picks a random port
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // text or json
}

// Config is the top-level configuration.
type Config struct {
	Store        StoreConfig               `mapstructure:"store" json:"store"`
	Scheduler    SchedulerConfig           `mapstructure:"scheduler" json:"scheduler"`
	Health       HealthConfig              `mapstructure:"health" json:"health"`
	Scaling      ScalingConfig             `mapstructure:"scaling" json:"scaling"`
	Capabilities map[string][]string       `mapstructure:"capabilities" json:"capabilities"`
	Workflows    map[string]WorkflowConfig `mapstructure:"workflows" json:"workflows"`
	Executors    map[string]ExecutorConfig `mapstructure:"executors" json:"executors,omitempty"`
	Retry        RetryConfig               `mapstructure:"retry" json:"retry"`
	NATS         NATSConfig                `mapstructure:"nats" json:"nats"`
	Log          LogConfig                 `mapstructure:"log" json:"log"`
}
