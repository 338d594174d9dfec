// Package config loads the engine's YAML configuration file into typed
// structs covering every "Configuration recognized options" group from the
// spec (Dispatcher, Agent pools, Skill mapping, Workspace Pool, Task
// Registry, Runner), applying defaults the way cmd/necrocoded wires cobra
// flags into initialization.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/necrocode/engine/pkg/types"
)

// Dispatcher holds Dispatcher-level tunables.
type Dispatcher struct {
	PollInterval             time.Duration `yaml:"poll_interval"`
	SchedulingPolicy         string        `yaml:"scheduling_policy"`
	MaxGlobalConcurrency     int           `yaml:"max_global_concurrency"`
	RetryMaxAttempts         int           `yaml:"retry_max_attempts"`
	RetryBackoffBase         float64       `yaml:"retry_backoff_base"`
	RetryInitialDelay        time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay            time.Duration `yaml:"retry_max_delay"`
	HeartbeatTimeout         time.Duration `yaml:"heartbeat_timeout"`
	GracefulShutdownTimeout  time.Duration `yaml:"graceful_shutdown_timeout"`
	DeadlockDetectionInterval time.Duration `yaml:"deadlock_detection_interval"`
}

// AgentPoolConfig describes one dispatcher-side execution environment.
type AgentPoolConfig struct {
	Name             string              `yaml:"name"`
	Type             types.AgentPoolType `yaml:"type"`
	MaxConcurrency   int                 `yaml:"max_concurrency"`
	CPUQuota         float64             `yaml:"cpu_quota"`
	MemoryQuotaMB    int64               `yaml:"memory_quota_mb"`
	Enabled          bool                `yaml:"enabled"`
	TypeSpecific     map[string]string   `yaml:"type_specific_config,omitempty"`
}

// WorkspacePool holds Workspace Pool tunables.
type WorkspacePool struct {
	BasePath               string        `yaml:"base_path"`
	NumSlotsPerPool        int           `yaml:"num_slots_per_pool"`
	CleanupTimeout         time.Duration `yaml:"cleanup_timeout"`
	AllocationLockTimeout  time.Duration `yaml:"allocation_lock_timeout"`
	BackgroundCleanupWorkers int         `yaml:"background_cleanup_workers"`
}

// Registry holds Task Registry tunables.
type Registry struct {
	BasePath          string        `yaml:"base_path"`
	LockTimeout       time.Duration `yaml:"lock_timeout"`
	LockRetryInterval time.Duration `yaml:"lock_retry_interval"`
}

// Runner holds Agent Runner tunables.
type Runner struct {
	DefaultTaskTimeout time.Duration `yaml:"default_task_timeout"`
	MaxMemoryMB        int64         `yaml:"max_memory_mb,omitempty"`
	MaxCPUPercent      float64       `yaml:"max_cpu_percent,omitempty"`
	MaskSecrets        bool          `yaml:"mask_secrets"`
	PersistState       bool          `yaml:"persist_state"`
}

// Config is the top-level engine configuration.
type Config struct {
	Dispatcher    Dispatcher                 `yaml:"dispatcher"`
	AgentPools    []AgentPoolConfig          `yaml:"agent_pools"`
	SkillMapping  map[string][]string        `yaml:"skill_mapping"`
	WorkspacePool WorkspacePool              `yaml:"workspace_pool"`
	Registry      Registry                   `yaml:"registry"`
	Runner        Runner                     `yaml:"runner"`
}

// Default returns the engine's default configuration, matching the defaults
// named throughout the spec (poll_interval 5s, retry base 2 / initial 1s /
// max 300s / attempts 3, graceful_shutdown_timeout 300s, default task
// timeout 30m).
func Default() Config {
	return Config{
		Dispatcher: Dispatcher{
			PollInterval:              5 * time.Second,
			SchedulingPolicy:          "SKILL_BASED",
			MaxGlobalConcurrency:      10,
			RetryMaxAttempts:          3,
			RetryBackoffBase:          2,
			RetryInitialDelay:         time.Second,
			RetryMaxDelay:             300 * time.Second,
			HeartbeatTimeout:          30 * time.Second,
			GracefulShutdownTimeout:   300 * time.Second,
			DeadlockDetectionInterval: 60 * time.Second,
		},
		SkillMapping: map[string][]string{
			"default": {"local"},
		},
		WorkspacePool: WorkspacePool{
			BasePath:                 "./data/pools",
			NumSlotsPerPool:          4,
			CleanupTimeout:           30 * time.Second,
			AllocationLockTimeout:    10 * time.Second,
			BackgroundCleanupWorkers: 2,
		},
		Registry: Registry{
			BasePath:          "./data/registry",
			LockTimeout:       5 * time.Second,
			LockRetryInterval: 50 * time.Millisecond,
		},
		Runner: Runner{
			DefaultTaskTimeout: 30 * time.Minute,
			MaskSecrets:        true,
			PersistState:       false,
		},
	}
}

// Load reads and parses a YAML config file, overlaying it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if _, ok := cfg.SkillMapping["default"]; !ok {
		return cfg, fmt.Errorf("config: skill_mapping requires a \"default\" fallback pool")
	}
	return cfg, nil
}
