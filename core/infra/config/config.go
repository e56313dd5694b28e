package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"

	defaultStateBackend        = BackendFile
	defaultStateDir            = ".stepflow"
	defaultRedisURL            = "redis://localhost:6379"
	defaultSQLitePath          = ".stepflow/state.db"
	defaultEventsSubject       = "stepflow.events"
	defaultMaxParallel         = 1
	defaultCheckpointRetention = 20
	defaultWorkflowsDir        = "workflows"

	envStateBackend        = "STEPFLOW_STATE_BACKEND"
	envStateDir            = "STEPFLOW_STATE_DIR"
	envRedisURL            = "REDIS_URL"
	envSQLitePath          = "STEPFLOW_SQLITE_PATH"
	envNATSURL             = "NATS_URL"
	envEventsSubject       = "STEPFLOW_EVENTS_SUBJECT"
	envMaxParallel         = "STEPFLOW_MAX_PARALLEL"
	envCheckpointRetention = "STEPFLOW_CHECKPOINT_RETENTION"
	envAutoCheckpointEvery = "STEPFLOW_AUTO_CHECKPOINT_EVERY"
	envTolerateSkips       = "STEPFLOW_TOLERATE_SKIPS"
	envWorkflowsDir        = "STEPFLOW_WORKFLOWS_DIR"
	envMetricsAddr         = "STEPFLOW_METRICS_ADDR"
)

// ToolConfig describes an external tool process exposed as a unit.
type ToolConfig struct {
	Name    string            `mapstructure:"name"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

// Config holds runtime configuration for the stepflow CLI and libraries.
type Config struct {
	StateBackend        string       `mapstructure:"state_backend"`
	StateDir            string       `mapstructure:"state_dir"`
	RedisURL            string       `mapstructure:"redis_url"`
	SQLitePath          string       `mapstructure:"sqlite_path"`
	NatsURL             string       `mapstructure:"nats_url"`
	EventsSubject       string       `mapstructure:"events_subject"`
	MaxParallel         int          `mapstructure:"max_parallel"`
	CheckpointRetention int          `mapstructure:"checkpoint_retention"`
	AutoCheckpointEvery int          `mapstructure:"auto_checkpoint_every"`
	TolerateSkips       bool         `mapstructure:"tolerate_skips"`
	WorkflowsDir        string       `mapstructure:"workflows_dir"`
	MetricsAddr         string       `mapstructure:"metrics_addr"`
	Tools               []ToolConfig `mapstructure:"tools"`
}

// Load returns configuration using environment variables with sane defaults.
// NATS and the metrics listener stay disabled unless their variables are set.
func Load() *Config {
	return &Config{
		StateBackend:        envOr(envStateBackend, defaultStateBackend),
		StateDir:            envOr(envStateDir, defaultStateDir),
		RedisURL:            envOr(envRedisURL, defaultRedisURL),
		SQLitePath:          envOr(envSQLitePath, defaultSQLitePath),
		NatsURL:             strings.TrimSpace(os.Getenv(envNATSURL)),
		EventsSubject:       envOr(envEventsSubject, defaultEventsSubject),
		MaxParallel:         envInt(envMaxParallel, defaultMaxParallel),
		CheckpointRetention: envInt(envCheckpointRetention, defaultCheckpointRetention),
		AutoCheckpointEvery: envInt(envAutoCheckpointEvery, 0),
		TolerateSkips:       envBool(envTolerateSkips),
		WorkflowsDir:        envOr(envWorkflowsDir, defaultWorkflowsDir),
		MetricsAddr:         strings.TrimSpace(os.Getenv(envMetricsAddr)),
	}
}

// Validate rejects unknown backends and negative limits.
func (c *Config) Validate() error {
	switch c.StateBackend {
	case BackendFile, BackendRedis, BackendSQLite:
	default:
		return fmt.Errorf("unknown state backend %q", c.StateBackend)
	}
	if c.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be >= 1, got %d", c.MaxParallel)
	}
	if c.CheckpointRetention < 0 {
		return fmt.Errorf("checkpoint_retention must be >= 0, got %d", c.CheckpointRetention)
	}
	if c.AutoCheckpointEvery < 0 {
		return fmt.Errorf("auto_checkpoint_every must be >= 0, got %d", c.AutoCheckpointEvery)
	}
	seen := make(map[string]struct{}, len(c.Tools))
	for _, tool := range c.Tools {
		if tool.Name == "" || tool.Command == "" {
			return fmt.Errorf("tool entries need name and command")
		}
		if _, dup := seen[tool.Name]; dup {
			return fmt.Errorf("duplicate tool %q", tool.Name)
		}
		seen[tool.Name] = struct{}{}
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
