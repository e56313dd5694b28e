package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// envBindings maps config keys to the environment variables read by Load.
var envBindings = map[string]string{
	"state_backend":         envStateBackend,
	"state_dir":             envStateDir,
	"redis_url":             envRedisURL,
	"sqlite_path":           envSQLitePath,
	"nats_url":              envNATSURL,
	"events_subject":        envEventsSubject,
	"max_parallel":          envMaxParallel,
	"checkpoint_retention":  envCheckpointRetention,
	"auto_checkpoint_every": envAutoCheckpointEvery,
	"tolerate_skips":        envTolerateSkips,
	"workflows_dir":         envWorkflowsDir,
	"metrics_addr":          envMetricsAddr,
}

// LoadFile layers a YAML config file over the defaults. Environment variables
// still win over file values. An empty path behaves like Load.
func LoadFile(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := Load()
		return cfg, cfg.Validate()
	}

	v := viper.New()
	v.SetDefault("state_backend", defaultStateBackend)
	v.SetDefault("state_dir", defaultStateDir)
	v.SetDefault("redis_url", defaultRedisURL)
	v.SetDefault("sqlite_path", defaultSQLitePath)
	v.SetDefault("nats_url", "")
	v.SetDefault("events_subject", defaultEventsSubject)
	v.SetDefault("max_parallel", defaultMaxParallel)
	v.SetDefault("checkpoint_retention", defaultCheckpointRetention)
	v.SetDefault("auto_checkpoint_every", 0)
	v.SetDefault("tolerate_skips", false)
	v.SetDefault("workflows_dir", defaultWorkflowsDir)
	v.SetDefault("metrics_addr", "")

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
