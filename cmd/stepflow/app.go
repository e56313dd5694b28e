package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/cordum/stepflow/core/infra/bus"
	"github.com/cordum/stepflow/core/infra/config"
	"github.com/cordum/stepflow/core/infra/locks"
	"github.com/cordum/stepflow/core/infra/logging"
	"github.com/cordum/stepflow/core/infra/metrics"
	"github.com/cordum/stepflow/core/state"
	"github.com/cordum/stepflow/core/toolrpc"
	"github.com/cordum/stepflow/core/units"
	"github.com/cordum/stepflow/core/workflow"
)

// app is the wired set of components one CLI invocation works with.
type app struct {
	cfg         *config.Config
	workspace   string
	store       state.Store
	checkpoints *state.CheckpointManager
	artifacts   *state.ArtifactManager
	decisions   *state.DecisionLog
	projects    *state.ProjectConfigManager
	locks       locks.Store
	owner       string

	closers []func()
}

const leaseTTL = 30 * time.Second

func openApp(ctx context.Context, flags *rootFlags) (*app, error) {
	cfg, err := config.LoadFile(flags.configPath)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s state store: %w", cfg.StateBackend, err)
	}
	stateMetrics := metrics.StateMetrics(metrics.Noop{})
	if cfg.MetricsAddr != "" {
		stateMetrics = metrics.NewStateProm("stepflow")
	}
	a := &app{
		cfg:       cfg,
		workspace: flags.workspace,
		store:     store,
		checkpoints: state.NewCheckpointManager(store,
			state.WithRetention(cfg.CheckpointRetention),
			state.WithCheckpointMetrics(stateMetrics)),
		artifacts: state.NewArtifactManager(store, afero.NewOsFs(), flags.workspace, stateMetrics),
		decisions: state.NewDecisionLog(store),
		projects:  state.NewProjectConfigManager(store),
		locks:     lockStore(cfg, store),
		owner:     lockOwner(),
	}
	a.closers = append(a.closers, func() { warnClose("state store", store.Close()) })
	return a, nil
}

// lockStore shares the Redis connection on the redis backend and otherwise
// keeps lease files next to the state.
func lockStore(cfg *config.Config, store state.Store) locks.Store {
	if rs, ok := store.(*state.RedisStore); ok {
		return locks.NewRedisStore(rs.Client())
	}
	dir := filepath.Join(cfg.StateDir, "locks")
	if cfg.StateBackend == config.BackendSQLite {
		dir = filepath.Join(filepath.Dir(cfg.SQLitePath), "locks")
	}
	return locks.NewFileStore(afero.NewOsFs(), dir)
}

func lockOwner() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// holdExecution leases executionID until the app closes.
func (a *app) holdExecution(ctx context.Context, executionID string) error {
	release, err := locks.Hold(ctx, a.locks, "execution:"+executionID, a.owner, leaseTTL)
	if err != nil {
		if errors.Is(err, locks.ErrHeld) {
			return fmt.Errorf("execution %s is driven by another process: %w", executionID, err)
		}
		return err
	}
	a.closers = append(a.closers, release)
	return nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// runtime adds the execution side: units, engine, event forwarding and the
// metrics listener.
type runtime struct {
	registry    *units.Registry
	engine      *workflow.Engine
	integration *state.Integration
	// executions is set on the redis backend only.
	executions *workflow.RedisStore
}

func (a *app) startRuntime(ctx context.Context) (*runtime, error) {
	engineMetrics := metrics.EngineMetrics(metrics.Noop{})
	if a.cfg.MetricsAddr != "" {
		engineMetrics = metrics.NewEngineProm("stepflow")
		a.serveMetrics()
	}

	reg := units.NewRegistry()
	for _, tool := range a.cfg.Tools {
		err := reg.Register(units.NewToolUnit(tool.Name, units.ProcessDialer(toolrpc.ProcessConfig{
			Name:    tool.Name,
			Command: tool.Command,
			Args:    tool.Args,
			Env:     tool.Env,
		})))
		if err != nil {
			return nil, err
		}
	}
	if err := reg.Register(units.NewProcessUnit("process", "").WithDir(a.workspace)); err != nil {
		return nil, err
	}
	if err := reg.InitAll(ctx); err != nil {
		return nil, fmt.Errorf("init units: %w", err)
	}
	a.closers = append(a.closers, func() {
		teardownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		warnClose("units", reg.TeardownAll(teardownCtx))
	})

	eventBus := workflow.NewEventBus()
	opts := []workflow.Option{
		workflow.WithEventBus(eventBus),
		workflow.WithMetrics(engineMetrics),
		workflow.WithMaxParallel(a.cfg.MaxParallel),
		workflow.WithTolerateSkips(a.cfg.TolerateSkips),
	}
	var executions *workflow.RedisStore
	if rs, ok := a.store.(*state.RedisStore); ok {
		executions = workflow.NewRedisStoreWithClient(rs.Client())
		opts = append(opts, workflow.WithExecutionStore(executions))
		a.closers = append(a.closers, executions.RecordTimeline(eventBus))
	}
	engine := workflow.NewEngine(reg, opts...)
	integration := state.NewIntegration(a.store, a.checkpoints, a.artifacts,
		state.WithAutoCheckpointEvery(a.cfg.AutoCheckpointEvery))
	a.closers = append(a.closers, integration.Attach(eventBus))

	if a.cfg.NatsURL != "" {
		nb, err := bus.NewNatsBus(a.cfg.NatsURL, a.cfg.EventsSubject)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		detach := bus.NewEventForwarder(nb, a.cfg.EventsSubject).Attach(eventBus)
		a.closers = append(a.closers, nb.Close, detach)
	}
	return &runtime{registry: reg, engine: engine, integration: integration, executions: executions}, nil
}

func (a *app) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("stepflow", "metrics listener failed", "addr", a.cfg.MetricsAddr, "error", err)
		}
	}()
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
}
