package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/cordum/stepflow/core/workflow"
)

// watchEvent is printed as one JSON line per load attempt.
type watchEvent struct {
	WorkflowID string `json:"workflowId,omitempty"`
	Version    string `json:"version,omitempty"`
	Error      string `json:"error,omitempty"`
}

func newWatchCommand(root *rootFlags) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Register workflow definitions as they change on disk",
		Long: `Load every definition in the workflows directory, then keep registering
files as they are created or written until interrupted. On the redis
backend each accepted definition is also saved to the definition index.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watchDefinitions(cmd.Context(), root, dir, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory to watch (default: workflows_dir from config)")
	return cmd
}

func watchDefinitions(ctx context.Context, root *rootFlags, dir string, out io.Writer) error {
	a, err := openApp(ctx, root)
	if err != nil {
		return err
	}
	defer a.Close()
	if dir == "" {
		dir = a.cfg.WorkflowsDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workflows dir: %w", err)
	}
	rt, err := a.startRuntime(ctx)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	report := func(def workflow.WorkflowDefinition, loadErr error) {
		ev := watchEvent{WorkflowID: def.ID, Version: def.Version}
		if loadErr == nil && rt.executions != nil {
			loadErr = rt.executions.SaveDefinition(ctx, def)
		}
		if loadErr != nil {
			ev.Error = loadErr.Error()
		}
		mu.Lock()
		defer mu.Unlock()
		warnClose("watch output", printJSON(out, ev))
	}
	w, err := workflow.NewWatcher(dir, rt.engine, workflow.OnLoad(report))
	if err != nil {
		return err
	}
	defer func() { warnClose("watcher", w.Close()) }()

	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
