package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cordum/stepflow/core/state"
	"github.com/cordum/stepflow/core/workflow"
)

type runFlags struct {
	input       string
	phase       int
	project     string
	phases      []string
	executionID string
}

// runOutput is printed after every run, successful or not.
type runOutput struct {
	Execution *workflow.WorkflowExecution `json:"execution"`
	State     *state.ExecutionState       `json:"state"`
}

func newRunCommand(root *rootFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <workflow-file|workflow-id>",
		Short: "Execute a workflow as one phase of a durable execution",
		Long: `Execute a workflow definition. The argument is a YAML/JSON file, or the id
of a definition in the configured workflows directory.

Without --execution a new execution is started with the given phases
(default: one phase named after the workflow). With --execution the run
drives the current phase of an existing execution, or --phase if set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, root, args[0], flags)
		},
	}
	cmd.Flags().StringVarP(&flags.input, "input", "i", "", "workflow input as a JSON object")
	cmd.Flags().IntVar(&flags.phase, "phase", 0, "phase number this run drives")
	cmd.Flags().StringVar(&flags.project, "project", "", "project name recorded on a new execution")
	cmd.Flags().StringSliceVar(&flags.phases, "phases", nil, "phase names for a new execution")
	cmd.Flags().StringVar(&flags.executionID, "execution", "", "continue an existing execution")
	return cmd
}

func runWorkflow(cmd *cobra.Command, root *rootFlags, ref string, flags *runFlags) error {
	ctx := cmd.Context()
	input := map[string]any{}
	if flags.input != "" {
		if err := json.Unmarshal([]byte(flags.input), &input); err != nil {
			return fmt.Errorf("parse --input: %w", err)
		}
	}

	a, err := openApp(ctx, root)
	if err != nil {
		return err
	}
	defer a.Close()

	def, err := findDefinition(a.cfg.WorkflowsDir, ref)
	if err != nil {
		return err
	}
	rt, err := a.startRuntime(ctx)
	if err != nil {
		return err
	}
	if err := rt.engine.RegisterWorkflow(def); err != nil {
		return err
	}
	if rt.executions != nil {
		if err := rt.executions.SaveDefinition(ctx, def); err != nil {
			return fmt.Errorf("save definition %s: %w", def.ID, err)
		}
	}
	if err := bindExecution(ctx, a, rt, def, flags); err != nil {
		return err
	}

	exec, runErr := rt.engine.Execute(ctx, def.ID, input)
	if err := rt.integration.Err(); err != nil {
		return fmt.Errorf("record execution state: %w", err)
	}
	st, err := a.store.LoadState(ctx, rt.integration.ExecutionID())
	if err != nil {
		return err
	}
	if exec != nil {
		if err := printJSON(cmd.OutOrStdout(), runOutput{Execution: exec, State: st}); err != nil {
			return err
		}
	}
	return runErr
}

func bindExecution(ctx context.Context, a *app, rt *runtime, def workflow.WorkflowDefinition, flags *runFlags) error {
	if flags.executionID != "" {
		if _, err := rt.integration.Bind(ctx, flags.executionID); err != nil {
			return fmt.Errorf("load execution %s: %w", flags.executionID, err)
		}
	} else {
		phases := flags.phases
		if len(phases) == 0 {
			phases = []string{def.ID}
		}
		project := flags.project
		if project == "" {
			if cfg, err := a.projects.Load(ctx); err == nil {
				project = cfg.Name
			}
		}
		if _, err := rt.integration.StartExecution(ctx, project, phases); err != nil {
			return err
		}
	}
	if err := a.holdExecution(ctx, rt.integration.ExecutionID()); err != nil {
		return err
	}
	if flags.phase > 0 {
		return rt.integration.AttachPhase(ctx, flags.phase)
	}
	return nil
}

// findDefinition loads ref as a file, or looks it up by id in dir.
func findDefinition(dir, ref string) (workflow.WorkflowDefinition, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return workflow.LoadDefinition(ref)
	}
	if dir == "" {
		return workflow.WorkflowDefinition{}, fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, ref)
	}
	defs, err := workflow.LoadDefinitions(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return workflow.WorkflowDefinition{}, fmt.Errorf("load %s: %w", filepath.Clean(dir), err)
	}
	for _, def := range defs {
		if def.ID == ref {
			return def, nil
		}
	}
	return workflow.WorkflowDefinition{}, fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, ref)
}
