package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordum/stepflow/core/infra/locks"
	"github.com/cordum/stepflow/core/state"
	"github.com/cordum/stepflow/core/workflow"
)

const greetWorkflow = `
id: greet
steps:
  - id: hello
    unitId: process
    inputs:
      command: sh
      args: ["-c", "echo hello"]
`

func setupWorkspace(t *testing.T) (ws, wf string) {
	t.Helper()
	ws = t.TempDir()
	t.Setenv("STEPFLOW_STATE_BACKEND", "file")
	t.Setenv("STEPFLOW_STATE_DIR", filepath.Join(ws, ".stepflow"))
	t.Setenv("STEPFLOW_WORKFLOWS_DIR", filepath.Join(ws, "workflows"))
	t.Setenv("NATS_URL", "")
	t.Setenv("STEPFLOW_METRICS_ADDR", "")
	wf = filepath.Join(ws, "greet.yaml")
	require.NoError(t, os.WriteFile(wf, []byte(greetWorkflow), 0o644))
	return ws, wf
}

func execute(t *testing.T, args ...string) ([]byte, error) {
	t.Helper()
	return executeContext(t, context.Background(), args...)
}

func executeContext(t *testing.T, ctx context.Context, args ...string) ([]byte, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.Bytes(), err
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("sh unavailable: %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	var details map[string]any
	require.NoError(t, json.Unmarshal(out, &details))
	assert.Contains(t, details, "version")
	assert.Contains(t, details, "commit")
}

func TestConfigInitAndShow(t *testing.T) {
	ws, _ := setupWorkspace(t)

	_, err := execute(t, "-w", ws, "config", "init", "demo", "--description", "demo project", "--units", "process")
	require.NoError(t, err)

	_, err = execute(t, "-w", ws, "config", "init", "demo")
	require.Error(t, err, "second init must not overwrite")

	out, err := execute(t, "-w", ws, "config", "show")
	require.NoError(t, err)
	var cfg state.ProjectConfig
	require.NoError(t, json.Unmarshal(out, &cfg))
	assert.Equal(t, "demo", cfg.Name)
	assert.Equal(t, []string{"process"}, cfg.Units)

	_, err = execute(t, "-w", ws, "config", "init", "Not Valid!")
	require.Error(t, err)
}

func TestRunPhasesThenResume(t *testing.T) {
	requireShell(t)
	ws, wf := setupWorkspace(t)

	out, err := execute(t, "-w", ws, "run", wf, "--phases", "build,ship", "--project", "demo")
	require.NoError(t, err)
	var first runOutput
	require.NoError(t, json.Unmarshal(out, &first))
	require.NotNil(t, first.State)
	assert.Equal(t, "completed", string(first.Execution.Status))
	assert.Equal(t, state.StatusRunning, first.State.Status)
	assert.Equal(t, 2, first.State.CurrentPhase)
	assert.Equal(t, "demo", first.State.Project)
	execID := first.State.ID

	out, err = execute(t, "-w", ws, "run", wf, "--execution", execID)
	require.NoError(t, err)
	var second runOutput
	require.NoError(t, json.Unmarshal(out, &second))
	assert.Equal(t, execID, second.State.ID)
	assert.Equal(t, state.StatusCompleted, second.State.Status)
	assert.Equal(t, 2, second.State.LastCompletedPhase())

	out, err = execute(t, "-w", ws, "checkpoints", execID)
	require.NoError(t, err)
	var cps []state.Checkpoint
	require.NoError(t, json.Unmarshal(out, &cps))
	require.Len(t, cps, 2)
	assert.Equal(t, 1, cps[0].Phase)
	assert.Equal(t, 2, cps[1].Phase)

	out, err = execute(t, "-w", ws, "resume", execID, "--checkpoint", cps[0].ID)
	require.NoError(t, err)
	var resumed state.ExecutionState
	require.NoError(t, json.Unmarshal(out, &resumed))
	assert.Equal(t, state.StatusRunning, resumed.Status)
	assert.Equal(t, 1, resumed.CurrentPhase)
	phase2, ok := resumed.Phase(2)
	require.True(t, ok)
	assert.Equal(t, state.PhasePending, phase2.Status)

	out, err = execute(t, "-w", ws, "decisions", execID)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(out))
}

func TestResumeRejectsForeignCheckpoint(t *testing.T) {
	requireShell(t)
	ws, wf := setupWorkspace(t)

	out, err := execute(t, "-w", ws, "run", wf)
	require.NoError(t, err)
	var res runOutput
	require.NoError(t, json.Unmarshal(out, &res))

	out, err = execute(t, "-w", ws, "checkpoints", res.State.ID)
	require.NoError(t, err)
	var cps []state.Checkpoint
	require.NoError(t, json.Unmarshal(out, &cps))
	require.NotEmpty(t, cps)

	_, err = execute(t, "-w", ws, "resume", "someone-else", "--checkpoint", cps[0].ID)
	require.Error(t, err)
}

func TestRunRefusesLeasedExecution(t *testing.T) {
	requireShell(t)
	ws, wf := setupWorkspace(t)

	out, err := execute(t, "-w", ws, "run", wf, "--phases", "build,ship")
	require.NoError(t, err)
	var res runOutput
	require.NoError(t, json.Unmarshal(out, &res))

	other := locks.NewFileStore(afero.NewOsFs(), filepath.Join(ws, ".stepflow", "locks"))
	_, err = other.Acquire(context.Background(), "execution:"+res.State.ID, "other-host:1", time.Minute)
	require.NoError(t, err)

	_, err = execute(t, "-w", ws, "run", wf, "--execution", res.State.ID)
	require.ErrorIs(t, err, locks.ErrHeld)
	_, err = execute(t, "-w", ws, "resume", res.State.ID)
	require.ErrorIs(t, err, locks.ErrHeld)

	require.NoError(t, other.Release(context.Background(), "execution:"+res.State.ID, "other-host:1"))
	_, err = execute(t, "-w", ws, "run", wf, "--execution", res.State.ID)
	require.NoError(t, err)
}

func TestRunUnknownWorkflow(t *testing.T) {
	ws, _ := setupWorkspace(t)
	_, err := execute(t, "-w", ws, "run", "nope")
	require.Error(t, err)
}

func TestToolsListUnknownTool(t *testing.T) {
	setupWorkspace(t)
	_, err := execute(t, "tools", "list", "missing")
	require.ErrorContains(t, err, "no tool named")
}

func TestRedisBackendRecordsEngineExecutions(t *testing.T) {
	requireShell(t)
	ws, wf := setupWorkspace(t)
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	t.Setenv("STEPFLOW_STATE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://"+srv.Addr())

	out, err := execute(t, "-w", ws, "run", wf)
	require.NoError(t, err)
	var res runOutput
	require.NoError(t, json.Unmarshal(out, &res))
	require.NotNil(t, res.Execution)

	ctx := context.Background()
	store, err := workflow.NewRedisStore(ctx, "redis://"+srv.Addr())
	require.NoError(t, err)
	defer store.Close()

	saved, err := store.GetExecution(ctx, res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCompleted, saved.Status)

	def, err := store.GetDefinition(ctx, "greet")
	require.NoError(t, err)
	assert.Len(t, def.Steps, 1)

	events, err := store.ListEvents(ctx, res.Execution.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, workflow.EventWorkflowStart, events[0].Kind)
}

func TestWatchRegistersDefinitions(t *testing.T) {
	ws, _ := setupWorkspace(t)
	dir := filepath.Join(ws, "defs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.yaml"), []byte(greetWorkflow), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: broken\n"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	out, err := executeContext(t, ctx, "-w", ws, "watch", "--dir", dir)
	require.NoError(t, err, "cancellation ends the watch cleanly")

	dec := json.NewDecoder(bytes.NewReader(out))
	var loaded []watchEvent
	for dec.More() {
		var ev watchEvent
		require.NoError(t, dec.Decode(&ev))
		loaded = append(loaded, ev)
	}
	require.Len(t, loaded, 2)
	assert.NotEmpty(t, loaded[0].Error, "broken.yaml sorts first and has no steps")
	assert.Equal(t, "greet", loaded[1].WorkflowID)
	assert.Empty(t, loaded[1].Error)
}

func TestResumeLatestFlag(t *testing.T) {
	requireShell(t)
	ws, wf := setupWorkspace(t)

	out, err := execute(t, "-w", ws, "run", wf, "--phases", "build,ship")
	require.NoError(t, err)
	var res runOutput
	require.NoError(t, json.Unmarshal(out, &res))
	execID := res.State.ID

	out, err = execute(t, "-w", ws, "resume", execID, "--latest")
	require.NoError(t, err)
	var viaFlag state.ExecutionState
	require.NoError(t, json.Unmarshal(out, &viaFlag))

	out, err = execute(t, "-w", ws, "resume", execID)
	require.NoError(t, err)
	var viaDefault state.ExecutionState
	require.NoError(t, json.Unmarshal(out, &viaDefault))

	assert.Equal(t, state.StatusRunning, viaFlag.Status)
	assert.Equal(t, viaDefault.CurrentPhase, viaFlag.CurrentPhase)
	assert.Equal(t, viaDefault.LatestCheckpointID, viaFlag.LatestCheckpointID)

	_, err = execute(t, "-w", ws, "resume", execID, "--latest", "--last-phase")
	require.Error(t, err)
}
