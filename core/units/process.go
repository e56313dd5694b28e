package units

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ExecutionResult is what a ProcessUnit reports for one command run.
type ExecutionResult struct {
	Transport string         `json:"transport"`
	ExitCode  int            `json:"exitCode"`
	Stdout    string         `json:"stdout"`
	Stderr    string         `json:"stderr"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ExitError is returned when the command exits non-zero. The full result is
// also returned as the unit output.
type ExitError struct {
	Result ExecutionResult
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		return fmt.Sprintf("process exited with code %d", e.Result.ExitCode)
	}
	return fmt.Sprintf("process exited with code %d: %s", e.Result.ExitCode, msg)
}

// ProcessUnit runs a local command. Inputs may supply "args" (appended to
// the configured arguments), "stdin", "env" and, when the unit was built
// without a command, "command".
type ProcessUnit struct {
	id      string
	command string
	args    []string
	dir     string
}

// NewProcessUnit returns a unit that runs command with args.
func NewProcessUnit(id, command string, args ...string) *ProcessUnit {
	return &ProcessUnit{id: id, command: command, args: args}
}

// WithDir sets the working directory for every run.
func (u *ProcessUnit) WithDir(dir string) *ProcessUnit {
	u.dir = dir
	return u
}

func (u *ProcessUnit) ID() string { return u.id }

func (u *ProcessUnit) Execute(ctx context.Context, inputs map[string]any) (any, error) {
	command := u.command
	if command == "" {
		command, _ = inputs["command"].(string)
	}
	if command == "" {
		return nil, fmt.Errorf("process unit %s: command required", u.id)
	}
	args := append([]string(nil), u.args...)
	extra, err := stringList(inputs["args"])
	if err != nil {
		return nil, fmt.Errorf("process unit %s: %w", u.id, err)
	}
	args = append(args, extra...)

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = u.dir
	if stdin, ok := inputs["stdin"].(string); ok {
		cmd.Stdin = strings.NewReader(stdin)
	}
	if env, ok := inputs["env"].(map[string]any); ok {
		cmd.Env = cmd.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := ExecutionResult{
		Transport: "process",
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Metadata:  map[string]any{"cmd": append([]string{command}, args...)},
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && ctx.Err() == nil {
			result.ExitCode = exitErr.ExitCode()
			return result, &ExitError{Result: result}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("run %s: %w", command, runErr)
	}
	return result, nil
}

func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return t, nil
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("args must be a list, got %T", v)
	}
}
