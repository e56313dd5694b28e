package toolrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cordum/stepflow/core/infra/logging"
)

const processStopGrace = 3 * time.Second

// ProcessExitError reports that the tool process exited while the client
// was still reading from it.
type ProcessExitError struct {
	Command string
	Err     error
}

func (e *ProcessExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tool process %s exited", e.Command)
	}
	return fmt.Sprintf("tool process %s exited: %v", e.Command, e.Err)
}

func (e *ProcessExitError) Unwrap() error {
	return e.Err
}

// ProcessConfig describes a tool process started over stdio.
type ProcessConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// StartProcess launches the tool process and returns a client speaking to
// its stdin/stdout. Stderr lines are forwarded to the log.
func StartProcess(ctx context.Context, cfg ProcessConfig, opts ...ClientOption) (*Client, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("toolrpc: command required")
	}
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, strings.ToUpper(k)+"="+v)
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Command
	}
	cmd.Stderr = &stderrLogger{name: name}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}
	logging.Info("toolrpc", "tool process started", "tool", name, "pid", cmd.Process.Pid)

	conn := &processConn{cmd: cmd, name: name, stdin: stdin, stdout: stdout, exited: make(chan struct{})}
	go conn.wait()
	return NewClient(conn, append([]ClientOption{WithName(name)}, opts...)...), nil
}

type processConn struct {
	cmd    *exec.Cmd
	name   string
	stdin  io.WriteCloser
	stdout io.ReadCloser

	exited  chan struct{}
	exitErr error
	once    sync.Once
}

func (p *processConn) wait() {
	p.exitErr = p.cmd.Wait()
	close(p.exited)
}

func (p *processConn) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if err != nil && n == 0 {
		select {
		case <-p.exited:
		case <-time.After(processStopGrace):
			return 0, err
		}
		return 0, &ProcessExitError{Command: p.name, Err: p.exitErr}
	}
	return n, nil
}

func (p *processConn) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// Close closes stdin, waits briefly for the process to exit and kills it
// when it does not.
func (p *processConn) Close() error {
	var err error
	p.once.Do(func() {
		_ = p.stdin.Close()
		select {
		case <-p.exited:
		case <-time.After(processStopGrace):
			if killErr := p.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
				err = killErr
			}
			<-p.exited
		}
	})
	return err
}

type stderrLogger struct {
	name string
}

func (l *stderrLogger) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			logging.Info("toolrpc", "tool stderr", "tool", l.name, "line", line)
		}
	}
	return len(b), nil
}
