package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AttemptState is the state of one step's attempt loop.
type AttemptState string

const (
	AttemptScheduled    AttemptState = "scheduled"
	AttemptRunning      AttemptState = "running"
	AttemptRetryPending AttemptState = "retry-pending"
	AttemptTerminal     AttemptState = "terminal"
)

// ErrStepTimeout is returned when an attempt outlives the step's timeoutSec.
var ErrStepTimeout = errors.New("step timed out")

// RetryableError carries a unit-requested delay before the next attempt.
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Delay > 0 {
		return fmt.Sprintf("retry after %s: %v", e.Delay, e.Err)
	}
	return fmt.Sprintf("retry: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RetryAfter wraps err with a retry delay that overrides the step's backoff.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	if delay < 0 {
		delay = 0
	}
	return &RetryableError{Err: err, Delay: delay}
}

// RetryDelay extracts the delay requested through RetryAfter.
func RetryDelay(err error) (time.Duration, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.Delay, true
	}
	return 0, false
}

// MaxAttempts is the total number of runs a policy allows.
func (p *RetryPolicy) MaxAttempts() int {
	if p == nil || p.MaxRetries <= 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if p == nil || p.BackoffMs <= 0 || attempt <= 0 {
		return 0
	}
	base := time.Duration(p.BackoffMs) * time.Millisecond
	var delay time.Duration
	switch p.Strategy {
	case BackoffExponential:
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		delay = base * time.Duration(1<<shift)
	default:
		delay = base * time.Duration(attempt)
	}
	if p.MaxBackoffMs > 0 {
		if limit := time.Duration(p.MaxBackoffMs) * time.Millisecond; delay > limit {
			delay = limit
		}
	}
	return delay
}

type attemptFunc func(ctx context.Context, attempt int) (any, error)

// attemptMachine drives one step through its attempts.
type attemptMachine struct {
	policy   *RetryPolicy
	timeout  time.Duration
	onRetry  func(attempt int, err error, delay time.Duration)
	state    AttemptState
	attempts int
	trace    []AttemptState
}

func newAttemptMachine(step StepDefinition) *attemptMachine {
	m := &attemptMachine{policy: step.Retry}
	if step.TimeoutSec > 0 {
		m.timeout = time.Duration(step.TimeoutSec) * time.Second
	}
	m.enter(AttemptScheduled)
	return m
}

func (m *attemptMachine) enter(s AttemptState) {
	m.state = s
	m.trace = append(m.trace, s)
}

// run executes fn until it succeeds, the policy is exhausted or ctx ends.
// A cancelled ctx returns ctx.Err() so callers can tell it from failure.
func (m *attemptMachine) run(ctx context.Context, fn attemptFunc) (any, error) {
	defer m.enter(AttemptTerminal)
	limit := m.policy.MaxAttempts()
	for {
		m.enter(AttemptRunning)
		m.attempts++
		out, err := m.once(ctx, fn)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if m.attempts >= limit {
			return out, err
		}

		delay := m.policy.Backoff(m.attempts)
		if hint, ok := RetryDelay(err); ok {
			delay = hint
		}
		m.enter(AttemptRetryPending)
		if m.onRetry != nil {
			m.onRetry(m.attempts, err, delay)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

type attemptOutcome struct {
	out any
	err error
}

func (m *attemptMachine) once(ctx context.Context, fn attemptFunc) (any, error) {
	if m.timeout <= 0 {
		return fn(ctx, m.attempts)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	done := make(chan attemptOutcome, 1)
	go func(attempt int) {
		out, err := fn(attemptCtx, attempt)
		done <- attemptOutcome{out: out, err: err}
	}(m.attempts)
	select {
	case res := <-done:
		if res.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return res.out, fmt.Errorf("%w after %s: %v", ErrStepTimeout, m.timeout, res.err)
		}
		return res.out, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrStepTimeout, m.timeout)
	}
}
