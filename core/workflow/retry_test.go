package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffStrategies(t *testing.T) {
	linear := &RetryPolicy{MaxRetries: 3, BackoffMs: 100}
	require.Equal(t, 100*time.Millisecond, linear.Backoff(1))
	require.Equal(t, 300*time.Millisecond, linear.Backoff(3))

	exp := &RetryPolicy{MaxRetries: 5, BackoffMs: 100, Strategy: BackoffExponential, MaxBackoffMs: 500}
	require.Equal(t, 100*time.Millisecond, exp.Backoff(1))
	require.Equal(t, 400*time.Millisecond, exp.Backoff(3))
	require.Equal(t, 500*time.Millisecond, exp.Backoff(4), "capped")

	var none *RetryPolicy
	require.Equal(t, 1, none.MaxAttempts())
	require.Zero(t, none.Backoff(1))
	require.Equal(t, 4, linear.MaxAttempts())
}

func TestAttemptMachineStates(t *testing.T) {
	m := newAttemptMachine(StepDefinition{ID: "s", Retry: &RetryPolicy{MaxRetries: 2}})
	var retries []int
	m.onRetry = func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) }
	calls := 0
	out, err := m.run(context.Background(), func(context.Context, int) (any, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, 2, m.attempts)
	require.Equal(t, []int{1}, retries)
	require.Equal(t, []AttemptState{
		AttemptScheduled, AttemptRunning, AttemptRetryPending, AttemptRunning, AttemptTerminal,
	}, m.trace)
}

func TestRetryAfterHintOverridesBackoff(t *testing.T) {
	m := newAttemptMachine(StepDefinition{ID: "s", Retry: &RetryPolicy{MaxRetries: 1, BackoffMs: 60_000}})
	var delay time.Duration
	m.onRetry = func(_ int, _ error, d time.Duration) { delay = d }
	first := true
	start := time.Now()
	_, err := m.run(context.Background(), func(context.Context, int) (any, error) {
		if first {
			first = false
			return nil, RetryAfter(errors.New("rate limited"), 5*time.Millisecond)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, 5*time.Millisecond, delay)
	require.Less(t, time.Since(start), 10*time.Second)

	d, ok := RetryDelay(RetryAfter(nil, -time.Second))
	require.True(t, ok)
	require.Zero(t, d)
}

func TestAttemptMachineStopsWaitingOnCancel(t *testing.T) {
	m := newAttemptMachine(StepDefinition{ID: "s", Retry: &RetryPolicy{MaxRetries: 3, BackoffMs: 60_000}})
	ctx, cancel := context.WithCancel(context.Background())
	m.onRetry = func(int, error, time.Duration) { cancel() }
	_, err := m.run(ctx, func(context.Context, int) (any, error) {
		return nil, errors.New("fails")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, m.attempts)
	require.Equal(t, AttemptTerminal, m.state)
}
