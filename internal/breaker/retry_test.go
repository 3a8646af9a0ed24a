package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	calls := 0
	var notified []error

	err := Retry(context.Background(), fastPolicy(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(err error, _ time.Duration) { notified = append(notified, err) })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, notified, 2)
}

func TestRetryStopsAtMaxRetries(t *testing.T) {
	policy := fastPolicy()
	policy.MaxRetries = 2

	calls := 0
	err := Retry(context.Background(), policy, func() error {
		calls++
		return errBoom
	}, nil)

	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
}

func TestRetryDoesNotRetryOpenCircuit(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute}, Options{})
	require.Error(t, b.Call(fail))

	attempts := 0
	err := Retry(context.Background(), fastPolicy(), func() error {
		attempts++
		return b.Call(ok)
	}, nil)

	assert.True(t, IsOpen(err))
	assert.Equal(t, 1, attempts)
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastPolicy(), func() error {
		calls++
		return nil
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestDoReturnsTypedResult(t *testing.T) {
	b := New("typed", DefaultSettings(), Options{})

	calls := 0
	got, err := Do(context.Background(), b, fastPolicy(), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("flaky")
		}
		return "done", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "done", got)
	assert.Equal(t, 1, b.State().Failures)
}

func TestDoKeepsValueOnError(t *testing.T) {
	b := New("partial", DefaultSettings(), Options{})
	policy := fastPolicy()
	policy.MaxRetries = 1

	got, err := Do(context.Background(), b, policy, func(context.Context) (string, error) {
		return "partial output", errors.New("exit 1")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, "partial output", got)
}
