package breaker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures exponential backoff retry behavior.
type RetryPolicy struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
	MaxRetries          int           // Retries after the first attempt; 0 means unbounded within MaxElapsedTime
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
		MaxRetries:          2,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		policy.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		policy.MaxInterval = p.MaxInterval
	}
	policy.MaxElapsedTime = p.MaxElapsedTime
	if p.Multiplier > 0 {
		policy.Multiplier = p.Multiplier
	}
	policy.RandomizationFactor = p.RandomizationFactor
	policy.Reset()

	var b backoff.BackOff = policy
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// Retry runs op with exponential backoff. Open circuits and context
// cancellation stop retrying immediately. notify, when non-nil, is called
// before each retry with the error and the wait.
func Retry(ctx context.Context, policy RetryPolicy, op func() error, notify func(error, time.Duration)) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		err := op()
		if err == nil {
			return nil
		}
		if IsOpen(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.RetryNotify(operation, policy.backOff(ctx), notify)
}

// Do runs fn through b with retry and returns its typed result. On failure
// the value from the last attempt is returned alongside the error.
func Do[T any](ctx context.Context, b *Breaker, policy RetryPolicy, fn func(context.Context) (T, error), notify func(error, time.Duration)) (T, error) {
	var out T
	err := Retry(ctx, policy, func() error {
		v, err := b.Execute(func() (any, error) {
			return fn(ctx)
		})
		out, _ = v.(T)
		return err
	}, notify)
	return out, err
}
