package handoff

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how hard a step is retried.
type RetryPolicy struct {
	// MaxAttempts per step, first try included (default 3).
	MaxAttempts uint `yaml:"max_attempts"`
	// InitialInterval is the first backoff delay (default 200ms).
	InitialInterval time.Duration `yaml:"initial_interval"`
	// MaxInterval caps the backoff delay (default 5s).
	MaxInterval time.Duration `yaml:"max_interval"`
	// StepTimeout bounds each individual call (default 10s).
	StepTimeout time.Duration `yaml:"step_timeout"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		StepTimeout:     10 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.StepTimeout <= 0 {
		p.StepTimeout = d.StepTimeout
	}
	return p
}

// retryStep calls fn until it succeeds, fails permanently or the attempts
// run out. Only errors marked transient (or per-call timeouts) are retried.
// It returns the number of calls made.
func retryStep[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	calls := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		calls++
		callCtx, cancel := context.WithTimeout(ctx, p.StepTimeout)
		defer cancel()

		v, err := fn(callCtx)
		if err == nil {
			return v, nil
		}
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = MarkTransient(err)
		}
		if !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.MaxAttempts))
	return res, calls, err
}
