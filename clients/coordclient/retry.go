package coordclient

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flowchartsman/retry"

	"github.com/meidoworks/nekoq-coord/config"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
)

const maxBackoffShift = 6

// RetryPolicy decides how operations hitting a connection loss are retried.
// Only transient failures are retried; every other error is returned at once.
type RetryPolicy struct {
	Type  string
	Count int
	Sleep time.Duration
}

func FixedRetry(count int, sleep time.Duration) RetryPolicy {
	return RetryPolicy{Type: config.RetryFixed, Count: count, Sleep: sleep}
}

func ExponentialBackoffRetry(count int, base time.Duration) RetryPolicy {
	return RetryPolicy{Type: config.RetryExponentialBackoff, Count: count, Sleep: base}
}

// BoundedRetry keeps retrying until Count*Sleep has elapsed.
func BoundedRetry(count int, sleep time.Duration) RetryPolicy {
	return RetryPolicy{Type: config.RetryBounded, Count: count, Sleep: sleep}
}

func NoRetry() RetryPolicy {
	return RetryPolicy{Type: config.RetryNone}
}

func (p RetryPolicy) sleep() time.Duration {
	if p.Sleep <= 0 {
		return time.Millisecond
	}
	return p.Sleep
}

// fixedBackOff waits exactly Sleep between attempts and allows Count retries.
func (p RetryPolicy) fixedBackOff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.sleep()), uint64(p.Count)), ctx)
}

// Run calls fn until it succeeds, fails permanently or the policy gives up.
// The fixed policy sleeps exactly Sleep. The exponential and bounded policies add random
// jitter to every wait; a bounded wait falls between 1.5 and 2 times Sleep.
func (p RetryPolicy) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.Type == config.RetryNone || p.Type == "" || p.Count <= 0 {
		return fn(ctx)
	}

	// last also stands in for a stop marker the retrier returns unwrapped on its final try
	var last error
	attempt := func(ctx context.Context, stop func(error) error) error {
		err := fn(ctx)
		last = err
		if err != nil && !ensemble.IsTransient(err) {
			return stop(err)
		}
		return err
	}

	var err error
	switch p.Type {
	case config.RetryFixed:
		err = backoff.Retry(func() error {
			return attempt(ctx, backoff.Permanent)
		}, p.fixedBackOff(ctx))
	case config.RetryBounded:
		runCtx, cancel := context.WithTimeout(ctx, time.Duration(p.Count)*p.sleep())
		defer cancel()
		err = retry.NewRetrier(math.MaxInt32, p.sleep(), p.sleep()).RunContext(runCtx, func(ctx context.Context) error {
			return attempt(ctx, retry.Stop)
		})
	default:
		shift := p.Count
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		err = retry.NewRetrier(p.Count+1, p.sleep(), p.sleep()<<shift).RunContext(ctx, func(ctx context.Context) error {
			return attempt(ctx, retry.Stop)
		})
	}
	if err != nil && last != nil && ctx.Err() == nil {
		return last
	}
	return err
}

func retryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		Type:  cfg.Type,
		Count: cfg.RetryCount,
		Sleep: cfg.Sleep(),
	}
}
