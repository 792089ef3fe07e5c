package coordclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meidoworks/nekoq-coord/config"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
)

func TestRetryPolicies(t *testing.T) {
	ctx := context.Background()
	for _, policy := range []RetryPolicy{
		FixedRetry(3, time.Millisecond),
		ExponentialBackoffRetry(3, time.Millisecond),
		BoundedRetry(50, time.Millisecond),
	} {
		calls := 0
		err := policy.Run(ctx, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return ensemble.ErrConnectionLoss
			}
			return nil
		})
		require.NoError(t, err, policy.Type)
		assert.Equal(t, 3, calls, policy.Type)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := FixedRetry(5, time.Millisecond).Run(context.Background(), func(ctx context.Context) error {
		calls++
		return ensemble.ErrNoNode
	})
	assert.ErrorIs(t, err, ensemble.ErrNoNode)
	assert.Equal(t, 1, calls)
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	err := FixedRetry(2, time.Millisecond).Run(context.Background(), func(ctx context.Context) error {
		calls++
		return ensemble.ErrConnectionLoss
	})
	assert.True(t, errors.Is(err, ensemble.ErrConnectionLoss))
	assert.Equal(t, 3, calls)
}

func TestFixedRetryWaitsExactlySleep(t *testing.T) {
	b := FixedRetry(3, 40*time.Millisecond).fixedBackOff(context.Background())
	for i := 0; i < 3; i++ {
		assert.Equal(t, 40*time.Millisecond, b.NextBackOff(), "retry %d", i)
	}
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}

func TestRetryPermanentErrorOnLastAttempt(t *testing.T) {
	for _, policy := range []RetryPolicy{
		FixedRetry(1, time.Millisecond),
		ExponentialBackoffRetry(1, time.Millisecond),
	} {
		calls := 0
		err := policy.Run(context.Background(), func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return ensemble.ErrConnectionLoss
			}
			return ensemble.ErrBadVersion
		})
		assert.ErrorIs(t, err, ensemble.ErrBadVersion, policy.Type)
		assert.Equal(t, 2, calls, policy.Type)
	}
}

func TestNoRetry(t *testing.T) {
	calls := 0
	err := NoRetry().Run(context.Background(), func(ctx context.Context) error {
		calls++
		return ensemble.ErrConnectionLoss
	})
	assert.ErrorIs(t, err, ensemble.ErrConnectionLoss)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := retryPolicyFromConfig(config.RetryConfig{Type: config.RetryBounded, RetryCount: 4, SleepMsBetweenRetries: 250})
	assert.Equal(t, BoundedRetry(4, 250*time.Millisecond), p)
}
