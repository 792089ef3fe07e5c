package coordclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/executor"
)

type asyncOutcome struct {
	resp  *AsyncResponse
	cause error
}

func openAsync(t *testing.T, c *Client) (*AsyncContext, chan asyncOutcome) {
	outcomes := make(chan asyncOutcome, 16)
	actx, err := c.OpenAsync(func(actx *AsyncContext, resp *AsyncResponse) {
		outcomes <- asyncOutcome{resp: resp}
	}, func(cause error, message string) {
		outcomes <- asyncOutcome{cause: cause}
	})
	require.NoError(t, err)
	return actx, outcomes
}

func await(t *testing.T, outcomes chan asyncOutcome) asyncOutcome {
	select {
	case o := <-outcomes:
		return o
	case <-time.After(waitTimeout):
		t.Fatal("async operation did not complete")
		return asyncOutcome{}
	}
}

func TestAsyncOperations(t *testing.T) {
	c := newClient(t, newEnsemble(t))
	actx, outcomes := openAsync(t, c)

	actx.Create("/async/a", "v", api.NodePersistent, true)
	o := await(t, outcomes)
	require.NoError(t, o.cause)
	assert.Equal(t, api.AsyncCreate, o.resp.Type)
	assert.Equal(t, "/async/a", o.resp.Path)

	actx.Get("/async/a")
	o = await(t, outcomes)
	require.NoError(t, o.cause)
	assert.Equal(t, api.AsyncOK, o.resp.Status)
	assert.Equal(t, "v", o.resp.Value)
	assert.NotNil(t, o.resp.Stat)

	actx.Update("/async/a", "v2")
	o = await(t, outcomes)
	require.NoError(t, o.cause)
	assert.Equal(t, api.AsyncUpdate, o.resp.Type)

	actx.Children("/async")
	o = await(t, outcomes)
	require.NoError(t, o.cause)
	assert.True(t, o.resp.Children.Contains("a"))

	actx.Exists("/async/a")
	o = await(t, outcomes)
	require.NoError(t, o.cause)
	assert.Equal(t, int32(1), o.resp.Stat.Version)

	actx.Delete("/async", true)
	o = await(t, outcomes)
	require.NoError(t, o.cause)
	assert.Equal(t, api.AsyncDelete, o.resp.Type)

	actx.Get("/async/a")
	o = await(t, outcomes)
	require.NoError(t, o.cause)
	assert.Equal(t, api.AsyncNoNode, o.resp.Status)
}

func TestAsyncError(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, newEnsemble(t))
	_, err := c.CreatePersistent(ctx, "/dup", nil)
	require.NoError(t, err)
	actx, outcomes := openAsync(t, c)

	actx.Create("/dup", nil, api.NodePersistent, false)
	o := await(t, outcomes)
	var asyncErr *AsyncError
	require.ErrorAs(t, o.cause, &asyncErr)
	assert.Equal(t, api.AsyncCreate, asyncErr.Op)
	assert.ErrorIs(t, o.cause, ErrNodeExists)

	actx.UpdateVersion("/dup", "v", 9)
	o = await(t, outcomes)
	assert.ErrorIs(t, o.cause, ErrVersionConflict)
}

func TestAsyncCloseSeversCallbacks(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, newEnsemble(t))
	actx, outcomes := openAsync(t, c)
	require.NoError(t, actx.Close())

	actx.Create("/severed", "v", api.NodePersistent, true)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, outcomes)

	assert.Eventually(t, func() bool {
		absent, err := c.Nonexistent(ctx, "/severed")
		return err == nil && !absent
	}, waitTimeout, 10*time.Millisecond)
}

func TestAsyncDispatchFailure(t *testing.T) {
	pool, err := executor.NewPool(executor.Config{Name: "async", CorePoolSize: 1, MaximumPoolSize: 1, WorkQueueSize: 1})
	require.NoError(t, err)
	c := newClient(t, newEnsemble(t), WithExecutor(pool))
	actx, outcomes := openAsync(t, c)
	pool.Shutdown()

	actx.Get("/any")
	var o asyncOutcome
	select {
	case o = <-outcomes:
	default:
		t.Fatal("a refused operation must be reported before the call returns")
	}
	var asyncErr *AsyncError
	require.ErrorAs(t, o.cause, &asyncErr)
	assert.True(t, errors.Is(o.cause, executor.ErrShutdown))
}

func TestOpenAsyncValidation(t *testing.T) {
	c := newClient(t, newEnsemble(t))
	_, err := c.OpenAsync(nil, func(error, string) {})
	assert.ErrorIs(t, err, ErrNilCallback)

	require.NoError(t, c.Close())
	_, err = c.OpenAsync(func(*AsyncContext, *AsyncResponse) {}, func(error, string) {})
	assert.ErrorIs(t, err, ErrClosed)
}
