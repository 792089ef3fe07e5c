package coordclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
	"github.com/meidoworks/nekoq-coord/shared/ensemble/memensemble"
	"github.com/meidoworks/nekoq-coord/shared/testlib"
)

const waitTimeout = 3 * time.Second

func newEnsemble(t *testing.T) *memensemble.Ensemble {
	ens, err := memensemble.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ens.Close()
	})
	return ens
}

func newClient(t *testing.T, ens *memensemble.Ensemble, opts ...Option) *Client {
	opts = append([]Option{
		WithRetryPolicy(ExponentialBackoffRetry(3, 20*time.Millisecond)),
		WithConnectionTimeout(time.Second),
	}, opts...)
	c, err := Connect(context.Background(), ens.Dialer(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

type stateRecorder struct {
	*testlib.Recorder
}

func (r stateRecorder) Connected(c *Client)   { r.Record("CONNECTED") }
func (r stateRecorder) Suspended(c *Client)   { r.Record("SUSPENDED") }
func (r stateRecorder) Reconnected(c *Client) { r.Record("RECONNECTED") }
func (r stateRecorder) Lost(c *Client)        { r.Record("LOST") }
func (r stateRecorder) ReadOnly(c *Client)    { r.Record("READ_ONLY") }

func TestOpenAndClose(t *testing.T) {
	ens := newEnsemble(t)
	c, err := New(ens.Dialer())
	require.NoError(t, err)
	assert.Equal(t, api.ConnectionState(0), c.State())

	_, err = c.Get(context.Background(), "/a")
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, c.Open(context.Background()))
	assert.Equal(t, api.StateConnected, c.State())
	assert.Equal(t, int64(1), c.Generation())
	assert.NotZero(t, c.SessionID())
	assert.ErrorIs(t, c.Open(context.Background()), ErrAlreadyStarted)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
	_, err = c.Get(context.Background(), "/a")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, ens.Sessions())
}

func TestOpenFailsWhenEnsembleIsDown(t *testing.T) {
	ens := newEnsemble(t)
	require.NoError(t, ens.Close())

	_, err := Connect(context.Background(), ens.Dialer(), WithRetryPolicy(NoRetry()))
	var coordErr *CoordinationError
	require.ErrorAs(t, err, &coordErr)
	assert.Equal(t, "open", coordErr.Op)
}

func TestNamespace(t *testing.T) {
	ctx := context.Background()
	ens := newEnsemble(t)
	c := newClient(t, ens, WithNamespace("app"))
	assert.Equal(t, "/app", c.Namespace())

	created, err := c.CreatePersistent(ctx, "/svc/a", "v")
	require.NoError(t, err)
	assert.Equal(t, "/svc/a", created)

	raw := newClient(t, ens)
	v, err := raw.Get(ctx, "/app/svc/a")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	children, err := c.Children(ctx, "/")
	require.NoError(t, err)
	assert.True(t, children.Contains("svc"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "/", Normalize(""))
	assert.Equal(t, "/", Normalize("  "))
	assert.Equal(t, "/", Normalize("/"))
	assert.Equal(t, "/a", Normalize("a"))
	assert.Equal(t, "/a/b", Normalize("/a/b/"))
}

func TestNonexistent(t *testing.T) {
	ctx := context.Background()
	ens := newEnsemble(t)
	c := newClient(t, ens, WithRetryPolicy(NoRetry()))

	absent, err := c.Nonexistent(ctx, "/a")
	require.NoError(t, err)
	assert.True(t, absent)

	_, err = c.CreatePersistent(ctx, "/a", nil)
	require.NoError(t, err)
	absent, err = c.Nonexistent(ctx, "/a")
	require.NoError(t, err)
	assert.False(t, absent)

	ens.DisconnectAll()
	_, err = c.Nonexistent(ctx, "/a")
	var coordErr *CoordinationError
	require.ErrorAs(t, err, &coordErr)
	assert.ErrorIs(t, err, ErrConnectionLoss)
}

func TestConnectionSuspendAndReconnect(t *testing.T) {
	ens := newEnsemble(t)
	c := newClient(t, ens)
	rec := stateRecorder{testlib.NewRecorder()}
	remove := c.AddConnectionListener(rec)
	defer remove()

	ens.DisconnectAll()
	rec.WaitFor(t, waitTimeout, "SUSPENDED")
	assert.Equal(t, api.StateSuspended, c.State())

	ens.ReconnectAll()
	rec.WaitFor(t, waitTimeout, "RECONNECTED")
	assert.Equal(t, []string{"SUSPENDED", "RECONNECTED"}, rec.Events())
	assert.Equal(t, int64(1), c.Generation())
}

func TestConnectionLostRebindsSession(t *testing.T) {
	ctx := context.Background()
	ens := newEnsemble(t)
	c := newClient(t, ens)
	rec := stateRecorder{testlib.NewRecorder()}
	c.AddConnectionListener(rec)
	first := c.SessionID()

	ens.ExpireAll()
	rec.WaitFor(t, waitTimeout, "RECONNECTED")
	assert.Equal(t, []string{"LOST", "RECONNECTED"}, rec.Events())
	assert.Equal(t, int64(2), c.Generation())
	assert.NotEqual(t, first, c.SessionID())

	_, err := c.CreatePersistent(ctx, "/after", "ok")
	require.NoError(t, err)
}

func TestConnectionReadOnly(t *testing.T) {
	ens := newEnsemble(t)
	c := newClient(t, ens, WithReadOnlyAllowed(true))
	rec := stateRecorder{testlib.NewRecorder()}
	c.AddConnectionListener(rec)

	ens.SetReadOnly(true)
	rec.WaitFor(t, waitTimeout, "READ_ONLY")
	_, err := c.CreatePersistent(context.Background(), "/a", "v")
	assert.ErrorIs(t, err, ensemble.ErrReadOnly)

	ens.SetReadOnly(false)
	rec.WaitFor(t, waitTimeout, "RECONNECTED")
}

func TestConnectionReadOnlyNotAllowed(t *testing.T) {
	ens := newEnsemble(t)
	c := newClient(t, ens)
	rec := stateRecorder{testlib.NewRecorder()}
	c.AddConnectionListener(rec)

	ens.SetReadOnly(true)
	rec.WaitFor(t, waitTimeout, "SUSPENDED")
	assert.Equal(t, api.StateSuspended, c.State())

	ens.SetReadOnly(false)
	rec.WaitFor(t, waitTimeout, "RECONNECTED")
	assert.Equal(t, []string{"SUSPENDED", "RECONNECTED"}, rec.Events())
}

func TestOpenOnReadOnlyEnsemble(t *testing.T) {
	for _, tc := range []struct {
		allowed bool
		state   api.ConnectionState
	}{
		{allowed: true, state: api.StateReadOnly},
		{allowed: false, state: api.StateSuspended},
	} {
		ens := newEnsemble(t)
		ens.SetReadOnly(true)
		c := newClient(t, ens, WithReadOnlyAllowed(tc.allowed))
		assert.Equal(t, tc.state, c.State(), "read only allowed: %v", tc.allowed)
	}
}

func TestRemovedConnectionListener(t *testing.T) {
	ens := newEnsemble(t)
	c := newClient(t, ens)
	removed := stateRecorder{testlib.NewRecorder()}
	kept := stateRecorder{testlib.NewRecorder()}
	remove := c.AddConnectionListener(removed)
	c.AddConnectionListener(kept)
	remove()

	ens.DisconnectAll()
	kept.WaitFor(t, waitTimeout, "SUSPENDED")
	assert.Zero(t, removed.Len())
}
