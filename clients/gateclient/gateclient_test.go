package gateclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/apps/coordgate/lib"
	"github.com/meidoworks/nekoq-coord/clients/coordclient"
	"github.com/meidoworks/nekoq-coord/config"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
	"github.com/meidoworks/nekoq-coord/shared/ensemble/memensemble"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 3 * time.Second

func newGateClient(t *testing.T) (*GateClient, *coordclient.Client) {
	gin.SetMode(gin.TestMode)
	ens, err := memensemble.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ens.Close()
	})
	c, err := coordclient.Connect(context.Background(), ens.Dialer(),
		coordclient.WithConnectionTimeout(time.Second))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})
	g := lib.NewGateway(c, nil, config.Default().Gateway)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		_ = g.Close()
	})
	return NewGateClient(srv.URL), c
}

func TestCrud(t *testing.T) {
	ctx := context.Background()
	gc, _ := newGateClient(t)

	created, err := gc.Create(ctx, "/svc/a", map[string]any{"port": 8080}, api.NodePersistent, true)
	require.NoError(t, err)
	assert.Equal(t, "/svc/a", created)

	node, err := gc.Get(ctx, "/svc/a")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"port": float64(8080)}, node.Value)
	assert.EqualValues(t, 0, node.Stat.Version)

	require.NoError(t, gc.UpdateVersion(ctx, "/svc/a", "v2", 0))
	err = gc.UpdateVersion(ctx, "/svc/a", "v3", 0)
	assert.ErrorIs(t, err, ensemble.ErrBadVersion)
	require.NoError(t, gc.Update(ctx, "/svc/a", "v3"))

	seq, err := gc.Create(ctx, "/svc/s-", "x", api.NodePersistentSequential, false)
	require.NoError(t, err)
	assert.Len(t, seq, len("/svc/s-")+10)

	children, err := gc.Children(ctx, "/svc")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", seq[len("/svc/"):]}, children)

	err = gc.Delete(ctx, "/svc", false)
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, gc.DeleteVersion(ctx, "/svc/a", 2))
	require.NoError(t, gc.Delete(ctx, "/svc", true))

	_, err = gc.Get(ctx, "/svc")
	assert.ErrorIs(t, err, ensemble.ErrNoNode)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Status)

	err = gc.DeleteForce(ctx, "/svc")
	assert.ErrorIs(t, err, ensemble.ErrNoNode)
}

func TestCommit(t *testing.T) {
	ctx := context.Background()
	gc, c := newGateClient(t)

	results, err := gc.Commit(ctx,
		api.TxnOp{Kind: "create", Path: "/cfg", Value: "root"},
		api.TxnOp{Kind: "create", Path: "/cfg/k", Value: "v"},
	)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "/cfg/k", results[1].ResultPath)

	version := int32(3)
	_, err = gc.Commit(ctx,
		api.TxnOp{Kind: "delete", Path: "/cfg/k"},
		api.TxnOp{Kind: "update", Path: "/cfg", Value: "x", Version: &version},
	)
	assert.ErrorIs(t, err, ensemble.ErrBadVersion)
	value, err := c.Get(ctx, "/cfg/k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
}

func TestStateAndElection(t *testing.T) {
	ctx := context.Background()
	gc, _ := newGateClient(t)

	state, err := gc.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.StateConnected.String(), state.State)

	election, err := gc.Election(ctx)
	require.NoError(t, err)
	assert.False(t, election.Enabled)
}

func TestWatch(t *testing.T) {
	ctx := context.Background()
	gc, c := newGateClient(t)
	_, err := c.CreatePersistent(ctx, "/tree/a", "a")
	require.NoError(t, err)

	_, err = gc.Watch(ctx, "/absent", api.WatchTierTree, 2)
	assert.ErrorIs(t, err, ErrBadRequest)

	stream, err := gc.Watch(ctx, "/tree", api.WatchTierTree, 2)
	require.NoError(t, err)
	defer stream.Close()

	next := func() api.WatchEvent {
		rctx, cancel := context.WithTimeout(ctx, waitTimeout)
		defer cancel()
		ev, err := stream.Next(rctx)
		require.NoError(t, err)
		return ev
	}
	assert.Equal(t, api.WatchEventInitialized, next().EventType)

	_, err = c.CreatePersistent(ctx, "/tree/a/b", "b")
	require.NoError(t, err)
	assert.Equal(t, api.WatchEvent{Tier: api.WatchTierTree, EventType: api.WatchEventCreated, Path: "/tree/a/b", Value: "b"}, next())

	require.NoError(t, c.Update(ctx, "/tree/a", "a2"))
	assert.Equal(t, api.WatchEvent{Tier: api.WatchTierTree, EventType: api.WatchEventModified, Path: "/tree/a", Value: "a2"}, next())
}

func TestWatchFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gc, c := newGateClient(t)
	_, err := c.CreatePersistent(ctx, "/f", "v1")
	require.NoError(t, err)

	_, err = gc.WatchFrames(ctx, "/absent", api.WatchTierNode, 0)
	assert.ErrorIs(t, err, ErrBadRequest)

	stream, err := gc.WatchFrames(ctx, "/f", api.WatchTierNode, 0)
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.WatchEventInitialized, ev.EventType)

	require.NoError(t, c.Update(ctx, "/f", "v2"))
	ev, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.WatchEvent{Tier: api.WatchTierNode, EventType: api.WatchEventModified, Path: "/f", Value: "v2"}, ev)
}
