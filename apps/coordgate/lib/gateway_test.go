package lib

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/clients/coordclient"
	"github.com/meidoworks/nekoq-coord/config"
	"github.com/meidoworks/nekoq-coord/shared/ensemble/memensemble"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const waitTimeout = 3 * time.Second

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	client  *coordclient.Client
	gateway *Gateway
	server  *httptest.Server
}

func newFixture(t *testing.T, latch func(c *coordclient.Client) *coordclient.LeaderLatch) *fixture {
	ens, err := memensemble.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ens.Close()
	})
	c, err := coordclient.Connect(context.Background(), ens.Dialer(),
		coordclient.WithRetryPolicy(coordclient.ExponentialBackoffRetry(3, 20*time.Millisecond)),
		coordclient.WithConnectionTimeout(time.Second))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})

	var l *coordclient.LeaderLatch
	if latch != nil {
		l = latch(c)
	}
	g := NewGateway(c, l, config.Default().Gateway)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		_ = g.Close()
	})
	return &fixture{client: c, gateway: g, server: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	var v T
	require.NoError(t, json.NewDecoder(bytes.NewReader(data)).Decode(&v), string(data))
	return v
}

func TestNodeLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.do(t, http.MethodPut, "/nodes/a/b?recurse=true", `{"k":"v"}`)
	require.Equal(t, http.StatusCreated, status, string(body))
	assert.Equal(t, "/a/b", decode[api.CreateResponse](t, body).Path)

	status, body = f.do(t, http.MethodGet, "/nodes/a/b", "")
	require.Equal(t, http.StatusOK, status)
	node := decode[api.NodeResponse](t, body)
	assert.Equal(t, "/a/b", node.Path)
	assert.Equal(t, map[string]any{"k": "v"}, node.Value)
	assert.EqualValues(t, 0, node.Stat.Version)

	status, _ = f.do(t, http.MethodPost, "/nodes/a/b?version=0", `"x"`)
	assert.Equal(t, http.StatusOK, status)
	status, body = f.do(t, http.MethodPost, "/nodes/a/b?version=0", `"y"`)
	assert.Equal(t, http.StatusPreconditionFailed, status)
	assert.Equal(t, http.StatusPreconditionFailed, decode[api.ErrorResponse](t, body).Status)

	status, body = f.do(t, http.MethodGet, "/children/a", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"b"}, decode[api.ChildrenResponse](t, body).Children)

	status, _ = f.do(t, http.MethodDelete, "/nodes/a", "")
	assert.Equal(t, http.StatusConflict, status)
	status, _ = f.do(t, http.MethodDelete, "/nodes/a?recurse=true", "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodGet, "/nodes/a/b", "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.do(t, http.MethodGet, "/children/a", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRequestErrors(t *testing.T) {
	f := newFixture(t, nil)

	status, _ := f.do(t, http.MethodPut, "/nodes/x", `1`)
	require.Equal(t, http.StatusCreated, status)
	status, _ = f.do(t, http.MethodPut, "/nodes/x", `2`)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = f.do(t, http.MethodPut, "/nodes/missing/child", `1`)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.do(t, http.MethodPut, "/nodes/y?mode=bogus", `1`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPut, "/nodes/y", `{broken`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/nodes/x", "")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPost, "/nodes/absent", `1`)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.do(t, http.MethodPost, "/nodes/x?version=abc", `1`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodDelete, "/nodes/absent", "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.do(t, http.MethodDelete, "/nodes/x?version=7", "")
	assert.Equal(t, http.StatusPreconditionFailed, status)
	status, _ = f.do(t, http.MethodDelete, "/nodes/x?force=true", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestTransaction(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.do(t, http.MethodPost, "/txn", `{"ops":[
		{"kind":"create","path":"/t","value":"root"},
		{"kind":"create","path":"/t/s-","value":1,"mode":"persistent_sequential"},
		{"kind":"check","path":"/t","version":0}
	]}`)
	require.Equal(t, http.StatusOK, status, string(body))
	results := decode[api.TxnResponse](t, body).Results
	require.Len(t, results, 3)
	assert.Equal(t, api.TxnResult{Kind: "create", ForPath: "/t", ResultPath: "/t"}, results[0])
	assert.Equal(t, "/t/s-", results[1].ForPath)
	assert.True(t, strings.HasPrefix(results[1].ResultPath, "/t/s-"))
	assert.Len(t, results[1].ResultPath, len("/t/s-")+10)
	assert.Equal(t, "check", results[2].Kind)

	status, _ = f.do(t, http.MethodPost, "/txn", `{"ops":[
		{"kind":"create","path":"/t2","value":"x"},
		{"kind":"check","path":"/t","version":5}
	]}`)
	assert.Equal(t, http.StatusPreconditionFailed, status)
	status, _ = f.do(t, http.MethodGet, "/nodes/t2", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodPost, "/txn", `{"ops":[{"kind":"merge","path":"/t"}]}`)
	assert.Equal(t, http.StatusBadRequest, status)

	// the rejected transaction must not block the next one
	status, _ = f.do(t, http.MethodPost, "/txn", `{"ops":[{"kind":"delete","path":"/t","recurse":true}]}`)
	assert.Equal(t, http.StatusOK, status)
}

func TestElection(t *testing.T) {
	f := newFixture(t, nil)
	status, body := f.do(t, http.MethodGet, "/election", "")
	require.Equal(t, http.StatusOK, status)
	assert.False(t, decode[api.ElectionResponse](t, body).Enabled)

	var latch *coordclient.LeaderLatch
	f = newFixture(t, func(c *coordclient.Client) *coordclient.LeaderLatch {
		latch = coordclient.NewLeaderLatch(c, "/leader", coordclient.ElectionListenerFuncs{},
			coordclient.WithParticipantID("gw-1"))
		require.NoError(t, latch.Start(context.Background()))
		return latch
	})
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, latch.Await(ctx))

	status, body = f.do(t, http.MethodGet, "/election", "")
	require.Equal(t, http.StatusOK, status)
	resp := decode[api.ElectionResponse](t, body)
	assert.True(t, resp.Enabled)
	assert.True(t, resp.HasLeadership)
	assert.Equal(t, "gw-1", resp.LeaderID)
	assert.Equal(t, "gw-1", resp.ParticipantID)
	require.Len(t, resp.Participants, 1)
	assert.True(t, resp.Participants[0].Leader)
}

func TestState(t *testing.T) {
	f := newFixture(t, nil)
	status, body := f.do(t, http.MethodGet, "/utility/state", "")
	require.Equal(t, http.StatusOK, status)
	resp := decode[api.StateResponse](t, body)
	assert.Equal(t, "CONNECTED", resp.State)
	assert.True(t, resp.Connected)
	assert.EqualValues(t, 1, resp.Generation)
}

func dialWatch(t *testing.T, f *fixture, query string) *websocket.Conn {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + query
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{api.WatchSubprotocol},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close(websocket.StatusNormalClosure, "")
	})
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) api.WatchEvent {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	var ev api.WatchEvent
	require.NoError(t, wsjson.Read(ctx, c, &ev))
	return ev
}

func TestWatchChildrenStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.client.CreatePersistent(ctx, "/w", "root")
	require.NoError(t, err)

	c := dialWatch(t, f, "/watch/w?tier=children")
	assert.Equal(t, api.WatchEventInitialized, readEvent(t, c).EventType)

	_, err = f.client.CreatePersistent(ctx, "/w/a", "va")
	require.NoError(t, err)
	ev := readEvent(t, c)
	assert.Equal(t, api.WatchEvent{Tier: api.WatchTierChildren, EventType: api.WatchEventCreated, Path: "/w/a", Value: "va"}, ev)

	require.NoError(t, f.client.Delete(ctx, "/w/a", false))
	ev = readEvent(t, c)
	assert.Equal(t, api.WatchEventDelete, ev.EventType)
	assert.Equal(t, "/w/a", ev.Path)
}

func TestWatchNodeStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.client.CreatePersistent(ctx, "/n", "v1")
	require.NoError(t, err)

	c := dialWatch(t, f, "/watch/n")
	assert.Equal(t, api.WatchEventInitialized, readEvent(t, c).EventType)

	require.NoError(t, f.client.Update(ctx, "/n", "v2"))
	ev := readEvent(t, c)
	assert.Equal(t, api.WatchEventModified, ev.EventType)
	assert.Equal(t, "v2", ev.Value)

	require.NoError(t, f.client.Delete(ctx, "/n", false))
	assert.Equal(t, api.WatchEventDelete, readEvent(t, c).EventType)

	_, err = f.client.CreatePersistent(ctx, "/n", "v3")
	require.NoError(t, err)
	ev = readEvent(t, c)
	assert.Equal(t, api.WatchEventCreated, ev.EventType)
	assert.Equal(t, "v3", ev.Value)
}

func TestWatchRegistrationRejected(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.client.CreatePersistent(context.Background(), "/r", "v")
	require.NoError(t, err)

	status, _ := f.do(t, http.MethodGet, "/watch/absent", "")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodGet, "/watch/r?tier=bogus", "")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodGet, "/watch/r?tier=tree&depth=0", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGatewayCloseEndsStreams(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.client.CreatePersistent(context.Background(), "/s", "v")
	require.NoError(t, err)

	c := dialWatch(t, f, "/watch/s?tier=tree&depth=2")
	assert.Equal(t, api.WatchEventInitialized, readEvent(t, c).EventType)

	require.NoError(t, f.gateway.Close())
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	var ev api.WatchEvent
	err = wsjson.Read(ctx, c, &ev)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}
