package lib

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/clients/coordclient"
	"github.com/meidoworks/nekoq-coord/shared/netaddons/httpaddons"
	"github.com/meidoworks/nekoq-coord/shared/thirdpartyshared/ginshared"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/atomic"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultWatchDepth = 16
	watchBacklog      = 256
	watchWriteTimeout = 10 * time.Second
)

// watchStream turns listener callbacks of every watch tier into api.WatchEvent values.
// Callbacks of one watch are serialized, so events keep their order.
type watchStream struct {
	tier     api.WatchTier
	events   chan api.WatchEvent
	overflow chan struct{}
	dropped  *atomic.Bool
	gone     bool
}

func newWatchStream(tier api.WatchTier) *watchStream {
	return &watchStream{
		tier:     tier,
		events:   make(chan api.WatchEvent, watchBacklog),
		overflow: make(chan struct{}),
		dropped:  atomic.NewBool(false),
	}
}

func (s *watchStream) push(typ api.WatchEventType, path string, value any) {
	if s.dropped.Load() {
		return
	}
	select {
	case s.events <- api.WatchEvent{Tier: s.tier, EventType: typ, Path: path, Value: value}:
	default:
		// a slow consumer must not see a stream with holes
		if s.dropped.CompareAndSwap(false, true) {
			close(s.overflow)
		}
	}
}

func (s *watchStream) NodeChanged(c *coordclient.Client, path string, value any) {
	switch {
	case path == "":
		s.gone = true
		s.push(api.WatchEventDelete, "", nil)
	case s.gone:
		s.gone = false
		s.push(api.WatchEventCreated, path, value)
	default:
		s.push(api.WatchEventModified, path, value)
	}
}

func (s *watchStream) Initialized(c *coordclient.Client) {
	s.push(api.WatchEventInitialized, "", nil)
}

func (s *watchStream) ConnectSuspended(c *coordclient.Client) {
	s.push(api.WatchEventConnectSuspended, "", nil)
}

func (s *watchStream) ConnectReconnect(c *coordclient.Client) {
	s.push(api.WatchEventConnectReconnect, "", nil)
}

func (s *watchStream) ConnectLost(c *coordclient.Client) {
	s.push(api.WatchEventConnectLost, "", nil)
}

func (s *watchStream) ChildAdd(c *coordclient.Client, path string, value any) {
	s.push(api.WatchEventCreated, path, value)
}

func (s *watchStream) ChildUpdate(c *coordclient.Client, path string, value any) {
	s.push(api.WatchEventModified, path, value)
}

func (s *watchStream) ChildRemove(c *coordclient.Client, path string, value any) {
	s.push(api.WatchEventDelete, path, value)
}

func (s *watchStream) PathAdd(c *coordclient.Client, path string, value any) {
	s.push(api.WatchEventCreated, path, value)
}

func (s *watchStream) PathUpdate(c *coordclient.Client, path string, value any) {
	s.push(api.WatchEventModified, path, value)
}

func (s *watchStream) PathRemove(c *coordclient.Client, path string, value any) {
	s.push(api.WatchEventDelete, path, value)
}

func (g *Gateway) registerWatch(ctx context.Context, tier api.WatchTier, path string, depth int, stream *watchStream) (*coordclient.Watch, error) {
	switch tier {
	case api.WatchTierNode:
		w, err := g.client.WatchNode(ctx, path, stream)
		if err != nil {
			return nil, err
		}
		// the node tier has no initial snapshot event of its own
		stream.Initialized(g.client)
		return w, nil
	case api.WatchTierChildren:
		return g.client.WatchChildren(ctx, path, stream)
	case api.WatchTierTree:
		return g.client.WatchTree(ctx, path, depth, stream)
	default:
		panic("unreachable")
	}
}

func (g *Gateway) watch(ctx *gin.Context) ginshared.Render {
	path := ctx.Param("path")
	tier, err := api.ParseWatchTier(ctx.Query("tier"))
	if err != nil {
		return ginshared.RenderError(ginshared.BadRequest(err))
	}
	depth := defaultWatchDepth
	if s := ctx.Query("depth"); s != "" {
		if depth, err = strconv.Atoi(s); err != nil {
			return ginshared.RenderError(ginshared.BadRequest(errors.New("invalid depth: " + s)))
		}
	}

	stream := newWatchStream(tier)
	w, err := g.registerWatch(ctx.Request.Context(), tier, path, depth, stream)
	if err != nil {
		return ginshared.RenderError(err)
	}
	defer w.Close()

	if ctx.Query("transport") == "stream" {
		return g.streamFrames(ctx, path, stream)
	}

	c, err := websocket.Accept(ctx.Writer, ctx.Request, &websocket.AcceptOptions{
		Subprotocols: []string{api.WatchSubprotocol},
	})
	if err != nil {
		_gatewayLogger.Warnf("accept watch stream from %s failed: %s", ctx.Request.RemoteAddr, err)
		return nil
	}
	defer c.Close(websocket.StatusInternalError, "watch stream aborted")

	if c.Subprotocol() != api.WatchSubprotocol {
		c.Close(websocket.StatusPolicyViolation, "client must speak the "+api.WatchSubprotocol+" subprotocol")
		return nil
	}
	_gatewayLogger.Debugf("%s watch stream on %s opened by %s", tier, path, ctx.Request.RemoteAddr)

	// the client never sends data messages, reading only handles control frames
	readCtx := c.CloseRead(context.Background())

	for {
		select {
		case ev := <-stream.events:
			wctx, cancel := context.WithTimeout(readCtx, watchWriteTimeout)
			err := wsjson.Write(wctx, c, ev)
			cancel()
			if err != nil {
				_gatewayLogger.Debugf("watch stream on %s ended: %s", path, err)
				return nil
			}
		case <-stream.overflow:
			c.Close(websocket.StatusPolicyViolation, "watch stream overflow")
			return nil
		case <-readCtx.Done():
			return nil
		case <-g.lifetime.Done():
			c.Close(websocket.StatusGoingAway, "gateway shutting down")
			return nil
		}
	}
}

// streamFrames sends the events as frames of a streamed HTTP response, for clients which cannot use websocket.
func (g *Gateway) streamFrames(ctx *gin.Context, path string, stream *watchStream) ginshared.Render {
	ctx.Header("Content-Type", "application/octet-stream")
	ctx.Header("Cache-Control", "no-cache")
	ctx.Status(http.StatusOK)
	ctx.Writer.WriteHeaderNow()
	ctx.Writer.Flush()

	for {
		select {
		case ev := <-stream.events:
			data, err := json.Marshal(ev)
			if err != nil {
				_gatewayLogger.Errorf("marshal watch event failed: %s", err)
				return nil
			}
			if err := httpaddons.WriteFrame(ctx.Writer, data); err != nil {
				_gatewayLogger.Debugf("watch stream on %s ended: %s", path, err)
				return nil
			}
		case <-stream.overflow:
			return nil
		case <-ctx.Request.Context().Done():
			return nil
		case <-g.lifetime.Done():
			return nil
		}
	}
}
