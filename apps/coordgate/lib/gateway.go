// Package lib exposes a coordination client over HTTP and websocket.
package lib

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/clients/coordclient"
	"github.com/meidoworks/nekoq-coord/config"
	"github.com/meidoworks/nekoq-coord/shared/logging"
	"github.com/meidoworks/nekoq-coord/shared/thirdpartyshared/ginshared"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
)

var _gatewayLogger = logging.NewLogger("CoordGate")

type Gateway struct {
	engine *gin.Engine
	client *coordclient.Client
	latch  *coordclient.LeaderLatch
	cfg    config.GatewayConfig

	// transactions of one client are single flight, gateway callers queue here
	txLock sync.Mutex

	lifetime context.Context
	cancel   context.CancelFunc
}

// NewGateway builds the gateway over client. latch may be nil when election is disabled.
func NewGateway(client *coordclient.Client, latch *coordclient.LeaderLatch, cfg config.GatewayConfig) *Gateway {
	lifetime, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		engine:   gin.New(),
		client:   client,
		latch:    latch,
		cfg:      cfg,
		lifetime: lifetime,
		cancel:   cancel,
	}
	g.engine.Use(gin.Recovery())
	g.engine.Use(ginshared.ErrorResponder(classifyError))
	g.registerHandler()
	return g
}

func (g *Gateway) Handler() http.Handler {
	return g.engine
}

// Serve serves the gateway on l until ctx is done.
func (g *Gateway) Serve(ctx context.Context, l net.Listener) error {
	_gatewayLogger.Infof("coordination gateway serving on %s", l.Addr())
	return ginshared.StartBareMetalGinServer(ctx, l, g.engine, g.cfg.MaxConnections)
}

// ListenAndServe listens on the configured address and serves until ctx is done.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", g.cfg.Listen)
	if err != nil {
		return err
	}
	return g.Serve(ctx, l)
}

// Close terminates the open watch streams.
func (g *Gateway) Close() error {
	g.cancel()
	return nil
}

func classifyError(err error) (int, bool) {
	var regErr *coordclient.WatchRegistrationError
	switch {
	case errors.As(err, &regErr):
		return http.StatusBadRequest, true
	case errors.Is(err, coordclient.ErrNilValue),
		errors.Is(err, coordclient.ErrInvalidDepth):
		return http.StatusBadRequest, true
	case errors.Is(err, coordclient.ErrTransactionInFlight):
		return http.StatusConflict, true
	case errors.Is(err, coordclient.ErrClosed),
		errors.Is(err, coordclient.ErrNotStarted):
		return http.StatusServiceUnavailable, true
	}
	return 0, false
}

func (g *Gateway) registerHandler() {
	g.engine.GET("/nodes/*path", ginshared.Wrap(g.getNode))
	g.engine.PUT("/nodes/*path", ginshared.Wrap(g.createNode))
	g.engine.POST("/nodes/*path", ginshared.Wrap(g.updateNode))
	g.engine.DELETE("/nodes/*path", ginshared.Wrap(g.deleteNode))
	g.engine.GET("/children/*path", ginshared.Wrap(g.children))
	g.engine.POST("/txn", ginshared.Wrap(g.transaction))
	g.engine.GET("/election", ginshared.Wrap(g.election))
	g.engine.GET("/watch/*path", ginshared.Wrap(g.watch))
	g.engine.GET("/utility/state", ginshared.Wrap(g.state))
}

func (g *Gateway) state(ctx *gin.Context) ginshared.Render {
	state := g.client.State()
	return ginshared.RenderJson(http.StatusOK, api.StateResponse{
		State:      state.String(),
		Connected:  state.IsConnected(),
		Generation: g.client.Generation(),
		SessionID:  g.client.SessionID(),
		Namespace:  g.client.Namespace(),
	})
}

// readValue decodes the JSON request body. An empty body is the nil value.
func readValue(ctx *gin.Context) (any, error) {
	data, err := ctx.GetRawData()
	if err != nil {
		return nil, ginshared.BadRequest(err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, ginshared.BadRequest(err)
	}
	return v, nil
}

func queryBool(ctx *gin.Context, key string) (bool, error) {
	s := ctx.Query(key)
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, ginshared.BadRequest(errors.New("invalid " + key + ": " + s))
	}
	return b, nil
}

// queryVersion returns the version parameter, or false if it is absent.
func queryVersion(ctx *gin.Context) (int32, bool, error) {
	s := ctx.Query("version")
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, false, ginshared.BadRequest(errors.New("invalid version: " + s))
	}
	return int32(v), true, nil
}
