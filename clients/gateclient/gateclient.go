// Package gateclient talks to a coordination gateway over HTTP and websocket.
package gateclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
	"github.com/meidoworks/nekoq-coord/shared/logging"
	"github.com/meidoworks/nekoq-coord/shared/netaddons/httpaddons"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var _gateClientLogger = logging.NewLogger("GateClient")

var (
	ErrConflict    = errors.New("conflicting node state")
	ErrBadRequest  = errors.New("request rejected by gateway")
	ErrUnavailable = errors.New("gateway unavailable")
	ErrGateway     = errors.New("gateway failure")
)

// StatusError is a non successful gateway response.
type StatusError struct {
	Status  int
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway status %d: %s", e.Status, e.Message)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func statusError(status int, message string) error {
	var err error
	switch status {
	case http.StatusNotFound:
		err = ensemble.ErrNoNode
	case http.StatusConflict:
		err = ErrConflict
	case http.StatusPreconditionFailed:
		err = ensemble.ErrBadVersion
	case http.StatusBadRequest:
		err = ErrBadRequest
	case http.StatusServiceUnavailable:
		err = ErrUnavailable
	default:
		err = ErrGateway
	}
	return &StatusError{Status: status, Message: message, Err: err}
}

type GateClient struct {
	r      *resty.Client
	host   string
	wsHost string
}

// NewGateClient creates a client of the gateway at addr, either host:port or an http(s) URL.
func NewGateClient(addr string) *GateClient {
	host := strings.TrimSuffix(addr, "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	// no client timeout, frame streams live as long as their context
	r := resty.New().SetLogger(restyLogger{})
	r.JSONMarshal = json.Marshal
	r.JSONUnmarshal = json.Unmarshal
	return &GateClient{
		r:      r,
		host:   host,
		wsHost: "ws" + strings.TrimPrefix(host, "http"),
	}
}

type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...interface{}) {
	_gateClientLogger.Errorf(format, v...)
}

func (restyLogger) Warnf(format string, v ...interface{}) {
	_gateClientLogger.Warnf(format, v...)
}

func (restyLogger) Debugf(format string, v ...interface{}) {
	_gateClientLogger.Debugf(format, v...)
}

func (g *GateClient) request(ctx context.Context) *resty.Request {
	return g.r.R().SetContext(ctx).SetError(new(api.ErrorResponse))
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if resp.IsSuccess() {
		return nil
	}
	message := resp.Status()
	if e, ok := resp.Error().(*api.ErrorResponse); ok && e.Error != "" {
		message = e.Error
	}
	return statusError(resp.StatusCode(), message)
}

func withValue(req *resty.Request, value any) (*resty.Request, error) {
	if value == nil {
		return req, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return req.SetHeader("Content-Type", "application/json").SetBody(data), nil
}

func (g *GateClient) Get(ctx context.Context, path string) (*api.NodeResponse, error) {
	out := new(api.NodeResponse)
	if err := check(g.request(ctx).SetResult(out).Get(g.host + "/nodes" + path)); err != nil {
		return nil, err
	}
	return out, nil
}

// Create creates path and returns the created path, which carries the sequence suffix for sequential modes.
func (g *GateClient) Create(ctx context.Context, path string, value any, mode api.NodeMode, recurse bool) (string, error) {
	out := new(api.CreateResponse)
	req, err := withValue(g.request(ctx), value)
	if err != nil {
		return "", err
	}
	req = req.SetResult(out).
		SetQueryParam("mode", mode.String()).
		SetQueryParam("recurse", strconv.FormatBool(recurse))
	if err := check(req.Put(g.host + "/nodes" + path)); err != nil {
		return "", err
	}
	return out.Path, nil
}

func (g *GateClient) Update(ctx context.Context, path string, value any) error {
	return g.update(ctx, path, value, ensemble.AnyVersion)
}

func (g *GateClient) UpdateVersion(ctx context.Context, path string, value any, version int32) error {
	return g.update(ctx, path, value, version)
}

func (g *GateClient) update(ctx context.Context, path string, value any, version int32) error {
	req, err := withValue(g.request(ctx), value)
	if err != nil {
		return err
	}
	if version != ensemble.AnyVersion {
		req = req.SetQueryParam("version", strconv.FormatInt(int64(version), 10))
	}
	return check(req.Post(g.host + "/nodes" + path))
}

func (g *GateClient) Delete(ctx context.Context, path string, recurse bool) error {
	return check(g.request(ctx).
		SetQueryParam("recurse", strconv.FormatBool(recurse)).
		Delete(g.host + "/nodes" + path))
}

func (g *GateClient) DeleteVersion(ctx context.Context, path string, version int32) error {
	return check(g.request(ctx).
		SetQueryParam("version", strconv.FormatInt(int64(version), 10)).
		Delete(g.host + "/nodes" + path))
}

// DeleteForce asks the gateway to keep deleting path until it succeeds or the request is cancelled.
func (g *GateClient) DeleteForce(ctx context.Context, path string) error {
	return check(g.request(ctx).
		SetQueryParam("force", "true").
		Delete(g.host + "/nodes" + path))
}

func (g *GateClient) Children(ctx context.Context, path string) ([]string, error) {
	out := new(api.ChildrenResponse)
	if err := check(g.request(ctx).SetResult(out).Get(g.host + "/children" + path)); err != nil {
		return nil, err
	}
	return out.Children, nil
}

// Commit applies ops atomically.
func (g *GateClient) Commit(ctx context.Context, ops ...api.TxnOp) ([]api.TxnResult, error) {
	out := new(api.TxnResponse)
	if err := check(g.request(ctx).
		SetBody(api.TxnRequest{Ops: ops}).
		SetResult(out).
		Post(g.host + "/txn")); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (g *GateClient) Election(ctx context.Context) (*api.ElectionResponse, error) {
	out := new(api.ElectionResponse)
	if err := check(g.request(ctx).SetResult(out).Get(g.host + "/election")); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *GateClient) State(ctx context.Context) (*api.StateResponse, error) {
	out := new(api.StateResponse)
	if err := check(g.request(ctx).SetResult(out).Get(g.host + "/utility/state")); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchStream receives the events of one gateway watch.
type WatchStream struct {
	conn *websocket.Conn

	body   io.ReadCloser
	reader *bufio.Reader
}

func watchQuery(path string, tier api.WatchTier, depth int) string {
	query := fmt.Sprintf("/watch%s?tier=%s", path, tier)
	if depth > 0 {
		query += "&depth=" + strconv.Itoa(depth)
	}
	return query
}

// Watch opens a websocket watch stream on path. depth is only used by the tree tier, 0 leaves it to the gateway.
func (g *GateClient) Watch(ctx context.Context, path string, tier api.WatchTier, depth int) (*WatchStream, error) {
	c, resp, err := websocket.Dial(ctx, g.wsHost+watchQuery(path, tier, depth), &websocket.DialOptions{
		Subprotocols: []string{api.WatchSubprotocol},
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, statusError(resp.StatusCode, responseMessage(resp))
		}
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return &WatchStream{conn: c}, nil
}

// WatchFrames opens a watch stream carried by a streamed HTTP response instead of websocket.
// The stream lives as long as ctx.
func (g *GateClient) WatchFrames(ctx context.Context, path string, tier api.WatchTier, depth int) (*WatchStream, error) {
	resp, err := g.r.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(g.host + watchQuery(path, tier, depth) + "&transport=stream")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		defer body.Close()
		return nil, statusError(resp.StatusCode(), responseMessage(resp.RawResponse))
	}
	return &WatchStream{body: body, reader: bufio.NewReader(body)}, nil
}

func responseMessage(resp *http.Response) string {
	if resp.Body == nil {
		return resp.Status
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return resp.Status
	}
	e := new(api.ErrorResponse)
	if json.Unmarshal(data, e) == nil && e.Error != "" {
		return e.Error
	}
	return resp.Status
}

// Next blocks until the next event arrives. It fails once the stream is closed.
// For frame streams ctx is not consulted, the stream ends with the context it was opened with.
func (w *WatchStream) Next(ctx context.Context) (api.WatchEvent, error) {
	var ev api.WatchEvent
	if w.conn != nil {
		err := wsjson.Read(ctx, w.conn, &ev)
		return ev, err
	}
	data, err := httpaddons.ReadFrame(w.reader)
	if err != nil {
		return ev, err
	}
	err = json.Unmarshal(data, &ev)
	return ev, err
}

func (w *WatchStream) Close() error {
	if w.conn != nil {
		return w.conn.Close(websocket.StatusNormalClosure, "close operation")
	}
	return w.body.Close()
}
