// Package zkensemble connects the coordination client to a ZooKeeper ensemble through go-zookeeper.
package zkensemble

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
	"github.com/meidoworks/nekoq-coord/shared/logging"
)

var _zkEnsembleLogger = logging.NewLogger("ZkEnsemble")

type Config struct {
	Servers           []string
	SessionTimeout    time.Duration
	ConnectionTimeout time.Duration
}

func NewDialer(cfg Config) ensemble.Dialer {
	return ensemble.DialFunc(func(ctx context.Context) (ensemble.Conn, error) {
		return Dial(ctx, cfg)
	})
}

// Dial connects to the ensemble and waits until a session is established or ConnectionTimeout elapses.
func Dial(ctx context.Context, cfg Config) (ensemble.Conn, error) {
	zkConn, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout,
		zk.WithLogger(logging.Printf{Logger: _zkEnsembleLogger}),
		zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("%w: connect %v: %s", ensemble.ErrBackend, cfg.Servers, err)
	}

	timer := time.NewTimer(cfg.ConnectionTimeout)
	defer timer.Stop()
	initial := ensemble.SessionConnected
WAIT:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, ensemble.ErrClosed
			}
			if ev.Type != zk.EventSession {
				continue
			}
			switch ev.State {
			case zk.StateHasSession:
				break WAIT
			case zk.StateConnectedReadOnly:
				initial = ensemble.SessionReadOnly
				break WAIT
			case zk.StateAuthFailed:
				zkConn.Close()
				return nil, fmt.Errorf("%w: authentication failed", ensemble.ErrBackend)
			}
		case <-timer.C:
			zkConn.Close()
			return nil, fmt.Errorf("%w: no session within %s", ensemble.ErrConnectionLoss, cfg.ConnectionTimeout)
		case <-ctx.Done():
			zkConn.Close()
			return nil, ctx.Err()
		}
	}

	c := &conn{
		zk:     zkConn,
		states: make(chan ensemble.SessionState, 64),
	}
	c.states <- initial
	go c.pump(events)
	_zkEnsembleLogger.Infof("session [0x%x] established with %v", zkConn.SessionID(), cfg.Servers)
	return c, nil
}

type conn struct {
	zk     *zk.Conn
	states chan ensemble.SessionState
}

var _ ensemble.Conn = (*conn)(nil)

func (c *conn) pump(events <-chan zk.Event) {
	defer close(c.states)
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}
		var state ensemble.SessionState
		switch ev.State {
		case zk.StateHasSession:
			state = ensemble.SessionConnected
		case zk.StateConnectedReadOnly:
			state = ensemble.SessionReadOnly
		case zk.StateDisconnected:
			state = ensemble.SessionDisconnected
		case zk.StateExpired:
			state = ensemble.SessionExpired
		default:
			continue
		}
		_zkEnsembleLogger.Debugf("session state %s from %s", ev.State, ev.Server)
		c.states <- state
	}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		return ensemble.ErrNoNode
	case errors.Is(err, zk.ErrNodeExists):
		return ensemble.ErrNodeExists
	case errors.Is(err, zk.ErrBadVersion):
		return ensemble.ErrBadVersion
	case errors.Is(err, zk.ErrNotEmpty):
		return ensemble.ErrNotEmpty
	case errors.Is(err, zk.ErrNoChildrenForEphemerals):
		return ensemble.ErrNoChildrenForEphemerals
	case errors.Is(err, zk.ErrInvalidPath), errors.Is(err, zk.ErrBadArguments):
		return ensemble.ErrInvalidPath
	case errors.Is(err, zk.ErrSessionExpired):
		return ensemble.ErrSessionExpired
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrNoServer), errors.Is(err, zk.ErrSessionMoved):
		return ensemble.ErrConnectionLoss
	case errors.Is(err, zk.ErrClosing):
		return ensemble.ErrClosed
	default:
		return fmt.Errorf("%w: %s", ensemble.ErrBackend, err)
	}
}

func translateEvent(ev zk.Event) ensemble.Event {
	result := ensemble.Event{Path: ev.Path, Err: translate(ev.Err)}
	switch ev.Type {
	case zk.EventNodeCreated:
		result.Type = ensemble.EventNodeCreated
	case zk.EventNodeDeleted:
		result.Type = ensemble.EventNodeDeleted
	case zk.EventNodeDataChanged:
		result.Type = ensemble.EventNodeDataChanged
	case zk.EventNodeChildrenChanged:
		result.Type = ensemble.EventNodeChildrenChanged
	default:
		result.Type = ensemble.EventNotWatching
	}
	return result
}

func adaptWatch(ch <-chan zk.Event) <-chan ensemble.Event {
	out := make(chan ensemble.Event, 1)
	go func() {
		defer close(out)
		ev, ok := <-ch
		if !ok {
			out <- ensemble.Event{Type: ensemble.EventNotWatching, Err: ensemble.ErrClosed}
			return
		}
		out <- translateEvent(ev)
	}()
	return out
}

func adaptStat(st *zk.Stat) *ensemble.Stat {
	if st == nil {
		return nil
	}
	return &ensemble.Stat{
		Czxid:          st.Czxid,
		Mzxid:          st.Mzxid,
		Ctime:          st.Ctime,
		Mtime:          st.Mtime,
		Version:        st.Version,
		Cversion:       st.Cversion,
		EphemeralOwner: st.EphemeralOwner,
		DataLength:     st.DataLength,
		NumChildren:    st.NumChildren,
	}
}

func createFlags(mode api.NodeMode) int32 {
	var flags int32
	if mode.IsEphemeral() {
		flags |= zk.FlagEphemeral
	}
	if mode.IsSequential() {
		flags |= zk.FlagSequence
	}
	return flags
}

func (c *conn) Exists(ctx context.Context, path string) (bool, *ensemble.Stat, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	ok, st, err := c.zk.Exists(path)
	if err != nil {
		return false, nil, translate(err)
	}
	if !ok {
		return false, nil, nil
	}
	return true, adaptStat(st), nil
}

func (c *conn) ExistsW(ctx context.Context, path string) (bool, *ensemble.Stat, <-chan ensemble.Event, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, nil, err
	}
	ok, st, ch, err := c.zk.ExistsW(path)
	if err != nil {
		return false, nil, nil, translate(err)
	}
	if !ok {
		return false, nil, adaptWatch(ch), nil
	}
	return true, adaptStat(st), adaptWatch(ch), nil
}

func (c *conn) Get(ctx context.Context, path string) ([]byte, *ensemble.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	data, st, err := c.zk.Get(path)
	if err != nil {
		return nil, nil, translate(err)
	}
	return data, adaptStat(st), nil
}

func (c *conn) GetW(ctx context.Context, path string) ([]byte, *ensemble.Stat, <-chan ensemble.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}
	data, st, ch, err := c.zk.GetW(path)
	if err != nil {
		return nil, nil, nil, translate(err)
	}
	return data, adaptStat(st), adaptWatch(ch), nil
}

func (c *conn) Children(ctx context.Context, path string) ([]string, *ensemble.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	names, st, err := c.zk.Children(path)
	if err != nil {
		return nil, nil, translate(err)
	}
	return names, adaptStat(st), nil
}

func (c *conn) ChildrenW(ctx context.Context, path string) ([]string, *ensemble.Stat, <-chan ensemble.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}
	names, st, ch, err := c.zk.ChildrenW(path)
	if err != nil {
		return nil, nil, nil, translate(err)
	}
	return names, adaptStat(st), adaptWatch(ch), nil
}

func (c *conn) Create(ctx context.Context, path string, data []byte, mode api.NodeMode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	created, err := c.zk.Create(path, data, createFlags(mode), zk.WorldACL(zk.PermAll))
	return created, translate(err)
}

func (c *conn) Set(ctx context.Context, path string, data []byte, version int32) (*ensemble.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := c.zk.Set(path, data, version)
	if err != nil {
		return nil, translate(err)
	}
	return adaptStat(st), nil
}

func (c *conn) Delete(ctx context.Context, path string, version int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(c.zk.Delete(path, version))
}

func (c *conn) Multi(ctx context.Context, ops ...ensemble.Op) ([]ensemble.OpResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	requests := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		switch o := op.(type) {
		case *ensemble.CreateOp:
			requests = append(requests, &zk.CreateRequest{Path: o.Path, Data: o.Data, Acl: zk.WorldACL(zk.PermAll), Flags: createFlags(o.Mode)})
		case *ensemble.DeleteOp:
			requests = append(requests, &zk.DeleteRequest{Path: o.Path, Version: o.Version})
		case *ensemble.SetOp:
			requests = append(requests, &zk.SetDataRequest{Path: o.Path, Data: o.Data, Version: o.Version})
		case *ensemble.CheckOp:
			requests = append(requests, &zk.CheckVersionRequest{Path: o.Path, Version: o.Version})
		default:
			return nil, fmt.Errorf("%w: unsupported multi op %T", ensemble.ErrBackend, op)
		}
	}

	responses, err := c.zk.Multi(requests...)
	if len(responses) == 0 && err != nil {
		return nil, translate(err)
	}
	fallback := -1
	for idx, r := range responses {
		if r.Error == nil {
			continue
		}
		cause := translate(r.Error)
		if errors.Is(cause, ensemble.ErrBackend) {
			// sibling ops of the failing one report a runtime inconsistency
			if fallback < 0 {
				fallback = idx
			}
			continue
		}
		return nil, &ensemble.MultiError{Index: idx, Err: cause}
	}
	if fallback >= 0 {
		return nil, &ensemble.MultiError{Index: fallback, Err: translate(responses[fallback].Error)}
	}
	if err != nil {
		return nil, translate(err)
	}

	results := make([]ensemble.OpResult, len(ops))
	for idx, op := range ops {
		results[idx] = ensemble.OpResult{
			Kind:       op.Kind(),
			Path:       op.OpPath(),
			ResultPath: op.OpPath(),
			Stat:       adaptStat(responses[idx].Stat),
		}
		if op.Kind() == api.TxCreate && responses[idx].String != "" {
			results[idx].ResultPath = responses[idx].String
		}
	}
	return results, nil
}

func (c *conn) States() <-chan ensemble.SessionState {
	return c.states
}

func (c *conn) SessionID() int64 {
	return c.zk.SessionID()
}

func (c *conn) Close() error {
	c.zk.Close()
	return nil
}
