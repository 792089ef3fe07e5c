package coordclient

import (
	"context"
	"errors"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
)

type nodeEvent interface {
	isNodeEvent()
}

type nodeChanged struct {
	path  string
	value any
}

type nodeGone struct{}

func (nodeChanged) isNodeEvent() {}
func (nodeGone) isNodeEvent()    {}

func deliverNode(c *Client, l NodeListener, ev nodeEvent) {
	switch e := ev.(type) {
	case nodeChanged:
		l.NodeChanged(c, e.path, e.value)
	case nodeGone:
		l.NodeChanged(c, "", nil)
	default:
		panic("unreachable")
	}
}

// nodeWatcher follows a single node with a re-armed exists watch.
type nodeWatcher struct {
	w        *Watch
	full     string
	listener NodeListener

	armed      bool
	needResync bool
	exists     bool
	czxid      int64
	version    int32
}

// WatchNode notifies listener about creation, update and removal of exactly the node at path.
func (c *Client) WatchNode(ctx context.Context, path string, listener NodeListener) (*Watch, error) {
	path = Normalize(path)
	if listener == nil {
		return nil, &WatchRegistrationError{Tier: api.WatchTierNode, Path: path, Err: ErrNilListener}
	}
	return c.register(ctx, api.WatchTierNode, path, func(w *Watch) watchEngine {
		return &nodeWatcher{w: w, full: c.resolve(path), listener: listener}
	})
}

func (n *nodeWatcher) emit(ev nodeEvent) {
	c := n.w.client
	n.w.dispatch(func() {
		deliverNode(c, n.listener, ev)
	})
}

func (n *nodeWatcher) load(ctx context.Context) error {
	return n.refresh(ctx, false)
}

func (n *nodeWatcher) refresh(ctx context.Context, notify bool) error {
	b, err := n.w.client.bound()
	if err != nil {
		return err
	}
	var exists bool
	if n.armed {
		exists, _, err = b.conn.Exists(ctx, n.full)
	} else {
		var ch <-chan ensemble.Event
		exists, _, ch, err = b.conn.ExistsW(ctx, n.full)
		if err == nil {
			n.armed = true
			n.w.forward(watchExists, n.full, b.generation, ch)
		}
	}
	if err != nil {
		return err
	}

	var data []byte
	var st *ensemble.Stat
	if exists {
		data, st, err = b.conn.Get(ctx, n.full)
		if errors.Is(err, ensemble.ErrNoNode) {
			exists = false
		} else if err != nil {
			return err
		}
	}

	switch {
	case exists && (!n.exists || st.Czxid != n.czxid || st.Version != n.version):
		n.exists, n.czxid, n.version = true, st.Czxid, st.Version
		if notify {
			n.emit(nodeChanged{path: n.w.client.strip(n.full), value: n.w.client.decodeEvent(n.w.path, data)})
		}
	case !exists && n.exists:
		n.exists, n.czxid, n.version = false, 0, 0
		if notify {
			n.emit(nodeGone{})
		}
	}
	return nil
}

func (n *nodeWatcher) onFired(ctx context.Context, f firedWatch) {
	n.armed = false
	if f.event.Type == ensemble.EventNotWatching {
		n.needResync = true
		return
	}
	if err := n.refresh(ctx, true); err != nil {
		_watchLogger.Debugf("refresh node watch on %s failed: %s", n.w.path, err)
		n.needResync = true
	}
}

func (n *nodeWatcher) onState(ctx context.Context, state api.ConnectionState) {
	switch state {
	case api.StateLost:
		n.armed = false
		n.needResync = true
	case api.StateReconnected:
		n.resync(ctx)
	}
}

func (n *nodeWatcher) resync(ctx context.Context) {
	n.needResync = false
	if err := n.refresh(ctx, true); err != nil {
		_watchLogger.Debugf("resync node watch on %s failed: %s", n.w.path, err)
		n.needResync = true
	}
}

func (n *nodeWatcher) dirty() bool {
	return n.needResync
}
