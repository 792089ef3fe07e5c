package coordclient

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
	"github.com/meidoworks/nekoq-coord/shared/executor"
	"github.com/meidoworks/nekoq-coord/shared/logging"
)

var _watchLogger = logging.NewLogger("CoordWatch")

// resyncInterval is the delay before a registration retries to catch up with the tree after a failure.
const resyncInterval = 200 * time.Millisecond

// NodeListener is notified about changes of a single node.
// A removal is delivered as NodeChanged(c, "", nil).
type NodeListener interface {
	NodeChanged(c *Client, path string, value any)
}

type NodeListenerFunc func(c *Client, path string, value any)

func (f NodeListenerFunc) NodeChanged(c *Client, path string, value any) {
	f(c, path, value)
}

// LifecycleListener receives readiness and connection lifecycle signals of a cache backed watch.
type LifecycleListener interface {
	Initialized(c *Client)
	ConnectSuspended(c *Client)
	ConnectReconnect(c *Client)
	ConnectLost(c *Client)
}

// NopLifecycleListener ignores all lifecycle signals. Embed it to implement only the business callbacks.
type NopLifecycleListener struct{}

func (NopLifecycleListener) Initialized(c *Client)      {}
func (NopLifecycleListener) ConnectSuspended(c *Client) {}
func (NopLifecycleListener) ConnectReconnect(c *Client) {}
func (NopLifecycleListener) ConnectLost(c *Client)      {}

type ChildrenListener interface {
	LifecycleListener
	ChildAdd(c *Client, path string, value any)
	ChildUpdate(c *Client, path string, value any)
	ChildRemove(c *Client, path string, value any)
}

type TreeListener interface {
	LifecycleListener
	PathAdd(c *Client, path string, value any)
	PathUpdate(c *Client, path string, value any)
	PathRemove(c *Client, path string, value any)
}

type watchKind int

const (
	watchExists watchKind = iota + 1
	watchData
	watchChildren
)

// firedWatch is a one-shot ensemble watch which fired, tagged with the session generation it was armed in.
type firedWatch struct {
	kind  watchKind
	path  string
	gen   int64
	event ensemble.Event
}

type watchEngine interface {
	// load builds the initial snapshot without notifying the listener.
	load(ctx context.Context) error
	onFired(ctx context.Context, f firedWatch)
	onState(ctx context.Context, state api.ConnectionState)
	resync(ctx context.Context)
	dirty() bool
}

const (
	watchInit int32 = iota
	watchActive
	watchClosed
)

// Watch is a live watch registration. It keeps following its path across
// connection losses until Close is called.
type Watch struct {
	client     *Client
	tier       api.WatchTier
	path       string
	state      *atomic.Int32
	dispatcher *executor.Serial
	fired      chan firedWatch

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *Watch) Path() string {
	return w.path
}

func (w *Watch) Tier() api.WatchTier {
	return w.tier
}

func (w *Watch) Active() bool {
	return w.state.Load() == watchActive
}

// Close stops the delivery of future events. Callbacks already handed to the executor still run.
func (w *Watch) Close() error {
	if w.state.Swap(watchClosed) == watchClosed {
		return nil
	}
	w.cancel()
	<-w.done
	w.client.untrack(w)
	_watchLogger.Debugf("%s watch on %s closed", w.tier, w.path)
	return nil
}

func (w *Watch) dispatch(fn func()) {
	if w.state.Load() == watchClosed {
		return
	}
	if err := w.dispatcher.Submit(fn); err != nil {
		_watchLogger.Warnf("dropped %s watch event on %s, executor refused it: %s", w.tier, w.path, err)
	}
}

// forward hands the outcome of a one-shot watch channel to the registration loop.
func (w *Watch) forward(kind watchKind, path string, gen int64, ch <-chan ensemble.Event) {
	go func() {
		var ev ensemble.Event
		select {
		case e, ok := <-ch:
			if ok {
				ev = e
			} else {
				ev = ensemble.Event{Type: ensemble.EventNotWatching, Path: path}
			}
		case <-w.ctx.Done():
			return
		}
		select {
		case w.fired <- firedWatch{kind: kind, path: path, gen: gen, event: ev}:
		case <-w.ctx.Done():
		}
	}()
}

func (w *Watch) run(engine watchEngine, states <-chan api.ConnectionState, unsubscribe func()) {
	defer close(w.done)
	defer unsubscribe()
	var retry <-chan time.Time
	for {
		if retry == nil && engine.dirty() {
			retry = time.After(resyncInterval)
		}
		select {
		case <-w.ctx.Done():
			return
		case f := <-w.fired:
			b, err := w.client.bound()
			if err != nil || b.generation != f.gen {
				// armed in a session which has been replaced
				continue
			}
			engine.onFired(w.ctx, f)
		case st := <-states:
			engine.onState(w.ctx, st)
		case <-retry:
			retry = nil
			engine.resync(w.ctx)
		}
	}
}

// register verifies that path exists, loads the initial snapshot and starts following changes.
func (c *Client) register(ctx context.Context, tier api.WatchTier, path string, build func(w *Watch) watchEngine) (*Watch, error) {
	if c.closed.Load() {
		return nil, &WatchRegistrationError{Tier: tier, Path: path, Err: ErrClosed}
	}
	absent, err := c.Nonexistent(ctx, path)
	if err != nil {
		return nil, &WatchRegistrationError{Tier: tier, Path: path, Err: err}
	}
	if absent {
		return nil, &WatchRegistrationError{Tier: tier, Path: path, Err: ErrNoNode}
	}

	wctx, cancel := context.WithCancel(c.lifetime)
	w := &Watch{
		client:     c,
		tier:       tier,
		path:       path,
		state:      atomic.NewInt32(watchInit),
		dispatcher: executor.NewSerial(c.pool),
		fired:      make(chan firedWatch, 16),
		ctx:        wctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	engine := build(w)
	states, unsubscribe := c.subscribe()
	if err := engine.load(ctx); err != nil {
		unsubscribe()
		cancel()
		return nil, &WatchRegistrationError{Tier: tier, Path: path, Err: err}
	}
	w.state.Store(watchActive)
	go w.run(engine, states, unsubscribe)
	c.track(w)
	_watchLogger.Debugf("%s watch on %s registered", tier, path)
	return w, nil
}

func (c *Client) decodeEvent(path string, data []byte) any {
	v, err := c.decode(path, data)
	if err != nil {
		_watchLogger.Warnf("drop undecodable value in watch event: %s", err)
		return nil
	}
	return v
}
