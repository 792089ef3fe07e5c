package coordclient

import (
	"context"
	"errors"
	"sort"

	goset "github.com/deckarep/golang-set/v2"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
)

type cacheEvent interface {
	isCacheEvent()
}

type cacheAdded struct {
	path  string
	value any
}

type cacheUpdated struct {
	path  string
	value any
}

type cacheRemoved struct {
	path  string
	value any
}

type cacheInitialized struct{}
type cacheSuspended struct{}
type cacheReconnected struct{}
type cacheLost struct{}

func (cacheAdded) isCacheEvent()       {}
func (cacheUpdated) isCacheEvent()     {}
func (cacheRemoved) isCacheEvent()     {}
func (cacheInitialized) isCacheEvent() {}
func (cacheSuspended) isCacheEvent()   {}
func (cacheReconnected) isCacheEvent() {}
func (cacheLost) isCacheEvent()        {}

func deliverLifecycle(c *Client, l LifecycleListener, ev cacheEvent) {
	switch ev.(type) {
	case cacheInitialized:
		l.Initialized(c)
	case cacheSuspended:
		l.ConnectSuspended(c)
	case cacheReconnected:
		l.ConnectReconnect(c)
	case cacheLost:
		l.ConnectLost(c)
	default:
		panic("unreachable")
	}
}

func deliverChildren(c *Client, l ChildrenListener, ev cacheEvent) {
	switch e := ev.(type) {
	case cacheAdded:
		l.ChildAdd(c, e.path, e.value)
	case cacheUpdated:
		l.ChildUpdate(c, e.path, e.value)
	case cacheRemoved:
		l.ChildRemove(c, e.path, e.value)
	default:
		deliverLifecycle(c, l, ev)
	}
}

func deliverTree(c *Client, l TreeListener, ev cacheEvent) {
	switch e := ev.(type) {
	case cacheAdded:
		l.PathAdd(c, e.path, e.value)
	case cacheUpdated:
		l.PathUpdate(c, e.path, e.value)
	case cacheRemoved:
		l.PathRemove(c, e.path, e.value)
	default:
		deliverLifecycle(c, l, ev)
	}
}

type cacheNode struct {
	depth      int
	czxid      int64
	version    int32
	data       []byte
	children   goset.Set[string]
	dataArmed  bool
	childArmed bool
}

// treeWatcher mirrors the subtree below root down to maxDepth, the root being depth 0.
// Children of a node are followed only while its depth is below maxDepth.
type treeWatcher struct {
	w           *Watch
	root        string
	includeRoot bool
	maxDepth    int
	deliver     func(ev cacheEvent)

	nodes      map[string]*cacheNode
	rootArmed  bool
	ready      bool
	needResync bool
}

// WatchChildren notifies listener about the direct children of path being added, updated or removed.
func (c *Client) WatchChildren(ctx context.Context, path string, listener ChildrenListener) (*Watch, error) {
	path = Normalize(path)
	if listener == nil {
		return nil, &WatchRegistrationError{Tier: api.WatchTierChildren, Path: path, Err: ErrNilListener}
	}
	return c.register(ctx, api.WatchTierChildren, path, func(w *Watch) watchEngine {
		return newTreeWatcher(w, c.resolve(path), false, 1, func(ev cacheEvent) {
			deliverChildren(c, listener, ev)
		})
	})
}

// WatchTree notifies listener about path and every descendant up to maxDepth levels below it.
func (c *Client) WatchTree(ctx context.Context, path string, maxDepth int, listener TreeListener) (*Watch, error) {
	path = Normalize(path)
	if maxDepth <= 0 {
		return nil, &WatchRegistrationError{Tier: api.WatchTierTree, Path: path, Err: ErrInvalidDepth}
	}
	if listener == nil {
		return nil, &WatchRegistrationError{Tier: api.WatchTierTree, Path: path, Err: ErrNilListener}
	}
	return c.register(ctx, api.WatchTierTree, path, func(w *Watch) watchEngine {
		return newTreeWatcher(w, c.resolve(path), true, maxDepth, func(ev cacheEvent) {
			deliverTree(c, listener, ev)
		})
	})
}

func newTreeWatcher(w *Watch, root string, includeRoot bool, maxDepth int, deliver func(ev cacheEvent)) *treeWatcher {
	return &treeWatcher{
		w:           w,
		root:        root,
		includeRoot: includeRoot,
		maxDepth:    maxDepth,
		deliver:     deliver,
		nodes:       map[string]*cacheNode{},
	}
}

func (t *treeWatcher) emit(ev cacheEvent) {
	t.w.dispatch(func() {
		t.deliver(ev)
	})
}

// emitNode reports a node change once the initial snapshot has been loaded.
func (t *treeWatcher) emitNode(path string, data []byte, build func(path string, value any) cacheEvent) {
	if !t.ready || (path == t.root && !t.includeRoot) {
		return
	}
	c := t.w.client
	t.emit(build(c.strip(path), c.decodeEvent(path, data)))
}

func (t *treeWatcher) load(ctx context.Context) error {
	b, err := t.w.client.bound()
	if err != nil {
		return err
	}
	if err := t.loadNode(ctx, b, t.root, 0); err != nil {
		return err
	}
	if _, ok := t.nodes[t.root]; !ok {
		if err := t.watchRoot(ctx, b); err != nil {
			return err
		}
	}
	t.ready = true
	t.emit(cacheInitialized{})
	return nil
}

func (t *treeWatcher) loadNode(ctx context.Context, b *binding, path string, depth int) error {
	if err := t.fetchNode(ctx, b, path, depth); err != nil {
		return err
	}
	if _, ok := t.nodes[path]; !ok {
		return nil
	}
	return t.fetchChildren(ctx, b, path)
}

// fetchNode refreshes the data of path, arming a data watch when none is pending.
func (t *treeWatcher) fetchNode(ctx context.Context, b *binding, path string, depth int) error {
	n := t.nodes[path]
	if path == t.root && !t.includeRoot {
		if n == nil {
			t.nodes[path] = &cacheNode{depth: depth}
		}
		return nil
	}

	var data []byte
	var st *ensemble.Stat
	var err error
	armed := n != nil && n.dataArmed
	if armed {
		data, st, err = b.conn.Get(ctx, path)
	} else {
		var ch <-chan ensemble.Event
		data, st, ch, err = b.conn.GetW(ctx, path)
		if err == nil {
			t.w.forward(watchData, path, b.generation, ch)
		}
	}
	if errors.Is(err, ensemble.ErrNoNode) {
		t.remove(path)
		return nil
	} else if err != nil {
		return err
	}

	if n == nil {
		n = &cacheNode{depth: depth, czxid: st.Czxid, version: st.Version, data: data, dataArmed: true}
		t.nodes[path] = n
		if parent := t.nodes[ensemble.Parent(path)]; parent != nil && parent.children != nil && path != t.root {
			parent.children.Add(ensemble.Name(path))
		}
		t.emitNode(path, data, func(p string, v any) cacheEvent { return cacheAdded{path: p, value: v} })
		return nil
	}
	n.dataArmed = true
	if st.Czxid != n.czxid || st.Version != n.version {
		n.czxid, n.version, n.data = st.Czxid, st.Version, data
		t.emitNode(path, data, func(p string, v any) cacheEvent { return cacheUpdated{path: p, value: v} })
	}
	return nil
}

// fetchChildren diffs the children of path against the cache, loading new ones and removing vanished ones.
func (t *treeWatcher) fetchChildren(ctx context.Context, b *binding, path string) error {
	n := t.nodes[path]
	if n == nil || n.depth >= t.maxDepth {
		return nil
	}
	var names []string
	var err error
	if n.childArmed {
		names, _, err = b.conn.Children(ctx, path)
	} else {
		var ch <-chan ensemble.Event
		names, _, ch, err = b.conn.ChildrenW(ctx, path)
		if err == nil {
			n.childArmed = true
			t.w.forward(watchChildren, path, b.generation, ch)
		}
	}
	if errors.Is(err, ensemble.ErrNoNode) {
		t.remove(path)
		return nil
	} else if err != nil {
		return err
	}

	current := goset.NewThreadUnsafeSet[string](names...)
	if n.children != nil {
		for _, name := range sortedNames(n.children.Difference(current)) {
			t.remove(ensemble.Join(path, name))
		}
	}
	n.children = current
	sort.Strings(names)
	for _, name := range names {
		child := ensemble.Join(path, name)
		if _, ok := t.nodes[child]; ok {
			continue
		}
		if err := t.loadNode(ctx, b, child, n.depth+1); err != nil {
			return err
		}
	}
	return nil
}

// remove drops path and its cached descendants, deepest first.
func (t *treeWatcher) remove(path string) {
	n, ok := t.nodes[path]
	if !ok {
		return
	}
	if n.children != nil {
		for _, name := range sortedNames(n.children) {
			t.remove(ensemble.Join(path, name))
		}
	}
	delete(t.nodes, path)
	if path != t.root {
		if parent := t.nodes[ensemble.Parent(path)]; parent != nil && parent.children != nil {
			parent.children.Remove(ensemble.Name(path))
		}
	}
	t.emitNode(path, n.data, func(p string, v any) cacheEvent { return cacheRemoved{path: p, value: v} })
}

// watchRoot arms an exists watch so that a re-created root is picked up again.
func (t *treeWatcher) watchRoot(ctx context.Context, b *binding) error {
	if t.rootArmed {
		return nil
	}
	exists, _, ch, err := b.conn.ExistsW(ctx, t.root)
	if err != nil {
		return err
	}
	t.rootArmed = true
	t.w.forward(watchExists, t.root, b.generation, ch)
	if exists {
		return t.loadNode(ctx, b, t.root, 0)
	}
	return nil
}

func (t *treeWatcher) onFired(ctx context.Context, f firedWatch) {
	n := t.nodes[f.path]
	switch f.kind {
	case watchExists:
		t.rootArmed = false
	case watchData:
		if n != nil {
			n.dataArmed = false
		}
	case watchChildren:
		if n != nil {
			n.childArmed = false
		}
	}
	if f.event.Type == ensemble.EventNotWatching {
		t.needResync = true
		return
	}
	if err := t.refresh(ctx, f); err != nil {
		_watchLogger.Debugf("refresh %s watch on %s failed: %s", t.w.tier, t.w.path, err)
		t.needResync = true
	}
}

func (t *treeWatcher) refresh(ctx context.Context, f firedWatch) error {
	b, err := t.w.client.bound()
	if err != nil {
		return err
	}
	n := t.nodes[f.path]
	switch f.kind {
	case watchData:
		if n != nil {
			err = t.fetchNode(ctx, b, f.path, n.depth)
		}
	case watchChildren:
		if n != nil {
			err = t.fetchChildren(ctx, b, f.path)
		}
	}
	if err != nil {
		return err
	}
	if _, ok := t.nodes[t.root]; !ok {
		return t.watchRoot(ctx, b)
	}
	return nil
}

func (t *treeWatcher) onState(ctx context.Context, state api.ConnectionState) {
	switch state {
	case api.StateSuspended:
		t.emit(cacheSuspended{})
	case api.StateLost:
		t.emit(cacheLost{})
		t.rootArmed = false
		for _, n := range t.nodes {
			n.dataArmed, n.childArmed = false, false
		}
		t.needResync = true
	case api.StateReconnected:
		t.emit(cacheReconnected{})
		t.resync(ctx)
	}
}

// resync walks the cache parents first, re-arming watches and applying whatever changed meanwhile.
func (t *treeWatcher) resync(ctx context.Context) {
	t.needResync = false
	if err := t.walk(ctx); err != nil {
		_watchLogger.Debugf("resync %s watch on %s failed: %s", t.w.tier, t.w.path, err)
		t.needResync = true
	}
}

func (t *treeWatcher) walk(ctx context.Context) error {
	b, err := t.w.client.bound()
	if err != nil {
		return err
	}
	if _, ok := t.nodes[t.root]; !ok {
		return t.watchRoot(ctx, b)
	}
	paths := make([]string, 0, len(t.nodes))
	for p := range t.nodes {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		di, dj := t.nodes[paths[i]].depth, t.nodes[paths[j]].depth
		if di != dj {
			return di < dj
		}
		return paths[i] < paths[j]
	})
	for _, p := range paths {
		n, ok := t.nodes[p]
		if !ok {
			continue
		}
		if err := t.fetchNode(ctx, b, p, n.depth); err != nil {
			return err
		}
		if err := t.fetchChildren(ctx, b, p); err != nil {
			return err
		}
	}
	if _, ok := t.nodes[t.root]; !ok {
		return t.watchRoot(ctx, b)
	}
	return nil
}

func (t *treeWatcher) dirty() bool {
	return t.needResync
}

func sortedNames(s goset.Set[string]) []string {
	names := s.ToSlice()
	sort.Strings(names)
	return names
}
