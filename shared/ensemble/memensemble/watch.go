package memensemble

import (
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
)

type watchKind int

const (
	watchExist watchKind = iota
	watchData
	watchChild
)

type watcher struct {
	session *Session
	ch      chan ensemble.Event
}

// watchTable holds one-shot watches. Every method is called with the ensemble lock held.
type watchTable struct {
	byPath map[string]map[watchKind][]*watcher
}

func newWatchTable() *watchTable {
	return &watchTable{
		byPath: map[string]map[watchKind][]*watcher{},
	}
}

func (w *watchTable) add(path string, kind watchKind, s *Session) <-chan ensemble.Event {
	kinds, ok := w.byPath[path]
	if !ok {
		kinds = map[watchKind][]*watcher{}
		w.byPath[path] = kinds
	}
	wt := &watcher{
		session: s,
		ch:      make(chan ensemble.Event, 1),
	}
	kinds[kind] = append(kinds[kind], wt)
	return wt.ch
}

func triggeredKinds(typ ensemble.EventType) []watchKind {
	switch typ {
	case ensemble.EventNodeCreated:
		return []watchKind{watchExist}
	case ensemble.EventNodeDataChanged:
		return []watchKind{watchExist, watchData}
	case ensemble.EventNodeChildrenChanged:
		return []watchKind{watchChild}
	case ensemble.EventNodeDeleted:
		return []watchKind{watchExist, watchData, watchChild}
	default:
		return nil
	}
}

// trigger removes and returns the watchers fired by an event of typ on path.
func (w *watchTable) trigger(path string, typ ensemble.EventType) []*watcher {
	kinds, ok := w.byPath[path]
	if !ok {
		return nil
	}
	var fired []*watcher
	for _, kind := range triggeredKinds(typ) {
		fired = append(fired, kinds[kind]...)
		delete(kinds, kind)
	}
	if len(kinds) == 0 {
		delete(w.byPath, path)
	}
	return fired
}

// dropSession removes and returns every watcher registered by s.
func (w *watchTable) dropSession(s *Session) []*watcher {
	var dropped []*watcher
	for path, kinds := range w.byPath {
		for kind, list := range kinds {
			kept := list[:0]
			for _, wt := range list {
				if wt.session == s {
					dropped = append(dropped, wt)
				} else {
					kept = append(kept, wt)
				}
			}
			if len(kept) == 0 {
				delete(kinds, kind)
			} else {
				kinds[kind] = kept
			}
		}
		if len(kinds) == 0 {
			delete(w.byPath, path)
		}
	}
	return dropped
}

func (w *watchTable) count() int {
	n := 0
	for _, kinds := range w.byPath {
		for _, list := range kinds {
			n += len(list)
		}
	}
	return n
}
