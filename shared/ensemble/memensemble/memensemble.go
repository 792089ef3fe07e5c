// Package memensemble is an embedded ensemble keeping the node tree in badger.
// It serves single process deployments and tests, and can inject connectivity
// faults (disconnect, reconnect, session expiry, read-only mode) on demand.
package memensemble

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	goset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/afero"

	"github.com/meidoworks/nekoq-coord/shared/ensemble"
	"github.com/meidoworks/nekoq-coord/shared/logging"
	"github.com/meidoworks/nekoq-coord/shared/storage"
	"github.com/meidoworks/nekoq-coord/shared/storage/badger"
)

var _memEnsembleLogger = logging.NewLogger("MemEnsemble")

type Option func(e *Ensemble)

// WithDataDir keeps the tree on disk under dir instead of in memory.
func WithDataDir(fs afero.Fs, dir string) Option {
	return func(e *Ensemble) {
		e.fs = fs
		e.dataDir = dir
	}
}

type Ensemble struct {
	lock sync.Mutex

	store      storage.TreeStorage
	zxid       int64
	sessionSeq int64
	sessions   map[int64]*Session
	ephemerals map[int64]goset.Set[string]
	watches    *watchTable
	readOnly   bool
	closed     bool

	dropReplies int

	fs      afero.Fs
	dataDir string
}

func New(opts ...Option) (*Ensemble, error) {
	e := &Ensemble{
		sessions:   map[int64]*Session{},
		ephemerals: map[int64]goset.Set[string]{},
		watches:    newWatchTable(),
	}
	for _, opt := range opts {
		opt(e)
	}

	var err error
	if e.dataDir == "" {
		e.store, err = storage.NewBadgerTreeStorageInMemory()
	} else {
		e.store, err = storage.NewBadgerTreeStorage(e.fs, e.dataDir)
	}
	if err != nil {
		return nil, err
	}
	if err := e.recover(); err != nil {
		_ = e.store.Close()
		return nil, err
	}
	return e, nil
}

// recover creates the root node and removes ephemeral nodes left by sessions of a previous run.
func (e *Ensemble) recover() error {
	var stale []string
	err := e.store.View(func(txn *badger.TreeTxn) error {
		return txn.Walk(func(path string, rec *storage.NodeRecord) error {
			if rec.Mzxid > e.zxid {
				e.zxid = rec.Mzxid
			}
			if rec.Czxid > e.zxid {
				e.zxid = rec.Czxid
			}
			if rec.EphemeralOwner != 0 {
				stale = append(stale, path)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		_memEnsembleLogger.Infof("removing %d ephemeral nodes of previous sessions", len(stale))
	}
	return e.store.Update(func(txn *badger.TreeTxn) error {
		if _, err := txn.Get("/"); errors.Is(err, storage.ErrRecordNotFound) {
			now := time.Now().UnixMilli()
			if err := txn.Put("/", &storage.NodeRecord{Ctime: now, Mtime: now}); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		for _, path := range stale {
			if err := txn.Delete(path); err != nil {
				return err
			}
		}
		return nil
	})
}

// Dial opens a new connected session.
func (e *Ensemble) Dial(ctx context.Context) (ensemble.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return nil, ensemble.ErrClosed
	}
	e.sessionSeq++
	s := newSession(e, e.sessionSeq)
	e.sessions[s.id] = s
	if e.readOnly {
		s.pushState(ensemble.SessionReadOnly)
	} else {
		s.pushState(ensemble.SessionConnected)
	}
	_memEnsembleLogger.Debugf("session [%d] established", s.id)
	return s, nil
}

func (e *Ensemble) Dialer() ensemble.Dialer {
	return ensemble.DialFunc(e.Dial)
}

// Sessions lists the live sessions ordered by id.
func (e *Ensemble) Sessions() []*Session {
	e.lock.Lock()
	defer e.lock.Unlock()
	result := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].id < result[j].id
	})
	return result
}

func (e *Ensemble) DisconnectAll() {
	for _, s := range e.Sessions() {
		s.Disconnect()
	}
}

func (e *Ensemble) ReconnectAll() {
	for _, s := range e.Sessions() {
		s.Reconnect()
	}
}

// DropNextReply makes the next successful write lose its reply: the write is applied,
// then the session disconnects and the caller sees ErrConnectionLoss.
func (e *Ensemble) DropNextReply() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.dropReplies++
}

func (e *Ensemble) ExpireAll() {
	for _, s := range e.Sessions() {
		s.Expire()
	}
}

// SetReadOnly simulates a read-only ensemble member: writes are rejected while enabled
// and connected sessions are notified.
func (e *Ensemble) SetReadOnly(readOnly bool) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.readOnly == readOnly {
		return
	}
	e.readOnly = readOnly
	for _, s := range e.sessions {
		if s.status != sessionConnected {
			continue
		}
		if readOnly {
			s.pushState(ensemble.SessionReadOnly)
		} else {
			s.pushState(ensemble.SessionConnected)
		}
	}
}

// WatchCount reports the number of armed watches, mostly useful to tests.
func (e *Ensemble) WatchCount() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.watches.count()
}

func (e *Ensemble) Close() error {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return nil
	}
	e.closed = true
	for _, s := range e.sessions {
		e.terminateLocked(s, sessionClosed, ensemble.ErrClosed)
	}
	e.lock.Unlock()
	return e.store.Close()
}

// terminateLocked ends session s: its ephemeral nodes are removed and its watches are released.
func (e *Ensemble) terminateLocked(s *Session, status sessionStatus, cause error) {
	if s.status == sessionExpired || s.status == sessionClosed {
		return
	}
	s.status = status
	delete(e.sessions, s.id)

	if owned, ok := e.ephemerals[s.id]; ok {
		delete(e.ephemerals, s.id)
		paths := owned.ToSlice()
		sort.Slice(paths, func(i, j int) bool {
			return ensemble.Depth(paths[i]) > ensemble.Depth(paths[j])
		})
		ops := make([]ensemble.Op, 0, len(paths))
		for _, p := range paths {
			ops = append(ops, &ensemble.DeleteOp{Path: p, Version: ensemble.AnyVersion})
		}
		if _, err := e.applyLocked(nil, ops, true); err != nil {
			_memEnsembleLogger.Errorf("remove ephemeral nodes of session [%d] failed:[%s]", s.id, err)
		}
	}

	for _, wt := range e.watches.dropSession(s) {
		notWatching(wt, cause)
	}
	for _, wt := range s.pending {
		notWatching(wt.watcher, cause)
	}
	s.pending = nil

	if status == sessionExpired {
		s.pushState(ensemble.SessionExpired)
	}
	s.closeStates()
	_memEnsembleLogger.Debugf("session [%d] terminated: %s", s.id, cause)
}

func notWatching(wt *watcher, cause error) {
	wt.ch <- ensemble.Event{Type: ensemble.EventNotWatching, Err: cause}
	close(wt.ch)
}
