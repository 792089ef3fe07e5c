package memensemble

import (
	"context"
	"errors"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
	"github.com/meidoworks/nekoq-coord/shared/storage/badger"
)

type sessionStatus int

const (
	sessionConnected sessionStatus = iota
	sessionDisconnected
	sessionExpired
	sessionClosed
)

const stateBufferSize = 256

type pendingEvent struct {
	watcher *watcher
	event   ensemble.Event
}

// Session is one client session of an Ensemble. Its fields are guarded by the ensemble lock.
type Session struct {
	id  int64
	ens *Ensemble

	status       sessionStatus
	states       chan ensemble.SessionState
	statesClosed bool
	pending      []pendingEvent
}

var _ ensemble.Conn = (*Session)(nil)

func newSession(e *Ensemble, id int64) *Session {
	return &Session{
		id:     id,
		ens:    e,
		status: sessionConnected,
		states: make(chan ensemble.SessionState, stateBufferSize),
	}
}

func (s *Session) pushState(state ensemble.SessionState) {
	if s.statesClosed {
		return
	}
	select {
	case s.states <- state:
	default:
		_memEnsembleLogger.Warnf("session [%d] state channel is full, dropping state %s", s.id, state)
	}
}

func (s *Session) closeStates() {
	if !s.statesClosed {
		s.statesClosed = true
		close(s.states)
	}
}

// deliverLocked hands a fired watch to the client, holding it back while the session is disconnected.
func (s *Session) deliverLocked(wt *watcher, ev ensemble.Event) {
	switch s.status {
	case sessionConnected:
		wt.ch <- ev
		close(wt.ch)
	case sessionDisconnected:
		s.pending = append(s.pending, pendingEvent{watcher: wt, event: ev})
	case sessionExpired:
		notWatching(wt, ensemble.ErrSessionExpired)
	default:
		notWatching(wt, ensemble.ErrClosed)
	}
}

func (s *Session) usableLocked() error {
	switch s.status {
	case sessionConnected:
		return nil
	case sessionDisconnected:
		return ensemble.ErrConnectionLoss
	case sessionExpired:
		return ensemble.ErrSessionExpired
	default:
		return ensemble.ErrClosed
	}
}

func (s *Session) ID() int64 {
	return s.id
}

func (s *Session) SessionID() int64 {
	return s.id
}

func (s *Session) States() <-chan ensemble.SessionState {
	return s.states
}

// Disconnect simulates a transport failure: requests fail with ErrConnectionLoss and
// fired watches are held back until Reconnect.
func (s *Session) Disconnect() {
	s.ens.lock.Lock()
	defer s.ens.lock.Unlock()
	s.disconnectLocked()
}

func (s *Session) disconnectLocked() {
	if s.status != sessionConnected {
		return
	}
	s.status = sessionDisconnected
	s.pushState(ensemble.SessionDisconnected)
}

func (s *Session) Reconnect() {
	s.ens.lock.Lock()
	defer s.ens.lock.Unlock()
	if s.status != sessionDisconnected {
		return
	}
	s.status = sessionConnected
	if s.ens.readOnly {
		s.pushState(ensemble.SessionReadOnly)
	} else {
		s.pushState(ensemble.SessionConnected)
	}
	pending := s.pending
	s.pending = nil
	for _, p := range pending {
		p.watcher.ch <- p.event
		close(p.watcher.ch)
	}
}

// Expire ends the session as the ensemble would after its timeout elapsed.
func (s *Session) Expire() {
	s.ens.lock.Lock()
	defer s.ens.lock.Unlock()
	s.ens.terminateLocked(s, sessionExpired, ensemble.ErrSessionExpired)
}

func (s *Session) Close() error {
	s.ens.lock.Lock()
	defer s.ens.lock.Unlock()
	s.ens.terminateLocked(s, sessionClosed, ensemble.ErrClosed)
	return nil
}

func (s *Session) read(ctx context.Context, fn func(txn *badger.TreeTxn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.usableLocked(); err != nil {
		return err
	}
	return s.ens.store.View(fn)
}

func (s *Session) stat(txn *badger.TreeTxn, path string) (*ensemble.Stat, []byte, error) {
	if err := ensemble.ValidatePath(path); err != nil {
		return nil, nil, err
	}
	rec, err := loadNode(txn, path)
	if err != nil {
		return nil, nil, err
	}
	children, err := txn.Children(path)
	if err != nil {
		return nil, nil, err
	}
	return statOf(rec, len(children)), rec.Data, nil
}

func (s *Session) Exists(ctx context.Context, path string) (bool, *ensemble.Stat, error) {
	s.ens.lock.Lock()
	defer s.ens.lock.Unlock()
	var st *ensemble.Stat
	err := s.read(ctx, func(txn *badger.TreeTxn) error {
		var err error
		st, _, err = s.stat(txn, path)
		return err
	})
	if errors.Is(err, ensemble.ErrNoNode) {
		return false, nil, nil
	} else if err != nil {
		return false, nil, err
	}
	return true, st, nil
}

func (s *Session) ExistsW(ctx context.Context, path string) (bool, *ensemble.Stat, <-chan ensemble.Event, error) {
	s.ens.lock.Lock()
	defer s.ens.lock.Unlock()
	var st *ensemble.Stat
	err := s.read(ctx, func(txn *badger.TreeTxn) error {
		var err error
		st, _, err = s.stat(txn, path)
		return err
	})
	if err != nil && !errors.Is(err, ensemble.ErrNoNode) {
		return false, nil, nil, err
	}
	ch := s.ens.watches.add(path, watchExist, s)
	return err == nil, st, ch, nil
}

func (s *Session) Get(ctx context.Context, path string) ([]byte, *ensemble.Stat, error) {
	s.ens.lock.Lock()
	defer s.ens.lock.Unlock()
	var st *ensemble.Stat
	var data []byte
	err := s.read(ctx, func(txn *badger.TreeTxn) error {
		var err error
		st, data, err = s.stat(txn, path)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return data, st, nil
}

func (s *Session) GetW(ctx context.Context, path string) ([]byte, *ensemble.Stat, <-chan ensemble.Event, error) {
	s.ens.lock.Lock()
	defer s.ens.lock.Unlock()
	var st *ensemble.Stat
	var data []byte
	err := s.read(ctx, func(txn *badger.TreeTxn) error {
		var err error
		st, data, err = s.stat(txn, path)
		return err
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return data, st, s.ens.watches.add(path, watchData, s), nil
}

func (s *Session) children(ctx context.Context, path string) ([]string, *ensemble.Stat, error) {
	var st *ensemble.Stat
	var names []string
	err := s.read(ctx, func(txn *badger.TreeTxn) error {
		var err error
		if st, _, err = s.stat(txn, path); err != nil {
			return err
		}
		names, err = txn.Children(path)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return names, st, nil
}

func (s *Session) Children(ctx context.Context, path string) ([]string, *ensemble.Stat, error) {
	s.ens.lock.Lock()
	defer s.ens.lock.Unlock()
	return s.children(ctx, path)
}

func (s *Session) ChildrenW(ctx context.Context, path string) ([]string, *ensemble.Stat, <-chan ensemble.Event, error) {
	s.ens.lock.Lock()
	defer s.ens.lock.Unlock()
	names, st, err := s.children(ctx, path)
	if err != nil {
		return nil, nil, nil, err
	}
	return names, st, s.ens.watches.add(path, watchChild, s), nil
}

func (s *Session) write(ctx context.Context, ops ...ensemble.Op) ([]ensemble.OpResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.ens.lock.Lock()
	defer s.ens.lock.Unlock()
	if err := s.usableLocked(); err != nil {
		return nil, err
	}
	results, err := s.ens.applyLocked(s, ops, false)
	if err == nil && s.ens.dropReplies > 0 {
		s.ens.dropReplies--
		s.disconnectLocked()
		return nil, ensemble.ErrConnectionLoss
	}
	return results, err
}

func (s *Session) single(ctx context.Context, op ensemble.Op) (*ensemble.OpResult, error) {
	results, err := s.write(ctx, op)
	var me *ensemble.MultiError
	if errors.As(err, &me) {
		return nil, me.Err
	} else if err != nil {
		return nil, err
	}
	return &results[0], nil
}

func (s *Session) Create(ctx context.Context, path string, data []byte, mode api.NodeMode) (string, error) {
	r, err := s.single(ctx, &ensemble.CreateOp{Path: path, Data: data, Mode: mode})
	if err != nil {
		return "", err
	}
	return r.ResultPath, nil
}

func (s *Session) Set(ctx context.Context, path string, data []byte, version int32) (*ensemble.Stat, error) {
	r, err := s.single(ctx, &ensemble.SetOp{Path: path, Data: data, Version: version})
	if err != nil {
		return nil, err
	}
	return r.Stat, nil
}

func (s *Session) Delete(ctx context.Context, path string, version int32) error {
	_, err := s.single(ctx, &ensemble.DeleteOp{Path: path, Version: version})
	return err
}

func (s *Session) Multi(ctx context.Context, ops ...ensemble.Op) ([]ensemble.OpResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	return s.write(ctx, ops...)
}
