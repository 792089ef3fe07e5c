package memensemble

import (
	"errors"
	"time"

	goset "github.com/deckarep/golang-set/v2"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
	"github.com/meidoworks/nekoq-coord/shared/storage"
	"github.com/meidoworks/nekoq-coord/shared/storage/badger"
)

type firing struct {
	path string
	typ  ensemble.EventType
}

type ephemeralChange struct {
	owner int64
	path  string
	add   bool
}

// mutation collects the effects of one multi request until it is committed.
type mutation struct {
	results    []ensemble.OpResult
	firings    []firing
	ephemerals []ephemeralChange
	zxid       int64
}

func statOf(rec *storage.NodeRecord, numChildren int) *ensemble.Stat {
	return &ensemble.Stat{
		Czxid:          rec.Czxid,
		Mzxid:          rec.Mzxid,
		Ctime:          rec.Ctime,
		Mtime:          rec.Mtime,
		Version:        rec.Version,
		Cversion:       rec.Cversion,
		EphemeralOwner: rec.EphemeralOwner,
		DataLength:     int32(len(rec.Data)),
		NumChildren:    int32(numChildren),
	}
}

func loadNode(txn *badger.TreeTxn, path string) (*storage.NodeRecord, error) {
	rec, err := txn.Get(path)
	if errors.Is(err, storage.ErrRecordNotFound) {
		return nil, ensemble.ErrNoNode
	}
	return rec, err
}

func checkVersion(expected, actual int32) error {
	if expected != ensemble.AnyVersion && expected != actual {
		return ensemble.ErrBadVersion
	}
	return nil
}

// applyLocked runs ops atomically on behalf of session s. Internal requests skip the read-only check.
func (e *Ensemble) applyLocked(s *Session, ops []ensemble.Op, internal bool) ([]ensemble.OpResult, error) {
	if e.readOnly && !internal {
		return nil, ensemble.ErrReadOnly
	}
	var m *mutation
	err := e.store.Update(func(txn *badger.TreeTxn) error {
		m = &mutation{zxid: e.zxid}
		for idx, op := range ops {
			m.zxid++
			if err := e.applyOne(txn, s, op, m); err != nil {
				return &ensemble.MultiError{Index: idx, Err: err}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.zxid = m.zxid
	for _, c := range m.ephemerals {
		owned, ok := e.ephemerals[c.owner]
		if c.add {
			if !ok {
				owned = goset.NewThreadUnsafeSet[string]()
				e.ephemerals[c.owner] = owned
			}
			owned.Add(c.path)
		} else if ok {
			owned.Remove(c.path)
			if owned.Cardinality() == 0 {
				delete(e.ephemerals, c.owner)
			}
		}
	}
	for _, f := range m.firings {
		e.fireLocked(f.path, f.typ)
	}
	return m.results, nil
}

func (e *Ensemble) fireLocked(path string, typ ensemble.EventType) {
	for _, wt := range e.watches.trigger(path, typ) {
		wt.session.deliverLocked(wt, ensemble.Event{Type: typ, Path: path})
	}
}

func (e *Ensemble) applyOne(txn *badger.TreeTxn, s *Session, op ensemble.Op, m *mutation) error {
	if err := ensemble.ValidatePath(op.OpPath()); err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	switch o := op.(type) {
	case *ensemble.CreateOp:
		if o.Path == api.PathSeparator {
			return ensemble.ErrNodeExists
		}
		parentPath := ensemble.Parent(o.Path)
		parent, err := loadNode(txn, parentPath)
		if err != nil {
			return err
		}
		if parent.EphemeralOwner != 0 {
			return ensemble.ErrNoChildrenForEphemerals
		}
		actual := o.Path
		if o.Mode.IsSequential() {
			actual = ensemble.FormatSequence(o.Path, parent.Cversion)
		}
		if _, err := txn.Get(actual); err == nil {
			return ensemble.ErrNodeExists
		} else if !errors.Is(err, storage.ErrRecordNotFound) {
			return err
		}
		rec := &storage.NodeRecord{
			Data:  o.Data,
			Czxid: m.zxid,
			Mzxid: m.zxid,
			Ctime: now,
			Mtime: now,
		}
		if o.Mode.IsEphemeral() {
			if s == nil {
				return ensemble.ErrClosed
			}
			rec.EphemeralOwner = s.id
			m.ephemerals = append(m.ephemerals, ephemeralChange{owner: s.id, path: actual, add: true})
		}
		if err := txn.Put(actual, rec); err != nil {
			return err
		}
		parent.Cversion++
		if err := txn.Put(parentPath, parent); err != nil {
			return err
		}
		m.firings = append(m.firings,
			firing{path: actual, typ: ensemble.EventNodeCreated},
			firing{path: parentPath, typ: ensemble.EventNodeChildrenChanged})
		m.results = append(m.results, ensemble.OpResult{Kind: api.TxCreate, Path: o.Path, ResultPath: actual, Stat: statOf(rec, 0)})
		return nil
	case *ensemble.DeleteOp:
		if o.Path == api.PathSeparator {
			return ensemble.ErrInvalidPath
		}
		rec, err := loadNode(txn, o.Path)
		if err != nil {
			return err
		}
		if err := checkVersion(o.Version, rec.Version); err != nil {
			return err
		}
		children, err := txn.Children(o.Path)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return ensemble.ErrNotEmpty
		}
		if err := txn.Delete(o.Path); err != nil {
			return err
		}
		parentPath := ensemble.Parent(o.Path)
		parent, err := loadNode(txn, parentPath)
		if err != nil {
			return err
		}
		parent.Cversion++
		if err := txn.Put(parentPath, parent); err != nil {
			return err
		}
		if rec.EphemeralOwner != 0 {
			m.ephemerals = append(m.ephemerals, ephemeralChange{owner: rec.EphemeralOwner, path: o.Path})
		}
		m.firings = append(m.firings,
			firing{path: o.Path, typ: ensemble.EventNodeDeleted},
			firing{path: parentPath, typ: ensemble.EventNodeChildrenChanged})
		m.results = append(m.results, ensemble.OpResult{Kind: api.TxDelete, Path: o.Path, ResultPath: o.Path})
		return nil
	case *ensemble.SetOp:
		rec, err := loadNode(txn, o.Path)
		if err != nil {
			return err
		}
		if err := checkVersion(o.Version, rec.Version); err != nil {
			return err
		}
		rec.Data = o.Data
		rec.Version++
		rec.Mzxid = m.zxid
		rec.Mtime = now
		if err := txn.Put(o.Path, rec); err != nil {
			return err
		}
		children, err := txn.Children(o.Path)
		if err != nil {
			return err
		}
		m.firings = append(m.firings, firing{path: o.Path, typ: ensemble.EventNodeDataChanged})
		m.results = append(m.results, ensemble.OpResult{Kind: api.TxUpdate, Path: o.Path, ResultPath: o.Path, Stat: statOf(rec, len(children))})
		return nil
	case *ensemble.CheckOp:
		rec, err := loadNode(txn, o.Path)
		if err != nil {
			return err
		}
		if err := checkVersion(o.Version, rec.Version); err != nil {
			return err
		}
		m.results = append(m.results, ensemble.OpResult{Kind: api.TxCheck, Path: o.Path, ResultPath: o.Path})
		return nil
	default:
		return ensemble.ErrBackend
	}
}
