package badger

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/fxamacker/cbor/v2"

	"github.com/meidoworks/nekoq-coord/shared/logging"
)

var _badgerTreeStorageLogger = logging.NewLogger("BadgerTreeStorage")

var ErrRecordNotFound = errors.New("record not found")

var (
	dataPrefix  = []byte("d:")
	childPrefix = []byte("c:")
)

const childSeparator = 0

type NodeRecord struct {
	Data           []byte `cbor:"1,keyasint,omitempty"`
	Czxid          int64  `cbor:"2,keyasint"`
	Mzxid          int64  `cbor:"3,keyasint"`
	Ctime          int64  `cbor:"4,keyasint"`
	Mtime          int64  `cbor:"5,keyasint"`
	Version        int32  `cbor:"6,keyasint"`
	Cversion       int32  `cbor:"7,keyasint"`
	EphemeralOwner int64  `cbor:"8,keyasint"`
}

func dataKey(path string) []byte {
	return append(append([]byte(nil), dataPrefix...), path...)
}

func childKey(parent, name string) []byte {
	key := childIndexPrefix(parent)
	return append(key, name...)
}

func childIndexPrefix(parent string) []byte {
	key := append(append([]byte(nil), childPrefix...), parent...)
	return append(key, childSeparator)
}

func splitParent(path string) (string, string) {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return "/", path[idx+1:]
	}
	return path[:idx], path[idx+1:]
}

// TreeTxn is the view of the tree inside one badger transaction.
type TreeTxn struct {
	txn *badger.Txn
}

func (t *TreeTxn) Get(path string) (*NodeRecord, error) {
	item, err := t.txn.Get(dataKey(path))
	if err == badger.ErrKeyNotFound {
		return nil, ErrRecordNotFound
	} else if err != nil {
		return nil, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	rec := new(NodeRecord)
	if err := cbor.Unmarshal(v, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Children lists the names of the direct children of path in key order.
func (t *TreeTxn) Children(path string) ([]string, error) {
	prefix := childIndexPrefix(path)
	opt := badger.DefaultIteratorOptions
	opt.PrefetchValues = false
	opt.Prefix = prefix
	it := t.txn.NewIterator(opt)
	defer it.Close()

	var names []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().Key()
		names = append(names, string(key[len(prefix):]))
	}
	return names, nil
}

func (t *TreeTxn) Put(path string, rec *NodeRecord) error {
	v, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	if err := t.txn.Set(dataKey(path), v); err != nil {
		return err
	}
	if path == "/" {
		return nil
	}
	parent, name := splitParent(path)
	return t.txn.Set(childKey(parent, name), nil)
}

func (t *TreeTxn) Delete(path string) error {
	if err := t.txn.Delete(dataKey(path)); err != nil {
		return err
	}
	if path == "/" {
		return nil
	}
	parent, name := splitParent(path)
	return t.txn.Delete(childKey(parent, name))
}

// Walk visits every stored node.
func (t *TreeTxn) Walk(fn func(path string, rec *NodeRecord) error) error {
	opt := badger.DefaultIteratorOptions
	opt.Prefix = dataPrefix
	it := t.txn.NewIterator(opt)
	defer it.Close()

	for it.Seek(dataPrefix); it.ValidForPrefix(dataPrefix); it.Next() {
		item := it.Item()
		path := string(bytes.TrimPrefix(item.KeyCopy(nil), dataPrefix))
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec := new(NodeRecord)
		if err := cbor.Unmarshal(v, rec); err != nil {
			return err
		}
		if err := fn(path, rec); err != nil {
			return err
		}
	}
	return nil
}

type treeStorage struct {
	db        *badger.DB
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (s *treeStorage) View(fn func(txn *TreeTxn) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&TreeTxn{txn: txn})
	})
}

func (s *treeStorage) Update(fn func(txn *TreeTxn) error) error {
	for {
		err := s.db.Update(func(txn *badger.Txn) error {
			return fn(&TreeTxn{txn: txn})
		})
		if err == badger.ErrConflict {
			_badgerTreeStorageLogger.Debugf("transaction conflict, retrying")
			continue
		}
		return err
	}
}

func (s *treeStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	return s.db.Close()
}

type badgerLogger struct {
	logger interface {
		Errorf(format string, args ...interface{})
		Warnf(format string, args ...interface{})
		Debugf(format string, args ...interface{})
	}
}

func (b badgerLogger) Errorf(format string, args ...interface{})   { b.logger.Errorf(format, args...) }
func (b badgerLogger) Warningf(format string, args ...interface{}) { b.logger.Warnf(format, args...) }
func (b badgerLogger) Infof(format string, args ...interface{})    { b.logger.Debugf(format, args...) }
func (b badgerLogger) Debugf(format string, args ...interface{})   { b.logger.Debugf(format, args...) }

func NewTreeDB(path string, inMemory bool) (*treeStorage, error) {
	opt := badger.DefaultOptions(path).
		WithInMemory(inMemory).
		WithLogger(badgerLogger{logger: _badgerTreeStorageLogger})
	db, err := badger.Open(opt)
	if err != nil {
		return nil, err
	}

	s := &treeStorage{
		db:      db,
		closeCh: make(chan struct{}),
	}
	go s.maintain(inMemory)
	return s, nil
}

func (s *treeStorage) maintain(inMemory bool) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
		}
		s.db.SetDiscardTs(s.db.MaxVersion())
		if !inMemory {
			for s.db.RunValueLogGC(0.7) == nil {
			}
			if err := s.db.Sync(); err != nil {
				_badgerTreeStorageLogger.Errorf("invoke sync failed:[%s]", err)
			}
		}
	}
}
