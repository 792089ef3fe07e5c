package storage

import (
	"github.com/spf13/afero"

	"github.com/meidoworks/nekoq-coord/shared/storage/badger"
)

// TreeStorage persists the node tree of an embedded ensemble.
// Update runs fn inside a read-write transaction and may run it more than once on conflicts,
// so fn must not leak side effects before it returns nil.
type TreeStorage interface {
	View(fn func(txn *badger.TreeTxn) error) error
	Update(fn func(txn *badger.TreeTxn) error) error
	Close() error
}

type NodeRecord = badger.NodeRecord

var ErrRecordNotFound = badger.ErrRecordNotFound

func NewBadgerTreeStorage(fs afero.Fs, path string) (TreeStorage, error) {
	if err := fs.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return badger.NewTreeDB(path, false)
}

func NewBadgerTreeStorageInMemory() (TreeStorage, error) {
	return badger.NewTreeDB("", true)
}
