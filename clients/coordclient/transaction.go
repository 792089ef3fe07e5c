package coordclient

import (
	"context"
	"errors"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
)

// TransactionResult is the outcome of one queued operation of a committed transaction.
type TransactionResult struct {
	Kind api.TxOpKind
	// ForPath is the path the operation was queued with.
	ForPath string
	// ResultPath is the path actually affected, carrying the sequence suffix of sequential creates.
	ResultPath string
}

type queuedOp struct {
	op      ensemble.Op
	path    string
	recurse bool
}

// Transaction collects operations which are applied atomically on Commit.
// A Transaction is not safe for concurrent use.
type Transaction struct {
	client *Client
	ops    []queuedOp
	done   bool
}

// StartTransaction begins a transaction. Only one transaction of a client may be in flight.
func (c *Client) StartTransaction() (*Transaction, error) {
	if c.closed.Load() {
		return nil, &TransactionError{Index: -1, Err: ErrClosed}
	}
	if !c.txInFlight.CompareAndSwap(false, true) {
		return nil, &TransactionError{Index: -1, Err: ErrTransactionInFlight}
	}
	return &Transaction{client: c}, nil
}

// InTransaction starts a transaction, lets fn queue operations and commits them.
// The transaction is aborted if fn fails.
func (c *Client) InTransaction(ctx context.Context, fn func(tx *Transaction) error) ([]TransactionResult, error) {
	tx, err := c.StartTransaction()
	if err != nil {
		return nil, err
	}
	if err := fn(tx); err != nil {
		tx.Abort()
		return nil, err
	}
	return tx.Commit(ctx)
}

func (t *Transaction) enqueue(path string, recurse bool, build func(full string) (ensemble.Op, error)) error {
	if t.done {
		return &TransactionError{Index: -1, Err: ErrTransactionDone}
	}
	path = Normalize(path)
	op, err := build(t.client.resolve(path))
	if err != nil {
		return &TransactionError{Index: len(t.ops), Err: err}
	}
	t.ops = append(t.ops, queuedOp{op: op, path: path, recurse: recurse})
	return nil
}

func (t *Transaction) Create(path string, value any, mode api.NodeMode) error {
	return t.enqueue(path, false, func(full string) (ensemble.Op, error) {
		data, err := t.client.encode(path, value)
		if err != nil {
			return nil, err
		}
		return &ensemble.CreateOp{Path: full, Data: data, Mode: mode}, nil
	})
}

func (t *Transaction) Update(path string, value any) error {
	return t.UpdateVersion(path, value, ensemble.AnyVersion)
}

func (t *Transaction) UpdateVersion(path string, value any, version int32) error {
	return t.enqueue(path, false, func(full string) (ensemble.Op, error) {
		if isNilValue(value) {
			return nil, ErrNilValue
		}
		data, err := t.client.encode(path, value)
		if err != nil {
			return nil, err
		}
		return &ensemble.SetOp{Path: full, Data: data, Version: version}, nil
	})
}

// Delete queues the removal of path. With recurse the subtree present at commit
// time is removed as well, inside the same atomic operation.
func (t *Transaction) Delete(path string, recurse bool) error {
	return t.enqueue(path, recurse, func(full string) (ensemble.Op, error) {
		return &ensemble.DeleteOp{Path: full, Version: ensemble.AnyVersion}, nil
	})
}

func (t *Transaction) DeleteVersion(path string, version int32) error {
	return t.enqueue(path, false, func(full string) (ensemble.Op, error) {
		return &ensemble.DeleteOp{Path: full, Version: version}, nil
	})
}

// Check queues a condition that path exists with the given version.
func (t *Transaction) Check(path string, version int32) error {
	return t.enqueue(path, false, func(full string) (ensemble.Op, error) {
		return &ensemble.CheckOp{Path: full, Version: version}, nil
	})
}

func (t *Transaction) Len() int {
	return len(t.ops)
}

// Abort discards the queued operations. It is a no-op after Commit or Abort.
func (t *Transaction) Abort() {
	if t.done {
		return
	}
	t.finish()
}

func (t *Transaction) finish() {
	t.done = true
	t.ops = nil
	t.client.txInFlight.Store(false)
}

// Commit applies all queued operations atomically and returns one result per queued
// operation in submission order. The transaction is finished either way.
//
// A failure wrapping ErrConnectionLoss means the outcome is unknown: the operations may
// have been applied before the reply was lost. Any other failure means nothing was applied.
func (t *Transaction) Commit(ctx context.Context) ([]TransactionResult, error) {
	if t.done {
		return nil, &TransactionError{Index: -1, Err: ErrTransactionDone}
	}
	queued := t.ops
	defer t.finish()
	if len(queued) == 0 {
		return []TransactionResult{}, nil
	}

	var ops []ensemble.Op
	// owners maps each op to its queued operation, expanded marks descendant deletes of a recursive delete
	var owners []int
	var expanded []bool
	for i, q := range queued {
		if q.recurse {
			del := q.op.(*ensemble.DeleteOp)
			var descendants []string
			err := t.client.do(ctx, func(ctx context.Context, conn ensemble.Conn) error {
				var err error
				descendants, err = collectDescendants(ctx, conn, del.Path)
				return err
			})
			if err != nil && !errors.Is(err, ensemble.ErrNoNode) {
				return nil, &TransactionError{Index: i, Err: err}
			}
			for _, d := range descendants {
				ops = append(ops, &ensemble.DeleteOp{Path: d, Version: ensemble.AnyVersion})
				owners = append(owners, i)
				expanded = append(expanded, true)
			}
		}
		ops = append(ops, q.op)
		owners = append(owners, i)
		expanded = append(expanded, false)
	}

	// A lost reply leaves the outcome unknown, so the commit is never retried.
	conn, err := t.client.conn()
	if err != nil {
		return nil, &TransactionError{Index: -1, Err: err}
	}
	results, err := conn.Multi(ctx, ops...)
	if err != nil {
		var me *ensemble.MultiError
		if errors.As(err, &me) && me.Index >= 0 && me.Index < len(owners) {
			return nil, &TransactionError{Index: owners[me.Index], Err: me.Err}
		}
		return nil, &TransactionError{Index: -1, Err: err}
	}

	out := make([]TransactionResult, len(queued))
	for i, r := range results {
		if expanded[i] {
			continue
		}
		q := queued[owners[i]]
		resultPath := q.path
		if r.ResultPath != "" {
			resultPath = t.client.strip(r.ResultPath)
		}
		out[owners[i]] = TransactionResult{
			Kind:       q.op.Kind(),
			ForPath:    q.path,
			ResultPath: resultPath,
		}
	}
	return out, nil
}

// collectDescendants lists the descendants of path, deepest first.
func collectDescendants(ctx context.Context, conn ensemble.Conn, path string) ([]string, error) {
	names, _, err := conn.Children(ctx, path)
	if err != nil {
		return nil, err
	}
	var result []string
	for _, name := range names {
		child := ensemble.Join(path, name)
		sub, err := collectDescendants(ctx, conn, child)
		if err != nil && !errors.Is(err, ensemble.ErrNoNode) {
			return nil, err
		}
		result = append(result, sub...)
		result = append(result, child)
	}
	return result, nil
}
