package coordclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/testlib"
)

func TestTransactionCommit(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, newEnsemble(t))
	_, err := c.CreatePersistent(ctx, "/tx/existing", "old")
	require.NoError(t, err)

	tx, err := c.StartTransaction()
	require.NoError(t, err)
	require.NoError(t, tx.Create("/tx/a", "a", api.NodePersistent))
	require.NoError(t, tx.Create("/tx/seq-", "s", api.NodePersistentSequential))
	require.NoError(t, tx.Update("/tx/existing", "new"))
	require.NoError(t, tx.Check("/tx/a", 0))
	assert.Equal(t, 4, tx.Len())

	absent, err := c.Nonexistent(ctx, "/tx/a")
	require.NoError(t, err)
	assert.True(t, absent, "queued operations must not touch the tree")

	results, err := tx.Commit(ctx)
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, TransactionResult{Kind: api.TxCreate, ForPath: "/tx/a", ResultPath: "/tx/a"}, results[0])
	assert.Equal(t, "/tx/seq-", results[1].ForPath)
	assert.Equal(t, "/tx/seq-0000000002", results[1].ResultPath)
	assert.Equal(t, api.TxUpdate, results[2].Kind)
	assert.Equal(t, api.TxCheck, results[3].Kind)

	v, err := c.Get(ctx, "/tx/existing")
	require.NoError(t, err)
	assert.Equal(t, "new", v)

	_, err = tx.Commit(ctx)
	assert.ErrorIs(t, err, ErrTransactionDone)
}

func TestTransactionAtomicity(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, newEnsemble(t))
	_, err := c.CreatePersistent(ctx, "/atomic", "v0")
	require.NoError(t, err)

	_, err = c.InTransaction(ctx, func(tx *Transaction) error {
		if err := tx.Create("/atomic/a", "a", api.NodePersistent); err != nil {
			return err
		}
		if err := tx.Update("/atomic", "v1"); err != nil {
			return err
		}
		return tx.UpdateVersion("/atomic", "v2", 7)
	})
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, 2, txErr.Index)
	assert.ErrorIs(t, err, ErrVersionConflict)

	absent, err := c.Nonexistent(ctx, "/atomic/a")
	require.NoError(t, err)
	assert.True(t, absent)
	v, err := c.Get(ctx, "/atomic")
	require.NoError(t, err)
	assert.Equal(t, "v0", v)
}

func TestTransactionSingleFlight(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, newEnsemble(t))

	tx, err := c.StartTransaction()
	require.NoError(t, err)
	_, err = c.StartTransaction()
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.ErrorIs(t, err, ErrTransactionInFlight)

	tx.Abort()
	tx.Abort()
	assert.ErrorIs(t, tx.Create("/late", nil, api.NodePersistent), ErrTransactionDone)

	next, err := c.StartTransaction()
	require.NoError(t, err)
	results, err := next.Commit(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = c.StartTransaction()
	require.NoError(t, err)
}

func TestTransactionRecursiveDelete(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, newEnsemble(t))
	for _, p := range []string{"/rd/a/b", "/rd/a/c", "/rd/keep"} {
		_, err := c.CreatePersistent(ctx, p, nil)
		require.NoError(t, err)
	}

	results, err := c.InTransaction(ctx, func(tx *Transaction) error {
		if err := tx.Delete("/rd/a", true); err != nil {
			return err
		}
		return tx.Update("/rd/keep", "kept")
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, TransactionResult{Kind: api.TxDelete, ForPath: "/rd/a", ResultPath: "/rd/a"}, results[0])
	assert.Equal(t, TransactionResult{Kind: api.TxUpdate, ForPath: "/rd/keep", ResultPath: "/rd/keep"}, results[1])

	absent, err := c.Nonexistent(ctx, "/rd/a")
	require.NoError(t, err)
	assert.True(t, absent)

	_, err = c.CreatePersistent(ctx, "/rd/b/c", nil)
	require.NoError(t, err)
	_, err = c.InTransaction(ctx, func(tx *Transaction) error {
		return tx.Delete("/rd/b", false)
	})
	assert.ErrorIs(t, err, ErrNotEmpty)
}

func TestTransactionNilUpdate(t *testing.T) {
	c := newClient(t, newEnsemble(t))
	tx, err := c.StartTransaction()
	require.NoError(t, err)
	defer tx.Abort()

	err = tx.Update("/x", nil)
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.ErrorIs(t, err, ErrNilValue)
	assert.Zero(t, tx.Len())
}

func TestTransactionReplyLostIsNotRetried(t *testing.T) {
	ctx := context.Background()
	ens := newEnsemble(t)
	c := newClient(t, ens, WithRetryPolicy(FixedRetry(5, 20*time.Millisecond)))
	rec := stateRecorder{testlib.NewRecorder()}
	c.AddConnectionListener(rec)

	ens.DropNextReply()
	_, err := c.InTransaction(ctx, func(tx *Transaction) error {
		return tx.Create("/lost", "applied", api.NodePersistent)
	})
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, -1, txErr.Index)
	assert.ErrorIs(t, err, ErrConnectionLoss)

	ens.ReconnectAll()
	rec.WaitFor(t, waitTimeout, "RECONNECTED")
	v, err := c.Get(ctx, "/lost")
	require.NoError(t, err)
	assert.Equal(t, "applied", v)

	tx, err := c.StartTransaction()
	require.NoError(t, err, "a failed commit finishes the transaction")
	tx.Abort()
}
