package concurrency

import (
	"testing"

	"hashdb/common"
	"hashdb/locker"
	"hashdb/transaction"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxnManager_Assigns_Monotonic_Ids(t *testing.T) {
	tm := NewTxnManager(locker.NewLockManager())

	t1 := tm.Begin(transaction.RepeatableRead)
	t2 := tm.Begin(transaction.RepeatableRead)
	t3 := tm.Begin(transaction.ReadCommitted)

	assert.Less(t, t1.GetID(), t2.GetID())
	assert.Less(t, t2.GetID(), t3.GetID())
	assert.Len(t, tm.ActiveTransactions(), 3)
}

func TestTxnManager_Commit_Releases_Every_Lock(t *testing.T) {
	lm := locker.NewLockManager()
	tm := NewTxnManager(lm)

	txn := tm.Begin(transaction.RepeatableRead)
	r1 := common.NewRID(1, 1)
	r2 := common.NewRID(2, 2)
	require.True(t, lm.LockShared(txn, r1))
	require.True(t, lm.LockExclusive(txn, r2))

	tm.Commit(txn)

	assert.Equal(t, transaction.Committed, txn.GetState())
	assert.Empty(t, txn.LockedRIDs())
	assert.Nil(t, tm.GetTransaction(txn.GetID()))

	// the tuples are free again for later transactions
	other := tm.Begin(transaction.RepeatableRead)
	assert.True(t, lm.LockExclusive(other, r1))
	assert.True(t, lm.LockExclusive(other, r2))
}

func TestTxnManager_Abort_Releases_Locks_And_Keeps_The_Write_Set(t *testing.T) {
	lm := locker.NewLockManager()
	tm := NewTxnManager(lm)

	txn := tm.Begin(transaction.RepeatableRead)
	rid := common.NewRID(1, 1)
	require.True(t, lm.LockExclusive(txn, rid))
	txn.AppendWriteRecord(transaction.WriteRecord{RID: rid, Op: transaction.WriteOpInsert})

	tm.Abort(txn)

	assert.Equal(t, transaction.Aborted, txn.GetState())
	assert.Empty(t, txn.LockedRIDs())
	// the write set survives the abort so the caller can undo its effects
	assert.Len(t, txn.WriteSet(), 1)
}
