package transaction

import (
	"testing"

	"hashdb/common"

	"github.com/stretchr/testify/assert"
)

func TestTransaction_Starts_Growing(t *testing.T) {
	txn := New(1, RepeatableRead)

	assert.Equal(t, common.TxnID(1), txn.GetID())
	assert.Equal(t, Growing, txn.GetState())
	assert.Equal(t, RepeatableRead, txn.GetIsolationLevel())
}

func TestTransaction_Tracks_Lock_Sets(t *testing.T) {
	txn := New(1, RepeatableRead)
	r1 := common.NewRID(1, 1)
	r2 := common.NewRID(2, 2)

	txn.AddSharedLock(r1)
	txn.AddExclusiveLock(r2)

	assert.True(t, txn.IsSharedLocked(r1))
	assert.False(t, txn.IsExclusiveLocked(r1))
	assert.True(t, txn.IsExclusiveLocked(r2))
	assert.ElementsMatch(t, []common.RID{r1, r2}, txn.LockedRIDs())

	txn.RemoveSharedLock(r1)
	assert.False(t, txn.IsSharedLocked(r1))
	assert.ElementsMatch(t, []common.RID{r2}, txn.LockedRIDs())
}

func TestTransaction_Write_Set_Is_Append_Only(t *testing.T) {
	txn := New(1, RepeatableRead)

	txn.AppendWriteRecord(WriteRecord{RID: common.NewRID(1, 1), Op: WriteOpInsert, NewTuple: []byte("a")})
	txn.AppendWriteRecord(WriteRecord{RID: common.NewRID(1, 2), Op: WriteOpDelete, OldTuple: []byte("b")})

	records := txn.WriteSet()
	assert.Len(t, records, 2)
	assert.Equal(t, WriteOpInsert, records[0].Op)
	assert.Equal(t, WriteOpDelete, records[1].Op)
}
