package locker

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"hashdb/common"
	"hashdb/transaction"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTxn(id uint64, isolation transaction.IsolationLevel) *transaction.Transaction {
	return transaction.New(common.TxnID(id), isolation)
}

func TestLockManager_Shared_Locks_Are_Compatible(t *testing.T) {
	lm := NewLockManager()
	rid := common.NewRID(1, 1)

	t1 := newTxn(1, transaction.RepeatableRead)
	t2 := newTxn(2, transaction.RepeatableRead)

	require.True(t, lm.LockShared(t1, rid))
	require.True(t, lm.LockShared(t2, rid))

	assert.True(t, t1.IsSharedLocked(rid))
	assert.True(t, t2.IsSharedLocked(rid))
}

func TestLockManager_Relocking_Is_A_NoOp(t *testing.T) {
	lm := NewLockManager()
	rid := common.NewRID(1, 1)

	t1 := newTxn(1, transaction.RepeatableRead)
	require.True(t, lm.LockShared(t1, rid))
	require.True(t, lm.LockShared(t1, rid))

	t2 := newTxn(2, transaction.RepeatableRead)
	require.True(t, lm.LockExclusive(t2, common.NewRID(2, 2)))
	require.True(t, lm.LockExclusive(t2, common.NewRID(2, 2)))
}

func TestLockManager_Older_Exclusive_Requester_Wounds_Younger_Holder(t *testing.T) {
	lm := NewLockManager()
	rid := common.NewRID(1, 1)

	young := newTxn(10, transaction.RepeatableRead)
	old := newTxn(5, transaction.RepeatableRead)

	require.True(t, lm.LockExclusive(young, rid))

	assert.True(t, lm.LockExclusive(old, rid))
	assert.Equal(t, transaction.Aborted, young.GetState())
	assert.False(t, young.IsExclusiveLocked(rid))
	assert.True(t, old.IsExclusiveLocked(rid))
}

func TestLockManager_Younger_Exclusive_Requester_Dies_Against_Older_Holder(t *testing.T) {
	lm := NewLockManager()
	rid := common.NewRID(1, 1)

	old := newTxn(5, transaction.RepeatableRead)
	young := newTxn(10, transaction.RepeatableRead)

	require.True(t, lm.LockExclusive(old, rid))

	assert.False(t, lm.LockExclusive(young, rid))
	assert.Equal(t, transaction.Aborted, young.GetState())
	assert.True(t, old.IsExclusiveLocked(rid))
}

func TestLockManager_Younger_Shared_Requester_Waits_For_Older_Exclusive_Holder(t *testing.T) {
	lm := NewLockManager()
	rid := common.NewRID(1, 1)

	old := newTxn(5, transaction.RepeatableRead)
	young := newTxn(10, transaction.RepeatableRead)

	require.True(t, lm.LockExclusive(old, rid))

	granted := make(chan bool)
	go func() {
		granted <- lm.LockShared(young, rid)
	}()

	select {
	case <-granted:
		t.Fatal("shared lock granted while an older transaction held the tuple exclusively")
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, lm.Unlock(old, rid))
	assert.True(t, <-granted)
	assert.True(t, young.IsSharedLocked(rid))
}

func TestLockManager_Read_Uncommitted_May_Not_Take_Shared_Locks(t *testing.T) {
	lm := NewLockManager()

	t1 := newTxn(1, transaction.ReadUncommitted)
	assert.False(t, lm.LockShared(t1, common.NewRID(1, 1)))
	assert.Equal(t, transaction.Aborted, t1.GetState())
}

func TestLockManager_No_Locks_While_Shrinking(t *testing.T) {
	lm := NewLockManager()
	r1 := common.NewRID(1, 1)
	r2 := common.NewRID(2, 2)

	t1 := newTxn(1, transaction.RepeatableRead)
	require.True(t, lm.LockShared(t1, r1))
	require.True(t, lm.Unlock(t1, r1))
	require.Equal(t, transaction.Shrinking, t1.GetState())

	assert.False(t, lm.LockShared(t1, r2))
	assert.Equal(t, transaction.Aborted, t1.GetState())
}

func TestLockManager_Read_Committed_Releases_Shared_Locks_Early(t *testing.T) {
	lm := NewLockManager()
	r1 := common.NewRID(1, 1)
	r2 := common.NewRID(2, 2)

	t1 := newTxn(1, transaction.ReadCommitted)
	require.True(t, lm.LockShared(t1, r1))
	require.True(t, lm.Unlock(t1, r1))

	// a shared unlock under read committed does not end the growing phase
	require.Equal(t, transaction.Growing, t1.GetState())
	assert.True(t, lm.LockExclusive(t1, r2))

	// an exclusive unlock always does
	require.True(t, lm.Unlock(t1, r2))
	assert.Equal(t, transaction.Shrinking, t1.GetState())
}

func TestLockManager_Upgrade_Promotes_After_Wounding_Younger_Holders(t *testing.T) {
	lm := NewLockManager()
	rid := common.NewRID(1, 1)

	old := newTxn(5, transaction.RepeatableRead)
	young := newTxn(7, transaction.RepeatableRead)

	require.True(t, lm.LockShared(old, rid))
	require.True(t, lm.LockShared(young, rid))

	assert.True(t, lm.LockUpgrade(old, rid))
	assert.True(t, old.IsExclusiveLocked(rid))
	assert.False(t, old.IsSharedLocked(rid))
	assert.Equal(t, transaction.Aborted, young.GetState())
}

func TestLockManager_Only_One_Upgrade_Per_Tuple(t *testing.T) {
	lm := NewLockManager()
	rid := common.NewRID(1, 1)

	blocker := newTxn(1, transaction.RepeatableRead)
	upgrader := newTxn(5, transaction.RepeatableRead)
	latecomer := newTxn(7, transaction.RepeatableRead)

	require.True(t, lm.LockShared(blocker, rid))
	require.True(t, lm.LockShared(upgrader, rid))
	require.True(t, lm.LockShared(latecomer, rid))

	// the upgrade waits behind the older shared holder
	upgraded := make(chan bool)
	go func() {
		upgraded <- lm.LockUpgrade(upgrader, rid)
	}()
	time.Sleep(50 * time.Millisecond)

	// a second upgrade on the same tuple fails fast
	assert.False(t, lm.LockUpgrade(latecomer, rid))
	assert.Equal(t, transaction.Aborted, latecomer.GetState())
	lm.UnlockAll(latecomer)

	require.True(t, lm.Unlock(blocker, rid))
	assert.True(t, <-upgraded)
	assert.True(t, upgrader.IsExclusiveLocked(rid))
}

func TestLockManager_Wounded_Waiter_Wakes_Up_And_Fails(t *testing.T) {
	lm := NewLockManager()
	rid := common.NewRID(1, 1)

	old := newTxn(5, transaction.RepeatableRead)
	young := newTxn(10, transaction.RepeatableRead)
	oldest := newTxn(1, transaction.RepeatableRead)

	require.True(t, lm.LockExclusive(old, rid))

	granted := make(chan bool)
	go func() {
		granted <- lm.LockShared(young, rid)
	}()
	time.Sleep(50 * time.Millisecond)

	// the oldest transaction wounds both the holder and the waiter; the
	// waiter must wake up and observe its own abort instead of blocking on.
	require.True(t, lm.LockExclusive(oldest, rid))
	assert.False(t, <-granted)
	assert.Equal(t, transaction.Aborted, young.GetState())
}

func TestLockManager_Unlock_Of_Unknown_Lock_Reports_False(t *testing.T) {
	lm := NewLockManager()

	t1 := newTxn(1, transaction.RepeatableRead)
	assert.False(t, lm.Unlock(t1, common.NewRID(9, 9)))
}

func TestLockManager_Safety_Readers_Do_Not_Exclude_Each_Other(t *testing.T) {
	lm := NewLockManager()
	rid := common.NewRID(1, 1)

	numReaders := 50
	locked := make(chan bool, numReaders)
	unlock := make(chan bool)
	done := make(chan bool, numReaders)

	for i := 0; i < numReaders; i++ {
		txn := newTxn(uint64(i+1), transaction.RepeatableRead)
		go func() {
			if !lm.LockShared(txn, rid) {
				panic("reader could not take a shared lock")
			}
			locked <- true
			<-unlock
			lm.Unlock(txn, rid)
			done <- true
		}()
	}

	// all readers hold the lock at the same time
	for i := 0; i < numReaders; i++ {
		<-locked
	}
	close(unlock)
	for i := 0; i < numReaders; i++ {
		<-done
	}
}

func TestLockManager_No_Deadlock_Under_Contention(t *testing.T) {
	lm := NewLockManager()

	rids := []common.RID{
		common.NewRID(1, 1), common.NewRID(1, 2), common.NewRID(2, 1), common.NewRID(2, 2),
	}

	var idCounter uint64
	var idMut sync.Mutex
	nextID := func() uint64 {
		idMut.Lock()
		defer idMut.Unlock()
		idCounter++
		return idCounter
	}

	wg := sync.WaitGroup{}
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(seed)))
			for i := 0; i < 50; i++ {
				txn := newTxn(nextID(), transaction.RepeatableRead)
				a := rids[r.Intn(len(rids))]
				b := rids[r.Intn(len(rids))]

				if lm.LockExclusive(txn, a) && a != b {
					lm.LockExclusive(txn, b)
				}
				lm.UnlockAll(txn)
			}
		}(w)
	}

	// wound-wait guarantees progress; the test finishing is the assertion
	wg.Wait()

	for rid, queue := range lm.lockTable {
		assert.Empty(t, queue.requests, "queue of %s not drained", rid)
	}
}
