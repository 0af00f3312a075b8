package locker

import (
	"sync"

	"hashdb/common"
	"hashdb/transaction"

	"github.com/sirupsen/logrus"
)

type LockMode int

const (
	SharedLock LockMode = iota
	ExclusiveLock
)

// LockRequest is one entry of a RID's queue. It points at the requesting
// transaction directly so that wounding can clear the victim's lock sets
// without a registry lookup.
type LockRequest struct {
	txn     *transaction.Transaction
	mode    LockMode
	granted bool
}

type lockRequestQueue struct {
	requests  []*LockRequest
	cond      *sync.Cond
	upgrading bool
}

// LockManager grants tuple-level shared and exclusive locks under strict
// two-phase locking. Deadlocks are prevented with wound-wait: an older
// transaction aborts younger conflicting holders. A younger shared requester
// waits behind an older exclusive holder, a younger exclusive requester dies
// against any older request, and an upgrader waits for older holders. The whole
// lock table hangs off one mutex; each queue's condition variable shares it.
type LockManager struct {
	mu        sync.Mutex
	lockTable map[common.RID]*lockRequestQueue
	log       *logrus.Entry
}

func NewLockManager() *LockManager {
	return &LockManager{
		lockTable: map[common.RID]*lockRequestQueue{},
		log:       logrus.WithField("component", "locker"),
	}
}

// LockShared takes a shared lock on rid. It blocks while an older transaction
// holds the tuple exclusively and returns false iff the caller is or becomes
// aborted.
func (lm *LockManager) LockShared(txn *transaction.Transaction, rid common.RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for {
		if txn.GetState() == transaction.Aborted {
			return false
		}
		if txn.GetIsolationLevel() == transaction.ReadUncommitted {
			txn.SetState(transaction.Aborted)
			return false
		}
		if txn.GetState() == transaction.Shrinking {
			txn.SetState(transaction.Aborted)
			return false
		}
		if txn.IsSharedLocked(rid) {
			return true
		}

		queue := lm.getQueue(rid)

		waited := false
		i := 0
		for i < len(queue.requests) {
			req := queue.requests[i]
			holder := req.txn
			if holder.GetID() > txn.GetID() && holder.IsExclusiveLocked(rid) {
				lm.wound(queue, i, rid)
				continue
			}
			if holder.GetID() < txn.GetID() && holder.IsExclusiveLocked(rid) {
				// an older transaction holds the tuple exclusively: queue up
				// and wait, then re-check everything from the top.
				lm.insertIntoQueue(queue, txn, SharedLock, false)
				txn.AddSharedLock(rid)
				queue.cond.Wait()
				waited = true
				break
			}
			i++
		}
		if waited {
			continue
		}

		txn.SetState(transaction.Growing)
		lm.insertIntoQueue(queue, txn, SharedLock, true)
		txn.AddSharedLock(rid)
		return true
	}
}

// LockExclusive takes an exclusive lock on rid. Younger queue entries are
// wounded; any older entry makes the caller die immediately.
func (lm *LockManager) LockExclusive(txn *transaction.Transaction, rid common.RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if txn.GetState() == transaction.Aborted {
		return false
	}
	if txn.GetState() == transaction.Shrinking {
		txn.SetState(transaction.Aborted)
		return false
	}
	if txn.IsExclusiveLocked(rid) {
		return true
	}

	queue := lm.getQueue(rid)

	i := 0
	for i < len(queue.requests) {
		req := queue.requests[i]
		if req.txn.GetID() > txn.GetID() {
			lm.wound(queue, i, rid)
			continue
		}
		if req.txn.GetID() < txn.GetID() {
			txn.RemoveExclusiveLock(rid)
			txn.RemoveSharedLock(rid)
			txn.SetState(transaction.Aborted)
			return false
		}
		i++
	}

	txn.SetState(transaction.Growing)
	lm.insertIntoQueue(queue, txn, ExclusiveLock, true)
	txn.AddExclusiveLock(rid)
	return true
}

// LockUpgrade promotes the caller's shared lock on rid to exclusive. Only one
// upgrade may be in flight per tuple; a second one fails fast.
func (lm *LockManager) LockUpgrade(txn *transaction.Transaction, rid common.RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if txn.GetState() == transaction.Aborted {
		return false
	}
	if txn.GetState() == transaction.Shrinking {
		txn.SetState(transaction.Aborted)
		return false
	}

	queue := lm.getQueue(rid)
	if queue.upgrading {
		txn.SetState(transaction.Aborted)
		return false
	}
	queue.upgrading = true

	for {
		if txn.GetState() == transaction.Aborted {
			// wounded while waiting for the queue to drain
			queue.upgrading = false
			return false
		}

		waited := false
		i := 0
		for i < len(queue.requests) {
			req := queue.requests[i]
			if req.txn.GetID() > txn.GetID() {
				lm.wound(queue, i, rid)
				continue
			}
			if req.txn.GetID() < txn.GetID() {
				queue.cond.Wait()
				waited = true
				break
			}
			i++
		}
		if !waited {
			break
		}
	}

	common.Assert(len(queue.requests) == 1, "upgrade finished with foreign requests still queued")
	req := queue.requests[0]
	common.Assert(req.txn == txn, "upgrade finished on a queue owned by another transaction")

	txn.SetState(transaction.Growing)
	req.mode = ExclusiveLock
	req.granted = true
	txn.AddExclusiveLock(rid)
	txn.RemoveSharedLock(rid)
	queue.upgrading = false
	return true
}

// Unlock releases the caller's lock on rid, applies the two-phase state
// transition and wakes waiters. Under read committed a shared release does
// not end the growing phase.
func (lm *LockManager) Unlock(txn *transaction.Transaction, rid common.RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	return lm.unlock(txn, rid)
}

// UnlockAll releases every lock the transaction holds. Called on commit and
// abort.
func (lm *LockManager) UnlockAll(txn *transaction.Transaction) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, rid := range txn.LockedRIDs() {
		lm.unlock(txn, rid)
	}
}

func (lm *LockManager) unlock(txn *transaction.Transaction, rid common.RID) bool {
	queue := lm.getQueue(rid)

	mode := ExclusiveLock
	if txn.IsSharedLocked(rid) {
		mode = SharedLock
	}

	if txn.GetState() == transaction.Growing {
		if txn.IsExclusiveLocked(rid) {
			txn.SetState(transaction.Shrinking)
		} else if txn.IsSharedLocked(rid) && txn.GetIsolationLevel() == transaction.RepeatableRead {
			txn.SetState(transaction.Shrinking)
		}
	}

	for i, req := range queue.requests {
		if req.txn != txn {
			continue
		}

		queue.requests = append(queue.requests[:i], queue.requests[i+1:]...)
		if mode == SharedLock {
			txn.RemoveSharedLock(rid)
			if len(queue.requests) > 0 {
				queue.cond.Broadcast()
			}
		} else {
			txn.RemoveExclusiveLock(rid)
			queue.cond.Broadcast()
		}
		return true
	}
	return false
}

// wound aborts the transaction behind queue entry i in favor of an older
// requester: its entry is erased, its lock sets are cleared and every waiter
// is woken so nobody keeps waiting on the corpse.
func (lm *LockManager) wound(queue *lockRequestQueue, i int, rid common.RID) {
	req := queue.requests[i]
	queue.requests = append(queue.requests[:i], queue.requests[i+1:]...)

	req.txn.RemoveExclusiveLock(rid)
	req.txn.RemoveSharedLock(rid)
	req.txn.SetState(transaction.Aborted)
	queue.cond.Broadcast()

	lm.log.WithFields(logrus.Fields{"txn": req.txn.GetID(), "rid": rid.String()}).
		Debug("wounded transaction")
}

func (lm *LockManager) getQueue(rid common.RID) *lockRequestQueue {
	queue, ok := lm.lockTable[rid]
	if !ok {
		queue = &lockRequestQueue{cond: sync.NewCond(&lm.mu)}
		lm.lockTable[rid] = queue
	}
	return queue
}

// insertIntoQueue adds the transaction's request or refreshes its existing
// entry, keeping at most one request per transaction in a queue.
func (lm *LockManager) insertIntoQueue(queue *lockRequestQueue, txn *transaction.Transaction, mode LockMode, granted bool) {
	for _, req := range queue.requests {
		if req.txn == txn {
			req.mode = mode
			req.granted = granted
			return
		}
	}
	queue.requests = append(queue.requests, &LockRequest{txn: txn, mode: mode, granted: granted})
}
