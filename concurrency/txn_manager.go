package concurrency

import (
	"sync"
	"sync/atomic"

	"hashdb/common"
	"hashdb/locker"
	"hashdb/transaction"

	"github.com/sirupsen/logrus"
)

// TxnManager hands out transactions and finishes them. Transaction ids are
// monotonic, which is what gives wound-wait its age order.
type TxnManager interface {
	Begin(isolation transaction.IsolationLevel) *transaction.Transaction
	Commit(txn *transaction.Transaction)
	Abort(txn *transaction.Transaction)
	GetTransaction(id common.TxnID) *transaction.Transaction
	ActiveTransactions() []common.TxnID
}

var _ TxnManager = &TxnManagerImpl{}

type TxnManagerImpl struct {
	actives    map[common.TxnID]*transaction.Transaction
	lockMgr    *locker.LockManager
	txnCounter atomic.Uint64
	mut        sync.Mutex
	log        *logrus.Entry
}

func NewTxnManager(lockMgr *locker.LockManager) *TxnManagerImpl {
	return &TxnManagerImpl{
		actives: map[common.TxnID]*transaction.Transaction{},
		lockMgr: lockMgr,
		log:     logrus.WithField("component", "txn"),
	}
}

func (t *TxnManagerImpl) Begin(isolation transaction.IsolationLevel) *transaction.Transaction {
	t.mut.Lock()
	defer t.mut.Unlock()

	id := common.TxnID(t.txnCounter.Add(1))
	txn := transaction.New(id, isolation)
	t.actives[id] = txn
	return txn
}

// Commit releases every lock the transaction holds and marks it committed.
// Strict two-phase locking holds all locks until exactly this point.
func (t *TxnManagerImpl) Commit(txn *transaction.Transaction) {
	t.lockMgr.UnlockAll(txn)
	txn.SetState(transaction.Committed)

	t.mut.Lock()
	delete(t.actives, txn.GetID())
	t.mut.Unlock()
}

// Abort releases the transaction's locks and marks it aborted. Undoing the
// transaction's index writes from its write set is the caller's job, the
// records are in txn.WriteSet in append order.
func (t *TxnManagerImpl) Abort(txn *transaction.Transaction) {
	t.lockMgr.UnlockAll(txn)
	txn.SetState(transaction.Aborted)

	t.mut.Lock()
	delete(t.actives, txn.GetID())
	t.mut.Unlock()

	t.log.WithField("txn", txn.GetID()).Debug("aborted transaction")
}

func (t *TxnManagerImpl) GetTransaction(id common.TxnID) *transaction.Transaction {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.actives[id]
}

func (t *TxnManagerImpl) ActiveTransactions() []common.TxnID {
	t.mut.Lock()
	defer t.mut.Unlock()

	ids := make([]common.TxnID, 0, len(t.actives))
	for id := range t.actives {
		ids = append(ids, id)
	}
	return ids
}
