package transaction

import (
	"sync"

	"hashdb/common"
)

// State is a transaction's lifecycle phase. Locks may only be acquired while
// growing; the first unlock that two-phase locking cares about moves the
// transaction to shrinking.
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

// IsolationLevel selects how early shared locks may be released and whether
// they are taken at all.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

// WriteOpType tags an entry of the index write set.
type WriteOpType int

const (
	WriteOpInsert WriteOpType = iota
	WriteOpDelete
	WriteOpUpdate
)

// WriteRecord is one entry of the append-only index write set. It carries
// what a caller needs to undo the operation on abort.
type WriteRecord struct {
	RID      common.RID
	Op       WriteOpType
	OldTuple []byte
	NewTuple []byte
}

// Transaction owns its lock sets and write set. The lock manager mutates the
// lock sets while granting, wounding and releasing; everything is guarded by
// the transaction's own mutex because a wound arrives from another goroutine.
type Transaction struct {
	id        common.TxnID
	isolation IsolationLevel

	mut              sync.Mutex
	state            State
	sharedLockSet    map[common.RID]struct{}
	exclusiveLockSet map[common.RID]struct{}
	writeSet         []WriteRecord
}

func New(id common.TxnID, isolation IsolationLevel) *Transaction {
	return &Transaction{
		id:               id,
		isolation:        isolation,
		state:            Growing,
		sharedLockSet:    map[common.RID]struct{}{},
		exclusiveLockSet: map[common.RID]struct{}{},
	}
}

func (t *Transaction) GetID() common.TxnID {
	return t.id
}

func (t *Transaction) GetIsolationLevel() IsolationLevel {
	return t.isolation
}

func (t *Transaction) GetState() State {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.state
}

func (t *Transaction) SetState(state State) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.state = state
}

func (t *Transaction) IsSharedLocked(rid common.RID) bool {
	t.mut.Lock()
	defer t.mut.Unlock()
	_, ok := t.sharedLockSet[rid]
	return ok
}

func (t *Transaction) IsExclusiveLocked(rid common.RID) bool {
	t.mut.Lock()
	defer t.mut.Unlock()
	_, ok := t.exclusiveLockSet[rid]
	return ok
}

func (t *Transaction) AddSharedLock(rid common.RID) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.sharedLockSet[rid] = struct{}{}
}

func (t *Transaction) AddExclusiveLock(rid common.RID) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.exclusiveLockSet[rid] = struct{}{}
}

func (t *Transaction) RemoveSharedLock(rid common.RID) {
	t.mut.Lock()
	defer t.mut.Unlock()
	delete(t.sharedLockSet, rid)
}

func (t *Transaction) RemoveExclusiveLock(rid common.RID) {
	t.mut.Lock()
	defer t.mut.Unlock()
	delete(t.exclusiveLockSet, rid)
}

// LockedRIDs returns every RID the transaction currently holds a lock on.
func (t *Transaction) LockedRIDs() []common.RID {
	t.mut.Lock()
	defer t.mut.Unlock()

	rids := make([]common.RID, 0, len(t.sharedLockSet)+len(t.exclusiveLockSet))
	for rid := range t.sharedLockSet {
		rids = append(rids, rid)
	}
	for rid := range t.exclusiveLockSet {
		rids = append(rids, rid)
	}
	return rids
}

// AppendWriteRecord logs an index modification for rollback on abort.
func (t *Transaction) AppendWriteRecord(record WriteRecord) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.writeSet = append(t.writeSet, record)
}

// WriteSet returns the write records in append order.
func (t *Transaction) WriteSet() []WriteRecord {
	t.mut.Lock()
	defer t.mut.Unlock()

	records := make([]WriteRecord, len(t.writeSet))
	copy(records, t.writeSet)
	return records
}
