package db

import (
	"hashdb/buffer"
	"hashdb/common"
	"hashdb/concurrency"
	"hashdb/config"
	"hashdb/disk"
	"hashdb/exhash"
	"hashdb/locker"
	"hashdb/transaction"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrTxnAborted is returned when an operation's lock request fails because
// the transaction is, or was just made, aborted. The caller must roll back.
var ErrTxnAborted = errors.New("transaction is aborted")

// maxKeyLen is the fixed serialized size of index keys.
const maxKeyLen = 64

// DB wires the engine together: a disk manager underneath a buffer pool
// (a parallel one when more than one instance is configured), the extendible hash index on top of it, and the lock manager guarding
// tuple access. Keys are strings, values are RIDs.
type DB struct {
	diskManager *disk.Manager
	pool        buffer.Pool
	index       *exhash.HashTable
	lockMgr     *locker.LockManager
	txns        concurrency.TxnManager
	log         *logrus.Entry
}

func Open(cfg config.Config) (*DB, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}
	logrus.SetLevel(level)

	dm, created, err := disk.NewDiskManager(cfg.DBFile)
	if err != nil {
		return nil, err
	}

	var pool buffer.Pool
	if cfg.PoolInstances > 1 {
		pool = buffer.NewParallelBufferPool(dm, cfg.PoolInstances, cfg.PoolSize)
	} else {
		var replacer buffer.IReplacer
		switch cfg.Replacer {
		case "lru":
			replacer = buffer.NewLruReplacer(cfg.PoolSize)
		case "clock":
			replacer = buffer.NewClockReplacer(cfg.PoolSize)
		default:
			return nil, errors.Errorf("unknown replacer policy: %q", cfg.Replacer)
		}
		pool = buffer.NewBufferPoolWithReplacer(dm, cfg.PoolSize, replacer)
	}

	lockMgr := locker.NewLockManager()

	d := &DB{
		diskManager: dm,
		pool:        pool,
		index:       exhash.NewHashTable(pool, &exhash.StringKeySerializer{Len: maxKeyLen}, &exhash.RIDValueSerializer{}),
		lockMgr:     lockMgr,
		txns:        concurrency.NewTxnManager(lockMgr),
		log:         logrus.WithField("component", "db"),
	}

	d.log.WithFields(logrus.Fields{
		"file":      cfg.DBFile,
		"created":   created,
		"pool_size": pool.GetPoolSize(),
	}).Info("database opened")
	return d, nil
}

func (d *DB) Begin(isolation transaction.IsolationLevel) *transaction.Transaction {
	return d.txns.Begin(isolation)
}

// Insert indexes rid under key. The tuple is locked exclusively first and the
// write is recorded for rollback.
func (d *DB) Insert(txn *transaction.Transaction, key string, rid common.RID) (bool, error) {
	if !d.lockMgr.LockExclusive(txn, rid) {
		return false, ErrTxnAborted
	}

	inserted, err := d.index.Insert(key, rid)
	if err != nil {
		return false, err
	}
	if inserted {
		txn.AppendWriteRecord(transaction.WriteRecord{
			RID:      rid,
			Op:       transaction.WriteOpInsert,
			NewTuple: []byte(key),
		})
	}
	return inserted, nil
}

// Get returns the RIDs stored under key, shared-locking each of them. Under
// read committed the shared locks are released again before returning; under
// read uncommitted none are taken.
func (d *DB) Get(txn *transaction.Transaction, key string) ([]common.RID, error) {
	values, err := d.index.GetValue(key)
	if err != nil {
		return nil, err
	}

	rids := make([]common.RID, 0, len(values))
	for _, v := range values {
		rids = append(rids, v.(common.RID))
	}

	if txn.GetIsolationLevel() == transaction.ReadUncommitted {
		return rids, nil
	}

	for _, rid := range rids {
		if txn.IsSharedLocked(rid) || txn.IsExclusiveLocked(rid) {
			continue
		}
		if !d.lockMgr.LockShared(txn, rid) {
			return nil, ErrTxnAborted
		}
		if txn.GetIsolationLevel() == transaction.ReadCommitted {
			d.lockMgr.Unlock(txn, rid)
		}
	}
	return rids, nil
}

// Remove deletes the (key, rid) pair from the index under an exclusive lock.
func (d *DB) Remove(txn *transaction.Transaction, key string, rid common.RID) (bool, error) {
	if !d.lockMgr.LockExclusive(txn, rid) {
		return false, ErrTxnAborted
	}

	removed, err := d.index.Remove(key, rid)
	if err != nil {
		return false, err
	}
	if removed {
		txn.AppendWriteRecord(transaction.WriteRecord{
			RID:      rid,
			Op:       transaction.WriteOpDelete,
			OldTuple: []byte(key),
		})
	}
	return removed, nil
}

func (d *DB) Commit(txn *transaction.Transaction) {
	d.txns.Commit(txn)
}

// Abort undoes the transaction's index writes in reverse order while its
// exclusive locks are still held, then releases everything.
func (d *DB) Abort(txn *transaction.Transaction) error {
	records := txn.WriteSet()
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		switch r.Op {
		case transaction.WriteOpInsert:
			if _, err := d.index.Remove(string(r.NewTuple), r.RID); err != nil {
				return err
			}
		case transaction.WriteOpDelete:
			if _, err := d.index.Insert(string(r.OldTuple), r.RID); err != nil {
				return err
			}
		}
	}

	d.txns.Abort(txn)
	return nil
}

// Close flushes every resident page and closes the database file.
func (d *DB) Close() error {
	if err := d.pool.FlushAllPages(); err != nil {
		return err
	}
	d.log.Info("database closed")
	return d.diskManager.Close()
}
