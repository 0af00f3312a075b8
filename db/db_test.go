package db

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"hashdb/common"
	"hashdb/config"
	"hashdb/transaction"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := config.Default()
	cfg.DBFile = filepath.Join(t.TempDir(), uuid.NewString()+".hashdb")
	cfg.PoolSize = 16
	cfg.PoolInstances = 4

	d, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, d.Close()) })
	return d
}

func TestDB_Insert_Commit_Get(t *testing.T) {
	d := openTestDB(t)

	writer := d.Begin(transaction.RepeatableRead)
	for i := 0; i < 100; i++ {
		ok, err := d.Insert(writer, fmt.Sprintf("key-%d", i), common.NewRID(common.PageID(i), 0))
		require.NoError(t, err)
		require.True(t, ok)
	}
	d.Commit(writer)
	assert.Equal(t, transaction.Committed, writer.GetState())

	reader := d.Begin(transaction.RepeatableRead)
	rids, err := d.Get(reader, "key-42")
	require.NoError(t, err)
	require.Len(t, rids, 1)
	assert.Equal(t, common.NewRID(42, 0), rids[0])
	d.Commit(reader)
}

func TestDB_Abort_Rolls_Back_Index_Writes(t *testing.T) {
	d := openTestDB(t)

	setup := d.Begin(transaction.RepeatableRead)
	_, err := d.Insert(setup, "stays", common.NewRID(1, 0))
	require.NoError(t, err)
	d.Commit(setup)

	txn := d.Begin(transaction.RepeatableRead)
	_, err = d.Insert(txn, "vanishes", common.NewRID(2, 0))
	require.NoError(t, err)
	removed, err := d.Remove(txn, "stays", common.NewRID(1, 0))
	require.NoError(t, err)
	require.True(t, removed)

	require.NoError(t, d.Abort(txn))
	assert.Equal(t, transaction.Aborted, txn.GetState())

	check := d.Begin(transaction.RepeatableRead)
	rids, err := d.Get(check, "vanishes")
	require.NoError(t, err)
	assert.Empty(t, rids)

	rids, err = d.Get(check, "stays")
	require.NoError(t, err)
	assert.Equal(t, []common.RID{common.NewRID(1, 0)}, rids)
	d.Commit(check)
}

func TestDB_Older_Writer_Wounds_Younger_Writer(t *testing.T) {
	d := openTestDB(t)

	older := d.Begin(transaction.RepeatableRead)
	younger := d.Begin(transaction.RepeatableRead)
	rid := common.NewRID(7, 0)

	ok, err := d.Insert(younger, "contested", rid)
	require.NoError(t, err)
	require.True(t, ok)

	// the older transaction takes the tuple, the younger holder is wounded
	_, err = d.Insert(older, "contested-2", rid)
	require.NoError(t, err)
	assert.Equal(t, transaction.Aborted, younger.GetState())

	// any further operation of the wounded transaction fails
	_, err = d.Insert(younger, "more", common.NewRID(8, 0))
	assert.ErrorIs(t, err, ErrTxnAborted)

	require.NoError(t, d.Abort(younger))
	d.Commit(older)
}

func TestDB_Read_Committed_Releases_Shared_Locks_Early(t *testing.T) {
	d := openTestDB(t)

	setup := d.Begin(transaction.RepeatableRead)
	_, err := d.Insert(setup, "row", common.NewRID(3, 0))
	require.NoError(t, err)
	d.Commit(setup)

	reader := d.Begin(transaction.ReadCommitted)
	_, err = d.Get(reader, "row")
	require.NoError(t, err)

	// the early shared release left no locks and kept the reader growing
	assert.Empty(t, reader.LockedRIDs())
	assert.Equal(t, transaction.Growing, reader.GetState())

	// so a later write in the same transaction still works
	_, err = d.Insert(reader, "row2", common.NewRID(4, 0))
	require.NoError(t, err)
	d.Commit(reader)
}

func TestDB_Loads_Its_Config_From_A_File(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "hashdb.toml")
	dbPath := filepath.Join(dir, "from-config.hashdb")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf("db_file = %q\npool_size = 8\npool_instances = 1\n", dbPath)), 0644))

	cfg, err := config.LoadFile(cfgPath)
	require.NoError(t, err)

	d, err := Open(cfg)
	require.NoError(t, err)
	defer d.Close()

	txn := d.Begin(transaction.RepeatableRead)
	ok, err := d.Insert(txn, "configured", common.NewRID(1, 1))
	require.NoError(t, err)
	assert.True(t, ok)
	d.Commit(txn)
}
