package main

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/gofrs/flock"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/statesync/core/rawdb"
	"github.com/eth2030/statesync/trie"
)

func TestRunSyncsAndResumes(t *testing.T) {
	dir := t.TempDir()
	args := []string{"--datadir", dir, "--accounts", "200", "--slots", "8", "--partitions", "4", "--verbosity", "1"}
	require.Equal(t, 0, run(args))

	db, err := leveldb.New(filepath.Join(dir, "chaindata"), 16, 16, "", true)
	require.NoError(t, err)
	record, err := rawdb.ReadSyncProgress(db)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.True(t, record.Finished)
	require.NoError(t, db.Close())

	require.Equal(t, 0, run(args), "a finished datadir resumes as finished")
}

func TestRunWithMovingHead(t *testing.T) {
	args := []string{"--datadir", t.TempDir(), "--accounts", "300", "--slots", "16",
		"--move", "--move.after", "1ms", "--rate", "200", "--verbosity", "1"}
	require.Equal(t, 0, run(args))
}

func TestRunBadFlags(t *testing.T) {
	require.Equal(t, 2, run([]string{"--no-such-flag"}))
	require.Equal(t, 2, run([]string{"--datadir", t.TempDir(), "--accounts", "0", "--verbosity", "0"}))
}

func TestRunInvalidPartitions(t *testing.T) {
	require.Equal(t, 1, run([]string{"--datadir", t.TempDir(), "--partitions", "0", "--verbosity", "0"}))
}

func TestRunLockedDatadir(t *testing.T) {
	dir := t.TempDir()
	lock := flock.New(filepath.Join(dir, "LOCK"))
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer lock.Unlock()

	require.Equal(t, 1, run([]string{"--datadir", dir, "--accounts", "10", "--verbosity", "0"}))
}

func TestRunVersion(t *testing.T) {
	require.Equal(t, 0, run([]string{"--version"}))
}

func TestGenState(t *testing.T) {
	a := genState(40, 4, 0)
	b := genState(40, 4, 1)
	require.Len(t, a, 40)

	var changed, withStorage, withCode int
	for key, acct := range a {
		other, ok := b[key]
		require.True(t, ok)
		if acct.Balance.Cmp(other.Balance) != 0 {
			changed++
		}
		if len(acct.Storage) > 0 {
			require.Len(t, acct.Storage, 4)
			withStorage++
		}
		if len(acct.Code) > 0 {
			withCode++
		}
	}
	require.Equal(t, 10, changed)
	require.Equal(t, 14, withStorage)
	require.Equal(t, 8, withCode)

	rootA, err := trie.NewStateServer().AddState(a)
	require.NoError(t, err)
	again, err := trie.NewStateServer().AddState(genState(40, 4, 0))
	require.NoError(t, err)
	require.Equal(t, rootA, again)
}
