package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReplayCommittedTx(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l, err := Open(path, nil)
	require.NoError(t, err)

	_, err = l.Append(Entry{Epoch: 1, TxID: 1, Type: EntryBeginTx})
	require.NoError(t, err)
	_, err = l.Append(Entry{Epoch: 1, TxID: 1, Type: EntryCreateNode, Payload: []byte("node-1")})
	require.NoError(t, err)
	_, err = l.Append(Entry{Epoch: 1, TxID: 1, Type: EntryCommitTx})
	require.NoError(t, err)
	require.NoError(t, l.Sync())
	require.NoError(t, l.Close())

	result, err := Replay(path, 0, nil)
	require.NoError(t, err)
	require.Len(t, result.Committed, 1)
	assert.Equal(t, uint64(1), result.Committed[0].TxID)
	require.Len(t, result.Committed[0].Entries, 1)
	assert.Equal(t, "node-1", string(result.Committed[0].Entries[0].Payload))
	assert.False(t, result.TornTail)
}

func TestAbortedTxIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l, err := Open(path, nil)
	require.NoError(t, err)
	_, _ = l.Append(Entry{Epoch: 1, TxID: 1, Type: EntryBeginTx})
	_, _ = l.Append(Entry{Epoch: 1, TxID: 1, Type: EntryCreateNode, Payload: []byte("x")})
	_, _ = l.Append(Entry{Epoch: 1, TxID: 1, Type: EntryAbortTx})
	require.NoError(t, l.Sync())
	require.NoError(t, l.Close())

	result, err := Replay(path, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Committed)
}

func TestTornTailIsTruncatedNotFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l, err := Open(path, nil)
	require.NoError(t, err)
	_, _ = l.Append(Entry{Epoch: 1, TxID: 1, Type: EntryBeginTx})
	_, _ = l.Append(Entry{Epoch: 1, TxID: 1, Type: EntryCreateNode, Payload: []byte("committed-before-crash")})
	_, _ = l.Append(Entry{Epoch: 1, TxID: 1, Type: EntryCommitTx})
	require.NoError(t, l.Sync())
	require.NoError(t, l.Close())

	// Simulate a second, in-flight transaction torn mid-write by a crash:
	// append a well-formed header for a new entry but truncate its payload.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{2, 0, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, byte(EntryCreateNode), 0xFF, 0xFF, 0xFF, 0xFF}, info.Size())
	require.NoError(t, err)
	require.NoError(t, f.Close())

	result, err := Replay(path, 0, nil)
	require.NoError(t, err)
	require.Len(t, result.Committed, 1)
	assert.Equal(t, "committed-before-crash", string(result.Committed[0].Entries[0].Payload))
	assert.True(t, result.TornTail)
}

func TestCheckpointEntryCarriesNoMutations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l, err := Open(path, nil)
	require.NoError(t, err)
	_, err = l.AppendCheckpoint(5)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	result, err := Replay(path, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Committed)
	assert.False(t, result.TornTail)
}

func TestReplayOfMissingFileIsEmpty(t *testing.T) {
	result, err := Replay(filepath.Join(t.TempDir(), "does-not-exist.log"), 0, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Committed)
}
