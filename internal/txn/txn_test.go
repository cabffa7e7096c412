package txn

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-db/nexus/internal/wal"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	l, err := wal.Open(filepath.Join(t.TempDir(), "wal.log"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return NewManager(0, l, nil)
}

func TestCommitAdvancesEpoch(t *testing.T) {
	m := newTestManager(t)
	assert.EqualValues(t, 0, m.CurrentEpoch())

	tx, err := m.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Commit(tx))

	assert.EqualValues(t, 1, m.CurrentEpoch())
}

func TestAbortDoesNotAdvanceEpochAndRollsBack(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.BeginWrite(context.Background())
	require.NoError(t, err)

	rolledBack := false
	tx.StageRollback(func() { rolledBack = true })

	require.NoError(t, m.Abort(tx))
	assert.EqualValues(t, 0, m.CurrentEpoch())
	assert.True(t, rolledBack)
}

func TestWriterSeatIsExclusive(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.BeginWrite(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.BeginWrite(ctx)
	require.Error(t, err, "a second writer must not acquire the seat while one is held")

	require.NoError(t, m.Commit(tx))

	tx2, err := m.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Commit(tx2))
}

func TestSnapshotVisibility(t *testing.T) {
	const none = ^uint64(0)
	s := Snapshot{Epoch: 5}
	assert.True(t, s.Visible(5, none))
	assert.True(t, s.Visible(3, 6))
	assert.False(t, s.Visible(6, none))
	assert.False(t, s.Visible(1, 5))
}

func TestMinActiveEpochTracksPinnedSnapshots(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Commit(tx))
	tx2, err := m.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Commit(tx2))

	assert.EqualValues(t, 2, m.MinActiveEpoch())

	snap := m.BeginRead() // pins epoch 2
	tx3, err := m.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Commit(tx3)) // epoch now 3

	assert.EqualValues(t, 2, m.MinActiveEpoch())
	m.EndRead(snap)
	assert.EqualValues(t, 3, m.MinActiveEpoch())
}

func TestReadersNeverBlockOnWriterSeat(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.BeginWrite(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		m.BeginRead()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read blocked on writer seat")
	}
	require.NoError(t, m.Commit(tx))
}
