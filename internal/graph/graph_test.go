package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-db/nexus/internal/catalog"
	"github.com/nexus-db/nexus/internal/store"
	"github.com/nexus-db/nexus/internal/txn"
	"github.com/nexus-db/nexus/internal/types"
	"github.com/nexus-db/nexus/internal/wal"
)

func newTestGraph(t *testing.T) (*Graph, *txn.Manager) {
	t.Helper()
	dir := t.TempDir()

	nodes, err := store.OpenNodeStore(filepath.Join(dir, "nodes.db"))
	require.NoError(t, err)
	rels, err := store.OpenRelStore(filepath.Join(dir, "rels.db"))
	require.NoError(t, err)
	props, err := store.OpenPropStore(filepath.Join(dir, "props.db"))
	require.NoError(t, err)
	blobs, err := store.OpenBlobStore(filepath.Join(dir, "blobs.db"))
	require.NoError(t, err)
	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"), nil)
	require.NoError(t, err)
	logFile, err := wal.Open(filepath.Join(dir, "wal.log"), nil)
	require.NoError(t, err)

	g := New(nodes, rels, props, blobs, cat, logFile, nil)
	mgr := txn.NewManager(0, logFile, nil)
	return g, mgr
}

func TestCreateNodeAndReadBack(t *testing.T) {
	g, mgr := newTestGraph(t)
	tx, err := mgr.BeginWrite(context.Background())
	require.NoError(t, err)
	id, err := g.CreateNode(tx, []string{"Person"}, map[string]types.Value{
		"name": types.Str("Alice"),
		"age":  types.Int(30),
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Commit(tx))

	snap := mgr.BeginRead()
	defer mgr.EndRead(snap)
	n, err := g.ReadNode(*snap, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"Person"}, n.Labels)
	assert.Equal(t, "Alice", n.Props["name"].AsString())
	assert.Equal(t, int64(30), n.Props["age"].AsInt())
}

func TestCreateRelAndNeighbors(t *testing.T) {
	g, mgr := newTestGraph(t)
	tx, err := mgr.BeginWrite(context.Background())
	require.NoError(t, err)
	a, err := g.CreateNode(tx, []string{"Person"}, nil)
	require.NoError(t, err)
	b, err := g.CreateNode(tx, []string{"Person"}, nil)
	require.NoError(t, err)
	relID, err := g.CreateRel(tx, a, b, "KNOWS", map[string]types.Value{"since": types.Int(2020)})
	require.NoError(t, err)
	require.NoError(t, mgr.Commit(tx))

	snap := mgr.BeginRead()
	defer mgr.EndRead(snap)
	out, err := g.Neighbors(*snap, a, store.DirOutgoing, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, relID, out[0].ID)
	assert.Equal(t, "KNOWS", out[0].Type)
	assert.Equal(t, int64(2020), out[0].Props["since"].AsInt())

	in, err := g.Neighbors(*snap, b, store.DirIncoming, nil)
	require.NoError(t, err)
	require.Len(t, in, 1)
}

func TestAbortRollsBackCreateNode(t *testing.T) {
	g, mgr := newTestGraph(t)
	tx, err := mgr.BeginWrite(context.Background())
	require.NoError(t, err)
	id, err := g.CreateNode(tx, []string{"Person"}, map[string]types.Value{"name": types.Str("Ghost")})
	require.NoError(t, err)
	require.NoError(t, mgr.Abort(tx))

	snap := mgr.BeginRead()
	defer mgr.EndRead(snap)
	_, err = g.ReadNode(*snap, id)
	require.Error(t, err)
}

func TestDeleteNodeRequiresDetachWhenAttached(t *testing.T) {
	g, mgr := newTestGraph(t)
	tx, err := mgr.BeginWrite(context.Background())
	require.NoError(t, err)
	a, err := g.CreateNode(tx, nil, nil)
	require.NoError(t, err)
	b, err := g.CreateNode(tx, nil, nil)
	require.NoError(t, err)
	_, err = g.CreateRel(tx, a, b, "KNOWS", nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Commit(tx))

	tx2, err := mgr.BeginWrite(context.Background())
	require.NoError(t, err)
	err = g.DeleteNode(tx2, a, false)
	require.Error(t, err)
	require.NoError(t, mgr.Abort(tx2))

	tx3, err := mgr.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, g.DeleteNode(tx3, a, true))
	require.NoError(t, mgr.Commit(tx3))

	snap := mgr.BeginRead()
	defer mgr.EndRead(snap)
	_, err = g.ReadNode(*snap, a)
	require.Error(t, err)
}

func TestSetAndRemovePropertyVersionChain(t *testing.T) {
	g, mgr := newTestGraph(t)
	tx, err := mgr.BeginWrite(context.Background())
	require.NoError(t, err)
	id, err := g.CreateNode(tx, []string{"Person"}, map[string]types.Value{"age": types.Int(30)})
	require.NoError(t, err)
	require.NoError(t, mgr.Commit(tx))

	tx2, err := mgr.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, g.SetProperty(tx2, ownerNode, id, 0, "age", types.Int(31)))
	require.NoError(t, mgr.Commit(tx2))

	snap := mgr.BeginRead()
	n, err := g.ReadNode(*snap, id)
	require.NoError(t, err)
	assert.Equal(t, int64(31), n.Props["age"].AsInt())
	mgr.EndRead(snap)

	tx3, err := mgr.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, g.RemoveProperty(tx3, ownerNode, id, "age"))
	require.NoError(t, mgr.Commit(tx3))

	snap2 := mgr.BeginRead()
	defer mgr.EndRead(snap2)
	n2, err := g.ReadNode(*snap2, id)
	require.NoError(t, err)
	_, ok := n2.Props["age"]
	assert.False(t, ok)
}

func TestCompositePropertyRoundTrip(t *testing.T) {
	g, mgr := newTestGraph(t)
	tx, err := mgr.BeginWrite(context.Background())
	require.NoError(t, err)
	id, err := g.CreateNode(tx, []string{"Doc"}, map[string]types.Value{
		"tags": types.List([]types.Value{types.Str("a"), types.Str("b")}),
		"meta": types.Map(map[string]types.Value{"k": types.Int(1)}),
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Commit(tx))

	snap := mgr.BeginRead()
	defer mgr.EndRead(snap)
	n, err := g.ReadNode(*snap, id)
	require.NoError(t, err)
	tags := n.Props["tags"].AsList()
	require.Len(t, tags, 2)
	assert.Equal(t, "a", tags[0].AsString())
	meta := n.Props["meta"].AsMap()
	assert.Equal(t, int64(1), meta["k"].AsInt())
}

func TestAddRemoveLabel(t *testing.T) {
	g, mgr := newTestGraph(t)
	tx, err := mgr.BeginWrite(context.Background())
	require.NoError(t, err)
	id, err := g.CreateNode(tx, []string{"Person"}, nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Commit(tx))

	tx2, err := mgr.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, g.AddLabel(tx2, id, "Admin"))
	require.NoError(t, mgr.Commit(tx2))

	snap := mgr.BeginRead()
	n, err := g.ReadNode(*snap, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Person", "Admin"}, n.Labels)
	mgr.EndRead(snap)

	tx3, err := mgr.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, g.RemoveLabel(tx3, id, "Person"))
	require.NoError(t, mgr.Commit(tx3))

	snap2 := mgr.BeginRead()
	defer mgr.EndRead(snap2)
	n2, err := g.ReadNode(*snap2, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"Admin"}, n2.Labels)
}

func TestRecoveryReplaysCommittedEntries(t *testing.T) {
	dir := t.TempDir()
	nodesPath := filepath.Join(dir, "nodes.db")
	relsPath := filepath.Join(dir, "rels.db")
	propsPath := filepath.Join(dir, "props.db")
	blobsPath := filepath.Join(dir, "blobs.db")
	catPath := filepath.Join(dir, "catalog.db")
	walPath := filepath.Join(dir, "wal.log")

	nodes, err := store.OpenNodeStore(nodesPath)
	require.NoError(t, err)
	rels, err := store.OpenRelStore(relsPath)
	require.NoError(t, err)
	props, err := store.OpenPropStore(propsPath)
	require.NoError(t, err)
	blobs, err := store.OpenBlobStore(blobsPath)
	require.NoError(t, err)
	cat, err := catalog.Open(catPath, nil)
	require.NoError(t, err)
	logFile, err := wal.Open(walPath, nil)
	require.NoError(t, err)

	g := New(nodes, rels, props, blobs, cat, logFile, nil)
	mgr := txn.NewManager(0, logFile, nil)

	tx, err := mgr.BeginWrite(context.Background())
	require.NoError(t, err)
	id, err := g.CreateNode(tx, []string{"Person"}, map[string]types.Value{"name": types.Str("Bob")})
	require.NoError(t, err)
	require.NoError(t, mgr.Commit(tx))
	require.NoError(t, logFile.Close())

	// Simulate a fresh process: a Graph wired to blank in-memory indexes but
	// the same on-disk stores, replaying the WAL before serving any reads.
	logFile2, err := wal.Open(walPath, nil)
	require.NoError(t, err)
	g2 := New(nodes, rels, props, blobs, cat, logFile2, nil)
	result, err := wal.Replay(walPath, 0, nil)
	require.NoError(t, err)
	require.NoError(t, g2.Recover(result))

	snap := txn.Snapshot{Epoch: 1}
	n, err := g2.ReadNode(snap, id)
	require.NoError(t, err)
	assert.Equal(t, "Bob", n.Props["name"].AsString())
}
