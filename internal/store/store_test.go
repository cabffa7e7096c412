package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysVisible(created, deleted uint64) bool { return true }

func TestNodeStoreRoundTrip(t *testing.T) {
	ns, err := OpenNodeStore(filepath.Join(t.TempDir(), "nodes.store"))
	require.NoError(t, err)
	defer ns.Close()

	id, err := ns.Allocate()
	require.NoError(t, err)
	n := &Node{ID: id, LabelBits: 0b101, FirstRel: Sentinel, PropPtr: Sentinel, CreatedEpoch: 1, DeletedEpoch: Sentinel}
	require.NoError(t, ns.Write(n))

	got, err := ns.Read(id)
	require.NoError(t, err)
	assert.Equal(t, n.LabelBits, got.LabelBits)
	assert.Equal(t, Sentinel, got.FirstRel)
}

func TestNodeStoreGrowsPastInitialCapacity(t *testing.T) {
	ns, err := OpenNodeStore(filepath.Join(t.TempDir(), "nodes.store"))
	require.NoError(t, err)
	defer ns.Close()

	// initialFileSize / NodeRecordSize is the count that fits before growth.
	n := int(initialFileSize/NodeRecordSize) + 10
	for i := 0; i < n; i++ {
		id, err := ns.Allocate()
		require.NoError(t, err)
		require.NoError(t, ns.Write(&Node{ID: id, FirstRel: Sentinel, PropPtr: Sentinel, DeletedEpoch: Sentinel}))
	}
	got, err := ns.Read(uint64(n - 1))
	require.NoError(t, err)
	assert.EqualValues(t, n-1, got.ID)
}

func TestRelAdjacencyListBothDirections(t *testing.T) {
	rs, err := OpenRelStore(filepath.Join(t.TempDir(), "rels.store"))
	require.NoError(t, err)
	defer rs.Close()

	// a -[r1]-> b, a -[r2]-> b : two parallel relationships from a to b.
	r1ID, err := rs.Allocate()
	require.NoError(t, err)
	r1 := &Rel{ID: r1ID, Src: 1, Dst: 2, Type: 10, NextSrc: Sentinel, NextDst: Sentinel, PropPtr: Sentinel, DeletedEpoch: Sentinel}
	require.NoError(t, rs.Write(r1))
	r2ID, err := rs.Allocate()
	require.NoError(t, err)
	r2 := &Rel{ID: r2ID, Src: 1, Dst: 2, Type: 10, NextSrc: r1.ID, NextDst: r1.ID, PropPtr: Sentinel, DeletedEpoch: Sentinel}
	require.NoError(t, rs.Write(r2))

	out, err := rs.Neighbors(1, r2.ID, DirOutgoing, nil, alwaysVisible)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	in, err := rs.Neighbors(2, r2.ID, DirIncoming, nil, alwaysVisible)
	require.NoError(t, err)
	assert.Len(t, in, 2)
}

func TestRelNeighborsDetectsBrokenList(t *testing.T) {
	rs, err := OpenRelStore(filepath.Join(t.TempDir(), "rels.store"))
	require.NoError(t, err)
	defer rs.Close()

	_, err = rs.Neighbors(1, 999, DirBoth, nil, alwaysVisible)
	require.Error(t, err)
}

func TestRelUnlinkSplices(t *testing.T) {
	rs, err := OpenRelStore(filepath.Join(t.TempDir(), "rels.store"))
	require.NoError(t, err)
	defer rs.Close()

	r1ID, err := rs.Allocate()
	require.NoError(t, err)
	r1 := &Rel{ID: r1ID, Src: 1, Dst: 2, NextSrc: Sentinel, NextDst: Sentinel, PropPtr: Sentinel, DeletedEpoch: Sentinel}
	require.NoError(t, rs.Write(r1))
	r2ID, err := rs.Allocate()
	require.NoError(t, err)
	r2 := &Rel{ID: r2ID, Src: 1, Dst: 3, NextSrc: r1.ID, NextDst: Sentinel, PropPtr: Sentinel, DeletedEpoch: Sentinel}
	require.NoError(t, rs.Write(r2))

	newHead, err := rs.Unlink(1, r2.ID, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, newHead)

	out, err := rs.Neighbors(1, newHead, DirOutgoing, nil, alwaysVisible)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, r1.ID, out[0].ID)
}

func TestPropChainVisibility(t *testing.T) {
	ps, err := OpenPropStore(filepath.Join(t.TempDir(), "props.store"))
	require.NoError(t, err)
	defer ps.Close()

	oldID, err := ps.Allocate()
	require.NoError(t, err)
	old := &Property{ID: oldID, KeyID: 1, Type: TypeInt64, NextPtr: Sentinel, Value: 30, CreatedEpoch: 1, DeletedEpoch: 2}
	require.NoError(t, ps.Write(old))
	newerID, err := ps.Allocate()
	require.NoError(t, err)
	newer := &Property{ID: newerID, KeyID: 1, Type: TypeInt64, NextPtr: old.ID, Value: 31, CreatedEpoch: 2, DeletedEpoch: Sentinel}
	require.NoError(t, ps.Write(newer))

	visibleAt1 := func(c, d uint64) bool { return c <= 1 && (d == Sentinel || 1 < d) }
	chain, err := ps.Chain(newer.ID, visibleAt1)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.EqualValues(t, 30, chain[0].Value)

	visibleAt2 := func(c, d uint64) bool { return c <= 2 && (d == Sentinel || 2 < d) }
	chain, err = ps.Chain(newer.ID, visibleAt2)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.EqualValues(t, 31, chain[0].Value)
}

func TestBlobStoreRoundTripAndCRC(t *testing.T) {
	bs, err := OpenBlobStore(filepath.Join(t.TempDir(), "strings.store"))
	require.NoError(t, err)
	defer bs.Close()

	off1, err := bs.Append([]byte("Alice"))
	require.NoError(t, err)
	off2, err := bs.Append([]byte("a slightly longer string value used to exercise alignment"))
	require.NoError(t, err)

	got1, err := bs.Read(off1)
	require.NoError(t, err)
	assert.Equal(t, "Alice", string(got1))

	got2, err := bs.Read(off2)
	require.NoError(t, err)
	assert.Equal(t, "a slightly longer string value used to exercise alignment", string(got2))
}

func TestFloatAndBoolCodec(t *testing.T) {
	assert.Equal(t, 3.25, DecodeFloat64(EncodeFloat64(3.25)))
	assert.True(t, DecodeBool(EncodeBool(true)))
	assert.False(t, DecodeBool(EncodeBool(false)))
}
