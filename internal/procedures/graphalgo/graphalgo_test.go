package graphalgo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexus-db/nexus/internal/types"
)

func TestUnionFind(t *testing.T) {
	uf := newUnionFind()
	uf.union(1, 2)
	uf.union(2, 3)
	uf.union(4, 5)
	require.Equal(t, uf.find(1), uf.find(3))
	require.NotEqual(t, uf.find(1), uf.find(4))
}

func TestAbs(t *testing.T) {
	require.Equal(t, 3.0, abs(-3.0))
	require.Equal(t, 3.0, abs(3.0))
}

func TestDijkstraQueueOrdering(t *testing.T) {
	q := &dijkstraQueue{}
	q.Push(&dijkstraItem{nodeID: 1, dist: 5})
	q.Push(&dijkstraItem{nodeID: 2, dist: 1})
	q.Push(&dijkstraItem{nodeID: 3, dist: 3})
	require.True(t, q.Less(1, 0))
}

func TestHaversineSamePointIsZero(t *testing.T) {
	p := types.Point{X: -122.4, Y: 37.8}
	require.InDelta(t, 0.0, haversineMeters(p, p), 1e-9)
}

func TestHaversineKnownDistance(t *testing.T) {
	sf := types.Point{X: -122.4194, Y: 37.7749}
	la := types.Point{X: -118.2437, Y: 34.0522}
	d := haversineMeters(sf, la)
	require.InDelta(t, 559000, d, 20000)
}
