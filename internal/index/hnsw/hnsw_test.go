package hnsw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-db/nexus/internal/nexuserr"
)

func TestInsertAndSearchCosineScenario(t *testing.T) {
	// spec.md §8 scenario 4: Alice/Bob/Carol, dimension 4, cosine metric.
	ix := New(Config{Dimension: 4, M: 16, EfConstruction: 64, Metric: MetricCosine})

	require.NoError(t, ix.Insert(1, []float32{1, 0, 0, 0}))  // Alice
	require.NoError(t, ix.Insert(2, []float32{0.9, 0.1, 0, 0})) // Bob
	require.NoError(t, ix.Insert(3, []float32{0, 1, 0, 0}))  // Carol

	results, err := ix.Search([]float32{1, 0, 0, 0}, 2, 32)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, uint64(1), results[0].NodeID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)

	assert.Equal(t, uint64(2), results[1].NodeID)
	assert.InDelta(t, 0.9939, results[1].Similarity, 1e-3)
}

func TestInsertRejectsDimensionMismatch(t *testing.T) {
	ix := New(Config{Dimension: 4, M: 16, EfConstruction: 64, Metric: MetricCosine})
	err := ix.Insert(1, []float32{1, 0, 0})
	require.Error(t, err)
	assert.Equal(t, nexuserr.CodeVectorDimension, nexuserr.CodeOf(err))
}

func TestSearchRejectsEfLessThanK(t *testing.T) {
	ix := New(Config{Dimension: 2, M: 8, EfConstruction: 32, Metric: MetricEuclidean})
	require.NoError(t, ix.Insert(1, []float32{0, 0}))
	_, err := ix.Search([]float32{0, 0}, 5, 2)
	require.Error(t, err)
	assert.Equal(t, nexuserr.CodeParameterError, nexuserr.CodeOf(err))
}

func TestSearchOnEmptyIndexReturnsNoResults(t *testing.T) {
	ix := New(Config{Dimension: 2, M: 8, EfConstruction: 32, Metric: MetricEuclidean})
	results, err := ix.Search([]float32{0, 0}, 5, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEuclideanMetricConvertsDistanceToSimilarity(t *testing.T) {
	ix := New(Config{Dimension: 1, M: 8, EfConstruction: 32, Metric: MetricEuclidean})
	require.NoError(t, ix.Insert(1, []float32{0}))
	require.NoError(t, ix.Insert(2, []float32{1}))

	results, err := ix.Search([]float32{0}, 2, 8)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint64(1), results[0].NodeID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)
	assert.Equal(t, uint64(2), results[1].NodeID)
	assert.InDelta(t, 0.5, results[1].Similarity, 1e-9)
}

func TestDeleteTombstonesAndRebuildCompacts(t *testing.T) {
	ix := New(Config{Dimension: 1, M: 8, EfConstruction: 32, Metric: MetricEuclidean})
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, ix.Insert(i, []float32{float32(i)}))
	}
	require.NoError(t, ix.Delete(1))

	results, err := ix.Search([]float32{1}, 5, 8)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, uint64(1), r.NodeID)
	}

	require.NoError(t, ix.Rebuild())
	assert.Equal(t, 4, ix.Len())
}

func TestDeleteUnknownNodeReturnsNotFound(t *testing.T) {
	ix := New(Config{Dimension: 1, M: 8, EfConstruction: 32, Metric: MetricEuclidean})
	err := ix.Delete(999)
	require.Error(t, err)
	assert.Equal(t, nexuserr.CodeNotFound, nexuserr.CodeOf(err))
}

func TestTombstoneRatioExceededBlocksSearch(t *testing.T) {
	ix := New(Config{Dimension: 1, M: 8, EfConstruction: 32, Metric: MetricEuclidean})
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, ix.Insert(i, []float32{float32(i)}))
	}
	// tombstone 2/5 = 40% > 20% default ratio
	require.NoError(t, ix.Delete(1))
	require.NoError(t, ix.Delete(2))

	_, err := ix.Search([]float32{1}, 2, 8)
	require.Error(t, err)
	assert.Equal(t, nexuserr.CodeResourceExhausted, nexuserr.CodeOf(err))
}

func TestUpsertReplacesVectorForExistingNode(t *testing.T) {
	ix := New(Config{Dimension: 1, M: 8, EfConstruction: 32, Metric: MetricEuclidean})
	require.NoError(t, ix.Insert(1, []float32{0}))
	require.NoError(t, ix.Insert(1, []float32{10}))
	assert.Equal(t, 1, ix.Len())

	results, err := ix.Search([]float32{10}, 1, 4)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)
}
