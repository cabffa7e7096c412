package bitmap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddContainsRemove(t *testing.T) {
	b := New(1)
	b.Add(10)
	b.Add(20)
	assert.True(t, b.Contains(10))
	assert.False(t, b.Contains(30))
	assert.EqualValues(t, 2, b.Cardinality())

	b.Remove(10)
	assert.False(t, b.Contains(10))
	assert.EqualValues(t, 1, b.Cardinality())
}

func TestIterateSortedOrder(t *testing.T) {
	b := New(1)
	b.Add(5)
	b.Add(1)
	b.Add(3)

	var seen []uint64
	b.Iterate(func(id uint64) bool {
		seen = append(seen, id)
		return true
	})
	assert.Equal(t, []uint64{1, 3, 5}, seen)
}

func TestUnionAndIntersect(t *testing.T) {
	a := New(1)
	a.Add(1)
	a.Add(2)
	b := New(2)
	b.Add(2)
	b.Add(3)

	u := Union(a, b)
	assert.EqualValues(t, 3, u.Cardinality())

	i := Intersect(a, b)
	assert.EqualValues(t, 1, i.Cardinality())
	assert.True(t, i.Contains(2))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	b := New(7)
	b.Add(100)
	b.Add(200)

	path := filepath.Join(t.TempDir(), "label_7.bitmap")
	require.NoError(t, b.Save(path))

	loaded, err := Load(7, path)
	require.NoError(t, err)
	assert.True(t, loaded.Contains(100))
	assert.True(t, loaded.Contains(200))
	assert.EqualValues(t, 2, loaded.Cardinality())
}

func TestLoadMissingFileReturnsEmptyBitmap(t *testing.T) {
	loaded, err := Load(9, filepath.Join(t.TempDir(), "nope.bitmap"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, loaded.Cardinality())
}
