package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInternIsIdempotent(t *testing.T) {
	c := openTestCatalog(t)

	id1, err := c.Intern(KindLabel, "Person")
	require.NoError(t, err)

	id2, err := c.Intern(KindLabel, "Person")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)

	name, err := c.Name(KindLabel, id1)
	require.NoError(t, err)
	assert.Equal(t, "Person", name)
}

func TestInternDistinctNamesGetDistinctIDs(t *testing.T) {
	c := openTestCatalog(t)

	id1, err := c.Intern(KindLabel, "Person")
	require.NoError(t, err)
	id2, err := c.Intern(KindLabel, "Company")
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

func TestTooManyLabels(t *testing.T) {
	c := openTestCatalog(t)
	for i := 0; i < MaxLabels; i++ {
		_, err := c.Intern(KindLabel, labelName(i))
		require.NoError(t, err)
	}
	_, err := c.Intern(KindLabel, "Overflow")
	require.Error(t, err)
}

func labelName(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789+/"
	return "L" + string(letters[i%len(letters)]) + string(rune('a'+i/len(letters)))
}

func TestStatsRoundTrip(t *testing.T) {
	c := openTestCatalog(t)

	require.NoError(t, c.SetStat("node_count", 42))
	v, ok, err := c.GetStat("node_count")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 42, v)

	_, ok, err = c.GetStat("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetadataRoundTrip(t *testing.T) {
	c := openTestCatalog(t)

	m, err := c.Metadata()
	require.NoError(t, err)
	assert.EqualValues(t, 8192, m.PageSizeBytes)

	m.CurrentEpoch = 7
	m.PageSizeBytes = 4096
	require.NoError(t, c.SetMetadata(m))

	got, err := c.Metadata()
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.CurrentEpoch)
	assert.EqualValues(t, 4096, got.PageSizeBytes)
}

func TestNameNotFound(t *testing.T) {
	c := openTestCatalog(t)
	_, err := c.Name(KindLabel, 999)
	require.Error(t, err)
}

func TestReopenPreservesConsistency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := Open(path, nil)
	require.NoError(t, err)
	id, err := c.Intern(KindRelType, "KNOWS")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c2, err := Open(path, nil)
	require.NoError(t, err)
	defer c2.Close()

	name, err := c2.Name(KindRelType, id)
	require.NoError(t, err)
	assert.Equal(t, "KNOWS", name)
}
