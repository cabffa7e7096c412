package pagecache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestFile(t *testing.T) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pages.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(PageSize*16))
	t.Cleanup(func() { f.Close() })
	return f
}

func TestPinLoadsAndCaches(t *testing.T) {
	f := openTestFile(t)
	c := New(4)
	c.RegisterFile(1, f)

	g, err := c.Pin(PageID{FileID: 1, PageNo: 0})
	require.NoError(t, err)
	g.Data[0] = 0xAB
	g.Unpin()

	g2, err := c.Pin(PageID{FileID: 1, PageNo: 0})
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), g2.Data[0])
	g2.Unpin()
}

func TestMarkDirtyAndFlush(t *testing.T) {
	f := openTestFile(t)
	c := New(4)
	c.RegisterFile(1, f)

	g, err := c.Pin(PageID{FileID: 1, PageNo: 2})
	require.NoError(t, err)
	g.Data[10] = 42
	c.MarkDirty(PageID{FileID: 1, PageNo: 2}, WalPos(100))
	g.Unpin()

	pos, err := c.FlushDirty()
	require.NoError(t, err)
	assert.EqualValues(t, 100, pos)

	stats := c.Stats()
	assert.Equal(t, 0, stats.DirtyPages)
}

func TestEvictionNeverDropsPinnedOrDirty(t *testing.T) {
	f := openTestFile(t)
	c := New(2)
	c.RegisterFile(1, f)

	g0, err := c.Pin(PageID{FileID: 1, PageNo: 0})
	require.NoError(t, err)
	c.MarkDirty(PageID{FileID: 1, PageNo: 0}, WalPos(1))

	g1, err := c.Pin(PageID{FileID: 1, PageNo: 1})
	require.NoError(t, err)
	g1.Unpin()

	// Pinning a third page must not evict page 0 (dirty) even though
	// capacity is 2 and both existing frames are candidates.
	g2, err := c.Pin(PageID{FileID: 1, PageNo: 2})
	require.NoError(t, err)
	g2.Unpin()

	stats := c.Stats()
	assert.GreaterOrEqual(t, stats.Frames, 1)
	g0.Unpin()
}

func TestChecksumMismatchDetected(t *testing.T) {
	f := openTestFile(t)
	c := New(4)
	c.RegisterFile(1, f)

	g, err := c.Pin(PageID{FileID: 1, PageNo: 0})
	require.NoError(t, err)
	require.NoError(t, c.Verify(PageID{FileID: 1, PageNo: 0}))

	// Mutate the in-memory page without going through MarkDirty/checksum
	// recompute, simulating corruption between load and verify.
	g.Data[0] ^= 0xFF
	err = c.Verify(PageID{FileID: 1, PageNo: 0})
	require.Error(t, err)
	g.Unpin()
}
