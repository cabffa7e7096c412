package btreeidx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeekExactMatch(t *testing.T) {
	idx := New(1, "age")
	idx.Insert(IntKey(30), 1)
	idx.Insert(IntKey(30), 2)
	idx.Insert(IntKey(40), 3)

	got := idx.Seek(IntKey(30))
	assert.ElementsMatch(t, []uint64{1, 2}, got)
	assert.Empty(t, idx.Seek(IntKey(99)))
}

func TestDeleteRemovesEntry(t *testing.T) {
	idx := New(1, "age")
	idx.Insert(IntKey(30), 1)
	idx.Delete(IntKey(30), 1)
	assert.Empty(t, idx.Seek(IntKey(30)))
	assert.Equal(t, 0, idx.Len())
}

func TestRangeInclusiveBounds(t *testing.T) {
	idx := New(1, "age")
	for _, v := range []int64{10, 20, 30, 40, 50} {
		idx.Insert(IntKey(v), uint64(v))
	}

	lo, hi := IntKey(20), IntKey(40)
	var seen []uint64
	idx.Range(&lo, true, &hi, true, func(_ Key, nodeID uint64) bool {
		seen = append(seen, nodeID)
		return true
	})
	assert.Equal(t, []uint64{20, 30, 40}, seen)
}

func TestRangeExclusiveBounds(t *testing.T) {
	idx := New(1, "age")
	for _, v := range []int64{10, 20, 30, 40, 50} {
		idx.Insert(IntKey(v), uint64(v))
	}

	lo, hi := IntKey(20), IntKey(40)
	var seen []uint64
	idx.Range(&lo, false, &hi, false, func(_ Key, nodeID uint64) bool {
		seen = append(seen, nodeID)
		return true
	})
	assert.Equal(t, []uint64{30}, seen)
}

func TestRangeUnboundedHigh(t *testing.T) {
	idx := New(1, "age")
	for _, v := range []int64{10, 20, 30} {
		idx.Insert(IntKey(v), uint64(v))
	}

	lo := IntKey(20)
	var seen []uint64
	idx.Range(&lo, true, nil, false, func(_ Key, nodeID uint64) bool {
		seen = append(seen, nodeID)
		return true
	})
	assert.Equal(t, []uint64{20, 30}, seen)
}

func TestStringKeyOrdering(t *testing.T) {
	idx := New(2, "name")
	idx.Insert(StringKey("bob"), 1)
	idx.Insert(StringKey("alice"), 2)
	idx.Insert(StringKey("carol"), 3)

	var seen []string
	idx.Range(nil, false, nil, false, func(k Key, _ uint64) bool {
		seen = append(seen, k.S)
		return true
	})
	assert.Equal(t, []string{"alice", "bob", "carol"}, seen)
}

func TestEarlyStopCallback(t *testing.T) {
	idx := New(1, "age")
	for _, v := range []int64{10, 20, 30} {
		idx.Insert(IntKey(v), uint64(v))
	}
	var seen []uint64
	idx.Range(nil, false, nil, false, func(_ Key, nodeID uint64) bool {
		seen = append(seen, nodeID)
		return len(seen) < 1
	})
	assert.Equal(t, []uint64{10}, seen)
}
