// Package btreeidx implements the optional B-tree-style property index
// that NodeByIndexSeek uses for exact and range seeks (spec.md §4.7.2);
// when no such index exists for a (label, property) pair, the planner
// falls back to a label scan plus a Filter.
//
// google/btree is already pulled transitively into the retrieval pack
// (indirect in the teacher's go.mod); this package promotes it to a
// direct, exercised dependency rather than hand-rolling a sorted
// structure (see DESIGN.md).
package btreeidx

import (
	"math"
	"sync"

	"github.com/google/btree"
)

// Key is an ordered property value. Supported kinds mirror the value
// types a property can hold that admit a total order (§3, property
// value types): integers, floats, and strings. Mixed-type comparisons
// order by Kind first: every integer sorts before every float, and every
// float before every string; integers and floats are not compared
// numerically (unlike types.Compare).
type Key struct {
	Kind KeyKind
	I    int64
	F    float64
	S    string
}

type KeyKind uint8

const (
	KindInt64 KeyKind = iota
	KindFloat64
	KindString
)

func IntKey(v int64) Key      { return Key{Kind: KindInt64, I: v} }
func FloatKey(v float64) Key  { return Key{Kind: KindFloat64, F: v} }
func StringKey(v string) Key  { return Key{Kind: KindString, S: v} }

func (k Key) less(o Key) bool {
	if k.Kind != o.Kind {
		return k.Kind < o.Kind
	}
	switch k.Kind {
	case KindInt64:
		return k.I < o.I
	case KindFloat64:
		return k.F < o.F
	default:
		return k.S < o.S
	}
}

// entry is one (key, nodeID) pair stored directly in the tree so that
// duplicate keys (multiple nodes sharing a property value) coexist as
// distinct items rather than colliding.
type entry struct {
	key    Key
	nodeID uint64
}

func (e entry) Less(than btree.Item) bool {
	o := than.(entry)
	if e.key.Kind != o.key.Kind || e.key.less(o.key) || o.key.less(e.key) {
		return e.key.less(o.key)
	}
	return e.nodeID < o.nodeID
}

// PropertyIndex is a single (label, property-name) B-tree index.
type PropertyIndex struct {
	mu    sync.RWMutex
	Label uint32
	Prop  string
	tree  *btree.BTree
}

func New(label uint32, prop string) *PropertyIndex {
	return &PropertyIndex{Label: label, Prop: prop, tree: btree.New(32)}
}

// Insert adds (key -> nodeID) to the index (SET n.prop = value,
// invariant that the index stays consistent with live property values).
func (p *PropertyIndex) Insert(key Key, nodeID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tree.ReplaceOrInsert(entry{key: key, nodeID: nodeID})
}

// Delete removes a (key -> nodeID) pair, e.g. on REMOVE or property
// overwrite with a different value.
func (p *PropertyIndex) Delete(key Key, nodeID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tree.Delete(entry{key: key, nodeID: nodeID})
}

// Seek performs an exact-match lookup, returning every node id stored
// under key (NodeByIndexSeek with an equality predicate).
func (p *PropertyIndex) Seek(key Key) []uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []uint64
	p.tree.AscendGreaterOrEqual(entry{key: key, nodeID: 0}, func(item btree.Item) bool {
		e := item.(entry)
		if e.key.less(key) || key.less(e.key) {
			return false
		}
		out = append(out, e.nodeID)
		return true
	})
	return out
}

// Range performs an inclusive/exclusive range seek in ascending key
// order (NodeByIndexSeek with a comparison predicate, e.g. n.age >= 18).
// A nil lo or hi means unbounded on that side; its inclusive flag is then
// ignored.
func (p *PropertyIndex) Range(lo *Key, loInclusive bool, hi *Key, hiInclusive bool, fn func(key Key, nodeID uint64) bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	start := entry{key: IntKey(math.MinInt64), nodeID: 0} // smallest possible entry
	if lo != nil {
		start = entry{key: *lo, nodeID: 0}
	}
	p.tree.AscendGreaterOrEqual(start, func(item btree.Item) bool {
		e := item.(entry)
		if lo != nil && !loInclusive && !e.key.less(*lo) && !lo.less(e.key) {
			return true // skip the boundary key itself, keep scanning past duplicates
		}
		if hi != nil {
			if hiInclusive && hi.less(e.key) {
				return false
			}
			if !hiInclusive && !e.key.less(*hi) {
				return false
			}
		}
		return fn(e.key, e.nodeID)
	})
}

// Len reports the number of (key, nodeID) entries in the index.
func (p *PropertyIndex) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.Len()
}
