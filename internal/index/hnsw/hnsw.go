// Package hnsw implements a persistent, per-label Hierarchical Navigable
// Small World approximate-nearest-neighbor index (spec.md §4.6.2): build
// with insert(), query with search(), logically delete with a tombstone
// set, and physically compact with Rebuild.
package hnsw

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/nexus-db/nexus/internal/nexuserr"
)

// DefaultTombstoneRebuildRatio is the fraction of tombstoned vectors among
// all tracked vectors (live plus tombstoned) above which Search refuses to continue and asks the caller to
// Rebuild (resolved Open Question, see SPEC_FULL.md §C.2).
const DefaultTombstoneRebuildRatio = 0.20

// Config carries the build-time parameters persisted in the index header.
type Config struct {
	Dimension      int
	M              int
	EfConstruction int
	Metric         Metric
}

type node struct {
	nodeID uint64
	vec    []float32
	level  int
	// neighbors[level] is that level's adjacency list, by internal index.
	neighbors [][]int
	deleted   bool
}

// idxEntry is the (node_id -> internal vector index) mapping entry stored
// in the sorted google/btree map (§4.6.2's "sorted (node_id -> vector_idx)
// map for binary-search lookup").
type idxEntry struct {
	nodeID uint64
	idx    int
}

func (e idxEntry) Less(than btree.Item) bool { return e.nodeID < than.(idxEntry).nodeID }

// Index is one label's HNSW graph, vector array, and id mapping.
type Index struct {
	mu     sync.RWMutex
	cfg    Config
	nodes  []*node
	lookup *btree.BTree // idxEntry, ordered by node id
	entry  int          // internal index of the current entry point, -1 if empty
	rng    *rand.Rand

	tombstoned int
}

// New creates an empty index for the given build-time configuration.
func New(cfg Config) *Index {
	return &Index{
		cfg:    cfg,
		lookup: btree.New(32),
		entry:  -1,
		rng:    rand.New(rand.NewSource(1)),
	}
}

func (ix *Index) levelMult() float64 { return 1.0 / math.Log(float64(max(ix.cfg.M, 2))) }

func (ix *Index) randomLevel() int {
	return int(math.Floor(-math.Log(ix.rng.Float64()) * ix.levelMult()))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func (ix *Index) distance(a, b []float32) float64 {
	switch ix.cfg.Metric {
	case MetricCosine:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return 1 - dot // vectors are pre-normalized, so dot is cosine similarity
	default: // MetricEuclidean
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	}
}

func similarityFromDistance(metric Metric, dist float64) float64 {
	if metric == MetricCosine {
		return 1 - dist
	}
	return 1 / (1 + dist)
}

// Insert validates the vector's dimension, L2-normalizes it when the
// configured metric is cosine (invariant 4), appends it, and inserts it
// into the graph with standard HNSW layer selection and neighbor pruning.
func (ix *Index) Insert(nodeID uint64, vec []float32) error {
	if len(vec) != ix.cfg.Dimension {
		return nexuserr.New(nexuserr.CodeVectorDimension, "expected dimension %d, got %d", ix.cfg.Dimension, len(vec))
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.cfg.Metric == MetricCosine {
		vec = normalize(vec)
	} else {
		cp := make([]float32, len(vec))
		copy(cp, vec)
		vec = cp
	}

	if existing, ok := ix.find(nodeID); ok {
		ix.nodes[existing].vec = vec
		ix.nodes[existing].deleted = false
		return nil
	}

	level := ix.randomLevel()
	n := &node{nodeID: nodeID, vec: vec, level: level, neighbors: make([][]int, level+1)}
	idx := len(ix.nodes)
	ix.nodes = append(ix.nodes, n)
	ix.lookup.ReplaceOrInsert(idxEntry{nodeID: nodeID, idx: idx})

	if ix.entry == -1 {
		ix.entry = idx
		return nil
	}

	ep := ix.entry
	epLevel := ix.nodes[ep].level
	for l := epLevel; l > level; l-- {
		ep = ix.greedyClosest(ep, n.vec, l)
	}
	for l := min(level, epLevel); l >= 0; l-- {
		candidates := ix.searchLayer(n.vec, ep, ix.cfg.EfConstruction, l)
		m := ix.cfg.M
		selected := selectNeighbors(candidates, m)
		n.neighbors[l] = selected
		for _, nb := range selected {
			ix.connect(nb, idx, l)
		}
		if len(candidates) > 0 {
			ep = candidates[0].idx
		}
	}
	if level > epLevel {
		ix.entry = idx
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (ix *Index) connect(a, b, level int) {
	na := ix.nodes[a]
	for len(na.neighbors) <= level {
		na.neighbors = append(na.neighbors, nil)
	}
	na.neighbors[level] = append(na.neighbors[level], b)
	if len(na.neighbors[level]) > ix.cfg.M*2 {
		cands := make([]candidate, 0, len(na.neighbors[level]))
		for _, nb := range na.neighbors[level] {
			cands = append(cands, candidate{idx: nb, dist: ix.distance(na.vec, ix.nodes[nb].vec)})
		}
		na.neighbors[level] = selectNeighbors(cands, ix.cfg.M)
	}
}

type candidate struct {
	idx  int
	dist float64
}

func selectNeighbors(cands []candidate, m int) []int {
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	if len(cands) > m {
		cands = cands[:m]
	}
	out := make([]int, len(cands))
	for i, c := range cands {
		out[i] = c.idx
	}
	return out
}

func (ix *Index) greedyClosest(from int, target []float32, level int) int {
	best := from
	bestDist := ix.distance(ix.nodes[from].vec, target)
	improved := true
	for improved {
		improved = false
		for _, nb := range neighborsAt(ix.nodes[best], level) {
			d := ix.distance(ix.nodes[nb].vec, target)
			if d < bestDist {
				bestDist = d
				best = nb
				improved = true
			}
		}
	}
	return best
}

func neighborsAt(n *node, level int) []int {
	if level >= len(n.neighbors) {
		return nil
	}
	return n.neighbors[level]
}

// searchLayer performs the greedy+ef candidate expansion at one layer,
// returning up to ef candidates sorted by ascending distance.
func (ix *Index) searchLayer(target []float32, entry int, ef int, level int) []candidate {
	visited := map[int]bool{entry: true}
	entryDist := ix.distance(ix.nodes[entry].vec, target)
	candidates := []candidate{{idx: entry, dist: entryDist}}
	results := []candidate{{idx: entry, dist: entryDist}}

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
		c := candidates[0]
		candidates = candidates[1:]

		sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
		if len(results) >= ef && c.dist > results[len(results)-1].dist {
			break
		}
		for _, nb := range neighborsAt(ix.nodes[c.idx], level) {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := ix.distance(ix.nodes[nb].vec, target)
			if len(results) < ef || d < results[len(results)-1].dist {
				candidates = append(candidates, candidate{idx: nb, dist: d})
				results = append(results, candidate{idx: nb, dist: d})
			}
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
	if len(results) > ef {
		results = results[:ef]
	}
	return results
}

// Result is one ranked match.
type Result struct {
	NodeID     uint64
	Similarity float64
}

// Search returns up to k nearest neighbors of query, sorted by similarity
// descending, ties broken by smaller node id (§4.6.2).
func (ix *Index) Search(query []float32, k int, efSearch int) ([]Result, error) {
	if len(query) != ix.cfg.Dimension {
		return nil, nexuserr.New(nexuserr.CodeVectorDimension, "expected dimension %d, got %d", ix.cfg.Dimension, len(query))
	}
	if efSearch < k {
		return nil, nexuserr.New(nexuserr.CodeParameterError, "ef_search (%d) must be >= k (%d)", efSearch, k)
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.entry == -1 {
		return nil, nil // EmptyIndex -> empty result, not an error
	}
	if ix.tombstoned > 0 && float64(ix.tombstoned)/float64(len(ix.nodes)) > DefaultTombstoneRebuildRatio {
		return nil, nexuserr.New(nexuserr.CodeResourceExhausted, "TombstoneRatioExceeded: %d/%d tombstoned, call Rebuild", ix.tombstoned, len(ix.nodes))
	}

	q := query
	if ix.cfg.Metric == MetricCosine {
		q = normalize(query)
	}

	ep := ix.entry
	epLevel := ix.nodes[ep].level
	for l := epLevel; l > 0; l-- {
		ep = ix.greedyClosest(ep, q, l)
	}
	cands := ix.searchLayer(q, ep, efSearch, 0)

	live := cands[:0:0]
	for _, c := range cands {
		if !ix.nodes[c.idx].deleted {
			live = append(live, c)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].dist != live[j].dist {
			return live[i].dist < live[j].dist
		}
		return ix.nodes[live[i].idx].nodeID < ix.nodes[live[j].idx].nodeID
	})
	if len(live) > k {
		live = live[:k]
	}
	out := make([]Result, len(live))
	for i, c := range live {
		out[i] = Result{NodeID: ix.nodes[c.idx].nodeID, Similarity: similarityFromDistance(ix.cfg.Metric, c.dist)}
	}
	return out, nil
}

func (ix *Index) find(nodeID uint64) (int, bool) {
	item := ix.lookup.Get(idxEntry{nodeID: nodeID})
	if item == nil {
		return 0, false
	}
	return item.(idxEntry).idx, true
}

// Delete logically removes nodeID via a tombstone; physical removal is
// deferred to Rebuild (§4.6.2).
func (ix *Index) Delete(nodeID uint64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	idx, ok := ix.find(nodeID)
	if !ok {
		return nexuserr.New(nexuserr.CodeNotFound, "node %d not present in index", nodeID)
	}
	if !ix.nodes[idx].deleted {
		ix.nodes[idx].deleted = true
		ix.tombstoned++
	}
	return nil
}

// Rebuild reinserts every live (non-tombstoned) vector into a fresh graph,
// discarding tombstoned entries for good.
func (ix *Index) Rebuild() error {
	ix.mu.Lock()
	live := make([]*node, 0, len(ix.nodes))
	for _, n := range ix.nodes {
		if !n.deleted {
			live = append(live, n)
		}
	}
	cfg := ix.cfg
	ix.mu.Unlock()

	fresh := New(cfg)
	for _, n := range live {
		if err := fresh.Insert(n.nodeID, n.vec); err != nil {
			return err
		}
	}

	ix.mu.Lock()
	*ix = *fresh
	ix.mu.Unlock()
	return nil
}

// Len returns the number of vectors tracked (including tombstoned ones).
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.nodes)
}

// GetConfig returns the build-time configuration this index was created with.
func (ix *Index) GetConfig() Config {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.cfg
}
