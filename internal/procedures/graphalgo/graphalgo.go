// Package graphalgo implements the graph-analytics procedures CALLable
// from Cypher (spec.md §4.8): PageRank, weakly-connected-components,
// degree, triangle count, and Dijkstra shortest paths, all reading a
// *graph.Graph through a snapshot. PageRank and triangle count first copy
// the adjacency they need into in-memory maps.
package graphalgo

import (
	"container/heap"
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nexus-db/nexus/internal/graph"
	"github.com/nexus-db/nexus/internal/store"
	"github.com/nexus-db/nexus/internal/txn"
	"github.com/nexus-db/nexus/internal/types"
)

// Damping is PageRank's standard random-jump factor.
const Damping = 0.85

// PageRankResult is one node's converged rank.
type PageRankResult struct {
	NodeID uint64
	Score  float64
}

func buildOutAdjacency(g *graph.Graph, snap txn.Snapshot) (ids []uint64, outDeg map[uint64]int, adj map[uint64][]uint64, err error) {
	outDeg = make(map[uint64]int)
	adj = make(map[uint64][]uint64)
	var walkErr error
	err = g.AllNodes(snap, func(n *types.Node) bool {
		ids = append(ids, n.ID)
		rels, rerr := g.Neighbors(snap, n.ID, store.DirOutgoing, nil)
		if rerr != nil {
			walkErr = rerr
			return false
		}
		outDeg[n.ID] = len(rels)
		dsts := make([]uint64, len(rels))
		for i, r := range rels {
			dsts[i] = r.End
		}
		adj[n.ID] = dsts
		return true
	})
	if err != nil {
		return nil, nil, nil, err
	}
	if walkErr != nil {
		return nil, nil, nil, walkErr
	}
	return ids, outDeg, adj, nil
}

// PageRank runs the power-iteration algorithm to convergence (or
// maxIterations, whichever comes first), splitting each iteration's score
// update across a worker pool via errgroup the way parallel fan-out is
// expressed elsewhere in the pack.
func PageRank(ctx context.Context, g *graph.Graph, snap txn.Snapshot, maxIterations int, tolerance float64) ([]PageRankResult, error) {
	ids, outDeg, adj, err := buildOutAdjacency(g, snap)
	if err != nil {
		return nil, err
	}
	n := len(ids)
	if n == 0 {
		return nil, nil
	}
	index := make(map[uint64]int, n)
	for i, id := range ids {
		index[id] = i
	}
	rank := make([]float64, n)
	for i := range rank {
		rank[i] = 1.0 / float64(n)
	}

	workers := 8
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers

	for iter := 0; iter < maxIterations; iter++ {
		next := make([]float64, n)
		var mu sync.Mutex
		grp, gctx := errgroup.WithContext(ctx)
		for w := 0; w < workers; w++ {
			start := w * chunk
			end := start + chunk
			if end > n {
				end = n
			}
			if start >= end {
				continue
			}
			start, end := start, end
			grp.Go(func() error {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				local := make(map[int]float64)
				for i := start; i < end; i++ {
					id := ids[i]
					deg := outDeg[id]
					if deg == 0 {
						continue
					}
					share := rank[i] / float64(deg)
					for _, dst := range adj[id] {
						if j, ok := index[dst]; ok {
							local[j] += share
						}
					}
				}
				mu.Lock()
				for j, v := range local {
					next[j] += v
				}
				mu.Unlock()
				return nil
			})
		}
		if err := grp.Wait(); err != nil {
			return nil, err
		}
		delta := 0.0
		base := (1 - Damping) / float64(n)
		for i := range next {
			v := base + Damping*next[i]
			delta += abs(v - rank[i])
			rank[i] = v
		}
		if delta < tolerance {
			break
		}
	}

	out := make([]PageRankResult, n)
	for i, id := range ids {
		out[i] = PageRankResult{NodeID: id, Score: rank[i]}
	}
	return out, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// WCCResult assigns every node a component id (the smallest node id in
// its component, union-find's canonical representative).
type WCCResult map[uint64]uint64

type unionFind struct {
	parent map[uint64]uint64
}

func newUnionFind() *unionFind { return &unionFind{parent: make(map[uint64]uint64)} }

func (u *unionFind) find(x uint64) uint64 {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
	}
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b uint64) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}

// WCC computes weakly-connected components by treating every relationship
// as undirected.
func WCC(g *graph.Graph, snap txn.Snapshot) (WCCResult, error) {
	uf := newUnionFind()
	var walkErr error
	err := g.AllNodes(snap, func(n *types.Node) bool {
		uf.find(n.ID)
		rels, rerr := g.Neighbors(snap, n.ID, store.DirOutgoing, nil)
		if rerr != nil {
			walkErr = rerr
			return false
		}
		for _, r := range rels {
			uf.union(n.ID, r.End)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if walkErr != nil {
		return nil, walkErr
	}
	out := make(WCCResult, len(uf.parent))
	for id := range uf.parent {
		out[id] = uf.find(id)
	}
	return out, nil
}

// DegreeResult is a node's in/out/total relationship count.
type DegreeResult struct {
	NodeID      uint64
	InDegree    int
	OutDegree   int
	TotalDegree int
}

// Degree computes per-node degree counts over the whole graph.
func Degree(g *graph.Graph, snap txn.Snapshot) ([]DegreeResult, error) {
	var out []DegreeResult
	var walkErr error
	err := g.AllNodes(snap, func(n *types.Node) bool {
		outRels, rerr := g.Neighbors(snap, n.ID, store.DirOutgoing, nil)
		if rerr != nil {
			walkErr = rerr
			return false
		}
		inRels, rerr := g.Neighbors(snap, n.ID, store.DirIncoming, nil)
		if rerr != nil {
			walkErr = rerr
			return false
		}
		out = append(out, DegreeResult{
			NodeID:      n.ID,
			OutDegree:   len(outRels),
			InDegree:    len(inRels),
			TotalDegree: len(outRels) + len(inRels),
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, walkErr
}

// TriangleCount counts closed triples through each node: pairs of
// neighbors of n that are themselves connected.
func TriangleCount(g *graph.Graph, snap txn.Snapshot) (map[uint64]int, error) {
	neighborSets := make(map[uint64]map[uint64]bool)
	var walkErr error
	err := g.AllNodes(snap, func(n *types.Node) bool {
		set := make(map[uint64]bool)
		rels, rerr := g.Neighbors(snap, n.ID, store.DirBoth, nil)
		if rerr != nil {
			walkErr = rerr
			return false
		}
		for _, r := range rels {
			other := r.End
			if other == n.ID {
				other = r.Start
			}
			set[other] = true
		}
		neighborSets[n.ID] = set
		return true
	})
	if err != nil {
		return nil, err
	}
	if walkErr != nil {
		return nil, walkErr
	}
	counts := make(map[uint64]int, len(neighborSets))
	for id, set := range neighborSets {
		c := 0
		for a := range set {
			for b := range set {
				if a >= b {
					continue
				}
				if neighborSets[a][b] {
					c++
				}
			}
		}
		counts[id] = c
	}
	return counts, nil
}

// dijkstraItem is one entry of the shortest-path priority queue.
type dijkstraItem struct {
	nodeID uint64
	dist   float64
	index  int
}

type dijkstraQueue []*dijkstraItem

func (q dijkstraQueue) Len() int          { return len(q) }
func (q dijkstraQueue) Less(i, j int) bool { return q[i].dist < q[j].dist }
func (q dijkstraQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i]; q[i].index, q[j].index = i, j }
func (q *dijkstraQueue) Push(x interface{}) {
	item := x.(*dijkstraItem)
	item.index = len(*q)
	*q = append(*q, item)
}
func (q *dijkstraQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// ShortestPath runs Dijkstra's algorithm from source to target, weighting
// each edge by weightProp if set on the relationship (defaulting to 1),
// and returns the ordered node id path and its total distance. A missing
// path reports found=false.
func ShortestPath(g *graph.Graph, snap txn.Snapshot, source, target uint64, weightProp string) (path []uint64, distance float64, found bool, err error) {
	dist := map[uint64]float64{source: 0}
	prev := map[uint64]uint64{}
	visited := map[uint64]bool{}

	pq := &dijkstraQueue{{nodeID: source, dist: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(*dijkstraItem)
		if visited[cur.nodeID] {
			continue
		}
		visited[cur.nodeID] = true
		if cur.nodeID == target {
			break
		}
		rels, rerr := g.Neighbors(snap, cur.nodeID, store.DirOutgoing, nil)
		if rerr != nil {
			return nil, 0, false, rerr
		}
		for _, r := range rels {
			w := 1.0
			if weightProp != "" {
				if pv, ok := r.Props[weightProp]; ok && pv.IsNumeric() {
					w = pv.Float()
				}
			}
			nd := cur.dist + w
			if existing, ok := dist[r.End]; !ok || nd < existing {
				dist[r.End] = nd
				prev[r.End] = cur.nodeID
				heap.Push(pq, &dijkstraItem{nodeID: r.End, dist: nd})
			}
		}
	}

	finalDist, ok := dist[target]
	if !ok {
		return nil, 0, false, nil
	}
	var rev []uint64
	for at := target; ; {
		rev = append(rev, at)
		if at == source {
			break
		}
		p, ok := prev[at]
		if !ok {
			return nil, 0, false, nil
		}
		at = p
	}
	path = make([]uint64, len(rev))
	for i, id := range rev {
		path[len(rev)-1-i] = id
	}
	return path, finalDist, true, nil
}
