// Package procedures builds the default CALL-able procedure registry
// (spec.md §4.8): vector search, graph analytics, and geospatial helpers,
// each adapted to the executor.Procedure signature so they can be merged
// into an executor.ExecContext.Procs map at engine startup.
package procedures

import (
	"context"

	"github.com/nexus-db/nexus/internal/executor"
	"github.com/nexus-db/nexus/internal/graph"
	"github.com/nexus-db/nexus/internal/nexuserr"
	"github.com/nexus-db/nexus/internal/procedures/graphalgo"
	"github.com/nexus-db/nexus/internal/store"
	"github.com/nexus-db/nexus/internal/types"
)

// Default returns every built-in procedure keyed by its CALL name.
func Default(g *graph.Graph) map[string]executor.Procedure {
	return map[string]executor.Procedure{
		"vector.knn":              vectorKNN(g),
		"pagerank":                pagerank(g),
		"wcc":                     wcc(g),
		"degree":                  degree(g),
		"triangleCount":           triangleCount(g),
		"shortestPath.dijkstra":   shortestPathDijkstra(g),
		"spatial.withinBBox":      spatialWithinBBox(g),
		"spatial.withinDistance":  spatialWithinDistance(g),
	}
}

func argErr(name string, want int, got int) error {
	return nexuserr.New(nexuserr.CodeSemanticError, "%s expects %d argument(s), got %d", name, want, got)
}

// vectorKNN implements `CALL vector.knn(label, vec, k) YIELD node, score`
// (spec.md §4.8, §4.6.2), driving the HNSW index registered for label.
func vectorKNN(g *graph.Graph) executor.Procedure {
	return func(ctx *executor.ExecContext, args []types.Value) ([]executor.Row, []string, error) {
		if len(args) != 3 {
			return nil, nil, argErr("vector.knn", 3, len(args))
		}
		label := args[0].AsString()
		k := int(args[2].AsInt())
		vecVal := args[1]
		if vecVal.Kind() != types.KindList {
			return nil, nil, nexuserr.New(nexuserr.CodeSemanticError, "vector.knn's second argument must be a list of numbers")
		}
		labelID, ok, err := g.LabelID(label)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, []string{"node", "score"}, nil
		}
		idx, _, ok := g.VectorIndexFor(labelID)
		if !ok {
			return nil, []string{"node", "score"}, nil
		}
		items := vecVal.AsList()
		query := make([]float32, len(items))
		for i, it := range items {
			query[i] = float32(it.Float())
		}
		results, err := idx.Search(query, k, 0)
		if err != nil {
			return nil, nil, err
		}
		rows := make([]executor.Row, 0, len(results))
		for _, r := range results {
			n, err := g.ReadNode(ctx.Snap, r.NodeID)
			if err != nil {
				if nexuserr.Is(err, nexuserr.CodeNotFound) {
					continue
				}
				return nil, nil, err
			}
			rows = append(rows, executor.Row{
				"node":  types.NodeVal(*n),
				"score": types.Float(r.Similarity),
			})
		}
		return rows, []string{"node", "score"}, nil
	}
}

// pagerank implements `CALL pagerank(maxIterations, tolerance) YIELD node, score`.
func pagerank(g *graph.Graph) executor.Procedure {
	return func(ctx *executor.ExecContext, args []types.Value) ([]executor.Row, []string, error) {
		maxIter := 20
		tol := 1e-4
		if len(args) > 0 {
			maxIter = int(args[0].AsInt())
		}
		if len(args) > 1 {
			tol = args[1].Float()
		}
		results, err := graphalgo.PageRank(context.Background(), g, ctx.Snap, maxIter, tol)
		if err != nil {
			return nil, nil, err
		}
		return nodeScoreRows(g, ctx, results)
	}
}

func nodeScoreRows(g *graph.Graph, ctx *executor.ExecContext, results []graphalgo.PageRankResult) ([]executor.Row, []string, error) {
	rows := make([]executor.Row, 0, len(results))
	for _, r := range results {
		n, err := g.ReadNode(ctx.Snap, r.NodeID)
		if err != nil {
			if nexuserr.Is(err, nexuserr.CodeNotFound) {
				continue
			}
			return nil, nil, err
		}
		rows = append(rows, executor.Row{"node": types.NodeVal(*n), "score": types.Float(r.Score)})
	}
	return rows, []string{"node", "score"}, nil
}

// wcc implements `CALL wcc() YIELD node, componentId`.
func wcc(g *graph.Graph) executor.Procedure {
	return func(ctx *executor.ExecContext, args []types.Value) ([]executor.Row, []string, error) {
		components, err := graphalgo.WCC(g, ctx.Snap)
		if err != nil {
			return nil, nil, err
		}
		rows := make([]executor.Row, 0, len(components))
		for id, comp := range components {
			n, err := g.ReadNode(ctx.Snap, id)
			if err != nil {
				if nexuserr.Is(err, nexuserr.CodeNotFound) {
					continue
				}
				return nil, nil, err
			}
			rows = append(rows, executor.Row{"node": types.NodeVal(*n), "componentId": types.Int(int64(comp))})
		}
		return rows, []string{"node", "componentId"}, nil
	}
}

// degree implements `CALL degree() YIELD node, inDegree, outDegree, totalDegree`.
func degree(g *graph.Graph) executor.Procedure {
	return func(ctx *executor.ExecContext, args []types.Value) ([]executor.Row, []string, error) {
		results, err := graphalgo.Degree(g, ctx.Snap)
		if err != nil {
			return nil, nil, err
		}
		rows := make([]executor.Row, 0, len(results))
		for _, r := range results {
			n, err := g.ReadNode(ctx.Snap, r.NodeID)
			if err != nil {
				if nexuserr.Is(err, nexuserr.CodeNotFound) {
					continue
				}
				return nil, nil, err
			}
			rows = append(rows, executor.Row{
				"node":        types.NodeVal(*n),
				"inDegree":    types.Int(int64(r.InDegree)),
				"outDegree":   types.Int(int64(r.OutDegree)),
				"totalDegree": types.Int(int64(r.TotalDegree)),
			})
		}
		return rows, []string{"node", "inDegree", "outDegree", "totalDegree"}, nil
	}
}

// triangleCount implements `CALL triangleCount() YIELD node, triangles`.
func triangleCount(g *graph.Graph) executor.Procedure {
	return func(ctx *executor.ExecContext, args []types.Value) ([]executor.Row, []string, error) {
		counts, err := graphalgo.TriangleCount(g, ctx.Snap)
		if err != nil {
			return nil, nil, err
		}
		rows := make([]executor.Row, 0, len(counts))
		for id, c := range counts {
			n, err := g.ReadNode(ctx.Snap, id)
			if err != nil {
				if nexuserr.Is(err, nexuserr.CodeNotFound) {
					continue
				}
				return nil, nil, err
			}
			rows = append(rows, executor.Row{"node": types.NodeVal(*n), "triangles": types.Int(int64(c))})
		}
		return rows, []string{"node", "triangles"}, nil
	}
}

// shortestPathDijkstra implements
// `CALL shortestPath.dijkstra(source, target, weightProperty) YIELD path, cost`.
func shortestPathDijkstra(g *graph.Graph) executor.Procedure {
	return func(ctx *executor.ExecContext, args []types.Value) ([]executor.Row, []string, error) {
		if len(args) < 2 {
			return nil, nil, argErr("shortestPath.dijkstra", 2, len(args))
		}
		if args[0].Kind() != types.KindNode || args[1].Kind() != types.KindNode {
			return nil, nil, nexuserr.New(nexuserr.CodeSemanticError, "shortestPath.dijkstra's source/target must be nodes")
		}
		weightProp := ""
		if len(args) > 2 {
			weightProp = args[2].AsString()
		}
		ids, cost, found, err := graphalgo.ShortestPath(g, ctx.Snap, args[0].AsNode().ID, args[1].AsNode().ID, weightProp)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			return nil, []string{"path", "cost"}, nil
		}
		nodes := make([]types.Node, 0, len(ids))
		for _, id := range ids {
			n, err := g.ReadNode(ctx.Snap, id)
			if err != nil {
				return nil, nil, err
			}
			nodes = append(nodes, *n)
		}
		rels := make([]types.Rel, 0, len(nodes)-1)
		for i := 0; i+1 < len(nodes); i++ {
			outRels, err := g.Neighbors(ctx.Snap, nodes[i].ID, store.DirOutgoing, nil)
			if err != nil {
				return nil, nil, err
			}
			for _, r := range outRels {
				if r.End == nodes[i+1].ID {
					rels = append(rels, *r)
					break
				}
			}
		}
		path := types.PathVal(types.Path{Nodes: nodes, Rels: rels})
		return []executor.Row{{"path": path, "cost": types.Float(cost)}}, []string{"path", "cost"}, nil
	}
}

// spatialWithinBBox implements
// `CALL spatial.withinBBox(label, prop, minX, minY, maxX, maxY) YIELD node`.
func spatialWithinBBox(g *graph.Graph) executor.Procedure {
	return func(ctx *executor.ExecContext, args []types.Value) ([]executor.Row, []string, error) {
		if len(args) != 6 {
			return nil, nil, argErr("spatial.withinBBox", 6, len(args))
		}
		ids, err := graphalgo.WithinBBox(g, ctx.Snap, args[0].AsString(), args[1].AsString(),
			args[2].Float(), args[3].Float(), args[4].Float(), args[5].Float())
		if err != nil {
			return nil, nil, err
		}
		return idRows(g, ctx, ids)
	}
}

// spatialWithinDistance implements
// `CALL spatial.withinDistance(label, prop, center, radiusMeters) YIELD node`.
func spatialWithinDistance(g *graph.Graph) executor.Procedure {
	return func(ctx *executor.ExecContext, args []types.Value) ([]executor.Row, []string, error) {
		if len(args) != 4 {
			return nil, nil, argErr("spatial.withinDistance", 4, len(args))
		}
		if args[2].Kind() != types.KindPoint {
			return nil, nil, nexuserr.New(nexuserr.CodeSemanticError, "spatial.withinDistance's third argument must be a point")
		}
		ids, err := graphalgo.WithinDistance(g, ctx.Snap, args[0].AsString(), args[1].AsString(), *args[2].AsPoint(), args[3].Float())
		if err != nil {
			return nil, nil, err
		}
		return idRows(g, ctx, ids)
	}
}

func idRows(g *graph.Graph, ctx *executor.ExecContext, ids []uint64) ([]executor.Row, []string, error) {
	rows := make([]executor.Row, 0, len(ids))
	for _, id := range ids {
		n, err := g.ReadNode(ctx.Snap, id)
		if err != nil {
			if nexuserr.Is(err, nexuserr.CodeNotFound) {
				continue
			}
			return nil, nil, err
		}
		rows = append(rows, executor.Row{"node": types.NodeVal(*n)})
	}
	return rows, []string{"node"}, nil
}
