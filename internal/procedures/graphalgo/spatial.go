package graphalgo

import (
	"math"

	"github.com/nexus-db/nexus/internal/graph"
	"github.com/nexus-db/nexus/internal/txn"
	"github.com/nexus-db/nexus/internal/types"
)

// haversineMeters returns the great-circle distance between two points in
// meters, treating X as longitude and Y as latitude in degrees (spec.md's
// Point type has no explicit projection, so geographic callers are
// expected to store lon/lat in X/Y).
const earthRadiusMeters = 6371000.0

func haversineMeters(a, b types.Point) float64 {
	lat1, lat2 := a.Y*math.Pi/180, b.Y*math.Pi/180
	dLat := (b.Y - a.Y) * math.Pi / 180
	dLon := (b.X - a.X) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// WithinBBox returns every node carrying label whose propName point value
// falls within the axis-aligned box [minX,minY]..[maxX,maxY].
func WithinBBox(g *graph.Graph, snap txn.Snapshot, label, propName string, minX, minY, maxX, maxY float64) ([]uint64, error) {
	var out []uint64
	var walkErr error
	err := g.AllNodes(snap, func(n *types.Node) bool {
		if !hasLabel(n, label) {
			return true
		}
		pv, ok := n.Props[propName]
		if !ok || pv.Kind() != types.KindPoint {
			return true
		}
		p := pv.AsPoint()
		if p.X >= minX && p.X <= maxX && p.Y >= minY && p.Y <= maxY {
			out = append(out, n.ID)
		}
		return true
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return out, err
}

// WithinDistance returns every node carrying label whose propName point
// value lies within radiusMeters of center, using the haversine formula
// (spatial.withinDistance, spec.md §4.8).
func WithinDistance(g *graph.Graph, snap txn.Snapshot, label, propName string, center types.Point, radiusMeters float64) ([]uint64, error) {
	var out []uint64
	err := g.AllNodes(snap, func(n *types.Node) bool {
		if !hasLabel(n, label) {
			return true
		}
		pv, ok := n.Props[propName]
		if !ok || pv.Kind() != types.KindPoint {
			return true
		}
		if haversineMeters(center, *pv.AsPoint()) <= radiusMeters {
			out = append(out, n.ID)
		}
		return true
	})
	return out, err
}

func hasLabel(n *types.Node, label string) bool {
	if label == "" {
		return true
	}
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}
