package graph

import (
	"github.com/nexus-db/nexus/internal/catalog"
	"github.com/nexus-db/nexus/internal/index/bitmap"
	"github.com/nexus-db/nexus/internal/index/btreeidx"
	"github.com/nexus-db/nexus/internal/index/hnsw"
	"github.com/nexus-db/nexus/internal/txn"
	"github.com/nexus-db/nexus/internal/types"
)

// SetNodeProperty and SetRelProperty expose SetProperty's two owner kinds to
// callers outside package graph (internal/executor's write clauses), which
// cannot otherwise name the unexported ownerKind constants.

func (g *Graph) SetNodeProperty(tx *txn.Tx, nodeID uint64, labelBits uint64, key string, v types.Value) error {
	return g.SetProperty(tx, ownerNode, nodeID, labelBits, key, v)
}

func (g *Graph) SetRelProperty(tx *txn.Tx, relID uint64, key string, v types.Value) error {
	return g.SetProperty(tx, ownerRel, relID, 0, key, v)
}

func (g *Graph) RemoveNodeProperty(tx *txn.Tx, nodeID uint64, key string) error {
	return g.RemoveProperty(tx, ownerNode, nodeID, key)
}

func (g *Graph) RemoveRelProperty(tx *txn.Tx, relID uint64, key string) error {
	return g.RemoveProperty(tx, ownerRel, relID, key)
}

// NodeLabelBits returns a node's current label bitset, needed by write
// clauses that call SetNodeProperty without already holding a types.Node
// (which projects label names, not the bitset property indexing needs).
func (g *Graph) NodeLabelBits(nodeID uint64) (uint64, error) {
	n, err := g.Nodes.Read(nodeID)
	if err != nil {
		return 0, err
	}
	return n.LabelBits, nil
}

// PropIndexKey builds the PropIdx map key for a (label, property) pair, so
// callers outside package graph (the planner's index-seek heuristic) can
// probe for an index's existence without duplicating propIdxKey's format.
func PropIndexKey(labelID uint32, prop string) string {
	return propIdxKey(labelID, prop)
}

// ConfigurePropertyIndex registers a B-tree property index for (labelID,
// prop), analogous to ConfigureVectorIndex. There is no CREATE INDEX
// statement in the Cypher subset (spec.md §4.3 grammar), so indexes are
// provisioned programmatically through Engine.ConfigurePropertyIndex.
func (g *Graph) ConfigurePropertyIndex(labelID uint32, prop string, idx *btreeidx.PropertyIndex) {
	g.PropIdx[propIdxKey(labelID, prop)] = idx
}

// LabelID resolves a label name to its catalog id, if interned.
func (g *Graph) LabelID(label string) (uint32, bool, error) {
	return g.Cat.ID(catalog.KindLabel, label)
}

// RelTypeID resolves a relationship type name to its catalog id, if interned.
func (g *Graph) RelTypeID(relType string) (uint32, bool, error) {
	return g.Cat.ID(catalog.KindRelType, relType)
}

// PropertyKeyID resolves a property key name to its catalog id, if interned.
func (g *Graph) PropertyKeyID(key string) (uint32, bool, error) {
	return g.Cat.ID(catalog.KindPropertyKey, key)
}

// LabelBitmap exposes the per-label bitmap the planner uses to estimate
// scan cardinality when choosing between a label scan and an index seek.
func (g *Graph) LabelBitmap(labelID uint32) *bitmap.LabelBitmap {
	bm, ok := g.Labels[labelID]
	if !ok {
		return nil
	}
	return bm
}

// PropertyIndexFor returns the B-tree property index registered for
// (labelID, prop), if any.
func (g *Graph) PropertyIndexFor(labelID uint32, prop string) (*btreeidx.PropertyIndex, bool) {
	idx, ok := g.PropIdx[propIdxKey(labelID, prop)]
	return idx, ok
}

// VectorIndexFor returns the HNSW index and vector-bearing property name
// configured for labelID, if any (CALL vector.knn's backing lookup).
func (g *Graph) VectorIndexFor(labelID uint32) (*hnsw.Index, string, bool) {
	idx, ok := g.Vectors[labelID]
	if !ok {
		return nil, "", false
	}
	return idx, g.VecProp[labelID], true
}

// AllLabelIDs returns every label id with a live bitmap, for procedures
// that operate over the whole graph (pagerank, wcc, degree, ...).
func (g *Graph) AllLabelIDs() []uint32 {
	ids := make([]uint32, 0, len(g.Labels))
	for id := range g.Labels {
		ids = append(ids, id)
	}
	return ids
}
