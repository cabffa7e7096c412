package graph

import (
	"log/slog"
	"math/bits"

	"github.com/nexus-db/nexus/internal/catalog"
	"github.com/nexus-db/nexus/internal/index/bitmap"
	"github.com/nexus-db/nexus/internal/index/btreeidx"
	"github.com/nexus-db/nexus/internal/index/hnsw"
	"github.com/nexus-db/nexus/internal/nexuserr"
	"github.com/nexus-db/nexus/internal/store"
	"github.com/nexus-db/nexus/internal/txn"
	"github.com/nexus-db/nexus/internal/types"
	"github.com/nexus-db/nexus/internal/wal"
)

// Graph is the materialization and write-path layer: it owns the fixed-size
// record stores, the catalog's name<->id maps, and the in-memory indexes,
// and turns them into types.Node/types.Rel values on read and records
// mutations through the active write transaction on write (spec.md §4.2).
type Graph struct {
	Nodes *store.NodeStore
	Rels  *store.RelStore
	Props *store.PropStore
	Blobs *store.BlobStore
	Cat   *catalog.Catalog
	WAL   *wal.Log

	Labels   map[uint32]*bitmap.LabelBitmap
	PropIdx  map[string]*btreeidx.PropertyIndex // key: propIdxKey(labelID, propName)
	Vectors  map[uint32]*hnsw.Index             // key: labelID
	VecProp  map[uint32]string                  // key: labelID -> vector-bearing property name

	log *slog.Logger
}

// ConfigureVectorIndex registers label's vector property name and backing
// HNSW index (spec.md §4.6.2 "one index per label"), so that writes to
// that property on nodes carrying label keep the index current.
func (g *Graph) ConfigureVectorIndex(labelID uint32, propName string, idx *hnsw.Index) {
	if g.VecProp == nil {
		g.VecProp = make(map[uint32]string)
	}
	g.VecProp[labelID] = propName
	g.Vectors[labelID] = idx
}

func floatsFromValue(v types.Value) ([]float32, bool) {
	if v.Kind() != types.KindList {
		return nil, false
	}
	items := v.AsList()
	out := make([]float32, len(items))
	for i, it := range items {
		if !it.IsNumeric() {
			return nil, false
		}
		out[i] = float32(it.Float())
	}
	return out, true
}

func (g *Graph) indexVector(nodeID uint64, labelBits uint64, key string, v types.Value) error {
	rem := labelBits
	for rem != 0 {
		i := bits.TrailingZeros64(rem)
		rem &^= 1 << uint(i)
		labelID := uint32(i)
		if g.VecProp[labelID] != key {
			continue
		}
		idx, ok := g.Vectors[labelID]
		if !ok {
			continue
		}
		vec, ok := floatsFromValue(v)
		if !ok {
			return nexuserr.New(nexuserr.CodeVectorDimension, "property %q is not a numeric vector", key)
		}
		if err := idx.Insert(nodeID, vec); err != nil {
			return err
		}
	}
	return nil
}

// New wires an already-open set of stores, catalog, and WAL into a Graph.
// Indexes start empty; the engine populates them either from persisted
// index snapshots or by a full rebuild scan after WAL recovery.
func New(nodes *store.NodeStore, rels *store.RelStore, props *store.PropStore, blobs *store.BlobStore, cat *catalog.Catalog, log *wal.Log, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		Nodes:   nodes,
		Rels:    rels,
		Props:   props,
		Blobs:   blobs,
		Cat:     cat,
		WAL:     log,
		Labels:  make(map[uint32]*bitmap.LabelBitmap),
		PropIdx: make(map[string]*btreeidx.PropertyIndex),
		Vectors: make(map[uint32]*hnsw.Index),
		log:     logger,
	}
}

func propIdxKey(labelID uint32, prop string) string {
	return string(rune(labelID)) + ":" + prop
}

func (g *Graph) labelBitmap(id uint32) *bitmap.LabelBitmap {
	bm, ok := g.Labels[id]
	if !ok {
		bm = bitmap.New(id)
		g.Labels[id] = bm
	}
	return bm
}

// ---- Read path: record -> types.Value materialization ----

// ReadNode materializes node id as seen by snapshot, or nexuserr.CodeNotFound
// if it does not exist or is not visible.
func (g *Graph) ReadNode(snap txn.Snapshot, id uint64) (*types.Node, error) {
	n, err := g.Nodes.Read(id)
	if err != nil {
		return nil, err
	}
	if !snap.Visible(n.CreatedEpoch, n.DeletedEpoch) {
		return nil, nexuserr.New(nexuserr.CodeNotFound, "node %d not visible to snapshot", id)
	}
	labels, err := g.labelNames(n.LabelBits)
	if err != nil {
		return nil, err
	}
	props, err := g.readProps(snap, n.PropPtr)
	if err != nil {
		return nil, err
	}
	return &types.Node{ID: id, Labels: labels, Props: props}, nil
}

// ReadRel materializes relationship id as seen by snapshot.
func (g *Graph) ReadRel(snap txn.Snapshot, id uint64) (*types.Rel, error) {
	r, err := g.Rels.Read(id)
	if err != nil {
		return nil, err
	}
	if !snap.Visible(r.CreatedEpoch, r.DeletedEpoch) {
		return nil, nexuserr.New(nexuserr.CodeNotFound, "rel %d not visible to snapshot", id)
	}
	typeName, err := g.Cat.Name(catalog.KindRelType, r.Type)
	if err != nil {
		return nil, err
	}
	props, err := g.readProps(snap, r.PropPtr)
	if err != nil {
		return nil, err
	}
	return &types.Rel{ID: id, Start: r.Src, End: r.Dst, Type: typeName, Props: props}, nil
}

// Neighbors returns the live relationships of node visible to snap, in dir,
// optionally restricted to relTypes (empty means "all types").
func (g *Graph) Neighbors(snap txn.Snapshot, nodeID uint64, dir store.Direction, relTypes []string) ([]*types.Rel, error) {
	n, err := g.Nodes.Read(nodeID)
	if err != nil {
		return nil, err
	}
	var typeFilter map[uint32]bool
	if len(relTypes) > 0 {
		typeFilter = make(map[uint32]bool, len(relTypes))
		for _, name := range relTypes {
			id, ok, err := g.Cat.ID(catalog.KindRelType, name)
			if err != nil {
				return nil, err
			}
			if ok {
				typeFilter[id] = true
			}
		}
	}
	recs, err := g.Rels.Neighbors(nodeID, n.FirstRel, dir, typeFilter, snap.Visible)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Rel, 0, len(recs))
	for _, r := range recs {
		typeName, err := g.Cat.Name(catalog.KindRelType, r.Type)
		if err != nil {
			return nil, err
		}
		props, err := g.readProps(snap, r.PropPtr)
		if err != nil {
			return nil, err
		}
		out = append(out, &types.Rel{ID: r.ID, Start: r.Src, End: r.Dst, Type: typeName, Props: props})
	}
	return out, nil
}

// NodesByLabel iterates every live node carrying label, in ascending id
// order, calling fn until it returns false.
func (g *Graph) NodesByLabel(snap txn.Snapshot, label string, fn func(*types.Node) bool) error {
	id, ok, err := g.Cat.ID(catalog.KindLabel, label)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	bm := g.labelBitmap(id)
	var outerErr error
	bm.Iterate(func(nodeID uint64) bool {
		node, err := g.ReadNode(snap, nodeID)
		if err != nil {
			if nexuserr.Is(err, nexuserr.CodeNotFound) {
				return true // label bitmap entry stale relative to this snapshot; skip
			}
			outerErr = err
			return false
		}
		return fn(node)
	})
	return outerErr
}

// AllNodes iterates every live node by direct-offset scan (AllNodesScan).
func (g *Graph) AllNodes(snap txn.Snapshot, fn func(*types.Node) bool) error {
	n := g.Nodes.Count()
	for id := uint64(0); id < n; id++ {
		rec, err := g.Nodes.Read(id)
		if err != nil {
			return err
		}
		if !snap.Visible(rec.CreatedEpoch, rec.DeletedEpoch) {
			continue
		}
		node, err := g.ReadNode(snap, id)
		if err != nil {
			return err
		}
		if !fn(node) {
			return nil
		}
	}
	return nil
}

func (g *Graph) labelNames(bits_ uint64) ([]string, error) {
	var out []string
	rem := bits_
	for rem != 0 {
		i := bits.TrailingZeros64(rem)
		rem &^= 1 << uint(i)
		name, err := g.Cat.Name(catalog.KindLabel, uint32(i))
		if err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, nil
}

func (g *Graph) readProps(snap txn.Snapshot, head uint64) (map[string]types.Value, error) {
	chain, err := g.Props.Chain(head, snap.Visible)
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.Value, len(chain))
	seen := make(map[uint32]bool, len(chain))
	for _, p := range chain {
		if seen[p.KeyID] {
			continue // chain holds history; first (newest) entry per key wins
		}
		seen[p.KeyID] = true
		name, err := g.Cat.Name(catalog.KindPropertyKey, p.KeyID)
		if err != nil {
			return nil, err
		}
		v, err := g.decodeStoredValue(p)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func (g *Graph) decodeStoredValue(p *store.Property) (types.Value, error) {
	switch p.Type {
	case store.TypeNull:
		return types.Null, nil
	case store.TypeBool:
		return types.Bool(store.DecodeBool(p.Value)), nil
	case store.TypeInt64:
		return types.Int(int64(p.Value)), nil
	case store.TypeFloat64:
		return types.Float(store.DecodeFloat64(p.Value)), nil
	default:
		blob, err := g.Blobs.Read(int64(p.Value))
		if err != nil {
			return types.Null, err
		}
		return decodeBlobValue(blob)
	}
}

// ---- Write path ----

type ownerKind uint8

const (
	ownerNode ownerKind = 0
	ownerRel  ownerKind = 1
)

// CreateNode allocates a node record with the given labels and properties,
// appends the corresponding WAL entries ahead of mutating the stores, and
// registers rollbacks with tx. Abort does not restore the stores' bytes:
// the allocated record stays, its deleted epoch is set equal to its
// created epoch so no snapshot sees it, and its label-bitmap entries are
// removed (spec.md §4.2 create_node).
func (g *Graph) CreateNode(tx *txn.Tx, labels []string, props map[string]types.Value) (uint64, error) {
	var labelBits uint64
	for _, name := range labels {
		id, err := g.Cat.Intern(catalog.KindLabel, name)
		if err != nil {
			return 0, err
		}
		if id >= catalog.MaxLabels {
			return 0, nexuserr.New(nexuserr.CodeTooManyLabels, "label id %d exceeds %d-label budget", id, catalog.MaxLabels)
		}
		labelBits |= 1 << uint(id)
	}

	id, err := g.Nodes.Allocate()
	if err != nil {
		return 0, err
	}
	if err := g.appendEntry(tx, wal.EntryCreateNode, encodeCreateNode(id, labelBits, tx.Epoch)); err != nil {
		return 0, err
	}
	rec := &store.Node{ID: id, LabelBits: labelBits, FirstRel: store.Sentinel, PropPtr: store.Sentinel, CreatedEpoch: tx.Epoch, DeletedEpoch: sentinelEpoch}
	if err := g.Nodes.Write(rec); err != nil {
		return 0, err
	}
	tx.StageRollback(func() {
		rec.DeletedEpoch = rec.CreatedEpoch
		g.Nodes.Write(rec)
	})

	rem := labelBits
	for rem != 0 {
		i := bits.TrailingZeros64(rem)
		rem &^= 1 << uint(i)
		bm := g.labelBitmap(uint32(i))
		bm.Add(id)
		tx.StageRollback(func(bm *bitmap.LabelBitmap) func() {
			return func() { bm.Remove(id) }
		}(bm))
	}

	for key, v := range props {
		if err := g.SetProperty(tx, ownerNode, id, labelBits, key, v); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// CreateRel allocates a relationship record between src and dst, splicing
// it into both endpoints' adjacency lists at the head (spec.md §4.2
// create_rel, O(1) insertion).
func (g *Graph) CreateRel(tx *txn.Tx, src, dst uint64, relType string, props map[string]types.Value) (uint64, error) {
	srcNode, err := g.Nodes.Read(src)
	if err != nil {
		return 0, err
	}
	dstNode, err := g.Nodes.Read(dst)
	if err != nil {
		return 0, err
	}
	typeID, err := g.Cat.Intern(catalog.KindRelType, relType)
	if err != nil {
		return 0, err
	}

	id, err := g.Rels.Allocate()
	if err != nil {
		return 0, err
	}
	prevSrcFirst, prevDstFirst := srcNode.FirstRel, dstNode.FirstRel
	if err := g.appendEntry(tx, wal.EntryCreateRel, encodeCreateRel(id, src, dst, typeID, tx.Epoch, prevSrcFirst, prevDstFirst)); err != nil {
		return 0, err
	}

	rec := &store.Rel{ID: id, Src: src, Dst: dst, Type: typeID, NextSrc: prevSrcFirst, NextDst: prevDstFirst, PropPtr: store.Sentinel, CreatedEpoch: tx.Epoch, DeletedEpoch: sentinelEpoch}
	if err := g.Rels.Write(rec); err != nil {
		return 0, err
	}
	tx.StageRollback(func() {
		rec.DeletedEpoch = rec.CreatedEpoch
		g.Rels.Write(rec)
	})

	srcNode.FirstRel = id
	if err := g.Nodes.Write(srcNode); err != nil {
		return 0, err
	}
	tx.StageRollback(func() { srcNode.FirstRel = prevSrcFirst; g.Nodes.Write(srcNode) })
	if dst != src {
		dstNode.FirstRel = id
		if err := g.Nodes.Write(dstNode); err != nil {
			return 0, err
		}
		tx.StageRollback(func() { dstNode.FirstRel = prevDstFirst; g.Nodes.Write(dstNode) })
	}

	for key, v := range props {
		if err := g.SetProperty(tx, ownerRel, id, 0, key, v); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// SetProperty pushes a new version onto the owner's property chain.
// labelBits is advisory (used to maintain property-indexes for node
// owners only; pass 0 for relationship owners, which carry no indexes).
func (g *Graph) SetProperty(tx *txn.Tx, owner ownerKind, ownerID uint64, labelBits uint64, key string, v types.Value) error {
	keyID, err := g.Cat.Intern(catalog.KindPropertyKey, key)
	if err != nil {
		return err
	}
	var prevHead uint64
	switch owner {
	case ownerNode:
		n, err := g.Nodes.Read(ownerID)
		if err != nil {
			return err
		}
		prevHead = n.PropPtr
	default:
		r, err := g.Rels.Read(ownerID)
		if err != nil {
			return err
		}
		prevHead = r.PropPtr
	}

	valType, rawValue, err := g.encodeStoredValue(v)
	if err != nil {
		return err
	}
	propID, err := g.Props.Allocate()
	if err != nil {
		return err
	}
	if err := g.appendEntry(tx, wal.EntrySetProperty, encodeSetProperty(owner, ownerID, propID, keyID, valType, rawValue, prevHead, tx.Epoch)); err != nil {
		return err
	}
	prop := &store.Property{ID: propID, KeyID: keyID, Type: valType, NextPtr: prevHead, Value: rawValue, CreatedEpoch: tx.Epoch, DeletedEpoch: sentinelEpoch}
	if err := g.Props.Write(prop); err != nil {
		return err
	}
	tx.StageRollback(func() {
		prop.DeletedEpoch = prop.CreatedEpoch
		g.Props.Write(prop)
	})

	switch owner {
	case ownerNode:
		n, _ := g.Nodes.Read(ownerID)
		old := n.PropPtr
		n.PropPtr = propID
		if err := g.Nodes.Write(n); err != nil {
			return err
		}
		tx.StageRollback(func() { n.PropPtr = old; g.Nodes.Write(n) })
		g.indexProperty(ownerID, labelBits, key, v)
		if err := g.indexVector(ownerID, labelBits, key, v); err != nil {
			return err
		}
	default:
		r, _ := g.Rels.Read(ownerID)
		old := r.PropPtr
		r.PropPtr = propID
		if err := g.Rels.Write(r); err != nil {
			return err
		}
		tx.StageRollback(func() { r.PropPtr = old; g.Rels.Write(r) })
	}
	return nil
}

// RemoveProperty tombstones the newest live version of key on owner, if any.
func (g *Graph) RemoveProperty(tx *txn.Tx, owner ownerKind, ownerID uint64, key string) error {
	keyID, ok, err := g.Cat.ID(catalog.KindPropertyKey, key)
	if err != nil || !ok {
		return err
	}
	var head uint64
	switch owner {
	case ownerNode:
		n, err := g.Nodes.Read(ownerID)
		if err != nil {
			return err
		}
		head = n.PropPtr
	default:
		r, err := g.Rels.Read(ownerID)
		if err != nil {
			return err
		}
		head = r.PropPtr
	}
	snap := txn.Snapshot{Epoch: tx.Epoch}
	cur := head
	for cur != store.Sentinel {
		p, err := g.Props.Read(cur)
		if err != nil {
			return err
		}
		if p.KeyID == keyID && snap.Visible(p.CreatedEpoch, p.DeletedEpoch) {
			if err := g.appendEntry(tx, wal.EntryDeleteProperty, encodeDeleteProperty(owner, p.ID, tx.Epoch)); err != nil {
				return err
			}
			oldDeleted := p.DeletedEpoch
			p.DeletedEpoch = tx.Epoch
			if err := g.Props.Write(p); err != nil {
				return err
			}
			tx.StageRollback(func() { p.DeletedEpoch = oldDeleted; g.Props.Write(p) })
			return nil
		}
		cur = p.NextPtr
	}
	return nil
}

// AddLabel sets bit label on node, updating the corresponding label bitmap.
func (g *Graph) AddLabel(tx *txn.Tx, nodeID uint64, label string) error {
	labelID, err := g.Cat.Intern(catalog.KindLabel, label)
	if err != nil {
		return err
	}
	n, err := g.Nodes.Read(nodeID)
	if err != nil {
		return err
	}
	if n.LabelBits&(1<<uint(labelID)) != 0 {
		return nil // idempotent: already carries this label
	}
	if err := g.appendEntry(tx, wal.EntryAddLabel, encodeLabelOp(nodeID, labelID)); err != nil {
		return err
	}
	n.LabelBits |= 1 << uint(labelID)
	if err := g.Nodes.Write(n); err != nil {
		return err
	}
	tx.StageRollback(func() { n.LabelBits &^= 1 << uint(labelID); g.Nodes.Write(n) })
	bm := g.labelBitmap(labelID)
	bm.Add(nodeID)
	tx.StageRollback(func() { bm.Remove(nodeID) })
	return nil
}

// RemoveLabel clears bit label on node.
func (g *Graph) RemoveLabel(tx *txn.Tx, nodeID uint64, label string) error {
	labelID, ok, err := g.Cat.ID(catalog.KindLabel, label)
	if err != nil || !ok {
		return err
	}
	n, err := g.Nodes.Read(nodeID)
	if err != nil {
		return err
	}
	if n.LabelBits&(1<<uint(labelID)) == 0 {
		return nil
	}
	if err := g.appendEntry(tx, wal.EntryRemoveLabel, encodeLabelOp(nodeID, labelID)); err != nil {
		return err
	}
	n.LabelBits &^= 1 << uint(labelID)
	if err := g.Nodes.Write(n); err != nil {
		return err
	}
	tx.StageRollback(func() { n.LabelBits |= 1 << uint(labelID); g.Nodes.Write(n) })
	bm := g.labelBitmap(labelID)
	bm.Remove(nodeID)
	tx.StageRollback(func() { bm.Add(nodeID) })
	return nil
}

// DeleteNode tombstones node. If detach is false and the node still has
// live relationships, it returns CodeConstraintViolation (spec.md §4.2
// delete_node edge case: deleting a node with relationships requires
// DETACH).
func (g *Graph) DeleteNode(tx *txn.Tx, nodeID uint64, detach bool) error {
	n, err := g.Nodes.Read(nodeID)
	if err != nil {
		return err
	}
	snap := txn.Snapshot{Epoch: tx.Epoch}
	rels, err := g.Rels.Neighbors(nodeID, n.FirstRel, store.DirBoth, nil, snap.Visible)
	if err != nil {
		return err
	}
	if len(rels) > 0 && !detach {
		return nexuserr.New(nexuserr.CodeConstraintViolation, "node %d still has relationships; use DETACH DELETE", nodeID)
	}
	for _, r := range rels {
		if err := g.DeleteRel(tx, r.ID); err != nil {
			return err
		}
	}
	if err := g.appendEntry(tx, wal.EntryDeleteNode, encodeDeleteNode(nodeID, tx.Epoch)); err != nil {
		return err
	}
	old := n.DeletedEpoch
	n.DeletedEpoch = tx.Epoch
	if err := g.Nodes.Write(n); err != nil {
		return err
	}
	tx.StageRollback(func() { n.DeletedEpoch = old; g.Nodes.Write(n) })
	rem := n.LabelBits
	for rem != 0 {
		i := bits.TrailingZeros64(rem)
		rem &^= 1 << uint(i)
		bm := g.labelBitmap(uint32(i))
		bm.Remove(nodeID)
		tx.StageRollback(func(bm *bitmap.LabelBitmap) func() {
			return func() { bm.Add(nodeID) }
		}(bm))
		if idx, ok := g.Vectors[uint32(i)]; ok {
			// Tombstone only; abort does not restore a deleted vector's
			// entry since HNSW has no MVCC chain of its own.
			idx.Delete(nodeID)
		}
	}
	return nil
}

// DeleteRel tombstones relationship id.
func (g *Graph) DeleteRel(tx *txn.Tx, relID uint64) error {
	r, err := g.Rels.Read(relID)
	if err != nil {
		return err
	}
	if err := g.appendEntry(tx, wal.EntryDeleteRel, encodeDeleteRel(relID, tx.Epoch)); err != nil {
		return err
	}
	old := r.DeletedEpoch
	r.DeletedEpoch = tx.Epoch
	if err := g.Rels.Write(r); err != nil {
		return err
	}
	tx.StageRollback(func() { r.DeletedEpoch = old; g.Rels.Write(r) })
	return nil
}

func (g *Graph) appendEntry(tx *txn.Tx, typ wal.EntryType, payload []byte) error {
	if g.WAL == nil {
		return nil
	}
	_, err := g.WAL.Append(wal.Entry{Epoch: tx.Epoch, TxID: tx.TxSeq, Type: typ, Payload: payload})
	return err
}

func (g *Graph) encodeStoredValue(v types.Value) (store.ValueType, uint64, error) {
	switch v.Kind() {
	case types.KindNull:
		return store.TypeNull, 0, nil
	case types.KindBool:
		return store.TypeBool, store.EncodeBool(v.AsBool()), nil
	case types.KindInt64:
		return store.TypeInt64, uint64(v.AsInt()), nil
	case types.KindFloat64:
		return store.TypeFloat64, store.EncodeFloat64(v.AsFloat()), nil
	default:
		blob := encodeBlobValue(v)
		offset, err := g.Blobs.Append(blob)
		if err != nil {
			return 0, 0, err
		}
		tag := blob[0]
		return store.ValueType(tag), uint64(offset), nil
	}
}

func (g *Graph) indexProperty(nodeID uint64, labelBits uint64, key string, v types.Value) {
	rem := labelBits
	for rem != 0 {
		i := bits.TrailingZeros64(rem)
		rem &^= 1 << uint(i)
		k := propIdxKey(uint32(i), key)
		idx, ok := g.PropIdx[k]
		if !ok {
			continue // no index maintained for this (label, property) pair
		}
		if ik, ok := toIndexKey(v); ok {
			idx.Insert(ik, nodeID)
		}
	}
}

func toIndexKey(v types.Value) (btreeidx.Key, bool) {
	switch v.Kind() {
	case types.KindInt64:
		return btreeidx.IntKey(v.AsInt()), true
	case types.KindFloat64:
		return btreeidx.FloatKey(v.AsFloat()), true
	case types.KindString:
		return btreeidx.StringKey(v.AsString()), true
	default:
		return btreeidx.Key{}, false
	}
}
