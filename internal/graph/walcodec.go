package graph

import (
	"encoding/binary"

	"github.com/nexus-db/nexus/internal/nexuserr"
	"github.com/nexus-db/nexus/internal/store"
	"github.com/nexus-db/nexus/internal/wal"
)

// sentinelEpoch marks a record's deleted_epoch as "not deleted" — the same
// value store.Sentinel uses for pointer fields, reused here so a zeroed
// epoch comparison never accidentally reads as "already deleted".
const sentinelEpoch = store.Sentinel

// Every WAL payload below carries the full resulting state of the field(s)
// it touches rather than a delta, so replaying it is idempotent: writing
// the same bytes at the same record offset twice has the same effect as
// writing them once. That is what lets Apply redo a committed
// transaction's entries unconditionally during recovery (spec.md §4.4)
// without first checking whether the mmap'd store already reflects them.

func encodeCreateNode(id, labelBits, createdEpoch uint64) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], id)
	binary.LittleEndian.PutUint64(buf[8:16], labelBits)
	binary.LittleEndian.PutUint64(buf[16:24], createdEpoch)
	return buf
}

func decodeCreateNode(p []byte) (id, labelBits, createdEpoch uint64) {
	return binary.LittleEndian.Uint64(p[0:8]), binary.LittleEndian.Uint64(p[8:16]), binary.LittleEndian.Uint64(p[16:24])
}

func encodeDeleteNode(id, deletedEpoch uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], id)
	binary.LittleEndian.PutUint64(buf[8:16], deletedEpoch)
	return buf
}

func decodeDeleteNode(p []byte) (id, deletedEpoch uint64) {
	return binary.LittleEndian.Uint64(p[0:8]), binary.LittleEndian.Uint64(p[8:16])
}

func encodeCreateRel(id, src, dst uint64, relType uint32, createdEpoch, prevSrcFirst, prevDstFirst uint64) []byte {
	buf := make([]byte, 52)
	binary.LittleEndian.PutUint64(buf[0:8], id)
	binary.LittleEndian.PutUint64(buf[8:16], src)
	binary.LittleEndian.PutUint64(buf[16:24], dst)
	binary.LittleEndian.PutUint32(buf[24:28], relType)
	binary.LittleEndian.PutUint64(buf[28:36], createdEpoch)
	binary.LittleEndian.PutUint64(buf[36:44], prevSrcFirst)
	binary.LittleEndian.PutUint64(buf[44:52], prevDstFirst)
	return buf
}

func decodeCreateRel(p []byte) (id, src, dst uint64, relType uint32, createdEpoch, prevSrcFirst, prevDstFirst uint64) {
	id = binary.LittleEndian.Uint64(p[0:8])
	src = binary.LittleEndian.Uint64(p[8:16])
	dst = binary.LittleEndian.Uint64(p[16:24])
	relType = binary.LittleEndian.Uint32(p[24:28])
	createdEpoch = binary.LittleEndian.Uint64(p[28:36])
	prevSrcFirst = binary.LittleEndian.Uint64(p[36:44])
	prevDstFirst = binary.LittleEndian.Uint64(p[44:52])
	return
}

func encodeDeleteRel(id, deletedEpoch uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], id)
	binary.LittleEndian.PutUint64(buf[8:16], deletedEpoch)
	return buf
}

func decodeDeleteRel(p []byte) (id, deletedEpoch uint64) {
	return binary.LittleEndian.Uint64(p[0:8]), binary.LittleEndian.Uint64(p[8:16])
}

func encodeSetProperty(owner ownerKind, ownerID, propID uint64, keyID uint32, valType store.ValueType, value, prevHead, createdEpoch uint64) []byte {
	buf := make([]byte, 46)
	buf[0] = byte(owner)
	binary.LittleEndian.PutUint64(buf[1:9], ownerID)
	binary.LittleEndian.PutUint64(buf[9:17], propID)
	binary.LittleEndian.PutUint32(buf[17:21], keyID)
	buf[21] = byte(valType)
	binary.LittleEndian.PutUint64(buf[22:30], value)
	binary.LittleEndian.PutUint64(buf[30:38], prevHead)
	binary.LittleEndian.PutUint64(buf[38:46], createdEpoch)
	return buf
}

func decodeSetProperty(p []byte) (owner ownerKind, ownerID, propID uint64, keyID uint32, valType store.ValueType, value, prevHead, createdEpoch uint64) {
	owner = ownerKind(p[0])
	ownerID = binary.LittleEndian.Uint64(p[1:9])
	propID = binary.LittleEndian.Uint64(p[9:17])
	keyID = binary.LittleEndian.Uint32(p[17:21])
	valType = store.ValueType(p[21])
	value = binary.LittleEndian.Uint64(p[22:30])
	prevHead = binary.LittleEndian.Uint64(p[30:38])
	createdEpoch = binary.LittleEndian.Uint64(p[38:46])
	return
}

func encodeDeleteProperty(owner ownerKind, propID, deletedEpoch uint64) []byte {
	buf := make([]byte, 17)
	buf[0] = byte(owner)
	binary.LittleEndian.PutUint64(buf[1:9], propID)
	binary.LittleEndian.PutUint64(buf[9:17], deletedEpoch)
	return buf
}

func decodeDeleteProperty(p []byte) (owner ownerKind, propID, deletedEpoch uint64) {
	return ownerKind(p[0]), binary.LittleEndian.Uint64(p[1:9]), binary.LittleEndian.Uint64(p[9:17])
}

func encodeLabelOp(nodeID uint64, labelID uint32) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf[0:8], nodeID)
	binary.LittleEndian.PutUint32(buf[8:12], labelID)
	return buf
}

func decodeLabelOp(p []byte) (nodeID uint64, labelID uint32) {
	return binary.LittleEndian.Uint64(p[0:8]), binary.LittleEndian.Uint32(p[8:12])
}

// Apply redoes one WAL entry belonging to a committed transaction onto the
// record stores, used by the engine during recovery (spec.md §4.4 step 4:
// "collect pending mutations until COMMIT, apply to stores/indexes").
// Entries belonging to transactions that never reached CommitTx before the
// crash are simply never passed here — wal.Replay drops them, and since no
// live structure ever pointed at their half-written ids, they stay
// unreachable garbage; nothing reclaims their record space.
func (g *Graph) Apply(e wal.Entry) error {
	switch e.Type {
	case wal.EntryCreateNode:
		id, labelBits, createdEpoch := decodeCreateNode(e.Payload)
		if err := g.Nodes.Write(&store.Node{ID: id, LabelBits: labelBits, FirstRel: store.Sentinel, PropPtr: store.Sentinel, CreatedEpoch: createdEpoch, DeletedEpoch: sentinelEpoch}); err != nil {
			return err
		}
		return g.Nodes.ReserveID(id)
	case wal.EntryDeleteNode:
		id, deletedEpoch := decodeDeleteNode(e.Payload)
		n, err := g.Nodes.Read(id)
		if err != nil {
			return err
		}
		n.DeletedEpoch = deletedEpoch
		return g.Nodes.Write(n)
	case wal.EntryCreateRel:
		id, src, dst, relType, createdEpoch, prevSrcFirst, prevDstFirst := decodeCreateRel(e.Payload)
		rec := &store.Rel{ID: id, Src: src, Dst: dst, Type: relType, NextSrc: prevSrcFirst, NextDst: prevDstFirst, PropPtr: store.Sentinel, CreatedEpoch: createdEpoch, DeletedEpoch: sentinelEpoch}
		if err := g.Rels.Write(rec); err != nil {
			return err
		}
		if err := g.Rels.ReserveID(id); err != nil {
			return err
		}
		srcNode, err := g.Nodes.Read(src)
		if err != nil {
			return err
		}
		srcNode.FirstRel = id
		if err := g.Nodes.Write(srcNode); err != nil {
			return err
		}
		if dst != src {
			dstNode, err := g.Nodes.Read(dst)
			if err != nil {
				return err
			}
			dstNode.FirstRel = id
			if err := g.Nodes.Write(dstNode); err != nil {
				return err
			}
		}
		return nil
	case wal.EntryDeleteRel:
		id, deletedEpoch := decodeDeleteRel(e.Payload)
		r, err := g.Rels.Read(id)
		if err != nil {
			return err
		}
		r.DeletedEpoch = deletedEpoch
		return g.Rels.Write(r)
	case wal.EntrySetProperty:
		owner, ownerID, propID, keyID, valType, value, prevHead, createdEpoch := decodeSetProperty(e.Payload)
		prop := &store.Property{ID: propID, KeyID: keyID, Type: valType, NextPtr: prevHead, Value: value, CreatedEpoch: createdEpoch, DeletedEpoch: sentinelEpoch}
		if err := g.Props.Write(prop); err != nil {
			return err
		}
		if err := g.Props.ReserveID(propID); err != nil {
			return err
		}
		if owner == ownerNode {
			n, err := g.Nodes.Read(ownerID)
			if err != nil {
				return err
			}
			n.PropPtr = propID
			return g.Nodes.Write(n)
		}
		r, err := g.Rels.Read(ownerID)
		if err != nil {
			return err
		}
		r.PropPtr = propID
		return g.Rels.Write(r)
	case wal.EntryDeleteProperty:
		_, propID, deletedEpoch := decodeDeleteProperty(e.Payload)
		p, err := g.Props.Read(propID)
		if err != nil {
			return err
		}
		p.DeletedEpoch = deletedEpoch
		return g.Props.Write(p)
	case wal.EntryAddLabel:
		nodeID, labelID := decodeLabelOp(e.Payload)
		n, err := g.Nodes.Read(nodeID)
		if err != nil {
			return err
		}
		n.LabelBits |= 1 << uint(labelID)
		return g.Nodes.Write(n)
	case wal.EntryRemoveLabel:
		nodeID, labelID := decodeLabelOp(e.Payload)
		n, err := g.Nodes.Read(nodeID)
		if err != nil {
			return err
		}
		n.LabelBits &^= 1 << uint(labelID)
		return g.Nodes.Write(n)
	default:
		return nexuserr.New(nexuserr.CodeWalCorrupt, "unexpected entry type %d in committed transaction", e.Type)
	}
}

// Recover replays every committed transaction's entries from a wal.Replay
// result onto the stores. Called once at engine startup, after WAL.Replay
// and before any reader or writer is admitted.
func (g *Graph) Recover(result wal.ReplayResult) error {
	for _, tx := range result.Committed {
		for _, e := range tx.Entries {
			if err := g.Apply(e); err != nil {
				return nexuserr.Wrap(nexuserr.CodeWalCorrupt, err, "replay tx %d", tx.TxID)
			}
		}
	}
	return nil
}
