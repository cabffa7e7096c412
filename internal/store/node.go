package store

import (
	"encoding/binary"
	"sync"

	"github.com/nexus-db/nexus/internal/nexuserr"
)

// NodeRecordSize is the on-disk width of one node record.
//
// spec.md §4.2 describes a 32-byte record (label_bits|first_rel|prop_ptr|
// flags|reserved) with no room for the created_epoch/deleted_epoch fields
// invariant 5 and the node lifecycle (§3.3) require for MVCC visibility.
// Nexus widens the record to 48 bytes to carry both epochs inline, which is
// the only way a direct-offset O(1) read can answer "is this version
// visible to snapshot S" without a second indirection. This is recorded as
// a resolved Open Question in DESIGN.md rather than silently diverging.
const NodeRecordSize = 48

// NodeFlags bit layout within the 32-bit flags word.
const (
	NodeFlagDeleted uint32 = 1 << iota
	NodeFlagLocked
)

// Node is the in-memory decoding of one node record.
type Node struct {
	ID            uint64
	LabelBits     uint64
	FirstRel      uint64
	PropPtr       uint64
	CreatedEpoch  uint64
	DeletedEpoch  uint64 // Sentinel means "not deleted"
	Flags         uint32
}

func (n *Node) Deleted() bool { return n.Flags&NodeFlagDeleted != 0 }

func encodeNode(n *Node) []byte {
	buf := make([]byte, NodeRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], n.LabelBits)
	binary.LittleEndian.PutUint64(buf[8:16], n.FirstRel)
	binary.LittleEndian.PutUint64(buf[16:24], n.PropPtr)
	binary.LittleEndian.PutUint64(buf[24:32], n.CreatedEpoch)
	binary.LittleEndian.PutUint64(buf[32:40], n.DeletedEpoch)
	binary.LittleEndian.PutUint32(buf[40:44], n.Flags)
	return buf
}

func decodeNode(id uint64, buf []byte) *Node {
	return &Node{
		ID:           id,
		LabelBits:    binary.LittleEndian.Uint64(buf[0:8]),
		FirstRel:     binary.LittleEndian.Uint64(buf[8:16]),
		PropPtr:      binary.LittleEndian.Uint64(buf[16:24]),
		CreatedEpoch: binary.LittleEndian.Uint64(buf[24:32]),
		DeletedEpoch: binary.LittleEndian.Uint64(buf[32:40]),
		Flags:        binary.LittleEndian.Uint32(buf[40:44]),
	}
}

// nodeHeaderSize reserves the first 16 bytes of the arena for the
// persisted next-id counter (8 bytes, little-endian) plus 8 bytes of
// padding, the same layout BlobStore.tail uses for its free-offset
// counter. Record offsets are headerSize-relative: node_id N lives at
// nodeHeaderSize + N*NodeRecordSize, not N*NodeRecordSize directly, since
// §4.2's "node_id = offset / 32" formula has nowhere else to durably park
// the next-free-id counter a real restart needs (see DESIGN.md).
const nodeHeaderSize = 16

// NodeStore is the fixed-size mmap-backed arena for node records.
type NodeStore struct {
	arena *arenaFile

	mu     sync.Mutex
	nextID uint64
}

func OpenNodeStore(path string) (*NodeStore, error) {
	a, err := openArena(path)
	if err != nil {
		return nil, err
	}
	hdr, err := a.readAt(0, nodeHeaderSize)
	if err != nil {
		return nil, err
	}
	return &NodeStore{arena: a, nextID: binary.LittleEndian.Uint64(hdr[0:8])}, nil
}

func (s *NodeStore) Close() error { return s.arena.Close() }
func (s *NodeStore) Sync() error  { return s.arena.Sync() }

func nodeOffset(id uint64) int64 { return int64(nodeHeaderSize) + int64(id)*NodeRecordSize }

// Count returns the number of node ids ever allocated (live or not;
// deleted nodes still count, invariant 1 never reuses an id).
func (s *NodeStore) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

// Read performs an O(1) direct-offset read of node id.
func (s *NodeStore) Read(id uint64) (*Node, error) {
	buf, err := s.arena.readAt(nodeOffset(id), NodeRecordSize)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeNotFound, err, "read node %d", id)
	}
	return decodeNode(id, buf), nil
}

// Write performs an O(1) direct-offset write of node id, growing the arena
// if id falls past the current capacity.
func (s *NodeStore) Write(n *Node) error {
	return s.arena.writeAt(nodeOffset(n.ID), encodeNode(n))
}

// Allocate returns the next unused node id and durably persists the
// counter before returning it, so a crash right after Allocate never
// hands out the same id twice on restart (append-only; ids are never
// reused, invariant 1).
func (s *NodeStore) Allocate() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	if err := s.persistNextID(id + 1); err != nil {
		return 0, err
	}
	s.nextID = id + 1
	return id, nil
}

// ReserveID advances the next-id counter past id if necessary, so a
// record replayed at an explicit id (WAL recovery, which writes records
// directly rather than through Allocate) can never later collide with an
// id a fresh Allocate call hands out.
func (s *NodeStore) ReserveID(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id+1 <= s.nextID {
		return nil
	}
	if err := s.persistNextID(id + 1); err != nil {
		return err
	}
	s.nextID = id + 1
	return nil
}

func (s *NodeStore) persistNextID(next uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], next)
	return s.arena.writeAt(0, buf[:])
}
