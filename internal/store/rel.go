package store

import (
	"encoding/binary"
	"sync"

	"github.com/nexus-db/nexus/internal/nexuserr"
)

// RelRecordSize mirrors the NodeRecordSize widening: spec.md §4.2's 48-byte
// layout (src|dst|type|pad|next_src|next_dst|prop_ptr) grows to 64 bytes to
// carry created_epoch/deleted_epoch inline for MVCC visibility (see
// DESIGN.md and the note on NodeRecordSize).
const RelRecordSize = 64

const (
	RelFlagDeleted uint32 = 1 << iota
)

// Rel is the in-memory decoding of one relationship record.
type Rel struct {
	ID           uint64
	Src          uint64
	Dst          uint64
	Type         uint32
	Flags        uint32
	NextSrc      uint64 // next relationship in src's adjacency list
	NextDst      uint64 // next relationship in dst's adjacency list
	PropPtr      uint64
	CreatedEpoch uint64
	DeletedEpoch uint64
}

func (r *Rel) Deleted() bool { return r.Flags&RelFlagDeleted != 0 }

func encodeRel(r *Rel) []byte {
	buf := make([]byte, RelRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.Src)
	binary.LittleEndian.PutUint64(buf[8:16], r.Dst)
	binary.LittleEndian.PutUint32(buf[16:20], r.Type)
	binary.LittleEndian.PutUint32(buf[20:24], r.Flags)
	binary.LittleEndian.PutUint64(buf[24:32], r.NextSrc)
	binary.LittleEndian.PutUint64(buf[32:40], r.NextDst)
	binary.LittleEndian.PutUint64(buf[40:48], r.PropPtr)
	binary.LittleEndian.PutUint64(buf[48:56], r.CreatedEpoch)
	binary.LittleEndian.PutUint64(buf[56:64], r.DeletedEpoch)
	return buf
}

func decodeRel(id uint64, buf []byte) *Rel {
	return &Rel{
		ID:           id,
		Src:          binary.LittleEndian.Uint64(buf[0:8]),
		Dst:          binary.LittleEndian.Uint64(buf[8:16]),
		Type:         binary.LittleEndian.Uint32(buf[16:20]),
		Flags:        binary.LittleEndian.Uint32(buf[20:24]),
		NextSrc:      binary.LittleEndian.Uint64(buf[24:32]),
		NextDst:      binary.LittleEndian.Uint64(buf[32:40]),
		PropPtr:      binary.LittleEndian.Uint64(buf[40:48]),
		CreatedEpoch: binary.LittleEndian.Uint64(buf[48:56]),
		DeletedEpoch: binary.LittleEndian.Uint64(buf[56:64]),
	}
}

// relHeaderSize mirrors nodeHeaderSize: the first 16 bytes of the arena
// hold the persisted next-id counter rather than a relationship record
// (see DESIGN.md and the note on nodeHeaderSize).
const relHeaderSize = 16

// RelStore is the fixed-size mmap-backed arena for relationship records.
type RelStore struct {
	arena *arenaFile

	mu     sync.Mutex
	nextID uint64
}

func OpenRelStore(path string) (*RelStore, error) {
	a, err := openArena(path)
	if err != nil {
		return nil, err
	}
	hdr, err := a.readAt(0, relHeaderSize)
	if err != nil {
		return nil, err
	}
	return &RelStore{arena: a, nextID: binary.LittleEndian.Uint64(hdr[0:8])}, nil
}

func (s *RelStore) Close() error { return s.arena.Close() }
func (s *RelStore) Sync() error  { return s.arena.Sync() }

func relOffset(id uint64) int64 { return int64(relHeaderSize) + int64(id)*RelRecordSize }

// Count returns the number of relationship ids ever allocated.
func (s *RelStore) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

func (s *RelStore) Read(id uint64) (*Rel, error) {
	buf, err := s.arena.readAt(relOffset(id), RelRecordSize)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeNotFound, err, "read rel %d", id)
	}
	return decodeRel(id, buf), nil
}

func (s *RelStore) Write(r *Rel) error {
	return s.arena.writeAt(relOffset(r.ID), encodeRel(r))
}

// Allocate returns the next unused relationship id, durably persisting the
// counter first so a crash right after Allocate never hands out the same
// id twice on restart.
func (s *RelStore) Allocate() (uint64, error) {
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
func (s *RelStore) ReserveID(id uint64) error {
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

func (s *RelStore) persistNextID(next uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], next)
	return s.arena.writeAt(0, buf[:])
}

// Direction names which endpoint's adjacency list to walk.
type Direction int

const (
	DirOutgoing Direction = iota
	DirIncoming
	DirBoth
)

// Neighbors walks node's adjacency list starting at firstRel, yielding each
// live relationship that matches dir (and, if non-empty, one of typeFilter)
// exactly once — O(degree) per §4.2's contract summary. The walk inspects
// each record and follows next_src when src==node, next_dst when dst==node,
// which is how a single doubly-linked list serves both endpoints without
// per-node separate lists (§4.2).
func (s *RelStore) Neighbors(node uint64, firstRel uint64, dir Direction, typeFilter map[uint32]bool, visible func(created, deleted uint64) bool) ([]*Rel, error) {
	var out []*Rel
	seen := make(map[uint64]bool)
	cur := firstRel
	steps := uint64(0)
	limit := s.Count() + 1
	for cur != Sentinel {
		steps++
		if steps > limit {
			return nil, nexuserr.New(nexuserr.CodeInvariantViolation, "adjacency list of node %d does not terminate (cycle or corruption)", node)
		}
		r, err := s.Read(cur)
		if err != nil {
			return nil, nexuserr.Wrap(nexuserr.CodeInvariantViolation, err, "adjacency list of node %d references missing rel %d", node, cur)
		}
		isSrc := r.Src == node
		isDst := r.Dst == node
		if !isSrc && !isDst {
			return nil, nexuserr.New(nexuserr.CodeInvariantViolation, "rel %d in adjacency list of node %d matches neither endpoint", cur, node)
		}
		include := !seen[cur] && visible(r.CreatedEpoch, r.DeletedEpoch) &&
			(len(typeFilter) == 0 || typeFilter[r.Type]) &&
			directionMatches(dir, isSrc, isDst)
		if include {
			seen[cur] = true
			out = append(out, r)
		}
		if isSrc {
			cur = r.NextSrc
		} else {
			cur = r.NextDst
		}
	}
	return out, nil
}

func directionMatches(dir Direction, isSrc, isDst bool) bool {
	switch dir {
	case DirOutgoing:
		return isSrc
	case DirIncoming:
		return isDst
	default:
		return true
	}
}

// LinkHead prepares r for O(1) insertion at the head of a node's adjacency
// list (§4.2) by pointing r's next_src (isSrcEnd) or next_dst field at
// existingFirst; newRel is not used. It returns nothing: the caller makes
// the relationship's id the node's new first_rel and persists both records
// under the writer seat.
func LinkHead(existingFirst uint64, newRel uint64, isSrcEnd bool, r *Rel) {
	if isSrcEnd {
		r.NextSrc = existingFirst
	} else {
		r.NextDst = existingFirst
	}
}

// Unlink splices rel out of node's adjacency list, returning the updated
// first_rel pointer for node. It must be called once per endpoint (src and
// dst each maintain their own head pointer and next_* field even though
// both fields live in the same record, invariant 2).
func (s *RelStore) Unlink(node uint64, firstRel uint64, relID uint64) (uint64, error) {
	if firstRel == Sentinel {
		return Sentinel, nexuserr.New(nexuserr.CodeInvariantViolation, "unlink from empty adjacency list")
	}
	var prev *Rel
	cur := firstRel
	for cur != Sentinel {
		r, err := s.Read(cur)
		if err != nil {
			return Sentinel, err
		}
		isSrc := r.Src == node
		next := r.NextDst
		if isSrc {
			next = r.NextSrc
		}
		if cur == relID {
			if prev == nil {
				return next, nil
			}
			if prev.Src == node {
				prev.NextSrc = next
			} else {
				prev.NextDst = next
			}
			if err := s.Write(prev); err != nil {
				return Sentinel, err
			}
			return firstRel, nil
		}
		prev = r
		cur = next
	}
	return Sentinel, nexuserr.New(nexuserr.CodeInvariantViolation, "rel %d not found in adjacency list of node %d", relID, node)
}
