package hnsw

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/nexus-db/nexus/internal/nexuserr"
)

func float32bits(f float32) uint32     { return math.Float32bits(f) }
func float32frombits(b uint32) float32 { return math.Float32frombits(b) }

// Save persists the index to <data-dir>/indexes/hnsw_<label>.bin (§6.1):
// the Header, the packed f32 vector array, the per-node level and
// adjacency lists, and the tombstone set. The (node_id -> vector_idx)
// btree mapping is not itself serialized; Load rebuilds it from the
// vector array, which is cheaper than encoding a second btree on disk.
func (ix *Index) Save(path string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "create hnsw file %s", path)
	}
	defer f.Close()

	hdr := Header{
		Version:        FormatVersion,
		Dimension:      uint32(ix.cfg.Dimension),
		M:              uint32(ix.cfg.M),
		EfConstruction: uint32(ix.cfg.EfConstruction),
		Metric:         ix.cfg.Metric,
		NodeCount:      uint32(len(ix.nodes)),
	}
	copy(hdr.Magic[:], Magic)

	buf := make([]byte, 8+4*5+4)
	copy(buf[0:8], hdr.Magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], hdr.Version)
	binary.LittleEndian.PutUint32(buf[12:16], hdr.Dimension)
	binary.LittleEndian.PutUint32(buf[16:20], hdr.M)
	binary.LittleEndian.PutUint32(buf[20:24], hdr.EfConstruction)
	buf[24] = byte(hdr.Metric)
	binary.LittleEndian.PutUint32(buf[25:29], hdr.NodeCount)
	if _, err := f.Write(buf); err != nil {
		return nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "write hnsw header %s", path)
	}

	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], uint32(ix.entry))
	if _, err := f.Write(scratch[:]); err != nil {
		return nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "write hnsw entry point %s", path)
	}

	for _, n := range ix.nodes {
		if err := writeNodeRecord(f, n, hdr.Dimension); err != nil {
			return nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "write hnsw node %s", path)
		}
	}
	return nil
}

func writeNodeRecord(f *os.File, n *node, dimension uint32) error {
	var head [8]byte
	binary.LittleEndian.PutUint64(head[:], n.nodeID)
	if _, err := f.Write(head[:]); err != nil {
		return err
	}
	var flags [2]byte
	flags[0] = boolByte(n.deleted)
	flags[1] = byte(n.level)
	if _, err := f.Write(flags[:]); err != nil {
		return err
	}
	vecBuf := make([]byte, 4*dimension)
	for i, v := range n.vec {
		binary.LittleEndian.PutUint32(vecBuf[i*4:i*4+4], float32bits(v))
	}
	if _, err := f.Write(vecBuf); err != nil {
		return err
	}
	for lvl := 0; lvl <= n.level; lvl++ {
		neigh := neighborsAt(n, lvl)
		var cnt [4]byte
		binary.LittleEndian.PutUint32(cnt[:], uint32(len(neigh)))
		if _, err := f.Write(cnt[:]); err != nil {
			return err
		}
		nb := make([]byte, 4*len(neigh))
		for i, id := range neigh {
			binary.LittleEndian.PutUint32(nb[i*4:i*4+4], uint32(id))
		}
		if _, err := f.Write(nb); err != nil {
			return err
		}
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Load reads a persisted index back from path. A missing file yields a
// fresh empty index for cfg rather than an error, mirroring bitmap.Load's
// "never built yet" case.
func Load(cfg Config, path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(cfg), nil
		}
		return nil, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "open hnsw file %s", path)
	}
	defer f.Close()

	hdrBuf := make([]byte, 8+4*5+4)
	if _, err := readFull(f, hdrBuf); err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "read hnsw header %s", path)
	}
	if string(hdrBuf[0:8]) != Magic {
		return nil, nexuserr.New(nexuserr.CodeWalCorrupt, "hnsw file %s has bad magic", path)
	}
	dimension := binary.LittleEndian.Uint32(hdrBuf[12:16])
	nodeCount := binary.LittleEndian.Uint32(hdrBuf[25:29])

	ix := New(cfg)

	var epBuf [4]byte
	if _, err := readFull(f, epBuf[:]); err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "read hnsw entry point %s", path)
	}
	ix.entry = int(int32(binary.LittleEndian.Uint32(epBuf[:])))

	ix.nodes = make([]*node, 0, nodeCount)
	for i := uint32(0); i < nodeCount; i++ {
		n, err := readNodeRecord(f, dimension)
		if err != nil {
			return nil, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "read hnsw node %s", path)
		}
		ix.nodes = append(ix.nodes, n)
		if n.deleted {
			ix.tombstoned++
		}
		ix.lookup.ReplaceOrInsert(idxEntry{nodeID: n.nodeID, idx: len(ix.nodes) - 1})
	}
	return ix, nil
}

func readNodeRecord(f *os.File, dimension uint32) (*node, error) {
	var head [8]byte
	if _, err := readFull(f, head[:]); err != nil {
		return nil, err
	}
	var flags [2]byte
	if _, err := readFull(f, flags[:]); err != nil {
		return nil, err
	}
	vecBuf := make([]byte, 4*dimension)
	if _, err := readFull(f, vecBuf); err != nil {
		return nil, err
	}
	vec := make([]float32, dimension)
	for i := range vec {
		vec[i] = float32frombits(binary.LittleEndian.Uint32(vecBuf[i*4 : i*4+4]))
	}
	level := int(flags[1])
	n := &node{
		nodeID:    binary.LittleEndian.Uint64(head[:]),
		vec:       vec,
		level:     level,
		deleted:   flags[0] == 1,
		neighbors: make([][]int, level+1),
	}
	for lvl := 0; lvl <= level; lvl++ {
		var cnt [4]byte
		if _, err := readFull(f, cnt[:]); err != nil {
			return nil, err
		}
		count := binary.LittleEndian.Uint32(cnt[:])
		nb := make([]byte, 4*count)
		if _, err := readFull(f, nb); err != nil {
			return nil, err
		}
		ids := make([]int, count)
		for i := range ids {
			ids[i] = int(binary.LittleEndian.Uint32(nb[i*4 : i*4+4]))
		}
		n.neighbors[lvl] = ids
	}
	return n, nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
