// Package graph materializes the fixed-size node/relationship/property
// records of internal/store into the dynamic internal/types.Value system
// RETURN rows are built from, and implements the transactional write
// operations of spec.md §4.2 (create_node, create_rel, delete_node,
// delete_rel, set_prop, remove_prop) on top of internal/txn's MVCC
// discipline and internal/wal's durability rule.
package graph

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/nexus-db/nexus/internal/nexuserr"
	"github.com/nexus-db/nexus/internal/store"
	"github.com/nexus-db/nexus/internal/types"
)

// encodeBlobValue serializes a composite types.Value (string, list, map,
// point, temporal) into the self-describing tagged format the blob store
// holds, reusing store.ValueType's tag byte so a blob can be decoded
// without any side-channel schema.
func encodeBlobValue(v types.Value) []byte {
	var buf []byte
	switch v.Kind() {
	case types.KindString:
		s := v.AsString()
		buf = make([]byte, 1+len(s))
		buf[0] = byte(store.TypeString)
		copy(buf[1:], s)
	case types.KindBlob:
		b := v.AsBlob()
		buf = make([]byte, 1+len(b))
		buf[0] = byte(store.TypeBlob)
		copy(buf[1:], b)
	case types.KindList:
		buf = append(buf, byte(store.TypeList))
		items := v.AsList()
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(items)))
		buf = append(buf, n[:]...)
		for _, it := range items {
			enc := encodeBlobValue(it)
			var l [4]byte
			binary.LittleEndian.PutUint32(l[:], uint32(len(enc)))
			buf = append(buf, l[:]...)
			buf = append(buf, enc...)
		}
	case types.KindMap:
		buf = append(buf, byte(store.TypeMap))
		m := v.AsMap()
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(m)))
		buf = append(buf, n[:]...)
		for k, mv := range m {
			var kl [4]byte
			binary.LittleEndian.PutUint32(kl[:], uint32(len(k)))
			buf = append(buf, kl[:]...)
			buf = append(buf, k...)
			enc := encodeBlobValue(mv)
			var l [4]byte
			binary.LittleEndian.PutUint32(l[:], uint32(len(enc)))
			buf = append(buf, l[:]...)
			buf = append(buf, enc...)
		}
	case types.KindPoint:
		p := *v.AsPoint()
		buf = make([]byte, 1+8+8+8+1+4)
		buf[0] = byte(store.TypePoint)
		binary.LittleEndian.PutUint64(buf[1:9], math.Float64bits(p.X))
		binary.LittleEndian.PutUint64(buf[9:17], math.Float64bits(p.Y))
		binary.LittleEndian.PutUint64(buf[17:25], math.Float64bits(p.Z))
		if p.Is3D {
			buf[25] = 1
		}
		binary.LittleEndian.PutUint32(buf[26:30], uint32(p.SRID))
	case types.KindTemporal:
		tm := *v.AsTemporal()
		enc, _ := tm.T.MarshalBinary()
		buf = make([]byte, 1+1+8+4+len(enc))
		buf[0] = byte(store.TypeTemporal)
		buf[1] = byte(tm.Kind)
		binary.LittleEndian.PutUint64(buf[2:10], uint64(tm.D))
		binary.LittleEndian.PutUint32(buf[10:14], uint32(len(enc)))
		copy(buf[14:], enc)
	default:
		buf = []byte{byte(store.TypeNull)}
	}
	return buf
}

func decodeBlobValue(buf []byte) (types.Value, error) {
	if len(buf) == 0 {
		return types.Null, nexuserr.New(nexuserr.CodeInvariantViolation, "empty blob value")
	}
	tag := store.ValueType(buf[0])
	body := buf[1:]
	switch tag {
	case store.TypeString:
		return types.Str(string(body)), nil
	case store.TypeBlob:
		return types.BlobVal(append([]byte{}, body...)), nil
	case store.TypeList:
		n := binary.LittleEndian.Uint32(body[0:4])
		off := 4
		items := make([]types.Value, 0, n)
		for i := uint32(0); i < n; i++ {
			l := binary.LittleEndian.Uint32(body[off : off+4])
			off += 4
			v, err := decodeBlobValue(body[off : off+int(l)])
			if err != nil {
				return types.Null, err
			}
			items = append(items, v)
			off += int(l)
		}
		return types.List(items), nil
	case store.TypeMap:
		n := binary.LittleEndian.Uint32(body[0:4])
		off := 4
		m := make(map[string]types.Value, n)
		for i := uint32(0); i < n; i++ {
			kl := binary.LittleEndian.Uint32(body[off : off+4])
			off += 4
			k := string(body[off : off+int(kl)])
			off += int(kl)
			l := binary.LittleEndian.Uint32(body[off : off+4])
			off += 4
			v, err := decodeBlobValue(body[off : off+int(l)])
			if err != nil {
				return types.Null, err
			}
			m[k] = v
			off += int(l)
		}
		return types.Map(m), nil
	case store.TypePoint:
		x := math.Float64frombits(binary.LittleEndian.Uint64(body[0:8]))
		y := math.Float64frombits(binary.LittleEndian.Uint64(body[8:16]))
		z := math.Float64frombits(binary.LittleEndian.Uint64(body[16:24]))
		is3D := body[24] == 1
		srid := int(binary.LittleEndian.Uint32(body[25:29]))
		return types.PointVal(types.Point{X: x, Y: y, Z: z, Is3D: is3D, SRID: srid}), nil
	case store.TypeTemporal:
		kind := types.TemporalKind(body[0])
		dur := int64(binary.LittleEndian.Uint64(body[1:9]))
		l := binary.LittleEndian.Uint32(body[9:13])
		tm := types.Temporal{Kind: kind, D: time.Duration(dur)}
		if l > 0 {
			var parsed time.Time
			if err := parsed.UnmarshalBinary(body[13 : 13+l]); err != nil {
				return types.Null, nexuserr.Wrap(nexuserr.CodeInvariantViolation, err, "decode temporal")
			}
			tm.T = parsed
		}
		return types.TemporalVal(tm), nil
	case store.TypeNull:
		return types.Null, nil
	default:
		return types.Null, nexuserr.New(nexuserr.CodeInvariantViolation, "unknown blob value tag %d", tag)
	}
}
