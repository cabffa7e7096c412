// Package catalog implements the engine's persistent name<->id maps for
// labels, relationship types, and property keys, plus the process-wide
// statistics and metadata tables described in nexus' storage contract.
//
// The catalog is backed by a single bbolt database file (an embedded,
// crash-safe, mmap'd B+Tree key/value store) so that interning a name and
// its reverse mapping commit atomically in one bbolt transaction — a crash
// can never leave a one-directional mapping, satisfying invariant 8.
package catalog

import (
	"encoding/binary"
	"log/slog"

	"go.etcd.io/bbolt"

	"github.com/nexus-db/nexus/internal/nexuserr"
)

// Kind distinguishes the three catalog namespaces. Each kind has its own
// forward (name->id) and reverse (id->name) bucket plus a monotonic
// "next id" counter bucket entry.
type Kind uint8

const (
	KindLabel Kind = iota
	KindRelType
	KindPropertyKey
)

func (k Kind) String() string {
	switch k {
	case KindLabel:
		return "label"
	case KindRelType:
		return "reltype"
	case KindPropertyKey:
		return "propkey"
	default:
		return "unknown"
	}
}

// MaxLabels is the bitmap budget: a node's label_bits is a 64-bit word, so
// at most 64 distinct labels can exist in one database (§4.2 of the engine
// contract).
const MaxLabels = 64

var (
	bucketForward = map[Kind][]byte{
		KindLabel:       []byte("labels_fwd"),
		KindRelType:     []byte("reltypes_fwd"),
		KindPropertyKey: []byte("propkeys_fwd"),
	}
	bucketReverse = map[Kind][]byte{
		KindLabel:       []byte("labels_rev"),
		KindRelType:     []byte("reltypes_rev"),
		KindPropertyKey: []byte("propkeys_rev"),
	}
	bucketCounters = []byte("counters")
	bucketStats    = []byte("stats")
	bucketMeta     = []byte("meta")
)

// Catalog is the engine's name<->id authority. All methods are safe for
// concurrent use; bbolt itself serializes writers and allows concurrent
// readers.
type Catalog struct {
	db  *bbolt.DB
	log *slog.Logger
}

// Open opens (creating if absent) the catalog database at path and verifies
// that every forward mapping has a matching reverse mapping, refusing to
// start otherwise (CatalogCorrupt, invariant 8).
func Open(path string, log *slog.Logger) (*Catalog, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "open catalog %s", path)
	}
	c := &Catalog{db: db, log: log}
	if err := c.init(); err != nil {
		db.Close()
		return nil, err
	}
	if err := c.verifyConsistency(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) init() error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketCounters, bucketStats, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		for k := range bucketForward {
			if _, err := tx.CreateBucketIfNotExists(bucketForward[k]); err != nil {
				return err
			}
			if _, err := tx.CreateBucketIfNotExists(bucketReverse[k]); err != nil {
				return err
			}
		}
		return nil
	})
}

// verifyConsistency walks every forward mapping and confirms a matching
// reverse entry exists, and vice versa. A mismatch means the engine refuses
// to start (CatalogCorrupt).
func (c *Catalog) verifyConsistency() error {
	return c.db.View(func(tx *bbolt.Tx) error {
		for k, fwdName := range bucketForward {
			fwd := tx.Bucket(fwdName)
			rev := tx.Bucket(bucketReverse[k])
			mismatch := 0
			_ = fwd.ForEach(func(name, idBytes []byte) error {
				if got := rev.Get(idBytes); got == nil || string(got) != string(name) {
					mismatch++
				}
				return nil
			})
			_ = rev.ForEach(func(idBytes, name []byte) error {
				if got := fwd.Get(name); got == nil || string(got) != string(idBytes) {
					mismatch++
				}
				return nil
			})
			if mismatch > 0 {
				return nexuserr.New(nexuserr.CodeCatalogCorrupt,
					"%d %s mapping(s) without a matching entry in the other direction", mismatch, k)
			}
		}
		return nil
	})
}

// Close closes the underlying catalog file.
func (c *Catalog) Close() error { return c.db.Close() }

// Intern returns the id for name under kind, creating and persisting a new
// one if name is unseen. Intern is idempotent: concurrent callers interning
// the same name observe the same id because bbolt serializes writers.
func (c *Catalog) Intern(kind Kind, name string) (uint32, error) {
	var id uint32
	err := c.db.Update(func(tx *bbolt.Tx) error {
		fwd := tx.Bucket(bucketForward[kind])
		if existing := fwd.Get([]byte(name)); existing != nil {
			id = binary.BigEndian.Uint32(existing)
			return nil
		}
		if kind == KindLabel {
			n, err := labelCount(tx)
			if err != nil {
				return err
			}
			if n >= MaxLabels {
				return nexuserr.New(nexuserr.CodeTooManyLabels,
					"cannot intern label %q: %d labels already defined (max %d)", name, n, MaxLabels)
			}
		}
		next, err := nextID(tx, kind)
		if err != nil {
			return err
		}
		var idBuf [4]byte
		binary.BigEndian.PutUint32(idBuf[:], next)
		if err := fwd.Put([]byte(name), idBuf[:]); err != nil {
			return err
		}
		rev := tx.Bucket(bucketReverse[kind])
		if err := rev.Put(idBuf[:], []byte(name)); err != nil {
			return err
		}
		id = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.log.Debug("catalog intern", "kind", kind.String(), "name", name, "id", id)
	return id, nil
}

func labelCount(tx *bbolt.Tx) (int, error) {
	n := 0
	err := tx.Bucket(bucketForward[KindLabel]).ForEach(func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

func nextID(tx *bbolt.Tx, kind Kind) (uint32, error) {
	b := tx.Bucket(bucketCounters)
	key := []byte(kind.String())
	cur := uint32(0)
	if v := b.Get(key); v != nil {
		cur = binary.BigEndian.Uint32(v)
	}
	next := cur + 1
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], next)
	return next, b.Put(key, buf[:])
}

// Name resolves id back to its interned name under kind.
func (c *Catalog) Name(kind Kind, id uint32) (string, error) {
	var name string
	err := c.db.View(func(tx *bbolt.Tx) error {
		var key [4]byte
		binary.BigEndian.PutUint32(key[:], id)
		v := tx.Bucket(bucketReverse[kind]).Get(key[:])
		if v == nil {
			return nexuserr.New(nexuserr.CodeNotFound, "no %s with id %d", kind, id)
		}
		name = string(v)
		return nil
	})
	return name, err
}

// ID looks up the id for an already-interned name without creating one.
func (c *Catalog) ID(kind Kind, name string) (uint32, bool, error) {
	var id uint32
	var ok bool
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketForward[kind]).Get([]byte(name))
		if v == nil {
			return nil
		}
		ok = true
		id = binary.BigEndian.Uint32(v)
		return nil
	})
	return id, ok, err
}

// SetStat persists a named statistic (per-label count, per-type count,
// average degree, distinct-value counts, etc.) as a little-endian uint64.
func (c *Catalog) SetStat(key string, value uint64) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], value)
		return tx.Bucket(bucketStats).Put([]byte(key), buf[:])
	})
}

// GetStat reads a statistic previously written with SetStat; ok is false if
// it was never set.
func (c *Catalog) GetStat(key string) (value uint64, ok bool, err error) {
	err = c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketStats).Get([]byte(key))
		if v == nil {
			return nil
		}
		ok = true
		value = binary.LittleEndian.Uint64(v)
		return nil
	})
	return value, ok, err
}

// Metadata is the engine-wide persisted metadata table: format version,
// current epoch (mirrored here for crash-restart bootstrap; txn.Manager is
// the live source of truth while running), and page size.
type Metadata struct {
	FormatVersion uint32
	CurrentEpoch  uint64
	PageSizeBytes uint32
}

const (
	metaFormatVersion = "format_version"
	metaCurrentEpoch  = "current_epoch"
	metaPageSize      = "page_size_bytes"
)

// Metadata reads the persisted metadata table, defaulting fields that have
// never been written.
func (c *Catalog) Metadata() (Metadata, error) {
	var m Metadata
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		m.FormatVersion = readU32(b, metaFormatVersion, 1)
		m.CurrentEpoch = readU64(b, metaCurrentEpoch, 0)
		m.PageSizeBytes = readU32(b, metaPageSize, 8192)
		return nil
	})
	return m, err
}

// SetMetadata persists m in full.
func (c *Catalog) SetMetadata(m Metadata) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		writeU32(b, metaFormatVersion, m.FormatVersion)
		writeU64(b, metaCurrentEpoch, m.CurrentEpoch)
		return writeU32Err(b, metaPageSize, m.PageSizeBytes)
	})
}

func readU32(b *bbolt.Bucket, key string, def uint32) uint32 {
	v := b.Get([]byte(key))
	if v == nil {
		return def
	}
	return binary.LittleEndian.Uint32(v)
}

func readU64(b *bbolt.Bucket, key string, def uint64) uint64 {
	v := b.Get([]byte(key))
	if v == nil {
		return def
	}
	return binary.LittleEndian.Uint64(v)
}

func writeU32(b *bbolt.Bucket, key string, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_ = b.Put([]byte(key), buf[:])
}

func writeU32Err(b *bbolt.Bucket, key string, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return b.Put([]byte(key), buf[:])
}

func writeU64(b *bbolt.Bucket, key string, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_ = b.Put([]byte(key), buf[:])
}

// AdvanceEpoch persists a new current epoch, called by txn.Manager on every
// commit so that recovery can pick up the right starting point.
func (c *Catalog) AdvanceEpoch(epoch uint64) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		writeU64(b, metaCurrentEpoch, epoch)
		return nil
	})
}
