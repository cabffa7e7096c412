// Package store implements the fixed-size mmap-backed node, relationship
// and property-chain record stores, the variable-size blob store, and the
// intrusive adjacency-list walk that binds relationships to their two
// endpoints. Every store is a flat arena file: record identity is a byte
// offset, never a heap pointer, so cycles and shared references are just
// integers (see DESIGN.md, "pointer graphs -> arena + indices").
package store

import (
	"fmt"
	"os"
	"sync"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/nexus-db/nexus/internal/nexuserr"
)

// initialFileSize is the size a store file is created at and the floor for
// every subsequent doubling.
const initialFileSize = 1 << 20 // 1 MiB

// maxFileSize bounds the practical growth ceiling (§4.2 "up to a practical
// cap"). 64 GiB is far beyond anything a single mmap-backed single-node
// engine is expected to address.
const maxFileSize = 64 << 30

// Sentinel is the "none" pointer value used by every next/prev/property
// pointer field in the fixed-size records.
const Sentinel = ^uint64(0)

// arenaFile is a growable mmap-backed file. All records within it are
// little-endian and 8-byte aligned (§4.2). Growth doubles capacity and is
// only safe while the caller holds the engine's exclusive writer seat,
// matching "remapping is safe under exclusive writer hold".
type arenaFile struct {
	mu   sync.RWMutex
	f    *os.File
	data mmap.MMap
	size int64 // mapped size in bytes
	path string
}

func openArena(path string) (*arenaFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "open store file %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "stat store file %s", path)
	}
	size := info.Size()
	if size == 0 {
		size = initialFileSize
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "truncate store file %s", path)
		}
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "mmap store file %s", path)
	}
	return &arenaFile{f: f, data: data, size: size, path: path}, nil
}

// ensure grows the arena (doubling) until it can address byte offset
// end-1. Must be called under the engine's writer seat.
func (a *arenaFile) ensure(end int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if end <= a.size {
		return nil
	}
	newSize := a.size
	for newSize < end {
		newSize *= 2
	}
	if newSize > maxFileSize {
		return nexuserr.New(nexuserr.CodeResourceExhausted, "store %s would exceed max size %d", a.path, maxFileSize)
	}
	if err := a.data.Unmap(); err != nil {
		return nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "unmap during growth of %s", a.path)
	}
	if err := a.f.Truncate(newSize); err != nil {
		return nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "truncate growth of %s", a.path)
	}
	data, err := mmap.Map(a.f, mmap.RDWR, 0)
	if err != nil {
		return nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "remap after growth of %s", a.path)
	}
	a.data = data
	a.size = newSize
	return nil
}

// readAt copies n bytes starting at offset into a fresh slice. Safe for
// concurrent readers; callers relying on a stable view across a growth must
// hold a page-cache pin (growth is exclusive-writer-only in practice).
func (a *arenaFile) readAt(offset int64, n int) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if offset < 0 || offset+int64(n) > a.size {
		return nil, nexuserr.New(nexuserr.CodeNotFound, "offset %d+%d out of range (size %d)", offset, n, a.size)
	}
	out := make([]byte, n)
	copy(out, a.data[offset:offset+int64(n)])
	return out, nil
}

// writeAt writes b at offset, growing the file first if necessary.
func (a *arenaFile) writeAt(offset int64, b []byte) error {
	if err := a.ensure(offset + int64(len(b))); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	copy(a.data[offset:offset+int64(len(b))], b)
	return nil
}

// Size returns the current mapped size.
func (a *arenaFile) Size() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.size
}

func (a *arenaFile) Sync() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.data.Flush(); err != nil {
		return nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "flush %s", a.path)
	}
	return nil
}

func (a *arenaFile) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.data.Unmap(); err != nil {
		return fmt.Errorf("unmap %s: %w", a.path, err)
	}
	return a.f.Close()
}
