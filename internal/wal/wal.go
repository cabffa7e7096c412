// Package wal implements the write-ahead log: append-only, CRC32'd entries,
// checkpoints, and crash recovery (spec.md §4.4).
//
// Record format: epoch(u64) | tx_id(u64) | type(u8) | length(u32) |
// payload(length) | crc32(u32), little-endian throughout, CRC32 computed
// over the tuple (epoch, tx_id, type, length, payload) exactly as named in
// §6.2 — the WAL and store.BlobStore use stdlib hash/crc32 rather than
// xxh3, because the spec names CRC32 specifically for these entries
// (see DESIGN.md).
package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/nexus-db/nexus/internal/nexuserr"
)

// EntryType enumerates every mutation kind the WAL can carry.
type EntryType uint8

const (
	EntryBeginTx EntryType = iota
	EntryCommitTx
	EntryAbortTx
	EntryCreateNode
	EntryDeleteNode
	EntryCreateRel
	EntryDeleteRel
	EntrySetProperty
	EntryDeleteProperty
	EntryAddLabel
	EntryRemoveLabel
	EntryCheckpoint
)

// Entry is one decoded WAL record.
type Entry struct {
	Epoch   uint64
	TxID    uint64
	Type    EntryType
	Payload []byte
}

const headerSize = 8 + 8 + 1 + 4 // epoch + tx_id + type + length

func (e *Entry) encode() []byte {
	buf := make([]byte, headerSize+len(e.Payload)+4)
	binary.LittleEndian.PutUint64(buf[0:8], e.Epoch)
	binary.LittleEndian.PutUint64(buf[8:16], e.TxID)
	buf[16] = byte(e.Type)
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(e.Payload)))
	copy(buf[21:21+len(e.Payload)], e.Payload)
	sum := crc32.ChecksumIEEE(buf[:21+len(e.Payload)])
	binary.LittleEndian.PutUint32(buf[21+len(e.Payload):], sum)
	return buf
}

// Log is an append-only WAL segment file. A single Log instance is driven
// exclusively by the writer seat (internal/txn.Manager); readers never
// touch it.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
	pos  int64 // byte offset of next append, i.e. current log length
	log  *slog.Logger
}

// Open opens (creating if absent) the active WAL segment at path for
// appending; existing contents are preserved for recovery to replay first.
func Open(path string, log *slog.Logger) (*Log, error) {
	if log == nil {
		log = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "open wal %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "stat wal %s", path)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "seek wal %s", path)
	}
	return &Log{path: path, f: f, w: bufio.NewWriter(f), pos: info.Size(), log: log}, nil
}

// Append writes one entry and returns its ending byte position (the log
// length after the write). It does not
// fsync; callers batch entries within a transaction and call Sync once,
// before the transaction's commit is acknowledged (§4.4's durability rule).
func (l *Log) Append(e Entry) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := e.encode()
	n, err := l.w.Write(buf)
	if err != nil {
		return 0, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "append wal entry")
	}
	l.pos += int64(n)
	return l.pos, nil
}

// Sync flushes buffered writes and fsyncs the file, making every entry
// appended so far durable. The transaction manager calls this once per
// commit, after the CommitTx entry, before acknowledging success (§4.4,
// §4.5 step 4, invariant 6).
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "flush wal buffer")
	}
	if err := l.f.Sync(); err != nil {
		return nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "fsync wal")
	}
	return nil
}

// Position returns the current append position (log length).
func (l *Log) Position() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pos
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}

// AppendCheckpoint writes a Checkpoint entry at (epoch, no tx) and syncs,
// then the caller is responsible for archiving/truncating the prefix
// before this position (§4.4 "Checkpoint").
func (l *Log) AppendCheckpoint(epoch uint64) (int64, error) {
	pos, err := l.Append(Entry{Epoch: epoch, TxID: 0, Type: EntryCheckpoint})
	if err != nil {
		return 0, err
	}
	if err := l.Sync(); err != nil {
		return 0, err
	}
	l.log.Info("wal checkpoint", "epoch", epoch, "position", pos)
	return pos, nil
}
