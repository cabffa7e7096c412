package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"log/slog"
	"os"

	"github.com/nexus-db/nexus/internal/nexuserr"
)

// Replayer scans a WAL file from the beginning (or from a checkpoint
// position), validating entry CRCs and stopping at the first torn or
// corrupt entry rather than failing the whole recovery (§4.4 "Recovery").
type Replayer struct {
	r   *bufio.Reader
	log *slog.Logger
}

// OpenForReplay opens path read-only for a forward recovery scan starting
// at byte offset `from` (0, or just past the most recent checkpoint).
func OpenForReplay(path string, from int64, log *slog.Logger) (*Replayer, func() error, error) {
	if log == nil {
		log = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Replayer{r: bufio.NewReader(bytes.NewReader(nil)), log: log}, func() error { return nil }, nil
		}
		return nil, nil, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "open wal for replay %s", path)
	}
	if _, err := f.Seek(from, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "seek wal replay start")
	}
	return &Replayer{r: bufio.NewReader(f), log: log}, f.Close, nil
}

// Next reads and validates one entry. It returns (nil, false, nil) at a
// clean EOF, and (nil, false, err) is never used for a torn tail: a torn or
// corrupt entry is reported via TornTail (returned as ok=false, err=nil)
// so callers can distinguish "nothing more to replay" from "stop, this is
// where an in-progress write was cut short" without treating either as a
// hard failure before the first committed entry (§4.4, invariant/edge case
// "torn-tail WAL recovery truncates").
func (rp *Replayer) Next() (entry Entry, ok bool, tornTail bool, err error) {
	var hdr [headerSize]byte
	n, rerr := io.ReadFull(rp.r, hdr[:])
	if rerr == io.EOF && n == 0 {
		return Entry{}, false, false, nil
	}
	if rerr != nil {
		return Entry{}, false, true, nil
	}
	length := binary.LittleEndian.Uint32(hdr[17:21])
	payload := make([]byte, length)
	if _, rerr := io.ReadFull(rp.r, payload); rerr != nil {
		return Entry{}, false, true, nil
	}
	var crcBuf [4]byte
	if _, rerr := io.ReadFull(rp.r, crcBuf[:]); rerr != nil {
		return Entry{}, false, true, nil
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])

	full := make([]byte, headerSize+len(payload))
	copy(full, hdr[:])
	copy(full[headerSize:], payload)
	if gotCRC := crc32.ChecksumIEEE(full); gotCRC != wantCRC {
		return Entry{}, false, true, nil
	}

	e := Entry{
		Epoch:   binary.LittleEndian.Uint64(hdr[0:8]),
		TxID:    binary.LittleEndian.Uint64(hdr[8:16]),
		Type:    EntryType(hdr[16]),
		Payload: payload,
	}
	return e, true, false, nil
}

// PendingTx accumulates the mutation entries of one not-yet-resolved
// transaction during replay.
type PendingTx struct {
	TxID    uint64
	Entries []Entry
}

// ReplayResult is the outcome of a full forward scan: committed
// transactions (in commit order) ready to be re-applied, and whether the
// scan stopped early due to a torn tail.
type ReplayResult struct {
	Committed []PendingTx
	TornTail  bool
}

// Replay performs the full forward-scan algorithm of §4.4 step 2-4: collect
// per-tx_id pending mutations until COMMIT (apply) or ABORT/EOF (discard),
// stopping at the first CRC failure.
func Replay(path string, from int64, log *slog.Logger) (ReplayResult, error) {
	rp, closeFn, err := OpenForReplay(path, from, log)
	if err != nil {
		return ReplayResult{}, err
	}
	defer closeFn()

	pending := make(map[uint64][]Entry)
	var result ReplayResult

	for {
		e, ok, torn, err := rp.Next()
		if err != nil {
			return result, err
		}
		if torn {
			result.TornTail = true
			break
		}
		if !ok {
			break
		}
		switch e.Type {
		case EntryBeginTx:
			pending[e.TxID] = nil
		case EntryCommitTx:
			result.Committed = append(result.Committed, PendingTx{TxID: e.TxID, Entries: pending[e.TxID]})
			delete(pending, e.TxID)
		case EntryAbortTx:
			delete(pending, e.TxID)
		case EntryCheckpoint:
			// Checkpoint markers carry no per-tx mutation state.
		default:
			pending[e.TxID] = append(pending[e.TxID], e)
		}
	}
	return result, nil
}
