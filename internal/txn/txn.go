// Package txn implements the engine's epoch-based MVCC transaction manager:
// a single writer, many concurrent snapshot-pinned readers, and the
// visibility rule that ties record versions to epochs (spec.md §4.5).
package txn

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nexus-db/nexus/internal/nexuserr"
	"github.com/nexus-db/nexus/internal/wal"
)

// Snapshot pins a read epoch. Readers never block writers and are never
// blocked by them (§4.5 guarantees).
type Snapshot struct {
	Epoch uint64
}

// Visible implements the visibility rule of §4.5 and §3.2 invariant 5:
// a version is visible to snapshot S iff created_epoch <= S and
// (deleted_epoch is None or S < deleted_epoch).
func (s Snapshot) Visible(createdEpoch, deletedEpoch uint64) bool {
	const none = ^uint64(0)
	return createdEpoch <= s.Epoch && (deletedEpoch == none || s.Epoch < deletedEpoch)
}

// Tx is an in-flight write transaction. Only one Tx can exist at a time
// across the whole engine (the writer seat, §4.5/§5).
type Tx struct {
	ID      uuid.UUID
	TxSeq   uint64
	Epoch   uint64 // epoch this tx is writing INTO; becomes CreatedEpoch for new versions
	mgr     *Manager
	done    bool
	staged  []stagedVersion
}

type stagedVersion struct {
	rollback func()
}

// StageRollback registers a rollback closure for one staged mutation. Call
// order is LIFO on abort, mirroring how the stores themselves chain
// property versions (newest first).
func (t *Tx) StageRollback(fn func()) {
	t.staged = append(t.staged, stagedVersion{rollback: fn})
}

// Manager owns the epoch counter, the writer seat, and the set of pinned
// reader snapshots.
type Manager struct {
	mu           sync.Mutex
	writerSeat   chan struct{} // buffered(1): held token means seat is free
	epoch        uint64
	nextTxSeq    uint64
	activeReads  map[*Snapshot]struct{}
	log          *wal.Log
	logger       *slog.Logger
}

// NewManager constructs a Manager starting at startEpoch (typically the
// epoch recorded in the catalog's metadata table after recovery).
func NewManager(startEpoch uint64, log *wal.Log, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	seat := make(chan struct{}, 1)
	seat <- struct{}{}
	return &Manager{
		writerSeat:  seat,
		epoch:       startEpoch,
		activeReads: make(map[*Snapshot]struct{}),
		log:         log,
		logger:      logger,
	}
}

// CurrentEpoch returns the most recently committed epoch.
func (m *Manager) CurrentEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// BeginRead pins the current epoch into a new snapshot. Readers never block
// on the writer seat (§4.5, §5).
func (m *Manager) BeginRead() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := &Snapshot{Epoch: m.epoch}
	m.activeReads[snap] = struct{}{}
	return snap
}

// EndRead releases a pinned snapshot, making its epoch eligible for GC once
// no other active snapshot needs it.
func (m *Manager) EndRead(s *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.activeReads, s)
}

// BeginWrite blocks until the writer seat is free (or ctx is canceled),
// assigns a tx id, and records BeginTx in the WAL.
func (m *Manager) BeginWrite(ctx context.Context) (*Tx, error) {
	select {
	case <-m.writerSeat:
	case <-ctx.Done():
		return nil, nexuserr.Wrap(nexuserr.CodeCanceled, ctx.Err(), "begin_write canceled waiting for writer seat")
	}

	m.mu.Lock()
	m.nextTxSeq++
	seq := m.nextTxSeq
	epoch := m.epoch + 1
	m.mu.Unlock()

	tx := &Tx{ID: uuid.New(), TxSeq: seq, Epoch: epoch, mgr: m}
	if m.log != nil {
		if _, err := m.log.Append(wal.Entry{Epoch: epoch, TxID: seq, Type: wal.EntryBeginTx}); err != nil {
			m.writerSeat <- struct{}{}
			return nil, err
		}
	}
	return tx, nil
}

// Commit appends CommitTx, fsyncs the WAL (durability before acknowledging
// success, invariant 6), advances the epoch, and releases the writer seat.
func (m *Manager) Commit(tx *Tx) error {
	if tx.done {
		return nexuserr.New(nexuserr.CodeInternal, "commit called twice on tx %s", tx.ID)
	}
	if m.log != nil {
		if _, err := m.log.Append(wal.Entry{Epoch: tx.Epoch, TxID: tx.TxSeq, Type: wal.EntryCommitTx}); err != nil {
			return err
		}
		if err := m.log.Sync(); err != nil {
			return nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "fsync commit of tx %s", tx.ID)
		}
	}
	m.mu.Lock()
	m.epoch = tx.Epoch
	m.mu.Unlock()
	tx.done = true
	m.logger.Debug("tx committed", "tx_id", tx.ID, "epoch", tx.Epoch)
	m.writerSeat <- struct{}{}
	return nil
}

// Abort runs every staged rollback in LIFO order, appends AbortTx, and
// releases the writer seat. The post-state is whatever those rollbacks
// restore: graph.CreateNode's rollback, for one, leaves the allocated
// record in place marked deleted, so the stores are not byte-identical
// to the pre-state. The epoch counter is untouched: an aborted transaction
// never advances it.
func (m *Manager) Abort(tx *Tx) error {
	if tx.done {
		return nexuserr.New(nexuserr.CodeInternal, "abort called twice on tx %s", tx.ID)
	}
	for i := len(tx.staged) - 1; i >= 0; i-- {
		tx.staged[i].rollback()
	}
	if m.log != nil {
		if _, err := m.log.Append(wal.Entry{Epoch: tx.Epoch, TxID: tx.TxSeq, Type: wal.EntryAbortTx}); err != nil {
			m.writerSeat <- struct{}{}
			return err
		}
		if err := m.log.Sync(); err != nil {
			m.writerSeat <- struct{}{}
			return nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "fsync abort of tx %s", tx.ID)
		}
	}
	tx.done = true
	m.logger.Debug("tx aborted", "tx_id", tx.ID, "epoch", tx.Epoch)
	m.writerSeat <- struct{}{}
	return nil
}

// MinActiveEpoch returns the minimum epoch across currently pinned
// snapshots, or the current epoch if there are none. Versions with
// deleted_epoch strictly less than this value are physically reclaimable
// (§4.5 "Garbage collection").
func (m *Manager) MinActiveEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	min := m.epoch
	for s := range m.activeReads {
		if s.Epoch < min {
			min = s.Epoch
		}
	}
	return min
}

// ActiveSnapshotCount reports the number of pinned reader snapshots, one of
// the observable gauges in §6.5.
func (m *Manager) ActiveSnapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeReads)
}
