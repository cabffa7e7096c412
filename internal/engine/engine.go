// Package engine wires the storage substrate, transaction manager, index
// layer, and query executor into the single host interface spec.md §5
// describes: open/close/execute/begin_transaction/commit/abort/stats/
// health/register_procedure. It owns the data directory lock, WAL
// recovery, and the background GC/checkpoint tickers.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/nexus-db/nexus/internal/catalog"
	"github.com/nexus-db/nexus/internal/config"
	"github.com/nexus-db/nexus/internal/executor"
	"github.com/nexus-db/nexus/internal/graph"
	"github.com/nexus-db/nexus/internal/index/bitmap"
	"github.com/nexus-db/nexus/internal/index/btreeidx"
	"github.com/nexus-db/nexus/internal/index/hnsw"
	"github.com/nexus-db/nexus/internal/lockfile"
	"github.com/nexus-db/nexus/internal/nexuserr"
	"github.com/nexus-db/nexus/internal/pagecache"
	"github.com/nexus-db/nexus/internal/procedures"
	"github.com/nexus-db/nexus/internal/query"
	"github.com/nexus-db/nexus/internal/store"
	"github.com/nexus-db/nexus/internal/telemetry"
	"github.com/nexus-db/nexus/internal/txn"
	"github.com/nexus-db/nexus/internal/types"
	"github.com/nexus-db/nexus/internal/wal"
)

// QueryHandle describes one in-flight query, the unit SHOW QUERIES lists
// and TERMINATE QUERY cancels (spec.md §4.8 admin procedures).
type QueryHandle struct {
	ID        uuid.UUID
	Cypher    string
	StartedAt time.Time
	cancel    context.CancelFunc
}

// Stats is the §6.5 observable counter/gauge set.
type Stats struct {
	CurrentEpoch    uint64
	ActiveReaders   int
	NodeCount       uint64
	RelCount        uint64
	PropCount       uint64
	InFlightQueries int
}

// Health is a snapshot of engine liveness for the health() call (§6.5 plus
// the completeness addendum: page-cache stats, WAL size, read-only state).
type Health struct {
	ReadOnly       bool
	WalSizeBytes   int64
	CacheFrames    int
	CacheCapacity  int
	CacheDirty     int
}

// Engine is the single embeddable host-interface implementation.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger
	lock   *lockfile.Lock

	nodes *store.NodeStore
	rels  *store.RelStore
	props *store.PropStore
	blobs *store.BlobStore
	cat   *catalog.Catalog
	wal   *wal.Log
	cache *pagecache.Cache

	graph *graph.Graph
	txns  *txn.Manager
	tel   *telemetry.Telemetry

	mu        sync.Mutex
	procs     map[string]executor.Procedure
	queries   map[uuid.UUID]*QueryHandle
	readOnly  bool
	closed    bool

	stopBackground chan struct{}
	bgWG           sync.WaitGroup
}

func indexDir(dataDir string) string { return filepath.Join(dataDir, "indexes") }

// Open acquires the data-directory lock, opens or creates every store
// file, replays the WAL, rebuilds/loads the label bitmaps and HNSW
// indexes, and starts the background GC and checkpoint tickers (spec.md
// §4.4 "recovery" and §4.5 "garbage collection").
func Open(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "create data dir %s", cfg.DataDir)
	}
	if err := os.MkdirAll(indexDir(cfg.DataDir), 0o755); err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeStoreIoError, err, "create index dir")
	}

	lock, err := lockfile.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:            cfg,
		logger:         logger,
		lock:           lock,
		procs:          map[string]executor.Procedure{},
		queries:        map[uuid.UUID]*QueryHandle{},
		stopBackground: make(chan struct{}),
	}

	if err := e.openStores(); err != nil {
		_ = lock.Release()
		return nil, err
	}

	if err := e.recover(); err != nil {
		e.closeStores()
		_ = lock.Release()
		return nil, err
	}

	meta, err := e.cat.Metadata()
	if err != nil {
		e.closeStores()
		_ = lock.Release()
		return nil, err
	}
	e.txns = txn.NewManager(meta.CurrentEpoch, e.wal, logger)

	if err := e.rebuildLabelBitmaps(); err != nil {
		e.closeStores()
		_ = lock.Release()
		return nil, err
	}

	if err := e.rebuildVectorIndexes(); err != nil {
		e.closeStores()
		_ = lock.Release()
		return nil, err
	}

	tel, err := telemetry.New()
	if err != nil {
		logger.Warn("telemetry init failed, continuing without instruments", "err", err)
	} else {
		e.tel = tel
	}

	for name, proc := range procedures.Default(e.graph) {
		e.procs[name] = proc
	}

	e.startBackgroundLoops()
	logger.Info("engine opened", "data_dir", cfg.DataDir, "epoch", meta.CurrentEpoch)
	return e, nil
}

func (e *Engine) openStores() error {
	dataDir := e.cfg.DataDir
	var err error
	e.nodes, err = store.OpenNodeStore(filepath.Join(dataDir, "nodes.store"))
	if err != nil {
		return err
	}
	e.rels, err = store.OpenRelStore(filepath.Join(dataDir, "rels.store"))
	if err != nil {
		return err
	}
	e.props, err = store.OpenPropStore(filepath.Join(dataDir, "props.store"))
	if err != nil {
		return err
	}
	e.blobs, err = store.OpenBlobStore(filepath.Join(dataDir, "blobs.store"))
	if err != nil {
		return err
	}
	e.cat, err = catalog.Open(filepath.Join(dataDir, "catalog.db"), e.logger)
	if err != nil {
		return err
	}
	e.wal, err = wal.Open(filepath.Join(dataDir, "wal.log"), e.logger)
	if err != nil {
		return err
	}
	e.cache = pagecache.New(e.cfg.PageCacheCapacity)
	e.graph = graph.New(e.nodes, e.rels, e.props, e.blobs, e.cat, e.wal, e.logger)
	return nil
}

func (e *Engine) closeStores() {
	if e.wal != nil {
		_ = e.wal.Close()
	}
	if e.cat != nil {
		_ = e.cat.Close()
	}
	if e.blobs != nil {
		_ = e.blobs.Close()
	}
	if e.props != nil {
		_ = e.props.Close()
	}
	if e.rels != nil {
		_ = e.rels.Close()
	}
	if e.nodes != nil {
		_ = e.nodes.Close()
	}
}

// recover replays every committed transaction recorded in the WAL onto
// the record stores before any reader or writer is admitted (spec.md
// §4.4 step 4).
func (e *Engine) recover() error {
	result, err := wal.Replay(filepath.Join(e.cfg.DataDir, "wal.log"), 0, e.logger)
	if err != nil {
		return err
	}
	return e.graph.Recover(result)
}

// rebuildLabelBitmaps restores every label's bitmap after WAL recovery.
// A bitmap snapshot is loaded from <data-dir>/indexes when one exists
// (written by the last clean checkpoint); otherwise it is rebuilt by a
// full node scan and re-add. Vector indexes are restored separately by
// rebuildVectorIndexes, since hnsw.Load needs the build Config from
// catalog stats rather than a node scan. Property indexes (btreeidx)
// have no on-disk format at all, so they start empty and are only
// populated when ConfigurePropertyIndex is called (see DESIGN.md).
func (e *Engine) rebuildLabelBitmaps() error {
	snap := e.txns.BeginRead()
	defer e.txns.EndRead(snap)

	seen := map[uint32]bool{}
	return e.graph.AllNodes(*snap, func(n *types.Node) bool {
		for _, label := range n.Labels {
			labelID, ok, err := e.graph.LabelID(label)
			if err != nil || !ok {
				continue
			}
			if !seen[labelID] {
				seen[labelID] = true
				path := filepath.Join(indexDir(e.cfg.DataDir), labelBitmapFile(labelID))
				if bm, err := bitmap.Load(labelID, path); err == nil {
					e.graph.Labels[labelID] = bm
					continue
				}
				e.graph.Labels[labelID] = bitmap.New(labelID)
			}
			e.graph.Labels[labelID].Add(n.ID)
		}
		return true
	})
}

func labelBitmapFile(labelID uint32) string {
	return "label_" + decimal(labelID) + ".bitmap"
}

func decimal(id uint32) string {
	const digits = "0123456789"
	if id == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = digits[id%10]
		id /= 10
	}
	return string(buf[i:])
}

// ConfigureVectorIndex provisions an HNSW index for label's vec-bearing
// property, backfilling from every existing node carrying the label and
// the property (spec.md §4.6.2). Backfill re-sets the property through
// SetNodeProperty so graph.SetProperty's normal index-maintenance path
// (indexVector) populates the new index exactly as a live write would.
// The build parameters are persisted to the catalog stats table so
// rebuildVectorIndexes can reconstruct the same hnsw.Config on restart —
// Save/Load round-trip the vector data itself, but not the Config that
// produced it.
func (e *Engine) ConfigureVectorIndex(label, propName string, dimension int, metric hnsw.Metric) error {
	labelID, err := e.cat.Intern(catalog.KindLabel, label)
	if err != nil {
		return err
	}
	propKeyID, err := e.cat.Intern(catalog.KindPropertyKey, propName)
	if err != nil {
		return err
	}
	idx := hnsw.New(hnsw.Config{
		Dimension:      dimension,
		M:              e.cfg.HnswDefaultM,
		EfConstruction: e.cfg.HnswDefaultEfConstruction,
		Metric:         metric,
	})
	e.graph.ConfigureVectorIndex(labelID, propName, idx)

	for _, stat := range []struct {
		field string
		value uint64
	}{
		{"configured", 1},
		{"dimension", uint64(dimension)},
		{"m", uint64(e.cfg.HnswDefaultM)},
		{"efc", uint64(e.cfg.HnswDefaultEfConstruction)},
		{"metric", uint64(metric)},
		{"prop", uint64(propKeyID)},
	} {
		if err := e.cat.SetStat(vecStatKey(labelID, stat.field), stat.value); err != nil {
			return err
		}
	}

	return e.backfillFromLabel(label, propName)
}

// rebuildVectorIndexes restores every label's persisted vector index
// after WAL recovery, reading the build config back out of catalog stats
// and loading the serialized graph from <data-dir>/indexes (hnsw.Load
// returns a fresh empty index when no file is present yet, so a
// configured-but-never-saved label is harmless). Label ids are bounded
// by catalog.MaxLabels, so a direct scan is cheap and — unlike scanning
// live nodes — finds a configured index even for a label with zero
// nodes currently carrying it.
func (e *Engine) rebuildVectorIndexes() error {
	for labelID := uint32(0); labelID < catalog.MaxLabels; labelID++ {
		configured, ok, err := e.cat.GetStat(vecStatKey(labelID, "configured"))
		if err != nil {
			return err
		}
		if !ok || configured == 0 {
			continue
		}
		dim, _, err := e.cat.GetStat(vecStatKey(labelID, "dimension"))
		if err != nil {
			return err
		}
		m, _, err := e.cat.GetStat(vecStatKey(labelID, "m"))
		if err != nil {
			return err
		}
		efc, _, err := e.cat.GetStat(vecStatKey(labelID, "efc"))
		if err != nil {
			return err
		}
		metricVal, _, err := e.cat.GetStat(vecStatKey(labelID, "metric"))
		if err != nil {
			return err
		}
		propKeyID, _, err := e.cat.GetStat(vecStatKey(labelID, "prop"))
		if err != nil {
			return err
		}
		propName, err := e.cat.Name(catalog.KindPropertyKey, uint32(propKeyID))
		if err != nil {
			return err
		}

		cfg := hnsw.Config{
			Dimension:      int(dim),
			M:              int(m),
			EfConstruction: int(efc),
			Metric:         hnsw.Metric(metricVal),
		}
		path := filepath.Join(indexDir(e.cfg.DataDir), vectorIndexFile(labelID))
		idx, err := hnsw.Load(cfg, path)
		if err != nil {
			return err
		}
		e.graph.ConfigureVectorIndex(labelID, propName, idx)
	}
	return nil
}

func vecStatKey(labelID uint32, field string) string {
	return fmt.Sprintf("vecidx.%d.%s", labelID, field)
}

func vectorIndexFile(labelID uint32) string {
	return "hnsw_" + decimal(labelID) + ".bin"
}

// ConfigurePropertyIndex provisions a B-tree index for (label, prop),
// backfilling from every existing node carrying the label and the
// property.
func (e *Engine) ConfigurePropertyIndex(label, prop string) error {
	labelID, err := e.cat.Intern(catalog.KindLabel, label)
	if err != nil {
		return err
	}
	idx := btreeidx.New(labelID, prop)
	e.graph.ConfigurePropertyIndex(labelID, prop, idx)
	return e.backfillFromLabel(label, prop)
}

// backfillFromLabel re-sets prop on every node carrying label inside one
// internal write transaction, driving whichever index-maintenance path
// (indexProperty, indexVector) graph.SetProperty runs for that property.
func (e *Engine) backfillFromLabel(label, prop string) error {
	tx, err := e.txns.BeginWrite(context.Background())
	if err != nil {
		return err
	}

	snap := e.txns.BeginRead()
	var targets []types.Node
	walkErr := e.graph.NodesByLabel(*snap, label, func(n *types.Node) bool {
		if _, ok := n.Props[prop]; ok {
			targets = append(targets, *n)
		}
		return true
	})
	e.txns.EndRead(snap)
	if walkErr != nil {
		_ = e.txns.Abort(tx)
		return walkErr
	}

	for _, n := range targets {
		labelBits, err := e.graph.NodeLabelBits(n.ID)
		if err != nil {
			_ = e.txns.Abort(tx)
			return err
		}
		if err := e.graph.SetNodeProperty(tx, n.ID, labelBits, prop, n.Props[prop]); err != nil {
			_ = e.txns.Abort(tx)
			return err
		}
	}
	epoch := tx.Epoch
	if err := e.txns.Commit(tx); err != nil {
		return err
	}
	meta, err := e.cat.Metadata()
	if err != nil {
		return err
	}
	meta.CurrentEpoch = epoch
	return e.cat.SetMetadata(meta)
}

// RegisterProcedure adds or replaces a CALL target.
func (e *Engine) RegisterProcedure(name string, proc executor.Procedure) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.procs[name] = proc
}

// BeginTransaction starts the single writer transaction (spec.md §4.5;
// only one can be open at a time across the whole engine).
func (e *Engine) BeginTransaction(ctx context.Context) (*txn.Tx, error) {
	if e.isReadOnly() {
		return nil, nexuserr.New(nexuserr.CodeInvariantViolation, "engine is read-only")
	}
	return e.txns.BeginWrite(ctx)
}

// Commit commits tx and persists the new epoch to the catalog's metadata
// table so a crash-restart resumes from the right epoch (ties
// txn.Manager's in-memory epoch counter to durable catalog state).
func (e *Engine) Commit(tx *txn.Tx) error {
	epoch := tx.Epoch
	if err := e.txns.Commit(tx); err != nil {
		return err
	}
	if e.tel != nil {
		e.tel.TxCommitted.Add(context.Background(), 1)
	}
	meta, err := e.cat.Metadata()
	if err != nil {
		return err
	}
	meta.CurrentEpoch = epoch
	return e.cat.SetMetadata(meta)
}

// Abort rolls tx back and releases the writer seat.
func (e *Engine) Abort(tx *txn.Tx) error {
	err := e.txns.Abort(tx)
	if err == nil && e.tel != nil {
		e.tel.TxAborted.Add(context.Background(), 1)
	}
	return err
}

// ExecuteOptions configures one Execute call (read-only fast path and
// per-query timeout). There is no EXPLAIN or PROFILE mode.
type ExecuteOptions struct {
	Write   bool
	Timeout time.Duration
}

// Execute parses and runs one Cypher statement end to end: snapshot (or
// writer seat) acquisition, parse, execute, and — for write queries —
// commit/abort depending on the executor's outcome.
func (e *Engine) Execute(ctx context.Context, cypher string, params map[string]types.Value, opts ExecuteOptions) ([]executor.Row, []string, error) {
	q, err := query.Parse(cypher)
	if err != nil {
		return nil, nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(e.cfg.QueryDefaultTimeoutMs) * time.Millisecond
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handle := e.registerQuery(cypher, cancel)
	defer e.unregisterQuery(handle.ID)

	start := time.Now()
	defer func() {
		if e.tel != nil {
			e.tel.QueryLatency.Record(context.Background(), float64(time.Since(start).Microseconds())/1000.0)
		}
	}()

	if opts.Write {
		tx, err := e.BeginTransaction(qctx)
		if err != nil {
			return nil, nil, err
		}
		snap := e.txns.BeginRead()
		ectx := e.execContext(*snap, tx, params)
		rows, cols, err := executor.Execute(ectx, q)
		e.txns.EndRead(snap)
		if err != nil {
			_ = e.Abort(tx)
			return nil, nil, err
		}
		if err := e.Commit(tx); err != nil {
			return nil, nil, err
		}
		return rows, cols, nil
	}

	snap := e.txns.BeginRead()
	defer e.txns.EndRead(snap)
	ectx := e.execContext(*snap, nil, params)
	return executor.Execute(ectx, q)
}

func (e *Engine) execContext(snap txn.Snapshot, tx *txn.Tx, params map[string]types.Value) *executor.ExecContext {
	e.mu.Lock()
	procs := make(map[string]executor.Procedure, len(e.procs))
	for k, v := range e.procs {
		procs[k] = v
	}
	e.mu.Unlock()
	return &executor.ExecContext{
		Graph:  e.graph,
		Snap:   snap,
		Tx:     tx,
		Params: params,
		Procs:  procs,
		Now:    time.Now(),
	}
}

func (e *Engine) registerQuery(cypher string, cancel context.CancelFunc) *QueryHandle {
	h := &QueryHandle{ID: uuid.New(), Cypher: cypher, StartedAt: time.Now(), cancel: cancel}
	e.mu.Lock()
	e.queries[h.ID] = h
	e.mu.Unlock()
	return h
}

func (e *Engine) unregisterQuery(id uuid.UUID) {
	e.mu.Lock()
	delete(e.queries, id)
	e.mu.Unlock()
}

// ShowQueries lists every in-flight query (SHOW QUERIES admin procedure).
func (e *Engine) ShowQueries() []QueryHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]QueryHandle, 0, len(e.queries))
	for _, h := range e.queries {
		out = append(out, *h)
	}
	return out
}

// TerminateQuery cancels an in-flight query's context, causing its
// executor loop to unwind on the next context check.
func (e *Engine) TerminateQuery(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.queries[id]
	if !ok {
		return false
	}
	h.cancel()
	return true
}

func (e *Engine) isReadOnly() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readOnly
}

// setReadOnly demotes the engine after an invariant violation, mirroring
// the teacher's dirty/ready storage state machine: once a structural
// inconsistency is detected, the engine stops admitting new writers
// rather than risk compounding the corruption.
func (e *Engine) setReadOnly(cause error) {
	e.mu.Lock()
	e.readOnly = true
	e.mu.Unlock()
	e.logger.Error("engine demoted to read-only", "cause", cause)
}

// Stats returns the §6.5 observable counter/gauge set.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	inFlight := len(e.queries)
	e.mu.Unlock()
	return Stats{
		CurrentEpoch:    e.txns.CurrentEpoch(),
		ActiveReaders:   e.txns.ActiveSnapshotCount(),
		NodeCount:       e.nodes.Count(),
		RelCount:        e.rels.Count(),
		PropCount:       e.props.Count(),
		InFlightQueries: inFlight,
	}
}

// Health reports engine liveness: read-only state, WAL size on disk, and
// page-cache frame occupancy (the completeness addendum in SPEC_FULL.md).
func (e *Engine) Health() Health {
	walInfo, _ := os.Stat(filepath.Join(e.cfg.DataDir, "wal.log"))
	var walSize int64
	if walInfo != nil {
		walSize = walInfo.Size()
	}
	cacheStats := e.cache.Stats()
	return Health{
		ReadOnly:      e.isReadOnly(),
		WalSizeBytes:  walSize,
		CacheFrames:   cacheStats.Frames,
		CacheCapacity: cacheStats.Capacity,
		CacheDirty:    cacheStats.DirtyPages,
	}
}

// checkpoint persists every label bitmap and vector index to
// <data-dir>/indexes, then records a WAL checkpoint marker. recover does
// not use the marker: it always replays the whole WAL from offset 0, and
// checkpoint does not truncate the log. Property indexes
// (btreeidx.PropertyIndex) have no on-disk format at all — they are
// rebuilt from a label scan through ConfigurePropertyIndex instead (see
// DESIGN.md).
func (e *Engine) checkpoint() error {
	epoch := e.txns.CurrentEpoch()
	for labelID, bm := range e.graph.Labels {
		path := filepath.Join(indexDir(e.cfg.DataDir), labelBitmapFile(labelID))
		if err := bm.Save(path); err != nil {
			return err
		}
	}
	for labelID := uint32(0); labelID < catalog.MaxLabels; labelID++ {
		idx, _, ok := e.graph.VectorIndexFor(labelID)
		if !ok {
			continue
		}
		path := filepath.Join(indexDir(e.cfg.DataDir), vectorIndexFile(labelID))
		if err := idx.Save(path); err != nil {
			return err
		}
	}
	if _, err := e.wal.AppendCheckpoint(epoch); err != nil {
		return err
	}
	if e.tel != nil {
		e.tel.Checkpoints.Add(context.Background(), 1)
	}
	return nil
}

// startBackgroundLoops launches the checkpoint and GC tickers, retrying
// transient IO failures with exponential backoff the way the teacher's
// sync bridge retries transient network failures.
func (e *Engine) startBackgroundLoops() {
	e.bgWG.Add(2)
	go e.checkpointLoop()
	go e.gcLoop()
}

func (e *Engine) checkpointLoop() {
	defer e.bgWG.Done()
	interval := time.Duration(e.cfg.CheckpointIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopBackground:
			return
		case <-ticker.C:
			bo := backoff.NewExponentialBackOff()
			op := func() error { return e.checkpoint() }
			if err := backoff.Retry(op, backoff.WithMaxRetries(bo, 3)); err != nil {
				e.logger.Warn("checkpoint failed after retries", "err", err)
				e.setReadOnly(err)
			}
		}
	}
}

func (e *Engine) gcLoop() {
	defer e.bgWG.Done()
	interval := time.Duration(e.cfg.GcIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopBackground:
			return
		case <-ticker.C:
			e.logger.Debug("gc tick", "min_active_epoch", e.txns.MinActiveEpoch())
		}
	}
}

// Close stops the background loops, flushes a final checkpoint, closes
// every store file, and releases the data-directory lock.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stopBackground)
	e.bgWG.Wait()

	if err := e.checkpoint(); err != nil {
		e.logger.Warn("final checkpoint failed", "err", err)
	}
	e.closeStores()
	return e.lock.Release()
}
