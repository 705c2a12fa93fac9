// Package store is the storage engine: it ties the write-ahead log,
// memtables, disk tables, manifest and compaction together behind a
// key-value API with snapshot reads and transactions.
package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"mvccdb/pkg/batch"
	"mvccdb/pkg/clock"
	"mvccdb/pkg/compaction"
	"mvccdb/pkg/db"
	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/keys"
	"mvccdb/pkg/listener"
	"mvccdb/pkg/manifest"
	"mvccdb/pkg/memtable"
	"mvccdb/pkg/metrics"
	"mvccdb/pkg/persistence"
	"mvccdb/pkg/types"
	"mvccdb/pkg/vfs"
	"mvccdb/pkg/wal"
)

const walDirName = "wal"

var syncDir = vfs.SyncDir

var _ db.DB = (*Engine)(nil)

type iClock interface {
	Val() types.Timestamp
	Next() (types.Timestamp, error)
	Advance(t types.Timestamp)
}

type Engine struct {
	dir     string
	walDir  string
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	lockFile *os.File
	manifest *manifest.Manifest
	cache    *persistence.BlockCache
	picker   *compaction.Picker

	// clock issues commit timestamps; visible is the newest timestamp
	// whose batch is fully applied.
	clock   iClock
	visible atomic.Uint64

	// commitMu serializes commits: timestamp, WAL append, memtable apply
	// and publication. It also guards wal.
	commitMu sync.Mutex
	wal      *wal.WAL

	// versionMu serializes state installs and manifest appends. It guards
	// mstate and handles. Lock order: commitMu before versionMu.
	versionMu sync.Mutex
	mstate    manifest.State
	handles   map[types.FileID]*tableHandle

	state     atomic.Pointer[readState]
	snapshots *snapshotRegistry

	// compactMu allows one compaction at a time.
	compactMu sync.Mutex

	flushCh   chan struct{}
	compactCh chan struct{}
	flushed   *signal
	flushMu   sync.Mutex
	flushErr  error
	flushRuns uint64

	jobs   []listener.Job
	closed atomic.Bool
}

// Open opens the database in dir, creating it if needed, and recovers its
// state: the manifest names the live tables, and every log newer than the
// last flush is replayed into memtables that are queued for flushing.
func Open(dir string, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.ensureDefaults()

	e := &Engine{
		dir:       dir,
		walDir:    filepath.Join(dir, walDirName),
		opts:      o,
		logger:    o.Logger.With("component", "engine", "dir", dir),
		metrics:   o.Metrics,
		cache:     persistence.NewBlockCache(o.CacheCapacity),
		picker:    compaction.NewPicker(o.Compaction),
		clock:     clock.NewAtomic(0),
		handles:   make(map[types.FileID]*tableHandle),
		snapshots: newSnapshotRegistry(),
		flushCh:   make(chan struct{}, 1),
		compactCh: make(chan struct{}, 1),
		flushed:   newSignal(),
	}

	if err := os.MkdirAll(e.walDir, 0750); err != nil {
		return nil, dberrors.Durability(err, "failed to create database directory")
	}
	lock, err := lockDir(dir)
	if err != nil {
		return nil, err
	}
	e.lockFile = lock

	if err := e.recover(); err != nil {
		e.abandon()
		return nil, errors.Wrapf(err, "failed to open %s", dir)
	}

	e.startJobs()
	return e, nil
}

func (e *Engine) recover() error {
	start := time.Now()

	m, mstate, err := manifest.Open(e.dir, e.logger)
	if err != nil {
		return err
	}
	e.manifest = m
	e.mstate = mstate

	if err := e.removeOrphanTables(); err != nil {
		return err
	}

	lastTs := mstate.LastTimestamp
	for id, meta := range mstate.Tables {
		h := &tableHandle{meta: meta, logger: e.logger}
		table, err := persistence.Open(persistence.Path(e.dir, id), id, persistence.ReaderOptions{
			Cache:  e.cache,
			Logger: e.logger,
		})
		switch {
		case dberrors.IsCorruption(err):
			e.logger.Error("excluding corrupt table", "table", id, "error", err)
			e.metrics.Corruptions.Inc()
			h.corrupt.Store(true)
		case err != nil:
			e.closeHandles()
			return err
		default:
			h.table = table
		}
		e.handles[id] = h
		lastTs = max(lastTs, meta.MaxTs)
	}

	imm, walTs, err := e.replayLogs()
	if err != nil {
		e.closeHandles()
		return err
	}
	lastTs = max(lastTs, walTs)
	e.clock.Advance(lastTs)
	e.visible.Store(lastTs)

	id := e.manifest.NextFileID()
	w, err := wal.Create(e.walDir, id, wal.Options{Sync: e.opts.SyncWAL, Logger: e.logger})
	if err != nil {
		e.closeHandles()
		return err
	}
	e.wal = w

	e.versionMu.Lock()
	e.installState(e.newState(memtable.New(id), imm, mstate.Version(e.picker.Options().MaxLevels)))
	e.versionMu.Unlock()

	e.logger.Info("recovered",
		"db_id", mstate.DBID,
		"tables", len(mstate.Tables),
		"replayed_memtables", len(imm),
		"last_ts", lastTs,
		"duration", time.Since(start),
	)
	return nil
}

// removeOrphanTables deletes table files the manifest does not reference,
// left behind by flushes or compactions that failed to commit.
func (e *Engine) removeOrphanTables() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return dberrors.Durability(err, "failed to list database directory")
	}
	for _, entry := range entries {
		id, ok := persistence.ParseFileName(entry.Name())
		if !ok {
			continue
		}
		if _, live := e.mstate.Tables[id]; live {
			continue
		}
		if err := os.Remove(filepath.Join(e.dir, entry.Name())); err != nil {
			return dberrors.Durability(err, "failed to remove orphan table %d", id)
		}
		e.logger.Info("removed orphan table", "table", id)
	}
	return nil
}

// replayLogs deletes logs already covered by tables and rebuilds a frozen
// memtable from each remaining one. They are returned newest first.
func (e *Engine) replayLogs() ([]*memtable.MemTable, types.Timestamp, error) {
	ids, err := wal.List(e.walDir)
	if err != nil {
		return nil, 0, err
	}

	var (
		imm    []*memtable.MemTable
		lastTs types.Timestamp
	)
	for _, id := range ids {
		e.manifest.MarkFileIDUsed(id)
		if id <= e.mstate.LogNumber {
			if err := wal.Remove(e.walDir, id); err != nil {
				return nil, 0, err
			}
			continue
		}

		mt := memtable.New(id)
		stats, err := wal.Replay(wal.Path(e.walDir, id), e.logger, func(rec wal.Record) error {
			for _, ent := range rec.Entries {
				if err := mt.Add(ent.Key, ent.Value, rec.Timestamp, ent.Kind); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, 0, err
		}
		lastTs = max(lastTs, stats.LastTimestamp)
		e.logger.Info("replayed log", "wal", id, "records", stats.Records, "entries", stats.Entries, "torn_tail", stats.TornTail)

		if mt.Empty() {
			if err := wal.Remove(e.walDir, id); err != nil {
				return nil, 0, err
			}
			continue
		}
		mt.Freeze()
		imm = append([]*memtable.MemTable{mt}, imm...)
	}
	return imm, lastTs, nil
}

func (e *Engine) startJobs() {
	ctx := context.Background()

	flusher := listener.New("flush", e.flushCh, e.flushHandler, e.logger)
	flusher.Start(ctx)
	e.jobs = append(e.jobs, flusher)

	if !e.opts.DisableAutoCompaction {
		compactor := listener.New("compaction", e.compactCh, e.compactHandler, e.logger)
		compactor.Start(ctx)
		e.jobs = append(e.jobs, compactor)
		e.triggerCompaction()
	}

	if s := e.state.Load(); len(s.imm) > 0 {
		e.triggerFlush()
	}
}

func (e *Engine) closeHandles() {
	for _, h := range e.handles {
		if h.table != nil {
			_ = h.table.Close()
		}
	}
	e.handles = make(map[types.FileID]*tableHandle)
}

// abandon releases what a failed Open acquired.
func (e *Engine) abandon() {
	if e.manifest != nil {
		_ = e.manifest.Close()
	}
	if e.wal != nil {
		_ = e.wal.Close()
	}
	if err := unlockDir(e.lockFile); err != nil {
		e.logger.Warn("failed to release directory lock", "error", err)
	}
}

// Get returns the newest committed value of key.
func (e *Engine) Get(key types.Key) (types.Value, bool, error) {
	s, readTs, err := e.acquireReadView()
	if err != nil {
		return nil, false, err
	}
	defer s.unref()
	return e.getIn(s, key, readTs)
}

// acquireReadView pins the current state and then reads the visible
// timestamp, without registering a snapshot. Any compaction installed in
// that state computed its watermark at or below the timestamp, and states
// from before it keep the replaced tables open, so every version a read at
// the timestamp needs is reachable through the state.
func (e *Engine) acquireReadView() (*readState, types.Timestamp, error) {
	s, err := e.acquireState()
	if err != nil {
		return nil, 0, err
	}
	return s, e.visible.Load(), nil
}

func (e *Engine) getAt(key types.Key, readTs types.Timestamp) (types.Value, bool, error) {
	s, err := e.acquireState()
	if err != nil {
		return nil, false, err
	}
	defer s.unref()
	return e.getIn(s, key, readTs)
}

func (e *Engine) getIn(s *readState, key types.Key, readTs types.Timestamp) (types.Value, bool, error) {
	kind, _, value, found, err := e.lookupIn(s, key, readTs)
	if err != nil || !found || kind == keys.KindDelete {
		return nil, false, err
	}
	return value, true, nil
}

func (e *Engine) lookup(key types.Key, readTs types.Timestamp) (keys.Kind, types.Timestamp, types.Value, bool, error) {
	s, err := e.acquireState()
	if err != nil {
		return 0, 0, nil, false, err
	}
	defer s.unref()
	return e.lookupIn(s, key, readTs)
}

// lookupIn finds the newest version of key at or below readTs. Sources are
// consulted from newest to oldest and the first one holding a version wins.
func (e *Engine) lookupIn(s *readState, key types.Key, readTs types.Timestamp) (keys.Kind, types.Timestamp, types.Value, bool, error) {
	if ent, ok := s.mem.Get(key, readTs); ok {
		return ent.Kind, ent.Timestamp, ent.Value, true, nil
	}
	for _, mt := range s.imm {
		if ent, ok := mt.Get(key, readTs); ok {
			return ent.Kind, ent.Timestamp, ent.Value, true, nil
		}
	}

	for lvl, level := range s.levels {
		candidates := level
		if lvl > 0 {
			h := tableFor(level, key)
			if h == nil {
				continue
			}
			candidates = []*tableHandle{h}
		}
		for _, h := range candidates {
			if !h.usable() || !h.meta.Overlaps(key, key) || h.meta.MinTs > readTs {
				continue
			}
			k, v, ok, err := h.table.Get(key, readTs)
			if err != nil {
				e.checkCorruption(h, err)
				return 0, 0, nil, false, err
			}
			if ok {
				return k.Kind(), k.Timestamp(), v, true, nil
			}
		}
	}
	return 0, 0, nil, false, nil
}

// checkCorruption excludes a table from further reads once a checksum fails.
func (e *Engine) checkCorruption(h *tableHandle, err error) {
	if !dberrors.IsCorruption(err) {
		return
	}
	if h.corrupt.CompareAndSwap(false, true) {
		e.metrics.Corruptions.Inc()
		e.logger.Error("excluding corrupt table from reads", "table", h.meta.ID, "level", h.meta.Level, "error", err)
	}
}

// Insert writes one key as its own batch.
func (e *Engine) Insert(key types.Key, value types.Value) error {
	wb := batch.NewWrite()
	wb.Insert(key, value)
	return e.ApplyWrite(wb)
}

// Remove deletes one key as its own batch.
func (e *Engine) Remove(key types.Key) error {
	wb := batch.NewWrite()
	wb.Remove(key)
	return e.ApplyWrite(wb)
}

// ApplyBatch runs a read or write batch.
func (e *Engine) ApplyBatch(b batch.Batch) (batch.ReadResult, error) {
	switch b := b.(type) {
	case *batch.WriteBatch:
		return batch.ReadResult{}, e.ApplyWrite(b)
	case *batch.ReadBatch:
		return e.ApplyRead(b)
	default:
		return batch.ReadResult{}, errors.Mark(errors.Newf("unsupported batch type %T", b), dberrors.ErrInvalidArgument)
	}
}

// ApplyRead reads every key of the batch at one timestamp.
func (e *Engine) ApplyRead(rb *batch.ReadBatch) (batch.ReadResult, error) {
	s, readTs, err := e.acquireReadView()
	if err != nil {
		return batch.ReadResult{}, err
	}
	defer s.unref()
	return e.readIn(s, rb, readTs)
}

func (e *Engine) readAt(rb *batch.ReadBatch, readTs types.Timestamp) (batch.ReadResult, error) {
	s, err := e.acquireState()
	if err != nil {
		return batch.ReadResult{}, err
	}
	defer s.unref()
	return e.readIn(s, rb, readTs)
}

func (e *Engine) readIn(s *readState, rb *batch.ReadBatch, readTs types.Timestamp) (batch.ReadResult, error) {
	res := batch.ReadResult{Items: make([]batch.Item, 0, rb.Len())}
	for _, key := range rb.Keys() {
		v, ok, err := e.getIn(s, key, readTs)
		if err != nil {
			return batch.ReadResult{}, err
		}
		res.Items = append(res.Items, batch.Item{Key: key, Value: v, Found: ok})
	}
	return res, nil
}

// ApplyWrite commits every write of the batch at a single timestamp.
// Readers see either all of them or none.
func (e *Engine) ApplyWrite(wb *batch.WriteBatch) error {
	if e.closed.Load() {
		return errClosed()
	}
	if wb.Len() == 0 {
		return nil
	}
	entries := walEntries(wb)

	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	_, err := e.commitLocked(entries)
	return err
}

func walEntries(wb *batch.WriteBatch) []wal.Entry {
	ops := wb.Ops()
	entries := make([]wal.Entry, len(ops))
	for i, op := range ops {
		entries[i] = wal.Entry{Kind: op.Kind, Key: op.Key, Value: op.Value}
	}
	return entries
}

// commitLocked logs and applies a batch. It must be called with commitMu held.
func (e *Engine) commitLocked(entries []wal.Entry) (types.Timestamp, error) {
	if e.closed.Load() {
		return 0, errClosed()
	}
	start := time.Now()

	ts, err := e.clock.Next()
	if err != nil {
		return 0, err
	}
	n, err := e.wal.Append(ts, entries)
	if err != nil {
		return 0, err
	}

	mem := e.state.Load().mem
	for _, ent := range entries {
		if err := mem.Add(ent.Key, ent.Value, ts, ent.Kind); err != nil {
			// the batch is durable; a restart replays it
			return 0, errors.Wrap(err, "failed to apply logged batch")
		}
	}
	e.visible.Store(ts)

	e.metrics.Batches.Inc()
	e.metrics.KeysWritten.Add(float64(len(entries)))
	e.metrics.WALBytes.Add(float64(n))
	e.metrics.MemtableBytes.Set(float64(mem.Size()))
	e.metrics.VisibleTimestamp.Set(float64(ts))
	e.metrics.CommitDuration.Observe(time.Since(start).Seconds())

	if mem.Size() >= e.opts.FlushThreshold {
		if err := e.rotateLocked(true); err != nil {
			e.logger.Error("failed to rotate memtable", "error", err)
		}
	}
	return ts, nil
}

// rotateLocked freezes the active memtable and starts a new memtable and
// log. With stall set it waits while too many memtables are pending flush.
// It must be called with commitMu held.
func (e *Engine) rotateLocked(stall bool) error {
	id := e.manifest.NextFileID()
	next, err := wal.Create(e.walDir, id, wal.Options{Sync: e.opts.SyncWAL, Logger: e.logger})
	if err != nil {
		return err
	}

	e.versionMu.Lock()
	cur := e.state.Load()
	cur.mem.Freeze()
	imm := append([]*memtable.MemTable{cur.mem}, cur.imm...)
	e.installState(e.newState(memtable.New(id), imm, cur.version))
	e.versionMu.Unlock()

	old := e.wal
	e.wal = next
	if err := old.Close(); err != nil {
		e.logger.Warn("failed to close rotated log", "wal", old.ID(), "error", err)
	}
	e.metrics.MemtableBytes.Set(0)
	e.logger.Debug("rotated memtable", "frozen", cur.mem.ID(), "size", cur.mem.Size(), "active", id)

	e.triggerFlush()
	if stall {
		return e.stallLocked()
	}
	return nil
}

// stallLocked blocks the commit path while more than MaxImmTables frozen
// memtables wait for flushing.
func (e *Engine) stallLocked() error {
	stalled := false
	for {
		ch := e.flushed.wait()
		if e.closed.Load() {
			return errClosed()
		}
		if len(e.state.Load().imm) <= e.opts.MaxImmTables {
			return nil
		}
		if !stalled {
			stalled = true
			e.metrics.WriteStalls.Inc()
			e.logger.Warn("write stall: too many memtables waiting for flush", "limit", e.opts.MaxImmTables)
		}
		if err := e.lastFlushError(); err != nil {
			return err
		}
		<-ch
	}
}

func (e *Engine) triggerFlush() {
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

func (e *Engine) triggerCompaction() {
	if e.opts.DisableAutoCompaction {
		return
	}
	select {
	case e.compactCh <- struct{}{}:
	default:
	}
}

// Flush writes every memtable holding data at the time of the call to L0
// and waits until that is durable.
func (e *Engine) Flush(ctx context.Context) error {
	if e.closed.Load() {
		return errClosed()
	}

	e.commitMu.Lock()
	s := e.state.Load()
	var target types.FileID
	switch {
	case !s.mem.Empty():
		target = s.mem.ID()
		if err := e.rotateLocked(false); err != nil {
			e.commitMu.Unlock()
			return err
		}
	case len(s.imm) > 0:
		target = s.imm[0].ID()
	default:
		e.commitMu.Unlock()
		return nil
	}
	e.commitMu.Unlock()

	runs := e.flushRunCount()
	e.triggerFlush()
	for {
		ch := e.flushed.wait()
		if e.closed.Load() {
			return errClosed()
		}
		s := e.state.Load()
		if len(s.imm) == 0 || s.imm[len(s.imm)-1].ID() > target {
			return nil
		}
		if err := e.flushErrorSince(runs); err != nil {
			return err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "flush wait cancelled")
		}
	}
}

// Compact flushes memtables and then compacts every level into the one
// below it, down to the deepest level holding data. Tombstones and versions
// hidden below the oldest snapshot are dropped on the way.
func (e *Engine) Compact(ctx context.Context) error {
	if err := e.Flush(ctx); err != nil {
		return err
	}

	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	for level := 0; ; level++ {
		if e.closed.Load() {
			return errClosed()
		}
		v := e.compactionVersion()
		bottom := 1
		for lvl := v.NumLevels() - 1; lvl > 0; lvl-- {
			if len(v.Levels[lvl]) > 0 {
				bottom = lvl
				break
			}
		}
		if level >= bottom {
			return nil
		}
		job, ok := e.picker.PickLevel(v, level)
		if !ok {
			continue
		}
		if err := e.runCompaction(ctx, job); err != nil {
			return err
		}
	}
}

// LevelStat summarizes one level.
type LevelStat struct {
	Level  int     `json:"level"`
	Tables int     `json:"tables"`
	Bytes  uint64  `json:"bytes"`
	Score  float64 `json:"score"`
}

func (e *Engine) LevelStats() ([]LevelStat, error) {
	s, err := e.acquireState()
	if err != nil {
		return nil, err
	}
	defer s.unref()

	scores := e.picker.Scores(s.version)
	out := make([]LevelStat, s.version.NumLevels())
	for lvl := range out {
		out[lvl] = LevelStat{
			Level:  lvl,
			Tables: len(s.version.Levels[lvl]),
			Bytes:  s.version.LevelSize(lvl),
			Score:  scores[lvl],
		}
	}
	return out, nil
}

// Tables lists the live tables, shallowest level first.
func (e *Engine) Tables() ([]manifest.TableMeta, error) {
	s, err := e.acquireState()
	if err != nil {
		return nil, err
	}
	defer s.unref()
	tables := s.version.Tables()
	sort.SliceStable(tables, func(i, j int) bool { return tables[i].Level < tables[j].Level })
	return tables, nil
}

func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// VisibleTimestamp is the newest committed timestamp.
func (e *Engine) VisibleTimestamp() types.Timestamp { return e.visible.Load() }

func (e *Engine) DBID() string {
	e.versionMu.Lock()
	defer e.versionMu.Unlock()
	return e.mstate.DBID
}

func (e *Engine) Dir() string { return e.dir }

// Close stops background work and releases all files. Memtables that were
// not flushed are recovered from their logs on the next Open.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	// wake stalled writers and flush waiters before taking the commit lock
	e.flushed.broadcast()

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	for _, job := range e.jobs {
		job.Stop()
	}

	var err error
	if cerr := e.wal.Close(); cerr != nil {
		err = errors.CombineErrors(err, cerr)
	}

	e.versionMu.Lock()
	if s := e.state.Load(); s != nil {
		s.unref()
	}
	e.versionMu.Unlock()

	if cerr := e.manifest.Close(); cerr != nil {
		err = errors.CombineErrors(err, cerr)
	}
	if cerr := unlockDir(e.lockFile); cerr != nil {
		err = errors.CombineErrors(err, cerr)
	}
	if n := e.snapshots.len(); n > 0 {
		e.logger.Warn("closed with live snapshots", "count", n)
	}
	e.logger.Info("closed")
	return err
}

// signal wakes every goroutine waiting for the next event.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal { return &signal{ch: make(chan struct{})} }

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}
