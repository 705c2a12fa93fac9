package store

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"

	"mvccdb/pkg/compaction"
	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/iterator"
	"mvccdb/pkg/manifest"
	"mvccdb/pkg/persistence"
	"mvccdb/pkg/types"
)

// compactHandler runs picked compactions until no level needs one.
func (e *Engine) compactHandler(ctx context.Context, _ struct{}) error {
	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	for ctx.Err() == nil && !e.closed.Load() {
		job, ok := e.picker.Pick(e.compactionVersion())
		if !ok {
			return nil
		}
		if err := e.runCompaction(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// compactionVersion is the current version without corrupt tables, which
// are never compaction inputs.
func (e *Engine) compactionVersion() *manifest.Version {
	e.versionMu.Lock()
	defer e.versionMu.Unlock()

	cur := e.state.Load()
	var removed []types.FileID
	for _, h := range cur.handles() {
		if !h.usable() {
			removed = append(removed, h.meta.ID)
		}
	}
	if len(removed) == 0 {
		return cur.version
	}
	return cur.version.Apply(manifest.Edit{Removed: removed})
}

// runCompaction merges the job's tables and commits the result: the
// manifest edit first, then the new state. Replaced tables are deleted once
// no reader holds them.
func (e *Engine) runCompaction(ctx context.Context, job *compaction.Job) error {
	s, err := e.acquireState()
	if err != nil {
		return err
	}

	var inputs []iterator.Iterator
	for _, meta := range job.Tables() {
		h := s.handle(meta.ID)
		if h == nil || !h.usable() {
			s.unref()
			return errors.Newf("compaction input %d is no longer live", meta.ID)
		}
		inputs = append(inputs, h.table.NewIterator())
	}

	res, err := compaction.Run(ctx, job, inputs, compaction.RunOptions{
		Dir:            e.dir,
		NewFileID:      e.manifest.NextFileID,
		Watermark:      e.snapshots.watermark(&e.visible),
		TargetFileSize: e.picker.Options().TargetFileSize,
		Writer:         e.opts.Table,
		Logger:         e.logger,
	})
	if err != nil {
		if dberrors.IsCorruption(err) {
			for _, meta := range job.Tables() {
				if h := s.handle(meta.ID); h != nil {
					e.verifyTable(h)
				}
			}
		}
		s.unref()
		e.metrics.CompactionErrors.Inc()
		return err
	}
	s.unref()

	if err := syncDir(e.dir); err != nil {
		for _, m := range res.Added {
			e.removeFile(persistence.Path(e.dir, m.ID))
		}
		e.metrics.CompactionErrors.Inc()
		return err
	}

	added := make([]*tableHandle, 0, len(res.Added))
	for _, meta := range res.Added {
		table, err := persistence.Open(persistence.Path(e.dir, meta.ID), meta.ID, persistence.ReaderOptions{
			Cache:  e.cache,
			Logger: e.logger,
		})
		if err != nil {
			for _, h := range added {
				h.discard()
			}
			for _, m := range res.Added[len(added):] {
				e.removeFile(persistence.Path(e.dir, m.ID))
			}
			e.metrics.CompactionErrors.Inc()
			return err
		}
		added = append(added, &tableHandle{meta: meta, table: table, logger: e.logger})
	}

	edit := res.Edit()
	e.versionMu.Lock()
	if err := e.manifest.Append(edit); err != nil {
		e.versionMu.Unlock()
		// the edit may still reach the disk, so the outputs must stay
		for _, h := range added {
			h.release()
		}
		e.metrics.CompactionErrors.Inc()
		return err
	}
	e.mstate.Apply(edit)
	for _, id := range res.Removed {
		if h, ok := e.handles[id]; ok {
			h.obsolete.Store(true)
			delete(e.handles, id)
		}
	}
	for _, h := range added {
		e.handles[h.meta.ID] = h
	}
	cur := e.state.Load()
	e.installState(e.newState(cur.mem, cur.imm, cur.version.Apply(edit)))
	e.maybeRewriteManifestLocked()
	e.versionMu.Unlock()

	e.metrics.ObserveCompaction(job.Level, res.Dropped, res.Duration.Seconds())
	return nil
}

// verifyTable reads every block of h and excludes it if one is corrupt.
func (e *Engine) verifyTable(h *tableHandle) {
	if h.usable() {
		e.checkCorruption(h, h.table.VerifyChecksums())
	}
}

func (e *Engine) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("failed to remove file", "path", path, "error", err)
	}
}
