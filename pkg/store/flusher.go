package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"mvccdb/pkg/manifest"
	"mvccdb/pkg/memtable"
	"mvccdb/pkg/persistence"
	"mvccdb/pkg/wal"
)

// flushHandler flushes frozen memtables oldest first until none is left.
// Order matters: the manifest's log number says every log up to it is in
// tables, so a newer memtable must never be flushed before an older one.
func (e *Engine) flushHandler(ctx context.Context, _ struct{}) error {
	for ctx.Err() == nil {
		s, err := e.acquireState()
		if err != nil {
			return nil
		}
		var oldest *memtable.MemTable
		if len(s.imm) > 0 {
			oldest = s.imm[len(s.imm)-1]
		}
		s.unref()
		if oldest == nil {
			return nil
		}

		err = e.flush(oldest)
		e.flushMu.Lock()
		e.flushRuns++
		e.flushErr = err
		e.flushMu.Unlock()
		e.flushed.broadcast()

		if err != nil {
			e.metrics.FlushErrors.Inc()
			return errors.Wrapf(err, "failed to flush memtable %d", oldest.ID())
		}
		e.triggerCompaction()
	}
	return nil
}

func (e *Engine) flush(mt *memtable.MemTable) error {
	start := time.Now()

	h, err := e.writeL0(mt)
	if err != nil {
		return err
	}

	edit := manifest.Edit{
		Kind:          manifest.EditFlush,
		LogNumber:     mt.ID(),
		LastTimestamp: mt.MaxTimestamp(),
	}
	if h != nil {
		edit.Added = []manifest.TableMeta{h.meta}
	}

	e.versionMu.Lock()
	if err := e.manifest.Append(edit); err != nil {
		e.versionMu.Unlock()
		// the edit may still reach the disk, so the table must stay
		if h != nil {
			h.release()
		}
		return err
	}
	e.mstate.Apply(edit)
	if h != nil {
		e.handles[h.meta.ID] = h
	}

	cur := e.state.Load()
	imm := make([]*memtable.MemTable, 0, len(cur.imm))
	for _, m := range cur.imm {
		if m != mt {
			imm = append(imm, m)
		}
	}
	e.installState(e.newState(cur.mem, imm, cur.version.Apply(edit)))
	e.maybeRewriteManifestLocked()
	e.versionMu.Unlock()

	if err := wal.Remove(e.walDir, mt.ID()); err != nil {
		e.logger.Warn("failed to remove flushed log", "wal", mt.ID(), "error", err)
	}

	e.metrics.Flushes.Inc()
	e.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	attrs := []any{"memtable", mt.ID(), "entries", mt.Len(), "duration", time.Since(start)}
	if h != nil {
		attrs = append(attrs, "table", h.meta.ID, "size", h.meta.Size)
	}
	e.logger.Info("flushed memtable", attrs...)
	return nil
}

// writeL0 writes the memtable into a new table and opens it. An empty
// memtable produces no table.
func (e *Engine) writeL0(mt *memtable.MemTable) (*tableHandle, error) {
	if mt.Empty() {
		return nil, nil
	}

	id := e.manifest.NextFileID()
	path := persistence.Path(e.dir, id)
	w, err := persistence.NewWriter(path, id, e.opts.Table)
	if err != nil {
		return nil, err
	}

	it := mt.NewIterator()
	for it.First(); it.Valid(); it.Next() {
		if err := w.Add(it.Key(), it.Value()); err != nil {
			_ = it.Close()
			w.Abort()
			return nil, err
		}
	}
	_ = it.Close()

	props, size, err := w.Finish()
	if err != nil {
		return nil, err
	}
	if err := syncDir(e.dir); err != nil {
		e.removeFile(path)
		return nil, err
	}
	table, err := persistence.Open(path, id, persistence.ReaderOptions{Cache: e.cache, Logger: e.logger})
	if err != nil {
		e.removeFile(path)
		return nil, err
	}

	return &tableHandle{
		meta: manifest.TableMeta{
			ID:       id,
			Level:    0,
			Size:     size,
			Entries:  props.Entries,
			Smallest: props.Smallest,
			Largest:  props.Largest,
			MinTs:    props.MinTs,
			MaxTs:    props.MaxTs,
		},
		table:  table,
		logger: e.logger,
	}, nil
}

// maybeRewriteManifestLocked compacts the manifest once it has grown past
// the configured number of records. It must be called with versionMu held.
func (e *Engine) maybeRewriteManifestLocked() {
	if e.manifest.Records() <= e.opts.ManifestRewriteThreshold {
		return
	}
	if err := e.manifest.Rewrite(e.mstate); err != nil {
		e.logger.Error("failed to rewrite manifest", "error", err)
	}
}

func (e *Engine) flushRunCount() uint64 {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	return e.flushRuns
}

// flushErrorSince returns the error of the latest flush attempt if it
// happened after the given run count.
func (e *Engine) flushErrorSince(runs uint64) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	if e.flushRuns > runs {
		return e.flushErr
	}
	return nil
}

func (e *Engine) lastFlushError() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	return e.flushErr
}
