package store

import (
	"bytes"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"

	"mvccdb/pkg/manifest"
	"mvccdb/pkg/memtable"
	"mvccdb/pkg/persistence"
)

// tableHandle is an open table shared by every readState that lists it.
// The file is closed when the last state lets go of it, and deleted too if
// a compaction has replaced the table in the meantime.
type tableHandle struct {
	meta   manifest.TableMeta
	table  *persistence.SSTable
	logger *slog.Logger

	refs     atomic.Int32
	obsolete atomic.Bool
	corrupt  atomic.Bool
}

func (h *tableHandle) ref() { h.refs.Add(1) }

func (h *tableHandle) unref() {
	if h.refs.Add(-1) != 0 {
		return
	}
	if h.table != nil {
		if err := h.table.Close(); err != nil {
			h.logger.Warn("failed to close table", "table", h.meta.ID, "error", err)
		}
	}
	if h.obsolete.Load() && h.table != nil {
		if err := os.Remove(h.table.Path()); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("failed to delete obsolete table", "table", h.meta.ID, "error", err)
			return
		}
		h.logger.Debug("deleted obsolete table", "table", h.meta.ID)
	}
}

// discard closes and deletes a table that was never published.
func (h *tableHandle) discard() {
	h.obsolete.Store(true)
	h.ref()
	h.unref()
}

// release closes a table that was never published and leaves the file on
// disk. Open removes it if no manifest record names it.
func (h *tableHandle) release() {
	h.ref()
	h.unref()
}

// usable reports whether reads may consult the table.
func (h *tableHandle) usable() bool { return h.table != nil && !h.corrupt.Load() }

// readState is an immutable view of everything a read has to consult. The
// engine swaps in a new one on every rotation, flush and compaction.
type readState struct {
	refs atomic.Int32

	mem *memtable.MemTable
	// imm is ordered newest first.
	imm     []*memtable.MemTable
	version *manifest.Version
	// levels mirrors version.Levels.
	levels [][]*tableHandle
}

func (s *readState) tryRef() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *readState) unref() {
	if s.refs.Add(-1) != 0 {
		return
	}
	for _, lvl := range s.levels {
		for _, h := range lvl {
			h.unref()
		}
	}
}

// handles returns every table of the state in read priority order.
func (s *readState) handles() []*tableHandle {
	var out []*tableHandle
	for _, lvl := range s.levels {
		out = append(out, lvl...)
	}
	return out
}

func (s *readState) handle(id uint64) *tableHandle {
	for _, lvl := range s.levels {
		for _, h := range lvl {
			if h.meta.ID == id {
				return h
			}
		}
	}
	return nil
}

// tableFor returns the table of a sorted level that may hold user.
func tableFor(level []*tableHandle, user []byte) *tableHandle {
	i := sort.Search(len(level), func(i int) bool {
		return bytes.Compare(level[i].meta.Largest, user) >= 0
	})
	if i == len(level) || bytes.Compare(level[i].meta.Smallest, user) > 0 {
		return nil
	}
	return level[i]
}

// newState builds a state referencing every table of version. It must be
// called with versionMu held.
func (e *Engine) newState(mem *memtable.MemTable, imm []*memtable.MemTable, version *manifest.Version) *readState {
	s := &readState{
		mem:     mem,
		imm:     imm,
		version: version,
		levels:  make([][]*tableHandle, version.NumLevels()),
	}
	for lvl, metas := range version.Levels {
		for _, meta := range metas {
			h := e.handles[meta.ID]
			h.ref()
			s.levels[lvl] = append(s.levels[lvl], h)
		}
	}
	s.refs.Store(1)
	return s
}

// installState publishes s and drops the engine's reference to the previous
// state. It must be called with versionMu held.
func (e *Engine) installState(s *readState) {
	old := e.state.Swap(s)
	if old != nil {
		old.unref()
	}
	e.metrics.ImmutableTables.Set(float64(len(s.imm)))
	for lvl := range s.version.Levels {
		e.metrics.SetLevel(lvl, len(s.version.Levels[lvl]), s.version.LevelSize(lvl))
	}
}

// acquireState returns the current state with a reference held.
func (e *Engine) acquireState() (*readState, error) {
	for {
		if e.closed.Load() {
			return nil, errClosed()
		}
		s := e.state.Load()
		if s.tryRef() {
			return s, nil
		}
	}
}
