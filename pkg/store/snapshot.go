package store

import (
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipset"

	"mvccdb/pkg/types"
)

type snapshotKey struct {
	ts types.Timestamp
	id uint64
}

// snapshotRegistry tracks the read timestamps in use. Its minimum is the
// garbage collection watermark for compaction.
type snapshotRegistry struct {
	// mu orders registration against watermark computation: a snapshot
	// is either visible to a watermark or taken at or after it.
	mu     sync.Mutex
	set    *skipset.FuncSet[snapshotKey]
	nextID atomic.Uint64
}

func newSnapshotRegistry() *snapshotRegistry {
	return &snapshotRegistry{
		set: skipset.NewFunc(func(a, b snapshotKey) bool {
			if a.ts != b.ts {
				return a.ts < b.ts
			}
			return a.id < b.id
		}),
	}
}

func (r *snapshotRegistry) register(visible *atomic.Uint64) snapshotKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := snapshotKey{ts: visible.Load(), id: r.nextID.Add(1)}
	r.set.Add(k)
	return k
}

func (r *snapshotRegistry) release(k snapshotKey) {
	r.set.Remove(k)
}

// watermark is the oldest registered read timestamp, or the newest visible
// timestamp when nothing is registered.
func (r *snapshotRegistry) watermark(visible *atomic.Uint64) types.Timestamp {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := visible.Load()
	r.set.Range(func(k snapshotKey) bool {
		w = min(w, k.ts)
		return false
	})
	return w
}

func (r *snapshotRegistry) len() int { return r.set.Len() }

// Snapshot pins a read timestamp. Reads through it see exactly the writes
// committed at or before that timestamp, and compaction keeps the versions
// they need until Release.
type Snapshot struct {
	e        *Engine
	key      snapshotKey
	released atomic.Bool
}

// NewSnapshot registers a snapshot at the newest visible timestamp.
func (e *Engine) NewSnapshot() (*Snapshot, error) {
	if e.closed.Load() {
		return nil, errClosed()
	}
	return e.newSnapshot(), nil
}

func (e *Engine) newSnapshot() *Snapshot {
	return &Snapshot{e: e, key: e.snapshots.register(&e.visible)}
}

func (s *Snapshot) Timestamp() types.Timestamp { return s.key.ts }

func (s *Snapshot) Get(key types.Key) (types.Value, bool, error) {
	if s.released.Load() {
		return nil, false, errSnapshotReleased()
	}
	return s.e.getAt(key, s.key.ts)
}

// NewIterator iterates at the snapshot. The snapshot must outlive the iterator.
func (s *Snapshot) NewIterator(opts IterOptions) (*Iterator, error) {
	if s.released.Load() {
		return nil, errSnapshotReleased()
	}
	opts.Snapshot = s
	return s.e.NewIterator(opts)
}

// Release unregisters the snapshot. It is safe to call more than once.
func (s *Snapshot) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.e.snapshots.release(s.key)
	}
}
