package memtable

import (
	"bytes"
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/zhangyunhao116/skipmap"

	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/keys"
	"mvccdb/pkg/types"
)

var (
	ErrMemTableFrozen = errors.Mark(errors.New("memtable: frozen"), dberrors.ErrState)
)

// per-version bookkeeping charged to Size on top of key and value bytes
const versionOverhead = 48

type concurrentMap = skipmap.FuncMap[[]byte, *chain]

// MemTable is one generation of the in-memory write buffer. It is written
// concurrently until Freeze, after which it only serves reads until flushed.
type MemTable struct {
	id      types.FileID
	entries *concurrentMap

	size  atomic.Int64
	count atomic.Int64
	minTs atomic.Uint64
	maxTs atomic.Uint64

	frozen  atomic.Bool
	writers atomic.Int64
}

func New(id types.FileID) *MemTable {
	mt := &MemTable{
		id: id,
		entries: skipmap.NewFunc[[]byte, *chain](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
	mt.minTs.Store(keys.MaxTimestamp)
	return mt
}

func (mt *MemTable) ID() types.FileID { return mt.id }

// Size is the approximate memory footprint in bytes.
func (mt *MemTable) Size() int64 { return mt.size.Load() }

// Len is the number of versions, counting every version of every key.
func (mt *MemTable) Len() int64   { return mt.count.Load() }
func (mt *MemTable) Empty() bool  { return mt.count.Load() == 0 }
func (mt *MemTable) Frozen() bool { return mt.frozen.Load() }

// MinTimestamp and MaxTimestamp bound the versions held. They are only
// meaningful when the table is not empty.
func (mt *MemTable) MinTimestamp() types.Timestamp { return mt.minTs.Load() }
func (mt *MemTable) MaxTimestamp() types.Timestamp { return mt.maxTs.Load() }

func (mt *MemTable) Put(key, value []byte, ts types.Timestamp) error {
	return mt.add(key, value, ts, keys.KindSet)
}

// Delete records a tombstone for key at ts.
func (mt *MemTable) Delete(key []byte, ts types.Timestamp) error {
	return mt.add(key, nil, ts, keys.KindDelete)
}

// Add inserts a version of the given kind.
func (mt *MemTable) Add(key, value []byte, ts types.Timestamp, kind keys.Kind) error {
	return mt.add(key, value, ts, kind)
}

func (mt *MemTable) add(key, value []byte, ts types.Timestamp, kind keys.Kind) error {
	mt.writers.Add(1)
	defer mt.writers.Add(-1)

	if mt.frozen.Load() {
		return errors.Wrapf(ErrMemTableFrozen, "memtable %d", mt.id)
	}

	c, ok := mt.entries.Load(key)
	if !ok {
		c, _ = mt.entries.LoadOrStore(bytes.Clone(key), &chain{})
	}

	v := &version{ts: ts, kind: kind}
	if kind == keys.KindSet {
		v.value = bytes.Clone(value)
		if v.value == nil {
			v.value = []byte{}
		}
	}
	c.insert(v)

	mt.count.Add(1)
	mt.size.Add(int64(len(key) + len(value) + versionOverhead))
	storeMin(&mt.minTs, ts)
	storeMax(&mt.maxTs, ts)

	return nil
}

// Get returns the newest version of key with a timestamp at or below readTs.
// Tombstones are returned as such; deciding absence is up to the caller.
func (mt *MemTable) Get(key []byte, readTs types.Timestamp) (Entry, bool) {
	c, ok := mt.entries.Load(key)
	if !ok {
		return Entry{}, false
	}
	v := c.visible(readTs)
	if v == nil {
		return Entry{}, false
	}
	return v.entry(), true
}

// Freeze makes the table read-only. Once it returns, no write is in flight
// and later writes fail with ErrMemTableFrozen. It reports whether this call
// did the freezing.
func (mt *MemTable) Freeze() bool {
	if !mt.frozen.CompareAndSwap(false, true) {
		return false
	}
	for mt.writers.Load() > 0 {
		runtime.Gosched()
	}
	return true
}

// NewIterator returns an iterator over every version in internal key order.
func (mt *MemTable) NewIterator() *Iterator {
	return &Iterator{mt: mt}
}

func storeMin(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if v >= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}

func storeMax(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if v <= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}
