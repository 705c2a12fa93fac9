package memtable

import (
	"sync/atomic"

	"mvccdb/pkg/keys"
	"mvccdb/pkg/types"
)

// Entry is a single version of a key as seen by a reader.
type Entry struct {
	Timestamp types.Timestamp
	Kind      keys.Kind
	Value     []byte
}

// Tombstone reports whether the version deletes the key.
func (e Entry) Tombstone() bool { return e.Kind == keys.KindDelete }

type version struct {
	ts    types.Timestamp
	kind  keys.Kind
	value []byte
	next  atomic.Pointer[version]
}

// chain holds every version of one user key, newest first. Versions are only
// ever added, so a CAS on the predecessor link is enough to insert.
type chain struct {
	head atomic.Pointer[version]
}

func (c *chain) insert(v *version) {
	for {
		link := &c.head
		cur := link.Load()
		for cur != nil && cur.ts > v.ts {
			link = &cur.next
			cur = link.Load()
		}
		v.next.Store(cur)
		if link.CompareAndSwap(cur, v) {
			return
		}
	}
}

// visible returns the newest version at or below readTs.
func (c *chain) visible(readTs types.Timestamp) *version {
	for v := c.head.Load(); v != nil; v = v.next.Load() {
		if v.ts <= readTs {
			return v
		}
	}
	return nil
}

func (v *version) entry() Entry {
	return Entry{Timestamp: v.ts, Kind: v.kind, Value: v.value}
}
