package memtable

import (
	"bytes"
	"iter"

	"mvccdb/pkg/keys"
)

// Iterator walks a memtable lazily. Keys are pulled one at a time from the
// skip map; the versions of a key are read from its chain.
type Iterator struct {
	mt *MemTable

	next func() ([]byte, *chain, bool)
	stop func()

	user []byte
	cur  *version
}

func (it *Iterator) reset() {
	if it.stop != nil {
		it.stop()
	}
	it.next, it.stop = iter.Pull2[[]byte, *chain](it.mt.entries.Range)
	it.user, it.cur = nil, nil
}

// nextKey positions on the newest version of the next key that has one.
func (it *Iterator) nextKey() {
	for {
		k, c, ok := it.next()
		if !ok {
			it.user, it.cur = nil, nil
			return
		}
		// a chain can be published a moment before its first version
		if v := c.head.Load(); v != nil {
			it.user, it.cur = k, v
			return
		}
	}
}

func (it *Iterator) First() {
	it.reset()
	it.nextKey()
}

// SeekGE positions on the first version >= target. The skip map offers no
// seek, so whole keys are skipped until the target's user key is reached.
func (it *Iterator) SeekGE(target keys.Key) {
	it.reset()
	it.nextKey()
	for it.cur != nil && bytes.Compare(it.user, target.UserKey) < 0 {
		it.nextKey()
	}
	for it.cur != nil && keys.Compare(it.Key(), target) < 0 {
		it.Next()
	}
}

func (it *Iterator) Next() {
	if it.cur == nil {
		return
	}
	if n := it.cur.next.Load(); n != nil {
		it.cur = n
		return
	}
	it.nextKey()
}

func (it *Iterator) Valid() bool { return it.cur != nil }

func (it *Iterator) Key() keys.Key {
	return keys.Key{UserKey: it.user, Trailer: keys.MakeTrailer(it.cur.ts, it.cur.kind)}
}

func (it *Iterator) Value() []byte { return it.cur.value }

func (it *Iterator) Error() error { return nil }

func (it *Iterator) Close() error {
	if it.stop != nil {
		it.stop()
		it.stop = nil
	}
	it.user, it.cur = nil, nil
	return nil
}
