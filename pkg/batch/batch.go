// Package batch groups reads or writes that the engine applies at a single
// timestamp. A batch is either a ReadBatch or a WriteBatch; operations only
// exist on the matching type. Keys are kept ordered and unique, so a later
// write to the same key replaces the earlier one.
package batch

import (
	"bytes"

	"github.com/google/btree"

	"mvccdb/pkg/keys"
	"mvccdb/pkg/types"
)

const degree = 16

// Batch is implemented by *ReadBatch and *WriteBatch only.
type Batch interface {
	Len() int
	sealed()
}

type readItem struct {
	key types.Key
}

func (i readItem) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(readItem).key) < 0
}

// ReadBatch is a set of keys read at one snapshot.
type ReadBatch struct {
	tree *btree.BTree
}

func NewRead() *ReadBatch {
	return &ReadBatch{tree: btree.New(degree)}
}

func (*ReadBatch) sealed() {}

// Get adds key to the batch.
func (b *ReadBatch) Get(key types.Key) {
	b.tree.ReplaceOrInsert(readItem{key: bytes.Clone(key)})
}

func (b *ReadBatch) Len() int { return b.tree.Len() }

// Keys returns the keys in ascending order.
func (b *ReadBatch) Keys() []types.Key {
	out := make([]types.Key, 0, b.tree.Len())
	b.tree.Ascend(func(i btree.Item) bool {
		out = append(out, i.(readItem).key)
		return true
	})
	return out
}

// Op is one write of a WriteBatch.
type Op struct {
	Kind  keys.Kind
	Key   types.Key
	Value types.Value
}

func (o Op) Less(than btree.Item) bool {
	return bytes.Compare(o.Key, than.(Op).Key) < 0
}

// WriteBatch is a set of writes applied atomically.
type WriteBatch struct {
	tree *btree.BTree
	size int
}

func NewWrite() *WriteBatch {
	return &WriteBatch{tree: btree.New(degree)}
}

func (*WriteBatch) sealed() {}

func (b *WriteBatch) Insert(key types.Key, value types.Value) {
	b.put(Op{Kind: keys.KindSet, Key: bytes.Clone(key), Value: bytes.Clone(value)})
}

func (b *WriteBatch) Remove(key types.Key) {
	b.put(Op{Kind: keys.KindDelete, Key: bytes.Clone(key)})
}

func (b *WriteBatch) put(op Op) {
	if old := b.tree.ReplaceOrInsert(op); old != nil {
		prev := old.(Op)
		b.size -= len(prev.Key) + len(prev.Value)
	}
	b.size += len(op.Key) + len(op.Value)
}

// Merge applies other's writes on top of b.
func (b *WriteBatch) Merge(other *WriteBatch) {
	other.tree.Ascend(func(i btree.Item) bool {
		b.put(i.(Op))
		return true
	})
}

// Lookup returns the pending write for key.
func (b *WriteBatch) Lookup(key types.Key) (Op, bool) {
	i := b.tree.Get(Op{Key: key})
	if i == nil {
		return Op{}, false
	}
	return i.(Op), true
}

func (b *WriteBatch) Len() int { return b.tree.Len() }

// Size is the total length of keys and values.
func (b *WriteBatch) Size() int { return b.size }

func (b *WriteBatch) Reset() {
	b.tree = btree.New(degree)
	b.size = 0
}

// Ops returns the writes in ascending key order.
func (b *WriteBatch) Ops() []Op {
	out := make([]Op, 0, b.tree.Len())
	b.tree.Ascend(func(i btree.Item) bool {
		out = append(out, i.(Op))
		return true
	})
	return out
}

// Item is the outcome of reading one key.
type Item struct {
	Key   types.Key   `json:"key"`
	Value types.Value `json:"value,omitempty"`
	Found bool        `json:"found"`
}

// ReadResult holds the items of a ReadBatch in key order.
type ReadResult struct {
	Items []Item
}

// Get returns the value read for key. It reports false both for keys that
// were absent and for keys that were not part of the batch.
func (r ReadResult) Get(key types.Key) (types.Value, bool) {
	lo, hi := 0, len(r.Items)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if bytes.Compare(r.Items[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(r.Items) && bytes.Equal(r.Items[lo].Key, key) && r.Items[lo].Found {
		return r.Items[lo].Value, true
	}
	return nil, false
}

func (r ReadResult) Len() int { return len(r.Items) }
