package batch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mvccdb/pkg/keys"
)

func TestWriteBatchLastWriteWins(t *testing.T) {
	wb := NewWrite()
	wb.Insert([]byte("b"), []byte("1"))
	wb.Insert([]byte("a"), []byte("x"))
	wb.Insert([]byte("b"), []byte("2"))
	wb.Remove([]byte("a"))

	require.Equal(t, 2, wb.Len())
	ops := wb.Ops()
	require.Equal(t, Op{Kind: keys.KindDelete, Key: []byte("a")}, ops[0])
	require.Equal(t, Op{Kind: keys.KindSet, Key: []byte("b"), Value: []byte("2")}, ops[1])
	require.Equal(t, 3, wb.Size())

	op, ok := wb.Lookup([]byte("b"))
	require.True(t, ok)
	require.Equal(t, "2", string(op.Value))
	_, ok = wb.Lookup([]byte("c"))
	require.False(t, ok)

	wb.Reset()
	require.Zero(t, wb.Len())
	require.Zero(t, wb.Size())
}

func TestWriteBatchCopiesInput(t *testing.T) {
	key, value := []byte("k"), []byte("v")
	wb := NewWrite()
	wb.Insert(key, value)
	key[0], value[0] = 'x', 'x'

	op, ok := wb.Lookup([]byte("k"))
	require.True(t, ok)
	require.Equal(t, "v", string(op.Value))
}

func TestWriteBatchMerge(t *testing.T) {
	a := NewWrite()
	a.Insert([]byte("k1"), []byte("a"))
	a.Insert([]byte("k2"), []byte("a"))
	b := NewWrite()
	b.Remove([]byte("k2"))
	b.Insert([]byte("k3"), []byte("b"))

	a.Merge(b)
	require.Equal(t, 3, a.Len())
	op, _ := a.Lookup([]byte("k2"))
	require.Equal(t, keys.KindDelete, op.Kind)
}

func TestReadBatch(t *testing.T) {
	rb := NewRead()
	rb.Get([]byte("z"))
	rb.Get([]byte("a"))
	rb.Get([]byte("z"))

	require.Equal(t, 2, rb.Len())
	require.Equal(t, [][]byte{[]byte("a"), []byte("z")}, rb.Keys())

	var b Batch = rb
	_, isWrite := b.(*WriteBatch)
	require.False(t, isWrite)
}

func TestReadResultGet(t *testing.T) {
	r := ReadResult{Items: []Item{
		{Key: []byte("a"), Value: []byte("1"), Found: true},
		{Key: []byte("b")},
		{Key: []byte("c"), Value: []byte("3"), Found: true},
	}}
	v, ok := r.Get([]byte("c"))
	require.True(t, ok)
	require.Equal(t, "3", string(v))

	_, ok = r.Get([]byte("b"))
	require.False(t, ok)
	_, ok = r.Get([]byte("bb"))
	require.False(t, ok)
	require.Equal(t, 3, r.Len())
}
