package iterator

import (
	"sort"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"mvccdb/pkg/keys"
)

type kv struct {
	key   keys.Key
	value string
}

// sliceIter is an in-memory Iterator over pre-sorted entries.
type sliceIter struct {
	items  []kv
	pos    int
	failAt int
	err    error
	closed bool
}

func newSlice(items ...kv) *sliceIter {
	sort.Slice(items, func(i, j int) bool { return keys.Compare(items[i].key, items[j].key) < 0 })
	return &sliceIter{items: items, pos: len(items), failAt: -1}
}

func (s *sliceIter) check() {
	if s.failAt >= 0 && s.pos >= s.failAt {
		s.err = errors.New("injected read failure")
		s.pos = len(s.items)
	}
}

func (s *sliceIter) First() { s.pos = 0; s.check() }
func (s *sliceIter) SeekGE(target keys.Key) {
	s.pos = sort.Search(len(s.items), func(i int) bool { return keys.Compare(s.items[i].key, target) >= 0 })
	s.check()
}
func (s *sliceIter) Next()         { s.pos++; s.check() }
func (s *sliceIter) Valid() bool   { return s.pos < len(s.items) }
func (s *sliceIter) Key() keys.Key { return s.items[s.pos].key }
func (s *sliceIter) Value() []byte { return []byte(s.items[s.pos].value) }
func (s *sliceIter) Error() error  { return s.err }
func (s *sliceIter) Close() error  { s.closed = true; return nil }

func set(k string, ts uint64, v string) kv {
	return kv{key: keys.Make([]byte(k), ts, keys.KindSet), value: v}
}

func del(k string, ts uint64) kv {
	return kv{key: keys.Make([]byte(k), ts, keys.KindDelete)}
}

func collect(v *Visible) map[string]string {
	out := map[string]string{}
	for v.First(); v.Valid(); v.Next() {
		out[string(v.Key())] = string(v.Value())
	}
	return out
}

func TestMergingIteratorOrder(t *testing.T) {
	a := newSlice(set("a", 5, "a5"), set("c", 1, "c1"))
	b := newSlice(set("a", 3, "a3"), set("b", 2, "b2"))
	m := NewMergingIterator(a, b)

	var got []string
	for m.First(); m.Valid(); m.Next() {
		got = append(got, m.Key().String())
	}
	require.Equal(t, []string{`"a"#5,SET`, `"a"#3,SET`, `"b"#2,SET`, `"c"#1,SET`}, got)

	m.SeekGE(keys.SeekKey([]byte("b"), 10))
	require.True(t, m.Valid())
	require.Equal(t, "b2", string(m.Value()))
	require.Equal(t, 1, m.Source())

	require.NoError(t, m.Close())
	require.True(t, a.closed)
	require.True(t, b.closed)
}

func TestMergingIteratorPrefersEarlierChildOnTie(t *testing.T) {
	newer := newSlice(set("k", 4, "from-newer"))
	older := newSlice(set("k", 4, "from-older"))
	m := NewMergingIterator(newer, older)
	m.First()
	require.Equal(t, "from-newer", string(m.Value()))
	require.Equal(t, 0, m.Source())
}

func TestMergingIteratorSurfacesChildError(t *testing.T) {
	bad := newSlice(set("a", 1, "x"), set("b", 1, "y"))
	bad.failAt = 1
	m := NewMergingIterator(newSlice(set("z", 1, "z")), bad)
	m.First()
	require.True(t, m.Valid())
	m.Next()
	require.False(t, m.Valid())
	require.Error(t, m.Error())
}

func TestVisibleFiltersByReadTimestamp(t *testing.T) {
	mem := newSlice(set("a", 9, "a9"), del("b", 8))
	disk := newSlice(set("a", 2, "a2"), set("b", 3, "b3"), set("c", 4, "c4"))

	cases := []struct {
		readTs uint64
		want   map[string]string
	}{
		{readTs: 1, want: map[string]string{}},
		{readTs: 3, want: map[string]string{"a": "a2", "b": "b3"}},
		{readTs: 8, want: map[string]string{"a": "a2", "c": "c4"}},
		{readTs: 9, want: map[string]string{"a": "a9", "c": "c4"}},
	}
	for _, tc := range cases {
		v := NewVisibleIterator(NewMergingIterator(mem, disk), tc.readTs, nil, nil)
		require.Equal(t, tc.want, collect(v), "readTs=%d", tc.readTs)
	}
}

func TestVisibleBounds(t *testing.T) {
	src := newSlice(set("a", 1, "1"), set("b", 1, "2"), set("c", 1, "3"), set("d", 1, "4"))
	v := NewVisibleIterator(src, 10, []byte("b"), []byte("d"))
	require.Equal(t, map[string]string{"b": "2", "c": "3"}, collect(v))

	v.SeekGE([]byte("a"))
	require.True(t, v.Valid())
	require.Equal(t, []byte("b"), v.Key())

	v.SeekGE([]byte("bb"))
	require.Equal(t, []byte("c"), v.Key())
	v.Next()
	require.False(t, v.Valid())
	require.NoError(t, v.Error())
}

func TestVisibleTombstoneShadowsOlderSources(t *testing.T) {
	active := newSlice(del("k", 10))
	frozen := newSlice(set("k", 7, "v7"))
	disk := newSlice(set("k", 1, "v1"), set("m", 1, "m1"))

	v := NewVisibleIterator(NewMergingIterator(active, frozen, disk), 20, nil, nil)
	require.Equal(t, map[string]string{"m": "m1"}, collect(v))
}

func TestVisibleGet(t *testing.T) {
	src := newSlice(set("a", 3, "a3"), del("b", 5), set("b", 2, "b2"), set("c", 9, "c9"))

	v := NewVisibleIterator(NewMergingIterator(src), 6, nil, nil)
	val, ok, err := v.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a3", string(val))

	_, ok, err = v.Get([]byte("b"))
	require.NoError(t, err)
	require.False(t, ok)

	// c is newer than the read timestamp
	_, ok, err = v.Get([]byte("c"))
	require.NoError(t, err)
	require.False(t, ok)

	old := NewVisibleIterator(NewMergingIterator(newSlice(del("b", 5), set("b", 2, "b2"))), 4, nil, nil)
	val, ok, err = old.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b2", string(val))
}

func TestEmpty(t *testing.T) {
	it := Empty(nil)
	it.First()
	require.False(t, it.Valid())
	require.NoError(t, it.Error())

	boom := errors.New("boom")
	require.ErrorIs(t, Empty(boom).Error(), boom)
}
