package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/keys"
)

func TestGetReturnsNewestVisibleVersion(t *testing.T) {
	mt := New(1)
	require.NoError(t, mt.Put([]byte("k"), []byte("v1"), 10))
	require.NoError(t, mt.Put([]byte("k"), []byte("v2"), 20))
	require.NoError(t, mt.Delete([]byte("k"), 30))

	_, ok := mt.Get([]byte("k"), 5)
	require.False(t, ok)

	e, ok := mt.Get([]byte("k"), 15)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), e.Value)

	e, ok = mt.Get([]byte("k"), 29)
	require.True(t, ok)
	require.EqualValues(t, 20, e.Timestamp)

	e, ok = mt.Get([]byte("k"), 30)
	require.True(t, ok)
	require.True(t, e.Tombstone())

	_, ok = mt.Get([]byte("missing"), keys.MaxTimestamp)
	require.False(t, ok)
}

func TestOutOfOrderInsertKeepsChainSorted(t *testing.T) {
	mt := New(1)
	for _, ts := range []uint64{5, 1, 9, 3} {
		require.NoError(t, mt.Put([]byte("k"), []byte(fmt.Sprint(ts)), ts))
	}

	it := mt.NewIterator()
	defer it.Close()

	var got []uint64
	for it.First(); it.Valid(); it.Next() {
		got = append(got, it.Key().Timestamp())
	}
	require.Equal(t, []uint64{9, 5, 3, 1}, got)
}

func TestPutCopiesInput(t *testing.T) {
	mt := New(1)
	key, val := []byte("key"), []byte("val")
	require.NoError(t, mt.Put(key, val, 1))
	key[0], val[0] = 'X', 'X'

	e, ok := mt.Get([]byte("key"), 1)
	require.True(t, ok)
	require.Equal(t, []byte("val"), e.Value)
}

func TestFreeze(t *testing.T) {
	mt := New(3)
	require.NoError(t, mt.Put([]byte("a"), []byte("1"), 1))
	require.True(t, mt.Freeze())
	require.False(t, mt.Freeze())
	require.True(t, mt.Frozen())

	err := mt.Put([]byte("b"), []byte("2"), 2)
	require.ErrorIs(t, err, ErrMemTableFrozen)
	require.True(t, errors.Is(err, dberrors.ErrState))

	// still readable
	e, ok := mt.Get([]byte("a"), 1)
	require.True(t, ok)
	require.Equal(t, []byte("1"), e.Value)
}

func TestSizeAndTimestamps(t *testing.T) {
	mt := New(1)
	require.True(t, mt.Empty())
	require.NoError(t, mt.Put([]byte("ab"), []byte("cd"), 7))
	require.NoError(t, mt.Delete([]byte("ab"), 3))

	require.EqualValues(t, 2, mt.Len())
	require.EqualValues(t, 2+2+versionOverhead+2+versionOverhead, mt.Size())
	require.EqualValues(t, 3, mt.MinTimestamp())
	require.EqualValues(t, 7, mt.MaxTimestamp())
}

func TestIteratorOrderAndSeek(t *testing.T) {
	mt := New(1)
	require.NoError(t, mt.Put([]byte("b"), []byte("b1"), 1))
	require.NoError(t, mt.Put([]byte("a"), []byte("a2"), 2))
	require.NoError(t, mt.Put([]byte("c"), []byte("c3"), 3))
	require.NoError(t, mt.Put([]byte("b"), []byte("b4"), 4))

	it := mt.NewIterator()
	defer it.Close()

	var got []string
	for it.First(); it.Valid(); it.Next() {
		got = append(got, it.Key().String())
	}
	require.Equal(t, []string{`"a"#2,SET`, `"b"#4,SET`, `"b"#1,SET`, `"c"#3,SET`}, got)

	it.SeekGE(keys.SeekKey([]byte("b"), 2))
	require.True(t, it.Valid())
	require.Equal(t, []byte("b1"), it.Value())

	it.SeekGE(keys.SeekKey([]byte("bb"), keys.MaxTimestamp))
	require.True(t, it.Valid())
	require.Equal(t, []byte("c"), it.Key().UserKey)

	it.SeekGE(keys.SeekKey([]byte("d"), keys.MaxTimestamp))
	require.False(t, it.Valid())
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	mt := New(1)
	const writers, perWriter = 8, 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				ts := uint64(w*perWriter + i + 1)
				key := []byte(fmt.Sprintf("key-%03d", i))
				if err := mt.Put(key, []byte(fmt.Sprint(ts)), ts); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if e, ok := mt.Get([]byte(fmt.Sprintf("key-%03d", i)), keys.MaxTimestamp); ok {
					if string(e.Value) != fmt.Sprint(e.Timestamp) {
						t.Errorf("torn version %d=%q", e.Timestamp, e.Value)
					}
				}
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, writers*perWriter, mt.Len())
	for i := 0; i < perWriter; i++ {
		e, ok := mt.Get([]byte(fmt.Sprintf("key-%03d", i)), keys.MaxTimestamp)
		require.True(t, ok)
		require.EqualValues(t, (writers-1)*perWriter+i+1, e.Timestamp)
	}
}
