package wal

import (
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/keys"
)

func writeBatches(t *testing.T, dir string, id uint64, n int) *WAL {
	t.Helper()
	w, err := Create(dir, id, Options{Sync: true})
	require.NoError(t, err)

	for i := 1; i <= n; i++ {
		_, err := w.Append(uint64(i), []Entry{
			{Kind: keys.KindSet, Key: []byte{'k', byte('0' + i)}, Value: []byte("v")},
			{Kind: keys.KindDelete, Key: []byte("gone")},
		})
		require.NoError(t, err)
	}
	return w
}

func replayAll(t *testing.T, path string) ([]Record, ReplayStats) {
	t.Helper()
	var recs []Record
	stats, err := Replay(path, nil, func(r Record) error {
		recs = append(recs, r)
		return nil
	})
	require.NoError(t, err)
	return recs, stats
}

func TestAppendReplay(t *testing.T) {
	dir := t.TempDir()
	w := writeBatches(t, dir, 7, 3)
	require.NoError(t, w.Close())

	recs, stats := replayAll(t, Path(dir, 7))
	require.Len(t, recs, 3)
	require.False(t, stats.TornTail)
	require.Equal(t, 6, stats.Entries)
	require.EqualValues(t, 3, stats.LastTimestamp)

	require.EqualValues(t, 2, recs[1].Timestamp)
	require.Equal(t, []byte("k2"), recs[1].Entries[0].Key)
	require.Equal(t, keys.KindDelete, recs[1].Entries[1].Kind)
	require.Empty(t, recs[1].Entries[1].Value)
}

func TestReplayDiscardsTornTail(t *testing.T) {
	dir := t.TempDir()
	w := writeBatches(t, dir, 1, 3)
	size := w.Size()
	require.NoError(t, w.Close())

	path := Path(dir, 1)
	// cut the last record in half
	require.NoError(t, os.Truncate(path, size-5))

	recs, stats := replayAll(t, path)
	require.Len(t, recs, 2)
	require.True(t, stats.TornTail)
	require.EqualValues(t, 2, stats.LastTimestamp)
}

func TestReplayDiscardsCorruptTail(t *testing.T) {
	dir := t.TempDir()
	w := writeBatches(t, dir, 1, 2)
	size := w.Size()
	require.NoError(t, w.Close())

	path := Path(dir, 1)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[size-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0600))

	recs, stats := replayAll(t, path)
	require.Len(t, recs, 1)
	require.True(t, stats.TornTail)
}

func TestReplayEmptyLog(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 3, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	recs, stats := replayAll(t, Path(dir, 3))
	require.Empty(t, recs)
	require.False(t, stats.TornTail)
}

func TestReplayCallbackError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeBatches(t, dir, 1, 2).Close())

	boom := errors.New("boom")
	_, err := Replay(Path(dir, 1), nil, func(Record) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestAppendAfterClose(t *testing.T) {
	w := writeBatches(t, t.TempDir(), 1, 1)
	require.NoError(t, w.Close())

	_, err := w.Append(9, []Entry{{Kind: keys.KindSet, Key: []byte("a")}})
	require.True(t, errors.Is(err, dberrors.ErrState))
}

func TestCreateRefusesExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeBatches(t, dir, 4, 1).Close())

	_, err := Create(dir, 4, Options{})
	require.True(t, errors.Is(err, dberrors.ErrDurability))
}

func TestCreateSyncsDirectory(t *testing.T) {
	dir := t.TempDir()
	var synced []string
	orig := syncDir
	syncDir = func(d string) error {
		synced = append(synced, d)
		return orig(d)
	}
	t.Cleanup(func() { syncDir = orig })

	w, err := Create(dir, 2, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.Equal(t, []string{dir}, synced)
}

func TestCreateFailsWhenDirectorySyncFails(t *testing.T) {
	dir := t.TempDir()
	orig := syncDir
	syncDir = func(string) error { return dberrors.Durability(errors.New("injected"), "sync dir") }
	t.Cleanup(func() { syncDir = orig })

	_, err := Create(dir, 2, Options{})
	require.True(t, errors.Is(err, dberrors.ErrDurability))

	ids, err := List(dir)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestListAndRemove(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []uint64{12, 3, 7} {
		require.NoError(t, writeBatches(t, dir, id, 1).Close())
	}
	require.NoError(t, os.WriteFile(dir+"/notes.txt", nil, 0600))

	ids, err := List(dir)
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 7, 12}, ids)

	require.NoError(t, Remove(dir, 7))
	require.NoError(t, Remove(dir, 7))

	ids, err = List(dir)
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 12}, ids)
	require.Equal(t, "000012.wal", FileName(12))
}

func TestDecodeRecordRejectsBadKind(t *testing.T) {
	payload := encodeRecord(nil, 5, []Entry{{Kind: keys.KindSet, Key: []byte("a"), Value: []byte("b")}})
	payload[9] = 7 // kind byte of the first entry
	_, err := decodeRecord(payload)
	require.Error(t, err)
}
