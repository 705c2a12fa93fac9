package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"mvccdb/pkg/compaction"
	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/manifest"
	"mvccdb/pkg/metrics"
	"mvccdb/pkg/persistence"
	"mvccdb/pkg/wal"
)

func key(i int) []byte   { return []byte(fmt.Sprintf("key-%03d", i)) }
func value(i int) []byte { return []byte(fmt.Sprintf("value-%03d", i)) }

func TestLSM_FlushRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, WithDisableAutoCompaction())

	for i := 0; i < 100; i++ {
		require.NoError(t, e.Insert(key(i), value(i)))
	}
	require.NoError(t, e.Flush(context.Background()))

	tables, err := e.Tables()
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Equal(t, 0, tables[0].Level)
	require.EqualValues(t, 100, tables[0].Entries)
	require.Equal(t, key(0), tables[0].Smallest)
	require.Equal(t, key(99), tables[0].Largest)

	s, err := e.acquireState()
	require.NoError(t, err)
	require.Empty(t, s.imm)
	require.True(t, s.mem.Empty())
	s.unref()

	for i := 0; i < 100; i++ {
		require.Equal(t, string(value(i)), mustGet(t, e, string(key(i))))
	}

	// a second flush with nothing buffered is a no-op
	require.NoError(t, e.Flush(context.Background()))
	tables, err = e.Tables()
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.NoError(t, e.Close())
}

func TestLSM_RecoverFromLog(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	for i := 0; i < 50; i++ {
		require.NoError(t, e.Insert(key(i), value(i)))
	}
	require.NoError(t, e.Remove(key(7)))
	visible := e.VisibleTimestamp()
	require.NoError(t, e.Close())

	e = openTestEngine(t, dir)
	defer e.Close()
	require.Equal(t, visible, e.VisibleTimestamp())
	for i := 0; i < 50; i++ {
		if i == 7 {
			requireAbsent(t, e, string(key(i)))
			continue
		}
		require.Equal(t, string(value(i)), mustGet(t, e, string(key(i))))
	}

	// new commits continue after the recovered timestamps
	require.NoError(t, e.Insert(key(7), []byte("again")))
	require.Greater(t, e.VisibleTimestamp(), visible)
	require.Equal(t, "again", mustGet(t, e, string(key(7))))
}

// A crash between the manifest append and the log deletion leaves a log
// that is already in a table. Reopening must not depend on it.
func TestLSM_RecoverFlushedLogLeftBehind(t *testing.T) {
	dir := t.TempDir()
	walDir := filepath.Join(dir, walDirName)
	e := openTestEngine(t, dir, WithDisableAutoCompaction())
	for i := 0; i < 100; i++ {
		require.NoError(t, e.Insert(key(i), value(i)))
	}

	ids, err := wal.List(walDir)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	logPath := wal.Path(walDir, ids[0])
	saved, err := os.ReadFile(logPath)
	require.NoError(t, err)

	require.NoError(t, e.Flush(context.Background()))
	require.NoFileExists(t, logPath)
	require.NoError(t, e.Close())

	require.NoError(t, os.WriteFile(logPath, saved, 0600))

	e = openTestEngine(t, dir, WithDisableAutoCompaction())
	defer e.Close()
	require.NoFileExists(t, logPath)
	for i := 0; i < 100; i++ {
		require.Equal(t, string(value(i)), mustGet(t, e, string(key(i))))
	}
}

func TestLSM_RemovesOrphanTables(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	require.NoError(t, e.Insert([]byte("k"), []byte("v")))
	require.NoError(t, e.Close())

	orphan := persistence.Path(dir, 999)
	require.NoError(t, os.WriteFile(orphan, []byte("half written"), 0600))

	e = openTestEngine(t, dir)
	defer e.Close()
	require.NoFileExists(t, orphan)
	require.Equal(t, "v", mustGet(t, e, "k"))
}

func TestLSM_CompactionKeepsSnapshotReads(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, WithDisableAutoCompaction())
	defer e.Close()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, e.Insert(key(i), value(i)))
	}
	require.NoError(t, e.Flush(ctx))

	snap, err := e.NewSnapshot()
	require.NoError(t, err)
	for i := 0; i < 100; i += 2 {
		require.NoError(t, e.Remove(key(i)))
	}
	require.NoError(t, e.Flush(ctx))

	require.NoError(t, e.Compact(ctx))
	stats, err := e.LevelStats()
	require.NoError(t, err)
	require.Zero(t, stats[0].Tables)
	require.NotZero(t, stats[1].Tables)

	for i := 0; i < 100; i++ {
		v, ok, err := snap.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, value(i), v)
		if i%2 == 0 {
			requireAbsent(t, e, string(key(i)))
		} else {
			require.Equal(t, string(value(i)), mustGet(t, e, string(key(i))))
		}
	}

	// the tombstones were above the snapshot and survive
	require.EqualValues(t, 150, totalEntries(t, e))

	snap.Release()
	require.NoError(t, e.Insert([]byte("a"), []byte("low")))
	require.NoError(t, e.Insert([]byte("z"), []byte("high")))
	require.NoError(t, e.Compact(ctx))

	// with no snapshot left the deleted keys are gone for good
	require.EqualValues(t, 52, totalEntries(t, e))
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			requireAbsent(t, e, string(key(i)))
		} else {
			require.Equal(t, string(value(i)), mustGet(t, e, string(key(i))))
		}
	}
}

func totalEntries(t *testing.T, e *Engine) uint64 {
	t.Helper()
	tables, err := e.Tables()
	require.NoError(t, err)
	var n uint64
	for _, tbl := range tables {
		n += tbl.Entries
	}
	return n
}

func TestLSM_CompactionDeletesReplacedTables(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, WithDisableAutoCompaction())
	defer e.Close()
	ctx := context.Background()

	var before []string
	for round := 0; round < 3; round++ {
		for i := 0; i < 20; i++ {
			require.NoError(t, e.Insert(key(i), value(round*100+i)))
		}
		require.NoError(t, e.Flush(ctx))
	}
	tables, err := e.Tables()
	require.NoError(t, err)
	require.Len(t, tables, 3)
	for _, tbl := range tables {
		before = append(before, persistence.Path(dir, tbl.ID))
	}

	require.NoError(t, e.Compact(ctx))
	for _, path := range before {
		require.NoFileExists(t, path)
	}
	for i := 0; i < 20; i++ {
		require.Equal(t, string(value(200+i)), mustGet(t, e, string(key(i))))
	}
}

func TestLSM_IteratorPinsReplacedTables(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, WithDisableAutoCompaction())
	defer e.Close()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, e.Insert(key(i), value(i)))
	}
	require.NoError(t, e.Flush(ctx))
	tables, err := e.Tables()
	require.NoError(t, err)
	old := persistence.Path(dir, tables[0].ID)

	it, err := e.NewIterator(IterOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Compact(ctx))
	require.FileExists(t, old)

	n := 0
	for it.First(); it.Valid(); it.Next() {
		n++
	}
	require.NoError(t, it.Error())
	require.Equal(t, 50, n)
	require.NoError(t, it.Close())
	require.NoFileExists(t, old)
}

func TestLSM_AutoCompaction(t *testing.T) {
	dir := t.TempDir()
	opts := compaction.Options{
		L0Trigger:       2,
		BaseLevelSize:   8 << 10,
		LevelMultiplier: 4,
		MaxLevels:       4,
		TargetFileSize:  4 << 10,
	}
	e := openTestEngine(t, dir, WithCompaction(opts), WithFlushThreshold(1<<10))
	defer e.Close()

	for i := 0; i < 2000; i++ {
		require.NoError(t, e.Insert(key(i%300), value(i)))
	}
	require.NoError(t, e.Flush(context.Background()))

	require.Eventually(t, func() bool {
		stats, err := e.LevelStats()
		require.NoError(t, err)
		return stats[0].Tables < opts.L0Trigger
	}, 10*time.Second, 10*time.Millisecond)

	for i := 1700; i < 2000; i++ {
		require.Equal(t, string(value(i)), mustGet(t, e, string(key(i%300))))
	}
}

func TestLSM_CorruptTableIsExcluded(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, WithDisableAutoCompaction())
	require.NoError(t, e.Insert([]byte("flushed"), []byte("v")))
	require.NoError(t, e.Flush(context.Background()))
	tables, err := e.Tables()
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.NoError(t, e.Close())

	f, err := os.OpenFile(persistence.Path(dir, tables[0].ID), os.O_RDWR, 0)
	require.NoError(t, err)
	b := make([]byte, 1)
	_, err = f.ReadAt(b, 0)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m := metrics.New()
	e = openTestEngine(t, dir, WithDisableAutoCompaction(), WithMetrics(m))
	defer e.Close()
	require.NoError(t, e.Insert([]byte("fresh"), []byte("v")))

	_, _, err = e.Get([]byte("flushed"))
	require.True(t, dberrors.IsCorruption(err), "got %v", err)
	require.Equal(t, float64(1), testutil.ToFloat64(m.Corruptions))

	// later reads skip the table
	requireAbsent(t, e, "flushed")
	require.Equal(t, "v", mustGet(t, e, "fresh"))
}

func TestLSM_ManifestRewrite(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, WithDisableAutoCompaction(), WithManifestRewriteThreshold(3))
	for round := 0; round < 10; round++ {
		require.NoError(t, e.Insert(key(round), value(round)))
		require.NoError(t, e.Flush(context.Background()))
	}
	dbID := e.DBID()
	require.NoError(t, e.Close())

	edits, err := manifest.ReadEdits(dir)
	require.NoError(t, err)
	require.LessOrEqual(t, len(edits), 4)

	e = openTestEngine(t, dir)
	defer e.Close()
	require.Equal(t, dbID, e.DBID())
	tables, err := e.Tables()
	require.NoError(t, err)
	require.Len(t, tables, 10)
	for round := 0; round < 10; round++ {
		require.Equal(t, string(value(round)), mustGet(t, e, string(key(round))))
	}
}

func TestLSM_WriteStallDrains(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir,
		WithDisableAutoCompaction(),
		WithFlushThreshold(512),
		WithMaxImmTables(1),
	)
	defer e.Close()

	for i := 0; i < 500; i++ {
		require.NoError(t, e.Insert(key(i), value(i)))
	}
	s, err := e.acquireState()
	require.NoError(t, err)
	require.LessOrEqual(t, len(s.imm), 1)
	s.unref()

	for i := 0; i < 500; i++ {
		require.Equal(t, string(value(i)), mustGet(t, e, string(key(i))))
	}
}

func TestLSM_LevelStats(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), WithDisableAutoCompaction())
	defer e.Close()

	require.NoError(t, e.Insert([]byte("k"), []byte("v")))
	require.NoError(t, e.Flush(context.Background()))

	stats, err := e.LevelStats()
	require.NoError(t, err)
	require.Len(t, stats, e.picker.Options().MaxLevels)
	require.Equal(t, 1, stats[0].Tables)
	require.NotZero(t, stats[0].Bytes)
	require.Equal(t, 0.25, stats[0].Score)
}
