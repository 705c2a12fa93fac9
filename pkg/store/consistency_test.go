package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"mvccdb/pkg/batch"
	"mvccdb/pkg/dberrors"
)

func TestConsistency_ConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, WithFlushThreshold(4<<10))

	const (
		writers = 8
		perGo   = 200
	)
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 0; i < perGo; i++ {
				k := fmt.Sprintf("w%d-%04d", w, i)
				if err := e.Insert([]byte(k), []byte(k)); err != nil {
					return err
				}
				if i%10 == 0 {
					if _, _, err := e.Get([]byte(k)); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, writers*perGo, e.VisibleTimestamp())

	check := func(e *Engine) {
		for w := 0; w < writers; w++ {
			for i := 0; i < perGo; i++ {
				k := fmt.Sprintf("w%d-%04d", w, i)
				require.Equal(t, k, mustGet(t, e, k))
			}
		}
	}
	check(e)
	require.NoError(t, e.Close())

	e = openTestEngine(t, dir)
	defer e.Close()
	check(e)
}

// Readers must never observe half of a batch: both keys move together.
func TestConsistency_BatchAtomicity(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), WithFlushThreshold(2<<10))
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			rb := batch.NewRead()
			rb.Get([]byte("left"))
			rb.Get([]byte("right"))
			res, err := e.ApplyRead(rb)
			if err != nil {
				errs <- err
				return
			}
			l, _ := res.Get([]byte("left"))
			r, _ := res.Get([]byte("right"))
			if string(l) != string(r) {
				errs <- errors.Newf("torn read: left=%q right=%q", l, r)
				return
			}
		}
	}()

	for i := 0; i < 500; i++ {
		wb := batch.NewWrite()
		v := []byte(fmt.Sprint(i))
		wb.Insert([]byte("left"), v)
		wb.Insert([]byte("right"), v)
		require.NoError(t, e.ApplyWrite(wb))
	}
	cancel()
	wg.Wait()
	select {
	case err := <-errs:
		t.Fatal(err)
	default:
	}
}

// Concurrent increments through optimistic transactions: each conflict is
// retried, so the counter ends at the number of increments.
func TestConsistency_TransactionCounter(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()
	require.NoError(t, e.Insert([]byte("counter"), []byte("0")))

	increment := func() error {
		for {
			txn, err := e.Begin()
			if err != nil {
				return err
			}
			v, _, err := txn.Get([]byte("counter"))
			if err != nil {
				txn.Discard()
				return err
			}
			var n int
			if _, err := fmt.Sscan(string(v), &n); err != nil {
				txn.Discard()
				return err
			}
			if err := txn.Insert([]byte("counter"), []byte(fmt.Sprint(n+1))); err != nil {
				return err
			}
			err = txn.Commit(Optimistic)
			if dberrors.IsConflict(err) {
				continue
			}
			return err
		}
	}

	const workers, perWorker = 4, 25
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				if err := increment(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, fmt.Sprint(workers*perWorker), mustGet(t, e, "counter"))
}

func TestConsistency_SnapshotStableAcrossFlush(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), WithDisableAutoCompaction())
	defer e.Close()
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		require.NoError(t, e.Insert(key(i), value(i)))
	}
	snap, err := e.NewSnapshot()
	require.NoError(t, err)
	defer snap.Release()

	for i := 0; i < 30; i++ {
		require.NoError(t, e.Insert(key(i), []byte("overwritten")))
	}
	require.NoError(t, e.Flush(ctx))
	require.NoError(t, e.Compact(ctx))

	for i := 0; i < 30; i++ {
		v, ok, err := snap.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, value(i), v)
		require.Equal(t, "overwritten", mustGet(t, e, string(key(i))))
	}
}

func TestConsistency_PointReadsSkipSnapshotRegistry(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	require.NoError(t, e.Insert([]byte("k"), []byte("v")))

	e.snapshots.mu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = e.Get([]byte("k"))
		rb := batch.NewRead()
		rb.Get([]byte("k"))
		_, _ = e.ApplyRead(rb)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("point reads waited on the snapshot registry")
	}
	e.snapshots.mu.Unlock()

	require.Zero(t, e.snapshots.len())
	require.Equal(t, "v", mustGet(t, e, "k"))
}

func TestConsistency_PointReadsDuringCompaction(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), WithFlushThreshold(2<<10), WithDisableAutoCompaction())
	ctx := context.Background()

	const keyCount = 16
	for k := 0; k < keyCount; k++ {
		require.NoError(t, e.Insert(key(k), []byte(fmt.Sprintf("%08d", 0))))
	}

	var stop atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop.Store(true)
		for n := 1; n <= 400; n++ {
			if err := e.Insert(key(n%keyCount), []byte(fmt.Sprintf("%08d", n))); err != nil {
				return err
			}
			if n%50 == 0 {
				if err := e.Flush(gctx); err != nil {
					return err
				}
				if err := e.Compact(gctx); err != nil {
					return err
				}
			}
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			last := make([]string, keyCount)
			for !stop.Load() {
				for k := 0; k < keyCount; k++ {
					v, ok, err := e.Get(key(k))
					if err != nil {
						return err
					}
					if !ok {
						return errors.Newf("key %d vanished", k)
					}
					if string(v) < last[k] {
						return errors.Newf("key %d went back from %s to %s", k, last[k], v)
					}
					last[k] = string(v)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, fmt.Sprintf("%08d", 400), mustGet(t, e, string(key(400%keyCount))))
}
