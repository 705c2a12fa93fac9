package store

import (
	"sync/atomic"

	"mvccdb/pkg/db"
	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/iterator"
	"mvccdb/pkg/types"
)

type IterOptions struct {
	// LowerBound is inclusive, UpperBound exclusive. Nil means unbounded.
	LowerBound []byte
	UpperBound []byte
	// Snapshot fixes the read timestamp. Without one the iterator takes
	// its own snapshot of the newest visible state.
	Snapshot *Snapshot
}

// Iterator is a forward iterator over the user keys visible at its read
// timestamp. It holds a state reference and a snapshot until Close.
type Iterator struct {
	*iterator.Visible

	e      *Engine
	state  *readState
	snap   *Snapshot
	owned  bool
	closed bool

	verified atomic.Bool
}

func (e *Engine) NewIterator(opts IterOptions) (*Iterator, error) {
	if e.closed.Load() {
		return nil, errClosed()
	}

	snap, owned := opts.Snapshot, false
	if snap == nil {
		snap, owned = e.newSnapshot(), true
	} else if snap.released.Load() {
		return nil, errSnapshotReleased()
	}

	s, err := e.acquireState()
	if err != nil {
		if owned {
			snap.Release()
		}
		return nil, err
	}

	children := make([]iterator.Iterator, 0, 1+len(s.imm)+s.version.NumTables())
	children = append(children, s.mem.NewIterator())
	for _, mt := range s.imm {
		children = append(children, mt.NewIterator())
	}
	for _, h := range s.handles() {
		if !h.usable() {
			continue
		}
		if opts.LowerBound != nil && string(h.meta.Largest) < string(opts.LowerBound) {
			continue
		}
		if opts.UpperBound != nil && string(h.meta.Smallest) >= string(opts.UpperBound) {
			continue
		}
		children = append(children, h.table.NewIterator())
	}

	merged := iterator.NewMergingIterator(children...)
	return &Iterator{
		Visible: iterator.NewVisibleIterator(merged, snap.Timestamp(), opts.LowerBound, opts.UpperBound),
		e:       e,
		state:   s,
		snap:    snap,
		owned:   owned,
	}, nil
}

// Error reports the first error hit. After a checksum failure every table
// of the iterator is verified and the damaged ones are excluded from reads.
func (it *Iterator) Error() error {
	err := it.Visible.Error()
	if dberrors.IsCorruption(err) && it.verified.CompareAndSwap(false, true) {
		for _, h := range it.state.handles() {
			it.e.verifyTable(h)
		}
	}
	return err
}

func (it *Iterator) Timestamp() types.Timestamp { return it.snap.Timestamp() }

func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	err := it.Visible.Close()
	it.state.unref()
	if it.owned {
		it.snap.Release()
	}
	return err
}

// Scan returns an iterator over [lower, upper) at the newest snapshot.
func (e *Engine) Scan(lower, upper []byte) (db.Iterator, error) {
	return e.NewIterator(IterOptions{LowerBound: lower, UpperBound: upper})
}
