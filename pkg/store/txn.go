package store

import (
	"sync"

	"mvccdb/pkg/batch"
	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/keys"
	"mvccdb/pkg/types"
)

// Consistency selects how a transaction commits.
type Consistency int

const (
	// Optimistic fails the commit if a key the transaction read was
	// written by someone else after its snapshot.
	Optimistic Consistency = iota
	// Synchronous commits without conflict checks, serialized with every
	// other commit.
	Synchronous
)

func (c Consistency) String() string {
	switch c {
	case Optimistic:
		return "optimistic"
	case Synchronous:
		return "synchronous"
	default:
		return "unknown"
	}
}

// Transaction buffers writes on top of a snapshot. It is safe for
// concurrent use, though a transaction is usually driven by one goroutine.
type Transaction struct {
	e    *Engine
	snap *Snapshot

	mu     sync.Mutex
	writes *batch.WriteBatch
	reads  map[string]struct{}
	done   bool
}

// Begin starts a transaction reading at the newest visible timestamp.
func (e *Engine) Begin() (*Transaction, error) {
	snap, err := e.NewSnapshot()
	if err != nil {
		return nil, err
	}
	return &Transaction{
		e:      e,
		snap:   snap,
		writes: batch.NewWrite(),
		reads:  make(map[string]struct{}),
	}, nil
}

// ReadTimestamp is the timestamp of the transaction's snapshot.
func (t *Transaction) ReadTimestamp() types.Timestamp { return t.snap.Timestamp() }

// Get returns the transaction's own pending write for key if there is one,
// and the snapshot's value otherwise.
func (t *Transaction) Get(key types.Key) (types.Value, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, false, errTxnFinished()
	}
	return t.getLocked(key)
}

func (t *Transaction) getLocked(key types.Key) (types.Value, bool, error) {
	t.reads[string(key)] = struct{}{}
	if op, ok := t.writes.Lookup(key); ok {
		if op.Kind == keys.KindDelete {
			return nil, false, nil
		}
		return op.Value, true, nil
	}
	return t.e.getAt(key, t.snap.Timestamp())
}

// Read reads every key of rb.
func (t *Transaction) Read(rb *batch.ReadBatch) (batch.ReadResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return batch.ReadResult{}, errTxnFinished()
	}
	res := batch.ReadResult{Items: make([]batch.Item, 0, rb.Len())}
	for _, key := range rb.Keys() {
		v, ok, err := t.getLocked(key)
		if err != nil {
			return batch.ReadResult{}, err
		}
		res.Items = append(res.Items, batch.Item{Key: key, Value: v, Found: ok})
	}
	return res, nil
}

// Write adds wb's writes to the transaction.
func (t *Transaction) Write(wb *batch.WriteBatch) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxnFinished()
	}
	t.writes.Merge(wb)
	return nil
}

func (t *Transaction) Insert(key types.Key, value types.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxnFinished()
	}
	t.writes.Insert(key, value)
	return nil
}

func (t *Transaction) Remove(key types.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxnFinished()
	}
	t.writes.Remove(key)
	return nil
}

// Commit applies the transaction's writes at a new timestamp. The
// transaction is finished afterwards whatever the outcome.
func (t *Transaction) Commit(c Consistency) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxnFinished()
	}
	t.done = true
	defer t.snap.Release()

	if t.e.closed.Load() {
		return errClosed()
	}

	e := t.e
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if c == Optimistic {
		readTs := t.snap.Timestamp()
		for key := range t.reads {
			_, latest, _, found, err := e.lookup([]byte(key), keys.MaxTimestamp)
			if err != nil {
				return err
			}
			if found && latest > readTs {
				e.metrics.Conflicts.Inc()
				return dberrors.Conflict([]byte(key), readTs, latest)
			}
		}
	}

	if t.writes.Len() == 0 {
		return nil
	}
	_, err := e.commitLocked(walEntries(t.writes))
	return err
}

// Discard abandons the transaction. It is a no-op after Commit.
func (t *Transaction) Discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.snap.Release()
}

// Commit commits txn; it is shorthand for txn.Commit(c).
func (e *Engine) Commit(txn *Transaction, c Consistency) error {
	return txn.Commit(c)
}
