package clock

import (
	"sync/atomic"

	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/keys"
	"mvccdb/pkg/types"
)

// AtomicClock hands out strictly increasing write timestamps.
// Callers that need gap-free publication order serialize around Next.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init types.Timestamp) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() types.Timestamp {
	return ac.Load()
}

// Next returns a fresh timestamp. It fails once the trailer's 56-bit range is used up.
func (ac *AtomicClock) Next() (types.Timestamp, error) {
	ts := ac.Add(1)
	if ts > keys.MaxTimestamp {
		ac.Add(^uint64(0))
		return 0, dberrors.State("timestamp space exhausted at %d", ts-1)
	}
	return ts, nil
}

func (ac *AtomicClock) Set(t types.Timestamp) {
	ac.Store(t)
}

// Advance moves the clock forward to t if it is behind. Recovery uses it to
// resume after the newest timestamp found on disk.
func (ac *AtomicClock) Advance(t types.Timestamp) {
	for {
		cur := ac.Load()
		if t <= cur || ac.CompareAndSwap(cur, t) {
			return
		}
	}
}
