package iterator

import (
	"bytes"

	"mvccdb/pkg/keys"
	"mvccdb/pkg/types"
)

// Visible turns a stream of internal keys into the user-level view at
// readTs: one entry per user key, holding its newest version at or below
// readTs, with deleted keys left out. Bounds are [lower, upper); nil means
// unbounded.
type Visible struct {
	src    Iterator
	readTs types.Timestamp
	lower  []byte
	upper  []byte

	key   []byte
	value []byte
	valid bool
	err   error
}

func NewVisibleIterator(src Iterator, readTs types.Timestamp, lower, upper []byte) *Visible {
	return &Visible{src: src, readTs: readTs, lower: lower, upper: upper}
}

func (v *Visible) ReadTimestamp() types.Timestamp { return v.readTs }

func (v *Visible) First() {
	if v.lower != nil {
		v.src.SeekGE(keys.SeekKey(v.lower, v.readTs))
	} else {
		v.src.First()
	}
	v.findNext()
}

// SeekGE positions on the first visible user key >= user.
func (v *Visible) SeekGE(user []byte) {
	if v.lower != nil && bytes.Compare(user, v.lower) < 0 {
		user = v.lower
	}
	v.src.SeekGE(keys.SeekKey(user, v.readTs))
	v.findNext()
}

// Get looks up a single user key. A deleted key is reported as absent.
func (v *Visible) Get(user []byte) ([]byte, bool, error) {
	v.SeekGE(user)
	if !v.valid || !bytes.Equal(v.key, user) {
		return nil, false, v.err
	}
	return v.value, true, nil
}

func (v *Visible) Next() {
	if !v.valid {
		return
	}
	v.findNext()
}

// findNext leaves src on the first version of the key after the one it returns.
func (v *Visible) findNext() {
	v.valid = false
	for v.src.Valid() {
		k := v.src.Key()
		if v.upper != nil && bytes.Compare(k.UserKey, v.upper) >= 0 {
			return
		}
		if k.Timestamp() > v.readTs {
			v.src.Next()
			continue
		}

		v.key = append(v.key[:0], k.UserKey...)
		kind := k.Kind()
		if kind == keys.KindSet {
			v.value = append(v.value[:0], v.src.Value()...)
		}

		v.src.Next()
		for v.src.Valid() && bytes.Equal(v.src.Key().UserKey, v.key) {
			v.src.Next()
		}

		if kind == keys.KindDelete {
			continue
		}
		v.valid = true
		return
	}
	v.err = v.src.Error()
}

func (v *Visible) Valid() bool   { return v.valid }
func (v *Visible) Key() []byte   { return v.key }
func (v *Visible) Value() []byte { return v.value }
func (v *Visible) Error() error  { return v.err }

func (v *Visible) Close() error {
	v.valid = false
	return v.src.Close()
}
