package iterator

import (
	"container/heap"

	"github.com/cockroachdb/errors"

	"mvccdb/pkg/keys"
)

// MergingIterator yields the union of its children in internal key order.
// Children are given in priority order; when two children hold the same
// internal key the one given first is emitted first.
type MergingIterator struct {
	children []Iterator
	h        mergeHeap
	err      error
}

func NewMergingIterator(children ...Iterator) *MergingIterator {
	return &MergingIterator{
		children: children,
		h: mergeHeap{
			children: children,
			items:    make([]int, 0, len(children)),
		},
	}
}

func (m *MergingIterator) First() {
	m.position(func(it Iterator) { it.First() })
}

func (m *MergingIterator) SeekGE(target keys.Key) {
	m.position(func(it Iterator) { it.SeekGE(target) })
}

func (m *MergingIterator) position(move func(Iterator)) {
	m.h.items = m.h.items[:0]
	m.err = nil
	for i, it := range m.children {
		move(it)
		if it.Valid() {
			m.h.items = append(m.h.items, i)
		} else if err := it.Error(); err != nil {
			m.err = err
		}
	}
	if m.err != nil {
		m.h.items = m.h.items[:0]
		return
	}
	heap.Init(&m.h)
}

func (m *MergingIterator) Next() {
	if len(m.h.items) == 0 {
		return
	}
	top := m.children[m.h.items[0]]
	top.Next()
	if top.Valid() {
		heap.Fix(&m.h, 0)
		return
	}
	if err := top.Error(); err != nil {
		m.err = err
		m.h.items = m.h.items[:0]
		return
	}
	heap.Pop(&m.h)
}

func (m *MergingIterator) Valid() bool { return m.err == nil && len(m.h.items) > 0 }

func (m *MergingIterator) Key() keys.Key { return m.children[m.h.items[0]].Key() }

func (m *MergingIterator) Value() []byte { return m.children[m.h.items[0]].Value() }

// Source is the index of the child the current entry comes from.
func (m *MergingIterator) Source() int { return m.h.items[0] }

func (m *MergingIterator) Error() error { return m.err }

func (m *MergingIterator) Close() error {
	var err error
	for _, it := range m.children {
		err = errors.CombineErrors(err, it.Close())
	}
	m.h.items = m.h.items[:0]
	return err
}

type mergeHeap struct {
	children []Iterator
	items    []int
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if c := keys.Compare(h.children[a].Key(), h.children[b].Key()); c != 0 {
		return c < 0
	}
	return a < b
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x any) { h.items = append(h.items, x.(int)) }

func (h *mergeHeap) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}
