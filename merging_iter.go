// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"container/heap"

	"github.com/meggie4/partnerkv/internal/base"
)

// internalIterator is the common interface every source feeding a merge
// exposes: the memtable's skiplist iterator, a run's block iterator, a
// level's concatenated runs, and the merge itself. It lets compaction
// (C8/C9) and the read path (C10) share one k-way merge implementation.
// Every position-changing method reports the new position's validity as
// its own return value, so there is no separate Valid method to keep in
// sync — the same convention sstable.Iterator already follows, and that
// memTableIter adapts arenaskl.Iterator's exact-match SeekGE to.
type internalIterator interface {
	SeekGE(cmp base.Compare, key base.InternalKey) bool
	SeekLT(cmp base.Compare, key base.InternalKey) bool
	First() bool
	Last() bool
	Next() bool
	Prev() bool
	Key() base.InternalKey
	Value() []byte

	// Error reports any error a false return from a positioning method
	// was hiding. A source that simply ran out of entries reports nil.
	Error() error
}

// mergingIterItem is one source's current key, tracked by the heap so
// comparisons don't repeatedly call through the iterator interface.
type mergingIterItem struct {
	index int
	key   base.InternalKey
}

// mergingIterHeap orders sources by InternalKey, ascending when merging
// forward and descending when merging backward, so the newest version of
// a user key across every source always surfaces first regardless of
// direction (spec.md §4.4's read-time precedence: higher levels, then
// lower levels, then within a level by sequence number — all captured by
// InternalKey order alone since sources are presented newest-first).
type mergingIterHeap struct {
	cmp     base.Compare
	reverse bool
	items   []mergingIterItem
}

func (h *mergingIterHeap) Len() int { return len(h.items) }
func (h *mergingIterHeap) Less(i, j int) bool {
	c := base.InternalCompare(h.cmp, h.items[i].key, h.items[j].key)
	if h.reverse {
		return c > 0
	}
	return c < 0
}
func (h *mergingIterHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergingIterHeap) Push(x any)    { h.items = append(h.items, x.(mergingIterItem)) }
func (h *mergingIterHeap) Pop() any {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}

// mergingIter merges any number of internalIterators, each already sorted
// in ascending InternalKey order, into a single stream navigable in
// either direction. Equal user keys from different sources appear in
// sequence-number order since InternalCompare orders by descending
// sequence number within a user key; callers that only want the newest
// live version (Get, compaction's dedup pass) skip the rest themselves.
type mergingIter struct {
	cmp  base.Compare
	srcs []internalIterator

	// valid tracks each source's last-known position independent of the
	// heap, since a source drops out of the heap once exhausted but may
	// need reviving when the merge changes direction.
	valid []bool
	heap  mergingIterHeap

	// dir is the direction the last positioning call moved in: 1 after
	// Next/First/SeekGE, -1 after Prev/Last/SeekLT, 0 before any call.
	dir int8
	err error
}

func newMergingIter(cmp base.Compare, iters ...internalIterator) *mergingIter {
	return &mergingIter{cmp: cmp, srcs: iters, valid: make([]bool, len(iters))}
}

func (m *mergingIter) collect(i int, ok bool) {
	m.valid[i] = ok
	if !ok {
		if err := m.srcs[i].Error(); err != nil && m.err == nil {
			m.err = err
		}
	}
}

func (m *mergingIter) initHeap() {
	m.heap.cmp = m.cmp
	m.heap.items = m.heap.items[:0]
	for i, ok := range m.valid {
		if ok {
			m.heap.items = append(m.heap.items, mergingIterItem{index: i, key: m.srcs[i].Key()})
		}
	}
	heap.Init(&m.heap)
}

func (m *mergingIter) initMinHeap() {
	m.dir = 1
	m.heap.reverse = false
	m.initHeap()
}

func (m *mergingIter) initMaxHeap() {
	m.dir = -1
	m.heap.reverse = true
	m.initHeap()
}

// First positions the merge at the smallest key across every source.
func (m *mergingIter) First() bool {
	for i, it := range m.srcs {
		m.collect(i, it.First())
	}
	m.initMinHeap()
	return len(m.heap.items) > 0
}

// Last positions the merge at the largest key across every source.
func (m *mergingIter) Last() bool {
	for i, it := range m.srcs {
		m.collect(i, it.Last())
	}
	m.initMaxHeap()
	return len(m.heap.items) > 0
}

// SeekGE positions the merge at the first key >= key across every source.
func (m *mergingIter) SeekGE(cmp base.Compare, key base.InternalKey) bool {
	for i, it := range m.srcs {
		m.collect(i, it.SeekGE(cmp, key))
	}
	m.initMinHeap()
	return len(m.heap.items) > 0
}

// SeekLT positions the merge at the last key < key across every source.
func (m *mergingIter) SeekLT(cmp base.Compare, key base.InternalKey) bool {
	for i, it := range m.srcs {
		m.collect(i, it.SeekLT(cmp, key))
	}
	m.initMaxHeap()
	return len(m.heap.items) > 0
}

// switchToMinHeap flips the merge from backward to forward, grounded on
// the classic mergingIter switchToMinHeap: every source but the one
// currently on top must be advanced past the current key before the heap
// can be re-ordered ascending, or it would re-surface a key already
// returned while iterating backward. A source that had already run off
// its front edge is revived with First rather than Next — First seeks
// from the source's own start rather than stepping relative to a lost
// position, which for arenaskl.Iterator matters: an exhausted iterator's
// node pointer is nil, and Next on a nil node does not behave like First.
func (m *mergingIter) switchToMinHeap() bool {
	if len(m.heap.items) == 0 {
		return m.First()
	}
	key := m.heap.items[0].key
	curIdx := m.heap.items[0].index
	for i, it := range m.srcs {
		if i == curIdx {
			continue
		}
		if !m.valid[i] {
			m.collect(i, it.First())
		}
		for m.valid[i] {
			if base.InternalCompare(m.cmp, key, it.Key()) < 0 {
				break
			}
			m.collect(i, it.Next())
		}
	}
	m.collect(curIdx, m.srcs[curIdx].Next())
	m.initMinHeap()
	return len(m.heap.items) > 0
}

// switchToMaxHeap is switchToMinHeap's mirror for flipping forward to
// backward.
func (m *mergingIter) switchToMaxHeap() bool {
	if len(m.heap.items) == 0 {
		return m.Last()
	}
	key := m.heap.items[0].key
	curIdx := m.heap.items[0].index
	for i, it := range m.srcs {
		if i == curIdx {
			continue
		}
		if !m.valid[i] {
			m.collect(i, it.Last())
		}
		for m.valid[i] {
			if base.InternalCompare(m.cmp, key, it.Key()) > 0 {
				break
			}
			m.collect(i, it.Prev())
		}
	}
	m.collect(curIdx, m.srcs[curIdx].Prev())
	m.initMaxHeap()
	return len(m.heap.items) > 0
}

// Next advances to the next key in ascending order, reversing direction
// first if the merge was moving backward.
func (m *mergingIter) Next() bool {
	if m.err != nil {
		return false
	}
	if m.dir != 1 {
		return m.switchToMinHeap()
	}
	if len(m.heap.items) == 0 {
		return false
	}
	item := &m.heap.items[0]
	idx := item.index
	if m.srcs[idx].Next() {
		item.key = m.srcs[idx].Key()
		heap.Fix(&m.heap, 0)
		return true
	}
	m.collect(idx, false)
	heap.Pop(&m.heap)
	return len(m.heap.items) > 0
}

// Prev retreats to the preceding key in ascending order (i.e. the next
// key in descending order), reversing direction first if the merge was
// moving forward.
func (m *mergingIter) Prev() bool {
	if m.err != nil {
		return false
	}
	if m.dir != -1 {
		return m.switchToMaxHeap()
	}
	if len(m.heap.items) == 0 {
		return false
	}
	item := &m.heap.items[0]
	idx := item.index
	if m.srcs[idx].Prev() {
		item.key = m.srcs[idx].Key()
		heap.Fix(&m.heap, 0)
		return true
	}
	m.collect(idx, false)
	heap.Pop(&m.heap)
	return len(m.heap.items) > 0
}

func (m *mergingIter) Key() base.InternalKey { return m.heap.items[0].key }
func (m *mergingIter) Value() []byte         { return m.srcs[m.heap.items[0].index].Value() }

// Error reports the first error any source reported while being exhausted.
func (m *mergingIter) Error() error { return m.err }
