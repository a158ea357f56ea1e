// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"sync/atomic"

	"github.com/meggie4/partnerkv/internal/arenaskl"
	"github.com/meggie4/partnerkv/internal/base"
)

// memTableEntrySize pessimistically estimates the arena bytes an entry of
// the given key/value size will occupy, including the skiplist node's
// tower. This mirrors spec.md §4.1's "memory is measured" requirement.
func memTableEntrySize(keyBytes, valueBytes int) uint32 {
	// Internal key is userKey + 8 byte trailer; the node itself costs at
	// most maxNodeSize, which arenaskl hides behind this estimate.
	return arenaskl.EstimateNodeSize(uint32(keyBytes)+8, uint32(valueBytes))
}

// memTable is the mutable, append-only in-memory layer described by
// spec.md §4.1 (C1). It is backed by a lock-free arena skiplist: one
// writer calls apply, any number of readers iterate concurrently without
// locking. Once its arena fills (or it is otherwise sealed), it is
// exposed read-only and becomes a target for flushing.
type memTable struct {
	cmp       base.Compare
	equal     base.Equal
	skl       arenaskl.Skiplist
	emptySize uint32
	reserved  uint32
	refs      int32
	sealed    atomic.Bool
	flushedCh chan struct{}
	logNum    uint64 // WAL file number this memtable's writes landed in.
}

// newMemTable allocates an empty memtable with the given arena capacity.
func newMemTable(cmp *base.Comparer, size uint32, logNum uint64) *memTable {
	m := &memTable{
		cmp:       cmp.Compare,
		equal:     cmp.Equal,
		refs:      1,
		flushedCh: make(chan struct{}),
		logNum:    logNum,
	}
	arena := arenaskl.NewArena(size)
	m.skl.Reset(arena, m.cmp)
	m.emptySize = arena.Size()
	return m
}

func (m *memTable) ref()  { atomic.AddInt32(&m.refs, 1) }
func (m *memTable) unref() bool {
	switch v := atomic.AddInt32(&m.refs, -1); {
	case v < 0:
		panic("partnerkv: inconsistent memtable refcount")
	case v == 0:
		return true
	default:
		return false
	}
}

func (m *memTable) flushed() chan struct{} { return m.flushedCh }

func (m *memTable) readyForFlush() bool { return atomic.LoadInt32(&m.refs) == 0 }

// seal marks the memtable as immutable: subsequent inserts are rejected,
// per spec.md §4.1. The table is still fully readable.
func (m *memTable) seal() { m.sealed.Store(true) }

func (m *memTable) isSealed() bool { return m.sealed.Load() }

// get returns the newest value for key visible at or before seqNum, the
// spec.md §8 invariant 3 point-lookup contract. ErrNotFound covers both
// "absent" and "newest visible entry is a tombstone".
func (m *memTable) get(key []byte, seqNum base.SeqNum) (value []byte, err error) {
	it := m.skl.NewIter()
	searchKey := base.MakeInternalKey(key, seqNum, base.InternalKeyKindMax)
	if !it.SeekGE(searchKey) && !it.Valid() {
		return nil, ErrNotFound
	}
	if !it.Valid() {
		return nil, ErrNotFound
	}
	ikey := it.Key()
	if !m.equal(key, ikey.UserKey) {
		return nil, ErrNotFound
	}
	if ikey.Kind() == base.InternalKeyKindDelete {
		return nil, ErrNotFound
	}
	return it.Value(), nil
}

// prepare reserves arena space for batch before apply; it is not
// thread-safe and must run under the single writer slot (spec.md §4.3).
// It returns arenaskl.ErrArenaFull when the memtable cannot fit the
// batch, signaling the write path coordinator to seal and rotate.
func (m *memTable) prepare(size uint32) error {
	a := m.skl.Arena()
	if atomic.LoadInt32(&m.refs) == 1 {
		m.reserved = a.Size()
	}
	avail := a.Capacity() - m.reserved
	if size > avail {
		return arenaskl.ErrArenaFull
	}
	m.reserved += size
	m.ref()
	return nil
}

// apply inserts every entry of batch starting at seqNum. Apply may run
// concurrently with other appliers once prepare has reserved room.
func (m *memTable) apply(b *Batch, seqNum base.SeqNum) error {
	start := seqNum
	for r := b.Reader(); ; seqNum++ {
		kind, ukey, value, ok := r.Next()
		if !ok {
			break
		}
		ikey := base.MakeInternalKey(ukey, seqNum, kind)
		if err := m.skl.Add(ikey, value); err != nil {
			return err
		}
	}
	if seqNum != start+base.SeqNum(b.Count()) {
		panic("partnerkv: inconsistent batch count during apply")
	}
	return nil
}

// memTableIter adapts arenaskl.Iterator's single-argument SeekGE/SeekLT to
// internalIterator's uniform cmp-parameterized seek signatures; the
// skiplist already carries its own comparator from construction, so the
// extra parameter goes unused here. SeekGE reports whether the iterator
// is positioned, not arenaskl's exact-match result.
type memTableIter struct{ *arenaskl.Iterator }

func (it memTableIter) SeekGE(_ base.Compare, key base.InternalKey) bool {
	it.Iterator.SeekGE(key)
	return it.Iterator.Valid()
}

func (it memTableIter) SeekLT(_ base.Compare, key base.InternalKey) bool {
	return it.Iterator.SeekLT(key)
}

// newIter returns an unpositioned iterator over the memtable's entries in
// InternalKey order.
func (m *memTable) newIter() memTableIter {
	it := m.skl.NewIter()
	return memTableIter{&it}
}

// empty reports whether the memtable has received any writes.
func (m *memTable) empty() bool { return m.skl.Size() == m.emptySize }
