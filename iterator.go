// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"sync/atomic"

	"github.com/meggie4/partnerkv/internal/base"
	"github.com/meggie4/partnerkv/internal/sstable"
)

// Iterator scans a store's visible keys in ascending order as of a fixed
// sequence number, completing C10's read path: mergingIter fans the
// memtables and L0's overlapping runs in as individual sources (L0 runs can
// share key ranges, so each needs its own heap slot), while each level L1
// and up — disjoint by construction — contributes a single levelIter
// source. The same heap-merge newest-version-first ordering compaction
// relies on also lets the iterator resolve duplicate user keys and
// tombstones as it walks.
type Iterator struct {
	cmp     base.Compare
	seq     base.SeqNum
	merge   *mergingIter
	closers []closer

	lastUser []byte
	haveLast bool

	// pending marks that Prev has already advanced the merge iterator one
	// entry past the group it is about to process — the entry that told it
	// the previous group had ended — so the next call must not call
	// merge.Prev again before consulting it.
	pending bool

	key   base.InternalKey
	value []byte
	valid bool
}

type closer interface{ close() }

type fileCloser struct{ f File }

func (c fileCloser) close() { c.f.Close() }

type levelIterCloser struct{ l *levelIter }

func (c levelIterCloser) close() { c.l.close() }

// NewIterator returns an Iterator observing the store as of its currently
// visible sequence number (the same point Get reads from).
func (d *Store) NewIterator() (*Iterator, error) {
	return d.newIteratorAt(base.SeqNum(atomic.LoadUint64(&d.visibleSeqNum)))
}

// NewIteratorAt is NewIterator as observed through snap, per spec.md §6's
// snapshot isolation.
func (d *Store) NewIteratorAt(snap *Snapshot) (*Iterator, error) {
	return d.newIteratorAt(snap.seqNum)
}

func (d *Store) newIteratorAt(seq base.SeqNum) (*Iterator, error) {
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	mem := d.mu.mem
	mem.ref()
	imm := d.mu.imm
	if imm != nil {
		imm.ref()
	}
	vers := d.versions.currentVersion()
	vers.ref()
	d.mu.Unlock()

	cmp := d.opts.Comparer.Compare
	it := &Iterator{cmp: cmp, seq: seq}

	srcs := []internalIterator{mem.newIter()}
	if imm != nil {
		srcs = append(srcs, imm.newIter())
	}

	fs := d.opts.RunFS()
	for i := range vers.files[0] {
		f := &vers.files[0][i]
		name := makeFilename(d.dirname, fileTypeTable, f.fileNum)
		file, err := fs.Open(name)
		if err != nil {
			it.Close()
			mem.unref()
			if imm != nil {
				imm.unref()
			}
			vers.unref()
			return nil, err
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			it.Close()
			mem.unref()
			if imm != nil {
				imm.unref()
			}
			vers.unref()
			return nil, err
		}
		rd, err := sstable.Open(file, info.Size())
		if err != nil {
			file.Close()
			it.Close()
			mem.unref()
			if imm != nil {
				imm.unref()
			}
			vers.unref()
			return nil, err
		}
		it.closers = append(it.closers, fileCloser{f: file})
		srcs = append(srcs, rd.NewIter())
	}

	for level := 1; level < numLevels; level++ {
		if len(vers.files[level]) == 0 {
			continue
		}
		li := newLevelIter(fs, d.dirname, vers.files[level])
		it.closers = append(it.closers, levelIterCloser{l: li})
		srcs = append(srcs, li)
	}

	it.merge = newMergingIter(cmp, srcs...)

	// The memtables and every opened run are ref'd against rotation and
	// deletion for the Iterator's lifetime; release them on Close via a
	// trailing closer rather than threading mem/imm/vers through the
	// struct.
	it.closers = append(it.closers, refCloser{mem: mem, imm: imm, vers: vers})

	return it, nil
}

type refCloser struct {
	mem, imm *memTable
	vers     *version
}

func (c refCloser) close() {
	c.mem.unref()
	if c.imm != nil {
		c.imm.unref()
	}
	c.vers.unref()
}

// resolveForward finds the next visible key from the merge iterator's
// current ascending-order position, skipping versions newer than the
// iterator's sequence number, every version but the newest of a user key,
// and tombstoned keys. When positioned is true, the merge iterator is
// already sitting on the entry to evaluate first; otherwise it is
// advanced with Next before every evaluation, matching the shape SeekGE
// and plain Next both need.
func (it *Iterator) resolveForward(positioned bool) bool {
	for {
		if !positioned {
			if !it.merge.Next() {
				it.valid = false
				// No current position survives running off either end, so
				// a subsequent reversal must not dedup against it.
				it.haveLast = false
				return false
			}
		}
		positioned = false
		k := it.merge.Key()
		if k.SeqNum() > it.seq {
			continue
		}
		if it.haveLast && it.cmp(k.UserKey, it.lastUser) == 0 {
			continue
		}
		it.lastUser = append(it.lastUser[:0], k.UserKey...)
		it.haveLast = true
		if k.Kind() == base.InternalKeyKindDelete {
			continue
		}
		it.key = base.MakeInternalKey(it.lastUser, k.SeqNum(), k.Kind())
		it.value = append([]byte(nil), it.merge.Value()...)
		it.valid = true
		return true
	}
}

// Next advances to the next visible key, skipping versions newer than the
// iterator's sequence number, every version but the newest of a user key,
// and tombstoned keys.
func (it *Iterator) Next() bool {
	it.pending = false
	return it.resolveForward(false)
}

// Prev retreats to the preceding visible key, mirroring Next in the
// backward direction. Ascending InternalKey order groups every version of
// a user key together with the newest version first, so descending
// (backward) order visits the same group oldest-seqnum-first; finding the
// newest version visible at it.seq therefore requires scanning a whole
// group rather than stopping at the first entry the way Next does.
func (it *Iterator) Prev() bool {
	positioned := it.pending
	it.pending = false
	for {
		if !positioned {
			if !it.merge.Prev() {
				it.valid = false
				it.haveLast = false
				return false
			}
		}
		positioned = false

		ukey := append([]byte(nil), it.merge.Key().UserKey...)
		var bestKey base.InternalKey
		var bestValue []byte
		haveBest := false
		exhausted := false

		for {
			k := it.merge.Key()
			if k.SeqNum() <= it.seq {
				bestKey = k
				bestValue = append(bestValue[:0], it.merge.Value()...)
				haveBest = true
			}
			if !it.merge.Prev() {
				exhausted = true
				break
			}
			if it.cmp(it.merge.Key().UserKey, ukey) != 0 {
				it.pending = true
				break
			}
		}

		if haveBest {
			it.lastUser = append(it.lastUser[:0], ukey...)
			it.haveLast = true
			if bestKey.Kind() != base.InternalKeyKindDelete {
				it.key = base.MakeInternalKey(it.lastUser, bestKey.SeqNum(), bestKey.Kind())
				it.value = bestValue
				it.valid = true
				return true
			}
		}
		if exhausted {
			it.valid = false
			it.haveLast = false
			return false
		}
		// This group had no visible, live version; its exclusion from
		// it.lastUser doesn't matter since Prev never revisits it. Resume
		// from the entry that already told us the group ended.
		positioned = it.pending
		it.pending = false
	}
}

// SeekToFirst positions the iterator at the smallest visible key.
func (it *Iterator) SeekToFirst() bool {
	it.haveLast = false
	it.pending = false
	if !it.merge.First() {
		it.valid = false
		return false
	}
	return it.resolveForward(true)
}

// SeekToLast positions the iterator at the largest visible key.
func (it *Iterator) SeekToLast() bool {
	it.haveLast = false
	it.pending = false
	if !it.merge.Last() {
		it.valid = false
		return false
	}
	// Last() lands the merge on the largest key of whatever user key that
	// is, which per InternalKey order is its oldest version — exactly the
	// entry Prev's group scan expects to start from.
	return it.prevFromCurrent()
}

// prevFromCurrent runs Prev's group-resolution logic starting from the
// merge iterator's current position instead of calling Prev first.
func (it *Iterator) prevFromCurrent() bool {
	it.pending = true
	return it.Prev()
}

// Seek positions the iterator at the first visible key >= key.
func (it *Iterator) Seek(key []byte) bool {
	it.haveLast = false
	it.pending = false
	searchKey := base.MakeInternalKey(key, it.seq, base.InternalKeyKindMax)
	if !it.merge.SeekGE(it.cmp, searchKey) {
		it.valid = false
		return false
	}
	return it.resolveForward(true)
}

func (it *Iterator) Valid() bool   { return it.valid }
func (it *Iterator) Key() []byte   { return it.key.UserKey }
func (it *Iterator) Value() []byte { return it.value }

// Error reports any error encountered while scanning, as opposed to a
// clean end of the keyspace. Callers should check this once Next returns
// false.
func (it *Iterator) Error() error { return it.merge.Error() }

// Close releases every run and memtable reference the iterator holds.
func (it *Iterator) Close() error {
	for _, c := range it.closers {
		c.close()
	}
	it.closers = nil
	return nil
}
