// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/meggie4/partnerkv/internal/base"
)

// ErrNotAnSSTable is returned by Open when the file's footer magic does
// not match, per spec.md §7's Corruption kind.
var ErrNotAnSSTable = errors.New("sstable: not a partnerkv run (bad footer magic)")

// Reader provides random access into one run.
type Reader struct {
	r    io.ReaderAt
	size int64

	index blockReader
}

// Open reads the footer and index block of the run backed by r, whose
// total size is size.
func Open(r io.ReaderAt, size int64) (*Reader, error) {
	if size < footerLen {
		return nil, ErrNotAnSSTable
	}
	footer := make([]byte, footerLen)
	if _, err := r.ReadAt(footer, size-footerLen); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint64(footer[footerLen-8:]) != magic {
		return nil, ErrNotAnSSTable
	}
	handle, _ := decodeBlockHandle(footer)

	raw := make([]byte, handle.length)
	if _, err := r.ReadAt(raw, int64(handle.offset)); err != nil {
		return nil, err
	}
	index, err := decompressBlock(raw)
	if err != nil {
		return nil, err
	}
	return &Reader{r: r, size: size, index: blockReader{data: index}}, nil
}

func (rd *Reader) readBlock(h blockHandle) ([]byte, error) {
	raw := make([]byte, h.length)
	if _, err := rd.r.ReadAt(raw, int64(h.offset)); err != nil {
		return nil, err
	}
	return decompressBlock(raw)
}

// Iterator walks every entry of the run in ascending InternalKey order.
type Iterator struct {
	rd      *Reader
	idxIter *blockIter
	dataIt  *blockIter
	err     error
}

// NewIter returns an unpositioned iterator; call Next or SeekGE before
// reading Key/Value.
func (rd *Reader) NewIter() *Iterator {
	return &Iterator{rd: rd, idxIter: rd.index.iter()}
}

func (it *Iterator) loadNextDataBlock() bool {
	if !it.idxIter.next() {
		return false
	}
	handle, _ := decodeBlockHandle(it.idxIter.val)
	raw, err := it.rd.readBlock(handle)
	if err != nil {
		it.err = err
		return false
	}
	it.dataIt = blockReader{data: raw}.iter()
	return true
}

// loadPrevDataBlock loads the data block preceding the one dataIt last
// held, positioned after its last entry so a caller's prev() lands on
// that entry.
func (it *Iterator) loadPrevDataBlock() bool {
	if !it.idxIter.prev() {
		return false
	}
	handle, _ := decodeBlockHandle(it.idxIter.val)
	raw, err := it.rd.readBlock(handle)
	if err != nil {
		it.err = err
		return false
	}
	dataIt := blockReader{data: raw}.iter()
	dataIt.pos = len(dataIt.entries)
	it.dataIt = dataIt
	return true
}

// Error reports any error encountered while reading blocks, as opposed to
// a clean end-of-run. Callers should check this once Next/Prev/SeekGE
// returns false before treating the run as exhausted.
func (it *Iterator) Error() error { return it.err }

// Next advances to the next entry, loading additional data blocks as
// needed, and reports whether one was found.
func (it *Iterator) Next() bool {
	for {
		if it.dataIt == nil {
			if !it.loadNextDataBlock() {
				return false
			}
		}
		if it.dataIt.next() {
			return true
		}
		it.dataIt = nil
	}
}

// Prev retreats to the preceding entry, loading earlier data blocks as
// needed, and reports whether one was found. Only meaningful once the
// iterator has been positioned via Last, SeekLT, or a prior Next/Prev —
// calling it on a freshly opened, never-positioned Iterator has no
// defined starting point; use Last or SeekLT instead.
func (it *Iterator) Prev() bool {
	for {
		if it.dataIt == nil {
			if !it.loadPrevDataBlock() {
				return false
			}
		}
		if it.dataIt.prev() {
			return true
		}
		it.dataIt = nil
	}
}

// First positions the iterator at the run's smallest entry.
func (it *Iterator) First() bool {
	it.idxIter = it.rd.index.iter()
	it.dataIt = nil
	it.err = nil
	return it.Next()
}

// Last positions the iterator at the run's largest entry.
func (it *Iterator) Last() bool {
	it.idxIter = it.rd.index.iter()
	it.idxIter.pos = len(it.idxIter.entries)
	it.dataIt = nil
	it.err = nil
	return it.Prev()
}

// SeekGE repositions the iterator at the first entry >= key by scanning
// forward from the start; callers needing performance over a large run
// should prefer reading the whole run via Next in a merge, as the
// compaction worker (C8/C9) does.
func (it *Iterator) SeekGE(cmp base.Compare, key base.InternalKey) bool {
	it.idxIter = it.rd.index.iter()
	it.dataIt = nil
	it.err = nil
	for it.Next() {
		if base.InternalCompare(cmp, it.Key(), key) >= 0 {
			return true
		}
	}
	return false
}

// SeekLT repositions the iterator at the last entry < key, by scanning
// forward to the first entry >= key and stepping back one — the entry
// immediately preceding it is exactly the last one below key.
func (it *Iterator) SeekLT(cmp base.Compare, key base.InternalKey) bool {
	it.idxIter = it.rd.index.iter()
	it.dataIt = nil
	it.err = nil
	for it.Next() {
		if base.InternalCompare(cmp, it.Key(), key) >= 0 {
			return it.Prev()
		}
	}
	return it.Last()
}

func (it *Iterator) Key() base.InternalKey { return it.dataIt.key }
func (it *Iterator) Value() []byte         { return it.dataIt.val }
