/*
 * Copyright 2017 Dgraph Labs, Inc. and Contributors
 * Modifications copyright (C) 2017 Andy Kimball and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Adapted from RocksDB's inline skiplist, by way of Badger
(https://github.com/dgraph-io/badger) and an early Pebble arenaskl.

Key properties kept from that lineage:
  - No optimization for sequential inserts (no "prev" splice cache).
  - Nodes are allocated with exactly the tower height they need.
  - Both forward and backward links, so forward and reverse iteration cost
    the same.
  - Single writer, many lock-free readers: next/prev pointers are
    published with a CAS, and readers never take a lock.

Adapted for this package: nodes hold encoded InternalKeys (user key plus
an 8-byte sequence+kind trailer) instead of raw bytes, and the ordering is
InternalKey order (spec.md §3: ascending user key, descending sequence,
descending kind) rather than plain byte order.
*/

package arenaskl

import (
	"errors"
	"math"
	"math/rand"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/meggie4/partnerkv/internal/base"
)

const (
	maxHeight   = 20
	maxNodeSize = int(unsafe.Sizeof(node{}))
	linksSize   = int(unsafe.Sizeof(links{}))
	pValue      = 1 / math.E
)

// ErrRecordExists is returned by Add when a node with an identical
// InternalKey (same user key, sequence, and kind) already exists. In
// practice this never fires: sequence numbers are unique per mutation.
var ErrRecordExists = errors.New("arenaskl: record with this key already exists")

// Skiplist is a concurrent, arena-backed skiplist of InternalKeys. It
// backs the memtable (C1): a single writer calls Add while any number of
// readers iterate concurrently without locking.
type Skiplist struct {
	arena  *Arena
	cmp    base.Compare
	head   *node
	tail   *node
	height uint32 // 1 <= height <= maxHeight, updated via CAS.

	// testing, when set, adds scheduling delays to help races surface in
	// tests.
	testing bool
}

var probabilities [maxHeight]uint32

func init() {
	p := float64(1.0)
	for i := 0; i < maxHeight; i++ {
		probabilities[i] = uint32(float64(math.MaxUint32) * p)
		p *= pValue
	}
}

// NewSkiplist constructs an empty skiplist backed by arena, ordering keys
// with cmp (a user-key comparator; InternalKey order is derived from it).
func NewSkiplist(arena *Arena, cmp base.Compare) *Skiplist {
	s := &Skiplist{}
	s.Reset(arena, cmp)
	return s
}

// Reset re-initializes the skiplist to empty, backed by a (presumably
// fresh) arena.
func (s *Skiplist) Reset(arena *Arena, cmp base.Compare) {
	head, err := newRawNode(arena, maxHeight, 0, 0)
	if err != nil {
		panic("arena is not large enough to hold the head node")
	}
	tail, err := newRawNode(arena, maxHeight, 0, 0)
	if err != nil {
		panic("arena is not large enough to hold the tail node")
	}

	headOffset := arena.GetPointerOffset(unsafe.Pointer(head))
	tailOffset := arena.GetPointerOffset(unsafe.Pointer(tail))
	for i := 0; i < maxHeight; i++ {
		head.tower[i].nextOffset = tailOffset
		tail.tower[i].prevOffset = headOffset
	}

	*s = Skiplist{
		arena:  arena,
		cmp:    cmp,
		head:   head,
		tail:   tail,
		height: 1,
	}
}

// Height returns the tallest tower among nodes ever inserted.
func (s *Skiplist) Height() uint32 { return atomic.LoadUint32(&s.height) }

// Arena returns the arena backing this skiplist.
func (s *Skiplist) Arena() *Arena { return s.arena }

// Size returns the number of bytes allocated from the arena so far.
func (s *Skiplist) Size() uint32 { return s.arena.Size() }

// Add inserts key/value. It returns ErrArenaFull if the arena has no room,
// or ErrRecordExists if an identical InternalKey is already present.
func (s *Skiplist) Add(key base.InternalKey, value []byte) error {
	var spl [maxHeight]splice
	if s.findSplice(key, &spl) {
		return ErrRecordExists
	}

	if s.testing {
		runtime.Gosched()
	}

	nd, height, err := s.newNode(key, value)
	if err != nil {
		return err
	}
	ndOffset := s.arena.GetPointerOffset(unsafe.Pointer(nd))

	var found bool
	for i := 0; i < int(height); i++ {
		prev := spl[i].prev
		next := spl[i].next

		if prev == nil {
			// The new node raised the skiplist's height; this level has
			// no existing nodes yet.
			prev = s.head
			next = s.tail
		}

		for {
			prevOffset := s.arena.GetPointerOffset(unsafe.Pointer(prev))
			nextOffset := s.arena.GetPointerOffset(unsafe.Pointer(next))
			nd.tower[i].init(prevOffset, nextOffset)

			nextPrevOffset := next.prevOffset(i)
			if nextPrevOffset != prevOffset {
				prevNextOffset := prev.nextOffset(i)
				if prevNextOffset == nextOffset {
					next.casPrevOffset(i, nextPrevOffset, prevOffset)
				}
			}

			if prev.casNextOffset(i, nextOffset, ndOffset) {
				if s.testing {
					runtime.Gosched()
				}
				next.casPrevOffset(i, prevOffset, ndOffset)
				break
			}

			// Lost the race; recompute prev/next at this level and retry.
			prev, next, found = s.findSpliceForLevel(key, i, prev)
			if found {
				if i != 0 {
					panic("pebble/arenaskl: concurrent insert above the base level")
				}
				return ErrRecordExists
			}
		}
	}

	return nil
}

// NewIter returns an unpositioned Iterator.
func (s *Skiplist) NewIter() Iterator {
	return Iterator{list: s, nd: s.head}
}

func (s *Skiplist) newNode(key base.InternalKey, value []byte) (nd *node, height uint32, err error) {
	height = s.randomHeight()
	nd, err = newNode(s.arena, height, key, value)
	if err != nil {
		return
	}

	listHeight := s.Height()
	for height > listHeight {
		if atomic.CompareAndSwapUint32(&s.height, listHeight, height) {
			break
		}
		listHeight = s.Height()
	}
	return
}

func (s *Skiplist) randomHeight() uint32 {
	rnd := rand.Uint32()
	h := uint32(1)
	for h < maxHeight && rnd <= probabilities[h] {
		h++
	}
	return h
}

func (s *Skiplist) findSplice(key base.InternalKey, spl *[maxHeight]splice) (found bool) {
	var prev, next *node
	level := int(s.Height() - 1)
	prev = s.head

	for {
		prev, next, found = s.findSpliceForLevel(key, level, prev)
		if next == nil {
			next = s.tail
		}
		spl[level].init(prev, next)
		if level == 0 {
			break
		}
		level--
	}
	return
}

func (s *Skiplist) findSpliceForLevel(
	key base.InternalKey, level int, start *node,
) (prev, next *node, found bool) {
	prev = start

	for {
		next = s.getNext(prev, level)
		if next == s.tail {
			next = nil
			break
		}
		nextKey := next.getKey(s.arena)

		cmp := base.InternalCompare(s.cmp, key, nextKey)
		if cmp == 0 {
			found = true
			break
		}
		if cmp < 0 {
			break
		}
		prev = next
	}
	return
}

func (s *Skiplist) getNext(nd *node, h int) *node {
	offset := atomic.LoadUint32(&nd.tower[h].nextOffset)
	return (*node)(s.arena.GetPointer(offset))
}

func (s *Skiplist) getPrev(nd *node, h int) *node {
	offset := atomic.LoadUint32(&nd.tower[h].prevOffset)
	return (*node)(s.arena.GetPointer(offset))
}

// EstimateNodeSize pessimistically bounds the arena footprint of an entry
// with the given key and value size, assuming worst-case tower height.
// The memtable (C1) uses this to decide, before writing, whether a batch
// still fits (spec.md §4.1, §4.3 "make room").
func EstimateNodeSize(keySize, valueSize uint32) uint32 {
	return uint32(maxNodeSize) + keySize + valueSize + Align4
}
