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

package arenaskl

import "github.com/meggie4/partnerkv/internal/base"

type splice struct {
	prev *node
	next *node
}

func (s *splice) init(prev, next *node) {
	s.prev = prev
	s.next = next
}

// Iterator walks a Skiplist in InternalKey order. The zero value is not
// ready to use; call a skiplist's NewIter. All methods are safe to call
// concurrently with the single writer's Add, and the struct may be
// value-copied to snapshot a position (spec.md §4.1, §4.8).
type Iterator struct {
	list *Skiplist
	nd   *node
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.nd != nil }

// Error reports any error encountered during iteration. An in-memory
// skiplist walk never fails, so this always returns nil; it exists so
// Iterator satisfies the same internalIterator shape as a run iterator,
// which can.
func (it *Iterator) Error() error { return nil }

// Key returns the InternalKey at the current position.
func (it *Iterator) Key() base.InternalKey {
	return it.nd.getKey(it.list.arena)
}

// Value returns the value at the current position.
func (it *Iterator) Value() []byte {
	return it.nd.getValue(it.list.arena)
}

// Next advances to the following entry.
func (it *Iterator) Next() bool {
	it.setNode(it.list.getNext(it.nd, 0))
	return it.Valid()
}

// Prev moves to the preceding entry.
func (it *Iterator) Prev() bool {
	it.setNode(it.list.getPrev(it.nd, 0))
	return it.Valid()
}

// SeekGE moves to the first entry whose InternalKey is >= key, and reports
// whether an exact match was found.
func (it *Iterator) SeekGE(key base.InternalKey) (found bool) {
	var next *node
	_, next, found = it.seekForBaseSplice(key)
	it.setNode(next)
	return found
}

// SeekLT moves to the last entry whose InternalKey is < key, and reports
// whether such an entry exists.
func (it *Iterator) SeekLT(key base.InternalKey) bool {
	prev, _, _ := it.seekForBaseSplice(key)
	it.setNode(prev)
	return it.Valid()
}

// First moves to the first (smallest) entry.
func (it *Iterator) First() bool {
	it.setNode(it.list.getNext(it.list.head, 0))
	return it.Valid()
}

// Last moves to the last (largest) entry.
func (it *Iterator) Last() bool {
	it.setNode(it.list.getPrev(it.list.tail, 0))
	return it.Valid()
}

func (it *Iterator) setNode(nd *node) {
	if nd == it.list.head || nd == it.list.tail {
		it.nd = nil
		return
	}
	it.nd = nd
}

func (it *Iterator) seekForBaseSplice(key base.InternalKey) (prev, next *node, found bool) {
	level := int(it.list.Height() - 1)
	prev = it.list.head

	for {
		prev, next, found = it.list.findSpliceForLevel(key, level, prev)
		if found {
			break
		}
		if level == 0 {
			break
		}
		level--
	}
	return
}
