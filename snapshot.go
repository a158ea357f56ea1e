// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"sync"

	"github.com/meggie4/partnerkv/internal/base"
)

// Snapshot pins a point-in-time view of the store: reads through it never
// observe a mutation with a sequence number greater than the snapshot's,
// per spec.md §6. Snapshots must be released or they pin every
// superseded version and tombstone below their sequence number forever.
type Snapshot struct {
	seqNum base.SeqNum
	db     *Store
	list   *snapshotList
	prev, next *Snapshot
}

// snapshotList is a doubly-linked ring of live snapshots ordered by
// insertion, not by sequence number; minSeqNum below scans the whole list
// since the count is expected to stay small.
type snapshotList struct {
	mu   sync.Mutex
	root Snapshot
}

func (l *snapshotList) init() {
	l.root.next = &l.root
	l.root.prev = &l.root
}

func (l *snapshotList) pushBack(s *Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.prev = l.root.prev
	s.prev.next = s
	s.next = &l.root
	s.next.prev = s
	s.list = l
}

func (l *snapshotList) remove(s *Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.list != l {
		return
	}
	s.prev.next = s.next
	s.next.prev = s.prev
	s.next, s.prev, s.list = nil, nil, nil
}

// minSeqNum returns the smallest sequence number pinned by any live
// snapshot, or base.SeqNumMax if none are held. Compaction (C8/C9) treats
// this as smallestSnapshot: the watermark below which superseded
// versions and obsolete tombstones are safe to drop.
func (l *snapshotList) minSeqNum() base.SeqNum {
	l.mu.Lock()
	defer l.mu.Unlock()
	min := base.SeqNumMax
	for s := l.root.next; s != &l.root; s = s.next {
		if s.seqNum < min {
			min = s.seqNum
		}
	}
	return min
}

func (l *snapshotList) empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.root.next == &l.root
}

// Close releases the snapshot. After Close, iterators and Get calls made
// through it are invalid.
func (s *Snapshot) Close() error {
	s.list.remove(s)
	return nil
}
