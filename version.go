// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/meggie4/partnerkv/internal/base"
)

// numLevels is the number of levels in the LSM tree, L0 through L6.
const numLevels = 7

// fileMetadata holds the metadata for an on-disk run (spec.md's term for
// what the teacher calls a table).
type fileMetadata struct {
	// refs is shared by every version the run appears in; the run becomes
	// obsolete and eligible for deletion once it drops to zero.
	refs *int32

	fileNum uint64
	size    uint64

	// smallest and largest are the inclusive InternalKey bounds stored in
	// the run.
	smallest base.InternalKey
	largest  base.InternalKey

	smallestSeqNum base.SeqNum
	largestSeqNum  base.SeqNum

	// markedForCompaction records a client-requested CompactRange touching
	// this run (spec.md §6).
	markedForCompaction bool

	// allowedSeeks is a LevelDB/Pebble-style seek budget shared (via
	// pointer, like refs) by every copy of this run's metadata across
	// versions and overlaps() results: every point lookup that passes
	// over this run without it settling the answer (db.go's
	// getFromVersion) decrements it. Reaching zero or below marks the run
	// seek-charged, spec.md §4.5's seek-driven compaction trigger — the
	// run has cost more read I/O than a compaction of it would.
	allowedSeeks *int32
}

// initAllowedSeeks sets a new run's seek budget from its size, following
// the original LevelDB heuristic: one compaction's worth of I/O (25x the
// file's own bytes) buys roughly file_size/16KiB seeks before a seek
// costs more than compacting the file outright, floored so small runs
// still get a reasonable number of free seeks.
func initAllowedSeeks(size uint64) *int32 {
	seeks := int32(size / (16 << 10))
	if seeks < 100 {
		seeks = 100
	}
	return &seeks
}

// seekCharged reports whether f's seek budget has been exhausted.
func (f *fileMetadata) seekCharged() bool {
	return f.allowedSeeks != nil && atomic.LoadInt32(f.allowedSeeks) <= 0
}

// chargeSeek decrements f's seek budget by one, following a point lookup
// that passed over f without it settling the answer.
func (f *fileMetadata) chargeSeek() {
	if f.allowedSeeks != nil {
		atomic.AddInt32(f.allowedSeeks, -1)
	}
}

func (m *fileMetadata) String() string {
	return fmt.Sprintf("%06d:[%s-%s]", m.fileNum, m.smallest, m.largest)
}

// totalSize sums the size of every run in f.
func totalSize(f []fileMetadata) (size uint64) {
	for i := range f {
		size += f[i].size
	}
	return size
}

// ikeyRange returns the minimum smallest and maximum largest InternalKey
// spanning every run in f0 and f1.
func ikeyRange(cmp base.Compare, f0, f1 []fileMetadata) (smallest, largest base.InternalKey) {
	first := true
	for _, files := range [2][]fileMetadata{f0, f1} {
		for i := range files {
			meta := &files[i]
			if first {
				first = false
				smallest, largest = meta.smallest, meta.largest
				continue
			}
			if base.InternalCompare(cmp, meta.smallest, smallest) < 0 {
				smallest = meta.smallest
			}
			if base.InternalCompare(cmp, meta.largest, largest) > 0 {
				largest = meta.largest
			}
		}
	}
	return smallest, largest
}

type byFileNum []fileMetadata

func (b byFileNum) Len() int           { return len(b) }
func (b byFileNum) Less(i, j int) bool { return b[i].fileNum < b[j].fileNum }
func (b byFileNum) Swap(i, j int)      { b[i], b[j] = b[j], b[i] }

type bySmallest struct {
	dat []fileMetadata
	cmp base.Compare
}

func (b bySmallest) Len() int { return len(b.dat) }
func (b bySmallest) Less(i, j int) bool {
	return base.InternalCompare(b.cmp, b.dat[i].smallest, b.dat[j].smallest) < 0
}
func (b bySmallest) Swap(i, j int) { b.dat[i], b.dat[j] = b.dat[j], b.dat[i] }

// version is an immutable snapshot of every run in the LSM tree, per
// spec.md §4.4 (C4). Level 0 runs may overlap each other and are kept in
// fileNum order; every other level's runs are disjoint and kept in key
// order. Installing a version never mutates an existing one: compactions
// and flushes produce a new version that replaces the current one under
// the catalog mutex.
type version struct {
	refs int32

	files [numLevels][]fileMetadata

	// compactPointers records, per level, the largest key consumed by that
	// level's most recent size-driven compaction (spec.md §4.5, §9): the
	// next automatic compaction at that level starts from the first run
	// whose smallest key sorts after it, wrapping around to the level's
	// first run once every run has been visited in turn.
	compactPointers [numLevels]base.InternalKey

	vs *versionSet

	list       *versionList
	prev, next *version
}

func (v *version) String() string {
	var buf bytes.Buffer
	for level := 0; level < numLevels; level++ {
		if len(v.files[level]) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "%d:", level)
		for j := range v.files[level] {
			f := &v.files[level][j]
			fmt.Fprintf(&buf, " %s-%s", f.smallest.UserKey, f.largest.UserKey)
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

func (v *version) ref() { atomic.AddInt32(&v.refs, 1) }

func (v *version) unref() {
	if atomic.AddInt32(&v.refs, -1) == 0 {
		obsolete := v.unrefFiles()
		l := v.list
		l.mu.Lock()
		l.remove(v)
		if v.vs != nil {
			v.vs.addObsoleteLocked(obsolete)
		}
		l.mu.Unlock()
	}
}

func (v *version) unrefFiles() []uint64 {
	var obsolete []uint64
	for _, files := range v.files {
		for i := range files {
			f := &files[i]
			if atomic.AddInt32(f.refs, -1) == 0 {
				obsolete = append(obsolete, f.fileNum)
			}
		}
	}
	return obsolete
}

// overlaps returns every run in v.files[level] whose user key range
// intersects [start, end]. At level 0, where runs may overlap each other,
// the search range is expanded to the union of matches and repeated until
// it stabilizes.
func (v *version) overlaps(level int, cmp base.Compare, start, end []byte) (ret []fileMetadata) {
	if level == 0 {
	loop:
		for {
			for _, meta := range v.files[level] {
				smallest := meta.smallest.UserKey
				largest := meta.largest.UserKey
				if cmp(largest, start) < 0 || cmp(smallest, end) > 0 {
					continue
				}
				ret = append(ret, meta)
				restart := false
				if cmp(smallest, start) < 0 {
					start = smallest
					restart = true
				}
				if cmp(largest, end) > 0 {
					end = largest
					restart = true
				}
				if restart {
					ret = ret[:0]
					continue loop
				}
			}
			return ret
		}
	}

	files := v.files[level]
	lower := sort.Search(len(files), func(i int) bool {
		return cmp(files[i].largest.UserKey, start) >= 0
	})
	upper := sort.Search(len(files), func(i int) bool {
		return cmp(files[i].smallest.UserKey, end) > 0
	})
	if lower >= upper {
		return nil
	}
	return files[lower:upper]
}

// checkOrdering validates invariant 1 of spec.md §8: level 0 runs are in
// increasing largest-sequence order, and every other level's runs are
// disjoint and in increasing key order.
func (v *version) checkOrdering(cmp base.Compare) error {
	for level, ff := range v.files {
		if level == 0 {
			for i := 1; i < len(ff); i++ {
				prev, f := &ff[i-1], &ff[i]
				if prev.largestSeqNum >= f.largestSeqNum {
					return fmt.Errorf("partnerkv: L0 runs out of seqnum order: %d >= %d", prev.largestSeqNum, f.largestSeqNum)
				}
			}
			continue
		}
		for i := 1; i < len(ff); i++ {
			prev, f := &ff[i-1], &ff[i]
			if base.InternalCompare(cmp, prev.largest, f.smallest) >= 0 {
				return fmt.Errorf("partnerkv: L%d runs overlap: %s, %s", level, prev.largest, f.smallest)
			}
		}
	}
	return nil
}

type versionList struct {
	mu   *sync.Mutex
	root version
}

func (l *versionList) init(mu *sync.Mutex) {
	l.mu = mu
	l.root.next = &l.root
	l.root.prev = &l.root
}

func (l *versionList) empty() bool   { return l.root.next == &l.root }
func (l *versionList) front() *version { return l.root.next }
func (l *versionList) back() *version  { return l.root.prev }

func (l *versionList) pushBack(v *version) {
	if v.list != nil || v.prev != nil || v.next != nil {
		panic("partnerkv: version list is inconsistent")
	}
	v.prev = l.root.prev
	v.prev.next = v
	v.next = &l.root
	v.next.prev = v
	v.list = l
}

func (l *versionList) remove(v *version) {
	if v == &l.root {
		panic("partnerkv: cannot remove version list root")
	}
	if v.list != l {
		panic("partnerkv: version list is inconsistent")
	}
	v.prev.next = v.next
	v.next.prev = v.prev
	v.next, v.prev, v.list = nil, nil, nil
}
