// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"github.com/meggie4/partnerkv/internal/base"
	"github.com/meggie4/partnerkv/internal/sstable"
)

// levelIter concatenates the disjoint, key-ordered runs of a single level
// (L1 and up) into one internalIterator, opening each run lazily as the
// iteration reaches it rather than all at once the way compaction's
// newInputIters does. This is the other half of C10: mergingIter handles
// L0's overlapping runs and the memtables by fanning out to one source per
// run, while levelIter lets a disjoint level act as a single source so a
// read path touching every level doesn't pay for N open file descriptors
// up front.
type levelIter struct {
	fs      FS
	dirname string
	files   []fileMetadata

	pos int
	cur *sstable.Iterator
	cf  File
	err error
}

func newLevelIter(fs FS, dirname string, files []fileMetadata) *levelIter {
	return &levelIter{fs: fs, dirname: dirname, files: files, pos: -1}
}

func (l *levelIter) closeCurrent() {
	if l.cf != nil {
		l.cf.Close()
		l.cf = nil
	}
	l.cur = nil
}

// openAt opens the run at pos, reporting false both when pos runs past the
// end of the level (a normal, error-free exhaustion) and when the run
// itself can't be opened or parsed, in which case it records the failure
// in l.err for the caller to retrieve via Error.
func (l *levelIter) openAt(pos int) bool {
	l.closeCurrent()
	if pos < 0 || pos >= len(l.files) {
		return false
	}
	name := makeFilename(l.dirname, fileTypeTable, l.files[pos].fileNum)
	f, err := l.fs.Open(name)
	if err != nil {
		l.err = err
		return false
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		l.err = err
		return false
	}
	rd, err := sstable.Open(f, info.Size())
	if err != nil {
		f.Close()
		l.err = err
		return false
	}
	l.cf = f
	l.cur = rd.NewIter()
	return true
}

// Next advances to the next entry, moving to the following run's first
// entry once the current one is exhausted. A false return can mean either
// the level is exhausted or a run failed to open or read; callers that
// need to tell the two apart should check Error.
func (l *levelIter) Next() bool {
	for {
		if l.cur == nil {
			l.pos++
			if !l.openAt(l.pos) {
				return false
			}
		}
		if l.cur.Next() {
			return true
		}
		if err := l.cur.Error(); err != nil {
			l.err = err
			return false
		}
		l.closeCurrent()
	}
}

// Prev retreats to the preceding entry, moving to the previous run's last
// entry once the current one is exhausted going backward.
func (l *levelIter) Prev() bool {
	for {
		if l.cur == nil {
			l.pos--
			if !l.openAt(l.pos) {
				return false
			}
			if l.cur.Last() {
				return true
			}
			if err := l.cur.Error(); err != nil {
				l.err = err
				return false
			}
			l.closeCurrent()
			continue
		}
		if l.cur.Prev() {
			return true
		}
		if err := l.cur.Error(); err != nil {
			l.err = err
			return false
		}
		l.closeCurrent()
	}
}

// First positions the iterator at the level's smallest entry.
func (l *levelIter) First() bool {
	l.closeCurrent()
	l.pos = -1
	return l.Next()
}

// Last positions the iterator at the level's largest entry.
func (l *levelIter) Last() bool {
	l.closeCurrent()
	l.pos = len(l.files)
	return l.Prev()
}

// findFile returns the index of the first run whose largest key is >=
// ukey, the first candidate that could contain it, or len(l.files) if
// every run sorts below ukey.
func (l *levelIter) findFile(cmp base.Compare, ukey []byte) int {
	for i, f := range l.files {
		if cmp(ukey, f.largest.UserKey) <= 0 {
			return i
		}
	}
	return len(l.files)
}

// findFileForSeekLT returns the index of the last run whose smallest key
// is < ukey, or -1 if every run sorts at or above ukey.
func (l *levelIter) findFileForSeekLT(cmp base.Compare, ukey []byte) int {
	idx := -1
	for i, f := range l.files {
		if cmp(f.smallest.UserKey, ukey) < 0 {
			idx = i
		} else {
			break
		}
	}
	return idx
}

// SeekGE repositions the level at the first entry >= key, skipping
// straight to the run that could hold it rather than opening every run
// in between.
func (l *levelIter) SeekGE(cmp base.Compare, key base.InternalKey) bool {
	l.closeCurrent()
	l.pos = l.findFile(cmp, key.UserKey) - 1
	for {
		if l.cur == nil {
			l.pos++
			if !l.openAt(l.pos) {
				return false
			}
			if l.cur.SeekGE(cmp, key) {
				return true
			}
		} else if l.cur.Next() {
			return true
		}
		if err := l.cur.Error(); err != nil {
			l.err = err
			return false
		}
		l.closeCurrent()
	}
}

// SeekLT repositions the level at the last entry < key.
func (l *levelIter) SeekLT(cmp base.Compare, key base.InternalKey) bool {
	l.closeCurrent()
	l.pos = l.findFileForSeekLT(cmp, key.UserKey) + 1
	for {
		if l.cur == nil {
			l.pos--
			if !l.openAt(l.pos) {
				return false
			}
			if l.cur.SeekLT(cmp, key) {
				return true
			}
		} else if l.cur.Prev() {
			return true
		}
		if err := l.cur.Error(); err != nil {
			l.err = err
			return false
		}
		l.closeCurrent()
	}
}

func (l *levelIter) Key() base.InternalKey { return l.cur.Key() }
func (l *levelIter) Value() []byte         { return l.cur.Value() }

// Error reports any error encountered opening or reading a run, as
// opposed to a clean end of the level.
func (l *levelIter) Error() error { return l.err }

// close releases the currently open run, if any. A caller that abandons a
// levelIter mid-iteration must call this to avoid leaking a file handle.
func (l *levelIter) close() { l.closeCurrent() }
