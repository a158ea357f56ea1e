// Copyright 2013 The LevelDB-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package partnerkv

import (
	"github.com/meggie4/partnerkv/internal/base"
	"github.com/meggie4/partnerkv/internal/sstable"
)

const (
	// defaultMaxGrandparentOverlapBytes is the maxGrandparentOverlapBytes
	// fallback used when Options.MaxFileSize is unset (EnsureDefaults not
	// yet run, e.g. in unit tests that build a *compaction directly).
	defaultMaxGrandparentOverlapBytes = 10 * (2 << 20)

	// expandedCompactionByteSizeLimit caps how far grow() will widen a
	// compaction's lower-level input set while holding its upper-level
	// file count fixed.
	expandedCompactionByteSizeLimit = 25 * (2 << 20)
)

// maxGrandparentOverlapBytes is the maximum bytes of overlap with
// level+2 an output run may accumulate before either a single-file
// trivial move is rejected (isTrivialMove) or the compaction's current
// output file is cut (spec.md §4.6, §9's "10 × max_file_size" Open
// Question resolution).
func (c *compaction) maxGrandparentOverlapBytes() int64 {
	if c.opts != nil && c.opts.MaxFileSize > 0 {
		return 10 * c.opts.MaxFileSize
	}
	return defaultMaxGrandparentOverlapBytes
}

// compaction describes one run of classical compaction (spec.md §4.5, C8):
// startLevel's inputs[0] plus every outputLevel run they overlap
// (inputs[1]) are merged into new outputLevel runs, dropping superseded
// versions and obsolete tombstones along the way.
type compaction struct {
	opts *Options
	vers *version

	startLevel  int
	outputLevel int

	// inputs[0] is startLevel's files, inputs[1] is outputLevel's
	// overlapping files, inputs[2] is outputLevel+1's overlapping files
	// (used only to bound grow()'s grandparent-overlap check).
	inputs [3][]fileMetadata

	// rangeLo/rangeHi restrict the merge to a user-key shard, set only by
	// a partner/split compaction (C9) whose startLevel input runs may
	// span more than one shard. nil means unbounded on that side.
	rangeLo, rangeHi []byte
}

func newCompaction(opts *Options, vers *version, level, baseLevel int) *compaction {
	outputLevel := level + 1
	if level == 0 {
		outputLevel = baseLevel
	}
	return &compaction{opts: opts, vers: vers, startLevel: level, outputLevel: outputLevel}
}

// setupInputs fills in inputs[1] and inputs[2] from inputs[0], growing
// inputs[0]/[1] together when doing so doesn't pull in more outputLevel
// files (the same trade the teacher's grow makes to keep compactions from
// fragmenting needlessly).
func (c *compaction) setupInputs() {
	cmp := c.opts.Comparer.Compare
	smallest0, largest0 := ikeyRange(cmp, c.inputs[0], nil)
	c.inputs[1] = c.vers.overlaps(c.outputLevel, cmp, smallest0.UserKey, largest0.UserKey)
	smallest01, largest01 := ikeyRange(cmp, c.inputs[0], c.inputs[1])

	if c.grow(cmp, smallest01, largest01) {
		smallest01, largest01 = ikeyRange(cmp, c.inputs[0], c.inputs[1])
	}

	if c.outputLevel+1 < numLevels {
		c.inputs[2] = c.vers.overlaps(c.outputLevel+1, cmp, smallest01.UserKey, largest01.UserKey)
	}
}

func (c *compaction) grow(cmp base.Compare, sm, la base.InternalKey) bool {
	if len(c.inputs[1]) == 0 {
		return false
	}
	grow0 := c.vers.overlaps(c.startLevel, cmp, sm.UserKey, la.UserKey)
	if len(grow0) <= len(c.inputs[0]) {
		return false
	}
	if totalSize(grow0)+totalSize(c.inputs[1]) >= expandedCompactionByteSizeLimit {
		return false
	}
	sm1, la1 := ikeyRange(cmp, grow0, nil)
	grow1 := c.vers.overlaps(c.outputLevel, cmp, sm1.UserKey, la1.UserKey)
	if len(grow1) != len(c.inputs[1]) {
		return false
	}
	c.inputs[0] = grow0
	c.inputs[1] = grow1
	return true
}

// isTrivialMove reports whether c moves a single file to outputLevel
// untouched, skipping the write-merge-rewrite cycle entirely.
func (c *compaction) isTrivialMove() bool {
	return len(c.inputs[0]) == 1 && len(c.inputs[1]) == 0 &&
		totalSize(c.inputs[2]) <= uint64(c.maxGrandparentOverlapBytes())
}

// isBaseLevelForUkey reports whether no run at outputLevel+1 or higher
// can hold ukey, the condition under which a tombstone for ukey is safe
// to drop once no open snapshot can see past it.
func (c *compaction) isBaseLevelForUkey(cmp base.Compare, ukey []byte) bool {
	for level := c.outputLevel + 1; level < numLevels; level++ {
		for i := range c.vers.files[level] {
			f := &c.vers.files[level][i]
			if cmp(ukey, f.largest.UserKey) <= 0 {
				if cmp(ukey, f.smallest.UserKey) >= 0 {
					return false
				}
				break
			}
		}
	}
	return true
}

// newInputIters opens one internalIterator per input run; L1+ levels are
// disjoint so their files are fed through in key order as if
// concatenated, while L0 (startLevel 0) files may overlap and are each
// fed to the merge independently.
func (c *compaction) newInputIters(fs FS, dirname string) ([]internalIterator, []*sstableFileHandle, error) {
	var iters []internalIterator
	var handles []*sstableFileHandle

	open := func(f *fileMetadata) (internalIterator, error) {
		name := makeFilename(dirname, fileTypeTable, f.fileNum)
		file, err := fs.Open(name)
		if err != nil {
			return nil, err
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, err
		}
		rd, err := sstable.Open(file, info.Size())
		if err != nil {
			file.Close()
			return nil, err
		}
		handles = append(handles, &sstableFileHandle{file: file})
		return rd.NewIter(), nil
	}

	for i := range c.inputs[0] {
		it, err := open(&c.inputs[0][i])
		if err != nil {
			return nil, handles, err
		}
		iters = append(iters, it)
	}
	for i := range c.inputs[1] {
		it, err := open(&c.inputs[1][i])
		if err != nil {
			return nil, handles, err
		}
		iters = append(iters, it)
	}
	return iters, handles, nil
}

// sstableFileHandle keeps an opened run's vfs.File alive for the duration
// of a compaction's merge so the caller can close every one on exit.
type sstableFileHandle struct {
	file File
}

// run performs the merge-and-rewrite described by c, writing new
// outputLevel runs and returning the versionEdit to install. smallestSeq
// is the lowest sequence number visible to any open snapshot (spec.md
// §6): entries shadowed at or below it, and tombstones at or below it
// once isBaseLevelForUkey holds, are dropped rather than rewritten.
func (c *compaction) run(fs FS, dirname string, allocateFileNum func() uint64, opts *Options, smallestSeq base.SeqNum) (*versionEdit, error) {
	if c.rangeLo == nil && c.rangeHi == nil && c.isTrivialMove() {
		meta := c.inputs[0][0]
		return &versionEdit{
			deletedFiles: map[deletedFileEntry]bool{
				{level: c.startLevel, fileNum: meta.fileNum}: true,
			},
			newFiles: []newFileEntry{{level: c.outputLevel, meta: meta}},
		}, nil
	}

	iters, handles, err := c.newInputIters(fs, dirname)
	closeHandles := func() {
		for _, h := range handles {
			h.file.Close()
		}
	}
	if err != nil {
		closeHandles()
		return nil, err
	}
	defer closeHandles()

	cmp := opts.Comparer.Compare
	merged := newMergingIter(cmp, iters...)

	ve := &versionEdit{deletedFiles: map[deletedFileEntry]bool{}}
	for i := 0; i < 2; i++ {
		for _, f := range c.inputs[i] {
			ve.deletedFiles[deletedFileEntry{level: c.startLevel + i, fileNum: f.fileNum}] = true
		}
	}

	var (
		fileNum  uint64
		filename string
		file     File
		w        *sstable.Writer
	)
	flushOutput := func() error {
		if w == nil {
			return nil
		}
		count, smallest, largest, smallestSeqNum, largestSeqNum, err := w.Close()
		cerr := file.Close()
		if err != nil {
			return err
		}
		if cerr != nil {
			return cerr
		}
		if count == 0 {
			return fs.Remove(filename)
		}
		info, err := fs.Stat(filename)
		if err != nil {
			return err
		}
		refs := new(int32)
		*refs = 1
		ve.newFiles = append(ve.newFiles, newFileEntry{
			level: c.outputLevel,
			meta: fileMetadata{
				refs:           refs,
				fileNum:        fileNum,
				size:           uint64(info.Size()),
				smallest:       smallest,
				largest:        largest,
				smallestSeqNum: smallestSeqNum,
				largestSeqNum:  largestSeqNum,
				allowedSeeks:   initAllowedSeeks(uint64(info.Size())),
			},
		})
		w = nil
		return nil
	}

	var currentUkey []byte
	hasCurrentUkey := false
	lastSeqNumForKey := base.SeqNumMax

	// grandparentIdx/grandparentOverlap track this output file's overlap
	// with outputLevel+1 (spec.md §4.6 "cut boundaries" (b)): every time
	// the merge advances past a grandparent run's largest key, that run's
	// whole size is charged against the current output.
	grandparentIdx := 0
	var grandparentOverlap int64
	maxOverlap := c.maxGrandparentOverlapBytes()

	for merged.Next() {
		ikey := merged.Key()
		ukey := ikey.UserKey

		if c.rangeLo != nil && cmp(ukey, c.rangeLo) < 0 {
			continue
		}
		if c.rangeHi != nil && cmp(ukey, c.rangeHi) >= 0 {
			continue
		}

		if !hasCurrentUkey || cmp(currentUkey, ukey) != 0 {
			currentUkey = append(currentUkey[:0], ukey...)
			hasCurrentUkey = true
			lastSeqNumForKey = base.SeqNumMax
		}

		drop := false
		switch {
		case lastSeqNumForKey <= smallestSeq:
			// A newer version of this user key already survived at or
			// below the oldest visible snapshot; this one can never be
			// observed.
			drop = true
		case ikey.Kind() == base.InternalKeyKindDelete &&
			ikey.SeqNum() <= smallestSeq &&
			c.isBaseLevelForUkey(cmp, ukey):
			drop = true
		}
		lastSeqNumForKey = ikey.SeqNum()
		if drop {
			continue
		}

		for grandparentIdx < len(c.inputs[2]) && cmp(ukey, c.inputs[2][grandparentIdx].largest.UserKey) > 0 {
			grandparentOverlap += int64(c.inputs[2][grandparentIdx].size)
			grandparentIdx++
		}

		if w != nil {
			cut := (opts.MaxFileSize > 0 && w.EstimatedSize() >= uint64(opts.MaxFileSize)) ||
				(maxOverlap > 0 && grandparentOverlap > maxOverlap)
			if cut {
				if err := flushOutput(); err != nil {
					return nil, err
				}
				grandparentOverlap = 0
			}
		}

		if w == nil {
			fileNum = allocateFileNum()
			filename = makeFilename(dirname, fileTypeTable, fileNum)
			file, err = fs.Create(filename)
			if err != nil {
				return nil, err
			}
			w = sstable.NewWriter(file, opts.BlockSize, opts.BlockRestartInterval, sstable.Compression(opts.Compression))
		}
		if err := w.Add(ikey, merged.Value()); err != nil {
			return nil, err
		}
	}

	if err := flushOutput(); err != nil {
		return nil, err
	}
	return ve, nil
}
