// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"golang.org/x/sync/errgroup"

	"github.com/meggie4/partnerkv/internal/base"
)

// compactionShard is one independent slice of a split compaction: a
// contiguous user-key range plus the inputs (drawn from c.inputs[0] and
// c.inputs[1]) that fall inside it.
type compactionShard struct {
	lo, hi []byte // hi is exclusive; nil means unbounded in that direction.

	startInputs  []fileMetadata
	outputInputs []fileMetadata
}

// splitShards partitions c's combined input range into up to maxShards
// contiguous shards of approximately equal byte weight (spec.md §4.7,
// §9's weighted-byte-bisection resolution), excluding any outputLevel
// run that straddles a candidate split point from the partner set — its
// range is carved out of the adjacent shards instead so no shard overlaps
// it, preserving level-disjointness after commit.
func (c *compaction) splitShards(maxShards int) []compactionShard {
	cmp := c.opts.Comparer.Compare
	if maxShards < 2 || len(c.inputs[1]) == 0 {
		return nil
	}

	// Candidate split points are outputLevel's run boundaries, since
	// outputLevel runs are disjoint and sorted; splitting between them
	// never creates a straddler among outputLevel's own inputs. A run is
	// only a straddler if a split point would fall inside it, which
	// cannot happen when points are chosen at run boundaries.
	type boundary struct {
		key  []byte
		size uint64
	}
	var bounds []boundary
	var total uint64
	for i := range c.inputs[1] {
		f := &c.inputs[1][i]
		total += f.size
		bounds = append(bounds, boundary{key: f.smallest.UserKey, size: f.size})
	}
	if len(bounds) < 2 {
		return nil
	}

	k := maxShards
	if k > len(bounds) {
		k = len(bounds)
	}
	if k < 2 {
		return nil
	}

	target := total / uint64(k)
	if target == 0 {
		target = 1
	}

	shards := make([]compactionShard, 0, k)
	var shardStart int
	var acc uint64
	for i := 0; i < len(c.inputs[1]); i++ {
		acc += c.inputs[1][i].size
		isLast := i == len(c.inputs[1])-1
		if acc >= target && len(shards) < k-1 && !isLast {
			shards = append(shards, compactionShard{
				lo:           boundsLo(shardStart, c.inputs[1]),
				hi:           c.inputs[1][i+1].smallest.UserKey,
				outputInputs: c.inputs[1][shardStart : i+1],
			})
			shardStart = i + 1
			acc = 0
		}
	}
	shards = append(shards, compactionShard{
		lo:           boundsLo(shardStart, c.inputs[1]),
		hi:           nil,
		outputInputs: c.inputs[1][shardStart:],
	})

	for i := range shards {
		lo, hi := shards[i].lo, shards[i].hi
		for j := range c.inputs[0] {
			f := &c.inputs[0][j]
			if hi != nil && cmp(f.smallest.UserKey, hi) >= 0 {
				continue
			}
			if lo != nil && cmp(f.largest.UserKey, lo) < 0 {
				continue
			}
			shards[i].startInputs = append(shards[i].startInputs, *f)
		}
	}
	return shards
}

func boundsLo(shardStart int, files []fileMetadata) []byte {
	if shardStart == 0 {
		return nil
	}
	return files[shardStart].smallest.UserKey
}

// asCompaction returns a *compaction scoped to exactly this shard's
// inputs, reusing compaction.run's merge-and-rewrite logic unmodified —
// including its size and grandparent-overlap output cuts (spec.md §4.6,
// §4.7 step 2), since inputs[2] is narrowed to the shard's own range
// rather than left as the whole compaction's grandparent set.
func (s *compactionShard) asCompaction(c *compaction) *compaction {
	shard := &compaction{opts: c.opts, vers: c.vers, startLevel: c.startLevel, outputLevel: c.outputLevel}
	shard.inputs[0] = s.startInputs
	shard.inputs[1] = s.outputInputs
	shard.rangeLo, shard.rangeHi = s.lo, s.hi

	cmp := c.opts.Comparer.Compare
	for j := range c.inputs[2] {
		f := &c.inputs[2][j]
		if s.hi != nil && cmp(f.smallest.UserKey, s.hi) >= 0 {
			continue
		}
		if s.lo != nil && cmp(f.largest.UserKey, s.lo) < 0 {
			continue
		}
		shard.inputs[2] = append(shard.inputs[2], *f)
	}
	return shard
}

// runSplit executes c as a partner/split compaction: each shard runs
// concurrently on a fixed-size worker pool, and the shards' versionEdits
// are unioned into one atomic install only if every shard succeeds
// (spec.md §4.7). If c isn't a large enough L≥1 compaction to be worth
// splitting (spec.md §4.5's dispatch condition), splitShards can't
// produce at least opts.SplitCompactionMinShards shards, or any shard
// fails, the caller should fall back to classical compaction — runSplit
// reports this via a nil, nil return for the "not worth splitting" cases,
// and a non-nil error (with every shard's output already unlinked) for a
// mid-run failure.
func runSplit(c *compaction, fs FS, dirname string, allocateFileNum func() uint64, opts *Options, smallestSeq base.SeqNum) (*versionEdit, error) {
	// A compaction is only dispatched to the split worker when it is both
	// large enough that parallel shard overhead pays for itself and at
	// L≥1, where outputLevel's runs are disjoint and so partition cleanly
	// into contiguous shards; L0's overlapping runs don't.
	if c.startLevel == 0 {
		return nil, nil
	}
	if totalSize(c.inputs[0])+totalSize(c.inputs[1]) < uint64(opts.SplitCompactionMinBytes) {
		return nil, nil
	}

	shards := c.splitShards(opts.SplitCompactionWorkers)
	if len(shards) < opts.SplitCompactionMinShards {
		return nil, nil
	}

	edits := make([]*versionEdit, len(shards))
	g := new(errgroup.Group)
	g.SetLimit(opts.SplitCompactionWorkers)
	for i := range shards {
		i := i
		g.Go(func() error {
			ve, err := shards[i].asCompaction(c).run(fs, dirname, allocateFileNum, opts, smallestSeq)
			if err != nil {
				return err
			}
			edits[i] = ve
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, ve := range edits {
			if ve == nil {
				continue
			}
			for _, nf := range ve.newFiles {
				_ = fs.Remove(makeFilename(dirname, fileTypeTable, nf.meta.fileNum))
			}
		}
		return nil, err
	}

	merged := &versionEdit{deletedFiles: map[deletedFileEntry]bool{}}
	for _, ve := range edits {
		for k := range ve.deletedFiles {
			merged.deletedFiles[k] = true
		}
		merged.newFiles = append(merged.newFiles, ve.newFiles...)
	}
	return merged, nil
}
