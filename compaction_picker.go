// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"math"
	"sort"

	"github.com/meggie4/partnerkv/internal/base"
)

// compactionInfo describes a compaction already in flight, so the picker
// doesn't select overlapping work (spec.md §4.5).
type compactionInfo struct {
	startLevel  int
	outputLevel int
}

// pickedCompactionInfo is one entry of the picker's priority queue.
type pickedCompactionInfo struct {
	score       float64
	level       int
	outputLevel int
	file        int
}

// compactionPicker scores every level and queues compactions in
// decreasing score order, the size-driven trigger of spec.md §4.5. L0 is
// scored by file count (L0CompactionThreshold); L1 and up are scored by
// byte ratio against a dynamically computed per-level budget.
type compactionPicker struct {
	opts *Options
	vers *version

	baseLevel     int
	levelMaxBytes [numLevels]int64
	scores        [numLevels]float64

	queue []pickedCompactionInfo
}

func newCompactionPicker(v *version, opts *Options, inProgress []compactionInfo) *compactionPicker {
	p := &compactionPicker{opts: opts, vers: v}
	p.initLevelMaxBytes(v, opts, inProgress)
	p.initQueue(v, opts)
	return p
}

func (p *compactionPicker) getBaseLevel() int {
	if p == nil {
		return 1
	}
	return p.baseLevel
}

// estimatedCompactionDebt estimates the bytes that still need compacting
// before the tree reaches a stable shape, used by diagnostics (A5 CLI).
func (p *compactionPicker) estimatedCompactionDebt(l0ExtraSize uint64) uint64 {
	if p == nil {
		return 0
	}
	debt := totalSize(p.vers.files[0]) + l0ExtraSize
	bytesAdded := debt
	levelSize := totalSize(p.vers.files[p.baseLevel])
	estL0Size := uint64(p.opts.L0CompactionThreshold) * uint64(p.opts.MemTableSize)
	if estL0Size == 0 {
		estL0Size = 1
	}
	debt += (levelSize * bytesAdded) / estL0Size

	var nextSize uint64
	for level := p.baseLevel; level < numLevels-1; level++ {
		levelSize += bytesAdded
		bytesAdded = 0
		nextSize = totalSize(p.vers.files[level+1])
		if levelSize > uint64(p.levelMaxBytes[level]) {
			bytesAdded = levelSize - uint64(p.levelMaxBytes[level])
			ratio := float64(nextSize) / float64(levelSize)
			debt += uint64(float64(bytesAdded) * (ratio + 1))
		}
		levelSize = nextSize
	}
	return debt
}

func (p *compactionPicker) initLevelMaxBytes(v *version, opts *Options, inProgress []compactionInfo) {
	firstNonEmpty := -1
	var bottomSize int64
	for level := 1; level < numLevels; level++ {
		size := int64(totalSize(v.files[level]))
		if size > 0 {
			if firstNonEmpty == -1 {
				firstNonEmpty = level
			}
			bottomSize = size
		}
	}
	for _, c := range inProgress {
		if c.startLevel == 0 && (firstNonEmpty == -1 || c.outputLevel < firstNonEmpty) {
			firstNonEmpty = c.outputLevel
		}
	}

	for level := 0; level < numLevels; level++ {
		p.levelMaxBytes[level] = math.MaxInt64
	}

	if bottomSize == 0 {
		p.baseLevel = numLevels - 1
		if firstNonEmpty >= 0 {
			p.baseLevel = firstNonEmpty
		}
		return
	}

	const levelMultiplier = 10.0
	baseBytesMax := opts.LBaseMaxBytes
	baseBytesMin := int64(float64(baseBytesMax) / levelMultiplier)

	curSize := bottomSize
	for level := numLevels - 2; level >= firstNonEmpty; level-- {
		curSize = int64(float64(curSize) / levelMultiplier)
	}

	if curSize <= baseBytesMin {
		p.baseLevel = firstNonEmpty
	} else {
		p.baseLevel = firstNonEmpty
		for p.baseLevel > 1 && curSize > baseBytesMax {
			p.baseLevel--
			curSize = int64(float64(curSize) / levelMultiplier)
		}
	}

	multiplier := 1.0
	if p.baseLevel < numLevels-1 {
		multiplier = math.Pow(float64(bottomSize)/float64(baseBytesMax), 1.0/float64(numLevels-p.baseLevel-1))
	}

	levelSize := float64(baseBytesMax)
	for level := p.baseLevel; level < numLevels; level++ {
		if level > p.baseLevel && levelSize > 0 {
			levelSize *= multiplier
		}
		rounded := math.Round(levelSize)
		if rounded > float64(math.MaxInt64) {
			p.levelMaxBytes[level] = math.MaxInt64
		} else {
			p.levelMaxBytes[level] = int64(rounded)
		}
	}
}

type byDecreasingScore struct {
	levels []int
	scores *[numLevels]float64
}

func (s byDecreasingScore) Len() int           { return len(s.levels) }
func (s byDecreasingScore) Less(i, j int) bool { return s.scores[s.levels[i]] > s.scores[s.levels[j]] }
func (s byDecreasingScore) Swap(i, j int)      { s.levels[i], s.levels[j] = s.levels[j], s.levels[i] }

func (p *compactionPicker) initQueue(v *version, opts *Options) {
	p.scores[0] = float64(len(v.files[0])) / float64(opts.L0CompactionThreshold)
	for level := 1; level < numLevels-1; level++ {
		p.scores[level] = float64(totalSize(v.files[level])) / float64(p.levelMaxBytes[level])
	}

	var candidates []int
	for level := 0; level < numLevels-1; level++ {
		if p.scores[level] >= 1 {
			candidates = append(candidates, level)
		}
	}
	sort.Sort(byDecreasingScore{levels: candidates, scores: &p.scores})

	for _, level := range candidates {
		outputLevel := level + 1
		if level == 0 {
			outputLevel = p.baseLevel
		}
		p.queue = append(p.queue, pickedCompactionInfo{score: p.scores[level], level: level, outputLevel: outputLevel})
	}
	cmp := p.opts.Comparer.Compare
	for i := range p.queue {
		level := p.queue[i].level
		p.queue[i].file = p.seedFile(v, cmp, level)
	}

	// Client-requested compactions (spec.md §6 CompactRange) queue after
	// score-based work.
	for level := 0; level < numLevels-1; level++ {
		outputLevel := level + 1
		if level == 0 {
			outputLevel = p.baseLevel
		}
		for i, f := range v.files[level] {
			if f.markedForCompaction {
				p.queue = append(p.queue, pickedCompactionInfo{score: p.scores[level], level: level, outputLevel: outputLevel, file: i})
				break
			}
		}
	}

	// Seek-driven compactions (spec.md §4.5 point 4) are the lowest
	// priority: a run whose seek budget is exhausted has cost more read
	// I/O than compacting it would, but this never preempts size-driven
	// or manual work above it in the queue.
	for level := 0; level < numLevels-1; level++ {
		outputLevel := level + 1
		if level == 0 {
			outputLevel = p.baseLevel
		}
		for i := range v.files[level] {
			if v.files[level][i].seekCharged() {
				p.queue = append(p.queue, pickedCompactionInfo{level: level, outputLevel: outputLevel, file: i})
				break
			}
		}
	}
}

// seedFile picks the index of the first run in v.files[level] whose
// smallest key sorts after that level's compaction pointer, wrapping
// around to the level's first run if the pointer is at or past every
// run's smallest key (spec.md §4.5's size-driven input selection: "start
// from the compaction pointer of L; pick the first run whose smallest
// key exceeds it, wrap-around allowed").
func (p *compactionPicker) seedFile(v *version, cmp base.Compare, level int) int {
	files := v.files[level]
	pointer := v.compactPointers[level]
	for j := range files {
		if base.InternalCompare(cmp, files[j].smallest, pointer) > 0 {
			return j
		}
	}
	return 0
}

// pickAuto returns the next automatic compaction, skipping any whose
// level range conflicts with a compaction already running.
func (p *compactionPicker) pickAuto(inProgress []compactionInfo) *compaction {
	for len(p.queue) > 0 {
		info := p.queue[0]
		p.queue = p.queue[1:]
		if conflictsWithInProgress(info.level, info.outputLevel, inProgress) {
			continue
		}
		return pickAutoHelper(p.opts, p.vers, &info, p.baseLevel)
	}
	return nil
}

func pickAutoHelper(opts *Options, vers *version, info *pickedCompactionInfo, baseLevel int) *compaction {
	c := newCompaction(opts, vers, info.level, baseLevel)
	if c.outputLevel != info.outputLevel {
		panic("partnerkv: compaction picked unexpected output level")
	}
	c.inputs[0] = vers.files[c.startLevel][info.file : info.file+1]
	if c.startLevel == 0 {
		cmp := opts.Comparer.Compare
		smallest, largest := ikeyRange(cmp, c.inputs[0], nil)
		c.inputs[0] = vers.overlaps(0, cmp, smallest.UserKey, largest.UserKey)
		if len(c.inputs[0]) == 0 {
			panic("partnerkv: empty compaction")
		}
	}
	c.setupInputs()
	return c
}

func conflictsWithInProgress(level, outputLevel int, inProgress []compactionInfo) bool {
	for _, c := range inProgress {
		if level == c.startLevel || outputLevel == c.startLevel || level == c.outputLevel {
			return true
		}
	}
	return false
}
