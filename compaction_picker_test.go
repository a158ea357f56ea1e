// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meggie4/partnerkv/internal/base"
)

func TestCompactionPickerL0Threshold(t *testing.T) {
	opts := (&Options{L0CompactionThreshold: 4}).EnsureDefaults()

	v := &version{}
	v.files[0] = []fileMetadata{
		newTestFileMeta(1, "a", "b"),
		newTestFileMeta(2, "c", "d"),
		newTestFileMeta(3, "e", "f"),
	}
	p := newCompactionPicker(v, opts, nil)
	require.Nil(t, p.pickAuto(nil))

	// Chain the ranges so they overlap pairwise; picking any one file must
	// expand to cover all four.
	v.files[0] = []fileMetadata{
		newTestFileMeta(1, "a", "c"),
		newTestFileMeta(2, "b", "e"),
		newTestFileMeta(3, "d", "g"),
		newTestFileMeta(4, "f", "h"),
	}
	p = newCompactionPicker(v, opts, nil)
	c := p.pickAuto(nil)
	require.NotNil(t, c)
	require.Equal(t, 0, c.startLevel)
	require.Equal(t, p.baseLevel, c.outputLevel)
	require.Len(t, c.inputs[0], 4)
}

func TestCompactionPickerByteRatioTrigger(t *testing.T) {
	opts := (&Options{}).EnsureDefaults()

	v := &version{}
	big := newTestFileMeta(1, "a", "z")
	big.size = uint64(opts.LBaseMaxBytes) * 2
	v.files[1] = []fileMetadata{big}
	v.files[2] = []fileMetadata{newTestFileMeta(2, "a", "z")}

	p := newCompactionPicker(v, opts, nil)
	require.Equal(t, 1, p.baseLevel)
	require.GreaterOrEqual(t, p.scores[1], 1.0)

	c := p.pickAuto(nil)
	require.NotNil(t, c)
	require.Equal(t, 1, c.startLevel)
	require.Equal(t, 2, c.outputLevel)
}

func TestCompactionPickerSkipsConflictingInProgress(t *testing.T) {
	opts := (&Options{L0CompactionThreshold: 1}).EnsureDefaults()

	v := &version{}
	v.files[0] = []fileMetadata{newTestFileMeta(1, "a", "b")}

	p := newCompactionPicker(v, opts, nil)
	inProgress := []compactionInfo{{startLevel: 0, outputLevel: p.baseLevel}}
	require.Nil(t, p.pickAuto(inProgress))
}

func TestCompactionPickerMarkedForCompactionQueuesAfterScored(t *testing.T) {
	opts := (&Options{L0CompactionThreshold: 100}).EnsureDefaults()

	v := &version{}
	marked := newTestFileMeta(5, "m", "n")
	marked.markedForCompaction = true
	v.files[1] = []fileMetadata{
		newTestFileMeta(1, "a", "c"),
		marked,
	}

	p := newCompactionPicker(v, opts, nil)
	require.NotEmpty(t, p.queue)
	last := p.queue[len(p.queue)-1]
	require.Equal(t, 1, last.level)
	require.Equal(t, 5, func() int {
		for i, f := range v.files[1] {
			if i == last.file {
				return int(f.fileNum)
			}
		}
		return -1
	}())
}

func TestCompactionPickerSeedsFromCompactPointerWithWrapAround(t *testing.T) {
	opts := (&Options{}).EnsureDefaults()

	v := &version{}
	big := newTestFileMeta(1, "a", "c")
	big.size = uint64(opts.LBaseMaxBytes) * 2
	v.files[1] = []fileMetadata{
		big,
		newTestFileMeta(2, "d", "f"),
		newTestFileMeta(3, "g", "i"),
	}
	v.files[2] = []fileMetadata{newTestFileMeta(4, "a", "z")}

	// No pointer yet: the first run in key order seeds the compaction.
	p := newCompactionPicker(v, opts, nil)
	c := p.pickAuto(nil)
	require.NotNil(t, c)
	require.Equal(t, []byte("a"), c.inputs[0][0].smallest.UserKey)

	// A pointer past every run's smallest key wraps back around to the
	// first run rather than finding nothing to compact.
	v.compactPointers[1] = base.MakeInternalKey([]byte("z"), 1, base.InternalKeyKindSet)
	p = newCompactionPicker(v, opts, nil)
	c = p.pickAuto(nil)
	require.NotNil(t, c)
	require.Equal(t, []byte("a"), c.inputs[0][0].smallest.UserKey)

	// A pointer partway through the level resumes just past it.
	v.compactPointers[1] = base.MakeInternalKey([]byte("d"), 1, base.InternalKeyKindSet)
	p = newCompactionPicker(v, opts, nil)
	c = p.pickAuto(nil)
	require.NotNil(t, c)
	require.Equal(t, []byte("g"), c.inputs[0][0].smallest.UserKey)
}

func TestEstimatedCompactionDebtEmptyPicker(t *testing.T) {
	var p *compactionPicker
	require.Equal(t, uint64(0), p.estimatedCompactionDebt(0))
	require.Equal(t, 1, p.getBaseLevel())
}

func TestCompactionPickerSeekChargedQueuesLast(t *testing.T) {
	opts := (&Options{L0CompactionThreshold: 100}).EnsureDefaults()

	v := &version{}
	charged := newTestFileMeta(9, "m", "n")
	seeks := int32(0)
	charged.allowedSeeks = &seeks
	v.files[1] = []fileMetadata{
		newTestFileMeta(1, "a", "c"),
		charged,
	}

	p := newCompactionPicker(v, opts, nil)
	require.NotEmpty(t, p.queue)
	last := p.queue[len(p.queue)-1]
	require.Equal(t, 1, last.level)
	require.Equal(t, 9, int(v.files[1][last.file].fileNum))
}

func TestFileMetadataChargeSeekMarksCharged(t *testing.T) {
	f := newTestFileMeta(1, "a", "b")
	seeks := int32(2)
	f.allowedSeeks = &seeks
	require.False(t, f.seekCharged())
	f.chargeSeek()
	f.chargeSeek()
	require.True(t, f.seekCharged())

	var noBudget fileMetadata
	require.False(t, noBudget.seekCharged())
	noBudget.chargeSeek() // must not panic on a nil budget
}

func TestConflictsWithInProgress(t *testing.T) {
	inProgress := []compactionInfo{{startLevel: 1, outputLevel: 2}}
	require.True(t, conflictsWithInProgress(1, 2, inProgress))
	require.True(t, conflictsWithInProgress(0, 1, inProgress))
	require.True(t, conflictsWithInProgress(2, 3, inProgress))
	require.False(t, conflictsWithInProgress(3, 4, inProgress))
}
