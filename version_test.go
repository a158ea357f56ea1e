// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meggie4/partnerkv/internal/base"
)

func TestVersionOverlapsDisjointLevel(t *testing.T) {
	v := &version{}
	v.files[1] = []fileMetadata{
		newTestFileMeta(1, "a", "c"),
		newTestFileMeta(2, "d", "f"),
		newTestFileMeta(3, "g", "i"),
	}

	got := v.overlaps(1, base.DefaultCompare, []byte("e"), []byte("h"))
	var nums []uint64
	for _, f := range got {
		nums = append(nums, f.fileNum)
	}
	require.ElementsMatch(t, []uint64{2, 3}, nums)

	require.Empty(t, v.overlaps(1, base.DefaultCompare, []byte("x"), []byte("z")))
}

func TestVersionOverlapsL0ExpandsSearch(t *testing.T) {
	v := &version{}
	// Two overlapping L0 runs: a direct query for "b" hits only the run
	// "a"-"e", but because that run extends to "e" the search also pulls
	// in the run starting at "d".
	v.files[0] = []fileMetadata{
		newTestFileMeta(1, "a", "e"),
		newTestFileMeta(2, "d", "h"),
	}
	got := v.overlaps(0, base.DefaultCompare, []byte("b"), []byte("b"))
	var nums []uint64
	for _, f := range got {
		nums = append(nums, f.fileNum)
	}
	require.ElementsMatch(t, []uint64{1, 2}, nums)
}

func TestVersionCheckOrderingDetectsOverlap(t *testing.T) {
	v := &version{}
	v.files[1] = []fileMetadata{
		newTestFileMeta(1, "a", "m"),
		newTestFileMeta(2, "k", "z"), // overlaps the previous run.
	}
	require.Error(t, v.checkOrdering(base.DefaultCompare))
}

func TestVersionCheckOrderingAcceptsDisjoint(t *testing.T) {
	v := &version{}
	v.files[1] = []fileMetadata{
		newTestFileMeta(1, "a", "c"),
		newTestFileMeta(2, "d", "f"),
	}
	require.NoError(t, v.checkOrdering(base.DefaultCompare))
}
