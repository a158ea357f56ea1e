// Copyright 2013 The LevelDB-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package partnerkv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meggie4/partnerkv/internal/base"
	"github.com/meggie4/partnerkv/internal/sstable"
	"github.com/meggie4/partnerkv/internal/vfs"
)

// writeTestRun writes a run containing pairs to dirname/fileNum via fs and
// returns the fileMetadata a version would carry for it.
func writeTestRun(t *testing.T, fs FS, dirname string, fileNum uint64, pairs [][3]interface{}) fileMetadata {
	t.Helper()
	name := makeFilename(dirname, fileTypeTable, fileNum)
	f, err := fs.Create(name)
	require.NoError(t, err)

	w := sstable.NewWriter(f, 4096, 16, sstable.NoCompression)
	for _, p := range pairs {
		key := base.MakeInternalKey([]byte(p[0].(string)), base.SeqNum(p[1].(int)), p[2].(base.InternalKeyKind))
		require.NoError(t, w.Add(key, []byte("v")))
	}
	count, wSmallest, wLargest, smallestSeq, largestSeq, err := w.Close()
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.Equal(t, uint64(len(pairs)), count)

	refs := new(int32)
	*refs = 1
	info, err := fs.Stat(name)
	require.NoError(t, err)
	return fileMetadata{
		refs:           refs,
		fileNum:        fileNum,
		size:           uint64(info.Size()),
		smallest:       wSmallest,
		largest:        wLargest,
		smallestSeqNum: smallestSeq,
		largestSeqNum:  largestSeq,
	}
}

func TestCompactionSetupInputsExpandsOverlap(t *testing.T) {
	opts := (&Options{}).EnsureDefaults()
	v := &version{}
	v.files[1] = []fileMetadata{newTestFileMeta(1, "a", "e")}
	v.files[2] = []fileMetadata{
		newTestFileMeta(2, "a", "c"),
		newTestFileMeta(3, "d", "z"),
	}

	c := newCompaction(opts, v, 1, 1)
	c.outputLevel = 2
	c.inputs[0] = v.files[1]
	c.setupInputs()

	var l1Nums []uint64
	for _, f := range c.inputs[1] {
		l1Nums = append(l1Nums, f.fileNum)
	}
	require.ElementsMatch(t, []uint64{2, 3}, l1Nums)
}

func TestCompactionIsTrivialMove(t *testing.T) {
	opts := (&Options{}).EnsureDefaults()
	v := &version{}
	c := newCompaction(opts, v, 1, 2)
	c.inputs[0] = []fileMetadata{newTestFileMeta(1, "a", "b")}
	require.True(t, c.isTrivialMove())

	c.inputs[1] = []fileMetadata{newTestFileMeta(2, "a", "b")}
	require.False(t, c.isTrivialMove())
}

func TestCompactionIsBaseLevelForUkey(t *testing.T) {
	opts := (&Options{}).EnsureDefaults()
	v := &version{}
	v.files[3] = []fileMetadata{newTestFileMeta(1, "m", "p")}

	c := newCompaction(opts, v, 1, 2)
	require.True(t, c.isBaseLevelForUkey(base.DefaultCompare, []byte("a")))
	require.False(t, c.isBaseLevelForUkey(base.DefaultCompare, []byte("n")))
}

func TestCompactionRunMergesAndDropsObsoleteVersions(t *testing.T) {
	fs := vfs.NewMem()
	dirname := ""
	opts := (&Options{FS: fs}).EnsureDefaults()

	f0 := writeTestRun(t, fs, dirname, 1, [][3]interface{}{
		{"a", 5, base.InternalKeyKindSet},
		{"b", 1, base.InternalKeyKindSet},
	})
	f1 := writeTestRun(t, fs, dirname, 2, [][3]interface{}{
		{"a", 1, base.InternalKeyKindSet}, // shadowed by f0's a@5
		{"c", 2, base.InternalKeyKindDelete},
	})

	v := &version{}
	v.files[0] = []fileMetadata{f0, f1}

	c := newCompaction(opts, v, 0, 1)
	c.inputs[0] = v.files[0]
	c.setupInputs()

	var nextFileNum uint64 = 100
	allocate := func() uint64 { nextFileNum++; return nextFileNum }

	// smallestSeq above every sequence number involved simulates the
	// common case of no open snapshots: nothing shadowed by a newer
	// version, and no tombstone, needs to survive the merge.
	ve, err := c.run(fs, dirname, allocate, opts, base.SeqNum(10))
	require.NoError(t, err)
	require.True(t, ve.deletedFiles[deletedFileEntry{level: 0, fileNum: 1}])
	require.True(t, ve.deletedFiles[deletedFileEntry{level: 0, fileNum: 2}])
	require.Len(t, ve.newFiles, 1)

	nf := ve.newFiles[0]
	require.Equal(t, 1, nf.level)

	name := makeFilename(dirname, fileTypeTable, nf.meta.fileNum)
	rf, err := fs.Open(name)
	require.NoError(t, err)
	info, err := rf.Stat()
	require.NoError(t, err)
	rd, err := sstable.Open(rf, info.Size())
	require.NoError(t, err)

	it := rd.NewIter()
	var got []string
	for it.Next() {
		got = append(got, string(it.Key().UserKey))
	}
	// a@1 is shadowed by a@5 within the same compaction and dropped; b
	// survives untouched; c's tombstone is dropped since there's no data
	// at a lower level for it to keep shadowing and no snapshot needs it.
	require.Equal(t, []string{"a", "b"}, got)
	require.NoError(t, rf.Close())
}

// TestCompactionRunCutsOutputOnMaxFileSize is spec.md §4.6's cut boundary
// (a): the merge must close and start a new output run once the current
// one would exceed MaxFileSize, rather than emitting one unbounded run.
func TestCompactionRunCutsOutputOnMaxFileSize(t *testing.T) {
	fs := vfs.NewMem()
	dirname := ""
	opts := (&Options{FS: fs}).EnsureDefaults()
	opts.MaxFileSize = 1 // cut before every key past the first

	// Two L0 runs, so the compaction merges them instead of taking the
	// single-run trivial-move shortcut.
	f0 := writeTestRun(t, fs, dirname, 1, [][3]interface{}{
		{"a", 1, base.InternalKeyKindSet},
		{"b", 2, base.InternalKeyKindSet},
	})
	f1 := writeTestRun(t, fs, dirname, 2, [][3]interface{}{
		{"c", 3, base.InternalKeyKindSet},
	})

	v := &version{}
	v.files[0] = []fileMetadata{f0, f1}

	c := newCompaction(opts, v, 0, 1)
	c.inputs[0] = v.files[0]
	c.setupInputs()

	var nextFileNum uint64 = 100
	allocate := func() uint64 { nextFileNum++; return nextFileNum }

	ve, err := c.run(fs, dirname, allocate, opts, base.SeqNum(10))
	require.NoError(t, err)
	require.Len(t, ve.newFiles, 3)
}

// TestCompactionRunCutsOutputOnGrandparentOverlap is spec.md §4.6's cut
// boundary (b): the merge must close the current output once its
// accumulated range's overlap with outputLevel+1 (the grandparent level)
// would exceed the cap, even though the output itself is far under
// MaxFileSize.
func TestCompactionRunCutsOutputOnGrandparentOverlap(t *testing.T) {
	fs := vfs.NewMem()
	dirname := ""
	opts := (&Options{FS: fs}).EnsureDefaults()
	opts.MaxFileSize = 1 << 30 // large enough that the size cap never fires

	f0 := writeTestRun(t, fs, dirname, 1, [][3]interface{}{
		{"a", 1, base.InternalKeyKindSet},
		{"m", 2, base.InternalKeyKindSet},
		{"z", 3, base.InternalKeyKindSet},
	})

	v := &version{}
	v.files[0] = []fileMetadata{f0}

	c := newCompaction(opts, v, 0, 1)
	c.inputs[0] = v.files[0]
	c.setupInputs()
	// Grandparent (outputLevel+1) runs sized far past 10x MaxFileSize, so
	// passing either one's boundary forces a cut.
	c.inputs[2] = []fileMetadata{
		{fileNum: 900, largest: base.MakeInternalKey([]byte("a"), 0, base.InternalKeyKindSet), size: 20 << 30},
		{fileNum: 901, largest: base.MakeInternalKey([]byte("m"), 0, base.InternalKeyKindSet), size: 20 << 30},
	}

	var nextFileNum uint64 = 100
	allocate := func() uint64 { nextFileNum++; return nextFileNum }

	ve, err := c.run(fs, dirname, allocate, opts, base.SeqNum(10))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(ve.newFiles), 2)
}
