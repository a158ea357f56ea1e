// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package partnerkv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meggie4/partnerkv/internal/base"
	"github.com/meggie4/partnerkv/internal/vfs"
)

func TestVersionSetCreateStartsEmpty(t *testing.T) {
	fs := vfs.NewMem()
	opts := (&Options{FS: fs}).EnsureDefaults()
	vs := newVersionSet("", opts)
	require.NoError(t, vs.create())

	v := vs.currentVersion()
	require.NotNil(t, v)
	for level := 0; level < numLevels; level++ {
		require.Empty(t, v.files[level])
	}
}

func TestVersionSetLogAndApplyInstallsNewVersion(t *testing.T) {
	fs := vfs.NewMem()
	opts := (&Options{FS: fs}).EnsureDefaults()
	vs := newVersionSet("", opts)
	require.NoError(t, vs.create())

	fileNum := vs.allocateFileNum()
	ve := &versionEdit{
		lastSequence: 5,
		newFiles:     []newFileEntry{{level: 0, meta: newTestFileMeta(fileNum, "a", "z")}},
	}
	require.NoError(t, vs.logAndApply(ve))

	v := vs.currentVersion()
	require.Len(t, v.files[0], 1)
	require.Equal(t, fileNum, v.files[0][0].fileNum)
	require.Equal(t, base.SeqNum(5), vs.lastSequence)
}

func TestVersionSetRecoverRebuildsCurrentVersion(t *testing.T) {
	fs := vfs.NewMem()
	opts := (&Options{FS: fs}).EnsureDefaults()
	vs := newVersionSet("", opts)
	require.NoError(t, vs.create())

	fileNum := vs.allocateFileNum()
	ve := &versionEdit{
		lastSequence: 9,
		logNumber:    3,
		newFiles:     []newFileEntry{{level: 1, meta: newTestFileMeta(fileNum, "m", "p")}},
	}
	require.NoError(t, vs.logAndApply(ve))

	vs2 := newVersionSet("", opts)
	require.NoError(t, vs2.recover())

	v := vs2.currentVersion()
	require.Len(t, v.files[1], 1)
	require.Equal(t, fileNum, v.files[1][0].fileNum)
	require.Equal(t, base.SeqNum(9), vs2.lastSequence)
	require.Equal(t, uint64(3), vs2.logNumber)
}
