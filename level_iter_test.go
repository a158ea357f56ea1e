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

func TestLevelIterConcatenatesRunsInOrder(t *testing.T) {
	fs := vfs.NewMem()
	const dirname = ""

	f1 := writeTestRun(t, fs, dirname, 1, [][3]interface{}{
		{"a", 1, base.InternalKeyKindSet},
		{"b", 1, base.InternalKeyKindSet},
	})
	f2 := writeTestRun(t, fs, dirname, 2, [][3]interface{}{
		{"c", 1, base.InternalKeyKindSet},
		{"d", 1, base.InternalKeyKindSet},
	})

	l := newLevelIter(fs, dirname, []fileMetadata{f1, f2})
	defer l.close()

	var keys []string
	for l.Next() {
		keys = append(keys, string(l.Key().UserKey))
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, keys)
}

func TestLevelIterEmptyFileListIsImmediatelyExhausted(t *testing.T) {
	fs := vfs.NewMem()
	l := newLevelIter(fs, "", nil)
	defer l.close()
	require.False(t, l.Next())
}

func TestLevelIterSkipsMissingRunWithoutPanicking(t *testing.T) {
	fs := vfs.NewMem()
	const dirname = ""

	// A fileMetadata entry whose backing table was never written: openAt
	// should fail closed rather than panic, and Next should report
	// exhaustion like any other terminal state.
	ghost := fileMetadata{fileNum: 99}

	l := newLevelIter(fs, dirname, []fileMetadata{ghost})
	defer l.close()
	require.False(t, l.Next())
}

func TestLevelIterValueMatchesWrittenPayload(t *testing.T) {
	fs := vfs.NewMem()
	const dirname = ""

	f1 := writeTestRun(t, fs, dirname, 1, [][3]interface{}{
		{"k", 5, base.InternalKeyKindSet},
	})

	l := newLevelIter(fs, dirname, []fileMetadata{f1})
	defer l.close()

	require.True(t, l.Next())
	require.Equal(t, []byte("k"), l.Key().UserKey)
	require.Equal(t, []byte("v"), l.Value())
	require.False(t, l.Next())
}
